// Package schema implements the per-class schema catalog.
//
// The catalog is persisted in the reserved _SCHEMA collection, one
// document per class: _id is the class name, _metadata carries the
// class-level permissions, and every other key maps a field name to its
// type string. A [Schema] value is an immutable snapshot; the mutating
// helpers return a new snapshot. Concurrent registration races are
// resolved by exists-guarded conditional writes plus reload-and-recheck,
// never locking.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/format"
	"github.com/objstack/objstack/pkg/storage"
)

var tracer = otel.Tracer("objstack/pkg/schema")

// Field type strings stored in the catalog.
const (
	TypeString   = "string"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeObject   = "object"
	TypeArray    = "array"
	TypeDate     = "date"
	TypeFile     = "file"
	TypeGeoPoint = "geopoint"
)

// Permission operations recognized in class_permissions.
const (
	PermGet      = "get"
	PermFind     = "find"
	PermCreate   = "create"
	PermUpdate   = "update"
	PermDelete   = "delete"
	PermAddField = "addField"
)

var fieldNameMatcher = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Schema is one immutable catalog snapshot bound to its backing
// collection.
type Schema struct {
	ds         storage.Datastore
	collection string

	// data[className][fieldName] is the type of that field.
	data map[string]map[string]string

	// perms[className][operation] is the allow-list for that operation.
	perms map[string]map[string]map[string]any
}

// Load reads the whole catalog collection into a new snapshot.
func Load(ctx context.Context, ds storage.Datastore, collection string) (*Schema, error) {
	ctx, span := tracer.Start(ctx, "schema.Load")
	defer span.End()

	docs, err := ds.Find(ctx, collection, map[string]any{}, storage.FindOptions{})
	if err != nil {
		return nil, err
	}

	s := &Schema{
		ds:         ds,
		collection: collection,
		data:       make(map[string]map[string]string),
		perms:      make(map[string]map[string]map[string]any),
	}
	for _, doc := range docs {
		className, _ := doc["_id"].(string)
		if className == "" {
			continue
		}
		fields := make(map[string]string)
		for key, value := range doc {
			switch key {
			case "_id":
			case "_metadata":
				meta, _ := value.(map[string]any)
				if rawPerms, ok := meta["class_permissions"].(map[string]any); ok {
					s.perms[className] = decodePerms(rawPerms)
				}
			default:
				if fieldType, ok := value.(string); ok {
					fields[key] = fieldType
				}
			}
		}
		s.data[className] = fields
	}
	return s, nil
}

// Reload returns a fresh snapshot from the same collection.
func (s *Schema) Reload(ctx context.Context) (*Schema, error) {
	return Load(ctx, s.ds, s.collection)
}

// HasClass reports whether the class is registered.
func (s *Schema) HasClass(className string) bool {
	_, ok := s.data[className]
	return ok
}

// HasKeys reports whether the schema knows the type of all these keys.
func (s *Schema) HasKeys(className string, keys []string) bool {
	fields, ok := s.data[className]
	if !ok {
		return false
	}
	for _, key := range keys {
		if fields[key] == "" {
			return false
		}
	}
	return true
}

// FieldNames returns the registered field names of a class.
func (s *Schema) FieldNames(className string) []string {
	fields := s.data[className]
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	return names
}

// GetExpectedType returns the type for a className+key combination, or
// "" if the schema has no entry.
func (s *Schema) GetExpectedType(className, key string) string {
	return s.data[className][key]
}

// IsPointer reports whether the field holds pointers.
func (s *Schema) IsPointer(className, key string) bool {
	return strings.HasPrefix(s.GetExpectedType(className, key), "*")
}

// PointerTarget returns the class a pointer field points to, if the
// field is pointer-typed.
func (s *Schema) PointerTarget(className, key string) (string, bool) {
	t := s.GetExpectedType(className, key)
	if strings.HasPrefix(t, "*") {
		return t[1:], true
	}
	return "", false
}

// RelationTarget returns the class a relation field relates to, if the
// field is relation-typed.
func (s *Schema) RelationTarget(className, key string) (string, bool) {
	t := s.GetExpectedType(className, key)
	if strings.HasPrefix(t, "relation<") && strings.HasSuffix(t, ">") {
		return t[len("relation<") : len(t)-1], true
	}
	return "", false
}

// ValidateClassName registers an unknown class unless frozen. Insert
// races with other writers are fine, both see the row on reload.
func (s *Schema) ValidateClassName(ctx context.Context, className string, freeze bool) (*Schema, error) {
	if s.HasClass(className) {
		return s, nil
	}
	if freeze {
		return nil, errors.Newf(errors.InvalidJSON, "schema is frozen, cannot add: %s", className)
	}

	// Ignore the insert error: it usually means another client just
	// made the same registration. Reload tells us either way.
	_ = s.ds.Insert(ctx, s.collection, map[string]any{"_id": className})

	reloaded, err := s.Reload(ctx)
	if err != nil {
		return nil, err
	}
	reloaded, err = reloaded.ValidateClassName(ctx, className, true)
	if err != nil {
		return nil, errors.New(errors.InvalidJSON, "schema class name does not revalidate")
	}
	return reloaded, nil
}

// ValidateField registers an unknown field via an exists-guarded write.
// An existing field with a different type fails without coercion.
func (s *Schema) ValidateField(ctx context.Context, className, key, fieldType string, freeze bool) (*Schema, error) {
	if !fieldNameMatcher.MatchString(key) {
		return nil, errors.Newf(errors.InvalidKeyName, "invalid key name: %s", key)
	}

	expected := s.GetExpectedType(className, key)
	if expected != "" {
		if expected == "map" {
			expected = TypeObject
		}
		if expected == fieldType {
			return s, nil
		}
		return nil, errors.Newf(errors.IncorrectType,
			"schema mismatch for %s.%s; expected %s but got %s",
			className, key, expected, fieldType)
	}

	if freeze {
		return nil, errors.Newf(errors.InvalidJSON, "schema is frozen, cannot add %s field", key)
	}

	// Untyped values do not evolve the schema.
	if fieldType == "" {
		return s, nil
	}

	if fieldType == TypeGeoPoint {
		for _, otherType := range s.data[className] {
			if otherType == TypeGeoPoint {
				return nil, errors.New(errors.IncorrectType,
					"there can only be one geopoint field in a class")
			}
		}
	}

	// The $exists guard makes the write conditional: if another client
	// set the field first, nothing matches and we go down the reload
	// path to recheck the type they chose.
	query := map[string]any{
		"_id": className,
		key:   map[string]any{"$exists": false},
	}
	update := map[string]any{
		storage.UpdateSet: map[string]any{key: fieldType},
	}
	_, _ = s.ds.Update(ctx, s.collection, query, update)

	reloaded, err := s.Reload(ctx)
	if err != nil {
		return nil, err
	}
	reloaded, err = reloaded.ValidateField(ctx, className, key, fieldType, true)
	if err != nil {
		if errors.CodeOf(err) == errors.IncorrectType {
			return nil, err
		}
		return nil, fmt.Errorf("schema key will not revalidate: %w", err)
	}
	return reloaded, nil
}

// ValidateObject infers each key's type from its REST value and
// validates the fields sequentially, producing one new snapshot.
func (s *Schema) ValidateObject(ctx context.Context, className string, object map[string]any) (*Schema, error) {
	ctx, span := tracer.Start(ctx, "schema.ValidateObject")
	defer span.End()

	next, err := s.ValidateClassName(ctx, className, false)
	if err != nil {
		return nil, err
	}

	geocount := 0
	for key, value := range object {
		expected, err := TypeOf(value)
		if err != nil {
			return nil, err
		}
		if expected == TypeGeoPoint {
			geocount++
			if geocount > 1 {
				return nil, errors.New(errors.IncorrectType,
					"there can only be one geopoint field in a class")
			}
		}
		if expected == "" {
			continue
		}
		next, err = next.ValidateField(ctx, className, key, expected, false)
		if err != nil {
			return nil, err
		}
	}
	return next, nil
}

// SetPermissions replaces the class-level permission map and reloads.
func (s *Schema) SetPermissions(ctx context.Context, className string, perms map[string]any) (*Schema, error) {
	update := map[string]any{
		storage.UpdateSet: map[string]any{
			"_metadata": map[string]any{"class_permissions": perms},
		},
	}
	if _, err := s.ds.Update(ctx, s.collection, map[string]any{"_id": className}, update); err != nil {
		return nil, err
	}
	return s.Reload(ctx)
}

// ValidatePermission checks an operation against the class-level
// permissions. Denial reads exactly like a missing object so existence
// never leaks.
func (s *Schema) ValidatePermission(className string, aclGroup []string, operation string) error {
	perms := s.perms[className][operation]
	if perms == nil {
		return nil
	}
	if truthy(perms["*"]) {
		return nil
	}
	for _, principal := range aclGroup {
		if truthy(perms[principal]) {
			return nil
		}
	}
	return errors.New(errors.ObjectNotFound, "Permission denied for this action.")
}

// TypeOf infers the schema type of a REST value. An empty string means
// the value carries no type information (null, or a Delete operator).
func TypeOf(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case bool:
		return TypeBoolean, nil
	case string:
		return TypeString, nil
	case float64, float32, int, int32, int64:
		return TypeNumber, nil
	case []any:
		return TypeArray, nil
	case map[string]any:
		return objectTypeOf(t)
	}
	return "", fmt.Errorf("bad type for value %v", v)
}

func objectTypeOf(m map[string]any) (string, error) {
	if className, _, ok := format.AsPointer(m); className != "" && ok {
		return "*" + className, nil
	}
	if m["__type"] == format.TypeFile && m["url"] != nil && m["name"] != nil {
		return TypeFile, nil
	}
	if m["__type"] == format.TypeDate && m["iso"] != nil {
		return TypeDate, nil
	}
	if m["__type"] == format.TypeGeoPoint && m["latitude"] != nil && m["longitude"] != nil {
		return TypeGeoPoint, nil
	}
	if ne, ok := m["$ne"]; ok && ne != nil {
		return TypeOf(ne)
	}
	if op, ok := format.OpOf(m); ok {
		switch op {
		case format.OpIncrement:
			return TypeNumber, nil
		case format.OpDelete:
			return "", nil
		case format.OpAdd, format.OpAddUnique, format.OpRemove:
			return TypeArray, nil
		case format.OpAddRelation, format.OpRemoveRelation:
			objects := format.OpObjects(m)
			if len(objects) == 0 {
				return "", errors.New(errors.InvalidJSON, "relation operator with no objects")
			}
			className, _, ok := format.AsPointer(objects[0])
			if !ok {
				return "", errors.New(errors.InvalidJSON, "relation operator objects must be pointers")
			}
			return "relation<" + className + ">", nil
		case format.OpBatch:
			ops := format.OpSubOps(m)
			if len(ops) == 0 {
				return "", errors.New(errors.InvalidJSON, "batch operator with no ops")
			}
			sub, ok := ops[0].(map[string]any)
			if !ok {
				return "", errors.New(errors.InvalidJSON, "batch operator with malformed ops")
			}
			return objectTypeOf(sub)
		default:
			return "", fmt.Errorf("unexpected op: %s", op)
		}
	}
	return TypeObject, nil
}

func decodePerms(raw map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(raw))
	for op, allowed := range raw {
		if m, ok := allowed.(map[string]any); ok {
			out[op] = m
		}
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	}
	return true
}

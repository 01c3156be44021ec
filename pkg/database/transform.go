package database

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/format"
	"github.com/objstack/objstack/pkg/schema"
	"github.com/objstack/objstack/pkg/storage"
)

// The native encoding differs from the REST one: reserved fields move
// to underscore names, schema-typed pointers collapse to "Class$id"
// strings under a _p_ prefix, dates become {"$date": iso} at any depth,
// geopoints become [lng, lat] pairs, and the ACL splits into _rperm /
// _wperm principal arrays.

var nativeKeyMatcher = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

var queryOperators = map[string]struct{}{
	"$lt": {}, "$lte": {}, "$gt": {}, "$gte": {}, "$ne": {}, "$eq": {},
	"$in": {}, "$nin": {}, "$exists": {}, "$all": {}, "$regex": {},
	"$nearSphere": {}, "$maxDistance": {},
}

// transformKey maps a REST field name onto its native column.
func transformKey(s *schema.Schema, className, key string) (string, error) {
	switch key {
	case "objectId", "_id":
		return "_id", nil
	case "createdAt", "_created_at":
		return "_created_at", nil
	case "updatedAt", "_updated_at":
		return "_updated_at", nil
	case "sessionToken", "_session_token":
		return "_session_token", nil
	}
	if className == "_User" && key == "password" {
		return "_hashed_password", nil
	}
	if provider, rest, ok := splitAuthDataKey(key); ok {
		if rest == "" {
			return "_auth_data_" + provider, nil
		}
		return "_auth_data_" + provider + "." + rest, nil
	}
	if !nativeKeyMatcher.MatchString(key) {
		return "", errors.Newf(errors.InvalidKeyName, "invalid key name: %s", key)
	}
	if s.IsPointer(className, key) {
		return "_p_" + key, nil
	}
	return key, nil
}

func splitAuthDataKey(key string) (provider, rest string, ok bool) {
	if !strings.HasPrefix(key, "authData.") {
		return "", "", false
	}
	remainder := strings.TrimPrefix(key, "authData.")
	if remainder == "" {
		return "", "", false
	}
	if i := strings.Index(remainder, "."); i != -1 {
		return remainder[:i], remainder[i+1:], true
	}
	return remainder, "", true
}

// transformWhere converts a REST filter into a native one.
func transformWhere(s *schema.Schema, className string, where map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(where))
	for key, value := range where {
		switch key {
		case "$or", "$and":
			subs, ok := value.([]any)
			if !ok {
				return nil, errors.Newf(errors.InvalidQuery, "bad %s clause", key)
			}
			nativeSubs := make([]any, 0, len(subs))
			for _, sub := range subs {
				subWhere, ok := sub.(map[string]any)
				if !ok {
					return nil, errors.Newf(errors.InvalidQuery, "bad %s clause", key)
				}
				nativeSub, err := transformWhere(s, className, subWhere)
				if err != nil {
					return nil, err
				}
				nativeSubs = append(nativeSubs, nativeSub)
			}
			out[key] = nativeSubs
		case "ACL":
			return nil, errors.New(errors.InvalidQuery, "Cannot query on ACL.")
		case "$relatedTo":
			return nil, errors.New(errors.InvalidQuery, "$relatedTo is only valid on a top-level query")
		default:
			nativeKey, err := transformKey(s, className, key)
			if err != nil {
				return nil, err
			}
			nativeValue, err := transformConstraint(value)
			if err != nil {
				return nil, err
			}
			out[nativeKey] = nativeValue
		}
	}
	return out, nil
}

// transformConstraint converts one field's constraint: either an
// operator map or a bare atom to match for equality.
func transformConstraint(constraint any) (any, error) {
	m, isMap := constraint.(map[string]any)
	if !isMap || !hasQueryOperator(m) {
		return transformAtom(constraint), nil
	}

	out := make(map[string]any, len(m))
	for op, value := range m {
		switch op {
		case "$lt", "$lte", "$gt", "$gte", "$ne", "$eq":
			out[op] = transformAtom(value)
		case "$in", "$nin", "$all":
			list, ok := value.([]any)
			if !ok {
				return nil, errors.Newf(errors.InvalidQuery, "bad atom in %s", op)
			}
			atoms := make([]any, len(list))
			for i, item := range list {
				atoms[i] = transformAtom(item)
			}
			out[op] = atoms
		case "$exists":
			out[op] = value
		case "$regex":
			if _, ok := value.(string); !ok {
				return nil, errors.New(errors.InvalidQuery, "bad regex")
			}
			out[op] = value
		case "$options":
			// Regex flags ride along untouched.
			out[op] = value
		case "$nearSphere":
			if lat, lng, ok := format.AsGeoPoint(value); ok {
				out[op] = []any{lng, lat}
			} else {
				out[op] = value
			}
		case "$maxDistance":
			out[op] = value
		default:
			return nil, errors.Newf(errors.InvalidQuery, "bad constraint: %s", op)
		}
	}
	return out, nil
}

func hasQueryOperator(m map[string]any) bool {
	for key := range m {
		if _, ok := queryOperators[key]; ok {
			return true
		}
	}
	return false
}

// transformAtom converts one REST value into its native form. Pointers
// collapse to "Class$id" only at the top level; nested pointers stay
// as-is, matching what transformCreate stores.
func transformAtom(v any) any {
	if className, objectID, ok := format.AsPointer(v); ok {
		return className + "$" + objectID
	}
	return transformValue(v)
}

// transformValue rewrites date markers at any depth and geopoint
// markers into native pairs. Other maps and lists recurse.
func transformValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		if m["__type"] == format.TypeDate {
			if iso, ok := m["iso"].(string); ok {
				return map[string]any{"$date": iso}
			}
		}
		if lat, lng, ok := format.AsGeoPoint(m); ok {
			return []any{lng, lat}
		}
		if name, ok := format.AsFile(m); ok {
			return name
		}
		out := make(map[string]any, len(m))
		for key, sub := range m {
			out[key] = transformValue(sub)
		}
		return out
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, sub := range list {
			out[i] = transformValue(sub)
		}
		return out
	}
	return v
}

// transformCreate converts a REST object into the native document to
// insert. Relation operators must be extracted before this point.
func transformCreate(s *schema.Schema, className string, object map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(object))
	for key, value := range object {
		switch {
		case key == "objectId":
			out["_id"] = value
			continue
		case key == "createdAt":
			out["_created_at"] = value
			continue
		case key == "updatedAt":
			out["_updated_at"] = value
			continue
		case key == "sessionToken":
			out["_session_token"] = value
			continue
		case key == "ACL":
			acl, ok := value.(map[string]any)
			if !ok {
				return nil, errors.New(errors.InvalidACL, "ACL must be a map of principals")
			}
			rperm, wperm, err := transformACL(acl)
			if err != nil {
				return nil, err
			}
			out["_rperm"] = rperm
			out["_wperm"] = wperm
			continue
		case strings.HasPrefix(key, "_"):
			// Already-native fields set by the pipeline, like
			// _hashed_password and _auth_data_* payloads.
			out[key] = value
			continue
		}

		if !nativeKeyMatcher.MatchString(key) {
			return nil, errors.Newf(errors.InvalidKeyName, "invalid key name: %s", key)
		}
		if targetClass, objectID, ok := format.AsPointer(value); ok && s.IsPointer(className, key) {
			out["_p_"+key] = targetClass + "$" + objectID
			continue
		}
		if targetClass, objectID, ok := format.AsPointer(value); ok {
			if s.GetExpectedType(className, key) == "" {
				out["_p_"+key] = targetClass + "$" + objectID
				continue
			}
		}
		out[key] = transformValue(value)
	}
	return out, nil
}

// transformUpdate converts a REST update into native update operators.
// Plain values fall under $set; __op markers map onto their native
// counterparts; Batch merges its sub-operations.
func transformUpdate(s *schema.Schema, className string, update map[string]any) (map[string]any, error) {
	out := map[string]any{}
	set := map[string]any{}

	addOp := func(op, key string, value any) {
		ops, _ := out[op].(map[string]any)
		if ops == nil {
			ops = map[string]any{}
			out[op] = ops
		}
		ops[key] = value
	}

	var apply func(key string, value any) error
	apply = func(key string, value any) error {
		nativeKey, err := transformKey(s, className, key)
		if err != nil {
			return err
		}

		op, isOp := format.OpOf(value)
		if !isOp {
			if key == "ACL" {
				acl, ok := value.(map[string]any)
				if !ok {
					return errors.New(errors.InvalidACL, "ACL must be a map of principals")
				}
				rperm, wperm, err := transformACL(acl)
				if err != nil {
					return err
				}
				set["_rperm"] = rperm
				set["_wperm"] = wperm
				return nil
			}
			if targetClass, objectID, ok := format.AsPointer(value); ok {
				if s.IsPointer(className, key) || s.GetExpectedType(className, key) == "" {
					set["_p_"+key] = targetClass + "$" + objectID
					return nil
				}
			}
			set[nativeKey] = transformValue(value)
			return nil
		}

		marker := value.(map[string]any)
		switch op {
		case format.OpDelete:
			addOp(storage.UpdateUnset, nativeKey, "")
		case format.OpIncrement:
			addOp(storage.UpdateInc, nativeKey, marker["amount"])
		case format.OpAdd:
			addOp(storage.UpdatePush, nativeKey, map[string]any{
				"$each": transformValue(format.OpObjects(marker)),
			})
		case format.OpAddUnique:
			addOp(storage.UpdateAddToSet, nativeKey, map[string]any{
				"$each": transformValue(format.OpObjects(marker)),
			})
		case format.OpRemove:
			addOp(storage.UpdatePullAll, nativeKey, transformValue(format.OpObjects(marker)))
		case format.OpBatch:
			for _, sub := range format.OpSubOps(marker) {
				if err := apply(key, sub); err != nil {
					return err
				}
			}
		default:
			return errors.Newf(errors.InvalidJSON, "unexpected op: %s", op)
		}
		return nil
	}

	for key, value := range update {
		if err := apply(key, value); err != nil {
			return nil, err
		}
	}
	if len(set) > 0 {
		out[storage.UpdateSet] = set
	}
	return out, nil
}

// transformACL splits a REST ACL into read and write principal lists.
func transformACL(acl map[string]any) (rperm, wperm []any, err error) {
	principals := make([]string, 0, len(acl))
	for principal := range acl {
		principals = append(principals, principal)
	}
	sort.Strings(principals)

	rperm, wperm = []any{}, []any{}
	for _, principal := range principals {
		entry, ok := acl[principal].(map[string]any)
		if !ok {
			return nil, nil, errors.Newf(errors.InvalidACL, "bad ACL entry for %s", principal)
		}
		for accessKey, allowed := range entry {
			on, isBool := allowed.(bool)
			if !isBool {
				return nil, nil, errors.Newf(errors.InvalidACL, "bad ACL value for %s.%s", principal, accessKey)
			}
			if !on {
				continue
			}
			switch accessKey {
			case "read":
				rperm = append(rperm, principal)
			case "write":
				wperm = append(wperm, principal)
			default:
				return nil, nil, errors.Newf(errors.InvalidACL, "bad ACL key: %s", accessKey)
			}
		}
	}
	return rperm, wperm, nil
}

// untransformObject converts a native document back into REST format.
func untransformObject(s *schema.Schema, className string, doc map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	var rperm, wperm []any

	for key, value := range doc {
		switch {
		case key == "_id":
			out["objectId"] = value
		case key == "_created_at":
			out["createdAt"] = value
		case key == "_updated_at":
			out["updatedAt"] = value
		case key == "_session_token":
			out["sessionToken"] = value
		case key == "_hashed_password":
			out["password"] = value
		case key == "_rperm":
			rperm, _ = value.([]any)
		case key == "_wperm":
			wperm, _ = value.([]any)
		case strings.HasPrefix(key, "_auth_data_"):
			provider := strings.TrimPrefix(key, "_auth_data_")
			authData, _ := out["authData"].(map[string]any)
			if authData == nil {
				authData = map[string]any{}
				out["authData"] = authData
			}
			authData[provider] = value
		case strings.HasPrefix(key, "_p_"):
			field := strings.TrimPrefix(key, "_p_")
			encoded, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("malformed pointer value for %s: %v", key, value)
			}
			targetClass, objectID, found := strings.Cut(encoded, "$")
			if !found {
				return nil, fmt.Errorf("malformed pointer value for %s: %v", key, value)
			}
			out[field] = format.Pointer(targetClass, objectID)
		case strings.HasPrefix(key, "_"):
			// Unknown internal fields stay internal.
		default:
			out[key] = untransformValue(s.GetExpectedType(className, key), value)
		}
	}

	if rperm != nil || wperm != nil {
		out["ACL"] = untransformACL(rperm, wperm)
	}

	// Relation fields are never materialized on the document; surface
	// them as typed stubs so clients see the field exists.
	for field, fieldType := range relationFields(s, className) {
		if _, present := out[field]; !present {
			out[field] = map[string]any{"__type": "Relation", "className": fieldType}
		}
	}
	return out, nil
}

func relationFields(s *schema.Schema, className string) map[string]string {
	out := map[string]string{}
	for _, field := range s.FieldNames(className) {
		if target, ok := s.RelationTarget(className, field); ok {
			out[field] = target
		}
	}
	return out
}

func untransformValue(fieldType string, v any) any {
	switch fieldType {
	case schema.TypeGeoPoint:
		if pair, ok := v.([]any); ok && len(pair) == 2 {
			lng, lngOK := pair[0].(float64)
			lat, latOK := pair[1].(float64)
			if lngOK && latOK {
				return format.GeoPoint(lat, lng)
			}
		}
	case schema.TypeFile:
		if name, ok := v.(string); ok {
			return map[string]any{"__type": format.TypeFile, "name": name}
		}
	}

	if m, ok := v.(map[string]any); ok {
		if iso, ok := m["$date"].(string); ok && len(m) == 1 {
			return map[string]any{"__type": format.TypeDate, "iso": iso}
		}
		out := make(map[string]any, len(m))
		for key, sub := range m {
			out[key] = untransformValue("", sub)
		}
		return out
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, sub := range list {
			out[i] = untransformValue("", sub)
		}
		return out
	}
	return v
}

func untransformACL(rperm, wperm []any) map[string]any {
	acl := map[string]any{}
	entry := func(principal string) map[string]any {
		e, _ := acl[principal].(map[string]any)
		if e == nil {
			e = map[string]any{}
			acl[principal] = e
		}
		return e
	}
	for _, p := range rperm {
		if principal, ok := p.(string); ok {
			entry(principal)["read"] = true
		}
	}
	for _, p := range wperm {
		if principal, ok := p.(string); ok {
			entry(principal)["write"] = true
		}
	}
	return acl
}

// Package database implements the storage adapter: permission-gated
// find/create/update/destroy over a [storage.Datastore], including the
// REST↔native translation, ACL predicate injection, and relation join
// maintenance.
package database

import (
	"context"
	stderrors "errors"
	"regexp"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/format"
	"github.com/objstack/objstack/pkg/logger"
	"github.com/objstack/objstack/pkg/schema"
	"github.com/objstack/objstack/pkg/storage"
)

var tracer = otel.Tracer("objstack/pkg/database")

var (
	joinClassMatcher = regexp.MustCompile(`^_Join:[A-Za-z0-9_]+:[A-Za-z0-9_]+$`)
	userClassMatcher = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

var systemClasses = map[string]struct{}{
	"_User": {}, "_Installation": {}, "_Session": {}, "_SCHEMA": {}, "_Role": {},
}

// Options scope one adapter operation. A master operation skips the
// permission check and ACL injection; anything else is restricted to
// the caller's principal group.
type Options struct {
	Sort  []storage.SortKey
	Skip  int
	Limit int

	Master   bool
	ACLGroup []string
}

// MasterOptions is the unrestricted [Options] value.
func MasterOptions() Options {
	return Options{Master: true}
}

// Controller is the storage adapter. It is safe for concurrent use.
type Controller struct {
	ds     storage.Datastore
	prefix string
	logger logger.Logger

	mu     sync.Mutex
	cached *schema.Schema
}

// New creates a Controller over ds. All collection names are prefixed
// with prefix.
func New(ds storage.Datastore, prefix string, l logger.Logger) *Controller {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Controller{ds: ds, prefix: prefix, logger: l}
}

// Datastore exposes the underlying store.
func (c *Controller) Datastore() storage.Datastore {
	return c.ds
}

// collection validates a class name and returns its prefixed
// collection name.
func (c *Controller) collection(className string) (string, error) {
	if _, ok := systemClasses[className]; !ok &&
		!joinClassMatcher.MatchString(className) &&
		!userClassMatcher.MatchString(className) {
		return "", errors.Newf(errors.InvalidClassName, "invalid className: %s", className)
	}
	return c.prefix + className, nil
}

// LoadSchema returns a catalog snapshot. With an acceptor, a cached
// snapshot that the acceptor approves is reused; otherwise a fresh one
// is loaded and cached.
func (c *Controller) LoadSchema(ctx context.Context, acceptor func(*schema.Schema) bool) (*schema.Schema, error) {
	c.mu.Lock()
	cached := c.cached
	c.mu.Unlock()

	if acceptor != nil && cached != nil && acceptor(cached) {
		return cached, nil
	}

	collection, err := c.collection("_SCHEMA")
	if err != nil {
		return nil, err
	}
	loaded, err := schema.Load(ctx, c.ds, collection)
	if err != nil {
		return nil, err
	}
	c.cacheSchema(loaded)
	return loaded, nil
}

func (c *Controller) cacheSchema(s *schema.Schema) {
	c.mu.Lock()
	c.cached = s
	c.mu.Unlock()
}

// ValidateObject evolves the schema to accept the REST object.
func (c *Controller) ValidateObject(ctx context.Context, className string, object map[string]any) error {
	s, err := c.LoadSchema(ctx, nil)
	if err != nil {
		return err
	}
	s, err = s.ValidateObject(ctx, className, object)
	if err != nil {
		return err
	}
	c.cacheSchema(s)
	return nil
}

// RedirectClassNameForKey resolves the class a relation key points to,
// falling back to className when the key is not relation-typed.
func (c *Controller) RedirectClassNameForKey(ctx context.Context, className, key string) (string, error) {
	s, err := c.LoadSchema(ctx, nil)
	if err != nil {
		return "", err
	}
	if target, ok := s.RelationTarget(className, key); ok {
		return target, nil
	}
	return className, nil
}

// SetClassPermissions replaces the class-level permission map.
func (c *Controller) SetClassPermissions(ctx context.Context, className string, perms map[string]any) error {
	s, err := c.LoadSchema(ctx, nil)
	if err != nil {
		return err
	}
	s, err = s.ValidateClassName(ctx, className, false)
	if err != nil {
		return err
	}
	s, err = s.SetPermissions(ctx, className, perms)
	if err != nil {
		return err
	}
	c.cacheSchema(s)
	return nil
}

// Find runs a REST query and returns REST results. Non-master callers
// get the ACL read disjunction injected and class permissions checked;
// a single-objectId query counts as a "get" for permission purposes.
func (c *Controller) Find(ctx context.Context, className string, query map[string]any, opts Options) ([]map[string]any, error) {
	ctx, span := tracer.Start(ctx, "database.Find")
	defer span.End()

	collection, where, s, err := c.prepareFind(ctx, className, query, opts)
	if err != nil {
		return nil, err
	}

	findOpts := storage.FindOptions{Skip: opts.Skip, Limit: opts.Limit}
	for _, key := range opts.Sort {
		nativeKey, err := transformKey(s, className, key.Field)
		if err != nil {
			return nil, err
		}
		findOpts.Sort = append(findOpts.Sort, storage.SortKey{Field: nativeKey, Descending: key.Descending})
	}

	docs, err := c.ds.Find(ctx, collection, where, findOpts)
	var geoErr *storage.GeoIndexError
	if stderrors.As(err, &geoErr) {
		// Build the missing geo index, then retry exactly once.
		if err := c.ds.EnsureGeoIndex(ctx, geoErr.Collection, geoErr.Field); err != nil {
			return nil, err
		}
		docs, err = c.ds.Find(ctx, collection, where, findOpts)
	}
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		object, err := untransformObject(s, className, doc)
		if err != nil {
			return nil, err
		}
		if className == "_User" && !opts.Master {
			objectID, _ := object["objectId"].(string)
			if !containsString(opts.ACLGroup, objectID) {
				delete(object, "authData")
				delete(object, "sessionToken")
			}
		}
		results = append(results, object)
	}
	return results, nil
}

// Count runs a REST query in count mode.
func (c *Controller) Count(ctx context.Context, className string, query map[string]any, opts Options) (int64, error) {
	ctx, span := tracer.Start(ctx, "database.Count")
	defer span.End()

	collection, where, _, err := c.prepareFind(ctx, className, query, opts)
	if err != nil {
		return 0, err
	}
	return c.ds.Count(ctx, collection, where)
}

func (c *Controller) prepareFind(ctx context.Context, className string, query map[string]any, opts Options) (string, map[string]any, *schema.Schema, error) {
	collection, err := c.collection(className)
	if err != nil {
		return "", nil, nil, err
	}

	queryKeys := keysForQuery(query)
	s, err := c.LoadSchema(ctx, func(s *schema.Schema) bool {
		return s.HasKeys(className, queryKeys)
	})
	if err != nil {
		return "", nil, nil, err
	}

	if !opts.Master {
		op := schema.PermFind
		if len(query) == 1 {
			if _, isGet := query["objectId"].(string); isGet {
				op = schema.PermGet
			}
		}
		if err := s.ValidatePermission(className, opts.ACLGroup, op); err != nil {
			return "", nil, nil, err
		}
	}

	query = format.DeepCopyMap(query)
	if query == nil {
		query = map[string]any{}
	}
	if err := c.reduceRelationKeys(ctx, query); err != nil {
		return "", nil, nil, err
	}
	if err := c.reduceInRelation(ctx, className, query, s); err != nil {
		return "", nil, nil, err
	}

	where, err := transformWhere(s, className, query)
	if err != nil {
		return "", nil, nil, err
	}
	if !opts.Master {
		where = injectReadACL(where, opts.ACLGroup)
	}
	return collection, where, s, nil
}

// Create validates permissions, extracts relation operators into join
// writes, and inserts the native document.
func (c *Controller) Create(ctx context.Context, className string, object map[string]any, opts Options) error {
	ctx, span := tracer.Start(ctx, "database.Create")
	defer span.End()

	collection, err := c.collection(className)
	if err != nil {
		return err
	}
	s, err := c.LoadSchema(ctx, nil)
	if err != nil {
		return err
	}
	if !opts.Master {
		if err := s.ValidatePermission(className, opts.ACLGroup, schema.PermCreate); err != nil {
			return err
		}
	}

	objectID, _ := object["objectId"].(string)
	object, err = c.handleRelationUpdates(ctx, className, objectID, object)
	if err != nil {
		return err
	}

	doc, err := transformCreate(s, className, object)
	if err != nil {
		return err
	}
	return c.ds.Insert(ctx, collection, doc)
}

// Update applies a REST update to the first object matching query.
// The returned map carries the new values of fields whose operators
// don't know their result ahead of time, like Increment.
func (c *Controller) Update(ctx context.Context, className string, query, update map[string]any, opts Options) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "database.Update")
	defer span.End()

	collection, err := c.collection(className)
	if err != nil {
		return nil, err
	}

	queryKeys := keysForQuery(query)
	s, err := c.LoadSchema(ctx, func(s *schema.Schema) bool {
		return s.HasKeys(className, queryKeys)
	})
	if err != nil {
		return nil, err
	}
	if !opts.Master {
		if err := s.ValidatePermission(className, opts.ACLGroup, schema.PermUpdate); err != nil {
			return nil, err
		}
	}

	objectID, _ := query["objectId"].(string)
	update, err = c.handleRelationUpdates(ctx, className, objectID, update)
	if err != nil {
		return nil, err
	}

	where, err := transformWhere(s, className, query)
	if err != nil {
		return nil, err
	}
	if !opts.Master {
		where = injectWriteACL(where, opts.ACLGroup)
	}

	nativeUpdate, err := transformUpdate(s, className, update)
	if err != nil {
		return nil, err
	}
	if len(nativeUpdate) == 0 {
		// Everything reduced to join writes.
		return map[string]any{}, nil
	}

	doc, err := c.ds.Update(ctx, collection, where, nativeUpdate)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.New(errors.ObjectNotFound, "Object not found.")
	}
	if err != nil {
		return nil, err
	}

	response := map[string]any{}
	if inc, ok := nativeUpdate[storage.UpdateInc].(map[string]any); ok {
		for key := range inc {
			response[key] = doc[key]
		}
	}
	return response, nil
}

// Destroy removes every object matching query. Zero matches is an
// ObjectNotFound, indistinguishable from a permission denial.
func (c *Controller) Destroy(ctx context.Context, className string, query map[string]any, opts Options) error {
	ctx, span := tracer.Start(ctx, "database.Destroy")
	defer span.End()

	collection, err := c.collection(className)
	if err != nil {
		return err
	}
	s, err := c.LoadSchema(ctx, nil)
	if err != nil {
		return err
	}
	if !opts.Master {
		if err := s.ValidatePermission(className, opts.ACLGroup, schema.PermDelete); err != nil {
			return err
		}
	}

	where, err := transformWhere(s, className, query)
	if err != nil {
		return err
	}
	if !opts.Master {
		where = injectWriteACL(where, opts.ACLGroup)
	}

	n, err := c.ds.Delete(ctx, collection, where)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New(errors.ObjectNotFound, "Object not found.")
	}
	return nil
}

// DeleteEverything drops all collections under this controller's
// prefix and resets the schema cache.
func (c *Controller) DeleteEverything(ctx context.Context) error {
	c.cacheSchema(nil)
	return c.ds.DeleteEverything(ctx, c.prefix)
}

// handleRelationUpdates extracts AddRelation/RemoveRelation operators
// (including inside Batch) into join table writes and returns the
// update with those keys stripped. The join writes are not
// transactional with the primary write; a crash in between leaves an
// at-least-once artifact.
func (c *Controller) handleRelationUpdates(ctx context.Context, className, objectID string, update map[string]any) (map[string]any, error) {
	if id, ok := update["objectId"].(string); ok && id != "" {
		objectID = id
	}

	out := make(map[string]any, len(update))
	for key, value := range update {
		keep, err := c.processRelationOp(ctx, className, objectID, key, value)
		if err != nil {
			return nil, err
		}
		if keep {
			out[key] = value
		}
	}
	return out, nil
}

// processRelationOp reports whether the key survives into the primary
// update.
func (c *Controller) processRelationOp(ctx context.Context, className, objectID, key string, value any) (bool, error) {
	op, isOp := format.OpOf(value)
	if !isOp {
		return true, nil
	}

	switch op {
	case format.OpAddRelation, format.OpRemoveRelation:
		for _, object := range format.OpObjects(value) {
			_, relatedID, ok := format.AsPointer(object)
			if !ok {
				return false, errors.New(errors.InvalidJSON, "relation operator objects must be pointers")
			}
			var err error
			if op == format.OpAddRelation {
				err = c.addRelation(ctx, key, className, objectID, relatedID)
			} else {
				err = c.removeRelation(ctx, key, className, objectID, relatedID)
			}
			if err != nil {
				return false, err
			}
		}
		return false, nil
	case format.OpBatch:
		keep := true
		for _, sub := range format.OpSubOps(value) {
			subKeep, err := c.processRelationOp(ctx, className, objectID, key, sub)
			if err != nil {
				return false, err
			}
			keep = keep && subKeep
		}
		return keep, nil
	}
	return true, nil
}

func joinClassName(key, owningClassName string) string {
	return "_Join:" + key + ":" + owningClassName
}

func (c *Controller) addRelation(ctx context.Context, key, owningClassName, owningID, relatedID string) error {
	collection, err := c.collection(joinClassName(key, owningClassName))
	if err != nil {
		return err
	}
	doc := map[string]any{
		"_id":       owningID + "$" + relatedID,
		"owningId":  owningID,
		"relatedId": relatedID,
	}
	return c.ds.Upsert(ctx, collection, doc, map[string]any{storage.UpdateSet: map[string]any{
		"owningId":  owningID,
		"relatedId": relatedID,
	}})
}

func (c *Controller) removeRelation(ctx context.Context, key, owningClassName, owningID, relatedID string) error {
	collection, err := c.collection(joinClassName(key, owningClassName))
	if err != nil {
		return err
	}
	_, err = c.ds.Delete(ctx, collection, map[string]any{
		"owningId":  owningID,
		"relatedId": relatedID,
	})
	return err
}

// relatedIDs returns the related side of a relation's join rows for an
// owning object.
func (c *Controller) relatedIDs(ctx context.Context, owningClassName, key, owningID string) ([]any, error) {
	collection, err := c.collection(joinClassName(key, owningClassName))
	if err != nil {
		return nil, err
	}
	rows, err := c.ds.Find(ctx, collection, map[string]any{"owningId": owningID}, storage.FindOptions{})
	if err != nil {
		return nil, err
	}
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		if relatedID, ok := row["relatedId"].(string); ok {
			ids = append(ids, relatedID)
		}
	}
	return ids, nil
}

// owningIDs returns the owning side of a relation's join rows for a set
// of related objects.
func (c *Controller) owningIDs(ctx context.Context, owningClassName, key string, relatedIDs []any) ([]any, error) {
	collection, err := c.collection(joinClassName(key, owningClassName))
	if err != nil {
		return nil, err
	}
	rows, err := c.ds.Find(ctx, collection, map[string]any{
		"relatedId": map[string]any{"$in": relatedIDs},
	}, storage.FindOptions{})
	if err != nil {
		return nil, err
	}
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		if owningID, ok := row["owningId"].(string); ok {
			ids = append(ids, owningID)
		}
	}
	return ids, nil
}

// reduceRelationKeys rewrites $relatedTo clauses into objectId $in
// constraints resolved through the join table.
func (c *Controller) reduceRelationKeys(ctx context.Context, query map[string]any) error {
	for {
		relatedTo, ok := query["$relatedTo"].(map[string]any)
		if !ok {
			return nil
		}
		object, _ := relatedTo["object"].(map[string]any)
		key, _ := relatedTo["key"].(string)
		owningClassName, _ := object["className"].(string)
		owningID, _ := object["objectId"].(string)
		if key == "" || owningClassName == "" || owningID == "" {
			return errors.New(errors.InvalidQuery, "improper usage of $relatedTo")
		}

		ids, err := c.relatedIDs(ctx, owningClassName, key, owningID)
		if err != nil {
			return err
		}
		delete(query, "$relatedTo")
		query["objectId"] = map[string]any{"$in": ids}
	}
}

// reduceInRelation rewrites equal-to-pointer and $in constraints on
// relation-typed fields through the join table. Only the first such
// key is handled per query, matching the upstream behavior.
func (c *Controller) reduceInRelation(ctx context.Context, className string, query map[string]any, s *schema.Schema) error {
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, ok := s.RelationTarget(className, key); !ok {
			continue
		}

		var relatedIDs []any
		if _, pointerID, ok := format.AsPointer(query[key]); ok {
			relatedIDs = []any{pointerID}
		} else if constraint, ok := query[key].(map[string]any); ok {
			list, ok := constraint["$in"].([]any)
			if !ok {
				continue
			}
			for _, item := range list {
				if _, pointerID, ok := format.AsPointer(item); ok {
					relatedIDs = append(relatedIDs, pointerID)
				}
			}
		} else {
			continue
		}

		ids, err := c.owningIDs(ctx, className, key, relatedIDs)
		if err != nil {
			return err
		}
		delete(query, key)
		query["objectId"] = map[string]any{"$in": ids}
		return nil
	}
	return nil
}

// injectReadACL wraps a native filter so only publicly readable objects
// or objects readable by the caller's group match.
func injectReadACL(where map[string]any, aclGroup []string) map[string]any {
	return injectACL(where, "_rperm", aclGroup)
}

// injectWriteACL is injectReadACL for the write permission list.
func injectWriteACL(where map[string]any, aclGroup []string) map[string]any {
	return injectACL(where, "_wperm", aclGroup)
}

func injectACL(where map[string]any, permField string, aclGroup []string) map[string]any {
	orParts := []any{
		map[string]any{permField: map[string]any{"$exists": false}},
		map[string]any{permField: map[string]any{"$in": []any{"*"}}},
	}
	for _, principal := range aclGroup {
		orParts = append(orParts, map[string]any{permField: map[string]any{"$in": []any{principal}}})
	}
	return map[string]any{
		"$and": []any{where, map[string]any{"$or": orParts}},
	}
}

// keysForQuery collects the top-level constrained keys, descending
// through $or and $and.
func keysForQuery(query map[string]any) []string {
	set := map[string]struct{}{}
	var collect func(q map[string]any)
	collect = func(q map[string]any) {
		sublist, _ := q["$and"].([]any)
		if sublist == nil {
			sublist, _ = q["$or"].([]any)
		}
		if sublist != nil {
			for _, sub := range sublist {
				if subQuery, ok := sub.(map[string]any); ok {
					collect(subQuery)
				}
			}
			return
		}
		for key := range q {
			set[key] = struct{}{}
		}
	}
	collect(query)

	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Package memory provides an ephemeral in-process implementation of
// [storage.Datastore]. Instances may be safely shared by multiple
// goroutines.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/objstack/objstack/internal/match"
	"github.com/objstack/objstack/pkg/storage"
)

var tracer = otel.Tracer("objstack/pkg/storage/memory")

// StorageOption configures a [Datastore] instance.
type StorageOption func(*Datastore)

// Datastore is the memory-backed document store.
type Datastore struct {
	mu sync.RWMutex

	// collection name => _id => document. GUARDED_BY(mu).
	collections map[string]map[string]map[string]any

	// collection name => set of unique fields. GUARDED_BY(mu).
	uniqueIndexes map[string]map[string]struct{}

	// collection name => set of geo-indexed fields. GUARDED_BY(mu).
	geoIndexes map[string]map[string]struct{}
}

var _ storage.Datastore = (*Datastore)(nil)

// New creates a new [Datastore] given the options.
func New(opts ...StorageOption) *Datastore {
	ds := &Datastore{
		collections:   make(map[string]map[string]map[string]any),
		uniqueIndexes: make(map[string]map[string]struct{}),
		geoIndexes:    make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(ds)
	}
	return ds
}

// Close does not do anything for [Datastore].
func (s *Datastore) Close() {}

// Find see [storage.Datastore].Find.
func (s *Datastore) Find(ctx context.Context, collection string, query map[string]any, options storage.FindOptions) ([]map[string]any, error) {
	_, span := tracer.Start(ctx, "memory.Find")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkGeoIndexes(collection, query); err != nil {
		return nil, err
	}

	docs, err := s.matching(collection, query)
	if err != nil {
		return nil, err
	}

	sorted := false
	if len(options.Sort) > 0 {
		match.Sort(docs, options.Sort)
		sorted = true
	}
	if !sorted {
		for _, field := range match.GeoFields(query) {
			if point, ok := match.NearSpherePoint(query, field); ok {
				match.GeoSort(docs, field, point)
				sorted = true
				break
			}
		}
	}
	if !sorted {
		match.Sort(docs, nil)
	}

	if options.Skip > 0 {
		if options.Skip >= len(docs) {
			return []map[string]any{}, nil
		}
		docs = docs[options.Skip:]
	}
	if options.Limit > 0 && options.Limit < len(docs) {
		docs = docs[:options.Limit]
	}
	return docs, nil
}

// Count see [storage.Datastore].Count.
func (s *Datastore) Count(ctx context.Context, collection string, query map[string]any) (int64, error) {
	_, span := tracer.Start(ctx, "memory.Count")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.matching(collection, query)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

// Insert see [storage.Datastore].Insert.
func (s *Datastore) Insert(ctx context.Context, collection string, doc map[string]any) error {
	_, span := tracer.Start(ctx, "memory.Insert")
	defer span.End()

	objectID, ok := doc["_id"].(string)
	if !ok || objectID == "" {
		return fmt.Errorf("document has no _id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]map[string]any)
		s.collections[collection] = coll
	}
	if _, exists := coll[objectID]; exists {
		return storage.ErrUniqueViolation
	}
	if err := s.checkUnique(collection, doc, objectID); err != nil {
		return err
	}
	coll[objectID] = copyDoc(doc)
	return nil
}

// Update see [storage.Datastore].Update.
func (s *Datastore) Update(ctx context.Context, collection string, query, update map[string]any) (map[string]any, error) {
	_, span := tracer.Start(ctx, "memory.Update")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.firstMatch(collection, query)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, storage.ErrNotFound
	}

	updated, err := match.ApplyUpdate(target, update)
	if err != nil {
		return nil, err
	}
	objectID, _ := updated["_id"].(string)
	if err := s.checkUnique(collection, updated, objectID); err != nil {
		return nil, err
	}
	s.collections[collection][objectID] = updated
	return copyDoc(updated), nil
}

// Upsert see [storage.Datastore].Upsert.
func (s *Datastore) Upsert(ctx context.Context, collection string, query, update map[string]any) error {
	_, span := tracer.Start(ctx, "memory.Upsert")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.firstMatch(collection, query)
	if err != nil {
		return err
	}
	if target == nil {
		target = seedFromQuery(query)
	}

	updated, err := match.ApplyUpdate(target, update)
	if err != nil {
		return err
	}
	objectID, _ := updated["_id"].(string)
	if objectID == "" {
		return fmt.Errorf("upsert produced a document with no _id")
	}

	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]map[string]any)
		s.collections[collection] = coll
	}
	coll[objectID] = updated
	return nil
}

// Delete see [storage.Datastore].Delete.
func (s *Datastore) Delete(ctx context.Context, collection string, query map[string]any) (int64, error) {
	_, span := tracer.Start(ctx, "memory.Delete")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	var removed int64
	for objectID, doc := range coll {
		ok, err := match.Matches(doc, query)
		if err != nil {
			return 0, err
		}
		if ok {
			delete(coll, objectID)
			removed++
		}
	}
	return removed, nil
}

// EnsureUniqueIndex see [storage.Datastore].EnsureUniqueIndex.
func (s *Datastore) EnsureUniqueIndex(ctx context.Context, collection, field string) error {
	_, span := tracer.Start(ctx, "memory.EnsureUniqueIndex")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	fields := s.uniqueIndexes[collection]
	if fields == nil {
		fields = make(map[string]struct{})
		s.uniqueIndexes[collection] = fields
	}
	fields[field] = struct{}{}
	return nil
}

// EnsureGeoIndex see [storage.Datastore].EnsureGeoIndex.
func (s *Datastore) EnsureGeoIndex(ctx context.Context, collection, field string) error {
	_, span := tracer.Start(ctx, "memory.EnsureGeoIndex")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	fields := s.geoIndexes[collection]
	if fields == nil {
		fields = make(map[string]struct{})
		s.geoIndexes[collection] = fields
	}
	fields[field] = struct{}{}
	return nil
}

// DeleteEverything see [storage.Datastore].DeleteEverything.
func (s *Datastore) DeleteEverything(ctx context.Context, prefix string) error {
	_, span := tracer.Start(ctx, "memory.DeleteEverything")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range s.collections {
		if strings.HasPrefix(name, prefix) {
			delete(s.collections, name)
		}
	}
	for name := range s.uniqueIndexes {
		if strings.HasPrefix(name, prefix) {
			delete(s.uniqueIndexes, name)
		}
	}
	for name := range s.geoIndexes {
		if strings.HasPrefix(name, prefix) {
			delete(s.geoIndexes, name)
		}
	}
	return nil
}

// matching returns copies of all documents matching query, unordered.
// Callers hold at least a read lock.
func (s *Datastore) matching(collection string, query map[string]any) ([]map[string]any, error) {
	coll := s.collections[collection]
	docs := make([]map[string]any, 0, len(coll))
	for _, doc := range coll {
		ok, err := match.Matches(doc, query)
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, copyDoc(doc))
		}
	}
	return docs, nil
}

// firstMatch returns the live (uncopied) first match in _id order, or nil.
// Callers hold the write lock.
func (s *Datastore) firstMatch(collection string, query map[string]any) (map[string]any, error) {
	coll := s.collections[collection]
	ids := make([]string, 0, len(coll))
	for objectID := range coll {
		ids = append(ids, objectID)
	}
	sort.Strings(ids)
	for _, objectID := range ids {
		ok, err := match.Matches(coll[objectID], query)
		if err != nil {
			return nil, err
		}
		if ok {
			return coll[objectID], nil
		}
	}
	return nil, nil
}

// checkUnique enforces registered unique indexes against the candidate
// document, excluding the document itself. Callers hold the write lock.
func (s *Datastore) checkUnique(collection string, candidate map[string]any, selfID string) error {
	fields := s.uniqueIndexes[collection]
	if len(fields) == 0 {
		return nil
	}
	for field := range fields {
		value, present := candidate[field]
		if !present {
			continue
		}
		for objectID, doc := range s.collections[collection] {
			if objectID == selfID {
				continue
			}
			other, has := doc[field]
			if has && match.Equal(other, value) {
				return storage.ErrUniqueViolation
			}
		}
	}
	return nil
}

// checkGeoIndexes rejects $nearSphere constraints on unindexed fields.
// Callers hold at least a read lock.
func (s *Datastore) checkGeoIndexes(collection string, query map[string]any) error {
	for _, field := range match.GeoFields(query) {
		if _, indexed := s.geoIndexes[collection][field]; !indexed {
			return &storage.GeoIndexError{Collection: collection, Field: field}
		}
	}
	return nil
}

// seedFromQuery builds the base document an upsert inserts when nothing
// matched: the query's equality constraints.
func seedFromQuery(query map[string]any) map[string]any {
	doc := make(map[string]any, len(query))
	for key, constraint := range query {
		if strings.HasPrefix(key, "$") {
			continue
		}
		if m, ok := constraint.(map[string]any); ok {
			operator := false
			for k := range m {
				if strings.HasPrefix(k, "$") && k != "$date" {
					operator = true
					break
				}
			}
			if operator {
				continue
			}
		}
		doc[key] = constraint
	}
	return doc
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyDoc(t)
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = copyValue(sub)
		}
		return out
	default:
		return v
	}
}

// Package storage contains the document datastore interface and its typed
// errors.
//
// A Datastore is a weakly-typed document store: collections of JSON-like
// documents keyed by "_id". Documents are in the native encoding (pointer
// fields flattened to "Class$id" strings, dates wrapped in {"$date": ...},
// ACLs as _rperm/_wperm arrays); the database package owns the translation
// between native and REST encodings.
package storage

import (
	"context"
)

// SortKey orders results on one native field.
type SortKey struct {
	Field      string
	Descending bool
}

// FindOptions constrain a Find call. A zero Limit means unbounded.
type FindOptions struct {
	Sort  []SortKey
	Skip  int
	Limit int
}

// Update operators understood by Datastore.Update, mirroring the subset of
// the query language the database layer emits.
const (
	UpdateSet      = "$set"
	UpdateUnset    = "$unset"
	UpdateInc      = "$inc"
	UpdatePush     = "$push"
	UpdateAddToSet = "$addToSet"
	UpdatePullAll  = "$pullAll"
)

// Datastore is the low-level document store. Implementations must provide
// per-document conditional-write atomicity: Update evaluates its query and
// applies its operators as one atomic step against a single document.
type Datastore interface {
	// Find returns the documents of collection matching query, in _id order
	// unless options specify otherwise. A missing collection yields no
	// results, not an error. A $nearSphere constraint on a field without a
	// geo index fails with a *GeoIndexError naming the field.
	Find(ctx context.Context, collection string, query map[string]any, options FindOptions) ([]map[string]any, error)

	// Count is Find in counting mode; skip and sort are ignored.
	Count(ctx context.Context, collection string, query map[string]any) (int64, error)

	// Insert adds one document. The document must carry an "_id". Inserting
	// a duplicate _id or violating a unique index fails with
	// ErrUniqueViolation.
	Insert(ctx context.Context, collection string, doc map[string]any) error

	// Update applies the operator document to the first match of query (in
	// _id order) and returns the updated document. No match returns
	// ErrNotFound; this is the conditional write used for $exists-guarded
	// schema evolution.
	Update(ctx context.Context, collection string, query, update map[string]any) (map[string]any, error)

	// Upsert applies update to the first match of query, inserting a fresh
	// document from the query's equality constraints when nothing matches.
	Upsert(ctx context.Context, collection string, query, update map[string]any) error

	// Delete removes every match of query and returns how many went away.
	Delete(ctx context.Context, collection string, query map[string]any) (int64, error)

	// EnsureUniqueIndex makes field unique within collection, for documents
	// that carry it.
	EnsureUniqueIndex(ctx context.Context, collection, field string) error

	// EnsureGeoIndex registers a geo index over field, unlocking $nearSphere
	// queries against it.
	EnsureGeoIndex(ctx context.Context, collection, field string) error

	// DeleteEverything drops all collections whose name starts with prefix.
	// Test support.
	DeleteEverything(ctx context.Context, prefix string) error

	// Close releases any residual resources.
	Close()
}

// Package sqlcommon holds the document store logic shared by the SQL
// backed adapters. The dialect packages supply the connection, the
// placeholder format, the driver error mapping, and a retry policy.
package sqlcommon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"

	"github.com/objstack/objstack/internal/match"
	"github.com/objstack/objstack/pkg/logger"
	"github.com/objstack/objstack/pkg/storage"
)

var tracer = otel.Tracer("objstack/pkg/storage/sqlcommon")

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Logger logger.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the maximum
// number of connections to the datastore in the idle connection
// pool in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets the maximum
// amount of time a connection to the datastore may be idle in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets the maximum
// amount of time a connection to the datastore may be reused in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// NewConfig returns a [Config] with the given options applied.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{Logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// ConfigurePool applies the pool settings from cfg onto db.
func ConfigurePool(db *sql.DB, cfg *Config) {
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// ErrorHandler maps driver errors onto the storage sentinel errors.
type ErrorHandler func(error) error

// RetryPolicy wraps an operation that may fail transiently.
type RetryPolicy func(fn func() error) error

// Store implements [storage.Datastore] on top of a database/sql
// connection. Documents live as JSON text in a single table keyed by
// collection and object id; registered unique fields are enforced by
// a guard table whose primary key collides on duplicates.
type Store struct {
	db          *sql.DB
	stbl        sq.StatementBuilderType
	logger      logger.Logger
	handleError ErrorHandler
	retry       RetryPolicy
}

var _ storage.Datastore = (*Store)(nil)

// NewStore creates a [Store] over an opened connection.
func NewStore(db *sql.DB, stbl sq.StatementBuilderType, cfg *Config, handleError ErrorHandler, retry RetryPolicy) *Store {
	if retry == nil {
		retry = func(fn func() error) error { return fn() }
	}
	return &Store{
		db:          db,
		stbl:        stbl,
		logger:      cfg.Logger,
		handleError: handleError,
		retry:       retry,
	}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		object_id TEXT NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (collection, object_id)
	)`,
	`CREATE TABLE IF NOT EXISTS unique_guard (
		collection TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		object_id TEXT NOT NULL,
		PRIMARY KEY (collection, field, value)
	)`,
	`CREATE TABLE IF NOT EXISTS unique_indexes (
		collection TEXT NOT NULL,
		field TEXT NOT NULL,
		PRIMARY KEY (collection, field)
	)`,
	`CREATE TABLE IF NOT EXISTS geo_indexes (
		collection TEXT NOT NULL,
		field TEXT NOT NULL,
		PRIMARY KEY (collection, field)
	)`,
}

// Initialize creates the backing tables if they do not exist.
func (s *Store) Initialize(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		err := s.retry(func() error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		})
		if err != nil {
			return s.handleError(err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() {
	s.db.Close()
}

// Find see [storage.Datastore].Find.
func (s *Store) Find(ctx context.Context, collection string, query map[string]any, options storage.FindOptions) ([]map[string]any, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.Find")
	defer span.End()

	if err := s.checkGeoIndexes(ctx, collection, query); err != nil {
		return nil, err
	}

	docs, err := s.load(ctx, s.db, collection, query)
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
func (s *Store) Count(ctx context.Context, collection string, query map[string]any) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.Count")
	defer span.End()

	docs, err := s.load(ctx, s.db, collection, query)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

// Insert see [storage.Datastore].Insert.
func (s *Store) Insert(ctx context.Context, collection string, doc map[string]any) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.Insert")
	defer span.End()

	objectID, ok := doc["_id"].(string)
	if !ok || objectID == "" {
		return fmt.Errorf("document has no _id")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return s.handleError(err)
	}

	return s.retry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.handleError(err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if err := s.guardDocument(ctx, tx, collection, objectID, doc); err != nil {
			return err
		}

		_, err = s.stbl.
			Insert("documents").
			Columns("collection", "object_id", "doc").
			Values(collection, objectID, string(raw)).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return s.handleError(err)
		}
		return s.handleError(tx.Commit())
	})
}

// Update see [storage.Datastore].Update.
func (s *Store) Update(ctx context.Context, collection string, query, update map[string]any) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.Update")
	defer span.End()

	var updated map[string]any
	err := s.retry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.handleError(err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		target, err := s.firstMatch(ctx, tx, collection, query)
		if err != nil {
			return err
		}
		if target == nil {
			return storage.ErrNotFound
		}
		objectID, _ := target["_id"].(string)

		updated, err = match.ApplyUpdate(target, update)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(updated)
		if err != nil {
			return s.handleError(err)
		}

		if err := s.reguardDocument(ctx, tx, collection, objectID, updated); err != nil {
			return err
		}

		_, err = s.stbl.
			Update("documents").
			Set("doc", string(raw)).
			Where(sq.Eq{"collection": collection, "object_id": objectID}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return s.handleError(err)
		}
		return s.handleError(tx.Commit())
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Upsert see [storage.Datastore].Upsert.
func (s *Store) Upsert(ctx context.Context, collection string, query, update map[string]any) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.Upsert")
	defer span.End()

	return s.retry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.handleError(err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		target, err := s.firstMatch(ctx, tx, collection, query)
		if err != nil {
			return err
		}
		existing := target != nil
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
		raw, err := json.Marshal(updated)
		if err != nil {
			return s.handleError(err)
		}

		if err := s.reguardDocument(ctx, tx, collection, objectID, updated); err != nil {
			return err
		}

		if existing {
			_, err = s.stbl.
				Update("documents").
				Set("doc", string(raw)).
				Where(sq.Eq{"collection": collection, "object_id": objectID}).
				RunWith(tx).
				ExecContext(ctx)
		} else {
			_, err = s.stbl.
				Insert("documents").
				Columns("collection", "object_id", "doc").
				Values(collection, objectID, string(raw)).
				RunWith(tx).
				ExecContext(ctx)
		}
		if err != nil {
			return s.handleError(err)
		}
		return s.handleError(tx.Commit())
	})
}

// Delete see [storage.Datastore].Delete.
func (s *Store) Delete(ctx context.Context, collection string, query map[string]any) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.Delete")
	defer span.End()

	var removed int64
	err := s.retry(func() error {
		removed = 0

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.handleError(err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		docs, err := s.load(ctx, tx, collection, query)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return s.handleError(tx.Commit())
		}

		ids := make([]string, 0, len(docs))
		for _, doc := range docs {
			if objectID, ok := doc["_id"].(string); ok {
				ids = append(ids, objectID)
			}
		}

		_, err = s.stbl.
			Delete("documents").
			Where(sq.Eq{"collection": collection, "object_id": ids}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return s.handleError(err)
		}

		_, err = s.stbl.
			Delete("unique_guard").
			Where(sq.Eq{"collection": collection, "object_id": ids}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return s.handleError(err)
		}

		removed = int64(len(ids))
		return s.handleError(tx.Commit())
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// EnsureUniqueIndex see [storage.Datastore].EnsureUniqueIndex.
// Existing documents are backfilled into the guard table, so a
// collection that already holds duplicates fails here.
func (s *Store) EnsureUniqueIndex(ctx context.Context, collection, field string) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.EnsureUniqueIndex")
	defer span.End()

	return s.retry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.handleError(err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		_, err = s.stbl.
			Insert("unique_indexes").
			Columns("collection", "field").
			Values(collection, field).
			Suffix("ON CONFLICT DO NOTHING").
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return s.handleError(err)
		}

		docs, err := s.load(ctx, tx, collection, map[string]any{})
		if err != nil {
			return err
		}
		for _, doc := range docs {
			value, present := doc[field]
			if !present {
				continue
			}
			objectID, _ := doc["_id"].(string)
			if err := s.insertGuard(ctx, tx, collection, field, objectID, value); err != nil {
				return err
			}
		}
		return s.handleError(tx.Commit())
	})
}

// EnsureGeoIndex see [storage.Datastore].EnsureGeoIndex.
func (s *Store) EnsureGeoIndex(ctx context.Context, collection, field string) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.EnsureGeoIndex")
	defer span.End()

	return s.retry(func() error {
		_, err := s.stbl.
			Insert("geo_indexes").
			Columns("collection", "field").
			Values(collection, field).
			Suffix("ON CONFLICT DO NOTHING").
			ExecContext(ctx)
		return s.handleError(err)
	})
}

// DeleteEverything see [storage.Datastore].DeleteEverything.
func (s *Store) DeleteEverything(ctx context.Context, prefix string) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.DeleteEverything")
	defer span.End()

	pattern := likeEscape(prefix) + "%"
	for _, table := range []string{"documents", "unique_guard", "unique_indexes", "geo_indexes"} {
		err := s.retry(func() error {
			_, err := s.stbl.
				Delete(table).
				Where(sq.Expr(`collection LIKE ? ESCAPE '\'`, pattern)).
				ExecContext(ctx)
			return s.handleError(err)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// load fetches and decodes the documents of collection matching query.
// Object id constraints are pushed down; the rest is evaluated in Go
// against the decoded documents.
func (s *Store) load(ctx context.Context, runner sq.BaseRunner, collection string, query map[string]any) ([]map[string]any, error) {
	builder := s.stbl.
		Select("doc").
		From("documents").
		Where(sq.Eq{"collection": collection}).
		OrderBy("object_id").
		RunWith(runner)

	if ids, ok := pushdownIDs(query); ok {
		builder = builder.Where(sq.Eq{"object_id": ids})
	}

	rows, err := builder.QueryContext(ctx)
	if err != nil {
		return nil, s.handleError(err)
	}
	defer rows.Close()

	var docs []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, s.handleError(err)
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, s.handleError(err)
		}
		ok, err := match.Matches(doc, query)
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.handleError(err)
	}
	if docs == nil {
		docs = []map[string]any{}
	}
	return docs, nil
}

// firstMatch returns the first matching document in object id order,
// or nil when nothing matches.
func (s *Store) firstMatch(ctx context.Context, runner sq.BaseRunner, collection string, query map[string]any) (map[string]any, error) {
	docs, err := s.load(ctx, runner, collection, query)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	sort.Slice(docs, func(i, j int) bool {
		a, _ := docs[i]["_id"].(string)
		b, _ := docs[j]["_id"].(string)
		return a < b
	})
	return docs[0], nil
}

// guardDocument inserts guard rows for every registered unique field
// present on doc.
func (s *Store) guardDocument(ctx context.Context, tx *sql.Tx, collection, objectID string, doc map[string]any) error {
	fields, err := s.uniqueFields(ctx, tx, collection)
	if err != nil {
		return err
	}
	for _, field := range fields {
		value, present := doc[field]
		if !present {
			continue
		}
		if err := s.insertGuard(ctx, tx, collection, field, objectID, value); err != nil {
			return err
		}
	}
	return nil
}

// reguardDocument refreshes the guard rows of a document after its
// fields changed.
func (s *Store) reguardDocument(ctx context.Context, tx *sql.Tx, collection, objectID string, doc map[string]any) error {
	_, err := s.stbl.
		Delete("unique_guard").
		Where(sq.Eq{"collection": collection, "object_id": objectID}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return s.handleError(err)
	}
	return s.guardDocument(ctx, tx, collection, objectID, doc)
}

func (s *Store) insertGuard(ctx context.Context, tx *sql.Tx, collection, field, objectID string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return s.handleError(err)
	}
	_, err = s.stbl.
		Insert("unique_guard").
		Columns("collection", "field", "value", "object_id").
		Values(collection, field, string(encoded), objectID).
		RunWith(tx).
		ExecContext(ctx)
	return s.handleError(err)
}

func (s *Store) uniqueFields(ctx context.Context, tx *sql.Tx, collection string) ([]string, error) {
	rows, err := s.stbl.
		Select("field").
		From("unique_indexes").
		Where(sq.Eq{"collection": collection}).
		RunWith(tx).
		QueryContext(ctx)
	if err != nil {
		return nil, s.handleError(err)
	}
	defer rows.Close()

	var fields []string
	for rows.Next() {
		var field string
		if err := rows.Scan(&field); err != nil {
			return nil, s.handleError(err)
		}
		fields = append(fields, field)
	}
	return fields, s.handleError(rows.Err())
}

func (s *Store) checkGeoIndexes(ctx context.Context, collection string, query map[string]any) error {
	geoFields := match.GeoFields(query)
	if len(geoFields) == 0 {
		return nil
	}

	rows, err := s.stbl.
		Select("field").
		From("geo_indexes").
		Where(sq.Eq{"collection": collection}).
		QueryContext(ctx)
	if err != nil {
		return s.handleError(err)
	}
	defer rows.Close()

	indexed := make(map[string]struct{})
	for rows.Next() {
		var field string
		if err := rows.Scan(&field); err != nil {
			return s.handleError(err)
		}
		indexed[field] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return s.handleError(err)
	}

	for _, field := range geoFields {
		if _, ok := indexed[field]; !ok {
			return &storage.GeoIndexError{Collection: collection, Field: field}
		}
	}
	return nil
}

// pushdownIDs extracts an object id restriction from the query when the
// _id constraint is a bare string or an $in list of strings.
func pushdownIDs(query map[string]any) ([]string, bool) {
	constraint, ok := query["_id"]
	if !ok {
		return nil, false
	}
	switch t := constraint.(type) {
	case string:
		return []string{t}, true
	case map[string]any:
		if len(t) != 1 {
			return nil, false
		}
		list, ok := t["$in"].([]any)
		if !ok {
			return nil, false
		}
		ids := make([]string, 0, len(list))
		for _, item := range list {
			id, ok := item.(string)
			if !ok {
				return nil, false
			}
			ids = append(ids, id)
		}
		return ids, true
	}
	return nil, false
}

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

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

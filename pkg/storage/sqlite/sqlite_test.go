package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objstack/objstack/pkg/storage"
	"github.com/objstack/objstack/pkg/storage/sqlcommon"
)

func newTestDatastore(t *testing.T) *Datastore {
	t.Helper()

	// A shared in-memory database would vanish per pool connection,
	// so pin the pool to a single connection.
	ds, err := New("file::memory:", sqlcommon.NewConfig(sqlcommon.WithMaxOpenConns(1)))
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	require.NoError(t, ds.Initialize(context.Background()))
	return ds
}

func TestPrepareDSN(t *testing.T) {
	uri, err := PrepareDSN("file:test.db")
	require.NoError(t, err)
	require.Contains(t, uri, "journal_mode%28WAL%29")
	require.Contains(t, uri, "busy_timeout%28100%29")
	require.Contains(t, uri, "_txlock=immediate")

	uri, err = PrepareDSN("file:test.db?_pragma=journal_mode%28MEMORY%29")
	require.NoError(t, err)
	require.Contains(t, uri, "journal_mode%28MEMORY%29")
	require.NotContains(t, uri, "journal_mode%28WAL%29")
}

func TestInsertFindRoundtrip(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	err := ds.Insert(ctx, "Item", map[string]any{"_id": "aaa", "name": "first", "score": float64(3)})
	require.NoError(t, err)
	err = ds.Insert(ctx, "Item", map[string]any{"_id": "bbb", "name": "second", "score": float64(7)})
	require.NoError(t, err)

	docs, err := ds.Find(ctx, "Item", map[string]any{"score": map[string]any{"$gte": float64(5)}}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "second", docs[0]["name"])

	count, err := ds.Count(ctx, "Item", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestInsertDuplicateID(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	require.NoError(t, ds.Insert(ctx, "Item", map[string]any{"_id": "aaa"}))
	err := ds.Insert(ctx, "Item", map[string]any{"_id": "aaa"})
	require.ErrorIs(t, err, storage.ErrUniqueViolation)
}

func TestUniqueGuard(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	require.NoError(t, ds.EnsureUniqueIndex(ctx, "_User", "username"))
	require.NoError(t, ds.Insert(ctx, "_User", map[string]any{"_id": "u1", "username": "ann"}))

	err := ds.Insert(ctx, "_User", map[string]any{"_id": "u2", "username": "ann"})
	require.ErrorIs(t, err, storage.ErrUniqueViolation)

	// Backfill over existing duplicates fails.
	require.NoError(t, ds.Insert(ctx, "_User", map[string]any{"_id": "u3", "email": "a@b.c"}))
	require.NoError(t, ds.Insert(ctx, "_User", map[string]any{"_id": "u4", "email": "a@b.c"}))
	err = ds.EnsureUniqueIndex(ctx, "_User", "email")
	require.ErrorIs(t, err, storage.ErrUniqueViolation)
}

func TestUpdateConditional(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	require.NoError(t, ds.Insert(ctx, "Item", map[string]any{"_id": "aaa", "n": float64(1)}))

	doc, err := ds.Update(ctx, "Item",
		map[string]any{"_id": "aaa", "n": float64(1)},
		map[string]any{"$inc": map[string]any{"n": float64(4)}})
	require.NoError(t, err)
	require.Equal(t, float64(5), doc["n"])

	_, err = ds.Update(ctx, "Item",
		map[string]any{"_id": "aaa", "n": float64(1)},
		map[string]any{"$inc": map[string]any{"n": float64(4)}})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpsertJoinRow(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	query := map[string]any{"_id": "j1", "owningId": "t1"}
	err := ds.Upsert(ctx, "_Join:members:Team", query, map[string]any{"$set": map[string]any{"relatedId": "u1"}})
	require.NoError(t, err)
	err = ds.Upsert(ctx, "_Join:members:Team", query, map[string]any{"$set": map[string]any{"relatedId": "u2"}})
	require.NoError(t, err)

	docs, err := ds.Find(ctx, "_Join:members:Team", map[string]any{"owningId": "t1"}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "u2", docs[0]["relatedId"])
}

func TestDeleteEverything(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	require.NoError(t, ds.Insert(ctx, "app1:Item", map[string]any{"_id": "a"}))
	require.NoError(t, ds.Insert(ctx, "app2:Item", map[string]any{"_id": "b"}))

	require.NoError(t, ds.DeleteEverything(ctx, "app1:"))

	count, err := ds.Count(ctx, "app1:Item", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	count, err = ds.Count(ctx, "app2:Item", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objstack/objstack/pkg/storage"
)

func TestInsertAndFind(t *testing.T) {
	ctx := context.Background()
	ds := New()
	t.Cleanup(ds.Close)

	err := ds.Insert(ctx, "Item", map[string]any{"_id": "aaa", "score": float64(3)})
	require.NoError(t, err)
	err = ds.Insert(ctx, "Item", map[string]any{"_id": "bbb", "score": float64(7)})
	require.NoError(t, err)

	docs, err := ds.Find(ctx, "Item", map[string]any{"score": map[string]any{"$gt": float64(5)}}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "bbb", docs[0]["_id"])
}

func TestInsertDuplicateID(t *testing.T) {
	ctx := context.Background()
	ds := New()

	require.NoError(t, ds.Insert(ctx, "Item", map[string]any{"_id": "aaa"}))
	err := ds.Insert(ctx, "Item", map[string]any{"_id": "aaa"})
	require.ErrorIs(t, err, storage.ErrUniqueViolation)
}

func TestUniqueIndex(t *testing.T) {
	ctx := context.Background()
	ds := New()

	require.NoError(t, ds.EnsureUniqueIndex(ctx, "_User", "username"))
	require.NoError(t, ds.Insert(ctx, "_User", map[string]any{"_id": "u1", "username": "ann"}))

	err := ds.Insert(ctx, "_User", map[string]any{"_id": "u2", "username": "ann"})
	require.ErrorIs(t, err, storage.ErrUniqueViolation)

	require.NoError(t, ds.Insert(ctx, "_User", map[string]any{"_id": "u2", "username": "bob"}))

	_, err = ds.Update(ctx, "_User", map[string]any{"_id": "u2"}, map[string]any{"$set": map[string]any{"username": "ann"}})
	require.ErrorIs(t, err, storage.ErrUniqueViolation)
}

func TestUpdateFirstMatchInIDOrder(t *testing.T) {
	ctx := context.Background()
	ds := New()

	require.NoError(t, ds.Insert(ctx, "Item", map[string]any{"_id": "b", "n": float64(1)}))
	require.NoError(t, ds.Insert(ctx, "Item", map[string]any{"_id": "a", "n": float64(1)}))

	doc, err := ds.Update(ctx, "Item", map[string]any{"n": float64(1)}, map[string]any{"$inc": map[string]any{"n": float64(1)}})
	require.NoError(t, err)
	require.Equal(t, "a", doc["_id"])
	require.Equal(t, float64(2), doc["n"])
}

func TestUpdateNoMatch(t *testing.T) {
	ctx := context.Background()
	ds := New()

	_, err := ds.Update(ctx, "Item", map[string]any{"_id": "missing"}, map[string]any{"$set": map[string]any{"n": float64(1)}})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpsertInsertsFromEqualityConstraints(t *testing.T) {
	ctx := context.Background()
	ds := New()

	err := ds.Upsert(ctx, "_Join:members:Team",
		map[string]any{"_id": "j1", "owningId": "t1"},
		map[string]any{"$set": map[string]any{"relatedId": "u1"}})
	require.NoError(t, err)

	docs, err := ds.Find(ctx, "_Join:members:Team", map[string]any{"owningId": "t1"}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "u1", docs[0]["relatedId"])

	// A second upsert against the same match updates in place.
	err = ds.Upsert(ctx, "_Join:members:Team",
		map[string]any{"_id": "j1", "owningId": "t1"},
		map[string]any{"$set": map[string]any{"relatedId": "u2"}})
	require.NoError(t, err)

	docs, err = ds.Find(ctx, "_Join:members:Team", map[string]any{"owningId": "t1"}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "u2", docs[0]["relatedId"])
}

func TestDeleteReturnsCount(t *testing.T) {
	ctx := context.Background()
	ds := New()

	require.NoError(t, ds.Insert(ctx, "Item", map[string]any{"_id": "a", "kind": "x"}))
	require.NoError(t, ds.Insert(ctx, "Item", map[string]any{"_id": "b", "kind": "x"}))
	require.NoError(t, ds.Insert(ctx, "Item", map[string]any{"_id": "c", "kind": "y"}))

	n, err := ds.Delete(ctx, "Item", map[string]any{"kind": "x"})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	count, err := ds.Count(ctx, "Item", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestFindSortSkipLimit(t *testing.T) {
	ctx := context.Background()
	ds := New()

	for _, d := range []map[string]any{
		{"_id": "a", "n": float64(3)},
		{"_id": "b", "n": float64(1)},
		{"_id": "c", "n": float64(2)},
		{"_id": "d", "n": float64(4)},
	} {
		require.NoError(t, ds.Insert(ctx, "Item", d))
	}

	docs, err := ds.Find(ctx, "Item", map[string]any{}, storage.FindOptions{
		Sort: []storage.SortKey{{Field: "n", Descending: true}},
		Skip: 1,
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "a", docs[0]["_id"])
	require.Equal(t, "c", docs[1]["_id"])
}

func TestNearSphereRequiresGeoIndex(t *testing.T) {
	ctx := context.Background()
	ds := New()

	require.NoError(t, ds.Insert(ctx, "Place", map[string]any{"_id": "p1", "location": []any{float64(2.35), float64(48.85)}}))

	query := map[string]any{"location": map[string]any{"$nearSphere": []any{float64(2.35), float64(48.85)}}}

	_, err := ds.Find(ctx, "Place", query, storage.FindOptions{})
	var geoErr *storage.GeoIndexError
	require.ErrorAs(t, err, &geoErr)
	require.Equal(t, "Place", geoErr.Collection)
	require.Equal(t, "location", geoErr.Field)

	require.NoError(t, ds.EnsureGeoIndex(ctx, "Place", "location"))
	docs, err := ds.Find(ctx, "Place", query, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestDeleteEverythingByPrefix(t *testing.T) {
	ctx := context.Background()
	ds := New()

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

func TestFindReturnsCopies(t *testing.T) {
	ctx := context.Background()
	ds := New()

	require.NoError(t, ds.Insert(ctx, "Item", map[string]any{"_id": "a", "tags": []any{"x"}}))

	docs, err := ds.Find(ctx, "Item", map[string]any{}, storage.FindOptions{})
	require.NoError(t, err)
	docs[0]["tags"] = []any{"mutated"}

	docs, err = ds.Find(ctx, "Item", map[string]any{}, storage.FindOptions{})
	require.NoError(t, err)
	require.Equal(t, []any{"x"}, docs[0]["tags"])
}

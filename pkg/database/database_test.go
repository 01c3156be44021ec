package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/logger"
	"github.com/objstack/objstack/pkg/storage"
	"github.com/objstack/objstack/pkg/storage/memory"
)

func newTestController(t *testing.T) (*Controller, *memory.Datastore) {
	t.Helper()
	ds := memory.New()
	t.Cleanup(ds.Close)
	return New(ds, "test_", logger.NewNoopLogger()), ds
}

func TestCreatePersistsPointerNatively(t *testing.T) {
	ctx := context.Background()
	c, ds := newTestController(t)

	object := map[string]any{
		"objectId": "abcde12345",
		"foo":      "bar",
		"aPointer": map[string]any{
			"__type":    "Pointer",
			"className": "JustThePointer",
			"objectId":  "qwerty",
		},
	}
	require.NoError(t, c.ValidateObject(ctx, "APointerDarkly", object))
	require.NoError(t, c.Create(ctx, "APointerDarkly", object, MasterOptions()))

	docs, err := ds.Find(ctx, "test_APointerDarkly", map[string]any{}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "JustThePointer$qwerty", docs[0]["_p_aPointer"])
	require.NotContains(t, docs[0], "aPointer")
	require.Equal(t, "bar", docs[0]["foo"])

	results, err := c.Find(ctx, "APointerDarkly", map[string]any{"objectId": "abcde12345"}, MasterOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, map[string]any{
		"__type":    "Pointer",
		"className": "JustThePointer",
		"objectId":  "qwerty",
	}, results[0]["aPointer"])
}

func TestFindByPointerEquality(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	pointer := map[string]any{"__type": "Pointer", "className": "Team", "objectId": "t1"}
	object := map[string]any{"objectId": "m1", "team": pointer}
	require.NoError(t, c.ValidateObject(ctx, "Membership", object))
	require.NoError(t, c.Create(ctx, "Membership", object, MasterOptions()))

	results, err := c.Find(ctx, "Membership", map[string]any{"team": pointer}, MasterOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "m1", results[0]["objectId"])
}

func TestACLMasking(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	object := map[string]any{
		"objectId": "secret1",
		"name":     "hidden",
		"ACL": map[string]any{
			"ownerId": map[string]any{"read": true, "write": true},
		},
	}
	require.NoError(t, c.ValidateObject(ctx, "Vault", object))
	require.NoError(t, c.Create(ctx, "Vault", object, MasterOptions()))

	// The owner and the master key see it.
	results, err := c.Find(ctx, "Vault", map[string]any{"objectId": "secret1"},
		Options{ACLGroup: []string{"ownerId"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, map[string]any{
		"ownerId": map[string]any{"read": true, "write": true},
	}, results[0]["ACL"])

	results, err = c.Find(ctx, "Vault", map[string]any{"objectId": "secret1"}, MasterOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)

	// A stranger sees the same as a missing id: no results, and a
	// write fails as ObjectNotFound.
	results, err = c.Find(ctx, "Vault", map[string]any{"objectId": "secret1"},
		Options{ACLGroup: []string{"strangerId"}})
	require.NoError(t, err)
	require.Empty(t, results)

	_, err = c.Update(ctx, "Vault",
		map[string]any{"objectId": "secret1"},
		map[string]any{"name": "mine now"},
		Options{ACLGroup: []string{"strangerId"}})
	require.Equal(t, errors.ObjectNotFound, errors.CodeOf(err))
}

func TestPublicReadACL(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	object := map[string]any{
		"objectId": "post1",
		"ACL": map[string]any{
			"*":       map[string]any{"read": true},
			"ownerId": map[string]any{"read": true, "write": true},
		},
	}
	require.NoError(t, c.ValidateObject(ctx, "Post", object))
	require.NoError(t, c.Create(ctx, "Post", object, MasterOptions()))

	results, err := c.Find(ctx, "Post", map[string]any{}, Options{ACLGroup: []string{"strangerId"}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Public read does not grant write.
	_, err = c.Update(ctx, "Post",
		map[string]any{"objectId": "post1"},
		map[string]any{"title": "defaced"},
		Options{ACLGroup: []string{"strangerId"}})
	require.Equal(t, errors.ObjectNotFound, errors.CodeOf(err))
}

func TestRelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	userPointer := func(id string) map[string]any {
		return map[string]any{"__type": "Pointer", "className": "_User", "objectId": id}
	}

	team := map[string]any{
		"objectId": "team1",
		"members": map[string]any{
			"__op":    "AddRelation",
			"objects": []any{userPointer("u1"), userPointer("u2")},
		},
	}
	require.NoError(t, c.ValidateObject(ctx, "Team", team))
	require.NoError(t, c.Create(ctx, "Team", team, MasterOptions()))

	for _, id := range []string{"u1", "u2", "u3"} {
		user := map[string]any{"objectId": id}
		require.NoError(t, c.ValidateObject(ctx, "_User", user))
		require.NoError(t, c.Create(ctx, "_User", user, MasterOptions()))
	}

	relatedQuery := map[string]any{
		"$relatedTo": map[string]any{
			"object": map[string]any{"__type": "Pointer", "className": "Team", "objectId": "team1"},
			"key":    "members",
		},
	}
	results, err := c.Find(ctx, "_User", relatedQuery, MasterOptions())
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Querying the owning side through the relation field.
	teams, err := c.Find(ctx, "Team", map[string]any{"members": userPointer("u1")}, MasterOptions())
	require.NoError(t, err)
	require.Len(t, teams, 1)
	require.Equal(t, "team1", teams[0]["objectId"])

	_, err = c.Update(ctx, "Team",
		map[string]any{"objectId": "team1"},
		map[string]any{"members": map[string]any{
			"__op":    "RemoveRelation",
			"objects": []any{userPointer("u1")},
		}},
		MasterOptions())
	require.NoError(t, err)

	results, err = c.Find(ctx, "_User", map[string]any{
		"$relatedTo": map[string]any{
			"object": map[string]any{"__type": "Pointer", "className": "Team", "objectId": "team1"},
			"key":    "members",
		},
	}, MasterOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "u2", results[0]["objectId"])
}

func TestUpdateIncrementResponse(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	object := map[string]any{"objectId": "c1", "hits": float64(10)}
	require.NoError(t, c.ValidateObject(ctx, "Counter", object))
	require.NoError(t, c.Create(ctx, "Counter", object, MasterOptions()))

	response, err := c.Update(ctx, "Counter",
		map[string]any{"objectId": "c1"},
		map[string]any{"hits": map[string]any{"__op": "Increment", "amount": float64(5)}},
		MasterOptions())
	require.NoError(t, err)
	require.Equal(t, float64(15), response["hits"])
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	object := map[string]any{"objectId": "d1"}
	require.NoError(t, c.ValidateObject(ctx, "Doomed", object))
	require.NoError(t, c.Create(ctx, "Doomed", object, MasterOptions()))

	require.NoError(t, c.Destroy(ctx, "Doomed", map[string]any{"objectId": "d1"}, MasterOptions()))

	err := c.Destroy(ctx, "Doomed", map[string]any{"objectId": "d1"}, MasterOptions())
	require.Equal(t, errors.ObjectNotFound, errors.CodeOf(err))
}

func TestUserFieldStripping(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	user := map[string]any{
		"objectId":       "u1",
		"username":       "ann",
		"_session_token": "r:tok",
		"_auth_data_anonymous": map[string]any{
			"id": "some-uuid",
		},
	}
	require.NoError(t, c.ValidateObject(ctx, "_User", map[string]any{"username": "ann"}))
	require.NoError(t, c.Create(ctx, "_User", user, MasterOptions()))

	// Master sees everything.
	results, err := c.Find(ctx, "_User", map[string]any{"objectId": "u1"}, MasterOptions())
	require.NoError(t, err)
	require.Contains(t, results[0], "sessionToken")
	require.Contains(t, results[0], "authData")

	// The user sees their own secrets.
	results, err = c.Find(ctx, "_User", map[string]any{"objectId": "u1"},
		Options{ACLGroup: []string{"u1"}})
	require.NoError(t, err)
	require.Contains(t, results[0], "sessionToken")

	// Anyone else does not.
	results, err = c.Find(ctx, "_User", map[string]any{"objectId": "u1"},
		Options{ACLGroup: []string{"u2"}})
	require.NoError(t, err)
	require.NotContains(t, results[0], "sessionToken")
	require.NotContains(t, results[0], "authData")
}

func TestGeoIndexBuiltOnceOnDemand(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	place := map[string]any{
		"objectId": "p1",
		"location": map[string]any{"__type": "GeoPoint", "latitude": float64(48.85), "longitude": float64(2.35)},
	}
	require.NoError(t, c.ValidateObject(ctx, "Place", place))
	require.NoError(t, c.Create(ctx, "Place", place, MasterOptions()))

	results, err := c.Find(ctx, "Place", map[string]any{
		"location": map[string]any{
			"$nearSphere": map[string]any{"__type": "GeoPoint", "latitude": float64(48.8), "longitude": float64(2.3)},
		},
	}, MasterOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, map[string]any{
		"__type":    "GeoPoint",
		"latitude":  float64(48.85),
		"longitude": float64(2.35),
	}, results[0]["location"])
}

func TestInvalidClassName(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	_, err := c.Find(ctx, "no good", map[string]any{}, MasterOptions())
	require.Equal(t, errors.InvalidClassName, errors.CodeOf(err))
}

func TestCannotQueryACL(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	_, err := c.Find(ctx, "Item", map[string]any{"ACL": "x"}, MasterOptions())
	require.Equal(t, errors.InvalidQuery, errors.CodeOf(err))
}

func TestRoundTripNestedValues(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	object := map[string]any{
		"objectId": "n1",
		"payload": map[string]any{
			"tags":  []any{"a", "b"},
			"when":  map[string]any{"__type": "Date", "iso": "2015-03-01T15:59:11.273Z"},
			"depth": map[string]any{"inner": float64(7)},
		},
	}
	require.NoError(t, c.ValidateObject(ctx, "Nested", object))
	require.NoError(t, c.Create(ctx, "Nested", object, MasterOptions()))

	results, err := c.Find(ctx, "Nested", map[string]any{"objectId": "n1"}, MasterOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, object["payload"], results[0]["payload"])
}

package write

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objstack/objstack/pkg/auth"
	"github.com/objstack/objstack/pkg/config"
	"github.com/objstack/objstack/pkg/database"
	"github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/logger"
	"github.com/objstack/objstack/pkg/storage/memory"
	"github.com/objstack/objstack/pkg/triggers"
	"github.com/objstack/objstack/internal/password"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	ds := memory.New()
	t.Cleanup(ds.Close)
	cache, err := auth.NewSessionCache(100)
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	return &config.Config{
		AppID:        "appid",
		Mount:        "http://localhost:8080/1",
		Database:     database.New(ds, "test_", logger.NewNoopLogger()),
		Triggers:     triggers.NewRegistry(),
		SessionCache: cache,
		Hasher:       password.New(),
		Logger:       logger.NewNoopLogger(),
	}
}

func execute(t *testing.T, cfg *config.Config, a *auth.Auth, className string, query, data map[string]any) *Response {
	t.Helper()
	w, err := New(cfg, a, className, query, data, nil)
	require.NoError(t, err)
	response, err := w.Execute(context.Background())
	require.NoError(t, err)
	return response
}

func TestCreateResponse(t *testing.T) {
	cfg := newTestConfig(t)
	response := execute(t, cfg, auth.Master(cfg.Database), "Item", nil, map[string]any{"name": "thing"})

	require.Equal(t, 201, response.Status)
	require.Len(t, response.Response, 2)
	objectID, ok := response.Response["objectId"].(string)
	require.True(t, ok)
	require.Len(t, objectID, 10)
	require.Contains(t, response.Response, "createdAt")
	require.Equal(t, cfg.Mount+"/classes/Item/"+objectID, response.Location)
}

func TestCreateRejectsClientObjectID(t *testing.T) {
	cfg := newTestConfig(t)
	_, err := New(cfg, auth.Master(cfg.Database), "Item", nil, map[string]any{"objectId": "mine"}, nil)
	require.Equal(t, errors.InvalidKeyName, errors.CodeOf(err))
}

func TestSignup(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	response := execute(t, cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{
		"username": "alice",
		"password": "hunter2",
	})

	require.Equal(t, 201, response.Status)
	require.Len(t, response.Response, 3)
	require.Contains(t, response.Response, "objectId")
	require.Contains(t, response.Response, "createdAt")
	token, ok := response.Response["sessionToken"].(string)
	require.True(t, ok)
	require.NotEmpty(t, token)

	// The stored password is a verifiable hash, not the plaintext.
	users, err := cfg.Database.Find(ctx, "_User", map[string]any{"username": "alice"}, database.MasterOptions())
	require.NoError(t, err)
	require.Len(t, users, 1)
	hashed, _ := users[0]["password"].(string)
	require.NotEqual(t, "hunter2", hashed)
	require.True(t, cfg.Hasher.Compare(hashed, "hunter2"))

	// A session row exists for the fresh token.
	sessions, err := cfg.Database.Find(ctx, "_Session", map[string]any{"sessionToken": token}, database.MasterOptions())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestSignupMissingCredentials(t *testing.T) {
	cfg := newTestConfig(t)

	w, err := New(cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{"password": "x"}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.UsernameMissing, errors.CodeOf(err))

	w, err = New(cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{"username": "x"}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.PasswordMissing, errors.CodeOf(err))
}

func TestUsernameTaken(t *testing.T) {
	cfg := newTestConfig(t)
	execute(t, cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{"username": "alice", "password": "a"})

	w, err := New(cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{"username": "alice", "password": "b"}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.UsernameTaken, errors.CodeOf(err))
}

func TestEmailValidation(t *testing.T) {
	cfg := newTestConfig(t)

	w, err := New(cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{
		"username": "alice", "password": "a", "email": "not-an-email",
	}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.InvalidEmailAddress, errors.CodeOf(err))

	execute(t, cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{
		"username": "alice", "password": "a", "email": "alice@example.com",
	})
	w, err = New(cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{
		"username": "alice2", "password": "a", "email": "alice@example.com",
	}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.EmailTaken, errors.CodeOf(err))
}

func TestAnonymousSignupAndShortCircuit(t *testing.T) {
	cfg := newTestConfig(t)

	authData := map[string]any{"anonymous": map[string]any{"id": "anon-uuid-1"}}
	first := execute(t, cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{"authData": authData})
	require.Equal(t, 201, first.Status)
	firstID := first.Response["objectId"]

	// Signing up again with the same authData logs in instead.
	second := execute(t, cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{"authData": authData})
	require.Equal(t, 0, second.Status)
	require.Equal(t, firstID, second.Response["objectId"])
	require.NotContains(t, second.Response, "password")
}

func TestAccountAlreadyLinked(t *testing.T) {
	cfg := newTestConfig(t)

	authData := map[string]any{"anonymous": map[string]any{"id": "anon-uuid-2"}}
	execute(t, cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{"authData": authData})

	other := execute(t, cfg, auth.Master(cfg.Database), "_User", nil, map[string]any{
		"username": "bob", "password": "b",
	})
	otherID, _ := other.Response["objectId"].(string)

	w, err := New(cfg, auth.Master(cfg.Database), "_User",
		map[string]any{"objectId": otherID}, map[string]any{"authData": authData}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.AccountAlreadyLinked, errors.CodeOf(err))
}

func TestUnsupportedAuthService(t *testing.T) {
	cfg := newTestConfig(t)
	w, err := New(cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{
		"authData": map[string]any{"twitter": map[string]any{"id": "x"}},
	}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.UnsupportedService, errors.CodeOf(err))
}

func TestPasswordChangeClearsSessions(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	signup := execute(t, cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{
		"username": "alice", "password": "old",
	})
	userID, _ := signup.Response["objectId"].(string)
	token, _ := signup.Response["sessionToken"].(string)

	user := map[string]any{"objectId": userID}
	execute(t, cfg, auth.ForUser(cfg.Database, user), "_User",
		map[string]any{"objectId": userID}, map[string]any{"password": "new"})

	sessions, err := cfg.Database.Find(ctx, "_Session",
		map[string]any{"sessionToken": token}, database.MasterOptions())
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestSelfOnlyUserUpdate(t *testing.T) {
	cfg := newTestConfig(t)

	signup := execute(t, cfg, auth.Nobody(cfg.Database), "_User", nil, map[string]any{
		"username": "alice", "password": "a",
	})
	userID, _ := signup.Response["objectId"].(string)

	stranger := map[string]any{"objectId": "someoneelse"}
	w, err := New(cfg, auth.ForUser(cfg.Database, stranger), "_User",
		map[string]any{"objectId": userID}, map[string]any{"username": "mallory"}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.SessionMissing, errors.CodeOf(err))
	require.EqualError(t, err, fmt.Sprintf("cannot modify user %s", userID))
}

func TestSessionCreateReturns201(t *testing.T) {
	cfg := newTestConfig(t)

	user := map[string]any{"objectId": "u1"}
	response := execute(t, cfg, auth.ForUser(cfg.Database, user), "_Session", nil, map[string]any{})

	require.Equal(t, 201, response.Status)
	require.Equal(t, true, response.Response["restricted"])
	token, _ := response.Response["sessionToken"].(string)
	require.NotEmpty(t, token)
	require.Contains(t, response.Response, "objectId")
}

func TestSessionRequiresUser(t *testing.T) {
	cfg := newTestConfig(t)
	w, err := New(cfg, auth.Nobody(cfg.Database), "_Session", nil, map[string]any{}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.InvalidSessionToken, errors.CodeOf(err))
}

func TestSessionRejectsACL(t *testing.T) {
	cfg := newTestConfig(t)
	user := map[string]any{"objectId": "u1"}
	w, err := New(cfg, auth.ForUser(cfg.Database, user), "_Session", nil, map[string]any{
		"ACL": map[string]any{"u1": map[string]any{"read": true}},
	}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.InvalidKeyName, errors.CodeOf(err))
}

func TestBeforeSaveVeto(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Triggers.Register("Item", triggers.BeforeSave, func(ctx context.Context, req *triggers.Request) (map[string]any, error) {
		return nil, errors.New(errors.ScriptFailed, "not today")
	})

	w, err := New(cfg, auth.Master(cfg.Database), "Item", nil, map[string]any{"name": "x"}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.ScriptFailed, errors.CodeOf(err))
	require.EqualError(t, err, "not today")
}

func TestBeforeSaveReplacesData(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Triggers.Register("Item", triggers.BeforeSave, func(ctx context.Context, req *triggers.Request) (map[string]any, error) {
		object := map[string]any{}
		for key, value := range req.Object {
			object[key] = value
		}
		object["reviewed"] = true
		return object, nil
	})

	response := execute(t, cfg, auth.Master(cfg.Database), "Item", nil, map[string]any{"name": "x"})
	objectID, _ := response.Response["objectId"].(string)

	results, err := cfg.Database.Find(context.Background(), "Item",
		map[string]any{"objectId": objectID}, database.MasterOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, true, results[0]["reviewed"])
}

func TestAfterSaveFires(t *testing.T) {
	cfg := newTestConfig(t)
	fired := make(chan string, 1)
	cfg.Triggers.Register("Item", triggers.AfterSave, func(ctx context.Context, req *triggers.Request) (map[string]any, error) {
		name, _ := req.Object["name"].(string)
		fired <- name
		return nil, nil
	})

	execute(t, cfg, auth.Master(cfg.Database), "Item", nil, map[string]any{"name": "observed"})
	require.Equal(t, "observed", <-fired)
}

func TestUpdateResponseCarriesIncrementedValue(t *testing.T) {
	cfg := newTestConfig(t)

	created := execute(t, cfg, auth.Master(cfg.Database), "Item", nil, map[string]any{"count": float64(10)})
	objectID, _ := created.Response["objectId"].(string)

	updated := execute(t, cfg, auth.Master(cfg.Database), "Item",
		map[string]any{"objectId": objectID},
		map[string]any{"count": map[string]any{"__op": "Increment", "amount": float64(5)}})
	require.EqualValues(t, 15, updated.Response["count"])
	require.Contains(t, updated.Response, "updatedAt")
}

func TestInstallationRequiresIDField(t *testing.T) {
	cfg := newTestConfig(t)

	w, err := New(cfg, auth.Master(cfg.Database), "_Installation", nil, map[string]any{"deviceType": "ios"}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.MissingInstallationID, errors.CodeOf(err))

	w, err = New(cfg, auth.Master(cfg.Database), "_Installation", nil, map[string]any{"installationId": "abc"}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.MissingInstallationID, errors.CodeOf(err))
	require.EqualError(t, err, "deviceType must be specified in this operation")
}

func TestInstallationAndroidDeviceToken(t *testing.T) {
	cfg := newTestConfig(t)
	w, err := New(cfg, auth.Master(cfg.Database), "_Installation", nil, map[string]any{
		"installationId": "abc", "deviceType": "android", "deviceToken": "tok",
	}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.InvalidDeviceToken, errors.CodeOf(err))
}

func TestInstallationDedupByInstallationID(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	first := execute(t, cfg, auth.Master(cfg.Database), "_Installation", nil, map[string]any{
		"installationId": "ABC", "deviceType": "ios",
	})
	firstID, _ := first.Response["objectId"].(string)

	// Same installationId again: the create turns into an update of the
	// existing row.
	second := execute(t, cfg, auth.Master(cfg.Database), "_Installation", nil, map[string]any{
		"installationId": "abc", "deviceType": "ios", "channel": "beta",
	})
	require.Equal(t, 0, second.Status)

	rows, err := cfg.Database.Find(ctx, "_Installation",
		map[string]any{"installationId": "abc"}, database.MasterOptions())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, firstID, rows[0]["objectId"])
	require.Equal(t, "beta", rows[0]["channel"])
}

func TestInstallationMergeIntoDeviceTokenRow(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	// A token-only row, then a write carrying both ids merges into it.
	tokenRow := execute(t, cfg, auth.Master(cfg.Database), "_Installation", nil, map[string]any{
		"deviceToken": "tok-1", "deviceType": "ios",
	})
	tokenRowID, _ := tokenRow.Response["objectId"].(string)

	execute(t, cfg, auth.Master(cfg.Database), "_Installation", nil, map[string]any{
		"installationId": "inst-1", "deviceToken": "tok-1", "deviceType": "ios",
	})

	rows, err := cfg.Database.Find(ctx, "_Installation", map[string]any{"deviceToken": "tok-1"}, database.MasterOptions())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, tokenRowID, rows[0]["objectId"])
	require.Equal(t, "inst-1", rows[0]["installationId"])
}

func TestInstallationFieldsAreFixed(t *testing.T) {
	cfg := newTestConfig(t)

	created := execute(t, cfg, auth.Master(cfg.Database), "_Installation", nil, map[string]any{
		"installationId": "inst-2", "deviceType": "ios",
	})
	objectID, _ := created.Response["objectId"].(string)

	w, err := New(cfg, auth.Master(cfg.Database), "_Installation",
		map[string]any{"objectId": objectID},
		map[string]any{"deviceType": "android"}, nil)
	require.NoError(t, err)
	_, err = w.Execute(context.Background())
	require.Equal(t, errors.InstallationFieldFixed, errors.CodeOf(err))
}

package rest

import (
	"context"
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

func signup(t *testing.T, cfg *config.Config, username, pass string) (userID, token string) {
	t.Helper()
	response, err := Create(context.Background(), cfg, auth.Nobody(cfg.Database), "_User", map[string]any{
		"username": username,
		"password": pass,
	})
	require.NoError(t, err)
	userID, _ = response.Response["objectId"].(string)
	token, _ = response.Response["sessionToken"].(string)
	return userID, token
}

func TestCreateFindUpdateDelete(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()
	master := auth.Master(cfg.Database)

	created, err := Create(ctx, cfg, master, "Item", map[string]any{"name": "widget"})
	require.NoError(t, err)
	objectID, _ := created.Response["objectId"].(string)

	object, err := Get(ctx, cfg, master, "Item", objectID)
	require.NoError(t, err)
	require.Equal(t, "widget", object["name"])

	_, err = Update(ctx, cfg, master, "Item", objectID, map[string]any{"name": "gadget"})
	require.NoError(t, err)
	object, err = Get(ctx, cfg, master, "Item", objectID)
	require.NoError(t, err)
	require.Equal(t, "gadget", object["name"])

	require.NoError(t, Delete(ctx, cfg, master, "Item", objectID))
	_, err = Get(ctx, cfg, master, "Item", objectID)
	require.Equal(t, errors.ObjectNotFound, errors.CodeOf(err))
}

func TestRoleSecurity(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	_, err := Find(ctx, cfg, auth.Nobody(cfg.Database), "_Role", nil, nil)
	require.Equal(t, errors.OperationForbidden, errors.CodeOf(err))

	_, err = Create(ctx, cfg, auth.Nobody(cfg.Database), "_Role", map[string]any{"name": "admins"})
	require.Equal(t, errors.OperationForbidden, errors.CodeOf(err))

	// Master is allowed.
	_, err = Create(ctx, cfg, auth.Master(cfg.Database), "_Role", map[string]any{"name": "admins"})
	require.NoError(t, err)
}

func TestInstallationDeleteRequiresMaster(t *testing.T) {
	cfg := newTestConfig(t)
	err := Delete(context.Background(), cfg, auth.Nobody(cfg.Database), "_Installation", "abc")
	require.Equal(t, errors.OperationForbidden, errors.CodeOf(err))
}

func TestDeleteUserRequiresSelf(t *testing.T) {
	cfg := newTestConfig(t)
	userID, _ := signup(t, cfg, "alice", "pw")

	err := Delete(context.Background(), cfg, auth.Nobody(cfg.Database), "_User", userID)
	require.Equal(t, errors.SessionMissing, errors.CodeOf(err))

	self := auth.ForUser(cfg.Database, map[string]any{"objectId": userID})
	require.NoError(t, Delete(context.Background(), cfg, self, "_User", userID))
}

func TestBeforeDeleteAborts(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()
	master := auth.Master(cfg.Database)

	cfg.Triggers.Register("Item", triggers.BeforeDelete, func(ctx context.Context, req *triggers.Request) (map[string]any, error) {
		return nil, errors.New(errors.ScriptFailed, "keep it")
	})

	created, err := Create(ctx, cfg, master, "Item", map[string]any{"name": "precious"})
	require.NoError(t, err)
	objectID, _ := created.Response["objectId"].(string)

	err = Delete(ctx, cfg, master, "Item", objectID)
	require.Equal(t, errors.ScriptFailed, errors.CodeOf(err))

	// The object survived.
	_, err = Get(ctx, cfg, master, "Item", objectID)
	require.NoError(t, err)
}

func TestAfterDeleteSeesPreImage(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()
	master := auth.Master(cfg.Database)

	seen := make(chan string, 1)
	cfg.Triggers.Register("Item", triggers.AfterDelete, func(ctx context.Context, req *triggers.Request) (map[string]any, error) {
		name, _ := req.Object["name"].(string)
		seen <- name
		return nil, nil
	})

	created, err := Create(ctx, cfg, master, "Item", map[string]any{"name": "bygone"})
	require.NoError(t, err)
	objectID, _ := created.Response["objectId"].(string)

	require.NoError(t, Delete(ctx, cfg, master, "Item", objectID))
	require.Equal(t, "bygone", <-seen)
}

func TestLogin(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()
	userID, _ := signup(t, cfg, "alice", "hunter2")

	user, err := Login(ctx, cfg, "alice", "hunter2", "")
	require.NoError(t, err)
	require.Equal(t, userID, user["objectId"])
	require.NotContains(t, user, "password")
	token, _ := user["sessionToken"].(string)
	require.NotEmpty(t, token)

	sessions, err := cfg.Database.Find(ctx, "_Session", map[string]any{"sessionToken": token}, database.MasterOptions())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestLoginBadCredentials(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()
	signup(t, cfg, "alice", "hunter2")

	_, err := Login(ctx, cfg, "alice", "wrong", "")
	require.Equal(t, errors.ObjectNotFound, errors.CodeOf(err))
	require.EqualError(t, err, "Invalid username/password.")

	_, err = Login(ctx, cfg, "nobody", "wrong", "")
	require.Equal(t, errors.ObjectNotFound, errors.CodeOf(err))

	_, err = Login(ctx, cfg, "", "x", "")
	require.Equal(t, errors.UsernameMissing, errors.CodeOf(err))
	_, err = Login(ctx, cfg, "alice", "", "")
	require.Equal(t, errors.PasswordMissing, errors.CodeOf(err))
}

func TestMe(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()
	userID, token := signup(t, cfg, "alice", "pw")

	user, err := Me(ctx, cfg, token)
	require.NoError(t, err)
	require.Equal(t, userID, user["objectId"])
	require.Equal(t, "alice", user["username"])
	require.Equal(t, token, user["sessionToken"])
	require.NotContains(t, user, "__type")

	_, err = Me(ctx, cfg, "r:bogus")
	require.Equal(t, errors.ObjectNotFound, errors.CodeOf(err))
	_, err = Me(ctx, cfg, "")
	require.Equal(t, errors.ObjectNotFound, errors.CodeOf(err))
}

func TestSessionDeleteInvalidatesCache(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()
	userID, token := signup(t, cfg, "alice", "pw")

	// Warm the cache through token resolution.
	a, err := auth.ForSessionToken(ctx, cfg.Database, cfg.SessionCache, token)
	require.NoError(t, err)
	require.Equal(t, userID, a.UserID())

	sessions, err := cfg.Database.Find(ctx, "_Session", map[string]any{"sessionToken": token}, database.MasterOptions())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	sessionID, _ := sessions[0]["objectId"].(string)

	self := auth.ForUser(cfg.Database, map[string]any{"objectId": userID})
	require.NoError(t, Delete(ctx, cfg, self, "_Session", sessionID))

	_, cached := cfg.SessionCache.Get(token)
	require.False(t, cached)
}

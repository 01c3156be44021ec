package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objstack/objstack/pkg/auth"
	"github.com/objstack/objstack/pkg/config"
	"github.com/objstack/objstack/pkg/database"
	"github.com/objstack/objstack/pkg/logger"
	"github.com/objstack/objstack/pkg/storage/memory"
	"github.com/objstack/objstack/pkg/triggers"
	"github.com/objstack/objstack/internal/password"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ds := memory.New()
	t.Cleanup(ds.Close)
	cache, err := auth.NewSessionCache(100)
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	app := &config.Config{
		AppID:        "appid",
		MasterKey:    "masterkey",
		Mount:        "http://example.com/1",
		Database:     database.New(ds, "test_", logger.NewNoopLogger()),
		Triggers:     triggers.NewRegistry(),
		SessionCache: cache,
		Hasher:       password.New(),
		Logger:       logger.NewNoopLogger(),
	}
	return New(app, Config{})
}

type call struct {
	method  string
	path    string
	body    string
	headers map[string]string
}

func do(t *testing.T, s *Server, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if c.body != "" {
		reader = strings.NewReader(c.body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(c.method, c.path, reader)
	req.Header.Set("X-Parse-Application-Id", "appid")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, req)

	var body map[string]any
	if recorder.Body.Len() > 0 {
		raw := recorder.Body.Bytes()
		if json.Unmarshal(raw, &body) != nil {
			body = nil
		}
	}
	return recorder, body
}

var masterHeaders = map[string]string{"X-Parse-Master-Key": "masterkey"}

func TestRejectsUnknownAppID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/classes/Item", nil)
	req.Header.Set("X-Parse-Application-Id", "wrong")
	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusForbidden, recorder.Code)
	require.JSONEq(t, `{"error":"unauthorized"}`, recorder.Body.String())
}

func TestAppIDFromBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/classes/Item",
		strings.NewReader(`{"_ApplicationId":"appid","name":"tunneled"}`))
	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusCreated, recorder.Code)
}

func TestObjectLifecycle(t *testing.T) {
	s := newTestServer(t)

	created, body := do(t, s, call{http.MethodPost, "/classes/Item", `{"name":"widget","count":1}`, masterHeaders})
	require.Equal(t, http.StatusCreated, created.Code)
	objectID, _ := body["objectId"].(string)
	require.NotEmpty(t, objectID)
	require.Equal(t, "http://example.com/1/classes/Item/"+objectID, created.Header().Get("Location"))

	got, body := do(t, s, call{http.MethodGet, "/classes/Item/" + objectID, "", masterHeaders})
	require.Equal(t, http.StatusOK, got.Code)
	require.Equal(t, "widget", body["name"])

	updated, body := do(t, s, call{http.MethodPut, "/classes/Item/" + objectID,
		`{"count":{"__op":"Increment","amount":4}}`, masterHeaders})
	require.Equal(t, http.StatusOK, updated.Code)
	require.EqualValues(t, 5, body["count"])

	deleted, _ := do(t, s, call{http.MethodDelete, "/classes/Item/" + objectID, "", masterHeaders})
	require.Equal(t, http.StatusOK, deleted.Code)

	gone, body := do(t, s, call{http.MethodGet, "/classes/Item/" + objectID, "", masterHeaders})
	require.Equal(t, http.StatusNotFound, gone.Code)
	require.EqualValues(t, 101, body["code"])
	require.Contains(t, body, "error")
}

func TestFindWithOptions(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		response, _ := do(t, s, call{http.MethodPost, "/classes/Item",
			fmt.Sprintf(`{"rank":%d}`, i), masterHeaders})
		require.Equal(t, http.StatusCreated, response.Code)
	}

	recorder, body := do(t, s, call{
		http.MethodGet,
		`/classes/Item?where=` + `{"rank":{"$gte":1}}` + `&order=-rank&count=1`,
		"", masterHeaders})
	require.Equal(t, http.StatusOK, recorder.Code)
	results, _ := body["results"].([]any)
	require.Len(t, results, 2)
	first, _ := results[0].(map[string]any)
	require.EqualValues(t, 2, first["rank"])
	require.EqualValues(t, 2, body["count"])
}

func TestSignupLoginMe(t *testing.T) {
	s := newTestServer(t)

	signup, body := do(t, s, call{http.MethodPost, "/users", `{"username":"alice","password":"pw"}`, nil})
	require.Equal(t, http.StatusCreated, signup.Code)
	require.Contains(t, body, "sessionToken")

	login, body := do(t, s, call{http.MethodGet, "/login?username=alice&password=pw", "", nil})
	require.Equal(t, http.StatusOK, login.Code)
	token, _ := body["sessionToken"].(string)
	require.NotEmpty(t, token)
	require.NotContains(t, body, "password")

	me, body := do(t, s, call{http.MethodGet, "/users/me", "",
		map[string]string{"X-Parse-Session-Token": token}})
	require.Equal(t, http.StatusOK, me.Code)
	require.Equal(t, "alice", body["username"])

	badLogin, body := do(t, s, call{http.MethodGet, "/login?username=alice&password=nope", "", nil})
	require.Equal(t, http.StatusNotFound, badLogin.Code)
	require.EqualValues(t, 101, body["code"])
}

func TestRoleRouteForbiddenForClients(t *testing.T) {
	s := newTestServer(t)
	recorder, body := do(t, s, call{http.MethodGet, "/roles", "", nil})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.EqualValues(t, 119, body["code"])
}

func TestBatch(t *testing.T) {
	s := newTestServer(t)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/batch", strings.NewReader(`{
		"requests": [
			{"method": "POST", "path": "/1/classes/Item", "body": {"name": "first"}},
			{"method": "POST", "path": "/classes/_Role", "body": {"name": "nope"}}
		]
	}`))
	req.Header.Set("X-Parse-Application-Id", "appid")
	s.Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	var results []map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &results))
	require.Len(t, results, 2)

	success, _ := results[0]["success"].(map[string]any)
	require.Contains(t, success, "objectId")

	failure, _ := results[1]["error"].(map[string]any)
	require.EqualValues(t, 119, failure["code"])
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)
	recorder, _ := do(t, s, call{http.MethodGet, "/classes/Item", "", masterHeaders})
	require.NotEmpty(t, recorder.Header().Get("X-Request-Id"))
}

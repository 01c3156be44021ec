package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/rest"
	"github.com/objstack/objstack/pkg/write"
)

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /classes/{className}", func(w http.ResponseWriter, r *http.Request) {
		s.handleCreate(w, r, r.PathValue("className"))
	})
	mux.HandleFunc("GET /classes/{className}", func(w http.ResponseWriter, r *http.Request) {
		s.handleFind(w, r, r.PathValue("className"))
	})
	mux.HandleFunc("GET /classes/{className}/{objectId}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGet(w, r, r.PathValue("className"))
	})
	mux.HandleFunc("PUT /classes/{className}/{objectId}", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpdate(w, r, r.PathValue("className"))
	})
	mux.HandleFunc("DELETE /classes/{className}/{objectId}", func(w http.ResponseWriter, r *http.Request) {
		s.handleDelete(w, r, r.PathValue("className"))
	})

	for path, className := range map[string]string{
		"/users":         "_User",
		"/sessions":      "_Session",
		"/roles":         "_Role",
		"/installations": "_Installation",
	} {
		class := className
		mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
			s.handleCreate(w, r, class)
		})
		mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
			s.handleFind(w, r, class)
		})
		mux.HandleFunc("GET "+path+"/{objectId}", func(w http.ResponseWriter, r *http.Request) {
			s.handleGet(w, r, class)
		})
		mux.HandleFunc("PUT "+path+"/{objectId}", func(w http.ResponseWriter, r *http.Request) {
			s.handleUpdate(w, r, class)
		})
		mux.HandleFunc("DELETE "+path+"/{objectId}", func(w http.ResponseWriter, r *http.Request) {
			s.handleDelete(w, r, class)
		})
	}

	mux.HandleFunc("GET /users/me", s.handleMe)
	mux.HandleFunc("GET /login", s.handleLogin)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /batch", s.handleBatch)
}

func decodeBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return map[string]any{}, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New(errors.InvalidJSON, "invalid JSON")
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.New(errors.InvalidJSON, "invalid JSON")
	}
	return body, nil
}

func writeWriteResponse(w http.ResponseWriter, response *write.Response) {
	status := response.Status
	if status == 0 {
		status = http.StatusOK
	}
	if response.Location != "" {
		w.Header().Set("Location", response.Location)
	}
	writeJSON(w, status, response.Response)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, className string) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	response, err := rest.Create(r.Context(), s.app, authFrom(r.Context()), className, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeWriteResponse(w, response)
}

// findOptions builds the query option map from URL parameters.
func findOptions(values url.Values) (where, options map[string]any, err error) {
	where = map[string]any{}
	if raw := values.Get("where"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &where); err != nil {
			return nil, nil, errors.New(errors.InvalidJSON, "invalid JSON for where")
		}
	}

	options = map[string]any{}
	for _, key := range []string{"order", "keys", "include", "redirectClassNameForKey"} {
		if v := values.Get(key); v != "" {
			options[key] = v
		}
	}
	for _, key := range []string{"skip", "limit"} {
		if v := values.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, nil, errors.Newf(errors.InvalidJSON, "bad option: %s", key)
			}
			options[key] = float64(n)
		}
	}
	if v := values.Get("count"); v != "" && v != "0" && v != "false" {
		options["count"] = true
	}
	return where, options, nil
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request, className string) {
	where, options, err := findOptions(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	response, err := rest.Find(r.Context(), s.app, authFrom(r.Context()), className, where, options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, className string) {
	object, err := rest.Get(r.Context(), s.app, authFrom(r.Context()), className, r.PathValue("objectId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, object)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, className string) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	response, err := rest.Update(r.Context(), s.app, authFrom(r.Context()), className, r.PathValue("objectId"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeWriteResponse(w, response)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, className string) {
	if err := rest.Delete(r.Context(), s.app, authFrom(r.Context()), className, r.PathValue("objectId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	password := r.URL.Query().Get("password")
	if username == "" && r.Method == http.MethodPost {
		body, err := decodeBody(r)
		if err != nil {
			writeError(w, err)
			return
		}
		username, _ = body["username"].(string)
		password, _ = body["password"].(string)
	}

	user, err := rest.Login(r.Context(), s.app, username, password, infoFrom(r.Context()).InstallationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := rest.Me(r.Context(), s.app, infoFrom(r.Context()).SessionToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// batchRecorder captures a subrequest's response in memory.
type batchRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{header: http.Header{}, status: http.StatusOK}
}

func (r *batchRecorder) Header() http.Header { return r.header }

func (r *batchRecorder) WriteHeader(status int) { r.status = status }

func (r *batchRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

type batchRequest struct {
	Method string         `json:"method"`
	Path   string         `json:"path"`
	Body   map[string]any `json:"body"`
}

// handleBatch runs a list of subrequests through the normal routes,
// one result per request. Failures are isolated per item.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []batchRequest `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Requests == nil {
		writeError(w, errors.New(errors.InvalidJSON, "requests must be an array"))
		return
	}

	// Batch paths arrive from the domain root, prefixed with whatever
	// the API is mounted at.
	apiPrefix := ""
	if mount, err := url.Parse(s.app.Mount); err == nil {
		apiPrefix = strings.TrimSuffix(mount.Path, "/")
	}

	results := make([]map[string]any, len(body.Requests))
	for i, item := range body.Requests {
		path := item.Path
		if apiPrefix != "" && strings.HasPrefix(path, apiPrefix) {
			path = path[len(apiPrefix):]
		}

		var payload io.Reader
		if item.Body != nil {
			raw, err := json.Marshal(item.Body)
			if err != nil {
				writeError(w, errors.Wrap(errors.InvalidJSON, err))
				return
			}
			payload = strings.NewReader(string(raw))
		}

		subRequest, err := http.NewRequestWithContext(r.Context(), item.Method, path, payload)
		if err != nil {
			writeError(w, errors.Newf(errors.InvalidJSON, "cannot route %s %s", item.Method, path))
			return
		}
		if _, pattern := s.api.Handler(subRequest); pattern == "" {
			writeError(w, errors.Newf(errors.InvalidJSON, "cannot route %s %s", item.Method, path))
			return
		}

		recorder := newBatchRecorder()
		s.api.ServeHTTP(recorder, subRequest)

		var subResponse any
		_ = json.Unmarshal(recorder.body.Bytes(), &subResponse)
		if recorder.status < 400 {
			results[i] = map[string]any{"success": subResponse}
		} else {
			results[i] = map[string]any{"error": subResponse}
		}
	}
	writeJSON(w, http.StatusOK, results)
}

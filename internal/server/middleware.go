package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/objstack/objstack/pkg/auth"
	"github.com/objstack/objstack/pkg/id"
)

type contextKey int

const (
	authKey contextKey = iota
	infoKey
	requestIDKey
)

// requestInfo carries the per-request values that are not part of the
// resolved auth.
type requestInfo struct {
	InstallationID string
	SessionToken   string
}

func authFrom(ctx context.Context) *auth.Auth {
	a, _ := ctx.Value(authKey).(*auth.Auth)
	return a
}

func infoFrom(ctx context.Context) requestInfo {
	info, _ := ctx.Value(infoKey).(requestInfo)
	return info
}

// authContext authenticates the request: app id plus optional master
// key, client key and session token. The SDK file-upload path tunnels
// these in the JSON body with underscore keys, so that is accepted too.
func (s *Server) authContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appID := r.Header.Get("X-Parse-Application-Id")
		masterKey := r.Header.Get("X-Parse-Master-Key")
		clientKey := r.Header.Get("X-Parse-Client-Key")
		sessionToken := r.Header.Get("X-Parse-Session-Token")
		installationID := r.Header.Get("X-Parse-Installation-Id")

		if appID == "" && r.Body != nil && r.ContentLength != 0 {
			raw, err := io.ReadAll(r.Body)
			if err != nil {
				unauthorized(w)
				return
			}
			var body map[string]any
			if json.Unmarshal(raw, &body) == nil {
				if fromBody, ok := body["_ApplicationId"].(string); ok {
					appID = fromBody
					delete(body, "_ApplicationId")
					if v, ok := body["_MasterKey"].(string); ok {
						masterKey = v
						delete(body, "_MasterKey")
					}
					if v, ok := body["_ClientKey"].(string); ok {
						clientKey = v
						delete(body, "_ClientKey")
					}
					if v, ok := body["_SessionToken"].(string); ok {
						sessionToken = v
						delete(body, "_SessionToken")
					}
					if v, ok := body["_InstallationId"].(string); ok {
						installationID = v
						delete(body, "_InstallationId")
					}
					raw, _ = json.Marshal(body)
				}
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))
			r.ContentLength = int64(len(raw))
		}

		if appID != s.app.AppID {
			unauthorized(w)
			return
		}

		isMaster := masterKey != "" && masterKey == s.app.MasterKey
		if !isMaster && s.app.ClientKey != "" && clientKey != s.app.ClientKey {
			unauthorized(w)
			return
		}

		var a *auth.Auth
		switch {
		case isMaster:
			a = auth.Master(s.app.Database)
		case sessionToken != "":
			resolved, err := auth.ForSessionToken(r.Context(), s.app.Database, s.app.SessionCache, sessionToken)
			if err != nil {
				writeError(w, err)
				return
			}
			a = resolved
		default:
			a = auth.Nobody(s.app.Database)
		}

		ctx := context.WithValue(r.Context(), authKey, a)
		ctx = context.WithValue(ctx, infoKey, requestInfo{
			InstallationID: installationID,
			SessionToken:   sessionToken,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

// requestID stamps each request with a sortable id, echoed in the
// response headers.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = id.NewRequestID()
		}
		w.Header().Set("X-Request-Id", rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		rid, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Info("request",
			zap.String("request_id", rid),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", recovered),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"code":  1,
					"error": "Internal server error.",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Package server exposes the REST API over HTTP: header-based auth
// context, per-resource routes, and the JSON error surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objstack/objstack/pkg/config"
	apierrors "github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/logger"
)

// Config holds the transport settings.
type Config struct {
	Addr               string
	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// Server serves the REST API for one app.
type Server struct {
	app    *config.Config
	cfg    Config
	logger logger.Logger
	api    *http.ServeMux
}

func New(app *config.Config, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if len(cfg.CORSAllowedHeaders) == 0 {
		cfg.CORSAllowedHeaders = []string{"*"}
	}
	s := &Server{app: app, cfg: cfg, logger: app.Log()}
	s.api = http.NewServeMux()
	s.routes(s.api)
	return s
}

// Handler builds the full middleware and routing stack.
func (s *Server) Handler() http.Handler {
	handler := s.authContext(s.api)
	handler = cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedHeaders:   s.cfg.CORSAllowedHeaders,
		AllowCredentials: true,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost,
			http.MethodHead, http.MethodPatch, http.MethodDelete, http.MethodPut,
		},
	}).Handler(handler)
	handler = s.logRequests(handler)
	handler = requestID(handler)
	return s.recoverPanics(handler)
}

// Run serves until ctx is canceled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting HTTP server", zap.String("addr", s.cfg.Addr))
		if err := httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("HTTP server shut down")
		return nil
	})
	return g.Wait()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := apierrors.CodeOf(err)
	status := http.StatusBadRequest
	switch code {
	case apierrors.InternalServerError:
		status = http.StatusInternalServerError
	case apierrors.ObjectNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": apierrors.MessageOf(err),
	})
}

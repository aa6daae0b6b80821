/*
Copyright 2025 The Forge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server exposes the HTTP API: build submission and polling, the
// resolver-only prepare endpoint, statistics and the artifact store.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/forge/pkg/forge/metrics"
	"github.com/openwrt/forge/pkg/forge/request"
	"github.com/openwrt/forge/pkg/forge/store"
)

// Admitter is the queue's admission operation.
type Admitter interface {
	Admit(hash string, req *request.BuildRequest, skipResolution bool) (store.EnqueueOutcome, error)
}

// Config carries the server's settings.
type Config struct {
	Limits    request.Limits
	StorePath string
	// PrepareOnly restricts the API to the resolver subset, for the
	// standalone prepare deployment.
	PrepareOnly bool
}

// Server routes the HTTP API. The store may be nil in prepare-only mode.
type Server struct {
	store    *store.Store
	admitter Admitter
	cfg      Config
	router   *mux.Router
	httpSrv  *http.Server
}

func New(st *store.Store, admitter Admitter, cfg Config) *Server {
	s := &Server{store: st, admitter: admitter, cfg: cfg}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/build/prepare", s.instrument("prepare", s.handlePrepare)).Methods(http.MethodPost)
	s.router.Handle("/health", s.instrument("health", s.handleHealth)).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	if s.cfg.PrepareOnly {
		return
	}
	api.Handle("/build", s.instrument("build", s.handleBuild)).Methods(http.MethodPost)
	api.Handle("/build/{hash:[0-9a-f]+}", s.instrument("status", s.handleStatus)).Methods(http.MethodGet)
	api.Handle("/stats", s.instrument("stats", s.handleStats)).Methods(http.MethodGet)
	api.Handle("/stats/builds-per-day", s.instrument("stats", s.handleBuildsPerDay)).Methods(http.MethodGet)
	api.Handle("/stats/builds-by-version", s.instrument("stats", s.handleBuildsByVersion)).Methods(http.MethodGet)

	s.router.PathPrefix("/store/").Handler(
		http.StripPrefix("/store/", http.FileServer(http.Dir(s.cfg.StorePath))))
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	logrus.WithField("addr", addr).Info("http server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		elapsed := time.Since(start)

		metrics.HTTPDuration.WithLabelValues(name, r.Method, strconv.Itoa(rec.code)).
			Observe(elapsed.Seconds())
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"code":     rec.code,
			"duration": elapsed.Round(time.Millisecond),
		}).Debug("request served")
	})
}

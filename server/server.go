// Package server exposes the orchestrator's HTTP and WebSocket surface:
// generation submission, result retrieval, fleet and template inspection,
// and the per-session progress stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rodan32/imgen/config"
	"github.com/rodan32/imgen/dispatch"
	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/fleet"
	"github.com/rodan32/imgen/progress"
	"github.com/rodan32/imgen/workflow"
)

// Server owns the HTTP listener and its handlers.
type Server struct {
	cfg      *config.Config
	svc      *dispatch.Service
	registry *fleet.Registry
	engine   *workflow.Engine
	agg      *progress.Aggregator
	log      *zap.SugaredLogger

	httpSrv *http.Server
}

// New wires the server. Call Start to begin listening.
func New(
	cfg *config.Config,
	svc *dispatch.Service,
	registry *fleet.Registry,
	engine *workflow.Engine,
	agg *progress.Aggregator,
	log *zap.SugaredLogger,
) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		registry: registry,
		engine:   engine,
		agg:      agg,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", s.cors(s.handleGenerate))
	mux.HandleFunc("POST /api/generate/batch", s.cors(s.handleGenerateBatch))
	mux.HandleFunc("GET /api/generate/{id}", s.cors(s.handleGetGeneration))
	mux.HandleFunc("GET /api/generate/{id}/image", s.cors(s.handleGetImage))
	mux.HandleFunc("GET /api/generate/{id}/thumbnail", s.cors(s.handleGetImage))
	mux.HandleFunc("GET /api/sessions/{id}/generations", s.cors(s.handleListGenerations))
	mux.HandleFunc("GET /api/workers", s.cors(s.handleWorkers))
	mux.HandleFunc("GET /api/workers/{id}/models", s.cors(s.handleWorkerModels))
	mux.HandleFunc("GET /api/templates", s.cors(s.handleTemplates))
	mux.HandleFunc("GET /ws", s.handleSessionWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.log.Infow("HTTP server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// checkOrigin validates a request origin against the configured allowed
// origins. Prefix matching permits any port on an allowed host. Requests
// with no origin header pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// cors adds CORS headers using the same origin validation as the WebSocket
// upgrade and short-circuits preflight requests.
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

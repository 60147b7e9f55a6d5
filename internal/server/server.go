// Package server exposes a cluster node over HTTP: the websocket bridge for remote
// agents, Prometheus metrics, and read-only status endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/session"
)

// PriceSource reports the last price a matcher determined.
type PriceSource interface {
	LastPrice() (models.PriceUpdate, bool)
}

// Options selects what the server mounts. Nil handlers are left out.
type Options struct {
	ListenAddr  string
	ClusterID   string
	Manager     *session.Manager
	Prices      PriceSource
	BridgePath  string
	Bridge      http.Handler
	MetricsPath string
	Metrics     http.Handler
}

// Server is the HTTP front of a node
type Server struct {
	opts Options
	srv  *http.Server
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if opts.Prices != nil {
		r.Get("/price", s.handlePrice)
	}
	if opts.Bridge != nil {
		r.Handle(opts.BridgePath, opts.Bridge)
	}
	if opts.Metrics != nil {
		r.Handle(opts.MetricsPath, opts.Metrics)
	}

	s.srv = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logger.Info("HTTP server listening on %s", s.opts.ListenAddr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones. Hijacked websocket
// connections are not waited for; the bridge closes them when agents deregister.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusResponse struct {
	ClusterID string                `json:"cluster_id"`
	Matchers  []string              `json:"matchers"`
	Sessions  []session.SessionInfo `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{ClusterID: s.opts.ClusterID, Matchers: []string{}, Sessions: []session.SessionInfo{}}
	if s.opts.Manager != nil {
		resp.Matchers = s.opts.Manager.MatcherIDs()
		resp.Sessions = s.opts.Manager.Sessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	pu, ok := s.opts.Prices.LastPrice()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no price determined yet"})
		return
	}
	writeJSON(w, http.StatusOK, pu)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response: %v", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("%s %s %d %s (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

// Package web serves the dashboard API: queue and session views, the status
// feed over SSE and websocket, pause/resume and Prometheus metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chatpilot/chatpilot/internal/logging"
	"github.com/chatpilot/chatpilot/internal/metrics"
	"github.com/chatpilot/chatpilot/internal/queue"
	"github.com/chatpilot/chatpilot/internal/statedb"
	"github.com/chatpilot/chatpilot/internal/store"
)

var webLog = logging.ForComponent(logging.CompWeb)

// QueueView lists scheduled sessions.
type QueueView interface {
	Snapshot() []queue.EntryStatus
}

// SessionView reads stored transcripts.
type SessionView interface {
	Snapshot() []store.Record
	Get(key string) (store.Record, bool)
}

// Control is the manual override and the open session.
type Control interface {
	Pause()
	Resume()
	Paused() bool
	ActiveRoom() string
}

// HistoryView reads the audit log.
type HistoryView interface {
	Timeline(ctx context.Context, key string, limit int) ([]statedb.Entry, error)
	Recent(ctx context.Context, limit int) ([]statedb.Entry, error)
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	// Token, when set, is required on /api, /events and /ws routes.
	Token    string
	ReadOnly bool

	Queue    QueueView
	Sessions SessionView
	Control  Control
	// History is optional; history routes answer 503 without it.
	History HistoryView
	Feed    *logging.Feed
	Metrics *metrics.Metrics
}

// Server wraps an HTTP server for the dashboard.
type Server struct {
	cfg        Config
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
	started    time.Time
}

// NewServer creates a new web server with base routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8787"
	}
	if cfg.Feed == nil {
		cfg.Feed = logging.GlobalFeed()
	}

	s := &Server{cfg: cfg, started: time.Now()}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", cfg.Metrics.Handler())
	mux.HandleFunc("/api/queue", s.guard(http.MethodGet, s.handleQueue))
	mux.HandleFunc("/api/sessions", s.guard(http.MethodGet, s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.guard(http.MethodGet, s.handleSessionByKey))
	mux.HandleFunc("/api/pause", s.guard(http.MethodPost, s.handlePause))
	mux.HandleFunc("/api/resume", s.guard(http.MethodPost, s.handleResume))
	mux.HandleFunc("/api/log", s.guard(http.MethodGet, s.handleLog))
	mux.HandleFunc("/api/history", s.guard(http.MethodGet, s.handleHistory))
	mux.HandleFunc("/events/log", s.guard(http.MethodGet, s.handleLogEvents))
	mux.HandleFunc("/ws/log", s.guard(http.MethodGet, s.handleLogWS))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run serves until ctx ends, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		webLog.Warn("web_shutdown_failed", slog.String("error", err.Error()))
	}
	return <-errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Long-lived SSE and websocket handlers watch the base context.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}

// Package api exposes the automation coordinator and notification history
// over a small local HTTP API.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"teamsawake/internal/automation"
	"teamsawake/internal/llm"
	"teamsawake/internal/logging"
	"teamsawake/internal/notify"
	"teamsawake/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Controller is the automation surface the API drives.
type Controller interface {
	StartChrome(ctx context.Context) automation.Result
	StopChrome(ctx context.Context) automation.Result
	StartMonitoring(ctx context.Context) automation.Result
	StopMonitoring(ctx context.Context) automation.Result
	GetStatus() automation.Status
	GetAuthStatus(ctx context.Context) automation.AuthStatus
}

// History is the read side of the notification store.
type History interface {
	ListSessions(ctx context.Context, limit int) ([]store.SessionRow, error)
	GetSession(ctx context.Context, id string) (store.SessionRow, error)
	ListNotifications(ctx context.Context, sessionID string, limit int) ([]notify.Record, error)
	MarkRead(ctx context.Context, id string) error
	SetSummary(ctx context.Context, id, summary string) error
}

// Deps are the collaborators behind the routes. Completer and Events may be
// nil; the routes that need them then answer 503.
type Deps struct {
	Controller Controller
	History    History
	Completer  llm.Completer
	Events     http.Handler
}

// Server routes API requests.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer builds the router. Controller and History are required.
func NewServer(deps Deps) *Server {
	if deps.Controller == nil || deps.History == nil {
		panic("api: Controller and History are required")
	}
	s := &Server{deps: deps, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/chrome/start", s.handleStartChrome)
	r.Post("/chrome/stop", s.handleStopChrome)
	r.Get("/status", s.handleStatus)
	r.Get("/auth", s.handleAuth)

	r.Post("/monitoring/start", s.handleStartMonitoring)
	r.Post("/monitoring/stop", s.handleStopMonitoring)

	r.Get("/sessions", s.handleListSessions)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Get("/notifications", s.handleListNotifications)
		r.Post("/summary", s.handleSummarize)
	})
	r.Post("/notifications/{id}/read", s.handleMarkRead)

	r.Get("/events", s.handleEvents)
}

// ServeHTTP makes the server usable as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
// A zero writeTimeout leaves event streams open indefinitely.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	if !isLoopback(addr) {
		logging.Get(logging.CategoryAPI).Warn("API listening on non-loopback address %s; it has no authentication", addr)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logging.API("API listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Get(logging.CategoryAPI).Warn("API shutdown: %v", err)
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logging.API("API stopped")
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.APIDebug("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/events"
	"github.com/mattjoyce/bcibot/internal/journal"
	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/status"
)

const (
	defaultWaitTimeout = 30 * time.Second
	defaultMaxWait     = 5 * time.Minute
	maxCommandBytes    = 64 * 1024
)

// Dispatcher is the command surface the API drives.
type Dispatcher interface {
	Submit(raw string) (channel.Command, error)
	Snapshot() map[protocol.Tag]bool
	Stats() []channel.Stats
	QueueDepth() int
	WaitFor(ctx context.Context, target status.Target) error
}

// JournalReader serves the command history endpoints.
type JournalReader interface {
	Get(ctx context.Context, id string) (*journal.Entry, error)
	List(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token required on every route except /healthz.
	APIKey string
	// MaxWaitTimeout caps the ?timeout accepted by /wait.
	MaxWaitTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	journal    JournalReader
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. A nil journal disables the
// /journal routes; a nil hub gets a private one so /events still streams.
func New(config Config, d Dispatcher, j JournalReader, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxWaitTimeout <= 0 {
		config.MaxWaitTimeout = defaultMaxWait
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:     config,
		dispatcher: d,
		journal:    j,
		events:     hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, l)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Long enough for the largest /wait.
		WriteTimeout: s.config.MaxWaitTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", l.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(l); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/command", s.handleCommand)
		r.Get("/status", s.handleStatus)
		r.Get("/status/{channel}", s.handleChannelStatus)
		r.Post("/wait/{target}", s.handleWait)
		r.Get("/journal", s.handleListJournal)
		r.Get("/journal/{id}", s.handleGetJournal)
		r.Get("/events", s.handleEvents)
		r.Get("/openapi.json", s.handleOpenAPI)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/dispatch"
)

const shutdownGrace = 5 * time.Second

// Server accepts signed command batches and feeds them to a Submitter.
type Server struct {
	listen    string
	submitter Submitter
	log       *slog.Logger

	// routes holds each endpoint with defaults applied, keyed by path.
	routes map[string]*EndpointConfig
}

// New builds a server for cfg. Endpoints are copied, so cfg is left as is.
func New(cfg Config, submitter Submitter, logger *slog.Logger) *Server {
	routes := make(map[string]*EndpointConfig, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		routes[ep.Path] = &ep
	}
	return &Server{
		listen:    cfg.Listen,
		submitter: submitter,
		log:       logger,
		routes:    routes,
	}
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)
	for path, ep := range s.routes {
		r.Post(path, s.ingress(ep))
	}
	return r
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("webhook listen %s: %w", s.listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then drains in-flight requests.
// Cancellation is not an error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}
	s.log.Info("webhook ingress listening", "addr", ln.Addr().String(), "endpoints", len(s.routes))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("webhook shutdown: %w", err)
		}
		s.log.Info("webhook ingress stopped")
		return nil
	})
	return g.Wait()
}

// logRequests logs method, path and outcome. Bodies carry commands and are
// never logged.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rw := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)
		s.log.Debug("ingress request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.Status(),
			"took", time.Since(began),
			"request_id", middleware.GetReqID(r.Context()),
			"remote", r.RemoteAddr,
		)
	})
}

// ingress returns the handler for one endpoint. A short or malformed line or
// a disallowed channel refuses the whole body before anything is queued. A
// channel that starts closing during submission ends the batch with 503 and
// the lines queued so far.
func (s *Server) ingress(ep *EndpointConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ep.MaxBodySize))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				s.fail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", ep.MaxBodySize))
				return
			}
			s.fail(w, http.StatusBadRequest, "unreadable body")
			return
		}

		if !s.authentic(ep, r, body) {
			s.fail(w, http.StatusForbidden, "forbidden")
			return
		}

		lines := commandLines(body)
		if len(lines) == 0 {
			s.fail(w, http.StatusBadRequest, "no commands in body")
			return
		}
		if status, msg := screen(ep, lines); status != 0 {
			s.log.Warn("ingress batch refused", "path", ep.Path, "reason", msg)
			s.fail(w, status, msg)
			return
		}

		resp := TriggerResponse{Commands: make([]QueuedCommand, 0, len(lines))}
		for _, line := range lines {
			cmd, err := s.submitter.Submit(line)
			switch {
			case errors.Is(err, dispatch.ErrUnknownPrefix):
				resp.Unrouted++
				continue
			case channel.IsKind(err, channel.KindRejected):
				s.log.Warn("ingress batch cut short", "path", ep.Path, "queued", len(resp.Commands), "error", err)
				s.reply(w, http.StatusServiceUnavailable, ErrorResponse{Error: "channel is closing", Commands: resp.Commands})
				return
			case err != nil:
				s.log.Error("ingress submit failed", "path", ep.Path, "error", err)
				s.fail(w, http.StatusInternalServerError, "failed to submit command")
				return
			}
			resp.Commands = append(resp.Commands, QueuedCommand{CommandID: cmd.ID, Channel: cmd.Channel.String()})
		}

		s.log.Info("ingress batch queued", "path", ep.Path, "queued", len(resp.Commands), "unrouted", resp.Unrouted)
		s.reply(w, http.StatusAccepted, resp)
	}
}

// authentic reports whether body carries a valid signature for ep. The
// reason for a refusal is logged, never returned to the caller.
func (s *Server) authentic(ep *EndpointConfig, r *http.Request, body []byte) bool {
	sig := r.Header.Get(ep.SignatureHeader)
	if sig == "" {
		s.log.Warn("ingress signature missing", "path", ep.Path, "header", ep.SignatureHeader)
		return false
	}
	if err := verifyHMACSignature(body, sig, ep.Secret); err != nil {
		s.log.Warn("ingress signature rejected", "path", ep.Path, "error", err)
		return false
	}
	return true
}

// screen routes every line without submitting any. It returns a non-zero
// status and message for the first line that refuses the batch. Lines with
// an unknown prefix pass; they are counted as unrouted on submission.
func screen(ep *EndpointConfig, lines []string) (int, string) {
	for i, line := range lines {
		tag, _, err := dispatch.Route(line)
		switch {
		case errors.Is(err, dispatch.ErrShortCommand):
			return http.StatusBadRequest, fmt.Sprintf("line %d: command too short", i+1)
		case errors.Is(err, dispatch.ErrMultiLine):
			return http.StatusBadRequest, fmt.Sprintf("line %d: stray carriage return", i+1)
		case err != nil:
			continue
		case !ep.allows(tag):
			return http.StatusForbidden, fmt.Sprintf("line %d: channel %s not allowed", i+1, strings.ToLower(tag.String()))
		}
	}
	return 0, ""
}

// commandLines splits body into newline-terminated command lines, skipping
// blank ones.
func commandLines(body []byte) []string {
	var out []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line+"\n")
	}
	return out
}

func (s *Server) reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("ingress reply not written", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.reply(w, status, ErrorResponse{Error: msg})
}

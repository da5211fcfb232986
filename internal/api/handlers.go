package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/dispatch"
	"github.com/mattjoyce/bcibot/internal/journal"
	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/status"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    s.dispatcher.QueueDepth(),
	})
}

// handleCommand handles POST /command. The body is either
// {"command": "..."} or the raw command as text/plain.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	raw, err := readCommand(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmd, err := s.dispatcher.Submit(raw)
	switch {
	case errors.Is(err, dispatch.ErrShortCommand):
		s.writeError(w, http.StatusBadRequest, "command too short")
		return
	case errors.Is(err, dispatch.ErrMultiLine):
		s.writeError(w, http.StatusBadRequest, "command spans multiple lines")
		return
	case errors.Is(err, dispatch.ErrUnknownPrefix):
		respondJSON(w, http.StatusAccepted, CommandResponse{Routed: false})
		return
	case channel.IsKind(err, channel.KindRejected):
		s.writeError(w, http.StatusServiceUnavailable, "channel is closing")
		return
	case err != nil:
		s.logger.Error("failed to submit command", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit command")
		return
	}

	respondJSON(w, http.StatusAccepted, CommandResponse{
		Routed:    true,
		CommandID: cmd.ID,
		Channel:   cmd.Channel.String(),
		Payload:   cmd.Payload,
	})
}

func readCommand(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes+1))
	if err != nil {
		return "", errors.New("failed to read body")
	}
	if len(body) > maxCommandBytes {
		return "", errors.New("command too large")
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return string(body), nil
	}
	var req CommandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", errors.New("invalid JSON body")
	}
	return req.Command, nil
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.dispatcher.Snapshot()
	resp := StatusResponse{
		AllDone:    true,
		Done:       make(map[string]bool, len(snap)),
		QueueDepth: s.dispatcher.QueueDepth(),
		Channels:   s.dispatcher.Stats(),
	}
	for tag, done := range snap {
		resp.Done[strings.ToLower(tag.String())] = done
		resp.AllDone = resp.AllDone && done
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleChannelStatus handles GET /status/{channel}.
func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	tag, err := protocol.ParseTag(chi.URLParam(r, "channel"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	for _, st := range s.dispatcher.Stats() {
		if st.Channel == tag {
			respondJSON(w, http.StatusOK, st)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "channel not found")
}

// handleWait handles POST /wait/{target}?timeout=10s. It answers 200 once the
// target holds and 504 if the timeout passes first.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	target, err := status.ParseTarget(chi.URLParam(r, "target"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := defaultWaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}
	if timeout > s.config.MaxWaitTimeout {
		timeout = s.config.MaxWaitTimeout
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	err = s.dispatcher.WaitFor(ctx, target)
	resp := WaitResponse{Target: target.String(), Done: err == nil, WaitedMS: time.Since(start).Milliseconds()}
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, resp)
	case errors.Is(err, context.DeadlineExceeded):
		respondJSON(w, http.StatusGatewayTimeout, resp)
	default:
		// Client went away.
		s.logger.Debug("wait abandoned", "target", target.String(), "error", err)
	}
}

// handleListJournal handles GET /journal?channel=&status=&since=&limit=.
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	q := r.URL.Query()
	var f journal.Filter
	if v := q.Get("channel"); v != "" {
		tag, err := protocol.ParseTag(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unknown channel")
			return
		}
		f.Channel = &tag
	}
	if v := q.Get("status"); v != "" {
		switch st := journal.Status(v); st {
		case journal.StatusSucceeded, journal.StatusFailed, journal.StatusRejected:
			f.Status = st
		default:
			s.writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	entries, err := s.journal.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, JournalListResponse{Entries: entries, Count: len(entries)})
}

// handleGetJournal handles GET /journal/{id}.
func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	id := chi.URLParam(r, "id")
	entry, err := s.journal.Get(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get journal entry", "command_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get journal entry")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

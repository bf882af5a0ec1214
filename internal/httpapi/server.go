// Package httpapi serves the local control API of a running sync engine:
// state for UI collaborators, queue maintenance and platform connectivity
// reports.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/spotsync/internal/engine"
	"github.com/agentworkforce/spotsync/internal/queue"
	"github.com/agentworkforce/spotsync/internal/uistate"
)

// Backend is the part of the engine the control API drives.
type Backend interface {
	Status() engine.Status
	QueuedMutations() []queue.QueuedMutation
	Notices() []uistate.Notice
	Subscribe(buffer int) (<-chan uistate.Event, func())
	FlushQueue(ctx context.Context) (queue.FlushReport, error)
	DropQueued(ctx context.Context, id string) (bool, error)
	ReportNetwork(online bool)
	JoinSpot(ctx context.Context, spotID string) error
	LeaveSpot(ctx context.Context, spotID string) error
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every route but
	// /health.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
}

type Server struct {
	backend     Backend
	cfg         ServerConfig
	log         *zap.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(backend Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend Backend, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		backend:     backend,
		cfg:         cfg,
		log:         cfg.Logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); err != nil {
		writeError(w, err.status, err.code, err.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.backend.Status())
	case len(parts) == 2 && parts[1] == "queue" && r.Method == http.MethodGet:
		s.handleQueue(w)
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "flush" && r.Method == http.MethodPost:
		s.handleFlush(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "queue" && r.Method == http.MethodDelete:
		s.handleDrop(w, r, parts[2], correlationID)
	case len(parts) == 2 && parts[1] == "notices" && r.Method == http.MethodGet:
		s.handleNotices(w, r)
	case len(parts) == 2 && parts[1] == "network" && r.Method == http.MethodPost:
		s.handleNetwork(w, r, correlationID)
	case len(parts) == 4 && parts[1] == "spots" && parts[3] == "follow" && r.Method == http.MethodPost:
		s.handleFollow(w, r, parts[2], true, correlationID)
	case len(parts) == 4 && parts[1] == "spots" && parts[3] == "follow" && r.Method == http.MethodDelete:
		s.handleFollow(w, r, parts[2], false, correlationID)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleQueue(w http.ResponseWriter) {
	items := s.backend.QueuedMutations()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request, correlationID string) {
	report, err := s.backend.FlushQueue(r.Context())
	resp := map[string]any{
		"attempted": report.Attempted,
		"succeeded": report.Succeeded,
		"retried":   report.Retried,
		"failed":    report.Failed,
		"dropped":   report.Dropped,
		"aborted":   report.Aborted,
	}
	if err != nil {
		s.log.Warn("flush requested over control api stopped", zap.String("correlation_id", correlationID), zap.Error(err))
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	removed, err := s.backend.DropQueued(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "not_found", "no queued mutation "+id, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "dropped"})
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	notices := s.backend.Notices()
	limit := parseBoundedInt(r.URL.Query().Get("limit"), len(notices), 0, len(notices))
	writeJSON(w, http.StatusOK, map[string]any{
		"items": notices[len(notices)-limit:],
	})
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Online *bool `json:"online"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "online is required", correlationID)
		return
	}
	s.backend.ReportNetwork(*req.Online)
	writeJSON(w, http.StatusAccepted, map[string]bool{"online": *req.Online})
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request, spotID string, follow bool, correlationID string) {
	var err error
	if follow {
		err = s.backend.JoinSpot(r.Context(), spotID)
	} else {
		err = s.backend.LeaveSpot(r.Context(), spotID)
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "realtime_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spotId": spotID, "following": follow})
}

// handleEvents streams ui state changes as server-sent events, starting
// with a snapshot of the current status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", correlationID)
		return
	}
	events, cancel := s.backend.Subscribe(parseBoundedInt(r.URL.Query().Get("buffer"), 64, 1, 1024))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, "status", s.backend.Status()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, string(event.Kind), event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/schoolsync/internal/reconcile"
	"github.com/agentworkforce/schoolsync/internal/records"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Registry backs /metrics. Engine metrics should be registered on the
	// same registry to be exported.
	Registry *prometheus.Registry
	// OriginPatterns lists extra origins allowed to open the snapshot stream.
	OriginPatterns []string
	Logger         *slog.Logger
}

type Server struct {
	engine      *reconcile.Engine
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
	metrics     http.Handler
	requests    *prometheus.CounterVec
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

func NewServer(engine *reconcile.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *reconcile.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
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
		engine:      engine,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
		metrics:     promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{Registry: cfg.Registry}),
		requests: promauto.With(cfg.Registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests by route and response status.",
		}, []string{"route", "status"}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"state":  s.engine.State().String(),
		})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	var mutating bool
	switch {
	case len(parts) == 2 && parts[1] == "schools" && r.Method == http.MethodGet:
		route = "list"
	case len(parts) == 2 && parts[1] == "schools" && r.Method == http.MethodPost:
		route, mutating = "create", true
	case len(parts) == 3 && parts[1] == "schools" && parts[2] == "stream" && r.Method == http.MethodGet:
		route = "stream"
	case len(parts) == 3 && parts[1] == "schools" && parts[2] == "refresh" && r.Method == http.MethodPost:
		route, mutating = "refresh", true
	case len(parts) == 3 && parts[1] == "schools" && r.Method == http.MethodPatch:
		route, mutating = "update", true
	case len(parts) == 3 && parts[1] == "schools" && r.Method == http.MethodDelete:
		route, mutating = "delete", true
	case len(parts) == 2 && parts[1] == "draft" && r.Method == http.MethodGet:
		route = "draft"
	case len(parts) == 2 && parts[1] == "draft" && r.Method == http.MethodPut:
		route, mutating = "set_draft", true
	case len(parts) == 3 && parts[1] == "draft" && parts[2] == "submit" && r.Method == http.MethodPost:
		route, mutating = "submit_draft", true
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		s.requests.WithLabelValues(route, strconv.Itoa(rw.status)).Inc()
	}()

	if mutating && s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			rw.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(rw, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list":
		writeJSON(rw, http.StatusOK, s.engine.Snapshot())
	case "create":
		s.handleCreate(rw, r, correlationID)
	case "stream":
		rw.status = http.StatusSwitchingProtocols
		s.handleStream(w, r, correlationID)
	case "refresh":
		s.handleRefresh(rw, r, correlationID)
	case "update":
		s.handleUpdate(rw, r, parts[2], correlationID)
	case "delete":
		s.handleDelete(rw, r, parts[2], correlationID)
	case "draft":
		writeJSON(rw, http.StatusOK, draftBody{Name: s.engine.Draft()})
	case "set_draft":
		s.handleSetDraft(rw, r, correlationID)
	case "submit_draft":
		s.handleSubmitDraft(rw, r, correlationID)
	}
}

type draftBody struct {
	Name string `json:"name"`
}

type createResponse struct {
	Records []records.Record `json:"records"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, correlationID string) {
	var fields records.Fields
	if !s.decodeJSONBody(w, r, correlationID, &fields) {
		return
	}
	rows, err := s.engine.CreateRecord(r.Context(), fields)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{Records: nonNil(rows)})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, rawID, correlationID string) {
	id, ok := parseID(w, rawID, correlationID)
	if !ok {
		return
	}
	var patch records.Fields
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	row, err := s.engine.UpdateRecord(r.Context(), id, patch)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, rawID, correlationID string) {
	id, ok := parseID(w, rawID, correlationID)
	if !ok {
		return
	}
	if err := s.engine.DeleteRecord(r.Context(), id); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.engine.Refresh(r.Context()); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleSetDraft(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body draftBody
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	s.engine.SetDraft(body.Name)
	writeJSON(w, http.StatusOK, draftBody{Name: s.engine.Draft()})
}

func (s *Server) handleSubmitDraft(w http.ResponseWriter, r *http.Request, correlationID string) {
	rows, err := s.engine.SubmitDraft(r.Context())
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{Records: nonNil(rows)})
}

// handleStream upgrades to a websocket and pushes the current snapshot, then
// one snapshot per change. Snapshots the client has not yet received are
// coalesced into the latest.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("snapshot stream upgrade failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	pending := make(chan reconcile.Snapshot, 1)
	cancel := s.engine.Watch(func(snap reconcile.Snapshot) {
		select {
		case pending <- snap:
		default:
			select {
			case <-pending:
			default:
			}
			pending <- snap
		}
	})
	defer cancel()

	// Reads are discarded; the context ends when the client goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.writeSnapshot(ctx, conn, s.engine.Snapshot()); err != nil {
		s.logger.Debug("snapshot stream write failed", "correlation_id", correlationID, "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case snap := <-pending:
			if err := s.writeSnapshot(ctx, conn, snap); err != nil {
				s.logger.Debug("snapshot stream write failed", "correlation_id", correlationID, "error", err)
				return
			}
			if snap.State == reconcile.ShutDown {
				conn.Close(websocket.StatusGoingAway, "engine shut down")
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap reconcile.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, snap)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, records.ErrNameRequired):
		writeError(w, http.StatusBadRequest, "name_required", err.Error(), correlationID)
	case errors.Is(err, records.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, records.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, records.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "shut_down", err.Error(), correlationID)
	case errors.Is(err, records.ErrFetch):
		writeError(w, http.StatusBadGateway, "fetch_failed", err.Error(), correlationID)
	case errors.Is(err, records.ErrMutation):
		writeError(w, http.StatusBadGateway, "mutation_failed", err.Error(), correlationID)
	default:
		s.logger.Error("unexpected engine error", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func parseID(w http.ResponseWriter, raw, correlationID string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid record id", correlationID)
		return 0, false
	}
	return id, true
}

func nonNil(rows []records.Record) []records.Record {
	if rows == nil {
		return []records.Record{}
	}
	return rows
}

func clientKey(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
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

package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/roomstate/internal/roomstate"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// WatchOriginPatterns lists extra browser origins allowed to open the
	// watch websocket. Same-origin and non-browser clients are always allowed.
	WatchOriginPatterns []string
	WatchPingInterval   time.Duration
	Registry            *prometheus.Registry
	Logger              *zerolog.Logger
}

type Server struct {
	store       *roomstate.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      zerolog.Logger
	requests    *prometheus.CounterVec
	metrics     http.Handler
}

// rateLimiter hands out one token bucket per key. A bucket refills max
// tokens per window.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]*rateEntry
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewServer(store *roomstate.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *roomstate.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WatchPingInterval <= 0 {
		cfg.WatchPingInterval = 30 * time.Second
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]*rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger.With().Str("component", "httpapi").Logger(),
		requests: promauto.With(cfg.Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "roomstate_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		metrics: promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	correlationID := getCorrelationID(r)
	if correlationID != "" {
		rec.Header().Set("X-Correlation-Id", correlationID)
	}

	route := s.route(rec, r, correlationID)

	s.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	s.logger.Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("route", route).
		Int("status", rec.status).
		Dur("duration", time.Since(started)).
		Str("correlation_id", correlationID).
		Msg("request")
}

// route dispatches the request and returns the route label used for
// logging and metrics.
func (s *Server) route(w http.ResponseWriter, r *http.Request, correlationID string) string {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return "health"
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return "metrics"
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "scopes" || parts[3] != "state" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return "not_found"
	}
	scope, err := roomstate.ValidateScope(parts[2])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid scope", correlationID)
		return "bad_scope"
	}

	var route string
	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		route = "read_state"
	case len(parts) == 4 && r.Method == http.MethodPut:
		route = "write_state"
	case len(parts) == 5 && parts[4] == "watch" && r.Method == http.MethodGet:
		route = "watch_state"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return "not_found"
	}

	if s.rateLimiter != nil {
		key := scope + "|" + clientAddress(r)
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds() / float64(s.rateLimiter.max)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return route
		}
	}

	switch route {
	case "read_state":
		s.handleReadState(w, r, scope, correlationID)
	case "write_state":
		s.handleWriteState(w, r, scope, correlationID)
	case "watch_state":
		s.handleWatchState(w, r, scope, correlationID)
	}
	return route
}

func (s *Server) handleReadState(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	snapshot, err := s.store.Read(r.Context(), scope)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleWriteState(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	req, err := decodeWriteRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	req.Scope = scope
	req.CorrelationID = correlationID

	snapshot, err := s.store.Write(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *roomstate.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":             "revision_conflict",
			"message":          err.Error(),
			"correlationId":    correlationID,
			"expectedRevision": conflict.ExpectedRevision,
			"currentRevision":  conflict.CurrentRevision,
		})
		return
	}
	if errors.Is(err, roomstate.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("store failure")
	writeError(w, http.StatusInternalServerError, "internal_error", "state store unavailable", correlationID)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
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
	if !ok {
		every := r.window / time.Duration(r.max)
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Every(every), r.max)}
		r.entries[key] = entry
	}
	entry.lastSeen = now
	r.pruneLocked(now)
	return entry.limiter.AllowN(now, 1)
}

// pruneLocked drops buckets idle for more than two windows; by then they
// have refilled completely.
func (r *rateLimiter) pruneLocked(now time.Time) {
	if len(r.entries) < 1024 {
		return
	}
	for key, entry := range r.entries {
		if now.Sub(entry.lastSeen) > 2*r.window {
			delete(r.entries, key)
		}
	}
}

// statusRecorder captures the response status. It forwards Hijack so the
// watch route can upgrade to a websocket.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T cannot hijack", r.ResponseWriter)
	}
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

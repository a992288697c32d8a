// Package ws is the HTTP surface of the session core: REST endpoints for
// session lifecycle and the SSE and WebSocket push channels.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/monitor"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/orchestrator"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/resilience"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

// maxBodyBytes bounds create requests; problems are capped well below it.
const maxBodyBytes = 64 << 10

type Server struct {
	orch           *orchestrator.Orchestrator
	watchdog       *monitor.Watchdog
	gatherer       prometheus.Gatherer
	limiter        *limiter
	logger         *slog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

type Option func(*Server)

// WithAllowedOrigins restricts WebSocket upgrades to the given origins.
// Without it only same-host and loopback origins are accepted.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		for _, origin := range origins {
			trimmed := strings.TrimSpace(origin)
			if trimmed == "" {
				continue
			}
			s.allowedOrigins[trimmed] = true
			if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
				s.allowedHosts[parsed.Host] = true
			}
		}
	}
}

// WithRateLimit limits session creation to r per second per client
// address, with the given burst.
func WithRateLimit(r float64, burst int) Option {
	return func(s *Server) { s.limiter = newLimiter(r, burst) }
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithWatchdog(w *monitor.Watchdog) Option {
	return func(s *Server) { s.watchdog = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(o *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:           o,
		logger:         slog.Default(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRateLimit changes the create limit of a running server.
func (s *Server) SetRateLimit(r float64, burst int) {
	if s.limiter != nil {
		s.limiter.set(r, burst)
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSSE)
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions/{id}/chain", s.handleChain)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routes wrapped with the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

type createResponse struct {
	SessionID string           `json:"sessionId"`
	Session   *session.Session `json:"session"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.allow(clientKey(r)) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error: "Too many sessions were started in a short time. Please wait a moment and try again.",
		})
		return
	}

	var req orchestrator.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.logger.Debug("malformed create request", "error", err)
		s.writeFailure(r.Context(), w, resilience.Validation("decode request", errMalformedBody))
		return
	}

	sess, err := s.orch.Start(req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrClosed) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "The service is shutting down. Please try again shortly."})
			return
		}
		s.writeFailure(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{SessionID: sess.ID, Session: sess})
}

var errMalformedBody = errors.New("request body is not valid JSON")

// writeFailure answers with the user-safe message for err. Validation
// failures also say which field was rejected, by its JSON name.
func (s *Server) writeFailure(ctx context.Context, w http.ResponseWriter, err error) {
	out := s.orch.Handler().HandleError(ctx, err)
	resp := errorResponse{
		Error:    out.UserMessage,
		Kind:     out.Kind.String(),
		Strategy: string(out.Strategy),
	}
	status := http.StatusServiceUnavailable
	if out.Kind == resilience.KindValidation {
		status = http.StatusBadRequest
		var fe *orchestrator.FieldError
		switch {
		case errors.As(err, &fe):
			resp.Detail = fe.Error()
		case errors.Is(err, errMalformedBody):
			resp.Detail = errMalformedBody.Error()
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Registry().List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.orch.Registry().Get(r.PathValue("id"))
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Delete(r.PathValue("id")); err != nil {
		writeNotFound(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	c, ok := s.orch.Chains().Get(r.PathValue("id"))
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type healthResponse struct {
	Status          string            `json:"status"`
	CircuitOpen     bool              `json:"circuitOpen"`
	BasicMode       bool              `json:"basicMode"`
	BasicModeReason string            `json:"basicModeReason,omitempty"`
	ErrorStats      resilience.Stats  `json:"errorStats"`
	Errors          resilience.Report `json:"errors"`
	Sessions        sessionCounts     `json:"sessions"`
	Clients         int               `json:"clients"`
	Resources       *monitor.Usage    `json:"resources,omitempty"`
	Time            string            `json:"time"`
}

type sessionCounts struct {
	Total      int `json:"total"`
	Processing int `json:"processing"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.orch.Handler()
	resp := healthResponse{
		Status:          "ok",
		CircuitOpen:     h.IsCircuitOpen(),
		BasicMode:       h.IsInBasicMode(),
		BasicModeReason: h.BasicModeReason(),
		ErrorStats:      h.ErrorStats(),
		Errors:          h.Health(),
		Sessions: sessionCounts{
			Total:      s.orch.Registry().Len(),
			Processing: s.orch.Registry().ActiveCount(),
		},
		Clients: s.orch.Broadcaster().TotalClients(),
		Time:    session.FormatTime(time.Now()),
	}
	if resp.CircuitOpen || resp.BasicMode {
		resp.Status = "degraded"
	}
	if s.watchdog != nil {
		if u, ok := s.watchdog.Last(); ok {
			resp.Resources = &u
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "Session not found."})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// clientKey is the rate limit key of r: the remote IP without port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

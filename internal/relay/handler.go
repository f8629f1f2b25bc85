// HTTP surface for the relay.
//
// DESIGN: Request flow for POST /v1/chat:
//   - authenticate the bearer token (401 missing, 403 rejected)
//   - parse and validate the turn request (400 without a user message)
//   - admit through the rate limiter (429 with Retry-After when denied)
//   - hand off to the orchestrator over an SSE sink
//
// Errors before the first streamed event map to HTTP status codes; after
// that they travel in-band as error events.
package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/threadline/relay/internal/auth"
	"github.com/threadline/relay/internal/config"
	"github.com/threadline/relay/internal/utils"
)

// Server exposes the relay over HTTP.
type Server struct {
	orch      *Orchestrator
	validator auth.Validator

	// health pings the recorder backend; nil when the relay runs without
	// a store.
	health func(ctx context.Context) error
}

// NewServer creates the HTTP surface over an orchestrator. health may be
// nil.
func NewServer(orch *Orchestrator, validator auth.Validator, health func(ctx context.Context) error) *Server {
	return &Server{orch: orch, validator: validator, health: health}
}

// Routes builds the relay mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/chat/ws", s.handleChatWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, ok := s.admit(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := s.orch.Execute(r.Context(), req, newSSESink(w)); err != nil {
		// Streaming never started; the status line is still ours to write.
		log.Error().Err(err).Str("agent_id", req.AgentID).Msg("relay: turn could not start")
		s.writeError(w, "agent runtime unavailable", http.StatusInternalServerError)
	}
}

// admit runs the full pre-stream gate for body-carrying requests: auth,
// rate limiting, body parsing, validation. Writes the error response itself
// when the request is rejected.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (*TurnRequest, bool) {
	if !s.gate(w, r) {
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}

	if ok := s.finishTurnRequest(w, r, &req); !ok {
		return nil, false
	}
	return &req, true
}

// gate authenticates and rate-limits a request before any body is read.
func (s *Server) gate(w http.ResponseWriter, r *http.Request) bool {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		s.writeError(w, "missing bearer token", http.StatusUnauthorized)
		return false
	}
	if !s.validator.Validate(token) {
		log.Warn().Str("token", utils.MaskKey(token)).Msg("relay: rejected bearer token")
		s.writeError(w, "invalid token", http.StatusForbidden)
		return false
	}

	decision := s.orch.Admit(clientKey(r))
	if decision.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.Allowed {
		retryAfter := int(time.Until(decision.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.writeError(w, ErrRateLimited.Error(), http.StatusTooManyRequests)
		return false
	}
	return true
}

// finishTurnRequest validates a decoded request and fills the derived
// fields. On failure a 400 has been written.
func (s *Server) finishTurnRequest(w http.ResponseWriter, r *http.Request, req *TurnRequest) bool {
	userText, err := ExtractUserText(req.Messages)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	req.UserText = userText
	req.CallerKey = clientKey(r)
	return true
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg, "type": "relay_error"},
	})
}

// handleHealth returns relay health status, degraded when the recorder
// backend is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			log.Warn().Err(err).Msg("relay: health ping failed")
			status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	body := map[string]any{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	}
	if s.orch.metrics != nil {
		body["uptime"] = time.Since(s.orch.metrics.StartedAt()).Round(time.Second).String()
	}
	_ = json.NewEncoder(w).Encode(body)
}

// clientKey identifies the caller for rate limiting: the first hop of
// X-Forwarded-For when present, the remote address otherwise.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLoopback reports whether the remote address is a loopback interface.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

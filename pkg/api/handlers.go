package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/warden/pkg/requalify"
	"github.com/Mindburn-Labs/warden/pkg/session"
)

// Server exposes one Session over HTTP.
type Server struct {
	session   *session.Session
	validator *JWTValidator
	limiter   *CallerLimiter
}

// NewServer wires the API around a session.
func NewServer(s *session.Session, validator *JWTValidator, limiter *CallerLimiter) *Server {
	return &Server{session: s, validator: validator, limiter: limiter}
}

// Handler returns the routed handler with auth and rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/decide", s.handleDecide)
	mux.HandleFunc("/v1/report", s.handleReport)
	mux.HandleFunc("/v1/status/", s.handleStatus)
	mux.HandleFunc("/v1/verify", s.handleVerify)

	var h http.Handler = mux
	h = NewAuthMiddleware(s.validator)(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return RequestID(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleDecide governs one prospective run.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req session.GovernRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Command == "" {
		WriteBadRequest(w, "Missing required field: command")
		return
	}
	if req.Mode == "" {
		WriteBadRequest(w, "Missing required field: autonomy_mode")
		return
	}

	result, err := s.session.Govern(r.Context(), req)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// ReportRequest feeds a completed run outcome back into the core.
type ReportRequest struct {
	Fingerprint string            `json:"fingerprint"`
	Outcome     requalify.Outcome `json:"outcome"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Fingerprint == "" {
		WriteBadRequest(w, "Missing required field: fingerprint")
		return
	}

	result, err := s.session.Report(r.Context(), req.Fingerprint, req.Outcome)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	fp := strings.TrimPrefix(r.URL.Path, "/v1/status/")
	if fp == "" {
		WriteNotFound(w, "Fingerprint is required")
		return
	}

	status, err := s.session.StatusOf(fp)
	if err != nil {
		// A corrupt record still gets a response: the fail-closed
		// SUSPENDED view, flagged for the operator.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"requalification": status.Requalification,
			"confidence":      status.Confidence,
			"corrupt":         true,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	result, err := s.session.VerifyLedger(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/csai/reqguard/internal/auth"
	"github.com/csai/reqguard/internal/config"
	"github.com/csai/reqguard/internal/guard"
	"github.com/csai/reqguard/internal/metrics"
	"github.com/csai/reqguard/internal/reject"
	"github.com/csai/reqguard/internal/signature"
)

type Guard interface {
	IssueNonce(owner string) (string, error)
	ResetNonces(ctx context.Context) error
	Stats() metrics.Snapshot
	ResetStats()
	RegisterClientKey(clientID string, alg signature.Algorithm, publicKey []byte) error
	RevokeClient(clientID string) error
	Health(ctx context.Context) (int, error)
}

type Server struct {
	cfg       config.Config
	guard     Guard
	metrics   *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg config.Config, g *guard.Guard, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, guard: g, metrics: reg, logger: logger, startedAt: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle(s.cfg.Observability.MetricsPath, s.metrics.Handler())

	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.Handle("/v1/stats/reset", auth.RequireServer(http.HandlerFunc(s.handleStatsReset)))
	mux.HandleFunc("/v1/nonces", s.handleIssueNonce)
	mux.Handle("/v1/nonces/reset", auth.RequireServer(http.HandlerFunc(s.handleNonceReset)))
	mux.Handle("/v1/clients", auth.RequireServer(http.HandlerFunc(s.handleRegisterClient)))
	mux.Handle("/v1/clients/", auth.RequireServer(http.HandlerFunc(s.handleClientByID)))
	mux.HandleFunc("/v1/echo", s.handleEcho)
	return mux
}

// Handler puts every /v1 route behind throttling and admission. Health and
// metrics stay public.
func (s *Server) Handler(authn *auth.Authenticator, rl *auth.RateLimiter) http.Handler {
	routes := s.Routes()
	protected := rl.Middleware(authn.Middleware(routes))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == s.cfg.Observability.MetricsPath {
			routes.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	size, err := s.guard.Health(r.Context())
	status, code := "ok", http.StatusOK
	if err != nil {
		s.logger.Warn("store_health_failed", slog.String("error", err.Error()))
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:    status,
		Version:   s.cfg.Server.Version,
		Uptime:    int64(time.Since(s.startedAt).Seconds()),
		StoreOK:   err == nil,
		StoreSize: size,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{OK: true, Stats: s.guard.Stats()})
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	s.guard.ResetStats()
	s.logger.Info("stats_reset")
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleNonceReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	if err := s.guard.ResetNonces(r.Context()); err != nil {
		s.logger.Error("nonce_reset_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Nonce store unavailable.", nil)
		return
	}
	s.logger.Warn("nonce_store_reset")
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleIssueNonce issues for the caller's own identity. Only server
// callers may name another owner.
func (s *Server) handleIssueNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	var req IssueNonceRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	owner := id.Subject
	if req.Owner != "" {
		if !id.Server && req.Owner != id.Subject {
			writeError(w, http.StatusForbidden, "forbidden", "Cannot issue nonces for another owner.", nil)
			return
		}
		owner = req.Owner
	}
	n, err := s.guard.IssueNonce(owner)
	if err != nil {
		s.writeGuardErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, IssueNonceResponse{OK: true, Owner: owner, Nonce: n})
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req RegisterClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if req.ClientID == "" || req.Algorithm == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"client_id", "algorithm", "public_key"}})
		return
	}
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "public_key must be hex.", nil)
		return
	}
	alg, err := signature.ParseAlgorithm(req.Algorithm)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_client_key", "Unsupported algorithm.", nil)
		return
	}
	if err := s.guard.RegisterClientKey(req.ClientID, alg, pub); err != nil {
		s.writeGuardErr(w, err)
		return
	}
	s.logger.Info("client_registered", slog.String("client_id", req.ClientID), slog.String("algorithm", string(alg)))
	writeJSON(w, http.StatusCreated, ClientResponse{OK: true, ClientID: req.ClientID})
}

func (s *Server) handleClientByID(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimPrefix(r.URL.Path, "/v1/clients/")
	if clientID == "" || strings.Contains(clientID, "/") {
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	if err := s.guard.RevokeClient(clientID); err != nil {
		s.writeGuardErr(w, err)
		return
	}
	s.logger.Info("client_revoked", slog.String("client_id", clientID))
	writeJSON(w, http.StatusOK, ClientResponse{OK: true, ClientID: clientID})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var body map[string]any
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if body == nil {
		body = map[string]any{}
	}
	id, _ := auth.IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, EchoResponse{OK: true, Subject: id.Subject, Body: body})
}

func (s *Server) writeGuardErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reject.ErrConfiguration):
		writeError(w, http.StatusUnprocessableEntity, "invalid_client_key", "Client key rejected.", map[string]any{"error": err.Error()})
	case reject.Is(err, reject.InvalidFormat):
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request.", nil)
	default:
		s.logger.Error("guard_error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Operation failed.", nil)
	}
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string, details any) {
	writeJSON(w, code, ErrorEnvelope{Error: ErrorBody{Code: errCode, Message: message, Details: details}})
}

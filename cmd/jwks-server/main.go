package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

// maxTTL bounds dev tokens so a leaked one does not live forever.
const maxTTL = 24 * time.Hour

type tokenRequest struct {
	TenantID string `json:"tenant_id"`
	TTL      int    `json:"ttl_seconds,omitempty"` // defaults to 1 hour
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	ExpiresAt string `json:"expires_at"`
	TokenType string `json:"token_type"`
}

type server struct {
	issuer *auth.Issuer
	logger *logging.Logger
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("GET /public-key", s.handlePublicKey)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, s.issuer.JWKS())
}

// handlePublicKey serves the PEM form, for JWT_PUBLIC_KEY.
func (s *server) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	pemKey, err := s.issuer.PublicKeyPEM()
	if err != nil {
		http.Error(w, "failed to encode public key", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write([]byte(pemKey))
}

func (s *server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	tenant := webhook.TenantID(strings.TrimSpace(req.TenantID))
	if !tenant.Valid() {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if req.TTL < 0 {
		http.Error(w, "ttl_seconds must not be negative", http.StatusBadRequest)
		return
	}
	ttl := time.Duration(req.TTL) * time.Second
	if ttl == 0 {
		ttl = auth.DefaultTokenTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	token, exp, err := s.issuer.IssueToken(tenant, ttl)
	if err != nil {
		s.logger.Plain().WithTenant(tenant.String()).WithError(err).Error("token signing failed")
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	s.logger.Plain().WithTenant(tenant.String()).WithField("ttl_seconds", int(ttl.Seconds())).Info("token issued")

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresIn: int(ttl.Seconds()),
		ExpiresAt: exp.UTC().Format(time.RFC3339),
		TokenType: "Bearer",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	logger := logging.New("harbordispatch-jwks")
	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	key, generated, err := auth.LoadOrGenerateKey(cfg.Auth.PrivateKeyPEM)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to load signing key")
	}
	if generated {
		logger.Plain().Warn("JWT_PRIVATE_KEY not set, generated an ephemeral RSA key pair")
	}

	s := &server{
		issuer: auth.NewIssuer(key, cfg.Auth.KeyID, cfg.Auth.Issuer, cfg.Auth.Audience),
		logger: logger,
	}
	srv := &http.Server{Addr: cfg.Auth.IssuerPort, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}

	logger.Plain().WithFields(map[string]any{
		"addr": srv.Addr,
		"jwks": "/.well-known/jwks.json",
	}).Info("JWKS server starting")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("Server failed to start")
	}
}

package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_dispatch/internal/api"
	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/dispatch"
	"github.com/austindbirch/harbor_dispatch/internal/ledger"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/registry"
	"github.com/austindbirch/harbor_dispatch/internal/store/memory"
)

func testLogger() *logging.Logger { return logging.NewWithOutput("test", io.Discard) }

func TestOpenStore_Memory(t *testing.T) {
	st, closeFn, err := openStore(context.Background(), config.Config{Store: config.StoreMemory}, testLogger())
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer closeFn()
	if _, ok := st.(*memory.Store); !ok {
		t.Errorf("openStore() = %T, want *memory.Store", st)
	}
}

func TestOpenStore_PostgresUnreachable(t *testing.T) {
	cfg := config.Config{Store: config.StorePostgres, DB: config.DB{
		User: "u", Pass: "p", Host: "127.0.0.1", Port: "1", Name: "none",
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := openStore(ctx, cfg, testLogger()); err == nil {
		t.Error("openStore() error = nil, want connection error")
	}
}

func TestNewPipeline(t *testing.T) {
	cfg := config.Dispatch{
		BackoffBase:    2 * time.Second,
		MaxBackoff:     time.Minute,
		JitterPct:      0,
		AttemptTimeout: 5 * time.Second,
	}
	p := newPipeline(cfg, ledger.New(memory.New(), 0), nil, testLogger())

	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{10, time.Minute},
	}
	for _, tt := range tests {
		if got := p.Policy.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if p.Notifier != nil {
		t.Error("Notifier set without publisher")
	}
}

func TestAuthMiddleware(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	iss := auth.NewIssuer(key, "k1", auth.DefaultIssuer, auth.DefaultAudience)
	pemKey, _ := iss.PublicKeyPEM()
	token, _, _ := iss.IssueToken("tenant-a", time.Minute)

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(iss.JWKS())
	}))
	defer jwks.Close()

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, _ := auth.TenantFromContext(r.Context())
		w.Write([]byte(tenant))
	})

	tests := []struct {
		name    string
		cfg     config.Auth
		header  string
		value   string
		want    int
		wantErr bool
	}{
		{"disabled uses tenant header", config.Auth{}, auth.TenantHeader, "tenant-h", http.StatusOK, false},
		{"disabled without header", config.Auth{}, "", "", http.StatusUnauthorized, false},
		{"public key", config.Auth{Enabled: true, PublicKeyPEM: pemKey, Issuer: auth.DefaultIssuer, Audience: auth.DefaultAudience}, "Authorization", "Bearer " + token, http.StatusOK, false},
		{"jwks", config.Auth{Enabled: true, JWKSURL: jwks.URL, Issuer: auth.DefaultIssuer, Audience: auth.DefaultAudience}, "Authorization", "Bearer " + token, http.StatusOK, false},
		{"jwks rejects header", config.Auth{Enabled: true, JWKSURL: jwks.URL, Issuer: auth.DefaultIssuer, Audience: auth.DefaultAudience}, auth.TenantHeader, "tenant-h", http.StatusUnauthorized, false},
		{"bad key", config.Auth{Enabled: true, PublicKeyPEM: "nope"}, "", "", 0, true},
		{"jwks unreachable", config.Auth{Enabled: true, JWKSURL: "http://127.0.0.1:1/jwks"}, "", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw, err := authMiddleware(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("authMiddleware() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			req := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			mw(echo).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRouter(t *testing.T) {
	logger := testLogger()
	st := memory.New()
	l := ledger.New(st, 0)
	d := dispatch.New(st, newPipeline(config.Dispatch{BackoffBase: time.Millisecond, MaxBackoff: time.Second, AttemptTimeout: time.Second}, l, nil, logger), logger)
	defer d.Shutdown(context.Background())

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metrics.RecordEventTriggered(metrics.EventDispatched)

	router := newRouter(api.NewHandlers(registry.New(st, l, d, logger), d, logger), auth.TenantHeaderMiddleware, st, reg)
	srv := httptest.NewServer(router)
	defer srv.Close()

	tests := []struct {
		path     string
		tenant   string
		want     int
		contains string
	}{
		{"/healthz", "", http.StatusOK, `"ok":true`},
		{"/metrics", "", http.StatusOK, "harbordispatch_events_triggered_total"},
		{"/v1/webhooks", "", http.StatusUnauthorized, "error"},
		{"/v1/webhooks", "tenant-a", http.StatusOK, `"webhooks":[]`},
	}
	for _, tt := range tests {
		t.Run(tt.path+tt.tenant, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
			if tt.tenant != "" {
				req.Header.Set(auth.TenantHeader, tt.tenant)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body = %s, want it to contain %q", body, tt.contains)
			}
		})
	}
}

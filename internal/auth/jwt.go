package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

// TenantHeader carries a tenant id resolved by a trusted proxy.
const TenantHeader = "X-Tenant-ID"

type contextKey string

const tenantIDKey contextKey = "tenant_id"

var ErrUnauthenticated = errors.New("unauthenticated")

// WithTenant stores the resolved tenant in ctx.
func WithTenant(ctx context.Context, tenant webhook.TenantID) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenant)
}

// TenantFromContext returns the tenant resolved by the auth middleware.
func TenantFromContext(ctx context.Context) (webhook.TenantID, bool) {
	tenant, ok := ctx.Value(tenantIDKey).(webhook.TenantID)
	return tenant, ok && tenant.Valid()
}

// JWTValidator validates RS256 tokens and extracts the tenant_id claim.
type JWTValidator struct {
	keys        map[string]*rsa.PublicKey // by kid; "" matches tokens without one
	issuer      string
	audience    string
	trustHeader bool
}

// NewJWTValidator creates a validator from a PEM encoded RSA public key.
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	publicKey, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{
		keys:     map[string]*rsa.PublicKey{"": publicKey},
		issuer:   issuer,
		audience: audience,
	}, nil
}

// NewJWTValidatorFromKeys creates a validator from a kid-indexed key set.
func NewJWTValidatorFromKeys(keys map[string]*rsa.PublicKey, issuer, audience string) (*JWTValidator, error) {
	if len(keys) == 0 {
		return nil, errors.New("no verification keys")
	}
	return &JWTValidator{keys: keys, issuer: issuer, audience: audience}, nil
}

// TrustTenantHeader makes the middleware accept X-Tenant-ID from an
// upstream gateway that already verified the caller.
func (v *JWTValidator) TrustTenantHeader(trust bool) *JWTValidator {
	v.trustHeader = trust
	return v
}

func ParsePublicKeyPEM(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err == nil {
		return publicKey, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

func (v *JWTValidator) keyFor(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	if len(v.keys) == 1 {
		for _, key := range v.keys {
			return key, nil
		}
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

// ValidateToken validates a JWT and returns its tenant.
func (v *JWTValidator) ValidateToken(tokenString string) (webhook.TenantID, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, v.keyFor,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	tenantID, ok := claims["tenant_id"].(string)
	if !ok || strings.TrimSpace(tenantID) == "" {
		return "", fmt.Errorf("missing or invalid tenant_id claim")
	}
	return webhook.TenantID(tenantID), nil
}

// HTTPMiddleware resolves the tenant from the bearer token, or from
// X-Tenant-ID when the header is trusted.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.trustHeader {
			if tenantID := strings.TrimSpace(r.Header.Get(TenantHeader)); tenantID != "" {
				next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), webhook.TenantID(tenantID))))
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing Authorization header")
			return
		}
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			unauthorized(w, "invalid Authorization header format")
			return
		}

		tenantID, err := v.ValidateToken(tokenString)
		if err != nil {
			unauthorized(w, "invalid token: "+err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

// TenantHeaderMiddleware is used when token auth is disabled: the tenant
// comes straight from X-Tenant-ID.
func TenantHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" {
			unauthorized(w, "missing "+TenantHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), webhook.TenantID(tenantID))))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="harbordispatch"`)
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

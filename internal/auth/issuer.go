package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

const (
	DefaultIssuer   = "harbordispatch"
	DefaultAudience = "harbordispatch-api"
	DefaultKeyID    = "harbordispatch-key-1"
	DefaultTokenTTL = time.Hour
)

// Issuer signs tenant tokens for development and publishes the matching JWKS.
type Issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	now      func() time.Time
}

func NewIssuer(key *rsa.PrivateKey, keyID, issuer, audience string) *Issuer {
	return &Issuer{key: key, keyID: keyID, issuer: issuer, audience: audience, now: time.Now}
}

// LoadOrGenerateKey parses a PKCS1 or PKCS8 RSA private key, or generates a
// 2048-bit key when privateKeyPEM is empty.
func LoadOrGenerateKey(privateKeyPEM string) (*rsa.PrivateKey, bool, error) {
	if strings.TrimSpace(privateKeyPEM) == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, false, fmt.Errorf("generate RSA key: %w", err)
		}
		return key, true, nil
	}

	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return key, false, nil
}

// IssueToken returns a signed RS256 token carrying tenant_id.
func (i *Issuer) IssueToken(tenant webhook.TenantID, ttl time.Duration) (string, time.Time, error) {
	if !tenant.Valid() {
		return "", time.Time{}, webhook.ErrTenantRequired
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := i.now()
	exp := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       i.issuer,
		"aud":       i.audience,
		"sub":       tenant.String(),
		"tenant_id": tenant.String(),
		"iat":       now.Unix(),
		"exp":       exp.Unix(),
	})
	token.Header["kid"] = i.keyID

	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (i *Issuer) JWKS() JSONWebKeySet {
	return JSONWebKeySet{Keys: []JSONWebKey{NewJSONWebKey(i.keyID, &i.key.PublicKey)}}
}

// PublicKeyPEM returns the verification key in PKIX PEM form, suitable for JWT_PUBLIC_KEY.
func (i *Issuer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&i.key.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Validator returns a validator that accepts this issuer's tokens.
func (i *Issuer) Validator() *JWTValidator {
	v, _ := NewJWTValidatorFromKeys(map[string]*rsa.PublicKey{i.keyID: &i.key.PublicKey}, i.issuer, i.audience)
	return v
}

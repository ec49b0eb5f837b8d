package security

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

// CallerClaims is the bearer token payload minted by the platform identity service.
type CallerClaims struct {
	Role       string `json:"role"`
	GuardianID string `json:"guardian_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 (shared secret) or RS256 (public key) bearer tokens.
type JWTVerifier struct {
	method   jwt.SigningMethod
	key      any
	issuer   string
	audience string
}

var _ ports.CallerVerifier = (*JWTVerifier)(nil)

type VerifierOption func(*JWTVerifier)

func WithIssuer(issuer string) VerifierOption {
	return func(v *JWTVerifier) { v.issuer = issuer }
}

func WithAudience(audience string) VerifierOption {
	return func(v *JWTVerifier) { v.audience = audience }
}

func NewHMACVerifier(secret string, opts ...VerifierOption) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	v := &JWTVerifier{method: jwt.SigningMethodHS256, key: []byte(secret)}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func NewRSAVerifier(publicKeyPEM string, opts ...VerifierOption) (*JWTVerifier, error) {
	pub, err := parseRSAPublic(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	v := &JWTVerifier{method: jwt.SigningMethodRS256, key: pub}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *JWTVerifier) Verify(raw string) (ports.CallerClaims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	parsed, err := jwt.ParseWithClaims(raw, &CallerClaims{}, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, parserOpts...)
	if err != nil {
		return ports.CallerClaims{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*CallerClaims)
	if !ok || !parsed.Valid {
		return ports.CallerClaims{}, fmt.Errorf("%w: invalid token claims", domain.ErrUnauthorized)
	}

	out := ports.CallerClaims{Subject: claims.Subject, Role: claims.Role}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	switch claims.Role {
	case ports.RoleGuardian:
		id, err := uuid.Parse(claims.GuardianID)
		if err != nil {
			return ports.CallerClaims{}, fmt.Errorf("%w: guardian token without guardian_id", domain.ErrUnauthorized)
		}
		out.GuardianID = id
	case ports.RoleScheduler, ports.RoleAdmin:
	default:
		return ports.CallerClaims{}, fmt.Errorf("%w: unknown role %q", domain.ErrUnauthorized, claims.Role)
	}
	return out, nil
}

func parseRSAPublic(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("invalid public PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}

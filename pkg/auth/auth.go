// Package auth resolves bearer tokens into viewer identities. Two
// token forms are accepted: signed JWTs carrying tenant and role
// claims, and a single static token kept for deployments that predate
// tenancy. The static token maps to the catch-all identity that sees
// every event.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/broadcast"
)

// ErrInvalidToken is returned when no verifier accepts a token.
var ErrInvalidToken = errors.New("auth: invalid token")

// RoleAdmin grants visibility into every tenant's events.
const RoleAdmin = "admin"

// Claims is the resolved content of an accepted token.
type Claims struct {
	ClientID    string
	TenantID    string
	Role        string
	Permissions []string

	// Legacy marks claims minted from the static shared token. Only
	// legacy claims may resolve to the catch-all scope.
	Legacy bool
}

// Identity converts the claims into a broadcast scope. A non-admin JWT
// without an explicit tenant_id claim is scoped to its client_id, so
// issuers that only set client_id still get tenant isolation; the
// catch-all scope is reserved for the static legacy token.
func (c Claims) Identity() broadcast.Identity {
	id := broadcast.Identity{
		TenantID: c.TenantID,
		Admin:    c.Role == RoleAdmin,
	}
	if id.TenantID == "" && !id.Admin && !c.Legacy {
		id.TenantID = c.ClientID
	}
	return id
}

// Verifier validates a bearer token and resolves its claims.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// StaticVerifier accepts one shared secret token and maps it to the
// legacy catch-all identity.
type StaticVerifier struct {
	token string
}

// NewStaticVerifier creates a verifier for the given shared token.
func NewStaticVerifier(token string) *StaticVerifier {
	return &StaticVerifier{token: token}
}

// Verify accepts only an exact match of the configured token.
func (v *StaticVerifier) Verify(token string) (Claims, error) {
	if v.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(v.token)) != 1 {
		return Claims{}, ErrInvalidToken
	}
	return Claims{ClientID: "legacy", Legacy: true}, nil
}

// jwtClaims is the registered plus private claim set this service
// issues and accepts.
type jwtClaims struct {
	ClientID    string   `json:"client_id"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256-signed tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token. Only HS256 is accepted; an
// alg header of "none" or an RSA variant fails before any claim is
// read.
func (v *JWTVerifier) Verify(token string) (Claims, error) {
	if len(v.secret) == 0 {
		return Claims{}, ErrInvalidToken
	}

	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		ClientID:    claims.ClientID,
		TenantID:    claims.TenantID,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}

// CreateToken issues a signed token for a client, valid for ttl.
// Used by provisioning tooling and tests.
func (v *JWTVerifier) CreateToken(clientID, tenantID, role string, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		ClientID:    clientID,
		TenantID:    tenantID,
		Role:        role,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// MultiVerifier tries each verifier in order and returns the first
// accepted claims.
type MultiVerifier []Verifier

// Verify returns the claims from the first verifier that accepts the
// token, or ErrInvalidToken when none do.
func (m MultiVerifier) Verify(token string) (Claims, error) {
	for _, v := range m {
		if v == nil {
			continue
		}
		if claims, err := v.Verify(token); err == nil {
			return claims, nil
		}
	}
	return Claims{}, ErrInvalidToken
}

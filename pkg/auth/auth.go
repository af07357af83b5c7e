// Package auth signs and verifies the control plane's bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/G-Research/Pulp-manager/pkg/config"
)

// Sentinel errors returned from token validation.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
	ErrNoSecret     = errors.New("jwt secret is not configured")
)

// Authenticator validates a username and password against an identity
// backend and returns the groups the user belongs to. The backend is
// host-provided (LDAP in most deployments); pulp-manager only consumes
// the result.
type Authenticator interface {
	Authenticate(username, password string) (groups []string, err error)
}

// Claims is the payload carried in a signed pulp-manager token.
type Claims struct {
	Username string   `json:"username"`
	Groups   []string `json:"groups"`
	jwt.RegisteredClaims
}

// Manager signs and verifies API tokens.
type Manager struct {
	secret      []byte
	method      jwt.SigningMethod
	lifetime    time.Duration
	adminGroups map[string]bool
}

// NewManager builds a token manager from the auth config.
func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrNoSecret
	}

	var method jwt.SigningMethod
	switch cfg.JWTAlgorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %s", cfg.JWTAlgorithm)
	}

	admin := make(map[string]bool, len(cfg.AdminGroups))
	for _, group := range cfg.AdminGroups {
		admin[group] = true
	}

	return &Manager{
		secret:      []byte(cfg.JWTSecret),
		method:      method,
		lifetime:    time.Duration(cfg.JWTTokenLifetimeMins) * time.Minute,
		adminGroups: admin,
	}, nil
}

// Sign issues a token for an authenticated user.
func (m *Manager) Sign(username string, groups []string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Username: username,
		Groups:   groups,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
		},
	}
	return jwt.NewWithClaims(m.method, claims).SignedString(m.secret)
}

// Decode verifies a token's signature and expiry and returns its claims.
func (m *Manager) Decode(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IsAdmin reports whether any of the claims' groups is an admin group.
func (m *Manager) IsAdmin(claims *Claims) bool {
	for _, group := range claims.Groups {
		if m.adminGroups[group] {
			return true
		}
	}
	return false
}

package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator resolves a connection's role from its bearer token.
type Authenticator struct {
	secret      []byte
	requireAuth bool
	defaultRole Role
}

// NewAuthenticator creates an Authenticator. When requireAuth is false,
// connections without a token get defaultRole; presented tokens are still
// verified.
func NewAuthenticator(secret string, requireAuth bool, defaultRole Role) *Authenticator {
	if defaultRole == "" {
		defaultRole = RoleUser
	}
	return &Authenticator{
		secret:      []byte(secret),
		requireAuth: requireAuth,
		defaultRole: defaultRole,
	}
}

// Authenticate extracts the role for an upgrade request. Token sources, in
// order: Authorization: Bearer header, then ?token= query parameter
// (browser WebSocket clients cannot set headers).
func (a *Authenticator) Authenticate(r *http.Request) (Role, error) {
	raw := bearerToken(r)
	if raw == "" {
		if a.requireAuth {
			return "", fmt.Errorf("missing bearer token")
		}
		return a.defaultRole, nil
	}
	return a.roleFromToken(raw)
}

func (a *Authenticator) roleFromToken(raw string) (Role, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	role, _ := claims["role"].(string)
	switch Role(role) {
	case RoleUser, RoleAdmin, RoleInternal:
		return Role(role), nil
	case "":
		return a.defaultRole, nil
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

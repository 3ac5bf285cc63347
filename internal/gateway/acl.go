package gateway

import "strings"

// Role is a connection's privilege level, taken from the JWT "role" claim
// or the configured default when auth is disabled.
type Role string

const (
	RoleUser     Role = "user"
	RoleAdmin    Role = "admin"
	RoleInternal Role = "internal"
)

// ACL maps roles to the channel patterns they may subscribe to.
type ACL map[Role][]string

// DefaultACL is the shipped policy: users see market data and indicators,
// admins additionally see engine traffic, internal sees everything.
func DefaultACL() ACL {
	return ACL{
		RoleUser: {
			"market:tick:*", "market:depth:*", "market:ohlc:*", "indicators:*",
		},
		RoleAdmin: {
			"market:tick:*", "market:depth:*", "market:ohlc:*", "indicators:*",
			"engine:signal:*", "engine:decision:*",
		},
		RoleInternal: {"*"},
	}
}

// Allows reports whether role may subscribe to the requested pattern. A
// request (concrete or wildcard) is allowed iff some allowed pattern covers
// every channel the request could match.
func (a ACL) Allows(role Role, requested string) bool {
	for _, allowed := range a[role] {
		if covers(allowed, requested) {
			return true
		}
	}
	return false
}

// covers reports whether the allowed pattern is a superset of the requested
// one. Patterns use trailing-* wildcards only, matching the bus.
func covers(allowed, requested string) bool {
	if allowed == "*" {
		return true
	}
	if strings.HasSuffix(allowed, "*") {
		prefix := strings.TrimSuffix(allowed, "*")
		if strings.HasSuffix(requested, "*") {
			return strings.HasPrefix(strings.TrimSuffix(requested, "*"), prefix)
		}
		return strings.HasPrefix(requested, prefix)
	}
	return allowed == requested && !strings.HasSuffix(requested, "*")
}

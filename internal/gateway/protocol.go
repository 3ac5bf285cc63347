// Package gateway is the WebSocket edge: a pure forwarder from the bus to
// external subscribers. It authenticates connections, enforces per-role
// channel ACLs and per-connection guardrails, and never touches the Store
// or rewrites payloads.
package gateway

import (
	"encoding/json"
	"time"
)

// ClientMessage is everything a client may send.
type ClientMessage struct {
	Action    string   `json:"action"` // "subscribe" | "unsubscribe" | "ping"
	Channels  []string `json:"channels,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
}

// ServerMessage is everything the gateway sends. Data frames carry the
// per-connection per-channel sequence; control frames carry no seq.
type ServerMessage struct {
	Type      string          `json:"type"` // "data" | "error" | "pong" | "subscribed" | "unsubscribed"
	Seq       uint64          `json:"seq,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Channels  []string        `json:"channels,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Error     string          `json:"error,omitempty"`   // machine-readable code
	Message   string          `json:"message,omitempty"` // human-readable detail
}

// Error codes on ServerMessage.Error.
const (
	ErrBadRequest   = "bad_request"
	ErrACLDenied    = "acl_denied"
	ErrQuota        = "quota_exceeded"
	ErrRateLimited  = "rate_limited"
	ErrUnauthorized = "unauthorized"
)

func errorMsg(code, detail, requestID string) []byte {
	b, _ := json.Marshal(ServerMessage{
		Type:      "error",
		Error:     code,
		Message:   detail,
		RequestID: requestID,
	})
	return b
}

func ackMsg(typ string, channels []string, requestID string) []byte {
	b, _ := json.Marshal(ServerMessage{
		Type:      typ,
		Channels:  channels,
		RequestID: requestID,
	})
	return b
}

func pongMsg(requestID string, now time.Time) []byte {
	b, _ := json.Marshal(ServerMessage{
		Type:      "pong",
		Timestamp: now.Format(time.RFC3339Nano),
		RequestID: requestID,
	})
	return b
}

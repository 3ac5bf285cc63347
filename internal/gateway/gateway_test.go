package gateway

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"tradecore/internal/model"
)

func newTestClient(role Role, cfg Config) *Client {
	cfg.defaults()
	return &Client{
		id:      "test",
		hub:     &Hub{cfg: cfg, acl: DefaultACL()},
		role:    role,
		send:    make(chan []byte, 1024),
		subs:    make(map[string]bool),
		seqs:    make(map[string]uint64),
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxMsgsPerSec), cfg.MaxMsgsPerSec),
	}
}

func drain(t *testing.T, c *Client) []ServerMessage {
	t.Helper()
	var out []ServerMessage
	for {
		select {
		case frame := <-c.send:
			var msg ServerMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				t.Fatalf("bad frame %s: %v", frame, err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func subscribe(c *Client, channels ...string) {
	raw, _ := json.Marshal(ClientMessage{Action: "subscribe", Channels: channels, RequestID: "r1"})
	c.handle(raw)
}

func TestACL_Allows(t *testing.T) {
	acl := DefaultACL()
	cases := []struct {
		role    Role
		channel string
		want    bool
	}{
		{RoleUser, "market:tick:BANKNIFTY", true},
		{RoleUser, "market:tick:*", true},
		{RoleUser, "market:ohlc:BANKNIFTY:5m", true},
		{RoleUser, "indicators:*", true},
		{RoleUser, "engine:signal:BANKNIFTY", false},
		{RoleUser, "market:*", false}, // would cover more than the role may see
		{RoleUser, "*", false},
		{RoleAdmin, "engine:signal:BANKNIFTY", true},
		{RoleAdmin, "engine:decision:*", true},
		{RoleAdmin, "*", false},
		{RoleInternal, "*", true},
		{RoleInternal, "anything:whatsoever", true},
	}
	for _, tc := range cases {
		if got := acl.Allows(tc.role, tc.channel); got != tc.want {
			t.Fatalf("Allows(%s, %q)=%v, want %v", tc.role, tc.channel, got, tc.want)
		}
	}
}

func TestSubscribe_ACLDenied(t *testing.T) {
	c := newTestClient(RoleUser, Config{})
	subscribe(c, "market:tick:BANKNIFTY", "engine:signal:BANKNIFTY")

	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0].Type != "error" || msgs[0].Error != ErrACLDenied {
		t.Fatalf("got %+v, want one acl_denied error", msgs)
	}
	if len(c.subs) != 0 {
		t.Fatalf("denied request must not change state, subs=%v", c.subs)
	}
}

func TestSubscribe_ChannelQuota(t *testing.T) {
	c := newTestClient(RoleUser, Config{MaxChannels: 50})

	channels := make([]string, 50)
	for i := range channels {
		channels[i] = fmt.Sprintf("market:tick:SYM%d", i)
	}
	subscribe(c, channels...)
	if msgs := drain(t, c); len(msgs) != 1 || msgs[0].Type != "subscribed" {
		t.Fatalf("50 channels must be accepted, got %+v", msgs)
	}

	subscribe(c, "market:tick:ONEMORE")
	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0].Error != ErrQuota {
		t.Fatalf("51st channel: got %+v, want quota_exceeded", msgs)
	}
	if len(c.subs) != 50 {
		t.Fatalf("subs=%d, want 50", len(c.subs))
	}

	// Re-subscribing an existing channel is not a new slot.
	subscribe(c, "market:tick:SYM0")
	if msgs := drain(t, c); len(msgs) != 1 || msgs[0].Type != "subscribed" {
		t.Fatalf("duplicate subscribe: got %+v", msgs)
	}
}

func TestSubscribe_WildcardQuota(t *testing.T) {
	c := newTestClient(RoleUser, Config{MaxWildcards: 5})

	wild := []string{
		"market:tick:*", "market:depth:*", "market:ohlc:*",
		"indicators:*", "market:tick:BANK*",
	}
	subscribe(c, wild...)
	if msgs := drain(t, c); len(msgs) != 1 || msgs[0].Type != "subscribed" {
		t.Fatalf("5 wildcards must be accepted, got %+v", msgs)
	}

	subscribe(c, "market:depth:BANK*")
	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0].Error != ErrQuota {
		t.Fatalf("6th wildcard: got %+v, want quota_exceeded", msgs)
	}
}

func TestHandle_BadRequestAndPing(t *testing.T) {
	c := newTestClient(RoleUser, Config{})

	c.handle([]byte("{not json"))
	c.handle([]byte(`{"action":"dance"}`))
	raw, _ := json.Marshal(ClientMessage{Action: "ping", RequestID: "p1"})
	c.handle(raw)

	msgs := drain(t, c)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Error != ErrBadRequest || msgs[1].Error != ErrBadRequest {
		t.Fatalf("bad requests: %+v", msgs[:2])
	}
	if msgs[2].Type != "pong" || msgs[2].RequestID != "p1" {
		t.Fatalf("pong: %+v", msgs[2])
	}
}

func TestDeliver_MatchesAndSequences(t *testing.T) {
	c := newTestClient(RoleUser, Config{})
	subscribe(c, "market:tick:*")
	drain(t, c)

	payload, _ := json.Marshal(map[string]float64{"last_price": 51230.5})
	for i := 0; i < 3; i++ {
		c.deliver(model.Envelope{Channel: "market:tick:BANKNIFTY", Sequence: uint64(i + 1), Timestamp: time.Now(), Payload: payload})
	}
	c.deliver(model.Envelope{Channel: "market:depth:BANKNIFTY", Sequence: 1, Timestamp: time.Now(), Payload: payload})

	msgs := drain(t, c)
	if len(msgs) != 3 {
		t.Fatalf("got %d frames, want 3 (depth channel is not subscribed)", len(msgs))
	}
	for i, m := range msgs {
		if m.Type != "data" || m.Channel != "market:tick:BANKNIFTY" {
			t.Fatalf("frame %d: %+v", i, m)
		}
		if m.Seq != uint64(i+1) {
			t.Fatalf("frame %d seq=%d, want %d", i, m.Seq, i+1)
		}
	}
}

func TestDeliver_RateLimitDropsWithSingleError(t *testing.T) {
	c := newTestClient(RoleUser, Config{MaxMsgsPerSec: 1})
	c.limiter = rate.NewLimiter(1, 1)
	subscribe(c, "market:tick:*")
	drain(t, c)

	dropped := 0
	c.hub.OnDropped = func() { dropped++ }

	payload := json.RawMessage(`{}`)
	for i := 0; i < 5; i++ {
		c.deliver(model.Envelope{Channel: "market:tick:BANKNIFTY", Payload: payload})
	}

	msgs := drain(t, c)
	var data, rateErrs int
	for _, m := range msgs {
		switch {
		case m.Type == "data":
			data++
		case m.Error == ErrRateLimited:
			rateErrs++
		}
	}
	if data != 1 {
		t.Fatalf("data frames=%d, want 1", data)
	}
	if rateErrs != 1 {
		t.Fatalf("rate_limited errors=%d, want exactly 1 per second", rateErrs)
	}
	if dropped != 4 {
		t.Fatalf("dropped=%d, want 4", dropped)
	}
}

func TestAuthenticate(t *testing.T) {
	a := NewAuthenticator("secret", false, RoleUser)

	// No token: default role.
	r := httptest.NewRequest("GET", "/ws", nil)
	role, err := a.Authenticate(r)
	if err != nil || role != RoleUser {
		t.Fatalf("anonymous: role=%s err=%v", role, err)
	}

	// Signed token with a role claim, via header.
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	role, err = a.Authenticate(r)
	if err != nil || role != RoleAdmin {
		t.Fatalf("admin token: role=%s err=%v", role, err)
	}

	// Same token via query parameter.
	r = httptest.NewRequest("GET", "/ws?token="+tok, nil)
	if role, err = a.Authenticate(r); err != nil || role != RoleAdmin {
		t.Fatalf("query token: role=%s err=%v", role, err)
	}

	// Wrong signature is rejected even when auth is optional.
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"}).SignedString([]byte("other"))
	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+bad)
	if _, err := a.Authenticate(r); err == nil {
		t.Fatal("forged token must be rejected")
	}

	// Required auth refuses anonymous connections.
	strict := NewAuthenticator("secret", true, RoleUser)
	r = httptest.NewRequest("GET", "/ws", nil)
	if _, err := strict.Authenticate(r); err == nil {
		t.Fatal("missing token must be rejected when auth is required")
	}
}

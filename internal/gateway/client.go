package gateway

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tradecore/internal/bus"
	"tradecore/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	readIdle   = 60 * time.Second
	readLimit  = 4096
)

// Client is a single WebSocket peer: its role, subscription patterns,
// per-channel outbound sequences and rate limiter.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	role Role
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool   // subscription patterns
	seqs map[string]uint64 // concrete channel → outbound seq

	limiter     *rate.Limiter
	rateMu      sync.Mutex
	lastRateErr time.Time
}

// handle parses and dispatches one inbound client message.
func (c *Client) handle(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(errorMsg(ErrBadRequest, "malformed message", ""))
		return
	}

	switch msg.Action {
	case "subscribe":
		c.handleSubscribe(msg)
	case "unsubscribe":
		c.handleUnsubscribe(msg)
	case "ping":
		c.enqueue(pongMsg(msg.RequestID, time.Now()))
	default:
		c.enqueue(errorMsg(ErrBadRequest, "unknown action "+msg.Action, msg.RequestID))
	}
}

// handleSubscribe applies guardrails and the ACL, all-or-nothing: a request
// that breaches anything changes no state.
func (c *Client) handleSubscribe(msg ClientMessage) {
	if len(msg.Channels) == 0 {
		c.enqueue(errorMsg(ErrBadRequest, "channels required", msg.RequestID))
		return
	}

	for _, ch := range msg.Channels {
		if !c.hub.acl.Allows(c.role, ch) {
			c.enqueue(errorMsg(ErrACLDenied, "role "+string(c.role)+" may not subscribe to "+ch, msg.RequestID))
			return
		}
	}

	c.mu.Lock()
	total := len(c.subs)
	wildcards := 0
	for p := range c.subs {
		if strings.Contains(p, "*") {
			wildcards++
		}
	}
	for _, ch := range msg.Channels {
		if !c.subs[ch] {
			total++
			if strings.Contains(ch, "*") {
				wildcards++
			}
		}
	}
	if total > c.hub.cfg.MaxChannels {
		c.mu.Unlock()
		c.enqueue(errorMsg(ErrQuota, "channel limit exceeded", msg.RequestID))
		return
	}
	if wildcards > c.hub.cfg.MaxWildcards {
		c.mu.Unlock()
		c.enqueue(errorMsg(ErrQuota, "wildcard limit exceeded", msg.RequestID))
		return
	}
	for _, ch := range msg.Channels {
		c.subs[ch] = true
	}
	c.mu.Unlock()

	log.Printf("[gateway] client %s subscribed %v", c.id, msg.Channels)
	c.enqueue(ackMsg("subscribed", msg.Channels, msg.RequestID))
}

func (c *Client) handleUnsubscribe(msg ClientMessage) {
	c.mu.Lock()
	for _, ch := range msg.Channels {
		delete(c.subs, ch)
	}
	c.mu.Unlock()
	c.enqueue(ackMsg("unsubscribed", msg.Channels, msg.RequestID))
}

// deliver forwards one bus envelope if any subscription pattern matches.
// Excess messages beyond the rate limit are dropped, with one rate_limited
// error surfaced per second.
func (c *Client) deliver(env model.Envelope) {
	c.mu.RLock()
	matched := false
	for p := range c.subs {
		if bus.Match(p, env.Channel) {
			matched = true
			break
		}
	}
	c.mu.RUnlock()
	if !matched {
		return
	}

	if !c.limiter.Allow() {
		c.rateLimited()
		return
	}

	c.mu.Lock()
	c.seqs[env.Channel]++
	seq := c.seqs[env.Channel]
	c.mu.Unlock()

	frame, _ := json.Marshal(ServerMessage{
		Type:      "data",
		Seq:       seq,
		Channel:   env.Channel,
		Data:      env.Payload,
		Timestamp: env.Timestamp.Format(time.RFC3339Nano),
	})
	c.enqueue(frame)
}

func (c *Client) rateLimited() {
	c.rateMu.Lock()
	due := time.Since(c.lastRateErr) >= time.Second
	if due {
		c.lastRateErr = time.Now()
	}
	c.rateMu.Unlock()
	if due {
		c.enqueue(errorMsg(ErrRateLimited, "outbound rate exceeded, dropping", ""))
	}
	if c.hub.OnDropped != nil {
		c.hub.OnDropped()
	}
}

// enqueue is non-blocking: a peer that cannot drain its queue loses frames
// rather than stalling the fan-out.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

// writePump owns the connection's write side. Queued frames are coalesced
// into one WebSocket frame with newline separators.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump owns the read side and enforces the idle deadline.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(readIdle))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readIdle))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readIdle))
		c.handle(raw)
	}
}

package gateway

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tradecore/internal/bus"
)

// Config holds the per-connection guardrails.
type Config struct {
	MaxChannels   int // default 50
	MaxWildcards  int // default 5
	MaxMsgsPerSec int // default 1000
}

func (c *Config) defaults() {
	if c.MaxChannels <= 0 {
		c.MaxChannels = 50
	}
	if c.MaxWildcards <= 0 {
		c.MaxWildcards = 5
	}
	if c.MaxMsgsPerSec <= 0 {
		c.MaxMsgsPerSec = 1000
	}
}

// Hub owns the client registry and fans bus envelopes out to every
// connection whose subscriptions match.
type Hub struct {
	cfg  Config
	acl  ACL
	auth *Authenticator

	mu      sync.RWMutex
	clients map[*Client]bool

	// Metrics hooks (optional).
	OnConnect    func(role Role)
	OnDisconnect func()
	OnForwarded  func(channel string)
	OnDropped    func()
}

// NewHub wires a Hub. A nil acl gets the default policy.
func NewHub(cfg Config, acl ACL, auth *Authenticator) *Hub {
	cfg.defaults()
	if acl == nil {
		acl = DefaultACL()
	}
	return &Hub{
		cfg:     cfg,
		acl:     acl,
		auth:    auth,
		clients: make(map[*Client]bool),
	}
}

// Run fans out envelopes from sub until ctx is cancelled, then closes every
// connection with close code 1001.
func (h *Hub) Run(ctx context.Context, sub *bus.Subscription) {
	defer h.Shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			h.mu.RLock()
			for c := range h.clients {
				c.deliver(env)
			}
			h.mu.RUnlock()
			if h.OnForwarded != nil {
				h.OnForwarded(env.Channel)
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS authenticates and upgrades one connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	role, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade: %v", err)
		return
	}

	c := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		hub:     h,
		role:    role,
		send:    make(chan []byte, 256),
		subs:    make(map[string]bool),
		seqs:    make(map[string]uint64),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MaxMsgsPerSec), h.cfg.MaxMsgsPerSec),
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] client %s connected role=%s (%d total)", c.id, role, count)
	if h.OnConnect != nil {
		h.OnConnect(role)
	}

	go c.writePump()
	go c.readPump()
}

// remove unregisters a client and closes its send queue.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	close(c.send)
	log.Printf("[gateway] client %s disconnected (%d total)", c.id, count)
	if h.OnDisconnect != nil {
		h.OnDisconnect()
	}
}

// Shutdown closes every connection with 1001 (going away).
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), deadline)
		c.conn.Close()
		close(c.send)
	}
	if len(clients) > 0 {
		log.Printf("[gateway] closed %d clients on shutdown", len(clients))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Package bus is the typed pub/sub layer over the Store's notification
// mechanism. Channel families (bit-stable):
//
//	market:tick:{instrument}
//	market:depth:{instrument}
//	market:ohlc:{instrument}:{tf}
//	indicators:{instrument}
//	engine:signal:{instrument}
//	engine:decision:{instrument}
//
// Delivery is at-most-once, best-effort, in-order within a channel. Each
// publish assigns a per-channel monotone sequence; sequences are process
// local and rewind after a restart — subscribers treat a rewind as a gap.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tradecore/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Channel name constructors. Keep these as the only place channel strings
// are assembled.

func TickChannel(symbol string) string  { return "market:tick:" + symbol }
func DepthChannel(symbol string) string { return "market:depth:" + symbol }
func OHLCChannel(symbol string, tf model.Timeframe) string {
	return "market:ohlc:" + symbol + ":" + string(tf)
}
func IndicatorsChannel(symbol string) string { return "indicators:" + symbol }
func SignalChannel(symbol string) string     { return "engine:signal:" + symbol }
func DecisionChannel(symbol string) string   { return "engine:decision:" + symbol }

// Bus publishes and subscribes envelopes over Redis pub/sub.
type Bus struct {
	rdb   *goredis.Client
	clock model.Clock

	mu   sync.Mutex
	seqs map[string]uint64
}

// New creates a Bus. The clock stamps every envelope so live and replay
// share one code path.
func New(rdb *goredis.Client, clk model.Clock) *Bus {
	return &Bus{rdb: rdb, clock: clk, seqs: make(map[string]uint64)}
}

// Publish marshals payload, wraps it in an envelope with the next
// per-channel sequence and publishes it. Returns the assigned sequence.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("bus marshal %s: %w", channel, err)
	}

	b.mu.Lock()
	b.seqs[channel]++
	seq := b.seqs[channel]
	b.mu.Unlock()

	env := model.Envelope{
		Channel:   channel,
		Sequence:  seq,
		Timestamp: b.clock.Now(ctx),
		Payload:   raw,
	}
	if err := b.rdb.Publish(ctx, channel, string(env.JSON())).Err(); err != nil {
		return seq, fmt.Errorf("bus publish %s: %w", channel, err)
	}
	return seq, nil
}

// Subscription delivers envelopes for a set of channel patterns.
type Subscription struct {
	pubsub *goredis.PubSub
	ch     chan model.Envelope
	once   sync.Once
}

// Envelopes returns the delivery channel. Closed when the subscription ends.
func (s *Subscription) Envelopes() <-chan model.Envelope { return s.ch }

// Close tears down the underlying pub/sub connection.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

// Subscribe opens a subscription on one or more channel patterns. Patterns
// may use trailing wildcards (market:tick:*). Malformed envelopes on the
// wire are Corrupt: logged, counted by the caller if it cares, dropped.
func (b *Bus) Subscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("bus subscribe: no patterns")
	}

	var pubsub *goredis.PubSub
	if anyWildcard(patterns) {
		pubsub = b.rdb.PSubscribe(ctx, patterns...)
	} else {
		pubsub = b.rdb.Subscribe(ctx, patterns...)
	}
	// Confirm the subscription before handing it out.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("bus subscribe %v: %w", patterns, err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		ch:     make(chan model.Envelope, 1024),
	}

	go func() {
		defer close(sub.ch)
		src := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				var env model.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("[bus] corrupt envelope on %s, dropping", msg.Channel)
					continue
				}
				select {
				case sub.ch <- env:
				default:
					log.Printf("[bus] subscriber slow on %s, dropping seq=%d", env.Channel, env.Sequence)
				}
			}
		}
	}()

	return sub, nil
}

// Match reports whether a concrete channel matches a subscription pattern.
// Only trailing-segment wildcards are supported: "market:tick:*" matches
// "market:tick:BANKNIFTY"; "*" matches everything.
func Match(pattern, channel string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == channel
}

func anyWildcard(patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(p, "*") {
			return true
		}
	}
	return false
}

// wallClock is used when no Clock is bound (tests).
type wallClock struct{}

func (wallClock) Now(context.Context) time.Time { return time.Now() }

// NewUnbound creates a Bus stamped by the host clock. Test helper; the
// composition roots always bind the shared Clock.
func NewUnbound(rdb *goredis.Client) *Bus {
	return New(rdb, wallClock{})
}

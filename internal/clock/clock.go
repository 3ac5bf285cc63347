// Package clock provides the shared time service. All components read "now"
// through it; direct host-clock reads inside the pipeline are a defect.
//
// Virtual state lives in two Redis keys so every process observes the same
// advancing clock during historical replay:
//
//	clock:virtual:enabled  "1" while a replayer drives time
//	clock:virtual:current  RFC3339Nano, advanced by the replayer
package clock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tradecore/internal/markethours"
	"tradecore/internal/store"

	goredis "github.com/go-redis/redis/v8"
)

const (
	keyEnabled = "clock:virtual:enabled"
	keyCurrent = "clock:virtual:current"

	// staleGrace is how long the last-observed virtual value may be served
	// while the backend is unreachable before reads start failing.
	staleGrace = 5 * time.Second
)

// Clock reads real or virtual time. Safe for concurrent use.
type Clock struct {
	rdb *goredis.Client

	mu         sync.Mutex
	lastValue  time.Time // last virtual value observed
	lastReadAt time.Time // host time of that observation
	lastVirt   bool
}

// New creates a Clock over the given Redis client.
func New(rdb *goredis.Client) *Clock {
	return &Clock{rdb: rdb}
}

// Now returns the current time: the shared virtual value while virtual mode
// is enabled, otherwise the host wall clock in IST. On a backend error the
// last observed virtual value is served for up to 5 s, after which the host
// clock is used and a warning logged.
func (c *Clock) Now(ctx context.Context) time.Time {
	vals, err := c.rdb.MGet(ctx, keyEnabled, keyCurrent).Result()
	if err != nil {
		return c.fallback()
	}

	enabled := false
	if s, ok := vals[0].(string); ok && s == "1" {
		enabled = true
	}
	if !enabled {
		c.remember(time.Time{}, false)
		return time.Now().In(markethours.IST)
	}

	s, ok := vals[1].(string)
	if !ok {
		return c.fallback()
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		log.Printf("[clock] corrupt %s value %q, falling back to host clock", keyCurrent, s)
		return time.Now().In(markethours.IST)
	}
	ts = ts.In(markethours.IST)
	c.remember(ts, true)
	return ts
}

// IsVirtual reports whether virtual mode is enabled.
func (c *Clock) IsVirtual(ctx context.Context) (bool, error) {
	v, err := c.rdb.Get(ctx, keyEnabled).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("clock backend: %w", store.ErrBackendUnavailable)
	}
	return v == "1", nil
}

// SetVirtual enables virtual mode at ts. Callers must treat an error here as
// fatal at startup and retryable at runtime.
func (c *Clock) SetVirtual(ctx context.Context, ts time.Time) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, keyEnabled, "1", 0)
	pipe.Set(ctx, keyCurrent, ts.In(markethours.IST).Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clock set virtual: %w", store.ErrBackendUnavailable)
	}
	c.remember(ts, true)
	return nil
}

// Advance moves the virtual clock forward. Replayers call this for every
// synthetic tick they emit.
func (c *Clock) Advance(ctx context.Context, ts time.Time) error {
	err := c.rdb.Set(ctx, keyCurrent, ts.In(markethours.IST).Format(time.RFC3339Nano), 0).Err()
	if err != nil {
		return fmt.Errorf("clock advance: %w", store.ErrBackendUnavailable)
	}
	c.remember(ts, true)
	return nil
}

// ClearVirtual disables virtual mode; Now falls back to the host wall clock.
func (c *Clock) ClearVirtual(ctx context.Context) error {
	if err := c.rdb.Del(ctx, keyEnabled, keyCurrent).Err(); err != nil {
		return fmt.Errorf("clock clear virtual: %w", store.ErrBackendUnavailable)
	}
	c.remember(time.Time{}, false)
	return nil
}

func (c *Clock) remember(ts time.Time, virtual bool) {
	c.mu.Lock()
	c.lastValue = ts
	c.lastVirt = virtual
	c.lastReadAt = time.Now()
	c.mu.Unlock()
}

// fallback serves the last observed virtual value while the backend is
// briefly unreachable, then degrades to the host clock.
func (c *Clock) fallback() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastVirt && time.Since(c.lastReadAt) <= staleGrace {
		return c.lastValue
	}
	log.Printf("[clock] backend unreachable beyond %v grace, serving host clock", staleGrace)
	return time.Now().In(markethours.IST)
}

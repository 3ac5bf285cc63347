// Package redis implements the authoritative Store over a Redis backend.
//
// Key layout (bit-stable):
//
//	tick:{sym}:latest          latest tick JSON
//	tick:{sym}:{iso}           tick history, TTL-bounded
//	price:{sym}:latest         bare last price, for cheap reads
//	depth:{sym}:latest         latest depth JSON
//	ohlc:{sym}:{tf}:{iso}      bar JSON
//	ohlc_sorted:{sym}:{tf}     ZSET index: score = bar start unix
//	indicators:{sym}:latest    snapshot JSON
//	indicators_prev:{sym}:{n}  previous value of indicator n, TTL-bounded
//	signal:{id}                signal record JSON
//	signals_by_instrument:{s}  SET of signal ids
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/store"

	goredis "github.com/go-redis/redis/v8"
)

const (
	opTimeout = 3 * time.Second

	// Bars kept per (symbol, timeframe) in the sorted index.
	ohlcRetention = 5000
)

// Config configures the Store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// TickHistoryTTL bounds tick:{sym}:{iso} retention. Default 4h.
	TickHistoryTTL time.Duration
	// PrevTTL bounds indicators_prev:{sym}:{name}. Default 4h.
	PrevTTL time.Duration
}

// Store is the Redis-backed implementation of the model port interfaces.
type Store struct {
	rdb     *goredis.Client
	tickTTL time.Duration
	prevTTL time.Duration

	// Clock stamps terminal signal transitions. Nil reads the host clock;
	// replay deployments set it so executed records carry virtual time.
	Clock model.Clock

	// OnCorrupt is bumped when a key exists but cannot be decoded.
	OnCorrupt func(key string)
}

// New creates a Store and pings the backend.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, store.ErrBackendUnavailable)
	}

	if cfg.TickHistoryTTL <= 0 {
		cfg.TickHistoryTTL = 4 * time.Hour
	}
	if cfg.PrevTTL <= 0 {
		cfg.PrevTTL = 4 * time.Hour
	}

	log.Printf("[store] connected to %s", cfg.Addr)
	return &Store{rdb: client, tickTTL: cfg.TickHistoryTTL, prevTTL: cfg.PrevTTL}, nil
}

// NewWithClient wraps an existing client (tests).
func NewWithClient(client *goredis.Client) *Store {
	return &Store{rdb: client, tickTTL: 4 * time.Hour, prevTTL: 4 * time.Hour}
}

// Client exposes the underlying client for health checks and the bus.
func (s *Store) Client() *goredis.Client { return s.rdb }

// Close closes the backend connection.
func (s *Store) Close() error { return s.rdb.Close() }

// ── Ticks & depth ──

// PutTick persists the latest tick, the bare price and a TTL-bounded history
// entry in one pipeline. Writing the same tick twice converges to the same
// state (idempotent).
func (s *Store) PutTick(ctx context.Context, t model.Tick) error {
	data := string(t.JSON())
	iso := t.TS.Format(time.RFC3339Nano)

	return s.withRetry(ctx, func(ctx context.Context) error {
		pipe := s.rdb.Pipeline()
		pipe.Set(ctx, "tick:"+t.Symbol+":latest", data, 0)
		pipe.Set(ctx, "price:"+t.Symbol+":latest", strconv.FormatFloat(t.LastPrice, 'f', -1, 64), 0)
		pipe.Set(ctx, "tick:"+t.Symbol+":"+iso, data, s.tickTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LatestTick returns the most recent tick for symbol.
func (s *Store) LatestTick(ctx context.Context, symbol string) (*model.Tick, error) {
	var t model.Tick
	if err := s.getJSON(ctx, "tick:"+symbol+":latest", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// LatestPrice returns the bare last price for symbol.
func (s *Store) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	v, err := s.rdb.Get(ctx, "price:"+symbol+":latest").Result()
	if err == goredis.Nil {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get price: %w", store.ErrBackendUnavailable)
	}
	p, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.corrupt("price:" + symbol + ":latest")
		return 0, store.ErrNotFound
	}
	return p, nil
}

// PutDepth replaces the depth snapshot atomically.
func (s *Store) PutDepth(ctx context.Context, d model.Depth) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, "depth:"+d.Symbol+":latest", string(d.JSON()), 0).Err()
	})
}

// LatestDepth returns the most recent depth snapshot for symbol.
func (s *Store) LatestDepth(ctx context.Context, symbol string) (*model.Depth, error) {
	var d model.Depth
	if err := s.getJSON(ctx, "depth:"+symbol+":latest", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ── OHLC ──

// PutOHLC persists a closed bar and indexes it in the per-timeframe ZSET,
// trimming the index to the retention bound.
func (s *Store) PutOHLC(ctx context.Context, b model.Bar) error {
	iso := b.StartAt.Format(time.RFC3339)
	key := "ohlc:" + b.Symbol + ":" + string(b.TF) + ":" + iso
	zkey := "ohlc_sorted:" + b.Symbol + ":" + string(b.TF)

	return s.withRetry(ctx, func(ctx context.Context) error {
		pipe := s.rdb.Pipeline()
		pipe.Set(ctx, key, string(b.JSON()), 0)
		pipe.ZAdd(ctx, zkey, &goredis.Z{Score: float64(b.StartAt.Unix()), Member: iso})
		pipe.ZRemRangeByRank(ctx, zkey, 0, int64(-ohlcRetention-1))
		_, err := pipe.Exec(ctx)
		return err
	})
}

// OHLC returns up to limit bars for (symbol, tf), most recent first.
// Corrupt entries are skipped after a warning.
func (s *Store) OHLC(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Bar, error) {
	if limit <= 0 {
		limit = 100
	}
	zkey := "ohlc_sorted:" + symbol + ":" + string(tf)
	members, err := s.rdb.ZRevRange(ctx, zkey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange %s: %w", zkey, store.ErrBackendUnavailable)
	}
	if len(members) == 0 {
		return nil, store.ErrNotFound
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = "ohlc:" + symbol + ":" + string(tf) + ":" + m
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget ohlc: %w", store.ErrBackendUnavailable)
	}

	bars := make([]model.Bar, 0, len(vals))
	for i, v := range vals {
		sv, ok := v.(string)
		if !ok {
			continue // index entry outlived its bar key
		}
		var b model.Bar
		if err := json.Unmarshal([]byte(sv), &b); err != nil {
			s.corrupt(keys[i])
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// ── Indicators ──

// PutIndicators replaces the snapshot atomically. For every name whose value
// changed, the previously stored value is first copied to the prev-cache
// with a TTL so crossing detection survives restarts.
func (s *Store) PutIndicators(ctx context.Context, snap *model.Snapshot) error {
	prev, err := s.Indicators(ctx, snap.Symbol)
	if err != nil && err != store.ErrNotFound {
		return err
	}

	return s.withRetry(ctx, func(ctx context.Context) error {
		pipe := s.rdb.Pipeline()
		if prev != nil {
			for name, cur := range snap.Values {
				old := prev.Value(name)
				if old == nil {
					continue
				}
				if cur != nil && *cur == *old {
					continue // unchanged, keep existing prev entry
				}
				pipe.Set(ctx, "indicators_prev:"+snap.Symbol+":"+name,
					strconv.FormatFloat(*old, 'f', -1, 64), s.prevTTL)
			}
		}
		pipe.Set(ctx, "indicators:"+snap.Symbol+":latest", string(snap.JSON()), 0)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Indicators returns the latest snapshot for symbol.
func (s *Store) Indicators(ctx context.Context, symbol string) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := s.getJSON(ctx, "indicators:"+symbol+":latest", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PrevIndicator returns the cached previous value of one indicator, or
// ErrNotFound when the TTL has lapsed or no change was ever recorded.
func (s *Store) PrevIndicator(ctx context.Context, symbol, name string) (*float64, error) {
	v, err := s.rdb.Get(ctx, "indicators_prev:"+symbol+":"+name).Result()
	if err == goredis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prev indicator: %w", store.ErrBackendUnavailable)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.corrupt("indicators_prev:" + symbol + ":" + name)
		return nil, store.ErrNotFound
	}
	return &f, nil
}

// ── Helpers ──

// getJSON reads and decodes a JSON key. Corrupt values count as NotFound
// after a warning; the key is never deleted.
func (s *Store) getJSON(ctx context.Context, key string, out any) error {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, store.ErrBackendUnavailable)
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		s.corrupt(key)
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) corrupt(key string) {
	log.Printf("[store] corrupt value at %s (treated as not found)", key)
	if s.OnCorrupt != nil {
		s.OnCorrupt(key)
	}
}

// withRetry applies the 3 s operation timeout and retries once on transport
// failure before surfacing ErrBackendUnavailable.
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		lastErr = fn(opCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%v: %w", lastErr, store.ErrBackendUnavailable)
}

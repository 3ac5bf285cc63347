package model

import (
	"context"
	"time"
)

// ── Port interfaces ──
// These decouple the pipeline components from the concrete Redis store, the
// bus and the clock so each component can be constructed explicitly in its
// composition root and tested against fakes.

// Clock is the single source of truth for "now" — real or virtual.
type Clock interface {
	Now(ctx context.Context) time.Time
}

// Publisher publishes a payload on a bus channel and returns the assigned
// per-channel sequence.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) (uint64, error)
}

// MarketWriter is the write side of the Store used by collectors.
// Collectors are the only writers to the tick and depth key families.
type MarketWriter interface {
	PutTick(ctx context.Context, t Tick) error
	PutDepth(ctx context.Context, d Depth) error
}

// BarWriter is the write side of the Store used by the candle builder,
// the only writer to the OHLC key family.
type BarWriter interface {
	PutOHLC(ctx context.Context, b Bar) error
}

// BarReader reads the bounded OHLC history, most recent first.
type BarReader interface {
	OHLC(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Bar, error)
}

// IndicatorStore persists indicator snapshots and the TTL-bounded
// previous-value cache used by crossing predicates.
type IndicatorStore interface {
	PutIndicators(ctx context.Context, snap *Snapshot) error
	Indicators(ctx context.Context, symbol string) (*Snapshot, error)
	PrevIndicator(ctx context.Context, symbol, name string) (*float64, error)
}

// SignalStore owns signal records. Status transitions are compare-and-set
// against the prior status so concurrent evaluators cannot double-fire.
type SignalStore interface {
	CreateSignal(ctx context.Context, s *Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	SignalsByInstrument(ctx context.Context, symbol string) ([]*Signal, error)
	// CompareAndSetStatus transitions id from→to atomically, applying mut to
	// the record inside the transaction. Returns ErrConflict when the stored
	// status no longer equals from.
	CompareAndSetStatus(ctx context.Context, id string, from, to SignalStatus, mut func(*Signal)) error
	MarkExecuted(ctx context.Context, id, result string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

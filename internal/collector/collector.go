// Package collector ingests market data into the pipeline. Three providers
// share one contract: live (broker WebSocket), historical (CSV or broker
// archive, replayed through the virtual clock) and mock (random walk).
package collector

import (
	"context"
	"time"

	"tradecore/internal/model"
)

// Sink receives normalized market data from a collector. The Pipeline is
// the production implementation; tests substitute their own.
type Sink interface {
	Tick(ctx context.Context, t model.Tick)
	Depth(ctx context.Context, d model.Depth)
}

// Collector is a market data provider. Start blocks until ctx is cancelled,
// the source is exhausted (historical) or a fatal error occurs. Collectors
// are the only writers of virtual clock state.
type Collector interface {
	Name() string
	Start(ctx context.Context, sink Sink) error
	Stop()
}

// VirtualClock is the clock control surface collectors need: live mode
// clears virtual state on startup, replay drives it tick by tick.
type VirtualClock interface {
	SetVirtual(ctx context.Context, ts time.Time) error
	Advance(ctx context.Context, ts time.Time) error
	ClearVirtual(ctx context.Context) error
}

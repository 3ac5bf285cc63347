package collector

import (
	"context"
	"log"
	"math/rand"
	"time"

	"tradecore/internal/model"
)

// MockConfig configures the mock collector.
type MockConfig struct {
	Instruments []model.Instrument

	// Interval between ticks per instrument. Default 100 ms.
	Interval time.Duration
	// Seed for the random walk; 0 seeds from the host clock.
	Seed int64
	// StartPrice per symbol; unlisted symbols start at 1000.
	StartPrice map[string]float64
}

// Mock emits a ±0.1% random walk for every configured instrument. Used for
// development and soak tests without broker credentials.
type Mock struct {
	cfg    MockConfig
	vclock VirtualClock
	cancel context.CancelFunc
}

// NewMock creates the mock collector. vclock may be nil; when set, stale
// virtual state is cleared on Start the same way live mode does.
func NewMock(cfg MockConfig, vclock VirtualClock) *Mock {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Mock{cfg: cfg, vclock: vclock}
}

func (m *Mock) Name() string { return "mock" }

// Start emits ticks until ctx is cancelled.
func (m *Mock) Start(ctx context.Context, sink Sink) error {
	ctx, m.cancel = context.WithCancel(ctx)
	defer m.cancel()

	if m.vclock != nil {
		if err := m.vclock.ClearVirtual(ctx); err != nil {
			return err
		}
	}

	seed := m.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	prices := make(map[string]float64, len(m.cfg.Instruments))
	for _, ins := range m.cfg.Instruments {
		p := m.cfg.StartPrice[ins.Symbol]
		if p == 0 {
			p = 1000
		}
		prices[ins.Symbol] = p
	}

	log.Printf("[mock] emitting %d instruments every %s", len(m.cfg.Instruments), m.cfg.Interval)
	tick := time.NewTicker(m.cfg.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			now := time.Now()
			for _, ins := range m.cfg.Instruments {
				prices[ins.Symbol] = walk(rng, prices[ins.Symbol], ins.TickSize)
				t := model.Tick{Symbol: ins.Symbol, TS: now, LastPrice: prices[ins.Symbol]}
				if ins.Kind != model.KindIndex {
					vol := int64(rng.Intn(100) + 1)
					t.Volume = &vol
				}
				sink.Tick(ctx, t)
			}
		}
	}
}

// Stop aborts the generator.
func (m *Mock) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// walk applies a ±0.1% step, snapped to the instrument tick size.
func walk(rng *rand.Rand, price, tickSize float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if tickSize > 0 {
		steps := float64(int64(next/tickSize + 0.5))
		next = steps * tickSize
	}
	if next < tickSize || next <= 0 {
		next = price
	}
	return next
}

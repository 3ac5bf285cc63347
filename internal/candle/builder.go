// Package candle aggregates ticks into OHLC bars on timeframe boundaries.
//
// One Builder serves every instrument across a set of timeframes. For each
// (instrument, timeframe) it keeps exactly one open bar; a tick whose
// boundary is newer finalises the open bar (store write + bus publish) and
// seeds the next one. A tick at the exact boundary belongs to the new bar.
package candle

import (
	"context"
	"log"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/model"
)

// barState is the open bar for one (timeframe, symbol) pair.
type barState struct {
	bar    model.Bar
	lastTS time.Time // latest tick timestamp folded into the bar
}

// Builder resamples ticks into OHLC bars for multiple timeframes.
// Designed for single-goroutine consumption of the tick stream.
type Builder struct {
	tfs    []model.Timeframe
	store  model.BarWriter
	pub    model.Publisher
	clock  model.Clock
	states map[model.Timeframe]map[string]*barState

	// Metrics hooks (optional).
	OnBarClosed   func(b model.Bar)
	OnDroppedTick func()
}

// New creates a Builder for the given timeframes.
func New(tfs []model.Timeframe, store model.BarWriter, pub model.Publisher, clk model.Clock) *Builder {
	states := make(map[model.Timeframe]map[string]*barState, len(tfs))
	for _, tf := range tfs {
		states[tf] = make(map[string]*barState, 16)
	}
	return &Builder{tfs: tfs, store: store, pub: pub, clock: clk, states: states}
}

// Run consumes ticks until ctx is cancelled or tickCh closes. A 1 s ticker
// finalises bars whose end boundary passed without a newer tick arriving;
// boundary checks go through the Clock so replay and live share one path.
func (b *Builder) Run(ctx context.Context, tickCh <-chan model.Tick) {
	flush := time.NewTicker(time.Second)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flushAll(context.Background())
			return
		case t, ok := <-tickCh:
			if !ok {
				b.flushAll(context.Background())
				return
			}
			b.Process(ctx, t)
		case <-flush.C:
			b.flushElapsed(ctx)
		}
	}
}

// Process folds a single tick into every timeframe. Exported for replay
// drivers and tests that push ticks inline.
func (b *Builder) Process(ctx context.Context, t model.Tick) {
	for _, tf := range b.tfs {
		b.processTF(ctx, tf, t)
	}
}

func (b *Builder) processTF(ctx context.Context, tf model.Timeframe, t model.Tick) {
	boundary := tf.Floor(t.TS)
	st, exists := b.states[tf][t.Symbol]

	if exists && boundary.Before(st.bar.StartAt) {
		// Predates the open bar entirely — drop with a counter bump.
		if b.OnDroppedTick != nil {
			b.OnDroppedTick()
		}
		return
	}

	if exists && boundary.After(st.bar.StartAt) {
		b.finalize(ctx, tf, t.Symbol, st)
		exists = false
	}

	if !exists {
		b.states[tf][t.Symbol] = &barState{
			bar: model.Bar{
				Symbol:  t.Symbol,
				TF:      tf,
				StartAt: boundary,
				Open:    t.LastPrice,
				High:    t.LastPrice,
				Low:     t.LastPrice,
				Close:   t.LastPrice,
				Volume:  t.Qty(),
				Ticks:   1,
			},
			lastTS: t.TS,
		}
		return
	}

	// Same bucket. A duplicate of the latest tick is merged as the same
	// observation, keeping the builder idempotent.
	if t.TS.Equal(st.lastTS) && t.LastPrice == st.bar.Close {
		return
	}

	bar := &st.bar
	if t.LastPrice > bar.High {
		bar.High = t.LastPrice
	}
	if t.LastPrice < bar.Low {
		bar.Low = t.LastPrice
	}
	// Out-of-order ticks inside the bucket widen high/low; close follows
	// only the latest tick by timestamp.
	if !t.TS.Before(st.lastTS) {
		bar.Close = t.LastPrice
		st.lastTS = t.TS
	}
	bar.Volume += t.Qty()
	bar.Ticks++
}

// flushElapsed finalises every open bar whose end boundary passed.
func (b *Builder) flushElapsed(ctx context.Context) {
	now := b.clock.Now(ctx)
	for tf, symbols := range b.states {
		for sym, st := range symbols {
			if !now.Before(st.bar.EndAt()) {
				b.finalize(ctx, tf, sym, st)
				delete(symbols, sym)
			}
		}
	}
}

// flushAll finalises everything (shutdown drain).
func (b *Builder) flushAll(ctx context.Context) {
	for tf, symbols := range b.states {
		for sym, st := range symbols {
			b.finalize(ctx, tf, sym, st)
			delete(symbols, sym)
		}
	}
}

// finalize writes the closed bar to the store and publishes it. A bar with
// zero ticks never exists here: bars are only opened by a tick.
func (b *Builder) finalize(ctx context.Context, tf model.Timeframe, sym string, st *barState) {
	bar := st.bar
	delete(b.states[tf], sym)

	if err := b.store.PutOHLC(ctx, bar); err != nil {
		log.Printf("[candle] put ohlc %s %s: %v", sym, tf, err)
	}
	if _, err := b.pub.Publish(ctx, bus.OHLCChannel(sym, tf), &bar); err != nil {
		log.Printf("[candle] publish ohlc %s %s: %v", sym, tf, err)
	}
	if b.OnBarClosed != nil {
		b.OnBarClosed(bar)
	}
}

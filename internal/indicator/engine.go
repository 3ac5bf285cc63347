package indicator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/model"
	"tradecore/internal/store"
)

// window is the rolling tail of closed bars for one (symbol, timeframe).
type window struct {
	bars []model.Bar
	size int
}

func (w *window) push(b model.Bar) {
	w.bars = append(w.bars, b)
	if len(w.bars) > w.size {
		copy(w.bars, w.bars[len(w.bars)-w.size:])
		w.bars = w.bars[:w.size]
	}
}

// Engine recomputes the indicator set on every closed bar and persists the
// snapshot (current + previous-value cache) before publishing it.
type Engine struct {
	win    int
	stores struct {
		ind  model.IndicatorStore
		bars model.BarReader
	}
	pub   model.Publisher
	clock model.Clock

	windows map[string]*window // key: symbol + "|" + tf

	// Metrics hooks (optional).
	OnSnapshot   func(symbol string, tf model.Timeframe, dur time.Duration)
	OnCorruptBar func()
}

// NewEngine creates an Engine with the given window size (default 200).
func NewEngine(windowSize int, ind model.IndicatorStore, bars model.BarReader, pub model.Publisher, clk model.Clock) *Engine {
	if windowSize <= 0 {
		windowSize = 200
	}
	e := &Engine{win: windowSize, pub: pub, clock: clk, windows: make(map[string]*window, 16)}
	e.stores.ind = ind
	e.stores.bars = bars
	return e
}

// Run consumes closed-bar envelopes from sub until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			var bar model.Bar
			if err := json.Unmarshal(env.Payload, &bar); err != nil {
				log.Printf("[indicator] corrupt bar on %s, dropping", env.Channel)
				if e.OnCorruptBar != nil {
					e.OnCorruptBar()
				}
				continue
			}
			e.OnBar(ctx, bar)
		}
	}
}

// OnBar folds one closed bar into the window and emits a fresh snapshot.
func (e *Engine) OnBar(ctx context.Context, bar model.Bar) {
	if !bar.Valid() {
		log.Printf("[indicator] invalid bar %s %s @ %s, dropping", bar.Symbol, bar.TF, bar.StartAt)
		if e.OnCorruptBar != nil {
			e.OnCorruptBar()
		}
		return
	}

	key := bar.Symbol + "|" + string(bar.TF)
	w, ok := e.windows[key]
	if !ok {
		w = &window{size: e.win}
		e.backfill(ctx, w, bar.Symbol, bar.TF)
		e.windows[key] = w
	}

	// Bars finalise in timestamp order per (instrument, timeframe); an
	// older duplicate would corrupt the tail, so skip it.
	if n := len(w.bars); n > 0 && !bar.StartAt.After(w.bars[n-1].StartAt) {
		return
	}
	w.push(bar)

	start := time.Now()
	snap := &model.Snapshot{
		Symbol: bar.Symbol,
		TF:     bar.TF,
		TS:     bar.StartAt,
		Values: Compute(w.bars),
	}

	if err := e.stores.ind.PutIndicators(ctx, snap); err != nil {
		log.Printf("[indicator] put indicators %s: %v", bar.Symbol, err)
		return
	}
	if _, err := e.pub.Publish(ctx, bus.IndicatorsChannel(bar.Symbol), snap); err != nil {
		log.Printf("[indicator] publish %s: %v", bar.Symbol, err)
	}
	if e.OnSnapshot != nil {
		e.OnSnapshot(bar.Symbol, bar.TF, time.Since(start))
	}
}

// backfill seeds a cold window from the store's OHLC history so indicators
// warm up across restarts.
func (e *Engine) backfill(ctx context.Context, w *window, symbol string, tf model.Timeframe) {
	bars, err := e.stores.bars.OHLC(ctx, symbol, tf, e.win)
	if err != nil {
		if err != store.ErrNotFound {
			log.Printf("[indicator] backfill %s %s: %v", symbol, tf, err)
		}
		return
	}
	// OHLC returns most recent first; the window wants oldest first.
	for i := len(bars) - 1; i >= 0; i-- {
		w.push(bars[i])
	}
	log.Printf("[indicator] backfilled %d bars for %s %s", len(bars), symbol, tf)
}

package candle

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradecore/internal/model"
)

// barSink records finalised bars.
type barSink struct {
	mu   sync.Mutex
	bars []model.Bar
}

func (s *barSink) PutOHLC(_ context.Context, b model.Bar) error {
	s.mu.Lock()
	s.bars = append(s.bars, b)
	s.mu.Unlock()
	return nil
}

func (s *barSink) closed() []model.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Bar(nil), s.bars...)
}

type nopPub struct{}

func (nopPub) Publish(context.Context, string, any) (uint64, error) { return 0, nil }

type stillClock struct{ t time.Time }

func (c stillClock) Now(context.Context) time.Time { return c.t }

func tick(symbol string, ts time.Time, price float64, vol int64) model.Tick {
	t := model.Tick{Symbol: symbol, TS: ts, LastPrice: price}
	if vol > 0 {
		t.Volume = &vol
	}
	return t
}

var base = time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC)

func newTestBuilder(tfs ...model.Timeframe) (*Builder, *barSink) {
	sink := &barSink{}
	if len(tfs) == 0 {
		tfs = []model.Timeframe{model.TF1m}
	}
	return New(tfs, sink, nopPub{}, stillClock{t: base}), sink
}

func TestBuilder_AggregatesOneBar(t *testing.T) {
	b, sink := newTestBuilder()
	ctx := context.Background()

	b.Process(ctx, tick("BANKNIFTY", base.Add(1*time.Second), 100, 10))
	b.Process(ctx, tick("BANKNIFTY", base.Add(20*time.Second), 105, 5))
	b.Process(ctx, tick("BANKNIFTY", base.Add(40*time.Second), 95, 5))
	b.Process(ctx, tick("BANKNIFTY", base.Add(59*time.Second), 102, 10))

	// Next minute's tick finalises the bar.
	b.Process(ctx, tick("BANKNIFTY", base.Add(60*time.Second), 103, 1))

	bars := sink.closed()
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	bar := bars[0]
	if !bar.StartAt.Equal(base) {
		t.Fatalf("start_at=%v, want %v", bar.StartAt, base)
	}
	if bar.Open != 100 || bar.High != 105 || bar.Low != 95 || bar.Close != 102 {
		t.Fatalf("ohlc=%v/%v/%v/%v, want 100/105/95/102", bar.Open, bar.High, bar.Low, bar.Close)
	}
	if bar.Volume != 30 {
		t.Fatalf("volume=%d, want 30", bar.Volume)
	}
	if bar.Ticks != 4 {
		t.Fatalf("ticks=%d, want 4", bar.Ticks)
	}
	if !bar.Valid() {
		t.Fatalf("bar invariants violated: %+v", bar)
	}
}

func TestBuilder_BoundaryTickOpensNewBar(t *testing.T) {
	b, sink := newTestBuilder()
	ctx := context.Background()

	b.Process(ctx, tick("NIFTY 50", base.Add(30*time.Second), 100, 0))
	// Exactly on the next boundary: belongs to the new bar.
	b.Process(ctx, tick("NIFTY 50", base.Add(60*time.Second), 200, 0))

	bars := sink.closed()
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if bars[0].Close != 100 {
		t.Fatalf("closed bar close=%v, want 100 (boundary tick must not fold in)", bars[0].Close)
	}
}

func TestBuilder_OutOfOrderWithinBucketWidensRange(t *testing.T) {
	b, sink := newTestBuilder()
	ctx := context.Background()

	b.Process(ctx, tick("BANKNIFTY", base.Add(10*time.Second), 100, 0))
	b.Process(ctx, tick("BANKNIFTY", base.Add(30*time.Second), 110, 0))
	// Arrives late but belongs to this bucket: widens low, must not move close.
	b.Process(ctx, tick("BANKNIFTY", base.Add(20*time.Second), 90, 0))
	b.Process(ctx, tick("BANKNIFTY", base.Add(60*time.Second), 1, 0))

	bars := sink.closed()
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	bar := bars[0]
	if bar.Low != 90 {
		t.Fatalf("low=%v, want 90", bar.Low)
	}
	if bar.Close != 110 {
		t.Fatalf("close=%v, want 110 (close follows latest timestamp, not arrival order)", bar.Close)
	}
}

func TestBuilder_TickBeforeOpenBarIsDropped(t *testing.T) {
	b, sink := newTestBuilder()
	ctx := context.Background()

	dropped := 0
	b.OnDroppedTick = func() { dropped++ }

	b.Process(ctx, tick("BANKNIFTY", base.Add(70*time.Second), 100, 0))
	// Predates the open bar's bucket entirely.
	b.Process(ctx, tick("BANKNIFTY", base.Add(30*time.Second), 50, 0))
	b.Process(ctx, tick("BANKNIFTY", base.Add(120*time.Second), 101, 0))

	if dropped != 1 {
		t.Fatalf("dropped=%d, want 1", dropped)
	}
	bars := sink.closed()
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if bars[0].Low != 100 {
		t.Fatalf("late tick leaked into the bar: low=%v", bars[0].Low)
	}
}

func TestBuilder_DuplicateTickIsIdempotent(t *testing.T) {
	b, sink := newTestBuilder()
	ctx := context.Background()

	dup := tick("BANKNIFTY", base.Add(10*time.Second), 100, 5)
	b.Process(ctx, dup)
	b.Process(ctx, dup)
	b.Process(ctx, tick("BANKNIFTY", base.Add(60*time.Second), 101, 0))

	bars := sink.closed()
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if bars[0].Volume != 5 {
		t.Fatalf("volume=%d, want 5 (duplicate must not double-count)", bars[0].Volume)
	}
	if bars[0].Ticks != 1 {
		t.Fatalf("ticks=%d, want 1", bars[0].Ticks)
	}
}

func TestBuilder_MultiTimeframe(t *testing.T) {
	sink := &barSink{}
	b := New([]model.Timeframe{model.TF1m, model.TF5m}, sink, nopPub{}, stillClock{t: base})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Process(ctx, tick("BANKNIFTY", base.Add(time.Duration(i)*time.Minute), float64(100+i), 0))
	}
	b.Process(ctx, tick("BANKNIFTY", base.Add(5*time.Minute), 200, 0))

	var oneMin, fiveMin int
	for _, bar := range sink.closed() {
		switch bar.TF {
		case model.TF1m:
			oneMin++
		case model.TF5m:
			fiveMin++
			if bar.Open != 100 || bar.Close != 104 {
				t.Fatalf("5m bar open/close=%v/%v, want 100/104", bar.Open, bar.Close)
			}
		}
	}
	if oneMin != 5 || fiveMin != 1 {
		t.Fatalf("closed 1m=%d 5m=%d, want 5 and 1", oneMin, fiveMin)
	}
}

func TestBuilder_FlushOnElapsedBoundary(t *testing.T) {
	sink := &barSink{}
	// Clock sits past the bar's end boundary: the periodic flush finalises
	// the bar without any newer tick arriving.
	b := New([]model.Timeframe{model.TF1m}, sink, nopPub{}, stillClock{t: base.Add(2 * time.Minute)})
	ctx := context.Background()

	b.Process(ctx, tick("BANKNIFTY", base.Add(10*time.Second), 100, 0))
	b.flushElapsed(ctx)

	bars := sink.closed()
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if bars[0].Open != 100 || bars[0].Close != 100 {
		t.Fatalf("flushed bar=%+v", bars[0])
	}
}

package collector

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/model"
	"tradecore/internal/ringbuf"
)

// MarketStore is the store surface the pipeline writes through.
type MarketStore interface {
	PutTick(ctx context.Context, t model.Tick) error
	PutDepth(ctx context.Context, d model.Depth) error
}

// Pipeline is the production Sink: every tick is persisted, published on the
// bus and handed to the candle builder over a lock-free ring. Store and bus
// writes happen on the collector goroutine; the builder drains the ring on
// its own goroutine, so a slow builder sheds ticks instead of stalling
// ingest.
type Pipeline struct {
	store MarketStore
	pub   model.Publisher
	ring  *ringbuf.Ring
	out   chan model.Tick

	lastTick atomic.Int64 // unix nano of the last tick accepted

	// seenMu guards seen, the last accepted (ts, price) per symbol.
	// An upstream retransmit of that exact observation is dropped before
	// the bus: the store write would converge, the publish would not.
	seenMu sync.Mutex
	seen   map[string]tickIdentity

	// Metrics hooks (optional).
	OnTick    func(t model.Tick)
	OnDropped func()
}

type tickIdentity struct {
	ts    int64
	price float64
}

// NewPipeline creates a Pipeline with the given ring capacity (default 8192).
func NewPipeline(store MarketStore, pub model.Publisher, ringCap int) *Pipeline {
	if ringCap <= 0 {
		ringCap = 8192
	}
	return &Pipeline{
		store: store,
		pub:   pub,
		ring:  ringbuf.New(ringCap),
		out:   make(chan model.Tick, 256),
		seen:  make(map[string]tickIdentity),
	}
}

// Tick persists, publishes and forwards one tick. Re-ingesting the tick last
// accepted for the symbol is a no-op.
func (p *Pipeline) Tick(ctx context.Context, t model.Tick) {
	id := tickIdentity{ts: t.TS.UnixNano(), price: t.LastPrice}
	p.seenMu.Lock()
	if prev, ok := p.seen[t.Symbol]; ok && prev == id {
		p.seenMu.Unlock()
		return
	}
	p.seen[t.Symbol] = id
	p.seenMu.Unlock()

	if err := p.store.PutTick(ctx, t); err != nil {
		log.Printf("[pipeline] put tick %s: %v", t.Symbol, err)
	}
	if _, err := p.pub.Publish(ctx, bus.TickChannel(t.Symbol), &t); err != nil {
		log.Printf("[pipeline] publish tick %s: %v", t.Symbol, err)
	}
	if !p.ring.Push(t) {
		if p.OnDropped != nil {
			p.OnDropped()
		}
	}
	p.lastTick.Store(t.TS.UnixNano())
	if p.OnTick != nil {
		p.OnTick(t)
	}
}

// Depth persists and publishes one depth snapshot. Depth never reaches the
// candle builder.
func (p *Pipeline) Depth(ctx context.Context, d model.Depth) {
	if err := p.store.PutDepth(ctx, d); err != nil {
		log.Printf("[pipeline] put depth %s: %v", d.Symbol, err)
	}
	if _, err := p.pub.Publish(ctx, bus.DepthChannel(d.Symbol), &d); err != nil {
		log.Printf("[pipeline] publish depth %s: %v", d.Symbol, err)
	}
}

// Run drains the ring into the builder channel until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.out)
	for {
		t, ok := p.ring.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		select {
		case p.out <- t:
		case <-ctx.Done():
			return
		}
	}
}

// Ticks is the builder-side channel.
func (p *Pipeline) Ticks() <-chan model.Tick { return p.out }

// LastTickAt returns the timestamp of the last accepted tick, zero when no
// tick has arrived yet. Health checks use this for staleness.
func (p *Pipeline) LastTickAt() time.Time {
	n := p.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Overflow returns the count of ticks shed on the builder ring.
func (p *Pipeline) Overflow() uint64 { return p.ring.Overflow() }

package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradecore/internal/model"
)

// countingStore records tick writes.
type countingStore struct {
	mu    sync.Mutex
	ticks []model.Tick
}

func (s *countingStore) PutTick(_ context.Context, t model.Tick) error {
	s.mu.Lock()
	s.ticks = append(s.ticks, t)
	s.mu.Unlock()
	return nil
}

func (s *countingStore) PutDepth(context.Context, model.Depth) error { return nil }

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

// countingPub records the channels published to, in order.
type countingPub struct {
	mu       sync.Mutex
	channels []string
}

func (p *countingPub) Publish(_ context.Context, channel string, _ any) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	return uint64(len(p.channels)), nil
}

func (p *countingPub) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.channels...)
}

func TestPipeline_RepeatedTickPublishesOnce(t *testing.T) {
	st := &countingStore{}
	pub := &countingPub{}
	p := NewPipeline(st, pub, 16)

	var forwarded int
	p.OnTick = func(model.Tick) { forwarded++ }

	ctx := context.Background()
	tick := model.Tick{
		Symbol:    "BANKNIFTY",
		TS:        time.Date(2026, 8, 26, 10, 15, 0, 0, time.UTC),
		LastPrice: 51230.5,
	}
	p.Tick(ctx, tick)
	p.Tick(ctx, tick) // upstream retransmit

	if got := pub.published(); len(got) != 1 {
		t.Fatalf("published %d messages, want 1: %v", len(got), got)
	}
	if got := st.count(); got != 1 {
		t.Fatalf("stored %d ticks, want 1", got)
	}
	if forwarded != 1 {
		t.Fatalf("OnTick fired %d times, want 1", forwarded)
	}
	if _, ok := p.ring.Pop(); !ok {
		t.Fatal("accepted tick missing from the builder ring")
	}
	if _, ok := p.ring.Pop(); ok {
		t.Fatal("retransmit reached the builder ring")
	}
}

func TestPipeline_DedupIsPerSymbol(t *testing.T) {
	st := &countingStore{}
	pub := &countingPub{}
	p := NewPipeline(st, pub, 16)

	ctx := context.Background()
	base := time.Date(2026, 8, 26, 10, 15, 0, 0, time.UTC)
	seq := []model.Tick{
		{Symbol: "BANKNIFTY", TS: base, LastPrice: 51230.5},
		{Symbol: "NIFTY", TS: base, LastPrice: 24810},
		{Symbol: "BANKNIFTY", TS: base, LastPrice: 51230.5},            // retransmit
		{Symbol: "BANKNIFTY", TS: base, LastPrice: 51235},              // correction at the same instant
		{Symbol: "BANKNIFTY", TS: base.Add(time.Second), LastPrice: 51235}, // later observation, same price
	}
	for _, tk := range seq {
		p.Tick(ctx, tk)
	}

	want := []string{
		"market:tick:BANKNIFTY",
		"market:tick:NIFTY",
		"market:tick:BANKNIFTY",
		"market:tick:BANKNIFTY",
	}
	got := pub.published()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("publish %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

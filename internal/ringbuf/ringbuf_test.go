package ringbuf

import (
	"sync"
	"testing"
	"time"

	"tradecore/internal/model"
)

func TestRing_BasicPushPop(t *testing.T) {
	r := New(4)

	t1 := model.Tick{Symbol: "BANKNIFTY25AUGFUT", LastPrice: 45123.5}
	t2 := model.Tick{Symbol: "NIFTY25AUGFUT", LastPrice: 19876.0}

	if !r.Push(t1) {
		t.Fatal("push t1 should succeed")
	}
	if !r.Push(t2) {
		t.Fatal("push t2 should succeed")
	}

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}

	got, ok := r.Pop()
	if !ok || got.Symbol != t1.Symbol {
		t.Fatalf("expected %s, got %v ok=%v", t1.Symbol, got.Symbol, ok)
	}

	got, ok = r.Pop()
	if !ok || got.Symbol != t2.Symbol {
		t.Fatalf("expected %s, got %v ok=%v", t2.Symbol, got.Symbol, ok)
	}

	_, ok = r.Pop()
	if ok {
		t.Fatal("pop from empty should return false")
	}
}

func TestRing_Overflow(t *testing.T) {
	r := New(2)

	r.Push(model.Tick{Symbol: "A"})
	r.Push(model.Tick{Symbol: "B"})

	if r.Push(model.Tick{Symbol: "C"}) {
		t.Fatal("push into full ring should fail")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}

	// Drain one slot, push must succeed again.
	if _, ok := r.Pop(); !ok {
		t.Fatal("pop should succeed")
	}
	if !r.Push(model.Tick{Symbol: "C"}) {
		t.Fatal("push after drain should succeed")
	}
}

func TestRing_CapacityRounding(t *testing.T) {
	if got := New(3).Cap(); got != 4 {
		t.Fatalf("expected cap 4, got %d", got)
	}
	if got := New(1).Cap(); got != 2 {
		t.Fatalf("expected cap 2, got %d", got)
	}
	if got := New(1024).Cap(); got != 1024 {
		t.Fatalf("expected cap 1024, got %d", got)
	}
}

func TestRing_SPSCConcurrent(t *testing.T) {
	r := New(1024)
	const n = 100_000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			tk := model.Tick{Symbol: "X", LastPrice: float64(i)}
			for !r.Push(tk) {
				time.Sleep(time.Microsecond)
			}
		}
	}()

	var got int
	go func() {
		defer wg.Done()
		last := -1.0
		for got < n {
			tk, ok := r.Pop()
			if !ok {
				time.Sleep(time.Microsecond)
				continue
			}
			if tk.LastPrice <= last {
				t.Errorf("out of order: %v after %v", tk.LastPrice, last)
				return
			}
			last = tk.LastPrice
			got++
		}
	}()

	wg.Wait()
	if got != n {
		t.Fatalf("consumed %d of %d", got, n)
	}
}

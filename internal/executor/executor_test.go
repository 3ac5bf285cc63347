package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradecore/internal/model"
	"tradecore/internal/store"
	"tradecore/internal/store/sqlite"
)

// fakeSignals is an in-memory SignalStore with real CAS semantics.
type fakeSignals struct {
	mu      sync.Mutex
	signals map[string]*model.Signal
}

func newFakeSignals(sigs ...*model.Signal) *fakeSignals {
	f := &fakeSignals{signals: map[string]*model.Signal{}}
	for _, s := range sigs {
		f.signals[s.ID] = s
	}
	return f
}

func (f *fakeSignals) CreateSignal(_ context.Context, s *model.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.signals[s.ID]; ok {
		return store.ErrConflict
	}
	f.signals[s.ID] = s
	return nil
}

func (f *fakeSignals) GetSignal(_ context.Context, id string) (*model.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSignals) SignalsByInstrument(_ context.Context, symbol string) ([]*model.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Signal
	for _, s := range f.signals {
		if s.Symbol == symbol {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSignals) CompareAndSetStatus(_ context.Context, id string, from, to model.SignalStatus, mut func(*model.Signal)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signals[id]
	if !ok {
		return store.ErrNotFound
	}
	if s.Status != from {
		return store.ErrConflict
	}
	s.Status = to
	if mut != nil {
		mut(s)
	}
	return nil
}

func (f *fakeSignals) MarkExecuted(ctx context.Context, id, result string) error {
	return f.CompareAndSetStatus(ctx, id, model.StatusExecuting, model.StatusExecuted, func(s *model.Signal) {
		s.ExecResult = result
	})
}

func (f *fakeSignals) MarkFailed(ctx context.Context, id, reason string) error {
	err := f.CompareAndSetStatus(ctx, id, model.StatusExecuting, model.StatusFailed, func(s *model.Signal) {
		s.ExecResult = reason
	})
	if err == nil {
		return nil
	}
	return f.CompareAndSetStatus(ctx, id, model.StatusTriggered, model.StatusFailed, func(s *model.Signal) {
		s.ExecResult = reason
	})
}

func (f *fakeSignals) status(id string) model.SignalStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals[id].Status
}

type fakePrices struct {
	prices map[string]float64
	err    error
}

func (f *fakePrices) LatestPrice(_ context.Context, symbol string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return 0, store.ErrNotFound
	}
	return p, nil
}

type fakePub struct {
	mu       sync.Mutex
	channels []string
	payloads []any
}

func (f *fakePub) Publish(_ context.Context, channel string, payload any) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, payload)
	return uint64(len(f.channels)), nil
}

func (f *fakePub) lastResult(t *testing.T) Result {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.payloads)
	raw, err := json.Marshal(f.payloads[len(f.payloads)-1])
	require.NoError(t, err)
	var res Result
	require.NoError(t, json.Unmarshal(raw, &res))
	return res
}

type fakeNotifier struct {
	executed []string
	failed   []string
}

func (n *fakeNotifier) SignalExecuted(_ context.Context, s *model.Signal, _ Result) {
	n.executed = append(n.executed, s.ID)
}

func (n *fakeNotifier) SignalFailed(_ context.Context, s *model.Signal, reason string) {
	n.failed = append(n.failed, s.ID+":"+reason)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now(context.Context) time.Time { return c.now }

func triggeredSignal(id string, action model.Action) *model.Signal {
	now := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	return &model.Signal{
		ID:          id,
		Symbol:      "BANKNIFTY",
		Action:      action,
		Primary:     model.Predicate{Indicator: "rsi_14", Op: model.OpGreater, Threshold: 70},
		Lifetime:    time.Hour,
		CreatedAt:   now.Add(-time.Minute),
		Status:      model.StatusTriggered,
		TriggeredAt: &now,
	}
}

func trigger(s *model.Signal) model.TriggerEvent {
	return model.TriggerEvent{SignalID: s.ID, Symbol: s.Symbol, Action: s.Action, TriggeredAt: *s.TriggeredAt}
}

func newTestExecutor(t *testing.T, cfg Config, signals *fakeSignals, prices *fakePrices) (*Executor, *fakePub, *fakeNotifier, *sqlite.Journal) {
	t.Helper()
	journal, err := sqlite.NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	pub := &fakePub{}
	notify := &fakeNotifier{}
	clk := fixedClock{now: time.Date(2026, 8, 20, 10, 30, 5, 0, time.UTC)}
	return New(cfg, signals, prices, pub, clk, journal, notify), pub, notify, journal
}

func TestExecute_PaperFillAppliesSlippage(t *testing.T) {
	sig := triggeredSignal("s1", model.ActionBuy)
	signals := newFakeSignals(sig)
	prices := &fakePrices{prices: map[string]float64{"BANKNIFTY": 10000}}
	exec, pub, notify, journal := newTestExecutor(t, Config{SlippageBps: 5, DefaultQty: 25}, signals, prices)

	var hooked []Result
	exec.OnFill = func(res Result) { hooked = append(hooked, res) }

	exec.Execute(context.Background(), trigger(sig))

	require.Equal(t, model.StatusExecuted, signals.status("s1"))
	require.Equal(t, int64(1), exec.Fills())

	res := pub.lastResult(t)
	require.Equal(t, []string{"engine:decision:BANKNIFTY"}, pub.channels)
	require.Equal(t, "executed", res.Status)
	// 5 bps of 10000 = 5, buys fill above the stored price.
	require.InDelta(t, 10005, res.Price, 1e-9)
	require.InDelta(t, 5, res.Slippage, 1e-9)
	require.Equal(t, int64(25), res.Qty)
	require.True(t, strings.HasPrefix(res.OrderID, "PAPER-"), "order id %q", res.OrderID)

	require.Equal(t, []string{"s1"}, notify.executed)
	require.Len(t, hooked, 1)

	trades, err := journal.Trades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, res.OrderID, trades[0].OrderID)
	require.InDelta(t, 10005, trades[0].Price, 1e-9)
}

func TestExecute_SellFillsBelowStoredPrice(t *testing.T) {
	sig := triggeredSignal("s1", model.ActionSell)
	signals := newFakeSignals(sig)
	prices := &fakePrices{prices: map[string]float64{"BANKNIFTY": 10000}}
	exec, pub, _, _ := newTestExecutor(t, Config{SlippageBps: 5, DefaultQty: 1}, signals, prices)

	exec.Execute(context.Background(), trigger(sig))

	res := pub.lastResult(t)
	require.InDelta(t, 9995, res.Price, 1e-9)
}

func TestExecute_QtyPerInstrumentOverridesDefault(t *testing.T) {
	sig := triggeredSignal("s1", model.ActionBuy)
	signals := newFakeSignals(sig)
	prices := &fakePrices{prices: map[string]float64{"BANKNIFTY": 100}}
	cfg := Config{Qty: map[string]int64{"BANKNIFTY": 15}, DefaultQty: 1}
	exec, pub, _, _ := newTestExecutor(t, cfg, signals, prices)

	exec.Execute(context.Background(), trigger(sig))

	require.Equal(t, int64(15), pub.lastResult(t).Qty)
}

func TestExecute_LostClaimIsSilentlySkipped(t *testing.T) {
	sig := triggeredSignal("s1", model.ActionBuy)
	sig.Status = model.StatusExecuting // another instance already claimed it
	signals := newFakeSignals(sig)
	prices := &fakePrices{prices: map[string]float64{"BANKNIFTY": 10000}}
	exec, pub, notify, _ := newTestExecutor(t, Config{DefaultQty: 1}, signals, prices)

	now := time.Now()
	exec.Execute(context.Background(), model.TriggerEvent{SignalID: "s1", Symbol: "BANKNIFTY", Action: model.ActionBuy, TriggeredAt: now})

	require.Equal(t, model.StatusExecuting, signals.status("s1"))
	require.Empty(t, pub.channels, "losing the claim must publish nothing")
	require.Empty(t, notify.executed)
	require.Empty(t, notify.failed)
	require.Zero(t, exec.Fills())
}

func TestExecute_NoPriceFailsSignal(t *testing.T) {
	sig := triggeredSignal("s1", model.ActionBuy)
	signals := newFakeSignals(sig)
	prices := &fakePrices{prices: map[string]float64{}} // nothing stored yet
	exec, pub, notify, _ := newTestExecutor(t, Config{DefaultQty: 1}, signals, prices)

	exec.Execute(context.Background(), trigger(sig))

	require.Equal(t, model.StatusFailed, signals.status("s1"))
	res := pub.lastResult(t)
	require.Equal(t, "failed", res.Status)
	require.Equal(t, "no_price", res.Reason)
	require.Equal(t, []string{"s1:no_price"}, notify.failed)
	require.Zero(t, exec.Fills())
}

func TestExecute_StoreOutageFailsSignal(t *testing.T) {
	sig := triggeredSignal("s1", model.ActionBuy)
	signals := newFakeSignals(sig)
	prices := &fakePrices{err: context.DeadlineExceeded}
	exec, pub, _, _ := newTestExecutor(t, Config{DefaultQty: 1}, signals, prices)

	exec.Execute(context.Background(), trigger(sig))

	require.Equal(t, model.StatusFailed, signals.status("s1"))
	require.Equal(t, "store_unavailable", pub.lastResult(t).Reason)
}

func TestExecute_JournalKeepsTerminalHistory(t *testing.T) {
	sig := triggeredSignal("s1", model.ActionBuy)
	signals := newFakeSignals(sig)
	prices := &fakePrices{prices: map[string]float64{"BANKNIFTY": 500}}
	exec, _, _, journal := newTestExecutor(t, Config{DefaultQty: 1}, signals, prices)

	exec.Execute(context.Background(), trigger(sig))

	history, err := journal.Transitions("s1")
	require.NoError(t, err)
	require.Equal(t, []string{"executed"}, history)
}

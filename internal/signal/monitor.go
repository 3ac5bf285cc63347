package signal

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/model"
	"tradecore/internal/store"
)

// Decision is the handler's verdict on a freshly triggered signal.
type Decision struct {
	Accepted bool
	Retry    bool   // rejected but re-armable (signal returns to active)
	Reason   string // recorded when the rejection is final
}

// TriggerHandler is invoked exactly once per trigger, after the
// active→triggered transition has been won. Accepted moves the signal to
// executing; a final rejection moves it to failed.
type TriggerHandler func(ctx context.Context, ev model.TriggerEvent) Decision

// Monitor evaluates every active signal on each indicator update and owns
// the non-terminal half of the signal state machine. Triggering is
// at-most-once: the compare-and-set on active→triggered is the only gate,
// so two monitors racing on the same update cannot double-fire.
type Monitor struct {
	signals model.SignalStore
	ind     model.IndicatorStore
	pub     model.Publisher
	clock   model.Clock

	mu      sync.RWMutex
	handler TriggerHandler

	// Metrics hooks (optional).
	OnTriggered func(ev model.TriggerEvent)
	OnExpired   func(id string)
	OnEvalError func(id string, err error)
}

// NewMonitor wires a Monitor. handler may be nil: triggered signals then
// stay in triggered and an out-of-process executor picks them up from the
// engine:signal channel.
func NewMonitor(signals model.SignalStore, ind model.IndicatorStore, pub model.Publisher, clk model.Clock) *Monitor {
	return &Monitor{signals: signals, ind: ind, pub: pub, clock: clk}
}

// OnTrigger installs the trigger handler.
func (m *Monitor) OnTrigger(h TriggerHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Run consumes indicator envelopes from sub until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			var snap model.Snapshot
			if err := json.Unmarshal(env.Payload, &snap); err != nil {
				log.Printf("[signal] corrupt snapshot on %s, dropping", env.Channel)
				continue
			}
			m.Evaluate(ctx, &snap, env.Sequence)
		}
	}
}

// Evaluate checks every signal registered on the snapshot's instrument.
// Signals are evaluated concurrently; each one is serialized within itself
// by the store's compare-and-set.
func (m *Monitor) Evaluate(ctx context.Context, snap *model.Snapshot, seq uint64) {
	sigs, err := m.signals.SignalsByInstrument(ctx, snap.Symbol)
	if err != nil {
		if err != store.ErrNotFound {
			log.Printf("[signal] list signals %s: %v", snap.Symbol, err)
		}
		return
	}

	var wg sync.WaitGroup
	for _, s := range sigs {
		if s.Status != model.StatusActive {
			continue
		}
		wg.Add(1)
		go func(s *model.Signal) {
			defer wg.Done()
			m.evalOne(ctx, s, snap, seq)
		}(s)
	}
	wg.Wait()
}

func (m *Monitor) evalOne(ctx context.Context, s *model.Signal, snap *model.Snapshot, seq uint64) {
	now := m.clock.Now(ctx)
	if !now.Before(s.ExpiresAt()) {
		m.expire(ctx, s.ID)
		return
	}

	fired := true
	var primaryVal *float64
	for i, p := range s.Predicates() {
		var prev *float64
		if p.Op == model.OpCrossesAbove || p.Op == model.OpCrossesBelow {
			v, err := m.ind.PrevIndicator(ctx, s.Symbol, p.Indicator)
			if err != nil && err != store.ErrNotFound {
				if m.OnEvalError != nil {
					m.OnEvalError(s.ID, err)
				}
				return // transient store error, retry on next update
			}
			prev = v
		}

		res := Evaluate(p, snap, prev)
		if res.Unknown {
			m.fail(ctx, s.ID, "unknown_indicator: "+p.Indicator)
			return
		}
		if i == 0 {
			primaryVal = res.Current
		}
		if !res.Fired {
			fired = false
		}
	}

	if !fired {
		m.touch(ctx, s.ID, primaryVal, now)
		return
	}

	// Win the trigger or walk away: a conflict means another evaluator,
	// a cancel or an expiry got there first.
	err := m.signals.CompareAndSetStatus(ctx, s.ID, model.StatusActive, model.StatusTriggered, func(sig *model.Signal) {
		sig.TriggeredAt = &now
		sig.CurrentValue = primaryVal
		sig.LastCheckedAt = &now
	})
	if err != nil {
		if err != store.ErrConflict {
			log.Printf("[signal] trigger %s: %v", s.ID, err)
		}
		return
	}

	ev := model.TriggerEvent{
		SignalID:     s.ID,
		Symbol:       s.Symbol,
		Action:       s.Action,
		TriggeredAt:  now,
		IndicatorSeq: seq,
		Snapshot:     snap,
	}
	log.Printf("[signal] triggered %s %s %s", s.ID, s.Symbol, s.Action)
	if _, err := m.pub.Publish(ctx, bus.SignalChannel(s.Symbol), &ev); err != nil {
		log.Printf("[signal] publish trigger %s: %v", s.ID, err)
	}
	if m.OnTriggered != nil {
		m.OnTriggered(ev)
	}

	m.dispatch(ctx, ev)
}

// dispatch runs the trigger handler and applies its verdict.
func (m *Monitor) dispatch(ctx context.Context, ev model.TriggerEvent) {
	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h == nil {
		return
	}

	d := h(ctx, ev)
	switch {
	case d.Accepted:
		if err := m.signals.CompareAndSetStatus(ctx, ev.SignalID, model.StatusTriggered, model.StatusExecuting, nil); err != nil {
			log.Printf("[signal] %s triggered→executing: %v", ev.SignalID, err)
		}
	case d.Retry:
		if err := m.signals.CompareAndSetStatus(ctx, ev.SignalID, model.StatusTriggered, model.StatusActive, nil); err != nil {
			log.Printf("[signal] %s re-arm: %v", ev.SignalID, err)
		}
	default:
		reason := d.Reason
		if reason == "" {
			reason = "handler_rejected"
		}
		if err := m.signals.MarkFailed(ctx, ev.SignalID, reason); err != nil {
			log.Printf("[signal] %s fail: %v", ev.SignalID, err)
		}
	}
}

// touch records the latest observed value on a still-active signal.
// Best effort: a conflict just means the signal moved on.
func (m *Monitor) touch(ctx context.Context, id string, val *float64, at time.Time) {
	_ = m.signals.CompareAndSetStatus(ctx, id, model.StatusActive, model.StatusActive, func(sig *model.Signal) {
		sig.CurrentValue = val
		sig.LastCheckedAt = &at
	})
}

func (m *Monitor) expire(ctx context.Context, id string) {
	err := m.signals.CompareAndSetStatus(ctx, id, model.StatusActive, model.StatusExpired, nil)
	if err == nil {
		log.Printf("[signal] expired %s", id)
		if m.OnExpired != nil {
			m.OnExpired(id)
		}
	}
}

func (m *Monitor) fail(ctx context.Context, id, reason string) {
	err := m.signals.CompareAndSetStatus(ctx, id, model.StatusActive, model.StatusFailed, func(sig *model.Signal) {
		sig.ExecResult = reason
	})
	if err == nil {
		log.Printf("[signal] failed %s: %s", id, reason)
	}
}

// InstrumentLister enumerates the instruments that currently hold signal
// records. The Redis store implements it over the index keys.
type InstrumentLister interface {
	SignalInstruments(ctx context.Context) ([]string, error)
}

// RunSweep expires overdue signals once per second, independent of
// indicator traffic, so a quiet instrument still expires on time. The
// instrument set is re-resolved from the store every pass: signals may be
// registered on instruments outside the configured feed set, and those must
// expire too.
func (m *Monitor) RunSweep(ctx context.Context, list InstrumentLister) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce(ctx, list)
		}
	}
}

func (m *Monitor) sweepOnce(ctx context.Context, list InstrumentLister) {
	symbols, err := list.SignalInstruments(ctx)
	if err != nil {
		log.Printf("[signal] sweep: list instruments: %v", err)
		return
	}
	m.sweep(ctx, symbols)
}

func (m *Monitor) sweep(ctx context.Context, symbols []string) {
	now := m.clock.Now(ctx)
	for _, sym := range symbols {
		sigs, err := m.signals.SignalsByInstrument(ctx, sym)
		if err != nil {
			continue
		}
		for _, s := range sigs {
			if s.Status == model.StatusActive && !now.Before(s.ExpiresAt()) {
				m.expire(ctx, s.ID)
			}
		}
	}
}

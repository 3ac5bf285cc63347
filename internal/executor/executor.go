// Package executor turns triggered signals into paper fills. It consumes
// trigger events from the bus, claims each signal via the triggered →
// executing transition and settles it at the latest stored price. Exactly
// one executor wins a signal even when several instances race.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/bus"
	"tradecore/internal/model"
	"tradecore/internal/store"
	"tradecore/internal/store/sqlite"
)

// PriceSource reads the latest stored price for an instrument.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Notifier is told about terminal outcomes. Optional.
type Notifier interface {
	SignalExecuted(ctx context.Context, s *model.Signal, res Result)
	SignalFailed(ctx context.Context, s *model.Signal, reason string)
}

// Config tunes the paper fill model.
type Config struct {
	// SlippageBps is simulated slippage in basis points (5 = 0.05%),
	// applied against the signal: buys fill higher, sells fill lower.
	SlippageBps float64
	// Qty per instrument; unlisted instruments fill DefaultQty.
	Qty        map[string]int64
	DefaultQty int64
}

// Result is the fill outcome published on engine:decision:{instrument}.
type Result struct {
	SignalID string       `json:"signal_id"`
	OrderID  string       `json:"order_id"`
	Symbol   string       `json:"instrument"`
	Action   model.Action `json:"action"`
	Qty      int64        `json:"qty"`
	Price    float64      `json:"price"`
	Slippage float64      `json:"slippage"`
	FilledAt time.Time    `json:"filled_at"`
	Status   string       `json:"status"` // "executed" | "failed"
	Reason   string       `json:"reason,omitempty"`
}

// Executor is the paper execution engine.
type Executor struct {
	cfg     Config
	signals model.SignalStore
	prices  PriceSource
	pub     model.Publisher
	clock   model.Clock
	journal *sqlite.Journal // optional
	notify  Notifier        // optional

	fills atomic.Int64

	// Metrics hooks (optional).
	OnFill func(res Result)
}

// New wires an Executor. journal and notify may be nil.
func New(cfg Config, signals model.SignalStore, prices PriceSource, pub model.Publisher, clk model.Clock, journal *sqlite.Journal, notify Notifier) *Executor {
	if cfg.DefaultQty <= 0 {
		cfg.DefaultQty = 1
	}
	return &Executor{
		cfg:     cfg,
		signals: signals,
		prices:  prices,
		pub:     pub,
		clock:   clk,
		journal: journal,
		notify:  notify,
	}
}

// Run consumes trigger envelopes (engine:signal:*) until ctx is cancelled.
func (e *Executor) Run(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			var ev model.TriggerEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				log.Printf("[executor] corrupt trigger on %s, dropping", env.Channel)
				continue
			}
			e.Execute(ctx, ev)
		}
	}
}

// Execute claims and settles one triggered signal.
func (e *Executor) Execute(ctx context.Context, ev model.TriggerEvent) {
	err := e.signals.CompareAndSetStatus(ctx, ev.SignalID, model.StatusTriggered, model.StatusExecuting, nil)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			log.Printf("[executor] claim %s: %v", ev.SignalID, err)
		}
		return // lost the claim, or the signal moved on
	}

	price, err := e.prices.LatestPrice(ctx, ev.Symbol)
	if err != nil {
		reason := "store_unavailable"
		if errors.Is(err, store.ErrNotFound) {
			reason = "no_price"
		}
		e.fail(ctx, ev, reason)
		return
	}

	slip := price * e.cfg.SlippageBps / 10000
	fillPrice := price
	if ev.Action == model.ActionBuy {
		fillPrice += slip
	} else {
		fillPrice -= slip
	}

	qty := e.cfg.Qty[ev.Symbol]
	if qty == 0 {
		qty = e.cfg.DefaultQty
	}

	now := e.clock.Now(ctx)
	res := Result{
		SignalID: ev.SignalID,
		OrderID:  "PAPER-" + uuid.NewString(),
		Symbol:   ev.Symbol,
		Action:   ev.Action,
		Qty:      qty,
		Price:    fillPrice,
		Slippage: slip,
		FilledAt: now,
		Status:   "executed",
	}

	result := fmt.Sprintf("paper filled %d @ %.2f order=%s", qty, fillPrice, res.OrderID)
	if err := e.signals.MarkExecuted(ctx, ev.SignalID, result); err != nil {
		log.Printf("[executor] mark executed %s: %v", ev.SignalID, err)
		return
	}
	e.fills.Add(1)
	log.Printf("[executor] %s %s %s qty=%d price=%.2f slip=%.2f order=%s",
		ev.SignalID, ev.Action, ev.Symbol, qty, fillPrice, slip, res.OrderID)

	e.settle(ctx, ev, res)
}

// fail settles a claimed signal as failed.
func (e *Executor) fail(ctx context.Context, ev model.TriggerEvent, reason string) {
	if err := e.signals.MarkFailed(ctx, ev.SignalID, reason); err != nil {
		log.Printf("[executor] mark failed %s: %v", ev.SignalID, err)
		return
	}
	log.Printf("[executor] %s failed: %s", ev.SignalID, reason)

	res := Result{
		SignalID: ev.SignalID,
		Symbol:   ev.Symbol,
		Action:   ev.Action,
		FilledAt: e.clock.Now(ctx),
		Status:   "failed",
		Reason:   reason,
	}
	e.settle(ctx, ev, res)
}

// settle journals the terminal transition, publishes the decision and
// notifies. All best effort: the store record is already authoritative.
func (e *Executor) settle(ctx context.Context, ev model.TriggerEvent, res Result) {
	sig, err := e.signals.GetSignal(ctx, ev.SignalID)
	if err != nil {
		log.Printf("[executor] reload %s: %v", ev.SignalID, err)
		sig = &model.Signal{ID: ev.SignalID, Symbol: ev.Symbol, Action: ev.Action}
	}

	if e.journal != nil {
		if err := e.journal.RecordTransition(sig, res.Reason, res.FilledAt); err != nil {
			log.Printf("[executor] journal transition %s: %v", ev.SignalID, err)
		}
		if res.Status == "executed" {
			err := e.journal.RecordTrade(sqlite.TradeRecord{
				OrderID:    res.OrderID,
				SignalID:   res.SignalID,
				Instrument: res.Symbol,
				Action:     string(res.Action),
				Qty:        res.Qty,
				Price:      res.Price,
				Slippage:   res.Slippage,
				FilledAt:   res.FilledAt,
			})
			if err != nil {
				log.Printf("[executor] journal trade %s: %v", ev.SignalID, err)
			}
		}
	}

	if _, err := e.pub.Publish(ctx, bus.DecisionChannel(res.Symbol), &res); err != nil {
		log.Printf("[executor] publish decision %s: %v", ev.SignalID, err)
	}

	if e.notify != nil {
		if res.Status == "executed" {
			e.notify.SignalExecuted(ctx, sig, res)
		} else {
			e.notify.SignalFailed(ctx, sig, res.Reason)
		}
	}
	if e.OnFill != nil {
		e.OnFill(res)
	}
}

// Fills returns the count of executed fills since start.
func (e *Executor) Fills() int64 { return e.fills.Load() }

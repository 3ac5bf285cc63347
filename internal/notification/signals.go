package notification

import (
	"context"
	"fmt"

	"tradecore/internal/executor"
	"tradecore/internal/model"
)

// SignalAlerts adapts a Notifier to the executor's terminal-transition
// callbacks.
type SignalAlerts struct {
	n Notifier
}

// NewSignalAlerts wraps n.
func NewSignalAlerts(n Notifier) *SignalAlerts { return &SignalAlerts{n: n} }

func (a *SignalAlerts) SignalExecuted(ctx context.Context, s *model.Signal, res executor.Result) {
	_ = a.n.Send(ctx, Alert{
		Level: AlertInfo,
		Title: fmt.Sprintf("Signal executed: %s %s", s.Action, s.Symbol),
		Message: fmt.Sprintf("id=%s qty=%d price=%.2f order=%s",
			s.ID, res.Qty, res.Price, res.OrderID),
	})
}

func (a *SignalAlerts) SignalFailed(ctx context.Context, s *model.Signal, reason string) {
	_ = a.n.Send(ctx, Alert{
		Level:   AlertWarning,
		Title:   fmt.Sprintf("Signal failed: %s %s", s.Action, s.Symbol),
		Message: fmt.Sprintf("id=%s reason=%s", s.ID, reason),
	})
}

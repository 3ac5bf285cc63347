// Package signal evaluates conditional trading signals against indicator
// updates and drives the signal state machine.
package signal

import (
	"math"

	"tradecore/internal/model"
)

// EqualTolerance is the absolute tolerance used by the "=" operator.
const EqualTolerance = 1e-9

// Result of evaluating one predicate against one snapshot.
type Result struct {
	Fired   bool
	Unknown bool     // indicator name absent from the snapshot entirely
	Current *float64 // current value seen, nil while warming up
}

// Evaluate applies a predicate to the current snapshot value and, for
// crossing operators, the cached previous value. Null values make the
// predicate false, never an error:
//
//	crosses_above(t) fires iff prev <= t AND curr > t
//	crosses_below(t) fires iff prev >= t AND curr < t
func Evaluate(p model.Predicate, snap *model.Snapshot, prev *float64) Result {
	if snap == nil || snap.Values == nil {
		return Result{}
	}
	curr, known := snap.Values[p.Indicator]
	if !known {
		return Result{Unknown: true}
	}
	if curr == nil {
		return Result{} // warming up — false, not an error
	}

	res := Result{Current: curr}
	switch p.Op {
	case model.OpGreater:
		res.Fired = *curr > p.Threshold
	case model.OpLess:
		res.Fired = *curr < p.Threshold
	case model.OpEqual:
		res.Fired = math.Abs(*curr-p.Threshold) <= EqualTolerance
	case model.OpCrossesAbove:
		res.Fired = prev != nil && *prev <= p.Threshold && *curr > p.Threshold
	case model.OpCrossesBelow:
		res.Fired = prev != nil && *prev >= p.Threshold && *curr < p.Threshold
	default:
		res.Unknown = true
	}
	return res
}

package model

import (
	"encoding/json"
	"time"
)

// Action is the side of a trading signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Operator compares an indicator value against a threshold.
// crosses_above / crosses_below additionally need the previous value.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpEqual        Operator = "="
	OpCrossesAbove Operator = "crosses_above"
	OpCrossesBelow Operator = "crosses_below"
)

// Predicate is one condition over an indicator snapshot.
type Predicate struct {
	Indicator string   `json:"indicator"`
	Op        Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
}

// SignalStatus is a state of the signal state machine.
//
//	created → active → triggered → executing → executed | failed
//	          active → expired | cancelled
//
// executed, failed, expired and cancelled are terminal and immutable.
type SignalStatus string

const (
	StatusCreated   SignalStatus = "created"
	StatusActive    SignalStatus = "active"
	StatusTriggered SignalStatus = "triggered"
	StatusExecuting SignalStatus = "executing"
	StatusExecuted  SignalStatus = "executed"
	StatusFailed    SignalStatus = "failed"
	StatusExpired   SignalStatus = "expired"
	StatusCancelled SignalStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s SignalStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Signal is the durable form of a conditional trading signal: the
// definition plus its state-machine record. The signal fires iff the
// primary predicate and all extra predicates evaluate true on the same
// indicator update.
type Signal struct {
	ID        string        `json:"signal_id"`
	Symbol    string        `json:"instrument"`
	Action    Action        `json:"action"`
	Primary   Predicate     `json:"primary_predicate"`
	Extra     []Predicate   `json:"extra_predicates,omitempty"`
	Lifetime  time.Duration `json:"lifetime_ns"`
	CreatedAt time.Time     `json:"created_at"`
	CreatedBy string        `json:"created_by,omitempty"`

	Status        SignalStatus `json:"status"`
	CurrentValue  *float64     `json:"current_value,omitempty"`
	LastCheckedAt *time.Time   `json:"last_checked_at,omitempty"`
	TriggeredAt   *time.Time   `json:"triggered_at,omitempty"`
	ExecutedAt    *time.Time   `json:"executed_at,omitempty"`
	ExecResult    string       `json:"exec_result,omitempty"`
}

// JSON returns the JSON-encoded signal record.
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// ExpiresAt returns the instant at which an active signal expires.
// A signal at exactly created_at+lifetime is expired, not active.
func (s *Signal) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.Lifetime)
}

// Predicates returns the primary and extra predicates as one slice.
func (s *Signal) Predicates() []Predicate {
	out := make([]Predicate, 0, 1+len(s.Extra))
	out = append(out, s.Primary)
	return append(out, s.Extra...)
}

// TriggerEvent is published on engine:signal:{instrument} when a signal
// transitions active → triggered. IndicatorSeq carries the sequence of the
// indicator envelope that caused the trigger, for causal debugging.
type TriggerEvent struct {
	SignalID     string    `json:"signal_id"`
	Symbol       string    `json:"instrument"`
	Action       Action    `json:"action"`
	TriggeredAt  time.Time `json:"triggered_at"`
	IndicatorSeq uint64    `json:"indicator_seq"`
	Snapshot     *Snapshot `json:"snapshot,omitempty"`
}

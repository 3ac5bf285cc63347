package model

import (
	"encoding/json"
	"time"
)

// Snapshot is the full indicator set computed atomically from one closed
// bar's tail window. A nil value means "not warmed up yet" — null is a
// first-class state and downstream predicates evaluate false against it.
type Snapshot struct {
	Symbol string              `json:"symbol"`
	TF     Timeframe           `json:"tf"`
	TS     time.Time           `json:"ts"` // closing bar's start_at
	Values map[string]*float64 `json:"values"`
}

// JSON returns the JSON-encoded snapshot.
func (s *Snapshot) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// Value returns the named indicator value, or nil when absent or not
// warmed up.
func (s *Snapshot) Value(name string) *float64 {
	if s == nil || s.Values == nil {
		return nil
	}
	return s.Values[name]
}

// F is a convenience for building optional float values.
func F(v float64) *float64 { return &v }

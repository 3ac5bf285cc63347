package model

import (
	"encoding/json"
	"time"
)

// Tick is a single last-traded-price observation for one instrument.
// Immutable once created. Timestamps carry an explicit offset (IST in
// canonical storage). Volume and OI are optional: indices produce neither.
type Tick struct {
	Symbol    string    `json:"symbol"`
	TS        time.Time `json:"ts"`
	LastPrice float64   `json:"last_price"`
	Volume    *int64    `json:"volume,omitempty"`
	OI        *int64    `json:"open_interest,omitempty"`
}

// JSON returns the JSON-encoded tick. The struct shape cannot fail to
// marshal, so the error is dropped on this hot path.
func (t *Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}

// Qty returns the tick volume, treating absent volume as zero.
func (t *Tick) Qty() int64 {
	if t.Volume == nil {
		return 0
	}
	return *t.Volume
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"order_count"`
}

// Depth is a 5-level order book snapshot. Replaces prior depth atomically.
// Index instruments may legitimately carry empty sides.
type Depth struct {
	Symbol string       `json:"symbol"`
	TS     time.Time    `json:"ts"`
	Buy    []DepthLevel `json:"buy"`
	Sell   []DepthLevel `json:"sell"`
}

// JSON returns the JSON-encoded depth snapshot.
func (d *Depth) JSON() []byte {
	b, _ := json.Marshal(d)
	return b
}

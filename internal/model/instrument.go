package model

import "time"

// InstrumentKind classifies an instrument.
type InstrumentKind string

const (
	KindIndex  InstrumentKind = "index"
	KindFuture InstrumentKind = "future"
	KindOption InstrumentKind = "option"
	KindSpot   InstrumentKind = "spot"
)

// OptionRight is the option side for F&O instruments.
type OptionRight string

const (
	RightCall OptionRight = "CE"
	RightPut  OptionRight = "PE"
)

// Instrument describes a tradable instrument resolved from the upstream
// catalog. Immutable once resolved.
type Instrument struct {
	Symbol   string         `json:"symbol"` // e.g. "BANKNIFTY", "NIFTY", "BTC"
	Kind     InstrumentKind `json:"kind"`
	Token    uint32         `json:"token,omitempty"` // upstream instrument token
	Expiry   *time.Time     `json:"expiry,omitempty"`
	Strike   *float64       `json:"strike,omitempty"`
	Right    OptionRight    `json:"right,omitempty"`
	LotSize  int            `json:"lot_size,omitempty"`
	TickSize float64        `json:"tick_size,omitempty"`
}

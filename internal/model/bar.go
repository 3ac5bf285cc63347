package model

import (
	"encoding/json"
	"time"
)

// Bar is one OHLC candle for a single instrument and timeframe.
// StartAt is aligned to the timeframe boundary. A bar is open while its end
// boundary has not passed and closed (immutable) afterwards; only closed
// bars feed indicators.
type Bar struct {
	Symbol  string    `json:"symbol"`
	TF      Timeframe `json:"tf"`
	StartAt time.Time `json:"start_at"`
	Open    float64   `json:"open"`
	High    float64   `json:"high"`
	Low     float64   `json:"low"`
	Close   float64   `json:"close"`
	Volume  int64     `json:"volume"`
	Ticks   int       `json:"ticks_count,omitempty"`
}

// JSON returns the JSON-encoded bar.
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}

// EndAt returns the exclusive end boundary of the bar.
func (b *Bar) EndAt() time.Time {
	return b.StartAt.Add(b.TF.Duration())
}

// Valid reports whether the OHLC invariants hold:
// low <= open,close <= high and volume >= 0.
func (b *Bar) Valid() bool {
	if b.Low > b.High || b.Volume < 0 {
		return false
	}
	if b.Open < b.Low || b.Open > b.High {
		return false
	}
	if b.Close < b.Low || b.Close > b.High {
		return false
	}
	return b.StartAt.Equal(b.TF.Floor(b.StartAt))
}

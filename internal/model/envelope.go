package model

import (
	"encoding/json"
	"time"
)

// Envelope wraps every bus message. Sequence is strictly monotone per
// channel and assigned by the publishing component; it is not persisted
// across restarts, so subscribers must treat a rewind as a gap, not an
// error. Durability is a property of the Store, never the Bus.
type Envelope struct {
	Channel   string          `json:"channel"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// JSON returns the JSON-encoded envelope.
func (e *Envelope) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

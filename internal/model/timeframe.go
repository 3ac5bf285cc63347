package model

import (
	"fmt"
	"time"
)

// Timeframe is the period of an OHLC bar. The wire names are bit-stable:
// they appear verbatim in store keys and bus channel names.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF60m Timeframe = "60m"
	TF1d  Timeframe = "1d"
)

// Timeframes lists every supported timeframe in ascending order.
var Timeframes = []Timeframe{TF1m, TF3m, TF5m, TF15m, TF30m, TF60m, TF1d}

var tfSeconds = map[Timeframe]int64{
	TF1m:  60,
	TF3m:  180,
	TF5m:  300,
	TF15m: 900,
	TF30m: 1800,
	TF60m: 3600,
	TF1d:  86400,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := tfSeconds[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Seconds returns the timeframe duration in seconds.
func (tf Timeframe) Seconds() int64 { return tfSeconds[tf] }

// Duration returns the timeframe as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Seconds()) * time.Second
}

// Floor aligns t down to the start of the bucket containing it.
// A timestamp exactly on a boundary floors to itself, i.e. it belongs
// to the NEW bar, not the one that just closed.
func (tf Timeframe) Floor(t time.Time) time.Time {
	sec := tf.Seconds()
	unix := t.Unix()
	return time.Unix(unix-(unix%sec), 0).In(t.Location())
}

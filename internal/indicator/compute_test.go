package indicator

import (
	"math"
	"testing"
	"time"

	"tradecore/internal/model"
)

func barsFromCloses(closes []float64) []model.Bar {
	base := time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC)
	bars := make([]model.Bar, len(closes))
	for i, c := range closes {
		bars[i] = model.Bar{
			Symbol:  "BANKNIFTY",
			TF:      model.TF1m,
			StartAt: base.Add(time.Duration(i) * time.Minute),
			Open:    c,
			High:    c + 1,
			Low:     c - 1,
			Close:   c,
			Volume:  100,
		}
	}
	return bars
}

func seq(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func almost(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s is nil, want %v", name, want)
	}
	if math.Abs(*got-want) > 1e-9 {
		t.Fatalf("%s=%v, want %v", name, *got, want)
	}
}

func TestCompute_SMA(t *testing.T) {
	v := Compute(barsFromCloses(seq(20, 1, 1))) // closes 1..20

	almost(t, "sma_20", v["sma_20"], 10.5)
	if v["sma_50"] != nil {
		t.Fatal("sma_50 must be nil with 20 bars")
	}
	if v["sma_200"] != nil {
		t.Fatal("sma_200 must be nil with 20 bars")
	}
}

func TestCompute_EMAConstantSeries(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 500
	}
	v := Compute(barsFromCloses(closes))

	almost(t, "ema_9", v["ema_9"], 500)
	almost(t, "ema_21", v["ema_21"], 500)
	almost(t, "macd", v["macd"], 0)
}

func TestCompute_RSIMonotonicSeries(t *testing.T) {
	// Strictly rising closes: no losses, RSI pegs at 100.
	v := Compute(barsFromCloses(seq(15, 100, 1)))
	almost(t, "rsi_14", v["rsi_14"], 100)

	// Strictly falling closes: no gains, RSI pegs at 0.
	v = Compute(barsFromCloses(seq(15, 100, -1)))
	almost(t, "rsi_14", v["rsi_14"], 0)
}

func TestCompute_WarmupNulls(t *testing.T) {
	v := Compute(barsFromCloses(seq(5, 100, 1)))

	for _, name := range []string{"rsi_14", "sma_20", "ema_9", "macd", "bb_middle", "stoch_k", "atr_14"} {
		if v[name] != nil {
			t.Fatalf("%s=%v with 5 bars, want nil", name, *v[name])
		}
	}
	// Indicators with tiny minimums are available immediately.
	if v["vwap"] == nil {
		t.Fatal("vwap must be available from the first bar")
	}
	if v["price_change_pct"] == nil {
		t.Fatal("price_change_pct needs only two bars")
	}
	almost(t, "price_change_pct", v["price_change_pct"], 1.0/103.0*100)
}

func TestCompute_BollingerConstantSeries(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 250
	}
	v := Compute(barsFromCloses(closes))

	almost(t, "bb_middle", v["bb_middle"], 250)
	almost(t, "bb_upper", v["bb_upper"], 250) // zero variance collapses the band
	almost(t, "bb_lower", v["bb_lower"], 250)
}

func TestCompute_VolumeRatio(t *testing.T) {
	bars := barsFromCloses(seq(20, 100, 0))
	bars[len(bars)-1].Volume = 300 // others are 100
	v := Compute(bars)

	// SMA(20) of volume = (19*100 + 300)/20 = 110.
	almost(t, "volume_sma_20", v["volume_sma_20"], 110)
	almost(t, "volume_ratio", v["volume_ratio"], 300.0/110.0)
}

func TestCompute_SupportResistance(t *testing.T) {
	bars := barsFromCloses(seq(10, 100, 1)) // lows 99..108, highs 101..110
	v := Compute(bars)

	almost(t, "support", v["support"], 99)
	almost(t, "resistance", v["resistance"], 110)
}

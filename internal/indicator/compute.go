// Package indicator computes the technical indicator set over a rolling
// window of closed bars.
//
// Every computation returns *float64: nil while the window is shorter than
// the indicator's minimum — null is a first-class value, never an error, and
// downstream predicates evaluate false against it.
package indicator

import (
	"math"

	"tradecore/internal/model"
)

// Compute produces the full snapshot from a tail window of closed bars,
// oldest first. The last bar is the one that just closed.
func Compute(bars []model.Bar) map[string]*float64 {
	closes := make([]float64, len(bars))
	vols := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		vols[i] = float64(b.Volume) // null volume already folded to zero
	}

	v := map[string]*float64{
		"rsi_14":  rsi(closes, 14),
		"rsi_21":  rsi(closes, 21),
		"sma_20":  sma(closes, 20),
		"sma_50":  sma(closes, 50),
		"sma_200": sma(closes, 200),
		"ema_9":   ema(closes, 9),
		"ema_21":  ema(closes, 21),
		"atr_14":  atr(bars, 14),
		"adx_14":  adx(bars, 14),
		"cci_20":  cci(bars, 20),
		"vwap":    vwap(bars),
		"obv":     obv(bars),
	}

	macdLine, macdSignal, macdHist := macd(closes, 12, 26, 9)
	v["macd"], v["macd_signal"], v["macd_hist"] = macdLine, macdSignal, macdHist

	upper, middle, lower := bollinger(closes, 20, 2.0)
	v["bb_upper"], v["bb_middle"], v["bb_lower"] = upper, middle, lower

	k, d := stochastic(bars, 14, 3)
	v["stoch_k"], v["stoch_d"] = k, d

	volSMA := sma(vols, 20)
	v["volume_sma_20"] = volSMA
	if volSMA != nil && *volSMA > 0 && len(vols) > 0 {
		v["volume_ratio"] = model.F(vols[len(vols)-1] / *volSMA)
	} else {
		v["volume_ratio"] = nil
	}

	v["support"], v["resistance"] = extrema(bars)

	if len(closes) >= 2 && closes[len(closes)-2] != 0 {
		prev := closes[len(closes)-2]
		v["price_change_pct"] = model.F((closes[len(closes)-1] - prev) / prev * 100)
	} else {
		v["price_change_pct"] = nil
	}

	return v
}

// sma is the simple moving average of the last n values.
func sma(vals []float64, n int) *float64 {
	if len(vals) < n || n <= 0 {
		return nil
	}
	sum := 0.0
	for _, x := range vals[len(vals)-n:] {
		sum += x
	}
	return model.F(sum / float64(n))
}

// emaSeries returns the EMA series seeded with an SMA of the first n values.
// Returns nil when fewer than n values exist.
func emaSeries(vals []float64, n int) []float64 {
	if len(vals) < n || n <= 0 {
		return nil
	}
	out := make([]float64, 0, len(vals)-n+1)
	seed := 0.0
	for _, x := range vals[:n] {
		seed += x
	}
	cur := seed / float64(n)
	out = append(out, cur)
	k := 2.0 / float64(n+1)
	for _, x := range vals[n:] {
		cur = x*k + cur*(1-k)
		out = append(out, cur)
	}
	return out
}

func ema(vals []float64, n int) *float64 {
	s := emaSeries(vals, n)
	if s == nil {
		return nil
	}
	return model.F(s[len(s)-1])
}

// rsi uses Wilder's smoothing; needs n+1 closes for the first value.
func rsi(closes []float64, n int) *float64 {
	if len(closes) < n+1 {
		return nil
	}
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= n; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)

	p := float64(n)
	for i := n + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
	}

	if avgLoss == 0 {
		return model.F(100.0)
	}
	rs := avgGain / avgLoss
	return model.F(100.0 - 100.0/(1.0+rs))
}

// macd returns (line, signal, histogram). The signal needs slow+signal-1
// closes.
func macd(closes []float64, fast, slow, signal int) (*float64, *float64, *float64) {
	fastS := emaSeries(closes, fast)
	slowS := emaSeries(closes, slow)
	if fastS == nil || slowS == nil {
		return nil, nil, nil
	}
	// Align the two series on their tails.
	n := len(slowS)
	diff := make([]float64, n)
	off := len(fastS) - n
	for i := 0; i < n; i++ {
		diff[i] = fastS[off+i] - slowS[i]
	}
	line := model.F(diff[n-1])

	sigS := emaSeries(diff, signal)
	if sigS == nil {
		return line, nil, nil
	}
	sig := sigS[len(sigS)-1]
	return line, model.F(sig), model.F(*line - sig)
}

// bollinger returns (upper, middle, lower) using a population stddev.
func bollinger(closes []float64, n int, mult float64) (*float64, *float64, *float64) {
	mid := sma(closes, n)
	if mid == nil {
		return nil, nil, nil
	}
	tail := closes[len(closes)-n:]
	variance := 0.0
	for _, x := range tail {
		d := x - *mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(n))
	return model.F(*mid + mult*sd), mid, model.F(*mid - mult*sd)
}

// trueRange of bar i against its previous close.
func trueRange(bars []model.Bar, i int) float64 {
	hl := bars[i].High - bars[i].Low
	if i == 0 {
		return hl
	}
	pc := bars[i-1].Close
	return math.Max(hl, math.Max(math.Abs(bars[i].High-pc), math.Abs(bars[i].Low-pc)))
}

// atr uses Wilder smoothing over true ranges; needs n+1 bars.
func atr(bars []model.Bar, n int) *float64 {
	if len(bars) < n+1 {
		return nil
	}
	cur := 0.0
	for i := 1; i <= n; i++ {
		cur += trueRange(bars, i)
	}
	cur /= float64(n)
	p := float64(n)
	for i := n + 1; i < len(bars); i++ {
		cur = (cur*(p-1) + trueRange(bars, i)) / p
	}
	return model.F(cur)
}

// adx needs roughly two periods of bars before the first smoothed value.
func adx(bars []model.Bar, n int) *float64 {
	if len(bars) < 2*n+1 {
		return nil
	}

	var trs, plusDMs, minusDMs []float64
	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		plus, minus := 0.0, 0.0
		if up > down && up > 0 {
			plus = up
		}
		if down > up && down > 0 {
			minus = down
		}
		trs = append(trs, trueRange(bars, i))
		plusDMs = append(plusDMs, plus)
		minusDMs = append(minusDMs, minus)
	}

	smTR := wilderSum(trs, n)
	smPlus := wilderSum(plusDMs, n)
	smMinus := wilderSum(minusDMs, n)

	var dxs []float64
	for i := range smTR {
		if smTR[i] == 0 {
			dxs = append(dxs, 0)
			continue
		}
		pdi := 100 * smPlus[i] / smTR[i]
		mdi := 100 * smMinus[i] / smTR[i]
		if pdi+mdi == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, 100*math.Abs(pdi-mdi)/(pdi+mdi))
	}
	if len(dxs) < n {
		return nil
	}

	// ADX = Wilder-smoothed DX.
	cur := 0.0
	for _, x := range dxs[:n] {
		cur += x
	}
	cur /= float64(n)
	p := float64(n)
	for _, x := range dxs[n:] {
		cur = (cur*(p-1) + x) / p
	}
	return model.F(cur)
}

// wilderSum produces the smoothed running sums used by ADX.
func wilderSum(vals []float64, n int) []float64 {
	if len(vals) < n {
		return nil
	}
	out := make([]float64, 0, len(vals)-n+1)
	cur := 0.0
	for _, x := range vals[:n] {
		cur += x
	}
	out = append(out, cur)
	for _, x := range vals[n:] {
		cur = cur - cur/float64(n) + x
		out = append(out, cur)
	}
	return out
}

// cci over typical prices with mean absolute deviation.
func cci(bars []model.Bar, n int) *float64 {
	if len(bars) < n {
		return nil
	}
	tps := make([]float64, n)
	tail := bars[len(bars)-n:]
	sum := 0.0
	for i, b := range tail {
		tps[i] = (b.High + b.Low + b.Close) / 3
		sum += tps[i]
	}
	mean := sum / float64(n)
	dev := 0.0
	for _, tp := range tps {
		dev += math.Abs(tp - mean)
	}
	dev /= float64(n)
	if dev == 0 {
		return model.F(0)
	}
	return model.F((tps[n-1] - mean) / (0.015 * dev))
}

// stochastic returns (%K, %D): fast %K over kN bars, %D = SMA(dN) of %K.
func stochastic(bars []model.Bar, kN, dN int) (*float64, *float64) {
	if len(bars) < kN {
		return nil, nil
	}
	kAt := func(end int) float64 {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, b := range bars[end-kN : end] {
			lo = math.Min(lo, b.Low)
			hi = math.Max(hi, b.High)
		}
		if hi == lo {
			return 50
		}
		return (bars[end-1].Close - lo) / (hi - lo) * 100
	}

	k := kAt(len(bars))
	if len(bars) < kN+dN-1 {
		return model.F(k), nil
	}
	sum := 0.0
	for i := 0; i < dN; i++ {
		sum += kAt(len(bars) - i)
	}
	return model.F(k), model.F(sum / float64(dN))
}

// vwap over the whole window; null when the window traded no volume
// (e.g. index instruments).
func vwap(bars []model.Bar) *float64 {
	pv, vol := 0.0, 0.0
	for _, b := range bars {
		tp := (b.High + b.Low + b.Close) / 3
		pv += tp * float64(b.Volume)
		vol += float64(b.Volume)
	}
	if vol == 0 {
		return nil
	}
	return model.F(pv / vol)
}

// obv is the on-balance volume accumulated across the window.
func obv(bars []model.Bar) *float64 {
	if len(bars) < 2 {
		return nil
	}
	cum := 0.0
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Close > bars[i-1].Close:
			cum += float64(bars[i].Volume)
		case bars[i].Close < bars[i-1].Close:
			cum -= float64(bars[i].Volume)
		}
	}
	return model.F(cum)
}

// extrema returns (support, resistance) from window lows and highs.
func extrema(bars []model.Bar) (*float64, *float64) {
	if len(bars) == 0 {
		return nil, nil
	}
	lo, hi := bars[0].Low, bars[0].High
	for _, b := range bars[1:] {
		lo = math.Min(lo, b.Low)
		hi = math.Max(hi, b.High)
	}
	return model.F(lo), model.F(hi)
}

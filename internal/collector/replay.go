package collector

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"tradecore/internal/markethours"
	"tradecore/internal/model"
)

// ReplaySource selects where historical data comes from.
type ReplaySource string

const (
	SourceCSV  ReplaySource = "csv"
	SourceKite ReplaySource = "kite"
)

// ReplayConfig configures the historical collector.
type ReplayConfig struct {
	Source ReplaySource
	Path   string // CSV tick file for SourceCSV

	// SourceKite parameters.
	APIKey      string
	Instruments []model.Instrument
	From, To    time.Time
	TF          model.Timeframe // archive bar interval, default 1m

	// Speed is the playback multiplier: 0 replays as fast as possible,
	// 1 in real time, k at k× real time.
	Speed float64
}

// Replay feeds recorded ticks through the pipeline, driving the virtual
// clock so the candle builder and signal engine observe historical time.
// Start returns nil once the source is exhausted.
type Replay struct {
	cfg    ReplayConfig
	tokens TokenSource // SourceKite only
	vclock VirtualClock

	cancel context.CancelFunc

	// Metrics hooks (optional).
	OnEmitted func(n int)
}

// NewReplay creates the historical collector. tokens is required only for
// SourceKite.
func NewReplay(cfg ReplayConfig, tokens TokenSource, vclock VirtualClock) *Replay {
	if cfg.TF == "" {
		cfg.TF = model.TF1m
	}
	return &Replay{cfg: cfg, tokens: tokens, vclock: vclock}
}

func (r *Replay) Name() string { return "historical" }

// Start loads the source, enables the virtual clock at the first tick and
// emits every tick in timestamp order.
func (r *Replay) Start(ctx context.Context, sink Sink) error {
	ctx, r.cancel = context.WithCancel(ctx)
	defer r.cancel()

	var ticks []model.Tick
	var err error
	switch r.cfg.Source {
	case SourceCSV:
		ticks, err = loadCSV(r.cfg.Path)
	case SourceKite:
		ticks, err = r.loadKite(ctx)
	default:
		return fmt.Errorf("replay: unknown source %q", r.cfg.Source)
	}
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		log.Printf("[replay] source empty, nothing to do")
		return nil
	}

	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].TS.Before(ticks[j].TS) })

	if err := r.vclock.SetVirtual(ctx, ticks[0].TS); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	log.Printf("[replay] %d ticks, %s → %s, speed=%.1fx",
		len(ticks), ticks[0].TS.Format(time.RFC3339), ticks[len(ticks)-1].TS.Format(time.RFC3339), r.cfg.Speed)

	emitted := 0
	var prevTS time.Time
	for _, t := range ticks {
		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d ticks", emitted)
			return nil
		default:
		}

		if r.cfg.Speed > 0 && !prevTS.IsZero() {
			if gap := t.TS.Sub(prevTS); gap > 0 {
				scaled := time.Duration(float64(gap) / r.cfg.Speed)
				if scaled > 5*time.Second {
					scaled = 5 * time.Second // overnight gaps collapse
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(scaled):
				}
			}
		}
		prevTS = t.TS

		if err := r.vclock.Advance(ctx, t.TS); err != nil {
			log.Printf("[replay] clock advance: %v", err)
		}
		sink.Tick(ctx, t)
		emitted++
		if r.OnEmitted != nil {
			r.OnEmitted(emitted)
		}
	}

	log.Printf("[replay] completed: %d ticks", emitted)
	return nil
}

// Stop aborts an in-flight replay. Virtual clock state is left in place so
// downstream components stay coherent with the data already emitted.
func (r *Replay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// loadCSV reads "symbol,ts,price[,volume]" rows; ts is RFC3339. A header
// row is skipped when present.
func loadCSV(path string) ([]model.Tick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open %s: %w", path, err)
	}
	defer f.Close()

	rd := csv.NewReader(f)
	rd.FieldsPerRecord = -1

	var ticks []model.Tick
	line := 0
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("replay: %s line %d: %w", path, line+1, err)
		}
		line++
		if len(rec) < 3 {
			return nil, fmt.Errorf("replay: %s line %d: want at least 3 fields", path, line)
		}
		if line == 1 && rec[0] == "symbol" {
			continue
		}

		ts, err := time.Parse(time.RFC3339, rec[1])
		if err != nil {
			return nil, fmt.Errorf("replay: %s line %d: bad timestamp %q", path, line, rec[1])
		}
		price, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("replay: %s line %d: bad price %q", path, line, rec[2])
		}

		t := model.Tick{Symbol: rec[0], TS: ts.In(markethours.IST), LastPrice: price}
		if len(rec) > 3 && rec[3] != "" {
			vol, err := strconv.ParseInt(rec[3], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("replay: %s line %d: bad volume %q", path, line, rec[3])
			}
			t.Volume = &vol
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

// loadKite pulls archive bars from the broker and synthesizes four ticks
// per bar so the candle builder reproduces the original OHLC exactly.
func (r *Replay) loadKite(ctx context.Context) ([]model.Tick, error) {
	token, err := r.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	kc := kiteconnect.New(r.cfg.APIKey)
	kc.SetAccessToken(token)

	interval := kiteInterval(r.cfg.TF)
	var ticks []model.Tick
	for _, ins := range r.cfg.Instruments {
		data, err := kc.GetHistoricalData(int(ins.Token), interval, r.cfg.From, r.cfg.To, false, ins.Kind != model.KindIndex)
		if err != nil {
			return nil, fmt.Errorf("replay: historical %s: %w", ins.Symbol, err)
		}
		log.Printf("[replay] %s: %d bars from archive", ins.Symbol, len(data))
		for _, d := range data {
			ticks = append(ticks, SyntheticTicks(ins, model.Bar{
				Symbol:  ins.Symbol,
				TF:      r.cfg.TF,
				StartAt: d.Date.Time.In(markethours.IST),
				Open:    d.Open,
				High:    d.High,
				Low:     d.Low,
				Close:   d.Close,
				Volume:  int64(d.Volume),
			})...)
		}
	}
	return ticks, nil
}

// SyntheticTicks expands one archive bar into four ticks, O H L C, spread
// at quarter offsets inside the bar so rebuilding the same timeframe yields
// the identical bar. Volume rides entirely on the closing tick.
func SyntheticTicks(ins model.Instrument, b model.Bar) []model.Tick {
	step := b.TF.Duration() / 4
	out := []model.Tick{
		{Symbol: b.Symbol, TS: b.StartAt, LastPrice: b.Open},
		{Symbol: b.Symbol, TS: b.StartAt.Add(step), LastPrice: b.High},
		{Symbol: b.Symbol, TS: b.StartAt.Add(2 * step), LastPrice: b.Low},
		{Symbol: b.Symbol, TS: b.StartAt.Add(3 * step), LastPrice: b.Close},
	}
	if ins.Kind != model.KindIndex && b.Volume > 0 {
		vol := b.Volume
		out[3].Volume = &vol
	}
	return out
}

// kiteInterval maps a timeframe to the broker's historical interval name.
func kiteInterval(tf model.Timeframe) string {
	switch tf {
	case model.TF1m:
		return "minute"
	case model.TF3m:
		return "3minute"
	case model.TF5m:
		return "5minute"
	case model.TF15m:
		return "15minute"
	case model.TF30m:
		return "30minute"
	case model.TF60m:
		return "60minute"
	case model.TF1d:
		return "day"
	default:
		return "minute"
	}
}

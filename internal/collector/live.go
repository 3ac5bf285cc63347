package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"tradecore/internal/markethours"
	"tradecore/internal/model"
	"tradecore/internal/store"
)

// TokenSource yields the current broker access token. The Redis store
// implements it over auth:kite:access_token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// LiveConfig configures the live collector.
type LiveConfig struct {
	APIKey      string
	Instruments []model.Instrument

	// TokenRecheck is how often the access token is revalidated against the
	// store. Default 60 s.
	TokenRecheck time.Duration
	// QuietAfter is how long without a tick during market hours before the
	// collector logs a stall warning. Default 60 s.
	QuietAfter time.Duration
}

// Live streams ticks from the broker WebSocket. Missing credentials are
// fatal at startup; a token that disappears mid-session stops the collector
// with store.ErrAuthRequired so the supervisor can restart after re-auth.
type Live struct {
	cfg    LiveConfig
	tokens TokenSource
	vclock VirtualClock
	clock  model.Clock

	byToken map[uint32]model.Instrument

	mu     sync.Mutex
	ticker *kiteticker.Ticker

	// failStreak counts consecutive reconnect attempts since the last
	// successful connect.
	failStreak atomic.Int32

	// Metrics hooks (optional).
	OnReconnect func()
	OnGatedTick func() // ticks dropped outside the instrument's session
}

// degradedAfter is the consecutive reconnect-failure count beyond which the
// collector reports the feed degraded until the next successful connect.
const degradedAfter = 5

// NewLive creates the live collector. vclock may be nil when no clock
// control is wanted (tests); clk may be nil to read the host clock.
func NewLive(cfg LiveConfig, tokens TokenSource, vclock VirtualClock, clk model.Clock) *Live {
	if cfg.TokenRecheck <= 0 {
		cfg.TokenRecheck = 60 * time.Second
	}
	if cfg.QuietAfter <= 0 {
		cfg.QuietAfter = 60 * time.Second
	}
	byToken := make(map[uint32]model.Instrument, len(cfg.Instruments))
	for _, ins := range cfg.Instruments {
		byToken[ins.Token] = ins
	}
	return &Live{cfg: cfg, tokens: tokens, vclock: vclock, clock: clk, byToken: byToken}
}

func (l *Live) Name() string { return "live" }

func (l *Live) now(ctx context.Context) time.Time {
	if l.clock != nil {
		return l.clock.Now(ctx)
	}
	return time.Now()
}

// Degraded reports whether the broker connection has failed 5 or more
// consecutive reconnect attempts without a successful connect. Health probes
// surface this as a degraded feed.
func (l *Live) Degraded() bool { return l.failStreak.Load() >= degradedAfter }

// noteReconnect records one failed connection attempt.
func (l *Live) noteReconnect(attempt int) {
	l.failStreak.Store(int32(attempt))
	if l.OnReconnect != nil {
		l.OnReconnect()
	}
}

// noteConnected clears the failure streak.
func (l *Live) noteConnected() { l.failStreak.Store(0) }

// Start connects and blocks until ctx is cancelled or auth is lost.
func (l *Live) Start(ctx context.Context, sink Sink) error {
	token, err := l.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("live collector: %w", err)
	}

	// Live data means real time: stale virtual state from an aborted replay
	// must not survive into a live session.
	if l.vclock != nil {
		if err := l.vclock.ClearVirtual(ctx); err != nil {
			return fmt.Errorf("live collector: %w", err)
		}
	}

	tokens := make([]uint32, 0, len(l.byToken))
	for t := range l.byToken {
		tokens = append(tokens, t)
	}

	tk := kiteticker.New(l.cfg.APIKey, token)
	l.mu.Lock()
	l.ticker = tk
	l.mu.Unlock()

	var lastData time.Time
	var lastMu sync.Mutex
	touch := func() {
		lastMu.Lock()
		lastData = time.Now()
		lastMu.Unlock()
	}

	tk.OnConnect(func() {
		l.noteConnected()
		log.Printf("[live] connected, subscribing %d instruments", len(tokens))
		if err := tk.Subscribe(tokens); err != nil {
			log.Printf("[live] subscribe: %v", err)
			return
		}
		if err := tk.SetMode(kiteticker.ModeFull, tokens); err != nil {
			log.Printf("[live] set mode: %v", err)
		}
	})
	tk.OnTick(func(kt kitemodels.Tick) {
		touch()
		l.handleTick(ctx, sink, kt)
	})
	tk.OnReconnect(func(attempt int, delay time.Duration) {
		l.noteReconnect(attempt)
		log.Printf("[live] reconnecting attempt=%d delay=%s", attempt, delay)
	})
	tk.OnNoReconnect(func(attempt int) {
		log.Printf("[live] gave up reconnecting after %d attempts", attempt)
	})
	tk.OnError(func(err error) {
		log.Printf("[live] ticker error: %v", err)
	})
	tk.OnClose(func(code int, reason string) {
		log.Printf("[live] connection closed code=%d reason=%s", code, reason)
	})

	tk.SetAutoReconnect(true)
	tk.SetReconnectMaxRetries(300)
	tk.SetReconnectMaxDelay(30 * time.Second)

	authErr := make(chan error, 1)
	go l.watch(ctx, authErr, &lastMu, &lastData)

	done := make(chan struct{})
	go func() {
		tk.Serve()
		close(done)
	}()

	select {
	case <-ctx.Done():
		tk.Stop()
		<-done
		return nil
	case err := <-authErr:
		tk.Stop()
		<-done
		return err
	case <-done:
		return errors.New("live collector: ticker stopped unexpectedly")
	}
}

// Stop closes the WebSocket. Safe to call from any goroutine.
func (l *Live) Stop() {
	l.mu.Lock()
	tk := l.ticker
	l.mu.Unlock()
	if tk != nil {
		tk.Stop()
	}
}

// watch revalidates the access token and warns when the feed goes quiet
// inside market hours.
func (l *Live) watch(ctx context.Context, authErr chan<- error, lastMu *sync.Mutex, lastData *time.Time) {
	check := time.NewTicker(l.cfg.TokenRecheck)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			if _, err := l.tokens.AccessToken(ctx); err != nil {
				if errors.Is(err, store.ErrAuthRequired) {
					authErr <- fmt.Errorf("live collector: token revoked: %w", err)
					return
				}
				log.Printf("[live] token check: %v", err) // backend blip, keep going
				continue
			}

			lastMu.Lock()
			quiet := !lastData.IsZero() && time.Since(*lastData) > l.cfg.QuietAfter
			lastMu.Unlock()
			if quiet && markethours.IsMarketOpen(l.now(ctx)) {
				log.Printf("[live] no ticks for over %s during market hours", l.cfg.QuietAfter)
			}
		}
	}
}

// handleTick converts a broker tick into the canonical form and applies the
// per-kind session gate.
func (l *Live) handleTick(ctx context.Context, sink Sink, kt kitemodels.Tick) {
	ins, ok := l.byToken[kt.InstrumentToken]
	if !ok {
		return
	}

	ts := kt.Timestamp.Time
	if ts.IsZero() {
		ts = l.now(ctx)
	}
	ts = ts.In(markethours.IST)

	if !markethours.IsOpenFor(ins.Kind, ts) {
		if l.OnGatedTick != nil {
			l.OnGatedTick()
		}
		return
	}

	t := model.Tick{
		Symbol:    ins.Symbol,
		TS:        ts,
		LastPrice: kt.LastPrice,
	}
	// Indices trade no volume and carry no OI.
	if !kt.IsIndex {
		vol := int64(kt.LastTradedQuantity)
		t.Volume = &vol
		if kt.OI > 0 {
			oi := int64(kt.OI)
			t.OI = &oi
		}
	}
	sink.Tick(ctx, t)

	if kt.Mode == string(kiteticker.ModeFull) && !kt.IsIndex {
		sink.Depth(ctx, depthFrom(ins.Symbol, ts, kt))
	}
}

func depthFrom(symbol string, ts time.Time, kt kitemodels.Tick) model.Depth {
	conv := func(items [5]kitemodels.DepthItem) []model.DepthLevel {
		out := make([]model.DepthLevel, 0, len(items))
		for _, it := range items {
			if it.Price == 0 && it.Quantity == 0 {
				continue
			}
			out = append(out, model.DepthLevel{
				Price:    it.Price,
				Quantity: int64(it.Quantity),
				Orders:   int(it.Orders),
			})
		}
		return out
	}
	return model.Depth{
		Symbol: symbol,
		TS:     ts,
		Buy:    conv(kt.Depth.Buy),
		Sell:   conv(kt.Depth.Sell),
	}
}

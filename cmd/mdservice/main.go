// cmd/mdservice — market data service.
//
// Runs one collector (broker WebSocket, historical replay or mock random
// walk), persists every tick through the Redis store, publishes it on the
// bus and resamples the stream into OHLC bars across the configured
// timeframes. Exactly one mdservice instance writes the tick and OHLC key
// families.
//
// Exit codes: 0 clean shutdown, 1 config/startup failure, 2 runtime fatal
// (store unreachable beyond the 30 s grace).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradecore/config"
	"tradecore/internal/auth"
	"tradecore/internal/bus"
	"tradecore/internal/candle"
	"tradecore/internal/clock"
	"tradecore/internal/collector"
	"tradecore/internal/health"
	"tradecore/internal/markethours"
	"tradecore/internal/metrics"
	"tradecore/internal/model"
	"tradecore/internal/store"
	redisstore "tradecore/internal/store/redis"
)

const (
	storeGrace    = 30 * time.Second
	drainBudget   = 10 * time.Second
	exitRuntime   = 2
	exitCleanCode = 0
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[mdservice] starting...")

	cfg := config.Load()
	instruments := cfg.ParseInstruments()
	if len(instruments) == 0 {
		log.Fatalf("[mdservice] no valid instruments configured via INSTRUMENTS")
	}
	tfs := cfg.ParseTimeframes()
	if len(tfs) == 0 {
		log.Fatalf("[mdservice] no valid timeframes configured via TIMEFRAMES")
	}
	if err := checkClockMode(cfg); err != nil {
		log.Fatalf("[mdservice] %v", err)
	}
	log.Printf("[mdservice] provider=%s instruments=%d timeframes=%v",
		cfg.CollectorProvider, len(instruments), cfg.Timeframes)

	st, err := redisstore.New(redisstore.Config{
		Addr:     cfg.StoreAddr,
		Password: cfg.StorePassword,
		DB:       cfg.StoreDB,
		PrevTTL:  cfg.PrevTTL(),
	})
	if err != nil {
		log.Fatalf("[mdservice] store init failed: %v", err)
	}
	defer st.Close()

	clk := clock.New(st.Client())
	b := bus.New(st.Client(), clk)
	prom := metrics.New("mdservice")

	if name := markethours.HolidayName(clk.Now(context.Background())); name != "" {
		log.Printf("[mdservice] NSE holiday today (%s), equity ticks will be gated", name)
	}

	// ---- Pipeline: collector -> store/bus -> builder ring ----
	pipe := collector.NewPipeline(st, b, 0)
	pipe.OnTick = func(model.Tick) { prom.TicksTotal.Inc() }
	pipe.OnDropped = prom.TicksDropped.Inc

	builder := candle.New(tfs, st, b, clk)
	builder.OnBarClosed = func(bar model.Bar) { prom.BarsClosed.WithLabelValues(string(bar.TF)).Inc() }
	builder.OnDroppedTick = prom.LateTicks.Inc

	col, err := buildCollector(cfg, instruments, st, clk, prom)
	if err != nil {
		log.Fatalf("[mdservice] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Operational HTTP + watchdog ----
	probe := health.NewProbe(st.Client())
	probe.LastTick = pipe.LastTickAt
	probe.IsVirtual = clk.IsVirtual
	if live, ok := col.(*collector.Live); ok {
		probe.FeedDegraded = live.Degraded
	}
	opsSrv := health.NewServer(cfg.HealthAddr, probe, nil)
	opsSrv.Start()

	go health.Watchdog(ctx, st.Client(), storeGrace, func() { os.Exit(exitRuntime) })
	go marketStateLoop(ctx, clk, prom)

	go pipe.Run(ctx)

	builderDone := make(chan struct{})
	go func() {
		defer close(builderDone)
		builder.Run(ctx, pipe.Ticks())
	}()

	colDone := make(chan error, 1)
	go func() { colDone <- col.Start(ctx, pipe) }()

	exit := exitCleanCode
	select {
	case s := <-sigCh:
		log.Printf("[mdservice] received %v, shutting down", s)
		col.Stop()
	case err := <-colDone:
		switch {
		case err == nil:
			log.Println("[mdservice] collector finished")
		case errors.Is(err, store.ErrAuthRequired):
			log.Printf("[mdservice] collector stopped: %v", err)
			exit = 1
		case errors.Is(err, context.Canceled):
		default:
			log.Printf("[mdservice] collector failed: %v", err)
			exit = 1
		}
	}

	// Drain: stop ingest, let the builder finalise open bars.
	cancel()
	select {
	case <-builderDone:
	case <-time.After(drainBudget):
		log.Println("[mdservice] drain budget exceeded, exiting anyway")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	opsSrv.Stop(stopCtx)
	stopCancel()

	log.Println("[mdservice] stopped")
	os.Exit(exit)
}

// checkClockMode rejects provider/clock combinations that cannot work:
// replay owns virtual time, live and mock own wall time.
func checkClockMode(cfg *config.Config) error {
	mode := strings.ToLower(cfg.ClockMode)
	switch mode {
	case "auto":
		return nil
	case "live":
		if cfg.CollectorProvider == "replay" {
			return fmt.Errorf("CLOCK_MODE=live conflicts with COLLECTOR_PROVIDER=replay")
		}
		return nil
	case "historical":
		if cfg.CollectorProvider != "replay" {
			return fmt.Errorf("CLOCK_MODE=historical requires COLLECTOR_PROVIDER=replay, got %q", cfg.CollectorProvider)
		}
		return nil
	default:
		return fmt.Errorf("unknown CLOCK_MODE %q", cfg.ClockMode)
	}
}

// buildCollector constructs the configured provider. The broker provider
// bootstraps a Kite session when no access token is stored yet.
func buildCollector(cfg *config.Config, instruments []model.Instrument, st *redisstore.Store, clk *clock.Clock, prom *metrics.Metrics) (collector.Collector, error) {
	switch cfg.CollectorProvider {
	case "broker":
		if cfg.KiteAPIKey == "" {
			return nil, fmt.Errorf("COLLECTOR_PROVIDER=broker requires KITE_API_KEY")
		}
		if err := ensureSession(cfg, st); err != nil {
			return nil, err
		}
		live := collector.NewLive(collector.LiveConfig{
			APIKey:      cfg.KiteAPIKey,
			Instruments: instruments,
		}, st, clk, clk)
		live.OnReconnect = prom.Reconnects.Inc
		live.OnGatedTick = prom.TicksGated.Inc
		return live, nil

	case "replay":
		rc, err := replayConfig(cfg, instruments)
		if err != nil {
			return nil, err
		}
		return collector.NewReplay(rc, st, clk), nil

	case "mock":
		return collector.NewMock(collector.MockConfig{Instruments: instruments}, clk), nil

	default:
		return nil, fmt.Errorf("unknown COLLECTOR_PROVIDER %q", cfg.CollectorProvider)
	}
}

// ensureSession makes sure a broker access token is available, running the
// TOTP login flow when credentials are configured and no token is stored.
func ensureSession(cfg *config.Config, st *redisstore.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if _, err := st.AccessToken(ctx); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrAuthRequired) {
		return err
	}

	if cfg.KiteAPISecret == "" || cfg.KiteUserID == "" {
		return fmt.Errorf("no stored access token and no KITE_API_SECRET/KITE_USER_ID to bootstrap one: %w", store.ErrAuthRequired)
	}
	boot, err := auth.NewBootstrap(auth.Config{
		APIKey:     cfg.KiteAPIKey,
		APISecret:  cfg.KiteAPISecret,
		UserID:     cfg.KiteUserID,
		Password:   cfg.KitePassword,
		TOTPSecret: cfg.KiteTOTPSecret,
	}, st)
	if err != nil {
		return err
	}
	return boot.Login(ctx)
}

// replayConfig maps the historical env options onto the replay collector.
func replayConfig(cfg *config.Config, instruments []model.Instrument) (collector.ReplayConfig, error) {
	rc := collector.ReplayConfig{
		APIKey:      cfg.KiteAPIKey,
		Instruments: instruments,
		Speed:       cfg.HistoricalSpeed,
	}
	switch {
	case cfg.HistoricalSource == "":
		return rc, fmt.Errorf("COLLECTOR_PROVIDER=replay requires HISTORICAL_SOURCE (csv path or \"kite\")")
	case cfg.HistoricalSource == "kite":
		rc.Source = collector.SourceKite
		from, err := time.ParseInLocation("2006-01-02", cfg.HistoricalFrom, markethours.IST)
		if err != nil {
			return rc, fmt.Errorf("HISTORICAL_FROM: %v", err)
		}
		rc.From = from
		rc.To = time.Now().In(markethours.IST)
		if cfg.HistoricalTo != "" {
			to, err := time.ParseInLocation("2006-01-02", cfg.HistoricalTo, markethours.IST)
			if err != nil {
				return rc, fmt.Errorf("HISTORICAL_TO: %v", err)
			}
			rc.To = to.Add(24 * time.Hour)
		}
	default:
		rc.Source = collector.SourceCSV
		rc.Path = cfg.HistoricalSource
	}
	return rc, nil
}

// marketStateLoop keeps the market-state gauge fresh.
func marketStateLoop(ctx context.Context, clk *clock.Clock, prom *metrics.Metrics) {
	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if markethours.IsMarketOpen(clk.Now(ctx)) {
				prom.MarketState.Set(1)
			} else {
				prom.MarketState.Set(0)
			}
		}
	}
}

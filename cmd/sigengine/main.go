// cmd/sigengine — signal engine.
//
// Consumes closed bars from the bus, recomputes the indicator set, evaluates
// every active signal against each fresh snapshot and paper-executes the
// triggers. Also serves the signal management API (/api/v1/signals) on the
// operational HTTP port.
//
// Exit codes: 0 clean shutdown, 1 config/startup failure, 2 runtime fatal
// (store unreachable beyond the 30 s grace).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradecore/config"
	"tradecore/internal/api"
	"tradecore/internal/bus"
	"tradecore/internal/clock"
	"tradecore/internal/executor"
	"tradecore/internal/health"
	"tradecore/internal/indicator"
	"tradecore/internal/metrics"
	"tradecore/internal/model"
	"tradecore/internal/notification"
	sig "tradecore/internal/signal"
	redisstore "tradecore/internal/store/redis"
	"tradecore/internal/store/sqlite"
)

const storeGrace = 30 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[sigengine] starting...")

	cfg := config.Load()
	instruments := cfg.ParseInstruments()
	if len(instruments) == 0 {
		log.Fatalf("[sigengine] no valid instruments configured via INSTRUMENTS")
	}
	symbols := make([]string, len(instruments))
	for i, ins := range instruments {
		symbols[i] = ins.Symbol
	}

	st, err := redisstore.New(redisstore.Config{
		Addr:     cfg.StoreAddr,
		Password: cfg.StorePassword,
		DB:       cfg.StoreDB,
		PrevTTL:  cfg.PrevTTL(),
	})
	if err != nil {
		log.Fatalf("[sigengine] store init failed: %v", err)
	}
	defer st.Close()

	clk := clock.New(st.Client())
	st.Clock = clk // executed/failed records carry virtual time during replay
	b := bus.New(st.Client(), clk)
	prom := metrics.New("sigengine")

	// ---- Journal (off hot path, fills and terminal transitions) ----
	os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755)
	journal, err := sqlite.NewJournal(cfg.JournalPath)
	if err != nil {
		log.Fatalf("[sigengine] journal init failed: %v", err)
	}
	defer journal.Close()

	// ---- Notifications ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[sigengine] telegram notifications enabled")
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
		log.Println("[sigengine] webhook notifications enabled")
	}
	alerts := &meteredAlerts{
		inner:  notification.NewSignalAlerts(notifiers),
		failed: prom.SignalsFailed,
	}

	// ---- Indicator engine ----
	eng := indicator.NewEngine(cfg.IndicatorWindow, st, st, b, clk)
	eng.OnSnapshot = func(_ string, _ model.Timeframe, dur time.Duration) {
		prom.SnapshotsTotal.Inc()
		prom.ComputeDur.Observe(dur.Seconds())
	}
	eng.OnCorruptBar = prom.CorruptKeys.Inc

	// ---- Signal monitor ----
	mon := sig.NewMonitor(st, st, b, clk)
	mon.OnTriggered = func(model.TriggerEvent) { prom.SignalsTriggered.Inc() }
	mon.OnExpired = func(string) { prom.SignalsExpired.Inc() }
	mon.OnEvalError = func(id string, err error) {
		log.Printf("[sigengine] evaluation of %s deferred: %v", id, err)
	}

	// ---- Paper executor ----
	exec := executor.New(executor.Config{
		SlippageBps: cfg.SlippageBps,
		DefaultQty:  1,
	}, st, st, b, clk, journal, alerts)
	exec.OnFill = func(executor.Result) { prom.FillsTotal.Inc() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Operational HTTP: health, metrics, signal API ----
	probe := health.NewProbe(st.Client())
	probe.IsVirtual = clk.IsVirtual
	apiSrv := api.NewServer(st, journal, clk)
	opsSrv := health.NewServer(cfg.HealthAddr, probe, func(mux *http.ServeMux) {
		apiSrv.Register(mux)
	})
	opsSrv.Start()

	go health.Watchdog(ctx, st.Client(), storeGrace, func() { os.Exit(2) })

	// ---- Subscriptions ----
	barSub, err := b.Subscribe(ctx, "market:ohlc:*")
	if err != nil {
		log.Fatalf("[sigengine] subscribe bars: %v", err)
	}
	indSub, err := b.Subscribe(ctx, "indicators:*")
	if err != nil {
		log.Fatalf("[sigengine] subscribe indicators: %v", err)
	}
	trigSub, err := b.Subscribe(ctx, "engine:signal:*")
	if err != nil {
		log.Fatalf("[sigengine] subscribe triggers: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); eng.Run(ctx, barSub) }()
	go func() { defer wg.Done(); mon.Run(ctx, indSub) }()
	go func() { defer wg.Done(); mon.RunSweep(ctx, st) }()
	go func() { defer wg.Done(); exec.Run(ctx, trigSub) }()

	log.Printf("[sigengine] running, window=%d symbols=%v", cfg.IndicatorWindow, symbols)

	s := <-sigCh
	log.Printf("[sigengine] received %v, shutting down", s)
	cancel()
	barSub.Close()
	indSub.Close()
	trigSub.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("[sigengine] drain budget exceeded, exiting anyway")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	opsSrv.Stop(stopCtx)
	stopCancel()
	log.Println("[sigengine] stopped")
}

// meteredAlerts counts failed settlements on the way to the notifier.
type meteredAlerts struct {
	inner  executor.Notifier
	failed prometheus.Counter
}

func (a *meteredAlerts) SignalExecuted(ctx context.Context, s *model.Signal, res executor.Result) {
	a.inner.SignalExecuted(ctx, s, res)
}

func (a *meteredAlerts) SignalFailed(ctx context.Context, s *model.Signal, reason string) {
	a.failed.Inc()
	a.inner.SignalFailed(ctx, s, reason)
}

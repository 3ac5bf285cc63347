// cmd/replay — historical replay driver.
//
// Replays a tick CSV or the broker's historical candle archive through the
// full pipeline: virtual clock, store writes, bus publishes and OHLC
// resampling. Downstream services (sigengine, gateway) run unchanged against
// replayed data. Exits 0 when the source is exhausted.
//
// Usage:
//
//	go run ./cmd/replay --source=data/ticks.csv --speed=0
//	go run ./cmd/replay --source=kite --from=2026-08-01 --to=2026-08-22 --speed=100
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradecore/config"
	"tradecore/internal/bus"
	"tradecore/internal/candle"
	"tradecore/internal/clock"
	"tradecore/internal/collector"
	"tradecore/internal/markethours"
	redisstore "tradecore/internal/store/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	source := flag.String("source", "", `Tick CSV path or "kite" for the broker archive`)
	from := flag.String("from", "", "Start date YYYY-MM-DD (kite source)")
	to := flag.String("to", "", "End date YYYY-MM-DD inclusive (kite source, default today)")
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	keepVirtual := flag.Bool("keep-virtual", false, "Leave the virtual clock set after the run")
	flag.Parse()

	if *source == "" {
		log.Fatal("[replay] --source is required")
	}

	cfg := config.Load()
	instruments := cfg.ParseInstruments()
	if len(instruments) == 0 {
		log.Fatal("[replay] no valid instruments configured via INSTRUMENTS")
	}
	tfs := cfg.ParseTimeframes()
	if len(tfs) == 0 {
		log.Fatal("[replay] no valid timeframes configured via TIMEFRAMES")
	}

	rc := collector.ReplayConfig{
		APIKey:      cfg.KiteAPIKey,
		Instruments: instruments,
		Speed:       *speed,
	}
	if *source == "kite" {
		rc.Source = collector.SourceKite
		start, err := time.ParseInLocation("2006-01-02", *from, markethours.IST)
		if err != nil {
			log.Fatalf("[replay] --from: %v", err)
		}
		rc.From = start
		rc.To = time.Now().In(markethours.IST)
		if *to != "" {
			end, err := time.ParseInLocation("2006-01-02", *to, markethours.IST)
			if err != nil {
				log.Fatalf("[replay] --to: %v", err)
			}
			rc.To = end.Add(24 * time.Hour)
		}
	} else {
		rc.Source = collector.SourceCSV
		rc.Path = *source
	}

	st, err := redisstore.New(redisstore.Config{
		Addr:     cfg.StoreAddr,
		Password: cfg.StorePassword,
		DB:       cfg.StoreDB,
	})
	if err != nil {
		log.Fatalf("[replay] store init failed: %v", err)
	}
	defer st.Close()

	clk := clock.New(st.Client())
	b := bus.New(st.Client(), clk)

	pipe := collector.NewPipeline(st, b, 0)
	builder := candle.New(tfs, st, b, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	rep := collector.NewReplay(rc, st, clk)
	emitted := 0
	rep.OnEmitted = func(n int) { emitted = n }

	go pipe.Run(ctx)

	builderDone := make(chan struct{})
	go func() {
		defer close(builderDone)
		builder.Run(ctx, pipe.Ticks())
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- rep.Start(ctx, pipe) }()

	select {
	case s := <-sigCh:
		log.Printf("[replay] received %v, aborting", s)
		rep.Stop()
		<-runDone
	case err := <-runDone:
		if err != nil {
			log.Fatalf("[replay] %v", err)
		}
	}

	// Let the builder drain and finalise the trailing bars.
	cancel()
	select {
	case <-builderDone:
	case <-time.After(10 * time.Second):
		log.Println("[replay] drain budget exceeded, exiting anyway")
	}

	if !*keepVirtual {
		clearCtx, clearCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := clk.ClearVirtual(clearCtx); err != nil {
			log.Printf("[replay] clear virtual clock: %v", err)
		}
		clearCancel()
	}

	log.Printf("[replay] done, %d ticks emitted", emitted)
}

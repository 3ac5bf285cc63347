// cmd/gateway — WebSocket distribution gateway.
//
// Subscribes to the full bus surface and forwards envelopes to WebSocket
// clients at /ws, subject to the per-role channel ACL and the connection
// guardrails (channel quota, wildcard quota, per-connection rate limit).
// Clients never touch the store through this process.
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
	"syscall"
	"time"

	"tradecore/config"
	"tradecore/internal/bus"
	"tradecore/internal/clock"
	"tradecore/internal/gateway"
	"tradecore/internal/health"
	"tradecore/internal/metrics"
	redisstore "tradecore/internal/store/redis"
)

const storeGrace = 30 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[gateway] starting...")

	cfg := config.Load()
	if cfg.GatewayRequireAuth && cfg.GatewayJWTSecret == "" {
		log.Fatalf("[gateway] GATEWAY_REQUIRE_AUTH=true requires GATEWAY_JWT_SECRET")
	}
	role := gateway.Role(cfg.GatewayDefaultRole)
	switch role {
	case gateway.RoleUser, gateway.RoleAdmin, gateway.RoleInternal:
	default:
		log.Fatalf("[gateway] unknown GATEWAY_DEFAULT_ROLE %q", cfg.GatewayDefaultRole)
	}

	st, err := redisstore.New(redisstore.Config{
		Addr:     cfg.StoreAddr,
		Password: cfg.StorePassword,
		DB:       cfg.StoreDB,
	})
	if err != nil {
		log.Fatalf("[gateway] store init failed: %v", err)
	}
	defer st.Close()

	clk := clock.New(st.Client())
	b := bus.New(st.Client(), clk)
	prom := metrics.New("gateway")

	hub := gateway.NewHub(gateway.Config{
		MaxChannels:   cfg.GatewayMaxChannels,
		MaxWildcards:  cfg.GatewayMaxWild,
		MaxMsgsPerSec: cfg.GatewayMaxMsgs,
	}, gateway.DefaultACL(), gateway.NewAuthenticator(cfg.GatewayJWTSecret, cfg.GatewayRequireAuth, role))
	hub.OnConnect = func(gateway.Role) { prom.GatewayClients.Inc() }
	hub.OnDisconnect = prom.GatewayClients.Dec
	hub.OnForwarded = func(string) { prom.GatewayForwarded.Inc() }
	hub.OnDropped = prom.GatewayDropped.Inc

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sub, err := b.Subscribe(ctx, "market:*", "indicators:*", "engine:*")
	if err != nil {
		log.Fatalf("[gateway] subscribe: %v", err)
	}

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx, sub)
	}()

	// One listener carries /ws and the operational routes.
	probe := health.NewProbe(st.Client())
	probe.IsVirtual = clk.IsVirtual
	srv := health.NewServer(cfg.GatewayAddr, probe, func(mux *http.ServeMux) {
		mux.HandleFunc("/ws", hub.HandleWS)
	})
	srv.Start()

	go health.Watchdog(ctx, st.Client(), storeGrace, func() { os.Exit(2) })

	log.Printf("[gateway] serving ws on %s (auth=%v, default role=%s)",
		cfg.GatewayAddr, cfg.GatewayRequireAuth, role)

	s := <-sigCh
	log.Printf("[gateway] received %v, shutting down", s)
	cancel()
	sub.Close()

	// Hub.Run closes every client with 1001 on the way out.
	select {
	case <-hubDone:
	case <-time.After(10 * time.Second):
		log.Println("[gateway] drain budget exceeded, exiting anyway")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	srv.Stop(stopCtx)
	stopCancel()
	log.Println("[gateway] stopped")
}

// Package health serves the operational HTTP surface: GET /health with the
// dependency-aware status contract, and /metrics for Prometheus.
package health

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Statuses returned in the health payload.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// staleAfter is the tick age beyond which live data counts as stale.
const staleAfter = 120 * time.Second

// Probe computes the service status.
//
//	healthy   store reachable AND (live: tick age < 120 s | historical: virtual time set)
//	degraded  store reachable but data stale
//	unhealthy store unreachable
type Probe struct {
	rdb *goredis.Client

	// LastTick reports the last accepted tick; zero when none or when the
	// service has no collector (gateway, engine).
	LastTick func() time.Time
	// IsVirtual reports whether the shared clock runs virtual time.
	IsVirtual func(ctx context.Context) (bool, error)
	// FeedDegraded reports a collector-declared degradation, currently a
	// reconnect streak on the broker WebSocket. Independent of tick age:
	// cached ticks can still be fresh while the connection is failing.
	FeedDegraded func() bool

	startedAt time.Time
}

// NewProbe creates a Probe over the shared Redis client.
func NewProbe(rdb *goredis.Client) *Probe {
	return &Probe{rdb: rdb, startedAt: time.Now()}
}

// Report is the /health response body.
type Report struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
	Timestamp    string            `json:"timestamp"`
	Uptime       string            `json:"uptime"`
}

// Check evaluates the current status.
func (p *Probe) Check(ctx context.Context) Report {
	rep := Report{
		Dependencies: map[string]string{},
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Uptime:       time.Since(p.startedAt).Round(time.Second).String(),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := p.rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		rep.Status = StatusUnhealthy
		rep.Dependencies["store"] = "unreachable"
		return rep
	}
	rep.Dependencies["store"] = "ok"

	virtual := false
	if p.IsVirtual != nil {
		if v, err := p.IsVirtual(ctx); err == nil {
			virtual = v
		}
	}
	if virtual {
		rep.Status = StatusHealthy
		rep.Dependencies["clock"] = "virtual"
		return rep
	}
	rep.Dependencies["clock"] = "wall"

	if p.FeedDegraded != nil && p.FeedDegraded() {
		rep.Status = StatusDegraded
		rep.Dependencies["feed"] = "reconnecting"
		return rep
	}

	if p.LastTick == nil {
		rep.Status = StatusHealthy
		return rep
	}
	last := p.LastTick()
	switch {
	case last.IsZero():
		rep.Status = StatusDegraded
		rep.Dependencies["feed"] = "no data"
	case time.Since(last) >= staleAfter:
		rep.Status = StatusDegraded
		rep.Dependencies["feed"] = "stale " + time.Since(last).Round(time.Second).String()
	default:
		rep.Status = StatusHealthy
		rep.Dependencies["feed"] = "ok"
	}
	return rep
}

// ServeHTTP handles GET /health. Degraded and unhealthy answer 503.
func (p *Probe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := p.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server exposes /health and /metrics for one service.
type Server struct {
	srv *http.Server
}

// NewServer builds the operational server. extra mounts additional routes
// (the gateway mounts /ws here).
func NewServer(addr string, probe *Probe, extra func(mux *http.ServeMux)) *Server {
	mux := http.NewServeMux()
	mux.Handle("/health", probe)
	mux.Handle("/metrics", promhttp.Handler())
	if extra != nil {
		extra(mux)
	}
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start launches the server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[health] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[health] server error: %v", err)
		}
	}()
}

// Stop shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

// Watchdog pings the store every 5 s and calls onFatal once it has been
// unreachable for longer than grace (runtime fatal, exit code 2).
func Watchdog(ctx context.Context, rdb *goredis.Client, grace time.Duration, onFatal func()) {
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := rdb.Ping(pingCtx).Err()
			cancel()
			if err == nil {
				downSince = time.Time{}
				continue
			}
			if downSince.IsZero() {
				downSince = time.Now()
				log.Printf("[health] store unreachable: %v", err)
				continue
			}
			if time.Since(downSince) > grace {
				log.Printf("[health] store lost for over %s, giving up", grace)
				onFatal()
				return
			}
		}
	}
}

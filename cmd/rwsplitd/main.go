// Command rwsplitd is the read/write-split proxy's process entry point:
// it loads configuration, wires the core packages together, and accepts
// client connections until told to shut down.
//
// The wire codec's handshake and auth-plugin negotiation are explicitly
// out of scope for the core (spec: user-account loading and TLS context
// construction are injected services); this entry point assumes that
// negotiation has already happened upstream of the accepted net.Conn
// and moves straight into command processing.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sdrik/rwsplit/internal/backend"
	"github.com/sdrik/rwsplit/internal/classifier"
	"github.com/sdrik/rwsplit/internal/config"
	"github.com/sdrik/rwsplit/internal/connpool"
	"github.com/sdrik/rwsplit/internal/rmetrics"
	"github.com/sdrik/rwsplit/internal/rwsession"
	"github.com/sdrik/rwsplit/internal/sqlparse"
	"github.com/sdrik/rwsplit/internal/topology"
	"github.com/sdrik/rwsplit/internal/worker"
)

const shutdownTimeout = 30 * time.Second

// workerUnit bundles one worker goroutine with the per-worker state
// spec §2 pins to it: its own classifier cache (component D: "a
// per-worker LRU-style cache") and its own connection pool (component
// H: "per-worker idle-conn map per target").
type workerUnit struct {
	w    *worker.Worker
	cl   *classifier.Classifier
	pool *connpool.Pool
	cfg  rwsession.Config
}

func main() {
	configPath := flag.String("config", "configs/rwsplit.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("rwsplitd starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "servers", len(cfg.Servers))

	metrics := rmetrics.New()

	view := topology.NewView()
	prober := topology.NewProber(view, cfg.Targets(), 2*time.Second, time.Second, nil)
	prober.Start()

	addrs := make(map[topology.ServerID]string, len(cfg.Servers))
	for _, s := range cfg.Servers {
		addrs[topology.ServerID(s.ID)] = s.Address
	}
	dial := newDialer(addrs)

	registry := rwsession.NewRegistry()

	threadCount := cfg.Worker.ThreadCount
	if threadCount <= 0 {
		threadCount = 1
	}
	units := make([]*workerUnit, threadCount)
	for i := range units {
		parser := sqlparse.New()
		parser.SetSQLMode(cfg.Classifier.SQLMode)
		wk := worker.New(i, worker.Config{QueueDepth: cfg.Worker.MaxEvents * 4})
		unit := &workerUnit{
			w:    wk,
			cl:   classifier.New(parser, classifier.NewCache(cfg.Classifier.CacheMaxBytes, 64, wk.Rand())),
			pool: connpool.New(connpool.Config{
				MaxConnections: cfg.Pool.MaxConnections,
				PersistPoolMax: cfg.Pool.PersistPoolMax,
				PersistMaxTime: cfg.Pool.PersistMaxTime,
			}),
			cfg: cfg.Router.SessionConfig(cfg.Classifier.SQLMode),
		}
		units[i] = unit

		go wk.Run(context.Background())
		schedulePoolSweep(wk, unit.pool, cfg.Pool.PersistMaxTime)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration...")
		newSessionCfg := newCfg.Router.SessionConfig(newCfg.Classifier.SQLMode)
		for _, u := range units {
			u.cfg = newSessionCfg
		}
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	addr := net.JoinHostPort(cfg.Listen.MySQLBind, strconv.Itoa(cfg.Listen.MySQLPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to listen", "addr", addr, "err", err)
		os.Exit(1)
	}
	slog.Info("rwsplitd ready", "mysql_addr", addr, "workers", threadCount)

	var nextSession uint64
	var nextWorker uint64
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			unit := units[atomic.AddUint64(&nextWorker, 1)%uint64(len(units))]
			sessionID := atomic.AddUint64(&nextSession, 1)
			h := newClientHandler(sessionID, conn, unit, view, registry, dial, metrics)
			go h.serve()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig)

	done := make(chan struct{})
	go func() {
		listener.Close()
		<-acceptDone
		if watcher != nil {
			watcher.Stop()
		}
		prober.Stop()
		for _, u := range units {
			u.w.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("rwsplitd stopped")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}
}

// newDialer builds a backend.Dialer that opens a fresh TCP connection to
// the address configured for a server (spec §4.3's Dialer collaborator).
func newDialer(addrs map[topology.ServerID]string) backend.Dialer {
	return func(server topology.ServerID) (*connpool.Conn, error) {
		addr, ok := addrs[server]
		if !ok {
			return nil, &net.AddrError{Err: "no address configured for server", Addr: string(server)}
		}
		raw, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		return &connpool.Conn{Raw: raw, Server: server, CreatedAt: now, IdleSince: now}, nil
	}
}

// schedulePoolSweep runs connpool.Pool.Sweep as a worker delayed call at
// persist_max_time/10 granularity, per spec §4.3.
func schedulePoolSweep(w *worker.Worker, pool *connpool.Pool, persistMaxTime time.Duration) {
	interval := persistMaxTime / 10
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w.DelayedCall(time.Now(), interval, func(now time.Time, reason worker.CancelReason) bool {
		if reason == worker.Cancelled {
			return false
		}
		if closed := pool.Sweep(now); closed > 0 {
			slog.Debug("swept expired pooled connections", "worker", w.ID(), "closed", closed)
		}
		return true
	})
}

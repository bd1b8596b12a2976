// Package server wires C1-C11 into a single running process: it opens
// the datastore, builds the credential/registry/rendezvous/dispatch
// core, and runs the three TLS accept loops (control, proxy, public)
// plus the background heartbeat-drain, GC, and rendezvous-reaper
// sweeps, all coordinated under one context-driven shutdown sequence.
package server

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airelay/airelay/internal/config"
	"github.com/airelay/airelay/internal/controlplane"
	"github.com/airelay/airelay/internal/credcache"
	"github.com/airelay/airelay/internal/credhash"
	"github.com/airelay/airelay/internal/credresolver"
	"github.com/airelay/airelay/internal/dispatch"
	"github.com/airelay/airelay/internal/heartbeat"
	"github.com/airelay/airelay/internal/logging"
	"github.com/airelay/airelay/internal/proxyplane"
	"github.com/airelay/airelay/internal/publicplane"
	"github.com/airelay/airelay/internal/registry"
	"github.com/airelay/airelay/internal/rendezvous"
	"github.com/airelay/airelay/internal/store"
	"github.com/airelay/airelay/internal/wire"
)

// shutdownGrace bounds how long the metrics HTTP server is given to
// drain in-flight requests once shutdown begins.
const shutdownGrace = 10 * time.Second

// Fallback reaper tunables, used only if Config was constructed by hand
// rather than via config.Load (which always fills these in from spec
// §5's defaults).
const (
	defaultReapInterval      = time.Second
	defaultRendezvousTimeout = 10 * time.Second
)

// Server is the fully-wired relay core: one listener per plane, plus
// the shared datastore and background sweeps that back them.
type Server struct {
	cfg config.Config

	db         *sql.DB
	reg        *registry.Registry
	table      *rendezvous.Table
	drain      *heartbeat.Drain
	metricsSrv *http.Server

	controlPlane *controlplane.Server
	proxyPlane   *proxyplane.Server
	publicPlane  *publicplane.Server
}

// New opens the datastore, migrates it, and wires every component from
// cfg. The returned Server has not started accepting connections yet;
// call Serve to run it.
func New(cfg config.Config, tlsConfig *tls.Config, metricsAddr string) (*Server, error) {
	db, err := store.Open(cfg.DatastoreURL)
	if err != nil {
		return nil, fmt.Errorf("server: open datastore: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("server: migrate datastore: %w", err)
	}

	hasher, err := credhash.NewHasher([]byte(cfg.CredentialHashKey))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("server: build credential hasher: %w", err)
	}

	sqliteStore := store.NewSQLiteStore(db, hasher)

	var cache *credcache.Cache
	if cfg.CachingEnabled() {
		cache, err = credcache.New(10_000, cfg.CacheTTL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("server: build credential cache: %w", err)
		}
	}

	var staticCred []byte
	if cfg.StaticFallbackCredential != "" {
		staticCred = []byte(cfg.StaticFallbackCredential)
	}

	resolver, err := credresolver.New(credresolver.Config{
		Cache:                    cache,
		Store:                    sqliteStore,
		Hasher:                   hasher,
		StaticFallbackCredential: staticCred,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("server: build credential resolver: %w", err)
	}

	reg := registry.New(cfg.MaxWorkers)
	table := rendezvous.New(cfg.MaxPendingRendezvous)

	drain := heartbeat.New(sqliteStore, heartbeat.Config{
		BatchSize:          cfg.HeartbeatBatchSize,
		FlushInterval:      cfg.FlushInterval,
		GCInterval:         cfg.GCInterval,
		HeartbeatDeadAfter: cfg.HeartbeatDeadAfter,
		Capacity:           cfg.HeartbeatChannelCap,
	})

	dispatcher := dispatch.New(reg, sqliteStore)

	cp := controlplane.New(controlplane.Config{
		TLSConfig:         tlsConfig,
		Registry:          reg,
		Resolver:          resolver,
		Store:             sqliteStore,
		HeartbeatDrain:     drain,
		KeepaliveIdle:      30 * time.Second,
		KeepaliveInterval:  10 * time.Second,
		KeepaliveRetries:   3,
		HeartbeatDeadAfter: cfg.HeartbeatDeadAfter,
	})

	pp := proxyplane.New(proxyplane.Config{
		TLSConfig: tlsConfig,
		Registry:  reg,
		Table:     table,
	})

	sendToWorker := func(workerID string, msg wire.Message) error {
		return controlplane.SendToWorker(reg, workerID, msg)
	}

	pub := publicplane.New(publicplane.Config{
		TLSConfig:       tlsConfig,
		Resolver:        resolver,
		Dispatcher:      dispatcher,
		Table:           table,
		SendToWorker:    sendToWorker,
		DispatchRetries: cfg.DispatchRetries,
		DispatchTimeout: cfg.DispatchTimeout,
		MaxConnections:  cfg.MaxPublicConnections,
	})

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: logging.HTTPMiddleware(mux)}
	}

	return &Server{
		cfg:          cfg,
		db:           db,
		reg:          reg,
		table:        table,
		drain:        drain,
		metricsSrv:   metricsSrv,
		controlPlane: cp,
		proxyPlane:   pp,
		publicPlane:  pub,
	}, nil
}

// Serve starts every accept loop and background sweep, and blocks until
// ctx is cancelled. On cancellation it stops accepting new connections
// on every plane, lets the heartbeat drain flush its remaining batch,
// checkpoints the WAL, and closes the datastore — mirroring the
// teacher's stop-accepting-then-drain-then-close-datastore sequence.
func (s *Server) Serve(ctx context.Context) error {
	controlLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ControlPort))
	if err != nil {
		return fmt.Errorf("server: listen control port: %w", err)
	}
	proxyLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ProxyPort))
	if err != nil {
		_ = controlLn.Close()
		return fmt.Errorf("server: listen proxy port: %w", err)
	}
	publicLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.PublicPort))
	if err != nil {
		_ = controlLn.Close()
		_ = proxyLn.Close()
		return fmt.Errorf("server: listen public port: %w", err)
	}

	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); s.drain.Run(bgCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); heartbeat.RunGC(bgCtx, s.reg, heartbeat.Config{GCInterval: s.cfg.GCInterval, HeartbeatDeadAfter: s.cfg.HeartbeatDeadAfter}) }()
	wg.Add(1)
	go func() { defer wg.Done(); s.runReaper(bgCtx) }()

	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("server: metrics listener failed", "error", err)
			}
		}()
	}

	// planeCtx additionally cancels as soon as any one plane returns a
	// real Accept error, so a failure on one port tears down the other
	// two immediately instead of leaving them running orphaned.
	planeCtx, cancelPlanes := context.WithCancel(ctx)
	defer cancelPlanes()

	errCh := make(chan error, 3)
	go func() { errCh <- s.controlPlane.Serve(planeCtx, controlLn) }()
	go func() { errCh <- s.proxyPlane.Serve(planeCtx, proxyLn) }()
	go func() { errCh <- s.publicPlane.Serve(planeCtx, publicLn) }()

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancelPlanes()
		}
	}

	if s.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = s.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	cancelBG()
	wg.Wait()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("server: WAL checkpoint failed", "error", err)
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// runReaper periodically sweeps C5 for rendezvous entries that timed
// out waiting for a worker to dial back (spec §5 T_reap / T_rendezvous).
func (s *Server) runReaper(ctx context.Context) {
	interval := s.cfg.ReapInterval
	if interval <= 0 {
		interval = defaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maxAge := s.cfg.RendezvousTimeout
			if maxAge <= 0 {
				maxAge = defaultRendezvousTimeout
			}
			if n := s.table.ReapOlderThan(maxAge); n > 0 {
				slog.Debug("server: reaped stale rendezvous entries", "count", n)
			}
		}
	}
}

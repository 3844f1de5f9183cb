// Package main is a small demonstration entrypoint for the connection pool.
// It wires a real MySQL driver behind pkg/sqladapter into pkg/rawconn's
// Dialer contract, starts a Pool on top of it, runs a handful of queries,
// and serves the pool's Prometheus metrics — showing the CORE pool with a
// concrete driver plugged in, without the pool itself ever importing that
// driver.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/rlavoura/dbpool/internal/config"
	"github.com/rlavoura/dbpool/internal/pool"
	"github.com/rlavoura/dbpool/pkg/rawconn"
	"github.com/rlavoura/dbpool/pkg/sqladapter"
)

var (
	configPath  = flag.String("config", "configs/pool.yaml", "Path to pool configuration file")
	dsn         = flag.String("dsn", "", "MySQL DSN for the demo database, e.g. user:pass@tcp(127.0.0.1:3306)/demo")
	metricsAddr = flag.String("metrics-addr", ":9090", "Address to serve /metrics on")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting dbpool demo")

	if *dsn == "" {
		log.Fatal("[main] -dsn is required")
	}

	cfg, err := config.Load(afero.NewOsFs(), *configPath)
	if err != nil {
		log.Fatalf("[main] failed to load configuration: %v", err)
	}
	log.Printf("[main] configuration loaded: %d partitions, max=%d per partition",
		cfg.PartitionCount, cfg.MaxConnectionsPerPartition)

	dialer := rawconn.Dialer(func(ctx context.Context) (rawconn.Conn, error) {
		return sqladapter.Dial(ctx, "mysql", *dsn)
	})

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	p, err := pool.New(initCtx, cfg, dialer)
	initCancel()
	if err != nil {
		log.Fatalf("[main] failed to start pool: %v", err)
	}
	defer func() {
		log.Println("[main] shutting down pool...")
		p.Shutdown()
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		log.Printf("[main] metrics server listening on %s/metrics", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] metrics server error: %v", err)
		}
	}()

	demoCtx, demoCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = runDemoQueries(demoCtx, p)
	demoCancel()
	if err != nil {
		log.Printf("[main] demo query run failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Println("[main] demo ready, waiting for shutdown signal...")
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] metrics server shutdown error: %v", err)
	}
	log.Println("[main] shutdown complete")
}

// runDemoQueries acquires a handle, prepares a trivial statement twice to
// show statement-cache reuse, and releases it.
func runDemoQueries(ctx context.Context, p *pool.Pool) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer h.Close()

	for i := 0; i < 2; i++ {
		stmt, err := h.PrepareStatement(ctx, rawconn.StatementKey{SQL: "SELECT 1"})
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		if _, err := stmt.QueryContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("query: %w", err)
		}
		stmt.Close()
	}

	stats := p.Statistics()
	log.Printf("[main] demo query complete: statements_prepared=%d cache_hits=%d cache_misses=%d",
		stats.StatementsPrepared, stats.CacheHits, stats.CacheMisses)
	return nil
}

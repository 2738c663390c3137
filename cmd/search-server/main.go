// Command search-server runs the privacy-preserving vector search service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/opaque/securesearch/internal/config"
	"github.com/opaque/securesearch/internal/engine"
	"github.com/opaque/securesearch/internal/registry"
	"github.com/opaque/securesearch/internal/server"
	"github.com/opaque/securesearch/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file (optional, env vars always apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.Log.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	st, err := store.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	reg := registry.New(st, []byte(cfg.Server.Secret), cfg.Search.PlaneCacheSize, logger)
	codecs := engine.NewSchemeProvider(cfg.Search.HEParallelism)
	eng := engine.New(st, codecs, engine.Options{
		MaxBucketFanout: cfg.Search.MaxBucketFanout,
		HEParallelism:   cfg.Search.HEParallelism,
	}, logger)

	srv := server.New(reg, eng, st, cfg, logger)

	purgeCtx, stopPurge := context.WithCancel(context.Background())
	defer stopPurge()
	go purgeLoop(purgeCtx, st, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal("server failed", zap.Error(err))
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

// purgeLoop periodically removes soft-deleted embeddings past the retention
// horizon, cascading their postings and metadata.
func purgeLoop(ctx context.Context, st *store.Store, cfg *config.Config, logger *zap.Logger) {
	if cfg.Storage.PurgeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Storage.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := st.PurgeDeleted(ctx, cfg.Storage.Retention)
			if err != nil {
				logger.Warn("purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("purged soft-deleted embeddings", zap.Int64("count", purged))
			}
		}
	}
}

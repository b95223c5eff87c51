// Command replica runs a single replica worker process: an engine over
// either an in-memory or a Postgres-backed row store, served over HTTP
// via internal/replicasrv. Grounded on torua's cmd/node/main.go for the
// process shape (env-driven identity and listen address, a single
// runtime struct wrapped in an http.Server, signal-driven graceful
// shutdown).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/engine"
	"github.com/dreamware/shardkv/internal/logging"
	"github.com/dreamware/shardkv/internal/replicasrv"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Replica.ID == "" {
		log.Fatal("REPLICA_ID must be set")
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	var store engine.Store
	if cfg.Postgres.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := engine.NewPGStore(ctx, cfg.Postgres)
		cancel()
		if err != nil {
			logger.Fatal("connect to postgres", zap.Error(err))
		}
		if err := pg.Migrate(context.Background()); err != nil {
			logger.Fatal("migrate postgres schema", zap.Error(err))
		}
		defer pg.Close()
		store = pg
	} else {
		store = engine.NewMemoryStore()
	}

	eng := engine.New(store)
	srv := replicasrv.New(cfg.Replica.ID, eng, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Replica.ListenAddr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("replica listening",
			zap.String("id", cfg.Replica.ID), zap.String("addr", cfg.Replica.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down", zap.String("id", cfg.Replica.ID))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	logger.Info("replica stopped", zap.String("id", cfg.Replica.ID))
}

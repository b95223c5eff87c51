// Command router runs the shard router / replication coordinator
// process: the consistent hash ring, the live replica set and its
// heartbeat loop, the shard table, and the HTTP API clients and
// replicas speak. Grounded on torua's cmd/coordinator/main.go for the
// overall shape (construct state, wire a mux, start background loops,
// listen with a ReadHeaderTimeout, wait for a signal, stop the heartbeat
// loop, then shut the HTTP server down).
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
	"github.com/dreamware/shardkv/internal/logging"
	"github.com/dreamware/shardkv/internal/manager"
	"github.com/dreamware/shardkv/internal/readcache"
	"github.com/dreamware/shardkv/internal/recovery"
	"github.com/dreamware/shardkv/internal/ring"
	"github.com/dreamware/shardkv/internal/router"
	"github.com/dreamware/shardkv/internal/shardtable"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	r := ring.New(cfg.Ring.TotalSlots, cfg.Ring.K)
	table := shardtable.New()

	spawner := manager.NewProcessSpawner(replicaBinaryPath(), replicaBasePort())
	mgr := manager.New(spawner, r, cfg.Router.HeartbeatInterval, cfg.Timeouts.Heartbeat, cfg.Router.MaxFails, cfg.Router.SpawnSemaphore)

	driver := recovery.New(table, mgr, logger, cfg.Timeouts.Mutation, cfg.Timeouts.Copy)
	mgr.OnDead(func(name string) {
		logger.Warn("replica declared dead, starting recovery", zap.String("replica", name))
		driver.Recover(context.Background(), name)
	})

	var opts []router.Option
	if cfg.Redis.Enabled {
		cacheCtx, cacheCancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisCache, err := readcache.NewRedisCache(cacheCtx, cfg.Redis)
		cacheCancel()
		if err != nil {
			logger.Warn("redis read cache unavailable, continuing without it", zap.Error(err))
		} else {
			opts = append(opts, router.WithReadCache(readcache.New(redisCache, 2*time.Second)))
		}
	}

	rt := router.New(table, mgr, logger, cfg.Timeouts.Mutation, cfg.Timeouts.Copy, opts...)

	ctx, stopLoop := context.WithCancel(context.Background())
	mgr.Start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Router.ListenAddr,
		Handler:           rt.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("router listening", zap.String("addr", cfg.Router.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	stopLoop()
	mgr.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	logger.Info("router stopped")
}

func replicaBinaryPath() string {
	if p := os.Getenv("REPLICA_BINARY"); p != "" {
		return p
	}
	return "./replica"
}

func replicaBasePort() int {
	return 9100
}

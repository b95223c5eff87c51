// Package config loads process configuration for the router and replica
// binaries from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every knob the router and replica processes read at
// startup. Fields are grouped by the component that consumes them; a
// single binary only reads the subset it needs.
type Config struct {
	Router   RouterConfig
	Replica  ReplicaConfig
	Ring     RingConfig
	Timeouts TimeoutConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	LogLevel string
}

// RouterConfig configures the shard router / replication coordinator.
type RouterConfig struct {
	ListenAddr      string
	HeartbeatInterval time.Duration
	MaxFails        int
	SpawnSemaphore  int64
}

// ReplicaConfig configures a single replica worker process.
type ReplicaConfig struct {
	ID         string
	ListenAddr string
	RouterAddr string
}

// RingConfig configures the consistent hash ring (C1).
type RingConfig struct {
	TotalSlots int
	K          int
}

// TimeoutConfig configures inter-node call deadlines (§5).
type TimeoutConfig struct {
	Heartbeat time.Duration
	Mutation  time.Duration
	Copy      time.Duration
}

// PostgresConfig configures the optional pgx-backed row store.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Enabled  bool
}

// RedisConfig configures the optional read-through cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// Load reads configuration from the environment, applying the defaults
// from spec.md §6 when a variable is unset.
func Load() (*Config, error) {
	cfg := &Config{
		Router: RouterConfig{
			ListenAddr:        getenv("ROUTER_ADDR", ":8080"),
			HeartbeatInterval: 5 * time.Second,
			MaxFails:          3,
			SpawnSemaphore:    5,
		},
		Replica: ReplicaConfig{
			ID:         os.Getenv("REPLICA_ID"),
			ListenAddr: getenv("REPLICA_ADDR", ":8081"),
			RouterAddr: os.Getenv("ROUTER_URL"),
		},
		Ring: RingConfig{
			TotalSlots: 512,
			K:          9,
		},
		Timeouts: TimeoutConfig{
			Heartbeat: 2 * time.Second,
			Mutation:  5 * time.Second,
			Copy:      10 * time.Second,
		},
		LogLevel: getenv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.Router.HeartbeatInterval, err = getDuration("HEARTBEAT_INTERVAL", cfg.Router.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.Router.MaxFails, err = getInt("MAX_FAILS", cfg.Router.MaxFails); err != nil {
		return nil, err
	}
	if sem, err := getInt("SPAWN_SEMAPHORE", int(cfg.Router.SpawnSemaphore)); err != nil {
		return nil, err
	} else {
		cfg.Router.SpawnSemaphore = int64(sem)
	}
	if cfg.Ring.TotalSlots, err = getInt("RING_TOTAL_SLOTS", cfg.Ring.TotalSlots); err != nil {
		return nil, err
	}
	if cfg.Ring.K, err = getInt("RING_K", cfg.Ring.K); err != nil {
		return nil, err
	}
	if cfg.Timeouts.Heartbeat, err = getDuration("HEARTBEAT_TIMEOUT", cfg.Timeouts.Heartbeat); err != nil {
		return nil, err
	}
	if cfg.Timeouts.Mutation, err = getDuration("MUTATION_TIMEOUT", cfg.Timeouts.Mutation); err != nil {
		return nil, err
	}
	if cfg.Timeouts.Copy, err = getDuration("COPY_TIMEOUT", cfg.Timeouts.Copy); err != nil {
		return nil, err
	}

	if host := os.Getenv("PG_HOST"); host != "" {
		cfg.Postgres.Enabled = true
		cfg.Postgres.Host = host
		cfg.Postgres.User = getenv("PG_USER", "shardkv")
		cfg.Postgres.Password = os.Getenv("PG_PASSWORD")
		cfg.Postgres.DBName = getenv("PG_DBNAME", "shardkv")
		cfg.Postgres.SSLMode = getenv("PG_SSLMODE", "disable")
		if cfg.Postgres.Port, err = getInt("PG_PORT", 5432); err != nil {
			return nil, err
		}
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = addr
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
		if cfg.Redis.DB, err = getInt("REDIS_DB", 0); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, existed := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if existed {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func clearEnv(t *testing.T, key string) {
	t.Helper()
	old, existed := os.LookupEnv(key)
	os.Unsetenv(key)
	t.Cleanup(func() {
		if existed {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	for _, v := range []string{
		"ROUTER_ADDR", "HEARTBEAT_INTERVAL", "MAX_FAILS", "SPAWN_SEMAPHORE",
		"RING_TOTAL_SLOTS", "RING_K", "HEARTBEAT_TIMEOUT", "MUTATION_TIMEOUT",
		"COPY_TIMEOUT", "PG_HOST", "REDIS_ADDR",
	} {
		clearEnv(t, v)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Router.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Router.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Router.MaxFails)
	assert.Equal(t, int64(5), cfg.Router.SpawnSemaphore)
	assert.Equal(t, 512, cfg.Ring.TotalSlots)
	assert.Equal(t, 9, cfg.Ring.K)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Heartbeat)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Mutation)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Copy)
	assert.False(t, cfg.Postgres.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "MAX_FAILS", "5")
	setEnv(t, "RING_TOTAL_SLOTS", "1024")
	setEnv(t, "HEARTBEAT_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Router.MaxFails)
	assert.Equal(t, 1024, cfg.Ring.TotalSlots)
	assert.Equal(t, 10*time.Second, cfg.Router.HeartbeatInterval)
}

func TestLoad_InvalidInt(t *testing.T) {
	setEnv(t, "MAX_FAILS", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_FAILS")
}

func TestLoad_InvalidDuration(t *testing.T) {
	setEnv(t, "HEARTBEAT_INTERVAL", "not-a-duration")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "HEARTBEAT_INTERVAL")
}

func TestLoad_Postgres(t *testing.T) {
	setEnv(t, "PG_HOST", "db.internal")
	setEnv(t, "PG_PORT", "5433")

	cfg, err := Load()
	require.NoError(t, err)

	require.True(t, cfg.Postgres.Enabled)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 5433, cfg.Postgres.Port)
	assert.Equal(t, "shardkv", cfg.Postgres.User)
}

func TestLoad_Redis(t *testing.T) {
	setEnv(t, "REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	require.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

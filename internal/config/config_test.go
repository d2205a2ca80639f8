package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"LISTEN_ADDR":           ":9090",
		"WORKER_POOL_SIZE":      "32",
		"MAX_CONNECTIONS":       "not-a-number",
		"READ_TIMEOUT":          "3s",
		"REDIS_ADDR":            "redis:6379",
		"REDIS_DB":              "2",
		"FANOUT_BACKEND":        "local",
		"STORE_BACKEND":         "memory",
		"MIGRATE_ON_START":      "false",
		"JWT_SECRET":            "s3cret",
		"SWEEP_INTERVAL":        "15s",
		"SERVER_NAME":           "ws-7",
		"OFFLINE_ON_DISCONNECT": "false",
	}
	c := Default()
	applyEnv(&c, func(k string) string { return env[k] })

	assert.Equal(t, ":9090", c.ListenAddr)
	assert.Equal(t, 32, c.WorkerPoolSize)
	assert.Equal(t, Default().MaxConnections, c.MaxConnections, "invalid numbers keep the default")
	assert.Equal(t, 3*time.Second, c.ReadTimeout)
	assert.Equal(t, "redis:6379", c.RedisAddr)
	assert.Equal(t, 2, c.RedisDB)
	assert.Equal(t, BackendLocal, c.FanoutBackend)
	assert.Equal(t, BackendMemory, c.StoreBackend)
	assert.False(t, c.MigrateOnStart)
	assert.Equal(t, "s3cret", c.JWTSecret)
	assert.Equal(t, 15*time.Second, c.SweepInterval)
	assert.Equal(t, "ws-7", c.ServerName)
	assert.False(t, c.OfflineOnDisconnect)
	assert.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	c := Default()
	assert.Error(t, c.Validate(), "missing JWT secret")
	assert.NoError(t, c.ValidateBackends())

	c.JWTSecret = "x"
	assert.NoError(t, c.Validate())

	c.FanoutBackend = "kafka"
	assert.Error(t, c.Validate())
	assert.Error(t, c.ValidateBackends())

	c.FanoutBackend = BackendNATS
	c.StoreBackend = BackendPostgres
	c.DatabaseURL = ""
	assert.Error(t, c.Validate())
}

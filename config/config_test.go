package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "minio", cfg.Storage.Backend)
	assert.EqualValues(t, 10<<20, cfg.Upload.ChunkSize)
	assert.EqualValues(t, 10<<30, cfg.Upload.MaxFileSize)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Worker.StaleTimeout)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Worker.Heartbeat)
	assert.Less(t, cfg.Worker.Heartbeat, cfg.Worker.StaleTimeout)
	assert.Equal(t, []string{"*"}, cfg.API.CORSOrigins)
	assert.NotEmpty(t, cfg.Worker.ID)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WORKER_ID", "worker-7")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("UPLOAD_CHUNK_SIZE", "1048576")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("REDIS_DISABLED", "true")
	t.Setenv("API_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "worker-7", cfg.Worker.ID)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.EqualValues(t, 1<<20, cfg.Upload.ChunkSize)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Redis.Disabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.CORSOrigins)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("WORKER_STALE_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsSweepThatOutrunsRunningJobs(t *testing.T) {
	t.Run("heartbeat not shorter than stale timeout", func(t *testing.T) {
		t.Setenv("WORKER_HEARTBEAT_INTERVAL", "30m")
		_, err := Load()
		assert.ErrorContains(t, err, "WORKER_HEARTBEAT_INTERVAL")
	})
	t.Run("no heartbeat and job timeout past stale timeout", func(t *testing.T) {
		t.Setenv("WORKER_HEARTBEAT_INTERVAL", "0s")
		_, err := Load()
		assert.ErrorContains(t, err, "WORKER_JOB_TIMEOUT")
	})
	t.Run("no heartbeat with stale timeout past job timeout", func(t *testing.T) {
		t.Setenv("WORKER_HEARTBEAT_INTERVAL", "0s")
		t.Setenv("WORKER_STALE_TIMEOUT", "3h")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Zero(t, cfg.Worker.Heartbeat)
	})
	t.Run("negative retry ceiling", func(t *testing.T) {
		t.Setenv("WORKER_MAX_RETRIES", "-1")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLoadAcceptsZeroRetries(t *testing.T) {
	t.Setenv("WORKER_MAX_RETRIES", "0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Worker.MaxRetries)
}

func TestPostgresDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: "5433", User: "u", Password: "p", Name: "videos", SSLMode: "require"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=videos sslmode=require", c.PostgresDSN())

	c.DSN = "postgres://u:p@db/videos"
	assert.Equal(t, "postgres://u:p@db/videos", c.PostgresDSN())
}

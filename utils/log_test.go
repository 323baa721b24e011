package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devrayat000/video-ingest/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "worker.log")
	l := NewLogger(config.LogConfig{Level: "debug", Format: "json", File: file, MaxSizeMB: 1}, "worker")
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	l.WithField("job_id", "j1").Info("claimed")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"service":"worker"`)
	assert.Contains(t, string(data), `"job_id":"j1"`)
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	l := NewLogger(config.LogConfig{Level: "loud"}, "")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

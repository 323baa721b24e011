package pubsub

import (
	"context"
	"io"

	"github.com/devrayat000/video-ingest/config"
	"github.com/sirupsen/logrus"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open connects to redis, or returns an in-process bus when redis is disabled.
// The in-process bus cannot wake workers in other processes, so those fall back to polling.
func Open(ctx context.Context, cfg config.RedisConfig, log logrus.FieldLogger) (Bus, io.Closer, error) {
	if cfg.Disabled {
		log.Warn("redis disabled, progress and wake-ups stay in-process")
		return NewMemoryBus(), nopCloser{}, nil
	}
	bus, err := NewRedisBus(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return bus, bus, nil
}

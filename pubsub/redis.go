package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/devrayat000/video-ingest/config"
	"github.com/devrayat000/video-ingest/models"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ProgressKeyPrefix = "progress:"
	ProgressChannel   = "video:progress:"
	ProgressAllChan   = "video:progress:all"
	JobsWakeChannel   = "video:jobs:wake"

	progressTTL = 24 * time.Hour
)

// RedisBus carries progress snapshots and job wake-ups between the worker and API processes.
type RedisBus struct {
	client *redis.Client
	log    logrus.FieldLogger
}

func NewRedisBus(ctx context.Context, cfg config.RedisConfig, log logrus.FieldLogger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.WithField("addr", cfg.Addr).Info("redis connection established")
	return &RedisBus{client: client, log: log}, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) PublishProgress(ctx context.Context, progress models.ProcessingProgress) error {
	if progress.Timestamp.IsZero() {
		progress.Timestamp = time.Now()
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Publish(ctx, ProgressChannel+progress.VideoID.String(), data)
	pipe.Publish(ctx, ProgressAllChan, data)
	pipe.Set(ctx, ProgressKeyPrefix+progress.VideoID.String(), data, progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

// GetProgress returns the latest snapshot, or nil when none was published in the last day.
func (b *RedisBus) GetProgress(ctx context.Context, videoID uuid.UUID) (*models.ProcessingProgress, error) {
	data, err := b.client.Get(ctx, ProgressKeyPrefix+videoID.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var progress models.ProcessingProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// SubscribeToProgress streams snapshots for one video until ctx is done.
func (b *RedisBus) SubscribeToProgress(ctx context.Context, videoID uuid.UUID) (<-chan models.ProcessingProgress, error) {
	return b.subscribe(ctx, ProgressChannel+videoID.String())
}

// SubscribeToAllProgress streams snapshots of every video until ctx is done.
func (b *RedisBus) SubscribeToAllProgress(ctx context.Context) (<-chan models.ProcessingProgress, error) {
	return b.subscribe(ctx, ProgressAllChan)
}

func (b *RedisBus) subscribe(ctx context.Context, channel string) (<-chan models.ProcessingProgress, error) {
	sub := b.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no message published after return is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan models.ProcessingProgress)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var progress models.ProcessingProgress
				if err := json.Unmarshal([]byte(msg.Payload), &progress); err != nil {
					b.log.WithError(err).Warn("dropping malformed progress message")
					continue
				}
				select {
				case out <- progress:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) NotifyJobs(ctx context.Context, taskType models.TaskType) error {
	return b.client.Publish(ctx, JobsWakeChannel, string(taskType)).Err()
}

// JobNotifications yields once per inserted job. Bursts are coalesced.
func (b *RedisBus) JobNotifications(ctx context.Context) (<-chan struct{}, error) {
	sub := b.client.Subscribe(ctx, JobsWakeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", JobsWakeChannel, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

var _ Bus = (*RedisBus)(nil)

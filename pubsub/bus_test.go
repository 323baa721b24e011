package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/devrayat000/video-ingest/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusLatestAndSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()
	id := uuid.New()

	got, err := bus.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	ch, err := bus.SubscribeToProgress(ctx, id)
	require.NoError(t, err)

	require.NoError(t, bus.PublishProgress(ctx, models.ProcessingProgress{VideoID: id, Status: models.StatusProcessing, Progress: 40}))
	require.NoError(t, bus.PublishProgress(ctx, models.ProcessingProgress{VideoID: uuid.New(), Progress: 99}))

	select {
	case p := <-ch:
		assert.Equal(t, 40, p.Progress)
		assert.False(t, p.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no progress delivered")
	}

	got, err = bus.GetProgress(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 40, got.Progress)

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestMemoryBusSubscribeToAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()

	ch, err := bus.SubscribeToAllProgress(ctx)
	require.NoError(t, err)

	a, b := uuid.New(), uuid.New()
	require.NoError(t, bus.PublishProgress(ctx, models.ProcessingProgress{VideoID: a, Progress: 10}))
	require.NoError(t, bus.PublishProgress(ctx, models.ProcessingProgress{VideoID: b, Progress: 20}))

	var seen []uuid.UUID
	for i := 0; i < 2; i++ {
		select {
		case p := <-ch:
			seen = append(seen, p.VideoID)
		case <-time.After(time.Second):
			t.Fatal("no progress delivered")
		}
	}
	assert.Equal(t, []uuid.UUID{a, b}, seen)

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestMemoryBusJobNotificationsCoalesce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()

	wake, err := bus.JobNotifications(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.NotifyJobs(ctx, models.TaskTranscode))
	}

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("no wake-up")
	}
	select {
	case <-wake:
		t.Fatal("burst was not coalesced")
	default:
	}
}

// Package pubsub publishes processing progress and job wake-up signals.
package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/devrayat000/video-ingest/models"
	"github.com/google/uuid"
)

type Publisher interface {
	PublishProgress(ctx context.Context, progress models.ProcessingProgress) error
}

// Bus is the full progress and wake-up surface used by the API and worker processes.
type Bus interface {
	Publisher
	GetProgress(ctx context.Context, videoID uuid.UUID) (*models.ProcessingProgress, error)
	SubscribeToProgress(ctx context.Context, videoID uuid.UUID) (<-chan models.ProcessingProgress, error)
	// SubscribeToAllProgress streams snapshots of every video until ctx is done.
	SubscribeToAllProgress(ctx context.Context) (<-chan models.ProcessingProgress, error)
	NotifyJobs(ctx context.Context, taskType models.TaskType) error
	JobNotifications(ctx context.Context) (<-chan struct{}, error)
}

// MemoryBus is an in-process Bus, used when redis is disabled and in tests.
type MemoryBus struct {
	mu     sync.Mutex
	latest map[uuid.UUID]models.ProcessingProgress
	subs   map[uuid.UUID]map[chan models.ProcessingProgress]struct{}
	all    map[chan models.ProcessingProgress]struct{}
	wakers map[chan struct{}]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		latest: make(map[uuid.UUID]models.ProcessingProgress),
		subs:   make(map[uuid.UUID]map[chan models.ProcessingProgress]struct{}),
		all:    make(map[chan models.ProcessingProgress]struct{}),
		wakers: make(map[chan struct{}]struct{}),
	}
}

func (b *MemoryBus) PublishProgress(_ context.Context, progress models.ProcessingProgress) error {
	if progress.Timestamp.IsZero() {
		progress.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[progress.VideoID] = progress
	offer(b.subs[progress.VideoID], progress)
	offer(b.all, progress)
	return nil
}

// offer never blocks. Slow subscribers miss intermediate snapshots.
func offer(subs map[chan models.ProcessingProgress]struct{}, progress models.ProcessingProgress) {
	for ch := range subs {
		select {
		case ch <- progress:
		default:
		}
	}
}

func (b *MemoryBus) GetProgress(_ context.Context, videoID uuid.UUID) (*models.ProcessingProgress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.latest[videoID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (b *MemoryBus) SubscribeToProgress(ctx context.Context, videoID uuid.UUID) (<-chan models.ProcessingProgress, error) {
	ch := make(chan models.ProcessingProgress, 16)
	b.mu.Lock()
	if b.subs[videoID] == nil {
		b.subs[videoID] = make(map[chan models.ProcessingProgress]struct{})
	}
	b.subs[videoID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[videoID], ch)
		if len(b.subs[videoID]) == 0 {
			delete(b.subs, videoID)
		}
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *MemoryBus) SubscribeToAllProgress(ctx context.Context) (<-chan models.ProcessingProgress, error) {
	ch := make(chan models.ProcessingProgress, 16)
	b.mu.Lock()
	b.all[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.all, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *MemoryBus) NotifyJobs(context.Context, models.TaskType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.wakers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) JobNotifications(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.wakers[ch] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.wakers, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// Nop discards every progress update.
type Nop struct{}

func (Nop) PublishProgress(context.Context, models.ProcessingProgress) error { return nil }

var (
	_ Bus       = (*MemoryBus)(nil)
	_ Publisher = Nop{}
)

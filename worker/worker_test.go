package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrayat000/video-ingest/db/dbtest"
	"github.com/devrayat000/video-ingest/models"
	"github.com/devrayat000/video-ingest/pubsub"
	"github.com/devrayat000/video-ingest/queue"
	"github.com/devrayat000/video-ingest/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLifecycle struct {
	mu        sync.Mutex
	completed []uuid.UUID
	failed    []uuid.UUID
	causes    []error
}

func (r *recordingLifecycle) JobCompleted(_ context.Context, job *models.ProcessingJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, job.ID)
}

func (r *recordingLifecycle) JobFailed(_ context.Context, job *models.ProcessingJob, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, job.ID)
	r.causes = append(r.causes, cause)
}

func setup(t *testing.T, handlers Handlers, opts ...queue.Option) (*Worker, *queue.GormQueue, *recordingLifecycle, *Metrics) {
	t.Helper()
	q := queue.NewGormQueue(dbtest.Open(t), opts...)
	lc := &recordingLifecycle{}
	m := NewMetrics(prometheus.NewRegistry())
	w := New(q, handlers, Config{ID: "test-worker", PollInterval: time.Hour},
		WithLifecycle(lc), WithMetrics(m), WithLogger(utils.DiscardLogger()))
	return w, q, lc, m
}

func insert(t *testing.T, q *queue.GormQueue, task models.TaskType) *models.ProcessingJob {
	t.Helper()
	job := &models.ProcessingJob{VideoID: uuid.New(), TaskType: task, Priority: 2, UploadPath: "uploads/x/"}
	_, err := q.Insert(context.Background(), job)
	require.NoError(t, err)
	return job
}

func TestProcessNextEmptyQueue(t *testing.T) {
	w, _, _, _ := setup(t, Handlers{})
	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNextSuccess(t *testing.T) {
	ctx := context.Background()
	var seen *models.ProcessingJob
	w, q, lc, m := setup(t, Handlers{
		models.TaskTranscode: func(_ context.Context, job *models.ProcessingJob) error {
			seen = job
			return nil
		},
	})
	job := insert(t, q, models.TaskTranscode)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	require.NotNil(t, seen)
	assert.Equal(t, job.ID, seen.ID)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, stored.Status)
	assert.Equal(t, []uuid.UUID{job.ID}, lc.completed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("transcode", "completed")))
}

func TestAlwaysFailingJobRunsFourTimes(t *testing.T) {
	ctx := context.Background()
	var attempts int32
	w, q, lc, m := setup(t, Handlers{
		models.TaskThumbnail: func(context.Context, *models.ProcessingJob) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("ffmpeg exited 1")
		},
	})
	job := insert(t, q, models.TaskThumbnail)

	for i := 0; i < 10; i++ {
		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		if !processed {
			break
		}
	}
	assert.EqualValues(t, 4, atomic.LoadInt32(&attempts))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "ffmpeg exited 1", *stored.ErrorMessage)
	assert.Equal(t, []uuid.UUID{job.ID}, lc.failed)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("thumbnail", "retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("thumbnail", "failed")))
}

func TestPanickingHandlerDoesNotCrashWorker(t *testing.T) {
	ctx := context.Background()
	w, q, _, _ := setup(t, Handlers{
		models.TaskHLSDash: func(context.Context, *models.ProcessingJob) error {
			panic("nil segment list")
		},
	})
	job := insert(t, q, models.TaskHLSDash)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "handler panic: nil segment list")
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	w, q, lc, _ := setup(t, Handlers{
		models.TaskTranscode: func(context.Context, *models.ProcessingJob) error {
			return queue.Permanent(errors.New("source height 100 below ladder"))
		},
	})
	job := insert(t, q, models.TaskTranscode)

	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	require.Len(t, lc.causes, 1)
	assert.True(t, queue.IsPermanent(lc.causes[0]))
}

func TestUnknownTaskTypeFails(t *testing.T) {
	ctx := context.Background()
	w, q, _, _ := setup(t, Handlers{})
	job := insert(t, q, models.TaskCombineChunks)

	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
}

func TestJobTimeoutCancelsHandler(t *testing.T) {
	ctx := context.Background()
	q := queue.NewGormQueue(dbtest.Open(t))
	w := New(q, Handlers{
		models.TaskTranscode: func(ctx context.Context, _ *models.ProcessingJob) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, Config{ID: "w", JobTimeout: 50 * time.Millisecond}, WithLogger(utils.DiscardLogger()))
	job := insert(t, q, models.TaskTranscode)

	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "deadline exceeded")
}

func TestRunWakesOnNotification(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	handled := make(chan uuid.UUID, 1)
	q := queue.NewGormQueue(dbtest.Open(t), queue.WithNotifier(bus))
	w := New(q, Handlers{
		models.TaskTranscode: func(_ context.Context, job *models.ProcessingJob) error {
			handled <- job.ID
			return nil
		},
	}, Config{ID: "w", PollInterval: time.Hour}, WithWaker(bus), WithLogger(utils.DiscardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the loop time to find the queue empty and go to sleep.
	time.Sleep(100 * time.Millisecond)
	job := insert(t, q, models.TaskTranscode)

	select {
	case id := <-handled:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not wake on job notification")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestHeartbeatKeepsLongJobFromSecondClaim(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.Open(t)
	q := queue.NewGormQueue(gdb)
	job := insert(t, q, models.TaskTranscode)

	var calls, running, maxRunning atomic.Int32
	release := make(chan struct{})
	handlers := Handlers{
		models.TaskTranscode: func(ctx context.Context, _ *models.ProcessingJob) error {
			calls.Add(1)
			n := running.Add(1)
			defer running.Add(-1)
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	newWorker := func(id string) *Worker {
		return New(q, handlers, Config{ID: id, PollInterval: time.Hour, Heartbeat: 20 * time.Millisecond},
			WithMetrics(NewMetrics(prometheus.NewRegistry())), WithLogger(utils.DiscardLogger()))
	}
	a, b := newWorker("worker-a"), newWorker("worker-b")

	errA := make(chan error, 1)
	go func() {
		_, err := a.ProcessNext(ctx)
		errA <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	s, err := NewSweeper(q, "@every 1h", 200*time.Millisecond, nil, utils.DiscardLogger())
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		time.Sleep(50 * time.Millisecond)
		res, err := s.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, queue.StaleResult{}, res)
	}

	processed, err := b.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	close(release)
	require.NoError(t, <-errA)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), maxRunning.Load())

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
}

func TestLostClaimCancelsHandler(t *testing.T) {
	ctx := context.Background()
	q := queue.NewGormQueue(dbtest.Open(t))
	insert(t, q, models.TaskTranscode)

	started := make(chan struct{})
	w := New(q, Handlers{
		models.TaskTranscode: func(ctx context.Context, _ *models.ProcessingJob) error {
			close(started)
			<-ctx.Done()
			return context.Cause(ctx)
		},
	}, Config{ID: "w1", PollInterval: time.Hour, Heartbeat: 10 * time.Millisecond},
		WithMetrics(NewMetrics(prometheus.NewRegistry())), WithLogger(utils.DiscardLogger()))

	done := make(chan error, 1)
	go func() {
		_, err := w.ProcessNext(ctx)
		done <- err
	}()
	<-started

	// Age the claim out from under the running handler.
	time.Sleep(5 * time.Millisecond)
	res, err := q.RequeueStale(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Requeued)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, queue.ErrClaimLost)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not cancelled after its claim was lost")
	}
}

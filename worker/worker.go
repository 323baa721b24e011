// Package worker runs the single-job poll loop over the durable queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/devrayat000/video-ingest/models"
	"github.com/devrayat000/video-ingest/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type HandlerFunc func(ctx context.Context, job *models.ProcessingJob) error

type Handlers map[models.TaskType]HandlerFunc

// Lifecycle observes terminal job outcomes.
type Lifecycle interface {
	JobCompleted(ctx context.Context, job *models.ProcessingJob)
	JobFailed(ctx context.Context, job *models.ProcessingJob, cause error)
}

// Waker delivers a signal whenever new jobs are inserted.
type Waker interface {
	JobNotifications(ctx context.Context) (<-chan struct{}, error)
}

type Config struct {
	ID           string
	PollInterval time.Duration
	JobTimeout   time.Duration
	// Heartbeat is how often a running job's claim is refreshed. Zero disables it.
	Heartbeat time.Duration
}

type Worker struct {
	id         string
	queue      queue.JobQueue
	handlers   Handlers
	poll       time.Duration
	jobTimeout time.Duration
	heartbeat  time.Duration
	lifecycle  Lifecycle
	waker      Waker
	metrics    *Metrics
	log        logrus.FieldLogger
}

type Option func(*Worker)

func WithLifecycle(l Lifecycle) Option { return func(w *Worker) { w.lifecycle = l } }
func WithWaker(wk Waker) Option        { return func(w *Worker) { w.waker = wk } }
func WithMetrics(m *Metrics) Option    { return func(w *Worker) { w.metrics = m } }

func WithLogger(l logrus.FieldLogger) Option {
	return func(w *Worker) { w.log = l }
}

func New(q queue.JobQueue, handlers Handlers, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		id:         cfg.ID,
		queue:      q,
		handlers:   handlers,
		poll:       cfg.PollInterval,
		jobTimeout: cfg.JobTimeout,
		heartbeat:  cfg.Heartbeat,
		log:        logrus.StandardLogger(),
	}
	if w.poll <= 0 {
		w.poll = 5 * time.Second
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(prometheus.NewRegistry())
	}
	w.log = w.log.WithField("worker_id", w.id)
	return w
}

// Run processes jobs until ctx is cancelled. A job in progress is finished first.
func (w *Worker) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if w.waker != nil {
		ch, err := w.waker.JobNotifications(ctx)
		if err != nil {
			w.log.WithError(err).Warn("job notifications unavailable, polling only")
		} else {
			wake = ch
		}
	}
	w.log.WithField("poll_interval", w.poll).Info("worker started")

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.log.WithError(err).Error("queue error")
		}
		if processed && err == nil {
			continue
		}

		timer := time.NewTimer(w.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job was claimed.
// Handler failures are recorded on the job and never returned.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNext(ctx, w.id)
	if err != nil {
		w.metrics.ClaimErrors.Inc()
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := w.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"video_id":  job.VideoID,
		"task_type": job.TaskType,
		"attempt":   job.RetryCount + 1,
	})
	log.Info("job claimed")

	w.metrics.ActiveJobs.Inc()
	start := time.Now()
	hctx, stopBeat := w.keepAlive(ctx, job, log)
	herr := w.dispatch(hctx, job)
	stopBeat()
	elapsed := time.Since(start)
	w.metrics.ActiveJobs.Dec()
	w.metrics.JobDuration.WithLabelValues(string(job.TaskType)).Observe(elapsed.Seconds())

	// Bookkeeping must land even when shutdown cancelled the handler.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if herr == nil {
		if err := w.queue.MarkCompleted(bctx, job); err != nil {
			return true, fmt.Errorf("mark job %s completed: %w", job.ID, err)
		}
		w.metrics.JobsTotal.WithLabelValues(string(job.TaskType), "completed").Inc()
		log.WithField("elapsed", elapsed.Round(time.Millisecond)).Info("job completed")
		if w.lifecycle != nil {
			w.lifecycle.JobCompleted(bctx, job)
		}
		return true, nil
	}

	retried, err := w.queue.MarkFailedOrRetry(bctx, job, herr)
	if err != nil {
		return true, fmt.Errorf("record failure of job %s: %w", job.ID, err)
	}
	if retried {
		w.metrics.JobsTotal.WithLabelValues(string(job.TaskType), "retried").Inc()
		log.WithError(herr).Warnf("job failed, requeued (retry %d/%d)", job.RetryCount, job.MaxRetries)
		return true, nil
	}
	w.metrics.JobsTotal.WithLabelValues(string(job.TaskType), "failed").Inc()
	log.WithError(herr).Error("job failed permanently")
	if w.lifecycle != nil {
		w.lifecycle.JobFailed(bctx, job, herr)
	}
	return true, nil
}

// keepAlive refreshes the claim on a ticker until the returned stop func is
// called. The handler context is cancelled if the claim is lost.
func (w *Worker) keepAlive(ctx context.Context, job *models.ProcessingJob, log logrus.FieldLogger) (context.Context, func()) {
	if w.heartbeat <= 0 {
		return ctx, func() {}
	}
	hctx, cancel := context.WithCancelCause(ctx)
	claim := *job
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-hctx.Done():
				return
			case <-ticker.C:
			}
			err := w.queue.Touch(hctx, &claim)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrClaimLost), errors.Is(err, queue.ErrJobNotFound):
				log.WithError(err).Warn("claim lost while running, cancelling handler")
				cancel(err)
				return
			default:
				w.metrics.ClaimErrors.Inc()
				log.WithError(err).Warn("claim heartbeat failed")
			}
		}
	}()
	return hctx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

func (w *Worker) dispatch(ctx context.Context, job *models.ProcessingJob) (err error) {
	handler, ok := w.handlers[job.TaskType]
	if !ok {
		return queue.Permanent(fmt.Errorf("no handler for task type %q", job.TaskType))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			w.log.WithField("job_id", job.ID).Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	return handler(ctx, job)
}

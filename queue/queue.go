// Package queue implements the durable job queue over the processing_jobs table.
package queue

import (
	"context"
	"time"

	"github.com/devrayat000/video-ingest/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type JobQueue interface {
	// Insert adds a pending job. It reports false when the video already has a job of that task type.
	Insert(ctx context.Context, job *models.ProcessingJob) (bool, error)
	// ClaimNext returns nil, nil when nothing is pending.
	ClaimNext(ctx context.Context, workerID string) (*models.ProcessingJob, error)
	MarkCompleted(ctx context.Context, job *models.ProcessingJob) error
	// Touch refreshes started_at so the stale sweep leaves a running job alone.
	Touch(ctx context.Context, job *models.ProcessingJob) error
	// MarkFailedOrRetry reports whether the job was put back to pending.
	MarkFailedOrRetry(ctx context.Context, job *models.ProcessingJob, cause error) (bool, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (StaleResult, error)
}

type StaleResult struct {
	Requeued int64
	Failed   int64
}

// Notifier is told about each newly inserted job so idle workers can wake early.
type Notifier interface {
	NotifyJobs(ctx context.Context, taskType models.TaskType) error
}

type GormQueue struct {
	db         *gorm.DB
	maxRetries int
	notifier   Notifier
	log        logrus.FieldLogger
	now        func() time.Time
}

type Option func(*GormQueue)

func WithNotifier(n Notifier) Option {
	return func(q *GormQueue) { q.notifier = n }
}

// WithMaxRetries sets the retry ceiling stamped on every inserted job. Zero
// means a failed job is never retried. Negative values are ignored.
func WithMaxRetries(n int) Option {
	return func(q *GormQueue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(q *GormQueue) { q.log = l }
}

func NewGormQueue(gdb *gorm.DB, opts ...Option) *GormQueue {
	q := &GormQueue{
		db:         gdb,
		maxRetries: 3,
		log:        logrus.StandardLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *GormQueue) Insert(ctx context.Context, job *models.ProcessingJob) (bool, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.JobPending
	job.MaxRetries = q.maxRetries
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}

	res := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "video_id"}, {Name: "task_type"}},
		DoNothing: true,
	}).Create(job)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "insert %s job", job.TaskType)
	}
	inserted := res.RowsAffected == 1
	if inserted && q.notifier != nil {
		if err := q.notifier.NotifyJobs(ctx, job.TaskType); err != nil {
			q.log.WithError(err).Warn("job wake-up notification failed")
		}
	}
	return inserted, nil
}

func (q *GormQueue) ClaimNext(ctx context.Context, workerID string) (*models.ProcessingJob, error) {
	// A lost race on the conditional update means another worker took the row
	// between our select and update. Every lost race removes one pending row,
	// so the loop ends once we win or the queue is drained.
	for {
		job, lost, err := q.tryClaim(ctx, workerID)
		if err != nil || !lost {
			return job, err
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
	}
}

func (q *GormQueue) tryClaim(ctx context.Context, workerID string) (*models.ProcessingJob, bool, error) {
	var claimed *models.ProcessingJob
	lost := false

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.Where("status = ?", models.JobPending).
			Order("priority ASC").Order("created_at ASC").Order("id ASC").
			Limit(1)
		if tx.Dialector.Name() == "postgres" {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidate models.ProcessingJob
		if err := sel.Take(&candidate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return errors.WithStack(err)
		}

		now := q.now()
		res := tx.Model(&models.ProcessingJob{}).
			Where("id = ? AND status = ?", candidate.ID, models.JobPending).
			Updates(map[string]any{
				"status":     models.JobProcessing,
				"worker_id":  workerID,
				"started_at": now,
			})
		if res.Error != nil {
			return errors.WithStack(res.Error)
		}
		if res.RowsAffected != 1 {
			lost = true
			return nil
		}

		candidate.Status = models.JobProcessing
		candidate.WorkerID = &workerID
		candidate.StartedAt = &now
		claimed = &candidate
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "claim job")
	}
	return claimed, lost, nil
}

func (q *GormQueue) MarkCompleted(ctx context.Context, job *models.ProcessingJob) error {
	now := q.now()
	if err := q.transition(ctx, job, map[string]any{
		"status":        models.JobCompleted,
		"completed_at":  now,
		"error_message": nil,
	}); err != nil {
		return err
	}
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	return nil
}

func (q *GormQueue) Touch(ctx context.Context, job *models.ProcessingJob) error {
	now := q.now()
	if err := q.transition(ctx, job, map[string]any{"started_at": now}); err != nil {
		return err
	}
	job.StartedAt = &now
	return nil
}

func (q *GormQueue) MarkFailedOrRetry(ctx context.Context, job *models.ProcessingJob, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	retry := job.RetryCount < job.MaxRetries && !IsPermanent(cause)
	updates := map[string]any{"error_message": msg}
	if retry {
		updates["status"] = models.JobPending
		updates["retry_count"] = job.RetryCount + 1
		updates["worker_id"] = nil
		updates["started_at"] = nil
	} else {
		updates["status"] = models.JobFailed
		updates["completed_at"] = q.now()
	}

	if err := q.transition(ctx, job, updates); err != nil {
		return false, err
	}
	job.ErrorMessage = &msg
	if retry {
		job.Status = models.JobPending
		job.RetryCount++
		job.WorkerID = nil
		job.StartedAt = nil
	} else {
		job.Status = models.JobFailed
	}
	return retry, nil
}

// transition applies updates only while the caller still holds the claim.
func (q *GormQueue) transition(ctx context.Context, job *models.ProcessingJob, updates map[string]any) error {
	tx := q.db.WithContext(ctx).Model(&models.ProcessingJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobProcessing)
	if job.WorkerID != nil {
		tx = tx.Where("worker_id = ?", *job.WorkerID)
	}
	res := tx.Updates(updates)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update job %s", job.ID)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := q.db.WithContext(ctx).Model(&models.ProcessingJob{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
		return errors.WithStack(err)
	}
	if count == 0 {
		return ErrJobNotFound
	}
	return ErrClaimLost
}

// RequeueStale recovers jobs whose worker stopped reporting. The lost attempt
// counts toward the retry ceiling.
func (q *GormQueue) RequeueStale(ctx context.Context, olderThan time.Duration) (StaleResult, error) {
	cutoff := q.now().Add(-olderThan)
	var result StaleResult

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := func() *gorm.DB {
			return tx.Model(&models.ProcessingJob{}).
				Where("status = ? AND started_at < ?", models.JobProcessing, cutoff)
		}

		failed := stale().Where("retry_count >= max_retries").Updates(map[string]any{
			"status":        models.JobFailed,
			"error_message": "claim expired: retry budget exhausted",
			"completed_at":  q.now(),
		})
		if failed.Error != nil {
			return errors.WithStack(failed.Error)
		}
		result.Failed = failed.RowsAffected

		requeued := stale().Where("retry_count < max_retries").Updates(map[string]any{
			"status":        models.JobPending,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"worker_id":     nil,
			"started_at":    nil,
			"error_message": "claim expired",
		})
		if requeued.Error != nil {
			return errors.WithStack(requeued.Error)
		}
		result.Requeued = requeued.RowsAffected
		return nil
	})
	if err != nil {
		return StaleResult{}, errors.Wrap(err, "requeue stale jobs")
	}
	return result, nil
}

func (q *GormQueue) Get(ctx context.Context, id uuid.UUID) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &job, nil
}

// ListForVideo returns every job of a video in pipeline order.
func (q *GormQueue) ListForVideo(ctx context.Context, videoID uuid.UUID) ([]models.ProcessingJob, error) {
	var jobs []models.ProcessingJob
	err := q.db.WithContext(ctx).Where("video_id = ?", videoID).
		Order("priority ASC").Order("created_at ASC").Find(&jobs).Error
	return jobs, errors.WithStack(err)
}

var _ JobQueue = (*GormQueue)(nil)

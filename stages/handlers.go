// Package stages implements the processing pipeline:
// combine_chunks -> transcode -> {thumbnail, hls_dash}.
// Each handler enqueues its own successors.
package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrayat000/video-ingest/db"
	"github.com/devrayat000/video-ingest/media"
	"github.com/devrayat000/video-ingest/models"
	"github.com/devrayat000/video-ingest/pubsub"
	"github.com/devrayat000/video-ingest/queue"
	"github.com/devrayat000/video-ingest/storage"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
)

var ErrNoRenditions = errors.New("no quality rendition fits the source")

// VideoStore is the slice of the metadata repository the stages write to.
type VideoStore interface {
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	UpdateVideoStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus, errMsg string) error
	UpdateSource(ctx context.Context, id uuid.UUID, sourceKey string, size int64) error
	UpdateVideoMetadata(ctx context.Context, id uuid.UUID, width, height int, duration float64, codec string, bitrateKbps int) error
	CreateVariant(ctx context.Context, v *models.VideoVariant) error
	ListVariants(ctx context.Context, videoID uuid.UUID) ([]models.VideoVariant, error)
	MarkReady(ctx context.Context, id uuid.UUID) error
	ReplaceThumbnails(ctx context.Context, videoID uuid.UUID, thumbs []models.VideoThumbnail) error
	UpsertManifest(ctx context.Context, m *models.VideoManifest) error
	UpdateMasterPlaylist(ctx context.Context, id uuid.UUID, key string) error
	CompleteVideo(ctx context.Context, id uuid.UUID) error
}

type JobStore interface {
	Insert(ctx context.Context, job *models.ProcessingJob) (bool, error)
	ListForVideo(ctx context.Context, videoID uuid.UUID) ([]models.ProcessingJob, error)
}

type Options struct {
	ScratchDir     string
	Ladder         media.Ladder
	SegmentSeconds int
	ThumbWidth     int
	// DiskFree reports free bytes at a path. Defaults to gopsutil.
	DiskFree func(ctx context.Context, path string) (uint64, error)
}

type Handlers struct {
	store    storage.ObjectStore
	videos   VideoStore
	jobs     JobStore
	encoder  media.Encoder
	progress pubsub.Publisher
	opts     Options
	log      logrus.FieldLogger
}

func New(store storage.ObjectStore, videos VideoStore, jobs JobStore, encoder media.Encoder, progress pubsub.Publisher, opts Options, log logrus.FieldLogger) *Handlers {
	if progress == nil {
		progress = pubsub.Nop{}
	}
	if len(opts.Ladder) == 0 {
		opts.Ladder = media.DefaultLadder
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = 6
	}
	if opts.ThumbWidth <= 0 {
		opts.ThumbWidth = 640
	}
	if opts.DiskFree == nil {
		opts.DiskFree = gopsutilFree
	}
	return &Handlers{
		store:    store,
		videos:   videos,
		jobs:     jobs,
		encoder:  encoder,
		progress: progress,
		opts:     opts,
		log:      log,
	}
}

func gopsutilFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (h *Handlers) jobLogger(job *models.ProcessingJob) logrus.FieldLogger {
	return h.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"video_id":  job.VideoID,
		"task_type": job.TaskType,
	})
}

func (h *Handlers) publish(ctx context.Context, job *models.ProcessingJob, status models.VideoStatus, pct int, format string, args ...any) {
	jobID := job.ID
	err := h.progress.PublishProgress(ctx, models.ProcessingProgress{
		VideoID:   job.VideoID,
		JobID:     &jobID,
		TaskType:  job.TaskType,
		Status:    status,
		Progress:  pct,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	})
	if err != nil {
		h.jobLogger(job).WithError(err).Debug("progress publish failed")
	}
}

// loadVideo fetches the owning video. A job for a deleted video can never succeed.
func (h *Handlers) loadVideo(ctx context.Context, job *models.ProcessingJob) (*models.Video, error) {
	video, err := h.videos.GetVideo(ctx, job.VideoID)
	if errors.Is(err, db.ErrVideoNotFound) {
		return nil, queue.Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("load video: %w", err)
	}
	return video, nil
}

func (h *Handlers) enqueue(ctx context.Context, job *models.ProcessingJob, task models.TaskType, priority int) error {
	next := &models.ProcessingJob{
		VideoID:     job.VideoID,
		TaskType:    task,
		Priority:    priority,
		UploadPath:  job.UploadPath,
		TotalChunks: job.TotalChunks,
	}
	inserted, err := h.jobs.Insert(ctx, next)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task, err)
	}
	h.jobLogger(job).WithFields(logrus.Fields{"next": task, "inserted": inserted}).Info("successor enqueued")
	return nil
}

// JobCompleted completes the video once both follow-up stages have finished.
func (h *Handlers) JobCompleted(ctx context.Context, job *models.ProcessingJob) {
	if job.TaskType != models.TaskThumbnail && job.TaskType != models.TaskHLSDash {
		return
	}
	log := h.jobLogger(job)
	jobs, err := h.jobs.ListForVideo(ctx, job.VideoID)
	if err != nil {
		log.WithError(err).Warn("list video jobs")
		return
	}
	done := map[models.TaskType]bool{}
	for _, j := range jobs {
		if j.Status == models.JobCompleted {
			done[j.TaskType] = true
		}
	}
	if !done[models.TaskThumbnail] || !done[models.TaskHLSDash] {
		return
	}
	if err := h.videos.CompleteVideo(ctx, job.VideoID); err != nil {
		log.WithError(err).Warn("mark video completed")
		return
	}
	h.publish(ctx, job, models.StatusCompleted, 100, "Processing completed successfully!")
	log.Info("video completed")
}

// JobFailed records a terminal job failure on the owning video.
func (h *Handlers) JobFailed(ctx context.Context, job *models.ProcessingJob, cause error) {
	msg := fmt.Sprintf("%s failed: %v", job.TaskType, cause)
	if err := h.videos.UpdateVideoStatus(ctx, job.VideoID, models.StatusFailed, msg); err != nil && !errors.Is(err, db.ErrVideoNotFound) {
		h.jobLogger(job).WithError(err).Warn("mark video failed")
	}
	h.publish(ctx, job, models.StatusFailed, 0, "%s", msg)
}

package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/devrayat000/video-ingest/media"
	"github.com/devrayat000/video-ingest/models"
	"github.com/devrayat000/video-ingest/queue"
	"github.com/devrayat000/video-ingest/storage"
	"github.com/sirupsen/logrus"
)

// fetchSource downloads the combined original into dir and probes it.
func (h *Handlers) fetchSource(ctx context.Context, video *models.Video, dir string) (string, *media.Metadata, error) {
	if video.SourceKey == "" {
		return "", nil, queue.Permanent(fmt.Errorf("video %s has no combined source", video.ID))
	}
	src := filepath.Join(dir, "source"+path.Ext(video.SourceKey))
	if _, err := download(ctx, h.store, video.SourceKey, src); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, queue.Permanent(err)
		}
		return "", nil, err
	}
	meta, err := h.encoder.Probe(ctx, src)
	if err != nil {
		if errors.Is(err, media.ErrInvalidMedia) {
			return "", nil, queue.Permanent(err)
		}
		return "", nil, fmt.Errorf("probe source: %w", err)
	}
	return src, meta, nil
}

// renditions applies the no-upscale filter. An empty result is a permanent failure.
func (h *Handlers) renditions(meta *media.Metadata) (media.Ladder, error) {
	rungs := h.opts.Ladder.For(meta.Height)
	if len(rungs) == 0 {
		return nil, queue.Permanent(fmt.Errorf("%w: source height %d is below the lowest rung %s",
			ErrNoRenditions, meta.Height, h.opts.Ladder[0].Name))
	}
	return rungs, nil
}

// Transcode renders every ladder rung that fits the source and records one variant per rung.
func (h *Handlers) Transcode(ctx context.Context, job *models.ProcessingJob) error {
	log := h.jobLogger(job)
	video, err := h.loadVideo(ctx, job)
	if err != nil {
		return err
	}
	dir, cleanup, err := h.scratchDir(job.ID)
	if err != nil {
		return err
	}
	defer cleanup()

	src, meta, err := h.fetchSource(ctx, video, dir)
	if err != nil {
		return err
	}
	log.Infof("source video: %dx%d, duration: %.2fs, codec: %s", meta.Width, meta.Height, meta.Duration, meta.Codec)
	if err := h.videos.UpdateVideoMetadata(ctx, video.ID, meta.Width, meta.Height, meta.Duration, meta.Codec, meta.BitrateKbps); err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}

	rungs, err := h.renditions(meta)
	if err != nil {
		return err
	}

	existing, err := h.videos.ListVariants(ctx, video.ID)
	if err != nil {
		return fmt.Errorf("list variants: %w", err)
	}
	done := make(map[string]bool, len(existing))
	for _, v := range existing {
		done[v.Quality] = true
	}

	for i, q := range rungs {
		if done[q.Name] {
			log.WithField("quality", q.Name).Info("rendition already recorded, skipping")
			continue
		}
		base := i * 100 / len(rungs)
		h.publish(ctx, job, models.StatusProcessing, base, "Processing %s (%d/%d)...", q.Name, i+1, len(rungs))

		out := filepath.Join(dir, q.Name+".mp4")
		report := h.progressReporter(ctx, job, meta.Duration, base, 100/len(rungs), q.Name)
		if err := h.encoder.Transcode(ctx, src, out, q, meta, report); err != nil {
			return fmt.Errorf("failed to transcode %s: %w", q.Name, err)
		}

		key := storage.VariantKey(video.ID, q.Name)
		size, err := upload(ctx, h.store, key, out, "video/mp4")
		if err != nil {
			return err
		}
		_ = os.Remove(out)

		if err := h.videos.CreateVariant(ctx, &models.VideoVariant{
			VideoID:         video.ID,
			Quality:         q.Name,
			Width:           media.ScaledWidth(meta.Width, meta.Height, q.Height),
			Height:          q.Height,
			BitrateKbps:     q.BitrateKbps,
			StoragePath:     key,
			FileSize:        size,
			DurationSeconds: meta.Duration,
			Status:          models.VariantReady,
		}); err != nil {
			return fmt.Errorf("record variant %s: %w", q.Name, err)
		}
		log.WithFields(logrus.Fields{"quality": q.Name, "bytes": size}).Info("rendition uploaded")
	}

	if err := h.enqueue(ctx, job, models.TaskThumbnail, models.PriorityFollowUp); err != nil {
		return err
	}
	if err := h.enqueue(ctx, job, models.TaskHLSDash, models.PriorityFollowUp); err != nil {
		return err
	}
	if err := h.videos.MarkReady(ctx, video.ID); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	h.publish(ctx, job, models.StatusReady, 100, "%d renditions ready", len(rungs))
	return nil
}

// progressReporter maps encoder time onto a slice [base, base+span) of the
// job's percentage and publishes at most once per second.
func (h *Handlers) progressReporter(ctx context.Context, job *models.ProcessingJob, duration float64, base, span int, label string) media.ProgressFunc {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(seconds float64) {
		if duration <= 0 {
			return
		}
		mu.Lock()
		if time.Since(last) < time.Second {
			mu.Unlock()
			return
		}
		last = time.Now()
		mu.Unlock()

		frac := seconds / duration
		if frac > 1 {
			frac = 1
		}
		h.publish(ctx, job, models.StatusProcessing, base+int(frac*float64(span)), "%s %.0f%%", label, frac*100)
	}
}

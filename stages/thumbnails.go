package stages

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/devrayat000/video-ingest/models"
	"github.com/devrayat000/video-ingest/storage"
	"github.com/disintegration/imaging"
)

// thumbnailOffsets avoids black lead-in frames and tail credits.
var thumbnailOffsets = []float64{0.05, 0.25, 0.50, 0.75, 0.95}

// primaryThumbnail is the temporally middle sample.
const primaryThumbnail = 2

func (h *Handlers) GenerateThumbnails(ctx context.Context, job *models.ProcessingJob) error {
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

	thumbs := make([]models.VideoThumbnail, 0, len(thumbnailOffsets))
	for i, frac := range thumbnailOffsets {
		at := meta.Duration * frac
		frame := filepath.Join(dir, fmt.Sprintf("frame_%02d.png", i))
		if err := h.encoder.ExtractFrame(ctx, src, frame, at); err != nil {
			return fmt.Errorf("extract frame at %.2fs: %w", at, err)
		}

		img, err := imaging.Open(frame)
		if err != nil {
			return fmt.Errorf("decode frame %d: %w", i, err)
		}
		if img.Bounds().Dx() > h.opts.ThumbWidth {
			img = imaging.Resize(img, h.opts.ThumbWidth, 0, imaging.Lanczos)
		}
		out := filepath.Join(dir, fmt.Sprintf("thumb_%02d.jpg", i))
		if err := imaging.Save(img, out, imaging.JPEGQuality(85)); err != nil {
			return fmt.Errorf("encode thumbnail %d: %w", i, err)
		}

		key := storage.ThumbnailKey(video.ID, i)
		if _, err := upload(ctx, h.store, key, out, "image/jpeg"); err != nil {
			return err
		}
		b := img.Bounds()
		thumbs = append(thumbs, models.VideoThumbnail{
			VideoID:          video.ID,
			StoragePath:      key,
			Width:            b.Dx(),
			Height:           b.Dy(),
			TimestampSeconds: at,
			IsPrimary:        i == primaryThumbnail,
		})
		h.publish(ctx, job, models.StatusProcessing, (i+1)*100/len(thumbnailOffsets), "Thumbnail %d/%d", i+1, len(thumbnailOffsets))
	}

	if err := h.videos.ReplaceThumbnails(ctx, video.ID, thumbs); err != nil {
		return fmt.Errorf("record thumbnails: %w", err)
	}
	log.Infof("generated %d thumbnails", len(thumbs))
	return nil
}

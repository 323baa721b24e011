package stages

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/devrayat000/video-ingest/media"
	"github.com/devrayat000/video-ingest/models"
	"github.com/devrayat000/video-ingest/storage"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// GenerateStreamingFormats segments the combined original into one HLS media
// playlist per surviving rung and writes a master playlist over them.
func (h *Handlers) GenerateStreamingFormats(ctx context.Context, job *models.ProcessingJob) error {
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
	rungs, err := h.renditions(meta)
	if err != nil {
		return err
	}

	var (
		variants []media.Variant
		segments int
	)
	for i, q := range rungs {
		base := i * 100 / len(rungs)
		h.publish(ctx, job, models.StatusProcessing, base, "Segmenting %s (%d/%d)...", q.Name, i+1, len(rungs))

		outDir := filepath.Join(dir, "hls", q.Name)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
		report := h.progressReporter(ctx, job, meta.Duration, base, 100/len(rungs), "hls "+q.Name)
		playlistPath, err := h.encoder.SegmentHLS(ctx, src, outDir, q, meta, h.opts.SegmentSeconds, report)
		if err != nil {
			return fmt.Errorf("failed to segment %s: %w", q.Name, err)
		}

		n, err := h.uploadRendition(ctx, video, q.Name, outDir, playlistPath)
		if err != nil {
			return err
		}
		segments += n
		variants = append(variants, media.Variant{
			Name:      q.Name,
			Bandwidth: q.Bandwidth(meta.HasAudio),
			Width:     media.ScaledWidth(meta.Width, meta.Height, q.Height),
			Height:    q.Height,
			URI:       q.Name + "/playlist.m3u8",
		})
		_ = os.RemoveAll(outDir)
		log.WithField("quality", q.Name).Infof("uploaded %d segments", n)
	}

	masterKey := storage.HLSKey(video.ID, "master.m3u8")
	content := media.BuildMasterPlaylist(variants)
	if err := h.store.Put(ctx, masterKey, strings.NewReader(content), int64(len(content)), playlistContentType); err != nil {
		return fmt.Errorf("failed to upload master playlist: %w", err)
	}
	if err := h.videos.UpsertManifest(ctx, &models.VideoManifest{
		VideoID:      video.ID,
		Type:         models.ManifestHLS,
		StoragePath:  masterKey,
		SegmentCount: segments,
	}); err != nil {
		return fmt.Errorf("record manifest: %w", err)
	}
	if err := h.videos.UpdateMasterPlaylist(ctx, video.ID, masterKey); err != nil {
		return fmt.Errorf("record master playlist: %w", err)
	}
	log.Infof("master playlist uploaded: %s", masterKey)
	return nil
}

// uploadRendition uploads the segments named by the media playlist, then the playlist itself.
func (h *Handlers) uploadRendition(ctx context.Context, video *models.Video, quality, outDir, playlistPath string) (int, error) {
	f, err := os.Open(playlistPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open playlist: %w", err)
	}
	playlist, err := media.ParseMediaPlaylist(f)
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("parse %s playlist: %w", quality, err)
	}
	if len(playlist.Segments) == 0 {
		return 0, fmt.Errorf("%s playlist has no segments", quality)
	}

	for _, seg := range playlist.Segments {
		name := path.Base(seg.URI)
		key := storage.HLSKey(video.ID, path.Join(quality, name))
		if _, err := upload(ctx, h.store, key, filepath.Join(outDir, name), segmentContentType); err != nil {
			return 0, err
		}
	}
	key := storage.HLSKey(video.ID, path.Join(quality, "playlist.m3u8"))
	if _, err := upload(ctx, h.store, key, playlistPath, playlistContentType); err != nil {
		return 0, err
	}
	return len(playlist.Segments), nil
}

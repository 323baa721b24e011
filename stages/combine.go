package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/devrayat000/video-ingest/models"
	"github.com/devrayat000/video-ingest/queue"
	"github.com/devrayat000/video-ingest/storage"
)

type chunkRef struct {
	index int
	key   string
	size  int64
}

// orderChunks sorts chunk objects by their parsed index and checks that they
// form exactly 0..n-1. expected is ignored when zero.
func orderChunks(objs []storage.ObjectInfo, expected int) ([]chunkRef, error) {
	chunks := make([]chunkRef, 0, len(objs))
	for _, o := range objs {
		idx, err := storage.ParseChunkIndex(o.Key)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunkRef{index: idx, key: o.Key, size: o.Size})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	for i, c := range chunks {
		if c.index != i {
			return nil, fmt.Errorf("chunk set is not contiguous: expected index %d, found %d", i, c.index)
		}
	}
	if expected > 0 && len(chunks) != expected {
		return nil, fmt.Errorf("found %d chunks, expected %d", len(chunks), expected)
	}
	return chunks, nil
}

// CombineChunks reassembles uploaded chunks into the original file.
func (h *Handlers) CombineChunks(ctx context.Context, job *models.ProcessingJob) error {
	log := h.jobLogger(job)
	video, err := h.loadVideo(ctx, job)
	if err != nil {
		return err
	}
	originalKey := storage.OriginalKey(job.UploadPath, path.Ext(video.OriginalName))

	objs, err := h.store.List(ctx, storage.ChunkPrefix(job.UploadPath))
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	if len(objs) == 0 {
		// An earlier attempt combined and cleaned up, then died before enqueueing.
		info, statErr := h.store.Stat(ctx, originalKey)
		if statErr == nil {
			log.Info("chunks already combined, resuming after upload")
			return h.afterCombine(ctx, job, originalKey, info.Size)
		}
		if !errors.Is(statErr, storage.ErrNotFound) {
			return fmt.Errorf("stat original: %w", statErr)
		}
		return queue.Permanent(fmt.Errorf("no chunks under %s", job.UploadPath))
	}

	chunks, err := orderChunks(objs, job.TotalChunks)
	if err != nil {
		return queue.Permanent(err)
	}
	var total int64
	for _, c := range chunks {
		total += c.size
	}
	// Chunk copies plus the combined file.
	if err := h.ensureFree(ctx, uint64(total)*2); err != nil {
		return err
	}

	dir, cleanup, err := h.scratchDir(job.ID)
	if err != nil {
		return err
	}
	defer cleanup()

	h.publish(ctx, job, models.StatusProcessing, 0, "Combining %d chunks...", len(chunks))
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = filepath.Join(dir, path.Base(c.key))
		if _, err := download(ctx, h.store, c.key, parts[i]); err != nil {
			return err
		}
	}

	combined := filepath.Join(dir, path.Base(originalKey))
	written, err := concatFiles(combined, parts)
	if err != nil {
		return err
	}
	if written != total {
		return fmt.Errorf("combined %d bytes, chunks listed %d", written, total)
	}
	if _, err := upload(ctx, h.store, originalKey, combined, video.ContentType); err != nil {
		return err
	}
	log.WithField("bytes", written).Infof("combined %d chunks into %s", len(chunks), originalKey)

	for _, c := range chunks {
		if err := h.store.Delete(ctx, c.key); err != nil {
			log.WithError(err).WithField("key", c.key).Warn("failed to delete chunk")
		}
	}
	return h.afterCombine(ctx, job, originalKey, written)
}

func (h *Handlers) afterCombine(ctx context.Context, job *models.ProcessingJob, originalKey string, size int64) error {
	if err := h.videos.UpdateSource(ctx, job.VideoID, originalKey, size); err != nil {
		return fmt.Errorf("record source: %w", err)
	}
	if err := h.enqueue(ctx, job, models.TaskTranscode, models.PriorityTranscode); err != nil {
		return err
	}
	h.publish(ctx, job, models.StatusProcessing, 100, "Chunks combined")
	return nil
}

func concatFiles(dst string, parts []string) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	var written int64
	for _, p := range parts {
		in, err := os.Open(p)
		if err != nil {
			out.Close()
			return written, err
		}
		n, err := io.Copy(out, in)
		in.Close()
		written += n
		if err != nil {
			out.Close()
			return written, fmt.Errorf("concatenate %s: %w", filepath.Base(p), err)
		}
		// Each part is only needed once; free scratch space early.
		_ = os.Remove(p)
	}
	return written, out.Close()
}

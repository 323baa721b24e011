package stages

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/devrayat000/video-ingest/storage"
	"github.com/google/uuid"
)

// scratchDir creates the per-job working directory. The returned cleanup
// removes it and must be deferred by the caller.
func (h *Handlers) scratchDir(jobID uuid.UUID) (string, func(), error) {
	dir := filepath.Join(h.opts.ScratchDir, "scratch", jobID.String())
	// A previous attempt by a crashed worker may have left files behind.
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, fmt.Errorf("reset scratch dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func (h *Handlers) ensureFree(ctx context.Context, need uint64) error {
	root := h.opts.ScratchDir
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create scratch root: %w", err)
	}
	free, err := h.opts.DiskFree(ctx, root)
	if err != nil {
		return fmt.Errorf("check scratch space: %w", err)
	}
	if free < need {
		return fmt.Errorf("scratch space: need %d bytes, %d free", need, free)
	}
	return nil
}

func download(ctx context.Context, store storage.ObjectStore, key, dst string) (int64, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("download %s: %w", key, err)
	}
	return n, nil
}

func upload(ctx context.Context, store storage.ObjectStore, key, src, contentType string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := store.Put(ctx, key, f, info.Size(), contentType); err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	return info.Size(), nil
}

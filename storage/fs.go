package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// FSStore keeps objects as files on an afero filesystem. It backs the local
// development backend (afero.NewBasePathFs over a directory) and tests
// (afero.NewMemMapFs). It cannot presign URLs, so clients upload chunks
// through the API proxy.
type FSStore struct {
	fs afero.Fs
}

func NewFSStore(fsys afero.Fs) *FSStore {
	return &FSStore{fs: fsys}
}

// NewLocalStore roots an FSStore at dir on the OS filesystem.
func NewLocalStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return NewFSStore(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

func (s *FSStore) objectPath(key string) string {
	return filepath.FromSlash(path.Clean("/" + key))
}

func (s *FSStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	p := s.objectPath(key)
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	// Write to a sibling temp file and rename so readers never see a partial object.
	tmp := p + ".part"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.objectPath(key))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, mapFSError(err))
	}
	return f, nil
}

func (s *FSStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	fi, err := s.fs.Stat(s.objectPath(key))
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, mapFSError(err))
	}
	if fi.IsDir() {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, ErrNotFound)
	}
	return ObjectInfo{Key: key, Size: fi.Size()}, nil
}

func (s *FSStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	// Walk from the deepest directory fully contained in the prefix.
	dir := prefix
	if !strings.HasSuffix(dir, "/") {
		dir = path.Dir(dir)
	}
	root := s.objectPath(dir)
	if _, err := s.fs.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	var out []ObjectInfo
	err := afero.Walk(s.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".part") {
			return nil
		}
		key := strings.TrimPrefix(filepath.ToSlash(p), "/")
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	err := s.fs.Remove(s.objectPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func mapFSError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

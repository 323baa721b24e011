package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStorePutGetStat(t *testing.T) {
	ctx := context.Background()
	s := NewFSStore(afero.NewMemMapFs())

	require.NoError(t, s.Put(ctx, "uploads/a/chunks/chunk_000000", bytes.NewReader([]byte("hello")), 5, ""))

	info, err := s.Stat(ctx, "uploads/a/chunks/chunk_000000")
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Size)

	r, err := s.Get(ctx, "uploads/a/chunks/chunk_000000")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFSStoreMissingKey(t *testing.T) {
	ctx := context.Background()
	s := NewFSStore(afero.NewMemMapFs())

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Stat(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "nope"))
}

func TestFSStoreListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewFSStore(afero.NewMemMapFs())
	for _, key := range []string{
		"uploads/a/chunks/chunk_000000",
		"uploads/a/chunks/chunk_000001",
		"uploads/a/original.mp4",
		"uploads/b/chunks/chunk_000000",
	} {
		require.NoError(t, s.Put(ctx, key, bytes.NewReader([]byte("x")), 1, ""))
	}

	objs, err := s.List(ctx, "uploads/a/chunks/")
	require.NoError(t, err)
	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"uploads/a/chunks/chunk_000000", "uploads/a/chunks/chunk_000001"}, keys)

	objs, err = s.List(ctx, "uploads/missing/")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestFSStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewFSStore(afero.NewMemMapFs())
	require.NoError(t, s.Put(ctx, "k/v", bytes.NewReader([]byte("x")), 1, ""))
	require.NoError(t, s.Delete(ctx, "k/v"))
	_, err := s.Stat(ctx, "k/v")
	assert.ErrorIs(t, err, ErrNotFound)
}

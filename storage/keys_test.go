package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkKeyRoundTrip(t *testing.T) {
	path := UploadPath(uuid.MustParse("7f0c2a4e-0000-4000-8000-000000000001"))
	assert.Equal(t, "uploads/7f0c2a4e-0000-4000-8000-000000000001/", path)

	key := ChunkKey(path, 10)
	assert.Equal(t, "uploads/7f0c2a4e-0000-4000-8000-000000000001/chunks/chunk_000010", key)

	idx, err := ParseChunkIndex(key)
	require.NoError(t, err)
	assert.Equal(t, 10, idx)
}

func TestParseChunkIndexAcceptsUnpadded(t *testing.T) {
	idx, err := ParseChunkIndex("uploads/x/chunks/chunk_11")
	require.NoError(t, err)
	assert.Equal(t, 11, idx)
}

func TestParseChunkIndexRejectsGarbage(t *testing.T) {
	for _, key := range []string{"uploads/x/chunks/part_1", "uploads/x/chunks/chunk_", "uploads/x/chunks/chunk_-1", "uploads/x/chunks/chunk_1a"} {
		_, err := ParseChunkIndex(key)
		assert.Error(t, err, key)
	}
}

func TestOriginalKey(t *testing.T) {
	assert.Equal(t, "uploads/a/original.mov", OriginalKey("uploads/a/", ".MOV"))
	assert.Equal(t, "uploads/a/original.mp4", OriginalKey("uploads/a/", ""))
	assert.Equal(t, "uploads/a/original.webm", OriginalKey("uploads/a/", "webm"))
}

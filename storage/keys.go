package storage

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const chunkPrefix = "chunk_"

// UploadPath is the logical directory of one upload: uploads/<video>/.
func UploadPath(videoID uuid.UUID) string {
	return fmt.Sprintf("uploads/%s/", videoID)
}

func ChunkPrefix(uploadPath string) string {
	return path.Join(uploadPath, "chunks") + "/"
}

// ChunkKey zero-pads the index to six digits. Readers must still parse the
// index with ParseChunkIndex rather than rely on key order.
func ChunkKey(uploadPath string, index int) string {
	return fmt.Sprintf("%s%s%06d", ChunkPrefix(uploadPath), chunkPrefix, index)
}

// ParseChunkIndex extracts the integer index from a chunk key. Both padded
// (chunk_000010) and unpadded (chunk_10) names are accepted.
func ParseChunkIndex(key string) (int, error) {
	name := path.Base(key)
	if !strings.HasPrefix(name, chunkPrefix) {
		return 0, fmt.Errorf("not a chunk key: %q", key)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, chunkPrefix))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid chunk index in %q", key)
	}
	return n, nil
}

// OriginalKey is where the combined upload lives, e.g. uploads/<video>/original.mp4.
func OriginalKey(uploadPath, ext string) string {
	if ext == "" {
		ext = ".mp4"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(uploadPath, "original"+strings.ToLower(ext))
}

func VariantKey(videoID uuid.UUID, quality string) string {
	return fmt.Sprintf("videos/%s/renditions/%s.mp4", videoID, quality)
}

func ThumbnailKey(videoID uuid.UUID, index int) string {
	return fmt.Sprintf("videos/%s/thumbnails/thumb_%02d.jpg", videoID, index)
}

// HLSKey places a file relative to the video's HLS root, e.g. 720p/segment_000.ts.
func HLSKey(videoID uuid.UUID, rel string) string {
	return path.Join(fmt.Sprintf("videos/%s/hls", videoID), rel)
}

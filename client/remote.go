package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/devrayat000/video-ingest/models"
)

// Remote is the server side of the upload contract as seen by the Manager.
type Remote interface {
	InitiateUpload(ctx context.Context, req models.InitiateUploadRequest) (*models.InitiateUploadResponse, error)
	ChunkUploadTarget(ctx context.Context, uploadID string, index int) (*models.ChunkTargetResponse, error)
	UploadChunk(ctx context.Context, target *models.ChunkTargetResponse, data []byte) error
	FinalizeUpload(ctx context.Context, uploadID string, totalChunks int) (*models.FinalizeUploadResponse, error)
}

// StatusError is a non-2xx response from the API or the object store.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// Retryable reports whether a chunk failure is worth another attempt.
// Client errors are final except timeouts and throttling.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusRequestTimeout, se.StatusCode == http.StatusTooManyRequests:
			return true
		case se.StatusCode >= 400 && se.StatusCode < 500:
			return false
		}
	}
	return true
}

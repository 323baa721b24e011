// Package storage abstracts the blob store that holds raw chunks, combined
// originals, renditions, thumbnails and HLS output.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get and Stat when the key does not exist.
var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStore is the durable blob store shared by the API and the worker.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// List returns every object whose key starts with prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// URLSigner is implemented by stores that can hand clients a direct upload URL.
type URLSigner interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
}

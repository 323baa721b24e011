package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
)

// GCSStore keeps objects in a Google Cloud Storage bucket using application
// default credentials.
type GCSStore struct {
	client      *gcs.Client
	bucket      string
	signerEmail string
	signerKey   []byte
	log         logrus.FieldLogger
}

type GCSOptions struct {
	Bucket string
	// SignerEmail and SignerKeyFile enable V4 signed PUT URLs. When empty the
	// client library tries to derive them from the default credentials.
	SignerEmail   string
	SignerKeyFile string
}

func NewGCSStore(ctx context.Context, opts GCSOptions, logger logrus.FieldLogger) (*GCSStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("STORAGE_BUCKET must be set")
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCS client: %w", err)
	}

	s := &GCSStore{client: client, bucket: opts.Bucket, signerEmail: opts.SignerEmail, log: logger}
	if opts.SignerKeyFile != "" {
		key, err := os.ReadFile(opts.SignerKeyFile)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("read gcs signer key: %w", err)
		}
		s.signerKey = key
	}
	return s, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, mapGCSError(err))
	}
	return r, nil
}

func (s *GCSStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, mapGCSError(err))
	}
	return ObjectInfo{Key: attrs.Name, Size: attrs.Size}, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out = append(out, ObjectInfo{Key: attrs.Name, Size: attrs.Size})
	}
	return out, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) PresignPut(_ context.Context, key string, ttl time.Duration) (string, error) {
	opts := &gcs.SignedURLOptions{
		Scheme:         gcs.SigningSchemeV4,
		Method:         http.MethodPut,
		Expires:        time.Now().Add(ttl),
		GoogleAccessID: s.signerEmail,
		PrivateKey:     s.signerKey,
		ContentType:    "application/octet-stream",
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(key, opts)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Error("generate signed url failed")
		return "", fmt.Errorf("signed url: %w", err)
	}
	return u, nil
}

func mapGCSError(err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}

package storage

import (
	"context"
	"fmt"

	"github.com/devrayat000/video-ingest/config"
	"github.com/sirupsen/logrus"
)

// Open constructs the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig, logger logrus.FieldLogger) (ObjectStore, error) {
	logger = logger.WithField("storage", cfg.Backend)
	switch cfg.Backend {
	case "minio", "s3":
		return NewMinIOStore(ctx, MinIOOptions{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		}, logger)
	case "gcs":
		return NewGCSStore(ctx, GCSOptions{
			Bucket:        cfg.Bucket,
			SignerEmail:   cfg.GCSSignerEmail,
			SignerKeyFile: cfg.GCSSignerKeyFile,
		}, logger)
	case "local":
		return NewLocalStore(cfg.LocalRoot)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

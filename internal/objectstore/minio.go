package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/DeafMist/register-radar/internal/config"
)

// MinIO copies snapshot files into an S3-compatible bucket.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIO connects to the configured endpoint and ensures the bucket exists.
func NewMinIO(ctx context.Context, cfg config.Mirror) (*MinIO, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint missing")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket missing")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio new: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, xerr := mc.BucketExists(ctx, cfg.Bucket)
		if xerr != nil || !exists {
			return nil, fmt.Errorf("minio bucket ensure: %w", err)
		}
	}

	return &MinIO{client: mc, bucket: cfg.Bucket, prefix: "snapshots/"}, nil
}

// Key returns the object key used for a snapshot file name.
func (m *MinIO) Key(name string) string { return m.prefix + name }

// Put uploads data under the snapshot key for name.
func (m *MinIO) Put(ctx context.Context, name string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.Key(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("minio put %s: %w", name, err)
	}
	return nil
}

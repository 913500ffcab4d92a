// Package objectstore archives report payloads in an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/car-repair/estimator/internal/domain"
)

// Config configures the archive bucket.
type Config struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`
	// URLExpiry > 0 returns presigned URLs; otherwise public bucket URLs.
	URLExpiry time.Duration `toml:"url_expiry"`
}

var _ domain.ReportArchive = (*Archive)(nil)

// Archive stores report JSON under reports/<task>/<report>.json.
type Archive struct {
	client *minio.Client
	cfg    Config
}

// New creates a MinIO client. No network call is made.
func New(cfg Config) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Archive{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// Put uploads data and returns a URL for it.
func (a *Archive) Put(ctx context.Context, taskID, reportID string, data []byte) (string, error) {
	name := ObjectName(taskID, reportID)
	_, err := a.client.PutObject(ctx, a.cfg.Bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}

	if a.cfg.URLExpiry > 0 {
		u, err := a.client.PresignedGetObject(ctx, a.cfg.Bucket, name, a.cfg.URLExpiry, nil)
		if err != nil {
			return "", fmt.Errorf("presign %s: %w", name, err)
		}
		return u.String(), nil
	}
	return a.PublicURL(name), nil
}

// PublicURL returns the unsigned URL of an object.
func (a *Archive) PublicURL(name string) string {
	scheme := "http"
	if a.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, a.cfg.Endpoint, a.cfg.Bucket, name)
}

// ObjectName is the key a report is archived under.
func ObjectName(taskID, reportID string) string {
	return fmt.Sprintf("reports/%s/%s.json", taskID, reportID)
}

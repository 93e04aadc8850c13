// Package snapshot ships store snapshots to S3-compatible storage and hands
// out pre-signed download URLs for them. With no bucket configured the
// NoopUploader is used and snapshots stay on local disk.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/entitycache/internal/config"
)

// ErrNotConfigured is returned when no snapshot bucket is configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

// Uploader uploads store snapshots and signs download URLs for them.
type Uploader interface {
	Upload(ctx context.Context, storeID string, filePath string) error
	PresignedURL(ctx context.Context, storeID string) (url string, expiry time.Time, err error)
}

// s3Client is the subset of *minio.Client the uploader needs.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration, params url.Values) (*url.URL, error)
}

// S3Uploader uploads snapshots to one bucket.
type S3Uploader struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
}

// Upload stores the snapshot at filePath as the store's current snapshot.
func (u *S3Uploader) Upload(ctx context.Context, storeID string, filePath string) error {
	opts := minio.PutObjectOptions{
		ContentType:  "application/vnd.sqlite3",
		UserMetadata: map[string]string{"store-id": storeID},
	}
	if _, err := u.client.FPutObject(ctx, u.bucket, objectKey(storeID), filePath, opts); err != nil {
		return fmt.Errorf("upload snapshot of %s: %w", storeID, err)
	}
	return nil
}

// PresignedURL returns a GET URL for the store's current snapshot, valid
// until the returned expiry.
func (u *S3Uploader) PresignedURL(ctx context.Context, storeID string) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, objectKey(storeID), u.urlExpiry, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign snapshot URL of %s: %w", storeID, err)
	}
	return presigned.String(), time.Now().Add(u.urlExpiry), nil
}

// NoopUploader keeps snapshots local.
type NoopUploader struct{}

// Upload does nothing.
func (NoopUploader) Upload(ctx context.Context, storeID string, filePath string) error {
	return nil
}

// PresignedURL always fails with ErrNotConfigured.
func (NoopUploader) PresignedURL(ctx context.Context, storeID string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader returns a NoopUploader when cfg has no bucket and an
// S3Uploader otherwise. An endpoint given as a URL sets TLS from its
// scheme unless use_ssl is set explicitly.
func NewUploader(cfg config.SnapshotStorageConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return NoopUploader{}, nil
	}

	host, schemeSSL := stripScheme(cfg.Endpoint)
	useSSL := schemeSSL
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:    client,
		bucket:    cfg.Bucket,
		urlExpiry: time.Duration(cfg.URLExpiry),
	}, nil
}

// stripScheme removes an http:// or https:// prefix and reports whether the
// endpoint asked for TLS. A bare host defaults to TLS.
func stripScheme(endpoint string) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	default:
		return strings.TrimSuffix(endpoint, "/"), true
	}
}

// objectKey is {store_id}/snapshot/entities.db. Nested store IDs keep their
// slashes as key prefixes.
func objectKey(storeID string) string {
	return storeID + "/snapshot/entities.db"
}

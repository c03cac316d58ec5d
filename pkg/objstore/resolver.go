// Package objstore turns image references from intake payloads into URLs the
// generation backend can fetch.
package objstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/SSR3-FinalPj/AI-auto/pkg/config"
)

// Resolver maps an image reference to a fetchable URL.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Passthrough returns references unchanged. Used when storage is disabled.
type Passthrough struct{}

// Resolve implements Resolver.
func (Passthrough) Resolve(_ context.Context, ref string) (string, error) {
	return ref, nil
}

// MinIOResolver presigns object keys against an S3-compatible store.
type MinIOResolver struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewMinIO builds a resolver from the storage config. Presigning is a local
// computation when the region is known, so no connection is made here.
func NewMinIO(cfg config.StorageConfig) (*MinIOResolver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("storage.endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ttl := cfg.PresignTTL.Std()
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MinIOResolver{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

// Resolve implements Resolver. http(s) URLs pass through, s3://bucket/key
// selects a bucket, and anything else is a key in the default bucket.
func (r *MinIOResolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty object reference")
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}

	bucket, key := r.bucket, strings.TrimPrefix(ref, "/")
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		b, k, found := strings.Cut(rest, "/")
		if !found || b == "" || k == "" {
			return "", fmt.Errorf("malformed s3 reference %q", ref)
		}
		bucket, key = b, k
	}
	if bucket == "" {
		return "", fmt.Errorf("no bucket for reference %q", ref)
	}

	u, err := r.client.PresignedGetObject(ctx, bucket, key, r.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// Ping checks that the default bucket exists.
func (r *MinIOResolver) Ping(ctx context.Context) error {
	ok, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", r.bucket)
	}
	return nil
}

package objstore

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fathom/internal/config"
	"fathom/internal/services"
)

const defaultContentType = "application/octet-stream"

// Client wraps an S3-compatible object store scoped to a single bucket.
type Client struct {
	api    *minio.Client
	bucket string
	region string
	ttl    time.Duration
}

// New constructs a client from the object store configuration.
func New(cfg config.ObjectStore) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, services.Wrap(services.ErrConfiguration, "objstore", "new", "Object store endpoint is required", nil)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, services.Wrap(services.ErrConfiguration, "objstore", "new", "Object store bucket is required", nil)
	}
	api, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "objstore", "new", "Object store client could not be built", err)
	}
	ttl := time.Duration(cfg.SignedURLTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{
		api:    api,
		bucket: bucket,
		region: strings.TrimSpace(cfg.Region),
		ttl:    ttl,
	}, nil
}

// Bucket reports the bucket all keys live in.
func (c *Client) Bucket() string {
	return c.bucket
}

// SignedURLTTL reports how long presigned URLs stay valid.
func (c *Client) SignedURLTTL() time.Duration {
	return c.ttl
}

// EnsureBucket creates the bucket when it does not exist yet. Losing a
// create race to another process counts as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.api.BucketExists(ctx, c.bucket)
	if err != nil {
		return services.Wrap(services.ErrTransient, "objstore", "ensure bucket", "Object store is unreachable", err)
	}
	if exists {
		return nil
	}
	if err := c.api.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		if exists, checkErr := c.api.BucketExists(ctx, c.bucket); checkErr == nil && exists {
			return nil
		}
		return services.Wrap(services.ErrTransient, "objstore", "ensure bucket", "Bucket could not be created", err)
	}
	return nil
}

// Upload stores an in-memory payload under the given key.
func (c *Client) Upload(ctx context.Context, key string, payload io.Reader, size int64, contentType string) error {
	if strings.TrimSpace(key) == "" {
		return services.Wrap(services.ErrValidation, "objstore", "upload", "Object key is required", nil)
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	_, err := c.api.PutObject(ctx, c.bucket, key, payload, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return services.Wrap(services.ErrTransient, "objstore", "upload", "Object could not be stored", err)
	}
	return nil
}

// UploadFile stores a file from disk under the given key.
func (c *Client) UploadFile(ctx context.Context, key, path, contentType string) error {
	if strings.TrimSpace(key) == "" {
		return services.Wrap(services.ErrValidation, "objstore", "upload", "Object key is required", nil)
	}
	if strings.TrimSpace(path) == "" {
		return services.Wrap(services.ErrValidation, "objstore", "upload", "File path is required", nil)
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	_, err := c.api.FPutObject(ctx, c.bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return services.Wrap(services.ErrTransient, "objstore", "upload", "Object could not be stored", err)
	}
	return nil
}

// Presign returns a time-limited GET URL for the given key. Signing is
// local; no request is made against the store.
func (c *Client) Presign(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", services.Wrap(services.ErrValidation, "objstore", "presign", "Object key is required", nil)
	}
	signed, err := c.api.PresignedGetObject(ctx, c.bucket, key, c.ttl, nil)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "objstore", "presign", "Signed URL could not be built", err)
	}
	return signed.String(), nil
}

// Remove deletes the object. Removing a key that is already gone succeeds.
func (c *Client) Remove(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return services.Wrap(services.ErrValidation, "objstore", "remove", "Object key is required", nil)
	}
	if err := c.api.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return services.Wrap(services.ErrTransient, "objstore", "remove", "Object could not be removed", err)
	}
	return nil
}

// Exists reports whether an object is present under the given key.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, services.Wrap(services.ErrValidation, "objstore", "stat", "Object key is required", nil)
	}
	_, err := c.api.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return false, nil
	}
	return false, services.Wrap(services.ErrTransient, "objstore", "stat", "Object could not be checked", err)
}

// HealthCheck verifies the store answers requests. A missing bucket is not a
// failure here; startup creates it.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.api.BucketExists(ctx, c.bucket); err != nil {
		return services.Wrap(services.ErrTransient, "objstore", "health", "Object store is unreachable", err)
	}
	return nil
}

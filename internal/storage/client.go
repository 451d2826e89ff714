package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dunamismax/catalogfit/internal/config"
)

// imageIDMeta is stored as x-amz-meta-image-id on every mirrored object.
const imageIDMeta = "Image-Id"

// Object is one local file to mirror.
type Object struct {
	Key         string
	Path        string
	ContentType string
	ImageID     string
}

type Client struct {
	minio  *minio.Client
	bucket string
}

func NewClient(cfg config.StorageConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("storage endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{minio: mc, bucket: cfg.Bucket}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the mirror bucket on first use. Losing a creation race
// to another process is not an error.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Upload streams obj from disk, replacing whatever was stored under its key.
func (c *Client) Upload(ctx context.Context, obj Object) error {
	opts := minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		CacheControl: "no-cache",
	}
	if obj.ImageID != "" {
		opts.UserMetadata = map[string]string{imageIDMeta: obj.ImageID}
	}
	if _, err := c.minio.FPutObject(ctx, c.bucket, obj.Key, obj.Path, opts); err != nil {
		return fmt.Errorf("upload %s: %w", obj.Key, err)
	}
	return nil
}

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
	Region          string
}

// MinioClient implements Store on MinIO.
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

var _ Store = (*MinioClient)(nil)

// NewMinioClient connects and creates the bucket when missing.
func NewMinioClient(ctx context.Context, cfg MinioConfig) (*MinioClient, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.BucketName, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.BucketName, err)
		}
		slog.InfoContext(ctx, "Created export bucket", "bucket", cfg.BucketName)
	}

	slog.InfoContext(ctx, "MinIO client initialized", "endpoint", cfg.Endpoint, "bucket", cfg.BucketName)
	return &MinioClient{client: client, bucketName: cfg.BucketName}, nil
}

func (c *MinioClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error) {
	info, err := c.client.PutObject(ctx, c.bucketName, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", key, err)
	}
	slog.DebugContext(ctx, "Object uploaded", "object_key", key, "size", info.Size, "etag", info.ETag)
	return Object{Key: key, Size: info.Size, ETag: info.ETag}, nil
}

// Get returns the object body; the caller closes it.
func (c *MinioClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, c.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, classify(key, err)
	}
	return obj, nil
}

func classify(key string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return fmt.Errorf("get object %s: %w", key, err)
}

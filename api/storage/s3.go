package storage

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Client reads build artifacts from an S3-compatible object store.
type Client struct {
	mc *minio.Client
}

func NewClient(cfg Config) (*Client, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	}
	if cfg.Region != "" && cfg.Region != "auto" {
		opts.Region = cfg.Region
	}
	mc, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Client{mc: mc}, nil
}

func (c *Client) Healthy(ctx context.Context) error {
	if c.mc.IsOffline() {
		return fmt.Errorf("s3 endpoint %s is offline", c.mc.EndpointURL().Host)
	}
	_, err := c.mc.ListBuckets(ctx)
	return err
}

// Exists reports whether the artifact object is present.
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	switch minio.ToErrorResponse(err).Code {
	case "":
		return err == nil, err
	case "NoSuchKey", "NoSuchBucket":
		return false, nil
	}
	return false, fmt.Errorf("stat s3://%s/%s: %w", bucket, key, err)
}

// Download writes the artifact object to path.
func (c *Client) Download(ctx context.Context, bucket, key, path string) error {
	if err := c.mc.FGetObject(ctx, bucket, key, path, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

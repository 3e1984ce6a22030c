// Package storage provides the S3 transport for s3:// image sources.
// The download manager streams its body through the same chunk loop it
// uses for plain HTTP.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flashpipe/flashpipe/pkg/errors"
)

// Client provides read-only S3 access for image downloads. Image mirrors
// are public buckets, so credentials are anonymous.
type Client struct {
	s3Client *s3.Client
}

// NewClient creates an anonymous S3 client for the given region.
func NewClient(ctx context.Context, region string) (*Client, error) {
	slog.Info("s3_client_init", "region", region)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{s3Client: s3.NewFromConfig(cfg)}, nil
}

// ParseURL splits an s3://bucket/key URL into bucket and key.
func ParseURL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.Wrap(err, "invalid s3 url")
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 url: %s", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url missing object key: %s", rawURL)
	}
	return u.Host, key, nil
}

// Fetch opens a streaming read of an object. The caller owns the body
// and must close it; size is the content length when known, else 0.
func (c *Client) Fetch(ctx context.Context, bucket, key string) (body io.ReadCloser, size int64, err error) {
	slog.Info("s3_fetch_start", "bucket", bucket, "key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", bucket, "key", key, "error", err)
		return nil, 0, fmt.Errorf("%w: s3 get %s/%s: %v", errors.ErrNetwork, bucket, key, err)
	}

	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return result.Body, size, nil
}

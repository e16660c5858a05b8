// Package s3util provides a factory for AWS S3-compatible clients (AWS S3,
// MinIO, Cloudflare R2) used to fetch io class configs from object storage.
package s3util

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/cas-ioclass/internal/config"
)

// ErrTooLarge is returned when an object exceeds the caller's size limit.
var ErrTooLarge = errors.New("object exceeds size limit")

// Client wraps the AWS S3 client.
type Client struct {
	S3           *s3.Client
	HealthBucket string
}

// NewClient creates a new S3-compatible client.
func NewClient(ctx context.Context, cfg config.S3Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Client{
		S3:           s3.NewFromConfig(awsCfg, s3Opts...),
		HealthBucket: cfg.HealthBucket,
	}, nil
}

// ParseURL splits s3://bucket/key into its parts.
func ParseURL(u string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(u, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%q is not an s3:// url", u)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%q must name a bucket and a key", u)
	}
	return bucket, key, nil
}

// Get downloads an object, refusing anything larger than maxSize bytes.
func (c *Client) Get(ctx context.Context, bucket, key string, maxSize int64) ([]byte, error) {
	out, err := c.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && maxSize > 0 && *out.ContentLength > maxSize {
		return nil, fmt.Errorf("s3://%s/%s is %d bytes: %w", bucket, key, *out.ContentLength, ErrTooLarge)
	}
	r := io.Reader(out.Body)
	if maxSize > 0 {
		r = io.LimitReader(out.Body, maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, err)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrTooLarge)
	}
	return data, nil
}

// Ping checks connectivity by performing a HeadBucket operation on the
// health bucket. It is a no-op when no health bucket is configured.
func (c *Client) Ping(ctx context.Context) error {
	if c.HealthBucket == "" {
		return nil
	}
	_, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &c.HealthBucket,
	})
	return err
}

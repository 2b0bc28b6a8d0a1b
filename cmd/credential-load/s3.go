package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/vocdoni/scrutin-node/log"
)

// s3Config holds the connection settings for an S3-compatible object store.
type s3Config struct {
	Host      string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// s3Fetcher downloads credential shards from an S3-compatible bucket.
type s3Fetcher struct {
	client *s3.Client
	cfg    *s3Config
}

func newS3Fetcher(ctx context.Context, cfg *s3Config) (*s3Fetcher, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	if cfg.Host == "" {
		cfg.Host = "ams3.digitaloceanspaces.com"
	}

	sdkConfig, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"", // Session token not used with DO Spaces
		)),
		config.WithRegion("us-east-1"), // This doesn't matter for DO Spaces but is required
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}

	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s", cfg.Host))
		o.UsePathStyle = true
	})

	return &s3Fetcher{client: client, cfg: cfg}, nil
}

// list returns the keys of all shard objects under the configured prefix.
func (f *s3Fetcher) list(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(f.cfg.Bucket),
	}
	if f.cfg.Prefix != "" {
		input.Prefix = aws.String(f.cfg.Prefix)
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(f.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucket" {
				return nil, fmt.Errorf("bucket %s does not exist on %s", f.cfg.Bucket, f.cfg.Host)
			}
			return nil, fmt.Errorf("failed to list bucket %s: %w", f.cfg.Bucket, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || !shardName(*obj.Key) {
				continue
			}
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}

// get downloads a single object into memory. Shards are a few megabytes at
// most, so buffering them whole keeps the parser simple.
func (f *s3Fetcher) get(ctx context.Context, key string) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download object %s: %w", key, err)
	}
	defer func() {
		if err := out.Body.Close(); err != nil {
			log.Warnw("failed to close object body", "error", err)
		}
	}()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

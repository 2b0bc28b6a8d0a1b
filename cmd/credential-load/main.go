// Command credential-load fills the shared credential store with the valid
// fingerprint set produced by the enrollment pipeline. Shards are read from
// a local directory or an S3-compatible bucket and loaded in batches, so the
// tool can be re-run safely: loading is idempotent.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/internal"
	"github.com/vocdoni/scrutin-node/log"
)

func main() {
	dir := pflag.StringP("dir", "d", "", "local directory with credential shard files")
	redisURL := pflag.StringP("redis.url", "u", "", "redis connection URL (required)")
	s3Host := pflag.String("s3.host", "", "S3-compatible endpoint host, e.g. ams3.digitaloceanspaces.com")
	s3Bucket := pflag.String("s3.bucket", "", "S3 bucket holding the shard objects")
	s3Prefix := pflag.String("s3.prefix", "", "S3 key prefix to filter shard objects")
	s3AccessKey := pflag.String("s3.accesskey", "", "S3 access key")
	s3SecretKey := pflag.String("s3.secretkey", "", "S3 secret key")
	batchSize := pflag.IntP("batch", "b", 5000, "fingerprints per load batch")
	logLevel := pflag.StringP("log.level", "l", "info", "log level")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "credential-load v%s\n\n", internal.Version)
		fmt.Fprintf(os.Stderr, "Usage: credential-load --redis.url=redis://... (--dir=PATH | --s3.bucket=NAME)\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *redisURL == "" || (*dir == "" && *s3Bucket == "") {
		pflag.Usage()
		return
	}

	log.Init(*logLevel, "stdout")
	log.Infow("starting credential-load", "version", internal.Version)

	ctx := context.Background()
	creds, err := credstore.NewRedis(ctx, credstore.RedisOptions{URL: *redisURL})
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer func() {
		if err := creds.Close(); err != nil {
			log.Warnw("failed to close credential store", "error", err)
		}
	}()

	loader := &loader{creds: creds, batchSize: *batchSize}

	var added int64
	if *dir != "" {
		added, err = loader.loadDir(ctx, *dir)
	} else {
		var fetcher *s3Fetcher
		fetcher, err = newS3Fetcher(ctx, &s3Config{
			Host:      *s3Host,
			Bucket:    *s3Bucket,
			Prefix:    *s3Prefix,
			AccessKey: *s3AccessKey,
			SecretKey: *s3SecretKey,
		})
		if err != nil {
			log.Fatalf("failed to create S3 client: %v", err)
		}
		added, err = loader.loadS3(ctx, fetcher)
	}
	if err != nil {
		log.Fatalf("credential load failed: %v", err)
	}

	validCount, err := creds.CountValid(ctx)
	if err != nil {
		log.Fatalf("failed to count the valid set: %v", err)
	}
	log.Infow("credential load complete",
		"added", added,
		"validSet", validCount)
}

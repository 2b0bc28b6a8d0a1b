package credstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vocdoni/scrutin-node/fingerprint"
)

// loadBatchSize bounds the number of members sent per SADD while loading
// credential sets, keeping single commands reasonably sized.
const loadBatchSize = 1000

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// URL is a redis connection string, e.g. redis://localhost:6379/0.
	URL string
	// DuplicateTTL expires duplicate counters after the given duration.
	// Zero keeps them for the whole voting window.
	DuplicateTTL time.Duration
}

// RedisStore implements Store on a shared redis instance. Claims rely on
// SADD returning the number of newly inserted members, which makes them
// atomic across every node pointed at the same instance.
type RedisStore struct {
	client       *redis.Client
	duplicateTTL time.Duration
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, duplicateTTL: opts.DuplicateTTL}, nil
}

func (s *RedisStore) IsValid(ctx context.Context, f fingerprint.Fingerprint) (bool, error) {
	ok, err := s.client.SIsMember(ctx, validSetKey, f.String()).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", validSetKey, err)
	}
	return ok, nil
}

func (s *RedisStore) Claim(ctx context.Context, f fingerprint.Fingerprint) (bool, error) {
	inserted, err := s.client.SAdd(ctx, votedSetKey, f.String()).Result()
	if err != nil {
		return false, fmt.Errorf("sadd %s: %w", votedSetKey, err)
	}
	return inserted == 1, nil
}

func (s *RedisStore) IsClaimed(ctx context.Context, f fingerprint.Fingerprint) (bool, error) {
	ok, err := s.client.SIsMember(ctx, votedSetKey, f.String()).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", votedSetKey, err)
	}
	return ok, nil
}

func (s *RedisStore) RecordDuplicate(ctx context.Context, f fingerprint.Fingerprint) (int64, error) {
	key := duplicateKey(f)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if s.duplicateTTL > 0 {
		if err := s.client.Expire(ctx, key, s.duplicateTTL).Err(); err != nil {
			return count, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return count, nil
}

func (s *RedisStore) LoadValid(ctx context.Context, fps []fingerprint.Fingerprint) (int64, error) {
	var added int64
	for start := 0; start < len(fps); start += loadBatchSize {
		end := min(start+loadBatchSize, len(fps))
		members := make([]any, 0, end-start)
		for _, f := range fps[start:end] {
			members = append(members, f.String())
		}
		n, err := s.client.SAdd(ctx, validSetKey, members...).Result()
		if err != nil {
			return added, fmt.Errorf("sadd %s: %w", validSetKey, err)
		}
		added += n
	}
	return added, nil
}

func (s *RedisStore) CountValid(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, validSetKey).Result()
}

func (s *RedisStore) CountClaimed(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, votedSetKey).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

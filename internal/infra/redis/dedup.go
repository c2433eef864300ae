package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/dedup"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

var _ dedup.Cache = (*DedupStore)(nil)

// DedupStore remembers provider event ids with SETNX and a TTL.
type DedupStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewDedupStore(client *goredis.Client, ttl time.Duration) (*DedupStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = dedup.DefaultTTL
	}
	return &DedupStore{client: client, ttl: ttl}, nil
}

func (s *DedupStore) Claim(ctx context.Context, provider string, eventID string) (bool, error) {
	key, err := dedup.Key(provider, eventID)
	if err != nil {
		return false, err
	}

	ok, err := s.client.SetNX(ctx, "dedup:"+key, domain.IngestStatusProcessing.String(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dedup key: %w", err)
	}
	return ok, nil
}

func (s *DedupStore) Resolve(ctx context.Context, provider string, eventID string, status domain.IngestStatus) error {
	key, err := dedup.Key(provider, eventID)
	if err != nil {
		return err
	}

	err = s.client.SetArgs(ctx, "dedup:"+key, status.String(), goredis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err == goredis.Nil {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve dedup key: %w", err)
	}
	return nil
}

func (s *DedupStore) Release(ctx context.Context, provider string, eventID string) error {
	key, err := dedup.Key(provider, eventID)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, "dedup:"+key).Err(); err != nil {
		return fmt.Errorf("failed to release dedup key: %w", err)
	}
	return nil
}

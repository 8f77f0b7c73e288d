// Package redis keeps per-identifier revisions in a single Redis hash whose
// expiry slides on every write.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultHashKey is the hash holding every identifier's revision.
const DefaultHashKey = "rcsb_all_api:revision"

// Config selects the server and hash.
type Config struct {
	Addr     string
	Password string
	DB       int
	HashKey  string
}

// RevisionStore implements crawler.RevisionStore.
type RevisionStore struct {
	client goredis.UniversalClient
	key    string
}

// New dials a client from cfg.
func New(cfg Config) (*RevisionStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("revision.redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.HashKey), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, hashKey string) *RevisionStore {
	if hashKey == "" {
		hashKey = DefaultHashKey
	}
	return &RevisionStore{client: client, key: hashKey}
}

// GetRevision reads one hash field.
func (s *RevisionStore) GetRevision(ctx context.Context, id string) (string, bool, error) {
	rev, err := s.client.HGet(ctx, s.key, id).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s: %w", id, err)
	}
	return rev, true, nil
}

// PutRevision sets the field and refreshes the hash expiry in one round trip.
func (s *RevisionStore) PutRevision(ctx context.Context, id string, revision string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.key, id, revision)
		if ttl > 0 {
			pipe.Expire(ctx, s.key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hset %s: %w", id, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RevisionStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RevisionStore) Close() error {
	return s.client.Close()
}

package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "admission:code:"

// Store reserves business codes during admission so that two concurrent
// submissions of the same code cannot both pass the duplicate check. The
// reservation is advisory; the durable store's unique constraint stays
// authoritative.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Reserve claims the code for the TTL window. It reports whether another
// in-flight submission already holds it.
func (s *Store) Reserve(ctx context.Context, code string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, keyPrefix+code, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Release frees a reservation early, for callers that want retries of an
// aborted submission to pass the guard before the TTL expires.
func (s *Store) Release(ctx context.Context, code string) error {
	return s.rdb.Del(ctx, keyPrefix+code).Err()
}

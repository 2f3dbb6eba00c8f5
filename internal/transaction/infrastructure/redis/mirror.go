package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/payflow/transaction-engine/internal/transaction/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "transaction:mirror:"

// Mirror is the best-effort fast-read projection of in-flight and recent
// transactions, keyed by business code with a TTL bounding staleness. Losing
// an entry loses latency, never information.
type Mirror struct {
	log *slog.Logger
	rdb *redis.Client
	ttl time.Duration
}

func NewMirror(log *slog.Logger, rdb *redis.Client, ttl time.Duration) *Mirror {
	return &Mirror{log: log, rdb: rdb, ttl: ttl}
}

func (m *Mirror) Put(ctx context.Context, t domain.Transaction) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, keyPrefix+t.Code, b, m.ttl).Err()
}

func (m *Mirror) Get(ctx context.Context, code string) (domain.Transaction, bool, error) {
	b, err := m.rdb.Get(ctx, keyPrefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Transaction{}, false, nil
	}
	if err != nil {
		return domain.Transaction{}, false, err
	}
	var t domain.Transaction
	if err := json.Unmarshal(b, &t); err != nil {
		// A corrupt mirror entry is just a miss.
		m.log.Warn("cache mirror entry unreadable", "code", code, "err", err)
		return domain.Transaction{}, false, nil
	}
	return t, true, nil
}

func (m *Mirror) Delete(ctx context.Context, code string) error {
	return m.rdb.Del(ctx, keyPrefix+code).Err()
}

package postgres

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// GatewayStore answers the admission existence check against the gateway
// table. Registry management lives elsewhere; the engine only reads.
type GatewayStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewGatewayStore(log *slog.Logger, pool *pgxpool.Pool) *GatewayStore {
	return &GatewayStore{log: log, pool: pool}
}

func (s *GatewayStore) IsValidGateway(ctx context.Context, code string) (bool, error) {
	if strings.TrimSpace(code) == "" {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM gateways WHERE code=$1)`, code).Scan(&exists)
	return exists, err
}

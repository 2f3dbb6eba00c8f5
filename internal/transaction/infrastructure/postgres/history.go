package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/payflow/transaction-engine/internal/transaction/domain"
)

const historyColumns = `id, transaction_code, state, message, changed_at`

// HistoryStore is the append-only audit trail. Rows are never updated or
// deleted.
type HistoryStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewHistoryStore(log *slog.Logger, pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{log: log, pool: pool}
}

func (s *HistoryStore) Append(ctx context.Context, e domain.HistoryEntry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO transaction_history
		(id, transaction_code, state, message, changed_at)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.TransactionCode, e.State, domain.TruncateMessage(e.Message), e.ChangedAt)
	return err
}

func (s *HistoryStore) FindByCode(ctx context.Context, code string) ([]domain.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+historyColumns+` FROM transaction_history
		WHERE transaction_code=$1 ORDER BY changed_at`, code)
	if err != nil {
		return nil, err
	}
	return collectHistory(rows)
}

func (s *HistoryStore) FindByState(ctx context.Context, state domain.State) ([]domain.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+historyColumns+` FROM transaction_history
		WHERE state=$1 ORDER BY changed_at`, state)
	if err != nil {
		return nil, err
	}
	return collectHistory(rows)
}

func (s *HistoryStore) FindByDateRange(ctx context.Context, from, to time.Time) ([]domain.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+historyColumns+` FROM transaction_history
		WHERE changed_at BETWEEN $1 AND $2 ORDER BY changed_at`, from, to)
	if err != nil {
		return nil, err
	}
	return collectHistory(rows)
}

func collectHistory(rows pgx.Rows) ([]domain.HistoryEntry, error) {
	defer rows.Close()
	var out []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		if err := rows.Scan(&e.ID, &e.TransactionCode, &e.State, &e.Message, &e.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

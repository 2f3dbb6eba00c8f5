package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/payflow/transaction-engine/internal/transaction/domain"
	"github.com/payflow/transaction-engine/pkg/tracing"
)

const transactionColumns = `id, code, card_number, expiry, amount, currency, country, tx_type,
	merchant_code, gateway_code, issuer_routing_code, acquirer_routing_code,
	encrypted_payload, installments, deferred, state, created_at, updated_at`

// Repository is the authoritative store for transactions. The security code
// is deliberately absent from the schema; it never touches disk.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Create(ctx context.Context, t domain.Transaction, eventType string, payload []byte) (int64, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO transactions
			(code, card_number, expiry, amount, currency, country, tx_type,
			 merchant_code, gateway_code, issuer_routing_code, acquirer_routing_code,
			 encrypted_payload, installments, deferred, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id`,
		t.Code, t.CardNumber, t.Expiry, t.Amount, t.Currency, t.Country, t.Type,
		t.MerchantCode, t.GatewayCode, t.IssuerRoutingCode, t.AcquirerRoutingCode,
		t.EncryptedPayload, t.Installments, t.Deferred, t.State, t.CreatedAt, t.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("code %s: %w", t.Code, domain.ErrDuplicateCode)
		}
		return 0, err
	}

	if err := insertOutboxEvent(ctx, tx, t.Code, eventType, payload); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// SaveTransition commits one state change together with its outbox event.
func (r *Repository) SaveTransition(ctx context.Context, t domain.Transaction, eventType string, payload []byte) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE transactions
		SET state=$2, issuer_routing_code=$3, updated_at=$4
		WHERE code=$1`,
		t.Code, t.State, t.IssuerRoutingCode, t.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("code %s: %w", t.Code, domain.ErrNotFound)
	}
	if err := insertOutboxEvent(ctx, tx, t.Code, eventType, payload); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE code=$1)`, code).Scan(&exists)
	return exists, err
}

func (r *Repository) FindByCode(ctx context.Context, code string) (domain.Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE code=$1`, code)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("code %s: %w", code, domain.ErrNotFound)
	}
	return t, err
}

func (r *Repository) FindByCardNumber(ctx context.Context, cardNumber string) ([]domain.Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE card_number=$1 ORDER BY created_at`, cardNumber)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *Repository) FindByState(ctx context.Context, state domain.State) ([]domain.Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE state=$1 ORDER BY created_at`, state)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *Repository) FindByDateRange(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE created_at BETWEEN $1 AND $2 ORDER BY created_at`, from, to)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, code, eventType string, payload []byte) error {
	_, err := tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
		VALUES ('transaction',$1,$2,$3,$4,'pending')`,
		code, eventType, payload, tracing.Traceparent(ctx))
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTransaction(row scannable) (domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.Code, &t.CardNumber, &t.Expiry, &t.Amount, &t.Currency,
		&t.Country, &t.Type, &t.MerchantCode, &t.GatewayCode, &t.IssuerRoutingCode,
		&t.AcquirerRoutingCode, &t.EncryptedPayload, &t.Installments, &t.Deferred,
		&t.State, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

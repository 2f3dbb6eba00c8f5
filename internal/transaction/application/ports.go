package application

import (
	"context"
	"time"

	"github.com/payflow/transaction-engine/internal/transaction/domain"
	"github.com/shopspring/decimal"
)

// TransactionStore is the authoritative record of every transaction. Create
// and SaveTransition commit the aggregate together with its outbox event in a
// single database transaction.
type TransactionStore interface {
	Create(ctx context.Context, t domain.Transaction, eventType string, payload []byte) (int64, error)
	SaveTransition(ctx context.Context, t domain.Transaction, eventType string, payload []byte) error
	ExistsByCode(ctx context.Context, code string) (bool, error)
	FindByCode(ctx context.Context, code string) (domain.Transaction, error)
	FindByCardNumber(ctx context.Context, cardNumber string) ([]domain.Transaction, error)
	FindByState(ctx context.Context, state domain.State) ([]domain.Transaction, error)
	FindByDateRange(ctx context.Context, from, to time.Time) ([]domain.Transaction, error)
}

// HistoryRecorder appends one entry per state transition. Append failures are
// logged and swallowed by the orchestrator, never escalated.
type HistoryRecorder interface {
	Append(ctx context.Context, entry domain.HistoryEntry) error
	FindByCode(ctx context.Context, code string) ([]domain.HistoryEntry, error)
	FindByState(ctx context.Context, state domain.State) ([]domain.HistoryEntry, error)
	FindByDateRange(ctx context.Context, from, to time.Time) ([]domain.HistoryEntry, error)
}

// CacheMirror is the best-effort fast-read projection. It is never
// authoritative and every operation on it is advisory.
type CacheMirror interface {
	Put(ctx context.Context, t domain.Transaction) error
	Get(ctx context.Context, code string) (domain.Transaction, bool, error)
	Delete(ctx context.Context, code string) error
}

// AdmissionGuard reserves a business code ahead of the authoritative
// duplicate check, cutting off concurrent double submissions early. Advisory:
// the durable store's unique constraint remains the source of truth. A
// reservation whose transaction never reached the durable store must be
// released, or retries of the same code would be rejected until the TTL runs
// out.
type AdmissionGuard interface {
	Reserve(ctx context.Context, code string) (alreadyHeld bool, err error)
	Release(ctx context.Context, code string) error
}

type GatewayRegistry interface {
	IsValidGateway(ctx context.Context, code string) (bool, error)
}

type BrandValidationRequest struct {
	CardNumber      string
	Expiry          string
	Amount          decimal.Decimal
	TransactionCode string
}

type BrandValidationResult struct {
	Valid             bool
	IssuerRoutingCode string
	Message           string
}

type BrandValidator interface {
	Validate(ctx context.Context, req BrandValidationRequest) (BrandValidationResult, error)
}

type FraudValidationRequest struct {
	CardNumber      string
	Amount          decimal.Decimal
	MerchantCode    string
	TransactionType string
	TransactionCode string
}

type FraudValidationResult struct {
	IsFraud   bool
	RiskLevel string
	RuleCode  string
	Message   string
}

type FraudValidator interface {
	Validate(ctx context.Context, req FraudValidationRequest) (FraudValidationResult, error)
}

type SettlementRequest struct {
	CardNumber   string
	Expiry       string
	Amount       decimal.Decimal
	RoutingCode  string
	Reference    string
	Installments int
	Deferred     bool
}

type SettlementResult struct {
	Approved          bool
	AuthorizationCode string
	Message           string
}

// SettlementProcessor performs debit, credit and reversal. The three are the
// same wire operation addressed by routing code and reference prefix.
type SettlementProcessor interface {
	Settle(ctx context.Context, req SettlementRequest) (SettlementResult, error)
}

package application

import (
	"context"
	"time"

	"github.com/payflow/transaction-engine/internal/transaction/domain"
)

// GetByCode reads the cache mirror first and falls through to the durable
// store. A cache failure is just a miss.
func (o *Orchestrator) GetByCode(ctx context.Context, code string) (domain.Transaction, error) {
	txn, ok, err := o.cache.Get(ctx, code)
	if err != nil {
		o.log.Warn("cache mirror read failed", "code", code, "err", err)
	} else if ok {
		return txn, nil
	}
	return o.store.FindByCode(ctx, code)
}

func (o *Orchestrator) ListByDateRange(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	return o.store.FindByDateRange(ctx, from, to)
}

func (o *Orchestrator) ListByState(ctx context.Context, state domain.State) ([]domain.Transaction, error) {
	return o.store.FindByState(ctx, state)
}

func (o *Orchestrator) ListByCard(ctx context.Context, cardNumber string) ([]domain.Transaction, error) {
	return o.store.FindByCardNumber(ctx, cardNumber)
}

func (o *Orchestrator) History(ctx context.Context, code string) ([]domain.HistoryEntry, error) {
	return o.history.FindByCode(ctx, code)
}

func (o *Orchestrator) HistoryByState(ctx context.Context, state domain.State) ([]domain.HistoryEntry, error) {
	return o.history.FindByState(ctx, state)
}

func (o *Orchestrator) HistoryByDateRange(ctx context.Context, from, to time.Time) ([]domain.HistoryEntry, error) {
	return o.history.FindByDateRange(ctx, from, to)
}

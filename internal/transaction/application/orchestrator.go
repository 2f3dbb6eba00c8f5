package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/payflow/transaction-engine/internal/transaction/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrUnknownGateway = errors.New("unknown gateway code")

// Request carries everything the engine needs for one processing run.
// Installments and the deferred flag travel here explicitly; there is no
// ambient per-request state anywhere in the engine.
type Request struct {
	BusinessCode        string
	GatewayCode         string
	CardNumber          string
	SecurityCode        string
	Expiry              string
	Amount              decimal.Decimal
	Currency            string
	Country             string
	Type                string
	MerchantCode        string
	AcquirerRoutingCode string
	EncryptedPayload    string
	Installments        int
	Deferred            bool
}

// Outcome is the terminal result of a processing run. Business rejections are
// outcomes, not errors.
type Outcome struct {
	BusinessCode string       `json:"businessCode"`
	FinalState   domain.State `json:"finalState"`
	Message      string       `json:"message"`
}

// Dependencies are the collaborators the orchestrator drives. Guard is
// optional; everything else is required.
type Dependencies struct {
	Store      TransactionStore
	History    HistoryRecorder
	Cache      CacheMirror
	Guard      AdmissionGuard
	Gateways   GatewayRegistry
	Brand      BrandValidator
	Fraud      FraudValidator
	Settlement SettlementProcessor
}

// Orchestrator owns the transaction state machine. It runs each transaction
// synchronously to a terminal state, committing every transition
// independently: authoritative store plus outbox event first, then
// best-effort history append and cache mirror.
type Orchestrator struct {
	log        *slog.Logger
	store      TransactionStore
	history    HistoryRecorder
	cache      CacheMirror
	guard      AdmissionGuard
	gateways   GatewayRegistry
	brand      BrandValidator
	fraud      FraudValidator
	settlement SettlementProcessor
	tracer     trace.Tracer
}

func NewOrchestrator(log *slog.Logger, deps Dependencies) *Orchestrator {
	return &Orchestrator{
		log:        log,
		store:      deps.Store,
		history:    deps.History,
		cache:      deps.Cache,
		guard:      deps.Guard,
		gateways:   deps.Gateways,
		brand:      deps.Brand,
		fraud:      deps.Fraud,
		settlement: deps.Settlement,
		tracer:     otel.Tracer("transaction-orchestrator"),
	}
}

func (o *Orchestrator) Process(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "ProcessTransaction")
	defer span.End()

	reserved, err := o.admit(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	txn, err := domain.NewTransaction(domain.Transaction{
		Code:                req.BusinessCode,
		CardNumber:          req.CardNumber,
		SecurityCode:        req.SecurityCode,
		Expiry:              req.Expiry,
		Amount:              req.Amount,
		Currency:            req.Currency,
		Country:             req.Country,
		Type:                req.Type,
		MerchantCode:        req.MerchantCode,
		GatewayCode:         req.GatewayCode,
		AcquirerRoutingCode: req.AcquirerRoutingCode,
		EncryptedPayload:    req.EncryptedPayload,
		Installments:        req.Installments,
		Deferred:            req.Deferred,
	})
	if err != nil {
		return Outcome{}, &AdmissionError{Cause: err}
	}
	span.SetAttributes(attribute.String("transaction.code", txn.Code))

	if err := o.initialize(ctx, &txn); err != nil {
		// Nothing was persisted, so the same code must be admissible again.
		// Once a PENDING row exists the durable duplicate check takes over and
		// the reservation can simply expire.
		if reserved {
			o.release(ctx, req.BusinessCode)
		}
		if errors.Is(err, domain.ErrDuplicateCode) {
			return Outcome{}, &AdmissionError{Cause: domain.ErrDuplicateCode}
		}
		return Outcome{}, fmt.Errorf("initialize transaction %s: %w", txn.Code, err)
	}

	return o.run(ctx, &txn)
}

// admit decides whether the request enters the engine at all. Nothing is
// persisted before admission passes. It reports whether a guard reservation
// was taken, so a failed durability checkpoint can give it back.
func (o *Orchestrator) admit(ctx context.Context, req Request) (reserved bool, err error) {
	if req.GatewayCode == "" {
		return false, &AdmissionError{Cause: ErrUnknownGateway}
	}
	ok, err := o.gateways.IsValidGateway(ctx, req.GatewayCode)
	if err != nil {
		return false, fmt.Errorf("gateway registry: %w", err)
	}
	if !ok {
		return false, &AdmissionError{Cause: ErrUnknownGateway}
	}
	if req.BusinessCode == "" {
		return false, nil
	}
	if o.guard != nil {
		held, err := o.guard.Reserve(ctx, req.BusinessCode)
		if err != nil {
			o.log.Warn("admission guard unavailable", "err", err)
		} else if held {
			return false, &AdmissionError{Cause: domain.ErrDuplicateCode}
		} else {
			reserved = true
		}
	}
	exists, err := o.store.ExistsByCode(ctx, req.BusinessCode)
	if err != nil {
		if reserved {
			o.release(ctx, req.BusinessCode)
		}
		return false, fmt.Errorf("duplicate check for %s: %w", req.BusinessCode, err)
	}
	if exists {
		return reserved, &AdmissionError{Cause: domain.ErrDuplicateCode}
	}
	return reserved, nil
}

// release gives a guard reservation back. Best-effort: an unreleased
// reservation only delays resubmission until its TTL expires.
func (o *Orchestrator) release(ctx context.Context, code string) {
	if o.guard == nil {
		return
	}
	if err := o.guard.Release(ctx, code); err != nil {
		o.log.Warn("admission guard release failed", "code", code, "err", err)
	}
}

// initialize is the durability checkpoint. The PENDING insert must succeed
// before any external call; the mirror and history writes after it are
// advisory.
func (o *Orchestrator) initialize(ctx context.Context, txn *domain.Transaction) error {
	const msg = "transaction received"
	payload, err := json.Marshal(domain.StateChanged{
		Code: txn.Code, State: txn.State, Message: msg, At: txn.CreatedAt,
	})
	if err != nil {
		return err
	}
	id, err := o.store.Create(ctx, *txn, domain.EventStateChanged, payload)
	if err != nil {
		return err
	}
	txn.ID = id
	o.log.Info("transaction admitted", "code", txn.Code,
		"card", domain.MaskCard(txn.CardNumber), "amount", txn.Amount.String())
	o.record(ctx, txn.Code, domain.StatePending, msg)
	o.mirror(ctx, *txn)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, txn *domain.Transaction) (Outcome, error) {
	// Brand validation comes first: the card must exist before it is
	// risk-scored.
	if err := o.transition(ctx, txn, domain.StateBrandValidating, "validating card with brand"); err != nil {
		return o.fault(ctx, txn, domain.StateError, err)
	}
	brand, err := o.validateBrand(ctx, txn)
	if err != nil {
		return o.fault(ctx, txn, domain.StateError, fmt.Errorf("brand validation: %w", err))
	}
	if !brand.Valid {
		return o.reject(ctx, txn, domain.StateRejected, "card rejected by brand: "+brand.Message)
	}
	txn.IssuerRoutingCode = brand.IssuerRoutingCode

	if err := o.transition(ctx, txn, domain.StateFraudValidating, "card validated by brand, scoring risk"); err != nil {
		return o.fault(ctx, txn, domain.StateError, err)
	}
	fraud, err := o.validateFraud(ctx, txn)
	if err != nil {
		return o.fault(ctx, txn, domain.StateError, fmt.Errorf("fraud validation: %w", err))
	}
	if fraud.IsFraud {
		msg := fmt.Sprintf("fraud detected: rule=%s risk=%s %s", fraud.RuleCode, fraud.RiskLevel, fraud.Message)
		return o.reject(ctx, txn, domain.StateFraud, msg)
	}

	if err := o.transition(ctx, txn, domain.StateDebiting, "debiting card "+domain.MaskCard(txn.CardNumber)); err != nil {
		return o.fault(ctx, txn, domain.StateError, err)
	}
	debit, err := o.settle(ctx, "Debit", SettlementRequest{
		CardNumber:   txn.CardNumber,
		Expiry:       txn.Expiry,
		Amount:       txn.Amount,
		RoutingCode:  txn.IssuerRoutingCode,
		Reference:    debitReference(txn.Code),
		Installments: txn.Installments,
		Deferred:     txn.Deferred,
	})
	if err != nil {
		// No debit happened, so no compensation is needed.
		return o.fault(ctx, txn, domain.StateError, fmt.Errorf("debit: %w", err))
	}
	if !debit.Approved {
		return o.reject(ctx, txn, domain.StateRejected, "debit declined: "+debit.Message)
	}

	if err := o.transition(ctx, txn, domain.StateCrediting, "debit approved, crediting merchant"); err != nil {
		return o.fault(ctx, txn, domain.StateError, err)
	}
	credit, err := o.settle(ctx, "Credit", SettlementRequest{
		CardNumber:   txn.CardNumber,
		Expiry:       txn.Expiry,
		Amount:       txn.Amount,
		RoutingCode:  txn.AcquirerRoutingCode,
		Reference:    creditReference(txn.Code),
		Installments: txn.Installments,
		Deferred:     txn.Deferred,
	})
	// The debit is already committed: any credit failure, declined or
	// transport, must go through compensation.
	if err != nil {
		return o.compensate(ctx, txn, fmt.Sprintf("credit call failed: %v", err))
	}
	if !credit.Approved {
		return o.compensate(ctx, txn, "credit declined: "+credit.Message)
	}

	if err := o.transition(ctx, txn, domain.StateCompleted, "transaction completed"); err != nil {
		return o.fault(ctx, txn, domain.StateError, err)
	}
	return Outcome{BusinessCode: txn.Code, FinalState: domain.StateCompleted, Message: "transaction completed"}, nil
}

// compensate undoes a committed debit after a failed credit. Faults in here
// never land in ERROR: once money has moved, the only bad terminal state is
// IRRECOVERABLE_ERROR, which demands manual intervention and is never retried
// by the engine.
func (o *Orchestrator) compensate(ctx context.Context, txn *domain.Transaction, reason string) (Outcome, error) {
	if err := o.transition(ctx, txn, domain.StateReversing, "credit failed, reversing debit: "+reason); err != nil {
		// The reversal call still has to run; the durable write is retried
		// at the terminal transition.
		o.log.Error("persist REVERSING failed, continuing compensation", "code", txn.Code, "err", err)
		if terr := txn.TransitionTo(domain.StateReversing); terr != nil {
			return o.fault(ctx, txn, domain.StateIrrecoverable, terr)
		}
		o.record(ctx, txn.Code, domain.StateReversing, "credit failed, reversing debit: "+reason)
	}
	rev, err := o.settle(ctx, "Reversal", SettlementRequest{
		CardNumber:  txn.CardNumber,
		Expiry:      txn.Expiry,
		Amount:      txn.Amount,
		RoutingCode: txn.IssuerRoutingCode,
		Reference:   reversalReference(txn.Code),
	})
	if err != nil {
		return o.fault(ctx, txn, domain.StateIrrecoverable, fmt.Errorf("reversal call failed: %w", err))
	}
	if !rev.Approved {
		return o.fault(ctx, txn, domain.StateIrrecoverable, errors.New("reversal declined: "+rev.Message))
	}
	if err := o.transition(ctx, txn, domain.StateReversed, "debit reversed after failed credit"); err != nil {
		return o.fault(ctx, txn, domain.StateIrrecoverable, err)
	}
	return Outcome{BusinessCode: txn.Code, FinalState: domain.StateReversed, Message: "credit failed, debit reversed"}, nil
}

func (o *Orchestrator) validateBrand(ctx context.Context, txn *domain.Transaction) (BrandValidationResult, error) {
	ctx, span := o.tracer.Start(ctx, "BrandValidation")
	defer span.End()
	return o.brand.Validate(ctx, BrandValidationRequest{
		CardNumber:      txn.CardNumber,
		Expiry:          txn.Expiry,
		Amount:          txn.Amount,
		TransactionCode: txn.Code,
	})
}

func (o *Orchestrator) validateFraud(ctx context.Context, txn *domain.Transaction) (FraudValidationResult, error) {
	ctx, span := o.tracer.Start(ctx, "FraudValidation")
	defer span.End()
	return o.fraud.Validate(ctx, FraudValidationRequest{
		CardNumber:      txn.CardNumber,
		Amount:          txn.Amount,
		MerchantCode:    txn.MerchantCode,
		TransactionType: txn.Type,
		TransactionCode: txn.Code,
	})
}

func (o *Orchestrator) settle(ctx context.Context, op string, req SettlementRequest) (SettlementResult, error) {
	ctx, span := o.tracer.Start(ctx, op)
	defer span.End()
	return o.settlement.Settle(ctx, req)
}

// transition commits one step: update the authoritative row together with its
// outbox event, then append history and refresh the mirror best-effort. The
// in-memory aggregate only advances once the durable write succeeded.
func (o *Orchestrator) transition(ctx context.Context, txn *domain.Transaction, next domain.State, msg string) error {
	updated := *txn
	if err := updated.TransitionTo(next); err != nil {
		return err
	}
	payload, err := json.Marshal(domain.StateChanged{
		Code: txn.Code, State: next, Message: domain.TruncateMessage(msg), At: updated.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if err := o.store.SaveTransition(ctx, updated, domain.EventStateChanged, payload); err != nil {
		return fmt.Errorf("persist transition to %s: %w", next, err)
	}
	*txn = updated
	o.record(ctx, txn.Code, next, msg)
	o.mirror(ctx, *txn)
	return nil
}

// reject records a normal business rejection as a terminal outcome.
func (o *Orchestrator) reject(ctx context.Context, txn *domain.Transaction, state domain.State, msg string) (Outcome, error) {
	if err := o.transition(ctx, txn, state, msg); err != nil {
		return o.fault(ctx, txn, domain.StateError, err)
	}
	o.log.Info("transaction rejected", "code", txn.Code, "state", string(state))
	return Outcome{BusinessCode: txn.Code, FinalState: state, Message: msg}, nil
}

// fault drives the transaction into ERROR or IRRECOVERABLE_ERROR after an
// integration or persistence failure. The fault state write itself is
// best-effort at this point; the typed error carries the cause outward either
// way.
func (o *Orchestrator) fault(ctx context.Context, txn *domain.Transaction, state domain.State, cause error) (Outcome, error) {
	o.log.Error("transaction fault", "code", txn.Code, "state", string(state), "err", cause)
	msg := "processing error: " + cause.Error()
	if state == domain.StateIrrecoverable {
		msg = "reversal failed, manual intervention required: " + cause.Error()
	}
	updated := *txn
	if err := updated.TransitionTo(state); err == nil {
		payload, merr := json.Marshal(domain.StateChanged{
			Code: txn.Code, State: state, Message: domain.TruncateMessage(msg), At: updated.UpdatedAt,
		})
		if merr == nil {
			if err := o.store.SaveTransition(ctx, updated, domain.EventStateChanged, payload); err != nil {
				o.log.Error("persist fault state failed", "code", txn.Code, "err", err)
			}
		}
		*txn = updated
		o.record(ctx, txn.Code, state, msg)
		o.mirror(ctx, *txn)
	}
	return Outcome{BusinessCode: txn.Code, FinalState: state, Message: msg},
		&FaultError{State: state, Cause: cause}
}

// record appends a history entry. Losing one must not abort a financial
// operation that already happened, so failures only get logged.
func (o *Orchestrator) record(ctx context.Context, code string, state domain.State, msg string) {
	entry := domain.NewHistoryEntry(code, state, msg)
	if err := o.history.Append(ctx, entry); err != nil {
		o.log.Error("history append failed", "code", code, "state", string(state), "err", err)
	}
}

// mirror refreshes the cache copy. Advisory only.
func (o *Orchestrator) mirror(ctx context.Context, txn domain.Transaction) {
	if err := o.cache.Put(ctx, txn); err != nil {
		o.log.Warn("cache mirror write failed", "code", txn.Code, "err", err)
	}
}

func debitReference(code string) string    { return "REF-" + code }
func creditReference(code string) string   { return "CRE-" + code }
func reversalReference(code string) string { return "REV-" + code }

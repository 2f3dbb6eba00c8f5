package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/payflow/transaction-engine/internal/transaction/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes -----------------------------------------------------------------

type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]domain.Transaction
	failCreate  bool
	failAtState domain.State
	nextID      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]domain.Transaction{}}
}

func (s *fakeStore) Create(_ context.Context, t domain.Transaction, _ string, _ []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return 0, errors.New("db down")
	}
	if _, ok := s.rows[t.Code]; ok {
		return 0, fmt.Errorf("code %s: %w", t.Code, domain.ErrDuplicateCode)
	}
	s.nextID++
	t.ID = s.nextID
	s.rows[t.Code] = t
	return t.ID, nil
}

func (s *fakeStore) SaveTransition(_ context.Context, t domain.Transaction, _ string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAtState != "" && t.State == s.failAtState {
		return errors.New("db down")
	}
	if _, ok := s.rows[t.Code]; !ok {
		return domain.ErrNotFound
	}
	s.rows[t.Code] = t
	return nil
}

func (s *fakeStore) ExistsByCode(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[code]
	return ok, nil
}

func (s *fakeStore) FindByCode(_ context.Context, code string) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[code]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *fakeStore) FindByCardNumber(_ context.Context, card string) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, t := range s.rows {
		if t.CardNumber == card {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) FindByState(_ context.Context, state domain.State) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, t := range s.rows {
		if t.State == state {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) FindByDateRange(_ context.Context, from, to time.Time) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, t := range s.rows {
		if !t.CreatedAt.Before(from) && !t.CreatedAt.After(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) stateOf(code string) domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[code].State
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []domain.HistoryEntry
	fail    bool
}

func (h *fakeHistory) Append(_ context.Context, e domain.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("history down")
	}
	h.entries = append(h.entries, e)
	return nil
}

func (h *fakeHistory) FindByCode(_ context.Context, code string) ([]domain.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.HistoryEntry
	for _, e := range h.entries {
		if e.TransactionCode == code {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *fakeHistory) FindByState(_ context.Context, state domain.State) ([]domain.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.HistoryEntry
	for _, e := range h.entries {
		if e.State == state {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *fakeHistory) FindByDateRange(_ context.Context, from, to time.Time) ([]domain.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.HistoryEntry
	for _, e := range h.entries {
		if !e.ChangedAt.Before(from) && !e.ChangedAt.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *fakeHistory) states() []domain.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.State, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e.State)
	}
	return out
}

type fakeCache struct {
	mu   sync.Mutex
	rows map[string]domain.Transaction
	fail bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{rows: map[string]domain.Transaction{}}
}

func (c *fakeCache) Put(_ context.Context, t domain.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("redis down")
	}
	c.rows[t.Code] = t
	return nil
}

func (c *fakeCache) Get(_ context.Context, code string) (domain.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return domain.Transaction{}, false, errors.New("redis down")
	}
	t, ok := c.rows[code]
	return t, ok, nil
}

func (c *fakeCache) Delete(_ context.Context, code string) error { return nil }

type fakeGuard struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{held: map[string]bool{}}
}

func (g *fakeGuard) Reserve(_ context.Context, code string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[code] {
		return true, nil
	}
	g.held[code] = true
	return false, nil
}

func (g *fakeGuard) Release(_ context.Context, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, code)
	g.released = append(g.released, code)
	return nil
}

type stubGateways struct{ valid map[string]bool }

func (g stubGateways) IsValidGateway(_ context.Context, code string) (bool, error) {
	return g.valid[code], nil
}

type stubBrand struct {
	res    BrandValidationResult
	err    error
	called bool
}

func (b *stubBrand) Validate(_ context.Context, _ BrandValidationRequest) (BrandValidationResult, error) {
	b.called = true
	return b.res, b.err
}

type stubFraud struct {
	res    FraudValidationResult
	err    error
	called bool
}

func (f *stubFraud) Validate(_ context.Context, _ FraudValidationRequest) (FraudValidationResult, error) {
	f.called = true
	return f.res, f.err
}

type settleStep struct {
	res SettlementResult
	err error
}

type scriptedSettlement struct {
	steps []settleStep
	calls []SettlementRequest
}

func (s *scriptedSettlement) Settle(_ context.Context, req SettlementRequest) (SettlementResult, error) {
	s.calls = append(s.calls, req)
	if len(s.steps) == 0 {
		return SettlementResult{}, errors.New("unexpected settlement call")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.res, step.err
}

// --- harness ---------------------------------------------------------------

type engine struct {
	orch       *Orchestrator
	store      *fakeStore
	history    *fakeHistory
	cache      *fakeCache
	guard      *fakeGuard
	brand      *stubBrand
	fraud      *stubFraud
	settlement *scriptedSettlement
}

func newEngine() *engine {
	e := &engine{
		store:   newFakeStore(),
		history: &fakeHistory{},
		cache:   newFakeCache(),
		guard:   newFakeGuard(),
		brand: &stubBrand{res: BrandValidationResult{
			Valid: true, IssuerRoutingCode: "ISSUEC21", Message: "card ok",
		}},
		fraud:      &stubFraud{res: FraudValidationResult{IsFraud: false, RiskLevel: "LOW"}},
		settlement: &scriptedSettlement{},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.orch = NewOrchestrator(log, Dependencies{
		Store:      e.store,
		History:    e.history,
		Cache:      e.cache,
		Guard:      e.guard,
		Gateways:   stubGateways{valid: map[string]bool{"GW1": true}},
		Brand:      e.brand,
		Fraud:      e.fraud,
		Settlement: e.settlement,
	})
	return e
}

func approvedStep(msg string) settleStep {
	return settleStep{res: SettlementResult{Approved: true, AuthorizationCode: "AUTH1", Message: msg}}
}

func declinedStep(msg string) settleStep {
	return settleStep{res: SettlementResult{Approved: false, Message: msg}}
}

func validRequest() Request {
	return Request{
		GatewayCode:         "GW1",
		CardNumber:          "4532123456789012",
		SecurityCode:        "123",
		Expiry:              "12/27",
		Amount:              decimal.RequireFromString("100.50"),
		Currency:            "USD",
		Country:             "EC",
		Type:                "PURCHASE",
		MerchantCode:        "COM12345",
		AcquirerRoutingCode: "ACQREC21",
	}
}

// --- scenarios -------------------------------------------------------------

func TestProcessHappyPath(t *testing.T) {
	e := newEngine()
	e.settlement.steps = []settleStep{approvedStep("debit ok"), approvedStep("credit ok")}

	out, err := e.orch.Process(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.StateCompleted, out.FinalState)
	assert.NotEmpty(t, out.BusinessCode)
	assert.Equal(t, domain.StateCompleted, e.store.stateOf(out.BusinessCode))

	assert.Equal(t, []domain.State{
		domain.StatePending,
		domain.StateBrandValidating,
		domain.StateFraudValidating,
		domain.StateDebiting,
		domain.StateCrediting,
		domain.StateCompleted,
	}, e.history.states())

	require.Len(t, e.settlement.calls, 2)
	debit, credit := e.settlement.calls[0], e.settlement.calls[1]
	assert.Equal(t, "ISSUEC21", debit.RoutingCode)
	assert.Equal(t, "REF-"+out.BusinessCode, debit.Reference)
	assert.Equal(t, "ACQREC21", credit.RoutingCode)
	assert.Equal(t, "CRE-"+out.BusinessCode, credit.Reference)
	assert.True(t, debit.Amount.Equal(credit.Amount))
}

func TestProcessFraudStopsBeforeSettlement(t *testing.T) {
	e := newEngine()
	e.fraud.res = FraudValidationResult{
		IsFraud: true, RiskLevel: "HIGH", RuleCode: "RULE001", Message: "velocity exceeded",
	}

	out, err := e.orch.Process(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.StateFraud, out.FinalState)
	assert.Contains(t, out.Message, "RULE001")
	assert.Contains(t, out.Message, "HIGH")
	assert.Empty(t, e.settlement.calls, "no debit or credit after fraud")
	assert.Equal(t, domain.StateFraud, e.store.stateOf(out.BusinessCode))
}

func TestProcessBrandRejectionSkipsFraud(t *testing.T) {
	e := newEngine()
	e.brand.res = BrandValidationResult{Valid: false, Message: "card not recognized"}

	out, err := e.orch.Process(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.StateRejected, out.FinalState)
	assert.False(t, e.fraud.called, "brand validation precedes fraud validation")
	assert.Empty(t, e.settlement.calls)
}

func TestProcessCreditFailureReversalSucceeds(t *testing.T) {
	e := newEngine()
	e.settlement.steps = []settleStep{
		approvedStep("debit ok"),
		declinedStep("acquirer unavailable"),
		approvedStep("reversal ok"),
	}

	out, err := e.orch.Process(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.StateReversed, out.FinalState)
	states := e.history.states()
	assert.Contains(t, states, domain.StateReversing)
	assert.Equal(t, domain.StateReversed, states[len(states)-1])

	require.Len(t, e.settlement.calls, 3)
	rev := e.settlement.calls[2]
	assert.Equal(t, "REV-"+out.BusinessCode, rev.Reference)
	assert.Equal(t, "ISSUEC21", rev.RoutingCode, "reversal goes back to the issuer")
	assert.True(t, rev.Amount.Equal(e.settlement.calls[0].Amount), "reversal amount matches the debit")
}

func TestProcessCreditAndReversalFail(t *testing.T) {
	e := newEngine()
	e.settlement.steps = []settleStep{
		approvedStep("debit ok"),
		declinedStep("acquirer unavailable"),
		declinedStep("issuer timeout"),
	}

	out, err := e.orch.Process(context.Background(), validRequest())

	assert.Equal(t, domain.StateIrrecoverable, out.FinalState)
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, domain.StateIrrecoverable, fault.State)
	assert.Equal(t, domain.StateIrrecoverable, e.store.stateOf(out.BusinessCode))
}

func TestProcessCreditTransportErrorStillReverses(t *testing.T) {
	e := newEngine()
	e.settlement.steps = []settleStep{
		approvedStep("debit ok"),
		{err: errors.New("connection reset")},
		approvedStep("reversal ok"),
	}

	out, err := e.orch.Process(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.StateReversed, out.FinalState)
	require.Len(t, e.settlement.calls, 3, "a transport error on credit must still trigger the reversal")
}

func TestProcessDebitDeclinedNoReversal(t *testing.T) {
	e := newEngine()
	e.settlement.steps = []settleStep{declinedStep("insufficient funds")}

	out, err := e.orch.Process(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.StateRejected, out.FinalState)
	assert.Contains(t, out.Message, "insufficient funds")
	require.Len(t, e.settlement.calls, 1, "nothing to reverse when the debit never happened")
}

func TestProcessDuplicateCodeRejectedAtAdmission(t *testing.T) {
	e := newEngine()
	e.settlement.steps = []settleStep{approvedStep("debit ok"), approvedStep("credit ok")}

	req := validRequest()
	req.BusinessCode = "TRXDUP000001"
	_, err := e.orch.Process(context.Background(), req)
	require.NoError(t, err)

	before := e.store.stateOf(req.BusinessCode)
	historyBefore := len(e.history.entries)

	_, err = e.orch.Process(context.Background(), req)
	var admission *AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.ErrorIs(t, err, domain.ErrDuplicateCode)

	assert.Equal(t, before, e.store.stateOf(req.BusinessCode), "first transaction untouched")
	assert.Len(t, e.history.entries, historyBefore, "duplicate submission leaves no trace")
}

func TestProcessUnknownGatewayNothingPersisted(t *testing.T) {
	e := newEngine()

	req := validRequest()
	req.GatewayCode = "NOPE"
	_, err := e.orch.Process(context.Background(), req)

	var admission *AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.Empty(t, e.store.rows)
	assert.Empty(t, e.history.entries)
	assert.Empty(t, e.cache.rows)
}

func TestProcessBrandTransportErrorFaults(t *testing.T) {
	e := newEngine()
	e.brand.err = errors.New("dial tcp: connection refused")

	out, err := e.orch.Process(context.Background(), validRequest())

	assert.Equal(t, domain.StateError, out.FinalState)
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, domain.StateError, fault.State)
	assert.Equal(t, domain.StateError, e.store.stateOf(out.BusinessCode))

	states := e.history.states()
	assert.Equal(t, domain.StateError, states[len(states)-1])
}

func TestProcessInitFailureHasNoSideEffects(t *testing.T) {
	e := newEngine()
	e.store.failCreate = true

	_, err := e.orch.Process(context.Background(), validRequest())
	require.Error(t, err)

	var admission *AdmissionError
	assert.False(t, errors.As(err, &admission))
	assert.Empty(t, e.history.entries, "no history before the durability checkpoint")
	assert.Empty(t, e.cache.rows, "no mirror before the durability checkpoint")
	assert.False(t, e.brand.called, "no external call without a persisted PENDING row")
}

func TestProcessInitFailureReleasesReservation(t *testing.T) {
	e := newEngine()
	e.store.failCreate = true

	req := validRequest()
	req.BusinessCode = "TRXRETRY0001"
	_, err := e.orch.Process(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, e.guard.released, req.BusinessCode,
		"a code that never reached the store must not stay reserved")

	e.store.failCreate = false
	e.settlement.steps = []settleStep{approvedStep("debit ok"), approvedStep("credit ok")}
	out, err := e.orch.Process(context.Background(), req)
	require.NoError(t, err, "resubmitting a never-persisted code must pass admission")
	assert.Equal(t, domain.StateCompleted, out.FinalState)
}

func TestProcessCacheFailureDoesNotChangeOutcome(t *testing.T) {
	e := newEngine()
	e.cache.fail = true
	e.settlement.steps = []settleStep{approvedStep("debit ok"), approvedStep("credit ok")}

	out, err := e.orch.Process(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.StateCompleted, out.FinalState)
	assert.Equal(t, domain.StateCompleted, e.store.stateOf(out.BusinessCode))
	assert.Len(t, e.history.states(), 6, "full history despite the broken mirror")
}

func TestProcessHistoryFailureDoesNotChangeOutcome(t *testing.T) {
	e := newEngine()
	e.history.fail = true
	e.settlement.steps = []settleStep{approvedStep("debit ok"), approvedStep("credit ok")}

	out, err := e.orch.Process(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, out.FinalState)
}

func TestProcessPersistenceFailureMidFlight(t *testing.T) {
	e := newEngine()
	e.store.failAtState = domain.StateDebiting
	e.settlement.steps = nil // the debit call must never happen

	out, err := e.orch.Process(context.Background(), validRequest())

	assert.Equal(t, domain.StateError, out.FinalState)
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Empty(t, e.settlement.calls)
	assert.Equal(t, domain.StateError, e.store.stateOf(out.BusinessCode))
}

func TestHistoryNeverContainsFullCardNumber(t *testing.T) {
	card := "4532123456789012"

	run := func(configure func(*engine)) *engine {
		e := newEngine()
		configure(e)
		_, _ = e.orch.Process(context.Background(), validRequest())
		return e
	}

	engines := []*engine{
		run(func(e *engine) {
			e.settlement.steps = []settleStep{approvedStep("debit ok"), approvedStep("credit ok")}
		}),
		run(func(e *engine) {
			e.fraud.res = FraudValidationResult{IsFraud: true, RuleCode: "R1", RiskLevel: "HIGH"}
		}),
		run(func(e *engine) {
			e.settlement.steps = []settleStep{approvedStep("ok"), declinedStep("no"), declinedStep("no")}
		}),
	}

	for _, e := range engines {
		for _, entry := range e.history.entries {
			assert.NotContains(t, entry.Message, card, "full card number leaked into history")
		}
	}
}

func TestHistoryStatesFollowTheGraph(t *testing.T) {
	e := newEngine()
	e.settlement.steps = []settleStep{approvedStep("ok"), declinedStep("no"), approvedStep("ok")}

	out, err := e.orch.Process(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StateReversed, out.FinalState)

	states := e.history.states()
	require.NotEmpty(t, states)
	assert.Equal(t, domain.StatePending, states[0])
	for i := 1; i < len(states); i++ {
		assert.True(t, states[i-1].CanTransition(states[i]),
			"illegal recorded transition %s -> %s", states[i-1], states[i])
		assert.False(t, states[i-1].Terminal(), "transition recorded after terminal state %s", states[i-1])
	}
}

func TestGetByCodePrefersCache(t *testing.T) {
	e := newEngine()
	cached, _ := domain.NewTransaction(domain.Transaction{
		Code: "TRXCACHED001", CardNumber: "4532123456789012", Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, e.cache.Put(context.Background(), cached))

	got, err := e.orch.GetByCode(context.Background(), "TRXCACHED001")
	require.NoError(t, err)
	assert.Equal(t, "TRXCACHED001", got.Code)
}

func TestGetByCodeFallsThroughOnCacheFailure(t *testing.T) {
	e := newEngine()
	e.settlement.steps = []settleStep{approvedStep("ok"), approvedStep("ok")}
	out, err := e.orch.Process(context.Background(), validRequest())
	require.NoError(t, err)

	e.cache.fail = true
	got, err := e.orch.GetByCode(context.Background(), out.BusinessCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
}

func TestGetByCodeNotFound(t *testing.T) {
	e := newEngine()
	_, err := e.orch.GetByCode(context.Background(), "TRXMISSING01")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueryFilters(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	e.settlement.steps = []settleStep{approvedStep("debit ok"), approvedStep("credit ok")}
	completed, err := e.orch.Process(ctx, validRequest())
	require.NoError(t, err)

	e.fraud.res = FraudValidationResult{IsFraud: true, RuleCode: "R9", RiskLevel: "HIGH"}
	flagged, err := e.orch.Process(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StateFraud, flagged.FinalState)

	byState, err := e.orch.ListByState(ctx, domain.StateCompleted)
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, completed.BusinessCode, byState[0].Code)

	byCard, err := e.orch.ListByCard(ctx, validRequest().CardNumber)
	require.NoError(t, err)
	assert.Len(t, byCard, 2)

	fraudHistory, err := e.orch.HistoryByState(ctx, domain.StateFraud)
	require.NoError(t, err)
	require.Len(t, fraudHistory, 1)
	assert.Equal(t, flagged.BusinessCode, fraudHistory[0].TransactionCode)

	now := time.Now().UTC()
	windowed, err := e.orch.HistoryByDateRange(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, windowed, len(e.history.entries))

	empty, err := e.orch.HistoryByDateRange(ctx, now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSecurityCodeNeverMarshaled(t *testing.T) {
	e := newEngine()
	e.settlement.steps = []settleStep{approvedStep("ok"), approvedStep("ok")}

	req := validRequest()
	req.SecurityCode = "9876"
	out, err := e.orch.Process(context.Background(), req)
	require.NoError(t, err)

	cached, ok, err := e.cache.Get(context.Background(), out.BusinessCode)
	require.NoError(t, err)
	require.True(t, ok)

	b, merr := json.Marshal(cached)
	require.NoError(t, merr)
	assert.NotContains(t, string(b), "securityCode")
	assert.NotContains(t, string(b), "9876")
}

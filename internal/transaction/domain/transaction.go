package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type State string

const (
	StatePending         State = "PENDING"
	StateBrandValidating State = "BRAND_VALIDATING"
	StateFraudValidating State = "FRAUD_VALIDATING"
	StateDebiting        State = "DEBITING"
	StateCrediting       State = "CREDITING"
	StateCompleted       State = "COMPLETED"
	StateRejected        State = "REJECTED"
	StateFraud           State = "FRAUD"
	StateError           State = "ERROR"
	StateReversing       State = "REVERSING"
	StateReversed        State = "REVERSED"
	StateIrrecoverable   State = "IRRECOVERABLE_ERROR"
)

// transitions is the full forward graph. Anything not listed here is illegal,
// including every move out of a terminal state.
var transitions = map[State][]State{
	StatePending:         {StateBrandValidating, StateError},
	StateBrandValidating: {StateFraudValidating, StateRejected, StateError},
	StateFraudValidating: {StateDebiting, StateFraud, StateError},
	StateDebiting:        {StateCrediting, StateRejected, StateError},
	StateCrediting:       {StateCompleted, StateReversing, StateError},
	StateReversing:       {StateReversed, StateIrrecoverable},
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateFraud, StateReversed, StateIrrecoverable, StateError:
		return true
	}
	return false
}

func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var (
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrMissingCardNumber = errors.New("card number is required")
	ErrDuplicateCode     = errors.New("transaction code already exists")
	ErrNotFound          = errors.New("transaction not found")
)

type Transaction struct {
	ID                  int64           `json:"id"`
	Code                string          `json:"code"`
	CardNumber          string          `json:"cardNumber"`
	SecurityCode        string          `json:"-"`
	Expiry              string          `json:"expiry"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Country             string          `json:"country"`
	Type                string          `json:"type"`
	MerchantCode        string          `json:"merchantCode"`
	GatewayCode         string          `json:"gatewayCode"`
	IssuerRoutingCode   string          `json:"issuerRoutingCode"`
	AcquirerRoutingCode string          `json:"acquirerRoutingCode"`
	EncryptedPayload    string          `json:"encryptedPayload,omitempty"`
	Installments        int             `json:"installments"`
	Deferred            bool            `json:"deferred"`
	State               State           `json:"state"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// NewTransaction normalizes the payment data into a PENDING transaction. The
// business code is kept when the caller supplied one and generated otherwise.
func NewTransaction(t Transaction) (Transaction, error) {
	if t.CardNumber == "" {
		return Transaction{}, ErrMissingCardNumber
	}
	if !t.Amount.IsPositive() {
		return Transaction{}, ErrNonPositiveAmount
	}
	if t.Code == "" {
		t.Code = NewCode()
	}
	t.Amount = t.Amount.Round(2)
	t.State = StatePending
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	return t, nil
}

// TransitionTo moves the transaction forward along the state graph.
func (t *Transaction) TransitionTo(next State) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s for %s", t.State, next, t.Code)
	}
	t.State = next
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// NewCode generates a short globally unique business code.
func NewCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TRX" + strings.ToUpper(raw[:10])
}

// MaskCard keeps at most the first 4 digits of a card number. Everything that
// ends up in a log line or history message goes through here.
func MaskCard(number string) string {
	if len(number) <= 4 {
		return strings.Repeat("*", len(number))
	}
	return number[:4] + strings.Repeat("*", len(number)-4)
}

package application

import (
	"fmt"

	"github.com/payflow/transaction-engine/internal/transaction/domain"
)

// AdmissionError is returned when a request is refused before anything is
// persisted: unknown gateway, duplicate business code, invalid payment data.
type AdmissionError struct {
	Cause error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("transaction not admitted: %v", e.Cause)
}

func (e *AdmissionError) Unwrap() error { return e.Cause }

// FaultError signals an integration or persistence fault that hit after the
// PENDING durability checkpoint. The transaction still reached the terminal
// state carried here; the caller maps this to a different outward signal than
// a business rejection.
type FaultError struct {
	State domain.State
	Cause error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("transaction faulted in state %s: %v", e.State, e.Cause)
}

func (e *FaultError) Unwrap() error { return e.Cause }

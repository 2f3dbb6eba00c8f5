package domain

import "time"

const EventStateChanged = "TransactionStateChanged"

// StateChanged is the outbox payload appended alongside every state write.
// Events are keyed by business code so downstream replay stays idempotent.
type StateChanged struct {
	Code    string    `json:"code"`
	State   State     `json:"state"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

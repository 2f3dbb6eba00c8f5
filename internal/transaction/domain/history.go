package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxHistoryMessage bounds the stored message length. Longer messages are
// truncated, never rejected.
const MaxHistoryMessage = 200

type HistoryEntry struct {
	ID              string    `json:"id"`
	TransactionCode string    `json:"transactionCode"`
	State           State     `json:"state"`
	Message         string    `json:"message"`
	ChangedAt       time.Time `json:"changedAt"`
}

func NewHistoryEntry(code string, state State, message string) HistoryEntry {
	return HistoryEntry{
		ID:              newHistoryID(),
		TransactionCode: code,
		State:           state,
		Message:         TruncateMessage(message),
		ChangedAt:       time.Now().UTC(),
	}
}

func TruncateMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxHistoryMessage {
		return msg
	}
	return string(runes[:MaxHistoryMessage])
}

func newHistoryID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

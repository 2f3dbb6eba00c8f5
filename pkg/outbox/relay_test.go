package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore mimics the database store: failed events stay pending and are
// served again on the next poll.
type memStore struct {
	mu      sync.Mutex
	pending []Event
	retries map[int64]int
	sent    chan int64
}

func (s *memStore) LockBatch(_ context.Context, _ string, batchSize int, _ time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	if n > batchSize {
		n = batchSize
	}
	out := make([]Event, n)
	copy(out, s.pending[:n])
	return out, nil
}

func (s *memStore) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		for i, e := range s.pending {
			if e.ID == id {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		s.sent <- id
	}
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[id]++
	return nil
}

func (s *memStore) retryCount(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[id]
}

// flakyProducer fails the first n writes and succeeds afterwards.
type flakyProducer struct {
	failures int
	written  int
}

func (p *flakyProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.written += len(msgs)
	return nil
}

func TestRelayRetriesFailedPublish(t *testing.T) {
	store := &memStore{
		pending: []Event{{
			ID:          1,
			AggregateID: "TRXRELAY0001",
			Type:        "TransactionStateChanged",
			Payload:     []byte(`{"code":"TRXRELAY0001","state":"COMPLETED"}`),
			Traceparent: "00-abc-def-01",
		}},
		retries: map[int64]int{},
		sent:    make(chan int64, 8),
	}
	producer := &flakyProducer{failures: 1}
	relay := NewRelay(testLogger(), store, NewDispatcher(testLogger(), producer, "transaction.events"), "test-relay")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	select {
	case id := <-store.sent:
		assert.Equal(t, int64(1), id)
	case <-ctx.Done():
		t.Fatal("event never published after the transient broker failure")
	}
	cancel()
	require.NoError(t, <-done)

	assert.GreaterOrEqual(t, store.retryCount(1), 1, "failed attempt recorded before the retry")
	assert.Equal(t, 1, producer.written)
}

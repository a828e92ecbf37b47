package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	calls    int
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func event(id string) domain.TransactionEvent {
	return domain.TransactionEvent{
		EventType:     domain.EventTransactionCompleted,
		TransactionID: id,
		Status:        domain.TransactionStatusCompleted,
		Timestamp:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		UserID:        "user-1",
	}
}

func TestKafkaDispatcherPublishesJSONKeyedByTransaction(t *testing.T) {
	writer := &recordingWriter{}
	d := newKafkaDispatcher(writer, KafkaConfig{Topic: "ledger.transactions"})

	require.NoError(t, d.Dispatch(context.Background(), event("txn-1")))
	require.NoError(t, d.Dispatch(context.Background(), event("txn-2")))
	require.NoError(t, d.Close())

	require.Len(t, writer.messages, 2)
	assert.True(t, writer.closed)
	assert.Equal(t, "txn-1", string(writer.messages[0].Key))

	var decoded domain.TransactionEvent
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &decoded))
	assert.Equal(t, domain.EventTransactionCompleted, decoded.EventType)
	assert.Equal(t, domain.TransactionStatusCompleted, decoded.Status)
	assert.Equal(t, "user-1", decoded.UserID)
}

func TestKafkaDispatcherBreakerStopsCallingBroker(t *testing.T) {
	writer := &recordingWriter{err: errors.New("broker unavailable")}
	d := newKafkaDispatcher(writer, KafkaConfig{FailureThreshold: 2, OpenTimeout: time.Hour})

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Dispatch(context.Background(), event("txn")))
	}
	require.NoError(t, d.Close())

	assert.Equal(t, 2, writer.calls, "open breaker must short-circuit the remaining publishes")
}

func TestKafkaDispatcherRejectsAfterClose(t *testing.T) {
	d := newKafkaDispatcher(&recordingWriter{}, KafkaConfig{})
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	err := d.Dispatch(context.Background(), event("txn"))
	assert.ErrorIs(t, err, ErrClosed)
}

type blockingWriter struct {
	recordingWriter
	release chan struct{}
}

func (w *blockingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	<-w.release
	return w.recordingWriter.WriteMessages(ctx, msgs...)
}

func TestKafkaDispatcherDropsWhenQueueFull(t *testing.T) {
	writer := &blockingWriter{release: make(chan struct{})}
	d := newKafkaDispatcher(writer, KafkaConfig{BufferSize: 1})

	// The worker takes at most one event off the queue and blocks on it.
	var full error
	for i := 0; i < 3 && full == nil; i++ {
		full = d.Dispatch(context.Background(), event("txn"))
	}
	assert.ErrorIs(t, full, ErrQueueFull)

	close(writer.release)
	require.NoError(t, d.Close())
}

func TestLogDispatcherNeverFails(t *testing.T) {
	assert.NoError(t, NewLogDispatcher().Dispatch(context.Background(), event("txn")))
}

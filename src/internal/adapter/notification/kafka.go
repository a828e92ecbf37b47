package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/logger"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

var (
	ErrQueueFull = errors.New("notification queue is full")
	ErrClosed    = errors.New("notification dispatcher is closed")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BufferSize   int
	WriteTimeout time.Duration
	// FailureThreshold consecutive failures open the breaker for OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// KafkaDispatcher queues events and publishes them from a single worker.
// Dispatch never waits on the broker; when the breaker is open or the queue
// is full the event is dropped and logged.
type KafkaDispatcher struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan domain.TransactionEvent
	done   chan struct{}
}

func NewKafkaDispatcher(cfg KafkaConfig) *KafkaDispatcher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaDispatcher(writer, cfg)
}

func newKafkaDispatcher(writer messageWriter, cfg KafkaConfig) *KafkaDispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-notifications",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("notification circuit breaker state changed", logger.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	d := &KafkaDispatcher{
		writer:  writer,
		breaker: breaker,
		timeout: cfg.WriteTimeout,
		queue:   make(chan domain.TransactionEvent, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *KafkaDispatcher) Dispatch(_ context.Context, event domain.TransactionEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- event:
		return nil
	default:
		return fmt.Errorf("dispatch %s for %s: %w", event.EventType, event.TransactionID, ErrQueueFull)
	}
}

func (d *KafkaDispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		if err := d.publish(event); err != nil {
			logger.Error("notification publish failed", err, logger.Fields{
				"transactionId": event.TransactionID,
				"eventType":     event.EventType,
			})
		}
	}
}

func (d *KafkaDispatcher) publish(event domain.TransactionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	_, err = d.breaker.Execute(func() (interface{}, error) {
		return nil, d.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(event.TransactionID),
			Value: payload,
			Time:  event.Timestamp,
			Headers: []kafka.Header{
				{Key: "eventType", Value: []byte(event.EventType)},
			},
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("breaker open, event dropped: %w", err)
	}
	return err
}

// Close stops accepting events, drains the queue and closes the writer.
func (d *KafkaDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	return d.writer.Close()
}

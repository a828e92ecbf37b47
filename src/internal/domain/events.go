package domain

import (
	"context"
	"time"
)

type TransactionEventType string

const (
	EventTransactionCompleted TransactionEventType = "transaction.completed"
	EventTransactionFailed    TransactionEventType = "transaction.failed"
	EventTransactionReversed  TransactionEventType = "transaction.reversed"
)

type TransactionEvent struct {
	EventType     TransactionEventType `json:"eventType"`
	TransactionID string               `json:"transactionId"`
	Status        TransactionStatus    `json:"status"`
	Timestamp     time.Time            `json:"timestamp"`
	UserID        string               `json:"userId,omitempty"`
}

// NotificationDispatcher hands events to the notification collaborator.
// Implementations must not block the caller on delivery.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, event TransactionEvent) error
}

package notification

import (
	"context"

	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/logger"
)

// LogDispatcher writes events to the process log. Used when no broker is configured.
type LogDispatcher struct{}

func NewLogDispatcher() LogDispatcher {
	return LogDispatcher{}
}

func (LogDispatcher) Dispatch(_ context.Context, event domain.TransactionEvent) error {
	logger.Info("transaction notification", logger.Fields{
		"eventType":     event.EventType,
		"transactionId": event.TransactionID,
		"status":        event.Status,
		"userId":        event.UserID,
		"timestamp":     event.Timestamp,
	})
	return nil
}

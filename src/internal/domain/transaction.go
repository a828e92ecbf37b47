package domain

import (
	"time"
)

type TransactionType string

const (
	TransactionTypeTransfer         TransactionType = "TRANSFER"
	TransactionTypeTransferIn       TransactionType = "TRANSFER_IN"
	TransactionTypeTransferOut      TransactionType = "TRANSFER_OUT"
	TransactionTypeDeposit          TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal       TransactionType = "WITHDRAWAL"
	TransactionTypeFee              TransactionType = "FEE"
	TransactionTypeRefund           TransactionType = "REFUND"
	TransactionTypeReversal         TransactionType = "REVERSAL"
	TransactionTypeScheduledPayment TransactionType = "SCHEDULED_PAYMENT"
	TransactionTypeInterestPayment  TransactionType = "INTEREST_PAYMENT"
)

var transactionTypes = []TransactionType{
	TransactionTypeTransfer,
	TransactionTypeTransferIn,
	TransactionTypeTransferOut,
	TransactionTypeDeposit,
	TransactionTypeWithdrawal,
	TransactionTypeFee,
	TransactionTypeRefund,
	TransactionTypeReversal,
	TransactionTypeScheduledPayment,
	TransactionTypeInterestPayment,
}

func TransactionTypes() []TransactionType {
	out := make([]TransactionType, len(transactionTypes))
	copy(out, transactionTypes)
	return out
}

func (t TransactionType) Valid() bool {
	for _, known := range transactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// CallerInitiated reports whether a client may submit the type directly.
// REVERSAL only comes from the reversal path.
func (t TransactionType) CallerInitiated() bool {
	return t.Valid() && t != TransactionTypeReversal
}

type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "PENDING"
	TransactionStatusProcessing TransactionStatus = "PROCESSING"
	TransactionStatusCompleted  TransactionStatus = "COMPLETED"
	TransactionStatusFailed     TransactionStatus = "FAILED"
	TransactionStatusCancelled  TransactionStatus = "CANCELLED"
	TransactionStatusReversed   TransactionStatus = "REVERSED"
	TransactionStatusExpired    TransactionStatus = "EXPIRED"
)

var transitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending:    {TransactionStatusProcessing, TransactionStatusCancelled, TransactionStatusExpired},
	TransactionStatusProcessing: {TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusCompleted:  {TransactionStatusReversed},
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s TransactionStatus) Terminal() bool {
	return len(transitions[s]) == 0 || s == TransactionStatusCompleted
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusProcessing, TransactionStatusCompleted,
		TransactionStatusFailed, TransactionStatusCancelled, TransactionStatusReversed, TransactionStatusExpired:
		return true
	}
	return false
}

// Transaction amounts are integer minor units of Currency. Monetary fields are
// fixed at creation; only status, timestamps and FailedReason change afterwards.
type Transaction struct {
	ID            string
	FromAccountID string
	ToAccountID   string
	Amount        int64
	Fee           int64
	NetAmount     int64
	Currency      string
	Type          TransactionType
	Status        TransactionStatus
	Reference     string
	ExternalRef   string
	Description   string
	ReversalOfID  *string
	CreatedBy     string
	ScheduledFor  *time.Time
	ExpiresAt     *time.Time
	CompletedAt   *time.Time
	FailedReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (t Transaction) IsScheduled() bool {
	return t.ScheduledFor != nil
}

// Transition returns a copy moved to next, stamped at now.
func (t Transaction) Transition(next TransactionStatus, now time.Time) (Transaction, error) {
	if !t.Status.CanTransitionTo(next) {
		return t, NewError(KindInvalidStateTransition, "transaction %s cannot move from %s to %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	if next == TransactionStatusCompleted {
		completed := now
		t.CompletedAt = &completed
	}
	return t, nil
}

type TransactionFilter struct {
	AccountIDs []string
	Status     TransactionStatus
	Type       TransactionType
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

// PendingFilter selects PENDING rows whose scheduledFor or expiresAt is at or
// before DueBefore.
type PendingFilter struct {
	DueBefore time.Time
	Limit     int
}

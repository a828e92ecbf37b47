package domain

import (
	"time"
)

type AuditAction string

const (
	AuditActionTransactionCreated   AuditAction = "TRANSACTION_CREATED"
	AuditActionTransactionRejected  AuditAction = "TRANSACTION_REJECTED"
	AuditActionTransactionCompleted AuditAction = "TRANSACTION_COMPLETED"
	AuditActionTransactionFailed    AuditAction = "TRANSACTION_FAILED"
	AuditActionTransactionReversed  AuditAction = "TRANSACTION_REVERSED"
	AuditActionTransactionCancelled AuditAction = "TRANSACTION_CANCELLED"
	AuditActionTransactionExpired   AuditAction = "TRANSACTION_EXPIRED"
	AuditActionTransactionViewed    AuditAction = "TRANSACTION_VIEWED"
	AuditActionAccountCreated       AuditAction = "ACCOUNT_CREATED"
	AuditActionAccountFrozen        AuditAction = "ACCOUNT_FROZEN"
	AuditActionAccountUnfrozen      AuditAction = "ACCOUNT_UNFROZEN"
	AuditActionRoleChanged          AuditAction = "ROLE_CHANGED"
	AuditActionAuditExported        AuditAction = "AUDIT_EXPORTED"
)

// ComplianceSensitive actions must be durably recorded before the triggering
// operation counts as complete.
func (a AuditAction) ComplianceSensitive() bool {
	switch a {
	case AuditActionTransactionViewed, AuditActionAuditExported:
		return false
	}
	return true
}

const (
	AuditResourceTransaction = "transaction"
	AuditResourceAccount     = "account"
	AuditResourceUser        = "user"
	AuditResourceAuditLog    = "audit_log"
)

// AuditLogEntry is immutable once written.
type AuditLogEntry struct {
	ID         string
	UserID     *string
	Action     AuditAction
	Resource   string
	ResourceID string
	OldValues  map[string]any
	NewValues  map[string]any
	Metadata   map[string]any
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
}

type AuditFilter struct {
	UserID     string
	Action     AuditAction
	Resource   string
	ResourceID string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
	// Ascending orders oldest first; the default is newest first.
	Ascending bool
}

type AuditBucket string

const (
	AuditBucketHour AuditBucket = "HOUR"
	AuditBucketDay  AuditBucket = "DAY"
)

type AuditStats struct {
	Total      int
	ByAction   map[AuditAction]int
	ByResource map[string]int
	ByUser     map[string]int
	ByBucket   map[time.Time]int
	Bucket     AuditBucket
	From       time.Time
	To         time.Time
}

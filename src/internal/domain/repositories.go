package domain

import (
	"context"
	"time"
)

type AccountReader interface {
	GetAccount(ctx context.Context, id string) (Account, error)
}

// LimitUsageReader returns ErrRecordNotFound when no row exists for the key yet.
type LimitUsageReader interface {
	GetLimitUsage(ctx context.Context, accountID string, limitType LimitType, period LimitPeriod) (LimitUsage, error)
}

type LedgerReader interface {
	AccountReader
	LimitUsageReader
}

type TransactionWriter interface {
	InsertTransaction(ctx context.Context, txn Transaction) error
	// UpdateTransaction stores txn only if the persisted status still equals
	// expected, otherwise ErrConcurrentModification.
	UpdateTransaction(ctx context.Context, txn Transaction, expected TransactionStatus) error
}

type AuditWriter interface {
	InsertAuditEntry(ctx context.Context, entry AuditLogEntry) error
}

// LedgerTx is one atomic unit of work. Writes become visible together on
// commit and are discarded on rollback.
type LedgerTx interface {
	LedgerReader
	TransactionWriter
	AuditWriter
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	// UpdateAccountBalance sets the balance if the stored version equals
	// account.Version, otherwise ErrConcurrentModification.
	UpdateAccountBalance(ctx context.Context, account Account) error
	// SaveLimitUsage inserts (Version 0) or compare-and-swaps a usage row.
	SaveLimitUsage(ctx context.Context, usage LimitUsage) error
	AddFeeRevenue(ctx context.Context, currency string, amount int64) error
	// UpdateAccountFreeze compare-and-swaps the freeze state on account.Version.
	UpdateAccountFreeze(ctx context.Context, account Account) error
	// InsertAccount fails with ErrDuplicateReference when the id is taken.
	InsertAccount(ctx context.Context, account Account) error
}

type LedgerStore interface {
	LedgerReader
	TransactionWriter
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	FindTransactionByReference(ctx context.Context, fromAccountID string, reference string) (Transaction, error)
	// FindReversalOf returns the newest non-failed REVERSAL pointing at originalID.
	FindReversalOf(ctx context.Context, originalID string) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]Transaction, error)
	FeeRevenue(ctx context.Context, currency string) (int64, error)
}

type AccountRepository interface {
	AccountReader
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]Account, error)
}

type AuditRepository interface {
	AuditWriter
	QueryAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, int, error)
	CountAuditEntries(ctx context.Context, filter AuditFilter) (int, error)
	DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AccountLocker grants exclusive holds on a set of keys. Implementations
// acquire in ascending key order so overlapping requests cannot deadlock.
type AccountLocker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

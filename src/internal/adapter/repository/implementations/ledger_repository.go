package implementations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/commons"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/logger"
)

const transactionColumns = `id, from_account_id, to_account_id, amount, fee, net_amount, currency, type, status, reference,
	external_ref, description, reversal_of_id, created_by, scheduled_for, expires_at, completed_at, failed_reason, created_at, updated_at`

// LedgerRepository is the postgres LedgerStore. Units of work run in one
// READ COMMITTED sql.Tx; account rows are locked with FOR UPDATE when read
// inside it and every write is a version or status compare-and-swap.
type LedgerRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *LedgerRepository) WithinTx(ctx context.Context, fn func(tx domain.LedgerTx) error) (err error) {
	sqlTx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		logger.Error("ledger repository begin tx failed", err, nil)
		return fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&ledgerTx{tx: sqlTx, now: r.now}); err != nil {
		if isRetryable(err) {
			return fmt.Errorf("%v: %w", err, domain.ErrConcurrentModification)
		}
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		if isRetryable(err) {
			return fmt.Errorf("commit ledger transaction: %w", domain.ErrConcurrentModification)
		}
		logger.Error("ledger repository commit tx failed", err, nil)
		return fmt.Errorf("commit ledger transaction: %w", err)
	}
	return nil
}

func (r *LedgerRepository) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, r.db, id, false)
}

func (r *LedgerRepository) GetLimitUsage(ctx context.Context, accountID string, limitType domain.LimitType, period domain.LimitPeriod) (domain.LimitUsage, error) {
	return getLimitUsage(ctx, r.db, accountID, limitType, period)
}

func (r *LedgerRepository) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return getTransaction(ctx, r.db, id)
}

func (r *LedgerRepository) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	return insertTransaction(ctx, r.db, txn)
}

func (r *LedgerRepository) UpdateTransaction(ctx context.Context, txn domain.Transaction, expected domain.TransactionStatus) error {
	return updateTransaction(ctx, r.db, txn, expected)
}

func (r *LedgerRepository) FindTransactionByReference(ctx context.Context, fromAccountID string, reference string) (domain.Transaction, error) {
	const query = `SELECT ` + transactionColumns + `
FROM transactions
WHERE from_account_id = $1 AND reference = $2
ORDER BY created_at DESC, id DESC
LIMIT 1`

	txn, err := scanTransaction(r.db.QueryRowContext(ctx, query, fromAccountID, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("find transaction by reference: %w", err)
	}
	return txn, nil
}

func (r *LedgerRepository) FindReversalOf(ctx context.Context, originalID string) (domain.Transaction, error) {
	const query = `SELECT ` + transactionColumns + `
FROM transactions
WHERE reversal_of_id = $1 AND type = $2 AND status <> $3
ORDER BY created_at DESC, id DESC
LIMIT 1`

	txn, err := scanTransaction(r.db.QueryRowContext(ctx, query, originalID, domain.TransactionTypeReversal, domain.TransactionStatusFailed))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("find reversal of %s: %w", originalID, err)
	}
	return txn, nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.AccountIDs) > 0 {
		placeholders := make([]string, 0, len(filter.AccountIDs))
		for _, id := range filter.AccountIDs {
			placeholders = append(placeholders, arg(id))
		}
		in := strings.Join(placeholders, ", ")
		where = append(where, fmt.Sprintf("(from_account_id IN (%s) OR to_account_id IN (%s))", in, in))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = "+arg(filter.Type))
	}
	if filter.From != nil {
		where = append(where, "created_at >= "+arg(filter.From.UTC()))
	}
	if filter.To != nil {
		where = append(where, "created_at < "+arg(filter.To.UTC()))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM transactions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + clause + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s OFFSET %s", arg(filter.Limit), arg(commons.Offset(filter.Page, filter.Limit)))
	}

	txns, err := queryTransactions(ctx, r.db, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return txns, total, nil
}

func (r *LedgerRepository) ListPending(ctx context.Context, filter domain.PendingFilter) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
FROM transactions
WHERE status = $1 AND (scheduled_for <= $2 OR expires_at <= $2)
ORDER BY COALESCE(scheduled_for, expires_at), created_at, id`
	args := []any{domain.TransactionStatusPending, filter.DueBefore.UTC()}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	txns, err := queryTransactions(ctx, r.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	return txns, nil
}

func (r *LedgerRepository) FeeRevenue(ctx context.Context, currency string) (int64, error) {
	var amount int64
	err := r.db.QueryRowContext(ctx, `SELECT amount FROM fee_revenue WHERE currency = $1`, currency).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get fee revenue %s: %w", currency, err)
	}
	return amount, nil
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		txn          domain.Transaction
		externalRef  sql.NullString
		description  sql.NullString
		reversalOf   sql.NullString
		createdBy    sql.NullString
		scheduledFor sql.NullTime
		expiresAt    sql.NullTime
		completedAt  sql.NullTime
		failedReason sql.NullString
	)
	if err := row.Scan(
		&txn.ID,
		&txn.FromAccountID,
		&txn.ToAccountID,
		&txn.Amount,
		&txn.Fee,
		&txn.NetAmount,
		&txn.Currency,
		&txn.Type,
		&txn.Status,
		&txn.Reference,
		&externalRef,
		&description,
		&reversalOf,
		&createdBy,
		&scheduledFor,
		&expiresAt,
		&completedAt,
		&failedReason,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	); err != nil {
		return domain.Transaction{}, err
	}

	txn.ExternalRef = externalRef.String
	txn.Description = description.String
	txn.ReversalOfID = stringPtr(reversalOf)
	txn.CreatedBy = createdBy.String
	txn.ScheduledFor = timePtr(scheduledFor)
	txn.ExpiresAt = timePtr(expiresAt)
	txn.CompletedAt = timePtr(completedAt)
	txn.FailedReason = failedReason.String
	txn.CreatedAt = txn.CreatedAt.UTC()
	txn.UpdatedAt = txn.UpdatedAt.UTC()
	return txn, nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := make([]domain.Transaction, 0)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func getTransaction(ctx context.Context, q querier, id string) (domain.Transaction, error) {
	txn, err := scanTransaction(q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return txn, nil
}

func insertTransaction(ctx context.Context, q querier, txn domain.Transaction) error {
	const query = `
INSERT INTO transactions (
	id, from_account_id, to_account_id, amount, fee, net_amount, currency, type, status, reference,
	external_ref, description, reversal_of_id, created_by, scheduled_for, expires_at, completed_at, failed_reason, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
	NULLIF($11, ''), NULLIF($12, ''), $13, NULLIF($14, ''), $15, $16, $17, NULLIF($18, ''), $19, $20
)`

	_, err := q.ExecContext(ctx, query,
		txn.ID,
		txn.FromAccountID,
		txn.ToAccountID,
		txn.Amount,
		txn.Fee,
		txn.NetAmount,
		txn.Currency,
		txn.Type,
		txn.Status,
		txn.Reference,
		txn.ExternalRef,
		txn.Description,
		nullString(txn.ReversalOfID),
		txn.CreatedBy,
		nullTime(txn.ScheduledFor),
		nullTime(txn.ExpiresAt),
		nullTime(txn.CompletedAt),
		txn.FailedReason,
		txn.CreatedAt.UTC(),
		txn.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert transaction %s: %w", txn.ID, domain.ErrDuplicateReference)
	}
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", txn.ID, err)
	}
	return nil
}

// updateTransaction writes only the mutable columns.
func updateTransaction(ctx context.Context, q querier, txn domain.Transaction, expected domain.TransactionStatus) error {
	const query = `
UPDATE transactions
SET status = $2,
    completed_at = $3,
    failed_reason = NULLIF($4, ''),
    updated_at = $5
WHERE id = $1 AND status = $6`

	err := execRequiredRows(ctx, q, query,
		txn.ID,
		txn.Status,
		nullTime(txn.CompletedAt),
		txn.FailedReason,
		txn.UpdatedAt.UTC(),
		expected,
	)
	if errors.Is(err, domain.ErrConcurrentModification) {
		if _, getErr := getTransaction(ctx, q, txn.ID); errors.Is(getErr, domain.ErrRecordNotFound) {
			return fmt.Errorf("update transaction %s: %w", txn.ID, domain.ErrRecordNotFound)
		}
	}
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", txn.ID, err)
	}
	return nil
}

func getLimitUsage(ctx context.Context, q querier, accountID string, limitType domain.LimitType, period domain.LimitPeriod) (domain.LimitUsage, error) {
	const query = `
SELECT account_id, limit_type, period, used_amount, window_start, reset_at, version, updated_at
FROM limit_usage
WHERE account_id = $1 AND limit_type = $2 AND period = $3`

	var usage domain.LimitUsage
	err := q.QueryRowContext(ctx, query, accountID, limitType, period).Scan(
		&usage.AccountID,
		&usage.LimitType,
		&usage.Period,
		&usage.UsedAmount,
		&usage.WindowStart,
		&usage.ResetAt,
		&usage.Version,
		&usage.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LimitUsage{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.LimitUsage{}, fmt.Errorf("get limit usage %s/%s/%s: %w", accountID, limitType, period, err)
	}
	usage.WindowStart = usage.WindowStart.UTC()
	usage.ResetAt = usage.ResetAt.UTC()
	usage.UpdatedAt = usage.UpdatedAt.UTC()
	return usage, nil
}

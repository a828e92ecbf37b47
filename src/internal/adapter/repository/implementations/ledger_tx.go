package implementations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
)

type ledgerTx struct {
	tx  *sql.Tx
	now func() time.Time
}

// GetAccount locks the row until the unit of work ends.
func (t *ledgerTx) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, t.tx, id, true)
}

func (t *ledgerTx) GetLimitUsage(ctx context.Context, accountID string, limitType domain.LimitType, period domain.LimitPeriod) (domain.LimitUsage, error) {
	return getLimitUsage(ctx, t.tx, accountID, limitType, period)
}

func (t *ledgerTx) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return getTransaction(ctx, t.tx, id)
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	return insertTransaction(ctx, t.tx, txn)
}

func (t *ledgerTx) UpdateTransaction(ctx context.Context, txn domain.Transaction, expected domain.TransactionStatus) error {
	return updateTransaction(ctx, t.tx, txn, expected)
}

func (t *ledgerTx) InsertAccount(ctx context.Context, account domain.Account) error {
	return insertAccount(ctx, t.tx, account)
}

func (t *ledgerTx) UpdateAccountBalance(ctx context.Context, account domain.Account) error {
	const query = `
UPDATE accounts
SET balance = $2,
    version = version + 1,
    updated_at = $4
WHERE id = $1 AND version = $3`

	if err := execRequiredRows(ctx, t.tx, query, account.ID, account.Balance, account.Version, t.now()); err != nil {
		return fmt.Errorf("update account %s balance: %w", account.ID, err)
	}
	return nil
}

func (t *ledgerTx) UpdateAccountFreeze(ctx context.Context, account domain.Account) error {
	const query = `
UPDATE accounts
SET frozen = $2,
    frozen_reason = NULLIF($3, ''),
    frozen_until = $4,
    version = version + 1,
    updated_at = $6
WHERE id = $1 AND version = $5`

	err := execRequiredRows(ctx, t.tx, query,
		account.ID,
		account.Frozen.Frozen,
		account.Frozen.Reason,
		nullTime(account.Frozen.Until),
		account.Version,
		t.now(),
	)
	if err != nil {
		return fmt.Errorf("update account %s freeze: %w", account.ID, err)
	}
	return nil
}

// SaveLimitUsage inserts a never-stored row and compare-and-swaps the rest.
// Two first writers racing on the same key collide on the primary key.
func (t *ledgerTx) SaveLimitUsage(ctx context.Context, usage domain.LimitUsage) error {
	now := t.now()
	if usage.Version == 0 {
		const insert = `
INSERT INTO limit_usage (account_id, limit_type, period, used_amount, window_start, reset_at, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 1, $7)`

		_, err := t.tx.ExecContext(ctx, insert,
			usage.AccountID, usage.LimitType, usage.Period, usage.UsedAmount,
			usage.WindowStart.UTC(), usage.ResetAt.UTC(), now)
		if isUniqueViolation(err) {
			return fmt.Errorf("insert limit usage %s/%s/%s: %w", usage.AccountID, usage.LimitType, usage.Period, domain.ErrConcurrentModification)
		}
		if err != nil {
			return fmt.Errorf("insert limit usage %s/%s/%s: %w", usage.AccountID, usage.LimitType, usage.Period, err)
		}
		return nil
	}

	const update = `
UPDATE limit_usage
SET used_amount = $4,
    window_start = $5,
    reset_at = $6,
    version = version + 1,
    updated_at = $8
WHERE account_id = $1 AND limit_type = $2 AND period = $3 AND version = $7`

	err := execRequiredRows(ctx, t.tx, update,
		usage.AccountID, usage.LimitType, usage.Period, usage.UsedAmount,
		usage.WindowStart.UTC(), usage.ResetAt.UTC(), usage.Version, now)
	if err != nil {
		return fmt.Errorf("update limit usage %s/%s/%s: %w", usage.AccountID, usage.LimitType, usage.Period, err)
	}
	return nil
}

func (t *ledgerTx) AddFeeRevenue(ctx context.Context, currency string, amount int64) error {
	const query = `
INSERT INTO fee_revenue (currency, amount, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (currency) DO UPDATE
SET amount = fee_revenue.amount + EXCLUDED.amount,
    updated_at = EXCLUDED.updated_at`

	if _, err := t.tx.ExecContext(ctx, query, currency, amount, t.now()); err != nil {
		return fmt.Errorf("add fee revenue %s: %w", currency, err)
	}
	return nil
}

func (t *ledgerTx) InsertAuditEntry(ctx context.Context, entry domain.AuditLogEntry) error {
	return insertAuditEntry(ctx, t.tx, entry)
}

package implementations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/logger"
)

const accountColumns = `id, owner_id, balance, currency, is_active, frozen, frozen_reason, frozen_until, timezone, limits, version, created_at, updated_at`

type limitCapsRecord struct {
	DailyCap    int64 `json:"dailyCap"`
	MonthlyCap  int64 `json:"monthlyCap"`
	SingleTxCap int64 `json:"singleTxCap"`
}

func encodeLimits(limits map[domain.LimitType]domain.LimitCaps) ([]byte, error) {
	records := make(map[domain.LimitType]limitCapsRecord, len(limits))
	for limitType, caps := range limits {
		records[limitType] = limitCapsRecord{DailyCap: caps.DailyCap, MonthlyCap: caps.MonthlyCap, SingleTxCap: caps.SingleTxCap}
	}
	return json.Marshal(records)
}

func decodeLimits(raw []byte) (map[domain.LimitType]domain.LimitCaps, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records map[domain.LimitType]limitCapsRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	limits := make(map[domain.LimitType]domain.LimitCaps, len(records))
	for limitType, rec := range records {
		limits[limitType] = domain.LimitCaps{DailyCap: rec.DailyCap, MonthlyCap: rec.MonthlyCap, SingleTxCap: rec.SingleTxCap}
	}
	return limits, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		account      domain.Account
		frozenReason sql.NullString
		frozenUntil  sql.NullTime
		timezone     sql.NullString
		limits       []byte
	)
	if err := row.Scan(
		&account.ID,
		&account.OwnerID,
		&account.Balance,
		&account.Currency,
		&account.IsActive,
		&account.Frozen.Frozen,
		&frozenReason,
		&frozenUntil,
		&timezone,
		&limits,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return domain.Account{}, err
	}

	decoded, err := decodeLimits(limits)
	if err != nil {
		return domain.Account{}, fmt.Errorf("decode limits for account %s: %w", account.ID, err)
	}
	account.Limits = decoded
	account.Frozen.Reason = frozenReason.String
	account.Frozen.Until = timePtr(frozenUntil)
	account.Timezone = timezone.String
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()
	return account, nil
}

func getAccount(ctx context.Context, q querier, id string, forUpdate bool) (domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	account, err := scanAccount(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return account, nil
}

func insertAccount(ctx context.Context, q querier, account domain.Account) error {
	limits, err := encodeLimits(account.Limits)
	if err != nil {
		return fmt.Errorf("encode limits: %w", err)
	}
	if account.Version == 0 {
		account.Version = 1
	}

	const query = `
INSERT INTO accounts (
	id, owner_id, balance, currency, is_active, frozen, frozen_reason, frozen_until, timezone, limits, version, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10, $11, $12, $12)`

	_, err = q.ExecContext(ctx, query,
		account.ID,
		account.OwnerID,
		account.Balance,
		account.Currency,
		account.IsActive,
		account.Frozen.Frozen,
		account.Frozen.Reason,
		nullTime(account.Frozen.Until),
		account.Timezone,
		string(limits),
		account.Version,
		account.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert account %s: %w", account.ID, domain.ErrDuplicateReference)
	}
	if err != nil {
		return fmt.Errorf("insert account %s: %w", account.ID, err)
	}
	return nil
}

// AccountRepository serves account reads outside any unit of work.
type AccountRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *AccountRepository) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	account, err := getAccount(ctx, r.db, id, false)
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		logger.Error("account repository get failed", err, logger.Fields{"accountId": id})
	}
	return account, err
}

func (r *AccountRepository) ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		logger.Error("account repository list by owner failed", err, logger.Fields{"ownerId": ownerID})
		return nil, fmt.Errorf("list accounts by owner: %w", err)
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

// CreateAccount stores an account outside a unit of work; seeding and
// fixtures use it.
func (r *AccountRepository) CreateAccount(ctx context.Context, account domain.Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = r.now()
	}
	logger.Info("account repository create", logger.Fields{
		"accountId": account.ID,
		"ownerId":   account.OwnerID,
		"currency":  account.Currency,
	})
	return insertAccount(ctx, r.db, account)
}

package memory

import (
	"context"
	"fmt"

	"github.com/api-sage/ledger-engine/src/internal/domain"
)

type stagedAccount struct {
	account     domain.Account
	baseVersion int64
	inserted    bool
}

type stagedTransaction struct {
	txn domain.Transaction
	// expected is the committed status the first update in this unit saw.
	expected domain.TransactionStatus
	inserted bool
}

type stagedUsage struct {
	usage       domain.LimitUsage
	baseVersion int64
}

// unitOfWork stages writes against Store. Reads see its own staged writes
// first, then committed state.
type unitOfWork struct {
	store        *Store
	accounts     map[string]*stagedAccount
	transactions map[string]*stagedTransaction
	inserted     []string
	usage        map[usageKey]*stagedUsage
	feeRevenue   map[string]int64
	audit        []domain.AuditLogEntry
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unit := &unitOfWork{
		store:        s,
		accounts:     make(map[string]*stagedAccount),
		transactions: make(map[string]*stagedTransaction),
		usage:        make(map[usageKey]*stagedUsage),
		feeRevenue:   make(map[string]int64),
	}
	if err := fn(unit); err != nil {
		return err
	}
	return unit.commit()
}

func (t *unitOfWork) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	if staged, ok := t.accounts[id]; ok {
		return cloneAccount(staged.account), nil
	}
	return t.store.GetAccount(ctx, id)
}

func (t *unitOfWork) GetLimitUsage(ctx context.Context, accountID string, limitType domain.LimitType, period domain.LimitPeriod) (domain.LimitUsage, error) {
	if staged, ok := t.usage[usageKey{accountID, limitType, period}]; ok {
		return staged.usage, nil
	}
	return t.store.GetLimitUsage(ctx, accountID, limitType, period)
}

func (t *unitOfWork) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	if staged, ok := t.transactions[id]; ok {
		return staged.txn, nil
	}
	return t.store.GetTransaction(ctx, id)
}

func (t *unitOfWork) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	if _, err := t.GetTransaction(ctx, txn.ID); err == nil {
		return fmt.Errorf("insert transaction %s: %w", txn.ID, domain.ErrDuplicateReference)
	}
	t.transactions[txn.ID] = &stagedTransaction{txn: txn, inserted: true}
	t.inserted = append(t.inserted, txn.ID)
	return nil
}

func (t *unitOfWork) UpdateTransaction(ctx context.Context, txn domain.Transaction, expected domain.TransactionStatus) error {
	current, err := t.GetTransaction(ctx, txn.ID)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", txn.ID, err)
	}
	if current.Status != expected {
		return fmt.Errorf("update transaction %s: %w", txn.ID, domain.ErrConcurrentModification)
	}

	if staged, ok := t.transactions[txn.ID]; ok {
		staged.txn = txn
		return nil
	}
	t.transactions[txn.ID] = &stagedTransaction{txn: txn, expected: expected}
	return nil
}

func (t *unitOfWork) InsertAccount(ctx context.Context, account domain.Account) error {
	if _, err := t.GetAccount(ctx, account.ID); err == nil {
		return fmt.Errorf("insert account %s: %w", account.ID, domain.ErrDuplicateReference)
	}
	if account.Version == 0 {
		account.Version = 1
	}
	t.accounts[account.ID] = &stagedAccount{account: cloneAccount(account), inserted: true}
	return nil
}

func (t *unitOfWork) UpdateAccountBalance(ctx context.Context, account domain.Account) error {
	return t.stageAccount(ctx, account, func(stored *domain.Account) {
		stored.Balance = account.Balance
	})
}

func (t *unitOfWork) UpdateAccountFreeze(ctx context.Context, account domain.Account) error {
	return t.stageAccount(ctx, account, func(stored *domain.Account) {
		stored.Frozen = account.Frozen
	})
}

func (t *unitOfWork) stageAccount(ctx context.Context, account domain.Account, apply func(*domain.Account)) error {
	current, err := t.GetAccount(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("update account %s: %w", account.ID, err)
	}
	if current.Version != account.Version {
		return fmt.Errorf("update account %s: %w", account.ID, domain.ErrConcurrentModification)
	}

	staged, ok := t.accounts[account.ID]
	if !ok {
		staged = &stagedAccount{baseVersion: current.Version}
		t.accounts[account.ID] = staged
	}
	apply(&current)
	current.Version++
	current.UpdatedAt = t.store.now()
	staged.account = current
	return nil
}

func (t *unitOfWork) SaveLimitUsage(ctx context.Context, usage domain.LimitUsage) error {
	key := usageKey{usage.AccountID, usage.LimitType, usage.Period}

	current, err := t.GetLimitUsage(ctx, usage.AccountID, usage.LimitType, usage.Period)
	switch {
	case err == nil && current.Version != usage.Version:
		return fmt.Errorf("save limit usage %s/%s/%s: %w", usage.AccountID, usage.LimitType, usage.Period, domain.ErrConcurrentModification)
	case err != nil && usage.Version != 0:
		return fmt.Errorf("save limit usage %s/%s/%s: %w", usage.AccountID, usage.LimitType, usage.Period, domain.ErrConcurrentModification)
	}

	staged, ok := t.usage[key]
	if !ok {
		staged = &stagedUsage{baseVersion: usage.Version}
		t.usage[key] = staged
	}
	usage.Version++
	usage.UpdatedAt = t.store.now()
	staged.usage = usage
	return nil
}

func (t *unitOfWork) AddFeeRevenue(_ context.Context, currency string, amount int64) error {
	t.feeRevenue[currency] += amount
	return nil
}

func (t *unitOfWork) InsertAuditEntry(_ context.Context, entry domain.AuditLogEntry) error {
	t.audit = append(t.audit, entry)
	return nil
}

func (t *unitOfWork) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, staged := range t.accounts {
		stored, ok := s.accounts[id]
		if staged.inserted {
			if ok {
				return fmt.Errorf("commit account %s: %w", id, domain.ErrDuplicateReference)
			}
			continue
		}
		if !ok || stored.Version != staged.baseVersion {
			return fmt.Errorf("commit account %s: %w", id, domain.ErrConcurrentModification)
		}
	}
	for id, staged := range t.transactions {
		stored, exists := s.transactions[id]
		if staged.inserted {
			if exists {
				return fmt.Errorf("commit transaction %s: %w", id, domain.ErrDuplicateReference)
			}
			continue
		}
		if !exists || stored.Status != staged.expected {
			return fmt.Errorf("commit transaction %s: %w", id, domain.ErrConcurrentModification)
		}
	}
	for key, staged := range t.usage {
		stored, ok := s.usage[key]
		var version int64
		if ok {
			version = stored.Version
		}
		if version != staged.baseVersion {
			return fmt.Errorf("commit limit usage %s/%s/%s: %w", key.accountID, key.limitType, key.period, domain.ErrConcurrentModification)
		}
	}

	for id, staged := range t.accounts {
		s.accounts[id] = cloneAccount(staged.account)
	}
	for id, staged := range t.transactions {
		s.transactions[id] = staged.txn
	}
	s.order = append(s.order, t.inserted...)
	for key, staged := range t.usage {
		s.usage[key] = staged.usage
	}
	for currency, amount := range t.feeRevenue {
		s.feeRevenue[currency] += amount
	}
	s.audit = append(s.audit, t.audit...)
	return nil
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
)

type usageKey struct {
	accountID string
	limitType domain.LimitType
	period    domain.LimitPeriod
}

// Store keeps the whole ledger in process memory. Units of work stage their
// writes and apply them under one lock after version checks, the same
// optimistic discipline the postgres store gets from row versions.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]domain.Account
	transactions map[string]domain.Transaction
	order        []string
	usage        map[usageKey]domain.LimitUsage
	feeRevenue   map[string]int64
	audit        []domain.AuditLogEntry
	now          func() time.Time
}

func NewStore() *Store {
	return &Store{
		accounts:     make(map[string]domain.Account),
		transactions: make(map[string]domain.Transaction),
		usage:        make(map[usageKey]domain.LimitUsage),
		feeRevenue:   make(map[string]int64),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CreateAccount stores an account outside any caller unit of work.
func (s *Store) CreateAccount(ctx context.Context, account domain.Account) error {
	if strings.TrimSpace(account.ID) == "" {
		return fmt.Errorf("create account: id is required")
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now()
	}
	account.UpdatedAt = account.CreatedAt
	return s.WithinTx(ctx, func(tx domain.LedgerTx) error {
		return tx.InsertAccount(ctx, account)
	})
}

func (s *Store) GetAccount(_ context.Context, id string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrRecordNotFound
	}
	return cloneAccount(account), nil
}

func (s *Store) ListAccountsByOwner(_ context.Context, ownerID string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0)
	for _, account := range s.accounts {
		if account.OwnerID == ownerID {
			out = append(out, cloneAccount(account))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetLimitUsage(_ context.Context, accountID string, limitType domain.LimitType, period domain.LimitPeriod) (domain.LimitUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usage, ok := s.usage[usageKey{accountID, limitType, period}]
	if !ok {
		return domain.LimitUsage{}, domain.ErrRecordNotFound
	}
	return usage, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.transactions[id]
	if !ok {
		return domain.Transaction{}, domain.ErrRecordNotFound
	}
	return txn, nil
}

func (s *Store) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	return s.WithinTx(ctx, func(tx domain.LedgerTx) error {
		return tx.InsertTransaction(ctx, txn)
	})
}

func (s *Store) UpdateTransaction(ctx context.Context, txn domain.Transaction, expected domain.TransactionStatus) error {
	return s.WithinTx(ctx, func(tx domain.LedgerTx) error {
		return tx.UpdateTransaction(ctx, txn, expected)
	})
}

// FindTransactionByReference returns the newest transaction from the account
// carrying reference.
func (s *Store) FindTransactionByReference(_ context.Context, fromAccountID string, reference string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		txn := s.transactions[s.order[i]]
		if txn.FromAccountID == fromAccountID && txn.Reference == reference {
			return txn, nil
		}
	}
	return domain.Transaction{}, domain.ErrRecordNotFound
}

func (s *Store) FindReversalOf(_ context.Context, originalID string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		txn := s.transactions[s.order[i]]
		if txn.Type != domain.TransactionTypeReversal || txn.ReversalOfID == nil || *txn.ReversalOfID != originalID {
			continue
		}
		if txn.Status == domain.TransactionStatusFailed {
			continue
		}
		return txn, nil
	}
	return domain.Transaction{}, domain.ErrRecordNotFound
}

// ListTransactions returns newest first.
func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make(map[string]struct{}, len(filter.AccountIDs))
	for _, id := range filter.AccountIDs {
		accounts[id] = struct{}{}
	}

	matched := make([]domain.Transaction, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		txn := s.transactions[s.order[i]]
		if len(accounts) > 0 {
			_, from := accounts[txn.FromAccountID]
			_, to := accounts[txn.ToAccountID]
			if !from && !to {
				continue
			}
		}
		if filter.Status != "" && txn.Status != filter.Status {
			continue
		}
		if filter.Type != "" && txn.Type != filter.Type {
			continue
		}
		if filter.From != nil && txn.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !txn.CreatedAt.Before(*filter.To) {
			continue
		}
		matched = append(matched, txn)
	}

	return paginate(matched, filter.Page, filter.Limit), len(matched), nil
}

func (s *Store) ListPending(_ context.Context, filter domain.PendingFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, 0)
	for _, id := range s.order {
		txn := s.transactions[id]
		if txn.Status != domain.TransactionStatusPending {
			continue
		}
		due := (txn.ScheduledFor != nil && !txn.ScheduledFor.After(filter.DueBefore)) ||
			(txn.ExpiresAt != nil && !txn.ExpiresAt.After(filter.DueBefore))
		if !due {
			continue
		}
		out = append(out, txn)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) FeeRevenue(_ context.Context, currency string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feeRevenue[currency], nil
}

func (s *Store) InsertAuditEntry(_ context.Context, entry domain.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) QueryAuditEntries(_ context.Context, filter domain.AuditFilter) ([]domain.AuditLogEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchAudit(filter)
	return paginate(matched, filter.Page, filter.Limit), len(matched), nil
}

func (s *Store) CountAuditEntries(_ context.Context, filter domain.AuditFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matchAudit(filter)), nil
}

func (s *Store) DeleteAuditEntriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audit[:0]
	var removed int64
	for _, entry := range s.audit {
		if entry.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.audit = kept
	return removed, nil
}

func (s *Store) matchAudit(filter domain.AuditFilter) []domain.AuditLogEntry {
	matched := make([]domain.AuditLogEntry, 0)
	for _, entry := range s.audit {
		if filter.UserID != "" && (entry.UserID == nil || *entry.UserID != filter.UserID) {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.Resource != "" && entry.Resource != filter.Resource {
			continue
		}
		if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
			continue
		}
		if filter.From != nil && entry.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !entry.CreatedAt.Before(*filter.To) {
			continue
		}
		matched = append(matched, entry)
	}

	// Entries sit in commit order, so equal timestamps keep commit order too.
	if filter.Ascending {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
		return matched
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return matched
}

// paginate treats limit <= 0 as "everything".
func paginate[T any](items []T, page, limit int) []T {
	if limit <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func cloneAccount(account domain.Account) domain.Account {
	if account.Limits != nil {
		limits := make(map[domain.LimitType]domain.LimitCaps, len(account.Limits))
		for k, v := range account.Limits {
			limits[k] = v
		}
		account.Limits = limits
	}
	if account.Frozen.Until != nil {
		until := *account.Frozen.Until
		account.Frozen.Until = &until
	}
	return account
}

package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/repository/memory"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	for _, id := range []string{"acc-1", "acc-2"} {
		require.NoError(t, store.CreateAccount(context.Background(), domain.Account{
			ID:        id,
			OwnerID:   "owner-" + id,
			Balance:   1000,
			Currency:  "USD",
			IsActive:  true,
			CreatedAt: base,
		}))
	}
	return store
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	store := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		account, err := tx.GetAccount(ctx, "acc-1")
		require.NoError(t, err)
		account.Balance = 0
		require.NoError(t, tx.UpdateAccountBalance(ctx, account))

		staged, err := tx.GetAccount(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), staged.Balance, "a unit sees its own writes")

		require.NoError(t, tx.AddFeeRevenue(ctx, "USD", 50))
		require.NoError(t, tx.InsertAuditEntry(ctx, domain.AuditLogEntry{ID: "a-1", CreatedAt: base}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	account, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), account.Balance)
	assert.Equal(t, int64(1), account.Version)

	revenue, err := store.FeeRevenue(ctx, "USD")
	require.NoError(t, err)
	assert.Zero(t, revenue)

	count, err := store.CountAuditEntries(ctx, domain.AuditFilter{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWithinTxDetectsStaleVersions(t *testing.T) {
	store := seeded(t)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		account, err := tx.GetAccount(ctx, "acc-1")
		require.NoError(t, err)

		// A competing unit commits first.
		require.NoError(t, store.WithinTx(ctx, func(other domain.LedgerTx) error {
			competing, err := other.GetAccount(ctx, "acc-1")
			require.NoError(t, err)
			competing.Balance = 900
			return other.UpdateAccountBalance(ctx, competing)
		}))

		account.Balance = 500
		return tx.UpdateAccountBalance(ctx, account)
	})
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	account, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), account.Balance)
	assert.Equal(t, int64(2), account.Version)
}

func TestUpdateAccountRejectsWrongVersion(t *testing.T) {
	store := seeded(t)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		account, err := tx.GetAccount(ctx, "acc-1")
		require.NoError(t, err)
		account.Version = 7
		return tx.UpdateAccountFreeze(ctx, account)
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
}

func TestTransactionStatusCompareAndSwap(t *testing.T) {
	store := seeded(t)
	ctx := context.Background()

	txn := domain.Transaction{
		ID:            "txn-1",
		FromAccountID: "acc-1",
		ToAccountID:   "acc-2",
		Amount:        100,
		Currency:      "USD",
		Type:          domain.TransactionTypeTransfer,
		Status:        domain.TransactionStatusPending,
		Reference:     "ref-1",
		CreatedAt:     base,
	}
	require.NoError(t, store.InsertTransaction(ctx, txn))
	assert.ErrorIs(t, store.InsertTransaction(ctx, txn), domain.ErrDuplicateReference)

	txn.Status = domain.TransactionStatusProcessing
	require.NoError(t, store.UpdateTransaction(ctx, txn, domain.TransactionStatusPending))

	txn.Status = domain.TransactionStatusCancelled
	assert.ErrorIs(t, store.UpdateTransaction(ctx, txn, domain.TransactionStatusPending), domain.ErrConcurrentModification)

	stored, err := store.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusProcessing, stored.Status)

	found, err := store.FindTransactionByReference(ctx, "acc-1", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "txn-1", found.ID)

	_, err = store.FindTransactionByReference(ctx, "acc-2", "ref-1")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestLimitUsageVersions(t *testing.T) {
	store := seeded(t)
	ctx := context.Background()

	usage := domain.LimitUsage{
		AccountID:   "acc-1",
		LimitType:   domain.LimitTypeTransfer,
		Period:      domain.LimitPeriodDay,
		UsedAmount:  100,
		WindowStart: base,
		ResetAt:     base.Add(24 * time.Hour),
	}
	require.NoError(t, store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		return tx.SaveLimitUsage(ctx, usage)
	}))

	// Inserting again as if the row were new conflicts.
	err := store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		return tx.SaveLimitUsage(ctx, usage)
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	stored, err := store.GetLimitUsage(ctx, "acc-1", domain.LimitTypeTransfer, domain.LimitPeriodDay)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)

	stored.UsedAmount = 250
	require.NoError(t, store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		return tx.SaveLimitUsage(ctx, stored)
	}))

	stored, err = store.GetLimitUsage(ctx, "acc-1", domain.LimitTypeTransfer, domain.LimitPeriodDay)
	require.NoError(t, err)
	assert.Equal(t, int64(250), stored.UsedAmount)
	assert.Equal(t, int64(2), stored.Version)

	_, err = store.GetLimitUsage(ctx, "acc-1", domain.LimitTypeTransfer, domain.LimitPeriodMonth)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestListPendingDueOnly(t *testing.T) {
	store := seeded(t)
	ctx := context.Background()

	due := base.Add(time.Hour)
	later := base.Add(5 * time.Hour)
	expires := base.Add(30 * time.Minute)

	for _, txn := range []domain.Transaction{
		{ID: "due", Status: domain.TransactionStatusPending, ScheduledFor: &due, CreatedAt: base},
		{ID: "later", Status: domain.TransactionStatusPending, ScheduledFor: &later, CreatedAt: base},
		{ID: "expiring", Status: domain.TransactionStatusPending, ExpiresAt: &expires, CreatedAt: base},
		{ID: "done", Status: domain.TransactionStatusCompleted, ScheduledFor: &due, CreatedAt: base},
	} {
		require.NoError(t, store.InsertTransaction(ctx, txn))
	}

	pending, err := store.ListPending(ctx, domain.PendingFilter{DueBefore: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, txn := range pending {
		ids = append(ids, txn.ID)
	}
	assert.Equal(t, []string{"due", "expiring"}, ids)

	limited, err := store.ListPending(ctx, domain.PendingFilter{DueBefore: base.Add(2 * time.Hour), Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAuditOrderingAndPaging(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	user := "owner-1"

	for i, at := range []time.Duration{2 * time.Minute, 0, time.Minute, time.Minute} {
		entry := domain.AuditLogEntry{
			ID:        string(rune('a' + i)),
			Action:    domain.AuditActionTransactionCreated,
			CreatedAt: base.Add(at),
		}
		if i%2 == 0 {
			entry.UserID = &user
		}
		require.NoError(t, store.InsertAuditEntry(ctx, entry))
	}

	ids := func(entries []domain.AuditLogEntry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.ID)
		}
		return out
	}

	asc, total, err := store.QueryAuditEntries(ctx, domain.AuditFilter{Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"b", "c", "d", "a"}, ids(asc))

	desc, _, err := store.QueryAuditEntries(ctx, domain.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d", "c", "b"}, ids(desc))

	page, total, err := store.QueryAuditEntries(ctx, domain.AuditFilter{Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"b"}, ids(page))

	mine, _, err := store.QueryAuditEntries(ctx, domain.AuditFilter{UserID: user, Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(mine))

	from := base.Add(time.Minute)
	to := base.Add(2 * time.Minute)
	windowed, err := store.CountAuditEntries(ctx, domain.AuditFilter{From: &from, To: &to})
	require.NoError(t, err)
	assert.Equal(t, 2, windowed)

	removed, err := store.DeleteAuditEntriesBefore(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

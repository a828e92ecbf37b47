package implementations_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/repository/implementations"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB runs the migrations against LEDGER_TEST_DATABASE_DSN and skips
// when it is not set.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, implementations.RunMigrations(ctx, dsn, "../../../../migrations"))
	db, err := implementations.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresLedgerRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	accounts := implementations.NewAccountRepository(db)
	ledger := implementations.NewLedgerRepository(db)
	audit := implementations.NewAuditRepository(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	from := domain.Account{
		ID:       "it-" + uuid.NewString(),
		OwnerID:  "owner-it",
		Balance:  10000,
		Currency: "USD",
		IsActive: true,
		Limits:   map[domain.LimitType]domain.LimitCaps{domain.LimitTypeTransfer: {DailyCap: 50000}},
	}
	to := domain.Account{ID: "it-" + uuid.NewString(), OwnerID: "owner-it", Currency: "USD", IsActive: true}
	require.NoError(t, accounts.CreateAccount(ctx, from))
	require.NoError(t, accounts.CreateAccount(ctx, to))
	assert.ErrorIs(t, accounts.CreateAccount(ctx, to), domain.ErrDuplicateReference)

	stored, err := accounts.GetAccount(ctx, from.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), stored.Limits[domain.LimitTypeTransfer].DailyCap)
	assert.Equal(t, int64(1), stored.Version)

	txn := domain.Transaction{
		ID:            uuid.NewString(),
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        2500,
		NetAmount:     2500,
		Currency:      "USD",
		Type:          domain.TransactionTypeTransfer,
		Status:        domain.TransactionStatusProcessing,
		Reference:     "ref-" + uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	user := "owner-it"

	err = ledger.WithinTx(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.InsertTransaction(ctx, txn))

		src, err := tx.GetAccount(ctx, from.ID)
		require.NoError(t, err)
		dst, err := tx.GetAccount(ctx, to.ID)
		require.NoError(t, err)
		src.Balance -= txn.Amount
		dst.Balance += txn.NetAmount
		require.NoError(t, tx.UpdateAccountBalance(ctx, src))
		require.NoError(t, tx.UpdateAccountBalance(ctx, dst))

		require.NoError(t, tx.SaveLimitUsage(ctx, domain.LimitUsage{
			AccountID:   from.ID,
			LimitType:   domain.LimitTypeTransfer,
			Period:      domain.LimitPeriodDay,
			UsedAmount:  txn.Amount,
			WindowStart: now.Truncate(24 * time.Hour),
			ResetAt:     now.Truncate(24 * time.Hour).Add(24 * time.Hour),
		}))

		completed, err := txn.Transition(domain.TransactionStatusCompleted, now)
		require.NoError(t, err)
		require.NoError(t, tx.UpdateTransaction(ctx, completed, domain.TransactionStatusProcessing))

		return tx.InsertAuditEntry(ctx, domain.AuditLogEntry{
			ID:         uuid.NewString(),
			UserID:     &user,
			Action:     domain.AuditActionTransactionCompleted,
			Resource:   domain.AuditResourceTransaction,
			ResourceID: txn.ID,
			NewValues:  map[string]any{"status": "COMPLETED"},
			CreatedAt:  now,
		})
	})
	require.NoError(t, err)

	src, err := ledger.GetAccount(ctx, from.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), src.Balance)
	assert.Equal(t, int64(2), src.Version)

	got, err := ledger.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	found, err := ledger.FindTransactionByReference(ctx, from.ID, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, found.ID)

	usage, err := ledger.GetLimitUsage(ctx, from.ID, domain.LimitTypeTransfer, domain.LimitPeriodDay)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), usage.UsedAmount)
	assert.Equal(t, int64(1), usage.Version)

	entries, total, err := audit.QueryAuditEntries(ctx, domain.AuditFilter{ResourceID: txn.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "COMPLETED", entries[0].NewValues["status"])

	list, total, err := ledger.ListTransactions(ctx, domain.TransactionFilter{AccountIDs: []string{to.ID}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)
}

func TestPostgresCompareAndSwapConflicts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	accounts := implementations.NewAccountRepository(db)
	ledger := implementations.NewLedgerRepository(db)

	account := domain.Account{ID: "it-" + uuid.NewString(), OwnerID: "owner-it", Balance: 100, Currency: "USD", IsActive: true}
	require.NoError(t, accounts.CreateAccount(ctx, account))

	err := ledger.WithinTx(ctx, func(tx domain.LedgerTx) error {
		stale := account
		stale.Version = 5
		stale.Balance = 0
		return tx.UpdateAccountBalance(ctx, stale)
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	now := time.Now().UTC()
	txn := domain.Transaction{
		ID:            uuid.NewString(),
		FromAccountID: account.ID,
		ToAccountID:   account.ID + "-dst",
		Amount:        10,
		NetAmount:     10,
		Currency:      "USD",
		Type:          domain.TransactionTypeTransfer,
		Status:        domain.TransactionStatusPending,
		Reference:     "ref-" + uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, ledger.InsertTransaction(ctx, txn))
	assert.ErrorIs(t, ledger.InsertTransaction(ctx, txn), domain.ErrDuplicateReference)

	cancelled, err := txn.Transition(domain.TransactionStatusCancelled, now)
	require.NoError(t, err)
	assert.ErrorIs(t, ledger.UpdateTransaction(ctx, cancelled, domain.TransactionStatusProcessing), domain.ErrConcurrentModification)
	require.NoError(t, ledger.UpdateTransaction(ctx, cancelled, domain.TransactionStatusPending))

	stored, err := ledger.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.Balance)
}

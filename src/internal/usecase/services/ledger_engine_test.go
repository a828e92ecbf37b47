package services_test

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/adapter/repository/memory"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/usecase/services"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCreateTransactionTransferWithFee(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "acc-1", "owner-1", 100000)
	h.seed(t, "acc-2", "owner-2", 0)

	resp, err := h.transfer("acc-1", "acc-2", "500.00", ownerOne)
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionStatusCompleted, resp.Status)
	assert.Equal(t, "500.00", resp.Amount)
	assert.Equal(t, "5.00", resp.Fee)
	assert.Equal(t, "495.00", resp.NetAmount)
	assert.Equal(t, "USD", resp.Currency)
	assert.NotNil(t, resp.CompletedAt)
	assert.Len(t, resp.Reference, 30)

	assert.Equal(t, int64(50000), h.balance(t, "acc-1"))
	assert.Equal(t, int64(49500), h.balance(t, "acc-2"))

	revenue, err := h.store.FeeRevenue(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(500), revenue)

	assert.Equal(t, []domain.AuditAction{domain.AuditActionTransactionCreated, domain.AuditActionTransactionCompleted}, h.auditActions(t, resp.ID))

	completed := h.events.ofType(domain.EventTransactionCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, resp.ID, completed[0].TransactionID)
	assert.Equal(t, "owner-1", completed[0].UserID)
}

func TestCreateTransactionConservesMoney(t *testing.T) {
	h := newHarness(t)
	ids := []string{"acc-a", "acc-b", "acc-c"}
	for _, id := range ids {
		h.seed(t, id, "owner-1", 1_000_000)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 60; i++ {
		from := ids[rng.Intn(len(ids))]
		to := ids[rng.Intn(len(ids))]
		if from == to {
			continue
		}
		amount := decimal.New(int64(rng.Intn(50000)+1), -2)
		_, _ = h.transfer(from, to, amount.String(), ownerOne)
	}

	var total int64
	for _, id := range ids {
		balance := h.balance(t, id)
		assert.GreaterOrEqual(t, balance, int64(0))
		total += balance
	}
	revenue, err := h.store.FeeRevenue(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), total+revenue)
}

func TestCreateTransactionFaultBetweenDebitAndCreditLeavesNoTrace(t *testing.T) {
	var faulty *faultyStore
	h := newHarness(t, withStore(func(s *memory.Store) domain.LedgerStore {
		faulty = &faultyStore{Store: s, creditFault: errors.New("simulated crash after debit")}
		return faulty
	}))
	h.seed(t, "acc-1", "owner-1", 100000, withLimits(domain.LimitTypeTransfer, domain.LimitCaps{DailyCap: 500000}))
	h.seed(t, "acc-2", "owner-2", 0)

	var observedSource, observedDestination int64
	faulty.atFault = func() {
		observedSource = h.balance(t, "acc-1")
		observedDestination = h.balance(t, "acc-2")
	}

	resp, err := h.transfer("acc-1", "acc-2", "500.00", ownerOne)
	require.Error(t, err)
	assert.Equal(t, domain.KindStorageFailure, domain.KindOf(err))
	assert.Equal(t, domain.TransactionStatusFailed, resp.Status)

	// The debit was staged but never visible outside the unit of work.
	assert.Equal(t, int64(100000), observedSource)
	assert.Equal(t, int64(0), observedDestination)

	assert.Equal(t, int64(100000), h.balance(t, "acc-1"))
	assert.Equal(t, int64(0), h.balance(t, "acc-2"))

	revenue, err := h.store.FeeRevenue(context.Background(), "USD")
	require.NoError(t, err)
	assert.Zero(t, revenue)

	_, err = h.store.GetLimitUsage(context.Background(), "acc-1", domain.LimitTypeTransfer, domain.LimitPeriodDay)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound, "a rolled back commit must not consume limits")

	failed := h.stored(t, resp.ID)
	assert.Equal(t, domain.TransactionStatusFailed, failed.Status)
	assert.NotEmpty(t, failed.FailedReason)
	assert.Equal(t, []domain.AuditAction{domain.AuditActionTransactionCreated, domain.AuditActionTransactionFailed}, h.auditActions(t, resp.ID))
	assert.Len(t, h.events.ofType(domain.EventTransactionFailed), 1)
}

func TestCreateTransactionRetriesConcurrentModification(t *testing.T) {
	var faulty *faultyStore
	h := newHarness(t, withStore(func(s *memory.Store) domain.LedgerStore {
		faulty = &faultyStore{Store: s, conflictsLeft: 1}
		return faulty
	}))
	h.seed(t, "acc-1", "owner-1", 100000)
	h.seed(t, "acc-2", "owner-2", 0)

	resp, err := h.transfer("acc-1", "acc-2", "500.00", ownerOne)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, resp.Status)
	assert.Equal(t, 2, faulty.debitAttempts)

	assert.Equal(t, int64(50000), h.balance(t, "acc-1"))
	assert.Equal(t, int64(49500), h.balance(t, "acc-2"))
	assert.Equal(t, []domain.AuditAction{domain.AuditActionTransactionCreated, domain.AuditActionTransactionCompleted}, h.auditActions(t, resp.ID))
}

func TestCreateTransactionGivesUpAfterMaxCommitAttempts(t *testing.T) {
	var faulty *faultyStore
	h := newHarness(t, withStore(func(s *memory.Store) domain.LedgerStore {
		faulty = &faultyStore{Store: s, conflictsLeft: 100}
		return faulty
	}))
	h.seed(t, "acc-1", "owner-1", 100000)
	h.seed(t, "acc-2", "owner-2", 0)

	resp, err := h.transfer("acc-1", "acc-2", "500.00", ownerOne)
	require.Error(t, err)
	assert.Equal(t, domain.KindConcurrentModification, domain.KindOf(err))
	assert.Equal(t, domain.TransactionStatusFailed, resp.Status)
	assert.Equal(t, 5, faulty.debitAttempts)
	assert.Equal(t, int64(100000), h.balance(t, "acc-1"))
}

func TestCreateTransactionInsufficientFundsPersistsFailedRecord(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "acc-1", "owner-1", 10000)
	h.seed(t, "acc-2", "owner-2", 0)

	resp, err := h.transfer("acc-1", "acc-2", "500.00", ownerOne)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.TransactionStatusFailed, resp.Status)
	assert.Equal(t, "5.00", resp.Fee)

	failed := h.stored(t, resp.ID)
	assert.Equal(t, domain.TransactionStatusFailed, failed.Status)
	assert.Equal(t, []domain.AuditAction{domain.AuditActionTransactionFailed}, h.auditActions(t, resp.ID))
	assert.Equal(t, int64(10000), h.balance(t, "acc-1"))
	assert.Len(t, h.events.ofType(domain.EventTransactionFailed), 1)
}

func TestCreateTransactionRejectionWithoutEnoughDataIsAuditedOnly(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "acc-1", "owner-1", 10000)

	_, err := h.transfer("acc-1", "acc-1", "10.00", ownerOne)
	require.ErrorIs(t, err, domain.ErrSameAccount)

	_, err = h.transfer("missing", "acc-1", "10.00", ownerOne)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	txns, total, err := h.store.ListTransactions(context.Background(), domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, txns)

	rejected, err := h.store.CountAuditEntries(context.Background(), domain.AuditFilter{Action: domain.AuditActionTransactionRejected})
	require.NoError(t, err)
	assert.Equal(t, 2, rejected)
}

func TestCreateTransactionRejectsCallerSubmittedReversal(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "acc-1", "owner-1", 10000)
	h.seed(t, "acc-2", "owner-2", 0)

	req := transferRequest("acc-1", "acc-2", "10.00")
	req.Type = domain.TransactionTypeReversal
	_, err := h.engine.CreateTransaction(context.Background(), req, admin)
	assert.ErrorIs(t, err, domain.ErrInvalidTransactionType)

	req.Type = "BOGUS"
	_, err = h.engine.CreateTransaction(context.Background(), req, admin)
	assert.ErrorIs(t, err, domain.ErrInvalidTransactionType)
}

func TestCreateTransactionShapeValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateTransaction(context.Background(), models.CreateTransactionRequest{}, ownerOne)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateTransactionIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "acc-1", "owner-1", 100000)
	h.seed(t, "acc-2", "owner-2", 0)

	req := transferRequest("acc-1", "acc-2", "500.00")
	req.Reference = "invoice-77"

	first, err := h.engine.CreateTransaction(context.Background(), req, ownerOne)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := h.engine.CreateTransaction(context.Background(), req, ownerOne)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.TransactionStatusCompleted, second.Status)

	assert.Equal(t, int64(50000), h.balance(t, "acc-1"))
	assert.Len(t, h.events.ofType(domain.EventTransactionCompleted), 1)
}

func TestCreateTransactionConcurrentDuplicatesDebitOnce(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "acc-1", "owner-1", 100000)
	h.seed(t, "acc-2", "owner-2", 0)

	req := transferRequest("acc-1", "acc-2", "500.00")
	req.Reference = "invoice-88"

	var (
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			resp, err := h.engine.CreateTransaction(context.Background(), req, ownerOne)
			if err != nil {
				return err
			}
			mu.Lock()
			ids[resp.ID] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, ids, 1)
	assert.Equal(t, int64(50000), h.balance(t, "acc-1"))
	assert.Equal(t, int64(49500), h.balance(t, "acc-2"))
}

func TestCreateTransactionReferenceReleasedAfterWindowOrFailure(t *testing.T) {
	h := newHarness(t, withFees(noFees))
	h.seed(t, "acc-1", "owner-1", 30000)
	h.seed(t, "acc-2", "owner-2", 0)
	h.seed(t, "acc-3", "owner-1", 100000)

	req := transferRequest("acc-1", "acc-2", "500.00")
	req.Reference = "rent"

	failed, err := h.engine.CreateTransaction(context.Background(), req, ownerOne)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = h.transfer("acc-3", "acc-1", "500.00", ownerOne)
	require.NoError(t, err)

	// A FAILED attempt does not hold the reference.
	retried, err := h.engine.CreateTransaction(context.Background(), req, ownerOne)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retried.ID)
	assert.False(t, retried.Replayed)

	h.clock.Advance(25 * time.Hour)
	_, err = h.transfer("acc-3", "acc-1", "500.00", ownerOne)
	require.NoError(t, err)

	// Outside the window the same reference books a new transaction.
	later, err := h.engine.CreateTransaction(context.Background(), req, ownerOne)
	require.NoError(t, err)
	assert.NotEqual(t, retried.ID, later.ID)
	assert.Equal(t, int64(30000), h.balance(t, "acc-1"))
	assert.Equal(t, int64(100000), h.balance(t, "acc-2"))
}

func TestCreateTransactionConcurrentDrainNeverOverdraws(t *testing.T) {
	h := newHarness(t, withFees(noFees))
	h.seed(t, "source", "owner-1", 50, withCurrency("JPY"))
	for i := 0; i < 100; i++ {
		h.seed(t, "dest-"+strconv.Itoa(i), "owner-2", 0, withCurrency("JPY"))
	}

	var succeeded, insufficient, other int32
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		to := "dest-" + strconv.Itoa(i)
		g.Go(func() error {
			_, err := h.transfer("source", to, "1", ownerOne)
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case errors.Is(err, domain.ErrInsufficientFunds):
				atomic.AddInt32(&insufficient, 1)
			default:
				atomic.AddInt32(&other, 1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(50), succeeded)
	assert.Equal(t, int32(50), insufficient)
	assert.Zero(t, other)
	assert.Equal(t, int64(0), h.balance(t, "source"))

	var credited int64
	for i := 0; i < 100; i++ {
		credited += h.balance(t, "dest-"+strconv.Itoa(i))
	}
	assert.Equal(t, int64(50), credited)
}

func TestCreateTransactionSourceMustBeOwned(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "acc-1", "owner-1", 100000)
	h.seed(t, "acc-2", "owner-2", 0)

	_, err := h.transfer("acc-1", "acc-2", "10.00", intruder)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, total, err := h.store.ListTransactions(context.Background(), domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)

	resp, err := h.transfer("acc-1", "acc-2", "10.00", admin)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, resp.Status)
}

func TestGetAndListTransactionsAreScopedToOwnedAccounts(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "acc-1", "owner-1", 100000)
	h.seed(t, "acc-2", "owner-2", 0)
	h.seed(t, "acc-3", "owner-3", 100000)
	h.seed(t, "acc-4", "owner-4", 0)

	mine, err := h.transfer("acc-1", "acc-2", "10.00", ownerOne)
	require.NoError(t, err)
	_, err = h.transfer("acc-3", "acc-4", "10.00", admin)
	require.NoError(t, err)

	got, err := h.engine.GetTransaction(context.Background(), mine.ID, ownerTwo)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)

	_, err = h.engine.GetTransaction(context.Background(), mine.ID, intruder)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.engine.GetTransaction(context.Background(), "missing", admin)
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	page, err := h.engine.ListTransactions(context.Background(), models.ListTransactionsRequest{}, ownerTwo)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, mine.ID, page.Items[0].ID)
	assert.Equal(t, 1, page.Total)

	_, err = h.engine.ListTransactions(context.Background(), models.ListTransactionsRequest{AccountID: "acc-3"}, ownerTwo)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	empty, err := h.engine.ListTransactions(context.Background(), models.ListTransactionsRequest{}, intruder)
	require.NoError(t, err)
	assert.Empty(t, empty.Items)

	all, err := h.engine.ListTransactions(context.Background(), models.ListTransactionsRequest{Status: domain.TransactionStatusCompleted}, admin)
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)

	viewed, err := h.store.CountAuditEntries(context.Background(), domain.AuditFilter{Action: domain.AuditActionTransactionViewed})
	require.NoError(t, err)
	assert.Equal(t, 1, viewed)
}

func TestScheduledTransactionProcessCancelAndExpire(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "acc-1", "owner-1", 100000)
	h.seed(t, "acc-2", "owner-2", 0)
	ctx := context.Background()

	schedule := func(in, expires time.Duration) models.TransactionResponse {
		req := transferRequest("acc-1", "acc-2", "100.00")
		at := h.clock.Now().Add(in)
		req.ScheduledFor = &at
		if expires > 0 {
			exp := h.clock.Now().Add(expires)
			req.ExpiresAt = &exp
		}
		resp, err := h.engine.CreateTransaction(ctx, req, ownerOne)
		require.NoError(t, err)
		require.Equal(t, domain.TransactionStatusPending, resp.Status)
		return resp
	}

	t.Run("process", func(t *testing.T) {
		pending := schedule(time.Hour, 0)
		assert.Equal(t, int64(100000), h.balance(t, "acc-1"))

		_, err := h.engine.ProcessTransaction(ctx, pending.ID, intruder)
		assert.ErrorIs(t, err, domain.ErrForbidden)

		done, err := h.engine.ProcessTransaction(ctx, pending.ID, ownerOne)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionStatusCompleted, done.Status)
		assert.Equal(t, int64(90000), h.balance(t, "acc-1"))

		_, err = h.engine.ProcessTransaction(ctx, pending.ID, ownerOne)
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	})

	t.Run("cancel", func(t *testing.T) {
		pending := schedule(time.Hour, 0)

		_, err := h.engine.CancelTransaction(ctx, pending.ID, models.CancelTransactionRequest{}, intruder)
		assert.ErrorIs(t, err, domain.ErrForbidden)

		cancelled, err := h.engine.CancelTransaction(ctx, pending.ID, models.CancelTransactionRequest{Reason: "changed my mind"}, ownerOne)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionStatusCancelled, cancelled.Status)

		_, err = h.engine.CancelTransaction(ctx, pending.ID, models.CancelTransactionRequest{}, ownerOne)
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
		_, err = h.engine.ProcessTransaction(ctx, pending.ID, ownerOne)
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

		assert.Contains(t, h.auditActions(t, pending.ID), domain.AuditActionTransactionCancelled)
	})

	t.Run("expire on process", func(t *testing.T) {
		balance := h.balance(t, "acc-1")
		pending := schedule(time.Hour, 2*time.Hour)
		h.clock.Advance(3 * time.Hour)

		resp, err := h.engine.ProcessTransaction(ctx, pending.ID, ownerOne)
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
		assert.Equal(t, domain.TransactionStatusExpired, resp.Status)
		assert.Equal(t, domain.TransactionStatusExpired, h.stored(t, pending.ID).Status)
		assert.Equal(t, balance, h.balance(t, "acc-1"))
		assert.Contains(t, h.auditActions(t, pending.ID), domain.AuditActionTransactionExpired)
	})

	t.Run("schedule in the past", func(t *testing.T) {
		req := transferRequest("acc-1", "acc-2", "100.00")
		at := h.clock.Now().Add(-time.Minute)
		req.ScheduledFor = &at
		_, err := h.engine.CreateTransaction(ctx, req, ownerOne)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestCreateTransactionNegativeFeeScheduleNeverCreatesMoney(t *testing.T) {
	h := newHarness(t, withFees(services.FeeSchedule{Transfer: services.FeeRule{Percent: decimal.NewFromInt(-10)}}))
	h.seed(t, "acc-1", "owner-1", 100000)
	h.seed(t, "acc-2", "owner-2", 50000)

	_, err := h.transfer("acc-1", "acc-2", "500.00", ownerOne)
	require.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, int64(100000), h.balance(t, "acc-1"))
	assert.Equal(t, int64(50000), h.balance(t, "acc-2"))
	revenue, err := h.store.FeeRevenue(context.Background(), "USD")
	require.NoError(t, err)
	assert.Zero(t, revenue)
}

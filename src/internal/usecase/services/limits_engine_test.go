package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/usecase/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitsDailyAndMonthlyCaps(t *testing.T) {
	h := newHarness(t, withFees(noFees))
	h.seed(t, "acc-1", "owner-1", 1_000_000, withLimits(domain.LimitTypeTransfer, domain.LimitCaps{DailyCap: 100000, MonthlyCap: 150000}))
	h.seed(t, "acc-2", "owner-2", 0)

	for i := 0; i < 2; i++ {
		_, err := h.transfer("acc-1", "acc-2", "400.00", ownerOne)
		require.NoError(t, err)
	}

	resp, err := h.transfer("acc-1", "acc-2", "400.00", ownerOne)
	require.ErrorIs(t, err, domain.ErrLimitExceeded)
	assert.Equal(t, domain.TransactionStatusFailed, resp.Status)
	assert.Equal(t, int64(920000), h.balance(t, "acc-1"), "the crossing transfer must not debit")

	usage, err := h.store.GetLimitUsage(context.Background(), "acc-1", domain.LimitTypeTransfer, domain.LimitPeriodDay)
	require.NoError(t, err)
	assert.Equal(t, int64(80000), usage.UsedAmount)

	// Next day: the daily window resets, the monthly one does not.
	h.clock.Advance(24 * time.Hour)
	_, err = h.transfer("acc-1", "acc-2", "400.00", ownerOne)
	require.NoError(t, err)

	_, err = h.transfer("acc-1", "acc-2", "400.00", ownerOne)
	require.ErrorIs(t, err, domain.ErrLimitExceeded)
	assert.Contains(t, domain.MessageOf(err), "MONTH")
	assert.Equal(t, int64(880000), h.balance(t, "acc-1"))
}

func TestLimitsResetInAccountTimezone(t *testing.T) {
	// 22:00 on 9 March in New York, 02:00 on 10 March in UTC.
	start := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	h := newHarness(t, withFees(noFees), withStart(start))
	caps := domain.LimitCaps{DailyCap: 50000}
	h.seed(t, "utc", "owner-1", 1_000_000, withLimits(domain.LimitTypeTransfer, caps))
	h.seed(t, "nyc", "owner-1", 1_000_000, withLimits(domain.LimitTypeTransfer, caps), withTimezone("America/New_York"))
	h.seed(t, "sink", "owner-2", 0)

	for _, id := range []string{"utc", "nyc"} {
		_, err := h.transfer(id, "sink", "500.00", ownerOne)
		require.NoError(t, err)
	}

	h.clock.Advance(3 * time.Hour)

	_, err := h.transfer("utc", "sink", "1.00", ownerOne)
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	_, err = h.transfer("nyc", "sink", "1.00", ownerOne)
	assert.NoError(t, err)
}

func TestLimitsOutflowCountsEveryDebitType(t *testing.T) {
	h := newHarness(t, withFees(noFees))
	h.seed(t, "acc-1", "owner-1", 1_000_000, withLimits(domain.LimitTypeOutflow, domain.LimitCaps{DailyCap: 30000}))
	h.seed(t, "acc-2", "owner-2", 0)

	_, err := h.transfer("acc-1", "acc-2", "200.00", ownerOne)
	require.NoError(t, err)

	req := transferRequest("acc-1", "acc-2", "200.00")
	req.Type = domain.TransactionTypeWithdrawal
	_, err = h.engine.CreateTransaction(context.Background(), req, ownerOne)
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	req.Type = domain.TransactionTypeRefund
	_, err = h.engine.CreateTransaction(context.Background(), req, ownerOne)
	assert.NoError(t, err, "refunds consume no limits")
}

func TestLimitsCheckReportsUsageWithoutReserving(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	account := domain.Account{
		ID:       "acc-1",
		Currency: "USD",
		Limits: map[domain.LimitType]domain.LimitCaps{
			domain.LimitTypeTransfer: {DailyCap: 1000, MonthlyCap: 5000},
		},
	}
	engine := services.NewLimitsEngine()

	infos, err := engine.Check(context.Background(), h.store, account, domain.TransactionTypeTransfer, 1200, now)
	require.ErrorIs(t, err, domain.ErrLimitExceeded)
	require.Len(t, infos, 2, "info is complete even when a cap is exceeded")
	assert.Equal(t, int64(1000), infos[0].RemainingAmount)
	assert.Equal(t, int64(5000), infos[1].RemainingAmount)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), infos[0].ResetAt)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), infos[1].ResetAt)

	infos, err = engine.Check(context.Background(), h.store, account, domain.TransactionTypeDeposit, 1200, now)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestLimitsStaleUsageRowCountsAsEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()
	account := domain.Account{
		ID:     "acc-1",
		Limits: map[domain.LimitType]domain.LimitCaps{domain.LimitTypeTransfer: {DailyCap: 1000}},
	}

	err := h.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		return tx.SaveLimitUsage(ctx, domain.LimitUsage{
			AccountID:   "acc-1",
			LimitType:   domain.LimitTypeTransfer,
			Period:      domain.LimitPeriodDay,
			UsedAmount:  1000,
			WindowStart: now.Add(-48 * time.Hour),
			ResetAt:     now.Add(-24 * time.Hour),
		})
	})
	require.NoError(t, err)

	engine := services.NewLimitsEngine()
	err = h.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		infos, err := engine.CheckAndReserve(ctx, tx, account, domain.TransactionTypeTransfer, 600, now)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(600), infos[0].UsedAmount)
		return nil
	})
	require.NoError(t, err)

	usage, err := h.store.GetLimitUsage(ctx, "acc-1", domain.LimitTypeTransfer, domain.LimitPeriodDay)
	require.NoError(t, err)
	assert.Equal(t, int64(600), usage.UsedAmount)
	assert.Equal(t, int64(2), usage.Version)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), usage.ResetAt)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
)

type LimitsEngine struct{}

func NewLimitsEngine() *LimitsEngine {
	return &LimitsEngine{}
}

type limitSlot struct {
	limitType domain.LimitType
	period    domain.LimitPeriod
	cap       int64
}

// slots lists every (type, period) cap configured on the account that a
// debit of txType counts against.
func (e *LimitsEngine) slots(account domain.Account, txType domain.TransactionType) []limitSlot {
	var out []limitSlot
	for _, limitType := range domain.ApplicableLimitTypes(txType) {
		caps, ok := account.Limits[limitType]
		if !ok {
			continue
		}
		for _, period := range domain.LimitPeriods {
			if limit := caps.CapFor(period); limit > 0 {
				out = append(out, limitSlot{limitType: limitType, period: period, cap: limit})
			}
		}
	}
	return out
}

func (e *LimitsEngine) checkSingle(account domain.Account, txType domain.TransactionType, amount int64) error {
	for _, limitType := range domain.ApplicableLimitTypes(txType) {
		caps, ok := account.Limits[limitType]
		if !ok || caps.SingleTxCap <= 0 {
			continue
		}
		if amount > caps.SingleTxCap {
			return domain.NewError(domain.KindLimitExceeded, "%s single transaction cap of %d exceeded", limitType, caps.SingleTxCap)
		}
	}
	return nil
}

// current loads the usage row for the slot, rolled over to the window that
// contains now. A row past its resetAt counts as zero-used.
func (e *LimitsEngine) current(ctx context.Context, reader domain.LimitUsageReader, account domain.Account, slot limitSlot, now time.Time) (domain.LimitUsage, error) {
	start, reset := domain.Window(slot.period, now, account.Location())

	usage, err := reader.GetLimitUsage(ctx, account.ID, slot.limitType, slot.period)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return domain.LimitUsage{
			AccountID:   account.ID,
			LimitType:   slot.limitType,
			Period:      slot.period,
			WindowStart: start,
			ResetAt:     reset,
		}, nil
	}
	if err != nil {
		return domain.LimitUsage{}, fmt.Errorf("get limit usage %s/%s: %w", slot.limitType, slot.period, err)
	}

	usage.UsedAmount = usage.EffectiveUsed(now)
	if !now.Before(usage.ResetAt) {
		usage.WindowStart = start
		usage.ResetAt = reset
	}
	return usage, nil
}

func info(slot limitSlot, used int64, resetAt time.Time) domain.LimitInfo {
	remaining := slot.cap - used
	if remaining < 0 {
		remaining = 0
	}
	return domain.LimitInfo{
		LimitType:       slot.limitType,
		Period:          slot.period,
		TotalLimit:      slot.cap,
		UsedAmount:      used,
		RemainingAmount: remaining,
		ResetAt:         resetAt,
	}
}

// Check reports usage for every configured cap without reserving anything.
// The returned info is complete even when the check fails.
func (e *LimitsEngine) Check(ctx context.Context, reader domain.LimitUsageReader, account domain.Account, txType domain.TransactionType, amount int64, now time.Time) ([]domain.LimitInfo, error) {
	slots := e.slots(account, txType)
	infos := make([]domain.LimitInfo, 0, len(slots))
	var exceeded error
	for _, slot := range slots {
		usage, err := e.current(ctx, reader, account, slot, now)
		if err != nil {
			return infos, err
		}
		infos = append(infos, info(slot, usage.UsedAmount, usage.ResetAt))
		if exceeded == nil && usage.UsedAmount+amount > slot.cap {
			exceeded = domain.NewError(domain.KindLimitExceeded, "%s %s limit exceeded: used %d of %d, requested %d",
				slot.limitType, slot.period, usage.UsedAmount, slot.cap, amount)
		}
	}
	if exceeded != nil {
		return infos, exceeded
	}
	return infos, e.checkSingle(account, txType, amount)
}

// CheckAndReserve increments usage for every configured cap inside tx. The
// reservation becomes durable when tx commits and is released if it rolls back.
func (e *LimitsEngine) CheckAndReserve(ctx context.Context, tx domain.LedgerTx, account domain.Account, txType domain.TransactionType, amount int64, now time.Time) ([]domain.LimitInfo, error) {
	if err := e.checkSingle(account, txType, amount); err != nil {
		return nil, err
	}

	slots := e.slots(account, txType)
	infos := make([]domain.LimitInfo, 0, len(slots))
	for _, slot := range slots {
		usage, err := e.current(ctx, tx, account, slot, now)
		if err != nil {
			return infos, err
		}
		if usage.UsedAmount+amount > slot.cap {
			return infos, domain.NewError(domain.KindLimitExceeded, "%s %s limit exceeded: used %d of %d, requested %d",
				slot.limitType, slot.period, usage.UsedAmount, slot.cap, amount)
		}

		usage.UsedAmount += amount
		if err := tx.SaveLimitUsage(ctx, usage); err != nil {
			return infos, fmt.Errorf("reserve limit %s/%s: %w", slot.limitType, slot.period, err)
		}
		infos = append(infos, info(slot, usage.UsedAmount, usage.ResetAt))
	}
	return infos, nil
}

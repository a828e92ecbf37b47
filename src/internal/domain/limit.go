package domain

import (
	"time"
)

type LimitType string

const (
	LimitTypeTransfer   LimitType = "TRANSFER"
	LimitTypeWithdrawal LimitType = "WITHDRAWAL"
	LimitTypePayment    LimitType = "PAYMENT"
	// LimitTypeOutflow caps every customer-initiated debit regardless of type.
	LimitTypeOutflow LimitType = "TOTAL_OUTFLOW"
)

// ApplicableLimitTypes lists the limit types a debit of txType counts against.
// Compensations and system credits consume no limits.
func ApplicableLimitTypes(txType TransactionType) []LimitType {
	switch txType {
	case TransactionTypeTransfer, TransactionTypeTransferOut:
		return []LimitType{LimitTypeTransfer, LimitTypeOutflow}
	case TransactionTypeWithdrawal:
		return []LimitType{LimitTypeWithdrawal, LimitTypeOutflow}
	case TransactionTypeScheduledPayment:
		return []LimitType{LimitTypePayment, LimitTypeOutflow}
	case TransactionTypeTransferIn, TransactionTypeDeposit:
		return []LimitType{LimitTypeOutflow}
	case TransactionTypeFee, TransactionTypeRefund, TransactionTypeReversal, TransactionTypeInterestPayment:
		return nil
	}
	return nil
}

type LimitPeriod string

const (
	LimitPeriodDay   LimitPeriod = "DAY"
	LimitPeriodMonth LimitPeriod = "MONTH"
)

var LimitPeriods = []LimitPeriod{LimitPeriodDay, LimitPeriodMonth}

// LimitCaps are in minor units of the account currency. A zero cap is not enforced.
type LimitCaps struct {
	DailyCap    int64
	MonthlyCap  int64
	SingleTxCap int64
}

func (c LimitCaps) CapFor(period LimitPeriod) int64 {
	switch period {
	case LimitPeriodDay:
		return c.DailyCap
	case LimitPeriodMonth:
		return c.MonthlyCap
	}
	return 0
}

type LimitUsage struct {
	AccountID   string
	LimitType   LimitType
	Period      LimitPeriod
	UsedAmount  int64
	WindowStart time.Time
	ResetAt     time.Time
	// Version is zero for a row that has never been stored.
	Version   int64
	UpdatedAt time.Time
}

// EffectiveUsed treats a usage row whose window has rolled over as empty.
func (u LimitUsage) EffectiveUsed(now time.Time) int64 {
	if !now.Before(u.ResetAt) {
		return 0
	}
	return u.UsedAmount
}

// Window returns the fixed window containing now: start of the calendar
// day or month in loc, and the start of the next one.
func Window(period LimitPeriod, now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	switch period {
	case LimitPeriodMonth:
		start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0)
	default:
		start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 0, 1)
	}
}

type LimitInfo struct {
	LimitType       LimitType
	Period          LimitPeriod
	TotalLimit      int64
	UsedAmount      int64
	RemainingAmount int64
	ResetAt         time.Time
}

package services

import (
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/shopspring/decimal"
)

// FeeRule charges Flat minor units plus Percent of the amount.
type FeeRule struct {
	Flat    int64
	Percent decimal.Decimal
}

type FeeSchedule struct {
	Transfer   FeeRule
	Deposit    FeeRule
	Withdrawal FeeRule
}

type FeeCalculator struct {
	schedule FeeSchedule
}

func NewFeeCalculator(schedule FeeSchedule) *FeeCalculator {
	return &FeeCalculator{schedule: schedule}
}

var hundred = decimal.NewFromInt(100)

// ComputeFee returns the fee and the net amount credited to the destination.
// Percentages round half-up to the nearest minor unit.
func (c *FeeCalculator) ComputeFee(txType domain.TransactionType, amount int64) (int64, int64, error) {
	var rule FeeRule
	switch txType {
	case domain.TransactionTypeTransfer, domain.TransactionTypeTransferOut, domain.TransactionTypeScheduledPayment:
		rule = c.schedule.Transfer
	case domain.TransactionTypeDeposit:
		rule = c.schedule.Deposit
	case domain.TransactionTypeWithdrawal:
		rule = c.schedule.Withdrawal
	case domain.TransactionTypeTransferIn, domain.TransactionTypeFee, domain.TransactionTypeRefund,
		domain.TransactionTypeReversal, domain.TransactionTypeInterestPayment:
		return 0, amount, nil
	default:
		return 0, 0, domain.NewError(domain.KindInvalidTransactionType, "transaction type %q is not supported", txType)
	}

	percentPart := decimal.NewFromInt(amount).Mul(rule.Percent).Div(hundred).Round(0)
	fee := rule.Flat + percentPart.IntPart()
	if fee < 0 {
		return 0, 0, domain.NewError(domain.KindValidation, "fee schedule for %s yields a negative fee", txType)
	}
	return fee, amount - fee, nil
}

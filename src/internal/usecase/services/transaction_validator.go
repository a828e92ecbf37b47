package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/logger"
	"github.com/shopspring/decimal"
)

// lowCapacityRatio triggers a warning when less than a tenth of a cap remains.
var lowCapacityRatio = decimal.NewFromFloat(0.1)

type TransactionValidator struct {
	reader         domain.LedgerReader
	fees           *FeeCalculator
	limits         *LimitsEngine
	maxSingleMajor decimal.Decimal
	now            func() time.Time
}

func NewTransactionValidator(
	reader domain.LedgerReader,
	fees *FeeCalculator,
	limits *LimitsEngine,
	maxSingleMajor decimal.Decimal,
	now func() time.Time,
) *TransactionValidator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TransactionValidator{
		reader:         reader,
		fees:           fees,
		limits:         limits,
		maxSingleMajor: maxSingleMajor,
		now:            now,
	}
}

// assessment is everything the validator learned about an admissible request.
// Fields are filled progressively, so a failed assessment still carries what
// was known before the failing check.
type assessment struct {
	source      domain.Account
	destination domain.Account
	amount      int64
	fee         int64
	net         int64
	currency    string
	limits      []domain.LimitInfo
	warnings    []string
	// priced is set once amount, fee and net are known.
	priced bool
}

// Validate answers whether req would be admitted right now. It never writes.
func (v *TransactionValidator) Validate(ctx context.Context, req models.CreateTransactionRequest) (models.TransactionValidationResponse, error) {
	resp := models.TransactionValidationResponse{
		Errors:    []models.ValidationIssue{},
		Warnings:  []string{},
		LimitInfo: []models.LimitInfoResponse{},
	}

	if err := req.Validate(); err != nil {
		resp.Errors = append(resp.Errors, models.ValidationIssue{Code: domain.KindValidation, Message: err.Error()})
		return resp, nil
	}
	logger.Info("transaction validator validate request", logger.Fields{
		"payload": logger.SanitizePayload(req),
	})

	a, err := v.assess(ctx, v.reader, req, v.now())
	resp.Currency = a.currency
	resp.Warnings = append(resp.Warnings, a.warnings...)
	for _, li := range a.limits {
		resp.LimitInfo = append(resp.LimitInfo, models.NewLimitInfoResponse(li, a.currency))
	}
	if a.priced {
		resp.EstimatedFee = models.FormatMinor(a.fee, a.currency)
		resp.NetAmount = models.FormatMinor(a.net, a.currency)
	}

	if err != nil {
		kind := domain.KindOf(err)
		if kind.Transient() {
			logger.Error("transaction validator validate storage failure", err, nil)
			return resp, err
		}
		resp.Errors = append(resp.Errors, models.ValidationIssue{Code: kind, Message: domain.MessageOf(err)})
		logger.Info("transaction validator validate rejected", logger.Fields{
			"fromAccountId": req.FromAccountID,
			"toAccountId":   req.ToAccountID,
			"kind":          kind,
		})
		return resp, nil
	}

	resp.IsValid = true
	return resp, nil
}

// assess runs the admissibility checks in order and stops at the first hard
// failure. Soft warnings accumulate regardless.
func (v *TransactionValidator) assess(ctx context.Context, reader domain.LedgerReader, req models.CreateTransactionRequest, now time.Time) (assessment, error) {
	var a assessment

	if !req.Type.Valid() {
		return a, domain.NewError(domain.KindInvalidTransactionType, "transaction type %q is not supported", req.Type)
	}

	fromID := strings.TrimSpace(req.FromAccountID)
	toID := strings.TrimSpace(req.ToAccountID)
	if fromID == toID {
		return a, domain.NewError(domain.KindSameAccount, "source and destination account must differ")
	}

	source, err := v.loadUsable(ctx, reader, fromID, "source", now)
	if err != nil {
		return a, err
	}
	a.source = source
	a.currency = source.Currency

	destination, err := v.loadUsable(ctx, reader, toID, "destination", now)
	if err != nil {
		return a, err
	}
	a.destination = destination

	amount, err := v.amountInMinorUnits(req.Amount, source.Currency)
	if err != nil {
		return a, err
	}
	a.amount = amount

	if !strings.EqualFold(source.Currency, destination.Currency) {
		return a, domain.NewError(domain.KindCurrencyMismatch, "source currency %s does not match destination currency %s", source.Currency, destination.Currency)
	}
	if ccy := strings.TrimSpace(req.Currency); ccy != "" && !strings.EqualFold(ccy, source.Currency) {
		return a, domain.NewError(domain.KindCurrencyMismatch, "request currency %s does not match account currency %s", strings.ToUpper(ccy), source.Currency)
	}

	fee, net, err := v.fees.ComputeFee(req.Type, amount)
	if err != nil {
		return a, err
	}
	if net < 0 {
		return a, domain.NewError(domain.KindValidation, "amount does not cover the fee of %s", models.FormatMinor(fee, source.Currency))
	}
	a.fee, a.net, a.priced = fee, net, true

	if source.Balance < amount {
		return a, domain.NewError(domain.KindInsufficientFunds, "source balance is insufficient for %s", models.FormatMinor(amount, source.Currency))
	}
	if source.Balance == amount {
		a.warnings = append(a.warnings, "transaction drains the source account balance to zero")
	}

	limits, err := v.limits.Check(ctx, reader, source, req.Type, amount, now)
	a.limits = limits
	a.warnings = append(a.warnings, lowCapacityWarnings(limits, amount)...)
	if err != nil {
		return a, err
	}

	if err := checkSchedule(req.ScheduledFor, req.ExpiresAt, now); err != nil {
		return a, err
	}

	return a, nil
}

func (v *TransactionValidator) loadUsable(ctx context.Context, reader domain.AccountReader, id string, role string, now time.Time) (domain.Account, error) {
	account, err := reader.GetAccount(ctx, id)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return domain.Account{}, domain.NewError(domain.KindAccountNotFound, "%s account %s not found", role, id)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get %s account: %w", role, err)
	}
	if err := checkUsable(account, role, now); err != nil {
		return domain.Account{}, err
	}
	return account, nil
}

// checkUsable treats an inactive account as closed, so it reports ACCOUNT_NOT_FOUND.
func checkUsable(account domain.Account, role string, now time.Time) error {
	if !account.IsActive {
		return domain.NewError(domain.KindAccountNotFound, "%s account %s is not active", role, account.ID)
	}
	if account.IsFrozenAt(now) {
		return domain.NewError(domain.KindAccountFrozen, "%s account %s is frozen", role, account.ID)
	}
	return nil
}

func (v *TransactionValidator) amountInMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if err := domain.CheckAmountScale(amount); err != nil {
		return 0, err
	}
	if !amount.IsPositive() {
		return 0, domain.NewError(domain.KindValidation, "amount must be greater than zero")
	}
	if v.maxSingleMajor.IsPositive() && amount.GreaterThan(v.maxSingleMajor) {
		return 0, domain.NewError(domain.KindValidation, "amount exceeds the maximum single transaction of %s", v.maxSingleMajor.String())
	}
	return domain.ToMinorUnits(amount, currency)
}

func checkSchedule(scheduledFor, expiresAt *time.Time, now time.Time) error {
	if scheduledFor != nil && !scheduledFor.After(now) {
		return domain.NewError(domain.KindValidation, "scheduledFor must be in the future")
	}
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return domain.NewError(domain.KindValidation, "expiresAt must be in the future")
		}
		if scheduledFor != nil && !expiresAt.After(*scheduledFor) {
			return domain.NewError(domain.KindValidation, "expiresAt must be after scheduledFor")
		}
	}
	return nil
}

func lowCapacityWarnings(limits []domain.LimitInfo, amount int64) []string {
	var out []string
	for _, li := range limits {
		left := li.TotalLimit - li.UsedAmount - amount
		if left < 0 {
			continue
		}
		threshold := decimal.NewFromInt(li.TotalLimit).Mul(lowCapacityRatio)
		if decimal.NewFromInt(left).LessThan(threshold) {
			out = append(out, fmt.Sprintf("%s %s limit nearly reached", li.LimitType, li.Period))
		}
	}
	return out
}

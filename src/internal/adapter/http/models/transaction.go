package models

import (
	"errors"
	"strings"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/shopspring/decimal"
)

const maxReferenceLength = 64

type CreateTransactionRequest struct {
	FromAccountID string                 `json:"fromAccountId"`
	ToAccountID   string                 `json:"toAccountId"`
	Amount        decimal.Decimal        `json:"amount"`
	Currency      string                 `json:"currency,omitempty"`
	Type          domain.TransactionType `json:"type"`
	Reference     string                 `json:"reference,omitempty"`
	ExternalRef   string                 `json:"externalRef,omitempty"`
	Description   string                 `json:"description,omitempty"`
	ScheduledFor  *time.Time             `json:"scheduledFor,omitempty"`
	ExpiresAt     *time.Time             `json:"expiresAt,omitempty"`
}

// CheckAmountScale bounds the amount before it is logged or compared.
func (r CreateTransactionRequest) CheckAmountScale() error {
	return domain.CheckAmountScale(r.Amount)
}

// Validate checks request shape only. Admissibility against accounts, limits
// and balances is decided by the transaction validator.
func (r CreateTransactionRequest) Validate() error {
	if err := r.CheckAmountScale(); err != nil {
		return errors.New("amount is out of range")
	}

	var errs []string

	if strings.TrimSpace(r.FromAccountID) == "" {
		errs = append(errs, "fromAccountId is required")
	}
	if strings.TrimSpace(r.ToAccountID) == "" {
		errs = append(errs, "toAccountId is required")
	}
	if strings.TrimSpace(string(r.Type)) == "" {
		errs = append(errs, "type is required")
	}
	if ccy := strings.TrimSpace(r.Currency); ccy != "" && len(ccy) != 3 {
		errs = append(errs, "currency must be 3 characters")
	}
	if len(strings.TrimSpace(r.Reference)) > maxReferenceLength {
		errs = append(errs, "reference must be at most 64 characters")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

type ReverseTransactionRequest struct {
	Reason string `json:"reason"`
}

func (r ReverseTransactionRequest) Validate() error {
	if strings.TrimSpace(r.Reason) == "" {
		return errors.New("reason is required")
	}
	return nil
}

type CancelTransactionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ListTransactionsRequest struct {
	AccountID string
	Status    domain.TransactionStatus
	Type      domain.TransactionType
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}

func (r ListTransactionsRequest) Validate() error {
	var errs []string

	if r.Status != "" && !r.Status.Valid() {
		errs = append(errs, "status is not supported")
	}
	if r.Type != "" && !r.Type.Valid() {
		errs = append(errs, "type is not supported")
	}
	if r.From != nil && r.To != nil && !r.From.Before(*r.To) {
		errs = append(errs, "from must be before to")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

type TransactionResponse struct {
	ID            string                   `json:"id"`
	FromAccountID string                   `json:"fromAccountId"`
	ToAccountID   string                   `json:"toAccountId"`
	Amount        string                   `json:"amount"`
	Fee           string                   `json:"fee"`
	NetAmount     string                   `json:"netAmount"`
	Currency      string                   `json:"currency"`
	Type          domain.TransactionType   `json:"type"`
	Status        domain.TransactionStatus `json:"status"`
	Reference     string                   `json:"reference"`
	ExternalRef   string                   `json:"externalRef,omitempty"`
	Description   string                   `json:"description,omitempty"`
	ReversalOfID  *string                  `json:"reversalOfId,omitempty"`
	ScheduledFor  *time.Time               `json:"scheduledFor,omitempty"`
	ExpiresAt     *time.Time               `json:"expiresAt,omitempty"`
	CompletedAt   *time.Time               `json:"completedAt,omitempty"`
	FailedReason  string                   `json:"failedReason,omitempty"`
	CreatedAt     time.Time                `json:"createdAt"`
	UpdatedAt     time.Time                `json:"updatedAt"`
	Warnings      []string                 `json:"warnings,omitempty"`
	// Replayed marks a response served from an earlier create with the same reference.
	Replayed bool `json:"-"`
}

func NewTransactionResponse(txn domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:            txn.ID,
		FromAccountID: txn.FromAccountID,
		ToAccountID:   txn.ToAccountID,
		Amount:        FormatMinor(txn.Amount, txn.Currency),
		Fee:           FormatMinor(txn.Fee, txn.Currency),
		NetAmount:     FormatMinor(txn.NetAmount, txn.Currency),
		Currency:      txn.Currency,
		Type:          txn.Type,
		Status:        txn.Status,
		Reference:     txn.Reference,
		ExternalRef:   txn.ExternalRef,
		Description:   txn.Description,
		ReversalOfID:  txn.ReversalOfID,
		ScheduledFor:  txn.ScheduledFor,
		ExpiresAt:     txn.ExpiresAt,
		CompletedAt:   txn.CompletedAt,
		FailedReason:  txn.FailedReason,
		CreatedAt:     txn.CreatedAt,
		UpdatedAt:     txn.UpdatedAt,
	}
}

type ValidationIssue struct {
	Code    domain.ErrorKind `json:"code"`
	Message string           `json:"message"`
}

type LimitInfoResponse struct {
	LimitType       domain.LimitType   `json:"limitType"`
	Period          domain.LimitPeriod `json:"period"`
	TotalLimit      string             `json:"totalLimit"`
	UsedAmount      string             `json:"usedAmount"`
	RemainingAmount string             `json:"remainingAmount"`
	ResetAt         time.Time          `json:"resetAt"`
}

func NewLimitInfoResponse(info domain.LimitInfo, currency string) LimitInfoResponse {
	return LimitInfoResponse{
		LimitType:       info.LimitType,
		Period:          info.Period,
		TotalLimit:      FormatMinor(info.TotalLimit, currency),
		UsedAmount:      FormatMinor(info.UsedAmount, currency),
		RemainingAmount: FormatMinor(info.RemainingAmount, currency),
		ResetAt:         info.ResetAt,
	}
}

type TransactionValidationResponse struct {
	IsValid      bool                `json:"isValid"`
	Errors       []ValidationIssue   `json:"errors"`
	Warnings     []string            `json:"warnings"`
	EstimatedFee string              `json:"estimatedFee,omitempty"`
	NetAmount    string              `json:"netAmount,omitempty"`
	Currency     string              `json:"currency,omitempty"`
	LimitInfo    []LimitInfoResponse `json:"limitInfo"`
}

// FormatMinor renders minor units at the currency's precision, e.g. 49500 USD as "495.00".
func FormatMinor(minor int64, currency string) string {
	return domain.FromMinorUnits(minor, currency).StringFixed(domain.MinorUnitExponent(currency))
}

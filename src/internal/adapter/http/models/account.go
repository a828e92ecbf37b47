package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/shopspring/decimal"
)

type LimitCapsRequest struct {
	DailyCap    decimal.Decimal `json:"dailyCap"`
	MonthlyCap  decimal.Decimal `json:"monthlyCap"`
	SingleTxCap decimal.Decimal `json:"singleTxCap"`
}

type CreateAccountRequest struct {
	OwnerID        string                                `json:"ownerId"`
	Currency       string                                `json:"currency"`
	Timezone       string                                `json:"timezone,omitempty"`
	OpeningBalance decimal.Decimal                       `json:"openingBalance"`
	Limits         map[domain.LimitType]LimitCapsRequest `json:"limits,omitempty"`
}

func (r CreateAccountRequest) CheckAmountScale() error {
	if err := domain.CheckAmountScale(r.OpeningBalance); err != nil {
		return err
	}
	for _, caps := range r.Limits {
		for _, v := range []decimal.Decimal{caps.DailyCap, caps.MonthlyCap, caps.SingleTxCap} {
			if err := domain.CheckAmountScale(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r CreateAccountRequest) Validate() error {
	if err := r.CheckAmountScale(); err != nil {
		return errors.New("amounts are out of range")
	}

	var errs []string

	if strings.TrimSpace(r.OwnerID) == "" {
		errs = append(errs, "ownerId is required")
	}
	if len(strings.TrimSpace(r.Currency)) != 3 {
		errs = append(errs, "currency must be 3 characters")
	}
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, "timezone is not a valid IANA zone")
		}
	}
	if r.OpeningBalance.IsNegative() {
		errs = append(errs, "openingBalance cannot be negative")
	}
	for limitType, caps := range r.Limits {
		switch limitType {
		case domain.LimitTypeTransfer, domain.LimitTypeWithdrawal, domain.LimitTypePayment, domain.LimitTypeOutflow:
		default:
			errs = append(errs, fmt.Sprintf("limit type %s is not supported", limitType))
			continue
		}
		if caps.DailyCap.IsNegative() || caps.MonthlyCap.IsNegative() || caps.SingleTxCap.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s caps cannot be negative", limitType))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

type FreezeAccountRequest struct {
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until,omitempty"`
}

func (r FreezeAccountRequest) Validate() error {
	if strings.TrimSpace(r.Reason) == "" {
		return errors.New("reason is required")
	}
	return nil
}

type LimitCapsResponse struct {
	DailyCap    string `json:"dailyCap"`
	MonthlyCap  string `json:"monthlyCap"`
	SingleTxCap string `json:"singleTxCap"`
}

type AccountResponse struct {
	ID           string                                 `json:"id"`
	OwnerID      string                                 `json:"ownerId"`
	Balance      string                                 `json:"balance"`
	Currency     string                                 `json:"currency"`
	IsActive     bool                                   `json:"isActive"`
	Frozen       bool                                   `json:"frozen"`
	FrozenReason string                                 `json:"frozenReason,omitempty"`
	FrozenUntil  *time.Time                             `json:"frozenUntil,omitempty"`
	Timezone     string                                 `json:"timezone,omitempty"`
	Limits       map[domain.LimitType]LimitCapsResponse `json:"limits,omitempty"`
	CreatedAt    time.Time                              `json:"createdAt"`
	UpdatedAt    time.Time                              `json:"updatedAt"`
}

func NewAccountResponse(account domain.Account) AccountResponse {
	resp := AccountResponse{
		ID:           account.ID,
		OwnerID:      account.OwnerID,
		Balance:      FormatMinor(account.Balance, account.Currency),
		Currency:     account.Currency,
		IsActive:     account.IsActive,
		Frozen:       account.Frozen.Frozen,
		FrozenReason: account.Frozen.Reason,
		FrozenUntil:  account.Frozen.Until,
		Timezone:     account.Timezone,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	}
	if len(account.Limits) > 0 {
		resp.Limits = make(map[domain.LimitType]LimitCapsResponse, len(account.Limits))
		for limitType, caps := range account.Limits {
			resp.Limits[limitType] = LimitCapsResponse{
				DailyCap:    FormatMinor(caps.DailyCap, account.Currency),
				MonthlyCap:  FormatMinor(caps.MonthlyCap, account.Currency),
				SingleTxCap: FormatMinor(caps.SingleTxCap, account.Currency),
			}
		}
	}
	return resp
}

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
	"github.com/google/uuid"
)

// AccountService covers onboarding and compliance holds. Balances only ever
// change through the ledger engine after the opening balance is set.
type AccountService struct {
	store    domain.LedgerStore
	accounts domain.AccountRepository
	audit    *AuditTrail
	now      func() time.Time
}

func NewAccountService(store domain.LedgerStore, accounts domain.AccountRepository, audit *AuditTrail, now func() time.Time) *AccountService {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &AccountService{
		store:    store,
		accounts: accounts,
		audit:    audit,
		now:      now,
	}
}

func (s *AccountService) CreateAccount(ctx context.Context, req models.CreateAccountRequest, actor domain.Actor) (models.AccountResponse, error) {
	if !actor.IsAdmin() {
		return models.AccountResponse{}, domain.NewError(domain.KindForbidden, "account creation requires an admin")
	}
	if err := req.Validate(); err != nil {
		logger.Error("account service create account validation failed", err, logger.Fields{"userId": actor.UserID})
		return models.AccountResponse{}, domain.NewError(domain.KindValidation, "%s", err.Error())
	}
	logger.Info("account service create account request", logger.Fields{
		"payload": logger.SanitizePayload(req),
		"userId":  actor.UserID,
	})

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	balance, err := domain.ToMinorUnits(req.OpeningBalance, currency)
	if err != nil {
		return models.AccountResponse{}, err
	}
	limits, err := limitCaps(req.Limits, currency)
	if err != nil {
		return models.AccountResponse{}, err
	}

	now := s.now()
	account := domain.Account{
		ID:        uuid.NewString(),
		OwnerID:   strings.TrimSpace(req.OwnerID),
		Balance:   balance,
		Currency:  currency,
		IsActive:  true,
		Timezone:  strings.TrimSpace(req.Timezone),
		Limits:    limits,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.InsertAccount(ctx, account); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		entry := newAuditEntry(actor, domain.AuditActionAccountCreated, domain.AuditResourceAccount, account.ID, now)
		entry.NewValues = map[string]any{
			"ownerId":  account.OwnerID,
			"currency": account.Currency,
			"balance":  account.Balance,
		}
		return s.audit.RecordWithin(ctx, tx, entry)
	})
	if err != nil {
		logger.Error("account service create account repository failed", err, logger.Fields{"ownerId": account.OwnerID})
		return models.AccountResponse{}, err
	}

	logger.Info("account service create account success", logger.Fields{
		"accountId": account.ID,
		"ownerId":   account.OwnerID,
	})
	return models.NewAccountResponse(account), nil
}

func limitCaps(in map[domain.LimitType]models.LimitCapsRequest, currency string) (map[domain.LimitType]domain.LimitCaps, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[domain.LimitType]domain.LimitCaps, len(in))
	for limitType, caps := range in {
		daily, err := domain.ToMinorUnits(caps.DailyCap, currency)
		if err != nil {
			return nil, err
		}
		monthly, err := domain.ToMinorUnits(caps.MonthlyCap, currency)
		if err != nil {
			return nil, err
		}
		single, err := domain.ToMinorUnits(caps.SingleTxCap, currency)
		if err != nil {
			return nil, err
		}
		out[limitType] = domain.LimitCaps{DailyCap: daily, MonthlyCap: monthly, SingleTxCap: single}
	}
	return out, nil
}

// GetAccount is visible to the owner and to admins.
func (s *AccountService) GetAccount(ctx context.Context, id string, actor domain.Actor) (models.AccountResponse, error) {
	account, err := s.loadAccount(ctx, id)
	if err != nil {
		return models.AccountResponse{}, err
	}
	if !actor.IsAdmin() && account.OwnerID != actor.UserID {
		return models.AccountResponse{}, domain.NewError(domain.KindForbidden, "account %s is not owned by the caller", account.ID)
	}
	return models.NewAccountResponse(account), nil
}

func (s *AccountService) FreezeAccount(ctx context.Context, id string, req models.FreezeAccountRequest, actor domain.Actor) (models.AccountResponse, error) {
	logger.Info("account service freeze account request", logger.Fields{
		"accountId": id,
		"userId":    actor.UserID,
	})

	if err := req.Validate(); err != nil {
		return models.AccountResponse{}, domain.NewError(domain.KindValidation, "%s", err.Error())
	}
	now := s.now()
	if req.Until != nil && !req.Until.After(now) {
		return models.AccountResponse{}, domain.NewError(domain.KindValidation, "until must be in the future")
	}

	state := domain.FreezeState{Frozen: true, Reason: strings.TrimSpace(req.Reason), Until: utcPtr(req.Until)}
	return s.setFreeze(ctx, id, state, domain.AuditActionAccountFrozen, actor, now)
}

func (s *AccountService) UnfreezeAccount(ctx context.Context, id string, actor domain.Actor) (models.AccountResponse, error) {
	logger.Info("account service unfreeze account request", logger.Fields{
		"accountId": id,
		"userId":    actor.UserID,
	})
	return s.setFreeze(ctx, id, domain.FreezeState{}, domain.AuditActionAccountUnfrozen, actor, s.now())
}

func (s *AccountService) setFreeze(ctx context.Context, id string, state domain.FreezeState, action domain.AuditAction, actor domain.Actor, now time.Time) (models.AccountResponse, error) {
	if !actor.IsAdmin() {
		return models.AccountResponse{}, domain.NewError(domain.KindForbidden, "freezing accounts requires an admin")
	}

	id = strings.TrimSpace(id)
	var updated domain.Account
	err := s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		account, err := tx.GetAccount(ctx, id)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.NewError(domain.KindAccountNotFound, "account %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}

		previous := account.Frozen
		account.Frozen = state
		if err := tx.UpdateAccountFreeze(ctx, account); err != nil {
			return fmt.Errorf("update account freeze: %w", err)
		}

		entry := newAuditEntry(actor, action, domain.AuditResourceAccount, account.ID, now)
		entry.OldValues = freezeValues(previous)
		entry.NewValues = freezeValues(state)
		if err := s.audit.RecordWithin(ctx, tx, entry); err != nil {
			return err
		}

		updated, err = tx.GetAccount(ctx, id)
		return err
	})
	if err != nil {
		logger.Error("account service update freeze failed", err, logger.Fields{"accountId": id, "action": action})
		return models.AccountResponse{}, err
	}

	logger.Info("account service update freeze success", logger.Fields{"accountId": id, "action": action})
	return models.NewAccountResponse(updated), nil
}

func (s *AccountService) loadAccount(ctx context.Context, id string) (domain.Account, error) {
	account, err := s.accounts.GetAccount(ctx, strings.TrimSpace(id))
	if errors.Is(err, domain.ErrRecordNotFound) {
		return domain.Account{}, domain.NewError(domain.KindAccountNotFound, "account %s not found", id)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

func freezeValues(state domain.FreezeState) map[string]any {
	values := map[string]any{"frozen": state.Frozen}
	if state.Reason != "" {
		values["reason"] = state.Reason
	}
	if state.Until != nil {
		values["until"] = state.Until.Format(time.RFC3339)
	}
	return values
}

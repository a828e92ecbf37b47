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

// ReversalCoordinator books compensating transactions. The fee of the
// original is not refunded: the reversal moves the original net amount back.
type ReversalCoordinator struct {
	engine *LedgerEngine
	store  domain.LedgerStore
	locker domain.AccountLocker
}

func NewReversalCoordinator(engine *LedgerEngine, store domain.LedgerStore, locker domain.AccountLocker) *ReversalCoordinator {
	return &ReversalCoordinator{
		engine: engine,
		store:  store,
		locker: locker,
	}
}

func (c *ReversalCoordinator) ReverseTransaction(ctx context.Context, id string, req models.ReverseTransactionRequest, actor domain.Actor) (models.TransactionResponse, error) {
	logger.Info("reversal coordinator reverse transaction request", logger.Fields{
		"transactionId": id,
		"userId":        actor.UserID,
		"payload":       logger.SanitizePayload(req),
	})

	if !actor.IsAdmin() {
		return models.TransactionResponse{}, domain.NewError(domain.KindForbidden, "reversal requires an admin")
	}
	if err := req.Validate(); err != nil {
		return models.TransactionResponse{}, domain.NewError(domain.KindValidation, "%s", err.Error())
	}

	id = strings.TrimSpace(id)
	unlock, err := c.locker.Lock(ctx, "reversal:"+id)
	if err != nil {
		return models.TransactionResponse{}, domain.WrapError(domain.KindStorageFailure, err, "acquire reversal hold")
	}
	defer unlock()

	original, err := c.engine.loadTransaction(ctx, id)
	if err != nil {
		return models.TransactionResponse{}, err
	}
	if err := c.reversible(ctx, original); err != nil {
		logger.Warn("reversal coordinator reversal refused", logger.Fields{
			"transactionId": id,
			"reason":        domain.MessageOf(err),
		})
		return models.TransactionResponse{}, err
	}

	now := c.engine.now()
	reason := strings.TrimSpace(req.Reason)
	reversalOf := original.ID
	reversal := domain.Transaction{
		ID:            uuid.NewString(),
		FromAccountID: original.ToAccountID,
		ToAccountID:   original.FromAccountID,
		Amount:        original.NetAmount,
		Fee:           0,
		NetAmount:     original.NetAmount,
		Currency:      original.Currency,
		Type:          domain.TransactionTypeReversal,
		Status:        domain.TransactionStatusPending,
		Reference:     generateReference(),
		ExternalRef:   original.ExternalRef,
		Description:   reason,
		ReversalOfID:  &reversalOf,
		CreatedBy:     actor.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := c.engine.insertPending(ctx, reversal, actor, map[string]any{"reversalOf": original.ID, "reason": reason}); err != nil {
		return models.TransactionResponse{}, err
	}

	resp, err := c.engine.execute(ctx, reversal, actor, markReversed(c.engine, original.ID, reason, actor))
	if err != nil {
		return resp, err
	}

	c.engine.notify(ctx, domain.Transaction{ID: original.ID, Status: domain.TransactionStatusReversed}, domain.EventTransactionReversed, actor)
	logger.Info("reversal coordinator transaction reversed", logger.Fields{
		"transactionId": original.ID,
		"reversalId":    reversal.ID,
	})
	return resp, nil
}

func (c *ReversalCoordinator) reversible(ctx context.Context, original domain.Transaction) error {
	if original.Type == domain.TransactionTypeReversal {
		return domain.NewError(domain.KindCannotReverse, "transaction %s is itself a reversal", original.ID)
	}
	if original.Status != domain.TransactionStatusCompleted {
		return domain.NewError(domain.KindCannotReverse, "transaction %s is %s, only COMPLETED transactions can be reversed", original.ID, original.Status)
	}
	if original.NetAmount <= 0 {
		return domain.NewError(domain.KindCannotReverse, "transaction %s has no net amount to reverse", original.ID)
	}

	existing, err := c.store.FindReversalOf(ctx, original.ID)
	if err == nil {
		return domain.NewError(domain.KindCannotReverse, "transaction %s already has reversal %s", original.ID, existing.ID)
	}
	if !errors.Is(err, domain.ErrRecordNotFound) {
		return fmt.Errorf("find reversal: %w", err)
	}
	return nil
}

// markReversed flips the original to REVERSED in the same unit of work that
// books the reversal leg.
func markReversed(engine *LedgerEngine, originalID string, reason string, actor domain.Actor) commitHook {
	return func(ctx context.Context, tx domain.LedgerTx, completed domain.Transaction, now time.Time) error {
		original, err := tx.GetTransaction(ctx, originalID)
		if err != nil {
			return fmt.Errorf("reload original transaction: %w", err)
		}
		reversed, err := original.Transition(domain.TransactionStatusReversed, now)
		if err != nil {
			return domain.NewError(domain.KindCannotReverse, "transaction %s is %s, only COMPLETED transactions can be reversed", original.ID, original.Status)
		}
		if err := tx.UpdateTransaction(ctx, reversed, domain.TransactionStatusCompleted); err != nil {
			return fmt.Errorf("mark original reversed: %w", err)
		}

		entry := transactionEntry(actor, domain.AuditActionTransactionReversed, reversed, now)
		entry.OldValues = map[string]any{"status": string(original.Status)}
		entry.NewValues = map[string]any{"status": string(reversed.Status)}
		entry.Metadata = map[string]any{"reversalId": completed.ID, "reason": reason}
		return engine.audit.RecordWithin(ctx, tx, entry)
	}
}

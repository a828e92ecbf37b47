package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/adapter/http/models"
	"github.com/api-sage/ledger-engine/src/internal/commons"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/logger"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

type LedgerEngineConfig struct {
	IdempotencyWindow time.Duration
	MaxCommitAttempts uint
}

// commitHook runs inside the commit unit of work after the transaction is
// marked COMPLETED. An error rolls back the whole commit.
type commitHook func(ctx context.Context, tx domain.LedgerTx, completed domain.Transaction, now time.Time) error

type LedgerEngine struct {
	store       domain.LedgerStore
	accounts    domain.AccountRepository
	validator   *TransactionValidator
	limits      *LimitsEngine
	audit       *AuditTrail
	locker      domain.AccountLocker
	dispatcher  domain.NotificationDispatcher
	window      time.Duration
	maxAttempts uint
	now         func() time.Time
	inflight    singleflight.Group
}

func NewLedgerEngine(
	store domain.LedgerStore,
	accounts domain.AccountRepository,
	validator *TransactionValidator,
	limits *LimitsEngine,
	audit *AuditTrail,
	locker domain.AccountLocker,
	dispatcher domain.NotificationDispatcher,
	cfg LedgerEngineConfig,
	now func() time.Time,
) *LedgerEngine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.MaxCommitAttempts == 0 {
		cfg.MaxCommitAttempts = 5
	}
	return &LedgerEngine{
		store:       store,
		accounts:    accounts,
		validator:   validator,
		limits:      limits,
		audit:       audit,
		locker:      locker,
		dispatcher:  dispatcher,
		window:      cfg.IdempotencyWindow,
		maxAttempts: cfg.MaxCommitAttempts,
		now:         now,
	}
}

var referenceCounter uint32

func accountLockKey(id string) string {
	return "account:" + id
}

func idempotencyKey(fromAccountID string, reference string) string {
	return "ref:" + fromAccountID + ":" + reference
}

// CreateTransaction validates, records and, unless scheduled, commits a
// transfer. A repeated (fromAccountId, reference) inside the idempotency
// window returns the earlier transaction instead of moving money again.
func (s *LedgerEngine) CreateTransaction(ctx context.Context, req models.CreateTransactionRequest, actor domain.Actor) (models.TransactionResponse, error) {
	if err := req.Validate(); err != nil {
		logger.Error("ledger engine create transaction validation failed", err, logger.Fields{"userId": actor.UserID})
		return models.TransactionResponse{}, domain.NewError(domain.KindValidation, "%s", err.Error())
	}
	logger.Info("ledger engine create transaction request", logger.Fields{
		"payload": logger.SanitizePayload(req),
		"userId":  actor.UserID,
	})
	if !req.Type.CallerInitiated() {
		return models.TransactionResponse{}, domain.NewError(domain.KindInvalidTransactionType, "transaction type %q cannot be submitted directly", req.Type)
	}

	req.FromAccountID = strings.TrimSpace(req.FromAccountID)
	req.ToAccountID = strings.TrimSpace(req.ToAccountID)
	if err := s.authorizeSource(ctx, req.FromAccountID, actor); err != nil {
		return models.TransactionResponse{}, err
	}

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		req.Reference = generateReference()
		return s.create(ctx, req, actor)
	}
	req.Reference = reference

	key := idempotencyKey(req.FromAccountID, reference)
	result, err, _ := s.inflight.Do(key, func() (any, error) {
		return s.createOnce(ctx, key, req, actor)
	})
	resp, _ := result.(models.TransactionResponse)
	return resp, err
}

func (s *LedgerEngine) createOnce(ctx context.Context, key string, req models.CreateTransactionRequest, actor domain.Actor) (models.TransactionResponse, error) {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return models.TransactionResponse{}, domain.WrapError(domain.KindStorageFailure, err, "acquire reference hold")
	}
	defer unlock()

	prior, err := s.findReplay(ctx, req.FromAccountID, req.Reference)
	if err == nil {
		logger.Info("ledger engine duplicate request replayed", logger.Fields{
			"transactionId": prior.ID,
			"fromAccountId": prior.FromAccountID,
			"reference":     prior.Reference,
			"kind":          domain.KindDuplicateRequest,
		})
		resp := models.NewTransactionResponse(prior)
		resp.Replayed = true
		return resp, nil
	}
	if !errors.Is(err, domain.ErrRecordNotFound) {
		return models.TransactionResponse{}, fmt.Errorf("find transaction by reference: %w", err)
	}

	return s.create(ctx, req, actor)
}

// findReplay returns the live transaction holding the reference. FAILED
// attempts and attempts older than the window release it.
func (s *LedgerEngine) findReplay(ctx context.Context, fromAccountID string, reference string) (domain.Transaction, error) {
	prior, err := s.store.FindTransactionByReference(ctx, fromAccountID, reference)
	if err != nil {
		return domain.Transaction{}, err
	}
	if prior.Status == domain.TransactionStatusFailed {
		return domain.Transaction{}, domain.ErrRecordNotFound
	}
	if s.window > 0 && prior.CreatedAt.Before(s.now().Add(-s.window)) {
		return domain.Transaction{}, domain.ErrRecordNotFound
	}
	return prior, nil
}

func (s *LedgerEngine) create(ctx context.Context, req models.CreateTransactionRequest, actor domain.Actor) (models.TransactionResponse, error) {
	now := s.now()

	a, err := s.validator.assess(ctx, s.store, req, now)
	if err != nil {
		if domain.KindOf(err).Transient() {
			logger.Error("ledger engine create transaction assessment failed", err, nil)
			return models.TransactionResponse{}, err
		}
		return s.reject(ctx, req, a, err, actor, now)
	}

	txn := domain.Transaction{
		ID:            uuid.NewString(),
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        a.amount,
		Fee:           a.fee,
		NetAmount:     a.net,
		Currency:      a.currency,
		Type:          req.Type,
		Status:        domain.TransactionStatusPending,
		Reference:     req.Reference,
		ExternalRef:   strings.TrimSpace(req.ExternalRef),
		Description:   strings.TrimSpace(req.Description),
		CreatedBy:     actor.UserID,
		ScheduledFor:  utcPtr(req.ScheduledFor),
		ExpiresAt:     utcPtr(req.ExpiresAt),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.insertPending(ctx, txn, actor, nil); err != nil {
		logger.Error("ledger engine insert pending transaction failed", err, logger.Fields{"transactionId": txn.ID})
		return models.TransactionResponse{}, err
	}

	if txn.IsScheduled() {
		logger.Info("ledger engine scheduled transaction accepted", logger.Fields{
			"transactionId": txn.ID,
			"scheduledFor":  txn.ScheduledFor,
		})
		resp := models.NewTransactionResponse(txn)
		resp.Warnings = a.warnings
		return resp, nil
	}

	resp, err := s.execute(ctx, txn, actor, nil)
	resp.Warnings = a.warnings
	return resp, err
}

// reject records a request that failed admissibility. When enough is known
// to form a transaction row it is stored as FAILED; otherwise only the audit
// entry is written.
func (s *LedgerEngine) reject(ctx context.Context, req models.CreateTransactionRequest, a assessment, cause error, actor domain.Actor, now time.Time) (models.TransactionResponse, error) {
	kind := domain.KindOf(cause)
	reason := domain.MessageOf(cause)
	logger.Warn("ledger engine transaction rejected", logger.Fields{
		"fromAccountId": req.FromAccountID,
		"toAccountId":   req.ToAccountID,
		"reference":     req.Reference,
		"kind":          kind,
		"reason":        reason,
	})

	failed, ok := rejectedTransaction(req, a, actor, reason, now)
	if !ok {
		entry := newAuditEntry(actor, domain.AuditActionTransactionRejected, domain.AuditResourceTransaction, req.Reference, now)
		entry.NewValues = map[string]any{
			"fromAccountId": req.FromAccountID,
			"toAccountId":   req.ToAccountID,
			"amount":        req.Amount.String(),
			"type":          string(req.Type),
		}
		entry.Metadata = map[string]any{"kind": string(kind), "reason": reason}
		if err := s.audit.Record(ctx, entry); err != nil {
			logger.Error("ledger engine record rejection failed", err, nil)
		}
		return models.TransactionResponse{}, cause
	}

	err := s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.InsertTransaction(ctx, failed); err != nil {
			return fmt.Errorf("insert failed transaction: %w", err)
		}
		entry := transactionEntry(actor, domain.AuditActionTransactionFailed, failed, now)
		entry.NewValues = transactionValues(failed)
		entry.Metadata = map[string]any{"kind": string(kind), "reason": reason}
		return s.audit.RecordWithin(ctx, tx, entry)
	})
	if err != nil {
		logger.Error("ledger engine persist failed transaction", err, logger.Fields{"transactionId": failed.ID})
		return models.TransactionResponse{}, cause
	}

	s.notify(ctx, failed, domain.EventTransactionFailed, actor)
	resp := models.NewTransactionResponse(failed)
	resp.Warnings = a.warnings
	return resp, cause
}

func rejectedTransaction(req models.CreateTransactionRequest, a assessment, actor domain.Actor, reason string, now time.Time) (domain.Transaction, bool) {
	if req.FromAccountID == req.ToAccountID || !req.Type.Valid() {
		return domain.Transaction{}, false
	}

	currency := a.currency
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	}
	if currency == "" {
		return domain.Transaction{}, false
	}

	amount := a.amount
	if amount == 0 {
		minor, err := domain.ToMinorUnits(req.Amount, currency)
		if err != nil || minor <= 0 {
			return domain.Transaction{}, false
		}
		amount = minor
	}

	fee, net := a.fee, a.net
	if !a.priced {
		fee, net = 0, amount
	}

	return domain.Transaction{
		ID:            uuid.NewString(),
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        amount,
		Fee:           fee,
		NetAmount:     net,
		Currency:      currency,
		Type:          req.Type,
		Status:        domain.TransactionStatusFailed,
		Reference:     req.Reference,
		ExternalRef:   strings.TrimSpace(req.ExternalRef),
		Description:   strings.TrimSpace(req.Description),
		CreatedBy:     actor.UserID,
		ScheduledFor:  utcPtr(req.ScheduledFor),
		ExpiresAt:     utcPtr(req.ExpiresAt),
		FailedReason:  reason,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, true
}

func (s *LedgerEngine) insertPending(ctx context.Context, txn domain.Transaction, actor domain.Actor, metadata map[string]any) error {
	return s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		entry := transactionEntry(actor, domain.AuditActionTransactionCreated, txn, txn.CreatedAt)
		entry.NewValues = transactionValues(txn)
		entry.Metadata = metadata
		return s.audit.RecordWithin(ctx, tx, entry)
	})
}

// execute drives a PENDING transaction through PROCESSING to COMPLETED or
// FAILED. Account holds are taken in ascending key order and released on
// every exit path.
func (s *LedgerEngine) execute(ctx context.Context, txn domain.Transaction, actor domain.Actor, hook commitHook) (models.TransactionResponse, error) {
	processing, err := txn.Transition(domain.TransactionStatusProcessing, s.now())
	if err != nil {
		return models.NewTransactionResponse(txn), err
	}
	if err := s.store.UpdateTransaction(ctx, processing, domain.TransactionStatusPending); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return models.NewTransactionResponse(txn), domain.NewError(domain.KindInvalidStateTransition, "transaction %s is no longer pending", txn.ID)
		}
		return models.NewTransactionResponse(txn), fmt.Errorf("mark transaction processing: %w", err)
	}

	unlock, err := s.locker.Lock(ctx, accountLockKey(txn.FromAccountID), accountLockKey(txn.ToAccountID))
	if err != nil {
		return s.fail(ctx, processing, domain.WrapError(domain.KindStorageFailure, err, "acquire account holds"), actor)
	}
	completed, err := s.commitWithRetry(ctx, processing, actor, hook)
	unlock()
	if err != nil {
		return s.fail(ctx, processing, err, actor)
	}

	logger.Info("ledger engine transaction completed", logger.Fields{
		"transactionId": completed.ID,
		"fromAccountId": completed.FromAccountID,
		"toAccountId":   completed.ToAccountID,
		"amount":        completed.Amount,
		"fee":           completed.Fee,
		"status":        completed.Status,
	})
	s.notify(ctx, completed, domain.EventTransactionCompleted, actor)
	return models.NewTransactionResponse(completed), nil
}

// commitWithRetry retries only optimistic-lock conflicts.
func (s *LedgerEngine) commitWithRetry(ctx context.Context, txn domain.Transaction, actor domain.Actor, hook commitHook) (domain.Transaction, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	attempt := 0
	operation := func() (domain.Transaction, error) {
		attempt++
		completed, err := s.commit(ctx, txn, actor, hook)
		if err == nil {
			return completed, nil
		}
		if errors.Is(err, domain.ErrConcurrentModification) {
			logger.Warn("ledger engine commit conflict", logger.Fields{
				"transactionId": txn.ID,
				"attempt":       attempt,
			})
			return completed, err
		}
		return completed, backoff.Permanent(err)
	}

	return backoff.Retry(ctx, operation, backoff.WithBackOff(policy), backoff.WithMaxTries(s.maxAttempts))
}

// commit applies the balance mutation, limit reservation, fee revenue, status
// change and audit entry as one unit of work.
func (s *LedgerEngine) commit(ctx context.Context, txn domain.Transaction, actor domain.Actor, hook commitHook) (domain.Transaction, error) {
	now := s.now()
	var completed domain.Transaction

	err := s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		current, err := tx.GetTransaction(ctx, txn.ID)
		if err != nil {
			return fmt.Errorf("reload transaction: %w", err)
		}
		if current.Status != domain.TransactionStatusProcessing {
			return domain.NewError(domain.KindInvalidStateTransition, "transaction %s is %s, not PROCESSING", current.ID, current.Status)
		}

		source, destination, err := s.loadPair(ctx, tx, current, now)
		if err != nil {
			return err
		}
		if source.Balance < current.Amount {
			return domain.NewError(domain.KindInsufficientFunds, "source balance is insufficient for %s", models.FormatMinor(current.Amount, current.Currency))
		}
		if destination.Balance > math.MaxInt64-current.NetAmount {
			return domain.NewError(domain.KindValidation, "destination balance would overflow")
		}
		if _, err := s.limits.CheckAndReserve(ctx, tx, source, current.Type, current.Amount, now); err != nil {
			return err
		}

		source.Balance -= current.Amount
		if err := tx.UpdateAccountBalance(ctx, source); err != nil {
			return fmt.Errorf("debit source account: %w", err)
		}
		destination.Balance += current.NetAmount
		if err := tx.UpdateAccountBalance(ctx, destination); err != nil {
			return fmt.Errorf("credit destination account: %w", err)
		}
		if current.Fee > 0 {
			if err := tx.AddFeeRevenue(ctx, current.Currency, current.Fee); err != nil {
				return fmt.Errorf("record fee revenue: %w", err)
			}
		}

		completed, err = current.Transition(domain.TransactionStatusCompleted, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, completed, domain.TransactionStatusProcessing); err != nil {
			return fmt.Errorf("mark transaction completed: %w", err)
		}

		entry := transactionEntry(actor, domain.AuditActionTransactionCompleted, completed, now)
		entry.OldValues = map[string]any{"status": string(current.Status)}
		entry.NewValues = transactionValues(completed)
		entry.Metadata = map[string]any{
			"sourceBalance":      source.Balance,
			"destinationBalance": destination.Balance,
		}
		if err := s.audit.RecordWithin(ctx, tx, entry); err != nil {
			return err
		}

		if hook != nil {
			return hook(ctx, tx, completed, now)
		}
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return completed, nil
}

// loadPair reads both accounts in ascending id order. Compensating legs skip
// the usability checks so a frozen or closed account can still be made whole.
func (s *LedgerEngine) loadPair(ctx context.Context, tx domain.LedgerTx, txn domain.Transaction, now time.Time) (domain.Account, domain.Account, error) {
	ids := []string{txn.FromAccountID, txn.ToAccountID}
	sort.Strings(ids)

	loaded := make(map[string]domain.Account, len(ids))
	for _, id := range ids {
		account, err := tx.GetAccount(ctx, id)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.Account{}, domain.Account{}, domain.NewError(domain.KindAccountNotFound, "account %s not found", id)
		}
		if err != nil {
			return domain.Account{}, domain.Account{}, fmt.Errorf("get account %s: %w", id, err)
		}
		loaded[id] = account
	}

	source, destination := loaded[txn.FromAccountID], loaded[txn.ToAccountID]
	if txn.Type != domain.TransactionTypeReversal {
		if err := checkUsable(source, "source", now); err != nil {
			return domain.Account{}, domain.Account{}, err
		}
		if err := checkUsable(destination, "destination", now); err != nil {
			return domain.Account{}, domain.Account{}, err
		}
	}
	if !strings.EqualFold(source.Currency, txn.Currency) || !strings.EqualFold(destination.Currency, txn.Currency) {
		return domain.Account{}, domain.Account{}, domain.NewError(domain.KindCurrencyMismatch, "account currencies do not match transaction currency %s", txn.Currency)
	}
	return source, destination, nil
}

// fail moves a PROCESSING transaction to FAILED in its own unit of work and
// returns cause. It runs detached from ctx so a cancelled caller still leaves
// an observable FAILED record.
func (s *LedgerEngine) fail(ctx context.Context, processing domain.Transaction, cause error, actor domain.Actor) (models.TransactionResponse, error) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	kind := domain.KindOf(cause)
	reason := domain.MessageOf(cause)

	var failed domain.Transaction
	err := s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		current, err := tx.GetTransaction(ctx, processing.ID)
		if err != nil {
			return fmt.Errorf("reload transaction: %w", err)
		}
		failed, err = current.Transition(domain.TransactionStatusFailed, now)
		if err != nil {
			return err
		}
		failed.FailedReason = reason
		if err := tx.UpdateTransaction(ctx, failed, domain.TransactionStatusProcessing); err != nil {
			return fmt.Errorf("mark transaction failed: %w", err)
		}

		entry := transactionEntry(actor, domain.AuditActionTransactionFailed, failed, now)
		entry.OldValues = map[string]any{"status": string(current.Status)}
		entry.NewValues = transactionValues(failed)
		entry.Metadata = map[string]any{"kind": string(kind), "reason": reason}
		return s.audit.RecordWithin(ctx, tx, entry)
	})
	if err != nil {
		logger.Error("ledger engine mark transaction failed", err, logger.Fields{
			"transactionId": processing.ID,
			"kind":          kind,
		})
		return models.NewTransactionResponse(processing), cause
	}

	logger.Warn("ledger engine transaction failed", logger.Fields{
		"transactionId": failed.ID,
		"fromAccountId": failed.FromAccountID,
		"toAccountId":   failed.ToAccountID,
		"kind":          kind,
		"reason":        reason,
	})
	s.notify(ctx, failed, domain.EventTransactionFailed, actor)
	return models.NewTransactionResponse(failed), cause
}

// notify runs outside every unit of work. Delivery problems are logged, never returned.
func (s *LedgerEngine) notify(ctx context.Context, txn domain.Transaction, eventType domain.TransactionEventType, actor domain.Actor) {
	if s.dispatcher == nil {
		return
	}
	event := domain.TransactionEvent{
		EventType:     eventType,
		TransactionID: txn.ID,
		Status:        txn.Status,
		Timestamp:     s.now(),
		UserID:        actor.UserID,
	}
	if err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), event); err != nil {
		logger.Error("ledger engine notification dispatch failed", err, logger.Fields{
			"transactionId": txn.ID,
			"eventType":     eventType,
		})
	}
}

// ProcessTransaction commits a PENDING transaction now, typically a scheduled one.
func (s *LedgerEngine) ProcessTransaction(ctx context.Context, id string, actor domain.Actor) (models.TransactionResponse, error) {
	logger.Info("ledger engine process transaction request", logger.Fields{
		"transactionId": id,
		"userId":        actor.UserID,
	})

	txn, err := s.loadTransaction(ctx, id)
	if err != nil {
		return models.TransactionResponse{}, err
	}
	if !actor.IsAdmin() && txn.CreatedBy != actor.UserID {
		return models.TransactionResponse{}, domain.NewError(domain.KindForbidden, "only the initiator or an admin can process transaction %s", id)
	}
	if txn.Status != domain.TransactionStatusPending {
		return models.NewTransactionResponse(txn), domain.NewError(domain.KindInvalidStateTransition, "transaction %s is %s, not PENDING", id, txn.Status)
	}

	now := s.now()
	if txn.ExpiresAt != nil && !now.Before(*txn.ExpiresAt) {
		expired, _, err := s.expire(ctx, txn, now)
		if err != nil {
			return models.NewTransactionResponse(txn), err
		}
		return models.NewTransactionResponse(expired), domain.NewError(domain.KindInvalidStateTransition, "transaction %s expired at %s", id, txn.ExpiresAt.Format(time.RFC3339))
	}

	return s.execute(ctx, txn, actor, nil)
}

// CancelTransaction is allowed for the initiator or an admin while PENDING.
func (s *LedgerEngine) CancelTransaction(ctx context.Context, id string, req models.CancelTransactionRequest, actor domain.Actor) (models.TransactionResponse, error) {
	logger.Info("ledger engine cancel transaction request", logger.Fields{
		"transactionId": id,
		"userId":        actor.UserID,
	})

	txn, err := s.loadTransaction(ctx, id)
	if err != nil {
		return models.TransactionResponse{}, err
	}
	if !actor.IsAdmin() && txn.CreatedBy != actor.UserID {
		return models.TransactionResponse{}, domain.NewError(domain.KindForbidden, "only the initiator or an admin can cancel transaction %s", id)
	}

	now := s.now()
	cancelled, err := txn.Transition(domain.TransactionStatusCancelled, now)
	if err != nil {
		return models.NewTransactionResponse(txn), err
	}

	err = s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.UpdateTransaction(ctx, cancelled, domain.TransactionStatusPending); err != nil {
			return err
		}
		entry := transactionEntry(actor, domain.AuditActionTransactionCancelled, cancelled, now)
		entry.OldValues = map[string]any{"status": string(txn.Status)}
		entry.NewValues = map[string]any{"status": string(cancelled.Status)}
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			entry.Metadata = map[string]any{"reason": reason}
		}
		return s.audit.RecordWithin(ctx, tx, entry)
	})
	if errors.Is(err, domain.ErrConcurrentModification) {
		return models.NewTransactionResponse(txn), domain.NewError(domain.KindInvalidStateTransition, "transaction %s left PENDING before it could be cancelled", id)
	}
	if err != nil {
		return models.NewTransactionResponse(txn), fmt.Errorf("cancel transaction: %w", err)
	}

	logger.Info("ledger engine transaction cancelled", logger.Fields{"transactionId": id})
	return models.NewTransactionResponse(cancelled), nil
}

// expire moves a still-PENDING transaction to EXPIRED. It reports false when
// the transaction had already left PENDING.
func (s *LedgerEngine) expire(ctx context.Context, txn domain.Transaction, now time.Time) (domain.Transaction, bool, error) {
	expired, err := txn.Transition(domain.TransactionStatusExpired, now)
	if err != nil {
		return txn, false, nil
	}

	err = s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.UpdateTransaction(ctx, expired, domain.TransactionStatusPending); err != nil {
			return err
		}
		entry := transactionEntry(domain.SystemActor(), domain.AuditActionTransactionExpired, expired, now)
		entry.OldValues = map[string]any{"status": string(txn.Status)}
		entry.NewValues = map[string]any{"status": string(expired.Status)}
		return s.audit.RecordWithin(ctx, tx, entry)
	})
	if errors.Is(err, domain.ErrConcurrentModification) {
		return txn, false, nil
	}
	if err != nil {
		return txn, false, fmt.Errorf("expire transaction %s: %w", txn.ID, err)
	}
	return expired, true, nil
}

func (s *LedgerEngine) GetTransaction(ctx context.Context, id string, actor domain.Actor) (models.TransactionResponse, error) {
	txn, err := s.loadTransaction(ctx, id)
	if err != nil {
		return models.TransactionResponse{}, err
	}
	if err := s.authorizeView(ctx, txn, actor); err != nil {
		return models.TransactionResponse{}, err
	}

	entry := transactionEntry(actor, domain.AuditActionTransactionViewed, txn, s.now())
	if err := s.audit.Record(ctx, entry); err != nil {
		logger.Error("ledger engine record transaction view failed", err, logger.Fields{"transactionId": txn.ID})
	}

	return models.NewTransactionResponse(txn), nil
}

// ListTransactions scopes non-admin callers to the accounts they own.
func (s *LedgerEngine) ListTransactions(ctx context.Context, req models.ListTransactionsRequest, actor domain.Actor) (commons.Page[models.TransactionResponse], error) {
	if err := req.Validate(); err != nil {
		return commons.Page[models.TransactionResponse]{}, domain.NewError(domain.KindValidation, "%s", err.Error())
	}

	page, limit := commons.NormalizePage(req.Page, req.Limit)
	filter := domain.TransactionFilter{
		Status: req.Status,
		Type:   req.Type,
		From:   req.From,
		To:     req.To,
		Page:   page,
		Limit:  limit,
	}

	accountID := strings.TrimSpace(req.AccountID)
	if actor.IsAdmin() {
		if accountID != "" {
			filter.AccountIDs = []string{accountID}
		}
	} else {
		owned, err := s.accounts.ListAccountsByOwner(ctx, actor.UserID)
		if err != nil {
			return commons.Page[models.TransactionResponse]{}, fmt.Errorf("list owned accounts: %w", err)
		}
		for _, account := range owned {
			if accountID == "" || account.ID == accountID {
				filter.AccountIDs = append(filter.AccountIDs, account.ID)
			}
		}
		if len(filter.AccountIDs) == 0 {
			if accountID != "" {
				return commons.Page[models.TransactionResponse]{}, domain.NewError(domain.KindForbidden, "account %s is not owned by the caller", accountID)
			}
			return commons.Page[models.TransactionResponse]{Items: []models.TransactionResponse{}, Page: page, Limit: limit}, nil
		}
	}

	txns, total, err := s.store.ListTransactions(ctx, filter)
	if err != nil {
		logger.Error("ledger engine list transactions failed", err, nil)
		return commons.Page[models.TransactionResponse]{}, fmt.Errorf("list transactions: %w", err)
	}

	items := make([]models.TransactionResponse, 0, len(txns))
	for _, txn := range txns {
		items = append(items, models.NewTransactionResponse(txn))
	}
	return commons.Page[models.TransactionResponse]{Items: items, Total: total, Page: page, Limit: limit}, nil
}

func (s *LedgerEngine) loadTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, strings.TrimSpace(id))
	if errors.Is(err, domain.ErrRecordNotFound) {
		return domain.Transaction{}, domain.NewError(domain.KindTransactionNotFound, "transaction %s not found", id)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return txn, nil
}

func (s *LedgerEngine) authorizeSource(ctx context.Context, accountID string, actor domain.Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	account, err := s.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, domain.ErrRecordNotFound) {
		// Left to the validator so the attempt is recorded.
		return nil
	}
	if err != nil {
		return fmt.Errorf("get source account: %w", err)
	}
	if account.OwnerID != actor.UserID {
		return domain.NewError(domain.KindForbidden, "account %s is not owned by the caller", accountID)
	}
	return nil
}

func (s *LedgerEngine) authorizeView(ctx context.Context, txn domain.Transaction, actor domain.Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	for _, id := range []string{txn.FromAccountID, txn.ToAccountID} {
		account, err := s.accounts.GetAccount(ctx, id)
		if errors.Is(err, domain.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("get account %s: %w", id, err)
		}
		if account.OwnerID == actor.UserID {
			return nil
		}
	}
	return domain.NewError(domain.KindForbidden, "transaction %s does not touch an account owned by the caller", txn.ID)
}

func transactionEntry(actor domain.Actor, action domain.AuditAction, txn domain.Transaction, now time.Time) domain.AuditLogEntry {
	return newAuditEntry(actor, action, domain.AuditResourceTransaction, txn.ID, now)
}

func transactionValues(txn domain.Transaction) map[string]any {
	values := map[string]any{
		"fromAccountId": txn.FromAccountID,
		"toAccountId":   txn.ToAccountID,
		"amount":        txn.Amount,
		"fee":           txn.Fee,
		"netAmount":     txn.NetAmount,
		"currency":      txn.Currency,
		"type":          string(txn.Type),
		"status":        string(txn.Status),
		"reference":     txn.Reference,
	}
	if txn.ReversalOfID != nil {
		values["reversalOfId"] = *txn.ReversalOfID
	}
	if txn.FailedReason != "" {
		values["failedReason"] = txn.FailedReason
	}
	return values
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// generateReference builds a 30-digit time-ordered reference: a UTC
// timestamp, nanoseconds and a rolling counter.
func generateReference() string {
	now := time.Now().UTC()
	base := now.Format("20060102150405") + fmt.Sprintf("%09d", now.Nanosecond())
	counter := atomic.AddUint32(&referenceCounter, 1) % 10000000
	return base + fmt.Sprintf("%07d", counter)
}

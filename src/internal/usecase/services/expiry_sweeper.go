package services

import (
	"context"
	"errors"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/logger"
)

const sweepBatchSize = 200

type SweepResult struct {
	Processed int
	Expired   int
	Failed    int
	Purged    int64
}

// ExpirySweeper reconciles scheduled work on a timer: due scheduled
// transactions are committed, stale PENDING ones expire, and audit entries
// past retention are purged. It only ever acts on PENDING transactions.
type ExpirySweeper struct {
	engine    *LedgerEngine
	store     domain.LedgerStore
	audit     *AuditTrail
	grace     time.Duration
	retention time.Duration
	interval  time.Duration
}

func NewExpirySweeper(engine *LedgerEngine, store domain.LedgerStore, audit *AuditTrail, grace, retention, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		engine:    engine,
		store:     store,
		audit:     audit,
		grace:     grace,
		retention: retention,
		interval:  interval,
	}
}

// Sweep makes one pass as of now.
func (w *ExpirySweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	pending, err := w.store.ListPending(ctx, domain.PendingFilter{DueBefore: now, Limit: sweepBatchSize})
	if err != nil {
		return result, err
	}

	for _, txn := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if w.shouldExpire(txn, now) {
			_, changed, err := w.engine.expire(ctx, txn, now)
			if err != nil {
				logger.Error("expiry sweeper expire failed", err, logger.Fields{"transactionId": txn.ID})
				continue
			}
			if changed {
				result.Expired++
			}
			continue
		}

		if !txn.IsScheduled() {
			continue
		}
		_, err := w.engine.execute(ctx, txn, domain.SystemActor(), nil)
		switch {
		case err == nil:
			result.Processed++
		case errors.Is(err, domain.ErrInvalidStateTransition):
			// Picked up by a manual process or cancel in between.
		default:
			result.Failed++
			logger.Warn("expiry sweeper scheduled transaction failed", logger.Fields{
				"transactionId": txn.ID,
				"kind":          domain.KindOf(err),
			})
		}
	}

	if w.retention > 0 {
		purged, err := w.audit.PurgeExpired(ctx, now.Add(-w.retention))
		if err != nil {
			return result, err
		}
		result.Purged = purged
	}

	if result.Processed+result.Expired+result.Failed > 0 {
		logger.Info("expiry sweeper pass complete", logger.Fields{
			"processed": result.Processed,
			"expired":   result.Expired,
			"failed":    result.Failed,
			"purged":    result.Purged,
		})
	}
	return result, nil
}

// shouldExpire is true once expiresAt passes, or once a scheduled
// transaction has gone unprocessed for the grace period.
func (w *ExpirySweeper) shouldExpire(txn domain.Transaction, now time.Time) bool {
	if txn.ExpiresAt != nil && !now.Before(*txn.ExpiresAt) {
		return true
	}
	if txn.ScheduledFor != nil && w.grace > 0 && !now.Before(txn.ScheduledFor.Add(w.grace)) {
		return true
	}
	return false
}

// Run sweeps every interval until ctx is cancelled.
func (w *ExpirySweeper) Run(ctx context.Context) error {
	interval := w.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("expiry sweeper started", logger.Fields{"interval": interval.String()})
	for {
		select {
		case <-ctx.Done():
			logger.Info("expiry sweeper stopped", nil)
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx, w.engine.now()); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("expiry sweeper pass failed", err, nil)
			}
		}
	}
}

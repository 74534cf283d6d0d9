package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"koinpay/models"
	"koinpay/observability/logging"
	"koinpay/wallet"
)

const (
	lockAttempts      = 3
	zombieAge         = 10 * time.Minute
	finalizeRetryWait = time.Second
)

// ErrNotPayable is returned when the order is in a state the executor may
// not act on (not yet paid, or terminal without a hash).
var ErrNotPayable = errors.New("order: not in a payable state")

// ProcessOrder runs the payout for a paid order with at-most-once send
// semantics. Safe to invoke concurrently and repeatedly for the same order:
// the conditional PROCESSING transition admits exactly one effecting worker.
func (e *Engine) ProcessOrder(ctx context.Context, orderID uuid.UUID) error {
	row, err := e.acquire(ctx, orderID)
	if err != nil || row == nil {
		return err
	}
	started := e.nowFn()

	hash, err := e.wallets.SendNative(ctx, row.ChainSlug, row.WalletAddress, row.AmountToken)
	if err != nil {
		var broadcast *wallet.TxBroadcastedError
		if errors.As(err, &broadcast) {
			// The transaction is on the network; its hash is the truth
			// regardless of the missing confirmation.
			e.logger.Warn("payout broadcast without confirmation",
				"order_id", row.ID.String(), "tx_hash", broadcast.Hash, "error", err)
			hash = broadcast.Hash
		} else if wallet.IsSafeFailure(err) {
			e.metrics.ObservePayout(row.ChainSlug, "failed", e.nowFn().Sub(started))
			return e.failSafe(ctx, *row, err)
		} else {
			// Unknown send outcome. Re-sending could double spend, so the
			// order stays PROCESSING until the zombie-steal path or an
			// operator picks it up.
			e.metrics.RecordCritical("payout_ambiguous")
			e.metrics.ObservePayout(row.ChainSlug, "ambiguous", e.nowFn().Sub(started))
			logging.Critical(e.logger, "payout outcome unknown, double spend risk",
				"order_id", row.ID.String(), "chain", row.ChainSlug, "error", err)
			return fmt.Errorf("order: payout %s: %w", row.ID, err)
		}
	}

	if err := e.finalize(ctx, row.ID, hash); err != nil {
		return err
	}
	e.metrics.ObservePayout(row.ChainSlug, "success", e.nowFn().Sub(started))
	e.afterSuccess(ctx, row.ID)
	return nil
}

// acquire claims the payout lock. A nil row with nil error means the order
// is already handled and there is nothing to do.
func (e *Engine) acquire(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	for attempt := 0; attempt < lockAttempts; attempt++ {
		now := e.nowFn()
		res := e.db.WithContext(ctx).Model(&models.Order{}).
			Where("id = ? AND status = ? AND tx_hash IS NULL", orderID, models.OrderPaid).
			Updates(map[string]interface{}{"status": models.OrderProcessing, "updated_at": now})
		if res.Error != nil {
			return nil, fmt.Errorf("order: acquire: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			row, err := e.Get(ctx, orderID)
			if err != nil {
				return nil, err
			}
			return &row, nil
		}

		row, err := e.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		switch {
		case row.Status == models.OrderSuccess:
			return nil, nil
		case row.TxHash != nil:
			// A previous worker broadcast but died before finalizing.
			if err := e.finalize(ctx, row.ID, *row.TxHash); err != nil {
				return nil, err
			}
			e.afterSuccess(ctx, row.ID)
			return nil, nil
		case row.Status == models.OrderProcessing:
			if now.Sub(row.UpdatedAt) < zombieAge {
				return nil, nil
			}
			// The holder looks dead. Steal the lock, guarded on the exact
			// updated_at so only one thief wins.
			steal := e.db.WithContext(ctx).Model(&models.Order{}).
				Where("id = ? AND status = ? AND updated_at = ?", orderID, models.OrderProcessing, row.UpdatedAt).
				Update("updated_at", now)
			if steal.Error != nil {
				return nil, fmt.Errorf("order: steal: %w", steal.Error)
			}
			if steal.RowsAffected == 1 {
				e.logger.Warn("stole stale payout lock",
					"order_id", row.ID.String(), "stale_since", row.UpdatedAt)
				row.UpdatedAt = now
				return &row, nil
			}
		default:
			return nil, fmt.Errorf("%w: %s is %s", ErrNotPayable, orderID, row.Status)
		}
	}
	return nil, nil
}

// failSafe records a provable send rejection: the order fails and its
// reservations go back, in one transaction. The releases only run when this
// worker performed the FAILED transition; a zero-row update means another
// worker already finalized the order and the holds belong to it.
func (e *Engine) failSafe(ctx context.Context, row models.Order, sendErr error) error {
	failed := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", row.ID, models.OrderProcessing).
			Updates(map[string]interface{}{"status": models.OrderFailed, "updated_at": e.nowFn()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		failed = true
		return e.releaseHolds(tx, row)
	})
	if err != nil {
		return fmt.Errorf("order: mark failed: %w", err)
	}
	if !failed {
		return nil
	}
	e.logger.Error("payout rejected by chain, order failed",
		"order_id", row.ID.String(), "chain", row.ChainSlug, "error", sendErr)
	if e.notifier != nil {
		e.notifier.OrderFailed(ctx, row)
	}
	return nil
}

// finalize commits SUCCESS plus the inventory deduction atomically. Money
// is already on-chain, so a DB failure is retried once and then surfaced
// for manual reconciliation.
func (e *Engine) finalize(ctx context.Context, orderID uuid.UUID, txHash string) error {
	attempt := func() error {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := e.nowFn()
			res := tx.Model(&models.Order{}).
				Where("id = ? AND status = ?", orderID, models.OrderProcessing).
				Updates(map[string]interface{}{
					"status":       models.OrderSuccess,
					"tx_hash":      txHash,
					"completed_at": &now,
					"updated_at":   now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Another worker finalized; the deduction already happened.
				return nil
			}
			var row models.Order
			if err := tx.First(&row, "id = ?", orderID).Error; err != nil {
				return err
			}
			return e.inventory.Deduct(tx, row.ChainID, row.Symbol, row.AmountToken)
		})
	}
	if err := attempt(); err != nil {
		time.Sleep(finalizeRetryWait)
		if err = attempt(); err != nil {
			e.metrics.RecordCritical("finalize_failed")
			logging.Critical(e.logger, "payout sent but finalize failed, manual reconciliation required",
				"order_id", orderID.String(), "tx_hash", txHash, "error", err)
			return fmt.Errorf("order: finalize %s: %w", orderID, err)
		}
	}
	return nil
}

func (e *Engine) afterSuccess(ctx context.Context, orderID uuid.UUID) {
	row, err := e.Get(ctx, orderID)
	if err != nil {
		e.logger.Error("post-finalize lookup failed", "order_id", orderID.String(), "error", err)
		return
	}
	if e.queue != nil {
		if err := e.queue.EnqueueReferralValidation(ctx, row.UserID); err != nil {
			e.logger.Warn("referral enqueue failed", "user_id", row.UserID.String(), "error", err)
		}
	}
	if e.notifier != nil {
		e.notifier.OrderSucceeded(ctx, row)
	}
}

// AdminMarkSuccess finalizes an order with an operator-supplied hash. Used
// after manual reconciliation of an ambiguous payout.
func (e *Engine) AdminMarkSuccess(ctx context.Context, orderID uuid.UUID, txHash string) error {
	row, err := e.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if row.Status != models.OrderPaid && row.Status != models.OrderProcessing {
		return fmt.Errorf("%w: %s is %s", ErrNotPayable, orderID, row.Status)
	}
	if row.Status == models.OrderPaid {
		res := e.db.WithContext(ctx).Model(&models.Order{}).
			Where("id = ? AND status = ?", orderID, models.OrderPaid).
			Updates(map[string]interface{}{"status": models.OrderProcessing, "updated_at": e.nowFn()})
		if res.Error != nil {
			return fmt.Errorf("order: admin mark: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotPayable, orderID)
		}
	}
	if err := e.finalize(ctx, orderID, txHash); err != nil {
		return err
	}
	e.afterSuccess(ctx, orderID)
	return nil
}

package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"koinpay/midtrans"
	"koinpay/models"
)

// gatewayGrace extends the payment window for orders the gateway still
// reports as pending. The gateway-side charge expires well before this, so
// surviving the grace means the payment is truly dead.
const gatewayGrace = 70 * time.Minute

// ExpireSweep scans stale PENDING orders and expires those whose payment is
// provably not coming. Returns the number of orders expired.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	cutoff := e.nowFn().Add(-PaymentWindow)
	var rows []models.Order
	err := e.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.OrderPending, cutoff).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("order: expiry scan: %w", err)
	}

	expired := 0
	for _, row := range rows {
		ok, err := e.expireOne(ctx, row)
		if err != nil {
			e.logger.Warn("expiry skipped", "order_id", row.ID.String(), "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		e.logger.Info("expiry sweep done", "scanned", len(rows), "expired", expired)
	}
	return expired, nil
}

// ExpireOrder is the per-order delayed job path: expire a single order if
// its payment window has lapsed.
func (e *Engine) ExpireOrder(ctx context.Context, orderID uuid.UUID) error {
	row, err := e.Get(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if row.Status != models.OrderPending {
		return nil
	}
	if e.nowFn().Sub(row.CreatedAt) < PaymentWindow {
		return nil
	}
	_, err = e.expireOne(ctx, row)
	return err
}

// SyncPayment re-reads the gateway for an order's payment and promotes or
// cancels it accordingly. Returns the order's status after reconciliation.
func (e *Engine) SyncPayment(ctx context.Context, orderID, userID uuid.UUID) (models.OrderStatus, error) {
	row, err := e.getScoped(ctx, orderID, userID)
	if err != nil {
		return "", err
	}
	if row.Status != models.OrderPending || row.MidtransID == nil {
		return row.Status, nil
	}
	status, err := e.gateway.TransactionStatus(ctx, *row.MidtransID)
	if errors.Is(err, midtrans.ErrTransactionNotFound) {
		return row.Status, nil
	}
	if err != nil {
		return row.Status, fmt.Errorf("order: gateway status: %w", err)
	}
	switch {
	case status.Success():
		if err := e.HandlePaymentSuccess(ctx, row.ID); err != nil {
			return row.Status, err
		}
	case status.Failed():
		if err := e.CancelOrder(ctx, row.ID, uuid.Nil); err != nil && !errors.Is(err, ErrCancelNotAllowed) {
			return row.Status, err
		}
	}
	current, err := e.Get(ctx, orderID)
	if err != nil {
		return row.Status, err
	}
	return current.Status, nil
}

// expireOne decides one order's fate. The gateway is consulted before
// expiring anything it might have collected money for: a reported success
// takes the normal paid path, an unreachable gateway defers the decision.
func (e *Engine) expireOne(ctx context.Context, row models.Order) (bool, error) {
	if row.MidtransID != nil {
		status, err := e.gateway.TransactionStatus(ctx, *row.MidtransID)
		switch {
		case errors.Is(err, midtrans.ErrTransactionNotFound):
			// Reference unknown to the gateway; nothing was collected.
		case err != nil:
			// Cannot prove the payment failed. Never expire blind.
			return false, fmt.Errorf("order: gateway status: %w", err)
		case status.Success():
			if err := e.HandlePaymentSuccess(ctx, row.ID); err != nil {
				return false, err
			}
			return false, nil
		case !status.Failed():
			// Still pending at the gateway. Grant the grace window.
			if e.nowFn().Sub(row.CreatedAt) < gatewayGrace {
				return false, nil
			}
		}
	}

	expired := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", row.ID, models.OrderPending).
			Updates(map[string]interface{}{"status": models.OrderExpired, "updated_at": e.nowFn()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		expired = true
		return e.releaseHolds(tx, row)
	})
	if err != nil {
		return false, fmt.Errorf("order: expire: %w", err)
	}
	return expired, nil
}

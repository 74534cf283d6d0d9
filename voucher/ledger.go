package voucher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"koinpay/models"
)

// Validation and reservation errors. All are user-visible conflict
// conditions except ErrNotFound.
var (
	ErrNotFound      = errors.New("voucher: code not found")
	ErrInactive      = errors.New("voucher: inactive")
	ErrExpired       = errors.New("voucher: expired")
	ErrNotOwner      = errors.New("voucher: owned by another user")
	ErrBelowMinimum  = errors.New("voucher: order amount below minimum")
	ErrAlreadyUsed   = errors.New("voucher: already redeemed by this user")
	ErrInUse         = errors.New("voucher: attached to an active order")
	ErrQuotaExceeded = errors.New("voucher: usage quota exceeded")
)

// activeOrderStatuses are the order states that pin a public voucher to a
// user until the order reaches a terminal state.
var activeOrderStatuses = []models.OrderStatus{
	models.OrderPending,
	models.OrderPaid,
	models.OrderProcessing,
}

// Ledger enforces the voucher usage quota. The reserve step runs inside the
// caller's order transaction so a failed order releases the slot for free.
type Ledger struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewLedger constructs the voucher ledger.
func NewLedger(db *gorm.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger, nowFn: time.Now}
}

// ValidateAndReserve checks every redemption rule for the code and, when all
// pass, claims one usage slot via the conditional increment
// `usage_count < max_usage`. A zero-row update means a concurrent order took
// the last slot; the caller's transaction rolls back its other reservations.
func (l *Ledger) ValidateAndReserve(tx *gorm.DB, code string, userID uuid.UUID, orderAmountIDR int64) (models.Voucher, error) {
	row, err := l.validate(tx, code, userID, orderAmountIDR)
	if err != nil {
		return row, err
	}
	res := tx.Model(&models.Voucher{}).
		Where("id = ? AND usage_count < max_usage", row.ID).
		Update("usage_count", gorm.Expr("usage_count + 1"))
	if res.Error != nil {
		return row, fmt.Errorf("voucher: reserve %s: %w", row.Code, res.Error)
	}
	if res.RowsAffected == 0 {
		return row, ErrQuotaExceeded
	}
	row.UsageCount++
	return row, nil
}

// Peek runs all validations without claiming a slot. Used by the
// conversation flow to show the discount before the user confirms.
func (l *Ledger) Peek(ctx context.Context, code string, userID uuid.UUID, orderAmountIDR int64) (models.Voucher, error) {
	row, err := l.validate(l.db.WithContext(ctx), code, userID, orderAmountIDR)
	if err != nil {
		return row, err
	}
	if row.UsageCount >= row.MaxUsage {
		return row, ErrQuotaExceeded
	}
	return row, nil
}

// Release returns a claimed slot after cancellation, expiry, or a safe payout
// failure, inside the supplied transaction so it commits with the order's
// terminal transition. The floor predicate makes double releases harmless.
func (l *Ledger) Release(tx *gorm.DB, voucherID uuid.UUID) error {
	res := tx.Model(&models.Voucher{}).
		Where("id = ? AND usage_count > 0", voucherID).
		Update("usage_count", gorm.Expr("usage_count - 1"))
	if res.Error != nil {
		return fmt.Errorf("voucher: release %s: %w", voucherID, res.Error)
	}
	return nil
}

// DeactivateExpired flips active off for vouchers past their expiry. Run
// hourly; inactive vouchers stay in place for audit.
func (l *Ledger) DeactivateExpired(ctx context.Context) (int64, error) {
	res := l.db.WithContext(ctx).Model(&models.Voucher{}).
		Where("active = ? AND expires_at IS NOT NULL AND expires_at < ?", true, l.nowFn()).
		Update("active", false)
	if res.Error != nil {
		return 0, fmt.Errorf("voucher: deactivate expired: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		l.logger.Info("expired vouchers deactivated", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func (l *Ledger) validate(tx *gorm.DB, code string, userID uuid.UUID, orderAmountIDR int64) (models.Voucher, error) {
	var row models.Voucher
	err := tx.First(&row, "code = ?", strings.ToUpper(strings.TrimSpace(code))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrNotFound
	}
	if err != nil {
		return row, fmt.Errorf("voucher: lookup %q: %w", code, err)
	}
	if !row.Active {
		return row, ErrInactive
	}
	if row.Expired(l.nowFn()) {
		return row, ErrExpired
	}
	if row.OwnerID != nil && *row.OwnerID != userID {
		return row, ErrNotOwner
	}
	if orderAmountIDR < row.MinAmount {
		return row, ErrBelowMinimum
	}
	if row.OwnerID == nil && row.MaxUsage > 1 {
		if err := l.checkPublicReuse(tx, row.ID, userID); err != nil {
			return row, err
		}
	}
	return row, nil
}

// checkPublicReuse blocks a user from redeeming a shared voucher twice: once
// through a completed order and once through one still in flight.
func (l *Ledger) checkPublicReuse(tx *gorm.DB, voucherID, userID uuid.UUID) error {
	var redeemed int64
	err := tx.Model(&models.Order{}).
		Where("voucher_id = ? AND user_id = ? AND status = ?", voucherID, userID, models.OrderSuccess).
		Count(&redeemed).Error
	if err != nil {
		return fmt.Errorf("voucher: redeemed check: %w", err)
	}
	if redeemed > 0 {
		return ErrAlreadyUsed
	}
	var active int64
	err = tx.Model(&models.Order{}).
		Where("voucher_id = ? AND user_id = ? AND status IN ?", voucherID, userID, activeOrderStatuses).
		Count(&active).Error
	if err != nil {
		return fmt.Errorf("voucher: active check: %w", err)
	}
	if active > 0 {
		return ErrInUse
	}
	return nil
}

// Discount returns the payable amount after applying the voucher value,
// floored at zero.
func Discount(v models.Voucher, amountIDR int64) int64 {
	discounted := amountIDR - v.ValueIDR
	if discounted < 0 {
		return 0
	}
	return discounted
}

package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"koinpay/models"
	"koinpay/observability/logging"
	"koinpay/observability/metrics"
)

// ErrInsufficient is returned when a reservation would exceed the available
// (unreserved) balance.
var ErrInsufficient = errors.New("inventory: insufficient available balance")

// ErrNotFound is returned when no row exists for the (chain, symbol) key.
var ErrNotFound = errors.New("inventory: row not found")

// BalanceSource reads the on-chain hot wallet balance for the sync job.
type BalanceSource interface {
	Balance(ctx context.Context, slug string) (decimal.Decimal, error)
}

// Ledger owns the per-(chain, symbol) balance and reservation rows. All
// mutations are atomic with respect to concurrent writers on the same key.
type Ledger struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.KoinpayMetrics
}

// NewLedger constructs the inventory ledger.
func NewLedger(db *gorm.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger, metrics: metrics.Default()}
}

// Ensure creates the row for a chain's native symbol if absent. Invoked on
// chain registration.
func (l *Ledger) Ensure(ctx context.Context, chainID uuid.UUID, symbol string) error {
	row := models.Inventory{
		ID:      uuid.New(),
		ChainID: chainID,
		Symbol:  strings.ToUpper(symbol),
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("inventory: ensure %s: %w", symbol, err)
	}
	return nil
}

// Get returns the current row.
func (l *Ledger) Get(ctx context.Context, chainID uuid.UUID, symbol string) (models.Inventory, error) {
	var row models.Inventory
	err := l.db.WithContext(ctx).
		First(&row, "chain_id = ? AND symbol = ?", chainID, strings.ToUpper(symbol)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrNotFound
	}
	if err != nil {
		return row, fmt.Errorf("inventory: get: %w", err)
	}
	return row, nil
}

// Reserve commits amount against the available balance inside the supplied
// transaction so callers can couple the reservation with order creation.
// The row lock serializes concurrent reservations on the same key.
func (l *Ledger) Reserve(tx *gorm.DB, chainID uuid.UUID, symbol string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("inventory: reserve amount must be positive")
	}
	symbol = strings.ToUpper(symbol)
	var row models.Inventory
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "chain_id = ? AND symbol = ?", chainID, symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inventory: reserve lock: %w", err)
	}
	if row.Available().LessThan(amount) {
		return ErrInsufficient
	}
	err = tx.Model(&models.Inventory{}).
		Where("id = ?", row.ID).
		Update("reserved", gorm.Expr("reserved + ?", amount)).Error
	if err != nil {
		return fmt.Errorf("inventory: reserve update: %w", err)
	}
	return nil
}

// Release returns a reservation inside the supplied transaction so callers
// can couple it with the order's terminal transition. The decrement is
// floored at zero; hitting the floor indicates a concurrency anomaly and is
// logged for operators.
func (l *Ledger) Release(tx *gorm.DB, chainID uuid.UUID, symbol string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}
	symbol = strings.ToUpper(symbol)
	res := tx.Model(&models.Inventory{}).
		Where("chain_id = ? AND symbol = ?", chainID, symbol).
		Update("reserved", gorm.Expr("CASE WHEN CAST(reserved AS NUMERIC) >= CAST(? AS NUMERIC) THEN reserved - ? ELSE 0 END", amount, amount))
	if res.Error != nil {
		return fmt.Errorf("inventory: release: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	var row models.Inventory
	err := tx.First(&row, "chain_id = ? AND symbol = ?", chainID, symbol).Error
	if err == nil && row.Reserved.Sign() < 0 {
		l.metrics.RecordCritical("inventory_release_floor")
		l.metrics.RecordInventoryFloor("release")
		logging.Critical(l.logger, "inventory reserved went negative on release; reset to zero",
			"chain_id", chainID.String(), "symbol", symbol)
		return tx.Model(&models.Inventory{}).
			Where("id = ?", row.ID).Update("reserved", decimal.Zero).Error
	}
	return nil
}

// Deduct removes a fulfilled payout from both balance and reserved. A
// resulting negative value is logged at critical level but never rolled
// back: the funds have already left the hot wallet.
func (l *Ledger) Deduct(tx *gorm.DB, chainID uuid.UUID, symbol string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}
	symbol = strings.ToUpper(symbol)
	res := tx.Model(&models.Inventory{}).
		Where("chain_id = ? AND symbol = ?", chainID, symbol).
		Updates(map[string]interface{}{
			"balance":  gorm.Expr("balance - ?", amount),
			"reserved": gorm.Expr("CASE WHEN CAST(reserved AS NUMERIC) >= CAST(? AS NUMERIC) THEN reserved - ? ELSE 0 END", amount, amount),
		})
	if res.Error != nil {
		return fmt.Errorf("inventory: deduct: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	var row models.Inventory
	if err := tx.First(&row, "chain_id = ? AND symbol = ?", chainID, symbol).Error; err == nil {
		if row.Balance.Sign() < 0 || row.Reserved.Sign() < 0 {
			l.metrics.RecordCritical("inventory_deduct_negative")
			l.metrics.RecordInventoryFloor("deduct")
			logging.Critical(l.logger, "inventory went negative after deduct; manual reconciliation required",
				"chain_id", chainID.String(), "symbol", symbol,
				"balance", row.Balance.String(), "reserved", row.Reserved.String())
		}
	}
	return nil
}

// Sync overwrites balance with the on-chain hot wallet balance. Reserved is
// untouched so active orders keep their claims.
func (l *Ledger) Sync(ctx context.Context, source BalanceSource, chain models.Chain, symbol string) error {
	balance, err := source.Balance(ctx, chain.Slug)
	if err != nil {
		return fmt.Errorf("inventory: sync %s: %w", chain.Slug, err)
	}
	now := time.Now()
	res := l.db.WithContext(ctx).Model(&models.Inventory{}).
		Where("chain_id = ? AND symbol = ?", chain.ID, strings.ToUpper(symbol)).
		Updates(map[string]interface{}{"balance": balance, "synced_at": &now})
	if res.Error != nil {
		return fmt.Errorf("inventory: sync update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	l.logger.Info("inventory synced", "chain", chain.Slug, "symbol", symbol, "balance", balance.String())
	return nil
}

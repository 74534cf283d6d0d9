package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"koinpay/inventory"
	"koinpay/midtrans"
	"koinpay/models"
	"koinpay/observability/logging"
	"koinpay/observability/metrics"
	"koinpay/voucher"
	"koinpay/wallet"
)

// PaymentWindow is how long a PENDING order may wait for payment before the
// expiry machinery considers it.
const PaymentWindow = 15 * time.Minute

// vaFeeIDR is the flat bank-transfer fee passed on to the user. QRIS is free.
const vaFeeIDR = 4000

var (
	// ErrOrderNotFound is returned when the order id resolves to nothing
	// visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrNotPending is returned when payment creation races a transition
	// out of PENDING.
	ErrNotPending = errors.New("order: no longer pending")
	// ErrCancelNotAllowed is returned when cancel is requested after the
	// order has been paid.
	ErrCancelNotAllowed = errors.New("order: cancel not allowed after payment")
)

// PendingOrderError rejects a second concurrent order and carries the
// existing one so the caller can show it.
type PendingOrderError struct {
	Pending models.Order
}

func (e *PendingOrderError) Error() string {
	return fmt.Sprintf("order: pending order %s exists", e.Pending.ID)
}

// Enqueuer hands work to the background queue. Implemented by the jobs
// package; tests substitute a recorder.
type Enqueuer interface {
	EnqueuePayout(ctx context.Context, orderID uuid.UUID) error
	EnqueueReferralValidation(ctx context.Context, userID uuid.UUID) error
	EnqueueOrderExpiry(ctx context.Context, orderID uuid.UUID, delay time.Duration) error
}

// Sender broadcasts native transfers. Satisfied by *wallet.Manager.
type Sender interface {
	SendNative(ctx context.Context, slug, to string, amount decimal.Decimal) (string, error)
}

// Notifier pushes user-facing order updates. The chat transport implements
// it; a nil notifier disables notifications.
type Notifier interface {
	OrderSucceeded(ctx context.Context, order models.Order)
	OrderFailed(ctx context.Context, order models.Order)
}

// Engine owns every Order mutation plus the inventory and voucher
// reservations attached to its orders.
type Engine struct {
	db        *gorm.DB
	inventory *inventory.Ledger
	vouchers  *voucher.Ledger
	gateway   midtrans.Gateway
	wallets   Sender
	queue     Enqueuer
	notifier  Notifier
	logger    *slog.Logger
	metrics   *metrics.KoinpayMetrics
	nowFn     func() time.Time
}

// NewEngine wires the order engine.
func NewEngine(db *gorm.DB, inv *inventory.Ledger, vouchers *voucher.Ledger, gateway midtrans.Gateway, wallets Sender, queue Enqueuer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:        db,
		inventory: inv,
		vouchers:  vouchers,
		gateway:   gateway,
		wallets:   wallets,
		queue:     queue,
		logger:    logger,
		metrics:   metrics.Default(),
		nowFn:     time.Now,
	}
}

// SetNotifier attaches the notification transport after construction.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// CreateOrderParams is the validated input for CreateOrder. TokenAmount is
// the quoted post-markup amount the user confirmed.
type CreateOrderParams struct {
	UserID        uuid.UUID
	Chain         models.Chain
	Symbol        string
	AmountIDR     int64
	TokenAmount   decimal.Decimal
	MarkupPercent decimal.Decimal
	WalletAddress string
	VoucherCode   string
}

// CreateOrder reserves inventory (and optionally a voucher slot) and inserts
// the order, all in one transaction so a failure releases everything.
func (e *Engine) CreateOrder(ctx context.Context, params CreateOrderParams) (models.Order, error) {
	address := params.WalletAddress
	if params.Chain.Type == models.ChainEVM {
		normalized, err := wallet.NormalizeAddress(address)
		if err != nil {
			return models.Order{}, err
		}
		address = normalized
	}

	now := e.nowFn()
	row := models.Order{
		ID:            uuid.New(),
		UserID:        params.UserID,
		ChainID:       params.Chain.ID,
		ChainSlug:     params.Chain.Slug,
		Symbol:        params.Symbol,
		AmountIDR:     params.AmountIDR,
		AmountToken:   params.TokenAmount,
		MarkupPercent: params.MarkupPercent,
		WalletAddress: address,
		Status:        models.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending models.Order
		err := tx.First(&pending, "user_id = ? AND status = ?", params.UserID, models.OrderPending).Error
		if err == nil {
			return &PendingOrderError{Pending: pending}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("order: pending check: %w", err)
		}
		if err := e.inventory.Reserve(tx, params.Chain.ID, params.Symbol, params.TokenAmount); err != nil {
			return err
		}
		if params.VoucherCode != "" {
			v, err := e.vouchers.ValidateAndReserve(tx, params.VoucherCode, params.UserID, params.AmountIDR)
			if err != nil {
				return err
			}
			row.VoucherID = &v.ID
			row.AmountIDR = voucher.Discount(v, params.AmountIDR)
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return models.Order{}, err
	}

	e.metrics.RecordOrderCreated()
	if e.queue != nil {
		// The periodic sweep covers this order if the delayed job is lost.
		if err := e.queue.EnqueueOrderExpiry(ctx, row.ID, PaymentWindow); err != nil {
			e.logger.Warn("order expiry enqueue failed", "order_id", row.ID.String(), "error", err)
		}
	}
	return row, nil
}

// CreatePayment attaches a fresh gateway charge to a PENDING order. Each
// attempt gets a new gateway reference, orphaning callbacks for the old one.
func (e *Engine) CreatePayment(ctx context.Context, orderID uuid.UUID, method models.PaymentMethod) (models.Order, error) {
	row, err := e.Get(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if row.Status != models.OrderPending {
		return models.Order{}, ErrNotPending
	}

	fee := int64(0)
	if method == models.PaymentVA {
		fee = vaFeeIDR
	}
	total := row.AmountIDR + fee

	ref := midtrans.NewReference(row.ID)
	charge, err := e.gateway.Charge(ctx, midtrans.NewChargeRequest(ref, method, total))
	if err != nil {
		return models.Order{}, fmt.Errorf("order: charge: %w", err)
	}
	paymentURL := charge.PaymentURL()

	res := e.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", row.ID, models.OrderPending).
		Updates(map[string]interface{}{
			"midtrans_id":    ref,
			"payment_url":    paymentURL,
			"payment_method": method,
			"fee_idr":        fee,
			"total_pay":      total,
			"updated_at":     e.nowFn(),
		})
	if res.Error != nil {
		return models.Order{}, fmt.Errorf("order: attach payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.Order{}, ErrNotPending
	}

	row.MidtransID = &ref
	row.PaymentURL = &paymentURL
	row.PaymentMethod = &method
	row.FeeIDR = fee
	row.TotalPay = total
	return row, nil
}

// CancelOrder performs the PENDING -> CANCELLED transition and releases the
// order's reservations. Cancelling an already-cancelled or expired order is
// a no-op; cancelling after payment is refused.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) error {
	row, err := e.getScoped(ctx, orderID, userID)
	if err != nil {
		return err
	}
	cancelled := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", row.ID, models.OrderPending).
			Updates(map[string]interface{}{"status": models.OrderCancelled, "updated_at": e.nowFn()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		cancelled = true
		return e.releaseHolds(tx, row)
	})
	if err != nil {
		return fmt.Errorf("order: cancel: %w", err)
	}
	if !cancelled {
		current, err := e.Get(ctx, orderID)
		if err != nil {
			return err
		}
		switch current.Status {
		case models.OrderPaid, models.OrderProcessing, models.OrderSuccess:
			return ErrCancelNotAllowed
		default:
			return nil
		}
	}
	return nil
}

// HandlePaymentSuccess performs the PENDING -> PAID transition and enqueues
// the payout. Zero rows means another delivery already advanced the order;
// nothing is enqueued twice.
func (e *Engine) HandlePaymentSuccess(ctx context.Context, orderID uuid.UUID) error {
	now := e.nowFn()
	res := e.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, models.OrderPending).
		Updates(map[string]interface{}{
			"status":     models.OrderPaid,
			"paid_at":    &now,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("order: mark paid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if e.queue == nil {
		return nil
	}
	if err := e.queue.EnqueuePayout(ctx, orderID); err != nil {
		// The order is PAID with no job behind it; only the admin retry
		// endpoint can move it now.
		e.metrics.RecordCritical("payout_enqueue_failed")
		logging.Critical(e.logger, "order paid but payout enqueue failed",
			"order_id", orderID.String(), "error", err)
		return fmt.Errorf("order: payout enqueue: %w", err)
	}
	return nil
}

// Get returns the order by id.
func (e *Engine) Get(ctx context.Context, orderID uuid.UUID) (models.Order, error) {
	var row models.Order
	err := e.db.WithContext(ctx).First(&row, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrOrderNotFound
	}
	if err != nil {
		return row, fmt.Errorf("order: get: %w", err)
	}
	return row, nil
}

// GetByReference returns the order carrying the given gateway reference.
func (e *Engine) GetByReference(ctx context.Context, ref string) (models.Order, error) {
	var row models.Order
	err := e.db.WithContext(ctx).First(&row, "midtrans_id = ?", ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrOrderNotFound
	}
	if err != nil {
		return row, fmt.Errorf("order: get by reference: %w", err)
	}
	return row, nil
}

// ListByUser returns the user's orders, newest first.
func (e *Engine) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []models.Order
	err := e.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("order: list: %w", err)
	}
	return rows, nil
}

func (e *Engine) getScoped(ctx context.Context, orderID, userID uuid.UUID) (models.Order, error) {
	row, err := e.Get(ctx, orderID)
	if err != nil {
		return row, err
	}
	if userID != uuid.Nil && row.UserID != userID {
		return models.Order{}, ErrOrderNotFound
	}
	return row, nil
}

// releaseHolds returns the order's inventory and voucher reservations inside
// the transaction that performs the terminal non-success transition. A
// failed release rolls the transition back so a retry sees the order
// unchanged.
func (e *Engine) releaseHolds(tx *gorm.DB, row models.Order) error {
	if err := e.inventory.Release(tx, row.ChainID, row.Symbol, row.AmountToken); err != nil {
		return fmt.Errorf("order: inventory release: %w", err)
	}
	if row.VoucherID != nil {
		if err := e.vouchers.Release(tx, *row.VoucherID); err != nil {
			return fmt.Errorf("order: voucher release: %w", err)
		}
	}
	return nil
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"koinpay/midtrans"
	"koinpay/models"
	"koinpay/observability/metrics"
	"koinpay/order"
)

// ErrBadSignature rejects notifications whose signature does not bind to
// our server key. The only case answered with a non-200.
var ErrBadSignature = errors.New("webhook: invalid signature")

// amountToleranceIDR is the floor of the mismatch tolerance; the relative
// part is 0.5% of the expected amount.
const amountToleranceIDR = 1000

// Result tells the HTTP handler what happened, for logging and metrics. The
// handler returns 200 for every result except bad signatures.
type Result string

const (
	ResultPaid      Result = "paid"
	ResultCancelled Result = "cancelled"
	ResultIgnored   Result = "ignored"
	ResultOrphan    Result = "orphan"
	ResultFraud     Result = "fraud"
	ResultError     Result = "error"
)

// Reconciler applies gateway notifications to orders.
type Reconciler struct {
	db        *gorm.DB
	engine    *order.Engine
	serverKey string
	logger    *slog.Logger
	metrics   *metrics.KoinpayMetrics
}

// NewReconciler wires the webhook reconciler.
func NewReconciler(db *gorm.DB, engine *order.Engine, serverKey string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:        db,
		engine:    engine,
		serverKey: serverKey,
		logger:    logger,
		metrics:   metrics.Default(),
	}
}

// HandleBody parses and applies one notification. Only ErrBadSignature
// should be surfaced to the gateway as a failure; everything else must
// answer 200 so the gateway stops retrying.
func (r *Reconciler) HandleBody(ctx context.Context, body io.Reader) (Result, error) {
	var note midtrans.TransactionStatus
	if err := json.NewDecoder(body).Decode(&note); err != nil {
		r.record(ResultError)
		return ResultError, fmt.Errorf("webhook: decode: %w", err)
	}
	return r.Apply(ctx, &note)
}

// Apply runs the reconciliation steps for a parsed notification.
func (r *Reconciler) Apply(ctx context.Context, note *midtrans.TransactionStatus) (Result, error) {
	if !midtrans.VerifySignature(r.serverKey, note) {
		r.record(ResultFraud)
		r.audit(ctx, nil, "webhook_bad_signature", note.OrderID)
		return ResultFraud, ErrBadSignature
	}

	row, err := r.engine.GetByReference(ctx, note.OrderID)
	if errors.Is(err, order.ErrOrderNotFound) {
		// Most likely overwritten by a re-payment; nothing to reconcile.
		r.record(ResultOrphan)
		r.logger.Info("webhook for unknown reference", "reference", note.OrderID)
		return ResultOrphan, nil
	}
	if err != nil {
		r.record(ResultError)
		return ResultError, err
	}

	if !r.amountMatches(row, note.GrossAmount) {
		r.record(ResultFraud)
		r.metrics.RecordCritical("webhook_amount_mismatch")
		r.audit(ctx, &row.ID, "webhook_amount_mismatch",
			fmt.Sprintf("expected=%d got=%s", expectedAmount(row), note.GrossAmount))
		r.logger.Error("webhook amount mismatch",
			"order_id", row.ID.String(), "expected", expectedAmount(row), "got", note.GrossAmount)
		return ResultFraud, nil
	}

	if row.Status != models.OrderPending {
		r.record(ResultIgnored)
		return ResultIgnored, nil
	}

	switch {
	case note.Success():
		if err := r.engine.HandlePaymentSuccess(ctx, row.ID); err != nil {
			r.record(ResultError)
			return ResultError, err
		}
		r.record(ResultPaid)
		return ResultPaid, nil
	case note.Failed():
		if err := r.engine.CancelOrder(ctx, row.ID, uuid.Nil); err != nil {
			if errors.Is(err, order.ErrCancelNotAllowed) {
				// Raced a success delivery; the paid path won.
				r.record(ResultIgnored)
				return ResultIgnored, nil
			}
			r.record(ResultError)
			return ResultError, err
		}
		r.record(ResultCancelled)
		return ResultCancelled, nil
	default:
		r.record(ResultIgnored)
		return ResultIgnored, nil
	}
}

// amountMatches verifies gross_amount against the expected payable within
// max(0.5%, 1000 IDR).
func (r *Reconciler) amountMatches(row models.Order, gross string) bool {
	got, err := strconv.ParseFloat(strings.TrimSpace(gross), 64)
	if err != nil {
		return false
	}
	expected := float64(expectedAmount(row))
	tolerance := expected * 0.005
	if tolerance < amountToleranceIDR {
		tolerance = amountToleranceIDR
	}
	diff := got - expected
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func expectedAmount(row models.Order) int64 {
	if row.TotalPay > 0 {
		return row.TotalPay
	}
	return row.AmountIDR
}

func (r *Reconciler) record(result Result) {
	r.metrics.RecordWebhook(string(result))
}

func (r *Reconciler) audit(ctx context.Context, orderID *uuid.UUID, action, details string) {
	row := models.AuditEvent{
		ID:        uuid.New(),
		OrderID:   orderID,
		Action:    action,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.logger.Error("audit append failed", "action", action, "error", err)
	}
}

package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task type names. On-demand tasks carry a payload; periodic sweeps are
// payload-free.
const (
	TypePayout           = "payout:process"
	TypeOrderExpiry      = "order:expire"
	TypeReferralValidate = "referral:validate"

	TypePriceRefresh  = "price:refresh"
	TypeInventorySync = "inventory:sync"
	TypeExpirySweep   = "order:expiry_sweep"
	TypeReferralSweep = "referral:sweep"
	TypeVoucherExpiry = "voucher:expiry"
)

// Queue names. Payouts run on their own queue so sweep bursts never starve
// them.
const (
	QueuePayouts = "payouts"
	QueueDefault = "default"
)

type orderPayload struct {
	OrderID uuid.UUID `json:"order_id"`
}

type userPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// NewPayoutTask builds the one-shot payout task for a paid order.
func NewPayoutTask(orderID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(orderPayload{OrderID: orderID})
	if err != nil {
		return nil, fmt.Errorf("jobs: payout payload: %w", err)
	}
	// A failed blockchain send must never be retried by the queue.
	return asynq.NewTask(TypePayout, payload,
		asynq.Queue(QueuePayouts), asynq.MaxRetry(0)), nil
}

// NewOrderExpiryTask builds the delayed single-order expiry task.
func NewOrderExpiryTask(orderID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(orderPayload{OrderID: orderID})
	if err != nil {
		return nil, fmt.Errorf("jobs: expiry payload: %w", err)
	}
	return asynq.NewTask(TypeOrderExpiry, payload,
		asynq.Queue(QueueDefault), asynq.MaxRetry(2)), nil
}

// NewReferralValidateTask builds the referral validation task for a user.
func NewReferralValidateTask(userID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(userPayload{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("jobs: referral payload: %w", err)
	}
	return asynq.NewTask(TypeReferralValidate, payload, asynq.Queue(QueueDefault)), nil
}

func orderIDFromPayload(raw []byte) (uuid.UUID, error) {
	var payload orderPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return uuid.Nil, fmt.Errorf("jobs: order payload: %w", err)
	}
	if payload.OrderID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("jobs: empty order id")
	}
	return payload.OrderID, nil
}

func userIDFromPayload(raw []byte) (uuid.UUID, error) {
	var payload userPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return uuid.Nil, fmt.Errorf("jobs: user payload: %w", err)
	}
	if payload.UserID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("jobs: empty user id")
	}
	return payload.UserID, nil
}

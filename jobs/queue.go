package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Queue is the producer side of the background queue. It satisfies
// order.Enqueuer.
type Queue struct {
	client *asynq.Client
}

// NewQueue wraps an asynq client.
func NewQueue(client *asynq.Client) *Queue {
	return &Queue{client: client}
}

// EnqueuePayout schedules the one-shot payout for a paid order.
func (q *Queue) EnqueuePayout(ctx context.Context, orderID uuid.UUID) error {
	task, err := NewPayoutTask(orderID)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("jobs: enqueue payout: %w", err)
	}
	return nil
}

// EnqueueOrderExpiry schedules the delayed per-order expiry check.
func (q *Queue) EnqueueOrderExpiry(ctx context.Context, orderID uuid.UUID, delay time.Duration) error {
	task, err := NewOrderExpiryTask(orderID)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task, asynq.ProcessIn(delay)); err != nil {
		return fmt.Errorf("jobs: enqueue order expiry: %w", err)
	}
	return nil
}

// EnqueueReferralValidation schedules referral validation after an order
// success or a login with a pending referral.
func (q *Queue) EnqueueReferralValidation(ctx context.Context, userID uuid.UUID) error {
	task, err := NewReferralValidateTask(userID)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("jobs: enqueue referral validation: %w", err)
	}
	return nil
}

package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"koinpay/inventory"
	"koinpay/models"
	"koinpay/order"
	"koinpay/referral"
	"koinpay/voucher"
)

// PriceRefresher performs one REST price sweep. Satisfied by
// *pricing.Refresher.
type PriceRefresher interface {
	RefreshAll(ctx context.Context) error
}

// Deps are the components the worker handlers drive.
type Deps struct {
	DB        *gorm.DB
	Orders    *order.Engine
	Referrals *referral.Engine
	Vouchers  *voucher.Ledger
	Inventory *inventory.Ledger
	Wallets   inventory.BalanceSource
	Prices    PriceRefresher
	Logger    *slog.Logger
}

// NewServeMux registers every task handler.
func NewServeMux(deps Deps) *asynq.ServeMux {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePayout, func(ctx context.Context, task *asynq.Task) error {
		orderID, err := orderIDFromPayload(task.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return deps.Orders.ProcessOrder(ctx, orderID)
	})
	mux.HandleFunc(TypeOrderExpiry, func(ctx context.Context, task *asynq.Task) error {
		orderID, err := orderIDFromPayload(task.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return deps.Orders.ExpireOrder(ctx, orderID)
	})
	mux.HandleFunc(TypeReferralValidate, func(ctx context.Context, task *asynq.Task) error {
		userID, err := userIDFromPayload(task.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return deps.Referrals.Validate(ctx, userID)
	})
	mux.HandleFunc(TypePriceRefresh, func(ctx context.Context, task *asynq.Task) error {
		return deps.Prices.RefreshAll(ctx)
	})
	mux.HandleFunc(TypeInventorySync, func(ctx context.Context, task *asynq.Task) error {
		return syncInventory(ctx, deps)
	})
	mux.HandleFunc(TypeExpirySweep, func(ctx context.Context, task *asynq.Task) error {
		_, err := deps.Orders.ExpireSweep(ctx)
		return err
	})
	mux.HandleFunc(TypeReferralSweep, func(ctx context.Context, task *asynq.Task) error {
		return deps.Referrals.Sweep(ctx)
	})
	mux.HandleFunc(TypeVoucherExpiry, func(ctx context.Context, task *asynq.Task) error {
		_, err := deps.Vouchers.DeactivateExpired(ctx)
		return err
	})
	return mux
}

// NewServer builds the consumer with the payout queue sized per config and
// the sweeps on the default queue.
func NewServer(redisOpt asynq.RedisConnOpt, payoutConcurrency int, logger *slog.Logger) *asynq.Server {
	if payoutConcurrency <= 0 {
		payoutConcurrency = 20
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: payoutConcurrency + 4,
		Queues: map[string]int{
			QueuePayouts: payoutConcurrency,
			QueueDefault: 4,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", "type", task.Type(), "error", err)
		}),
	})
}

// syncInventory overwrites each active chain's native balance from the hot
// wallet. Chains without a sender are skipped.
func syncInventory(ctx context.Context, deps Deps) error {
	var chains []models.Chain
	err := deps.DB.WithContext(ctx).Where("active = ?", true).Find(&chains).Error
	if err != nil {
		return fmt.Errorf("jobs: chain scan: %w", err)
	}
	for _, chain := range chains {
		var token models.Token
		err := deps.DB.WithContext(ctx).
			First(&token, "chain_id = ? AND is_native = ?", chain.ID, true).Error
		if err != nil {
			deps.Logger.Warn("inventory sync: no native token", "chain", chain.Slug)
			continue
		}
		if err := deps.Inventory.Sync(ctx, deps.Wallets, chain, token.Symbol); err != nil {
			deps.Logger.Warn("inventory sync failed", "chain", chain.Slug, "error", err)
		}
	}
	return nil
}

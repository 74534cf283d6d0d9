package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"koinpay/models"
	"koinpay/order"
	"koinpay/quote"
)

// ErrNotConfirmable is returned when Confirm is called while the dialogue is
// not at the confirmation step or is missing a parameter.
var ErrNotConfirmable = errors.New("conversation: nothing to confirm")

// OrderCreator is the slice of the order engine the flow drives.
type OrderCreator interface {
	CreateOrder(ctx context.Context, params order.CreateOrderParams) (models.Order, error)
}

// Quoter re-prices the purchase at confirmation time.
type Quoter interface {
	Resolve(ctx context.Context, chainSlug string) (models.Chain, models.Token, error)
	Quote(ctx context.Context, chainSlug string, amountIDR int64) (quote.Quote, error)
}

// Flow turns a confirmed dialogue into an order. The messaging transport
// owns everything before the confirmation step; Flow owns the critical
// section from "user said yes" to "order exists".
type Flow struct {
	store  *Store
	quotes Quoter
	orders OrderCreator
	logger *slog.Logger
}

// NewFlow wires the checkout flow.
func NewFlow(store *Store, quotes Quoter, orders OrderCreator, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{store: store, quotes: quotes, orders: orders, logger: logger}
}

// Confirm executes the buy the user approved. It re-quotes under the
// per-user checkout lock, aborts on price drift beyond the slippage band,
// creates the order and advances the dialogue to payment selection.
func (f *Flow) Confirm(ctx context.Context, chatID string, userID uuid.UUID) (models.Order, error) {
	state, err := f.store.Get(ctx, chatID)
	if err != nil {
		return models.Order{}, err
	}
	if state.Step != StepAwaitingConfirmation {
		return models.Order{}, ErrNotConfirmable
	}
	if state.Chain == "" || state.AmountIDR <= 0 || state.WalletAddress == "" || state.TokenAmount.Sign() <= 0 {
		return models.Order{}, ErrNotConfirmable
	}

	release, err := f.store.BeginCheckout(ctx, userID.String())
	if err != nil {
		return models.Order{}, err
	}
	defer release()

	chain, token, err := f.quotes.Resolve(ctx, state.Chain)
	if err != nil {
		return models.Order{}, err
	}
	fresh, err := f.quotes.Quote(ctx, state.Chain, state.AmountIDR)
	if err != nil {
		return models.Order{}, fmt.Errorf("conversation: re-quote: %w", err)
	}
	if err := CheckSlippage(state.TokenAmount, fresh.TokenAmount); err != nil {
		// The pinned quote is dead; force the user back to confirmation
		// with current numbers.
		if _, uerr := f.store.UpdateState(ctx, chatID, func(s *State) {
			s.TokenAmount = fresh.TokenAmount
		}); uerr != nil {
			f.logger.Warn("state refresh after slippage failed", "chat_id", chatID, "error", uerr)
		}
		return models.Order{}, err
	}

	row, err := f.orders.CreateOrder(ctx, order.CreateOrderParams{
		UserID:        userID,
		Chain:         chain,
		Symbol:        token.Symbol,
		AmountIDR:     state.AmountIDR,
		TokenAmount:   fresh.TokenAmount,
		MarkupPercent: fresh.MarkupPercent,
		WalletAddress: state.WalletAddress,
		VoucherCode:   state.VoucherCode,
	})
	if err != nil {
		return models.Order{}, err
	}

	if _, err := f.store.UpdateState(ctx, chatID, func(s *State) {
		s.Step = StepAwaitingPayment
		s.OrderID = row.ID.String()
		s.TokenAmount = row.AmountToken
	}); err != nil {
		// The order exists; a lost state write only degrades the dialogue.
		f.logger.Warn("state advance after order creation failed", "chat_id", chatID, "error", err)
	}
	return row, nil
}

package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"koinpay/locks"
)

// Step is the position of a user inside the checkout dialogue.
type Step string

const (
	StepIdle                 Step = "idle"
	StepAwaitingChain        Step = "awaiting_chain"
	StepAwaitingAmount       Step = "awaiting_amount"
	StepAwaitingCustomAmount Step = "awaiting_custom_amount"
	StepAwaitingWallet       Step = "awaiting_wallet"
	StepAwaitingVoucher      Step = "awaiting_voucher"
	StepAwaitingConfirmation Step = "awaiting_confirmation"
	StepAwaitingPayment      Step = "awaiting_payment_method"
	StepAwaitingEmail        Step = "awaiting_email"
	StepAwaitingOTP          Step = "awaiting_otp"
	StepAwaitingLinkCode     Step = "awaiting_link_code"
)

var validSteps = map[Step]bool{
	StepIdle:                 true,
	StepAwaitingChain:        true,
	StepAwaitingAmount:       true,
	StepAwaitingCustomAmount: true,
	StepAwaitingWallet:       true,
	StepAwaitingVoucher:      true,
	StepAwaitingConfirmation: true,
	StepAwaitingPayment:      true,
	StepAwaitingEmail:        true,
	StepAwaitingOTP:          true,
	StepAwaitingLinkCode:     true,
}

const (
	stateTTL     = 30 * time.Minute
	stateLockTTL = 5 * time.Second
	checkoutTTL  = 30 * time.Second
	stateVersion = 1
)

// maxSlippage is the tolerated drift between the pinned and fresh quotes.
var maxSlippage = decimal.RequireFromString("0.05")

// ErrBusy is returned when another operation holds the user's state lock
// through the whole retry schedule.
var ErrBusy = errors.New("conversation: operation in progress")

// ErrCheckoutBusy is returned when the user already has a buy flow inside
// the critical section.
var ErrCheckoutBusy = errors.New("conversation: checkout already in progress")

// ErrPriceMoved aborts order creation when the fresh quote has drifted too
// far from the amount the user confirmed.
var ErrPriceMoved = errors.New("conversation: price moved, please re-quote")

// stateBackoff is the lock retry schedule for UpdateState.
var stateBackoff = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 150 * time.Millisecond}

// State is the per-user dialogue blob stored in redis. Any shape the schema
// cannot validate is discarded and treated as idle.
type State struct {
	Version       int             `json:"version"`
	Step          Step            `json:"step"`
	Chain         string          `json:"chain,omitempty"`
	AmountIDR     int64           `json:"amountIdr,omitempty"`
	TokenAmount   decimal.Decimal `json:"tokenAmount,omitempty"`
	WalletAddress string          `json:"walletAddress,omitempty"`
	VoucherCode   string          `json:"voucherCode,omitempty"`
	OrderID       string          `json:"orderId,omitempty"`
	SessionToken  string          `json:"sessionToken,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func idleState(now time.Time) State {
	return State{Version: stateVersion, Step: StepIdle, CreatedAt: now}
}

// Store keeps conversation state in redis under a per-user key with a
// rolling TTL, serializing writers through the lock manager.
type Store struct {
	client  *redis.Client
	lockmgr *locks.Manager
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewStore constructs the conversation store.
func NewStore(client *redis.Client, lockmgr *locks.Manager, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, lockmgr: lockmgr, logger: logger, nowFn: time.Now}
}

func stateKey(chatID string) string { return "conv:" + chatID }

// Get returns the user's current state, or a fresh idle state when nothing
// valid is stored.
func (s *Store) Get(ctx context.Context, chatID string) (State, error) {
	raw, err := s.client.Get(ctx, stateKey(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return idleState(s.nowFn()), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("conversation: get %s: %w", chatID, err)
	}
	state, ok := decodeState(raw)
	if !ok {
		// Stored blob no longer matches the schema; start over.
		s.logger.Warn("discarding malformed conversation state", "chat_id", chatID)
		return idleState(s.nowFn()), nil
	}
	return state, nil
}

// UpdateState applies fn to the current state under the per-user lock:
// read, merge, write, release. Persistent lock contention surfaces as
// ErrBusy.
func (s *Store) UpdateState(ctx context.Context, chatID string, fn func(*State)) (State, error) {
	lock, err := s.lockmgr.AcquireRetry(ctx, locks.UserStateKey(chatID), stateLockTTL, stateBackoff, 0)
	if err != nil {
		if errors.Is(err, locks.ErrNotAcquired) {
			return State{}, ErrBusy
		}
		return State{}, err
	}
	defer func() { _ = lock.Release(ctx) }()

	state, err := s.Get(ctx, chatID)
	if err != nil {
		return State{}, err
	}
	fn(&state)
	state.Version = stateVersion
	if !validSteps[state.Step] {
		state.Step = StepIdle
	}
	if err := s.put(ctx, chatID, state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Reset discards the user's state.
func (s *Store) Reset(ctx context.Context, chatID string) error {
	if err := s.client.Del(ctx, stateKey(chatID)).Err(); err != nil {
		return fmt.Errorf("conversation: reset %s: %w", chatID, err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, chatID string, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("conversation: encode: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(chatID), raw, stateTTL).Err(); err != nil {
		return fmt.Errorf("conversation: put %s: %w", chatID, err)
	}
	return nil
}

// BeginCheckout opens the per-user order creation critical section. The
// returned release function must be called on every exit path.
func (s *Store) BeginCheckout(ctx context.Context, userID string) (func(), error) {
	lock, err := s.lockmgr.Acquire(ctx, locks.UserOrderKey(userID), checkoutTTL)
	if err != nil {
		if errors.Is(err, locks.ErrNotAcquired) {
			return nil, ErrCheckoutBusy
		}
		return nil, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, nil
}

// CheckSlippage compares the freshly quoted token amount with the amount
// pinned at confirmation time and aborts beyond the 5% band.
func CheckSlippage(pinned, current decimal.Decimal) error {
	if pinned.Sign() <= 0 {
		return fmt.Errorf("conversation: no pinned amount")
	}
	drift := current.Sub(pinned).Abs().Div(pinned)
	if drift.GreaterThan(maxSlippage) {
		return ErrPriceMoved
	}
	return nil
}

func decodeState(raw []byte) (State, bool) {
	var state State
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&state); err != nil {
		return State{}, false
	}
	if state.Version != stateVersion || !validSteps[state.Step] {
		return State{}, false
	}
	if state.CreatedAt.IsZero() {
		return State{}, false
	}
	return state, true
}

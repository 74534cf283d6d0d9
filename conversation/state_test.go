package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"koinpay/locks"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, locks.NewManager(rdb), nil), mr, rdb
}

func TestGetDefaultsToIdle(t *testing.T) {
	store, _, _ := setupStore(t)

	state, err := store.Get(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Step != StepIdle {
		t.Fatalf("step = %s, want idle", state.Step)
	}
}

func TestUpdateStatePersistsWithTTL(t *testing.T) {
	store, mr, _ := setupStore(t)
	ctx := context.Background()

	state, err := store.UpdateState(ctx, "chat-1", func(s *State) {
		s.Step = StepAwaitingAmount
		s.Chain = "bsc"
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if state.Step != StepAwaitingAmount {
		t.Fatalf("step = %s", state.Step)
	}

	got, err := store.Get(ctx, "chat-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Chain != "bsc" || got.Step != StepAwaitingAmount {
		t.Fatalf("round trip lost fields: %+v", got)
	}

	ttl := mr.TTL("conv:chat-1")
	if ttl <= 29*time.Minute || ttl > 30*time.Minute {
		t.Fatalf("ttl = %s, want ~30m", ttl)
	}

	// The per-user lock was released on the way out.
	if mr.Exists(locks.UserStateKey("chat-1")) {
		t.Fatal("state lock leaked")
	}
}

func TestUpdateStateRejectsUnknownStep(t *testing.T) {
	store, _, _ := setupStore(t)

	state, err := store.UpdateState(context.Background(), "chat-1", func(s *State) {
		s.Step = Step("time_travel")
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if state.Step != StepIdle {
		t.Fatalf("unknown step must collapse to idle, got %s", state.Step)
	}
}

func TestUpdateStateBusyUnderHeldLock(t *testing.T) {
	store, _, rdb := setupStore(t)
	ctx := context.Background()

	// Another worker holds the lock beyond the whole retry schedule.
	if err := rdb.Set(ctx, locks.UserStateKey("chat-1"), "other", time.Minute).Err(); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	_, err := store.UpdateState(ctx, "chat-1", func(s *State) { s.Step = StepAwaitingChain })
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestMalformedStateResetsToIdle(t *testing.T) {
	store, _, rdb := setupStore(t)
	ctx := context.Background()

	cases := []string{
		"not json",
		`{"version":1,"step":"hacked","createdAt":"2026-08-24T00:00:00Z"}`,
		`{"version":99,"step":"idle","createdAt":"2026-08-24T00:00:00Z"}`,
		`{"version":1,"step":"idle","createdAt":"2026-08-24T00:00:00Z","extra":"field"}`,
	}
	for _, raw := range cases {
		if err := rdb.Set(ctx, "conv:chat-1", raw, time.Minute).Err(); err != nil {
			t.Fatalf("seed: %v", err)
		}
		state, err := store.Get(ctx, "chat-1")
		if err != nil {
			t.Fatalf("%q: %v", raw, err)
		}
		if state.Step != StepIdle || state.Chain != "" {
			t.Fatalf("%q: not reset to idle: %+v", raw, state)
		}
	}
}

func TestResetDeletesState(t *testing.T) {
	store, mr, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.UpdateState(ctx, "chat-1", func(s *State) { s.Step = StepAwaitingWallet }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Reset(ctx, "chat-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if mr.Exists("conv:chat-1") {
		t.Fatal("state not deleted")
	}
}

func TestBeginCheckoutExcludesConcurrentFlows(t *testing.T) {
	store, mr, _ := setupStore(t)
	ctx := context.Background()

	release, err := store.BeginCheckout(ctx, "user-1")
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	if _, err := store.BeginCheckout(ctx, "user-1"); !errors.Is(err, ErrCheckoutBusy) {
		t.Fatalf("expected ErrCheckoutBusy, got %v", err)
	}
	// A different user is unaffected.
	otherRelease, err := store.BeginCheckout(ctx, "user-2")
	if err != nil {
		t.Fatalf("other user: %v", err)
	}
	otherRelease()

	release()
	if mr.Exists(locks.UserOrderKey("user-1")) {
		t.Fatal("checkout lock not released")
	}
	// Released section can be re-entered.
	release2, err := store.BeginCheckout(ctx, "user-1")
	if err != nil {
		t.Fatalf("re-enter: %v", err)
	}
	release2()
}

func TestCheckSlippage(t *testing.T) {
	pinned := decimal.RequireFromString("0.009248")

	if err := CheckSlippage(pinned, decimal.RequireFromString("0.009300")); err != nil {
		t.Fatalf("small drift rejected: %v", err)
	}
	if err := CheckSlippage(pinned, decimal.RequireFromString("0.008500")); !errors.Is(err, ErrPriceMoved) {
		t.Fatalf("expected ErrPriceMoved, got %v", err)
	}
	if err := CheckSlippage(pinned, decimal.RequireFromString("0.010000")); !errors.Is(err, ErrPriceMoved) {
		t.Fatalf("expected ErrPriceMoved upward, got %v", err)
	}
	if err := CheckSlippage(decimal.Zero, pinned); err == nil {
		t.Fatal("missing pin must error")
	}
}

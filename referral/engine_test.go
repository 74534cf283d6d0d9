package referral

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"koinpay/models"
)

func setupEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewEngine(db, 25_000, 1, nil), db
}

func seedSuccessOrder(t *testing.T, db *gorm.DB, userID uuid.UUID) {
	t.Helper()
	row := models.Order{
		ID:        uuid.New(),
		UserID:    userID,
		ChainID:   uuid.New(),
		Status:    models.OrderSuccess,
		AmountIDR: 100_000,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func referrerVouchers(t *testing.T, db *gorm.DB, referrerID uuid.UUID) []models.Voucher {
	t.Helper()
	var rows []models.Voucher
	if err := db.Find(&rows, "owner_id = ?", referrerID).Error; err != nil {
		t.Fatalf("voucher scan: %v", err)
	}
	return rows
}

func TestLinkRules(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()
	referrer, referee := uuid.New(), uuid.New()

	if _, err := engine.Link(ctx, referrer, referrer); !errors.Is(err, ErrSelfReferral) {
		t.Fatalf("expected ErrSelfReferral, got %v", err)
	}
	if _, err := engine.Link(ctx, referrer, referee); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := engine.Link(ctx, uuid.New(), referee); !errors.Is(err, ErrAlreadyReferred) {
		t.Fatalf("expected ErrAlreadyReferred, got %v", err)
	}
}

func TestValidateBelowThresholdIsNoop(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()
	referrer, referee := uuid.New(), uuid.New()
	if _, err := engine.Link(ctx, referrer, referee); err != nil {
		t.Fatalf("link: %v", err)
	}

	if err := engine.Validate(ctx, referee); err != nil {
		t.Fatalf("validate: %v", err)
	}
	var row models.Referral
	if err := db.First(&row, "referee_id = ?", referee).Error; err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.IsValid || row.RewardGiven {
		t.Fatalf("referral promoted without orders: %+v", row)
	}
}

func TestValidateGrantsOnce(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()
	referrer, referee := uuid.New(), uuid.New()
	if _, err := engine.Link(ctx, referrer, referee); err != nil {
		t.Fatalf("link: %v", err)
	}
	seedSuccessOrder(t, db, referee)

	if err := engine.Validate(ctx, referee); err != nil {
		t.Fatalf("validate: %v", err)
	}
	var row models.Referral
	if err := db.First(&row, "referee_id = ?", referee).Error; err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !row.IsValid || !row.RewardGiven || row.ValidatedAt == nil {
		t.Fatalf("referral not fully granted: %+v", row)
	}

	vouchers := referrerVouchers(t, db, referrer)
	if len(vouchers) != 1 {
		t.Fatalf("got %d vouchers, want 1", len(vouchers))
	}
	v := vouchers[0]
	if v.ValueIDR != 25_000 || v.MaxUsage != 1 || v.ExpiresAt == nil {
		t.Fatalf("bad reward voucher: %+v", v)
	}
	if until := time.Until(*v.ExpiresAt); until < 89*24*time.Hour || until > 91*24*time.Hour {
		t.Fatalf("reward expiry = %s away, want ~90d", until)
	}

	// Every later trigger (sweep, login, redelivery) is a no-op.
	if err := engine.Validate(ctx, referee); err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if got := len(referrerVouchers(t, db, referrer)); got != 1 {
		t.Fatalf("duplicate grant produced %d vouchers", got)
	}
}

func TestValidateUnreferredUserIsNoop(t *testing.T) {
	engine, _ := setupEngine(t)
	if err := engine.Validate(context.Background(), uuid.New()); err != nil {
		t.Fatalf("validate without referral: %v", err)
	}
}

func TestMilestoneBonusEveryTwenty(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()
	referrer := uuid.New()

	for i := 0; i < 20; i++ {
		referee := uuid.New()
		if _, err := engine.Link(ctx, referrer, referee); err != nil {
			t.Fatalf("link %d: %v", i, err)
		}
		seedSuccessOrder(t, db, referee)
		if err := engine.Validate(ctx, referee); err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
	}

	vouchers := referrerVouchers(t, db, referrer)
	// 20 rewards plus one milestone bonus.
	if len(vouchers) != 21 {
		t.Fatalf("got %d vouchers, want 21", len(vouchers))
	}
	bonuses := 0
	for _, v := range vouchers {
		if len(v.Code) > 8 && v.Code[:8] == "REFBONUS" {
			bonuses++
			if until := time.Until(*v.ExpiresAt); until > 31*24*time.Hour {
				t.Fatalf("bonus expiry = %s away, want ~30d", until)
			}
		}
	}
	if bonuses != 1 {
		t.Fatalf("got %d bonuses, want 1", bonuses)
	}
}

func TestGrantRollsBackBarrierWhenVoucherInsertFails(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()
	referrer, referee := uuid.New(), uuid.New()
	if _, err := engine.Link(ctx, referrer, referee); err != nil {
		t.Fatalf("link: %v", err)
	}
	seedSuccessOrder(t, db, referee)

	// Voucher writes fail while the table is missing.
	if err := db.Migrator().DropTable(&models.Voucher{}); err != nil {
		t.Fatalf("drop vouchers: %v", err)
	}
	if err := engine.Validate(ctx, referee); err == nil {
		t.Fatal("validate must surface the voucher failure")
	}
	var row models.Referral
	if err := db.First(&row, "referee_id = ?", referee).Error; err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.RewardGiven {
		t.Fatal("reward_given must roll back with the failed voucher insert")
	}

	// Once writes work again, the sweep grants the reward it would otherwise
	// have lost forever.
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("restore schema: %v", err)
	}
	if err := engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := len(referrerVouchers(t, db, referrer)); got != 1 {
		t.Fatalf("got %d vouchers after recovery, want 1", got)
	}
}

func TestSweepPicksUpMissedValidation(t *testing.T) {
	engine, db := setupEngine(t)
	ctx := context.Background()
	referrer, referee := uuid.New(), uuid.New()
	if _, err := engine.Link(ctx, referrer, referee); err != nil {
		t.Fatalf("link: %v", err)
	}
	seedSuccessOrder(t, db, referee)

	if err := engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	var row models.Referral
	if err := db.First(&row, "referee_id = ?", referee).Error; err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !row.RewardGiven {
		t.Fatal("sweep must grant the missed reward")
	}
}

package quote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"koinpay/models"
)

type fixedPrice struct {
	value decimal.Decimal
	err   error
}

func (p fixedPrice) Get(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return p.value, p.err
}

type fixedRate struct {
	value decimal.Decimal
	err   error
}

func (r fixedRate) Rate(ctx context.Context) (decimal.Decimal, error) {
	return r.value, r.err
}

func setupService(t *testing.T, balance, reserved string) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	chain := models.Chain{ID: uuid.New(), Slug: "bsc", Type: models.ChainEVM, Active: true}
	if err := db.Create(&chain).Error; err != nil {
		t.Fatalf("seed chain: %v", err)
	}
	token := models.Token{
		ID:            uuid.New(),
		ChainID:       chain.ID,
		Symbol:        "BNB",
		IsNative:      true,
		Active:        true,
		MarkupPercent: decimal.NewFromInt(5),
	}
	if err := db.Create(&token).Error; err != nil {
		t.Fatalf("seed token: %v", err)
	}
	inv := models.Inventory{
		ID:       uuid.New(),
		ChainID:  chain.ID,
		Symbol:   "BNB",
		Balance:  decimal.RequireFromString(balance),
		Reserved: decimal.RequireFromString(reserved),
	}
	if err := db.Create(&inv).Error; err != nil {
		t.Fatalf("seed inventory: %v", err)
	}

	svc := NewService(db,
		fixedPrice{value: decimal.RequireFromString("650")},
		fixedRate{value: decimal.RequireFromString("15800")},
		nil)
	return svc, db
}

func TestQuoteMath(t *testing.T) {
	svc, _ := setupService(t, "10", "0")

	q, err := svc.Quote(context.Background(), "bsc", 100_000)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 100000 / 15800 / 650 * 0.95
	want := decimal.NewFromInt(100_000).
		Div(decimal.RequireFromString("15800")).
		Div(decimal.RequireFromString("650")).
		Mul(decimal.RequireFromString("0.95")).Truncate(18)
	if !q.TokenAmount.Equal(want) {
		t.Fatalf("token amount = %s, want %s", q.TokenAmount, want)
	}
	if q.InventoryStatus != StatusAvailable {
		t.Fatalf("inventory status = %s", q.InventoryStatus)
	}
	// maxBuyIdr = floor(10 * 650 * 15800)
	if q.MaxBuyIDR != 102_700_000 {
		t.Fatalf("max buy = %d", q.MaxBuyIDR)
	}
}

func TestQuoteInventoryClassification(t *testing.T) {
	cases := []struct {
		balance  string
		reserved string
		want     string
	}{
		{"10", "0", StatusAvailable},
		// available 0.012 < 2 x ~0.0092
		{"0.012", "0", StatusLimited},
		{"10", "9.995", StatusOutOfStock},
		{"0", "0", StatusOutOfStock},
	}
	for _, tc := range cases {
		svc, _ := setupService(t, tc.balance, tc.reserved)
		q, err := svc.Quote(context.Background(), "bsc", 100_000)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.balance, tc.reserved, err)
		}
		if q.InventoryStatus != tc.want {
			t.Fatalf("%s/%s: status = %s, want %s", tc.balance, tc.reserved, q.InventoryStatus, tc.want)
		}
	}
}

func TestQuoteFallsBackToGlobalMarkup(t *testing.T) {
	svc, db := setupService(t, "10", "0")
	if err := db.Model(&models.Token{}).Where("symbol = ?", "BNB").
		Update("markup_percent", decimal.Zero).Error; err != nil {
		t.Fatalf("clear token markup: %v", err)
	}
	if err := db.Create(&models.Setting{Key: models.SettingGlobalMarkup, Value: "2.5"}).Error; err != nil {
		t.Fatalf("seed setting: %v", err)
	}

	q, err := svc.Quote(context.Background(), "bsc", 100_000)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.MarkupPercent.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("markup = %s, want 2.5", q.MarkupPercent)
	}
}

func TestEnsureGlobalMarkupSeedsFreshDeployment(t *testing.T) {
	svc, db := setupService(t, "10", "0")
	if err := db.Model(&models.Token{}).Where("symbol = ?", "BNB").
		Update("markup_percent", decimal.Zero).Error; err != nil {
		t.Fatalf("clear token markup: %v", err)
	}

	if err := EnsureGlobalMarkup(context.Background(), db, 5.0); err != nil {
		t.Fatalf("ensure markup: %v", err)
	}
	q, err := svc.Quote(context.Background(), "bsc", 100_000)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.MarkupPercent.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("markup = %s, want seeded 5", q.MarkupPercent)
	}

	// An operator-tuned value survives later boots.
	if err := db.Model(&models.Setting{}).Where("key = ?", models.SettingGlobalMarkup).
		Update("value", "2.5").Error; err != nil {
		t.Fatalf("tune setting: %v", err)
	}
	if err := EnsureGlobalMarkup(context.Background(), db, 5.0); err != nil {
		t.Fatalf("ensure markup again: %v", err)
	}
	q, err = svc.Quote(context.Background(), "bsc", 100_000)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.MarkupPercent.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("markup = %s, seeding must not overwrite", q.MarkupPercent)
	}
}

func TestQuoteUnknownChain(t *testing.T) {
	svc, _ := setupService(t, "10", "0")
	if _, err := svc.Quote(context.Background(), "dogechain", 100_000); !errors.Is(err, ErrChainNotFound) {
		t.Fatalf("expected ErrChainNotFound, got %v", err)
	}
}

func TestQuotePriceFailureSurfaces(t *testing.T) {
	_, db := setupService(t, "10", "0")
	svc := NewService(db,
		fixedPrice{err: errors.New("price unavailable")},
		fixedRate{value: decimal.RequireFromString("15800")},
		nil)
	if _, err := svc.Quote(context.Background(), "bsc", 100_000); err == nil {
		t.Fatal("price failure must fail the quote")
	}
}

func TestQuoteEnforcesChainMinimum(t *testing.T) {
	svc, db := setupService(t, "10", "0")
	if err := db.Model(&models.Chain{}).Where("slug = ?", "bsc").
		Update("min_order_idr", 500_000).Error; err != nil {
		t.Fatalf("set minimum: %v", err)
	}

	_, err := svc.Quote(context.Background(), "bsc", 499_999)
	var minErr *MinimumOrderError
	if !errors.As(err, &minErr) {
		t.Fatalf("expected MinimumOrderError, got %v", err)
	}
	if minErr.MinIDR != 500_000 {
		t.Fatalf("min = %d", minErr.MinIDR)
	}
	if _, err := svc.Quote(context.Background(), "bsc", 500_000); err != nil {
		t.Fatalf("at minimum: %v", err)
	}
}

func TestQuoteEffectivePrice(t *testing.T) {
	svc, _ := setupService(t, "10", "0")
	q, err := svc.Quote(context.Background(), "bsc", 100_000)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 650 * 15800 / 0.95, rounded up
	want := decimal.RequireFromString("650").
		Mul(decimal.RequireFromString("15800")).
		Div(decimal.RequireFromString("0.95")).Ceil().IntPart()
	// Truncation of the token amount can only raise the effective price.
	if q.EffectiveIDR < want {
		t.Fatalf("effective price = %d, want >= %d", q.EffectiveIDR, want)
	}
	if q.EffectiveIDR > want+1000 {
		t.Fatalf("effective price = %d, too far above %d", q.EffectiveIDR, want)
	}
}

func TestQuoteRejectsNonPositiveAmount(t *testing.T) {
	svc, _ := setupService(t, "10", "0")
	if _, err := svc.Quote(context.Background(), "bsc", 0); err == nil {
		t.Fatal("zero amount must be rejected")
	}
}

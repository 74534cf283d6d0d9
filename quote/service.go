package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"koinpay/models"
)

// Inventory health as shown to the user before committing to an order.
const (
	StatusAvailable  = "AVAILABLE"
	StatusLimited    = "LIMITED"
	StatusOutOfStock = "OUT_OF_STOCK"
)

// ErrChainNotFound is returned for unknown or inactive chain slugs.
var ErrChainNotFound = errors.New("quote: chain not found")

// MinimumOrderError rejects amounts under the chain's floor and carries the
// floor so callers can show it.
type MinimumOrderError struct {
	ChainSlug string
	MinIDR    int64
}

func (e *MinimumOrderError) Error() string {
	return fmt.Sprintf("quote: %s orders start at %d IDR", e.ChainSlug, e.MinIDR)
}

// PriceSource yields the current USD price for a symbol. Satisfied by
// *pricing.Cache.
type PriceSource interface {
	Get(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// RateSource yields the USD/IDR rate. Satisfied by *pricing.FXService.
type RateSource interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// Quote is the priced answer to "how much crypto for this many rupiah".
type Quote struct {
	ChainSlug       string          `json:"chain"`
	Symbol          string          `json:"symbol"`
	AmountIDR       int64           `json:"amountIdr"`
	TokenAmount     decimal.Decimal `json:"tokenAmount"`
	PriceUSD        decimal.Decimal `json:"tokenPriceUsd"`
	FXRate          decimal.Decimal `json:"usdIdrRate"`
	MarkupPercent   decimal.Decimal `json:"markupPercent"`
	EffectiveIDR    int64           `json:"effectivePriceIdr"`
	InventoryStatus string          `json:"inventoryStatus"`
	MaxBuyIDR       int64           `json:"maxBuyIdr"`
}

// Service prices purchases against the live market and current inventory.
type Service struct {
	db     *gorm.DB
	prices PriceSource
	fx     RateSource
	logger *slog.Logger
}

// NewService wires the quote service.
func NewService(db *gorm.DB, prices PriceSource, fx RateSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, prices: prices, fx: fx, logger: logger}
}

// Quote computes the token amount for an IDR spend on the chain's native
// token. Price, FX and markup are read concurrently.
func (s *Service) Quote(ctx context.Context, chainSlug string, amountIDR int64) (Quote, error) {
	if amountIDR <= 0 {
		return Quote{}, fmt.Errorf("quote: amount must be positive")
	}
	chain, token, err := s.resolve(ctx, chainSlug)
	if err != nil {
		return Quote{}, err
	}
	if chain.MinOrderIDR > 0 && amountIDR < chain.MinOrderIDR {
		return Quote{}, &MinimumOrderError{ChainSlug: chain.Slug, MinIDR: chain.MinOrderIDR}
	}

	type priced struct {
		value decimal.Decimal
		err   error
	}
	priceCh := make(chan priced, 1)
	fxCh := make(chan priced, 1)
	markupCh := make(chan priced, 1)
	go func() {
		value, err := s.prices.Get(ctx, token.Symbol)
		priceCh <- priced{value, err}
	}()
	go func() {
		value, err := s.fx.Rate(ctx)
		fxCh <- priced{value, err}
	}()
	go func() {
		markupCh <- priced{s.markup(ctx, token), nil}
	}()

	price := <-priceCh
	if price.err != nil {
		return Quote{}, fmt.Errorf("quote: price %s: %w", token.Symbol, price.err)
	}
	fx := <-fxCh
	if fx.err != nil {
		return Quote{}, fmt.Errorf("quote: fx rate: %w", fx.err)
	}
	markup := (<-markupCh).value

	if price.value.Sign() <= 0 || fx.value.Sign() <= 0 {
		return Quote{}, fmt.Errorf("quote: non-positive price or rate")
	}

	idr := decimal.NewFromInt(amountIDR)
	factor := decimal.NewFromInt(1).Sub(markup.Div(decimal.NewFromInt(100)))
	tokenAmount := idr.Div(fx.value).Div(price.value).Mul(factor).Truncate(18)
	// Per-token IDR price after markup, i.e. what the user effectively pays.
	effective := int64(0)
	if tokenAmount.Sign() > 0 {
		effective = idr.Div(tokenAmount).Ceil().IntPart()
	}

	available := decimal.Zero
	var inv models.Inventory
	err = s.db.WithContext(ctx).
		First(&inv, "chain_id = ? AND symbol = ?", chain.ID, token.Symbol).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Quote{}, fmt.Errorf("quote: inventory: %w", err)
	}
	if err == nil {
		available = inv.Available()
	}

	status := StatusAvailable
	switch {
	case tokenAmount.GreaterThan(available):
		status = StatusOutOfStock
	case available.LessThan(tokenAmount.Mul(decimal.NewFromInt(2))):
		status = StatusLimited
	}

	return Quote{
		ChainSlug:       chain.Slug,
		Symbol:          token.Symbol,
		AmountIDR:       amountIDR,
		TokenAmount:     tokenAmount,
		PriceUSD:        price.value,
		FXRate:          fx.value,
		MarkupPercent:   markup,
		EffectiveIDR:    effective,
		InventoryStatus: status,
		MaxBuyIDR:       available.Mul(price.value).Mul(fx.value).Floor().IntPart(),
	}, nil
}

// Resolve looks up an active chain and its native token by slug. Exposed for
// order creation, which needs the chain row itself.
func (s *Service) Resolve(ctx context.Context, chainSlug string) (models.Chain, models.Token, error) {
	return s.resolve(ctx, chainSlug)
}

func (s *Service) resolve(ctx context.Context, chainSlug string) (models.Chain, models.Token, error) {
	var chain models.Chain
	err := s.db.WithContext(ctx).
		First(&chain, "slug = ? AND active = ?", strings.ToLower(strings.TrimSpace(chainSlug)), true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chain, models.Token{}, ErrChainNotFound
	}
	if err != nil {
		return chain, models.Token{}, fmt.Errorf("quote: chain lookup: %w", err)
	}
	var token models.Token
	err = s.db.WithContext(ctx).
		First(&token, "chain_id = ? AND is_native = ? AND active = ?", chain.ID, true, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chain, token, fmt.Errorf("%w: %s has no native token", ErrChainNotFound, chain.Slug)
	}
	if err != nil {
		return chain, token, fmt.Errorf("quote: token lookup: %w", err)
	}
	return chain, token, nil
}

// EnsureGlobalMarkup seeds the global markup setting so a fresh deployment
// never quotes at cost. An existing row wins; operators tune the value at
// runtime through the settings table.
func EnsureGlobalMarkup(ctx context.Context, db *gorm.DB, percent float64) error {
	if percent <= 0 {
		return nil
	}
	row := models.Setting{
		Key:   models.SettingGlobalMarkup,
		Value: decimal.NewFromFloat(percent).String(),
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("quote: seed global markup: %w", err)
	}
	return nil
}

// markup prefers the token's own markup and falls back to the global
// setting. Errors degrade to zero markup rather than blocking the quote.
func (s *Service) markup(ctx context.Context, token models.Token) decimal.Decimal {
	if token.MarkupPercent.Sign() > 0 {
		return token.MarkupPercent
	}
	var setting models.Setting
	err := s.db.WithContext(ctx).First(&setting, "key = ?", models.SettingGlobalMarkup).Error
	if err != nil {
		return decimal.Zero
	}
	global, err := decimal.NewFromString(strings.TrimSpace(setting.Value))
	if err != nil {
		s.logger.Warn("unparseable global markup", "value", setting.Value)
		return decimal.Zero
	}
	return global
}

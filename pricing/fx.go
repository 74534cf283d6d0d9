package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"koinpay/models"
)

const (
	fxFreshness    = 24 * time.Hour
	fxFetchTimeout = 5 * time.Second
)

func parsePrice(raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing: parse price %q: %w", raw, err)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("pricing: non-positive price %q", raw)
	}
	return price, nil
}

// FXService resolves the USD/IDR conversion rate with a 24-hour freshness
// policy and a persisted fallback.
type FXService struct {
	db       *gorm.DB
	endpoint string
	fallback decimal.Decimal
	http     *http.Client
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewFXService constructs the FX resolver. fallback is used when no rate was
// ever stored and the endpoint is unreachable.
func NewFXService(db *gorm.DB, endpoint string, fallback float64, logger *slog.Logger) *FXService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FXService{
		db:       db,
		endpoint: endpoint,
		fallback: decimal.NewFromFloat(fallback),
		http:     &http.Client{Timeout: fxFetchTimeout},
		logger:   logger,
		nowFn:    time.Now,
	}
}

type fxResponse struct {
	Rates map[string]float64 `json:"rates"`
}

// Rate returns the current USD/IDR rate, refreshing on demand when the stored
// value is older than the freshness horizon.
func (s *FXService) Rate(ctx context.Context) (decimal.Decimal, error) {
	stored, syncedAt := s.stored(ctx)
	if !stored.IsZero() && s.nowFn().Sub(syncedAt) < fxFreshness {
		return stored, nil
	}
	fresh, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("fx refresh failed, using stored fallback", "error", err)
		if !stored.IsZero() {
			return stored, nil
		}
		return s.fallback, nil
	}
	s.persist(ctx, fresh)
	return fresh, nil
}

func (s *FXService) stored(ctx context.Context) (decimal.Decimal, time.Time) {
	var rateSetting models.Setting
	if err := s.db.WithContext(ctx).First(&rateSetting, "key = ?", models.SettingUSDIDRRate).Error; err != nil {
		return decimal.Zero, time.Time{}
	}
	rate, err := decimal.NewFromString(rateSetting.Value)
	if err != nil || rate.Sign() <= 0 {
		return decimal.Zero, time.Time{}
	}
	var tsSetting models.Setting
	if err := s.db.WithContext(ctx).First(&tsSetting, "key = ?", models.SettingUSDIDRSyncedAt).Error; err != nil {
		return rate, time.Time{}
	}
	unix, err := strconv.ParseInt(tsSetting.Value, 10, 64)
	if err != nil {
		return rate, time.Time{}
	}
	return rate, time.Unix(unix, 0)
}

func (s *FXService) fetch(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, fxFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing: fx fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("pricing: fx fetch: status=%d", resp.StatusCode)
	}
	var payload fxResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("pricing: fx decode: %w", err)
	}
	rate, ok := payload.Rates["IDR"]
	if !ok || rate <= 0 {
		return decimal.Zero, fmt.Errorf("pricing: fx response missing IDR rate")
	}
	return decimal.NewFromFloat(rate), nil
}

func (s *FXService) persist(ctx context.Context, rate decimal.Decimal) {
	now := s.nowFn()
	settings := []models.Setting{
		{Key: models.SettingUSDIDRRate, Value: rate.String(), UpdatedAt: now},
		{Key: models.SettingUSDIDRSyncedAt, Value: strconv.FormatInt(now.Unix(), 10), UpdatedAt: now},
	}
	for _, setting := range settings {
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&setting).Error
		if err != nil {
			s.logger.Warn("fx persist failed", "key", setting.Key, "error", err)
		}
	}
}

package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"koinpay/models"
)

const (
	rewardExpiry  = 90 * 24 * time.Hour
	bonusExpiry   = 30 * 24 * time.Hour
	milestoneStep = 20
)

// ErrSelfReferral rejects users referring themselves.
var ErrSelfReferral = errors.New("referral: cannot refer yourself")

// ErrAlreadyReferred rejects a second referral row for the same referee.
var ErrAlreadyReferred = errors.New("referral: user already referred")

// RewardNotifier tells a referrer about a fresh voucher. A nil notifier
// disables notifications.
type RewardNotifier interface {
	ReferralRewarded(ctx context.Context, referrerID uuid.UUID, v models.Voucher)
}

// Engine validates referrals and grants rewards. Both steps are guarded by
// conditional flag flips so concurrent invocations (sweep, login hook, order
// success) grant each reward exactly once.
type Engine struct {
	db        *gorm.DB
	rewardIDR int64
	threshold int
	notifier  RewardNotifier
	logger    *slog.Logger
	nowFn     func() time.Time
}

// NewEngine wires the referral engine. threshold is the number of successful
// referee orders required before a referral validates.
func NewEngine(db *gorm.DB, rewardIDR int64, threshold int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = 1
	}
	return &Engine{
		db:        db,
		rewardIDR: rewardIDR,
		threshold: threshold,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// SetNotifier attaches the notification transport after construction.
func (e *Engine) SetNotifier(n RewardNotifier) { e.notifier = n }

// Link records that referee signed up through referrer. One row per referee,
// never deleted.
func (e *Engine) Link(ctx context.Context, referrerID, refereeID uuid.UUID) (models.Referral, error) {
	if referrerID == refereeID {
		return models.Referral{}, ErrSelfReferral
	}
	var existing models.Referral
	err := e.db.WithContext(ctx).First(&existing, "referee_id = ?", refereeID).Error
	if err == nil {
		return existing, ErrAlreadyReferred
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Referral{}, fmt.Errorf("referral: link check: %w", err)
	}
	row := models.Referral{
		ID:         uuid.New(),
		ReferrerID: referrerID,
		RefereeID:  refereeID,
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Referral{}, fmt.Errorf("referral: link: %w", err)
	}
	return row, nil
}

// Validate promotes the referee's referral once they have enough successful
// orders, then grants the reward. Safe to call repeatedly from any trigger.
func (e *Engine) Validate(ctx context.Context, refereeID uuid.UUID) error {
	var row models.Referral
	err := e.db.WithContext(ctx).First(&row, "referee_id = ?", refereeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("referral: lookup: %w", err)
	}
	if row.IsValid && row.RewardGiven {
		return nil
	}

	if !row.IsValid {
		var successes int64
		err = e.db.WithContext(ctx).Model(&models.Order{}).
			Where("user_id = ? AND status = ?", refereeID, models.OrderSuccess).
			Count(&successes).Error
		if err != nil {
			return fmt.Errorf("referral: order count: %w", err)
		}
		if successes < int64(e.threshold) {
			return nil
		}
		now := e.nowFn()
		res := e.db.WithContext(ctx).Model(&models.Referral{}).
			Where("id = ? AND is_valid = ?", row.ID, false).
			Updates(map[string]interface{}{"is_valid": true, "validated_at": &now})
		if res.Error != nil {
			return fmt.Errorf("referral: validate: %w", res.Error)
		}
		// Zero rows means a concurrent caller validated first; fall through
		// to grant, which has its own barrier.
	}
	return e.Grant(ctx, row.ID)
}

// Grant hands the referrer their reward voucher, exactly once per referral.
// The reward_given flip is the single ownership barrier; it commits in the
// same transaction as the voucher rows so a failed insert rolls the flag
// back and a later sweep can grant again.
func (e *Engine) Grant(ctx context.Context, referralID uuid.UUID) error {
	var row models.Referral
	var vouchers []models.Voucher
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Referral{}).
			Where("id = ? AND reward_given = ?", referralID, false).
			Update("reward_given", true)
		if res.Error != nil {
			return fmt.Errorf("referral: grant barrier: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.First(&row, "id = ?", referralID).Error; err != nil {
			return fmt.Errorf("referral: grant lookup: %w", err)
		}

		reward, err := e.issueVoucher(tx, row.ReferrerID, e.rewardIDR, rewardExpiry, "REF")
		if err != nil {
			return err
		}
		vouchers = append(vouchers, reward)

		var validCount int64
		err = tx.Model(&models.Referral{}).
			Where("referrer_id = ? AND is_valid = ?", row.ReferrerID, true).
			Count(&validCount).Error
		if err != nil {
			return fmt.Errorf("referral: milestone count: %w", err)
		}
		if validCount > 0 && validCount%milestoneStep == 0 {
			bonus, err := e.issueVoucher(tx, row.ReferrerID, e.rewardIDR, bonusExpiry, "REFBONUS")
			if err != nil {
				return err
			}
			vouchers = append(vouchers, bonus)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, v := range vouchers {
		e.logger.Info("referral reward granted",
			"referral_id", referralID.String(), "referrer_id", row.ReferrerID.String(), "voucher", v.Code)
		if e.notifier != nil {
			e.notifier.ReferralRewarded(ctx, row.ReferrerID, v)
		}
	}
	return nil
}

// Sweep re-runs validation for every referral that has not been rewarded
// yet. Backstop for triggers lost between order success and validation.
func (e *Engine) Sweep(ctx context.Context) error {
	var rows []models.Referral
	err := e.db.WithContext(ctx).
		Where("reward_given = ?", false).
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("referral: sweep scan: %w", err)
	}
	for _, row := range rows {
		if err := e.Validate(ctx, row.RefereeID); err != nil {
			e.logger.Warn("referral sweep item failed",
				"referral_id", row.ID.String(), "error", err)
		}
	}
	return nil
}

func (e *Engine) issueVoucher(tx *gorm.DB, ownerID uuid.UUID, valueIDR int64, ttl time.Duration, prefix string) (models.Voucher, error) {
	expires := e.nowFn().Add(ttl)
	row := models.Voucher{
		ID:        uuid.New(),
		Code:      fmt.Sprintf("%s-%s", prefix, strings.ToUpper(uuid.NewString()[:8])),
		OwnerID:   &ownerID,
		ValueIDR:  valueIDR,
		MaxUsage:  1,
		Active:    true,
		ExpiresAt: &expires,
	}
	if err := tx.Create(&row).Error; err != nil {
		return models.Voucher{}, fmt.Errorf("referral: issue voucher: %w", err)
	}
	return row, nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Role enumerations for persistence.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// OrderStatus represents a state in the order lifecycle.
type OrderStatus string

// All order lifecycle states.
const (
	OrderPending    OrderStatus = "PENDING"
	OrderPaid       OrderStatus = "PAID"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderSuccess    OrderStatus = "SUCCESS"
	OrderFailed     OrderStatus = "FAILED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderExpired    OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderSuccess, OrderFailed, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// ChainType identifies the signing and transport family of a chain.
type ChainType string

// Supported chain families.
const (
	ChainEVM    ChainType = "EVM"
	ChainSolana ChainType = "SOLANA"
	ChainSui    ChainType = "SUI"
)

// PaymentMethod enumerates the payment instruments offered at checkout.
type PaymentMethod string

// Supported payment methods.
const (
	PaymentQRIS PaymentMethod = "QRIS"
	PaymentVA   PaymentMethod = "VA"
)

// User stores end-user identity and referral linkage. ReferredByID is set
// once at registration and never mutated afterwards.
type User struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Email        *string    `gorm:"uniqueIndex"`
	ChatID       *string    `gorm:"uniqueIndex;size:64"`
	ReferralCode string     `gorm:"uniqueIndex;size:16"`
	ReferredByID *uuid.UUID `gorm:"type:uuid;index"`
	Role         string     `gorm:"size:16;default:USER"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chain describes a supported blockchain and its custodial signing identity.
// Exactly one signing key blob exists per chain; Slug is immutable.
type Chain struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Slug          string    `gorm:"uniqueIndex;size:32"`
	Type          ChainType `gorm:"size:16"`
	RPCURL        string    `gorm:"size:255"`
	ExplorerURL   string    `gorm:"size:255"`
	ChainID       int64
	KeyBlob       string `gorm:"type:text"`
	Confirmations int    `gorm:"default:1"`
	MinOrderIDR   int64  `gorm:"column:min_order_idr;default:0"`
	Active        bool   `gorm:"default:true;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Token describes a sellable asset on a chain. At most one token per chain
// carries IsNative.
type Token struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ChainID       uuid.UUID       `gorm:"type:uuid;index:idx_tokens_chain_symbol,unique"`
	Symbol        string          `gorm:"size:16;index:idx_tokens_chain_symbol,unique"`
	IsNative      bool            `gorm:"default:false"`
	Decimals      int             `gorm:"default:18"`
	MarkupPercent decimal.Decimal `gorm:"type:numeric(8,4)"`
	Active        bool            `gorm:"default:true"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Inventory tracks the sellable balance per (chain, symbol). The invariant
// 0 <= reserved <= balance holds at every atomic boundary.
type Inventory struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ChainID   uuid.UUID       `gorm:"type:uuid;index:idx_inventory_chain_symbol,unique"`
	Symbol    string          `gorm:"size:16;index:idx_inventory_chain_symbol,unique"`
	Balance   decimal.Decimal `gorm:"type:numeric(36,18)"`
	Reserved  decimal.Decimal `gorm:"type:numeric(36,18)"`
	SyncedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available returns the unreserved balance.
func (i Inventory) Available() decimal.Decimal {
	return i.Balance.Sub(i.Reserved)
}

// Voucher is a fiat discount instrument with an atomic usage counter.
type Voucher struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Code       string     `gorm:"uniqueIndex;size:32"`
	OwnerID    *uuid.UUID `gorm:"type:uuid;index"`
	ValueIDR   int64      `gorm:"column:value_idr;not null"`
	MinAmount  int64      `gorm:"default:0"`
	MaxUsage   int        `gorm:"default:1"`
	UsageCount int        `gorm:"default:0"`
	Active     bool       `gorm:"default:true;index"`
	ExpiresAt  *time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the voucher is past its expiry at the given time.
func (v Voucher) Expired(now time.Time) bool {
	return v.ExpiresAt != nil && now.After(*v.ExpiresAt)
}

// Order is the central purchase record. Status transitions are performed
// exclusively through conditional updates in the order engine.
type Order struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID       `gorm:"type:uuid;index"`
	ChainID       uuid.UUID       `gorm:"type:uuid;index"`
	ChainSlug     string          `gorm:"size:32"`
	Symbol        string          `gorm:"size:16"`
	AmountIDR     int64           `gorm:"column:amount_idr;not null"`
	AmountToken   decimal.Decimal `gorm:"type:numeric(36,18)"`
	MarkupPercent decimal.Decimal `gorm:"type:numeric(8,4)"`
	WalletAddress string          `gorm:"size:128"`
	VoucherID     *uuid.UUID      `gorm:"type:uuid;index"`
	Status        OrderStatus     `gorm:"size:16;index"`
	PaymentMethod *PaymentMethod  `gorm:"size:8"`
	FeeIDR        int64           `gorm:"column:fee_idr;default:0"`
	TotalPay      int64           `gorm:"default:0"`
	TxHash        *string         `gorm:"size:128"`
	MidtransID    *string         `gorm:"index;size:64"`
	PaymentURL    *string         `gorm:"size:512"`
	CreatedAt     time.Time       `gorm:"index"`
	UpdatedAt     time.Time
	PaidAt        *time.Time
	CompletedAt   *time.Time
}

// Referral links a referee to their referrer. One row per referee, never
// deleted; is_valid and reward_given only ever flip false -> true.
type Referral struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ReferrerID  uuid.UUID `gorm:"type:uuid;index"`
	RefereeID   uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	IsValid     bool      `gorm:"default:false;index"`
	RewardGiven bool      `gorm:"default:false"`
	ValidatedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Setting is a key/value row for runtime configuration such as the USD/IDR
// fallback rate and the global markup.
type Setting struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// Well-known setting keys.
const (
	SettingUSDIDRRate     = "usd_idr_rate"
	SettingUSDIDRSyncedAt = "usd_idr_synced_at"
	SettingGlobalMarkup   = "global_markup_percent"
)

// AuditEvent is the operator-facing trail of critical actions: ambiguous
// send failures, webhook fraud signals, and manual interventions.
type AuditEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OrderID   *uuid.UUID `gorm:"type:uuid;index"`
	ActorID   *uuid.UUID `gorm:"type:uuid"`
	Action    string     `gorm:"size:64;index"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate creates or updates the schema for all entities.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Chain{},
		&Token{},
		&Inventory{},
		&Voucher{},
		&Order{},
		&Referral{},
		&Setting{},
		&AuditEvent{},
	)
}

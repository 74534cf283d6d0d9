package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config captures runtime configuration for the koinpay daemon.
type Config struct {
	ListenAddress      string
	Environment        string
	DatabaseURL        string
	RedisURL           string
	WalletPassword     string
	MidtransServerKey  string
	MidtransProduction bool
	MidtransBaseURL    string
	ChainsFile         string
	DefaultMarkup      float64
	DefaultUSDIDRRate  float64
	AllowedOrigins     []string
	JWTSecret          string
	FXEndpoint         string
	PriceRESTBase      string
	PriceStreamURL     string
	LogFile            string
	PayoutConcurrency  int
	ReferralRewardIDR  int64
	ReferralThreshold  int
}

const (
	envListen          = "KOINPAY_LISTEN"
	envEnvironment     = "KOINPAY_ENV"
	envDatabaseURL     = "KOINPAY_DATABASE_URL"
	envRedisURL        = "KOINPAY_REDIS_URL"
	envWalletPassword  = "KOINPAY_WALLET_PASSWORD"
	envMidtransKey     = "KOINPAY_MIDTRANS_SERVER_KEY"
	envMidtransProd    = "KOINPAY_MIDTRANS_PRODUCTION"
	envMidtransBase    = "KOINPAY_MIDTRANS_BASE"
	envChainsFile      = "KOINPAY_CHAINS_FILE"
	envDefaultMarkup   = "KOINPAY_DEFAULT_MARKUP"
	envDefaultFXRate   = "KOINPAY_DEFAULT_USD_IDR"
	envAllowedOrigins  = "KOINPAY_ALLOWED_ORIGINS"
	envJWTSecret       = "KOINPAY_JWT_SECRET"
	envFXEndpoint      = "KOINPAY_FX_ENDPOINT"
	envPriceRESTBase   = "KOINPAY_PRICE_REST_BASE"
	envPriceStreamURL  = "KOINPAY_PRICE_STREAM_URL"
	envLogFile         = "KOINPAY_LOG_FILE"
	envPayoutWorkers   = "KOINPAY_PAYOUT_WORKERS"
	envReferralReward  = "KOINPAY_REFERRAL_REWARD_IDR"
	envReferralMinimum = "KOINPAY_REFERRAL_ORDER_THRESHOLD"
)

// MinWalletPasswordLen is the minimum length accepted for the key derivation
// password protecting the hot wallet blobs.
const MinWalletPasswordLen = 32

// FromEnv resolves configuration from environment variables with sane defaults.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddress:      getenvDefault(envListen, ":8080"),
		Environment:        getenvDefault(envEnvironment, "development"),
		DatabaseURL:        os.Getenv(envDatabaseURL),
		RedisURL:           getenvDefault(envRedisURL, "redis://localhost:6379/0"),
		WalletPassword:     os.Getenv(envWalletPassword),
		MidtransServerKey:  os.Getenv(envMidtransKey),
		MidtransProduction: parseBoolDefault(envMidtransProd, false),
		MidtransBaseURL:    strings.TrimSpace(os.Getenv(envMidtransBase)),
		ChainsFile:         getenvDefault(envChainsFile, "chains.yaml"),
		DefaultMarkup:      parseFloatDefault(envDefaultMarkup, 5.0),
		DefaultUSDIDRRate:  parseFloatDefault(envDefaultFXRate, 15800),
		AllowedOrigins:     splitList(os.Getenv(envAllowedOrigins)),
		JWTSecret:          os.Getenv(envJWTSecret),
		FXEndpoint:         getenvDefault(envFXEndpoint, "https://open.er-api.com/v6/latest/USD"),
		PriceRESTBase:      getenvDefault(envPriceRESTBase, "https://api.binance.com"),
		PriceStreamURL:     getenvDefault(envPriceStreamURL, "wss://stream.binance.com:9443/ws/!miniTicker@arr"),
		LogFile:            strings.TrimSpace(os.Getenv(envLogFile)),
		PayoutConcurrency:  parseIntDefault(envPayoutWorkers, 20),
		ReferralRewardIDR:  int64(parseIntDefault(envReferralReward, 25_000)),
		ReferralThreshold:  parseIntDefault(envReferralMinimum, 1),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.MidtransServerKey == "" {
		return nil, fmt.Errorf("%s is required", envMidtransKey)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%s is required", envJWTSecret)
	}
	if len(cfg.WalletPassword) < MinWalletPasswordLen {
		return nil, fmt.Errorf("%s must be at least %d characters", envWalletPassword, MinWalletPasswordLen)
	}
	if cfg.MidtransBaseURL == "" {
		if cfg.MidtransProduction {
			cfg.MidtransBaseURL = "https://api.midtrans.com"
		} else {
			cfg.MidtransBaseURL = "https://api.sandbox.midtrans.com"
		}
	}
	if cfg.PayoutConcurrency <= 0 {
		cfg.PayoutConcurrency = 20
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseFloatDefault(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func parseIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func parseBoolDefault(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

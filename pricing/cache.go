package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"koinpay/locks"
	"koinpay/observability/metrics"
)

// ErrPriceUnavailable is returned when no cached price exists and a
// synchronous fetch could not be performed in time.
var ErrPriceUnavailable = errors.New("pricing: price unavailable")

// Sources recorded on cache entries.
const (
	SourceStream = "ws"
	SourceREST   = "rest"
)

const (
	// SWRWindow is the freshness horizon below which a cached price is
	// served without triggering a refresh.
	SWRWindow = time.Minute
	// HardTTL evicts entries outright; past it a symbol reads as absent.
	HardTTL = time.Hour

	refreshLockTTL = 10 * time.Second
	missSpinBudget = 2 * time.Second
	missSpinPoll   = 100 * time.Millisecond
)

// Entry is one cached symbol price.
type Entry struct {
	PriceUSD decimal.Decimal `json:"price_usd"`
	Ts       time.Time       `json:"ts"`
	Source   string          `json:"source"`
}

// Fetcher loads a single symbol price from the upstream market data source.
type Fetcher interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Cache is the stale-while-revalidate price table shared by all readers.
type Cache struct {
	client  *redis.Client
	lockmgr *locks.Manager
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metrics.KoinpayMetrics
	nowFn   func() time.Time
}

// NewCache constructs the price cache. The fetcher may be nil in tests that
// only exercise the upsert path.
func NewCache(client *redis.Client, lockmgr *locks.Manager, fetcher Fetcher, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client:  client,
		lockmgr: lockmgr,
		fetcher: fetcher,
		logger:  logger,
		metrics: metrics.Default(),
		nowFn:   time.Now,
	}
}

func cacheKey(symbol string) string {
	return "price:" + strings.ToUpper(strings.TrimSpace(symbol))
}

// Upsert writes the entry under the hard TTL.
func (c *Cache) Upsert(ctx context.Context, symbol string, price decimal.Decimal, source string) error {
	entry := Entry{PriceUSD: price, Ts: c.nowFn().UTC(), Source: source}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("pricing: marshal entry: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(symbol), raw, HardTTL).Err(); err != nil {
		return fmt.Errorf("pricing: upsert %s: %w", symbol, err)
	}
	c.metrics.RecordPriceUpdate(source)
	return nil
}

// peek reads the raw entry, treating hard-expired or malformed blobs as absent.
func (c *Cache) peek(ctx context.Context, symbol string) (*Entry, error) {
	raw, err := c.client.Get(ctx, cacheKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pricing: read %s: %w", symbol, err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, nil
	}
	if c.nowFn().Sub(entry.Ts) > HardTTL {
		return nil, nil
	}
	return &entry, nil
}

// Get returns the USD price for the symbol with stale-while-revalidate
// semantics. The cache is the only store consulted; there is no database
// fallthrough.
func (c *Cache) Get(ctx context.Context, symbol string) (decimal.Decimal, error) {
	entry, err := c.peek(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	now := c.nowFn()
	if entry != nil {
		if now.Sub(entry.Ts) <= SWRWindow {
			return entry.PriceUSD, nil
		}
		// Stale: serve immediately, refresh in the background under a
		// single-flight lock so concurrent readers trigger one fetch.
		go c.refreshAsync(symbol)
		return entry.PriceUSD, nil
	}
	return c.fetchOnMiss(ctx, symbol)
}

func (c *Cache) refreshAsync(symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshLockTTL)
	defer cancel()
	lock, err := c.lockmgr.Acquire(ctx, locks.PriceKey(symbol), refreshLockTTL)
	if err != nil {
		return
	}
	defer func() { _ = lock.Release(ctx) }()
	price, err := c.fetcher.FetchPrice(ctx, symbol)
	if err != nil {
		c.logger.Warn("price refresh failed", "symbol", symbol, "error", err)
		return
	}
	if err := c.Upsert(ctx, symbol, price, SourceREST); err != nil {
		c.logger.Warn("price refresh upsert failed", "symbol", symbol, "error", err)
	}
}

// fetchOnMiss fetches synchronously when the caller holds the refresh lock,
// otherwise spins on the cache until another flight lands a value.
func (c *Cache) fetchOnMiss(ctx context.Context, symbol string) (decimal.Decimal, error) {
	lock, err := c.lockmgr.Acquire(ctx, locks.PriceKey(symbol), refreshLockTTL)
	if err == nil {
		defer func() { _ = lock.Release(ctx) }()
		price, ferr := c.fetcher.FetchPrice(ctx, symbol)
		if ferr != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, ferr)
		}
		if uerr := c.Upsert(ctx, symbol, price, SourceREST); uerr != nil {
			c.logger.Warn("price upsert after miss failed", "symbol", symbol, "error", uerr)
		}
		return price, nil
	}
	if !errors.Is(err, locks.ErrNotAcquired) {
		return decimal.Zero, err
	}
	deadline := c.nowFn().Add(missSpinBudget)
	for c.nowFn().Before(deadline) {
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(missSpinPoll):
		}
		entry, perr := c.peek(ctx, symbol)
		if perr != nil {
			return decimal.Zero, perr
		}
		if entry != nil {
			return entry.PriceUSD, nil
		}
	}
	return decimal.Zero, ErrPriceUnavailable
}

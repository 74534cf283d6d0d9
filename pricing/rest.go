package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	singleFetchTimeout = 5 * time.Second
	bulkFetchTimeout   = 10 * time.Second
)

// RESTClient fetches ticker snapshots from the market data REST API. It
// implements Fetcher for the cache's synchronous paths.
type RESTClient struct {
	baseURL string
	http    *http.Client
	pair    func(symbol string) string
}

// NewRESTClient constructs a client against the given API base.
func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: bulkFetchTimeout},
		pair:    func(symbol string) string { return strings.ToUpper(symbol) + "USDT" },
	}
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchPrice returns the USD price of a single tracked symbol.
func (c *RESTClient) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, singleFetchTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, c.pair(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("pricing: fetch %s: status=%d", symbol, resp.StatusCode)
	}
	var ticker tickerPrice
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return decimal.Zero, fmt.Errorf("pricing: decode ticker: %w", err)
	}
	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing: parse price %q: %w", ticker.Price, err)
	}
	return price, nil
}

// FetchAll returns the full ticker snapshot filtered down to the tracked
// symbols, keyed by native symbol.
func (c *RESTClient) FetchAll(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, bulkFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/ticker/price", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricing: bulk fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing: bulk fetch: status=%d", resp.StatusCode)
	}
	var tickers []tickerPrice
	if err := json.NewDecoder(resp.Body).Decode(&tickers); err != nil {
		return nil, fmt.Errorf("pricing: decode snapshot: %w", err)
	}
	wanted := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		wanted[c.pair(symbol)] = strings.ToUpper(symbol)
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, ticker := range tickers {
		symbol, ok := wanted[ticker.Symbol]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(ticker.Price)
		if err != nil {
			continue
		}
		out[symbol] = price
	}
	return out, nil
}

// Refresher periodically sweeps the full snapshot into the cache.
type Refresher struct {
	client  *RESTClient
	cache   *Cache
	symbols func() []string
	logger  *slog.Logger
}

// NewRefresher constructs the scheduled REST sweep. symbols yields the
// currently tracked native symbols so newly activated chains join without a
// restart.
func NewRefresher(client *RESTClient, cache *Cache, symbols func() []string, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{client: client, cache: cache, symbols: symbols, logger: logger}
}

// RefreshAll performs one sweep. Partial failures upsert what they can.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	symbols := r.symbols()
	if len(symbols) == 0 {
		return nil
	}
	prices, err := r.client.FetchAll(ctx, symbols)
	if err != nil {
		return err
	}
	for symbol, price := range prices {
		if err := r.cache.Upsert(ctx, symbol, price, SourceREST); err != nil {
			r.logger.Warn("rest refresh upsert failed", "symbol", symbol, "error", err)
		}
	}
	return nil
}

package pricing

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"koinpay/observability/metrics"
)

const (
	// maxEventLag drops ticker events whose event time is too far behind
	// wall clock; replaying a backed-up stream must not poison the cache.
	maxEventLag = 5 * time.Second
	// readWatchdog terminates a silent connection and forces a redial.
	readWatchdog = 60 * time.Second
	// reconnectBase bounds the exponential redial backoff.
	reconnectBase = 5 * time.Second
	// statsWindow is the cadence of the feed metrics flush.
	statsWindow = 60 * time.Second
)

// miniTicker is the per-symbol payload of the combined mini-ticker stream.
type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// StreamFeed keeps the price cache hot from the streaming market data
// endpoint. One instance maintains a single persistent connection.
type StreamFeed struct {
	url     string
	cache   *Cache
	symbols func() []string
	logger  *slog.Logger
	metrics *metrics.KoinpayMetrics
	nowFn   func() time.Time

	mu    sync.Mutex
	stats feedStats
}

type feedStats struct {
	updates int
	drops   int
	errors  int
	maxLag  time.Duration
}

// NewStreamFeed constructs the streaming writer. symbols yields the tracked
// native symbols; pairs are derived as <SYMBOL>USDT.
func NewStreamFeed(url string, cache *Cache, symbols func() []string, logger *slog.Logger) *StreamFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamFeed{
		url:     url,
		cache:   cache,
		symbols: symbols,
		logger:  logger,
		metrics: metrics.Default(),
		nowFn:   time.Now,
	}
}

// Run dials and consumes the stream until the context is cancelled,
// reconnecting with exponential backoff after every failure.
func (f *StreamFeed) Run(ctx context.Context) {
	go f.flushLoop(ctx)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := f.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.recordError()
			f.logger.Warn("price stream disconnected", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectBase {
			backoff = reconnectBase
		}
	}
}

func (f *StreamFeed) consume(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")
	conn.SetReadLimit(1 << 22)
	f.logger.Info("price stream connected", "url", f.url)

	for {
		readCtx, cancel := context.WithTimeout(ctx, readWatchdog)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return err
		}
		f.handleMessage(ctx, data)
	}
}

func (f *StreamFeed) handleMessage(ctx context.Context, data []byte) {
	var events []miniTicker
	if err := json.Unmarshal(data, &events); err != nil {
		// The combined stream can also deliver a single object.
		var single miniTicker
		if err := json.Unmarshal(data, &single); err != nil {
			f.recordError()
			return
		}
		events = []miniTicker{single}
	}
	tracked := f.trackedPairs()
	now := f.nowFn()
	for _, event := range events {
		symbol, ok := tracked[event.Symbol]
		if !ok {
			continue
		}
		lag := now.Sub(time.UnixMilli(event.EventTime))
		f.observeLag(lag)
		if lag > maxEventLag {
			f.recordDrop()
			continue
		}
		price, err := parsePrice(event.Close)
		if err != nil {
			f.recordError()
			continue
		}
		if err := f.cache.Upsert(ctx, symbol, price, SourceStream); err != nil {
			f.recordError()
			continue
		}
		f.recordUpdate()
	}
}

func (f *StreamFeed) trackedPairs() map[string]string {
	symbols := f.symbols()
	out := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		upper := strings.ToUpper(symbol)
		out[upper+"USDT"] = upper
	}
	return out
}

func (f *StreamFeed) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(statsWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			stats := f.stats
			f.stats = feedStats{}
			f.mu.Unlock()
			f.metrics.SetPriceMaxLag(stats.maxLag)
			if stats.updates > 0 || stats.drops > 0 || stats.errors > 0 {
				f.logger.Info("price stream window",
					"updates", stats.updates,
					"drops", stats.drops,
					"errors", stats.errors,
					"max_lag_ms", stats.maxLag.Milliseconds())
			}
		}
	}
}

func (f *StreamFeed) recordUpdate() {
	f.mu.Lock()
	f.stats.updates++
	f.mu.Unlock()
}

func (f *StreamFeed) recordDrop() {
	f.metrics.RecordPriceDrop()
	f.mu.Lock()
	f.stats.drops++
	f.mu.Unlock()
}

func (f *StreamFeed) recordError() {
	f.metrics.RecordPriceError()
	f.mu.Lock()
	f.stats.errors++
	f.mu.Unlock()
}

func (f *StreamFeed) observeLag(lag time.Duration) {
	f.mu.Lock()
	if lag > f.stats.maxLag {
		f.stats.maxLag = lag
	}
	f.mu.Unlock()
}

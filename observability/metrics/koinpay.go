package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// KoinpayMetrics aggregates the domain collectors shared across packages.
type KoinpayMetrics struct {
	payoutOutcomes  *prometheus.CounterVec
	payoutLatency   *prometheus.HistogramVec
	priceUpdates    *prometheus.CounterVec
	priceDrops      prometheus.Counter
	priceErrors     prometheus.Counter
	priceMaxLag     prometheus.Gauge
	webhookResults  *prometheus.CounterVec
	criticalAlerts  *prometheus.CounterVec
	ordersCreated   prometheus.Counter
	inventoryFloor  *prometheus.CounterVec
}

var (
	koinpayOnce     sync.Once
	koinpayRegistry *KoinpayMetrics
)

// Default returns the process-wide metrics registry, creating it on first use.
func Default() *KoinpayMetrics {
	koinpayOnce.Do(func() {
		koinpayRegistry = &KoinpayMetrics{
			payoutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "koinpay_payout_outcomes_total",
				Help: "Count of payout executor outcomes by chain and result.",
			}, []string{"chain", "result"}),
			payoutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "koinpay_payout_duration_seconds",
				Help:    "End-to-end payout execution latency.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			}, []string{"chain"}),
			priceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "koinpay_price_updates_total",
				Help: "Price cache upserts by source.",
			}, []string{"source"}),
			priceDrops: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "koinpay_price_stream_drops_total",
				Help: "Stream ticker events discarded for excessive lag.",
			}),
			priceErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "koinpay_price_stream_errors_total",
				Help: "Stream read or decode failures.",
			}),
			priceMaxLag: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "koinpay_price_stream_max_lag_seconds",
				Help: "Maximum event-time lag observed in the current window.",
			}),
			webhookResults: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "koinpay_webhook_results_total",
				Help: "Payment gateway webhook outcomes.",
			}, []string{"result"}),
			criticalAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "koinpay_critical_alerts_total",
				Help: "Operator-attention events by kind (double spend risk, anomaly).",
			}, []string{"kind"}),
			ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "koinpay_orders_created_total",
				Help: "Orders successfully inserted in PENDING.",
			}),
			inventoryFloor: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "koinpay_inventory_floor_hits_total",
				Help: "Times an inventory release or deduct hit the zero floor.",
			}, []string{"op"}),
		}
	})
	return koinpayRegistry
}

// Register attaches all collectors to the supplied registry.
func (m *KoinpayMetrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.payoutOutcomes,
		m.payoutLatency,
		m.priceUpdates,
		m.priceDrops,
		m.priceErrors,
		m.priceMaxLag,
		m.webhookResults,
		m.criticalAlerts,
		m.ordersCreated,
		m.inventoryFloor,
	)
}

// ObservePayout records one payout outcome with its latency.
func (m *KoinpayMetrics) ObservePayout(chain, result string, elapsed time.Duration) {
	m.payoutOutcomes.WithLabelValues(chain, result).Inc()
	m.payoutLatency.WithLabelValues(chain).Observe(elapsed.Seconds())
}

// RecordPriceUpdate counts a cache upsert attributed to a source.
func (m *KoinpayMetrics) RecordPriceUpdate(source string) {
	m.priceUpdates.WithLabelValues(source).Inc()
}

// RecordPriceDrop counts a stream event discarded for staleness.
func (m *KoinpayMetrics) RecordPriceDrop() { m.priceDrops.Inc() }

// RecordPriceError counts a stream failure.
func (m *KoinpayMetrics) RecordPriceError() { m.priceErrors.Inc() }

// SetPriceMaxLag publishes the max observed event lag for the window.
func (m *KoinpayMetrics) SetPriceMaxLag(lag time.Duration) {
	m.priceMaxLag.Set(lag.Seconds())
}

// RecordWebhook counts one webhook outcome.
func (m *KoinpayMetrics) RecordWebhook(result string) {
	m.webhookResults.WithLabelValues(result).Inc()
}

// RecordCritical counts an operator-attention event.
func (m *KoinpayMetrics) RecordCritical(kind string) {
	m.criticalAlerts.WithLabelValues(kind).Inc()
}

// RecordOrderCreated counts a new PENDING order.
func (m *KoinpayMetrics) RecordOrderCreated() { m.ordersCreated.Inc() }

// RecordInventoryFloor counts a floored release or deduct.
func (m *KoinpayMetrics) RecordInventoryFloor(op string) {
	m.inventoryFloor.WithLabelValues(op).Inc()
}

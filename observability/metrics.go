package observability

import (
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves the registered collectors in Prometheus exposition
// format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// VaultMetrics bundles the collectors tracking vault engine activity.
type VaultMetrics struct {
	operations   *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	seized       *prometheus.HistogramVec
	healthAtLiq  prometheus.Histogram
	debtSupply   prometheus.Gauge
}

type rpcMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics

	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics
)

// Vault returns the lazily-initialised vault metrics registry.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nusd",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Count of vault operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nusd",
				Subsystem: "vault",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations segmented by collateral asset.",
			}, []string{"asset"}),
			seized: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nusd",
				Subsystem: "vault",
				Name:      "liquidation_seized_units",
				Help:      "Collateral seized per liquidation in native base units.",
				Buckets:   prometheus.ExponentialBuckets(1e12, 10, 10),
			}, []string{"asset"}),
			healthAtLiq: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "nusd",
				Subsystem: "vault",
				Name:      "health_factor_at_liquidation",
				Help:      "Health factor of positions at the moment they were liquidated.",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
			}),
			debtSupply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nusd",
				Subsystem: "vault",
				Name:      "debt_supply",
				Help:      "Outstanding synthetic dollar supply in 18-decimal base units.",
			}),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.liquidations,
			vaultRegistry.seized,
			vaultRegistry.healthAtLiq,
			vaultRegistry.debtSupply,
		)
	})
	return vaultRegistry
}

// ObserveOperation records the outcome of one vault operation.
func (m *VaultMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordLiquidation captures a completed liquidation: the asset, the seized
// amount in base units and the target's health factor before seizure.
func (m *VaultMetrics) RecordLiquidation(asset string, seized, healthBefore *big.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.liquidations.WithLabelValues(label).Inc()
	m.seized.WithLabelValues(label).Observe(bigToFloat(seized))
	m.healthAtLiq.Observe(fixedPointToFloat(healthBefore))
}

// SetDebtSupply updates the outstanding synthetic supply gauge.
func (m *VaultMetrics) SetDebtSupply(total *big.Int) {
	if m == nil {
		return
	}
	m.debtSupply.Set(bigToFloat(total))
}

// RPC returns the metrics registry tracking the JSON-RPC surface.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nusd",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nusd",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records one JSON-RPC request. Failed requests are any that wrote a
// JSON-RPC error object.
func (m *rpcMetrics) Observe(method string, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	outcome := "success"
	if failed {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}

// fixedPointToFloat converts an 18-decimal fixed-point value to its float
// representation (1e18 -> 1.0).
func fixedPointToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	scaled := new(big.Float).SetInt(value)
	scaled.Quo(scaled, big.NewFloat(1e18))
	floatVal, _ := scaled.Float64()
	if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
		return 0
	}
	return floatVal
}

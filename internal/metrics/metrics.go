// Package metrics はPrometheusメトリクスのレジストリを提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry はサービスが公開するメトリクスを保持する。
type Registry struct {
	registry *prometheus.Registry

	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	RateLimitedTotal   *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter
	KeysSweptTotal     prometheus.Counter
	KeyCacheHits       prometheus.Counter
	KeyCacheMisses     prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewRegistry は新しいRegistryを生成する。
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(r.registry)

	r.OperationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_operations_total",
			Help: "Total number of vault operations",
		},
		[]string{"operation", "result"}, // result: success or error code
	)
	r.OperationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyvault_operation_duration_seconds",
			Help:    "Vault operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"operation"},
	)
	r.RateLimitedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"class"},
	)
	r.AuditWriteFailures = f.NewCounter(
		prometheus.CounterOpts{
			Name: "keyvault_audit_write_failures_total",
			Help: "Total number of audit entries that could not be persisted",
		},
	)
	r.KeysSweptTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "keyvault_keys_expired_total",
			Help: "Total number of keys transitioned to expired by the sweeper",
		},
	)
	r.KeyCacheHits = f.NewCounter(
		prometheus.CounterOpts{
			Name: "keyvault_key_cache_hits_total",
			Help: "Total number of key cache hits",
		},
	)
	r.KeyCacheMisses = f.NewCounter(
		prometheus.CounterOpts{
			Name: "keyvault_key_cache_misses_total",
			Help: "Total number of key cache misses",
		},
	)

	r.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	r.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyvault_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return r
}

// RecordOperation は操作の結果と所要時間を記録する。resultは"success"またはエラーコード。
func (r *Registry) RecordOperation(operation, result string, duration time.Duration) {
	r.OperationsTotal.WithLabelValues(operation, result).Inc()
	r.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRateLimited はレート制限による拒否を記録する。
func (r *Registry) RecordRateLimited(class string) {
	r.RateLimitedTotal.WithLabelValues(class).Inc()
}

// RecordAuditWriteFailure は監査ログの書き込み失敗を記録する。
func (r *Registry) RecordAuditWriteFailure() {
	r.AuditWriteFailures.Inc()
}

// RecordKeysSwept は期限切れにした鍵の数を記録する。
func (r *Registry) RecordKeysSwept(n int) {
	r.KeysSweptTotal.Add(float64(n))
}

// RecordCacheLookup は鍵キャッシュの参照結果を記録する。
func (r *Registry) RecordCacheLookup(hit bool) {
	if hit {
		r.KeyCacheHits.Inc()
		return
	}
	r.KeyCacheMisses.Inc()
}

// RecordHTTPRequest はHTTPリクエストを記録する。
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler は/metrics用のHTTPハンドラを返す。
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

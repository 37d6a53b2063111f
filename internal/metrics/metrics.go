// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション同期、認証プロバイダークライアント、ワーカー、HTTP層から利用する。
type MetricsCollector interface {
	RecordAuthEvent(event string)
	RecordProfileLookup(result string)
	RecordProviderCall(op string, duration time.Duration, err error)
	RecordTokenRefresh(err error)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authEvents      *prometheus.CounterVec
	profileLookups  *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	tokenRefreshes  *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gigwrld_auth_events_total",
			Help: "処理した認証状態遷移の数（イベント種別ごと）",
		}, []string{"event"}),
		profileLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gigwrld_profile_lookups_total",
			Help: "プロフィール取得の結果別の数",
		}, []string{"result"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gigwrld_provider_calls_total",
			Help: "認証プロバイダー呼び出しの操作・結果別の数",
		}, []string{"op", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gigwrld_provider_latency_seconds",
			Help:    "認証プロバイダー呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gigwrld_token_refresh_total",
			Help: "リフレッシュワーカーによるトークン更新の結果別の数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gigwrld_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.authEvents,
		c.profileLookups,
		c.providerCalls,
		c.providerLatency,
		c.tokenRefreshes,
		c.httpStatus,
	)

	return c
}

// RecordAuthEvent は認証状態遷移を記録する。
func (c *Collector) RecordAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// RecordProfileLookup はプロフィール取得の結果（found / missing / error）を記録する。
func (c *Collector) RecordProfileLookup(result string) {
	c.profileLookups.WithLabelValues(result).Inc()
}

// RecordProviderCall は認証プロバイダー呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordProviderCall(op string, duration time.Duration, err error) {
	c.providerCalls.WithLabelValues(op, resultLabel(err)).Inc()
	c.providerLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(err error) {
	c.tokenRefreshes.WithLabelValues(resultLabel(err)).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

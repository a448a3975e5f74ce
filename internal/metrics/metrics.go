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
// 各パッケージは必要なメソッドだけを持つ小さなインターフェースで受け取る。
type MetricsCollector interface {
	RecordWebhook(mode, subscriptionType string)
	RecordSignatureFailure(reason string)
	RecordJobCreated()
	RecordJobConflict()
	RecordJobTransition(state string)
	RecordUpstreamRequest(operation string, statusCode int, duration time.Duration)
	RecordSubscribe(subscriptionType, outcome string)
	RecordCapture(outcome string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	webhooks          *prometheus.CounterVec
	signatureFailures *prometheus.CounterVec
	jobsCreated       prometheus.Counter
	jobConflicts      prometheus.Counter
	jobTransitions    *prometheus.CounterVec
	upstreamRequests  *prometheus.CounterVec
	upstreamLatency   *prometheus.HistogramVec
	subscribes        *prometheus.CounterVec
	captureDuration   *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecatch_webhook_messages_total",
			Help: "受信したEventSub Webhookメッセージ数",
		}, []string{"mode", "subscription_type"}),
		signatureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecatch_webhook_signature_failures_total",
			Help: "署名検証に失敗したWebhookメッセージ数",
		}, []string{"reason"}),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecatch_jobs_created_total",
			Help: "作成されたダウンロードジョブの合計数",
		}),
		jobConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecatch_job_conflicts_total",
			Help: "既存ジョブとの重複で拒否されたジョブ作成の合計数",
		}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecatch_job_transitions_total",
			Help: "遷移先状態別のジョブ状態遷移数",
		}, []string{"state"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecatch_upstream_requests_total",
			Help: "操作・ステータスコード別のTwitch API呼び出し数",
		}, []string{"operation", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecatch_upstream_latency_seconds",
			Help:    "Twitch API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		subscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecatch_eventsub_subscribe_total",
			Help: "結果種別ごとのEventSub購読作成数",
		}, []string{"subscription_type", "outcome"}),
		captureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecatch_capture_duration_seconds",
			Help:    "配信キャプチャの所要時間（秒）",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.webhooks,
		c.signatureFailures,
		c.jobsCreated,
		c.jobConflicts,
		c.jobTransitions,
		c.upstreamRequests,
		c.upstreamLatency,
		c.subscribes,
		c.captureDuration,
	)

	return c
}

// RecordWebhook は配信種別・購読種別ごとのWebhook受信を記録する。
func (c *Collector) RecordWebhook(mode, subscriptionType string) {
	c.webhooks.WithLabelValues(mode, subscriptionType).Inc()
}

// RecordSignatureFailure は署名検証の失敗を記録する。
func (c *Collector) RecordSignatureFailure(reason string) {
	c.signatureFailures.WithLabelValues(reason).Inc()
}

// RecordJobCreated はジョブ作成を記録する。
func (c *Collector) RecordJobCreated() {
	c.jobsCreated.Inc()
}

// RecordJobConflict はジョブ重複を記録する。
func (c *Collector) RecordJobConflict() {
	c.jobConflicts.Inc()
}

// RecordJobTransition はジョブの状態遷移を記録する。
func (c *Collector) RecordJobTransition(state string) {
	c.jobTransitions.WithLabelValues(state).Inc()
}

// RecordUpstreamRequest はTwitch API呼び出しを記録する。
// ステータスコード0はトランスポートエラーを表す。
func (c *Collector) RecordUpstreamRequest(operation string, statusCode int, duration time.Duration) {
	c.upstreamRequests.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	c.upstreamLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSubscribe は購読作成の結果を記録する。
func (c *Collector) RecordSubscribe(subscriptionType, outcome string) {
	c.subscribes.WithLabelValues(subscriptionType, outcome).Inc()
}

// RecordCapture はキャプチャの終了を記録する。
func (c *Collector) RecordCapture(outcome string, duration time.Duration) {
	c.captureDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

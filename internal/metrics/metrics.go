// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordFetchSuccess(platform string)
	RecordFetchFailure(platform string, kind string)
	RecordFetchLatency(duration time.Duration)
	RecordPostsStored(count int)
	RecordPublish(platform string, outcome string)
	RecordTxRetry()
	RecordTxConflict()
	RecordComplianceJob(status string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess   *prometheus.CounterVec
	fetchFail      *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	postsStored    prometheus.Counter
	publish        *prometheus.CounterVec
	txRetry        prometheus.Counter
	txConflict     prometheus.Counter
	complianceJobs *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postsync_fetch_success_total",
			Help: "プラットフォーム別のフェッチ成功数",
		}, []string{"platform"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postsync_fetch_fail_total",
			Help: "プラットフォーム・エラー種別ごとのフェッチ失敗数",
		}, []string{"platform", "kind"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postsync_fetch_latency_seconds",
			Help:    "アカウント単位のフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		postsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postsync_posts_stored_total",
			Help: "新規に保存された投稿の合計数",
		}),
		publish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postsync_publish_total",
			Help: "プラットフォーム・結果別の投稿数",
		}, []string{"platform", "outcome"}),
		txRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postsync_tx_retry_total",
			Help: "競合によるトランザクション再試行の合計数",
		}),
		txConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postsync_tx_conflict_total",
			Help: "再試行上限に達したトランザクションの合計数",
		}),
		complianceJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postsync_compliance_jobs_total",
			Help: "状態遷移別のコンプライアンスジョブ数",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.fetchLatency,
		c.postsStored,
		c.publish,
		c.txRetry,
		c.txConflict,
		c.complianceJobs,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(platform string) {
	c.fetchSuccess.WithLabelValues(platform).Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。kindはアダプタエラーの分類。
func (c *Collector) RecordFetchFailure(platform string, kind string) {
	c.fetchFail.WithLabelValues(platform, kind).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordPostsStored は新規に保存された投稿数を記録する。
func (c *Collector) RecordPostsStored(count int) {
	c.postsStored.Add(float64(count))
}

// RecordPublish は投稿結果を記録する。outcomeはpublishedまたはfailed。
func (c *Collector) RecordPublish(platform string, outcome string) {
	c.publish.WithLabelValues(platform, outcome).Inc()
}

// RecordTxRetry はトランザクションの再試行を記録する。
func (c *Collector) RecordTxRetry() {
	c.txRetry.Inc()
}

// RecordTxConflict は再試行上限に達したトランザクションを記録する。
func (c *Collector) RecordTxConflict() {
	c.txConflict.Inc()
}

// RecordComplianceJob はコンプライアンスジョブの状態遷移を記録する。
func (c *Collector) RecordComplianceJob(status string) {
	c.complianceJobs.WithLabelValues(status).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカーモードでAPIサーバーを起動しない場合に使用する。healthがnilでなければ/healthも提供する。
func SetupMetricsRoute(gatherer prometheus.Gatherer, health http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	if health != nil {
		mux.Handle("GET /health", health)
	}
	return mux
}

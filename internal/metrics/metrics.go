// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// チェック結果のラベル値
const (
	ResultUnchanged  = "unchanged"
	ResultChanged    = "changed"
	ResultFetchError = "fetch_error"
	ResultStoreError = "store_error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ポーリングワーカーと通知ハブから利用する。
type MetricsCollector interface {
	RecordPass(duration time.Duration)
	RecordSubjectCheck(result string)
	RecordFriendChanges(added, removed int)
	RecordDroppedTick()
	SetSubscribers(count int)
	RecordBroadcast(delivered, failed int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	passes        prometheus.Counter
	passDuration  prometheus.Histogram
	subjectChecks *prometheus.CounterVec
	friendChanges *prometheus.CounterVec
	droppedTicks  prometheus.Counter
	subscribers   prometheus.Gauge
	deliveries    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "friendtracker_poll_passes_total",
			Help: "完了したポーリングパスの合計数",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "friendtracker_poll_pass_duration_seconds",
			Help:    "ポーリングパス1回の所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		subjectChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendtracker_subject_checks_total",
			Help: "追跡対象ごとのチェック結果別の合計数",
		}, []string{"result"}),
		friendChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendtracker_friend_changes_total",
			Help: "検出されたフレンド変更の種別ごとの合計数",
		}, []string{"type"}),
		droppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "friendtracker_poll_dropped_ticks_total",
			Help: "前回のパスが実行中のためスキップされたティックの合計数",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "friendtracker_subscribers",
			Help: "現在接続中の購読者数",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendtracker_broadcast_deliveries_total",
			Help: "購読者への通知配信の結果別の合計数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.passes,
		c.passDuration,
		c.subjectChecks,
		c.friendChanges,
		c.droppedTicks,
		c.subscribers,
		c.deliveries,
	)

	return c
}

// RecordPass はポーリングパスの完了を記録する。
func (c *Collector) RecordPass(duration time.Duration) {
	c.passes.Inc()
	c.passDuration.Observe(duration.Seconds())
}

// RecordSubjectCheck は追跡対象1件のチェック結果を記録する。
func (c *Collector) RecordSubjectCheck(result string) {
	c.subjectChecks.WithLabelValues(result).Inc()
}

// RecordFriendChanges は検出した追加・削除件数を記録する。
func (c *Collector) RecordFriendChanges(added, removed int) {
	if added > 0 {
		c.friendChanges.WithLabelValues("added").Add(float64(added))
	}
	if removed > 0 {
		c.friendChanges.WithLabelValues("removed").Add(float64(removed))
	}
}

// RecordDroppedTick はスキップしたティックを記録する。
func (c *Collector) RecordDroppedTick() {
	c.droppedTicks.Inc()
}

// SetSubscribers は接続中の購読者数を設定する。
func (c *Collector) SetSubscribers(count int) {
	c.subscribers.Set(float64(count))
}

// RecordBroadcast は1回の配信の成功・失敗件数を記録する。
func (c *Collector) RecordBroadcast(delivered, failed int) {
	if delivered > 0 {
		c.deliveries.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		c.deliveries.WithLabelValues("failed").Add(float64(failed))
	}
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordPass(time.Duration)     {}
func (Nop) RecordSubjectCheck(string)    {}
func (Nop) RecordFriendChanges(int, int) {}
func (Nop) RecordDroppedTick()           {}
func (Nop) SetSubscribers(int)           {}
func (Nop) RecordBroadcast(int, int)     {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

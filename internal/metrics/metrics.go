// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WebhookCollector はWebhook処理のメトリクス収集のインターフェース。
// ハンドラー層から利用する。
type WebhookCollector interface {
	RecordReceived()
	RecordInvalidSignature()
	RecordMalformed()
	RecordDelivered()
	RecordUnrouted(reason string)
	RecordDeliveryFailure()
	RecordFallbackUsed()
	RecordRoutingLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	received       prometheus.Counter
	invalidSig     prometheus.Counter
	malformed      prometheus.Counter
	delivered      prometheus.Counter
	unrouted       *prometheus.CounterVec
	deliveryFail   prometheus.Counter
	fallbackUsed   prometheus.Counter
	routingLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketrelay_webhook_received_total",
			Help: "受信したWebhookイベントの合計数",
		}),
		invalidSig: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketrelay_webhook_invalid_signature_total",
			Help: "署名検証に失敗したWebhookイベントの合計数",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketrelay_webhook_malformed_total",
			Help: "構造的に不正なWebhookイベントの合計数",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketrelay_notifications_delivered_total",
			Help: "配信に成功した通知の合計数",
		}),
		unrouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketrelay_webhook_unrouted_total",
			Help: "通知なしで終了した正当なWebhookイベントの理由別合計数",
		}, []string{"reason"}),
		deliveryFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketrelay_notifications_failed_total",
			Help: "配信に失敗した通知の合計数",
		}),
		fallbackUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketrelay_routing_fallback_total",
			Help: "交渉照会失敗によりフォールバックルーティングを使用した合計数",
		}),
		routingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketrelay_routing_latency_seconds",
			Help:    "Webhookルーティング処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.received,
		c.invalidSig,
		c.malformed,
		c.delivered,
		c.unrouted,
		c.deliveryFail,
		c.fallbackUsed,
		c.routingLatency,
	)

	return c
}

// RecordReceived はWebhookイベントの受信を記録する。
func (c *Collector) RecordReceived() {
	c.received.Inc()
}

// RecordInvalidSignature は署名検証失敗を記録する。
func (c *Collector) RecordInvalidSignature() {
	c.invalidSig.Inc()
}

// RecordMalformed は不正ペイロードを記録する。
func (c *Collector) RecordMalformed() {
	c.malformed.Inc()
}

// RecordDelivered は通知配信成功を記録する。
func (c *Collector) RecordDelivered() {
	c.delivered.Inc()
}

// RecordUnrouted は通知なしで終了したイベントを理由別に記録する。
// 正当だがルーティング対象外のイベントはエラーカウントに現れないため、
// ルーティングギャップの監視はこのメトリクスと構造化ログに依存する。
func (c *Collector) RecordUnrouted(reason string) {
	c.unrouted.WithLabelValues(reason).Inc()
}

// RecordDeliveryFailure は通知配信失敗を記録する。
func (c *Collector) RecordDeliveryFailure() {
	c.deliveryFail.Inc()
}

// RecordFallbackUsed はフォールバックルーティングの使用を記録する。
func (c *Collector) RecordFallbackUsed() {
	c.fallbackUsed.Inc()
}

// RecordRoutingLatency はルーティング処理のレイテンシを記録する。
func (c *Collector) RecordRoutingLatency(duration time.Duration) {
	c.routingLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: сколько событий опубликовано (по категориям)
	EventsPublished *prometheus.CounterVec

	// Сколько доставок обработано подписчиками (по исходу)
	EventsProcessed *prometheus.CounterVec

	// Errors: провалы публикаций и хендлеров
	EventsFailed *prometheus.CounterVec

	// Latency: полный путь публикации (middleware + store + broker)
	PublishDuration prometheus.Histogram

	// Saturation: живые подписки и заполненность очередей доставки
	ActiveSubscriptions prometheus.Gauge
	DeliveryQueueDrops  prometheus.Counter

	// Retry-конвейер
	RetriedEvents   prometheus.Counter
	ExhaustedEvents prometheus.Counter
	CleanedEvents   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — без реестра метрики летят в локальный, никуда не подключенный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsPublished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Total number of successfully published events.",
		}, []string{"category"}),

		EventsProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_events_processed_total",
			Help: "Total number of handler invocations by outcome.",
		}, []string{"outcome"}), // completed, failed, dropped

		EventsFailed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_events_failed_total",
			Help: "Total number of failed operations by stage.",
		}, []string{"stage"}), // validate, isolation, store, broker, handler

		PublishDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "eventbus_publish_duration_seconds",
			Help:    "Histogram of publish pipeline latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		ActiveSubscriptions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "eventbus_active_subscriptions",
			Help: "Current number of live local subscriptions.",
		}),

		DeliveryQueueDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventbus_delivery_queue_drops_total",
			Help: "Messages dropped because a subscription queue was full.",
		}),

		RetriedEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventbus_retried_events_total",
			Help: "Failed events re-published by the retry worker.",
		}),

		ExhaustedEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventbus_retry_exhausted_total",
			Help: "Events permanently failed after exhausting retries.",
		}),

		CleanedEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventbus_ttl_cleaned_total",
			Help: "Events removed by TTL cleanup.",
		}),
	}
}

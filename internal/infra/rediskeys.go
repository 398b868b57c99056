package infra

import "fmt"

const (
	// RedisNamespace — базовый префикс для изоляции данных платформы в Redis.
	RedisNamespace = "bizosaas"
)

// Ключи хранилища (состояние)
const (
	// Hash: event_id -> JSON события (в пределах тенанта)
	RedisKeyEventsPrefix = RedisNamespace + ":events:" // + tenant_id
	// Sorted Set: индекс событий тенанта по времени (score = unix ts)
	RedisKeyEventIndexPrefix = RedisNamespace + ":events_idx:" // + tenant_id
	// Set известных тенантов — для обхода при retry/TTL
	RedisKeyTenants = RedisNamespace + ":tenants"
	// Set событий в статусе failed (кандидаты на retry), значения "tenant_id:event_id"
	RedisKeyFailedEvents = RedisNamespace + ":events:failed_set"
	// Hash: subscription_id -> JSON подписки
	RedisKeySubscriptions = RedisNamespace + ":subscriptions"
	// Снапшоты метрик шины (time-bucketed, expiry 24h)
	RedisKeyMetricsPrefix = RedisNamespace + ":metrics:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanFailoverAlerts — канал для трансляции алертов failover в дашборды.
	RedisChanFailoverAlerts = RedisNamespace + ":failover:alerts"
)

// EventsKey — ключ hash событий тенанта.
func EventsKey(tenantID string) string {
	return RedisKeyEventsPrefix + tenantID
}

// EventIndexKey — ключ временного индекса событий тенанта.
func EventIndexKey(tenantID string) string {
	return RedisKeyEventIndexPrefix + tenantID
}

// MetricsBucketKey — ключ снапшота метрик для конкретного бакета времени.
func MetricsBucketKey(bucket string) string {
	return fmt.Sprintf("%s%s", RedisKeyMetricsPrefix, bucket)
}

package failover

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/infra"
)

// AlertNotifier получает уведомление о каждом решении контроллера.
// Реализация не должна блокировать hot path.
type AlertNotifier interface {
	Notify(ctx context.Context, e FailoverEvent)
}

// ZapNotifier пишет алерты в структурированный лог.
// Минимальный нотификатор: всегда включен, внешних зависимостей нет.
type ZapNotifier struct {
	logger *zap.Logger
}

func NewZapNotifier(logger *zap.Logger) *ZapNotifier {
	return &ZapNotifier{logger: logger.With(zap.String("mod", "failover_alerts"))}
}

func (n *ZapNotifier) Notify(_ context.Context, e FailoverEvent) {
	fields := []zap.Field{
		zap.String("integration", e.IntegrationName),
		zap.String("strategy", string(e.Strategy)),
		zap.String("from", e.FromTarget),
		zap.String("to", e.ToTarget),
		zap.String("reason", e.TriggerReason),
		zap.Float64("response_time_ms", e.ResponseTime),
	}
	if e.Success {
		n.logger.Warn("failover executed", fields...)
	} else {
		n.logger.Error("failover failed: no viable target", fields...)
	}
}

// RedisNotifier транслирует алерты в Pub/Sub канал для внешних дашбордов.
// Подписчиков может не быть — publish в пустой канал это no-op.
type RedisNotifier struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisNotifier(rdb *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, logger: logger.With(zap.String("mod", "failover_alerts"))}
}

type alertPayload struct {
	Severity    string        `json:"severity"` // warning | critical
	Integration string        `json:"integration"`
	Strategy    Strategy      `json:"strategy"`
	FromTarget  string        `json:"from_target"`
	ToTarget    string        `json:"to_target"`
	Reason      string        `json:"reason"`
	Success     bool          `json:"success"`
	Timestamp   time.Time     `json:"timestamp"`
	EventID     string        `json:"event_id"`
	ResponseMs  float64       `json:"response_time_ms"`
}

func (n *RedisNotifier) Notify(ctx context.Context, e FailoverEvent) {
	severity := "warning"
	if !e.Success {
		// Переключиться некуда — деградация сервиса, зовем дежурного
		severity = "critical"
	}
	raw, err := json.Marshal(alertPayload{
		Severity:    severity,
		Integration: e.IntegrationName,
		Strategy:    e.Strategy,
		FromTarget:  e.FromTarget,
		ToTarget:    e.ToTarget,
		Reason:      e.TriggerReason,
		Success:     e.Success,
		Timestamp:   e.Timestamp,
		EventID:     e.ID,
		ResponseMs:  e.ResponseTime,
	})
	if err != nil {
		return
	}
	if err := n.rdb.Publish(ctx, infra.RedisChanFailoverAlerts, raw).Err(); err != nil {
		n.logger.Warn("alert publish failed", zap.Error(err))
	}
}

// MultiNotifier рассылает алерт всем вложенным нотификаторам.
type MultiNotifier []AlertNotifier

func (m MultiNotifier) Notify(ctx context.Context, e FailoverEvent) {
	for _, n := range m {
		n.Notify(ctx, e)
	}
}

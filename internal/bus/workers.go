package bus

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/event"
	"github.com/bizosaas/eventcore/internal/infra"
)

const (
	maintenanceInterval = 30 * time.Second
	metricsInterval     = 60 * time.Second
	metricsSnapshotTTL  = 24 * time.Hour
)

// maintenanceLoop — общий тикер retry-скедулера и TTL-клинера.
// Ошибки логируются, цикл живет до отмены контекста.
func (b *Bus) maintenanceLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.scheduleRetries(ctx)
			b.cleanupExpired(ctx)
		}
	}
}

// scheduleRetries раздает пачку failed-событий пулу воркеров.
// Событие помечается retrying до постановки в очередь, чтобы следующий
// тик не захватил его повторно.
func (b *Bus) scheduleRetries(ctx context.Context) {
	events, err := b.store.GetFailedEvents(ctx, b.cfg.MaxRetryAttempts, b.cfg.BatchSize)
	if err != nil {
		b.logger.Error("failed events fetch error", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	b.logger.Info("retry batch scheduled", zap.Int("count", len(events)))

	for _, e := range events {
		if err := b.store.UpdateEventStatus(ctx, e.TenantID, e.EventID, event.StatusRetrying); err != nil {
			b.logger.Warn("retrying mark failed", zap.String("event_id", e.EventID), zap.Error(err))
			continue
		}
		select {
		case b.retryCh <- e:
		case <-ctx.Done():
			return
		}
	}
}

// retryWorker — один из N конкурентных воркеров пула.
func (b *Bus) retryWorker(ctx context.Context, id int) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.retryCh:
			b.retryEvent(ctx, e)
		}
	}
}

func (b *Bus) retryEvent(ctx context.Context, e *event.Event) {
	// Исчерпанный бюджет — перманентный failed, из retry-пачек исключается
	if e.RetryCount >= e.MaxRetries || e.RetryCount >= b.cfg.MaxRetryAttempts {
		if err := b.store.UpdateEventStatus(ctx, e.TenantID, e.EventID, event.StatusFailed); err != nil {
			b.logger.Warn("permanent failure mark error", zap.String("event_id", e.EventID), zap.Error(err))
		}
		if err := b.store.MarkRetryExhausted(ctx, e.TenantID, e.EventID); err != nil {
			b.logger.Warn("retry exhaust mark error", zap.String("event_id", e.EventID), zap.Error(err))
		}
		b.metrics.ExhaustedEvents.Inc()
		b.logger.Warn("event permanently failed",
			zap.String("event_id", e.EventID),
			zap.String("event_type", e.EventType),
			zap.Int("retry_count", e.RetryCount),
		)
		return
	}

	e.RetryCount++
	e.Status = event.StatusRetrying
	if err := b.store.StoreEvent(ctx, e); err != nil {
		b.logger.Error("retry state persist failed", zap.String("event_id", e.EventID), zap.Error(err))
		return
	}

	// Фиксированная линейная задержка — осознанное упрощение, не экспонента.
	// Лок во время сна не держится.
	select {
	case <-ctx.Done():
		return
	case <-time.After(b.cfg.RetryDelay):
	}

	e.Status = event.StatusPending
	res := b.PublishEvent(ctx, e, "")
	if res.Success {
		b.metrics.RetriedEvents.Inc()
		b.logger.Info("event re-published",
			zap.String("event_id", e.EventID),
			zap.Int("retry_count", e.RetryCount),
		)
	}
	// Провал переопубликации снова помечает событие failed внутри
	// PublishEvent — следующий тик заберет его, пока есть бюджет
}

// cleanupExpired удаляет события старше event_ttl_days.
func (b *Bus) cleanupExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-b.cfg.EventTTL())
	deleted, err := b.store.CleanupOldEvents(ctx, cutoff)
	if err != nil {
		b.logger.Error("ttl cleanup error", zap.Error(err))
		return
	}
	if deleted > 0 {
		b.metrics.CleanedEvents.Add(float64(deleted))
		b.logger.Info("expired events removed", zap.Int("count", deleted))
	}
}

// healthLoop прозванивает зависимости. Сбой логируется, цикл не выходит.
func (b *Bus) healthLoop(ctx context.Context) {
	defer b.wg.Done()

	interval := b.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			for component, status := range b.HealthCheck(checkCtx) {
				if status != "healthy" {
					b.logger.Warn("dependency unhealthy",
						zap.String("component", component),
						zap.String("status", status),
					)
				}
			}
			cancel()
		}
	}
}

// metricsLoop раз в минуту складывает снапшот счетчиков в Redis
// (time-bucketed, expiry 24h) для внешних дашбордов.
func (b *Bus) metricsLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.rdb == nil {
				continue
			}
			snap := b.GetMetrics()
			raw, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			bucket := snap.Timestamp.Format("2006-01-02T15:04")
			if err := b.rdb.Set(ctx, infra.MetricsBucketKey(bucket), raw, metricsSnapshotTTL).Err(); err != nil {
				b.logger.Warn("metrics snapshot failed", zap.Error(err))
			}
		}
	}
}

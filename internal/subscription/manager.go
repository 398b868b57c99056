package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/infra"
)

// Subscription — метаданные подписки сервиса на тип события.
// Локальный хендлер-замыкание по определению не переживает рестарт:
// сервисы обязаны переподписываться на старте, реестр лишь хранит факт
// подписки и фильтры.
type Subscription struct {
	SubscriptionID string            `json:"subscription_id"`
	EventType      string            `json:"event_type"`
	ServiceName    string            `json:"service_name"`
	TenantID       string            `json:"tenant_id,omitempty"` // пусто = глобальная подписка
	Filters        map[string]string `json:"filters,omitempty"`
	WebhookURL     string            `json:"webhook_url,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Manager — долговременный реестр подписок поверх Redis hash.
// Делит субстрат с брокером, чтобы рестарт мог перечитать подписки.
type Manager struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewManager(rdb *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{rdb: rdb, logger: logger.Named("subscriptions")}
}

// Add регистрирует подписку и возвращает ее с присвоенным ID.
func (m *Manager) Add(ctx context.Context, sub Subscription) (*Subscription, error) {
	if sub.SubscriptionID == "" {
		sub.SubscriptionID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("marshal subscription: %w", err)
	}
	if err := m.rdb.HSet(ctx, infra.RedisKeySubscriptions, sub.SubscriptionID, raw).Err(); err != nil {
		return nil, fmt.Errorf("persist subscription: %w", err)
	}

	m.logger.Info("subscription registered",
		zap.String("id", sub.SubscriptionID),
		zap.String("event_type", sub.EventType),
		zap.String("service", sub.ServiceName),
	)
	return &sub, nil
}

// Remove удаляет подписку; false — если такой не было.
func (m *Manager) Remove(ctx context.Context, subscriptionID string) (bool, error) {
	n, err := m.rdb.HDel(ctx, infra.RedisKeySubscriptions, subscriptionID).Result()
	if err != nil {
		return false, fmt.Errorf("remove subscription: %w", err)
	}
	return n > 0, nil
}

// Get возвращает подписку по ID, nil если не найдена.
func (m *Manager) Get(ctx context.Context, subscriptionID string) (*Subscription, error) {
	raw, err := m.rdb.HGet(ctx, infra.RedisKeySubscriptions, subscriptionID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// List возвращает все подписки (рехидратация при старте, диагностика).
func (m *Manager) List(ctx context.Context) ([]*Subscription, error) {
	raws, err := m.rdb.HGetAll(ctx, infra.RedisKeySubscriptions).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := make([]*Subscription, 0, len(raws))
	for id, raw := range raws {
		var sub Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			m.logger.Warn("corrupted subscription record skipped", zap.String("id", id))
			continue
		}
		out = append(out, &sub)
	}
	return out, nil
}

// Count — число живых подписок.
func (m *Manager) Count(ctx context.Context) (int64, error) {
	return m.rdb.HLen(ctx, infra.RedisKeySubscriptions).Result()
}

// HealthCheck проверяет доступность субстрата реестра.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

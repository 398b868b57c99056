package broker

import (
	"context"

	"github.com/bizosaas/eventcore/internal/event"
)

// Handler — колбэк доставки сообщения подписчику. Вызывается из цикла
// доставки брокера; паника или блокировка внутри колбэка — ответственность
// вызывающей стороны (шина оборачивает хендлеры сама).
type Handler func(ctx context.Context, routingKey string, payload []byte)

// MessageBroker — абстракция транспорта нотификаций. Стор событий остается
// источником истины, брокер отвечает только за fan-out. Реализации:
// in-memory (тесты, single-node), Redis Pub/Sub, NATS JetStream (очередь).
type MessageBroker interface {
	Initialize(ctx context.Context) error
	// Publish отправляет сообщение в топик routingKey с брокер-нативным приоритетом.
	Publish(ctx context.Context, routingKey string, payload []byte, priority int) error
	// Subscribe регистрирует wildcard-подписку (`*` — один сегмент ключа).
	Subscribe(ctx context.Context, routingKey string, handler Handler) error
	Unsubscribe(routingKey string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// PriorityWeight — фиксированный маппинг приоритетов события на нативную
// шкалу брокера. Менять значения нельзя: на них завязаны очереди потребителей.
func PriorityWeight(p event.Priority) int {
	switch p {
	case event.PriorityLow:
		return 1
	case event.PriorityHigh:
		return 8
	case event.PriorityCritical:
		return 10
	default:
		return 5
	}
}

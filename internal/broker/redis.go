package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker — транспорт на Redis Pub/Sub. Wildcard-подписки реализованы
// через PSUBSCRIBE. Приоритет в Pub/Sub не нативен, поэтому маппинг
// сохраняется в конверте и учитывается очередными брокерами (NATS).
type RedisBroker struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]context.CancelFunc // pattern -> остановка цикла доставки
}

func NewRedisBroker(rdb *redis.Client, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{
		rdb:    rdb,
		logger: logger.Named("redis-broker"),
		subs:   make(map[string]context.CancelFunc),
	}
}

func (b *RedisBroker) Initialize(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis broker ping: %w", err)
	}
	return nil
}

// Publish отправляет сообщение с ограниченным ретраем на сетевые сбои.
func (b *RedisBroker) Publish(ctx context.Context, routingKey string, payload []byte, priority int) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
	)
	return r.Do(func() error {
		return b.rdb.Publish(ctx, routingKey, payload).Err()
	})
}

// Subscribe запускает «живучий» цикл подписки: переподключение при обрыве,
// логирование без прерывания. Повторная подписка на тот же паттерн
// перезапускает цикл.
func (b *RedisBroker) Subscribe(ctx context.Context, routingKey string, handler Handler) error {
	b.mu.Lock()
	if cancel, ok := b.subs[routingKey]; ok {
		cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	b.subs[routingKey] = cancel
	b.mu.Unlock()

	go b.listenResilient(subCtx, routingKey, handler)
	return nil
}

func (b *RedisBroker) listenResilient(ctx context.Context, pattern string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.rdb.PSubscribe(ctx, pattern)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("failed to subscribe", zap.String("pattern", pattern), zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				handler(ctx, msg.Channel, []byte(msg.Payload))
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}

func (b *RedisBroker) Unsubscribe(routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cancel, ok := b.subs[routingKey]
	if !ok {
		return fmt.Errorf("no subscription for %s", routingKey)
	}
	cancel()
	delete(b.subs, routingKey)
	return nil
}

func (b *RedisBroker) HealthCheck(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for pattern, cancel := range b.subs {
		cancel()
		delete(b.subs, pattern)
	}
	b.mu.Unlock()
	return b.rdb.Close()
}

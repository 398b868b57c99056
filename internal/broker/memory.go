package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryBroker — внутрипроцессный брокер. Используется в тестах и в
// single-node деплойментах, где внешний транспорт избыточен.
// Доставка синхронная: очереди и изоляция хендлеров живут уровнем выше, в шине.
type MemoryBroker struct {
	mu       sync.RWMutex
	handlers map[string]Handler // pattern -> handler
	closed   bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{handlers: make(map[string]Handler)}
}

func (b *MemoryBroker) Initialize(ctx context.Context) error { return nil }

func (b *MemoryBroker) Publish(ctx context.Context, routingKey string, payload []byte, priority int) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("memory broker is closed")
	}
	// Снимаем копию матчей, чтобы не держать лок во время доставки
	var matched []Handler
	for pattern, h := range b.handlers {
		if matchPattern(pattern, routingKey) {
			matched = append(matched, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(ctx, routingKey, payload)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, routingKey string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory broker is closed")
	}
	b.handlers[routingKey] = handler
	return nil
}

func (b *MemoryBroker) Unsubscribe(routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, routingKey)
	return nil
}

func (b *MemoryBroker) HealthCheck(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory broker is closed")
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]Handler)
	return nil
}

// matchPattern — посегментный матчинг ключа: `*` закрывает ровно один
// сегмент (семантика токенов NATS). Типы событий содержат точки, поэтому
// сегменты после `*` сравниваются буквально.
func matchPattern(pattern, key string) bool {
	pp := strings.Split(pattern, ".")
	kk := strings.Split(key, ".")
	if len(pp) != len(kk) {
		return false
	}
	for i := range pp {
		if pp[i] == "*" {
			continue
		}
		if pp[i] != kk[i] {
			return false
		}
	}
	return true
}

package store

import (
	"context"
	"time"

	"github.com/bizosaas/eventcore/internal/event"
)

// Query — параметры выборки событий тенанта. Пустые поля не ограничивают.
type Query struct {
	EventTypes  []string
	AggregateID string
	StartTime   time.Time
	EndTime     time.Time
	Limit       int
}

// EventStore — долговременный, партиционированный по тенантам лог событий.
// Любая ошибка хранилища всплывает наружу: шина трактует ее как провал
// публикации, молчаливая потеря события недопустима.
type EventStore interface {
	Initialize(ctx context.Context) error
	// StoreEvent пишет (или перезаписывает при retry) запись по ключу (tenant_id, event_id).
	StoreEvent(ctx context.Context, e *event.Event) error
	// GetEvents возвращает события тенанта, новые первыми. Порядок детерминирован:
	// (timestamp desc, event_id) при равных метках.
	GetEvents(ctx context.Context, tenantID string, q Query) ([]*event.Event, error)
	// UpdateEventStatus меняет статус записи. Статус failed делает событие
	// кандидатом на retry, остальные статусы выводят из retry-набора.
	UpdateEventStatus(ctx context.Context, tenantID, eventID string, status event.Status) error
	// GetFailedEvents — пачка failed-событий с retry_count < maxRetries.
	GetFailedEvents(ctx context.Context, maxRetries, batchSize int) ([]*event.Event, error)
	// MarkRetryExhausted навсегда исключает событие из retry-пачек,
	// статус остается failed.
	MarkRetryExhausted(ctx context.Context, tenantID, eventID string) error
	// CleanupOldEvents удаляет события старше cutoff, возвращает число удаленных.
	CleanupOldEvents(ctx context.Context, cutoff time.Time) (int, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

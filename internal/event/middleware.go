package event

import (
	"time"

	"github.com/google/uuid"
)

// Middleware — чистое преобразование Event -> Event, применяется к каждому
// событию до персистентности и публикации. Встроенные middleware идемпотентны:
// они только заполняют отсутствующие поля, никогда не перезаписывают.
type Middleware func(*Event) *Event

// CorrelationMiddleware проставляет correlation_id, если издатель его не передал.
// Повторное применение ничего не меняет.
func CorrelationMiddleware(e *Event) *Event {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}
	return e
}

// TimestampMiddleware нормализует временную метку: заполняет нулевую
// и приводит к UTC.
func TimestampMiddleware(e *Event) *Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	return e
}

// Chain применяет набор middleware в порядке регистрации.
func Chain(e *Event, mws []Middleware) *Event {
	for _, mw := range mws {
		e = mw(e)
	}
	return e
}

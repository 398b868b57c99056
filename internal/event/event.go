package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category — бизнес-домен события. Используется при построении routing key
// и для выбора стратегии обработки на стороне подписчиков.
type Category string

const (
	CategoryUser        Category = "user"
	CategoryTenant      Category = "tenant"
	CategoryCampaign    Category = "campaign"
	CategoryLead        Category = "lead"
	CategoryAIAnalysis  Category = "ai_analysis"
	CategorySystem      Category = "system"
	CategoryIntegration Category = "integration"
	CategoryBilling     Category = "billing"
	CategorySecurity    Category = "security"
)

// Priority — приоритет доставки. Маппится на нативную шкалу брокера.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status — жизненный цикл события. Переходы монотонные:
// pending -> processing -> completed | failed -> retrying -> pending.
// Статус мутирует только шина и retry-воркер, никогда — подписчики.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Event — конверт события платформы. Заголовок строго типизирован (tenant,
// тип, приоритет, retry-метаданные), полезная нагрузка — непрозрачный JSON.
type Event struct {
	EventID      string `json:"event_id"`
	EventType    string `json:"event_type"` // dot-namespaced, например "lead.created"
	EventVersion string `json:"event_version"`

	Timestamp     time.Time `json:"timestamp"`
	TenantID      string    `json:"tenant_id"` // обязателен — граница изоляции
	SourceService string    `json:"source_service"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"` // ссылка на событие-триггер

	Category      Category `json:"category"`
	Priority      Priority `json:"priority"`
	AggregateID   string   `json:"aggregate_id,omitempty"`
	AggregateType string   `json:"aggregate_type,omitempty"`

	Data     map[string]interface{} `json:"data"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	TargetServices []string `json:"target_services,omitempty"` // явный fan-out (опционально)
}

// New создает событие со сгенерированным ID и стартовым статусом pending.
func New(eventType, tenantID string, category Category, data map[string]interface{}) *Event {
	return &Event{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: "1.0",
		Timestamp:    time.Now().UTC(),
		TenantID:     tenantID,
		Category:     category,
		Priority:     PriorityNormal,
		Data:         data,
		Status:       StatusPending,
		MaxRetries:   3,
	}
}

// Validate проверяет минимальный инвариант конверта.
// TenantID обязателен всегда: от него зависят ключи хранения и роутинг.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if e.Category == "" {
		return fmt.Errorf("category is required")
	}
	return nil
}

// RoutingKey строит топик брокера: tenant.<tenant_id>.events.<category>.<event_type>
// При выключенной изоляции тенантов префикс tenant.* опускается.
func (e *Event) RoutingKey(tenantIsolation bool) string {
	if tenantIsolation {
		return fmt.Sprintf("tenant.%s.events.%s.%s", e.TenantID, e.Category, e.EventType)
	}
	return fmt.Sprintf("events.%s.%s", e.Category, e.EventType)
}

// SubscriptionKey — wildcard-ключ подписки: категория заменена на `*`,
// чтобы подписчик получал тип события независимо от домена.
func SubscriptionKey(eventType, tenantID string) string {
	if tenantID != "" {
		return fmt.Sprintf("tenant.%s.events.*.%s", tenantID, eventType)
	}
	return fmt.Sprintf("events.*.%s", eventType)
}

// Marshal сериализует событие для транспорта и хранения.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal восстанавливает событие из байтов брокера/стора.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &e, nil
}

// Field возвращает значение атрибута конверта или поля payload по имени.
// Используется при матчинге фильтров подписки: сперва известные заголовки,
// затем поиск по data.
func (e *Event) Field(name string) (interface{}, bool) {
	switch name {
	case "event_type":
		return e.EventType, true
	case "tenant_id":
		return e.TenantID, true
	case "category":
		return string(e.Category), true
	case "priority":
		return string(e.Priority), true
	case "source_service":
		return e.SourceService, true
	case "aggregate_id":
		return e.AggregateID, true
	case "aggregate_type":
		return e.AggregateType, true
	}
	if v, ok := e.Data[name]; ok {
		return v, true
	}
	return nil, false
}

// MatchesFilters — exact-match фильтров подписки. Любое несовпадение
// (или отсутствие поля) означает «не доставлять».
func (e *Event) MatchesFilters(filters map[string]string) bool {
	for name, want := range filters {
		got, ok := e.Field(name)
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

// IsReplay — признак того, что событие прошло через replay-конвейер.
func (e *Event) IsReplay() bool {
	if e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata["is_replay"].(bool)
	return ok && v
}

// ParseCategory возвращает категорию по строке, либо system по умолчанию.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(s)) {
	case CategoryUser, CategoryTenant, CategoryCampaign, CategoryLead,
		CategoryAIAnalysis, CategorySystem, CategoryIntegration,
		CategoryBilling, CategorySecurity:
		return Category(strings.ToLower(s))
	}
	return CategorySystem
}

// ParsePriority возвращает приоритет по строке, либо normal по умолчанию.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(s)) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return Priority(strings.ToLower(s))
	}
	return PriorityNormal
}

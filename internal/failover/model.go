package failover

import (
	"sync"
	"time"
)

// FailoverTarget — один из именованных, взвешенных эндпоинтов интеграции.
// Мутируется контроллером при каждом решении (health_score, last_used)
// и внешним health-фидбеком.
type FailoverTarget struct {
	Name        string                 `json:"name"`
	Priority    int                    `json:"priority"` // меньше = предпочтительнее
	Weight      float64                `json:"weight"`   // 0..1, для weighted selection
	HealthScore float64                `json:"health_score"`
	LastUsed    time.Time              `json:"last_used"`
	Active      bool                   `json:"active"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CircuitState — состояние предохранителя интеграции.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker — счетчик отказов интеграции. State machine:
// closed -> (failures >= threshold) -> open -> (timeout истек) -> half_open
// -> (successes >= half_open_max_calls) -> closed; любой сбой в half_open
// возвращает в open. Создается лениво при первом сигнале отказа.
type CircuitBreaker struct {
	Name             string        `json:"name"`
	State            CircuitState  `json:"state"`
	FailureCount     int           `json:"failure_count"`
	LastFailureTime  time.Time     `json:"last_failure_time"`
	LastSuccessTime  time.Time     `json:"last_success_time"`
	NextAttemptTime  time.Time     `json:"next_attempt_time"`
	FailureThreshold int           `json:"failure_threshold"`
	Timeout          time.Duration `json:"timeout_seconds"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
	HalfOpenCalls    int           `json:"half_open_calls"`
}

// RecordSuccess фиксирует успешный вызов; в half_open копит зачетные вызовы
// и закрывает предохранитель по достижении лимита.
func (cb *CircuitBreaker) RecordSuccess(now time.Time) {
	cb.LastSuccessTime = now
	if cb.State == CircuitHalfOpen {
		cb.HalfOpenCalls++
		if cb.HalfOpenCalls >= cb.HalfOpenMaxCalls {
			cb.State = CircuitClosed
			cb.FailureCount = 0
			cb.HalfOpenCalls = 0
		}
	}
}

// MaybeHalfOpen переводит открытый предохранитель в half_open,
// если время следующей попытки наступило.
func (cb *CircuitBreaker) MaybeHalfOpen(now time.Time) {
	if cb.State == CircuitOpen && !now.Before(cb.NextAttemptTime) {
		cb.State = CircuitHalfOpen
		cb.HalfOpenCalls = 0
	}
}

// Strategy — стратегия failover.
type Strategy string

const (
	StrategyPrimarySecondary    Strategy = "primary_secondary"
	StrategyLoadBalancing       Strategy = "load_balancing"
	StrategyCircuitBreaker      Strategy = "circuit_breaker"
	StrategyGracefulDegradation Strategy = "graceful_degradation"
	StrategySmartRouting        Strategy = "smart_routing"
)

// Category — класс интеграции; определяет назначенную стратегию.
type Category string

const (
	CategoryPayment        Category = "payment"
	CategoryMarketing      Category = "marketing"
	CategoryCommunication  Category = "communication"
	CategoryEcommerce      Category = "ecommerce"
	CategoryAI             Category = "ai"
	CategoryInfrastructure Category = "infrastructure"
)

// strategyByCategory — таблица назначения стратегий. Незнакомая категория
// получает circuit_breaker по умолчанию.
var strategyByCategory = map[Category]Strategy{
	CategoryPayment:        StrategyPrimarySecondary,
	CategoryMarketing:      StrategySmartRouting,
	CategoryCommunication:  StrategyCircuitBreaker,
	CategoryEcommerce:      StrategyGracefulDegradation,
	CategoryAI:             StrategyLoadBalancing,
	CategoryInfrastructure: StrategyPrimarySecondary,
}

// StrategyFor возвращает стратегию для категории интеграции.
func StrategyFor(c Category) Strategy {
	if s, ok := strategyByCategory[c]; ok {
		return s
	}
	return StrategyCircuitBreaker
}

// FailoverEvent — запись аудита одного решения контроллера.
type FailoverEvent struct {
	ID              string                 `json:"id"`
	IntegrationName string                 `json:"integration_name"`
	TriggerReason   string                 `json:"trigger_reason"`
	FromTarget      string                 `json:"from_target"`
	ToTarget        string                 `json:"to_target"`
	Strategy        Strategy               `json:"strategy"`
	Timestamp       time.Time              `json:"timestamp"`
	Success         bool                   `json:"success"`
	ResponseTime    float64                `json:"response_time_ms"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// integrationState — все изменяемое состояние одной интеграции.
// Собственный мьютекс: сигналы по разным интеграциям не блокируют друг друга.
type integrationState struct {
	mu           sync.Mutex
	name         string
	category     Category
	targets      []*FailoverTarget
	activeTarget string
	breaker      *CircuitBreaker
}

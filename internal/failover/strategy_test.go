package failover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newState(active string, targets ...*FailoverTarget) *integrationState {
	return &integrationState{
		name:         "stripe",
		category:     CategoryPayment,
		targets:      targets,
		activeTarget: active,
		breaker: &CircuitBreaker{
			Name:             "stripe",
			State:            CircuitClosed,
			FailureThreshold: 3,
			Timeout:          time.Minute,
			HalfOpenMaxCalls: 2,
		},
	}
}

func TestPrimarySecondary(t *testing.T) {
	now := time.Now().UTC()

	st := newState("primary",
		&FailoverTarget{Name: "primary", Priority: 1, HealthScore: 40, Active: true},
		&FailoverTarget{Name: "secondary", Priority: 2, HealthScore: 90, Active: true},
	)
	ok, from, to := primarySecondary{}.Execute(st, now, nil)
	require.True(t, ok)
	assert.Equal(t, "primary", from)
	assert.Equal(t, "secondary", to)
	assert.Equal(t, "secondary", st.activeTarget)

	// Деградировавший primary (health 40) не проходит порог >50,
	// даже будучи самым приоритетным
	ok, _, _ = primarySecondary{}.Execute(st, now, nil)
	assert.False(t, ok, "no target other than current passes the threshold")

	// Неактивные и нездоровые кандидаты отсутствуют
	dead := newState("a",
		&FailoverTarget{Name: "a", Priority: 1, HealthScore: 20, Active: true},
		&FailoverTarget{Name: "b", Priority: 2, HealthScore: 95, Active: false},
	)
	ok, _, _ = primarySecondary{}.Execute(dead, now, nil)
	assert.False(t, ok)
}

func TestLoadBalancingDistribution(t *testing.T) {
	now := time.Now().UTC()
	counts := map[string]int{}

	for i := 0; i < 1000; i++ {
		st := newState("",
			&FailoverTarget{Name: "a", Weight: 0.5, HealthScore: 100, Active: true},
			&FailoverTarget{Name: "b", Weight: 0.5, HealthScore: 100, Active: true},
		)
		ok, _, to := loadBalancing{}.Execute(st, now, nil)
		require.True(t, ok)
		counts[to]++
	}

	// Равные веса и health — распределение около 50/50
	assert.Greater(t, counts["a"], 350)
	assert.Greater(t, counts["b"], 350)
}

func TestLoadBalancingEdgeCases(t *testing.T) {
	now := time.Now().UTC()

	// health <= 30 отсекается
	st := newState("",
		&FailoverTarget{Name: "a", Weight: 1, HealthScore: 30, Active: true},
		&FailoverTarget{Name: "b", Weight: 1, HealthScore: 10, Active: true},
	)
	ok, _, _ := loadBalancing{}.Execute(st, now, nil)
	assert.False(t, ok)

	// Нулевой суммарный вес — берется первый кандидат
	st = newState("",
		&FailoverTarget{Name: "a", Weight: 0, HealthScore: 80, Active: true},
		&FailoverTarget{Name: "b", Weight: 0, HealthScore: 80, Active: true},
	)
	ok, _, to := loadBalancing{}.Execute(st, now, nil)
	require.True(t, ok)
	assert.Equal(t, "a", to)
}

func TestCircuitBreakerStrategy(t *testing.T) {
	now := time.Now().UTC()
	st := newState("main",
		&FailoverTarget{Name: "main", Priority: 1, HealthScore: 20, Active: true},
		&FailoverTarget{Name: "backup", Priority: 2, HealthScore: 90, Active: true},
	)

	// Ниже порога: счетчик растет, переключения нет
	for i := 1; i <= 2; i++ {
		ok, _, _ := circuitBreakerStrategy{}.Execute(st, now, nil)
		assert.False(t, ok)
		assert.Equal(t, i, st.breaker.FailureCount)
		assert.Equal(t, CircuitClosed, st.breaker.State)
	}

	// Третий отказ: предохранитель открывается, трафик уходит на backup
	ok, from, to := circuitBreakerStrategy{}.Execute(st, now, nil)
	require.True(t, ok)
	assert.Equal(t, "main", from)
	assert.Equal(t, "backup", to)
	assert.Equal(t, CircuitOpen, st.breaker.State)
	assert.Equal(t, now.Add(time.Minute), st.breaker.NextAttemptTime)
}

func TestCircuitBreakerStateMachine(t *testing.T) {
	now := time.Now().UTC()
	cb := &CircuitBreaker{
		State:            CircuitOpen,
		FailureCount:     3,
		FailureThreshold: 3,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 2,
		NextAttemptTime:  now.Add(time.Minute),
	}

	// До истечения таймаута остается open
	cb.MaybeHalfOpen(now)
	assert.Equal(t, CircuitOpen, cb.State)

	// После — half_open, успехи копятся до закрытия
	later := now.Add(2 * time.Minute)
	cb.MaybeHalfOpen(later)
	assert.Equal(t, CircuitHalfOpen, cb.State)

	cb.RecordSuccess(later)
	assert.Equal(t, CircuitHalfOpen, cb.State)
	cb.RecordSuccess(later)
	assert.Equal(t, CircuitClosed, cb.State)
	assert.Zero(t, cb.FailureCount)
}

func TestGracefulDegradation(t *testing.T) {
	now := time.Now().UTC()
	st := newState("shopify-api",
		&FailoverTarget{Name: "shopify-api", Priority: 1, HealthScore: 10, Active: true},
	)

	ok, from, to := gracefulDegradation{}.Execute(st, now, nil)
	require.True(t, ok)
	assert.Equal(t, "shopify-api", from)
	assert.Equal(t, "shopify-api_degraded", to)
	assert.Equal(t, "shopify-api_degraded", st.activeTarget)
}

func TestSmartRouting(t *testing.T) {
	now := time.Now().UTC()

	// Недавно использованный таргет штрафуется (x0.7)
	st := newState("",
		&FailoverTarget{Name: "hot", Weight: 0.5, HealthScore: 90, Active: true, LastUsed: now.Add(-10 * time.Second)},
		&FailoverTarget{Name: "cold", Weight: 0.5, HealthScore: 80, Active: true},
	)
	ok, _, to := smartRouting{}.Execute(st, now, nil)
	require.True(t, ok)
	assert.Equal(t, "cold", to) // 80*1.0*1.5 = 120 > 90*0.7*1.5 = 94.5

	// Меньший weight дает бонус к скорингу
	st = newState("",
		&FailoverTarget{Name: "loaded", Weight: 0.9, HealthScore: 85, Active: true},
		&FailoverTarget{Name: "spare", Weight: 0.1, HealthScore: 85, Active: true},
	)
	ok, _, to = smartRouting{}.Execute(st, now, nil)
	require.True(t, ok)
	assert.Equal(t, "spare", to)

	// Нет активных — false
	st = newState("", &FailoverTarget{Name: "a", HealthScore: 99, Active: false})
	ok, _, _ = smartRouting{}.Execute(st, now, nil)
	assert.False(t, ok)
}

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, StrategyPrimarySecondary, StrategyFor(CategoryPayment))
	assert.Equal(t, StrategySmartRouting, StrategyFor(CategoryMarketing))
	assert.Equal(t, StrategyCircuitBreaker, StrategyFor(CategoryCommunication))
	assert.Equal(t, StrategyGracefulDegradation, StrategyFor(CategoryEcommerce))
	assert.Equal(t, StrategyLoadBalancing, StrategyFor(CategoryAI))
	assert.Equal(t, StrategyPrimarySecondary, StrategyFor(CategoryInfrastructure))
	// Незнакомая категория — circuit_breaker по умолчанию
	assert.Equal(t, StrategyCircuitBreaker, StrategyFor(Category("crm")))
}

package failover

import (
	"math/rand"
	"sort"
	"time"
)

// StrategyExecutor — один алгоритм переключения. Вызывается контроллером
// под локом состояния интеграции; реализация мутирует state напрямую.
// Tagged-variant вместо разрастающейся цепочки if/else: новая стратегия —
// новая реализация плюс строка в таблице назначения.
type StrategyExecutor interface {
	Name() Strategy
	Execute(st *integrationState, now time.Time, health map[string]interface{}) (ok bool, from, to string)
}

func builtinStrategies() map[Strategy]StrategyExecutor {
	return map[Strategy]StrategyExecutor{
		StrategyPrimarySecondary:    primarySecondary{},
		StrategyLoadBalancing:       loadBalancing{},
		StrategyCircuitBreaker:      circuitBreakerStrategy{},
		StrategyGracefulDegradation: gracefulDegradation{},
		StrategySmartRouting:        smartRouting{},
	}
}

// primarySecondary — сортировка по возрастанию priority, первый активный
// таргет с health_score > 50, отличный от текущего.
type primarySecondary struct{}

func (primarySecondary) Name() Strategy { return StrategyPrimarySecondary }

func (primarySecondary) Execute(st *integrationState, now time.Time, _ map[string]interface{}) (bool, string, string) {
	from := st.activeTarget

	sorted := make([]*FailoverTarget, len(st.targets))
	copy(sorted, st.targets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for _, t := range sorted {
		if t.Active && t.HealthScore > 50 && t.Name != from {
			st.activeTarget = t.Name
			t.LastUsed = now
			return true, from, t.Name
		}
	}
	return false, from, ""
}

// loadBalancing — взвешенный случайный выбор среди активных таргетов
// с health_score > 30; вес = weight * health_score / 100, cumulative-sum.
type loadBalancing struct{}

func (loadBalancing) Name() Strategy { return StrategyLoadBalancing }

func (loadBalancing) Execute(st *integrationState, now time.Time, _ map[string]interface{}) (bool, string, string) {
	from := st.activeTarget

	var candidates []*FailoverTarget
	for _, t := range st.targets {
		if t.Active && t.HealthScore > 30 {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return false, from, ""
	}

	total := 0.0
	for _, t := range candidates {
		total += t.Weight * t.HealthScore / 100
	}

	chosen := candidates[0] // fallback при нулевом суммарном весе
	if total > 0 {
		r := rand.Float64() * total
		acc := 0.0
		for _, t := range candidates {
			acc += t.Weight * t.HealthScore / 100
			if r <= acc {
				chosen = t
				break
			}
		}
	}

	st.activeTarget = chosen.Name
	chosen.LastUsed = now
	return true, from, chosen.Name
}

// circuitBreakerStrategy — инкремент счетчика отказов; по достижении порога
// предохранитель открывается и трафик уводится на здоровый таргет.
// Ниже порога — отказ без смены состояния.
type circuitBreakerStrategy struct{}

func (circuitBreakerStrategy) Name() Strategy { return StrategyCircuitBreaker }

func (circuitBreakerStrategy) Execute(st *integrationState, now time.Time, _ map[string]interface{}) (bool, string, string) {
	from := st.activeTarget

	cb := st.breaker
	cb.FailureCount++
	cb.LastFailureTime = now

	if cb.FailureCount >= cb.FailureThreshold {
		cb.State = CircuitOpen
		cb.NextAttemptTime = now.Add(cb.Timeout)

		for _, t := range st.targets {
			if t.Active && t.HealthScore > 50 {
				st.activeTarget = t.Name
				t.LastUsed = now
				return true, from, t.Name
			}
		}
	}
	return false, from, ""
}

// gracefulDegradation — режим осознанной деградации: вместо реального
// переключения активный таргет помечается "<name>_degraded", успех
// безусловный. Это сокращенная функциональность, а не реальный reroute.
type gracefulDegradation struct{}

func (gracefulDegradation) Name() Strategy { return StrategyGracefulDegradation }

func (gracefulDegradation) Execute(st *integrationState, now time.Time, _ map[string]interface{}) (bool, string, string) {
	from := st.activeTarget
	base := from
	if base == "" {
		base = st.name
	}
	st.activeTarget = base + "_degraded"
	return true, from, st.activeTarget
}

// smartRouting — скоринг активных таргетов:
// health_score * recency_penalty * load_bonus, где penalty = 0.7 при
// использовании за последние 60 секунд, bonus = 1 + (1 - weight).
type smartRouting struct{}

func (smartRouting) Name() Strategy { return StrategySmartRouting }

func (smartRouting) Execute(st *integrationState, now time.Time, _ map[string]interface{}) (bool, string, string) {
	from := st.activeTarget

	var best *FailoverTarget
	bestScore := -1.0
	for _, t := range st.targets {
		if !t.Active {
			continue
		}
		penalty := 1.0
		if !t.LastUsed.IsZero() && now.Sub(t.LastUsed) < 60*time.Second {
			penalty = 0.7
		}
		bonus := 1 + (1 - t.Weight)
		score := t.HealthScore * penalty * bonus
		if score > bestScore {
			bestScore = score
			best = t
		}
	}
	if best == nil {
		return false, from, ""
	}

	st.activeTarget = best.Name
	best.LastUsed = now
	return true, from, best.Name
}

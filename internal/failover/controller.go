package failover

/*
Файл controller.go реализует контроллер отказоустойчивости внешних интеграций.

Контроллер держит в памяти реестр интеграций с их таргетами, предохранителями
и назначенной стратегией. Сигнал деградации (TriggerFailover) прогоняется через
стратегию категории под локом конкретной интеграции: сигналы по разным
интеграциям друг друга не блокируют. Каждое решение фиксируется в кольцевом
буфере аудита, при включенном sink — асинхронно уходит в Postgres, а алерты
транслируются нотификаторам. TriggerFailover никогда не паникует наружу:
сбой логики возвращает false, вызывающий шлюз продолжает работу.
*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/event"
	"github.com/bizosaas/eventcore/internal/infra"
)

// EventEmitter публикует доменное событие о переключении в шину.
// Инжектится из main, чтобы не замыкать цикл пакетов bus <-> failover.
type EventEmitter func(ctx context.Context, e *event.Event)

// Controller управляет failover-состоянием всех внешних интеграций.
type Controller struct {
	cfg        infra.FailoverConfig
	strategies map[Strategy]StrategyExecutor
	logger     *zap.Logger

	mu     sync.RWMutex
	states map[string]*integrationState

	ring     *auditRing
	writer   *AuditWriter  // nil, если долговременный sink выключен
	notifier AlertNotifier // nil допустим
	emit     EventEmitter  // nil допустим

	statsMu sync.Mutex
	stats   controllerStats
}

type controllerStats struct {
	Total      int64
	Successful int64
	Failed     int64
	AvgTimeMs  float64 // скользящее среднее по всем переключениям
}

func NewController(cfg infra.FailoverConfig, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:        cfg,
		strategies: builtinStrategies(),
		logger:     logger.With(zap.String("mod", "failover")),
		states:     make(map[string]*integrationState),
		ring:       newAuditRing(cfg.AuditRingSize),
	}
}

// SetAuditWriter подключает долговременный sink аудита.
func (c *Controller) SetAuditWriter(w *AuditWriter) { c.writer = w }

// SetNotifier подключает рассылку алертов.
func (c *Controller) SetNotifier(n AlertNotifier) { c.notifier = n }

// SetEventEmitter подключает публикацию доменных событий о переключениях.
func (c *Controller) SetEventEmitter(e EventEmitter) { c.emit = e }

// InitializeFailoverTargets регистрирует интеграцию и ее таргеты.
// Повторный вызов полностью перезаписывает реестр таргетов интеграции.
func (c *Controller) InitializeFailoverTargets(name string, category Category, targets []*FailoverTarget) error {
	if name == "" {
		return fmt.Errorf("integration name is empty")
	}
	if len(targets) == 0 {
		return fmt.Errorf("integration %q: at least one target required", name)
	}

	bc := c.cfg.BreakerFor(name)
	st := &integrationState{
		name:     name,
		category: category,
		targets:  targets,
		breaker: &CircuitBreaker{
			Name:             name,
			State:            CircuitClosed,
			FailureThreshold: bc.FailureThreshold,
			Timeout:          bc.Timeout,
			HalfOpenMaxCalls: bc.HalfOpenMaxCalls,
		},
	}
	// Изначально активен таргет с наименьшим priority
	best := targets[0]
	for _, t := range targets[1:] {
		if t.Priority < best.Priority {
			best = t
		}
	}
	st.activeTarget = best.Name

	c.mu.Lock()
	c.states[name] = st
	c.mu.Unlock()

	c.logger.Info("integration registered",
		zap.String("integration", name),
		zap.String("category", string(category)),
		zap.String("strategy", string(StrategyFor(category))),
		zap.Int("targets", len(targets)),
	)
	return nil
}

// InitializeFromConfig поднимает реестр интеграций из конфигурации.
func (c *Controller) InitializeFromConfig() error {
	for name, ic := range c.cfg.Integrations {
		targets := make([]*FailoverTarget, 0, len(ic.Targets))
		for _, tc := range ic.Targets {
			hs := tc.HealthScore
			if hs == 0 {
				hs = 100
			}
			targets = append(targets, &FailoverTarget{
				Name:        tc.Name,
				Priority:    tc.Priority,
				Weight:      tc.Weight,
				HealthScore: hs,
				Active:      true,
			})
		}
		if err := c.InitializeFailoverTargets(name, Category(ic.Category), targets); err != nil {
			return fmt.Errorf("integration %q: %w", name, err)
		}
	}
	return nil
}

// TriggerFailover обрабатывает сигнал деградации интеграции.
// Возвращает true, если переключение выполнено. Никогда не паникует:
// любая внутренняя ошибка — это false, шлюз продолжает обслуживать трафик.
func (c *Controller) TriggerFailover(ctx context.Context, integration, reason string, healthData map[string]interface{}) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("failover panic recovered",
				zap.String("integration", integration),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()

	c.mu.RLock()
	st, found := c.states[integration]
	c.mu.RUnlock()
	if !found {
		c.logger.Warn("failover for unknown integration", zap.String("integration", integration))
		return false
	}

	strategy := StrategyFor(st.category)
	exec, found := c.strategies[strategy]
	if !found {
		c.logger.Error("no executor for strategy", zap.String("strategy", string(strategy)))
		return false
	}

	started := time.Now()

	st.mu.Lock()
	now := time.Now().UTC()
	st.breaker.MaybeHalfOpen(now)
	success, from, to := exec.Execute(st, now, healthData)
	st.mu.Unlock()

	elapsedMs := float64(time.Since(started).Microseconds()) / 1000.0

	fe := FailoverEvent{
		ID:              uuid.New().String(),
		IntegrationName: integration,
		TriggerReason:   reason,
		FromTarget:      from,
		ToTarget:        to,
		Strategy:        strategy,
		Timestamp:       now,
		Success:         success,
		ResponseTime:    elapsedMs,
		Metadata:        healthData,
	}
	c.record(ctx, fe)

	return success
}

// ManualFailover принудительно переключает интеграцию на указанный таргет.
// Таргет должен существовать и быть активным.
func (c *Controller) ManualFailover(ctx context.Context, integration, target string) error {
	c.mu.RLock()
	st, found := c.states[integration]
	c.mu.RUnlock()
	if !found {
		return fmt.Errorf("unknown integration %q", integration)
	}

	st.mu.Lock()
	var dest *FailoverTarget
	for _, t := range st.targets {
		if t.Name == target {
			dest = t
			break
		}
	}
	if dest == nil {
		st.mu.Unlock()
		return fmt.Errorf("integration %q: unknown target %q", integration, target)
	}
	if !dest.Active {
		st.mu.Unlock()
		return fmt.Errorf("integration %q: target %q is inactive", integration, target)
	}
	from := st.activeTarget
	now := time.Now().UTC()
	st.activeTarget = dest.Name
	dest.LastUsed = now
	st.mu.Unlock()

	c.record(ctx, FailoverEvent{
		ID:              uuid.New().String(),
		IntegrationName: integration,
		TriggerReason:   "Manual failover",
		FromTarget:      from,
		ToTarget:        dest.Name,
		Strategy:        StrategyFor(st.category),
		Timestamp:       now,
		Success:         true,
	})
	return nil
}

// RecordSuccess фиксирует успешный вызов интеграции: двигает предохранитель
// из half_open к закрытию.
func (c *Controller) RecordSuccess(integration string) {
	c.mu.RLock()
	st, found := c.states[integration]
	c.mu.RUnlock()
	if !found {
		return
	}
	st.mu.Lock()
	now := time.Now().UTC()
	st.breaker.MaybeHalfOpen(now)
	st.breaker.RecordSuccess(now)
	st.mu.Unlock()
}

// ResetCircuitBreaker принудительно закрывает предохранитель интеграции.
func (c *Controller) ResetCircuitBreaker(integration string) error {
	c.mu.RLock()
	st, found := c.states[integration]
	c.mu.RUnlock()
	if !found {
		return fmt.Errorf("unknown integration %q", integration)
	}

	st.mu.Lock()
	st.breaker.State = CircuitClosed
	st.breaker.FailureCount = 0
	st.breaker.HalfOpenCalls = 0
	st.breaker.LastSuccessTime = time.Now().UTC()
	st.mu.Unlock()

	c.logger.Info("circuit breaker reset", zap.String("integration", integration))
	return nil
}

// UpdateTargetHealth обновляет health score таргета (фидбек health-чекера).
// Score зажимается в [0, 100]; score 0 дополнительно деактивирует таргет.
func (c *Controller) UpdateTargetHealth(integration, target string, score float64) error {
	c.mu.RLock()
	st, found := c.states[integration]
	c.mu.RUnlock()
	if !found {
		return fmt.Errorf("unknown integration %q", integration)
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, t := range st.targets {
		if t.Name == target {
			t.HealthScore = score
			t.Active = score > 0
			return nil
		}
	}
	return fmt.Errorf("integration %q: unknown target %q", integration, target)
}

// GetFailoverStatus возвращает снапшот состояния интеграции.
func (c *Controller) GetFailoverStatus(integration string) (map[string]interface{}, bool) {
	c.mu.RLock()
	st, found := c.states[integration]
	c.mu.RUnlock()
	if !found {
		return nil, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	targets := make([]FailoverTarget, 0, len(st.targets))
	for _, t := range st.targets {
		targets = append(targets, *t)
	}
	breaker := *st.breaker

	return map[string]interface{}{
		"integration":     st.name,
		"category":        st.category,
		"strategy":        StrategyFor(st.category),
		"active_target":   st.activeTarget,
		"targets":         targets,
		"circuit_breaker": breaker,
	}, true
}

// GetAllFailoverStatus — снапшоты всех интеграций.
func (c *Controller) GetAllFailoverStatus() map[string]interface{} {
	c.mu.RLock()
	names := make([]string, 0, len(c.states))
	for name := range c.states {
		names = append(names, name)
	}
	c.mu.RUnlock()

	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		if s, ok := c.GetFailoverStatus(name); ok {
			out[name] = s
		}
	}
	return out
}

// GetFailoverEvents возвращает последние записи аудита (новые первыми),
// опционально отфильтрованные по интеграции.
func (c *Controller) GetFailoverEvents(integration string, limit int) []FailoverEvent {
	return c.ring.Snapshot(integration, limit)
}

// GetFailoverStatistics — агрегированные счетчики контроллера.
func (c *Controller) GetFailoverStatistics() map[string]interface{} {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()

	successRate := 0.0
	if s.Total > 0 {
		successRate = float64(s.Successful) / float64(s.Total)
	}

	openBreakers := 0
	c.mu.RLock()
	integrations := len(c.states)
	for _, st := range c.states {
		st.mu.Lock()
		if st.breaker.State != CircuitClosed {
			openBreakers++
		}
		st.mu.Unlock()
	}
	c.mu.RUnlock()

	return map[string]interface{}{
		"total_failovers":          s.Total,
		"successful_failovers":     s.Successful,
		"failed_failovers":         s.Failed,
		"success_rate":             successRate,
		"average_failover_time_ms": s.AvgTimeMs,
		"integrations":             integrations,
		"open_circuit_breakers":    openBreakers,
		"audit_ring_size":          c.ring.Len(),
	}
}

// StopAudit дожимает буфер долговременного sink при остановке сервиса.
func (c *Controller) StopAudit() {
	if c.writer != nil {
		c.writer.Stop()
	}
}

// record проводит запись аудита через ring, sink, алерты, статистику
// и доменное событие.
func (c *Controller) record(ctx context.Context, fe FailoverEvent) {
	c.ring.Add(fe)
	if c.writer != nil {
		c.writer.Write(fe)
	}
	if c.notifier != nil {
		c.notifier.Notify(ctx, fe)
	}

	c.statsMu.Lock()
	c.stats.Total++
	if fe.Success {
		c.stats.Successful++
	} else {
		c.stats.Failed++
	}
	// Скользящее среднее: avg += (x - avg) / n
	c.stats.AvgTimeMs += (fe.ResponseTime - c.stats.AvgTimeMs) / float64(c.stats.Total)
	c.statsMu.Unlock()

	if c.emit != nil {
		e := event.New("system.failover_triggered", "system", event.CategorySystem, map[string]interface{}{
			"integration":    fe.IntegrationName,
			"trigger_reason": fe.TriggerReason,
			"from_target":    fe.FromTarget,
			"to_target":      fe.ToTarget,
			"strategy":       string(fe.Strategy),
			"success":        fe.Success,
		})
		e.SourceService = "failover-controller"
		e.Priority = event.PriorityCritical
		c.emit(ctx, e)
	}
}

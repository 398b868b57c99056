package bus

/*
Файл bus.go реализует оркестратор событийной шины платформы.

Ключевые особенности архитектуры:
- Store-first Publishing: событие сначала персистится в EventStore (source of
  truth) и только затем уходит в брокер как нотификация. Провал брокера после
  записи переводит событие в failed — его подберет retry-воркер.
- Boundary Semantics: публичные операции никогда не пробрасывают исключения
  наружу, каждая возвращает типизированный результат. Исключение одно —
  Initialize: стартовать деградированным нет смысла.
- Decoupled Delivery: каждая подписка владеет ограниченной очередью и
  собственной горутиной-потребителем. Цикл доставки брокера только кладет
  сообщение в очередь; при переполнении работает Load Shedding со счетчиком.
*/

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/broker"
	"github.com/bizosaas/eventcore/internal/event"
	"github.com/bizosaas/eventcore/internal/infra"
	"github.com/bizosaas/eventcore/internal/store"
	"github.com/bizosaas/eventcore/internal/subscription"
)

// HandlerFunc — колбэк подписчика. Ошибка помечает доставку как failed,
// но никогда не роняет цикл доставки.
type HandlerFunc func(ctx context.Context, e *event.Event) error

// Result — типизированный итог публикации.
type Result struct {
	Success          bool     `json:"success"`
	EventID          string   `json:"event_id,omitempty"`
	Errors           []string `json:"errors,omitempty"`
	ProcessingTimeMs float64  `json:"processing_time_ms"`
}

// MetricsSnapshot — счетчики шины для get_metrics и снапшотов в Redis.
type MetricsSnapshot struct {
	EventsPublished     int64     `json:"events_published"`
	EventsProcessed     int64     `json:"events_processed"`
	EventsFailed        int64     `json:"events_failed"`
	ActiveSubscriptions int       `json:"active_subscriptions"`
	IsRunning           bool      `json:"is_running"`
	WorkerCount         int       `json:"worker_count"`
	Timestamp           time.Time `json:"timestamp"`
}

const deliveryQueueCap = 256

// localSub — эфемерная половина подписки: хендлер и очередь доставки.
// Теряется при рестарте, в отличие от записи в реестре.
type localSub struct {
	sub     *subscription.Subscription
	handler HandlerFunc
	queue   chan []byte
}

type Bus struct {
	cfg     infra.BusConfig
	store   store.EventStore
	broker  broker.MessageBroker
	subs    *subscription.Manager
	rdb     *redis.Client // снапшоты метрик; допускается nil
	logger  *zap.Logger
	metrics *Metrics

	mwMu        sync.RWMutex
	middlewares []event.Middleware

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	local    map[string]*localSub
	patterns map[string]map[string]struct{} // routing pattern -> subscription ids

	published atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	retryCh chan *event.Event
}

func NewBus(
	cfg infra.BusConfig,
	st store.EventStore,
	br broker.MessageBroker,
	subs *subscription.Manager,
	rdb *redis.Client,
	logger *zap.Logger,
	metrics *Metrics,
) *Bus {
	b := &Bus{
		cfg:      cfg,
		store:    st,
		broker:   br,
		subs:     subs,
		rdb:      rdb,
		logger:   logger.Named("event-bus"),
		metrics:  metrics,
		local:    make(map[string]*localSub),
		patterns: make(map[string]map[string]struct{}),
		retryCh:  make(chan *event.Event, cfg.BatchSize),
	}
	// Встроенные middleware регистрируются первыми и всегда
	b.middlewares = append(b.middlewares, event.CorrelationMiddleware, event.TimestampMiddleware)
	return b
}

// Initialize прозванивает стор, брокер и реестр подписок.
// Fail fast: ошибка любого из них фатальна для старта.
func (b *Bus) Initialize(ctx context.Context) error {
	if err := b.store.Initialize(ctx); err != nil {
		return fmt.Errorf("event store init: %w", err)
	}
	if err := b.broker.Initialize(ctx); err != nil {
		return fmt.Errorf("broker init: %w", err)
	}
	if err := b.subs.HealthCheck(ctx); err != nil {
		return fmt.Errorf("subscription registry init: %w", err)
	}
	b.logger.Info("event bus initialized")
	return nil
}

// Start запускает пул воркеров и фоновые циклы. Повторный вызов — no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true

	for i := 0; i < b.cfg.WorkerConcurrency; i++ {
		b.wg.Add(1)
		go b.retryWorker(runCtx, i)
	}

	b.wg.Add(1)
	go b.maintenanceLoop(runCtx) // retry-скедулер + TTL cleanup, общий тикер 30s

	b.wg.Add(1)
	go b.healthLoop(runCtx)

	if b.cfg.MetricsEnabled {
		b.wg.Add(1)
		go b.metricsLoop(runCtx)
	}

	b.logger.Info("event bus started", zap.Int("workers", b.cfg.WorkerConcurrency))
	return nil
}

// Stop гасит воркеры, дожидается дренажа (ограниченно) и закрывает ресурсы.
// Публикации, успевшие записаться в стор, но не дошедшие до брокера,
// допустимо потерять при жестком останове — задокументированное ограничение,
// at-least-once через hard stop не гарантируется.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.cancel()

	// Закрываем очереди локальных подписок — потребители дочитают остатки
	for id, ls := range b.local {
		close(ls.queue)
		delete(b.local, id)
	}
	b.patterns = make(map[string]map[string]struct{})
	b.mu.Unlock()

	// Ограниченный дренаж: воркеры могут спать в retry-паузе
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		b.logger.Warn("drain timeout exceeded, closing connections anyway")
	}

	if err := b.broker.Close(); err != nil {
		b.logger.Warn("broker close failed", zap.Error(err))
	}
	if err := b.store.Close(); err != nil {
		b.logger.Warn("store close failed", zap.Error(err))
	}

	b.logger.Info("event bus stopped")
	return nil
}

// AddMiddleware добавляет преобразование Event -> Event, применяемое
// к каждой публикации в порядке регистрации.
func (b *Bus) AddMiddleware(mw event.Middleware) {
	b.mwMu.Lock()
	defer b.mwMu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// PublishEvent — основной путь публикации: изоляция тенанта, middleware,
// запись в стор, нотификация брокера. Никогда не паникует и не возвращает
// ошибку как error — только Result.
func (b *Bus) PublishEvent(ctx context.Context, e *event.Event, tenantContext string) (res Result) {
	start := time.Now()
	res.EventID = e.EventID

	defer func() {
		res.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.metrics.EventsFailed.WithLabelValues("panic").Inc()
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("panic: %v", r))
			b.logger.Error("publish panicked", zap.Any("panic", r), zap.String("event_id", e.EventID))
		}
	}()

	// Изоляция тенантов: событие без tenant_id получает метку из контекста,
	// событие с чужим tenant_id отклоняется до персистентности
	if b.cfg.EnableTenantIsolation && tenantContext != "" {
		if e.TenantID == "" {
			e.TenantID = tenantContext
		} else if e.TenantID != tenantContext {
			b.failed.Add(1)
			b.metrics.EventsFailed.WithLabelValues("isolation").Inc()
			res.Errors = append(res.Errors,
				fmt.Sprintf("tenant mismatch: event claims %q, context is %q", e.TenantID, tenantContext))
			return res
		}
	}

	if err := e.Validate(); err != nil {
		b.failed.Add(1)
		b.metrics.EventsFailed.WithLabelValues("validate").Inc()
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	b.mwMu.RLock()
	mws := b.middlewares
	b.mwMu.RUnlock()
	e = event.Chain(e, mws)

	if e.Status == "" {
		e.Status = event.StatusPending
	}
	res.EventID = e.EventID

	if err := b.store.StoreEvent(ctx, e); err != nil {
		b.failed.Add(1)
		b.metrics.EventsFailed.WithLabelValues("store").Inc()
		res.Errors = append(res.Errors, fmt.Sprintf("store: %v", err))
		return res
	}

	payload, err := e.Marshal()
	if err != nil {
		b.failed.Add(1)
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	routingKey := e.RoutingKey(b.cfg.EnableTenantIsolation)
	if err := b.broker.Publish(ctx, routingKey, payload, broker.PriorityWeight(e.Priority)); err != nil {
		// Событие уже в сторе: помечаем failed, retry-воркер переопубликует
		if uerr := b.store.UpdateEventStatus(ctx, e.TenantID, e.EventID, event.StatusFailed); uerr != nil {
			b.logger.Error("failed to mark event after broker error",
				zap.String("event_id", e.EventID), zap.Error(uerr))
		}
		b.failed.Add(1)
		b.metrics.EventsFailed.WithLabelValues("broker").Inc()
		res.Errors = append(res.Errors, fmt.Sprintf("broker: %v", err))
		return res
	}

	b.published.Add(1)
	b.metrics.EventsPublished.WithLabelValues(string(e.Category)).Inc()
	b.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	res.Success = true
	return res
}

// Subscribe регистрирует подписку в реестре, локальный хендлер и
// wildcard-подписку брокера. Возвращает subscription_id.
func (b *Bus) Subscribe(
	ctx context.Context,
	eventType string,
	handler HandlerFunc,
	serviceName string,
	tenantID string,
	filters map[string]string,
) (string, error) {
	if eventType == "" || serviceName == "" {
		return "", fmt.Errorf("event_type and service_name are required")
	}

	sub, err := b.subs.Add(ctx, subscription.Subscription{
		EventType:   eventType,
		ServiceName: serviceName,
		TenantID:    tenantID,
		Filters:     filters,
	})
	if err != nil {
		return "", err
	}

	// При выключенной изоляции routing key не содержит тенанта,
	// tenant-scope остается только в фильтрации на доставке
	scope := tenantID
	if !b.cfg.EnableTenantIsolation {
		scope = ""
	}
	pattern := event.SubscriptionKey(eventType, scope)

	ls := &localSub{
		sub:     sub,
		handler: handler,
		queue:   make(chan []byte, deliveryQueueCap),
	}

	b.mu.Lock()
	b.local[sub.SubscriptionID] = ls
	ids, known := b.patterns[pattern]
	if !known {
		ids = make(map[string]struct{})
		b.patterns[pattern] = ids
	}
	ids[sub.SubscriptionID] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(ls)

	if !known {
		if err := b.broker.Subscribe(ctx, pattern, b.dispatch(pattern)); err != nil {
			b.removeLocal(sub.SubscriptionID)
			if _, rerr := b.subs.Remove(ctx, sub.SubscriptionID); rerr != nil {
				b.logger.Warn("orphaned subscription record", zap.String("id", sub.SubscriptionID))
			}
			return "", fmt.Errorf("broker subscribe: %w", err)
		}
	}

	b.metrics.ActiveSubscriptions.Set(float64(len(b.local)))
	return sub.SubscriptionID, nil
}

// Unsubscribe снимает подписку. false — подписка неизвестна; ошибок наружу нет.
func (b *Bus) Unsubscribe(ctx context.Context, subscriptionID string) bool {
	found, err := b.subs.Remove(ctx, subscriptionID)
	if err != nil {
		b.logger.Error("registry remove failed", zap.String("id", subscriptionID), zap.Error(err))
		return false
	}
	local := b.removeLocal(subscriptionID)
	return found || local
}

// removeLocal выбрасывает локальную регистрацию; отписывает брокер,
// если паттерн остался без подписчиков.
func (b *Bus) removeLocal(subscriptionID string) bool {
	b.mu.Lock()
	ls, ok := b.local[subscriptionID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.local, subscriptionID)

	var orphaned string
	for pattern, ids := range b.patterns {
		if _, member := ids[subscriptionID]; member {
			delete(ids, subscriptionID)
			if len(ids) == 0 {
				delete(b.patterns, pattern)
				orphaned = pattern
			}
			break
		}
	}
	b.metrics.ActiveSubscriptions.Set(float64(len(b.local)))
	// close строго под полным Lock: отправители в dispatch держат RLock,
	// поэтому send не может попасть на уже закрытую очередь
	close(ls.queue)
	b.mu.Unlock()

	if orphaned != "" {
		if err := b.broker.Unsubscribe(orphaned); err != nil {
			b.logger.Warn("broker unsubscribe failed", zap.String("pattern", orphaned), zap.Error(err))
		}
	}
	return true
}

// dispatch — колбэк брокера для паттерна: раскладывает сообщение по очередям
// всех локальных подписок паттерна. Неблокирующий, со сбросом нагрузки.
// Отправка идет под RLock: removeLocal и Stop закрывают очереди под полным
// Lock, что исключает send в закрытый канал.
func (b *Bus) dispatch(pattern string) broker.Handler {
	return func(ctx context.Context, routingKey string, payload []byte) {
		b.mu.RLock()
		defer b.mu.RUnlock()

		for id := range b.patterns[pattern] {
			ls, ok := b.local[id]
			if !ok {
				continue
			}
			select {
			case ls.queue <- payload:
			default:
				// Backpressure: очередь подписки забита — сбрасываем с учетом
				b.metrics.DeliveryQueueDrops.Inc()
				b.logger.Error("delivery_queue_overflow",
					zap.String("subscription", ls.sub.SubscriptionID),
					zap.String("service", ls.sub.ServiceName),
				)
			}
		}
	}
}

// consume — потребитель очереди одной подписки. Живет до закрытия очереди.
func (b *Bus) consume(ls *localSub) {
	defer b.wg.Done()
	for raw := range ls.queue {
		b.processDelivery(ls, raw)
	}
}

func (b *Bus) processDelivery(ls *localSub, raw []byte) {
	e, err := event.Unmarshal(raw)
	if err != nil {
		b.logger.Error("malformed broker message dropped", zap.Error(err))
		return
	}

	// Перепроверка типа на стороне доставки: glob Redis PSUBSCRIBE матчит `*`
	// через точки, в отличие от посегментных wildcard NATS и memory-брокера.
	// Единая точка выравнивает семантику всех трех транспортов.
	if !matchesEventType(ls.sub.EventType, e.EventType) {
		b.metrics.EventsProcessed.WithLabelValues("dropped").Inc()
		return
	}

	// Фильтры подписки: любое несовпадение — тихий дроп
	if !e.MatchesFilters(ls.sub.Filters) {
		b.metrics.EventsProcessed.WithLabelValues("dropped").Inc()
		return
	}

	// Tenant-scope подписки действует всегда: при выключенной изоляции
	// routing key не содержит тенанта, и этот фильтр — единственная граница
	if ls.sub.TenantID != "" && e.TenantID != ls.sub.TenantID {
		b.metrics.EventsProcessed.WithLabelValues("dropped").Inc()
		return
	}

	// Явный fan-out: если событие адресовано конкретным сервисам
	if len(e.TargetServices) > 0 && !containsString(e.TargetServices, ls.sub.ServiceName) {
		b.metrics.EventsProcessed.WithLabelValues("dropped").Inc()
		return
	}

	// Статусами управляет только шина; Background — доставка переживает
	// контекст подписки
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.store.UpdateEventStatus(ctx, e.TenantID, e.EventID, event.StatusProcessing); err != nil {
		b.logger.Warn("status transition failed",
			zap.String("event_id", e.EventID), zap.Error(err))
	}

	if err := b.safeInvoke(ctx, ls.handler, e); err != nil {
		b.failed.Add(1)
		b.metrics.EventsProcessed.WithLabelValues("failed").Inc()
		b.metrics.EventsFailed.WithLabelValues("handler").Inc()
		b.logger.Error("handler failed",
			zap.String("event_id", e.EventID),
			zap.String("event_type", e.EventType),
			zap.String("service", ls.sub.ServiceName),
			zap.Error(err),
		)
		if uerr := b.store.UpdateEventStatus(ctx, e.TenantID, e.EventID, event.StatusFailed); uerr != nil {
			b.logger.Warn("failed to mark handler failure", zap.Error(uerr))
		}
		return
	}

	b.processed.Add(1)
	b.metrics.EventsProcessed.WithLabelValues("completed").Inc()
	if err := b.store.UpdateEventStatus(ctx, e.TenantID, e.EventID, event.StatusCompleted); err != nil {
		b.logger.Warn("failed to mark completion", zap.Error(err))
	}
}

// safeInvoke изолирует панику хендлера от цикла доставки.
func (b *Bus) safeInvoke(ctx context.Context, h HandlerFunc, e *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

// ReplayEvents переопубликовывает сохраненные события через обычный
// publish-конвейер. Возвращает число успешно переопубликованных;
// поштучные провалы логируются, не прерывая остальных.
func (b *Bus) ReplayEvents(
	ctx context.Context,
	tenantID string,
	eventTypes []string,
	startTime, endTime time.Time,
	targetService string,
) int {
	events, err := b.store.GetEvents(ctx, tenantID, store.Query{
		EventTypes: eventTypes,
		StartTime:  startTime,
		EndTime:    endTime,
	})
	if err != nil {
		b.logger.Error("replay query failed", zap.String("tenant", tenantID), zap.Error(err))
		return 0
	}

	count := 0
	for _, orig := range events {
		replay := b.buildReplay(orig, targetService)
		if res := b.PublishEvent(ctx, replay, tenantID); res.Success {
			count++
		} else {
			b.logger.Warn("replay publish failed",
				zap.String("original_event_id", orig.EventID),
				zap.Strings("errors", res.Errors),
			)
		}
	}
	b.logger.Info("replay finished",
		zap.String("tenant", tenantID),
		zap.Int("matched", len(events)),
		zap.Int("republished", count),
	)
	return count
}

// buildReplay — новый конверт с новым event_id; связь с оригиналом
// сохраняется через correlation_id и metadata.original_event_id.
func (b *Bus) buildReplay(orig *event.Event, targetService string) *event.Event {
	replay := event.New(orig.EventType, orig.TenantID, orig.Category, orig.Data)
	replay.Priority = orig.Priority
	replay.SourceService = orig.SourceService
	replay.CorrelationID = orig.CorrelationID
	replay.CausationID = orig.EventID
	replay.AggregateID = orig.AggregateID
	replay.AggregateType = orig.AggregateType
	replay.MaxRetries = orig.MaxRetries

	replay.Metadata = make(map[string]interface{}, len(orig.Metadata)+3)
	for k, v := range orig.Metadata {
		replay.Metadata[k] = v
	}
	replay.Metadata["is_replay"] = true
	replay.Metadata["replayed_at"] = time.Now().UTC().Format(time.RFC3339)
	replay.Metadata["original_event_id"] = orig.EventID

	if targetService != "" {
		replay.TargetServices = []string{targetService}
	} else {
		replay.TargetServices = orig.TargetServices
	}
	return replay
}

// GetEventHistory — read-only проход к стору.
func (b *Bus) GetEventHistory(
	ctx context.Context,
	tenantID string,
	aggregateID string,
	eventTypes []string,
	limit int,
) ([]*event.Event, error) {
	return b.store.GetEvents(ctx, tenantID, store.Query{
		EventTypes:  eventTypes,
		AggregateID: aggregateID,
		Limit:       limit,
	})
}

// GetMetrics — снапшот счетчиков шины.
func (b *Bus) GetMetrics() MetricsSnapshot {
	b.mu.RLock()
	running := b.running
	active := len(b.local)
	b.mu.RUnlock()

	return MetricsSnapshot{
		EventsPublished:     b.published.Load(),
		EventsProcessed:     b.processed.Load(),
		EventsFailed:        b.failed.Load(),
		ActiveSubscriptions: active,
		IsRunning:           running,
		WorkerCount:         b.cfg.WorkerConcurrency,
		Timestamp:           time.Now().UTC(),
	}
}

// HealthCheck — покомпонентная сводка для /health.
func (b *Bus) HealthCheck(ctx context.Context) map[string]string {
	out := make(map[string]string, 3)
	check := func(name string, fn func(context.Context) error) {
		if fn == nil {
			out[name] = "not_connected"
			return
		}
		if err := fn(ctx); err != nil {
			out[name] = "unhealthy"
			return
		}
		out[name] = "healthy"
	}
	check("store", b.store.HealthCheck)
	check("broker", b.broker.HealthCheck)
	check("subscriptions", b.subs.HealthCheck)
	return out
}

// matchesEventType сверяет тип события с типом подписки по dot-сегментам,
// `*` закрывает ровно один сегмент.
func matchesEventType(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	ps := strings.Split(pattern, ".")
	es := strings.Split(eventType, ".")
	if len(ps) != len(es) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != es[i] {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/broker"
	"github.com/bizosaas/eventcore/internal/event"
	"github.com/bizosaas/eventcore/internal/infra"
	"github.com/bizosaas/eventcore/internal/store"
	"github.com/bizosaas/eventcore/internal/subscription"
)

func testConfig() infra.BusConfig {
	return infra.BusConfig{
		MaxRetryAttempts:      3,
		RetryDelay:            10 * time.Millisecond,
		EventTTLDays:          30,
		BatchSize:             10,
		WorkerConcurrency:     2,
		EnableTenantIsolation: true,
		HealthCheckInterval:   time.Hour,
	}
}

func newTestBus(t *testing.T, cfg infra.BusConfig, br broker.MessageBroker) (*Bus, *store.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := store.NewRedisStore(rdb, zap.NewNop())
	subs := subscription.NewManager(rdb, zap.NewNop())
	b := NewBus(cfg, st, br, subs, nil, zap.NewNop(), NewMetrics(nil))

	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop() })
	return b, st
}

func TestPublishAndDeliver(t *testing.T) {
	b, st := newTestBus(t, testConfig(), broker.NewMemoryBroker())
	ctx := context.Background()

	received := make(chan *event.Event, 1)
	_, err := b.Subscribe(ctx, "lead.created", func(_ context.Context, e *event.Event) error {
		received <- e
		return nil
	}, "crm", "tenant-1", nil)
	require.NoError(t, err)

	e := event.New("lead.created", "tenant-1", event.CategoryLead, map[string]interface{}{"email": "a@b.c"})
	res := b.PublishEvent(ctx, e, "tenant-1")
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, e.EventID, res.EventID)

	select {
	case got := <-received:
		assert.Equal(t, e.EventID, got.EventID)
		assert.Equal(t, "a@b.c", got.Data["email"])
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	// Жизненный цикл дошел до completed
	require.Eventually(t, func() bool {
		events, err := st.GetEvents(ctx, "tenant-1", store.Query{})
		return err == nil && len(events) == 1 && events[0].Status == event.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPublishTenantIsolation(t *testing.T) {
	b, st := newTestBus(t, testConfig(), broker.NewMemoryBroker())
	ctx := context.Background()

	// Чужой tenant_id отклоняется до персистентности
	e := event.New("lead.created", "tenant-1", event.CategoryLead, nil)
	res := b.PublishEvent(ctx, e, "tenant-2")
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "tenant mismatch")

	stored, err := st.GetEvents(ctx, "tenant-1", store.Query{})
	require.NoError(t, err)
	assert.Empty(t, stored)

	// Пустой tenant_id наследуется из контекста
	anon := event.New("lead.created", "", event.CategoryLead, nil)
	res = b.PublishEvent(ctx, anon, "tenant-2")
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, "tenant-2", anon.TenantID)
}

func TestPublishValidation(t *testing.T) {
	b, _ := newTestBus(t, testConfig(), broker.NewMemoryBroker())

	res := b.PublishEvent(context.Background(), &event.Event{TenantID: "tenant-1", Category: event.CategoryLead}, "")
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "event_type")
}

func TestSubscriptionFilters(t *testing.T) {
	b, _ := newTestBus(t, testConfig(), broker.NewMemoryBroker())
	ctx := context.Background()

	var delivered atomic.Int64
	_, err := b.Subscribe(ctx, "lead.created", func(context.Context, *event.Event) error {
		delivered.Add(1)
		return nil
	}, "crm", "tenant-1", map[string]string{"source": "landing"})
	require.NoError(t, err)

	match := event.New("lead.created", "tenant-1", event.CategoryLead, map[string]interface{}{"source": "landing"})
	miss := event.New("lead.created", "tenant-1", event.CategoryLead, map[string]interface{}{"source": "ads"})
	require.True(t, b.PublishEvent(ctx, match, "tenant-1").Success)
	require.True(t, b.PublishEvent(ctx, miss, "tenant-1").Success)

	require.Eventually(t, func() bool { return delivered.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	// Несовпавшее событие тихо сброшено, счетчик не растет
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, delivered.Load())
}

func TestTargetServicesFanOut(t *testing.T) {
	b, _ := newTestBus(t, testConfig(), broker.NewMemoryBroker())
	ctx := context.Background()

	var crm, billing atomic.Int64
	_, err := b.Subscribe(ctx, "tenant.upgraded", func(context.Context, *event.Event) error {
		crm.Add(1)
		return nil
	}, "crm", "tenant-1", nil)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "tenant.upgraded", func(context.Context, *event.Event) error {
		billing.Add(1)
		return nil
	}, "billing", "tenant-1", nil)
	require.NoError(t, err)

	e := event.New("tenant.upgraded", "tenant-1", event.CategoryTenant, nil)
	e.TargetServices = []string{"billing"}
	require.True(t, b.PublishEvent(ctx, e, "tenant-1").Success)

	require.Eventually(t, func() bool { return billing.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, crm.Load(), "event was addressed to billing only")
}

func TestUnsubscribe(t *testing.T) {
	b, _ := newTestBus(t, testConfig(), broker.NewMemoryBroker())
	ctx := context.Background()

	// Неизвестная подписка — false, без ошибок
	assert.False(t, b.Unsubscribe(ctx, "no-such-subscription"))

	id, err := b.Subscribe(ctx, "lead.created", func(context.Context, *event.Event) error { return nil },
		"crm", "tenant-1", nil)
	require.NoError(t, err)

	assert.True(t, b.Unsubscribe(ctx, id))
	assert.False(t, b.Unsubscribe(ctx, id))
}

// Конкурентные публикации и отписки: dispatch кладет в очереди под RLock,
// removeLocal закрывает их под Lock — send в закрытый канал невозможен.
func TestConcurrentUnsubscribeDuringDelivery(t *testing.T) {
	b, _ := newTestBus(t, testConfig(), broker.NewMemoryBroker())
	ctx := context.Background()

	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		id, err := b.Subscribe(ctx, "lead.created", func(context.Context, *event.Event) error { return nil },
			fmt.Sprintf("svc-%d", i), "tenant-1", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			e := event.New("lead.created", "tenant-1", event.CategoryLead, nil)
			b.PublishEvent(ctx, e, "tenant-1")
		}
	}()
	go func() {
		defer wg.Done()
		for _, id := range ids {
			b.Unsubscribe(ctx, id)
		}
	}()
	wg.Wait()
}

// Redis PSUBSCRIBE глобы матчат `*` через точки, поэтому тип события
// перепроверяется на доставке — одинаково для всех брокеров.
func TestDeliveryRechecksEventType(t *testing.T) {
	b, _ := newTestBus(t, testConfig(), broker.NewMemoryBroker())

	var delivered atomic.Int64
	ls := &localSub{
		sub: &subscription.Subscription{
			SubscriptionID: "sub-1",
			EventType:      "lead.created",
			ServiceName:    "crm",
		},
		handler: func(context.Context, *event.Event) error {
			delivered.Add(1)
			return nil
		},
	}

	alien := event.New("x.lead.created", "tenant-1", event.CategoryLead, nil)
	raw, err := alien.Marshal()
	require.NoError(t, err)
	b.processDelivery(ls, raw)
	assert.Zero(t, delivered.Load(), "event of a foreign type must be dropped")

	exact := event.New("lead.created", "tenant-1", event.CategoryLead, nil)
	raw, err = exact.Marshal()
	require.NoError(t, err)
	b.processDelivery(ls, raw)
	assert.EqualValues(t, 1, delivered.Load())
}

func TestMatchesEventType(t *testing.T) {
	cases := []struct {
		pattern, eventType string
		want               bool
	}{
		{"lead.created", "lead.created", true},
		{"lead.created", "x.lead.created", false},
		{"lead.created", "lead.updated", false},
		{"lead.*", "lead.created", true},
		{"lead.*", "lead.a.b", false},
		{"*.created", "lead.created", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, matchesEventType(c.pattern, c.eventType),
			"pattern=%s type=%s", c.pattern, c.eventType)
	}
}

// Tenant-scope подписки фильтрует доставку и при выключенной изоляции,
// когда routing key не содержит тенанта.
func TestTenantScopedDeliveryWithoutIsolation(t *testing.T) {
	cfg := testConfig()
	cfg.EnableTenantIsolation = false
	b, _ := newTestBus(t, cfg, broker.NewMemoryBroker())
	ctx := context.Background()

	var delivered atomic.Int64
	_, err := b.Subscribe(ctx, "lead.created", func(_ context.Context, e *event.Event) error {
		assert.Equal(t, "tenant-1", e.TenantID)
		delivered.Add(1)
		return nil
	}, "crm", "tenant-1", nil)
	require.NoError(t, err)

	require.True(t, b.PublishEvent(ctx, event.New("lead.created", "tenant-1", event.CategoryLead, nil), "").Success)
	require.True(t, b.PublishEvent(ctx, event.New("lead.created", "tenant-2", event.CategoryLead, nil), "").Success)

	require.Eventually(t, func() bool { return delivered.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, delivered.Load(), "foreign tenant event must not reach the handler")
}

func TestReplayEvents(t *testing.T) {
	b, st := newTestBus(t, testConfig(), broker.NewMemoryBroker())
	ctx := context.Background()

	originals := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		e := event.New("campaign.launched", "tenant-1", event.CategoryCampaign,
			map[string]interface{}{"n": i})
		require.True(t, b.PublishEvent(ctx, e, "tenant-1").Success)
		originals = append(originals, e.EventID)
	}

	count := b.ReplayEvents(ctx, "tenant-1", []string{"campaign.launched"}, time.Time{}, time.Time{}, "analytics")
	assert.Equal(t, 3, count)

	all, err := st.GetEvents(ctx, "tenant-1", store.Query{})
	require.NoError(t, err)
	require.Len(t, all, 6)

	replays := 0
	origSet := map[string]struct{}{}
	for _, id := range originals {
		origSet[id] = struct{}{}
	}
	for _, e := range all {
		if !e.IsReplay() {
			continue
		}
		replays++
		// Новый event_id, связь с оригиналом через causation и metadata
		_, isOriginal := origSet[e.EventID]
		assert.False(t, isOriginal)
		assert.Contains(t, origSet, e.CausationID)
		assert.Equal(t, e.CausationID, e.Metadata["original_event_id"])
		assert.Equal(t, []string{"analytics"}, e.TargetServices)
	}
	assert.Equal(t, 3, replays)
}

// failingBroker имитирует недоступный транспорт: Publish всегда падает.
type failingBroker struct{ broker.MemoryBroker }

func (f *failingBroker) Initialize(context.Context) error { return nil }
func (f *failingBroker) Publish(context.Context, string, []byte, int) error {
	return fmt.Errorf("broker unavailable")
}
func (f *failingBroker) HealthCheck(context.Context) error { return nil }
func (f *failingBroker) Close() error                      { return nil }

func TestBrokerFailureMarksEventFailed(t *testing.T) {
	cfg := testConfig()
	b, st := newTestBus(t, cfg, &failingBroker{})
	ctx := context.Background()

	e := event.New("billing.charge", "tenant-1", event.CategoryBilling, nil)
	res := b.PublishEvent(ctx, e, "tenant-1")
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "broker")

	// Store-first: событие сохранено и стало retry-кандидатом
	failed, err := st.GetFailedEvents(ctx, cfg.MaxRetryAttempts, cfg.BatchSize)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, e.EventID, failed[0].EventID)
	assert.Equal(t, event.StatusFailed, failed[0].Status)
}

// Событие с исчерпанным бюджетом остается failed навсегда и исключается
// из последующих retry-пачек.
func TestRetryBudgetExhaustion(t *testing.T) {
	cfg := testConfig()
	b, st := newTestBus(t, cfg, broker.NewMemoryBroker())
	ctx := context.Background()

	e := event.New("billing.charge", "tenant-1", event.CategoryBilling, nil)
	e.Status = event.StatusFailed
	e.RetryCount = cfg.MaxRetryAttempts
	require.NoError(t, st.StoreEvent(ctx, e))

	b.retryEvent(ctx, e)

	stored, err := st.GetEvents(ctx, "tenant-1", store.Query{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, event.StatusFailed, stored[0].Status)

	failed, err := st.GetFailedEvents(ctx, cfg.MaxRetryAttempts, cfg.BatchSize)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

// Полный цикл против мертвого брокера: ровно max_retry_attempts попыток,
// затем перманентный failed.
func TestRetryBoundWithDeadBroker(t *testing.T) {
	cfg := testConfig()
	b, st := newTestBus(t, cfg, &failingBroker{})
	ctx := context.Background()

	e := event.New("billing.charge", "tenant-1", event.CategoryBilling, nil)
	require.False(t, b.PublishEvent(ctx, e, "tenant-1").Success)

	for i := 0; i < cfg.MaxRetryAttempts; i++ {
		failed, err := st.GetFailedEvents(ctx, cfg.MaxRetryAttempts, cfg.BatchSize)
		require.NoError(t, err)
		require.Len(t, failed, 1, "attempt %d must still be within budget", i+1)
		assert.Equal(t, i, failed[0].RetryCount)
		b.retryEvent(ctx, failed[0])
	}

	// Бюджет исчерпан: из пачек исключено, статус failed
	failed, err := st.GetFailedEvents(ctx, cfg.MaxRetryAttempts, cfg.BatchSize)
	require.NoError(t, err)
	assert.Empty(t, failed)

	stored, err := st.GetEvents(ctx, "tenant-1", store.Query{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, event.StatusFailed, stored[0].Status)
	assert.Equal(t, cfg.MaxRetryAttempts, stored[0].RetryCount)
}

func TestHealthCheckAndMetrics(t *testing.T) {
	b, _ := newTestBus(t, testConfig(), broker.NewMemoryBroker())
	ctx := context.Background()

	health := b.HealthCheck(ctx)
	assert.Equal(t, "healthy", health["store"])
	assert.Equal(t, "healthy", health["broker"])

	require.True(t, b.PublishEvent(ctx, event.New("lead.created", "tenant-1", event.CategoryLead, nil), "tenant-1").Success)

	snap := b.GetMetrics()
	assert.EqualValues(t, 1, snap.EventsPublished)
	assert.True(t, snap.IsRunning)
}

package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/event"
	"github.com/bizosaas/eventcore/internal/infra"
)

func testFailoverConfig() infra.FailoverConfig {
	return infra.FailoverConfig{
		CircuitBreaker: infra.CircuitBreakerConfig{
			FailureThreshold: 3,
			Timeout:          time.Minute,
			HalfOpenMaxCalls: 2,
		},
		AuditRingSize: 10,
	}
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c := NewController(testFailoverConfig(), zap.NewNop())
	require.NoError(t, c.InitializeFailoverTargets("stripe", CategoryPayment, []*FailoverTarget{
		{Name: "stripe-primary", Priority: 1, Weight: 0.7, HealthScore: 40, Active: true},
		{Name: "stripe-backup", Priority: 2, Weight: 0.3, HealthScore: 90, Active: true},
	}))
	return c
}

func TestInitializeFailoverTargets(t *testing.T) {
	c := newTestController(t)

	status, ok := c.GetFailoverStatus("stripe")
	require.True(t, ok)
	// Стартовый активный таргет — с наименьшим priority
	assert.Equal(t, "stripe-primary", status["active_target"])
	assert.Equal(t, StrategyPrimarySecondary, status["strategy"])

	assert.Error(t, c.InitializeFailoverTargets("", CategoryPayment, nil))
	assert.Error(t, c.InitializeFailoverTargets("empty", CategoryPayment, nil))

	_, ok = c.GetFailoverStatus("unknown")
	assert.False(t, ok)
}

func TestTriggerFailover(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	ok := c.TriggerFailover(ctx, "stripe", "Health check degraded", map[string]interface{}{"latency_ms": 4500})
	require.True(t, ok)

	status, _ := c.GetFailoverStatus("stripe")
	assert.Equal(t, "stripe-backup", status["active_target"])

	events := c.GetFailoverEvents("", 10)
	require.Len(t, events, 1)
	assert.Equal(t, "stripe", events[0].IntegrationName)
	assert.Equal(t, "stripe-primary", events[0].FromTarget)
	assert.Equal(t, "stripe-backup", events[0].ToTarget)
	assert.True(t, events[0].Success)
	assert.NotEmpty(t, events[0].ID)

	stats := c.GetFailoverStatistics()
	assert.EqualValues(t, int64(1), stats["total_failovers"])
	assert.EqualValues(t, int64(1), stats["successful_failovers"])
	assert.Equal(t, 1.0, stats["success_rate"])
}

func TestTriggerFailoverUnknownIntegration(t *testing.T) {
	c := newTestController(t)
	assert.False(t, c.TriggerFailover(context.Background(), "no-such", "reason", nil))
	assert.Empty(t, c.GetFailoverEvents("", 10))
}

func TestTriggerFailoverEmitsDomainEvent(t *testing.T) {
	c := newTestController(t)

	var emitted *event.Event
	c.SetEventEmitter(func(_ context.Context, e *event.Event) { emitted = e })

	require.True(t, c.TriggerFailover(context.Background(), "stripe", "Probe timeout", nil))
	require.NotNil(t, emitted)
	assert.Equal(t, "system.failover_triggered", emitted.EventType)
	assert.Equal(t, event.PriorityCritical, emitted.Priority)
	assert.Equal(t, "stripe", emitted.Data["integration"])
	assert.Equal(t, true, emitted.Data["success"])
}

func TestManualFailover(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.ManualFailover(ctx, "stripe", "stripe-backup"))
	status, _ := c.GetFailoverStatus("stripe")
	assert.Equal(t, "stripe-backup", status["active_target"])

	events := c.GetFailoverEvents("stripe", 10)
	require.Len(t, events, 1)
	assert.Equal(t, "Manual failover", events[0].TriggerReason)

	assert.Error(t, c.ManualFailover(ctx, "stripe", "no-such-target"))
	assert.Error(t, c.ManualFailover(ctx, "unknown", "stripe-backup"))

	// Деактивированный таргет недоступен для ручного переключения
	require.NoError(t, c.UpdateTargetHealth("stripe", "stripe-primary", 0))
	assert.Error(t, c.ManualFailover(ctx, "stripe", "stripe-primary"))
}

func TestCircuitBreakerOpensAndResets(t *testing.T) {
	c := NewController(testFailoverConfig(), zap.NewNop())
	require.NoError(t, c.InitializeFailoverTargets("twilio", CategoryCommunication, []*FailoverTarget{
		{Name: "twilio-us", Priority: 1, HealthScore: 20, Active: true},
		{Name: "twilio-eu", Priority: 2, HealthScore: 95, Active: true},
	}))
	ctx := context.Background()

	// Два отказа — ниже порога
	assert.False(t, c.TriggerFailover(ctx, "twilio", "SMS timeout", nil))
	assert.False(t, c.TriggerFailover(ctx, "twilio", "SMS timeout", nil))

	// Третий открывает предохранитель и переключает на здоровый таргет
	require.True(t, c.TriggerFailover(ctx, "twilio", "SMS timeout", nil))

	status, _ := c.GetFailoverStatus("twilio")
	cb := status["circuit_breaker"].(CircuitBreaker)
	assert.Equal(t, CircuitOpen, cb.State)
	assert.Equal(t, "twilio-eu", status["active_target"])

	stats := c.GetFailoverStatistics()
	assert.Equal(t, 1, stats["open_circuit_breakers"])

	require.NoError(t, c.ResetCircuitBreaker("twilio"))
	status, _ = c.GetFailoverStatus("twilio")
	cb = status["circuit_breaker"].(CircuitBreaker)
	assert.Equal(t, CircuitClosed, cb.State)
	assert.Zero(t, cb.FailureCount)

	assert.Error(t, c.ResetCircuitBreaker("unknown"))
}

func TestUpdateTargetHealth(t *testing.T) {
	c := newTestController(t)

	// Клампинг в [0, 100]
	require.NoError(t, c.UpdateTargetHealth("stripe", "stripe-backup", 150))
	status, _ := c.GetFailoverStatus("stripe")
	targets := status["targets"].([]FailoverTarget)
	for _, tg := range targets {
		if tg.Name == "stripe-backup" {
			assert.Equal(t, 100.0, tg.HealthScore)
			assert.True(t, tg.Active)
		}
	}

	// Нулевой score деактивирует таргет
	require.NoError(t, c.UpdateTargetHealth("stripe", "stripe-backup", -5))
	status, _ = c.GetFailoverStatus("stripe")
	targets = status["targets"].([]FailoverTarget)
	for _, tg := range targets {
		if tg.Name == "stripe-backup" {
			assert.Zero(t, tg.HealthScore)
			assert.False(t, tg.Active)
		}
	}

	assert.Error(t, c.UpdateTargetHealth("stripe", "no-such-target", 50))
	assert.Error(t, c.UpdateTargetHealth("unknown", "x", 50))
}

func TestInitializeFromConfig(t *testing.T) {
	cfg := testFailoverConfig()
	cfg.Integrations = map[string]infra.IntegrationConfig{
		"sendgrid": {
			Category: "communication",
			Targets: []infra.TargetConfig{
				{Name: "sendgrid-main", Priority: 1, Weight: 0.8},
				{Name: "ses-fallback", Priority: 2, Weight: 0.2, HealthScore: 70},
			},
		},
	}

	c := NewController(cfg, zap.NewNop())
	require.NoError(t, c.InitializeFromConfig())

	status, ok := c.GetFailoverStatus("sendgrid")
	require.True(t, ok)
	assert.Equal(t, "sendgrid-main", status["active_target"])
	targets := status["targets"].([]FailoverTarget)
	require.Len(t, targets, 2)
	// Незаданный health_score получает дефолт 100
	assert.Equal(t, 100.0, targets[0].HealthScore)
	assert.Equal(t, 70.0, targets[1].HealthScore)
}

func TestAuditRingEviction(t *testing.T) {
	ring := newAuditRing(3)
	for i := 0; i < 5; i++ {
		ring.Add(FailoverEvent{ID: string(rune('a' + i)), IntegrationName: "x"})
	}

	assert.Equal(t, 3, ring.Len())
	events := ring.Snapshot("", 0)
	require.Len(t, events, 3)
	// Новые первыми, старейшие вытеснены
	assert.Equal(t, "e", events[0].ID)
	assert.Equal(t, "d", events[1].ID)
	assert.Equal(t, "c", events[2].ID)

	limited := ring.Snapshot("", 2)
	assert.Len(t, limited, 2)
	assert.Empty(t, ring.Snapshot("other", 0))
}

package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"tenant.t1.events.lead.lead.created", "tenant.t1.events.lead.lead.created", true},
		// `*` закрывает ровно один сегмент — категорию
		{"tenant.t1.events.*.lead.created", "tenant.t1.events.lead.lead.created", true},
		{"tenant.t1.events.*.lead.created", "tenant.t1.events.campaign.lead.created", true},
		// Чужой тенант
		{"tenant.t1.events.*.lead.created", "tenant.t2.events.lead.lead.created", false},
		// Другой тип события
		{"tenant.t1.events.*.lead.created", "tenant.t1.events.lead.lead.updated", false},
		// Разная длина
		{"events.*.lead.created", "tenant.t1.events.lead.lead.created", false},
		{"events.*.lead.created", "events.lead.lead.created", true},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, matchPattern(c.pattern, c.key), "pattern=%s key=%s", c.pattern, c.key)
	}
}

func TestMemoryBrokerPublishSubscribe(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	var got []string
	require.NoError(t, b.Subscribe(ctx, "tenant.t1.events.*.lead.created", func(_ context.Context, key string, payload []byte) {
		got = append(got, key+"|"+string(payload))
	}))

	require.NoError(t, b.Publish(ctx, "tenant.t1.events.lead.lead.created", []byte("a"), 5))
	require.NoError(t, b.Publish(ctx, "tenant.t2.events.lead.lead.created", []byte("b"), 5))

	require.Len(t, got, 1)
	assert.Equal(t, "tenant.t1.events.lead.lead.created|a", got[0])
}

func TestMemoryBrokerUnsubscribeAndClose(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	delivered := 0
	require.NoError(t, b.Subscribe(ctx, "events.*.x", func(context.Context, string, []byte) { delivered++ }))
	require.NoError(t, b.Unsubscribe("events.*.x"))
	require.NoError(t, b.Publish(ctx, "events.system.x", nil, 1))
	assert.Zero(t, delivered)

	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(ctx, "events.system.x", nil, 1))
	assert.Error(t, b.Subscribe(ctx, "events.*.x", func(context.Context, string, []byte) {}))
	assert.Error(t, b.HealthCheck(ctx))
}

func TestPriorityWeight(t *testing.T) {
	assert.Equal(t, 1, PriorityWeight("low"))
	assert.Equal(t, 5, PriorityWeight("normal"))
	assert.Equal(t, 8, PriorityWeight("high"))
	assert.Equal(t, 10, PriorityWeight("critical"))
	// Неизвестный приоритет — normal
	assert.Equal(t, 5, PriorityWeight("weird"))
}

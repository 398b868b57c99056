package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventDefaults(t *testing.T) {
	e := New("lead.created", "tenant-1", CategoryLead, map[string]interface{}{"email": "a@b.c"})

	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, "1.0", e.EventVersion)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, PriorityNormal, e.Priority)
	assert.Equal(t, 3, e.MaxRetries)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, time.UTC, e.Timestamp.Location())
}

func TestValidate(t *testing.T) {
	e := New("lead.created", "tenant-1", CategoryLead, nil)
	require.NoError(t, e.Validate())

	noType := *e
	noType.EventType = ""
	assert.Error(t, noType.Validate())

	noTenant := *e
	noTenant.TenantID = ""
	assert.Error(t, noTenant.Validate())

	noCategory := *e
	noCategory.Category = ""
	assert.Error(t, noCategory.Validate())
}

func TestRoutingKey(t *testing.T) {
	e := New("lead.created", "tenant-1", CategoryLead, nil)

	assert.Equal(t, "tenant.tenant-1.events.lead.lead.created", e.RoutingKey(true))
	assert.Equal(t, "events.lead.lead.created", e.RoutingKey(false))
}

func TestSubscriptionKey(t *testing.T) {
	assert.Equal(t, "tenant.tenant-1.events.*.lead.created", SubscriptionKey("lead.created", "tenant-1"))
	assert.Equal(t, "events.*.lead.created", SubscriptionKey("lead.created", ""))
}

func TestMarshalRoundTrip(t *testing.T) {
	e := New("campaign.launched", "tenant-9", CategoryCampaign, map[string]interface{}{"budget": 100.5})
	e.AggregateID = "campaign-42"

	raw, err := e.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, e.AggregateID, got.AggregateID)
	assert.Equal(t, 100.5, got.Data["budget"])

	_, err = Unmarshal([]byte("{broken"))
	assert.Error(t, err)
}

func TestMatchesFilters(t *testing.T) {
	e := New("lead.created", "tenant-1", CategoryLead, map[string]interface{}{
		"source": "landing",
		"score":  42,
	})
	e.SourceService = "crm"

	// Атрибуты конверта
	assert.True(t, e.MatchesFilters(map[string]string{"tenant_id": "tenant-1"}))
	assert.True(t, e.MatchesFilters(map[string]string{"source_service": "crm"}))
	// Поля payload, в том числе нестроковые
	assert.True(t, e.MatchesFilters(map[string]string{"source": "landing", "score": "42"}))
	// Несовпадение и отсутствующее поле — не доставлять
	assert.False(t, e.MatchesFilters(map[string]string{"source": "ads"}))
	assert.False(t, e.MatchesFilters(map[string]string{"missing": "x"}))
	// Пустые фильтры пропускают все
	assert.True(t, e.MatchesFilters(nil))
}

func TestIsReplay(t *testing.T) {
	e := New("lead.created", "tenant-1", CategoryLead, nil)
	assert.False(t, e.IsReplay())

	e.Metadata = map[string]interface{}{"is_replay": true}
	assert.True(t, e.IsReplay())

	e.Metadata["is_replay"] = "yes" // не bool — не replay
	assert.False(t, e.IsReplay())
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, CategoryBilling, ParseCategory("billing"))
	assert.Equal(t, CategoryBilling, ParseCategory("BILLING"))
	assert.Equal(t, CategorySystem, ParseCategory("unknown"))

	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
}

func TestMiddlewareChain(t *testing.T) {
	e := New("lead.created", "tenant-1", CategoryLead, nil)
	e.CorrelationID = ""
	e.Timestamp = time.Time{}

	out := Chain(e, []Middleware{CorrelationMiddleware, TimestampMiddleware})
	require.NotNil(t, out)
	assert.NotEmpty(t, out.CorrelationID)
	assert.False(t, out.Timestamp.IsZero())

	// Идемпотентность: повторный прогон ничего не меняет
	corr, ts := out.CorrelationID, out.Timestamp
	out = Chain(out, []Middleware{CorrelationMiddleware, TimestampMiddleware})
	assert.Equal(t, corr, out.CorrelationID)
	assert.Equal(t, ts, out.Timestamp)
}

package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/llm/llmtest"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/internal/profile"
	"github.com/hrygo/dialogd/store"
	"github.com/hrygo/dialogd/store/teststore"
)

func floatPtr(f float64) *float64 { return &f }

func flightFixture() *teststore.Driver {
	d := teststore.New()
	d.Intents = []*store.IntentDef{
		{ID: 1, Name: "book_flight", DisplayName: "订机票", Priority: 10, Threshold: 0.7, Active: true},
	}
	d.Slots = []*store.SlotDef{
		{ID: 1, IntentName: "book_flight", Name: "departure_city", Type: store.SlotTypeEntity,
			EntityType: "city", Required: true, ExtractionPriority: 10,
			ExtractionRules: []store.ExtractionRule{{Type: "regex", Pattern: `从(\p{Han}{2,5}?)(?:出发|到|飞)`}}},
		{ID: 2, IntentName: "book_flight", Name: "arrival_city", Type: store.SlotTypeEntity,
			EntityType: "city", Required: true, ExtractionPriority: 9,
			ExtractionRules: []store.ExtractionRule{{Type: "regex", Pattern: `到(\p{Han}{2,5}?)的`}}},
		{ID: 3, IntentName: "book_flight", Name: "departure_date", Type: store.SlotTypeDate,
			Required: true, ExtractionPriority: 8,
			ExtractionRules: []store.ExtractionRule{{Type: "keyword", Keywords: []string{"今天", "明天", "后天", "大后天"}}}},
		{ID: 4, IntentName: "book_flight", Name: "trip_type", Type: store.SlotTypeText,
			Rules: []store.ValidationRule{{Type: "allowed", Allowed: []string{"one_way", "round_trip"}, Message: "行程类型无效"}},
			ExtractionRules: []store.ExtractionRule{{Type: "keyword", Keywords: []string{"往返", "单程"}}}},
		{ID: 5, IntentName: "book_flight", Name: "return_date", Type: store.SlotTypeDate,
			Rules: []store.ValidationRule{{Type: "expression", Expr: `slots.return_date > slots.departure_date`, Message: "返程日期必须晚于出发日期"}}},
		{ID: 6, IntentName: "book_flight", Name: "passengers", Type: store.SlotTypeNumber,
			Rules: []store.ValidationRule{{Type: "range", Min: floatPtr(1), Max: floatPtr(9), Message: "乘客人数需在 1 到 9 之间"}}},
	}
	d.Dependencies = []*store.SlotDependency{
		{ID: 1, IntentName: "book_flight", Dependent: "return_date", RequiredOn: "trip_type",
			Type: store.DependencyConditional, Condition: `slots.trip_type == "round_trip"`},
	}
	d.Entities = []*store.EntityEntry{
		{ID: 1, Type: "city", Canonical: "北京", Aliases: []string{"beijing", "帝都"}, Weight: 1},
		{ID: 2, Type: "city", Canonical: "上海", Aliases: []string{"shanghai", "魔都"}, Weight: 1},
	}
	return d
}

func newTestExtractor(t *testing.T, d *teststore.Driver, svc *llmtest.Scripted) (*Extractor, *registry.Intent) {
	t.Helper()
	layer := cache.NewLayer(cache.Config{})
	reg, err := registry.New(store.New(d, &profile.Profile{}), layer)
	require.NoError(t, err)
	require.NoError(t, reg.Load(context.Background()))
	intent, ok := reg.Snapshot().Intent("book_flight")
	require.True(t, ok)
	if svc == nil {
		return New(reg, nil, layer), intent
	}
	return New(reg, svc, layer), intent
}

func fixedCtx() *Context {
	loc, _ := time.LoadLocation("Asia/Shanghai")
	return &Context{
		Location: loc,
		Now:      time.Date(2026, 8, 24, 10, 0, 0, 0, loc), // a Monday
	}
}

func TestExtractRulesAndDict(t *testing.T) {
	e, intent := newTestExtractor(t, flightFixture(), nil)
	ectx := fixedCtx()

	got := e.Extract(context.Background(), intent, "我想订一张明天从北京到上海的机票", ectx)

	require.Contains(t, got, "departure_city")
	require.Equal(t, "北京", got["departure_city"].Normalized)
	require.Contains(t, got, "arrival_city")
	require.Equal(t, "上海", got["arrival_city"].Normalized)
	require.Contains(t, got, "departure_date")
	require.Equal(t, "2026-08-25", got["departure_date"].Normalized)
	require.Equal(t, "rule", got["departure_date"].Method)
}

func TestExtractConsultsLLMBelowThreshold(t *testing.T) {
	svc := llmtest.NewScripted().
		On("槽位", `{"slots":{"departure_city":"北京","arrival_city":"上海","departure_date":"明天","extra_slot":"ignored"}}`)
	e, intent := newTestExtractor(t, flightFixture(), svc)

	got := e.Extract(context.Background(), intent, "行程帮我安排一下，后天出发", fixedCtx())

	// The date came from the keyword rule; the cities came from the LLM.
	// The undeclared extra_slot never appears.
	require.Equal(t, "2026-08-26", got["departure_date"].Normalized)
	require.Equal(t, "rule", got["departure_date"].Method)
	require.Equal(t, "北京", got["departure_city"].Normalized)
	require.Equal(t, "llm", got["departure_city"].Method)
	require.Equal(t, "上海", got["arrival_city"].Normalized)
	require.NotContains(t, got, "extra_slot")
}

func TestExtractLLMFailureKeepsRuleResults(t *testing.T) {
	svc := llmtest.NewScripted()
	svc.Fallback = "not json at all"
	e, intent := newTestExtractor(t, flightFixture(), svc)

	got := e.Extract(context.Background(), intent, "明天从北京到上海的机票", fixedCtx())
	require.Contains(t, got, "departure_date")
	require.Contains(t, got, "departure_city")
}

func TestMergeReplacesOnlyOnHigherConfidence(t *testing.T) {
	e, intent := newTestExtractor(t, flightFixture(), nil)
	ectx := fixedCtx()
	ectx.Previous = map[string]*Extraction{
		"departure_city": {Slot: "departure_city", Normalized: "上海", Confidence: 0.99, Method: "dict", Status: store.SlotValid},
		"arrival_city":   {Slot: "arrival_city", Normalized: "北京", Confidence: 0.2, Method: "llm", Status: store.SlotInvalid},
	}

	got := e.Extract(context.Background(), intent, "从北京到上海的机票", ectx)

	// Higher previous confidence survives.
	require.Equal(t, "上海", got["departure_city"].Normalized)
	// Invalid previous value is replaced regardless of confidence.
	require.Equal(t, "上海", got["arrival_city"].Normalized)
	require.NotEqual(t, store.SlotInvalid, got["arrival_city"].Status)
}

func TestNormalizeDates(t *testing.T) {
	ectx := fixedCtx()
	tests := []struct {
		in   string
		want string
	}{
		{"今天", "2026-08-24"},
		{"明天", "2026-08-25"},
		{"后天", "2026-08-26"},
		{"大后天", "2026-08-27"},
		{"tomorrow", "2026-08-25"},
		{"下周一", "2026-08-31"},
		{"下周三", "2026-09-02"},
		{"next friday", "2026-08-28"},
		{"2026-09-15", "2026-09-15"},
		{"2026/9/5", "2026-09-05"},
		{"9月10日", "2026-09-10"},
		{"3月1日", "2027-03-01"}, // already past this year
	}
	for _, tc := range tests {
		got, err := normalizeDate(tc.in, ectx)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	_, err := normalizeDate("不是日期", ectx)
	require.Error(t, err)
}

func TestNormalizeScalars(t *testing.T) {
	n, err := normalizeNumber("1,234")
	require.NoError(t, err)
	require.Equal(t, "1234", n)

	n, err = normalizeNumber("12.5")
	require.NoError(t, err)
	require.Equal(t, "12.5", n)

	c, err := normalizeClock("下午3点")
	require.NoError(t, err)
	require.Equal(t, "15:00", c)

	c, err = normalizeClock("9:30")
	require.NoError(t, err)
	require.Equal(t, "09:30", c)

	b, err := normalizeBoolean("要")
	require.NoError(t, err)
	require.Equal(t, "true", b)

	b, err = normalizeBoolean("不用")
	require.NoError(t, err)
	require.Equal(t, "false", b)

	p, err := normalizePhone("138-1234-5678")
	require.NoError(t, err)
	require.Equal(t, "13812345678", p)

	m, err := normalizeEmail("User@Example.COM")
	require.NoError(t, err)
	require.Equal(t, "user@example.com", m)
}

func TestValidateRules(t *testing.T) {
	e, intent := newTestExtractor(t, flightFixture(), nil)

	slots := map[string]*Extraction{
		"passengers": {Slot: "passengers", Normalized: "12", Status: store.SlotPending},
		"trip_type":  {Slot: "trip_type", Normalized: "round_trip", Status: store.SlotPending},
	}
	e.Validate(intent, slots)

	require.Equal(t, store.SlotInvalid, slots["passengers"].Status)
	require.Equal(t, "乘客人数需在 1 到 9 之间", slots["passengers"].Error)
	require.Equal(t, store.SlotValid, slots["trip_type"].Status)
}

func TestValidateCrossFieldExpression(t *testing.T) {
	e, intent := newTestExtractor(t, flightFixture(), nil)

	slots := map[string]*Extraction{
		"departure_date": {Slot: "departure_date", Normalized: "2026-08-25", Status: store.SlotPending},
		"trip_type":      {Slot: "trip_type", Normalized: "round_trip", Status: store.SlotPending},
		"return_date":    {Slot: "return_date", Normalized: "2026-08-20", Status: store.SlotPending},
	}
	e.Validate(intent, slots)
	require.Equal(t, store.SlotInvalid, slots["return_date"].Status)
	require.Equal(t, "返程日期必须晚于出发日期", slots["return_date"].Error)

	slots["return_date"].Normalized = "2026-08-30"
	slots["return_date"].Status = store.SlotPending
	e.Validate(intent, slots)
	require.Equal(t, store.SlotValid, slots["return_date"].Status)
}

func TestMissingRequiredWithConditionalDependency(t *testing.T) {
	e, intent := newTestExtractor(t, flightFixture(), nil)

	slots := map[string]*Extraction{
		"departure_city": {Slot: "departure_city", Normalized: "北京", Status: store.SlotValid},
		"arrival_city":   {Slot: "arrival_city", Normalized: "上海", Status: store.SlotValid},
		"departure_date": {Slot: "departure_date", Normalized: "2026-08-25", Status: store.SlotValid},
	}
	require.Empty(t, MissingRequired(intent, slots))

	// round_trip makes return_date required.
	slots["trip_type"] = &Extraction{Slot: "trip_type", Normalized: "round_trip", Status: store.SlotValid}
	require.Equal(t, []string{"return_date"}, MissingRequired(intent, slots))

	slots["return_date"] = &Extraction{Slot: "return_date", Normalized: "2026-08-30", Status: store.SlotValid}
	require.Empty(t, MissingRequired(intent, slots))
	_ = e
}

func TestExtractCachesByInputHash(t *testing.T) {
	svc := llmtest.NewScripted().
		On("槽位", `{"slots":{"departure_city":"北京"}}`)
	e, intent := newTestExtractor(t, flightFixture(), svc)
	ectx := fixedCtx()

	_ = e.Extract(context.Background(), intent, "帮我订票", ectx)
	calls := svc.Calls()
	_ = e.Extract(context.Background(), intent, "帮我订票", ectx)
	require.Equal(t, calls, svc.Calls())
}

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/internal/profile"
	"github.com/hrygo/dialogd/store"
	"github.com/hrygo/dialogd/store/teststore"
)

func newTestRegistry(t *testing.T, seed func(d *teststore.Driver)) (*Registry, *teststore.Driver) {
	t.Helper()
	driver := teststore.New()
	if seed != nil {
		seed(driver)
	}
	st := store.New(driver, &profile.Profile{})
	reg, err := New(st, cache.NewLayer(cache.Config{}))
	require.NoError(t, err)
	return reg, driver
}

func bookFlightFixture(d *teststore.Driver) {
	d.Intents = []*store.IntentDef{
		{ID: 1, Name: "book_flight", DisplayName: "订机票", Priority: 10, Threshold: 0.7,
			Keywords: []string{"机票", "航班"}, Active: true},
		{ID: 2, Name: "check_weather", DisplayName: "查天气", Priority: 5, Threshold: 0.6,
			Keywords: []string{"天气"}, Active: true},
	}
	d.Slots = []*store.SlotDef{
		{ID: 1, IntentName: "book_flight", Name: "departure_city", Type: store.SlotTypeEntity,
			EntityType: "city", Required: true, ExtractionPriority: 10, PromptTemplate: "请问您从哪个城市出发？"},
		{ID: 2, IntentName: "book_flight", Name: "arrival_city", Type: store.SlotTypeEntity,
			EntityType: "city", Required: true, ExtractionPriority: 9},
		{ID: 3, IntentName: "book_flight", Name: "departure_date", Type: store.SlotTypeDate, Required: true},
		{ID: 4, IntentName: "book_flight", Name: "trip_type", Type: store.SlotTypeText,
			Rules: []store.ValidationRule{{Type: "allowed", Allowed: []string{"one_way", "round_trip"}}}},
		{ID: 5, IntentName: "book_flight", Name: "return_date", Type: store.SlotTypeDate},
		{ID: 6, IntentName: "check_weather", Name: "city", Type: store.SlotTypeEntity, EntityType: "city", Required: true},
	}
	d.Dependencies = []*store.SlotDependency{
		{ID: 1, IntentName: "book_flight", Dependent: "return_date", RequiredOn: "trip_type",
			Type: store.DependencyConditional, Condition: `slots.trip_type == "round_trip"`},
	}
	d.Functions = []*store.FunctionDef{
		{ID: 1, IntentName: "book_flight", Name: "create_booking", URL: "http://booking.internal/api",
			Method: "POST", ParamMapping: map[string]string{"departure_city": "from", "arrival_city": "to"},
			SuccessTemplate: "已为您预订 ${booking_id}", ErrorTemplate: "预订失败：${error_message}"},
	}
	d.Templates = []*store.PromptTemplate{
		{ID: 1, Type: store.TemplateDisambiguation, Content: "您是想要哪一个？"},
		{ID: 2, Type: store.TemplateSlotPrompt, IntentName: "book_flight", Content: "请补充 ${missing}"},
	}
	d.Entities = []*store.EntityEntry{
		{ID: 1, Type: "city", Canonical: "北京", Aliases: []string{"beijing", "帝都"}, Weight: 1},
		{ID: 2, Type: "city", Canonical: "上海", Aliases: []string{"shanghai", "魔都"}, Weight: 1},
	}
	d.Synonyms = []*store.SynonymGroup{
		{ID: 1, Name: "flight", Terms: []string{"机票", "飞机票", "航班"}},
	}
	d.StopWords = []*store.StopWord{{ID: 1, Word: "的"}, {ID: 2, Word: "了"}}
}

func TestLoadBuildsSnapshot(t *testing.T) {
	reg, _ := newTestRegistry(t, bookFlightFixture)
	require.NoError(t, reg.Load(context.Background()))

	snap := reg.Snapshot()
	require.Len(t, snap.Intents(), 2)
	require.Empty(t, snap.Problems())

	// Priority order: book_flight (10) before check_weather (5).
	require.Equal(t, "book_flight", snap.Intents()[0].Def.Name)

	intent, ok := snap.Intent("book_flight")
	require.True(t, ok)
	require.Len(t, intent.Slots, 5)
	require.NotNil(t, intent.Function)
	require.NotNil(t, intent.SuccessTemplate)
	require.Len(t, intent.Dependencies, 1)
	require.NotNil(t, intent.Dependencies[0].Condition)

	// Extraction priority ordering.
	require.Equal(t, "departure_city", intent.Slots[0].Def.Name)
}

func TestSnapshotLookups(t *testing.T) {
	reg, _ := newTestRegistry(t, bookFlightFixture)
	require.NoError(t, reg.Load(context.Background()))
	snap := reg.Snapshot()

	e, ok := snap.ResolveEntity("city", "帝都")
	require.True(t, ok)
	require.Equal(t, "北京", e.Canonical)

	e, ok = snap.ResolveEntity("city", "Beijing")
	require.True(t, ok)
	require.Equal(t, "北京", e.Canonical)

	_, ok = snap.ResolveEntity("city", "不存在")
	require.False(t, ok)

	require.ElementsMatch(t, []string{"机票", "飞机票", "航班"}, snap.Synonyms("飞机票"))
	require.True(t, snap.IsStopWord("的"))
	require.False(t, snap.IsStopWord("机票"))

	// Intent-specific template wins over global absence; global fallback works.
	require.NotNil(t, snap.Template(store.TemplateSlotPrompt, "book_flight"))
	require.NotNil(t, snap.Template(store.TemplateDisambiguation, "book_flight"))
	require.Nil(t, snap.Template(store.TemplateCancellation, "book_flight"))
}

func TestDependencyCycleDeactivatesIntent(t *testing.T) {
	reg, driver := newTestRegistry(t, func(d *teststore.Driver) {
		bookFlightFixture(d)
		d.Dependencies = append(d.Dependencies,
			&store.SlotDependency{ID: 2, IntentName: "book_flight", Dependent: "trip_type", RequiredOn: "return_date", Type: store.DependencyRequired},
		)
	})
	require.NoError(t, reg.Load(context.Background()))

	snap := reg.Snapshot()
	_, ok := snap.Intent("book_flight")
	require.False(t, ok)
	require.Contains(t, snap.Problems(), "book_flight")

	// The invalid intent was flipped inactive in the store.
	intents, err := driver.ListIntentDefs(context.Background(), &store.FindIntentDef{Name: strPtr("book_flight")})
	require.NoError(t, err)
	require.Len(t, intents, 1)
	require.False(t, intents[0].Active)

	// The valid intent still serves.
	_, ok = snap.Intent("check_weather")
	require.True(t, ok)
}

func TestBadPatternAndExpressionRejected(t *testing.T) {
	reg, _ := newTestRegistry(t, func(d *teststore.Driver) {
		bookFlightFixture(d)
		d.Slots = append(d.Slots, &store.SlotDef{
			ID: 7, IntentName: "check_weather", Name: "when", Type: store.SlotTypeDate,
			Rules: []store.ValidationRule{{Type: "pattern", Pattern: "["}},
		})
	})
	require.NoError(t, reg.Load(context.Background()))

	snap := reg.Snapshot()
	_, ok := snap.Intent("check_weather")
	require.False(t, ok)
	require.Contains(t, snap.Problems()["check_weather"][0], "bad pattern")
}

func TestHandleInvalidationReloads(t *testing.T) {
	reg, driver := newTestRegistry(t, bookFlightFixture)
	require.NoError(t, reg.Load(context.Background()))
	v1 := reg.Snapshot().Version()

	driver.Intents = append(driver.Intents, &store.IntentDef{
		ID: 3, Name: "order_food", DisplayName: "订餐", Priority: 1, Threshold: 0.6, Active: true,
	})
	require.NoError(t, reg.HandleInvalidation(context.Background(), cache.InvalidationEvent{Table: "intent", Name: "order_food"}))

	snap := reg.Snapshot()
	_, ok := snap.Intent("order_food")
	require.True(t, ok)
	require.Greater(t, snap.Version(), v1)
}

func TestEvalPredicate(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	prog, err := reg.compileCEL(`slots.trip_type == "round_trip"`)
	require.NoError(t, err)

	ok, err := EvalPredicate(prog, map[string]any{"trip_type": "round_trip"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvalPredicate(prog, map[string]any{"trip_type": "one_way"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTemplateRender(t *testing.T) {
	tpl, err := ParseTemplate("已为您查到 ${from} 到 ${to} 的航班")
	require.NoError(t, err)
	require.Equal(t, []string{"from", "to"}, tpl.Placeholders())

	out, err := tpl.RenderMap(map[string]string{"from": "北京", "to": "上海"})
	require.NoError(t, err)
	require.Equal(t, "已为您查到 北京 到 上海 的航班", out)

	_, err = tpl.RenderMap(map[string]string{"from": "北京"})
	require.Error(t, err)

	_, err = ParseTemplate("bad ${unclosed")
	require.Error(t, err)
}

func strPtr(s string) *string { return &s }

package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/classifier"
	"github.com/hrygo/dialogd/dialog/dialogerr"
	"github.com/hrygo/dialogd/dialog/dispatcher"
	"github.com/hrygo/dialogd/dialog/extractor"
	"github.com/hrygo/dialogd/dialog/fallback"
	"github.com/hrygo/dialogd/dialog/llm/llmtest"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/internal/profile"
	"github.com/hrygo/dialogd/store"
	"github.com/hrygo/dialogd/store/teststore"
)

const (
	flightCandidates = `{"candidates":[{"intent":"book_flight","confidence":0.95},{"intent":"book_train","confidence":0.05}]}`
	nearTieReply     = `{"candidates":[{"intent":"book_flight","confidence":0.8},{"intent":"book_train","confidence":0.78}]}`
	cancelReply      = `{"candidates":[{"intent":"cancel_order","confidence":0.95},{"intent":"book_flight","confidence":0.05}]}`
)

type env struct {
	driver *teststore.Driver
	st     *store.Store
	layer  *cache.Layer
	orch   *Orchestrator
}

func flightFixture(bookingURL string) func(*teststore.Driver) {
	return func(d *teststore.Driver) {
		d.Intents = []*store.IntentDef{
			{ID: 1, Name: "book_flight", DisplayName: "订机票", Priority: 10, Threshold: 0.6,
				Keywords: []string{"订", "机票", "航班"},
				Examples: []string{"我想订机票", "帮我订一张去上海的机票"},
				FallbackReply: "您是想继续订机票吗？", Active: true},
			{ID: 2, Name: "book_train", DisplayName: "订火车票", Priority: 9, Threshold: 0.6,
				Keywords: []string{"订", "火车票"},
				Examples: []string{"我想订火车票"}, Active: true},
			{ID: 3, Name: "cancel_order", DisplayName: "取消", Priority: 20, Threshold: 0.4,
				Keywords:     []string{"算了", "取消", "不订了"},
				Examples:     []string{"算了不订了"},
				CancelIntent: true, Active: true},
		}
		d.Slots = []*store.SlotDef{
			{ID: 1, IntentName: "book_flight", Name: "departure_city", Type: store.SlotTypeEntity,
				EntityType: "city", Required: true, ExtractionPriority: 10,
				PromptTemplate: "请问您从哪个城市出发？",
				ExtractionRules: []store.ExtractionRule{
					{Type: "regex", Pattern: `从(\p{Han}{2,5}?)(?:出发|到|飞)`},
				}},
			{ID: 2, IntentName: "book_flight", Name: "arrival_city", Type: store.SlotTypeEntity,
				EntityType: "city", Required: true, ExtractionPriority: 9,
				ExtractionRules: []store.ExtractionRule{
					{Type: "regex", Pattern: `到(\p{Han}{2,5}?)(?:的|$)`},
				}},
			{ID: 3, IntentName: "book_flight", Name: "departure_date", Type: store.SlotTypeDate,
				Required: true, ExtractionPriority: 8,
				ExtractionRules: []store.ExtractionRule{
					{Type: "keyword", Keywords: []string{"今天", "明天", "后天", "大后天"}},
				}},
			{ID: 4, IntentName: "book_train", Name: "departure_date", Type: store.SlotTypeDate, Required: true},
		}
		d.Functions = []*store.FunctionDef{
			{ID: 1, IntentName: "book_flight", Name: "create_booking", URL: bookingURL, Method: "POST",
				ParamMapping:    map[string]string{"departure_city": "from", "arrival_city": "to", "departure_date": "date"},
				RetryCount:      3,
				SuccessTemplate: "已为您预订航班 ${flight_number}",
				ErrorTemplate:   "预订失败（尝试 ${attempts} 次）：${error_message}"},
		}
		d.Templates = []*store.PromptTemplate{
			{ID: 1, Type: store.TemplateFallback, Content: "抱歉，我没有理解您的问题。"},
		}
		d.Entities = []*store.EntityEntry{
			{ID: 1, Type: "city", Canonical: "北京", Aliases: []string{"beijing", "帝都"}, Weight: 1},
			{ID: 2, Type: "city", Canonical: "上海", Aliases: []string{"shanghai", "魔都"}, Weight: 1},
		}
	}
}

func newEnv(t *testing.T, bookingURL string, scripted *llmtest.Scripted) *env {
	t.Helper()
	driver := teststore.New()
	flightFixture(bookingURL)(driver)

	st := store.New(driver, &profile.Profile{})
	layer := cache.NewLayer(cache.Config{})
	reg, err := registry.New(st, layer)
	require.NoError(t, err)
	require.NoError(t, reg.Load(context.Background()))

	p := &profile.Profile{
		GlobalFloor: 0.4, TransferFloor: 0.6, AmbiguityGap: 0.1, TransferGap: 0.15,
		WorkerBudget: 8, SessionQueueCap: 4, TurnDeadlineSec: 60,
	}
	cls := classifier.New(reg, scripted, layer, classifier.Config{})
	ext := extractor.New(reg, scripted, layer)
	disp := dispatcher.New(layer, nil, dispatcher.Config{})
	fb := fallback.New(reg, layer, fallback.Config{})

	return &env{
		driver: driver,
		st:     st,
		layer:  layer,
		orch:   New(p, st, reg, cls, ext, disp, fb, layer, nil),
	}
}

func bookingServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"flight_number":"CA1858","price":1250}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func tomorrowISO() string {
	return time.Now().AddDate(0, 0, 1).Format("2006-01-02")
}

func TestScenarioHappyFlight(t *testing.T) {
	var calls atomic.Int32
	srv := bookingServer(t, &calls)
	scripted := llmtest.NewScripted().On("我想订一张明天", flightCandidates)
	e := newEnv(t, srv.URL, scripted)

	resp, err := e.orch.ProcessTurn(context.Background(), &TurnRequest{
		UserID: 7, Input: "我想订一张明天从北京到上海的机票",
	})
	require.NoError(t, err)

	require.Equal(t, store.TurnCompleted, resp.Status)
	require.Equal(t, store.RespAPIResult, resp.ResponseType)
	require.NotNil(t, resp.Intent)
	require.Equal(t, "book_flight", *resp.Intent)
	require.NotEmpty(t, resp.SessionID)
	require.EqualValues(t, 1, resp.ConversationTurn)

	require.Equal(t, "北京", resp.Slots["departure_city"].Normalized)
	require.Equal(t, "上海", resp.Slots["arrival_city"].Normalized)
	require.Equal(t, tomorrowISO(), resp.Slots["departure_date"].Normalized)

	require.Equal(t, "CA1858", resp.APIResult["flight_number"])
	require.Equal(t, "已为您预订航班 CA1858", resp.Response)
	require.EqualValues(t, 1, calls.Load())
}

func TestScenarioMultiTurnFill(t *testing.T) {
	var calls atomic.Int32
	srv := bookingServer(t, &calls)
	scripted := llmtest.NewScripted().On("我想订机票", flightCandidates)
	e := newEnv(t, srv.URL, scripted)
	ctx := context.Background()

	turn1, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, Input: "我想订机票"})
	require.NoError(t, err)
	require.Equal(t, store.TurnIncomplete, turn1.Status)
	require.Equal(t, store.RespSlotPrompt, turn1.ResponseType)
	require.Equal(t, []string{"departure_city", "arrival_city", "departure_date"}, turn1.MissingSlots)
	require.Equal(t, "请问您从哪个城市出发？", turn1.Response)

	turn2, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, SessionID: turn1.SessionID, Input: "从北京到上海"})
	require.NoError(t, err)
	require.Equal(t, store.TurnIncomplete, turn2.Status)
	require.Equal(t, []string{"departure_date"}, turn2.MissingSlots)
	require.Equal(t, "北京", turn2.Slots["departure_city"].Normalized)
	require.Equal(t, "上海", turn2.Slots["arrival_city"].Normalized)

	turn3, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, SessionID: turn1.SessionID, Input: "明天"})
	require.NoError(t, err)
	require.Equal(t, store.TurnCompleted, turn3.Status)
	require.Equal(t, "carry", turn3.Slots["departure_city"].Method)
	require.Equal(t, tomorrowISO(), turn3.Slots["departure_date"].Normalized)
	require.EqualValues(t, 1, calls.Load())

	// Turn numbers are contiguous from 1.
	sess, err := e.st.GetSession(ctx, &store.FindSession{UID: &turn1.SessionID})
	require.NoError(t, err)
	turns, err := e.st.ListConversationTurns(ctx, &store.FindConversationTurn{SessionID: &sess.ID})
	require.NoError(t, err)
	require.Len(t, turns, 3)
	seen := map[int32]bool{}
	for _, tr := range turns {
		seen[tr.TurnNumber] = true
	}
	require.Equal(t, map[int32]bool{1: true, 2: true, 3: true}, seen)
}

func TestSessionSnapshotServedFromCache(t *testing.T) {
	scripted := llmtest.NewScripted().On("我想订机票", flightCandidates)
	e := newEnv(t, "http://unused.invalid", scripted)
	ctx := context.Background()

	turn1, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, Input: "我想订机票"})
	require.NoError(t, err)
	require.Equal(t, store.TurnIncomplete, turn1.Status)

	v, ok := e.layer.Get(cache.NSSession, turn1.SessionID)
	require.True(t, ok)
	sess, ok := v.(*store.Session)
	require.True(t, ok)
	require.NotNil(t, sess.CurrentIntent)
	require.Equal(t, "book_flight", *sess.CurrentIntent)

	// Drop the row behind the cache; the snapshot keeps serving the dialogue.
	require.NoError(t, e.st.DeleteSession(ctx, &store.DeleteSession{ID: sess.ID}))

	turn2, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, SessionID: turn1.SessionID, Input: "从北京到上海"})
	require.NoError(t, err)
	require.Equal(t, store.TurnIncomplete, turn2.Status)
	require.EqualValues(t, 2, turn2.ConversationTurn)
	require.Equal(t, "北京", turn2.Slots["departure_city"].Normalized)

	// Recording a turn invalidates the classifier's recent-turn window.
	_, ok = e.layer.Get(cache.NSHistory, historyKey(sess.ID))
	require.False(t, ok)
}

func TestScenarioDisambiguation(t *testing.T) {
	scripted := llmtest.NewScripted().On("我想订票", nearTieReply)
	e := newEnv(t, "http://unused.invalid", scripted)
	ctx := context.Background()

	resp, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, Input: "我想订票"})
	require.NoError(t, err)
	require.Equal(t, store.TurnAmbiguous, resp.Status)
	require.Equal(t, store.RespDisambiguation, resp.ResponseType)
	require.GreaterOrEqual(t, len(resp.CandidateIntents), 2)
	require.Less(t, resp.CandidateIntents[0].Score-resp.CandidateIntents[1].Score, 0.1)
	require.Contains(t, resp.Response, "订机票")
	require.Contains(t, resp.Response, "订火车票")

	// Choosing by ordinal resolves the open question and starts slot filling.
	choice, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, SessionID: resp.SessionID, Input: "1"})
	require.NoError(t, err)
	require.NotNil(t, choice.Intent)
	require.Equal(t, resp.CandidateIntents[0].Intent, *choice.Intent)
	require.Equal(t, store.TurnIncomplete, choice.Status)

	sess, err := e.st.GetSession(ctx, &store.FindSession{UID: &resp.SessionID})
	require.NoError(t, err)
	open, err := e.st.GetOpenAmbiguity(ctx, sess.ID)
	require.NoError(t, err)
	require.Nil(t, open)
}

func TestScenarioCancelMidFill(t *testing.T) {
	scripted := llmtest.NewScripted().
		On("算了", cancelReply).
		On("我想订机票", flightCandidates)
	e := newEnv(t, "http://unused.invalid", scripted)
	ctx := context.Background()

	turn1, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, Input: "我想订机票"})
	require.NoError(t, err)
	require.Equal(t, store.TurnIncomplete, turn1.Status)

	turn2, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, SessionID: turn1.SessionID, Input: "算了不订了"})
	require.NoError(t, err)
	require.Equal(t, store.TurnIntentCancelled, turn2.Status)
	require.Equal(t, store.RespCancellationConfirmation, turn2.ResponseType)

	sess, err := e.st.GetSession(ctx, &store.FindSession{UID: &turn1.SessionID})
	require.NoError(t, err)
	require.Nil(t, sess.CurrentIntent)
}

func TestScenarioDispatchFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	scripted := llmtest.NewScripted().On("我想订一张明天", flightCandidates)
	e := newEnv(t, srv.URL, scripted)
	ctx := context.Background()

	resp, err := e.orch.ProcessTurn(ctx, &TurnRequest{
		UserID: 7, Input: "我想订一张明天从北京到上海的机票",
	})
	require.NoError(t, err)
	require.Equal(t, store.TurnAPIError, resp.Status)
	require.Equal(t, store.RespErrorWithAlternatives, resp.ResponseType)
	require.Contains(t, resp.Response, "尝试 3 次")
	require.EqualValues(t, 3, calls.Load())

	sess, err := e.st.GetSession(ctx, &store.FindSession{UID: &resp.SessionID})
	require.NoError(t, err)
	logs, err := e.st.ListFunctionCallLogs(ctx, &store.FindFunctionCallLog{SessionID: &sess.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.EqualValues(t, 3, logs[0].Attempts)
	require.False(t, logs[0].Success)
	require.NotEmpty(t, logs[0].IdempotencyKey)
}

func TestScenarioFallback(t *testing.T) {
	scripted := llmtest.NewScripted() // no rules: classifier degrades to lexical
	e := newEnv(t, "http://unused.invalid", scripted)

	resp, err := e.orch.ProcessTurn(context.Background(), &TurnRequest{UserID: 7, Input: "今天天气真好"})
	require.NoError(t, err)
	require.Equal(t, store.TurnRAGFlowHandled, resp.Status)
	require.Equal(t, store.RespQAResponse, resp.ResponseType)
	require.Equal(t, "抱歉，我没有理解您的问题。", resp.Response)
	require.Nil(t, resp.Intent)
}

func TestScenarioFallbackWithLiveIntent(t *testing.T) {
	// Lexical-only: a scripted classification rule would also match turn 2's
	// prompt through the rendered history.
	e := newEnv(t, "http://unused.invalid", llmtest.NewScripted())
	ctx := context.Background()

	turn1, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, Input: "我想订机票"})
	require.NoError(t, err)
	require.Equal(t, store.TurnIncomplete, turn1.Status)

	// Unrelated small talk keeps the live intent and returns to it.
	turn2, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, SessionID: turn1.SessionID, Input: "呵呵呵呵"})
	require.NoError(t, err)
	require.Equal(t, store.TurnRAGFlowHandled, turn2.Status)
	require.Equal(t, store.RespSmallTalkWithContextReturn, turn2.ResponseType)
	require.Equal(t, "您是想继续订机票吗？", turn2.Response)

	sess, err := e.st.GetSession(ctx, &store.FindSession{UID: &turn1.SessionID})
	require.NoError(t, err)
	require.NotNil(t, sess.CurrentIntent)
	require.Equal(t, "book_flight", *sess.CurrentIntent)
}

func TestInputValidation(t *testing.T) {
	e := newEnv(t, "http://unused.invalid", llmtest.NewScripted())
	ctx := context.Background()

	_, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, Input: "   "})
	require.Error(t, err)
	require.Equal(t, dialogerr.KindInvalidInput, dialogerr.KindOf(err))

	_, err = e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, Input: strings.Repeat("啊", 1001)})
	require.Error(t, err)
	require.Equal(t, dialogerr.KindInvalidInput, dialogerr.KindOf(err))
}

func TestUnknownSessionRejected(t *testing.T) {
	e := newEnv(t, "http://unused.invalid", llmtest.NewScripted())

	_, err := e.orch.ProcessTurn(context.Background(), &TurnRequest{
		UserID: 7, SessionID: "no-such-session", Input: "你好",
	})
	require.Error(t, err)
	require.Equal(t, dialogerr.KindSessionExpired, dialogerr.KindOf(err))
}

func TestSessionOwnershipEnforced(t *testing.T) {
	scripted := llmtest.NewScripted().On("我想订机票", flightCandidates)
	e := newEnv(t, "http://unused.invalid", scripted)
	ctx := context.Background()

	turn1, err := e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 7, Input: "我想订机票"})
	require.NoError(t, err)

	_, err = e.orch.ProcessTurn(ctx, &TurnRequest{UserID: 8, SessionID: turn1.SessionID, Input: "从北京到上海"})
	require.Error(t, err)
	require.Equal(t, dialogerr.KindInvalidInput, dialogerr.KindOf(err))
}

package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/classifier"
	"github.com/hrygo/dialogd/dialog/dispatcher"
	"github.com/hrygo/dialogd/dialog/extractor"
	"github.com/hrygo/dialogd/dialog/fallback"
	"github.com/hrygo/dialogd/dialog/llm/llmtest"
	"github.com/hrygo/dialogd/dialog/orchestrator"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/dialog/task"
	"github.com/hrygo/dialogd/internal/profile"
	"github.com/hrygo/dialogd/store"
	"github.com/hrygo/dialogd/store/teststore"
)

type testEnv struct {
	echo *echo.Echo
	svc  *APIV1Service
	st   *store.Store
}

type testEnvelope struct {
	Success   bool            `json:"success"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
}

func seedBooking(d *teststore.Driver) {
	d.Intents = []*store.IntentDef{
		{ID: 1, Name: "book_flight", DisplayName: "订机票", Priority: 10, Threshold: 0.6,
			Keywords: []string{"订", "机票", "航班"},
			Examples: []string{"我想订机票", "帮我订一张去上海的机票"}, Active: true},
	}
	d.Slots = []*store.SlotDef{
		{ID: 1, IntentName: "book_flight", Name: "departure_city", Type: store.SlotTypeEntity,
			EntityType: "city", Required: true, ExtractionPriority: 10,
			PromptTemplate: "请问您从哪个城市出发？",
			ExtractionRules: []store.ExtractionRule{
				{Type: "regex", Pattern: `从(\p{Han}{2,5}?)(?:出发|到|飞)`},
			}},
	}
	d.Templates = []*store.PromptTemplate{
		{ID: 1, Type: store.TemplateFallback, Content: "抱歉，我没有理解您的问题。"},
	}
	d.Entities = []*store.EntityEntry{
		{ID: 1, Type: "city", Canonical: "北京", Aliases: []string{"beijing"}, Weight: 1},
	}
}

func newTestEnv(t *testing.T, p *profile.Profile) *testEnv {
	t.Helper()
	driver := teststore.New()
	seedBooking(driver)
	st := store.New(driver, p)

	layer := cache.NewLayer(cache.Config{})
	reg, err := registry.New(st, layer)
	require.NoError(t, err)
	require.NoError(t, reg.Load(context.Background()))

	scripted := llmtest.NewScripted()
	cls := classifier.New(reg, scripted, layer, classifier.Config{})
	ext := extractor.New(reg, scripted, layer)
	disp := dispatcher.New(layer, nil, dispatcher.Config{})
	fb := fallback.New(reg, layer, fallback.Config{})
	orch := orchestrator.New(p, st, reg, cls, ext, disp, fb, layer, nil)
	tasks := task.NewManager(st, task.Config{})

	e := echo.New()
	svc := NewAPIV1Service(p, st, orch, tasks, reg, layer, nil)
	svc.Register(e)
	return &testEnv{echo: e, svc: svc, st: st}
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		GlobalFloor: 0.4, TransferFloor: 0.6, AmbiguityGap: 0.1, TransferGap: 0.15,
		WorkerBudget: 8, SessionQueueCap: 4, TurnDeadlineSec: 60,
		RatePerUserQPS: 1000, RatePerUserBurst: 1000,
	}
}

func (e *testEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.echo.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) *testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotEmpty(t, env.RequestID)
	return &env
}

func TestTurnEndpoint(t *testing.T) {
	e := newTestEnv(t, testProfile())

	rec := e.do(http.MethodPost, "/api/v1/dialog/turn",
		`{"user_id":7,"input":"我想订机票"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)

	var resp orchestrator.TurnResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Equal(t, store.TurnIncomplete, resp.Status)
	require.Equal(t, store.RespSlotPrompt, resp.ResponseType)
	require.NotEmpty(t, resp.SessionID)
	require.Equal(t, "请问您从哪个城市出发？", resp.Response)
}

func TestTurnValidation(t *testing.T) {
	e := newTestEnv(t, testProfile())

	for _, body := range []string{
		`{"user_id":7}`,
		`{"input":"我想订机票"}`,
		`not json`,
	} {
		rec := e.do(http.MethodPost, "/api/v1/dialog/turn", body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		env := decodeEnvelope(t, rec)
		require.False(t, env.Success)
		require.Equal(t, "INVALID_ARGUMENT", env.Code)
	}
}

func TestTurnUnknownSessionIsBusinessError(t *testing.T) {
	e := newTestEnv(t, testProfile())

	rec := e.do(http.MethodPost, "/api/v1/dialog/turn",
		`{"user_id":7,"session_id":"missing","input":"我想订机票"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.False(t, env.Success)
	require.Equal(t, "SESSION_EXPIRED", env.Code)
}

func TestBearerTokenAuth(t *testing.T) {
	p := testProfile()
	p.APIToken = "secret-token"
	e := newTestEnv(t, p)

	rec := e.do(http.MethodPost, "/api/v1/dialog/turn", `{"user_id":7,"input":"我想订机票"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodPost, "/api/v1/dialog/turn", `{"user_id":7,"input":"我想订机票"}`,
		map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodPost, "/api/v1/dialog/turn", `{"user_id":7,"input":"我想订机票"}`,
		map[string]string{"Authorization": "Bearer secret-token"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPerUserRateLimit(t *testing.T) {
	p := testProfile()
	p.RatePerUserQPS = 1
	p.RatePerUserBurst = 1
	e := newTestEnv(t, p)

	rec := e.do(http.MethodPost, "/api/v1/dialog/turn", `{"user_id":7,"input":"我想订机票"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodPost, "/api/v1/dialog/turn", `{"user_id":7,"input":"我想订机票"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	env := decodeEnvelope(t, rec)
	require.Equal(t, "RATE_LIMITED", env.Code)

	// A different user has their own bucket.
	rec = e.do(http.MethodPost, "/api/v1/dialog/turn", `{"user_id":8,"input":"我想订机票"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetDialogSession(t *testing.T) {
	e := newTestEnv(t, testProfile())

	rec := e.do(http.MethodPost, "/api/v1/dialog/turn", `{"user_id":7,"input":"我想订机票"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	var resp orchestrator.TurnResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))

	rec = e.do(http.MethodGet, "/api/v1/dialog/sessions/"+resp.SessionID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)

	var view sessionView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Equal(t, resp.SessionID, view.SessionID)
	require.EqualValues(t, 7, view.UserID)
	require.Len(t, view.Turns, 1)
	require.Equal(t, "我想订机票", view.Turns[0].UserInput)

	rec = e.do(http.MethodGet, "/api/v1/dialog/sessions/unknown", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskEndpoints(t *testing.T) {
	e := newTestEnv(t, testProfile())

	rec := e.do(http.MethodGet, "/api/v1/tasks/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodPost, "/api/v1/tasks/nope/cancel", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(http.MethodGet, "/api/v1/tasks", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodGet, "/api/v1/tasks?user_id=7", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	var views []taskView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Empty(t, views)
}

func TestAdminInvalidate(t *testing.T) {
	e := newTestEnv(t, testProfile())

	rec := e.do(http.MethodPost, "/api/v1/admin/invalidate", `{"table":"intent","name":"book_flight"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, true, data["applied"])

	rec = e.do(http.MethodPost, "/api/v1/admin/invalidate", `{"name":"x"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminCacheStats(t *testing.T) {
	e := newTestEnv(t, testProfile())

	rec := e.do(http.MethodGet, "/api/v1/admin/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)

	var stats cache.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
}

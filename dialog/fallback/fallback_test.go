package fallback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/internal/profile"
	"github.com/hrygo/dialogd/store"
	"github.com/hrygo/dialogd/store/teststore"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	d := teststore.New()
	d.Intents = []*store.IntentDef{
		{ID: 1, Name: "book_flight", DisplayName: "订机票", Threshold: 0.7,
			FallbackReply: "您是想继续订机票吗？", Active: true},
	}
	d.Templates = []*store.PromptTemplate{
		{ID: 1, Type: store.TemplateFallback, Content: "抱歉，我没有理解您的问题。"},
	}
	layer := cache.NewLayer(cache.Config{})
	reg, err := registry.New(store.New(d, &profile.Profile{}), layer)
	require.NoError(t, err)
	require.NoError(t, reg.Load(context.Background()))
	return New(reg, layer, cfg)
}

func TestRAGAnswerAndCaching(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "Bearer rag-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"answer":"今天多云，最高 28 度。"}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, Config{RAGBaseURL: srv.URL, RAGAPIKey: "rag-key", RAGEnabled: true})

	first := e.Handle(context.Background(), "今天天气怎么样", nil)
	require.Equal(t, SourceRAG, first.Source)
	require.Equal(t, "今天多云，最高 28 度。", first.Text)

	second := e.Handle(context.Background(), "今天天气怎么样", nil)
	require.Equal(t, SourceCache, second.Source)
	require.Equal(t, first.Text, second.Text)
	require.EqualValues(t, 1, calls.Load())
}

func TestRAGFailureFallsThroughToCanned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := newTestEngine(t, Config{RAGBaseURL: srv.URL, RAGEnabled: true})
	got := e.Handle(context.Background(), "随便聊聊", nil)
	require.Equal(t, SourceCanned, got.Source)
	require.Equal(t, "抱歉，我没有理解您的问题。", got.Text)
}

func TestCannedPrefersIntentFallbackReply(t *testing.T) {
	e := newTestEngine(t, Config{})
	current := "book_flight"
	got := e.Handle(context.Background(), "今天天气真好", &current)
	require.Equal(t, SourceCanned, got.Source)
	require.Equal(t, "您是想继续订机票吗？", got.Text)
}

func TestRAGDisabledSkipsHTTP(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	e := newTestEngine(t, Config{RAGBaseURL: srv.URL, RAGEnabled: false})
	got := e.Handle(context.Background(), "你好", nil)
	require.Equal(t, SourceCanned, got.Source)
	require.EqualValues(t, 0, calls.Load())
}

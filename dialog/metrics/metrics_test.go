package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/dialogd/dialog/llm"
	"github.com/hrygo/dialogd/dialog/llm/llmtest"
)

func TestRecordTurnCounters(t *testing.T) {
	e := NewExporter(Config{})

	e.RecordTurn("completed", "api_result", "book_flight", 120*time.Millisecond)
	e.RecordTurn("completed", "api_result", "book_flight", 80*time.Millisecond)
	e.RecordTurn("incomplete", "slot_prompt", "", 10*time.Millisecond)

	require.EqualValues(t, 2, testutil.ToFloat64(e.turns.WithLabelValues("completed", "api_result")))
	require.EqualValues(t, 1, testutil.ToFloat64(e.turns.WithLabelValues("incomplete", "slot_prompt")))
	require.EqualValues(t, 2, testutil.ToFloat64(e.intents.WithLabelValues("book_flight")))
}

func TestInstrumentedLLMRecordsTokens(t *testing.T) {
	e := NewExporter(Config{})
	scripted := llmtest.NewScripted().On("你好", `{"candidates":[]}`)
	svc := e.InstrumentLLM(scripted, "deepseek-chat")

	_, stats, err := svc.Complete(context.Background(), []llm.Message{{Role: "user", Content: "你好"}})
	require.NoError(t, err)
	require.NotNil(t, stats)

	require.EqualValues(t, stats.PromptTokens,
		testutil.ToFloat64(e.llmTokens.WithLabelValues("deepseek-chat", "prompt")))
	require.EqualValues(t, stats.CompletionTokens,
		testutil.ToFloat64(e.llmTokens.WithLabelValues("deepseek-chat", "completion")))
}

func TestInstrumentedLLMSkipsFailedCalls(t *testing.T) {
	e := NewExporter(Config{})
	scripted := llmtest.NewScripted()
	scripted.Err = context.DeadlineExceeded
	svc := e.InstrumentLLM(scripted, "deepseek-chat")

	_, _, err := svc.Complete(context.Background(), []llm.Message{{Role: "user", Content: "你好"}})
	require.Error(t, err)

	require.Zero(t, testutil.ToFloat64(e.llmTokens.WithLabelValues("deepseek-chat", "prompt")))
}

func TestRecordTaskSubmitOutcomes(t *testing.T) {
	e := NewExporter(Config{})

	e.RecordTaskSubmit("function_call", true)
	e.RecordTaskSubmit("function_call", true)
	e.RecordTaskSubmit("function_call", false)

	expected := `
		# HELP dialogd_tasks_submitted_total Async task submissions
		# TYPE dialogd_tasks_submitted_total counter
		dialogd_tasks_submitted_total{outcome="accepted",type="function_call"} 2
		dialogd_tasks_submitted_total{outcome="rejected",type="function_call"} 1
	`
	require.NoError(t, testutil.GatherAndCompare(e.Registry(), strings.NewReader(expected),
		"dialogd_tasks_submitted_total"))
}

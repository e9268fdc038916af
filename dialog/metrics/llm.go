package metrics

import (
	"context"

	"github.com/hrygo/dialogd/dialog/llm"
)

// InstrumentLLM wraps an llm.Service so that token usage of every completion
// is recorded under the given model label. The classifier and the extractor
// both go through Complete, so wrapping once at wiring time covers all calls.
func (e *Exporter) InstrumentLLM(svc llm.Service, model string) llm.Service {
	if e == nil || svc == nil {
		return svc
	}
	return &instrumentedLLM{svc: svc, model: model, exporter: e}
}

type instrumentedLLM struct {
	svc      llm.Service
	model    string
	exporter *Exporter
}

func (i *instrumentedLLM) Complete(ctx context.Context, messages []llm.Message) (string, *llm.CallStats, error) {
	content, stats, err := i.svc.Complete(ctx, messages)
	if err == nil && stats != nil {
		i.exporter.RecordLLMTokens(i.model, "prompt", stats.PromptTokens)
		i.exporter.RecordLLMTokens(i.model, "completion", stats.CompletionTokens)
	}
	return content, stats, err
}

func (i *instrumentedLLM) Warmup(ctx context.Context) {
	i.svc.Warmup(ctx)
}

// Package llmtest provides scripted llm.Service fixtures for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"

	"github.com/hrygo/dialogd/dialog/llm"
)

// Scripted is an llm.Service that answers from a table of prompt-substring
// rules, in registration order. Unmatched prompts return Fallback, or an
// error when Err is set.
type Scripted struct {
	mu       sync.Mutex
	rules    []rule
	calls    int
	Fallback string
	Err      error
}

type rule struct {
	contains string
	reply    string
}

// NewScripted creates an empty scripted service.
func NewScripted() *Scripted {
	return &Scripted{}
}

// On registers a reply for prompts containing the given substring.
func (s *Scripted) On(contains, reply string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule{contains: contains, reply: reply})
	return s
}

// Calls returns the number of Complete invocations.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Complete(_ context.Context, messages []llm.Message) (string, *llm.CallStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.Err != nil {
		return "", nil, s.Err
	}

	var prompt strings.Builder
	for _, m := range messages {
		prompt.WriteString(m.Content)
		prompt.WriteString("\n")
	}
	full := prompt.String()

	for _, r := range s.rules {
		if strings.Contains(full, r.contains) {
			stats := &llm.CallStats{
				PromptTokens:     len(full),
				CompletionTokens: len(r.reply),
				TotalTokens:      len(full) + len(r.reply),
			}
			return r.reply, stats, nil
		}
	}
	return s.Fallback, &llm.CallStats{}, nil
}

func (s *Scripted) Warmup(context.Context) {}

var _ llm.Service = (*Scripted)(nil)

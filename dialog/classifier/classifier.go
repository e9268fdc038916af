// Package classifier scores candidate intents for an utterance. Scores blend
// a lexical pass over keywords/synonyms/examples, an LLM pass rendered from
// the intent_recognition template, and a continuity prior for the session's
// current intent. The classifier degrades but never errors: LLM failure falls
// back to lexical-only with the weights redistributed.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/llm"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/store"
)

// Candidate is one scored intent.
type Candidate struct {
	Intent      string  `json:"intent"`
	DisplayName string  `json:"display_name"`
	Score       float64 `json:"confidence"`
}

// SessionContext is the session-derived input to classification.
type SessionContext struct {
	SessionID     int32
	CurrentIntent *string
	RecentIntents []string // most recent first, classifier uses up to HistoryWindow
	RecentInputs  []string // most recent first, rendered into the LLM prompt
}

// Config holds classifier weights and limits.
type Config struct {
	TopK          int     // default 5
	LexicalWeight float64 // default 0.4
	LLMWeight     float64 // default 0.5
	PriorWeight   float64 // default 0.1
	HistoryWindow int     // turns fingerprinted into the cache key, default 3
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.LexicalWeight <= 0 && c.LLMWeight <= 0 && c.PriorWeight <= 0 {
		c.LexicalWeight, c.LLMWeight, c.PriorWeight = 0.4, 0.5, 0.1
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 3
	}
	return c
}

// Classifier scores intents against a config snapshot.
type Classifier struct {
	registry *registry.Registry
	llm      llm.Service // nil disables the LLM pass
	cache    *cache.Layer
	cfg      Config
}

// New creates a classifier. llmService may be nil when no provider is
// configured; classification is then lexical + prior only.
func New(reg *registry.Registry, llmService llm.Service, c *cache.Layer, cfg Config) *Classifier {
	return &Classifier{registry: reg, llm: llmService, cache: c, cfg: cfg.withDefaults()}
}

// Classify returns up to TopK candidates sorted by descending score.
// An empty intent set or total miss returns an empty list, never an error.
func (c *Classifier) Classify(ctx context.Context, input string, sctx *SessionContext) []Candidate {
	snap := c.registry.Snapshot()
	intents := snap.Intents()
	if len(intents) == 0 {
		return nil
	}
	if sctx == nil {
		sctx = &SessionContext{}
	}

	lexical := c.lexicalScores(snap, input)

	llmScores, llmOK := c.llmScores(ctx, snap, input, sctx)
	if !llmOK && c.llm != nil {
		slog.Warn("classifier degraded to lexical-only", "session_id", sctx.SessionID)
	}

	// Pro-rata weight redistribution when the LLM pass is unavailable.
	wLex, wLLM, wPrior := c.cfg.LexicalWeight, c.cfg.LLMWeight, c.cfg.PriorWeight
	if !llmOK {
		wLLM = 0
	}
	total := wLex + wLLM + wPrior
	if total <= 0 {
		return nil
	}

	var out []Candidate
	for _, intent := range intents {
		name := intent.Def.Name
		score := wLex * lexical[name]
		if llmOK {
			score += wLLM * llmScores[name]
		}
		if sctx.CurrentIntent != nil && *sctx.CurrentIntent == name {
			score += wPrior
		}
		score /= total
		if score <= 0 {
			continue
		}
		out = append(out, Candidate{Intent: name, DisplayName: intent.Def.DisplayName, Score: clamp01(score)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		a, _ := snap.Intent(out[i].Intent)
		b, _ := snap.Intent(out[j].Intent)
		if a.Def.Priority != b.Def.Priority {
			return a.Def.Priority > b.Def.Priority
		}
		return out[i].Intent < out[j].Intent
	})
	if len(out) > c.cfg.TopK {
		out = out[:c.cfg.TopK]
	}
	return out
}

// llmScores runs the cached LLM pass. ok=false means the pass is unavailable
// (no service, no usable reply) and weights must be redistributed.
func (c *Classifier) llmScores(ctx context.Context, snap *registry.Snapshot, input string, sctx *SessionContext) (map[string]float64, bool) {
	if c.llm == nil {
		return nil, false
	}

	key := c.cacheKey(input, sctx)
	v, err := c.cache.GetOrCompute(ctx, cache.NSNLUResult, key, 0, func(ctx context.Context) (any, error) {
		return c.llmClassify(ctx, snap, input, sctx)
	})
	if err != nil {
		slog.Warn("LLM classification failed", "error", err)
		return nil, false
	}
	scores, ok := v.(map[string]float64)
	if !ok {
		return nil, false
	}
	return scores, true
}

func (c *Classifier) cacheKey(input string, sctx *SessionContext) string {
	sum := sha256.Sum256([]byte(normalizeInput(input)))
	recent := sctx.RecentIntents
	if len(recent) > c.cfg.HistoryWindow {
		recent = recent[:c.cfg.HistoryWindow]
	}
	return fmt.Sprintf("%s:%d:%s",
		hex.EncodeToString(sum[:]),
		c.cache.IntentSetVersion(),
		strings.Join(recent, ","))
}

func (c *Classifier) llmClassify(ctx context.Context, snap *registry.Snapshot, input string, sctx *SessionContext) (map[string]float64, error) {
	prompt, err := c.renderPrompt(snap, input, sctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	reply, stats, err := c.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: "你是意图识别引擎，只输出 JSON。"},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("LLM intent recognition",
		"duration_ms", time.Since(start).Milliseconds(),
		"tokens", statsTokens(stats))

	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, fmt.Errorf("intent reply: %w", err)
	}
	var parsed struct {
		Candidates []struct {
			Intent     string  `json:"intent"`
			Confidence float64 `json:"confidence"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("intent reply: %w", err)
	}

	scores := make(map[string]float64, len(parsed.Candidates))
	for _, cand := range parsed.Candidates {
		// Unknown intents are model hallucination; drop silently.
		if _, ok := snap.Intent(cand.Intent); !ok {
			continue
		}
		scores[cand.Intent] = clamp01(cand.Confidence)
	}
	return scores, nil
}

func (c *Classifier) renderPrompt(snap *registry.Snapshot, input string, sctx *SessionContext) (string, error) {
	var intentLines []string
	for _, i := range snap.Intents() {
		line := fmt.Sprintf("- %s (%s)", i.Def.Name, i.Def.DisplayName)
		if len(i.Def.Examples) > 0 {
			line += " 例如: " + strings.Join(i.Def.Examples, " / ")
		}
		intentLines = append(intentLines, line)
	}
	history := sctx.RecentInputs
	if len(history) > c.cfg.HistoryWindow {
		history = history[:c.cfg.HistoryWindow]
	}

	values := map[string]string{
		"input":   input,
		"intents": strings.Join(intentLines, "\n"),
		"history": strings.Join(history, "\n"),
	}
	if tpl := snap.Template(store.TemplateIntentRecognition, ""); tpl != nil {
		return tpl.Render(func(path string) (string, bool) {
			v, ok := values[path]
			return v, ok
		})
	}
	return fmt.Sprintf(defaultRecognitionPrompt, values["intents"], values["history"], values["input"]), nil
}

const defaultRecognitionPrompt = `可选意图：
%s

最近对话：
%s

用户输入：%s

输出 JSON：{"candidates":[{"intent":"<name>","confidence":0.0}]}，按置信度降序，最多 5 个。`

func statsTokens(stats *llm.CallStats) int {
	if stats == nil {
		return 0
	}
	return stats.TotalTokens
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// normalizeInput lowercases and collapses whitespace for stable cache keys.
func normalizeInput(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

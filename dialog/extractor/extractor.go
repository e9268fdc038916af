// Package extractor extracts, normalizes and validates slot values for one
// intent. The pipeline runs configured regex/keyword rules first, then the
// entity dictionary, and consults the LLM only for slots still below their
// confidence threshold. Extraction is pure given (intent, text, context) and
// cached by input hash.
package extractor

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

// Extraction is one extracted slot value with its validation outcome.
type Extraction struct {
	Slot         string                 `json:"slot"`
	OriginalText string                 `json:"original_text"`
	Extracted    string                 `json:"extracted"`
	Normalized   string                 `json:"normalized"`
	Confidence   float64                `json:"confidence"`
	Method       string                 `json:"method"` // rule, dict, llm, default, carry
	Status       store.ValidationStatus `json:"validation"`
	Error        string                 `json:"error,omitempty"`
}

// Context carries the session-derived extraction inputs.
type Context struct {
	Location *time.Location // user timezone for relative dates, default time.Local
	Now      time.Time      // reference time, default time.Now
	Previous map[string]*Extraction
}

func (c *Context) location() *time.Location {
	if c != nil && c.Location != nil {
		return c.Location
	}
	return time.Local
}

func (c *Context) now() time.Time {
	if c != nil && !c.Now.IsZero() {
		return c.Now.In(c.location())
	}
	return time.Now().In(c.location())
}

// Extractor runs the slot pipeline against config snapshots.
type Extractor struct {
	registry *registry.Registry
	llm      llm.Service // nil disables the LLM step
	cache    *cache.Layer
	schemas  *schemaCache
}

// New creates an extractor. llmService may be nil.
func New(reg *registry.Registry, llmService llm.Service, c *cache.Layer) *Extractor {
	return &Extractor{registry: reg, llm: llmService, cache: c, schemas: newSchemaCache()}
}

// Extract runs the pipeline for every slot of the intent and merges the
// results over ctx.Previous. Values carried over unchanged keep method
// "carry". The returned map contains only slots that have a value.
func (e *Extractor) Extract(ctx context.Context, intent *registry.Intent, input string, ectx *Context) map[string]*Extraction {
	if ectx == nil {
		ectx = &Context{}
	}

	fresh := e.extractFresh(ctx, intent, input, ectx)

	merged := make(map[string]*Extraction)
	for name, prev := range ectx.Previous {
		cp := *prev
		cp.Method = "carry"
		merged[name] = &cp
	}
	for name, next := range fresh {
		prev, had := merged[name]
		// Replace only on strictly higher confidence or a previously
		// invalid value.
		if !had || prev.Status == store.SlotInvalid || next.Confidence > prev.Confidence {
			merged[name] = next
		}
	}

	// Defaults fill last, never overriding anything extracted.
	for _, slot := range intent.Slots {
		if slot.Def.DefaultValue == "" {
			continue
		}
		if _, ok := merged[slot.Def.Name]; ok {
			continue
		}
		norm, err := e.normalize(intent, slot, slot.Def.DefaultValue, ectx)
		if err != nil {
			continue
		}
		merged[slot.Def.Name] = &Extraction{
			Slot:         slot.Def.Name,
			OriginalText: slot.Def.DefaultValue,
			Extracted:    slot.Def.DefaultValue,
			Normalized:   norm,
			Confidence:   0.5,
			Method:       "default",
			Status:       store.SlotPending,
		}
	}
	return merged
}

// extractFresh is the cacheable pure pass over the input text.
func (e *Extractor) extractFresh(ctx context.Context, intent *registry.Intent, input string, ectx *Context) map[string]*Extraction {
	key := e.cacheKey(intent.Def.Name, input, ectx)
	v, err := e.cache.GetOrCompute(ctx, cache.NSNLUResult, key, 0, func(ctx context.Context) (any, error) {
		return e.runPipeline(ctx, intent, input, ectx), nil
	})
	if err != nil {
		// Cache failure degrades to a direct run.
		return e.runPipeline(ctx, intent, input, ectx)
	}
	out, ok := v.(map[string]*Extraction)
	if !ok {
		return e.runPipeline(ctx, intent, input, ectx)
	}
	// Copy so callers can mutate statuses without poisoning the cache.
	cp := make(map[string]*Extraction, len(out))
	for k, ex := range out {
		c := *ex
		cp[k] = &c
	}
	return cp
}

func (e *Extractor) cacheKey(intent, input string, ectx *Context) string {
	sum := sha256.Sum256([]byte(intent + "\x00" + strings.Join(strings.Fields(input), " ") +
		"\x00" + ectx.now().Format("2006-01-02") + "\x00" + ectx.location().String()))
	return "extract:" + hex.EncodeToString(sum[:])
}

func (e *Extractor) runPipeline(ctx context.Context, intent *registry.Intent, input string, ectx *Context) map[string]*Extraction {
	out := make(map[string]*Extraction)
	var needLLM []*registry.Slot

	for _, slot := range intent.Slots {
		ex := e.extractByRules(intent, slot, input, ectx)
		if dictEx := e.extractByDict(intent, slot, input, ectx); dictEx != nil {
			if ex == nil || dictEx.Confidence > ex.Confidence {
				ex = dictEx
			}
		}

		threshold := slot.Def.Threshold
		if threshold <= 0 {
			threshold = 0.6
		}
		if ex != nil && ex.Confidence >= threshold {
			out[slot.Def.Name] = ex
			continue
		}
		if ex != nil {
			out[slot.Def.Name] = ex
		}
		needLLM = append(needLLM, slot)
	}

	if len(needLLM) > 0 && e.llm != nil {
		llmValues, err := e.llmExtract(ctx, intent, input, needLLM)
		if err != nil {
			slog.Warn("LLM slot extraction failed, keeping rule results",
				"intent", intent.Def.Name, "error", err)
		} else {
			for _, slot := range needLLM {
				raw, ok := llmValues[slot.Def.Name]
				if !ok || raw == "" {
					continue
				}
				norm, err := e.normalize(intent, slot, raw, ectx)
				if err != nil {
					slog.Debug("discarding unnormalizable LLM value",
						"slot", slot.Def.Name, "value", raw, "error", err)
					continue
				}
				ex := &Extraction{
					Slot:         slot.Def.Name,
					OriginalText: raw,
					Extracted:    raw,
					Normalized:   norm,
					Confidence:   0.8,
					Method:       "llm",
					Status:       store.SlotPending,
				}
				if prev, ok := out[slot.Def.Name]; !ok || ex.Confidence > prev.Confidence {
					out[slot.Def.Name] = ex
				}
			}
		}
	}
	return out
}

func (e *Extractor) extractByRules(intent *registry.Intent, slot *registry.Slot, input string, ectx *Context) *Extraction {
	var best *Extraction
	for i, rule := range slot.Def.ExtractionRules {
		var raw string
		var conf float64

		switch rule.Type {
		case "regex":
			re := slot.ExtractionPatterns[i]
			if re == nil {
				continue
			}
			m := re.FindStringSubmatch(input)
			if m == nil {
				continue
			}
			raw = m[0]
			if len(m) > 1 && m[1] != "" {
				raw = m[1]
			}
			conf = 0.9
		case "keyword":
			for _, kw := range rule.Keywords {
				if strings.Contains(input, kw) {
					raw = kw
					break
				}
			}
			if raw == "" {
				continue
			}
			conf = 0.75
		default:
			continue
		}

		conf = clamp01(conf + rule.ConfidenceBoost)
		if best != nil && conf <= best.Confidence {
			continue
		}
		norm, err := e.normalize(intent, slot, raw, ectx)
		if err != nil {
			continue
		}
		best = &Extraction{
			Slot:         slot.Def.Name,
			OriginalText: raw,
			Extracted:    raw,
			Normalized:   norm,
			Confidence:   conf,
			Method:       "rule",
			Status:       store.SlotPending,
		}
	}
	return best
}

// extractByDict scans entity aliases for the longest substring match.
func (e *Extractor) extractByDict(intent *registry.Intent, slot *registry.Slot, input string, ectx *Context) *Extraction {
	if slot.Def.Type != store.SlotTypeEntity {
		return nil
	}
	aliases := e.registry.Snapshot().EntityAliases(slot.Def.EntityType)
	if len(aliases) == 0 {
		return nil
	}

	normInput := strings.ToLower(strings.Join(strings.Fields(input), ""))
	var bestAlias string
	var bestEntry *store.EntityEntry
	for alias, entry := range aliases {
		if !strings.Contains(normInput, alias) {
			continue
		}
		if len(alias) > len(bestAlias) {
			bestAlias, bestEntry = alias, entry
		}
	}
	if bestEntry == nil {
		return nil
	}

	conf := 0.85
	if bestEntry.Weight > 0 && bestEntry.Weight < 1 {
		conf *= bestEntry.Weight
	}
	return &Extraction{
		Slot:         slot.Def.Name,
		OriginalText: bestAlias,
		Extracted:    bestAlias,
		Normalized:   bestEntry.Canonical,
		Confidence:   clamp01(conf),
		Method:       "dict",
		Status:       store.SlotPending,
	}
}

func (e *Extractor) llmExtract(ctx context.Context, intent *registry.Intent, input string, slots []*registry.Slot) (map[string]string, error) {
	prompt := e.renderFillingPrompt(intent, input, slots)
	reply, _, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: "你是槽位抽取引擎，只输出 JSON。"},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}

	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, fmt.Errorf("slot reply: %w", err)
	}
	if err := e.schemas.validate(intent, slots, raw); err != nil {
		return nil, fmt.Errorf("slot reply schema: %w", err)
	}

	var parsed struct {
		Slots map[string]any `json:"slots"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("slot reply: %w", err)
	}

	allowed := make(map[string]bool, len(slots))
	for _, s := range slots {
		allowed[s.Def.Name] = true
	}
	out := make(map[string]string, len(parsed.Slots))
	for name, v := range parsed.Slots {
		if !allowed[name] {
			// Extra slots are rejected, not silently adopted.
			slog.Debug("LLM returned undeclared slot", "intent", intent.Def.Name, "slot", name)
			continue
		}
		out[name] = stringify(v)
	}
	return out, nil
}

func (e *Extractor) renderFillingPrompt(intent *registry.Intent, input string, slots []*registry.Slot) string {
	var slotLines []string
	for _, s := range slots {
		line := fmt.Sprintf("- %s (%s)", s.Def.Name, s.Def.Type)
		if s.Def.Type == store.SlotTypeEntity {
			line += " 实体类型: " + s.Def.EntityType
		}
		slotLines = append(slotLines, line)
	}
	values := map[string]string{
		"input": input,
		"slots": strings.Join(slotLines, "\n"),
	}
	if tpl := e.registry.Snapshot().Template(store.TemplateSlotFilling, intent.Def.Name); tpl != nil {
		if rendered, err := tpl.Render(func(p string) (string, bool) {
			v, ok := values[p]
			return v, ok
		}); err == nil {
			return rendered
		}
	}
	return fmt.Sprintf(defaultFillingPrompt, values["slots"], values["input"])
}

const defaultFillingPrompt = `从用户输入中抽取以下槽位：
%s

用户输入：%s

输出 JSON：{"slots":{"<name>":"<value>"}}，未提及的槽位省略。`

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
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

// SortedSlotNames returns map keys sorted, for deterministic logging/tests.
func SortedSlotNames(m map[string]*Extraction) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

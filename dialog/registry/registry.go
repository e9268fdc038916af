// Package registry loads dialogue configuration (intents, slots, dependencies,
// functions, templates, dictionaries) into an immutable in-memory snapshot.
// Consumers read the snapshot lock-free; reloads swap the whole snapshot
// atomically so a turn never observes a half-updated intent.
package registry

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/store"
)

// Intent bundles an intent definition with its compiled slots, dependency
// edges and dispatch function.
type Intent struct {
	Def          *store.IntentDef
	Slots        []*Slot // extraction priority order
	SlotsByName  map[string]*Slot
	Dependencies []*Dependency
	Function     *store.FunctionDef

	// Compiled dispatch response templates, nil when Function is nil.
	SuccessTemplate *Template
	ErrorTemplate   *Template
}

// Slot is a slot definition with its patterns, rule programs and prompt
// compiled at load time.
type Slot struct {
	Def                *store.SlotDef
	ExtractionPatterns []*regexp.Regexp        // index-parallel to Def.ExtractionRules, nil for keyword rules
	RulePatterns       map[int]*regexp.Regexp  // rule index -> compiled pattern
	RulePrograms       map[int]cel.Program     // rule index -> compiled expression
	Prompt             *Template
}

// Dependency is a dependency edge with its compiled condition.
// Condition is nil for unconditional edges.
type Dependency struct {
	Def       *store.SlotDependency
	Condition cel.Program
}

// Snapshot is one immutable view of the whole configuration.
type Snapshot struct {
	version   int64
	intents   map[string]*Intent
	ordered   []*Intent
	templates map[string]*Template            // "type|intent" with "type|" global fallback
	entities  map[string]map[string]*store.EntityEntry // type -> normalized alias -> entry
	synonyms  map[string][]string             // normalized term -> all terms of its group
	stopWords map[string]struct{}
	problems  map[string][]string // intent name -> validation failures
}

// Registry owns snapshot loading and swapping.
type Registry struct {
	store  *store.Store
	cache  *cache.Layer
	celEnv *cel.Env

	reloadMu sync.Mutex
	snap     atomic.Pointer[Snapshot]
}

// New creates a registry. Load must be called before serving traffic.
func New(s *store.Store, c *cache.Layer) (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("slots", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	return &Registry{store: s, cache: c, celEnv: env}, nil
}

// Snapshot returns the current snapshot. Before the first successful Load an
// empty snapshot is returned so callers degrade instead of panicking.
func (r *Registry) Snapshot() *Snapshot {
	if s := r.snap.Load(); s != nil {
		return s
	}
	return emptySnapshot()
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		intents:   map[string]*Intent{},
		templates: map[string]*Template{},
		entities:  map[string]map[string]*store.EntityEntry{},
		synonyms:  map[string][]string{},
		stopWords: map[string]struct{}{},
		problems:  map[string][]string{},
	}
}

// Load rebuilds the snapshot from the store (through the cache layer) and
// swaps it in. Intents failing validation are excluded, reported, and flipped
// inactive in the store so admin tooling surfaces them.
func (r *Registry) Load(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	raw, err := r.loadRaw(ctx)
	if err != nil {
		return err
	}

	snap := r.build(raw)
	snap.version = r.cache.IntentSetVersion()

	for name, probs := range snap.problems {
		slog.Error("intent failed config validation, deactivated",
			"intent", name, "problems", strings.Join(probs, "; "))
		if def := raw.intentByName[name]; def != nil {
			inactive := false
			if err := r.store.UpdateIntentDef(ctx, &store.UpdateIntentDef{ID: def.ID, Active: &inactive}); err != nil {
				slog.Warn("failed to deactivate invalid intent", "intent", name, "error", err)
			}
		}
	}

	r.snap.Store(snap)
	slog.Info("config snapshot loaded",
		"intents", len(snap.intents),
		"invalid", len(snap.problems),
		"entity_types", len(snap.entities),
		"version", snap.version)
	return nil
}

// HandleInvalidation applies a typed invalidation event and reloads the
// snapshot. Admin writes publish these after committing.
func (r *Registry) HandleInvalidation(ctx context.Context, ev cache.InvalidationEvent) error {
	r.cache.ApplyInvalidation(ev)
	// The registry's own bundle keys are coarser than the event granularity;
	// drop them all before rebuilding.
	r.cache.Delete(cache.NSIntentConfig, "bundle")
	r.cache.Delete(cache.NSEntityDict, "all")
	r.cache.Delete(cache.NSSynonyms, "all")
	r.cache.DeletePrefix(cache.NSTemplate, "all")
	return r.Load(ctx)
}

// rawConfig is the unvalidated store payload for one snapshot build.
type rawConfig struct {
	intents      []*store.IntentDef
	slots        []*store.SlotDef
	dependencies []*store.SlotDependency
	functions    []*store.FunctionDef
	templates    []*store.PromptTemplate
	entities     []*store.EntityEntry
	synonyms     []*store.SynonymGroup
	stopWords    []*store.StopWord

	intentByName map[string]*store.IntentDef
}

func (r *Registry) loadRaw(ctx context.Context) (*rawConfig, error) {
	bundle, err := r.cache.GetOrCompute(ctx, cache.NSIntentConfig, "bundle", 0, func(ctx context.Context) (any, error) {
		active := true
		intents, err := r.store.ListIntentDefs(ctx, &store.FindIntentDef{Active: &active})
		if err != nil {
			return nil, err
		}
		slots, err := r.store.ListSlotDefs(ctx, &store.FindSlotDef{})
		if err != nil {
			return nil, err
		}
		deps, err := r.store.ListSlotDependencies(ctx, &store.FindSlotDependency{})
		if err != nil {
			return nil, err
		}
		functions, err := r.store.ListFunctionDefs(ctx, &store.FindFunctionDef{})
		if err != nil {
			return nil, err
		}
		return &rawConfig{intents: intents, slots: slots, dependencies: deps, functions: functions}, nil
	})
	if err != nil {
		return nil, err
	}
	raw := bundle.(*rawConfig)

	templates, err := r.cache.GetOrCompute(ctx, cache.NSTemplate, "all", 0, func(ctx context.Context) (any, error) {
		return r.store.ListPromptTemplates(ctx, &store.FindPromptTemplate{})
	})
	if err != nil {
		return nil, err
	}
	entities, err := r.cache.GetOrCompute(ctx, cache.NSEntityDict, "all", 0, func(ctx context.Context) (any, error) {
		return r.store.ListEntityEntries(ctx, &store.FindEntityEntry{})
	})
	if err != nil {
		return nil, err
	}
	synonyms, err := r.cache.GetOrCompute(ctx, cache.NSSynonyms, "all", 0, func(ctx context.Context) (any, error) {
		return r.store.ListSynonymGroups(ctx, &store.FindSynonymGroup{})
	})
	if err != nil {
		return nil, err
	}
	stopWords, err := r.store.ListStopWords(ctx)
	if err != nil {
		return nil, err
	}

	out := &rawConfig{
		intents:      raw.intents,
		slots:        raw.slots,
		dependencies: raw.dependencies,
		functions:    raw.functions,
		templates:    templates.([]*store.PromptTemplate),
		entities:     entities.([]*store.EntityEntry),
		synonyms:     synonyms.([]*store.SynonymGroup),
		stopWords:    stopWords,
		intentByName: make(map[string]*store.IntentDef, len(raw.intents)),
	}
	for _, def := range out.intents {
		out.intentByName[def.Name] = def
	}
	return out, nil
}

// build assembles and validates the snapshot. Invalid intents are excluded
// and their problems recorded; all other tables are best-effort.
func (r *Registry) build(raw *rawConfig) *Snapshot {
	snap := emptySnapshot()

	slotsByIntent := make(map[string][]*store.SlotDef)
	for _, s := range raw.slots {
		slotsByIntent[s.IntentName] = append(slotsByIntent[s.IntentName], s)
	}
	depsByIntent := make(map[string][]*store.SlotDependency)
	for _, d := range raw.dependencies {
		depsByIntent[d.IntentName] = append(depsByIntent[d.IntentName], d)
	}
	functionsByIntent := make(map[string]*store.FunctionDef)
	for _, f := range raw.functions {
		functionsByIntent[f.IntentName] = f
	}

	for _, def := range raw.intents {
		intent, problems := r.compileIntent(def, slotsByIntent[def.Name], depsByIntent[def.Name], functionsByIntent[def.Name])
		if len(problems) > 0 {
			snap.problems[def.Name] = problems
			continue
		}
		snap.intents[def.Name] = intent
		snap.ordered = append(snap.ordered, intent)
	}
	sort.Slice(snap.ordered, func(i, j int) bool {
		a, b := snap.ordered[i].Def, snap.ordered[j].Def
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Name < b.Name
	})

	for _, pt := range raw.templates {
		tpl, err := ParseTemplate(pt.Content)
		if err != nil {
			slog.Warn("skipping malformed prompt template", "type", pt.Type, "intent", pt.IntentName, "error", err)
			continue
		}
		snap.templates[templateKey(pt.Type, pt.IntentName)] = tpl
	}

	for _, e := range raw.entities {
		byAlias := snap.entities[e.Type]
		if byAlias == nil {
			byAlias = make(map[string]*store.EntityEntry)
			snap.entities[e.Type] = byAlias
		}
		byAlias[normalizeTerm(e.Canonical)] = e
		for _, a := range e.Aliases {
			byAlias[normalizeTerm(a)] = e
		}
	}

	for _, g := range raw.synonyms {
		for _, term := range g.Terms {
			snap.synonyms[normalizeTerm(term)] = g.Terms
		}
	}
	for _, w := range raw.stopWords {
		snap.stopWords[normalizeTerm(w.Word)] = struct{}{}
	}
	return snap
}

func templateKey(t store.TemplateType, intent string) string {
	return string(t) + "|" + intent
}

// normalizeTerm lowercases and strips whitespace so dictionary lookups are
// case- and spacing-insensitive.
func normalizeTerm(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

// Intent returns the compiled intent by name.
func (s *Snapshot) Intent(name string) (*Intent, bool) {
	i, ok := s.intents[name]
	return i, ok
}

// Intents returns all valid active intents, highest priority first.
func (s *Snapshot) Intents() []*Intent {
	return s.ordered
}

// CancelIntents returns the intents flagged as cancel/postpone/reject.
func (s *Snapshot) CancelIntents() []*Intent {
	var out []*Intent
	for _, i := range s.ordered {
		if i.Def.CancelIntent {
			out = append(out, i)
		}
	}
	return out
}

// Template resolves a template by type, preferring the intent-specific one
// over the global one. Returns nil when neither exists.
func (s *Snapshot) Template(t store.TemplateType, intent string) *Template {
	if intent != "" {
		if tpl, ok := s.templates[templateKey(t, intent)]; ok {
			return tpl
		}
	}
	if tpl, ok := s.templates[templateKey(t, "")]; ok {
		return tpl
	}
	return nil
}

// ResolveEntity looks up text in the dictionary for the given entity type.
func (s *Snapshot) ResolveEntity(entityType, text string) (*store.EntityEntry, bool) {
	byAlias, ok := s.entities[entityType]
	if !ok {
		return nil, false
	}
	e, ok := byAlias[normalizeTerm(text)]
	return e, ok
}

// EntityAliases returns the normalized alias set for an entity type. The
// extractor scans these against the input for substring matches.
func (s *Snapshot) EntityAliases(entityType string) map[string]*store.EntityEntry {
	return s.entities[entityType]
}

// Synonyms returns all terms interchangeable with term, including itself.
// Returns nil when the term belongs to no group.
func (s *Snapshot) Synonyms(term string) []string {
	return s.synonyms[normalizeTerm(term)]
}

// IsStopWord reports whether the token is filtered from lexical scoring.
func (s *Snapshot) IsStopWord(token string) bool {
	_, ok := s.stopWords[normalizeTerm(token)]
	return ok
}

// StopWords exposes the normalized stop word set for lexical filtering.
func (s *Snapshot) StopWords() map[string]struct{} {
	return s.stopWords
}

// Version is the intent set version the snapshot was built under.
func (s *Snapshot) Version() int64 {
	return s.version
}

// Problems reports the validation failures of excluded intents.
func (s *Snapshot) Problems() map[string][]string {
	return s.problems
}

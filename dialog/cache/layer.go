// Package cache provides the namespaced cache layer used by the dialogue core.
// All derived state (config snapshots, session snapshots, NLU results, dispatch
// results) flows through this layer; the persistent store is the only source of
// truth and the layer itself never reads the database.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Namespace identifies a logical cache region with its own default TTL.
type Namespace string

const (
	NSIntentConfig   Namespace = "intent_config"
	NSEntityDict     Namespace = "entity_dict"
	NSSynonyms       Namespace = "synonyms"
	NSTemplate       Namespace = "template"
	NSSession        Namespace = "session"
	NSHistory        Namespace = "history"
	NSNLUResult      Namespace = "nlu_result"
	NSFunctionResult Namespace = "function_result"
	NSUserPrefs      Namespace = "user_prefs"
)

// DefaultTTLs are the per-namespace defaults; deployments may override via Config.
var DefaultTTLs = map[Namespace]time.Duration{
	NSIntentConfig:   time.Hour,
	NSEntityDict:     2 * time.Hour,
	NSSynonyms:       2 * time.Hour,
	NSTemplate:       time.Hour,
	NSSession:        time.Hour,
	NSHistory:        24 * time.Hour,
	NSNLUResult:      30 * time.Minute,
	NSFunctionResult: 10 * time.Minute,
	NSUserPrefs:      2 * time.Hour,
}

// Config configures the cache layer.
type Config struct {
	Capacity int                         // Max entries across namespaces (default: 10000)
	TTLs     map[Namespace]time.Duration // Per-namespace TTL overrides
}

// Layer is a typed key/value cache with namespace prefixes, TTLs, pattern
// delete and single-flight build-on-miss.
type Layer struct {
	lru   *LRUCache[string, any]
	group singleflight.Group
	ttls  map[Namespace]time.Duration

	// intent_set_version salts NLU result keys so that config writes
	// implicitly invalidate stale classifier output.
	intentSetVersion atomic.Int64

	statsMu sync.Mutex
	hits    map[Namespace]int64
	misses  map[Namespace]int64
}

// NewLayer creates the cache layer.
func NewLayer(cfg Config) *Layer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	ttls := make(map[Namespace]time.Duration, len(DefaultTTLs))
	for ns, ttl := range DefaultTTLs {
		ttls[ns] = ttl
	}
	for ns, ttl := range cfg.TTLs {
		if ttl > 0 {
			ttls[ns] = ttl
		}
	}

	l := &Layer{
		lru:    NewLRUCache[string, any](cfg.Capacity, 5*time.Minute),
		ttls:   ttls,
		hits:   make(map[Namespace]int64),
		misses: make(map[Namespace]int64),
	}
	l.intentSetVersion.Store(1)
	return l
}

func (l *Layer) fullKey(ns Namespace, key string) string {
	return string(ns) + ":" + key
}

// TTL returns the effective TTL for a namespace.
func (l *Layer) TTL(ns Namespace) time.Duration {
	if ttl, ok := l.ttls[ns]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// Get retrieves a value.
func (l *Layer) Get(ns Namespace, key string) (any, bool) {
	v, ok := l.lru.Get(l.fullKey(ns, key))
	l.recordLookup(ns, ok)
	return v, ok
}

// Set stores a value. A zero ttl uses the namespace default.
func (l *Layer) Set(ns Namespace, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = l.TTL(ns)
	}
	l.lru.Set(l.fullKey(ns, key), value, ttl)
}

// Delete removes a single key.
func (l *Layer) Delete(ns Namespace, key string) {
	l.lru.Remove(l.fullKey(ns, key))
}

// DeletePrefix removes all keys in the namespace starting with prefix.
// Returns the number of removed entries.
func (l *Layer) DeletePrefix(ns Namespace, prefix string) int {
	return l.lru.RemovePrefix(l.fullKey(ns, prefix))
}

// GetOrCompute returns the cached value or runs build once across concurrent
// callers for the same key. Build errors are not cached.
func (l *Layer) GetOrCompute(ctx context.Context, ns Namespace, key string, ttl time.Duration, build func(ctx context.Context) (any, error)) (any, error) {
	full := l.fullKey(ns, key)
	if v, ok := l.lru.Get(full); ok {
		l.recordLookup(ns, true)
		return v, nil
	}
	l.recordLookup(ns, false)

	v, err, _ := l.group.Do(full, func() (any, error) {
		// Re-check: another flight may have populated between Get and Do.
		if v, ok := l.lru.Get(full); ok {
			return v, nil
		}
		v, err := build(ctx)
		if err != nil {
			return nil, err
		}
		if ttl <= 0 {
			ttl = l.TTL(ns)
		}
		l.lru.Set(full, v, ttl)
		return v, nil
	})
	return v, err
}

// IntentSetVersion returns the current config version salt included in NLU keys.
func (l *Layer) IntentSetVersion() int64 {
	return l.intentSetVersion.Load()
}

// BumpIntentSetVersion advances the salt; all NLU result keys become cold.
func (l *Layer) BumpIntentSetVersion() int64 {
	return l.intentSetVersion.Add(1)
}

// InvalidationEvent is a typed cache invalidation published by admin writes.
type InvalidationEvent struct {
	Table string `json:"table"` // intent, slot, slot_dependency, function, template, entity, synonym, user_prefs
	Name  string `json:"name"`  // intent name, entity type, template type, user id...
}

// ApplyInvalidation translates an event into cache deletes.
// The mapping is static per table; unknown tables clear nothing and are logged.
func (l *Layer) ApplyInvalidation(ev InvalidationEvent) {
	switch ev.Table {
	case "intent", "slot", "slot_dependency", "function":
		l.Delete(NSIntentConfig, "all")
		if ev.Name != "" {
			l.Delete(NSIntentConfig, ev.Name)
			l.DeletePrefix(NSTemplate, "intent="+ev.Name)
		}
		l.BumpIntentSetVersion()
	case "template":
		if ev.Name != "" {
			l.DeletePrefix(NSTemplate, ev.Name)
		} else {
			l.DeletePrefix(NSTemplate, "")
		}
	case "entity":
		if ev.Name != "" {
			l.Delete(NSEntityDict, ev.Name)
		} else {
			l.DeletePrefix(NSEntityDict, "")
		}
	case "synonym":
		l.DeletePrefix(NSSynonyms, "")
	case "user_prefs":
		if ev.Name != "" {
			l.Delete(NSUserPrefs, ev.Name)
		}
	default:
		slog.Warn("unknown invalidation table", "table", ev.Table, "name", ev.Name)
	}
	slog.Debug("cache invalidation applied", "table", ev.Table, "name", ev.Name)
}

// Stats reports hit/miss counts per namespace.
type Stats struct {
	Hits   map[Namespace]int64 `json:"hits"`
	Misses map[Namespace]int64 `json:"misses"`
	Size   int                 `json:"size"`
}

// GetStats returns a copy of current statistics.
func (l *Layer) GetStats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	s := Stats{
		Hits:   make(map[Namespace]int64, len(l.hits)),
		Misses: make(map[Namespace]int64, len(l.misses)),
		Size:   l.lru.Size(),
	}
	for ns, n := range l.hits {
		s.Hits[ns] = n
	}
	for ns, n := range l.misses {
		s.Misses[ns] = n
	}
	return s
}

func (l *Layer) recordLookup(ns Namespace, hit bool) {
	l.statsMu.Lock()
	if hit {
		l.hits[ns]++
	} else {
		l.misses[ns]++
	}
	l.statsMu.Unlock()
}

// String implements fmt.Stringer for debug logging.
func (s Stats) String() string {
	return fmt.Sprintf("cache size=%d hits=%v misses=%v", s.Size, s.Hits, s.Misses)
}

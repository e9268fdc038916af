package extractor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hrygo/dialogd/dialog/registry"
)

// schemaCache compiles one JSON schema per intent for the LLM slot-filling
// reply shape {"slots":{...}} and rejects undeclared slots before any value
// is adopted.
type schemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

func (sc *schemaCache) validate(intent *registry.Intent, slots []*registry.Slot, raw []byte) error {
	schema, err := sc.schemaFor(intent)
	if err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("unmarshal reply: %w", err)
	}
	return schema.Validate(payload)
}

func (sc *schemaCache) schemaFor(intent *registry.Intent) (*jsonschema.Schema, error) {
	// Keyed by the slot name set so config reloads that change slots do not
	// serve a stale schema.
	names := make([]string, 0, len(intent.Slots))
	for _, s := range intent.Slots {
		names = append(names, s.Def.Name)
	}
	sort.Strings(names)
	key := intent.Def.Name + "|" + strings.Join(names, ",")

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if s, ok := sc.schemas[key]; ok {
		return s, nil
	}

	props := make(map[string]any, len(intent.Slots))
	for _, slot := range intent.Slots {
		props[slot.Def.Name] = map[string]any{
			"type": []any{"string", "number", "boolean", "null"},
		}
	}
	doc := map[string]any{
		"type":     "object",
		"required": []any{"slots"},
		"properties": map[string]any{
			"slots": map[string]any{
				"type":                 "object",
				"properties":           props,
				"additionalProperties": true,
			},
		},
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("slots.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("slots.json")
	if err != nil {
		return nil, fmt.Errorf("compile slot schema: %w", err)
	}
	sc.schemas[key] = schema
	return schema, nil
}

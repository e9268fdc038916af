package registry

import (
	"fmt"
	"strings"
)

// Template is a precompiled ${path} placeholder template. Parsing happens at
// config load so rendering can never fail on syntax at request time.
type Template struct {
	raw      string
	segments []segment
}

type segment struct {
	literal string
	path    string // non-empty for placeholder segments
}

// ParseTemplate compiles a ${path} template. Unterminated placeholders are a
// parse error.
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}
	rest := raw
	for {
		idx := strings.Index(rest, "${")
		if idx < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			return t, nil
		}
		if idx > 0 {
			t.segments = append(t.segments, segment{literal: rest[:idx]})
		}
		rest = rest[idx+2:]
		end := strings.Index(rest, "}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated placeholder in template %q", raw)
		}
		path := strings.TrimSpace(rest[:end])
		if path == "" {
			return nil, fmt.Errorf("empty placeholder in template %q", raw)
		}
		t.segments = append(t.segments, segment{path: path})
		rest = rest[end+1:]
	}
}

// Placeholders returns the distinct placeholder paths in order of appearance.
func (t *Template) Placeholders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range t.segments {
		if s.path != "" && !seen[s.path] {
			seen[s.path] = true
			out = append(out, s.path)
		}
	}
	return out
}

// Raw returns the original template text.
func (t *Template) Raw() string {
	return t.raw
}

// Render resolves each placeholder through lookup. Missing placeholders are a
// render error so callers can classify it (permanent failure for dispatch
// templates).
func (t *Template) Render(lookup func(path string) (string, bool)) (string, error) {
	var b strings.Builder
	for _, s := range t.segments {
		if s.path == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := lookup(s.path)
		if !ok {
			return "", fmt.Errorf("template placeholder %q not resolvable", s.path)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// RenderMap renders with a plain string map.
func (t *Template) RenderMap(values map[string]string) (string, error) {
	return t.Render(func(path string) (string, bool) {
		v, ok := values[path]
		return v, ok
	})
}

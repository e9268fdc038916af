// Package fallback answers turns that no intent claimed: RAG first when
// enabled, then a cache of previous RAG answers, then a canned reply. The
// chain never fails; the canned tail always produces text.
package fallback

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/store"
)

// Source says which chain link produced the reply.
type Source string

const (
	SourceRAG    Source = "rag"
	SourceCache  Source = "cache"
	SourceCanned Source = "canned"
)

// Reply is the fallback outcome.
type Reply struct {
	Text   string
	Source Source
}

// Config configures the engine.
type Config struct {
	RAGBaseURL string
	RAGAPIKey  string
	RAGEnabled bool
	Timeout    time.Duration // RAG call budget, default 10s
}

// Engine runs the fallback chain.
type Engine struct {
	registry *registry.Registry
	cache    *cache.Layer
	client   *http.Client
	cfg      Config
}

// New creates a fallback engine.
func New(reg *registry.Registry, c *cache.Layer, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Engine{
		registry: reg,
		cache:    c,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
	}
}

// Handle produces a reply for an unclaimed turn. lastIntent names the
// session's live intent, if any, so canned replies can use its configured
// fallback text.
func (e *Engine) Handle(ctx context.Context, input string, lastIntent *string) *Reply {
	key := "rag:" + inputHash(input)

	if e.cfg.RAGEnabled && e.cfg.RAGBaseURL != "" {
		if v, ok := e.cache.Get(cache.NSNLUResult, key); ok {
			if text, ok := v.(string); ok && text != "" {
				return &Reply{Text: text, Source: SourceCache}
			}
		}
		answer, err := e.queryRAG(ctx, input)
		if err != nil {
			slog.Warn("RAG query failed, falling through", "error", err)
		} else if answer != "" {
			e.cache.Set(cache.NSNLUResult, key, answer, 0)
			return &Reply{Text: answer, Source: SourceRAG}
		}
	}

	return &Reply{Text: e.canned(lastIntent), Source: SourceCanned}
}

func (e *Engine) queryRAG(ctx context.Context, input string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"question": input})
	if err != nil {
		return "", err
	}
	url := strings.TrimSuffix(e.cfg.RAGBaseURL, "/") + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.RAGAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.RAGAPIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("RAG returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var parsed struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("RAG reply: %w", err)
	}
	return strings.TrimSpace(parsed.Answer), nil
}

func (e *Engine) canned(lastIntent *string) string {
	snap := e.registry.Snapshot()
	if lastIntent != nil {
		if intent, ok := snap.Intent(*lastIntent); ok && intent.Def.FallbackReply != "" {
			return intent.Def.FallbackReply
		}
	}
	if tpl := snap.Template(store.TemplateFallback, ""); tpl != nil {
		if text, err := tpl.RenderMap(nil); err == nil {
			return text
		}
	}
	return "抱歉，我还不太明白您的意思，请换个说法试试。"
}

func inputHash(input string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(input), " ")))
	return hex.EncodeToString(sum[:])
}

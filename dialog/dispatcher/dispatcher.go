// Package dispatcher executes the external function bound to a filled intent.
// One dispatch is at most one side effect: retries reuse a stable idempotency
// key and completed results short-circuit from the function_result cache.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/dialogerr"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/store"
)

// Config bounds dispatch execution.
type Config struct {
	Timeout time.Duration // total per-dispatch budget, default 30s
	Retries int           // default attempt cap when the function does not set one, default 3
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	return c
}

// AsyncSubmitter delegates long-running dispatches to the task manager.
type AsyncSubmitter interface {
	Submit(ctx context.Context, taskType store.TaskType, payload map[string]any, userID int32, ttl time.Duration) (string, error)
}

// Request is one dispatch invocation.
type Request struct {
	Intent     *registry.Intent
	Session    *store.Session
	TurnNumber int32
	Slots      map[string]string // slot name -> normalized value
}

// Result is the dispatch outcome. Permanent=true means retrying cannot help.
type Result struct {
	OK             bool
	Async          bool
	TaskID         string
	Response       string         // rendered user-facing text
	Data           map[string]any // parsed response JSON on success
	ErrorMessage   string
	Permanent      bool
	Attempts       int32
	StatusCode     int32
	ElapsedMs      int64
	IdempotencyKey string
	RequestBody    string
	ResponseBody   string
}

// Dispatcher executes function definitions over HTTP.
type Dispatcher struct {
	cache  *cache.Layer
	client *http.Client
	async  AsyncSubmitter // nil disables async delegation
	cfg    Config
}

// New creates a dispatcher. submitter may be nil when async processing is
// disabled.
func New(c *cache.Layer, submitter AsyncSubmitter, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cache: c,
		client: &http.Client{
			// Per-attempt timeout is managed via context; the client cap is
			// a safety net only.
			Timeout: cfg.Timeout,
		},
		async: submitter,
		cfg:   cfg,
	}
}

// Dispatch runs the intent's function. The result is never an error value:
// failures are classified into the Result so the orchestrator can map them
// onto turn statuses.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Result {
	fn := req.Intent.Function
	if fn == nil {
		return &Result{Permanent: true, ErrorMessage: "no function bound to intent " + req.Intent.Def.Name}
	}

	key := IdempotencyKey(req.Session.UID, req.TurnNumber, fn.Name, req.Slots)

	// A completed dispatch with the same key within TTL is replayed from
	// cache, not re-executed.
	if v, ok := d.cache.Get(cache.NSFunctionResult, key); ok {
		if cached, ok := v.(*Result); ok && cached.OK {
			slog.Info("dispatch short-circuited from cache", "function", fn.Name, "key", key[:12])
			cp := *cached
			cp.Attempts = 0
			return &cp
		}
	}

	if fn.Asynchronous && d.async != nil {
		return d.delegateAsync(ctx, req, fn, key)
	}

	res := d.execute(ctx, req, fn, key)
	if res.OK {
		d.cache.Set(cache.NSFunctionResult, key, res, 0)
	}
	return res
}

func (d *Dispatcher) delegateAsync(ctx context.Context, req *Request, fn *store.FunctionDef, key string) *Result {
	payload := map[string]any{
		"intent":          req.Intent.Def.Name,
		"function":        fn.Name,
		"session_uid":     req.Session.UID,
		"turn_number":     req.TurnNumber,
		"slots":           req.Slots,
		"idempotency_key": key,
	}
	taskID, err := d.async.Submit(ctx, store.TaskFunctionCall, payload, req.Session.UserID, time.Hour)
	if err != nil {
		return &Result{
			ErrorMessage:   fmt.Sprintf("async submission failed: %v", err),
			Permanent:      dialogerr.KindOf(err) == dialogerr.KindOverloaded,
			IdempotencyKey: key,
		}
	}
	return &Result{
		OK:             true,
		Async:          true,
		TaskID:         taskID,
		Response:       fmt.Sprintf("请求已受理，任务编号 %s，稍后可查询结果。", taskID),
		IdempotencyKey: key,
	}
}

// execute runs the HTTP call with retry/backoff under the dispatch budget.
func (d *Dispatcher) execute(ctx context.Context, req *Request, fn *store.FunctionDef, key string) *Result {
	timeout := d.cfg.Timeout
	if fn.TimeoutSeconds > 0 {
		timeout = time.Duration(fn.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxAttempts := d.cfg.Retries
	if fn.RetryCount > 0 {
		maxAttempts = int(fn.RetryCount)
	}

	body, err := buildRequestBody(fn, req.Slots)
	if err != nil {
		return &Result{Permanent: true, ErrorMessage: err.Error(), IdempotencyKey: key}
	}

	res := &Result{IdempotencyKey: key, RequestBody: string(body)}
	start := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = int32(attempt)

		status, respBody, err := d.attempt(ctx, fn, body, key)
		res.StatusCode = int32(status)
		res.ResponseBody = string(respBody)

		switch {
		case err == nil && status >= 200 && status < 300:
			res.ElapsedMs = time.Since(start).Milliseconds()
			d.finishSuccess(req, fn, res, respBody)
			return res
		case err != nil:
			res.ErrorMessage = err.Error()
		default:
			res.ErrorMessage = fmt.Sprintf("upstream returned %d", status)
		}

		if !transient(status, err) {
			res.Permanent = true
			break
		}
		if attempt == maxAttempts {
			break
		}
		if !sleepBackoff(ctx, attempt) {
			res.ErrorMessage = "dispatch deadline exceeded"
			break
		}
	}

	res.ElapsedMs = time.Since(start).Milliseconds()
	res.Response = d.renderError(req, fn, res)
	slog.Warn("dispatch failed",
		"function", fn.Name,
		"attempts", res.Attempts,
		"permanent", res.Permanent,
		"status", res.StatusCode,
		"error", res.ErrorMessage)
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, fn *store.FunctionDef, body []byte, key string) (int, []byte, error) {
	var reader io.Reader
	method := strings.ToUpper(fn.Method)
	if method != http.MethodGet {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, fn.URL, reader)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)
	for name, value := range fn.Headers {
		httpReq.Header.Set(name, expandEnv(value))
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func (d *Dispatcher) finishSuccess(req *Request, fn *store.FunctionDef, res *Result, respBody []byte) {
	var data map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &data); err != nil {
			data = map[string]any{"raw": string(respBody)}
		}
	}
	res.Data = data

	if req.Intent.SuccessTemplate != nil {
		rendered, err := req.Intent.SuccessTemplate.Render(func(path string) (string, bool) {
			return jsonPath(data, path)
		})
		if err != nil {
			// Render failure over a successful call is a config/contract
			// mismatch; no retry can fix it.
			res.OK = false
			res.Permanent = true
			res.ErrorMessage = err.Error()
			res.Response = d.renderError(req, fn, res)
			return
		}
		res.Response = rendered
	} else {
		res.Response = "操作已完成。"
	}
	res.OK = true
}

func (d *Dispatcher) renderError(req *Request, fn *store.FunctionDef, res *Result) string {
	if req.Intent.ErrorTemplate != nil {
		values := map[string]string{
			"error_message": res.ErrorMessage,
			"attempts":      fmt.Sprintf("%d", res.Attempts),
		}
		if rendered, err := req.Intent.ErrorTemplate.RenderMap(values); err == nil {
			return rendered
		}
	}
	return fmt.Sprintf("抱歉，%s暂时无法完成，请稍后再试。", req.Intent.Def.DisplayName)
}

// transient classifies retryable failures: connect errors and timeouts,
// 5xx, 429, 408.
func transient(status int, err error) bool {
	if err != nil {
		return true
	}
	if status >= 500 {
		return true
	}
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

// sleepBackoff waits with exponential backoff and jitter; returns false when
// the context expires first.
func sleepBackoff(ctx context.Context, attempt int) bool {
	base := 500 * time.Millisecond << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-time.After(base + jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

// IdempotencyKey derives the stable dispatch key. Slot values are
// canonicalized by sorted-key JSON so retries and replays agree byte-for-byte.
func IdempotencyKey(sessionUID string, turnNumber int32, function string, slots map[string]string) string {
	names := make([]string, 0, len(slots))
	for n := range slots {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%s=%s;", n, slots[n])
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s|%s", sessionUID, turnNumber, function, b.String()))
	return hex.EncodeToString(sum[:])
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} header placeholders from the environment.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// buildRequestBody maps slot values onto JSON field paths.
func buildRequestBody(fn *store.FunctionDef, slots map[string]string) ([]byte, error) {
	root := make(map[string]any)
	for slotName, fieldPath := range fn.ParamMapping {
		value, ok := slots[slotName]
		if !ok {
			continue
		}
		if err := setPath(root, fieldPath, value); err != nil {
			return nil, fmt.Errorf("param mapping %s -> %s: %w", slotName, fieldPath, err)
		}
	}
	return json.Marshal(root)
}

func setPath(root map[string]any, path string, value string) error {
	parts := strings.Split(path, ".")
	cur := root
	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("empty path segment")
		}
		if i == len(parts)-1 {
			cur[part] = value
			return nil
		}
		next, ok := cur[part]
		if !ok {
			child := make(map[string]any)
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q collides with a scalar", path)
		}
		cur = child
	}
	return nil
}

// jsonPath resolves a dot path into parsed response JSON, stringifying the
// leaf value.
func jsonPath(data map[string]any, path string) (string, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return fmt.Sprintf("%v", v), true
	case bool:
		return fmt.Sprintf("%t", v), true
	case nil:
		return "", true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

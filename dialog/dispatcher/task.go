package dispatcher

import (
	"context"
	"fmt"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/dialogerr"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/store"
)

// ExecuteTask runs a delegated function call from the task queue. The payload
// is the one delegateAsync submitted; the intent is re-resolved against the
// current config snapshot so a reload between submission and execution wins.
func (d *Dispatcher) ExecuteTask(ctx context.Context, reg *registry.Registry, t *store.AsyncTask) (map[string]any, error) {
	intentName, _ := t.Payload["intent"].(string)
	key, _ := t.Payload["idempotency_key"].(string)

	intent, ok := reg.Snapshot().Intent(intentName)
	if !ok {
		return nil, dialogerr.New(dialogerr.KindConfigError, "intent %q no longer active", intentName)
	}
	fn := intent.Function
	if fn == nil {
		return nil, dialogerr.New(dialogerr.KindConfigError, "intent %q has no function bound", intentName)
	}

	slots := payloadSlots(t.Payload["slots"])
	if key == "" {
		sessionUID, _ := t.Payload["session_uid"].(string)
		turnNumber, _ := t.Payload["turn_number"].(float64)
		key = IdempotencyKey(sessionUID, int32(turnNumber), fn.Name, slots)
	}

	res := d.execute(ctx, &Request{Intent: intent, Slots: slots}, fn, key)
	if !res.OK {
		return nil, dialogerr.New(dialogerr.KindDispatchFailed, "%s", res.ErrorMessage)
	}
	d.cache.Set(cache.NSFunctionResult, key, res, 0)

	return map[string]any{
		"response":    res.Response,
		"data":        res.Data,
		"status_code": res.StatusCode,
		"attempts":    res.Attempts,
		"elapsed_ms":  res.ElapsedMs,
	}, nil
}

// payloadSlots tolerates both in-process and JSON round-tripped payloads.
func payloadSlots(v any) map[string]string {
	out := make(map[string]string)
	switch raw := v.(type) {
	case map[string]string:
		for name, value := range raw {
			out[name] = value
		}
	case map[string]any:
		for name, value := range raw {
			out[name] = fmt.Sprintf("%v", value)
		}
	}
	return out
}

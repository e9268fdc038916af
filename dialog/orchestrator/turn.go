package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hrygo/dialogd/dialog/arbiter"
	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/classifier"
	"github.com/hrygo/dialogd/dialog/dialogerr"
	"github.com/hrygo/dialogd/dialog/dispatcher"
	"github.com/hrygo/dialogd/dialog/extractor"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/store"
)

const (
	defaultCancelReply       = "好的，已为您取消。还有什么可以帮您？"
	defaultSlotPromptPattern = "请提供%s。"
)

// turnOutcome accumulates everything the turn must persist after the response
// text is decided.
type turnOutcome struct {
	resp        *TurnResponse
	intentName  string
	clearIntent bool
	transfer    *store.IntentTransfer
	ambiguity   []store.AmbiguityCandidate
	dispatched  *dispatcher.Result
	function    string
	slotRows    []*store.SlotValue
}

func (o *Orchestrator) runTurn(ctx context.Context, sess *store.Session, input string, req *TurnRequest, start time.Time) (*TurnResponse, error) {
	snap := o.registry.Snapshot()

	turnNumber, err := o.store.NextTurnNumber(ctx, sess.ID)
	if err != nil {
		return nil, dialogerr.Wrap(dialogerr.KindInternal, err, "failed to allocate turn number")
	}

	effective, err := o.store.ListEffectiveSlotValues(ctx, sess.ID)
	if err != nil {
		slog.Warn("failed to load effective slots, starting empty", "session", sess.UID, "error", err)
		effective = nil
	}

	out := &turnOutcome{resp: &TurnResponse{
		SessionID:        sess.UID,
		ConversationTurn: turnNumber,
		SessionMetadata:  sess.Context,
	}}

	dec := o.decideIntent(ctx, snap, sess, input)

	switch dec.Kind {
	case arbiter.Cancel:
		o.handleCancel(snap, sess, dec, out)
	case arbiter.Fallback:
		o.handleFallback(ctx, sess, out, input)
	case arbiter.Disambiguate:
		o.handleDisambiguation(snap, dec, out)
	case arbiter.Switch, arbiter.Continue:
		o.handleSlots(ctx, snap, sess, dec, input, turnNumber, effective, out)
	default:
		return nil, dialogerr.New(dialogerr.KindInternal, "unhandled decision %s", dec.Kind)
	}

	out.resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	return o.persistTurn(ctx, sess, input, turnNumber, req, out)
}

// decideIntent resolves an open disambiguation by user choice, or classifies
// the input and runs the intent arbiter.
func (o *Orchestrator) decideIntent(ctx context.Context, snap *registry.Snapshot, sess *store.Session, input string) arbiter.Decision {
	if amb, err := o.store.GetOpenAmbiguity(ctx, sess.ID); err == nil && amb != nil {
		resolved := true
		if cand := matchAmbiguityChoice(input, amb.Candidates); cand != nil {
			_ = o.store.UpdateIntentAmbiguity(ctx, &store.UpdateIntentAmbiguity{
				ID: amb.ID, Resolved: &resolved, ResolvedAs: &cand.Intent,
			})
			return arbiter.Decision{Kind: arbiter.Continue, Intent: cand.Intent, Confidence: cand.Confidence}
		}
		// The answer was not a choice; close the question and classify fresh.
		_ = o.store.UpdateIntentAmbiguity(ctx, &store.UpdateIntentAmbiguity{ID: amb.ID, Resolved: &resolved})
	}

	sctx := &classifier.SessionContext{SessionID: sess.ID, CurrentIntent: sess.CurrentIntent}
	for _, t := range o.recentTurns(ctx, sess.ID) {
		if t.Intent != nil {
			sctx.RecentIntents = append(sctx.RecentIntents, *t.Intent)
		}
		sctx.RecentInputs = append(sctx.RecentInputs, t.UserInput)
	}

	cands := o.classifier.Classify(ctx, input, sctx)
	return arbiter.DecideIntent(snap, cands, sess.CurrentIntent, o.thresholds)
}

func (o *Orchestrator) handleCancel(snap *registry.Snapshot, sess *store.Session, dec arbiter.Decision, out *turnOutcome) {
	cancelled := dec.Intent
	if sess.CurrentIntent != nil {
		cancelled = *sess.CurrentIntent
	}
	out.resp.Intent = &cancelled
	out.resp.Confidence = dec.Confidence
	out.resp.Status = store.TurnIntentCancelled
	out.resp.ResponseType = store.RespCancellationConfirmation
	out.resp.Response = o.cancellationText(snap, sess.CurrentIntent)
	out.clearIntent = true
}

func (o *Orchestrator) handleFallback(ctx context.Context, sess *store.Session, out *turnOutcome, input string) {
	reply := o.fallback.Handle(ctx, input, sess.CurrentIntent)
	out.resp.Status = store.TurnRAGFlowHandled
	out.resp.Response = reply.Text
	if sess.CurrentIntent != nil {
		// A live intent stays live; small talk returns to it.
		out.resp.ResponseType = store.RespSmallTalkWithContextReturn
		out.resp.Intent = sess.CurrentIntent
	} else {
		out.resp.ResponseType = store.RespQAResponse
	}
}

func (o *Orchestrator) handleDisambiguation(snap *registry.Snapshot, dec arbiter.Decision, out *turnOutcome) {
	out.resp.Status = store.TurnAmbiguous
	out.resp.ResponseType = store.RespDisambiguation
	out.resp.Confidence = dec.Confidence
	out.resp.CandidateIntents = dec.Candidates
	out.resp.Response = o.disambiguationText(snap, dec.Candidates)

	out.ambiguity = make([]store.AmbiguityCandidate, 0, len(dec.Candidates))
	for _, c := range dec.Candidates {
		out.ambiguity = append(out.ambiguity, store.AmbiguityCandidate{
			Intent: c.Intent, DisplayName: c.DisplayName, Confidence: c.Score,
		})
	}
}

func (o *Orchestrator) handleSlots(ctx context.Context, snap *registry.Snapshot, sess *store.Session,
	dec arbiter.Decision, input string, turnNumber int32, effective []*store.SlotValue, out *turnOutcome) {

	intent, ok := snap.Intent(dec.Intent)
	if !ok {
		// Deactivated between classification and now; treat as unclaimed.
		o.handleFallback(ctx, sess, out, input)
		return
	}

	out.intentName = dec.Intent
	out.resp.Intent = &intent.Def.Name
	out.resp.Confidence = dec.Confidence

	transferred := dec.Kind == arbiter.Switch
	if transferred {
		out.transfer = &store.IntentTransfer{
			SessionID:    sess.ID,
			FromIntent:   dec.FromIntent,
			ToIntent:     dec.Intent,
			Reason:       "higher-confidence intent in user input",
			SlotSnapshot: normalizedSnapshot(effective, dec.FromIntent),
			Confidence:   dec.Confidence,
			Success:      true,
		}
	}

	ectx := &extractor.Context{
		Location: o.userLocation(ctx, sess.UserID),
		Now:      time.Now(),
		Previous: effectiveExtractions(effective, dec.Intent),
	}
	exts := o.extractor.Extract(ctx, intent, input, ectx)
	o.extractor.Validate(intent, exts)
	out.resp.Slots = exts
	out.slotRows = freshSlotRows(exts, ectx.Previous, dec.Intent)

	invalidSlot, invalidMsg := "", ""
	if name, bad := extractor.HasInvalid(intent, exts); bad {
		invalidSlot = name
		invalidMsg = exts[name].Error
	}
	missing := extractor.MissingRequired(intent, exts)

	sdec := arbiter.DecideSlots(dec.Intent, missing, invalidSlot, invalidMsg)
	switch sdec.Kind {
	case arbiter.SlotPrompt:
		out.resp.MissingSlots = sdec.Missing
		if sdec.InvalidMessage != "" {
			out.resp.Status = store.TurnValidationError
			out.resp.ResponseType = store.RespValidationErrorPrompt
			out.resp.Response = sdec.InvalidMessage
		} else {
			out.resp.Status = store.TurnIncomplete
			out.resp.ResponseType = store.RespSlotPrompt
			out.resp.Response = o.slotPromptText(intent, sdec.PromptSlot, exts)
		}
		if transferred && out.resp.Status == store.TurnIncomplete {
			out.resp.Status = store.TurnIntentTransfer
		}
	case arbiter.Dispatch:
		o.dispatch(ctx, sess, intent, turnNumber, exts, transferred, out)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, sess *store.Session, intent *registry.Intent,
	turnNumber int32, exts map[string]*extractor.Extraction, transferred bool, out *turnOutcome) {

	res := o.dispatcher.Dispatch(ctx, &dispatcher.Request{
		Intent:     intent,
		Session:    sess,
		TurnNumber: turnNumber,
		Slots:      usableSlotMap(exts),
	})
	out.dispatched = res
	if intent.Function != nil {
		out.function = intent.Function.Name
	}
	o.metrics.RecordDispatch(out.function, res.OK, time.Duration(res.ElapsedMs)*time.Millisecond)

	switch {
	case res.Async:
		out.resp.Status = store.TurnCompleted
		out.resp.ResponseType = store.RespTaskCompletion
		out.resp.TaskID = res.TaskID
		out.resp.Response = fmt.Sprintf("请求已受理，正在后台处理，任务编号 %s。", res.TaskID)
	case res.OK:
		out.resp.Status = store.TurnCompleted
		out.resp.ResponseType = store.RespAPIResult
		if transferred {
			out.resp.ResponseType = store.RespIntentTransferWithCompletion
		}
		out.resp.Response = res.Response
		out.resp.APIResult = res.Data
	default:
		out.resp.Status = store.TurnAPIError
		out.resp.ResponseType = store.RespErrorWithAlternatives
		out.resp.Response = res.Response
	}
}

// persistTurn writes the conversation record with its slot values, then the
// dependent records, then the session update. A write failure after a
// successful dispatch is surfaced as a compensation log, never as a lost
// side effect.
func (o *Orchestrator) persistTurn(ctx context.Context, sess *store.Session, input string,
	turnNumber int32, req *TurnRequest, out *turnOutcome) (*TurnResponse, error) {

	resp := out.resp
	turn := &store.ConversationTurn{
		SessionID:    sess.ID,
		TurnNumber:   turnNumber,
		UserInput:    input,
		Intent:       resp.Intent,
		Confidence:   resp.Confidence,
		Response:     resp.Response,
		ResponseType: resp.ResponseType,
		Status:       resp.Status,
		LatencyMs:    resp.ProcessingTimeMs,
		CreatedTs:    time.Now().Unix(),
	}
	if out.dispatched != nil && out.dispatched.ErrorMessage != "" {
		msg := out.dispatched.ErrorMessage
		turn.ErrorMessage = &msg
	}

	recorded, err := o.store.RecordTurn(ctx, turn, out.slotRows)
	if err != nil {
		if out.dispatched != nil && out.dispatched.OK {
			slog.Error("turn write failed after dispatch, compensation required",
				"session", sess.UID, "turn", turnNumber,
				"idempotency_key", out.dispatched.IdempotencyKey, "error", err)
			resp.Status = store.TurnError
			return resp, nil
		}
		return nil, dialogerr.Wrap(dialogerr.KindInternal, err, "failed to record turn")
	}
	if o.cache != nil {
		// The classifier's recent-turn window is stale now.
		o.cache.Delete(cache.NSHistory, historyKey(sess.ID))
	}

	if len(out.ambiguity) > 0 {
		if _, err := o.store.CreateIntentAmbiguity(ctx, &store.IntentAmbiguity{
			SessionID: sess.ID, TurnID: recorded.ID, Candidates: out.ambiguity,
		}); err != nil {
			slog.Error("failed to record ambiguity", "session", sess.UID, "error", err)
		}
	}
	if out.transfer != nil {
		if _, err := o.store.CreateIntentTransfer(ctx, out.transfer); err != nil {
			slog.Error("failed to record intent transfer", "session", sess.UID, "error", err)
		}
	}
	if out.dispatched != nil {
		d := out.dispatched
		if _, err := o.store.CreateFunctionCallLog(ctx, &store.FunctionCallLog{
			SessionID:      sess.ID,
			TurnID:         recorded.ID,
			FunctionName:   out.function,
			IdempotencyKey: d.IdempotencyKey,
			RequestBody:    d.RequestBody,
			ResponseBody:   d.ResponseBody,
			StatusCode:     d.StatusCode,
			Attempts:       d.Attempts,
			Success:        d.OK,
			ElapsedMs:      d.ElapsedMs,
			ErrorMessage:   d.ErrorMessage,
		}); err != nil {
			slog.Error("failed to record function call log", "session", sess.UID, "error", err)
		}
	}

	o.updateSession(ctx, sess, req, out)
	return resp, nil
}

func (o *Orchestrator) updateSession(ctx context.Context, sess *store.Session, req *TurnRequest, out *turnOutcome) {
	expires := time.Now().Add(o.sessionTTL).Unix()
	upd := &store.UpdateSession{ID: sess.ID, ExpiresTs: &expires}
	switch {
	case out.clearIntent:
		upd.ClearIntent = true
	case out.intentName != "":
		upd.CurrentIntent = &out.intentName
	}
	if len(req.Context) > 0 {
		merged := make(map[string]any, len(sess.Context)+len(req.Context))
		for k, v := range sess.Context {
			merged[k] = v
		}
		for k, v := range req.Context {
			merged[k] = v
		}
		upd.Context = merged
	}
	updated, err := o.store.UpdateSession(ctx, upd)
	if err != nil {
		slog.Error("failed to update session", "session", sess.UID, "error", err)
		o.dropSession(sess.UID)
		return
	}
	o.cacheSession(updated)
}

// recentTurns returns the newest turns of the session for classifier context.
// The window is cached per session and dropped whenever a new turn is recorded.
func (o *Orchestrator) recentTurns(ctx context.Context, sessionID int32) []*store.ConversationTurn {
	limit := historyWindow
	load := func(ctx context.Context) (any, error) {
		return o.store.ListConversationTurns(ctx, &store.FindConversationTurn{SessionID: &sessionID, Limit: &limit})
	}
	if o.cache == nil {
		v, err := load(ctx)
		if err != nil {
			return nil
		}
		turns, _ := v.([]*store.ConversationTurn)
		return turns
	}
	v, err := o.cache.GetOrCompute(ctx, cache.NSHistory, historyKey(sessionID), 0, load)
	if err != nil {
		return nil
	}
	turns, _ := v.([]*store.ConversationTurn)
	return turns
}

func historyKey(sessionID int32) string {
	return strconv.FormatInt(int64(sessionID), 10)
}

// userLocation resolves the user's timezone preference for relative date
// normalization. Unset or unparsable preferences fall back to the server zone.
func (o *Orchestrator) userLocation(ctx context.Context, userID int32) *time.Location {
	if o.cache == nil {
		return time.Local
	}
	key := strconv.FormatInt(int64(userID), 10)
	v, err := o.cache.GetOrCompute(ctx, cache.NSUserPrefs, key, 0, func(ctx context.Context) (any, error) {
		prefs, err := o.store.GetUserPreferences(ctx, &store.FindUserPreferences{UserID: userID})
		if err != nil {
			return nil, err
		}
		if prefs == nil {
			return "", nil
		}
		return prefs.Prefs["timezone"], nil
	})
	if err != nil {
		return time.Local
	}
	tz, _ := v.(string)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("invalid timezone preference", "user", userID, "timezone", tz)
		return time.Local
	}
	return loc
}

func (o *Orchestrator) cancellationText(snap *registry.Snapshot, currentIntent *string) string {
	intentName := ""
	if currentIntent != nil {
		intentName = *currentIntent
	}
	display := intentName
	if intent, ok := snap.Intent(intentName); ok {
		display = intent.Def.DisplayName
	}
	if tpl := snap.Template(store.TemplateCancellation, intentName); tpl != nil {
		if text, err := tpl.RenderMap(map[string]string{"intent": display}); err == nil {
			return text
		}
	}
	return defaultCancelReply
}

func (o *Orchestrator) disambiguationText(snap *registry.Snapshot, cands []classifier.Candidate) string {
	var options strings.Builder
	for i, c := range cands {
		if i > 0 {
			options.WriteString("\n")
		}
		fmt.Fprintf(&options, "%d. %s", i+1, c.DisplayName)
	}
	if tpl := snap.Template(store.TemplateDisambiguation, ""); tpl != nil {
		if text, err := tpl.RenderMap(map[string]string{"options": options.String()}); err == nil {
			return text
		}
	}
	return "请问您想要：\n" + options.String() + "\n请输入序号或直接说明。"
}

func (o *Orchestrator) slotPromptText(intent *registry.Intent, slotName string, exts map[string]*extractor.Extraction) string {
	slot, ok := intent.SlotsByName[slotName]
	if ok && slot.Prompt != nil {
		if text, err := slot.Prompt.RenderMap(usableSlotMap(exts)); err == nil {
			return text
		}
	}
	return fmt.Sprintf(defaultSlotPromptPattern, slotName)
}

var ordinalPattern = regexp.MustCompile(`^第?([0-9一二三])[个项]?$`)

var chineseOrdinals = map[string]int{"一": 1, "二": 2, "三": 3}

// matchAmbiguityChoice maps a user answer onto one of the offered candidates:
// an ordinal ("1", "第二个"), the intent name, or the display name.
func matchAmbiguityChoice(input string, cands []store.AmbiguityCandidate) *store.AmbiguityCandidate {
	s := strings.TrimSpace(input)
	if m := ordinalPattern.FindStringSubmatch(s); m != nil {
		n, ok := chineseOrdinals[m[1]]
		if !ok {
			n, _ = strconv.Atoi(m[1])
		}
		if n >= 1 && n <= len(cands) {
			return &cands[n-1]
		}
	}
	for i := range cands {
		c := &cands[i]
		if s == c.Intent || s == c.DisplayName {
			return c
		}
		if c.DisplayName != "" && strings.Contains(s, c.DisplayName) {
			return c
		}
	}
	return nil
}

// effectiveExtractions converts persisted effective slot values of one intent
// into the extractor's previous-value map.
func effectiveExtractions(rows []*store.SlotValue, intent string) map[string]*extractor.Extraction {
	out := make(map[string]*extractor.Extraction)
	for _, r := range rows {
		if r.IntentName != intent {
			continue
		}
		out[r.SlotName] = &extractor.Extraction{
			Slot:         r.SlotName,
			OriginalText: r.OriginalText,
			Extracted:    r.Extracted,
			Normalized:   r.Normalized,
			Confidence:   r.Confidence,
			Method:       r.Method,
			Status:       r.Status,
			Error:        r.ErrorMessage,
		}
	}
	return out
}

// normalizedSnapshot captures the effective normalized values of one intent
// for a transfer record.
func normalizedSnapshot(rows []*store.SlotValue, intent string) map[string]string {
	out := make(map[string]string)
	for _, r := range rows {
		if r.IntentName == intent {
			out[r.SlotName] = r.Normalized
		}
	}
	return out
}

// freshSlotRows returns the slot values produced this turn. Carried values
// already have rows from the turn that extracted them.
func freshSlotRows(exts map[string]*extractor.Extraction, previous map[string]*extractor.Extraction, intent string) []*store.SlotValue {
	var rows []*store.SlotValue
	for name, ex := range exts {
		if ex.Method == "carry" {
			continue
		}
		if prev, ok := previous[name]; ok && prev.Normalized == ex.Normalized && prev.Method == ex.Method {
			continue
		}
		rows = append(rows, &store.SlotValue{
			IntentName:   intent,
			SlotName:     name,
			OriginalText: ex.OriginalText,
			Extracted:    ex.Extracted,
			Normalized:   ex.Normalized,
			Confidence:   ex.Confidence,
			Method:       ex.Method,
			Status:       ex.Status,
			ErrorMessage: ex.Error,
			CreatedTs:    time.Now().Unix(),
		})
	}
	return rows
}

func usableSlotMap(exts map[string]*extractor.Extraction) map[string]string {
	out := make(map[string]string, len(exts))
	for name, ex := range exts {
		if ex.Status == store.SlotValid || ex.Status == store.SlotCorrected {
			out[name] = ex.Normalized
		}
	}
	return out
}

// Package orchestrator runs the turn pipeline: per-session serialization,
// classification, arbitration, slot extraction, dispatch or fallback, and
// persistence of the conversation record. It is the only component that
// composes the others and the only one that writes turns.
package orchestrator

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/semaphore"

	"github.com/hrygo/dialogd/dialog/arbiter"
	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/classifier"
	"github.com/hrygo/dialogd/dialog/dialogerr"
	"github.com/hrygo/dialogd/dialog/dispatcher"
	"github.com/hrygo/dialogd/dialog/extractor"
	"github.com/hrygo/dialogd/dialog/fallback"
	"github.com/hrygo/dialogd/dialog/metrics"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/internal/profile"
	"github.com/hrygo/dialogd/store"
)

const (
	maxInputChars     = 1000
	defaultSessionTTL = time.Hour
	historyWindow     = 3
)

// TurnRequest is one inbound user turn.
type TurnRequest struct {
	UserID    int32
	SessionID string // session UID; empty mints a new session
	Input     string
	Context   map[string]any // device info, location, free-form passthrough
}

// TurnResponse is the business payload returned for a turn.
type TurnResponse struct {
	Response         string                           `json:"response"`
	SessionID        string                           `json:"session_id"`
	ConversationTurn int32                            `json:"conversation_turn"`
	Intent           *string                          `json:"intent"`
	Confidence       float64                          `json:"confidence"`
	Slots            map[string]*extractor.Extraction `json:"slots,omitempty"`
	Status           store.TurnStatus                 `json:"status"`
	ResponseType     store.ResponseType               `json:"response_type"`
	MissingSlots     []string                         `json:"missing_slots,omitempty"`
	CandidateIntents []classifier.Candidate           `json:"candidate_intents,omitempty"`
	APIResult        map[string]any                   `json:"api_result,omitempty"`
	TaskID           string                           `json:"task_id,omitempty"`
	SessionMetadata  map[string]any                   `json:"session_metadata,omitempty"`
	ProcessingTimeMs int64                            `json:"processing_time_ms"`
}

// Orchestrator composes the dialogue components behind a single ProcessTurn.
type Orchestrator struct {
	profile    *profile.Profile
	store      *store.Store
	registry   *registry.Registry
	classifier *classifier.Classifier
	extractor  *extractor.Extractor
	dispatcher *dispatcher.Dispatcher
	fallback   *fallback.Engine
	cache      *cache.Layer
	metrics    *metrics.Exporter

	locks      *keyedLocks
	sem        *semaphore.Weighted
	thresholds arbiter.Thresholds
	deadline   time.Duration
	sessionTTL time.Duration
}

// New wires the orchestrator from already-constructed components.
// m may be nil to run without metrics.
func New(p *profile.Profile, s *store.Store, reg *registry.Registry, cls *classifier.Classifier,
	ext *extractor.Extractor, disp *dispatcher.Dispatcher, fb *fallback.Engine,
	layer *cache.Layer, m *metrics.Exporter) *Orchestrator {

	budget := p.WorkerBudget
	if budget <= 0 {
		budget = 32
	}
	deadline := time.Duration(p.TurnDeadlineSec) * time.Second
	if deadline <= 0 {
		deadline = 60 * time.Second
	}

	return &Orchestrator{
		profile:    p,
		store:      s,
		registry:   reg,
		classifier: cls,
		extractor:  ext,
		dispatcher: disp,
		fallback:   fb,
		cache:      layer,
		metrics:    m,
		locks:      newKeyedLocks(p.SessionQueueCap),
		sem:        semaphore.NewWeighted(int64(budget)),
		thresholds: arbiter.Thresholds{
			GlobalFloor:   p.GlobalFloor,
			TransferFloor: p.TransferFloor,
			AmbiguityGap:  p.AmbiguityGap,
			TransferGap:   p.TransferGap,
		},
		deadline:   deadline,
		sessionTTL: defaultSessionTTL,
	}
}

// ProcessTurn runs one turn end to end. Errors escape only for invalid input,
// busy/expired sessions and internal faults; every other failure becomes a
// business response.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req *TurnRequest) (*TurnResponse, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return nil, dialogerr.New(dialogerr.KindInvalidInput, "input is empty")
	}
	if utf8.RuneCountInString(input) > maxInputChars {
		return nil, dialogerr.New(dialogerr.KindInvalidInput, "input exceeds %d characters", maxInputChars)
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, dialogerr.Wrap(dialogerr.KindOverloaded, err, "worker budget exhausted")
	}
	defer o.sem.Release(1)

	sess, err := o.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}

	release, err := o.locks.Acquire(ctx, sess.UID)
	if err != nil {
		o.metrics.RecordSessionBusy()
		return nil, err
	}
	defer release()

	turnCtx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	start := time.Now()
	resp, err := o.runTurn(turnCtx, sess, input, req, start)
	if err != nil {
		return nil, err
	}

	intentLabel := ""
	if resp.Intent != nil {
		intentLabel = *resp.Intent
	}
	o.metrics.RecordTurn(string(resp.Status), string(resp.ResponseType), intentLabel, time.Since(start))
	return resp, nil
}

// resolveSession loads the named session or mints a fresh one. A supplied id
// that is unknown or expired is rejected; there is no silent re-mint.
// Session snapshots are cache-aside: reads go through the cache, every write
// refreshes the entry, expiry drops it.
func (o *Orchestrator) resolveSession(ctx context.Context, req *TurnRequest) (*store.Session, error) {
	if req.SessionID == "" {
		now := time.Now()
		sess, err := o.store.CreateSession(ctx, &store.Session{
			UID:       shortuuid.New(),
			UserID:    req.UserID,
			State:     store.SessionActive,
			Context:   req.Context,
			ExpiresTs: now.Add(o.sessionTTL).Unix(),
			CreatedTs: now.Unix(),
			UpdatedTs: now.Unix(),
		})
		if err != nil {
			return nil, dialogerr.Wrap(dialogerr.KindInternal, err, "failed to create session")
		}
		o.cacheSession(sess)
		return sess, nil
	}

	sess := o.cachedSession(req.SessionID)
	if sess == nil {
		var err error
		sess, err = o.store.GetSession(ctx, &store.FindSession{UID: &req.SessionID})
		if err != nil {
			return nil, dialogerr.Wrap(dialogerr.KindInternal, err, "failed to load session")
		}
		if sess == nil {
			return nil, dialogerr.New(dialogerr.KindSessionExpired, "unknown session %s", req.SessionID)
		}
		o.cacheSession(sess)
	}
	if sess.UserID != req.UserID {
		return nil, dialogerr.New(dialogerr.KindInvalidInput, "session %s does not belong to user", req.SessionID)
	}
	if sess.State == store.SessionExpired || (sess.ExpiresTs > 0 && sess.ExpiresTs < time.Now().Unix()) {
		o.dropSession(sess.UID)
		if sess.State != store.SessionExpired {
			expired := store.SessionExpired
			_, _ = o.store.UpdateSession(ctx, &store.UpdateSession{ID: sess.ID, State: &expired})
		}
		return nil, dialogerr.New(dialogerr.KindSessionExpired, "session %s expired", req.SessionID)
	}
	return sess, nil
}

func (o *Orchestrator) cachedSession(uid string) *store.Session {
	if o.cache == nil {
		return nil
	}
	if v, ok := o.cache.Get(cache.NSSession, uid); ok {
		if sess, ok := v.(*store.Session); ok {
			return sess
		}
	}
	return nil
}

func (o *Orchestrator) cacheSession(sess *store.Session) {
	if o.cache == nil || sess == nil {
		return
	}
	o.cache.Set(cache.NSSession, sess.UID, sess, 0)
}

func (o *Orchestrator) dropSession(uid string) {
	if o.cache == nil {
		return
	}
	o.cache.Delete(cache.NSSession, uid)
}

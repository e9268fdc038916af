// Package teststore provides an in-memory store.Driver for tests. It mirrors
// the Postgres driver's visible behavior (append-only turns, effective slot
// resolution, monotonic task progress) without a database.
package teststore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hrygo/dialogd/store"
)

// Driver is an in-memory store.Driver.
type Driver struct {
	mu sync.Mutex

	Intents      []*store.IntentDef
	Slots        []*store.SlotDef
	Dependencies []*store.SlotDependency
	Functions    []*store.FunctionDef
	Templates    []*store.PromptTemplate
	Entities     []*store.EntityEntry
	Synonyms     []*store.SynonymGroup
	StopWords    []*store.StopWord

	users    map[int32]*store.User
	prefs    map[int32]*store.UserPreferences
	sessions map[int32]*store.Session
	turns    []*store.ConversationTurn
	slotVals []*store.SlotValue
	ambs     []*store.IntentAmbiguity
	trans    []*store.IntentTransfer
	tasks    map[string]*store.AsyncTask
	fnLogs   []*store.FunctionCallLog

	nextSessionID int32
	nextTurnID    int64
	nextSlotID    int64
	nextAmbID     int64
	nextTransID   int64
	nextLogID     int64
}

// New creates an empty in-memory driver.
func New() *Driver {
	return &Driver{
		users:    make(map[int32]*store.User),
		prefs:    make(map[int32]*store.UserPreferences),
		sessions: make(map[int32]*store.Session),
		tasks:    make(map[string]*store.AsyncTask),
	}
}

func (d *Driver) GetDB() *sql.DB                   { return nil }
func (d *Driver) Close() error                     { return nil }
func (d *Driver) Migrate(ctx context.Context) error { return nil }

func (d *Driver) ListIntentDefs(_ context.Context, find *store.FindIntentDef) ([]*store.IntentDef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.IntentDef
	for _, i := range d.Intents {
		if find.ID != nil && i.ID != *find.ID {
			continue
		}
		if find.Name != nil && i.Name != *find.Name {
			continue
		}
		if find.Active != nil && i.Active != *find.Active {
			continue
		}
		out = append(out, i)
	}
	return out, nil
}

func (d *Driver) UpdateIntentDef(_ context.Context, update *store.UpdateIntentDef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, i := range d.Intents {
		if i.ID == update.ID {
			if update.Active != nil {
				i.Active = *update.Active
			}
			return nil
		}
	}
	return fmt.Errorf("intent %d not found", update.ID)
}

func (d *Driver) ListSlotDefs(_ context.Context, find *store.FindSlotDef) ([]*store.SlotDef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.SlotDef
	for _, s := range d.Slots {
		if find.IntentName != nil && s.IntentName != *find.IntentName {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *Driver) ListSlotDependencies(_ context.Context, find *store.FindSlotDependency) ([]*store.SlotDependency, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.SlotDependency
	for _, dep := range d.Dependencies {
		if find.IntentName != nil && dep.IntentName != *find.IntentName {
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

func (d *Driver) ListFunctionDefs(_ context.Context, find *store.FindFunctionDef) ([]*store.FunctionDef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.FunctionDef
	for _, f := range d.Functions {
		if find.IntentName != nil && f.IntentName != *find.IntentName {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (d *Driver) ListPromptTemplates(_ context.Context, find *store.FindPromptTemplate) ([]*store.PromptTemplate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.PromptTemplate
	for _, t := range d.Templates {
		if find.Type != nil && t.Type != *find.Type {
			continue
		}
		if find.IntentName != nil && t.IntentName != *find.IntentName {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (d *Driver) ListEntityEntries(_ context.Context, find *store.FindEntityEntry) ([]*store.EntityEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.EntityEntry
	for _, e := range d.Entities {
		if find.Type != nil && e.Type != *find.Type {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *Driver) ListSynonymGroups(_ context.Context, find *store.FindSynonymGroup) ([]*store.SynonymGroup, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.SynonymGroup
	for _, g := range d.Synonyms {
		if find.Term != nil {
			found := false
			for _, t := range g.Terms {
				if t == *find.Term {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, g)
	}
	return out, nil
}

func (d *Driver) ListStopWords(_ context.Context) ([]*store.StopWord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*store.StopWord{}, d.StopWords...), nil
}

func (d *Driver) GetUser(_ context.Context, find *store.FindUser) (*store.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if find.ID != nil && u.ID != *find.ID {
			continue
		}
		if find.Username != nil && u.Username != *find.Username {
			continue
		}
		return u, nil
	}
	return nil, nil
}

// AddUser seeds a user.
func (d *Driver) AddUser(u *store.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *Driver) GetUserPreferences(_ context.Context, find *store.FindUserPreferences) (*store.UserPreferences, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.prefs[find.UserID]; ok {
		return p, nil
	}
	return nil, nil
}

func (d *Driver) UpsertUserPreferences(_ context.Context, upsert *store.UpsertUserPreferences) (*store.UserPreferences, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &store.UserPreferences{UserID: upsert.UserID, Prefs: upsert.Prefs, UpdatedTs: time.Now().Unix()}
	d.prefs[upsert.UserID] = p
	return p, nil
}

func (d *Driver) CreateSession(_ context.Context, create *store.Session) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSessionID++
	create.ID = d.nextSessionID
	now := time.Now().Unix()
	create.CreatedTs = now
	create.UpdatedTs = now
	if create.Context == nil {
		create.Context = map[string]any{}
	}
	cp := *create
	d.sessions[create.ID] = &cp
	return create, nil
}

func (d *Driver) GetSession(ctx context.Context, find *store.FindSession) (*store.Session, error) {
	list, err := d.ListSessions(ctx, find)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (d *Driver) ListSessions(_ context.Context, find *store.FindSession) ([]*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.Session
	for _, s := range d.sessions {
		if find.ID != nil && s.ID != *find.ID {
			continue
		}
		if find.UID != nil && s.UID != *find.UID {
			continue
		}
		if find.UserID != nil && s.UserID != *find.UserID {
			continue
		}
		if find.State != nil && s.State != *find.State {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (d *Driver) UpdateSession(_ context.Context, update *store.UpdateSession) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[update.ID]
	if !ok {
		return nil, fmt.Errorf("session %d not found", update.ID)
	}
	if update.ClearIntent {
		s.CurrentIntent = nil
	} else if update.CurrentIntent != nil {
		s.CurrentIntent = update.CurrentIntent
	}
	if update.State != nil {
		s.State = *update.State
	}
	if update.Context != nil {
		s.Context = update.Context
	}
	if update.ExpiresTs != nil {
		s.ExpiresTs = *update.ExpiresTs
	}
	s.UpdatedTs = time.Now().Unix()
	cp := *s
	return &cp, nil
}

func (d *Driver) DeleteSession(_ context.Context, del *store.DeleteSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, del.ID)
	return nil
}

func (d *Driver) NextTurnNumber(_ context.Context, sessionID int32) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var max int32
	for _, t := range d.turns {
		if t.SessionID == sessionID && t.TurnNumber > max {
			max = t.TurnNumber
		}
	}
	return max + 1, nil
}

func (d *Driver) RecordTurn(_ context.Context, turn *store.ConversationTurn, slots []*store.SlotValue) (*store.ConversationTurn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.turns {
		if t.SessionID == turn.SessionID && t.TurnNumber == turn.TurnNumber {
			return nil, fmt.Errorf("duplicate turn number %d for session %d", turn.TurnNumber, turn.SessionID)
		}
	}
	d.nextTurnID++
	turn.ID = d.nextTurnID
	if turn.CreatedTs == 0 {
		turn.CreatedTs = time.Now().Unix()
	}
	cp := *turn
	d.turns = append(d.turns, &cp)
	for _, sv := range slots {
		d.nextSlotID++
		sv.ID = d.nextSlotID
		sv.TurnID = turn.ID
		sv.SessionID = turn.SessionID
		if sv.CreatedTs == 0 {
			sv.CreatedTs = turn.CreatedTs
		}
		svc := *sv
		d.slotVals = append(d.slotVals, &svc)
	}
	return turn, nil
}

func (d *Driver) ListConversationTurns(_ context.Context, find *store.FindConversationTurn) ([]*store.ConversationTurn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.ConversationTurn
	for _, t := range d.turns {
		if find.SessionID != nil && t.SessionID != *find.SessionID {
			continue
		}
		if find.TurnNumber != nil && t.TurnNumber != *find.TurnNumber {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TurnNumber > out[j].TurnNumber })
	if find.Limit != nil && len(out) > *find.Limit {
		out = out[:*find.Limit]
	}
	return out, nil
}

func (d *Driver) ListSlotValues(_ context.Context, find *store.FindSlotValue) ([]*store.SlotValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.SlotValue
	for _, sv := range d.slotVals {
		if find.TurnID != nil && sv.TurnID != *find.TurnID {
			continue
		}
		if find.SessionID != nil && sv.SessionID != *find.SessionID {
			continue
		}
		if find.SlotName != nil && sv.SlotName != *find.SlotName {
			continue
		}
		cp := *sv
		out = append(out, &cp)
	}
	return out, nil
}

func (d *Driver) ListEffectiveSlotValues(_ context.Context, sessionID int32) ([]*store.SlotValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	latest := make(map[string]*store.SlotValue)
	for _, sv := range d.slotVals {
		if sv.SessionID != sessionID {
			continue
		}
		if sv.Status != store.SlotValid && sv.Status != store.SlotCorrected {
			continue
		}
		if prev, ok := latest[sv.SlotName]; !ok || sv.ID > prev.ID {
			latest[sv.SlotName] = sv
		}
	}
	names := make([]string, 0, len(latest))
	for n := range latest {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*store.SlotValue, 0, len(names))
	for _, n := range names {
		cp := *latest[n]
		out = append(out, &cp)
	}
	return out, nil
}

func (d *Driver) CreateIntentAmbiguity(_ context.Context, create *store.IntentAmbiguity) (*store.IntentAmbiguity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextAmbID++
	create.ID = d.nextAmbID
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	cp := *create
	d.ambs = append(d.ambs, &cp)
	return create, nil
}

func (d *Driver) GetOpenAmbiguity(_ context.Context, sessionID int32) (*store.IntentAmbiguity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.ambs) - 1; i >= 0; i-- {
		if d.ambs[i].SessionID == sessionID && !d.ambs[i].Resolved {
			cp := *d.ambs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (d *Driver) UpdateIntentAmbiguity(_ context.Context, update *store.UpdateIntentAmbiguity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.ambs {
		if a.ID == update.ID {
			if update.Resolved != nil {
				a.Resolved = *update.Resolved
			}
			if update.ResolvedAs != nil {
				a.ResolvedAs = update.ResolvedAs
			}
			return nil
		}
	}
	return fmt.Errorf("ambiguity %d not found", update.ID)
}

func (d *Driver) CreateIntentTransfer(_ context.Context, create *store.IntentTransfer) (*store.IntentTransfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextTransID++
	create.ID = d.nextTransID
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	cp := *create
	d.trans = append(d.trans, &cp)
	return create, nil
}

func (d *Driver) ListIntentTransfers(_ context.Context, find *store.FindIntentTransfer) ([]*store.IntentTransfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.IntentTransfer
	for i := len(d.trans) - 1; i >= 0; i-- {
		t := d.trans[i]
		if find.SessionID != nil && t.SessionID != *find.SessionID {
			continue
		}
		if find.ToIntent != nil && t.ToIntent != *find.ToIntent {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (d *Driver) CreateAsyncTask(_ context.Context, create *store.AsyncTask) (*store.AsyncTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().Unix()
	create.CreatedTs = now
	create.UpdatedTs = now
	cp := *create
	d.tasks[create.ID] = &cp
	return create, nil
}

func (d *Driver) GetAsyncTask(_ context.Context, id string) (*store.AsyncTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tasks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (d *Driver) ListAsyncTasks(_ context.Context, find *store.FindAsyncTask) ([]*store.AsyncTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.AsyncTask
	for _, t := range d.tasks {
		if find.ID != nil && t.ID != *find.ID {
			continue
		}
		if find.UserID != nil && t.UserID != *find.UserID {
			continue
		}
		if find.Type != nil && t.Type != *find.Type {
			continue
		}
		if find.Status != nil && t.Status != *find.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTs > out[j].CreatedTs })
	if find.Limit != nil && len(out) > *find.Limit {
		out = out[:*find.Limit]
	}
	return out, nil
}

func (d *Driver) UpdateAsyncTask(_ context.Context, update *store.UpdateAsyncTask) (*store.AsyncTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[update.ID]
	if !ok {
		if update.IfStatus != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("async task not found")
	}
	if update.IfStatus != nil && t.Status != *update.IfStatus {
		return nil, nil
	}
	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.Result != nil {
		t.Result = update.Result
	}
	if update.Error != nil {
		t.Error = *update.Error
	}
	if update.Progress != nil && *update.Progress > t.Progress {
		t.Progress = *update.Progress
	}
	if update.Log != nil {
		t.Log = update.Log
	}
	t.UpdatedTs = time.Now().Unix()
	cp := *t
	return &cp, nil
}

func (d *Driver) CreateFunctionCallLog(_ context.Context, create *store.FunctionCallLog) (*store.FunctionCallLog, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextLogID++
	create.ID = d.nextLogID
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	cp := *create
	d.fnLogs = append(d.fnLogs, &cp)
	return create, nil
}

func (d *Driver) ListFunctionCallLogs(_ context.Context, find *store.FindFunctionCallLog) ([]*store.FunctionCallLog, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.FunctionCallLog
	for i := len(d.fnLogs) - 1; i >= 0; i-- {
		l := d.fnLogs[i]
		if find.SessionID != nil && l.SessionID != *find.SessionID {
			continue
		}
		if find.TurnID != nil && l.TurnID != *find.TurnID {
			continue
		}
		if find.IdempotencyKey != nil && l.IdempotencyKey != *find.IdempotencyKey {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

var _ store.Driver = (*Driver)(nil)

// Package store provides database access to all raw objects.
package store

import (
	"context"

	"github.com/hrygo/dialogd/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) ListIntentDefs(ctx context.Context, find *FindIntentDef) ([]*IntentDef, error) {
	return s.driver.ListIntentDefs(ctx, find)
}

func (s *Store) UpdateIntentDef(ctx context.Context, update *UpdateIntentDef) error {
	return s.driver.UpdateIntentDef(ctx, update)
}

func (s *Store) ListSlotDefs(ctx context.Context, find *FindSlotDef) ([]*SlotDef, error) {
	return s.driver.ListSlotDefs(ctx, find)
}

func (s *Store) ListSlotDependencies(ctx context.Context, find *FindSlotDependency) ([]*SlotDependency, error) {
	return s.driver.ListSlotDependencies(ctx, find)
}

func (s *Store) ListFunctionDefs(ctx context.Context, find *FindFunctionDef) ([]*FunctionDef, error) {
	return s.driver.ListFunctionDefs(ctx, find)
}

func (s *Store) ListPromptTemplates(ctx context.Context, find *FindPromptTemplate) ([]*PromptTemplate, error) {
	return s.driver.ListPromptTemplates(ctx, find)
}

func (s *Store) ListEntityEntries(ctx context.Context, find *FindEntityEntry) ([]*EntityEntry, error) {
	return s.driver.ListEntityEntries(ctx, find)
}

func (s *Store) ListSynonymGroups(ctx context.Context, find *FindSynonymGroup) ([]*SynonymGroup, error) {
	return s.driver.ListSynonymGroups(ctx, find)
}

func (s *Store) ListStopWords(ctx context.Context) ([]*StopWord, error) {
	return s.driver.ListStopWords(ctx)
}

func (s *Store) GetUser(ctx context.Context, find *FindUser) (*User, error) {
	return s.driver.GetUser(ctx, find)
}

func (s *Store) GetUserPreferences(ctx context.Context, find *FindUserPreferences) (*UserPreferences, error) {
	return s.driver.GetUserPreferences(ctx, find)
}

func (s *Store) UpsertUserPreferences(ctx context.Context, upsert *UpsertUserPreferences) (*UserPreferences, error) {
	return s.driver.UpsertUserPreferences(ctx, upsert)
}

func (s *Store) CreateSession(ctx context.Context, create *Session) (*Session, error) {
	return s.driver.CreateSession(ctx, create)
}

func (s *Store) GetSession(ctx context.Context, find *FindSession) (*Session, error) {
	return s.driver.GetSession(ctx, find)
}

func (s *Store) ListSessions(ctx context.Context, find *FindSession) ([]*Session, error) {
	return s.driver.ListSessions(ctx, find)
}

func (s *Store) UpdateSession(ctx context.Context, update *UpdateSession) (*Session, error) {
	return s.driver.UpdateSession(ctx, update)
}

func (s *Store) DeleteSession(ctx context.Context, delete *DeleteSession) error {
	return s.driver.DeleteSession(ctx, delete)
}

func (s *Store) NextTurnNumber(ctx context.Context, sessionID int32) (int32, error) {
	return s.driver.NextTurnNumber(ctx, sessionID)
}

func (s *Store) RecordTurn(ctx context.Context, turn *ConversationTurn, slots []*SlotValue) (*ConversationTurn, error) {
	return s.driver.RecordTurn(ctx, turn, slots)
}

func (s *Store) ListConversationTurns(ctx context.Context, find *FindConversationTurn) ([]*ConversationTurn, error) {
	return s.driver.ListConversationTurns(ctx, find)
}

func (s *Store) ListSlotValues(ctx context.Context, find *FindSlotValue) ([]*SlotValue, error) {
	return s.driver.ListSlotValues(ctx, find)
}

func (s *Store) ListEffectiveSlotValues(ctx context.Context, sessionID int32) ([]*SlotValue, error) {
	return s.driver.ListEffectiveSlotValues(ctx, sessionID)
}

func (s *Store) CreateIntentAmbiguity(ctx context.Context, create *IntentAmbiguity) (*IntentAmbiguity, error) {
	return s.driver.CreateIntentAmbiguity(ctx, create)
}

func (s *Store) GetOpenAmbiguity(ctx context.Context, sessionID int32) (*IntentAmbiguity, error) {
	return s.driver.GetOpenAmbiguity(ctx, sessionID)
}

func (s *Store) UpdateIntentAmbiguity(ctx context.Context, update *UpdateIntentAmbiguity) error {
	return s.driver.UpdateIntentAmbiguity(ctx, update)
}

func (s *Store) CreateIntentTransfer(ctx context.Context, create *IntentTransfer) (*IntentTransfer, error) {
	return s.driver.CreateIntentTransfer(ctx, create)
}

func (s *Store) ListIntentTransfers(ctx context.Context, find *FindIntentTransfer) ([]*IntentTransfer, error) {
	return s.driver.ListIntentTransfers(ctx, find)
}

func (s *Store) CreateAsyncTask(ctx context.Context, create *AsyncTask) (*AsyncTask, error) {
	return s.driver.CreateAsyncTask(ctx, create)
}

func (s *Store) GetAsyncTask(ctx context.Context, id string) (*AsyncTask, error) {
	return s.driver.GetAsyncTask(ctx, id)
}

func (s *Store) ListAsyncTasks(ctx context.Context, find *FindAsyncTask) ([]*AsyncTask, error) {
	return s.driver.ListAsyncTasks(ctx, find)
}

func (s *Store) UpdateAsyncTask(ctx context.Context, update *UpdateAsyncTask) (*AsyncTask, error) {
	return s.driver.UpdateAsyncTask(ctx, update)
}

func (s *Store) CreateFunctionCallLog(ctx context.Context, create *FunctionCallLog) (*FunctionCallLog, error) {
	return s.driver.CreateFunctionCallLog(ctx, create)
}

func (s *Store) ListFunctionCallLogs(ctx context.Context, find *FindFunctionCallLog) ([]*FunctionCallLog, error) {
	return s.driver.ListFunctionCallLogs(ctx, find)
}

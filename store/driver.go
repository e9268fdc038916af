package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for the database driver.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	// Config tables. Admin CRUD is out of band; the core reads and may only
	// flip the active flag when validation fails.
	ListIntentDefs(ctx context.Context, find *FindIntentDef) ([]*IntentDef, error)
	UpdateIntentDef(ctx context.Context, update *UpdateIntentDef) error
	ListSlotDefs(ctx context.Context, find *FindSlotDef) ([]*SlotDef, error)
	ListSlotDependencies(ctx context.Context, find *FindSlotDependency) ([]*SlotDependency, error)
	ListFunctionDefs(ctx context.Context, find *FindFunctionDef) ([]*FunctionDef, error)
	ListPromptTemplates(ctx context.Context, find *FindPromptTemplate) ([]*PromptTemplate, error)
	ListEntityEntries(ctx context.Context, find *FindEntityEntry) ([]*EntityEntry, error)
	ListSynonymGroups(ctx context.Context, find *FindSynonymGroup) ([]*SynonymGroup, error)
	ListStopWords(ctx context.Context) ([]*StopWord, error)

	// Users.
	GetUser(ctx context.Context, find *FindUser) (*User, error)
	GetUserPreferences(ctx context.Context, find *FindUserPreferences) (*UserPreferences, error)
	UpsertUserPreferences(ctx context.Context, upsert *UpsertUserPreferences) (*UserPreferences, error)

	// Sessions.
	CreateSession(ctx context.Context, create *Session) (*Session, error)
	GetSession(ctx context.Context, find *FindSession) (*Session, error)
	ListSessions(ctx context.Context, find *FindSession) ([]*Session, error)
	UpdateSession(ctx context.Context, update *UpdateSession) (*Session, error)
	DeleteSession(ctx context.Context, delete *DeleteSession) error

	// Conversation turns and slot values. RecordTurn inserts the turn and its
	// slot values in one transaction so a crash never leaves orphan slots.
	NextTurnNumber(ctx context.Context, sessionID int32) (int32, error)
	RecordTurn(ctx context.Context, turn *ConversationTurn, slots []*SlotValue) (*ConversationTurn, error)
	ListConversationTurns(ctx context.Context, find *FindConversationTurn) ([]*ConversationTurn, error)
	ListSlotValues(ctx context.Context, find *FindSlotValue) ([]*SlotValue, error)
	ListEffectiveSlotValues(ctx context.Context, sessionID int32) ([]*SlotValue, error)

	// Ambiguity and transfer records.
	CreateIntentAmbiguity(ctx context.Context, create *IntentAmbiguity) (*IntentAmbiguity, error)
	GetOpenAmbiguity(ctx context.Context, sessionID int32) (*IntentAmbiguity, error)
	UpdateIntentAmbiguity(ctx context.Context, update *UpdateIntentAmbiguity) error
	CreateIntentTransfer(ctx context.Context, create *IntentTransfer) (*IntentTransfer, error)
	ListIntentTransfers(ctx context.Context, find *FindIntentTransfer) ([]*IntentTransfer, error)

	// Async tasks.
	CreateAsyncTask(ctx context.Context, create *AsyncTask) (*AsyncTask, error)
	GetAsyncTask(ctx context.Context, id string) (*AsyncTask, error)
	ListAsyncTasks(ctx context.Context, find *FindAsyncTask) ([]*AsyncTask, error)
	UpdateAsyncTask(ctx context.Context, update *UpdateAsyncTask) (*AsyncTask, error)

	// Function call audit log.
	CreateFunctionCallLog(ctx context.Context, create *FunctionCallLog) (*FunctionCallLog, error)
	ListFunctionCallLogs(ctx context.Context, find *FindFunctionCallLog) ([]*FunctionCallLog, error)
}

package store

// User owns sessions. Management is out of band; the core only reads.
type User struct {
	ID        int32
	Username  string
	CreatedTs int64
}

// UserPreferences is a free-form per-user preference map.
// The extractor reads "timezone" for relative date normalization.
type UserPreferences struct {
	UserID    int32
	Prefs     map[string]string
	UpdatedTs int64
}

type FindUser struct {
	ID       *int32
	Username *string
}

type UpsertUserPreferences struct {
	UserID int32
	Prefs  map[string]string
}

type FindUserPreferences struct {
	UserID int32
}

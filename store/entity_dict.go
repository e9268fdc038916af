package store

// EntityEntry is one canonical dictionary entry with its alias set.
// Aliases are matched case- and whitespace-insensitively by the extractor.
type EntityEntry struct {
	ID        int32
	Type      string // entity type, e.g. "city"
	Canonical string
	Aliases   []string
	Weight    float64
	Metadata  map[string]string
}

// SynonymGroup groups interchangeable terms used to widen lexical matching.
type SynonymGroup struct {
	ID    int32
	Name  string
	Terms []string
}

// StopWord is filtered out of lexical scoring tokens.
type StopWord struct {
	ID   int32
	Word string
}

type FindEntityEntry struct {
	Type *string
}

type FindSynonymGroup struct {
	Term *string
}

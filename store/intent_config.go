package store

// SlotType enumerates the supported slot value types.
type SlotType string

const (
	SlotTypeText     SlotType = "text"
	SlotTypeNumber   SlotType = "number"
	SlotTypeDate     SlotType = "date"
	SlotTypeTime     SlotType = "time"
	SlotTypeDatetime SlotType = "datetime"
	SlotTypeEmail    SlotType = "email"
	SlotTypePhone    SlotType = "phone"
	SlotTypeEntity   SlotType = "entity"
	SlotTypeBoolean  SlotType = "boolean"
)

// DependencyType enumerates slot dependency kinds.
type DependencyType string

const (
	DependencyRequired    DependencyType = "required"
	DependencyConditional DependencyType = "conditional"
	DependencyExclusive   DependencyType = "exclusive"
	DependencyRelated     DependencyType = "related"
)

// IntentDef is an intent definition from the config store.
// Immutable from the core's perspective within a cache window.
type IntentDef struct {
	ID            int32
	Name          string // unique, stable identifier
	DisplayName   string
	Category      string
	Priority      int32 // higher wins ties
	Threshold     float64
	Examples      []string // example utterances for lexical scoring
	Keywords      []string
	FallbackReply string
	CancelIntent  bool // explicit cancel/postpone/reject intent
	Active        bool
	CreatedTs     int64
	UpdatedTs     int64
}

// ValidationRule is one typed validation rule attached to a slot.
// Shape depends on Type: pattern, min/max, allowed set, format, cross-slot CEL expression.
type ValidationRule struct {
	Type    string   `json:"type"` // pattern, range, allowed, format, expression
	Pattern string   `json:"pattern,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
	Format  string   `json:"format,omitempty"`
	Expr    string   `json:"expr,omitempty"` // CEL over the slot map, e.g. return_date > departure_date
	Message string   `json:"message,omitempty"`
}

// ExtractionRule is a regex/keyword extraction rule for a slot.
type ExtractionRule struct {
	Type            string   `json:"type"` // regex, keyword
	Pattern         string   `json:"pattern,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	ConfidenceBoost float64  `json:"confidence_boost,omitempty"`
}

// SlotDef is a slot definition belonging to exactly one intent.
type SlotDef struct {
	ID                 int32
	IntentName         string
	Name               string // unique within intent
	Type               SlotType
	EntityType         string // for entity-typed slots
	Required           bool
	List               bool
	Rules              []ValidationRule
	ExtractionRules    []ExtractionRule
	DefaultValue       string
	PromptTemplate     string
	ExtractionPriority int32
	Threshold          float64 // rule extraction confidence floor before the LLM is consulted
}

// SlotDependency is a directed (dependent, required) pair with optional
// condition predicate. The per-intent dependency graph must be acyclic;
// this precondition is enforced by the config registry on load.
type SlotDependency struct {
	ID         int32
	IntentName string
	Dependent  string
	RequiredOn string
	Type       DependencyType
	Condition  string // optional CEL predicate over the slot map
}

// FunctionDef maps a filled intent to an external HTTP call.
type FunctionDef struct {
	ID              int32
	IntentName      string
	Name            string
	URL             string
	Method          string
	Headers         map[string]string // values may contain ${ENV} placeholders
	ParamMapping    map[string]string // slot name -> JSON field path
	TimeoutSeconds  int32
	RetryCount      int32
	Asynchronous    bool
	SuccessTemplate string // ${path} interpolation over the response JSON
	ErrorTemplate   string // ${error_message} / ${attempts}
}

// TemplateType enumerates prompt/response template kinds.
type TemplateType string

const (
	TemplateIntentRecognition TemplateType = "intent_recognition"
	TemplateSlotFilling       TemplateType = "slot_filling"
	TemplateDisambiguation    TemplateType = "disambiguation"
	TemplateSlotPrompt        TemplateType = "slot_prompt"
	TemplateCancellation      TemplateType = "cancellation"
	TemplateFallback          TemplateType = "fallback"
)

// PromptTemplate is a named template, optionally bound to one intent.
type PromptTemplate struct {
	ID         int32
	Type       TemplateType
	IntentName string // empty for global templates
	Content    string
}

type FindIntentDef struct {
	ID     *int32
	Name   *string
	Active *bool
}

type FindSlotDef struct {
	IntentName *string
}

type FindSlotDependency struct {
	IntentName *string
}

type FindFunctionDef struct {
	IntentName *string
}

type FindPromptTemplate struct {
	Type       *TemplateType
	IntentName *string
}

type UpdateIntentDef struct {
	ID     int32
	Active *bool
}

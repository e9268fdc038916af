package registry

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/hrygo/dialogd/store"
)

var validSlotTypes = map[store.SlotType]bool{
	store.SlotTypeText:     true,
	store.SlotTypeNumber:   true,
	store.SlotTypeDate:     true,
	store.SlotTypeTime:     true,
	store.SlotTypeDatetime: true,
	store.SlotTypeEmail:    true,
	store.SlotTypePhone:    true,
	store.SlotTypeEntity:   true,
	store.SlotTypeBoolean:  true,
}

var validHTTPMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// compileIntent validates one intent and compiles its patterns, programs and
// templates. A non-empty problems list means the intent must not be served.
func (r *Registry) compileIntent(def *store.IntentDef, slotDefs []*store.SlotDef,
	depDefs []*store.SlotDependency, fnDef *store.FunctionDef) (*Intent, []string) {

	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if def.Name == "" {
		fail("intent name is empty")
	}
	if def.Threshold < 0 || def.Threshold > 1 {
		fail("threshold %v out of [0,1]", def.Threshold)
	}

	intent := &Intent{
		Def:         def,
		SlotsByName: make(map[string]*Slot, len(slotDefs)),
		Function:    fnDef,
	}

	sort.SliceStable(slotDefs, func(i, j int) bool {
		return slotDefs[i].ExtractionPriority > slotDefs[j].ExtractionPriority
	})
	for _, sd := range slotDefs {
		slot, slotProblems := r.compileSlot(sd)
		problems = append(problems, slotProblems...)
		if _, dup := intent.SlotsByName[sd.Name]; dup {
			fail("duplicate slot %q", sd.Name)
			continue
		}
		intent.Slots = append(intent.Slots, slot)
		intent.SlotsByName[sd.Name] = slot
	}

	// Slot prompt placeholders may only reference slots of the same intent.
	for _, slot := range intent.Slots {
		if slot.Prompt == nil {
			continue
		}
		for _, p := range slot.Prompt.Placeholders() {
			if _, ok := intent.SlotsByName[p]; !ok {
				fail("slot %q prompt references unknown slot %q", slot.Def.Name, p)
			}
		}
	}

	problems = append(problems, r.compileDependencies(intent, depDefs)...)

	if fnDef != nil {
		problems = append(problems, r.compileFunction(intent, fnDef)...)
	}

	if len(problems) > 0 {
		return nil, problems
	}
	return intent, nil
}

func (r *Registry) compileSlot(sd *store.SlotDef) (*Slot, []string) {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf("slot %q: "+format, append([]any{sd.Name}, args...)...))
	}

	if sd.Name == "" {
		problems = append(problems, "slot with empty name")
	}
	if !validSlotTypes[sd.Type] {
		fail("unknown type %q", sd.Type)
	}
	if sd.Type == store.SlotTypeEntity && sd.EntityType == "" {
		fail("entity slot without entity_type")
	}

	slot := &Slot{
		Def:                sd,
		ExtractionPatterns: make([]*regexp.Regexp, len(sd.ExtractionRules)),
		RulePatterns:       make(map[int]*regexp.Regexp),
		RulePrograms:       make(map[int]cel.Program),
	}

	for i, er := range sd.ExtractionRules {
		switch er.Type {
		case "regex":
			re, err := regexp.Compile(er.Pattern)
			if err != nil {
				fail("extraction rule %d: bad pattern: %v", i, err)
				continue
			}
			slot.ExtractionPatterns[i] = re
		case "keyword":
			if len(er.Keywords) == 0 {
				fail("extraction rule %d: keyword rule without keywords", i)
			}
		default:
			fail("extraction rule %d: unknown type %q", i, er.Type)
		}
	}

	for i, vr := range sd.Rules {
		switch vr.Type {
		case "pattern":
			re, err := regexp.Compile(vr.Pattern)
			if err != nil {
				fail("rule %d: bad pattern: %v", i, err)
				continue
			}
			slot.RulePatterns[i] = re
		case "range":
			if vr.Min == nil && vr.Max == nil {
				fail("rule %d: range rule without min or max", i)
			}
			switch sd.Type {
			case store.SlotTypeNumber, store.SlotTypeDate, store.SlotTypeTime, store.SlotTypeDatetime:
			default:
				fail("rule %d: range rule on non-ordered type %q", i, sd.Type)
			}
		case "allowed":
			if len(vr.Allowed) == 0 {
				fail("rule %d: allowed rule with empty set", i)
			}
		case "format":
			if vr.Format == "" {
				fail("rule %d: format rule without format", i)
			}
		case "expression":
			prog, err := r.compileCEL(vr.Expr)
			if err != nil {
				fail("rule %d: bad expression: %v", i, err)
				continue
			}
			slot.RulePrograms[i] = prog
		default:
			fail("rule %d: unknown type %q", i, vr.Type)
		}
	}

	if sd.PromptTemplate != "" {
		tpl, err := ParseTemplate(sd.PromptTemplate)
		if err != nil {
			fail("bad prompt template: %v", err)
		} else {
			slot.Prompt = tpl
		}
	}
	return slot, problems
}

// compileDependencies checks edge endpoints, compiles conditions, and rejects
// cyclic dependency graphs.
func (r *Registry) compileDependencies(intent *Intent, depDefs []*store.SlotDependency) []string {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	edges := make(map[string][]string)
	for _, dd := range depDefs {
		if _, ok := intent.SlotsByName[dd.Dependent]; !ok {
			fail("dependency references unknown slot %q", dd.Dependent)
			continue
		}
		if _, ok := intent.SlotsByName[dd.RequiredOn]; !ok {
			fail("dependency references unknown slot %q", dd.RequiredOn)
			continue
		}
		if dd.Dependent == dd.RequiredOn {
			fail("slot %q depends on itself", dd.Dependent)
			continue
		}

		dep := &Dependency{Def: dd}
		if dd.Condition != "" {
			prog, err := r.compileCEL(dd.Condition)
			if err != nil {
				fail("dependency %s->%s: bad condition: %v", dd.Dependent, dd.RequiredOn, err)
				continue
			}
			dep.Condition = prog
		}
		intent.Dependencies = append(intent.Dependencies, dep)
		edges[dd.Dependent] = append(edges[dd.Dependent], dd.RequiredOn)
	}

	if cyc := findCycle(edges); cyc != nil {
		fail("dependency cycle: %s", strings.Join(cyc, " -> "))
	}
	return problems
}

func (r *Registry) compileFunction(intent *Intent, fn *store.FunctionDef) []string {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf("function %q: "+format, append([]any{fn.Name}, args...)...))
	}

	if fn.URL == "" {
		fail("empty url")
	}
	if !validHTTPMethods[strings.ToUpper(fn.Method)] {
		fail("unsupported method %q", fn.Method)
	}
	for slotName := range fn.ParamMapping {
		if _, ok := intent.SlotsByName[slotName]; !ok {
			fail("param mapping references unknown slot %q", slotName)
		}
	}

	if fn.SuccessTemplate != "" {
		tpl, err := ParseTemplate(fn.SuccessTemplate)
		if err != nil {
			fail("bad success template: %v", err)
		} else {
			intent.SuccessTemplate = tpl
		}
	}
	if fn.ErrorTemplate != "" {
		tpl, err := ParseTemplate(fn.ErrorTemplate)
		if err != nil {
			fail("bad error template: %v", err)
		} else {
			intent.ErrorTemplate = tpl
		}
	}
	return problems
}

func (r *Registry) compileCEL(expr string) (cel.Program, error) {
	ast, iss := r.celEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	return r.celEnv.Program(ast)
}

// findCycle runs a colored DFS over the dependency edges; returns one cycle
// path when found, nil otherwise.
func findCycle(edges map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, m := range edges[n] {
			switch color[m] {
			case gray:
				// Extract the cycle from the stack.
				for i, s := range stack {
					if s == m {
						cycle = append(append([]string{}, stack[i:]...), m)
						return true
					}
				}
				cycle = []string{n, m, n}
				return true
			case white:
				if visit(m) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	nodes := make([]string, 0, len(edges))
	for n := range edges {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}

package extractor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/store"
)

// Validate applies each slot's rules in order (first failure wins), then the
// intent's dependency predicates. Statuses and error messages are written
// onto the extractions in place.
func (e *Extractor) Validate(intent *registry.Intent, slots map[string]*Extraction) {
	celSlots := slotValueMap(intent, slots)

	for _, slot := range intent.Slots {
		ex, ok := slots[slot.Def.Name]
		if !ok {
			continue
		}
		if ex.Status == store.SlotCorrected {
			continue
		}
		status, msg := e.validateSlot(slot, ex, celSlots)
		ex.Status = status
		ex.Error = msg
	}

	applyDependencies(intent, slots, celSlots)
}

func (e *Extractor) validateSlot(slot *registry.Slot, ex *Extraction, celSlots map[string]any) (store.ValidationStatus, string) {
	for i, rule := range slot.Def.Rules {
		ok, msg := e.checkRule(slot, i, rule, ex, celSlots)
		if !ok {
			if msg == "" {
				msg = fmt.Sprintf("值 %q 未通过 %s 校验", ex.Normalized, rule.Type)
			}
			return store.SlotInvalid, msg
		}
	}
	return store.SlotValid, ""
}

func (e *Extractor) checkRule(slot *registry.Slot, idx int, rule store.ValidationRule, ex *Extraction, celSlots map[string]any) (bool, string) {
	switch rule.Type {
	case "pattern":
		re := slot.RulePatterns[idx]
		if re == nil {
			return true, ""
		}
		return re.MatchString(ex.Normalized), rule.Message

	case "range":
		v, err := orderedValue(slot.Def.Type, ex.Normalized)
		if err != nil {
			return false, rule.Message
		}
		if rule.Min != nil && v < *rule.Min {
			return false, rule.Message
		}
		if rule.Max != nil && v > *rule.Max {
			return false, rule.Message
		}
		return true, ""

	case "allowed":
		for _, a := range rule.Allowed {
			if ex.Normalized == a {
				return true, ""
			}
		}
		return false, rule.Message

	case "format":
		if _, err := time.Parse(rule.Format, ex.Normalized); err != nil {
			return false, rule.Message
		}
		return true, ""

	case "expression":
		prog := slot.RulePrograms[idx]
		if prog == nil {
			return true, ""
		}
		ok, err := registry.EvalPredicate(prog, celSlots)
		if err != nil {
			// Referenced slot not present yet; the rule re-runs once it is.
			return true, ""
		}
		return ok, rule.Message

	default:
		return true, ""
	}
}

// orderedValue maps a normalized value onto a comparable float for range
// rules: numbers parse directly, date/time forms become unix seconds.
func orderedValue(t store.SlotType, normalized string) (float64, error) {
	switch t {
	case store.SlotTypeNumber:
		return strconv.ParseFloat(normalized, 64)
	case store.SlotTypeDate:
		ts, err := time.Parse("2006-01-02", normalized)
		if err != nil {
			return 0, err
		}
		return float64(ts.Unix()), nil
	case store.SlotTypeDatetime:
		ts, err := time.Parse("2006-01-02 15:04:05", normalized)
		if err != nil {
			return 0, err
		}
		return float64(ts.Unix()), nil
	case store.SlotTypeTime:
		ts, err := time.Parse("15:04", normalized)
		if err != nil {
			return 0, err
		}
		return float64(ts.Hour()*3600 + ts.Minute()*60), nil
	default:
		return 0, fmt.Errorf("type %s is not ordered", t)
	}
}

// applyDependencies runs after per-slot rules. A dependent slot stays pending
// until its requirement is valid; exclusive pairs invalidate the dependent.
func applyDependencies(intent *registry.Intent, slots map[string]*Extraction, celSlots map[string]any) {
	for _, dep := range intent.Dependencies {
		dependent, hasDep := slots[dep.Def.Dependent]
		if !hasDep {
			continue
		}
		required, hasReq := slots[dep.Def.RequiredOn]

		if dep.Condition != nil {
			ok, err := registry.EvalPredicate(dep.Condition, celSlots)
			if err != nil || !ok {
				continue
			}
		}

		switch dep.Def.Type {
		case store.DependencyRequired, store.DependencyConditional:
			if !hasReq || required.Status != store.SlotValid && required.Status != store.SlotCorrected {
				if dependent.Status == store.SlotValid {
					dependent.Status = store.SlotPending
					dependent.Error = fmt.Sprintf("等待 %s 先确认", dep.Def.RequiredOn)
				}
			}
		case store.DependencyExclusive:
			if hasReq && isUsable(required) && isUsable(dependent) {
				dependent.Status = store.SlotInvalid
				dependent.Error = fmt.Sprintf("%s 与 %s 不能同时填写", dep.Def.Dependent, dep.Def.RequiredOn)
			}
		case store.DependencyRelated:
			// Advisory only.
		}
	}
}

func isUsable(ex *Extraction) bool {
	return ex.Status == store.SlotValid || ex.Status == store.SlotCorrected
}

// MissingRequired returns the required slots without a usable value, in
// extraction priority order. Conditionally dependent slots count as required
// when their dependency condition holds.
func MissingRequired(intent *registry.Intent, slots map[string]*Extraction) []string {
	celSlots := slotValueMap(intent, slots)

	requiredNames := make(map[string]bool)
	for _, slot := range intent.Slots {
		if slot.Def.Required {
			requiredNames[slot.Def.Name] = true
		}
	}
	for _, dep := range intent.Dependencies {
		if dep.Def.Type != store.DependencyConditional || dep.Condition == nil {
			continue
		}
		if ok, err := registry.EvalPredicate(dep.Condition, celSlots); err == nil && ok {
			requiredNames[dep.Def.Dependent] = true
		}
	}

	var missing []string
	for _, slot := range intent.Slots {
		if !requiredNames[slot.Def.Name] {
			continue
		}
		if ex, ok := slots[slot.Def.Name]; ok && isUsable(ex) {
			continue
		}
		missing = append(missing, slot.Def.Name)
	}
	return missing
}

// HasInvalid reports whether any slot failed validation, returning the first
// such slot in extraction priority order.
func HasInvalid(intent *registry.Intent, slots map[string]*Extraction) (string, bool) {
	for _, slot := range intent.Slots {
		if ex, ok := slots[slot.Def.Name]; ok && ex.Status == store.SlotInvalid {
			return slot.Def.Name, true
		}
	}
	return "", false
}

// slotValueMap converts extractions into the typed map CEL predicates see.
func slotValueMap(intent *registry.Intent, slots map[string]*Extraction) map[string]any {
	out := make(map[string]any, len(slots))
	for name, ex := range slots {
		slot, ok := intent.SlotsByName[name]
		if !ok {
			continue
		}
		switch slot.Def.Type {
		case store.SlotTypeNumber:
			if f, err := strconv.ParseFloat(ex.Normalized, 64); err == nil {
				out[name] = f
				continue
			}
		case store.SlotTypeBoolean:
			out[name] = ex.Normalized == "true"
			continue
		}
		out[name] = ex.Normalized
	}
	return out
}

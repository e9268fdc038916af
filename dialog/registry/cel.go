package registry

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// EvalPredicate evaluates a compiled condition against the current slot map.
// Slot values are exposed under the "slots" variable; expressions look like
// slots.trip_type == "round_trip" or slots.return_date > slots.departure_date.
func EvalPredicate(prog cel.Program, slots map[string]any) (bool, error) {
	out, _, err := prog.Eval(map[string]any{"slots": slots})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate did not evaluate to bool, got %T", out.Value())
	}
	return b, nil
}

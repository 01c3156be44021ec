package match

import (
	"fmt"

	"github.com/objstack/objstack/pkg/storage"
)

// ApplyUpdate returns a copy of doc with the operator document applied.
// Unknown operators are rejected so adapter bugs surface loudly.
func ApplyUpdate(doc, update map[string]any) (map[string]any, error) {
	out := deepCopyMap(doc)

	for op, operandRaw := range update {
		operand, ok := operandRaw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("operator %s expects a document", op)
		}
		for field, value := range operand {
			switch op {
			case storage.UpdateSet:
				out[field] = deepCopy(value)
			case storage.UpdateUnset:
				delete(out, field)
			case storage.UpdateInc:
				amount, ok := asFloat(value)
				if !ok {
					return nil, fmt.Errorf("$inc on %s expects a number", field)
				}
				current, _ := asFloat(out[field])
				out[field] = current + amount
			case storage.UpdatePush, storage.UpdateAddToSet:
				each, err := eachList(value)
				if err != nil {
					return nil, fmt.Errorf("%s on %s: %w", op, field, err)
				}
				arr, _ := out[field].([]any)
				for _, elem := range each {
					if op == storage.UpdateAddToSet && containsElem(arr, elem) {
						continue
					}
					arr = append(arr, deepCopy(elem))
				}
				out[field] = arr
			case storage.UpdatePullAll:
				remove, ok := value.([]any)
				if !ok {
					return nil, fmt.Errorf("$pullAll on %s expects a list", field)
				}
				arr, _ := out[field].([]any)
				var kept []any
				for _, elem := range arr {
					if !containsElem(remove, elem) {
						kept = append(kept, elem)
					}
				}
				if kept == nil {
					kept = []any{}
				}
				out[field] = kept
			default:
				return nil, fmt.Errorf("unsupported update operator %s", op)
			}
		}
	}
	return out, nil
}

// eachList unwraps {"$each": [...]} operands.
func eachList(value any) ([]any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expects {$each: [...]}")
	}
	list, ok := m["$each"].([]any)
	if !ok {
		return nil, fmt.Errorf("expects {$each: [...]}")
	}
	return list, nil
}

func containsElem(arr []any, elem any) bool {
	for _, have := range arr {
		if Equal(have, elem) {
			return true
		}
	}
	return false
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = deepCopy(sub)
		}
		return out
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

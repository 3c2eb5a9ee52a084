package canon

import "encoding/json"

// Subset reports whether actual contains expected.
//
// Objects match when every key of expected is present in actual with a
// matching value; extra keys in actual are ignored. Arrays must have equal
// length and match element-wise. Scalars are compared after normalisation,
// so the int 3 from YAML equals json.Number("3").
func Subset(actual, expected any) bool {
	a, err := Normalize(actual)
	if err != nil {
		return false
	}
	e, err := Normalize(expected)
	if err != nil {
		return false
	}
	return subset(a, e)
}

func subset(actual, expected any) bool {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, ev := range exp {
			av, ok := act[k]
			if !ok || !subset(av, ev) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !subset(act[i], exp[i]) {
				return false
			}
		}
		return true
	case json.Number:
		act, ok := actual.(json.Number)
		return ok && act == exp
	default:
		return actual == expected
	}
}

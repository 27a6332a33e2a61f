package slot

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Hard resource ceilings on slot results. A schema's maxBytes or
// maxArrayLength may lower these but never raise them, and they apply even
// when no schema is supplied.
const (
	MaxOutputBytes    = 1 << 20
	MaxOutputArrayLen = 50000
)

// JSTypeOf reports the type tag used by output schemas. It follows
// JavaScript typeof semantics with a pragmatic extension: slices report
// "array" and nil reports "object", matching how JSON results are shaped.
func JSTypeOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "object"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return "number"
	case []interface{}:
		return "array"
	}
	return "object"
}

func typeMatches(declared string, v interface{}) bool {
	tag := JSTypeOf(v)
	if declared == "object" {
		// typeof [] === "object"; an explicit "array" schema is the
		// stricter way to say it.
		return tag == "object" || tag == "array"
	}
	return declared == tag
}

// ValidateOutput checks a slot result against its schema and the hard
// resource ceilings. Violations accumulate; the caller maps a failed report
// to OUTPUT_VALIDATION_ERROR.
func ValidateOutput(value interface{}, schema *Schema) ValidationReport {
	violations := []Violation{}

	maxBytes := MaxOutputBytes
	if schema != nil && schema.MaxBytes > 0 && schema.MaxBytes < maxBytes {
		maxBytes = schema.MaxBytes
	}
	maxArray := MaxOutputArrayLen
	if schema != nil && schema.MaxArrayLength > 0 && schema.MaxArrayLength < maxArray {
		maxArray = schema.MaxArrayLength
	}

	b, err := json.Marshal(value)
	if err != nil {
		violations = append(violations, Violation{
			RuleID:  "serialize",
			Message: fmt.Sprintf("result is not JSON-serializable: %v", err),
		})
	} else if len(b) > maxBytes {
		violations = append(violations, Violation{
			RuleID:  "max-bytes",
			Message: fmt.Sprintf("result is %d bytes serialized, limit is %d", len(b), maxBytes),
		})
	}

	if n, found := oversizedArray(value, maxArray); found {
		violations = append(violations, Violation{
			RuleID:  "max-array-length",
			Message: fmt.Sprintf("result contains an array of %d elements, limit is %d", n, maxArray),
		})
	}

	if schema != nil {
		violations = append(violations, checkShape(value, schema)...)
	}

	return ValidationReport{OK: len(violations) == 0, Violations: violations}
}

func checkShape(value interface{}, schema *Schema) []Violation {
	var violations []Violation

	if schema.Type != "" && !typeMatches(schema.Type, value) {
		violations = append(violations, Violation{
			RuleID:  "type",
			Message: fmt.Sprintf("expected result type %q, got %q", schema.Type, JSTypeOf(value)),
		})
	}

	if len(schema.Properties) == 0 {
		return violations
	}

	obj, ok := value.(map[string]interface{})
	if !ok {
		violations = append(violations, Violation{
			RuleID:  "missing-property",
			Message: "schema declares properties but result is not an object",
		})
		return violations
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := schema.Properties[name]
		v, present := obj[name]
		if !present {
			if !prop.Optional {
				violations = append(violations, Violation{
					RuleID:  "missing-property",
					Message: fmt.Sprintf("required property %q is missing", name),
				})
			}
			continue
		}
		if prop.Type != "" && !typeMatches(prop.Type, v) {
			violations = append(violations, Violation{
				RuleID:  "property-type",
				Message: fmt.Sprintf("property %q: expected type %q, got %q", name, prop.Type, JSTypeOf(v)),
			})
		}
	}
	return violations
}

// oversizedArray finds the first array anywhere in the value tree longer
// than limit.
func oversizedArray(v interface{}, limit int) (int, bool) {
	switch t := v.(type) {
	case []interface{}:
		if len(t) > limit {
			return len(t), true
		}
		for _, el := range t {
			if n, found := oversizedArray(el, limit); found {
				return n, true
			}
		}
	case map[string]interface{}:
		for _, el := range t {
			if n, found := oversizedArray(el, limit); found {
				return n, true
			}
		}
	}
	return 0, false
}

package schema

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

// Ruleset is the merged validation rule set of a record type: the base
// rules every record obeys plus the type's own validations block.
//
// Properties hold JSON-schema style constraints keyed by top-level field
// name. Each constraint may carry bsonType, required, properties, enum,
// minimum and maximum; nested objects recurse.
type Ruleset struct {
	Required   []string
	Properties map[string]any
}

// baseRuleset returns the rules shared by every record type. Timestamps are
// stored as fixed-width UTC strings, so the metadata timestamps are typed
// string rather than date.
func baseRuleset() Ruleset {
	return Ruleset{
		Required: []string{"_id", "type", "metadata"},
		Properties: map[string]any{
			"_id":  map[string]any{"bsonType": "string"},
			"type": map[string]any{"bsonType": "string"},
			"metadata": map[string]any{
				"bsonType": "object",
				"required": []any{"created_at", "updated_at"},
				"properties": map[string]any{
					"created_at": map[string]any{"bsonType": "string"},
					"updated_at": map[string]any{"bsonType": "string"},
				},
				"additionalProperties": true,
			},
		},
	}
}

// merge overlays a source validations block onto r. Required names are
// unioned with r's order first; source properties replace base properties
// of the same name.
func (r Ruleset) merge(v Validations) Ruleset {
	out := r.Clone()
	for _, name := range v.Required {
		if !slices.Contains(out.Required, name) {
			out.Required = append(out.Required, name)
		}
	}
	for name, rule := range v.Properties {
		out.Properties[name] = cloneValue(rule)
	}
	return out
}

// Clone returns a deep copy of r.
func (r Ruleset) Clone() Ruleset {
	out := Ruleset{
		Required:   slices.Clone(r.Required),
		Properties: cloneMap(r.Properties),
	}
	if out.Properties == nil {
		out.Properties = make(map[string]any)
	}
	return out
}

// JSONSchema renders r as a collection validator document.
func (r Ruleset) JSONSchema() map[string]any {
	required := make([]any, len(r.Required))
	for i, name := range r.Required {
		required[i] = name
	}
	return map[string]any{
		"$jsonSchema": map[string]any{
			"bsonType":             "object",
			"required":             required,
			"properties":           cloneMap(r.Properties),
			"additionalProperties": true,
		},
	}
}

// Validate checks doc against r. All violations are reported together,
// wrapped in ErrDocumentInvalid.
func (r Ruleset) Validate(doc map[string]any) error {
	var problems []string
	checkObject("", doc, r.Required, r.Properties, &problems)
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDocumentInvalid, strings.Join(problems, "; "))
}

func checkObject(prefix string, doc map[string]any, required []string, props map[string]any, problems *[]string) {
	for _, name := range required {
		if v, ok := doc[name]; !ok || v == nil {
			*problems = append(*problems, prefix+name+": required")
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rule, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		v, present := doc[name]
		if !present || v == nil {
			continue
		}
		checkValue(prefix+name, v, rule, problems)
	}
}

func checkValue(path string, v any, rule map[string]any, problems *[]string) {
	if bt, ok := rule["bsonType"]; ok && !bsonMatches(bt, v) {
		*problems = append(*problems, fmt.Sprintf("%s: expected %v", path, bt))
		return
	}

	if enum, ok := rule["enum"].([]any); ok && !EnumContains(enum, v) {
		*problems = append(*problems, fmt.Sprintf("%s: %v not in %v", path, v, enum))
	}

	if f, ok := numeric(v); ok {
		if lo, ok := numeric(rule["minimum"]); ok && f < lo {
			*problems = append(*problems, fmt.Sprintf("%s: %v below minimum %v", path, v, lo))
		}
		if hi, ok := numeric(rule["maximum"]); ok && f > hi {
			*problems = append(*problems, fmt.Sprintf("%s: %v above maximum %v", path, v, hi))
		}
	}

	nested, ok := v.(map[string]any)
	if !ok {
		return
	}
	var required []string
	if list, ok := rule["required"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				required = append(required, s)
			}
		}
	}
	props, _ := rule["properties"].(map[string]any)
	if len(required) > 0 || len(props) > 0 {
		checkObject(path+".", nested, required, props, problems)
	}
}

// bsonMatches reports whether v satisfies a bsonType constraint, which may
// be a single type name or a list of alternatives.
func bsonMatches(bt any, v any) bool {
	switch t := bt.(type) {
	case string:
		return bsonTypeMatches(t, v)
	case []any:
		for _, alt := range t {
			if s, ok := alt.(string); ok && bsonTypeMatches(s, v) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func bsonTypeMatches(name string, v any) bool {
	switch name {
	case "string":
		_, ok := v.(string)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		return TypeArray.Accepts(v)
	case "bool":
		_, ok := v.(bool)
		return ok
	case "double", "decimal", "number":
		_, ok := numeric(v)
		return ok
	case "int", "long":
		f, ok := numeric(v)
		return ok && f == math.Trunc(f)
	case "date":
		switch tv := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, tv)
			return err == nil
		}
		return false
	case "null":
		return v == nil
	default:
		return true
	}
}

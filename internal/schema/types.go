package schema

import (
	"encoding/json"
	"math"
	"reflect"
	"slices"
	"strings"
	"time"
)

// FieldType is the primitive type a profile field declares.
type FieldType string

// Field types. Short and JSON-schema spellings in a source normalise to these.
const (
	TypeAny      FieldType = "any"
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeNumber   FieldType = "number"
	TypeBoolean  FieldType = "boolean"
	TypeObject   FieldType = "object"
	TypeArray    FieldType = "array"
	TypeDateTime FieldType = "datetime"
)

// Field is one declared profile (or data) field.
type Field struct {
	Name string
	Type FieldType

	// Items is the element type of an array field; empty means unchecked.
	Items FieldType

	// Required is false when the field declares a default or required: false.
	Required bool

	HasDefault bool
	Default    any

	Enum    []any
	Minimum *float64
	Maximum *float64
}

// Schema is the parsed, immutable definition of one record type.
type Schema struct {
	Type string

	// Profile lists the profile fields in declaration order.
	Profile []Field

	// Data lists optional typed data fields (e.g. temperature) in
	// declaration order. Absent data fields are never an error.
	Data []Field

	Validations Validations
}

// Validations is the optional validations block of a schema source.
type Validations struct {
	Required   []string
	Properties map[string]any
}

// ProfileField returns the named profile field definition.
func (s *Schema) ProfileField(name string) (Field, bool) {
	for _, f := range s.Profile {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// RequiredProfileFields returns the names of required profile fields in
// declaration order.
func (s *Schema) RequiredProfileFields() []string {
	var names []string
	for _, f := range s.Profile {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// Clone returns a deep copy of s.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{
		Type:    s.Type,
		Profile: cloneFields(s.Profile),
		Data:    cloneFields(s.Data),
		Validations: Validations{
			Required:   slices.Clone(s.Validations.Required),
			Properties: cloneMap(s.Validations.Properties),
		},
	}
	return out
}

func cloneFields(fields []Field) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	for i, f := range fields {
		f.Default = cloneValue(f.Default)
		if f.Enum != nil {
			f.Enum = cloneValue(f.Enum).([]any) //nolint:forcetypeassert // cloneValue preserves []any
		}
		if f.Minimum != nil {
			v := *f.Minimum
			f.Minimum = &v
		}
		if f.Maximum != nil {
			v := *f.Maximum
			f.Maximum = &v
		}
		out[i] = f
	}
	return out
}

// parseFieldType maps a source type name onto a FieldType. The second
// result is the element type for List[...] forms.
func parseFieldType(name string) (FieldType, FieldType, bool) {
	n := strings.ToLower(strings.TrimSpace(name))

	if inner, ok := strings.CutPrefix(n, "list["); ok {
		inner = strings.TrimSuffix(inner, "]")
		item, _, ok := parseFieldType(inner)
		if !ok {
			return "", "", false
		}
		return TypeArray, item, true
	}
	if strings.HasPrefix(n, "dict[") {
		return TypeObject, "", true
	}

	switch n {
	case "str", "string", "text":
		return TypeString, "", true
	case "int", "integer", "long":
		return TypeInteger, "", true
	case "float", "double", "number", "decimal":
		return TypeNumber, "", true
	case "bool", "boolean":
		return TypeBoolean, "", true
	case "dict", "object", "map":
		return TypeObject, "", true
	case "list", "array":
		return TypeArray, "", true
	case "datetime", "date", "timestamp":
		return TypeDateTime, "", true
	case "any", "":
		return TypeAny, "", true
	default:
		return "", "", false
	}
}

// Accepts reports whether v's runtime type satisfies t. JSON numbers
// (float64) with an integral value are accepted as integers.
func (t FieldType) Accepts(v any) bool {
	switch t {
	case TypeAny, "":
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		f, ok := numeric(v)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	case TypeNumber:
		_, ok := numeric(v)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		if v == nil {
			return false
		}
		return reflect.TypeOf(v).Kind() == reflect.Map
	case TypeArray:
		if v == nil {
			return false
		}
		return reflect.TypeOf(v).Kind() == reflect.Slice
	case TypeDateTime:
		switch tv := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, tv)
			return err == nil
		}
		return false
	default:
		return false
	}
}

// numeric converts any Go numeric value to float64. Booleans are not numbers.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Numeric is the exported form of numeric for callers comparing values
// against Minimum/Maximum.
func Numeric(v any) (float64, bool) {
	return numeric(v)
}

// EnumContains reports whether v equals one of enum, comparing numbers by
// value so that 2 and 2.0 match.
func EnumContains(enum []any, v any) bool {
	vf, vNum := numeric(v)
	for _, e := range enum {
		if vNum {
			if ef, ok := numeric(e); ok && ef == vf {
				return true
			}
			continue
		}
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return cloneValue(m).(map[string]any) //nolint:forcetypeassert // cloneValue preserves map type
}

// cloneValue deep-copies the JSON-shaped values found in schemas.
func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		return slices.Clone(tv)
	default:
		return v
	}
}

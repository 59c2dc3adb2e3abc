package schema

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// fieldSpec is the long form of a field definition.
type fieldSpec struct {
	Type     string   `yaml:"type"`
	Items    string   `yaml:"items"`
	Required *bool    `yaml:"required"`
	Default  any      `yaml:"default"`
	Enum     []any    `yaml:"enum"`
	Minimum  *float64 `yaml:"minimum"`
	Maximum  *float64 `yaml:"maximum"`
}

type validationsSpec struct {
	Required   []string       `yaml:"required"`
	Properties map[string]any `yaml:"properties"`
}

// parse decodes a schema source. The yaml.Node walk keeps profile fields
// in declaration order, which a plain map decode would lose.
func parse(recordType string, source []byte) (*Schema, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidSchema)
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: document root must be a mapping", ErrInvalidSchema)
	}

	schemas := lookup(root, "schemas")
	if schemas == nil {
		return nil, fmt.Errorf("%w: missing schemas root", ErrInvalidSchema)
	}
	if schemas.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: schemas must be a mapping", ErrInvalidSchema)
	}

	common := lookup(schemas, "common_fields")
	if common == nil || common.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: missing schemas.common_fields mapping", ErrInvalidSchema)
	}

	profileNode := lookup(common, "profile")
	if profileNode == nil || profileNode.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: missing schemas.common_fields.profile mapping", ErrInvalidSchema)
	}

	s := &Schema{Type: recordType}

	var err error
	if s.Profile, err = parseFields(profileNode, true); err != nil {
		return nil, fmt.Errorf("%w: profile: %w", ErrInvalidSchema, err)
	}

	if dataNode := lookup(common, "data"); dataNode != nil {
		if dataNode.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: schemas.common_fields.data must be a mapping", ErrInvalidSchema)
		}
		if s.Data, err = parseFields(dataNode, false); err != nil {
			return nil, fmt.Errorf("%w: data: %w", ErrInvalidSchema, err)
		}
	}

	validations := lookup(schemas, "validations")
	if validations == nil {
		validations = lookup(root, "validations")
	}
	if validations != nil {
		if s.Validations, err = parseValidations(validations); err != nil {
			return nil, fmt.Errorf("%w: validations: %w", ErrInvalidSchema, err)
		}
	}

	return s, nil
}

// lookup returns the value node for key in a mapping node.
func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// parseFields reads a field map. requiredByDefault applies to fields that
// neither declare a default nor set required explicitly.
func parseFields(m *yaml.Node, requiredByDefault bool) ([]Field, error) {
	fields := make([]Field, 0, len(m.Content)/2)
	seen := make(map[string]bool, len(m.Content)/2)

	for i := 0; i+1 < len(m.Content); i += 2 {
		name := m.Content[i].Value
		if name == "" {
			return nil, fmt.Errorf("empty field name at line %d", m.Content[i].Line)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate field %q", name)
		}
		seen[name] = true

		f, err := parseField(name, m.Content[i+1], requiredByDefault)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func parseField(name string, n *yaml.Node, requiredByDefault bool) (Field, error) {
	f := Field{Name: name, Required: requiredByDefault}

	switch n.Kind {
	case yaml.ScalarNode:
		typ, items, ok := parseFieldType(n.Value)
		if !ok {
			return Field{}, fmt.Errorf("field %q: unknown type %q", name, n.Value)
		}
		f.Type, f.Items = typ, items
		return f, nil

	case yaml.MappingNode:
		if lookup(n, "type") == nil {
			// A nested map without a type key describes an object.
			f.Type = TypeObject
			return f, nil
		}

		var spec fieldSpec
		if err := n.Decode(&spec); err != nil {
			return Field{}, fmt.Errorf("field %q: %w", name, err)
		}
		typ, items, ok := parseFieldType(spec.Type)
		if !ok {
			return Field{}, fmt.Errorf("field %q: unknown type %q", name, spec.Type)
		}
		f.Type, f.Items = typ, items
		if spec.Items != "" {
			item, _, ok := parseFieldType(spec.Items)
			if !ok {
				return Field{}, fmt.Errorf("field %q: unknown item type %q", name, spec.Items)
			}
			f.Items = item
		}

		if lookup(n, "default") != nil {
			f.HasDefault = true
			v, err := jsonNormal(spec.Default)
			if err != nil {
				return Field{}, fmt.Errorf("field %q default: %w", name, err)
			}
			f.Default = v
			f.Required = false
		}
		if spec.Required != nil {
			f.Required = *spec.Required
		}

		if spec.Enum != nil {
			v, err := jsonNormal(spec.Enum)
			if err != nil {
				return Field{}, fmt.Errorf("field %q enum: %w", name, err)
			}
			f.Enum = v.([]any) //nolint:forcetypeassert // JSON array decodes to []any
		}
		f.Minimum, f.Maximum = spec.Minimum, spec.Maximum
		if f.Minimum != nil && f.Maximum != nil && *f.Minimum > *f.Maximum {
			return Field{}, fmt.Errorf("field %q: minimum %v exceeds maximum %v", name, *f.Minimum, *f.Maximum)
		}
		return f, nil

	default:
		return Field{}, fmt.Errorf("field %q: definition must be a type name or a mapping", name)
	}
}

func parseValidations(n *yaml.Node) (Validations, error) {
	if n.Kind != yaml.MappingNode {
		return Validations{}, fmt.Errorf("must be a mapping")
	}
	var spec validationsSpec
	if err := n.Decode(&spec); err != nil {
		return Validations{}, err
	}

	v := Validations{Required: spec.Required}
	if spec.Properties != nil {
		props, err := jsonNormal(spec.Properties)
		if err != nil {
			return Validations{}, fmt.Errorf("properties: %w", err)
		}
		v.Properties = props.(map[string]any) //nolint:forcetypeassert // JSON object decodes to map
	}
	return v, nil
}

// jsonNormal converts YAML-decoded values into the shapes JSON decoding
// produces (float64 numbers, map[string]any objects), so schema constants
// compare cleanly against request and store documents.
func jsonNormal(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

package replica

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/replica-core/internal/schema"
	"github.com/nerrad567/replica-core/internal/store"
)

// SchemaSource supplies parsed schemas. *schema.Registry satisfies it.
type SchemaSource interface {
	Schema(recordType string) (*schema.Schema, error)
}

// Factory validates raw input against a record type's schema and builds
// canonical replicas. It has no side effects; persisting the result is the
// caller's job.
//
// Thread Safety: a Factory is safe for concurrent use once configured.
type Factory struct {
	schemas SchemaSource
	now     func() time.Time
	newID   func() string
}

// NewFactory creates a factory reading schemas from src.
func NewFactory(src SchemaSource) *Factory {
	return &Factory{
		schemas: src,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetClock replaces the time source. Call before concurrent use.
func (f *Factory) SetClock(now func() time.Time) {
	f.now = now
}

// SetIDGenerator replaces the id source. Call before concurrent use.
func (f *Factory) SetIDGenerator(newID func() string) {
	f.newID = newID
}

// Create validates raw and builds a replica of recordType.
//
// Validation stops at the first failing stage, in this order:
//  1. raw.profile must be present and an object.
//  2. Every required profile field must be present; all missing names are
//     reported together.
//  3. Present fields must match their declared type.
//  4. Present fields must satisfy declared enum and range constraints.
//  5. Each supplied data.measurements entry must carry measure_type, value
//     and timestamp.
//
// Defaults: data.status "active", empty properties/measurements/relations,
// metadata.privacy_level "private", declared profile defaults, and a fresh
// UUID unless raw carries _id or id.
func (f *Factory) Create(recordType string, raw map[string]any) (*DigitalReplica, error) {
	s, err := f.schemas.Schema(recordType)
	if err != nil {
		return nil, err
	}

	// Work on a JSON-normal copy so type checks see one number type and the
	// caller's maps are never aliased.
	input, err := store.Normalize(raw)
	if err != nil {
		return nil, &ValidationError{Reason: "input is not a JSON object"}
	}

	profile, ok := input["profile"].(map[string]any)
	if !ok {
		return nil, &ValidationError{Fields: []string{"profile"}, Reason: "missing profile"}
	}

	if missing := missingFields(s, profile); len(missing) > 0 {
		return nil, &ValidationError{Fields: missing, Reason: "missing required profile fields"}
	}

	data, _ := input["data"].(map[string]any)

	if bad := typeMismatches(s, profile, data); len(bad) > 0 {
		return nil, &ValidationError{Fields: bad, Reason: "field type mismatch"}
	}

	if bad := constraintViolations(s, profile); len(bad) > 0 {
		return nil, &ValidationError{Fields: bad, Reason: "constraint violated"}
	}

	measurements, err := parseMeasurements(data)
	if err != nil {
		return nil, err
	}

	relations, err := parseRelations(pick(data, input, "relations"))
	if err != nil {
		return nil, err
	}

	for _, field := range s.Profile {
		if _, present := profile[field.Name]; !present && field.HasDefault {
			v, _ := store.NormalizeValue(field.Default)
			profile[field.Name] = v
		}
	}

	now := f.now().UTC().Truncate(time.Microsecond)
	r := &DigitalReplica{
		ID:      f.idFor(input),
		Type:    recordType,
		Profile: profile,
		Metadata: Metadata{
			CreatedAt:    now,
			UpdatedAt:    now,
			PrivacyLevel: DefaultPrivacyLevel,
		},
		Data: Data{
			Status:       DefaultStatus,
			Properties:   map[string]any{},
			Measurements: measurements,
			Relations:    relations,
			Extra:        map[string]any{},
		},
	}

	if meta, ok := input["metadata"].(map[string]any); ok {
		if p, ok := meta["privacy_level"].(string); ok && p != "" {
			r.Metadata.PrivacyLevel = p
		}
	}
	if p, ok := input["privacy_level"].(string); ok && p != "" {
		r.Metadata.PrivacyLevel = p
	}

	if status, ok := pick(data, input, "status").(string); ok && status != "" {
		r.Data.Status = status
	}
	if props, ok := pick(data, input, "properties").(map[string]any); ok {
		r.Data.Properties = props
	}
	for k, v := range data {
		switch k {
		case "status", "properties", "measurements", "relations":
		default:
			r.Data.Extra[k] = v
		}
	}

	return r, nil
}

func (f *Factory) idFor(input map[string]any) string {
	for _, key := range []string{"_id", "id"} {
		if id, ok := input[key].(string); ok && id != "" {
			return id
		}
	}
	return f.newID()
}

// pick prefers data[key] and falls back to the top-level input[key], which
// is where older clients put status, properties and relations.
func pick(data, input map[string]any, key string) any {
	if v, ok := data[key]; ok {
		return v
	}
	return input[key]
}

func missingFields(s *schema.Schema, profile map[string]any) []string {
	var missing []string
	for _, field := range s.Profile {
		if !field.Required {
			continue
		}
		if v, ok := profile[field.Name]; !ok || v == nil {
			missing = append(missing, field.Name)
		}
	}
	return missing
}

func typeMismatches(s *schema.Schema, profile, data map[string]any) []string {
	var bad []string
	check := func(prefix string, fields []schema.Field, values map[string]any) {
		for _, field := range fields {
			v, ok := values[field.Name]
			if !ok || v == nil {
				continue
			}
			if !field.Type.Accepts(v) {
				bad = append(bad, fmt.Sprintf("%s%s (expected %s)", prefix, field.Name, field.Type))
				continue
			}
			if field.Type == schema.TypeArray && field.Items != "" {
				list, _ := v.([]any)
				for i, item := range list {
					if !field.Items.Accepts(item) {
						bad = append(bad, fmt.Sprintf("%s%s[%d] (expected %s)", prefix, field.Name, i, field.Items))
					}
				}
			}
		}
	}
	check("", s.Profile, profile)
	check("data.", s.Data, data)
	return bad
}

func constraintViolations(s *schema.Schema, profile map[string]any) []string {
	var bad []string
	for _, field := range s.Profile {
		v, ok := profile[field.Name]
		if !ok || v == nil {
			continue
		}
		if len(field.Enum) > 0 && !schema.EnumContains(field.Enum, v) {
			bad = append(bad, fmt.Sprintf("%s (must be one of %v)", field.Name, field.Enum))
		}
		n, isNum := schema.Numeric(v)
		if !isNum {
			continue
		}
		if field.Minimum != nil && n < *field.Minimum {
			bad = append(bad, fmt.Sprintf("%s (below minimum %v)", field.Name, *field.Minimum))
		}
		if field.Maximum != nil && n > *field.Maximum {
			bad = append(bad, fmt.Sprintf("%s (above maximum %v)", field.Name, *field.Maximum))
		}
	}
	return bad
}

func parseMeasurements(data map[string]any) ([]Measurement, error) {
	raw, ok := data["measurements"]
	if !ok || raw == nil {
		return []Measurement{}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &ValidationError{Fields: []string{"data.measurements"}, Reason: "measurements must be a list"}
	}

	var bad []string
	out := make([]Measurement, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			bad = append(bad, fmt.Sprintf("data.measurements[%d]", i))
			continue
		}

		m := Measurement{Value: entry["value"]}
		m.MeasureType, _ = entry["measure_type"].(string)
		m.DeviceID, _ = entry["device_id"].(string)
		if m.MeasureType == "" {
			bad = append(bad, fmt.Sprintf("data.measurements[%d].measure_type", i))
		}
		if m.Value == nil {
			bad = append(bad, fmt.Sprintf("data.measurements[%d].value", i))
		}
		ts, _ := entry["timestamp"].(string)
		t, err := store.ParseTime(ts)
		if err != nil {
			bad = append(bad, fmt.Sprintf("data.measurements[%d].timestamp", i))
		}
		m.Timestamp = t
		out = append(out, m)
	}
	if len(bad) > 0 {
		return nil, &ValidationError{Fields: bad, Reason: "invalid measurements"}
	}
	return out, nil
}

func parseRelations(raw any) (map[string][]string, error) {
	rel := make(map[string][]string)
	if raw == nil {
		return rel, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &ValidationError{Fields: []string{"data.relations"}, Reason: "relations must map a type to a list of ids"}
	}
	for k, v := range m {
		list, ok := v.([]any)
		if !ok {
			return nil, &ValidationError{Fields: []string{"data.relations." + k}, Reason: "relations must map a type to a list of ids"}
		}
		ids := make([]string, 0, len(list))
		for _, id := range list {
			s, ok := id.(string)
			if !ok {
				return nil, &ValidationError{Fields: []string{"data.relations." + k}, Reason: "relation ids must be strings"}
			}
			ids = append(ids, s)
		}
		rel[k] = ids
	}
	return rel, nil
}

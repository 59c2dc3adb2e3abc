package replica

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/nerrad567/replica-core/internal/store"
)

// Default values applied by the factory.
const (
	DefaultStatus       = "active"
	DefaultPrivacyLevel = "private"
)

// DigitalReplica is a schema-validated record representing one physical
// entity (a room, bottle, patient or doctor).
type DigitalReplica struct {
	// ID is globally unique and immutable. It is stored as _id.
	ID string

	// Type selects the schema and collection; immutable.
	Type string

	// Profile holds the descriptive attributes declared by the schema plus
	// any extra attributes the caller supplied.
	Profile map[string]any

	Metadata Metadata
	Data     Data
}

// Metadata carries lifecycle timestamps and the privacy level.
type Metadata struct {
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PrivacyLevel string
}

// Data is the mutable part of a replica.
type Data struct {
	Status     string
	Properties map[string]any

	// Measurements is append-only, in insertion order.
	Measurements []Measurement

	// Relations maps a record type to related record ids.
	Relations map[string][]string

	// Extra holds the remaining data keys (temperature, optimal_temperature,
	// access_logs, room_access_history, ...).
	Extra map[string]any
}

// Measurement is one immutable reading.
type Measurement struct {
	MeasureType string
	Value       any
	Timestamp   time.Time
	DeviceID    string
}

// Document renders m in stored form.
func (m Measurement) Document() map[string]any {
	doc := map[string]any{
		"measure_type": m.MeasureType,
		"value":        m.Value,
		"timestamp":    store.FormatTime(m.Timestamp),
	}
	if m.DeviceID != "" {
		doc["device_id"] = m.DeviceID
	}
	return doc
}

// Validate checks the invariants every persisted replica holds.
func (r *DigitalReplica) Validate() error {
	var fields []string
	if r.ID == "" {
		fields = append(fields, "_id")
	}
	if r.Type == "" {
		fields = append(fields, "type")
	}
	if r.Metadata.CreatedAt.IsZero() || r.Metadata.UpdatedAt.Before(r.Metadata.CreatedAt) {
		fields = append(fields, "metadata")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields, Reason: "replica invariants violated"}
	}
	return nil
}

// Document converts r into the JSON-normal document the record store keeps.
func (r *DigitalReplica) Document() store.Document {
	measurements := make([]any, len(r.Data.Measurements))
	for i, m := range r.Data.Measurements {
		measurements[i] = m.Document()
	}

	relations := make(map[string]any, len(r.Data.Relations))
	for k, ids := range r.Data.Relations {
		list := make([]any, len(ids))
		for i, id := range ids {
			list[i] = id
		}
		relations[k] = list
	}

	data := make(map[string]any, len(r.Data.Extra)+4)
	maps.Copy(data, r.Data.Extra)
	data["status"] = r.Data.Status
	data["properties"] = orEmpty(r.Data.Properties)
	data["measurements"] = measurements
	data["relations"] = relations

	doc := store.Document{
		"_id":     r.ID,
		"type":    r.Type,
		"profile": orEmpty(r.Profile),
		"metadata": map[string]any{
			"created_at":    store.FormatTime(r.Metadata.CreatedAt),
			"updated_at":    store.FormatTime(r.Metadata.UpdatedAt),
			"privacy_level": r.Metadata.PrivacyLevel,
		},
		"data": data,
	}

	// Profile and extra data may hold arbitrary caller values; a JSON round
	// trip brings them into stored form.
	if normal, err := store.Normalize(doc); err == nil {
		return normal
	}
	return doc
}

// MarshalJSON encodes r in its document form.
func (r *DigitalReplica) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Document())
}

// FromDocument converts a stored document back into a replica.
func FromDocument(doc store.Document) (*DigitalReplica, error) {
	r := &DigitalReplica{}

	var ok bool
	if r.ID, ok = doc["_id"].(string); !ok {
		return nil, fmt.Errorf("%w: document has no _id", ErrMalformedDocument)
	}
	if r.Type, ok = doc["type"].(string); !ok {
		return nil, fmt.Errorf("%w: document %s has no type", ErrMalformedDocument, r.ID)
	}
	r.Profile, _ = doc["profile"].(map[string]any)

	if meta, ok := doc["metadata"].(map[string]any); ok {
		var err error
		if r.Metadata.CreatedAt, err = parseTimeField(meta, "created_at"); err != nil {
			return nil, err
		}
		if r.Metadata.UpdatedAt, err = parseTimeField(meta, "updated_at"); err != nil {
			return nil, err
		}
		r.Metadata.PrivacyLevel, _ = meta["privacy_level"].(string)
	}

	data, _ := doc["data"].(map[string]any)
	r.Data.Extra = make(map[string]any)
	for k, v := range data {
		switch k {
		case "status":
			r.Data.Status, _ = v.(string)
		case "properties":
			r.Data.Properties, _ = v.(map[string]any)
		case "measurements":
			ms, err := decodeMeasurements(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrMalformedDocument, r.ID, err)
			}
			r.Data.Measurements = ms
		case "relations":
			r.Data.Relations = decodeRelations(v)
		default:
			r.Data.Extra[k] = v
		}
	}
	return r, nil
}

func parseTimeField(m map[string]any, key string) (time.Time, error) {
	s, ok := m[key].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: metadata.%s missing", ErrMalformedDocument, key)
	}
	t, err := store.ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: metadata.%s: %w", ErrMalformedDocument, key, err)
	}
	return t, nil
}

func decodeMeasurements(v any) ([]Measurement, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("measurements is not a list")
	}
	out := make([]Measurement, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("measurement %d is not an object", i)
		}
		var ms Measurement
		ms.MeasureType, _ = m["measure_type"].(string)
		ms.Value = m["value"]
		ms.DeviceID, _ = m["device_id"].(string)
		if ts, ok := m["timestamp"].(string); ok {
			t, err := store.ParseTime(ts)
			if err != nil {
				return nil, fmt.Errorf("measurement %d: %w", i, err)
			}
			ms.Timestamp = t
		}
		out = append(out, ms)
	}
	return out, nil
}

func decodeRelations(v any) map[string][]string {
	rel := make(map[string][]string)
	m, _ := v.(map[string]any)
	for k, raw := range m {
		list, _ := raw.([]any)
		ids := make([]string, 0, len(list))
		for _, id := range list {
			if s, ok := id.(string); ok {
				ids = append(ids, s)
			}
		}
		rel[k] = ids
	}
	return rel
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

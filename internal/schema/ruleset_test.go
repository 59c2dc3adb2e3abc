package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func validDoc() map[string]any {
	return map[string]any{
		"_id":  "r-1",
		"type": "room",
		"profile": map[string]any{
			"room_number": "101",
			"floor":       float64(1),
		},
		"metadata": map[string]any{
			"created_at": "2026-03-01T09:00:00.000000Z",
			"updated_at": "2026-03-01T09:00:00.000000Z",
		},
	}
}

func TestBaseRuleset(t *testing.T) {
	base := baseRuleset()
	if diff := cmp.Diff([]string{"_id", "type", "metadata"}, base.Required); diff != "" {
		t.Errorf("Required mismatch (-want +got):\n%s", diff)
	}
	meta, ok := base.Properties["metadata"].(map[string]any)
	if !ok {
		t.Fatal("metadata rule missing")
	}
	if diff := cmp.Diff([]any{"created_at", "updated_at"}, meta["required"]); diff != "" {
		t.Errorf("metadata.required mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge(t *testing.T) {
	merged := baseRuleset().merge(Validations{
		Required: []string{"type", "profile"},
		Properties: map[string]any{
			"type":    map[string]any{"bsonType": "string", "enum": []any{"room"}},
			"profile": map[string]any{"bsonType": "object"},
		},
	})

	if diff := cmp.Diff([]string{"_id", "type", "metadata", "profile"}, merged.Required); diff != "" {
		t.Errorf("Required mismatch (-want +got):\n%s", diff)
	}
	typeRule := merged.Properties["type"].(map[string]any) //nolint:forcetypeassert // test
	if _, ok := typeRule["enum"]; !ok {
		t.Error("source property did not override base property")
	}
	if _, ok := merged.Properties["metadata"]; !ok {
		t.Error("base property lost in merge")
	}

	// The base is untouched.
	if len(baseRuleset().Required) != 3 {
		t.Error("merge modified the base rule set")
	}
}

func TestJSONSchema(t *testing.T) {
	rules := baseRuleset()
	js := rules.JSONSchema()

	inner, ok := js["$jsonSchema"].(map[string]any)
	if !ok {
		t.Fatalf("JSONSchema() = %v, want $jsonSchema root", js)
	}
	if inner["bsonType"] != "object" || inner["additionalProperties"] != true {
		t.Errorf("root = %v, want object with additionalProperties", inner)
	}
	if diff := cmp.Diff([]any{"_id", "type", "metadata"}, inner["required"]); diff != "" {
		t.Errorf("required mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	r := loadRegistry(t)
	rules, _ := r.ValidationRules("room")

	tests := []struct {
		name    string
		mutate  func(doc map[string]any)
		wantErr string
	}{
		{"valid", func(map[string]any) {}, ""},
		{"missing id", func(d map[string]any) { delete(d, "_id") }, "_id: required"},
		{"wrong id type", func(d map[string]any) { d["_id"] = 7.0 }, "_id: expected string"},
		{"missing profile", func(d map[string]any) { delete(d, "profile") }, "profile: required"},
		{"profile not object", func(d map[string]any) { d["profile"] = "x" }, "profile: expected object"},
		{"nested required", func(d map[string]any) {
			delete(d["profile"].(map[string]any), "floor") //nolint:forcetypeassert // test
		}, "profile.floor: required"},
		{"missing updated_at", func(d map[string]any) {
			delete(d["metadata"].(map[string]any), "updated_at") //nolint:forcetypeassert // test
		}, "metadata.updated_at: required"},
		{"extra fields allowed", func(d map[string]any) { d["data"] = map[string]any{"x": 1.0} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDoc()
			tt.mutate(doc)

			err := rules.Validate(doc)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrDocumentInvalid) {
				t.Fatalf("Validate() error = %v, want ErrDocumentInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	err := baseRuleset().Validate(map[string]any{})
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	for _, want := range []string{"_id: required", "type: required", "metadata: required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %q, missing %q", err, want)
		}
	}
}

func TestValidate_EnumAndRange(t *testing.T) {
	rules := baseRuleset().merge(Validations{Properties: map[string]any{
		"level": map[string]any{"bsonType": []any{"int", "long"}, "minimum": 0.0, "maximum": 5.0},
		"kind":  map[string]any{"enum": []any{"a", "b"}},
	}})

	doc := validDoc()
	doc["level"] = 9.0
	doc["kind"] = "c"

	err := rules.Validate(doc)
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	for _, want := range []string{"level: 9 above maximum 5", "kind: c not in"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %q, missing %q", err, want)
		}
	}

	doc["level"] = 2.5
	doc["kind"] = "a"
	if err := rules.Validate(doc); err == nil || !strings.Contains(err.Error(), "level: expected") {
		t.Errorf("Validate() error = %v, want bsonType failure for non-integer", err)
	}
}

package schema

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const roomSource = `
schemas:
  common_fields:
    profile:
      room_number: str
      floor: int
      name: str
      room_type:
        type: str
        enum: [patient, surgery, storage]
      capacity:
        type: int
        default: 1
        minimum: 0
      notes:
        type: str
        required: false
    data:
      temperature: float
      tags: List[str]
  validations:
    required: [profile]
    properties:
      profile:
        bsonType: object
        required: [room_number, floor]
`

const minimalSource = `
schemas:
  common_fields:
    profile:
      name: str
`

// loadRegistry returns a registry with the room schema loaded.
func loadRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.Load("room", []byte(roomSource)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return r
}

// =============================================================================
// Loading
// =============================================================================

func TestLoad_ProfileFieldsInOrder(t *testing.T) {
	r := loadRegistry(t)

	s, err := r.Schema("room")
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}

	var names []string
	for _, f := range s.Profile {
		names = append(names, f.Name)
	}
	want := []string{"room_number", "floor", "name", "room_type", "capacity", "notes"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("profile field order mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FieldDefinitions(t *testing.T) {
	r := loadRegistry(t)
	s, _ := r.Schema("room")

	floor, ok := s.ProfileField("floor")
	if !ok {
		t.Fatal("ProfileField(floor) not found")
	}
	if floor.Type != TypeInteger || !floor.Required {
		t.Errorf("floor = %+v, want required integer", floor)
	}

	capacity, _ := s.ProfileField("capacity")
	if capacity.Required || !capacity.HasDefault || capacity.Default != float64(1) {
		t.Errorf("capacity = %+v, want optional with default 1", capacity)
	}
	if capacity.Minimum == nil || *capacity.Minimum != 0 {
		t.Errorf("capacity.Minimum = %v, want 0", capacity.Minimum)
	}

	notes, _ := s.ProfileField("notes")
	if notes.Required {
		t.Error("notes.Required = true, want false")
	}

	roomType, _ := s.ProfileField("room_type")
	if diff := cmp.Diff([]any{"patient", "surgery", "storage"}, roomType.Enum); diff != "" {
		t.Errorf("room_type enum mismatch (-want +got):\n%s", diff)
	}

	want := []string{"room_number", "floor", "name", "room_type"}
	if diff := cmp.Diff(want, s.RequiredProfileFields()); diff != "" {
		t.Errorf("RequiredProfileFields() mismatch (-want +got):\n%s", diff)
	}

	if len(s.Data) != 2 || s.Data[1].Type != TypeArray || s.Data[1].Items != TypeString {
		t.Errorf("data fields = %+v, want temperature + List[str] tags", s.Data)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"empty", ""},
		{"not yaml", "schemas: [unclosed"},
		{"root is a list", "- a\n- b\n"},
		{"missing schemas", "other: {}\n"},
		{"missing common_fields", "schemas:\n  validations: {}\n"},
		{"missing profile", "schemas:\n  common_fields:\n    data:\n      x: str\n"},
		{"profile not a mapping", "schemas:\n  common_fields:\n    profile: [a, b]\n"},
		{"unknown type", "schemas:\n  common_fields:\n    profile:\n      x: quaternion\n"},
		{"unknown long-form type", "schemas:\n  common_fields:\n    profile:\n      x:\n        type: blob\n"},
		{"min above max", "schemas:\n  common_fields:\n    profile:\n      x:\n        type: int\n        minimum: 5\n        maximum: 1\n"},
		{"sequence field", "schemas:\n  common_fields:\n    profile:\n      x: [str]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Load("thing", []byte(tt.source))
			if !errors.Is(err, ErrInvalidSchema) {
				t.Errorf("Load() error = %v, want ErrInvalidSchema", err)
			}
			if r.Has("thing") {
				t.Error("failed load left a schema registered")
			}
		})
	}
}

func TestLoad_EmptyType(t *testing.T) {
	r := NewRegistry()
	if err := r.Load("  ", []byte(minimalSource)); !errors.Is(err, ErrInvalidType) {
		t.Errorf("Load() error = %v, want ErrInvalidType", err)
	}
}

func TestLoad_NestedMapIsObject(t *testing.T) {
	src := "schemas:\n  common_fields:\n    profile:\n      address:\n        street: str\n        city: str\n"
	r := NewRegistry()
	if err := r.Load("site", []byte(src)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	s, _ := r.Schema("site")
	if f, _ := s.ProfileField("address"); f.Type != TypeObject {
		t.Errorf("address.Type = %q, want object", f.Type)
	}
}

func TestLoad_RootLevelValidations(t *testing.T) {
	src := minimalSource + "validations:\n  required: [profile]\n"
	r := NewRegistry()
	if err := r.Load("thing", []byte(src)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rules, _ := r.ValidationRules("thing")
	if diff := cmp.Diff([]string{"_id", "type", "metadata", "profile"}, rules.Required); diff != "" {
		t.Errorf("Required mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_ReplacesExisting(t *testing.T) {
	r := loadRegistry(t)
	if err := r.Load("room", []byte(minimalSource)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	s, _ := r.Schema("room")
	if len(s.Profile) != 1 || s.Profile[0].Name != "name" {
		t.Errorf("Profile = %+v, want only name after reload", s.Profile)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "room.yaml")
	if err := os.WriteFile(path, []byte(roomSource), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	r := NewRegistry()
	if err := r.LoadFile("room", path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if !r.Has("room") {
		t.Error("Has(room) = false after LoadFile")
	}

	if err := r.LoadFile("bottle", filepath.Join(dir, "missing.yaml")); !errors.Is(err, ErrInvalidSchema) {
		t.Errorf("LoadFile(missing) error = %v, want ErrInvalidSchema", err)
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	paths := map[string]string{
		"room":   filepath.Join(dir, "room.yaml"),
		"bottle": filepath.Join(dir, "bottle.yaml"),
	}
	os.WriteFile(paths["room"], []byte(roomSource), 0o600)      //nolint:errcheck // test setup
	os.WriteFile(paths["bottle"], []byte(minimalSource), 0o600) //nolint:errcheck // test setup

	r := NewRegistry()
	if err := r.LoadAll(paths); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if diff := cmp.Diff([]string{"bottle", "room"}, r.Types()); diff != "" {
		t.Errorf("Types() mismatch (-want +got):\n%s", diff)
	}
}

// =============================================================================
// Lookup
// =============================================================================

func TestSchema_NotFound(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Schema("ghost"); !errors.Is(err, ErrSchemaNotFound) {
		t.Errorf("Schema() error = %v, want ErrSchemaNotFound", err)
	}
	if _, err := r.ValidationRules("ghost"); !errors.Is(err, ErrSchemaNotFound) {
		t.Errorf("ValidationRules() error = %v, want ErrSchemaNotFound", err)
	}
}

func TestSchema_ReturnsCopy(t *testing.T) {
	r := loadRegistry(t)

	s, _ := r.Schema("room")
	s.Profile[0].Name = "mutated"

	again, _ := r.Schema("room")
	if again.Profile[0].Name != "room_number" {
		t.Error("mutating a returned schema changed the registry")
	}
}

func TestValidationRules_ReturnsCopy(t *testing.T) {
	r := loadRegistry(t)

	rules, _ := r.ValidationRules("room")
	rules.Required = append(rules.Required, "extra")
	rules.Properties["metadata"].(map[string]any)["bsonType"] = "string" //nolint:forcetypeassert // test

	again, _ := r.ValidationRules("room")
	if len(again.Required) != 4 {
		t.Errorf("Required = %v, want 4 entries", again.Required)
	}
	if again.Properties["metadata"].(map[string]any)["bsonType"] != "object" { //nolint:forcetypeassert // test
		t.Error("mutating returned rules changed the registry")
	}
}

func TestCollectionName(t *testing.T) {
	r := NewRegistry()
	if got := r.CollectionName("room"); got != "room_collection" {
		t.Errorf("CollectionName(room) = %q, want room_collection", got)
	}
	// Defined for unregistered types too.
	if got := r.CollectionName("digital_twin"); got != "digital_twin_collection" {
		t.Errorf("CollectionName(digital_twin) = %q", got)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := loadRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Load("room", []byte(roomSource)) //nolint:errcheck // exercised above
		}()
		go func() {
			defer wg.Done()
			if _, err := r.ValidationRules("room"); err != nil {
				t.Errorf("ValidationRules() error = %v", err)
			}
		}()
	}
	wg.Wait()
}

// =============================================================================
// Type names
// =============================================================================

func TestParseFieldType(t *testing.T) {
	tests := []struct {
		in    string
		want  FieldType
		items FieldType
	}{
		{"str", TypeString, ""},
		{"String", TypeString, ""},
		{"int", TypeInteger, ""},
		{"float", TypeNumber, ""},
		{"double", TypeNumber, ""},
		{"bool", TypeBoolean, ""},
		{"Dict", TypeObject, ""},
		{"Dict[str, Any]", TypeObject, ""},
		{"list", TypeArray, ""},
		{"List[str]", TypeArray, TypeString},
		{"List[float]", TypeArray, TypeNumber},
		{"datetime", TypeDateTime, ""},
	}
	for _, tt := range tests {
		got, items, ok := parseFieldType(tt.in)
		if !ok || got != tt.want || items != tt.items {
			t.Errorf("parseFieldType(%q) = %q, %q, %v; want %q, %q", tt.in, got, items, ok, tt.want, tt.items)
		}
	}

	if _, _, ok := parseFieldType("List[blob]"); ok {
		t.Error("parseFieldType(List[blob]) ok = true")
	}
}

func TestFieldType_Accepts(t *testing.T) {
	tests := []struct {
		typ  FieldType
		v    any
		want bool
	}{
		{TypeString, "x", true},
		{TypeString, 1.0, false},
		{TypeInteger, float64(3), true},
		{TypeInteger, 3.5, false},
		{TypeInteger, int64(3), true},
		{TypeInteger, true, false},
		{TypeNumber, 3.5, true},
		{TypeNumber, "3.5", false},
		{TypeBoolean, false, true},
		{TypeObject, map[string]any{}, true},
		{TypeObject, nil, false},
		{TypeArray, []any{1}, true},
		{TypeArray, []string{"a"}, true},
		{TypeArray, "a", false},
		{TypeDateTime, "2026-03-01T09:00:00Z", true},
		{TypeDateTime, "yesterday", false},
		{TypeAny, nil, true},
	}
	for _, tt := range tests {
		if got := tt.typ.Accepts(tt.v); got != tt.want {
			t.Errorf("%s.Accepts(%#v) = %v, want %v", tt.typ, tt.v, got, tt.want)
		}
	}
}

func TestEnumContains(t *testing.T) {
	enum := []any{"a", float64(2)}
	if !EnumContains(enum, 2) {
		t.Error("EnumContains(2) = false, want numeric match against 2.0")
	}
	if !EnumContains(enum, "a") {
		t.Error("EnumContains(a) = false")
	}
	if EnumContains(enum, "2") {
		t.Error("EnumContains(\"2\") = true, strings must not match numbers")
	}
}

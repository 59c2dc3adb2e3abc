package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/replica-core/internal/infrastructure/database"
	"github.com/nerrad567/replica-core/internal/schema"
	"github.com/nerrad567/replica-core/internal/store"
	_ "github.com/nerrad567/replica-core/migrations"
)

const roomSchema = `
schemas:
  common_fields:
    profile:
      room_number: str
      floor: int
  validations:
    required: [profile]
    properties:
      profile:
        bsonType: object
        required: [room_number, floor]
`

var (
	createdAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stampedAt = time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
)

// setupTestStore opens a migrated in-memory database with the room schema
// loaded and a fixed clock.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		t.Fatalf("Migrate() error = %v", err)
	}

	registry := schema.NewRegistry()
	if err := registry.Load("room", []byte(roomSchema)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s := New(db, registry)
	s.SetClock(func() time.Time { return stampedAt })
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // Test cleanup
	return s
}

func testRoom(id, number string, floor int) store.Document {
	ts := store.FormatTime(createdAt)
	return store.Document{
		"_id":  id,
		"type": "room",
		"profile": map[string]any{
			"room_number": number,
			"floor":       floor,
		},
		"metadata": map[string]any{
			"created_at":    ts,
			"updated_at":    ts,
			"privacy_level": "private",
		},
		"data": map[string]any{
			"status":       "active",
			"measurements": []any{},
		},
	}
}

func mustSave(t *testing.T, s *Store, doc store.Document) {
	t.Helper()
	if _, err := s.Save(context.Background(), "room", doc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

// =============================================================================
// Save / Get
// =============================================================================

func TestSave_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, "room", testRoom("r-1", "101", 1))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if id != "r-1" {
		t.Errorf("Save() id = %q, want r-1", id)
	}

	got, err := s.Get(ctx, "room", "r-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	want, _ := store.Normalize(testRoom("r-1", "101", 1))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestSave_Errors(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRoom("r-1", "101", 1))

	noProfile := testRoom("r-2", "102", 1)
	delete(noProfile, "profile")

	noFloor := testRoom("r-3", "103", 1)
	delete(noFloor["profile"].(map[string]any), "floor") //nolint:forcetypeassert // test fixture

	wrongType := testRoom("r-4", "104", 1)
	wrongType["type"] = "bottle"

	noID := testRoom("", "105", 1)

	tests := []struct {
		name    string
		doc     store.Document
		wantErr error
	}{
		{"duplicate id", testRoom("r-1", "101", 1), store.ErrDuplicate},
		{"missing profile", noProfile, store.ErrInvalidDocument},
		{"missing nested required", noFloor, store.ErrInvalidDocument},
		{"type mismatch", wrongType, store.ErrInvalidDocument},
		{"missing id", noID, store.ErrInvalidDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Save(ctx, "room", tt.doc)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Save() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSave_UnregisteredTypeIsUnchecked(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, "digital_twin", store.Document{"_id": "dt-1", "name": "Cellar"})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Get(ctx, "digital_twin", id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got["type"] != "digital_twin" {
		t.Errorf("type = %v, want digital_twin", got["type"])
	}
	meta, _ := got["metadata"].(map[string]any)
	if meta["created_at"] != store.FormatTime(stampedAt) || meta["updated_at"] != meta["created_at"] {
		t.Errorf("metadata = %v, want both timestamps stamped", meta)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Get(context.Background(), "room", "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

// =============================================================================
// Update
// =============================================================================

func TestUpdate_MergesFieldGroups(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	room := testRoom("r-1", "101", 1)
	room["data"].(map[string]any)["measurements"] = []any{ //nolint:forcetypeassert // test fixture
		map[string]any{"measure_type": "temperature", "value": 14.0},
	}
	mustSave(t, s, room)

	err := s.Update(ctx, "room", "r-1", store.Document{
		"_id":  "hijack",
		"data": map[string]any{"temperature": 13.5},
		"profile": map[string]any{
			"name": "Cellar",
		},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.Get(ctx, "room", "r-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	data := got["data"].(map[string]any)       //nolint:forcetypeassert // test
	profile := got["profile"].(map[string]any) //nolint:forcetypeassert // test
	meta := got["metadata"].(map[string]any)   //nolint:forcetypeassert // test

	if n := len(data["measurements"].([]any)); n != 1 { //nolint:forcetypeassert // test
		t.Errorf("measurements = %d entries, want 1 (untouched)", n)
	}
	if data["temperature"] != 13.5 {
		t.Errorf("temperature = %v, want 13.5", data["temperature"])
	}
	if data["status"] != "active" {
		t.Errorf("status = %v, want active (untouched)", data["status"])
	}
	if profile["name"] != "Cellar" || profile["room_number"] != "101" {
		t.Errorf("profile = %v, want name added and room_number kept", profile)
	}
	if got["_id"] != "r-1" {
		t.Errorf("_id = %v, want r-1", got["_id"])
	}
	if meta["updated_at"] != store.FormatTime(stampedAt) {
		t.Errorf("updated_at = %v, want %s", meta["updated_at"], store.FormatTime(stampedAt))
	}
	if meta["created_at"] != store.FormatTime(createdAt) {
		t.Errorf("created_at = %v, want unchanged", meta["created_at"])
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s := setupTestStore(t)
	err := s.Update(context.Background(), "room", "ghost", store.Document{"data": map[string]any{"status": "x"}})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_InvalidPath(t *testing.T) {
	s := setupTestStore(t)
	mustSave(t, s, testRoom("r-1", "101", 1))

	err := s.Update(context.Background(), "room", "r-1", store.Document{"data": map[string]any{"bad'key": 1}})
	if !errors.Is(err, store.ErrInvalidPath) {
		t.Errorf("Update() error = %v, want ErrInvalidPath", err)
	}
}

func TestUpdate_RejectsProtectedChanges(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	room := testRoom("r-1", "101", 1)
	room["data"].(map[string]any)["measurements"] = []any{ //nolint:forcetypeassert // test fixture
		map[string]any{"measure_type": "temperature", "value": 14.0},
	}
	mustSave(t, s, room)
	before, err := s.Get(ctx, "room", "r-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	tests := []struct {
		name    string
		changes store.Document
	}{
		{"empty measurements", store.Document{"data": map[string]any{"measurements": []any{}}}},
		{"replace access logs", store.Document{"data": map[string]any{"access_logs": []any{}}}},
		{"scalar metadata", store.Document{"metadata": "x"}},
		{"scalar data", store.Document{"data": "x"}},
		{"future created_at", store.Document{"metadata": map[string]any{"created_at": "2999-01-01T00:00:00.000000Z"}}},
		{"drop required profile field", store.Document{"profile": map[string]any{"floor": nil}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Update(ctx, "room", "r-1", tt.changes)
			if !errors.Is(err, store.ErrInvalidDocument) {
				t.Errorf("Update() error = %v, want ErrInvalidDocument", err)
			}
		})
	}

	after, err := s.Get(ctx, "room", "r-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("rejected updates changed the document (-before +after):\n%s", diff)
	}
}

func TestUpdate_EmptyGroupsKeepContents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	room := testRoom("r-1", "101", 1)
	room["data"].(map[string]any)["measurements"] = []any{ //nolint:forcetypeassert // test fixture
		map[string]any{"measure_type": "temperature", "value": 14.0},
	}
	mustSave(t, s, room)

	if err := s.Update(ctx, "room", "r-1", store.Document{"data": map[string]any{}, "metadata": map[string]any{}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.Get(ctx, "room", "r-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	data := got["data"].(map[string]any)     //nolint:forcetypeassert // test
	meta := got["metadata"].(map[string]any) //nolint:forcetypeassert // test
	if n := len(data["measurements"].([]any)); n != 1 { //nolint:forcetypeassert // test
		t.Errorf("measurements = %d entries, want 1", n)
	}
	if meta["created_at"] != store.FormatTime(createdAt) || meta["privacy_level"] != "private" {
		t.Errorf("metadata = %v, want created_at and privacy_level kept", meta)
	}
	if meta["updated_at"] != store.FormatTime(stampedAt) {
		t.Errorf("updated_at = %v, want %s", meta["updated_at"], store.FormatTime(stampedAt))
	}
}

// =============================================================================
// Query / Delete
// =============================================================================

func TestQuery(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustSave(t, s, testRoom("r-1", "101", 1))
	mustSave(t, s, testRoom("r-2", "102", 1))
	mustSave(t, s, testRoom("r-3", "201", 2))
	if err := s.Update(ctx, "room", "r-2", store.Document{"data": map[string]any{"status": "inactive"}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	tests := []struct {
		name   string
		filter store.Filter
		want   []string
	}{
		{"all", nil, []string{"r-1", "r-2", "r-3"}},
		{"by floor", store.Filter{"profile.floor": 1.0}, []string{"r-1", "r-2"}},
		{"by floor int", store.Filter{"profile.floor": 2}, []string{"r-3"}},
		{"floor and room", store.Filter{"profile.floor": 1, "profile.room_number": "102"}, []string{"r-2"}},
		{"by status", store.Filter{"data.status": "active"}, []string{"r-1", "r-3"}},
		{"by id", store.Filter{"_id": "r-3"}, []string{"r-3"}},
		{"no match", store.Filter{"profile.room_number": "999"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := s.Query(ctx, "room", tt.filter)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			ids := make([]string, 0, len(docs))
			for _, d := range docs {
				ids = append(ids, d["_id"].(string)) //nolint:forcetypeassert // test
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("Query() ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQuery_RejectsNonScalarFilter(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Query(context.Background(), "room", store.Filter{"profile": map[string]any{"floor": 1}})
	if !errors.Is(err, store.ErrInvalidPath) {
		t.Errorf("Query() error = %v, want ErrInvalidPath", err)
	}
}

func TestDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRoom("r-1", "101", 1))

	if err := s.Delete(ctx, "room", "r-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "room", "r-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "room", "r-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteAll(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		mustSave(t, s, testRoom(fmt.Sprintf("r-%d", i), "10"+fmt.Sprint(i), 1))
	}

	n, err := s.DeleteAll(ctx, "room")
	if err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if n != 3 {
		t.Errorf("DeleteAll() = %d, want 3", n)
	}
	docs, _ := s.Query(ctx, "room", nil)
	if len(docs) != 0 {
		t.Errorf("Query() after DeleteAll = %d docs, want 0", len(docs))
	}
}

// =============================================================================
// Append / AddToSet
// =============================================================================

func TestAppend(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRoom("r-1", "101", 1))

	entry := map[string]any{"doctor_id": "d-1", "timestamp": "t1", "access_type": "visit"}
	if err := s.Append(ctx, "room", "r-1", "data.access_logs", entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append(ctx, "room", "r-1", "data.measurements",
		map[string]any{"measure_type": "temperature", "value": 14.5},
		map[string]any{"measure_type": "temperature", "value": 15.0},
	); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, _ := s.Get(ctx, "room", "r-1")
	data := got["data"].(map[string]any) //nolint:forcetypeassert // test

	wantLogs := []any{map[string]any{"doctor_id": "d-1", "timestamp": "t1", "access_type": "visit"}}
	if diff := cmp.Diff(wantLogs, data["access_logs"]); diff != "" {
		t.Errorf("access_logs mismatch (-want +got):\n%s", diff)
	}
	if n := len(data["measurements"].([]any)); n != 2 { //nolint:forcetypeassert // test
		t.Errorf("measurements = %d entries, want 2", n)
	}
	meta := got["metadata"].(map[string]any) //nolint:forcetypeassert // test
	if meta["updated_at"] != store.FormatTime(stampedAt) {
		t.Errorf("updated_at = %v, want stamped", meta["updated_at"])
	}
}

func TestAppend_Errors(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRoom("r-1", "101", 1))

	if err := s.Append(ctx, "room", "ghost", "data.access_logs", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Append(missing doc) error = %v, want ErrNotFound", err)
	}
	if err := s.Append(ctx, "room", "r-1", "data.status", 1); !errors.Is(err, store.ErrInvalidPath) {
		t.Errorf("Append(non-list) error = %v, want ErrInvalidPath", err)
	}
	if err := s.Append(ctx, "room", "r-1", "data.x;drop", 1); !errors.Is(err, store.ErrInvalidPath) {
		t.Errorf("Append(bad path) error = %v, want ErrInvalidPath", err)
	}
}

func TestAppend_ConcurrentWritersLoseNothing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRoom("r-1", "101", 1))

	const writers = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Append(ctx, "room", "r-1", "data.access_logs", map[string]any{"n": i}); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.Get(ctx, "room", "r-1")
	logs := got["data"].(map[string]any)["access_logs"].([]any) //nolint:forcetypeassert // test
	if len(logs) != writers {
		t.Errorf("access_logs = %d entries, want %d", len(logs), writers)
	}
}

func TestAddToSet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, "digital_twin", store.Document{"_id": "dt-1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	member := map[string]any{"type": "room", "id": "r-1"}
	for i := 0; i < 3; i++ {
		if err := s.AddToSet(ctx, "digital_twin", "dt-1", "members", member); err != nil {
			t.Fatalf("AddToSet() error = %v", err)
		}
	}
	if err := s.AddToSet(ctx, "digital_twin", "dt-1", "services", "TemperaturePredictionService"); err != nil {
		t.Fatalf("AddToSet() error = %v", err)
	}

	got, _ := s.Get(ctx, "digital_twin", "dt-1")
	if diff := cmp.Diff([]any{map[string]any{"type": "room", "id": "r-1"}}, got["members"]); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{"TemperaturePredictionService"}, got["services"]); diff != "" {
		t.Errorf("services mismatch (-want +got):\n%s", diff)
	}

	if err := s.AddToSet(ctx, "digital_twin", "ghost", "members", member); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("AddToSet(missing) error = %v, want ErrNotFound", err)
	}
}

// =============================================================================
// Collections
// =============================================================================

func TestInitCollections_RegistersValidators(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.InitCollections(ctx, []string{"room", "digital_twin"}); err != nil {
		t.Fatalf("InitCollections() error = %v", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, record_type, validator FROM replica_collections ORDER BY name`)
	if err != nil {
		t.Fatalf("query replica_collections: %v", err)
	}
	defer rows.Close()

	validators := make(map[string]map[string]any)
	for rows.Next() {
		var name, recordType, raw string
		if err := rows.Scan(&name, &recordType, &raw); err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		var v map[string]any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("validator for %s is not JSON: %v", name, err)
		}
		validators[name] = v
	}

	if _, ok := validators["room_collection"]["$jsonSchema"]; !ok {
		t.Errorf("room_collection validator = %v, want $jsonSchema", validators["room_collection"])
	}
	if v, ok := validators["digital_twin_collection"]; !ok || len(v) != 0 {
		t.Errorf("digital_twin_collection validator = %v, want {}", v)
	}
}

func TestInitCollections_KeepsDocuments(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRoom("r-1", "101", 1))

	if err := s.InitCollections(ctx, []string{"room"}); err != nil {
		t.Fatalf("InitCollections() error = %v", err)
	}
	if _, err := s.Get(ctx, "room", "r-1"); err != nil {
		t.Errorf("Get() after InitCollections error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	s := setupTestStore(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestPull(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	room := testRoom("r-1", "101", 1)
	room["data"].(map[string]any)["bottles"] = []any{"b-1", "b-2", "b-1"} //nolint:forcetypeassert // test fixture
	mustSave(t, s, room)

	if err := s.Pull(ctx, "room", "r-1", "data.bottles", "b-1"); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if err := s.Pull(ctx, "room", "r-1", "data.devices", "x"); err != nil {
		t.Fatalf("Pull(absent list) error = %v", err)
	}

	got, _ := s.Get(ctx, "room", "r-1")
	data := got["data"].(map[string]any) //nolint:forcetypeassert // test
	if diff := cmp.Diff([]any{"b-2"}, data["bottles"]); diff != "" {
		t.Errorf("bottles mismatch (-want +got):\n%s", diff)
	}
	if _, ok := data["devices"]; ok {
		t.Errorf("devices = %v, want absent list left alone", data["devices"])
	}
	meta := got["metadata"].(map[string]any) //nolint:forcetypeassert // test
	if meta["updated_at"] != store.FormatTime(stampedAt) {
		t.Errorf("updated_at = %v, want stamped", meta["updated_at"])
	}

	if err := s.Pull(ctx, "room", "ghost", "data.bottles", "b-2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Pull(missing doc) error = %v, want ErrNotFound", err)
	}
	if err := s.Pull(ctx, "room", "r-1", "data.status", "active"); !errors.Is(err, store.ErrInvalidPath) {
		t.Errorf("Pull(non-list) error = %v, want ErrInvalidPath", err)
	}
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimeFormat is the layout of every timestamp the store writes. It is
// fixed-width UTC, so string order equals chronological order in both
// backends.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// Document is a stored record in its JSON-normal form: numbers are float64,
// arrays are []any and objects are map[string]any.
type Document = map[string]any

// Filter selects documents by equality on dotted field paths such as
// "profile.floor" or "data.status". An empty filter matches every document.
type Filter map[string]any

// Store is the Record Store capability consumed by the replica API, the
// ingestion pipeline and the twin runtime.
//
// Every method takes the record type; the backend resolves the collection
// through the schema registry's CollectionName.
type Store interface {
	// InitCollections prepares collections (and validators, where the
	// backend supports them) for the given types. Existing collections and
	// their documents are kept.
	InitCollections(ctx context.Context, recordTypes []string) error

	// Save inserts a new document and returns its _id.
	// Returns ErrDuplicate if the id is taken and ErrInvalidDocument if the
	// type's ruleset rejects the document.
	Save(ctx context.Context, recordType string, doc Document) (string, error)

	// Get returns the document with the given id.
	// Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, recordType, id string) (Document, error)

	// Update merges changes into a stored document at field-group
	// granularity (see Flatten), stamps metadata.updated_at and checks the
	// merged document against the type's ruleset.
	// Returns ErrNotFound if it does not exist and ErrInvalidDocument if
	// the changes touch store-owned or append-only fields or the merged
	// document is rejected.
	Update(ctx context.Context, recordType, id string, changes Document) error

	// Query returns every document matching filter, oldest first.
	Query(ctx context.Context, recordType string, filter Filter) ([]Document, error)

	// Delete removes a document.
	// Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, recordType, id string) error

	// DeleteAll removes every document of a type and reports how many
	// were removed.
	DeleteAll(ctx context.Context, recordType string) (int64, error)

	// Append atomically appends entries to the list at path, creating the
	// list if absent, and stamps metadata.updated_at.
	// Returns ErrNotFound if the document does not exist.
	Append(ctx context.Context, recordType, id, path string, entries ...any) error

	// AddToSet atomically adds value to the list at path unless an equal
	// element is already present, and stamps metadata.updated_at.
	// Returns ErrNotFound if the document does not exist.
	AddToSet(ctx context.Context, recordType, id, path string, value any) error

	// Pull atomically removes every element equal to value from the list
	// at path and stamps metadata.updated_at. An absent list is left as is.
	// Returns ErrNotFound if the document does not exist.
	Pull(ctx context.Context, recordType, id, path string, value any) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp. RFC 3339 input is accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Normalize converts v (a struct, a map or a Document with arbitrary Go
// values) into JSON-normal form via a JSON round trip.
func Normalize(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding: %w", ErrInvalidDocument, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: not an object: %w", ErrInvalidDocument, err)
	}
	return doc, nil
}

// NormalizeValue is Normalize for values that need not be objects.
func NormalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding: %w", ErrInvalidDocument, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return out, nil
}

// DocumentID returns the _id of doc.
func DocumentID(doc Document) (string, error) {
	id, ok := doc["_id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: missing _id", ErrInvalidDocument)
	}
	return id, nil
}

var pathSegment = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SplitPath validates a dotted field path and returns its segments.
// Segments are restricted to letters, digits and underscores so they can
// be embedded in SQLite JSON paths and MongoDB update keys.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if !pathSegment.MatchString(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// Field groups every stored record keeps as objects.
var objectGroups = map[string]bool{"profile": true, "data": true, "metadata": true}

// AppendOnlyPaths are lists that only grow. Update refuses to touch them;
// Append is the only writer.
var AppendOnlyPaths = []string{
	"data.measurements",
	"data.access_logs",
	"data.room_access_history",
}

// Paths the store owns. created_at is fixed at Save and updated_at is
// stamped on every write.
const (
	PathCreatedAt = "metadata.created_at"
	PathUpdatedAt = "metadata.updated_at"
)

// Flatten turns a partial update into dotted set-paths. Top-level keys whose
// value is an object are expanded one level, so an update touching
// data.temperature leaves data.status intact; an empty object changes
// nothing. Deeper values are set whole. _id and type are identity and are
// never updated, and metadata.updated_at is left for the backend to stamp.
//
// It returns ErrInvalidDocument when a field group is given a non-object
// value, when metadata.created_at is changed, or when an append-only list
// would be overwritten.
func Flatten(changes Document) (map[string]any, error) {
	sets := make(map[string]any, len(changes))
	for key, value := range changes {
		if key == "_id" || key == "type" {
			continue
		}
		if _, err := SplitPath(key); err != nil {
			return nil, err
		}

		obj, ok := value.(map[string]any)
		if !ok {
			if objectGroups[key] {
				return nil, fmt.Errorf("%w: %s must be an object", ErrInvalidDocument, key)
			}
			sets[key] = value
			continue
		}
		for sub, subValue := range obj {
			sets[key+"."+sub] = subValue
		}
	}

	for path := range sets {
		if _, err := SplitPath(path); err != nil {
			return nil, err
		}
		if err := checkWritable(path); err != nil {
			return nil, err
		}
		if path == PathUpdatedAt {
			delete(sets, path)
		}
	}
	return sets, nil
}

// checkWritable rejects set-paths that would overwrite store-owned or
// append-only fields, either directly or through a parent object.
func checkWritable(path string) error {
	if covers(path, PathCreatedAt) {
		return fmt.Errorf("%w: %s is immutable", ErrInvalidDocument, PathCreatedAt)
	}
	for _, p := range AppendOnlyPaths {
		if covers(path, p) {
			return fmt.Errorf("%w: %s is append-only", ErrInvalidDocument, p)
		}
	}
	return nil
}

// covers reports whether setting path replaces target.
func covers(path, target string) bool {
	return path == target || strings.HasPrefix(target, path+".")
}

// ApplySets writes Flatten output into doc, creating intermediate objects.
func ApplySets(doc Document, sets map[string]any) error {
	for path, value := range sets {
		parts, err := SplitPath(path)
		if err != nil {
			return err
		}
		cur := doc
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				if cur[p] != nil {
					return fmt.Errorf("%w: %s crosses a non-object", ErrInvalidPath, path)
				}
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = value
	}
	return nil
}

// CheckMetadata verifies the persisted-record invariant: metadata is an
// object whose created_at and updated_at are timestamps with
// created_at <= updated_at.
func CheckMetadata(doc Document) error {
	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: metadata must be an object", ErrInvalidDocument)
	}
	created, ok := meta["created_at"].(string)
	if !ok {
		return fmt.Errorf("%w: metadata.created_at missing", ErrInvalidDocument)
	}
	updated, ok := meta["updated_at"].(string)
	if !ok {
		return fmt.Errorf("%w: metadata.updated_at missing", ErrInvalidDocument)
	}
	c, err := ParseTime(created)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	u, err := ParseTime(updated)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if c.After(u) {
		return fmt.Errorf("%w: created_at %s is after updated_at %s", ErrInvalidDocument, created, updated)
	}
	return nil
}

// NowFunc returns the current time. Backends use it to stamp updated_at;
// tests replace it.
type NowFunc func() time.Time

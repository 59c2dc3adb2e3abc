package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/replica-core/internal/infrastructure/database"
	"github.com/nerrad567/replica-core/internal/schema"
	"github.com/nerrad567/replica-core/internal/store"
)

// Catalog resolves collection names and validation rules for record types.
// *schema.Registry satisfies it.
type Catalog interface {
	CollectionName(recordType string) string
	ValidationRules(recordType string) (schema.Ruleset, error)
}

// tableName restricts collection names to plain identifiers, since they are
// interpolated into DDL.
var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// updatedAtPath is the JSON path of the modification timestamp.
const updatedAtPath = `'$."metadata"."updated_at"'`

// Store implements store.Store on the embedded SQLite database.
//
// Each collection is a table of JSON documents created on first use and
// recorded in replica_collections. The replica_collections table itself
// comes from the embedded migrations, which must have been applied.
type Store struct {
	db      *database.DB
	catalog Catalog
	now     store.NowFunc

	mu     sync.Mutex
	tables map[string]bool
}

var _ store.Store = (*Store)(nil)

// New creates a SQLite-backed record store.
func New(db *database.DB, catalog Catalog) *Store {
	return &Store{
		db:      db,
		catalog: catalog,
		now:     time.Now,
		tables:  make(map[string]bool),
	}
}

// SetClock replaces the time source used to stamp updated_at.
func (s *Store) SetClock(now store.NowFunc) {
	s.now = now
}

// InitCollections creates the tables for recordTypes and records their
// current validators. Existing documents are kept.
func (s *Store) InitCollections(ctx context.Context, recordTypes []string) error {
	for _, t := range recordTypes {
		s.mu.Lock()
		delete(s.tables, s.catalog.CollectionName(t))
		s.mu.Unlock()

		if _, err := s.collection(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// collection returns the quoted table name for recordType, creating and
// registering the table if this store has not seen it yet.
func (s *Store) collection(ctx context.Context, recordType string) (string, error) {
	name := s.catalog.CollectionName(recordType)
	if !tableName.MatchString(name) {
		return "", fmt.Errorf("%w: collection name %q", store.ErrStore, name)
	}
	quoted := `"` + name + `"`

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[name] {
		return quoted, nil
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			doc        TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		) STRICT;
		CREATE INDEX IF NOT EXISTS "idx_%[2]s_created_at" ON %[1]s(created_at);
		CREATE INDEX IF NOT EXISTS "idx_%[2]s_updated_at" ON %[1]s(updated_at);`, quoted, name)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("%w: creating %s: %w", store.ErrStore, name, err)
	}

	validator := "{}"
	if rules, err := s.catalog.ValidationRules(recordType); err == nil {
		raw, err := json.Marshal(rules.JSONSchema())
		if err != nil {
			return "", fmt.Errorf("%w: encoding validator for %s: %w", store.ErrStore, name, err)
		}
		validator = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replica_collections (name, record_type, created_at, validator)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET validator = excluded.validator`,
		name, recordType, store.FormatTime(s.now()), validator)
	if err != nil {
		return "", fmt.Errorf("%w: registering %s: %w", store.ErrStore, name, err)
	}

	s.tables[name] = true
	return quoted, nil
}

// validate applies the type's ruleset. Types without a loaded schema are
// stored unchecked.
func (s *Store) validate(recordType string, doc store.Document) error {
	rules, err := s.catalog.ValidationRules(recordType)
	if errors.Is(err, schema.ErrSchemaNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	if err := rules.Validate(doc); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidDocument, err)
	}
	return nil
}

// Save inserts a new document.
func (s *Store) Save(ctx context.Context, recordType string, doc store.Document) (string, error) {
	doc, err := store.Normalize(doc)
	if err != nil {
		return "", err
	}
	id, err := store.DocumentID(doc)
	if err != nil {
		return "", err
	}

	switch t := doc["type"]; {
	case t == nil:
		doc["type"] = recordType
	case t != recordType:
		return "", fmt.Errorf("%w: type %v stored as %s", store.ErrInvalidDocument, t, recordType)
	}

	stampMetadata(doc, store.FormatTime(s.now()))

	if err := s.validate(recordType, doc); err != nil {
		return "", err
	}

	table, err := s.collection(ctx, recordType)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: encoding: %w", store.ErrInvalidDocument, err)
	}
	meta, _ := doc["metadata"].(map[string]any)
	createdAt, _ := meta["created_at"].(string)
	updatedAt, _ := meta["updated_at"].(string)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, type, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, recordType, string(raw), createdAt, updatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return "", fmt.Errorf("%w: %s", store.ErrDuplicate, id)
		}
		return "", fmt.Errorf("%w: inserting into %s: %w", store.ErrStore, table, err)
	}
	return id, nil
}

// stampMetadata fills missing metadata timestamps. Documents built by the
// replica factory already carry both.
func stampMetadata(doc store.Document, now string) {
	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		if doc["metadata"] != nil {
			return
		}
		meta = make(map[string]any)
		doc["metadata"] = meta
	}
	if _, ok := meta["created_at"]; !ok {
		meta["created_at"] = now
	}
	if _, ok := meta["updated_at"]; !ok {
		meta["updated_at"] = meta["created_at"]
	}
}

// Get returns one document by id.
func (s *Store) Get(ctx context.Context, recordType, id string) (store.Document, error) {
	table, err := s.collection(ctx, recordType)
	if err != nil {
		return nil, err
	}

	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT doc FROM `+table+` WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, recordType, id)
		}
		return nil, fmt.Errorf("%w: querying %s: %w", store.ErrStore, table, err)
	}
	return decode(raw)
}

// Update merges changes into a stored document. The read, the ruleset
// check and the write share one transaction.
func (s *Store) Update(ctx context.Context, recordType, id string, changes store.Document) error {
	changes, err := store.Normalize(changes)
	if err != nil {
		return err
	}
	sets, err := store.Flatten(changes)
	if err != nil {
		return err
	}

	table, err := s.collection(ctx, recordType)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM `+table+` WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s", store.ErrNotFound, recordType, id)
		}
		return fmt.Errorf("%w: querying %s: %w", store.ErrStore, table, err)
	}
	doc, err := decode(raw)
	if err != nil {
		return err
	}

	now := store.FormatTime(s.now())
	sets[store.PathUpdatedAt] = now
	if err := store.ApplySets(doc, sets); err != nil {
		return err
	}
	if err := store.CheckMetadata(doc); err != nil {
		return err
	}
	if err := s.validate(recordType, doc); err != nil {
		return err
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", store.ErrInvalidDocument, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET doc = ?, updated_at = ? WHERE id = ?`, string(encoded), now, id); err != nil {
		return fmt.Errorf("%w: updating %s: %w", store.ErrStore, table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing %s: %w", store.ErrStore, table, err)
	}
	return nil
}

// Query returns documents matching every filter path, oldest first.
func (s *Store) Query(ctx context.Context, recordType string, filter store.Filter) ([]store.Document, error) {
	table, err := s.collection(ctx, recordType)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var where []string
	var args []any
	for _, k := range keys {
		parts, err := store.SplitPath(k)
		if err != nil {
			return nil, err
		}
		v := filter[k]
		if k == "_id" {
			where = append(where, "id = ?")
			args = append(args, v)
			continue
		}
		switch v.(type) {
		case nil:
			where = append(where, "json_extract(doc, "+jsonPath(parts)+") IS NULL")
		case string, bool, float64, float32, int, int32, int64:
			where = append(where, "json_extract(doc, "+jsonPath(parts)+") = ?")
			args = append(args, v)
		default:
			return nil, fmt.Errorf("%w: filter value for %s must be a scalar", store.ErrInvalidPath, k)
		}
	}

	query := `SELECT doc FROM ` + table
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %w", store.ErrStore, table, err)
	}
	defer rows.Close()

	docs := make([]store.Document, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: scanning %s: %w", store.ErrStore, table, err)
		}
		doc, err := decode(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating %s: %w", store.ErrStore, table, err)
	}
	return docs, nil
}

// Delete removes one document.
func (s *Store) Delete(ctx context.Context, recordType, id string) error {
	table, err := s.collection(ctx, recordType)
	if err != nil {
		return err
	}
	return s.execOne(ctx, table, recordType, id, `DELETE FROM `+table+` WHERE id = ?`, id)
}

// DeleteAll empties a collection. The table and its registration remain.
func (s *Store) DeleteAll(ctx context.Context, recordType string) (int64, error) {
	table, err := s.collection(ctx, recordType)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table)
	if err != nil {
		return 0, fmt.Errorf("%w: clearing %s: %w", store.ErrStore, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: clearing %s: %w", store.ErrStore, table, err)
	}
	return n, nil
}

// Append pushes entries onto the list at path in one UPDATE. A missing list
// is created; a non-list value at path is an error.
func (s *Store) Append(ctx context.Context, recordType, id, path string, entries ...any) error {
	parts, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	table, err := s.collection(ctx, recordType)
	if err != nil {
		return err
	}

	p := jsonPath(parts)
	appendPath := jsonPath(parts, "[#]")

	var expr strings.Builder
	args := make([]any, 0, len(entries)+3)
	expr.WriteString("json_set(json_insert(CASE WHEN json_type(doc, " + p + ") IS NULL THEN json_set(doc, " + p + ", json('[]')) ELSE doc END")
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("%w: encoding entry: %w", store.ErrInvalidDocument, err)
		}
		expr.WriteString(", " + appendPath + ", json(?)")
		args = append(args, string(raw))
	}
	now := store.FormatTime(s.now())
	expr.WriteString("), " + updatedAtPath + ", ?)")
	args = append(args, now, now, id)

	query := `UPDATE ` + table + ` SET doc = ` + expr.String() + `, updated_at = ?
		WHERE id = ? AND (json_type(doc, ` + p + `) IS NULL OR json_type(doc, ` + p + `) = 'array')`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: appending to %s: %w", store.ErrStore, table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	// Nothing matched: either the document is missing or path holds a
	// non-list value.
	if _, err := s.Get(ctx, recordType, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is not a list", store.ErrInvalidPath, path)
}

// AddToSet appends value to the list at path unless an equal element is
// present. The read and the write share one transaction.
func (s *Store) AddToSet(ctx context.Context, recordType, id, path string, value any) error {
	parts, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	value, err = store.NormalizeValue(value)
	if err != nil {
		return err
	}
	table, err := s.collection(ctx, recordType)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM `+table+` WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s", store.ErrNotFound, recordType, id)
		}
		return fmt.Errorf("%w: querying %s: %w", store.ErrStore, table, err)
	}
	doc, err := decode(raw)
	if err != nil {
		return err
	}

	current, err := lookupList(doc, parts)
	if err != nil {
		return fmt.Errorf("%w: %s", err, path)
	}

	p := jsonPath(parts)
	now := store.FormatTime(s.now())
	expr := "json_set(doc, " + updatedAtPath + ", ?)"
	args := []any{now}
	if !containsValue(current, value) {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: encoding value: %w", store.ErrInvalidDocument, err)
		}
		base := "doc"
		if current == nil {
			base = "json_set(doc, " + p + ", json('[]'))"
		}
		expr = "json_set(json_insert(" + base + ", " + jsonPath(parts, "[#]") + ", json(?)), " + updatedAtPath + ", ?)"
		args = []any{string(encoded), now}
	}
	args = append(args, now, id)

	if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET doc = `+expr+`, updated_at = ? WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("%w: updating %s: %w", store.ErrStore, table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing %s: %w", store.ErrStore, table, err)
	}
	return nil
}

// Pull removes every element equal to value from the list at path. The
// read and the write share one transaction.
func (s *Store) Pull(ctx context.Context, recordType, id, path string, value any) error {
	parts, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	value, err = store.NormalizeValue(value)
	if err != nil {
		return err
	}
	table, err := s.collection(ctx, recordType)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM `+table+` WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s", store.ErrNotFound, recordType, id)
		}
		return fmt.Errorf("%w: querying %s: %w", store.ErrStore, table, err)
	}
	doc, err := decode(raw)
	if err != nil {
		return err
	}

	current, err := lookupList(doc, parts)
	if err != nil {
		return fmt.Errorf("%w: %s", err, path)
	}

	now := store.FormatTime(s.now())
	expr := "json_set(doc, " + updatedAtPath + ", ?)"
	args := []any{now}
	if current != nil {
		kept := make([]any, 0, len(current))
		for _, item := range current {
			if !reflect.DeepEqual(item, value) {
				kept = append(kept, item)
			}
		}
		encoded, err := json.Marshal(kept)
		if err != nil {
			return fmt.Errorf("%w: encoding list: %w", store.ErrInvalidDocument, err)
		}
		expr = "json_set(doc, " + jsonPath(parts) + ", json(?), " + updatedAtPath + ", ?)"
		args = []any{string(encoded), now}
	}
	args = append(args, now, id)

	if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET doc = `+expr+`, updated_at = ? WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("%w: updating %s: %w", store.ErrStore, table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing %s: %w", store.ErrStore, table, err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// execOne runs a single-row statement and maps zero affected rows to
// ErrNotFound.
func (s *Store) execOne(ctx context.Context, table, recordType, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: writing %s: %w", store.ErrStore, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: writing %s: %w", store.ErrStore, table, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, recordType, id)
	}
	return nil
}

// jsonPath renders path segments as a quoted SQLite JSON path literal.
// Segments are validated by store.SplitPath and cannot contain quotes.
func jsonPath(parts []string, suffix ...string) string {
	var b strings.Builder
	b.WriteString(`'$`)
	for _, p := range parts {
		b.WriteString(`."` + p + `"`)
	}
	for _, s := range suffix {
		b.WriteString(s)
	}
	b.WriteString(`'`)
	return b.String()
}

func decode(raw string) (store.Document, error) {
	var doc store.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding document: %w", store.ErrStore, err)
	}
	return doc, nil
}

// lookupList returns the list at parts, nil if absent.
func lookupList(doc store.Document, parts []string) ([]any, error) {
	var cur any = doc
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, store.ErrInvalidPath
		}
		cur, ok = obj[p]
		if !ok || cur == nil {
			return nil, nil
		}
	}
	list, ok := cur.([]any)
	if !ok {
		return nil, store.ErrInvalidPath
	}
	return list, nil
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

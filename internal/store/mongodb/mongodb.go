package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mongoinfra "github.com/nerrad567/replica-core/internal/infrastructure/mongodb"
	"github.com/nerrad567/replica-core/internal/schema"
	"github.com/nerrad567/replica-core/internal/store"
)

// MongoDB server error codes mapped onto store errors.
const (
	codeBadValue           = 2
	codeTypeMismatch       = 14
	codeDocumentValidation = 121
)

// Catalog resolves collection names and validation rules for record types.
// *schema.Registry satisfies it.
type Catalog interface {
	CollectionName(recordType string) string
	ValidationRules(recordType string) (schema.Ruleset, error)
}

// Store implements store.Store on MongoDB, one collection per record type.
type Store struct {
	client  *mongoinfra.Client
	db      *mongo.Database
	catalog Catalog
	now     store.NowFunc
}

var _ store.Store = (*Store)(nil)

// New creates a MongoDB-backed record store on client's database.
func New(client *mongoinfra.Client, catalog Catalog) *Store {
	return &Store{
		client:  client,
		db:      client.Database(),
		catalog: catalog,
		now:     time.Now,
	}
}

// SetClock replaces the time source used to stamp updated_at.
func (s *Store) SetClock(now store.NowFunc) {
	s.now = now
}

func (s *Store) collection(recordType string) *mongo.Collection {
	return s.db.Collection(s.catalog.CollectionName(recordType))
}

// InitCollections creates missing collections, attaches (or refreshes) the
// $jsonSchema validator of each type with a loaded schema and ensures the
// type and timestamp indexes. Existing documents are kept.
func (s *Store) InitCollections(ctx context.Context, recordTypes []string) error {
	for _, t := range recordTypes {
		name := s.catalog.CollectionName(t)

		var validator map[string]any
		if rules, err := s.catalog.ValidationRules(t); err == nil {
			validator = serverValidator(rules)
		}

		existing, err := s.db.ListCollectionNames(ctx, bson.M{"name": name})
		if err != nil {
			return fmt.Errorf("%w: listing collections: %w", store.ErrStore, err)
		}

		switch {
		case len(existing) == 0:
			opts := options.CreateCollection()
			if validator != nil {
				opts.SetValidator(validator)
			}
			if err := s.db.CreateCollection(ctx, name, opts); err != nil {
				return fmt.Errorf("%w: creating %s: %w", store.ErrStore, name, err)
			}
		case validator != nil:
			cmd := bson.D{{Key: "collMod", Value: name}, {Key: "validator", Value: validator}}
			if err := s.db.RunCommand(ctx, cmd).Err(); err != nil {
				return fmt.Errorf("%w: updating validator of %s: %w", store.ErrStore, name, err)
			}
		}

		_, err = s.db.Collection(name).Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "type", Value: 1}}},
			{Keys: bson.D{{Key: "metadata.created_at", Value: 1}}},
			{Keys: bson.D{{Key: "metadata.updated_at", Value: 1}}},
		})
		if err != nil {
			return fmt.Errorf("%w: indexing %s: %w", store.ErrStore, name, err)
		}
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

	if _, err := s.collection(recordType).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("%w: %s", store.ErrDuplicate, id)
		}
		return "", mapWriteError(err, "inserting")
	}
	return id, nil
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

// Get returns one document by id.
func (s *Store) Get(ctx context.Context, recordType, id string) (store.Document, error) {
	var raw bson.M
	err := s.collection(recordType).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, recordType, id)
		}
		return nil, fmt.Errorf("%w: finding %s: %w", store.ErrStore, id, err)
	}
	return fromBSON(raw), nil
}

// Update merges changes with one $set of dotted paths. The merged document
// is checked before the write; the collection validator backs that check
// on the server.
func (s *Store) Update(ctx context.Context, recordType, id string, changes store.Document) error {
	changes, err := store.Normalize(changes)
	if err != nil {
		return err
	}
	sets, err := store.Flatten(changes)
	if err != nil {
		return err
	}
	sets[store.PathUpdatedAt] = store.FormatTime(s.now())

	current, err := s.Get(ctx, recordType, id)
	if err != nil {
		return err
	}
	if err := store.ApplySets(current, sets); err != nil {
		return err
	}
	if err := store.CheckMetadata(current); err != nil {
		return err
	}
	if err := s.validate(recordType, current); err != nil {
		return err
	}

	set := bson.M{}
	for path, v := range sets {
		set[path] = v
	}
	return s.updateOne(ctx, recordType, id, bson.M{"$set": set})
}

// Query returns documents matching every filter path, oldest first.
func (s *Store) Query(ctx context.Context, recordType string, filter store.Filter) ([]store.Document, error) {
	query := bson.M{}
	for path, v := range filter {
		if _, err := store.SplitPath(path); err != nil {
			return nil, err
		}
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int32, int64:
			query[path] = v
		default:
			return nil, fmt.Errorf("%w: filter value for %s must be a scalar", store.ErrInvalidPath, path)
		}
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "metadata.created_at", Value: 1},
		{Key: "_id", Value: 1},
	})
	cur, err := s.collection(recordType).Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %w", store.ErrStore, recordType, err)
	}

	var raws []bson.M
	if err := cur.All(ctx, &raws); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", store.ErrStore, recordType, err)
	}

	docs := make([]store.Document, 0, len(raws))
	for _, raw := range raws {
		docs = append(docs, fromBSON(raw))
	}
	return docs, nil
}

// Delete removes one document.
func (s *Store) Delete(ctx context.Context, recordType, id string) error {
	res, err := s.collection(recordType).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("%w: deleting %s: %w", store.ErrStore, id, err)
	}
	if res.DeletedCount < 1 {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, recordType, id)
	}
	return nil
}

// DeleteAll empties a collection. The collection, validator and indexes remain.
func (s *Store) DeleteAll(ctx context.Context, recordType string) (int64, error) {
	res, err := s.collection(recordType).DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("%w: clearing %s: %w", store.ErrStore, recordType, err)
	}
	return res.DeletedCount, nil
}

// Append pushes entries with $push/$each.
func (s *Store) Append(ctx context.Context, recordType, id, path string, entries ...any) error {
	if _, err := store.SplitPath(path); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	values := make(bson.A, 0, len(entries))
	for _, e := range entries {
		v, err := store.NormalizeValue(e)
		if err != nil {
			return err
		}
		values = append(values, v)
	}

	return s.updateOne(ctx, recordType, id, bson.M{
		"$push": bson.M{path: bson.M{"$each": values}},
		"$set":  bson.M{"metadata.updated_at": store.FormatTime(s.now())},
	})
}

// AddToSet adds value with $addToSet.
func (s *Store) AddToSet(ctx context.Context, recordType, id, path string, value any) error {
	if _, err := store.SplitPath(path); err != nil {
		return err
	}
	v, err := store.NormalizeValue(value)
	if err != nil {
		return err
	}

	return s.updateOne(ctx, recordType, id, bson.M{
		"$addToSet": bson.M{path: v},
		"$set":      bson.M{"metadata.updated_at": store.FormatTime(s.now())},
	})
}

// Pull removes matching elements with $pull.
func (s *Store) Pull(ctx context.Context, recordType, id, path string, value any) error {
	if _, err := store.SplitPath(path); err != nil {
		return err
	}
	v, err := store.NormalizeValue(value)
	if err != nil {
		return err
	}

	return s.updateOne(ctx, recordType, id, bson.M{
		"$pull": bson.M{path: v},
		"$set":  bson.M{"metadata.updated_at": store.FormatTime(s.now())},
	})
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) updateOne(ctx context.Context, recordType, id string, update bson.M) error {
	res, err := s.collection(recordType).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return mapWriteError(err, "updating "+id)
	}
	if res.MatchedCount < 1 {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, recordType, id)
	}
	return nil
}

// mapWriteError converts server write errors into store errors.
func mapWriteError(err error, op string) error {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			switch e.Code {
			case codeDocumentValidation:
				return fmt.Errorf("%w: %s", store.ErrInvalidDocument, e.Message)
			case codeBadValue, codeTypeMismatch:
				return fmt.Errorf("%w: %s", store.ErrInvalidPath, e.Message)
			}
		}
	}
	return fmt.Errorf("%w: %s: %w", store.ErrStore, op, err)
}

// stampMetadata fills missing metadata timestamps.
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

// serverValidator renders rules as a collection validator. Numeric bsonTypes
// widen to "number": documents hold JSON numbers, which are stored as
// doubles, and integrality is already checked by Ruleset.Validate.
func serverValidator(rules schema.Ruleset) map[string]any {
	return widenNumeric(rules.JSONSchema()).(map[string]any) //nolint:forcetypeassert // JSONSchema returns a map
}

func widenNumeric(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			if k == "bsonType" {
				out[k] = widenType(val)
				continue
			}
			out[k] = widenNumeric(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = widenNumeric(val)
		}
		return out
	default:
		return v
	}
}

func widenType(bt any) any {
	switch t := bt.(type) {
	case string:
		switch t {
		case "int", "long", "double", "decimal":
			return "number"
		}
		return t
	case []any:
		out := make([]any, 0, len(t))
		seen := make(map[string]bool, len(t))
		for _, alt := range t {
			w, _ := widenType(alt).(string)
			if w == "" || seen[w] {
				continue
			}
			seen[w] = true
			out = append(out, w)
		}
		return out
	default:
		return bt
	}
}

// fromBSON converts decoded BSON into the JSON-normal document form.
func fromBSON(m bson.M) store.Document {
	return normalize(m).(map[string]any) //nolint:forcetypeassert // bson.M normalises to a map
}

func normalize(v any) any {
	switch tv := v.(type) {
	case bson.M:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = normalize(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(tv))
		for _, e := range tv {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = normalize(val)
		}
		return out
	case int32:
		return float64(tv)
	case int64:
		return float64(tv)
	case int:
		return float64(tv)
	case primitive.DateTime:
		return store.FormatTime(tv.Time())
	case primitive.ObjectID:
		return tv.Hex()
	default:
		return v
	}
}

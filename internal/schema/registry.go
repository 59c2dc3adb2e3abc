package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// CollectionSuffix is appended to a record type to name its collection.
const CollectionSuffix = "_collection"

// Registry holds the loaded schemas and their merged rule sets, keyed by
// record type.
//
// Thread Safety: all methods are safe for concurrent use. Schemas are
// loaded at startup and read on every request.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	rules   map[string]Ruleset
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*Schema),
		rules:   make(map[string]Ruleset),
	}
}

// Load parses source as the schema for recordType. Loading a type again
// replaces its previous definition.
func (r *Registry) Load(recordType string, source []byte) error {
	recordType = strings.TrimSpace(recordType)
	if recordType == "" {
		return fmt.Errorf("%w: empty record type", ErrInvalidType)
	}

	s, err := parse(recordType, source)
	if err != nil {
		return fmt.Errorf("loading %s schema: %w", recordType, err)
	}
	rules := baseRuleset().merge(s.Validations)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[recordType] = s
	r.rules[recordType] = rules
	return nil
}

// LoadFile reads and loads a schema source from path.
func (r *Registry) LoadFile(recordType, path string) error {
	source, err := os.ReadFile(path) //nolint:gosec // Path comes from operator configuration
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", ErrInvalidSchema, path, err)
	}
	return r.Load(recordType, source)
}

// LoadAll loads every type → path entry. It stops at the first failure.
func (r *Registry) LoadAll(paths map[string]string) error {
	types := make([]string, 0, len(paths))
	for t := range paths {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		if err := r.LoadFile(t, paths[t]); err != nil {
			return err
		}
	}
	return nil
}

// Schema returns a copy of the loaded schema for recordType.
func (r *Registry) Schema(recordType string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[recordType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, recordType)
	}
	return s.Clone(), nil
}

// ValidationRules returns the merged rule set for recordType. The result
// is a copy; callers may modify it freely.
func (r *Registry) ValidationRules(recordType string) (Ruleset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules, ok := r.rules[recordType]
	if !ok {
		return Ruleset{}, fmt.Errorf("%w: %s", ErrSchemaNotFound, recordType)
	}
	return rules.Clone(), nil
}

// Has reports whether a schema is loaded for recordType.
func (r *Registry) Has(recordType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[recordType]
	return ok
}

// Types returns the loaded record types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CollectionName returns the collection that stores records of recordType.
// It is defined for every type, loaded or not.
func (r *Registry) CollectionName(recordType string) string {
	return CollectionName(recordType)
}

// CollectionName is the package-level form of Registry.CollectionName.
func CollectionName(recordType string) string {
	return recordType + CollectionSuffix
}

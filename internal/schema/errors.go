package schema

import "errors"

// Domain errors for the schema package.
//
//	if errors.Is(err, schema.ErrSchemaNotFound) {
//	    // type was never loaded
//	}
var (
	// ErrInvalidSchema is returned when a schema source is malformed or lacks
	// the schemas root or its common_fields.profile map.
	ErrInvalidSchema = errors.New("schema: invalid schema source")

	// ErrSchemaNotFound is returned when a record type was never loaded.
	ErrSchemaNotFound = errors.New("schema: not found")

	// ErrInvalidType is returned when a record type name is empty.
	ErrInvalidType = errors.New("schema: invalid record type")

	// ErrDocumentInvalid is returned when a document violates a ruleset.
	ErrDocumentInvalid = errors.New("schema: document does not satisfy ruleset")
)

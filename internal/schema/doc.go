// Package schema provides the Schema Registry: a process-wide catalogue of
// record types, each described by a declarative YAML schema.
//
// For every loaded type the registry keeps two things:
//
//   - The parsed Schema: the ordered profile field definitions (type,
//     required, default, enum and range constraints) that the replica
//     factory validates raw input against.
//   - A Ruleset: the document-level validation rules every persisted record
//     of the type must satisfy. It always requires _id, type and metadata
//     (with metadata.created_at and metadata.updated_at) and is widened by
//     the schema's optional validations block.
//
// # Schema source format
//
//	schemas:
//	  common_fields:
//	    profile:
//	      name: str
//	      floor: int
//	      room_number: str
//	      capacity: {type: int, default: 2, minimum: 1}
//	      ward: {type: str, enum: [icu, general], required: false}
//	  validations:
//	    required: [profile]
//	    properties:
//	      profile: {bsonType: object, required: [name]}
//
// A profile field is required unless it declares a default or sets
// required: false. Type names may be the short forms (str, int, float,
// bool, Dict, List[...], datetime) or JSON-schema names (string, integer,
// number, boolean, object, array). The validations block may also sit at
// the document root.
//
// # Collections
//
// CollectionName is a pure function of the type name ("<type>_collection")
// and is what both record store backends use for table and collection names.
//
// # Thread Safety
//
// Registry methods are safe for concurrent use. Returned Schemas and
// Rulesets are copies; mutating them does not affect the registry.
package schema

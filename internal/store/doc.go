// Package store defines the Record Store capability: persistence of replica
// and twin documents keyed by record type and _id.
//
// Two backends implement Store:
//
//   - store/sqlite keeps one JSON document table per collection in the
//     embedded SQLite database, created on demand and registered in the
//     replica_collections table.
//   - store/mongodb keeps one MongoDB collection per record type, with a
//     $jsonSchema validator derived from the schema registry.
//
// Documents are JSON-normal (see Document) and timestamps are strings in
// TimeFormat, so values read back are the same regardless of backend.
//
// # Concurrent writers
//
// Update, Append and AddToSet are single server-side operations. Two
// ingestion workers appending to the same record never lose each other's
// entries. Get-modify-Update sequences are not isolated; callers that need
// read-modify-write semantics on lists should use Append or AddToSet.
package store

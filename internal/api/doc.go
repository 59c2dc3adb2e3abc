// Package api implements the HTTP REST API and WebSocket server.
//
// This package provides:
//   - CRUD endpoints for Digital Replicas of every loaded record type
//   - Measurement and manual RFID access endpoints backed by the same
//     recorder the ingestion pipeline uses
//   - Digital Twin creation, membership, service registration and invocation
//   - RFID bottle relocation through the room measurement endpoint
//   - A WebSocket hub broadcasting replica, measurement, access and
//     relocation events, filtered per event, record type, record or
//     digital twin membership (replica.updated:room, twin:dt-1)
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// Errors are returned as {status, code, message}; validation failures also
// carry the offending field names:
//
//	{"status":400,"code":"validation_error","message":"...","fields":["floor"]}
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api

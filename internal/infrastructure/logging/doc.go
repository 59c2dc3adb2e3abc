// Package logging provides structured logging for the replica core.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "port", 8080)
//	pipeline := ingest.New(store, transport, ingest.WithLogger(logger.Component("ingest")))
//
// Ingestion drops malformed telemetry without surfacing an error, so the
// warn-level entries written by that component are the only record of a
// discarded message. Never log broker passwords or database credentials.
package logging

// Package config handles loading and validating replica core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (REPLICA_SECTION_KEY)
//   - Validation of required fields
//   - Default value handling
//
// The store backend, broker, ingestion topic root and schema file locations
// all come from here. Sensitive values (broker passwords, InfluxDB tokens,
// MongoDB URIs with credentials) should be set via environment variables.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Store.Backend)
package config

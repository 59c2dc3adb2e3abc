package mongodb

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/nerrad567/replica-core/internal/infrastructure/config"
)

// testConfig returns a configuration for a local dev MongoDB.
func testConfig() config.MongoDBConfig {
	uri := os.Getenv("REPLICA_TEST_MONGODB_URI")
	if uri == "" {
		uri = "mongodb://127.0.0.1:27017"
	}
	return config.MongoDBConfig{URI: uri, Database: "replica_test", ConnectTimeout: 2}
}

func TestConnect_MissingSettings(t *testing.T) {
	if _, err := Connect(context.Background(), config.MongoDBConfig{}); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := config.MongoDBConfig{URI: "mongodb://127.0.0.1:1", Database: "x", ConnectTimeout: 1}
	if _, err := Connect(context.Background(), cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestNilClient_IsSafe(t *testing.T) {
	var c *Client
	if c.IsConnected() {
		t.Error("nil client reports connected")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestLifecycle_Server(t *testing.T) {
	client, err := Connect(context.Background(), testConfig())
	if err != nil {
		if os.Getenv("RUN_INTEGRATION") != "" {
			t.Fatalf("Connect() error = %v", err)
		}
		t.Skip("MongoDB not available, skipping integration test")
	}

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if client.Database().Name() != "replica_test" {
		t.Errorf("Database().Name() = %q, want replica_test", client.Database().Name())
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends understood by StoreConfig.Backend.
const (
	BackendSQLite  = "sqlite"
	BackendMongoDB = "mongodb"
)

// Config is the root configuration structure for the replica core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig        `yaml:"site"`
	Database  DatabaseConfig    `yaml:"database"`
	Store     StoreConfig       `yaml:"store"`
	MongoDB   MongoDBConfig     `yaml:"mongodb"`
	MQTT      MQTTConfig        `yaml:"mqtt"`
	Ingestion IngestionConfig   `yaml:"ingestion"`
	Schemas   map[string]string `yaml:"schemas"`
	Twins     TwinsConfig       `yaml:"twins"`
	API       APIConfig         `yaml:"api"`
	WebSocket WebSocketConfig   `yaml:"websocket"`
	InfluxDB  InfluxDBConfig    `yaml:"influxdb"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// SiteConfig identifies the deployment.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
}

// MongoDBConfig contains MongoDB connection settings.
type MongoDBConfig struct {
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	ConnectTimeout int    `yaml:"connect_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker MQTTBrokerConfig `yaml:"broker"`
	Auth   MQTTAuthConfig   `yaml:"auth"`
	QoS    int              `yaml:"qos"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// IngestionConfig controls the telemetry ingestion pipeline.
type IngestionConfig struct {
	Enabled bool `yaml:"enabled"`

	// TopicRoot is the first segment of every telemetry topic (e.g. "hospital").
	TopicRoot string `yaml:"topic_root"`

	// RetryInterval is the delay between connection attempts, in seconds.
	RetryInterval int `yaml:"retry_interval"`

	// StopTimeout bounds how long Stop waits for the supervisor, in milliseconds.
	StopTimeout int `yaml:"stop_timeout"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	RFID        bool `yaml:"rfid"`
	Vitals      bool `yaml:"vitals"`
	Temperature bool `yaml:"temperature"`

	RoomType    string `yaml:"room_type"`
	ActorType   string `yaml:"actor_type"`
	PatientType string `yaml:"patient_type"`
	BottleType  string `yaml:"bottle_type"`
}

// TwinsConfig controls the digital twin runtime.
type TwinsConfig struct {
	// Services lists the built-in service implementations to register.
	Services []string `yaml:"services"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: REPLICA_SECTION_KEY
// For example: REPLICA_DATABASE_PATH, REPLICA_MONGODB_URI
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Replica Core",
		},
		Database: DatabaseConfig{
			Path:        "./data/replicas.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
		},
		MongoDB: MongoDBConfig{
			URI:            "mongodb://localhost:27017",
			Database:       "digital_replicas",
			ConnectTimeout: 10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "replica-ingest",
			},
			QoS: 0,
		},
		Ingestion: IngestionConfig{
			Enabled:       true,
			TopicRoot:     "hospital",
			RetryInterval: 5,
			StopTimeout:   1000,
			Workers:       4,
			QueueSize:     256,
			RFID:          true,
			Vitals:        true,
			Temperature:   true,
			RoomType:      "room",
			ActorType:     "doctor",
			PatientType:   "patient",
			BottleType:    "bottle",
		},
		Twins: TwinsConfig{
			Services: []string{"TemperaturePredictionService"},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: REPLICA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("REPLICA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Store
	if v := os.Getenv("REPLICA_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("REPLICA_MONGODB_URI"); v != "" {
		cfg.MongoDB.URI = v
	}
	if v := os.Getenv("REPLICA_MONGODB_DATABASE"); v != "" {
		cfg.MongoDB.Database = v
	}

	// MQTT
	if v := os.Getenv("REPLICA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("REPLICA_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("REPLICA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("REPLICA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Ingestion
	if v := os.Getenv("REPLICA_INGESTION_TOPIC_ROOT"); v != "" {
		cfg.Ingestion.TopicRoot = v
	}

	// API
	if v := os.Getenv("REPLICA_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("REPLICA_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite backend")
		}
	case BackendMongoDB:
		if c.MongoDB.URI == "" {
			errs = append(errs, "mongodb.uri is required for the mongodb backend")
		}
		if c.MongoDB.Database == "" {
			errs = append(errs, "mongodb.database is required for the mongodb backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be %q or %q", BackendSQLite, BackendMongoDB))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Ingestion.Enabled {
		if c.Ingestion.TopicRoot == "" || strings.ContainsAny(c.Ingestion.TopicRoot, "/+#") {
			errs = append(errs, "ingestion.topic_root must be a single topic segment")
		}
		if c.Ingestion.RetryInterval < 1 {
			errs = append(errs, "ingestion.retry_interval must be at least 1 second")
		}
		if c.Ingestion.Workers < 1 {
			errs = append(errs, "ingestion.workers must be at least 1")
		}
		if c.Ingestion.QueueSize < 1 {
			errs = append(errs, "ingestion.queue_size must be at least 1")
		}
	}

	for typ, path := range c.Schemas {
		if typ == "" || path == "" {
			errs = append(errs, "schemas entries need a type and a path")
			break
		}
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetRetryInterval returns the ingestion reconnect interval as a Duration.
func (c *Config) GetRetryInterval() time.Duration {
	return time.Duration(c.Ingestion.RetryInterval) * time.Second
}

// GetStopTimeout returns the bounded ingestion shutdown wait as a Duration.
func (c *Config) GetStopTimeout() time.Duration {
	return time.Duration(c.Ingestion.StopTimeout) * time.Millisecond
}

// GetMongoConnectTimeout returns the MongoDB connect timeout as a Duration.
func (c *Config) GetMongoConnectTimeout() time.Duration {
	return time.Duration(c.MongoDB.ConnectTimeout) * time.Second
}

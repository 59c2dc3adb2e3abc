// replicad serves Digital Replicas and Digital Twins.
//
// It loads record schemas, opens the record store (SQLite or MongoDB),
// ingests RFID, vitals and temperature telemetry from the MQTT broker, and
// exposes replicas, twins and twin services over HTTP and WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/replica-core/migrations"

	"github.com/nerrad567/replica-core/internal/api"
	"github.com/nerrad567/replica-core/internal/infrastructure/config"
	"github.com/nerrad567/replica-core/internal/infrastructure/database"
	"github.com/nerrad567/replica-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/replica-core/internal/infrastructure/logging"
	mongoinfra "github.com/nerrad567/replica-core/internal/infrastructure/mongodb"
	"github.com/nerrad567/replica-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/replica-core/internal/ingest"
	"github.com/nerrad567/replica-core/internal/schema"
	"github.com/nerrad567/replica-core/internal/store"
	mongostore "github.com/nerrad567/replica-core/internal/store/mongodb"
	"github.com/nerrad567/replica-core/internal/store/sqlite"
	"github.com/nerrad567/replica-core/internal/twin"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Components are shut down in reverse start order by the deferred calls.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting replicad",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	schemas := schema.NewRegistry()
	if err := schemas.LoadAll(cfg.Schemas); err != nil {
		return fmt.Errorf("loading schemas: %w", err)
	}
	log.Info("schemas loaded", "types", schemas.Types())

	records, err := openStore(ctx, cfg, schemas, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing record store")
		if closeErr := records.Close(); closeErr != nil {
			log.Error("error closing record store", "error", closeErr)
		}
	}()

	if err := records.InitCollections(ctx, schemas.Types()); err != nil {
		return fmt.Errorf("initialising collections: %w", err)
	}
	log.Info("collections initialised", "backend", cfg.Store.Backend)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// The hub outlives the API server so the recorder can broadcast from
	// the first ingested message.
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	go hub.Run(hubCtx)

	recorder := ingest.NewRecorder(records, ingest.TypesFrom(cfg))
	recorder.SetLogger(log.Component("recorder"))
	recorder.SetNotifier(hub)
	if influxClient != nil {
		recorder.SetSink(influxClient)
	}

	var pipeline *ingest.Pipeline
	if cfg.Ingestion.Enabled {
		pipeline, err = startIngestion(ctx, cfg, recorder, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping ingestion pipeline")
			pipeline.Stop()
		}()
	} else {
		log.Info("ingestion disabled")
	}

	services, err := twin.Builtins(cfg.Twins.Services)
	if err != nil {
		return fmt.Errorf("registering twin services: %w", err)
	}
	twins := twin.NewRuntime(records, services)
	twins.SetLogger(log.Component("twin"))
	log.Info("digital twin runtime ready", "services", services.Names())

	deps := api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log.Component("api"),
		Store:       records,
		Schemas:     schemas,
		Recorder:    recorder,
		Twins:       twins,
		ExternalHub: hub,
		Version:     version,
	}
	if pipeline != nil {
		deps.Ingestion = pipeline
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, records, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the config file path from REPLICA_CONFIG or the default.
func getConfigPath() string {
	if path := os.Getenv("REPLICA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openStore opens the record store backend named in cfg.Store.Backend.
func openStore(ctx context.Context, cfg *config.Config, schemas *schema.Registry, log *logging.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMongoDB:
		client, err := mongoinfra.Connect(ctx, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connecting to MongoDB: %w", err)
		}
		log.Info("MongoDB connected", "database", cfg.MongoDB.Database)
		return mongostore.New(client, schemas), nil

	default:
		db, err := database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close() //nolint:errcheck // already failing
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database connected", "path", cfg.Database.Path)
		return sqlite.New(db, schemas), nil
	}
}

// startIngestion builds the MQTT transport and starts the pipeline. The
// broker does not need to be reachable; the pipeline keeps retrying.
func startIngestion(ctx context.Context, cfg *config.Config, recorder *ingest.Recorder, log *logging.Logger) (*ingest.Pipeline, error) {
	transport := mqtt.New(cfg.MQTT)
	transport.SetLogger(log.Component("mqtt"))

	pipeline, err := ingest.New(ingest.Options{
		Config:    ingest.ConfigFrom(cfg),
		Transport: transport,
		Recorder:  recorder,
		Logger:    log.Component("ingest"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating ingestion pipeline: %w", err)
	}
	if err := pipeline.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting ingestion pipeline: %w", err)
	}
	log.Info("ingestion pipeline started",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"filters", pipeline.Filters(),
	)
	return pipeline, nil
}

// healthCheck verifies the record store and, when enabled, InfluxDB.
func healthCheck(ctx context.Context, records store.Store, influxClient *influxdb.Client) error {
	if err := records.HealthCheck(ctx); err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

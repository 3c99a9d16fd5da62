// Device Hub Core - subscription-filtered command and notification
// distribution for IoT devices.
//
// This is the main entry point for the Device Hub application. The hub
// accepts commands and notifications over REST, WebSocket, and MQTT,
// journals them in an append-only SQLite log, and distributes each one
// to the clients and devices whose subscriptions and permissions match.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/device-hub-core/migrations"

	"github.com/nerrad567/device-hub-core/internal/api"
	"github.com/nerrad567/device-hub-core/internal/audit"
	"github.com/nerrad567/device-hub-core/internal/device"
	"github.com/nerrad567/device-hub-core/internal/dispatch"
	"github.com/nerrad567/device-hub-core/internal/entity"
	"github.com/nerrad567/device-hub-core/internal/infrastructure/config"
	"github.com/nerrad567/device-hub-core/internal/infrastructure/database"
	"github.com/nerrad567/device-hub-core/internal/infrastructure/logging"
	"github.com/nerrad567/device-hub-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/device-hub-core/internal/infrastructure/tsdb"
	"github.com/nerrad567/device-hub-core/internal/subscription"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Device Hub Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	deviceRegistry := device.NewRegistry(deviceRepo)
	deviceRegistry.SetLogger(log)

	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", deviceRegistry.Count())

	// Entity store and distribution engine
	store := entity.NewSQLiteStore(db.DB)
	subs := subscription.NewRegistry()

	// Connect to InfluxDB telemetry (optional)
	var recorder dispatch.Recorder
	var tsdbClient *tsdb.Client
	if cfg.InfluxDB.Enabled {
		var tsdbErr error
		tsdbClient, tsdbErr = tsdb.Connect(cfg.InfluxDB)
		if tsdbErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", tsdbErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := tsdbClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		tsdbClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorder = tsdbClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	dispatcher := dispatch.New(subs, store, dispatch.Config{
		MaxWait:     time.Duration(cfg.Dispatch.MaxWaitTimeout) * time.Second,
		ReplayLimit: cfg.Dispatch.ReplayLimit,
	}, log.With("component", "dispatch"), nil, recorder)
	store.SetHook(dispatcher.OnAppended)
	log.Info("distribution engine initialised",
		"push_queue_size", cfg.Dispatch.PushQueueSize,
		"max_wait_timeout", cfg.Dispatch.MaxWaitTimeout,
	)

	// Connect the MQTT device channel (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		var mqttErr error
		mqttClient, mqttErr = mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge := mqtt.NewBridge(mqttClient, store, deviceRegistry, subs, dispatcher, log.With("component", "mqtt-bridge"))
		if bridgeErr := bridge.Start(ctx); bridgeErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", bridgeErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Close()
		}()
		log.Info("MQTT bridge started", "subscriptions", mqttClient.SubscriptionCount())
	} else {
		log.Info("MQTT device channel disabled")
	}

	// Start the API server
	server, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Security:     cfg.Security,
		Dispatch:     cfg.Dispatch,
		Logger:       log.With("component", "api"),
		Registry:     deviceRegistry,
		Store:        store,
		Subscription: subs,
		Dispatcher:   dispatcher,
		Audit:        audit.NewSQLiteRepository(db.DB),
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"host", cfg.API.Host,
		"port", cfg.API.Port,
		"tls", cfg.API.TLS.Enabled,
	)

	// Verify connections are healthy
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("health check failed: mqtt: %w", err)
		}
	}
	if tsdbClient != nil {
		if err := tsdbClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("health check failed: tsdb: %w", err)
		}
	}
	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: api: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. MQTT bridge and client (if enabled)
	// 3. InfluxDB (if enabled)
	// 4. Database

	log.Info("Device Hub Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DEVICEHUB_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEVICEHUB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

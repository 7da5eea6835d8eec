// Sonata Core - Device Discovery & Live-State Synchronization Engine
//
// This is the main entry point for the Sonata Core daemon. Sonata
// discovers networked audio-playback devices, keeps their live playback
// state synchronized through per-device polling, and exposes the result
// over a REST API, a WebSocket event feed and an optional MQTT mirror.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/sonatahub/sonata-core/migrations"

	"github.com/sonatahub/sonata-core/internal/api"
	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/discovery"
	"github.com/sonatahub/sonata-core/internal/engine"
	"github.com/sonatahub/sonata-core/internal/errlog"
	"github.com/sonatahub/sonata-core/internal/events"
	"github.com/sonatahub/sonata-core/internal/gateway"
	"github.com/sonatahub/sonata-core/internal/heos"
	"github.com/sonatahub/sonata-core/internal/history"
	"github.com/sonatahub/sonata-core/internal/infrastructure/config"
	"github.com/sonatahub/sonata-core/internal/infrastructure/database"
	"github.com/sonatahub/sonata-core/internal/infrastructure/logging"
	"github.com/sonatahub/sonata-core/internal/infrastructure/mqtt"
	"github.com/sonatahub/sonata-core/internal/metrics"
	"github.com/sonatahub/sonata-core/internal/mqttbridge"
	"github.com/sonatahub/sonata-core/internal/poller"
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

// startupSweepTimeout bounds the initial discovery sweep. A slow or
// silent network must not delay serving the API.
const startupSweepTimeout = 30 * time.Second

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
	log.Info("starting Sonata Core",
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

	// Event bus: every state change fans out from here
	bus := events.NewBus()
	bus.SetLogger(log)
	defer bus.Close()

	// Device registry
	registry := device.NewRegistry()
	registry.SetLogger(log)
	registry.SetPublisher(bus)

	// Bounded error log
	errors := errlog.New(cfg.ErrorLog.Capacity)
	errors.SetPublisher(bus)

	// Device protocol client
	heosClient := heos.NewClient(heos.Config{
		Port:        cfg.Gateway.Port,
		DialTimeout: cfg.DialTimeout(),
	})
	heosClient.SetLogger(log)
	defer heosClient.Close()

	// Command gateway serializes all traffic per device
	gw := gateway.New(heosClient, errors, cfg.RequestTimeout())
	gw.SetLogger(log)

	// Operational metrics, shared by the pollers and the API
	m := metrics.New()

	// Polling supervisor: one lifecycle per reachable device
	sup := poller.NewSupervisor(registry, gw, errors, poller.Config{
		Interval:         cfg.PollInterval(),
		FailureThreshold: cfg.Poller.FailureThreshold,
	})
	sup.SetLogger(log)
	sup.SetMetrics(m)

	// Command transport failures feed the owning poller's failure counter
	gw.SetReachabilitySink(sup)

	// Discovery providers
	providers := buildProviders(cfg, log)
	resolver := discovery.NewCommandResolver(gw)
	coordinator := discovery.NewCoordinator(providers, registry, resolver, sup, errors, discovery.Config{
		RemoveMissing:  cfg.Discovery.RemoveMissing,
		ResolveTimeout: cfg.ResolveTimeout(),
	})
	coordinator.SetLogger(log)
	coordinator.SetPublisher(bus)

	// Command history (optional)
	var hist history.Repository
	if cfg.History.Enabled {
		hist = history.NewSQLiteRepository(db.DB)
		log.Info("command history enabled")
	} else {
		log.Info("command history disabled")
	}

	// Assemble the engine facade
	eng := engine.New(engine.Params{
		Registry:    registry,
		Coordinator: coordinator,
		Gateway:     gw,
		Supervisor:  sup,
		Errors:      errors,
		Bus:         bus,
		History:     hist,
		Logger:      log,
	})
	eng.Start(ctx)
	defer func() {
		log.Info("stopping device pollers")
		eng.Shutdown()
	}()

	// HTTP API with WebSocket feed and Prometheus metrics
	apiServer, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Engine:  eng,
		Metrics: m,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// MQTT mirror (optional)
	if cfg.MQTT.Enabled {
		mqttClient, bridge, mqttErr := startMQTT(cfg, eng, log)
		if mqttErr != nil {
			return mqttErr
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			bridge.Close()
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	} else {
		log.Info("MQTT disabled")
	}

	// Initial discovery sweep runs in the background so startup never
	// blocks on network silence. Later sweeps come from the API, MQTT
	// trigger topic, or operator tooling.
	go func() {
		sweepCtx, cancel := context.WithTimeout(ctx, startupSweepTimeout)
		defer cancel()
		summary, sweepErr := eng.Discover(sweepCtx)
		if sweepErr != nil {
			log.Warn("initial discovery sweep failed", "error", sweepErr)
			return
		}
		log.Info("initial discovery sweep complete",
			"reported", summary.Reported,
			"created", summary.Created,
			"removed", summary.Removed,
			"took", summary.Took,
		)
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. MQTT bridge and client (if enabled)
	// 2. API server
	// 3. Engine pollers
	// 4. Device connections
	// 5. Event bus
	// 6. Database

	log.Info("Sonata Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SONATA_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SONATA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildProviders assembles the discovery provider set from configuration.
// Validation guarantees at least one source is configured.
func buildProviders(cfg *config.Config, log *logging.Logger) []discovery.Provider {
	var providers []discovery.Provider
	if cfg.Discovery.MDNS.Enabled {
		providers = append(providers, &discovery.MDNSProvider{
			Service: cfg.Discovery.MDNS.Service,
			Timeout: cfg.MDNSTimeout(),
		})
		log.Info("mDNS discovery enabled", "service", cfg.Discovery.MDNS.Service)
	}
	if len(cfg.Discovery.Static) > 0 {
		providers = append(providers, &discovery.StaticProvider{
			Addresses: cfg.Discovery.Static,
		})
		log.Info("static discovery enabled", "addresses", len(cfg.Discovery.Static))
	}
	return providers
}

// startMQTT connects to the broker and attaches the engine bridge.
func startMQTT(cfg *config.Config, eng *engine.Engine, log *logging.Logger) (*mqtt.Client, *mqttbridge.Bridge, error) {
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	bridge := mqttbridge.New(mqttClient, eng, cfg.MQTT)
	bridge.SetLogger(log)
	if err := bridge.Start(); err != nil {
		_ = mqttClient.Close()
		return nil, nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}
	log.Info("MQTT bridge started", "prefix", cfg.MQTT.TopicPrefix)

	return mqttClient, bridge, nil
}

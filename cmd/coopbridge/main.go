// Coop Bridge - Omlet Smart Coop integration
//
// This is the main entry point for the coop bridge. It polls the Omlet
// cloud API, mirrors each coop's entities onto MQTT and the local device
// registry, and serves them over a REST and WebSocket API.
//
// Usage:
//
//	coopbridge              run the bridge
//	coopbridge token [...]  mint an API access token
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	_ "github.com/nerrad567/gray-logic-coop/migrations"

	"github.com/nerrad567/gray-logic-coop/internal/api"
	"github.com/nerrad567/gray-logic-coop/internal/audit"
	"github.com/nerrad567/gray-logic-coop/internal/auth"
	"github.com/nerrad567/gray-logic-coop/internal/bridges/coop"
	"github.com/nerrad567/gray-logic-coop/internal/coordinator"
	"github.com/nerrad567/gray-logic-coop/internal/device"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-coop/internal/omlet"
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
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := tokenCommand(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled.
// Deferred shutdown runs in reverse start order.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting coop bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "omlet", cfg.Omlet.String())

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, cfg.Database)
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	schemaVersion, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	log.Info("database migrations complete", "schema_version", schemaVersion)

	// Device registry
	deviceRegistry := device.NewRegistry(
		device.NewSQLiteRepository(db.DB),
		device.NewSQLiteStateHistoryRepository(db.DB),
	)
	deviceRegistry.SetLogger(log.Component("device"))
	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", deviceRegistry.GetDeviceCount())

	if retention := cfg.Database.HistoryRetention(); retention > 0 {
		go pruneHistoryLoop(ctx, deviceRegistry, retention, historyPruneInterval, log)
	}

	topics := mqtt.NewTopics(cfg.Bridge.TopicPrefix)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, topics)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
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
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Prometheus collectors
	var (
		gatherer     prometheus.Gatherer
		coordMetrics *coordinator.Metrics
		coopMetrics  *coop.Metrics
	)
	if cfg.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		coordMetrics = coordinator.NewMetrics(cfg.Metrics.Namespace)
		coopMetrics = coop.NewMetrics(cfg.Metrics.Namespace)
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			coordMetrics,
			coopMetrics,
		)
		gatherer = promRegistry
	}

	// Omlet client and coordinator
	omletClient, err := omlet.NewClient(omlet.Config{
		BaseURL: cfg.Omlet.BaseURL,
		Token:   cfg.Omlet.APIToken,
		Timeout: cfg.GetRequestTimeout(),
	})
	if err != nil {
		return fmt.Errorf("creating omlet client: %w", err)
	}

	hooks := &authFailureHooks{}
	coordOpts := coordinator.Options{
		Source:        omletClient,
		Interval:      cfg.GetPollInterval(),
		Timeout:       cfg.GetRequestTimeout(),
		Logger:        log.Component("coordinator"),
		Metrics:       coordMetrics,
		OnAuthFailure: hooks.fire,
	}
	if influxClient != nil {
		coordOpts.OnFetch = func(outcome coordinator.Outcome, took time.Duration, devices int) {
			influxClient.WritePollOutcome(string(outcome), took, devices)
		}
	}

	coord, err := coordinator.New(coordOpts)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}
	defer func() {
		log.Info("closing coordinator")
		coord.Close()
	}()

	snap, err := coord.Initialize(ctx)
	if err != nil {
		if errors.Is(err, omlet.ErrUnauthorized) {
			return fmt.Errorf("omlet rejected the API token: %w", err)
		}
		return fmt.Errorf("initial omlet fetch: %w", err)
	}
	log.Info("omlet devices loaded", "devices", snap.Len())

	// Coop bridge
	bridgeOpts := coop.Options{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		Topics:         topics,
		HealthInterval: cfg.GetHealthInterval(),
		Coordinator:    coord,
		Registry:       &registryAdapter{registry: deviceRegistry},
		Metrics:        coopMetrics,
		Logger:         log.Component("coop"),
	}
	if mqttClient != nil {
		bridgeOpts.MQTTClient = &mqttBridgeAdapter{client: mqttClient}
	}
	if influxClient != nil {
		bridgeOpts.Telemetry = influxClient
	}

	bridge, err := coop.NewBridge(bridgeOpts)
	if err != nil {
		return fmt.Errorf("creating coop bridge: %w", err)
	}
	if startErr := bridge.Start(ctx); startErr != nil {
		return fmt.Errorf("starting coop bridge: %w", startErr)
	}
	defer func() {
		log.Info("stopping coop bridge")
		bridge.Stop()
	}()
	hooks.add(bridge.HandleAuthFailure)
	log.Info("coop bridge started", "bridge_id", cfg.Bridge.ID)

	// HTTP API (optional)
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = startAPI(ctx, cfg, apiDeps{
			log:      log,
			coord:    coord,
			bridge:   bridge,
			registry: deviceRegistry,
			db:       db,
			mqtt:     mqttClient,
			gatherer: gatherer,
		})
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		hooks.add(apiServer.NotifyAuthFailure)
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	log.Info("coop bridge stopped")
	return nil
}

// apiDeps groups the running components handed to the API server.
type apiDeps struct {
	log      *logging.Logger
	coord    *coordinator.Coordinator
	bridge   *coop.Bridge
	registry *device.Registry
	db       *database.DB
	mqtt     *mqtt.Client
	gatherer prometheus.Gatherer
}

// startAPI creates and starts the HTTP API server.
func startAPI(ctx context.Context, cfg *config.Config, d apiDeps) (*api.Server, error) {
	deps := api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Metrics:       cfg.Metrics,
		Logger:        d.log.Component("api"),
		Coordinator:   d.coord,
		Commands:      d.bridge,
		Registry:      d.registry,
		Audit:         audit.NewSQLiteRepository(d.db.DB),
		BridgeMetrics: d.bridge,
		DB:            d.db,
		Gatherer:      d.gatherer,
		Version:       version,
		PollInterval:  cfg.GetPollInterval(),
	}
	if d.mqtt != nil {
		deps.MQTT = d.mqtt
	}

	srv, err := api.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	d.log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"tls", cfg.API.TLS.Enabled,
	)
	return srv, nil
}

// getConfigPath returns the configuration file path.
// Uses COOPBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("COOPBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// Nil clients are skipped; they are disabled in config.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if apiServer != nil {
		if err := apiServer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	return nil
}

// tokenCommand implements "coopbridge token". The signing secret comes from
// the same configuration file the bridge runs with.
func tokenCommand(args []string, out io.Writer) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	defaultTTL := time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	return mintToken(args, cfg.Security.JWT.Secret, defaultTTL, out)
}

// mintToken parses the token subcommand flags and writes a signed access token.
func mintToken(args []string, secret string, defaultTTL time.Duration, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("sub", "", "token subject (required)")
	role := fs.String("role", string(auth.RoleViewer), "role: viewer, operator or admin")
	ttl := fs.Duration("ttl", defaultTTL, "token lifetime")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-sub is required")
	}
	if !auth.IsValidRole(auth.Role(*role)) {
		return fmt.Errorf("unknown role %q", *role)
	}
	if *ttl <= 0 {
		return errors.New("-ttl must be positive")
	}

	token, err := auth.GenerateAccessToken(*subject, auth.Role(*role), secret, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// authFailureHooks fans a coordinator auth failure out to components
// registered after the coordinator was built.
type authFailureHooks struct {
	mu    sync.RWMutex
	hooks []func(error)
}

func (h *authFailureHooks) add(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, fn)
}

// fire runs every hook on its own goroutine; the coordinator callback must not block.
func (h *authFailureHooks) fire(err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.hooks {
		go fn(err)
	}
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the coop
// bridge's MQTTClient interface. The infrastructure handler returns an
// error; the bridge handler does not.
type mqttBridgeAdapter struct {
	client interface {
		Publish(topic string, payload []byte, qos byte, retained bool) error
		Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
		IsConnected() bool
	}
}

// Publish implements coop.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements coop.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements coop.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// registryAdapter adapts *device.Registry to coop.DeviceRegistry.
type registryAdapter struct {
	registry *device.Registry
}

// UpsertDevice implements coop.DeviceRegistry.
func (a *registryAdapter) UpsertDevice(ctx context.Context, seed coop.DeviceSeed) error {
	return a.registry.UpsertDevice(ctx, device.Seed{
		ID:              seed.ID,
		Name:            seed.Name,
		Manufacturer:    seed.Manufacturer,
		Model:           seed.Model,
		FirmwareVersion: seed.FirmwareVersion,
		Serial:          seed.Serial,
		Entities:        seed.Entities,
	})
}

// SetDeviceState implements coop.DeviceRegistry.
func (a *registryAdapter) SetDeviceState(ctx context.Context, id string, state map[string]any, source string) error {
	return a.registry.SetDeviceState(ctx, id, state, source)
}

// SetDeviceHealth implements coop.DeviceRegistry.
func (a *registryAdapter) SetDeviceHealth(ctx context.Context, id string, status string) error {
	return a.registry.SetDeviceHealth(ctx, id, status)
}

// historyPruneInterval is how often state history older than the retention
// window is deleted.
const historyPruneInterval = 6 * time.Hour

type historyPruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// pruneHistoryLoop prunes once at start and then every interval until ctx ends.
func pruneHistoryLoop(ctx context.Context, p historyPruner, retention, interval time.Duration, log interface{ Warn(string, ...any) }) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.PruneHistory(ctx, retention); err != nil && ctx.Err() == nil {
			log.Warn("state history prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

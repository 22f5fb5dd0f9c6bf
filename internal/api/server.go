package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-coop/internal/audit"
	"github.com/nerrad567/gray-logic-coop/internal/bridges/coop"
	"github.com/nerrad567/gray-logic-coop/internal/coordinator"
	"github.com/nerrad567/gray-logic-coop/internal/device"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Coordinator is the polling coordinator as seen by the API.
// *coordinator.Coordinator satisfies it.
type Coordinator interface {
	Snapshot() *coordinator.Snapshot
	Device(id string) (*omlet.Device, bool)
	Refresh(ctx context.Context) error
	Reauthorize(ctx context.Context, token string) error
	Subscribe(l coordinator.Listener) (unsubscribe func())
	Stats() coordinator.Stats
}

// CommandExecutor runs entity commands. *coop.Bridge satisfies it.
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, cmd coop.CommandMessage) coop.AckMessage
}

// BridgeMetricsProvider supplies bridge counters for the metrics endpoint.
type BridgeMetricsProvider interface {
	GetMetrics() coop.BridgeMetrics
}

// DBStatser reports connection pool statistics. *sql.DB satisfies it.
type DBStatser interface {
	Stats() sql.DBStats
}

// MQTTStatus reports broker connectivity.
type MQTTStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Metrics  config.MetricsConfig
	Logger   *logging.Logger

	// Coordinator owns the device snapshot. Required.
	Coordinator Coordinator

	// Commands executes entity commands. Required.
	Commands CommandExecutor

	// The rest are optional.
	Registry      *device.Registry
	Audit         audit.Repository
	BridgeMetrics BridgeMetricsProvider
	DB            DBStatser
	MQTT          MQTTStatus
	Gatherer      prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Version       string

	// PollInterval is the coordinator's refresh period. The metrics
	// report flags the snapshot stale after staleIntervals of them.
	PollInterval time.Duration
}

// Server is the HTTP API server for the coop bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	metricsCfg config.MetricsConfig
	logger     *logging.Logger

	coord         Coordinator
	commands      CommandExecutor
	registry      *device.Registry
	audit         audit.Repository
	bridgeMetrics BridgeMetricsProvider
	db            DBStatser
	mqtt          MQTTStatus
	gatherer      prometheus.Gatherer
	version       string
	pollInterval  time.Duration
	startTime     time.Time

	server      *http.Server
	hub         *Hub
	tickets     *ticketStore
	cancel      context.CancelFunc // cancels background goroutines on Close()
	unsubscribe func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command executor is required")
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		secCfg:        deps.Security,
		metricsCfg:    deps.Metrics,
		logger:        deps.Logger,
		coord:         deps.Coordinator,
		commands:      deps.Commands,
		registry:      deps.Registry,
		audit:         deps.Audit,
		bridgeMetrics: deps.BridgeMetrics,
		db:            deps.DB,
		mqtt:          deps.MQTT,
		gatherer:      gatherer,
		version:       deps.Version,
		pollInterval:  deps.PollInterval,
		startTime:     time.Now(),
		hub:           NewHub(deps.Logger),
		tickets:       newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes to coordinator snapshots for
// broadcast, and launches the HTTP listener in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.unsubscribe = s.coord.Subscribe(s.broadcastSnapshot)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// NotifyAuthFailure tells WebSocket clients the Omlet credential was rejected.
// It is meant to be wired to the coordinator's OnAuthFailure hook.
func (s *Server) NotifyAuthFailure(err error) {
	payload := map[string]any{}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.hub.Broadcast(EventAuthFailed, payload)
}

// broadcastSnapshot relays each new snapshot to subscribed WebSocket clients.
func (s *Server) broadcastSnapshot(snap *coordinator.Snapshot) {
	if s.hub.ClientCount() == 0 {
		return
	}
	s.hub.Broadcast(EventSnapshotUpdated, snapshotPayload(snap))
}

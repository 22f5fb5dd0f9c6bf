package coop

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-coop/internal/coordinator"
	"github.com/nerrad567/gray-logic-coop/internal/entity"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

// Bridge operation constants.
const (
	// minTopicParts is {category}/{protocol}/{id} below the prefix.
	minTopicParts = 3

	// commandTimeout covers the action and the follow-up refresh.
	commandTimeout = 30 * time.Second

	// requestTimeout bounds a refresh request.
	requestTimeout = 15 * time.Second

	// Registry state sources.
	sourcePoll    = "poll"
	sourceCommand = "command"
)

// Logger is the optional structured logger used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Coordinator is the view of *coordinator.Coordinator the bridge uses.
type Coordinator interface {
	entity.Coordinator
	Snapshot() *coordinator.Snapshot
	Subscribe(l coordinator.Listener) (unsubscribe func())
	Stats() coordinator.Stats
}

// DeviceRegistry persists device metadata, state and health.
// It is optional; if nil, the bridge operates without registry integration.
type DeviceRegistry interface {
	// UpsertDevice creates the device or refreshes its metadata.
	UpsertDevice(ctx context.Context, seed DeviceSeed) error

	// SetDeviceState records a state change. source is "poll" or "command".
	SetDeviceState(ctx context.Context, id string, state map[string]any, source string) error

	// SetDeviceHealth updates the health status of a device.
	SetDeviceHealth(ctx context.Context, id string, status string) error
}

// TelemetryWriter records entity readings. It is optional.
// *influxdb.Client satisfies it.
type TelemetryWriter interface {
	WriteEntityState(deviceID, entityKey string, fields map[string]any, at time.Time)
}

// DeviceSeed holds the device metadata derivable from a snapshot.
type DeviceSeed struct {
	ID              string
	Name            string
	Manufacturer    string
	Model           string
	FirmwareVersion string
	Serial          string
	Entities        []string
}

// Options configures a Bridge.
type Options struct {
	// BridgeID identifies the bridge in health messages. Default: "omlet".
	BridgeID string

	// Version is reported in health messages.
	Version string

	// Topics builds MQTT topics. Default: mqtt.NewTopics("").
	Topics mqtt.Topics

	// HealthInterval is the health publish period. Default: 30s.
	HealthInterval time.Duration

	// Coordinator supplies snapshots and executes actions. Required.
	Coordinator Coordinator

	// MQTTClient is optional. Without it the bridge only mirrors state
	// into the registry, telemetry and metrics.
	MQTTClient MQTTClient

	// Registry is optional.
	Registry DeviceRegistry

	// Telemetry is optional.
	Telemetry TelemetryWriter

	// Metrics is optional.
	Metrics *Metrics

	// Logger is optional.
	Logger Logger
}

// Bridge fans coordinator snapshots out to MQTT and the registry, and
// turns MQTT commands into entity commands.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID  string
	topics    mqtt.Topics
	coord     Coordinator
	mqtt      MQTTClient
	registry  DeviceRegistry
	telemetry TelemetryWriter
	metrics   *Metrics
	health    *HealthReporter

	// Serialises snapshot processing.
	snapshotMu  sync.Mutex
	lastApplied time.Time

	// Change detection: device id → entity key → state.
	stateCache   map[string]map[string]entity.State
	seeds        map[string]DeviceSeed
	stateCacheMu sync.RWMutex

	// Commands in flight per device. State changes applied while a device
	// has one are attributed to the command.
	pending   map[string]int
	pendingMu sync.Mutex

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	statesPublished  atomic.Uint64

	unsubscribe func()

	// Shutdown coordination. dispatchMu orders handler goroutine
	// registration against Stop.
	done       chan struct{}
	wg         sync.WaitGroup
	dispatchMu sync.Mutex
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}

	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = Protocol
	}
	topics := opts.Topics
	if topics.Prefix == "" {
		topics = mqtt.NewTopics("")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeID:   bridgeID,
		topics:     topics,
		coord:      opts.Coordinator,
		mqtt:       opts.MQTTClient,
		registry:   opts.Registry,
		telemetry:  opts.Telemetry,
		metrics:    opts.Metrics,
		stateCache: make(map[string]map[string]entity.State),
		seeds:      make(map[string]DeviceSeed),
		pending:    make(map[string]int),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	var publisher HealthPublisher
	if opts.MQTTClient != nil {
		publisher = opts.MQTTClient
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  bridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Topics:    topics,
		Publisher: publisher,
		Status:    opts.Coordinator,
		Counters:  b.statistics,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to MQTT commands and requests, registers with the
// coordinator, publishes the current snapshot and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	if b.mqtt != nil {
		commandTopic := b.topics.BridgeCommands(Protocol)
		if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to commands: %w", err)
		}
		b.logInfo("subscribed to commands", "topic", commandTopic)

		requestTopic := b.topics.BridgeRequests(Protocol)
		if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to requests: %w", err)
		}
		b.logInfo("subscribed to requests", "topic", requestTopic)
	}

	unsubscribe := b.coord.Subscribe(b.handleSnapshot)
	b.snapshotMu.Lock()
	b.unsubscribe = unsubscribe
	b.snapshotMu.Unlock()

	if snap := b.coord.Snapshot(); snap != nil {
		b.handleSnapshot(snap)
	}

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health status", err)
	}

	b.logInfo("bridge started",
		"bridge_id", b.bridgeID,
		"devices", b.coord.Snapshot().Len())
	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.dispatchMu.Lock()
		close(b.done)
		b.dispatchMu.Unlock()
		b.ctxCancel()

		b.snapshotMu.Lock()
		unsubscribe := b.unsubscribe
		b.unsubscribe = nil
		b.snapshotMu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}

		b.health.Stop()
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// HandleAuthFailure reports a rejected Omlet credential.
// It is wired as the coordinator's auth-failure hook and must not block long.
func (b *Bridge) HandleAuthFailure(err error) {
	b.logError("omlet credential rejected, commands disabled until reauthorized", err)
	if pubErr := b.health.PublishNow(); pubErr != nil {
		b.logError("failed to publish health status", pubErr)
	}
}

// handleSnapshot publishes what changed in snap. It runs synchronously on
// the coordinator's fetch goroutine and must not call Refresh.
func (b *Bridge) handleSnapshot(snap *coordinator.Snapshot) {
	if snap == nil {
		return
	}

	b.snapshotMu.Lock()
	defer b.snapshotMu.Unlock()

	at := snap.FetchedAt()
	if at.Before(b.lastApplied) {
		return
	}
	b.lastApplied = at

	present := make(map[string]bool, snap.Len())
	for _, d := range snap.Devices() {
		present[d.DeviceID] = true
		b.applyDevice(d, at)
	}

	b.dropMissing(present)
}

// applyDevice mirrors one device. The state message is published only when
// some entity's state differs from the cached one.
func (b *Bridge) applyDevice(d *omlet.Device, at time.Time) {
	states := entity.States(d)
	firstSeen := b.syncMetadata(d, states)

	b.metrics.setDevice(d.DeviceID, d.DeviceType, states)

	changed := b.updateCache(d.DeviceID, states)
	if len(changed) == 0 {
		return
	}

	b.publishState(d.DeviceID, states, at)

	source := sourcePoll
	if b.commandPending(d.DeviceID) {
		source = sourceCommand
	}

	if b.registry != nil {
		if err := b.registry.SetDeviceState(b.ctx, d.DeviceID, flattenStates(states), source); err != nil {
			b.logDebug("registry state update skipped",
				"device", d.DeviceID,
				"reason", err.Error())
		}
		if firstSeen {
			if err := b.registry.SetDeviceHealth(b.ctx, d.DeviceID, "online"); err != nil {
				b.logDebug("registry health update skipped",
					"device", d.DeviceID,
					"reason", err.Error())
			}
		}
	}

	if b.telemetry != nil {
		for _, key := range changed {
			if fields := telemetryFields(states[key]); len(fields) > 0 {
				b.telemetry.WriteEntityState(d.DeviceID, key, fields, at)
			}
		}
	}
}

// syncMetadata upserts the registry record when the device is new or its
// metadata changed. It reports whether the device was new.
func (b *Bridge) syncMetadata(d *omlet.Device, states map[string]entity.State) bool {
	info := entity.NewDeviceInfo(d)
	seed := DeviceSeed{
		ID:              d.DeviceID,
		Name:            info.Name,
		Manufacturer:    info.Manufacturer,
		Model:           info.Model,
		FirmwareVersion: info.SWVersion,
		Serial:          info.Serial,
		Entities:        sortedKeys(states),
	}

	b.stateCacheMu.Lock()
	prev, known := b.seeds[d.DeviceID]
	unchanged := known && reflect.DeepEqual(prev, seed)
	b.seeds[d.DeviceID] = seed
	b.stateCacheMu.Unlock()

	if !unchanged && b.registry != nil {
		if err := b.registry.UpsertDevice(b.ctx, seed); err != nil {
			b.logError("failed to upsert device", fmt.Errorf("device=%s: %w", d.DeviceID, err))
		}
	}
	return !known
}

// updateCache stores states and returns the entity keys whose state changed.
func (b *Bridge) updateCache(deviceID string, states map[string]entity.State) []string {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	cached := b.stateCache[deviceID]
	var changed []string
	for _, key := range sortedKeys(states) {
		if prev, ok := cached[key]; !ok || !reflect.DeepEqual(prev, states[key]) {
			changed = append(changed, key)
		}
	}
	// An entity disappearing is a change too.
	for key := range cached {
		if _, ok := states[key]; !ok {
			changed = append(changed, key)
		}
	}

	b.stateCache[deviceID] = states
	return changed
}

// dropMissing marks devices absent from the snapshot offline and forgets them.
func (b *Bridge) dropMissing(present map[string]bool) {
	b.stateCacheMu.Lock()
	var gone []string
	for id := range b.seeds {
		if !present[id] {
			gone = append(gone, id)
			delete(b.seeds, id)
			delete(b.stateCache, id)
		}
	}
	b.stateCacheMu.Unlock()

	for _, id := range gone {
		b.logInfo("device left the account", "device", id)
		b.metrics.removeDevice(id)
		if b.registry != nil {
			if err := b.registry.SetDeviceHealth(b.ctx, id, "offline"); err != nil {
				b.logDebug("registry health update skipped",
					"device", id,
					"reason", err.Error())
			}
		}
	}
}

func (b *Bridge) publishState(deviceID string, states map[string]entity.State, at time.Time) {
	if b.mqtt == nil {
		return
	}

	payload, err := json.Marshal(NewStateMessage(deviceID, states, at))
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}

	if err := b.mqtt.Publish(b.topics.BridgeState(Protocol, deviceID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
		return
	}
	b.statesPublished.Add(1)
	b.metrics.observePublish()
}

func (b *Bridge) markPending(deviceID string) {
	b.pendingMu.Lock()
	b.pending[deviceID]++
	b.pendingMu.Unlock()
}

func (b *Bridge) releasePending(deviceID string) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if b.pending[deviceID] <= 1 {
		delete(b.pending, deviceID)
		return
	}
	b.pending[deviceID]--
}

func (b *Bridge) commandPending(deviceID string) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return b.pending[deviceID] > 0
}

// ClearStateCache forgets every cached state so the next snapshot
// republishes all devices.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	b.stateCache = make(map[string]map[string]entity.State)
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
// It runs on the MQTT client's router goroutine, so handlers that reach
// the network are dispatched to their own goroutine.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	category, id, err := b.parseTopic(topic)
	if err != nil {
		b.logError("invalid topic", err)
		return
	}

	switch category {
	case "command":
		b.dispatch(func() { b.handleCommand(id, payload) })
	case "request":
		b.dispatch(func() { b.handleRequest(id, payload) })
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", category))
	}
}

// dispatch runs fn on a goroutine tracked by Stop. Messages arriving after
// Stop are dropped.
func (b *Bridge) dispatch(fn func()) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// parseTopic splits {prefix}/{category}/omlet/{id}.
func (b *Bridge) parseTopic(topic string) (category, id string, err error) {
	rel, ok := strings.CutPrefix(topic, b.topics.Prefix+"/")
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	parts := strings.SplitN(rel, "/", minTopicParts)
	if len(parts) < minTopicParts || parts[1] != Protocol {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	return parts[0], parts[2], nil
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) statistics() BridgeStatistics {
	return BridgeStatistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatesPublished:  b.statesPublished.Load(),
	}
}

// BridgeMetrics contains metrics data for the API metrics endpoint.
type BridgeMetrics struct {
	Connected        bool   `json:"connected"`
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
	DevicesManaged   int    `json:"devices_managed"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`
}

// GetMetrics returns current bridge metrics for the API metrics endpoint.
func (b *Bridge) GetMetrics() BridgeMetrics {
	b.stateCacheMu.RLock()
	devices := len(b.seeds)
	b.stateCacheMu.RUnlock()

	status, reason := b.health.Status()
	stats := b.statistics()
	return BridgeMetrics{
		Connected:        b.mqtt != nil && b.mqtt.IsConnected(),
		Status:           string(status),
		Reason:           reason,
		DevicesManaged:   devices,
		CommandsReceived: stats.CommandsReceived,
		CommandsFailed:   stats.CommandsFailed,
		StatesPublished:  stats.StatesPublished,
	}
}

// flattenStates converts entity states into the registry's state shape.
func flattenStates(states map[string]entity.State) map[string]any {
	out := make(map[string]any, len(states))
	for key, state := range states {
		out[key] = map[string]any(state)
	}
	return out
}

// telemetryFields keeps the non-nil scalar fields of a state.
func telemetryFields(state entity.State) map[string]any {
	fields := make(map[string]any, len(state))
	for k, v := range state {
		switch v.(type) {
		case float64, bool, string:
			fields[k] = v
		}
	}
	return fields
}

func sortedKeys(states map[string]entity.State) []string {
	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

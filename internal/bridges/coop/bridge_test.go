package coop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/gray-logic-coop/internal/coordinator"
	"github.com/nerrad567/gray-logic-coop/internal/entity"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// PublishedTo returns the messages published to topic.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage simulates receiving an MQTT message on a topic.
// "+" and "#" wildcards in subscriptions are honoured.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var handler func(topic string, payload []byte)
	for pattern, h := range m.handlers {
		if topicMatches(pattern, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func topicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	for i := range p {
		if p[i] == "#" {
			return true
		}
		if i >= len(t) || (p[i] != "+" && p[i] != t[i]) {
			return false
		}
	}
	return len(p) == len(t)
}

// fakeSource serves a mutable device list to a real coordinator.
type fakeSource struct {
	mu        sync.Mutex
	devices   []omlet.Device
	listErr   error
	actionErr error
	actions   []omlet.Action
	// onAction mutates devices to mimic the device reacting.
	onAction func(a omlet.Action, devices []omlet.Device)

	// actionGate, when non-nil, holds PerformAction until closed.
	actionGate chan struct{}
	waiting    atomic.Int32
}

func (f *fakeSource) ListDevices(context.Context) ([]omlet.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]omlet.Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeSource) PerformAction(ctx context.Context, a omlet.Action) error {
	f.mu.Lock()
	gate := f.actionGate
	f.mu.Unlock()
	if gate != nil {
		f.waiting.Add(1)
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return f.actionErr
	}
	f.actions = append(f.actions, a)
	if f.onAction != nil {
		f.onAction(a, f.devices)
	}
	return nil
}

func (f *fakeSource) set(devices ...omlet.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakeSource) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeSource) actionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions)
}

// mockRegistry records registry calls.
type mockRegistry struct {
	mu      sync.Mutex
	seeds   map[string]DeviceSeed
	upserts int
	states  []registryState
	health  map[string]string
}

type registryState struct {
	ID     string
	State  map[string]any
	Source string
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{seeds: make(map[string]DeviceSeed), health: make(map[string]string)}
}

func (r *mockRegistry) UpsertDevice(_ context.Context, seed DeviceSeed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	r.seeds[seed.ID] = seed
	return nil
}

func (r *mockRegistry) SetDeviceState(_ context.Context, id string, state map[string]any, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, registryState{ID: id, State: state, Source: source})
	return nil
}

func (r *mockRegistry) SetDeviceHealth(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[id] = status
	return nil
}

func (r *mockRegistry) stateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// mockTelemetry records entity writes.
type mockTelemetry struct {
	mu     sync.Mutex
	writes []string
}

func (m *mockTelemetry) WriteEntityState(deviceID, entityKey string, _ map[string]any, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, deviceID+"/"+entityKey)
}

func coopDevice(id, door string, actions ...string) omlet.Device {
	d := omlet.Device{
		DeviceID:   id,
		Name:       "Coop " + id,
		DeviceType: "Autodoor",
		State: omlet.Status{
			"general": map[string]any{
				"batteryLevel":           87.0,
				"powerSource":            "battery",
				"firmwareVersionCurrent": "1.0.4",
			},
			"door":  map[string]any{"state": door},
			"light": map[string]any{"state": "off"},
		},
	}
	for _, a := range actions {
		d.Actions = append(d.Actions, omlet.Action{Name: a, ActionName: a, ActionValue: a})
	}
	return d
}

type testEnv struct {
	source    *fakeSource
	coord     *coordinator.Coordinator
	mqtt      *MockMQTTClient
	registry  *mockRegistry
	telemetry *mockTelemetry
	metrics   *Metrics
	bridge    *Bridge
	topics    mqtt.Topics
}

func newTestEnv(t *testing.T, devices ...omlet.Device) *testEnv {
	t.Helper()

	env := &testEnv{
		source:    &fakeSource{devices: devices},
		mqtt:      NewMockMQTTClient(),
		registry:  newMockRegistry(),
		telemetry: &mockTelemetry{},
		metrics:   NewMetrics("test"),
		topics:    mqtt.NewTopics(""),
	}

	var bridge *Bridge
	coord, err := coordinator.New(coordinator.Options{
		Source:   env.source,
		Interval: time.Hour,
		OnAuthFailure: func(err error) {
			if bridge != nil {
				bridge.HandleAuthFailure(err)
			}
		},
	})
	if err != nil {
		t.Fatalf("coordinator.New() error = %v", err)
	}
	t.Cleanup(coord.Close)

	if _, err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	bridge, err = NewBridge(Options{
		Version:        "test",
		Topics:         env.topics,
		HealthInterval: time.Hour,
		Coordinator:    coord,
		MQTTClient:     env.mqtt,
		Registry:       env.registry,
		Telemetry:      env.telemetry,
		Metrics:        env.metrics,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(bridge.Stop)

	env.coord = coord
	env.bridge = bridge
	return env
}

// settle waits for dispatched MQTT handlers to finish.
func (env *testEnv) settle() {
	env.bridge.wg.Wait()
}

func decodeState(t *testing.T, p mockPublish) StateMessage {
	t.Helper()
	var msg StateMessage
	if err := json.Unmarshal(p.Payload, &msg); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	return msg
}

func decodeAck(t *testing.T, p mockPublish) AckMessage {
	t.Helper()
	var ack AckMessage
	if err := json.Unmarshal(p.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func TestNewBridge_RequiresCoordinator(t *testing.T) {
	if _, err := NewBridge(Options{}); err == nil {
		t.Error("NewBridge() error = nil, want error")
	}
}

func TestBridge_StartSubscribesAndPublishes(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed", "open"))

	subs := env.mqtt.GetSubscriptions()
	if len(subs) != 2 {
		t.Fatalf("subscriptions = %d, want 2", len(subs))
	}
	if subs[0].Topic != "graylogic/command/omlet/#" || subs[1].Topic != "graylogic/request/omlet/#" {
		t.Errorf("subscriptions = %+v", subs)
	}

	states := env.mqtt.PublishedTo(env.topics.BridgeState(Protocol, "d1"))
	if len(states) != 1 {
		t.Fatalf("state publishes = %d, want 1", len(states))
	}
	if !states[0].Retained || states[0].QoS != 1 {
		t.Errorf("state publish qos=%d retained=%v, want 1/true", states[0].QoS, states[0].Retained)
	}

	msg := decodeState(t, states[0])
	if msg.Protocol != Protocol || msg.Address != "d1" {
		t.Errorf("state message = %+v", msg)
	}
	if msg.State[entity.KeyDoor]["state"] != entity.CoverClosed {
		t.Errorf("door state = %v, want closed", msg.State[entity.KeyDoor]["state"])
	}
	if msg.State[entity.KeyBattery]["value"] != 87.0 {
		t.Errorf("battery value = %v, want 87", msg.State[entity.KeyBattery]["value"])
	}

	if len(env.mqtt.PublishedTo(env.topics.BridgeHealth(Protocol))) < 2 {
		t.Error("expected starting and current health publishes")
	}

	if !env.coord.Polling() {
		t.Error("coordinator not polling after the bridge subscribed")
	}
}

func TestBridge_RegistrySeededOnce(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed"))

	seed, ok := env.registry.seeds["d1"]
	if !ok {
		t.Fatal("device not upserted")
	}
	if seed.Manufacturer != entity.Manufacturer || seed.Model != "Autodoor" || seed.FirmwareVersion != "1.0.4" {
		t.Errorf("seed = %+v", seed)
	}
	if env.registry.health["d1"] != "online" {
		t.Errorf("health = %q, want online", env.registry.health["d1"])
	}

	// An identical snapshot neither upserts nor republishes.
	if err := env.coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if env.registry.upserts != 1 {
		t.Errorf("upserts = %d, want 1", env.registry.upserts)
	}
	if n := len(env.mqtt.PublishedTo(env.topics.BridgeState(Protocol, "d1"))); n != 1 {
		t.Errorf("state publishes = %d, want 1", n)
	}
	if env.registry.stateCount() != 1 {
		t.Errorf("registry states = %d, want 1", env.registry.stateCount())
	}
}

func TestBridge_PublishesOnChange(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed"))

	env.source.set(coopDevice("d1", "open"))
	if err := env.coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	states := env.mqtt.PublishedTo(env.topics.BridgeState(Protocol, "d1"))
	if len(states) != 2 {
		t.Fatalf("state publishes = %d, want 2", len(states))
	}
	msg := decodeState(t, states[1])
	if msg.State[entity.KeyDoor]["state"] != entity.CoverOpen {
		t.Errorf("door state = %v, want open", msg.State[entity.KeyDoor]["state"])
	}
	if msg.State[entity.KeyDoorOpen]["on"] != true {
		t.Errorf("door_open = %v, want true", msg.State[entity.KeyDoorOpen]["on"])
	}

	last := env.registry.states[len(env.registry.states)-1]
	if last.Source != sourcePoll {
		t.Errorf("registry source = %q, want poll", last.Source)
	}

	env.telemetry.mu.Lock()
	defer env.telemetry.mu.Unlock()
	var sawDoor bool
	for _, w := range env.telemetry.writes[len(env.telemetry.writes)-2:] {
		if w == "d1/"+entity.KeyDoor || w == "d1/"+entity.KeyDoorOpen {
			sawDoor = true
		}
	}
	if !sawDoor {
		t.Errorf("telemetry writes = %v, want door entities", env.telemetry.writes)
	}
}

func TestBridge_DeviceRemoved(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed"), coopDevice("d2", "closed"))

	env.source.set(coopDevice("d2", "closed"))
	if err := env.coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if env.registry.health["d1"] != "offline" {
		t.Errorf("d1 health = %q, want offline", env.registry.health["d1"])
	}
	if got := env.bridge.GetMetrics().DevicesManaged; got != 1 {
		t.Errorf("DevicesManaged = %d, want 1", got)
	}
	if n := testutil.CollectAndCount(env.metrics, "test_device_up"); n != 1 {
		t.Errorf("device_up series = %d, want 1", n)
	}
}

func TestBridge_TransientFailureKeepsState(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed"))
	env.mqtt.ClearPublished()

	env.source.setListErr(omlet.ErrTransient)
	if err := env.coord.Refresh(context.Background()); !errors.Is(err, omlet.ErrTransient) {
		t.Fatalf("Refresh() error = %v, want transient", err)
	}

	if n := len(env.mqtt.PublishedTo(env.topics.BridgeState(Protocol, "d1"))); n != 0 {
		t.Errorf("state publishes after failure = %d, want 0", n)
	}
	if env.registry.health["d1"] != "online" {
		t.Errorf("health = %q, want online", env.registry.health["d1"])
	}
	if status, _ := env.bridge.health.Status(); status != HealthDegraded {
		t.Errorf("health status = %q, want degraded", status)
	}
}

func TestBridge_CommandViaMQTT(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed", "open"))
	env.source.onAction = func(a omlet.Action, devices []omlet.Device) {
		devices[0] = coopDevice("d1", "openpending", "close")
	}

	payload, _ := json.Marshal(map[string]any{
		"id":      "cmd-1",
		"entity":  entity.KeyDoor,
		"command": "open",
	})
	env.mqtt.SimulateMessage(env.topics.BridgeCommand(Protocol, "d1"), payload)
	env.settle()

	if env.source.actionCount() != 1 {
		t.Fatalf("actions = %d, want 1", env.source.actionCount())
	}

	acks := env.mqtt.PublishedTo(env.topics.BridgeAck(Protocol, "d1"))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	ack := decodeAck(t, acks[0])
	if ack.Status != AckAccepted || ack.CommandID != "cmd-1" || ack.Entity != entity.KeyDoor {
		t.Errorf("ack = %+v", ack)
	}
	if acks[0].Retained {
		t.Error("ack was retained")
	}

	// The follow-up refresh published the device's new state.
	states := env.mqtt.PublishedTo(env.topics.BridgeState(Protocol, "d1"))
	if len(states) != 2 {
		t.Fatalf("state publishes = %d, want 2", len(states))
	}
	if got := decodeState(t, states[1]).State[entity.KeyDoor]["state"]; got != entity.CoverOpening {
		t.Errorf("door state = %v, want opening", got)
	}

	last := env.registry.states[len(env.registry.states)-1]
	if last.Source != sourceCommand {
		t.Errorf("registry source = %q, want command", last.Source)
	}
}

func TestBridge_CommandsDoNotBlockMessageHandler(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed", "open"), coopDevice("d2", "closed", "open"))
	gate := make(chan struct{})
	env.source.mu.Lock()
	env.source.actionGate = gate
	env.source.mu.Unlock()

	for i, id := range []string{"d1", "d2"} {
		payload, _ := json.Marshal(map[string]any{"id": "cmd-" + id, "command": "open"})
		returned := make(chan struct{})
		go func() {
			env.mqtt.SimulateMessage(env.topics.BridgeCommand(Protocol, id), payload)
			close(returned)
		}()
		select {
		case <-returned:
		case <-time.After(time.Second):
			close(gate)
			t.Fatalf("message handler for command %d blocked on the upstream action", i+1)
		}
	}

	deadline := time.Now().Add(time.Second)
	for env.source.waiting.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := env.source.waiting.Load(); got != 2 {
		close(gate)
		t.Fatalf("concurrent upstream actions = %d, want 2", got)
	}

	close(gate)
	env.settle()

	for _, id := range []string{"d1", "d2"} {
		acks := env.mqtt.PublishedTo(env.topics.BridgeAck(Protocol, id))
		if len(acks) != 1 {
			t.Fatalf("acks for %s = %d, want 1", id, len(acks))
		}
		if ack := decodeAck(t, acks[0]); ack.Status != AckAccepted {
			t.Errorf("ack for %s = %+v, want accepted", id, ack)
		}
	}
}

func TestBridge_MessagesAfterStopDropped(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed", "open"))
	env.bridge.Stop()

	payload, _ := json.Marshal(map[string]any{"command": "open"})
	env.mqtt.SimulateMessage(env.topics.BridgeCommand(Protocol, "d1"), payload)
	env.settle()

	if env.source.actionCount() != 0 {
		t.Error("command executed after Stop()")
	}
}

func TestBridge_CommandWithoutVisibleEffect(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed", "open"))

	// The device accepts the action but the follow-up listing is unchanged.
	ack := env.bridge.ExecuteCommand(context.Background(), CommandMessage{DeviceID: "d1", Command: "open"})
	if ack.Status != AckAccepted {
		t.Fatalf("ack = %+v, want accepted", ack)
	}
	before := env.registry.stateCount()

	// A later change seen by polling belongs to the poll.
	env.source.set(coopDevice("d1", "open", "close"))
	if err := env.coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	env.registry.mu.Lock()
	defer env.registry.mu.Unlock()
	if len(env.registry.states) != before+1 {
		t.Fatalf("registry state updates = %d, want %d", len(env.registry.states), before+1)
	}
	if last := env.registry.states[len(env.registry.states)-1]; last.Source != sourcePoll {
		t.Errorf("registry source = %q, want %q", last.Source, sourcePoll)
	}
}

func TestBridge_ExecuteCommand(t *testing.T) {
	tests := []struct {
		name       string
		cmd        CommandMessage
		actionErr  error
		wantStatus AckStatus
		wantCode   string
		wantSent   int
	}{
		{
			name:       "accepted",
			cmd:        CommandMessage{DeviceID: "d1", Entity: entity.KeyLight, Command: "turn_on"},
			wantStatus: AckAccepted,
			wantSent:   1,
		},
		{
			name:       "entity inferred",
			cmd:        CommandMessage{DeviceID: "d1", Command: "open"},
			wantStatus: AckAccepted,
			wantSent:   1,
		},
		{
			name:       "action not offered",
			cmd:        CommandMessage{DeviceID: "d1", Entity: entity.KeyDoor, Command: "close"},
			wantStatus: AckSkipped,
			wantCode:   ErrCodeActionUnavailable,
		},
		{
			name:       "unknown device",
			cmd:        CommandMessage{DeviceID: "nope", Command: "open"},
			wantStatus: AckFailed,
			wantCode:   ErrCodeNotConfigured,
		},
		{
			name:       "missing command",
			cmd:        CommandMessage{DeviceID: "d1"},
			wantStatus: AckFailed,
			wantCode:   ErrCodeInvalidCommand,
		},
		{
			name:       "read-only entity",
			cmd:        CommandMessage{DeviceID: "d1", Entity: entity.KeyBattery, Command: "turn_on"},
			wantStatus: AckFailed,
			wantCode:   ErrCodeInvalidCommand,
		},
		{
			name:       "entity not on device",
			cmd:        CommandMessage{DeviceID: "d1", Entity: entity.KeyFan, Command: "turn_on"},
			wantStatus: AckFailed,
			wantCode:   ErrCodeNotConfigured,
		},
		{
			name:       "upstream failure",
			cmd:        CommandMessage{DeviceID: "d1", Entity: entity.KeyLight, Command: "turn_on"},
			actionErr:  omlet.ErrTransient,
			wantStatus: AckFailed,
			wantCode:   ErrCodeDeviceUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, coopDevice("d1", "closed", "open", "on", "off"))
			env.source.actionErr = tt.actionErr

			ack := env.bridge.ExecuteCommand(context.Background(), tt.cmd)
			if ack.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q (error %+v)", ack.Status, tt.wantStatus, ack.Error)
			}
			if tt.wantCode == "" && ack.Error != nil {
				t.Errorf("Error = %+v, want nil", ack.Error)
			}
			if tt.wantCode != "" && (ack.Error == nil || ack.Error.Code != tt.wantCode) {
				t.Errorf("Error = %+v, want code %s", ack.Error, tt.wantCode)
			}
			if ack.CommandID == "" {
				t.Error("CommandID not assigned")
			}
			if env.source.actionCount() != tt.wantSent {
				t.Errorf("actions sent = %d, want %d", env.source.actionCount(), tt.wantSent)
			}
		})
	}
}

func TestBridge_CommandCounters(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed", "open"))

	env.bridge.ExecuteCommand(context.Background(), CommandMessage{DeviceID: "d1", Command: "open"})
	// Not offered by the device: skipped, not failed.
	env.bridge.ExecuteCommand(context.Background(), CommandMessage{DeviceID: "d1", Command: "close"})
	env.bridge.ExecuteCommand(context.Background(), CommandMessage{DeviceID: "nope", Command: "open"})

	m := env.bridge.GetMetrics()
	if m.CommandsReceived != 3 || m.CommandsFailed != 1 {
		t.Errorf("metrics = %+v, want 3 received / 1 failed", m)
	}
	if got := testutil.ToFloat64(env.metrics.commands.WithLabelValues(string(AckSkipped))); got != 1 {
		t.Errorf("skipped counter = %v, want 1", got)
	}
}

func TestBridge_InvalidCommandPayload(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed"))

	env.mqtt.SimulateMessage(env.topics.BridgeCommand(Protocol, "d1"), []byte("{not json"))
	env.settle()

	acks := env.mqtt.PublishedTo(env.topics.BridgeAck(Protocol, "d1"))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	if ack := decodeAck(t, acks[0]); ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("ack = %+v, want INVALID_COMMAND", ack)
	}
}

func TestBridge_AuthFailure(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed", "open"))
	env.source.setListErr(omlet.ErrUnauthorized)

	if err := env.coord.Refresh(context.Background()); !errors.Is(err, coordinator.ErrAuthFailed) {
		t.Fatalf("Refresh() error = %v, want ErrAuthFailed", err)
	}

	status, reason := env.bridge.health.Status()
	if status != HealthUnhealthy {
		t.Errorf("health = %q (%s), want unhealthy", status, reason)
	}

	health := env.mqtt.PublishedTo(env.topics.BridgeHealth(Protocol))
	var last HealthMessage
	if err := json.Unmarshal(health[len(health)-1].Payload, &last); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if last.Status != HealthUnhealthy || last.Polling == nil || !last.Polling.AuthFailed {
		t.Errorf("last health = %+v", last)
	}

	ack := env.bridge.ExecuteCommand(context.Background(), CommandMessage{DeviceID: "d1", Command: "open"})
	if ack.Error == nil || ack.Error.Code != ErrCodeAuthFailed {
		t.Errorf("ack = %+v, want AUTH_FAILED", ack)
	}
	if env.source.actionCount() != 0 {
		t.Error("action sent after the credential was rejected")
	}
}

func TestBridge_Requests(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed"), coopDevice("d2", "open"))

	tests := []struct {
		name        string
		req         RequestMessage
		wantSuccess bool
		wantCode    string
	}{
		{"read_state", RequestMessage{Action: RequestReadState, DeviceID: "d1"}, true, ""},
		{"read_state unknown", RequestMessage{Action: RequestReadState, DeviceID: "zz"}, false, ErrCodeNotConfigured},
		{"read_all", RequestMessage{Action: RequestReadAll}, true, ""},
		{"refresh", RequestMessage{Action: RequestRefresh}, true, ""},
		{"unknown", RequestMessage{Action: "reboot"}, false, ErrCodeInvalidCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.mqtt.ClearPublished()
			tt.req.RequestID = "req-" + strings.ReplaceAll(tt.name, " ", "-")
			payload, _ := json.Marshal(tt.req)
			topic := env.topics.BridgeRequest(Protocol, tt.req.RequestID)
			env.mqtt.SimulateMessage(topic, payload)
			env.settle()

			resps := env.mqtt.PublishedTo(env.topics.BridgeResponse(Protocol, tt.req.RequestID))
			if len(resps) != 1 {
				t.Fatalf("responses = %d, want 1", len(resps))
			}
			var resp ResponseMessage
			if err := json.Unmarshal(resps[0].Payload, &resp); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			if resp.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v (%+v)", resp.Success, tt.wantSuccess, resp.Error)
			}
			if tt.wantCode != "" && (resp.Error == nil || resp.Error.Code != tt.wantCode) {
				t.Errorf("Error = %+v, want %s", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestBridge_ReadAllListsDevices(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed"), coopDevice("d2", "open"))

	resp := env.bridge.HandleRequest(context.Background(), RequestMessage{RequestID: "r", Action: RequestReadAll})
	devices, ok := resp.Data["devices"].([]map[string]any)
	if !ok || len(devices) != 2 {
		t.Fatalf("devices = %#v, want 2", resp.Data["devices"])
	}
	if devices[0]["device_id"] != "d1" || devices[1]["device_id"] != "d2" {
		t.Errorf("device order = %v, %v", devices[0]["device_id"], devices[1]["device_id"])
	}
}

func TestBridge_ParseTopic(t *testing.T) {
	b := &Bridge{topics: mqtt.NewTopics("")}

	tests := []struct {
		topic        string
		wantCategory string
		wantID       string
		wantErr      bool
	}{
		{"graylogic/command/omlet/d1", "command", "d1", false},
		{"graylogic/request/omlet/r-9", "request", "r-9", false},
		{"graylogic/command/knx/d1", "", "", true},
		{"other/command/omlet/d1", "", "", true},
		{"graylogic/command", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			category, id, err := b.parseTopic(tt.topic)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTopic() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTopic) {
					t.Errorf("error = %v, want ErrInvalidTopic", err)
				}
				return
			}
			if category != tt.wantCategory || id != tt.wantID {
				t.Errorf("parseTopic() = %q, %q; want %q, %q", category, id, tt.wantCategory, tt.wantID)
			}
		})
	}
}

func TestBridge_WithoutMQTT(t *testing.T) {
	source := &fakeSource{devices: []omlet.Device{coopDevice("d1", "closed", "open")}}
	coord, err := coordinator.New(coordinator.Options{Source: source, Interval: time.Hour})
	if err != nil {
		t.Fatalf("coordinator.New() error = %v", err)
	}
	defer coord.Close()
	if _, err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	registry := newMockRegistry()
	b, err := NewBridge(Options{Coordinator: coord, Registry: registry})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if ack := b.ExecuteCommand(context.Background(), CommandMessage{DeviceID: "d1", Command: "open"}); ack.Status != AckAccepted {
		t.Errorf("ack = %+v, want accepted", ack)
	}
	if _, ok := registry.seeds["d1"]; !ok {
		t.Error("registry not seeded without MQTT")
	}
	if b.GetMetrics().Connected {
		t.Error("Connected = true without an MQTT client")
	}

	b.Stop()
	b.Stop()
	if coord.Polling() {
		t.Error("coordinator still polling after the only subscriber stopped")
	}
}

func TestBridge_StaleSnapshotIgnored(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed"))
	env.mqtt.ClearPublished()

	old := coordinator.NewSnapshot([]omlet.Device{coopDevice("d1", "open")}, time.Now().Add(-time.Hour))
	env.bridge.handleSnapshot(old)

	if n := len(env.mqtt.PublishedTo(env.topics.BridgeState(Protocol, "d1"))); n != 0 {
		t.Errorf("state publishes for a stale snapshot = %d, want 0", n)
	}
}

func TestBridge_ClearStateCacheRepublishes(t *testing.T) {
	env := newTestEnv(t, coopDevice("d1", "closed"))
	env.mqtt.ClearPublished()

	env.bridge.ClearStateCache()
	if err := env.coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if n := len(env.mqtt.PublishedTo(env.topics.BridgeState(Protocol, "d1"))); n != 1 {
		t.Errorf("state publishes = %d, want 1", n)
	}
}

func TestResolveEntity(t *testing.T) {
	d := coopDevice("d1", "closed")
	d.State["fan"] = map[string]any{"state": "off"}

	if _, err := resolveEntity(&d, "", entity.CommandTurnOn); !errors.Is(err, entity.ErrInvalidParameter) {
		t.Errorf("ambiguous turn_on error = %v, want ErrInvalidParameter", err)
	}
	if ent, err := resolveEntity(&d, "", entity.CommandOpen); err != nil || ent.Key() != entity.KeyDoor {
		t.Errorf("open resolved to %+v, %v; want door", ent, err)
	}
	if ent, err := resolveEntity(&d, entity.KeyFan, entity.CommandTurnOn); err != nil || ent.Key() != entity.KeyFan {
		t.Errorf("explicit fan resolved to %+v, %v", ent, err)
	}
	if _, err := resolveEntity(&d, "", entity.CommandSetPresetMode); err != nil {
		t.Errorf("set_preset_mode error = %v, want fan", err)
	}
	bare := omlet.Device{DeviceID: "x", State: omlet.Status{}}
	if _, err := resolveEntity(&bare, "", entity.CommandOpen); !errors.Is(err, entity.ErrUnsupportedCommand) {
		t.Errorf("no candidate error = %v, want ErrUnsupportedCommand", err)
	}
}

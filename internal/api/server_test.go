package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-coop/internal/auth"
	"github.com/nerrad567/gray-logic-coop/internal/bridges/coop"
	"github.com/nerrad567/gray-logic-coop/internal/coordinator"
	"github.com/nerrad567/gray-logic-coop/internal/device"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// fakeCoordinator is an in-memory Coordinator.
type fakeCoordinator struct {
	mu         sync.Mutex
	snap       *coordinator.Snapshot
	stats      coordinator.Stats
	refreshErr error
	reauthErr  error
	tokens     []string
	refreshes  int
	listeners  map[int]coordinator.Listener
	nextID     int
}

func newFakeCoordinator(devices ...omlet.Device) *fakeCoordinator {
	return &fakeCoordinator{
		snap: coordinator.NewSnapshot(devices, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		stats: coordinator.Stats{
			LastOutcome: coordinator.OutcomeSuccess,
			LastSuccess: time.Now(),
			Devices:     len(devices),
			Polling:     true,
		},
		listeners: make(map[int]coordinator.Listener),
	}
}

func (f *fakeCoordinator) Snapshot() *coordinator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeCoordinator) Device(id string) (*omlet.Device, bool) {
	return f.Snapshot().Device(id)
}

func (f *fakeCoordinator) Refresh(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeCoordinator) Reauthorize(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.reauthErr
}

func (f *fakeCoordinator) Subscribe(l coordinator.Listener) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = l
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeCoordinator) Stats() coordinator.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeCoordinator) setStats(update func(s *coordinator.Stats)) {
	f.mu.Lock()
	update(&f.stats)
	f.mu.Unlock()
}

// emit installs snap and notifies every listener.
func (f *fakeCoordinator) emit(snap *coordinator.Snapshot) {
	f.mu.Lock()
	f.snap = snap
	listeners := make([]coordinator.Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

// fakeExecutor records commands and answers with a fixed status.
type fakeExecutor struct {
	mu   sync.Mutex
	cmds []coop.CommandMessage
	code string // empty means accepted
}

func (e *fakeExecutor) ExecuteCommand(_ context.Context, cmd coop.CommandMessage) coop.AckMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmds = append(e.cmds, cmd)
	if e.code == "" {
		return coop.NewAckMessage(cmd, coop.AckAccepted)
	}
	return coop.NewAckError(cmd, e.code, "failed")
}

func (e *fakeExecutor) GetMetrics() coop.BridgeMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return coop.BridgeMetrics{Status: "healthy", CommandsReceived: uint64(len(e.cmds))}
}

func (e *fakeExecutor) commands() []coop.CommandMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]coop.CommandMessage(nil), e.cmds...)
}

func coopDevice(id, door string) omlet.Device {
	return omlet.Device{
		DeviceID:     id,
		Name:         "Coop " + id,
		DeviceType:   "Autodoor",
		DeviceSerial: "SN-" + id,
		State: omlet.Status{
			"general": map[string]any{
				"batteryLevel":           87.0,
				"powerSource":            "battery",
				"firmwareVersionCurrent": "1.0.4",
			},
			"door":  map[string]any{"state": door},
			"light": map[string]any{"state": "off"},
		},
		Actions: []omlet.Action{{Name: "open", ActionName: "open"}},
	}
}

type testEnv struct {
	srv      *Server
	coord    *fakeCoordinator
	exec     *fakeExecutor
	registry *device.Registry
	handler  http.Handler
}

type testOption func(d *Deps)

func withRegistry(r *device.Registry) testOption {
	return func(d *Deps) { d.Registry = r }
}

func withGatherer(g prometheus.Gatherer) testOption {
	return func(d *Deps) {
		d.Metrics.Enabled = true
		d.Gatherer = g
	}
}

// newTestEnv creates a Server over a fake coordinator holding one coop.
func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()

	coord := newFakeCoordinator(coopDevice("coop-1", "closed"))
	exec := &fakeExecutor{}
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	deps := Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{
				Secret:         testSecret,
				AccessTokenTTL: 15,
			},
		},
		Logger:        log,
		Coordinator:   coord,
		Commands:      exec,
		BridgeMetrics: exec,
		Version:       "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)
	unsubscribe := coord.Subscribe(srv.broadcastSnapshot)
	srv.unsubscribe = unsubscribe
	t.Cleanup(func() {
		unsubscribe()
		cancel()
	})

	return &testEnv{
		srv:      srv,
		coord:    coord,
		exec:     exec,
		registry: deps.Registry,
		handler:  srv.buildRouter(),
	}
}

// setupTestDB creates an in-memory SQLite database with the bridge schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema, err := os.ReadFile("../../migrations/20260101_000000_initial_schema.up.sql")
	if err != nil {
		db.Close()
		t.Fatalf("failed to read schema: %v", err)
	}
	if _, execErr := db.Exec(string(schema)); execErr != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", execErr)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func testRegistry(t *testing.T) *device.Registry {
	t.Helper()

	db := setupTestDB(t)
	registry := device.NewRegistry(device.NewSQLiteRepository(db), device.NewSQLiteStateHistoryRepository(db))
	if err := registry.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache: %v", err)
	}
	return registry
}

func tokenFor(t *testing.T, role auth.Role) string {
	t.Helper()

	token, err := auth.GenerateAccessToken("alice", role, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return token
}

// do sends a request through the router. An empty token sends no header.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v (body %q)", err, w.Body.String())
	}
	return resp
}

// ─── Construction ───────────────────────────────────────────────────

func TestNew_RequiredDeps(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")
	coord := newFakeCoordinator()
	exec := &fakeExecutor{}

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Coordinator: coord, Commands: exec}},
		{"no coordinator", Deps{Logger: log, Commands: exec}},
		{"no executor", Deps{Logger: log, Coordinator: coord}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}

	if _, err := New(Deps{Logger: log, Coordinator: coord, Commands: exec}); err != nil {
		t.Errorf("New() with required deps error = %v", err)
	}
}

// ─── Health ─────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		update     func(s *coordinator.Stats)
		wantCode   int
		wantStatus string
	}{
		{"ok", func(_ *coordinator.Stats) {}, http.StatusOK, healthOK},
		{"not ready", func(s *coordinator.Stats) { s.LastSuccess = time.Time{} }, http.StatusServiceUnavailable, healthNotReady},
		{"auth failed", func(s *coordinator.Stats) { s.AuthFailed = true }, http.StatusServiceUnavailable, healthAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.coord.setStats(tt.update)

			w := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			resp := decode(t, w)
			if resp["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %q", resp["status"], tt.wantStatus)
			}
			if resp["version"] != "test" {
				t.Errorf("version = %v, want test", resp["version"])
			}
		})
	}
}

// ─── Auth ───────────────────────────────────────────────────────────

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	expired, err := auth.GenerateAccessToken("alice", auth.RoleAdmin, testSecret, time.Nanosecond)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	time.Sleep(time.Millisecond)

	otherSecret, err := auth.GenerateAccessToken("alice", auth.RoleAdmin, strings.Repeat("x", 40), time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	tests := []struct {
		name     string
		token    string
		wantCode int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"expired", expired, http.StatusUnauthorized},
		{"wrong secret", otherSecret, http.StatusUnauthorized},
		{"valid", tokenFor(t, auth.RoleViewer), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/devices", tt.token, nil)
			if w.Code != tt.wantCode {
				t.Errorf("GET /devices = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		name     string
		role     auth.Role
		method   string
		path     string
		body     any
		wantCode int
	}{
		{"viewer reads", auth.RoleViewer, http.MethodGet, "/api/v1/entities", nil, http.StatusOK},
		{"viewer cannot refresh", auth.RoleViewer, http.MethodPost, "/api/v1/refresh", nil, http.StatusForbidden},
		{"viewer cannot command", auth.RoleViewer, http.MethodPost, "/api/v1/devices/coop-1/entities/SmartAutodoor/commands",
			map[string]any{"command": "open"}, http.StatusForbidden},
		{"operator refreshes", auth.RoleOperator, http.MethodPost, "/api/v1/refresh", nil, http.StatusOK},
		{"operator cannot replace credential", auth.RoleOperator, http.MethodPut, "/api/v1/credentials",
			map[string]any{"api_token": "new"}, http.StatusForbidden},
		{"admin replaces credential", auth.RoleAdmin, http.MethodPut, "/api/v1/credentials",
			map[string]any{"api_token": "new"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, tt.method, tt.path, tokenFor(t, tt.role), tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("%s %s = %d, want %d (body %s)", tt.method, tt.path, w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

// ─── Devices and entities ───────────────────────────────────────────

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/devices", tokenFor(t, auth.RoleViewer), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Devices   []deviceView `json:"devices"`
		Count     int          `json:"count"`
		FetchedAt time.Time    `json:"fetched_at"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Count != 1 || len(resp.Devices) != 1 {
		t.Fatalf("count = %d, devices = %d, want 1", resp.Count, len(resp.Devices))
	}
	d := resp.Devices[0]
	if d.ID != "coop-1" {
		t.Errorf("id = %q, want coop-1", d.ID)
	}
	if d.Info.Manufacturer != "Omlet" || d.Info.SWVersion != "1.0.4" || d.Info.Serial != "SN-coop-1" {
		t.Errorf("info = %+v", d.Info)
	}
	if len(d.Entities) != 5 {
		t.Errorf("entities = %d, want 5", len(d.Entities))
	}
	if !resp.FetchedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("fetched_at = %v", resp.FetchedAt)
	}

	for _, ev := range d.Entities {
		if ev.Key == "SmartAutodoor" && ev.State["state"] != "closed" {
			t.Errorf("door state = %v, want closed", ev.State["state"])
		}
	}
}

func TestGetDevice(t *testing.T) {
	env := newTestEnv(t)
	token := tokenFor(t, auth.RoleViewer)

	w := env.do(t, http.MethodGet, "/api/v1/devices/coop-1", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if resp := decode(t, w); resp["id"] != "coop-1" {
		t.Errorf("id = %v, want coop-1", resp["id"])
	}

	w = env.do(t, http.MethodGet, "/api/v1/devices/missing", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing device = %d, want 404", w.Code)
	}
}

func TestListEntities(t *testing.T) {
	env := newTestEnv(t)
	token := tokenFor(t, auth.RoleViewer)

	tests := []struct {
		query string
		want  int
	}{
		{"", 5},
		{"?platform=cover", 1},
		{"?platform=binary_sensor", 2},
		{"?platform=fan", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/entities"+tt.query, token, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			resp := decode(t, w)
			if got := int(resp["count"].(float64)); got != tt.want {
				t.Errorf("count = %d, want %d", got, tt.want)
			}
		})
	}
}

// ─── Commands ───────────────────────────────────────────────────────

func TestEntityCommand(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/devices/coop-1/entities/SmartAutodoor/commands",
		tokenFor(t, auth.RoleOperator), map[string]any{"command": "open"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", w.Code, w.Body.String())
	}

	cmds := env.exec.commands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %d, want 1", len(cmds))
	}
	got := cmds[0]
	if got.DeviceID != "coop-1" || got.Entity != "SmartAutodoor" || got.Command != "open" {
		t.Errorf("command = %+v", got)
	}
	if got.Source != "api" || got.UserID != "alice" {
		t.Errorf("source = %q, user = %q, want api/alice", got.Source, got.UserID)
	}

	resp := decode(t, w)
	if resp["status"] != string(coop.AckAccepted) {
		t.Errorf("ack status = %v, want accepted", resp["status"])
	}
}

func TestEntityCommand_BadRequest(t *testing.T) {
	env := newTestEnv(t)
	token := tokenFor(t, auth.RoleOperator)
	path := "/api/v1/devices/coop-1/entities/SmartAutodoor/commands"

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{"},
		{"missing command", map[string]any{"parameters": map[string]any{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, path, token, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
	if n := len(env.exec.commands()); n != 0 {
		t.Errorf("executor called %d times, want 0", n)
	}
}

func TestAckHTTPStatus(t *testing.T) {
	cmd := coop.CommandMessage{ID: "c1", DeviceID: "coop-1"}

	tests := []struct {
		name string
		ack  coop.AckMessage
		want int
	}{
		{"accepted", coop.NewAckMessage(cmd, coop.AckAccepted), http.StatusAccepted},
		{"skipped", coop.NewAckError(cmd, coop.ErrCodeActionUnavailable, "x"), http.StatusOK},
		{"timeout", coop.NewAckError(cmd, coop.ErrCodeTimeout, "x"), http.StatusGatewayTimeout},
		{"not configured", coop.NewAckError(cmd, coop.ErrCodeNotConfigured, "x"), http.StatusNotFound},
		{"invalid command", coop.NewAckError(cmd, coop.ErrCodeInvalidCommand, "x"), http.StatusBadRequest},
		{"invalid parameters", coop.NewAckError(cmd, coop.ErrCodeInvalidParameters, "x"), http.StatusBadRequest},
		{"auth failed", coop.NewAckError(cmd, coop.ErrCodeAuthFailed, "x"), http.StatusServiceUnavailable},
		{"unreachable", coop.NewAckError(cmd, coop.ErrCodeDeviceUnreachable, "x"), http.StatusBadGateway},
		{"failed without detail", coop.NewAckMessage(cmd, coop.AckFailed), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ackHTTPStatus(tt.ack); got != tt.want {
				t.Errorf("ackHTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

// ─── Refresh and credentials ────────────────────────────────────────

func TestRefresh(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"success", nil, http.StatusOK},
		{"auth failed", fmt.Errorf("%w: %w", coordinator.ErrAuthFailed, omlet.ErrUnauthorized), http.StatusServiceUnavailable},
		{"closed", coordinator.ErrClosed, http.StatusServiceUnavailable},
		{"transient", fmt.Errorf("%w: connection refused", omlet.ErrTransient), http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.coord.refreshErr = tt.err

			w := env.do(t, http.MethodPost, "/api/v1/refresh", tokenFor(t, auth.RoleOperator), nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if env.coord.refreshes != 1 {
				t.Errorf("refreshes = %d, want 1", env.coord.refreshes)
			}
		})
	}
}

func TestUpdateCredentials(t *testing.T) {
	tests := []struct {
		name      string
		body      any
		err       error
		wantCode  int
		wantCalls int
	}{
		{"accepted", map[string]any{"api_token": "fresh"}, nil, http.StatusOK, 1},
		{"empty token", map[string]any{"api_token": ""}, nil, http.StatusBadRequest, 0},
		{"invalid json", "nope", nil, http.StatusBadRequest, 0},
		{"rejected", map[string]any{"api_token": "bad"},
			fmt.Errorf("%w: %w", coordinator.ErrAuthFailed, omlet.ErrUnauthorized), http.StatusUnprocessableEntity, 1},
		{"unsupported", map[string]any{"api_token": "x"}, coordinator.ErrReauthUnsupported, http.StatusNotImplemented, 1},
		{"transient", map[string]any{"api_token": "x"}, omlet.ErrTransient, http.StatusBadGateway, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.coord.reauthErr = tt.err

			w := env.do(t, http.MethodPut, "/api/v1/credentials", tokenFor(t, auth.RoleAdmin), tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if len(env.coord.tokens) != tt.wantCalls {
				t.Errorf("Reauthorize calls = %d, want %d", len(env.coord.tokens), tt.wantCalls)
			}
		})
	}
}

// ─── History ────────────────────────────────────────────────────────

func TestDeviceHistory(t *testing.T) {
	registry := testRegistry(t)
	env := newTestEnv(t, withRegistry(registry))
	token := tokenFor(t, auth.RoleViewer)
	ctx := context.Background()

	if err := registry.UpsertDevice(ctx, device.Seed{ID: "coop-1", Name: "Coop"}); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	for _, door := range []string{"closed", "open"} {
		state := map[string]any{"SmartAutodoor": map[string]any{"state": door}}
		if err := registry.SetDeviceState(ctx, "coop-1", state, device.StateHistorySourcePoll); err != nil {
			t.Fatalf("SetDeviceState: %v", err)
		}
	}

	t.Run("all", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/devices/coop-1/history", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if got := decode(t, w)["count"]; got != float64(2) {
			t.Errorf("count = %v, want 2", got)
		}
	})

	t.Run("limit", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/devices/coop-1/history?limit=1", token, nil)
		if got := decode(t, w)["count"]; got != float64(1) {
			t.Errorf("count = %v, want 1", got)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		for _, q := range []string{"0", "abc", "500"} {
			w := env.do(t, http.MethodGet, "/api/v1/devices/coop-1/history?limit="+q, token, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("limit=%s status = %d, want 400", q, w.Code)
			}
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/devices/ghost/history", token, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestDeviceHistory_NoRegistry(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/devices/coop-1/history", tokenFor(t, auth.RoleViewer), nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Metrics ────────────────────────────────────────────────────────

func TestMetricsJSON(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.UpsertDevice(context.Background(), device.Seed{ID: "coop-1", Model: "Autodoor"}); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	env := newTestEnv(t, withRegistry(registry))

	w := env.do(t, http.MethodGet, "/api/v1/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var m MetricsReport
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Version != "test" {
		t.Errorf("version = %q, want test", m.Version)
	}
	if m.Coordinator.Devices != 1 || !m.Coordinator.Polling {
		t.Errorf("coordinator = %+v", m.Coordinator)
	}
	if m.Bridge == nil || m.Bridge.Status != "healthy" {
		t.Errorf("bridge = %+v, want healthy", m.Bridge)
	}
	if m.Registry == nil || m.Registry.Devices != 1 || m.Registry.ByModel["Autodoor"] != 1 {
		t.Errorf("registry = %+v", m.Registry)
	}
	if m.Clients.MQTTEnabled {
		t.Error("mqtt enabled without a client")
	}
	if m.Pool != nil {
		t.Error("pool figures present without a DB")
	}
}

func TestPollReport(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		success   time.Time
		stale     time.Duration
		wantAge   bool
		wantStale bool
	}{
		{"never polled", time.Time{}, time.Minute, false, false},
		{"fresh", now.Add(-30 * time.Second), time.Minute, true, false},
		{"stale", now.Add(-2 * time.Minute), time.Minute, true, true},
		{"check disabled", now.Add(-time.Hour), 0, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := pollReport(coordinator.Stats{LastSuccess: tt.success, LastOutcome: coordinator.OutcomeSuccess}, now, tt.stale)
			if (r.SnapshotAgeSecs != nil) != tt.wantAge {
				t.Errorf("SnapshotAgeSecs = %v, want present=%v", r.SnapshotAgeSecs, tt.wantAge)
			}
			if r.Stale != tt.wantStale {
				t.Errorf("Stale = %v, want %v", r.Stale, tt.wantStale)
			}
			if r.LastOutcome != coordinator.OutcomeSuccess {
				t.Errorf("LastOutcome = %q", r.LastOutcome)
			}
		})
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "coopbridge_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	env := newTestEnv(t, withGatherer(reg))

	w := env.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "coopbridge_test_total 1") {
		t.Errorf("exposition missing counter:\n%s", w.Body.String())
	}
}

func TestPrometheusEndpoint_Disabled(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ─── Middleware ─────────────────────────────────────────────────────

func TestRequestIDMiddleware(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}

	w = env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if got := w.Header().Get("X-Request-ID"); uuid.Validate(got) != nil {
		t.Errorf("generated X-Request-ID = %q, want a UUID", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", maxRequestIDLength+1))
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); uuid.Validate(got) != nil {
		t.Errorf("oversized X-Request-ID kept as %q, want a fresh UUID", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.CORS.AllowedOrigins = []string{"http://panel.local"}
	handler := env.srv.buildRouter()

	tests := []struct {
		origin    string
		wantAllow string
	}{
		{"http://panel.local", "http://panel.local"},
		{"http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	env := newTestEnv(t)

	handler := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(errors.New("boom"))
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestCORSPolicy(t *testing.T) {
	open := newCORSPolicy(config.CORSConfig{})
	if !open.allows("http://anything") {
		t.Error("empty origin list should allow any origin")
	}
	if open.methods != defaultCORSMethods || open.headers != defaultCORSHeaders {
		t.Errorf("defaults = %q / %q", open.methods, open.headers)
	}

	strict := newCORSPolicy(config.CORSConfig{
		AllowedOrigins: []string{"http://panel.local"},
		AllowedMethods: []string{"GET", "POST"},
	})
	if strict.allows("http://evil.example") || !strict.allows("http://panel.local") {
		t.Error("strict policy origin check wrong")
	}
	if strict.methods != "GET, POST" {
		t.Errorf("methods = %q, want %q", strict.methods, "GET, POST")
	}
	if strict.maxAge != "86400" {
		t.Errorf("maxAge = %q, want 86400", strict.maxAge)
	}

	wildcard := newCORSPolicy(config.CORSConfig{AllowedOrigins: []string{"*"}})
	if !wildcard.allows("http://anything") {
		t.Error("* should allow any origin")
	}
}

func TestStatusWriter_CountsBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	sw.WriteHeader(http.StatusTeapot)
	//nolint:errcheck // recorder write
	sw.Write([]byte("short and stout"))

	if sw.status != http.StatusTeapot || sw.bytes != 15 {
		t.Errorf("status=%d bytes=%d, want 418/15", sw.status, sw.bytes)
	}
	if sw.Unwrap() != rec {
		t.Error("Unwrap() did not return the wrapped writer")
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func TestHealthCheck_NotStarted(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start = nil, want error")
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() before Start = %v, want nil", err)
	}
}

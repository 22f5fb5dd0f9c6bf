package device

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Logger is the subset of *logging.Logger the registry uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// Registry fronts the device Repository with an in-memory copy of every
// persisted Omlet device. Writes go to the repository first and update the
// copy only when they succeed. Readers always get deep copies.
//
// A Registry is safe for concurrent use.
type Registry struct {
	repo    Repository
	history StateHistoryRepository
	logger  Logger

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates a registry over repo. A nil history disables state
// history recording.
func NewRegistry(repo Repository, history StateHistoryRepository) *Registry {
	return &Registry{
		repo:    repo,
		history: history,
		logger:  discardLogger{},
		devices: make(map[string]*Device),
	}
}

// SetLogger replaces the registry's logger.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache replaces the in-memory copy with the repository contents.
func (r *Registry) RefreshCache(ctx context.Context) error {
	stored, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	loaded := make(map[string]*Device, len(stored))
	for i := range stored {
		loaded[stored[i].ID] = stored[i].DeepCopy()
	}

	r.mu.Lock()
	r.devices = loaded
	r.mu.Unlock()

	r.logger.Info("device cache refreshed", "count", len(loaded))
	return nil
}

// update applies fn to a copy of the cached device and swaps the copy in.
// Devices that are not cached are left alone.
func (r *Registry) update(id string, fn func(*Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.devices[id]; ok {
		next := cur.DeepCopy()
		fn(next)
		r.devices[id] = next
	}
}

// GetDevice returns the device with id, or ErrDeviceNotFound.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.mu.RLock()
	cur, ok := r.devices[id]
	r.mu.RUnlock()
	if ok {
		return cur.DeepCopy(), nil
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.devices[id] = d.DeepCopy()
	r.mu.Unlock()
	return d, nil
}

// ListDevices returns every device ordered by name, then ID.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.mu.RLock()
	if len(r.devices) == 0 {
		r.mu.RUnlock()
		return r.repo.List(ctx)
	}
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d.DeepCopy())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Device) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// UpsertDevice registers a device the first time it appears in a snapshot
// and refreshes its descriptive fields afterwards. Stored state and health
// survive an upsert. An empty name falls back to the ID.
func (r *Registry) UpsertDevice(ctx context.Context, seed Seed) error {
	if seed.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if seed.Name == "" {
		seed.Name = seed.ID
	}
	if err := r.repo.Upsert(ctx, seed); err != nil {
		return err
	}

	now := time.Now().UTC()
	r.mu.Lock()
	d, known := r.devices[seed.ID]
	if known {
		d = d.DeepCopy()
	} else {
		d = &Device{ID: seed.ID, State: State{}, HealthStatus: HealthStatusUnknown, CreatedAt: now}
	}
	seed.applyTo(d)
	d.UpdatedAt = now
	r.devices[seed.ID] = d
	r.mu.Unlock()

	if known {
		r.logger.Debug("device metadata updated", "id", seed.ID)
	} else {
		r.logger.Info("device registered", "id", seed.ID, "name", seed.Name, "model", seed.Model)
	}
	return nil
}

// applyTo copies the descriptive fields of s onto d.
func (s Seed) applyTo(d *Device) {
	d.Name = s.Name
	d.Manufacturer = s.Manufacturer
	d.Model = s.Model
	d.FirmwareVersion = s.FirmwareVersion
	d.Serial = s.Serial
	d.Entities = slices.Clone(s.Entities)
}

// DeleteDevice removes a device and forgets it.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// SetDeviceState replaces the stored entity states of a device and appends
// them to the state history. source is one of the StateHistorySource
// constants. A history failure is logged and does not fail the call.
func (r *Registry) SetDeviceState(ctx context.Context, id string, state map[string]any, source string) error {
	if err := r.repo.UpdateState(ctx, id, state); err != nil {
		return err
	}

	now := time.Now().UTC()
	r.update(id, func(d *Device) {
		d.State = deepCopyMap(state)
		d.StateUpdatedAt = &now
	})

	if r.history != nil {
		if err := r.history.RecordStateChange(ctx, id, deepCopyMap(state), source); err != nil {
			r.logger.Warn("failed to record state history", "id", id, "error", err)
		}
	}
	r.logger.Debug("device state updated", "id", id, "source", source)
	return nil
}

// SetDeviceHealth records the health status reported for a device.
func (r *Registry) SetDeviceHealth(ctx context.Context, id string, status string) error {
	health, ok := ParseHealthStatus(status)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidHealth, status)
	}

	now := time.Now().UTC()
	if err := r.repo.UpdateHealth(ctx, id, health, now); err != nil {
		return err
	}
	r.update(id, func(d *Device) {
		d.HealthStatus = health
		d.HealthLastSeen = &now
	})

	r.logger.Debug("device health updated", "id", id, "status", health)
	return nil
}

// GetHistory returns up to limit state changes for a device, newest first.
// Without a history store the result is always empty.
func (r *Registry) GetHistory(ctx context.Context, id string, limit int) ([]StateHistoryEntry, error) {
	if r.history == nil {
		return []StateHistoryEntry{}, nil
	}
	return r.history.GetHistory(ctx, id, limit)
}

// PruneHistory deletes history rows older than olderThan and reports how
// many went. History stores that cannot prune report zero.
func (r *Registry) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	pruner, ok := r.history.(HistoryPruner)
	if !ok {
		return 0, nil
	}
	n, err := pruner.PruneHistory(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("state history pruned", "deleted", n, "older_than", olderThan)
	}
	return n, nil
}

// GetDeviceCount returns the number of known devices.
func (r *Registry) GetDeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Stats counts known devices by model and health.
type Stats struct {
	TotalDevices   int                  `json:"total_devices"`
	ByModel        map[string]int       `json:"by_model"`
	ByHealthStatus map[HealthStatus]int `json:"by_health_status"`
}

// GetStats returns the current device counts.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalDevices:   len(r.devices),
		ByModel:        make(map[string]int),
		ByHealthStatus: make(map[HealthStatus]int),
	}
	for _, d := range r.devices {
		s.ByModel[d.Model]++
		s.ByHealthStatus[d.HealthStatus]++
	}
	return s
}

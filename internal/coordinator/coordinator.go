package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

// Coordinator defaults.
const (
	// DefaultInterval is the cadence of background refreshes.
	DefaultInterval = 30 * time.Second

	// DefaultTimeout bounds a single fetch or action.
	DefaultTimeout = 10 * time.Second

	// refreshKey is the singleflight key shared by every fetch.
	refreshKey = "refresh"
)

// Outcome classifies the result of one fetch or action.
type Outcome string

// Outcome values.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTransient   Outcome = "transient"
	OutcomeAuthFailure Outcome = "auth_failure"
)

// Source is the remote API as seen by the coordinator.
// *omlet.Client satisfies it.
type Source interface {
	ListDevices(ctx context.Context) ([]omlet.Device, error)
	PerformAction(ctx context.Context, action omlet.Action) error
}

// Reauthorizer is implemented by sources that accept a replacement credential.
type Reauthorizer interface {
	SetToken(token string)
}

// Listener receives each new snapshot after it becomes visible.
type Listener func(snap *Snapshot)

// Logger is the optional structured logger used by the coordinator.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Coordinator.
type Options struct {
	// Source performs the network calls. Required.
	Source Source

	// Interval is the cadence loop period. Default: DefaultInterval.
	Interval time.Duration

	// Timeout bounds each fetch and action. Default: DefaultTimeout.
	Timeout time.Duration

	// Logger is optional.
	Logger Logger

	// Metrics is optional.
	Metrics *Metrics

	// OnAuthFailure runs once each time the coordinator latches into the
	// auth-failed state. It must not block.
	OnAuthFailure func(err error)

	// OnFetch runs after every fetch with its outcome, duration and the
	// device count (0 on failure). It must not block.
	OnFetch func(outcome Outcome, took time.Duration, devices int)
}

// Stats is a point-in-time summary of coordinator activity.
type Stats struct {
	Fetches          uint64    `json:"fetches"`
	FetchSuccesses   uint64    `json:"fetch_successes"`
	FetchTransient   uint64    `json:"fetch_transient"`
	FetchAuthFailure uint64    `json:"fetch_auth_failures"`
	Actions          uint64    `json:"actions"`
	ActionFailures   uint64    `json:"action_failures"`
	LastOutcome      Outcome   `json:"last_outcome,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	LastAttempt      time.Time `json:"last_attempt"`
	LastSuccess      time.Time `json:"last_success"`
	Devices          int       `json:"devices"`
	Subscribers      int       `json:"subscribers"`
	Polling          bool      `json:"polling"`
	AuthFailed       bool      `json:"auth_failed"`
}

// Coordinator owns the authoritative snapshot of Omlet devices.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The snapshot is swapped atomically; readers never block on a fetch.
type Coordinator struct {
	source        Source
	interval      time.Duration
	timeout       time.Duration
	metrics       *Metrics
	onAuthFailure func(err error)
	onFetch       func(outcome Outcome, took time.Duration, devices int)

	snapshot atomic.Pointer[Snapshot]
	group    singleflight.Group

	// Lifetime context; shared fetches run on it so one caller giving up
	// does not cancel the fetch for the others.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Incremented by Reauthorize. A fetch only latches on a rejection if
	// no new credential was installed while it ran.
	credGen atomic.Uint64

	// Guards listeners, loop state, the auth latch and closed.
	mu         sync.Mutex
	listeners  map[uint64]Listener
	nextID     uint64
	loopCancel context.CancelFunc
	authFailed bool
	closed     bool

	statsMu sync.RWMutex
	stats   Stats

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a coordinator. Call Initialize before serving views.
func New(opts Options) (*Coordinator, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("source is required")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		source:        opts.Source,
		interval:      interval,
		timeout:       timeout,
		metrics:       opts.Metrics,
		onAuthFailure: opts.OnAuthFailure,
		onFetch:       opts.OnFetch,
		ctx:           ctx,
		cancel:        cancel,
		listeners:     make(map[uint64]Listener),
		logger:        opts.Logger,
	}, nil
}

// Initialize performs the first fetch.
//
// Any failure is returned wrapped in ErrSetupFailed (and still matches
// omlet.ErrUnauthorized or omlet.ErrTransient). No snapshot is produced
// and the auth latch is not set; the caller is expected to abort setup.
func (c *Coordinator) Initialize(ctx context.Context) (*Snapshot, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	snap, err := c.sharedFetch(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	c.logInfo("coordinator initialized", "devices", snap.Len())
	return snap, nil
}

// Refresh fetches the device list now.
//
// If a fetch is already in flight the caller joins it and receives its
// outcome. ctx bounds only how long this caller waits; a rejection that
// arrives after the caller gave up still latches the coordinator.
//
// Returns:
//   - nil on success
//   - ErrAuthFailed if the credential was rejected (now or earlier)
//   - an error matching omlet.ErrTransient otherwise
func (c *Coordinator) Refresh(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.AuthFailed() {
		return ErrAuthFailed
	}

	_, err := c.sharedFetch(ctx, true)
	return mapAuthErr(err)
}

// Device returns a device from the current snapshot.
// It is absent before the first successful fetch.
func (c *Coordinator) Device(id string) (*omlet.Device, bool) {
	return c.snapshot.Load().Device(id)
}

// Snapshot returns the current snapshot, or nil before the first success.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// PerformAction submits an action. The snapshot is not touched; callers
// that want the effect reflected request a Refresh afterwards.
func (c *Coordinator) PerformAction(ctx context.Context, action omlet.Action) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.AuthFailed() {
		return ErrAuthFailed
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.source.PerformAction(ctx, action)
	outcome := classify(err)
	c.recordAction(outcome, err)

	switch outcome {
	case OutcomeSuccess:
		c.logDebug("action performed", "device_id", action.DeviceID, "action", action.ActionName)
		return nil
	case OutcomeAuthFailure:
		c.latchAuthFailure(err)
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	default:
		c.logWarn("action failed", "device_id", action.DeviceID, "action", action.ActionName, "error", err)
		return asTransient(err)
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
//
// The first subscriber starts the cadence loop; removing the last one
// stops it. Unsubscribe is idempotent.
func (c *Coordinator) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.startLoopLocked()
	n := len(c.listeners)
	c.mu.Unlock()

	c.metrics.setSubscribers(n)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			remaining := len(c.listeners)
			if remaining == 0 {
				c.stopLoopLocked()
			}
			c.mu.Unlock()
			c.metrics.setSubscribers(remaining)
		})
	}
}

// Reauthorize installs a new credential and verifies it with a fetch.
//
// On success the auth latch clears and the cadence loop resumes if anyone
// is subscribed. On failure the coordinator stays (or becomes) latched for
// a rejected credential, or keeps its latch for a transient failure.
func (c *Coordinator) Reauthorize(ctx context.Context, token string) error {
	if c.isClosed() {
		return ErrClosed
	}
	r, ok := c.source.(Reauthorizer)
	if !ok {
		return ErrReauthUnsupported
	}
	r.SetToken(token)
	c.credGen.Add(1)

	// A fetch already in flight was sent with the old credential. Detach it
	// so the verifying fetch below starts fresh.
	c.group.Forget(refreshKey)

	if _, err := c.sharedFetch(ctx, true); err != nil {
		return mapAuthErr(err)
	}

	c.mu.Lock()
	wasLatched := c.authFailed
	c.authFailed = false
	c.startLoopLocked()
	c.mu.Unlock()

	c.metrics.setAuthFailed(false)
	c.setStat(func(s *Stats) { s.AuthFailed = false })
	if wasLatched {
		c.logInfo("credential accepted, polling resumed")
	}
	return nil
}

// AuthFailed reports whether the coordinator is latched after a rejected credential.
func (c *Coordinator) AuthFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authFailed
}

// Polling reports whether the cadence loop is running.
func (c *Coordinator) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopCancel != nil
}

// Stats returns a copy of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	c.statsMu.RLock()
	s := c.stats
	c.statsMu.RUnlock()

	c.mu.Lock()
	s.Subscribers = len(c.listeners)
	s.Polling = c.loopCancel != nil
	s.AuthFailed = c.authFailed
	c.mu.Unlock()

	s.Devices = c.snapshot.Load().Len()
	return s
}

// Interval returns the cadence loop period.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// Close stops the cadence loop, cancels any in-flight fetch and waits for
// the loop to exit. Listeners are dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopLoopLocked()
	c.listeners = make(map[uint64]Listener)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// sharedFetch joins or starts the single in-flight fetch. latch controls
// whether a fetch started here latches the coordinator on a rejected
// credential; a joined fetch keeps the setting of whoever started it.
func (c *Coordinator) sharedFetch(ctx context.Context, latch bool) (*Snapshot, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.fetch(latch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		snap, _ := res.Val.(*Snapshot) //nolint:errcheck // fetch only returns *Snapshot
		return snap, nil
	case <-ctx.Done():
		return nil, asTransient(ctx.Err())
	}
}

// fetch performs one listing, swaps the snapshot and notifies listeners.
// It runs inside the singleflight group, so it completes even when every
// waiter has gone.
func (c *Coordinator) fetch(latch bool) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	gen := c.credGen.Load()
	start := time.Now()
	devices, err := c.source.ListDevices(ctx)
	took := time.Since(start)

	outcome := classify(err)
	if outcome != OutcomeSuccess {
		c.recordFetch(outcome, err, took, 0, start)
		if outcome == OutcomeTransient {
			c.logWarn("refresh failed, keeping previous snapshot", "error", err, "duration", took)
			return nil, asTransient(err)
		}
		c.logError("omlet api rejected the credential", "error", err)
		if latch && c.credGen.Load() == gen {
			c.latchAuthFailure(err)
		}
		return nil, err
	}

	snap := NewSnapshot(devices, time.Now())
	c.snapshot.Store(snap)
	c.recordFetch(OutcomeSuccess, nil, took, snap.Len(), snap.FetchedAt())
	c.logDebug("snapshot refreshed", "devices", snap.Len(), "duration", took)

	c.notify(snap)
	return snap, nil
}

// notify invokes every listener, in subscription order, outside the lock.
func (c *Coordinator) notify(snap *Snapshot) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.Unlock()

	for _, l := range listeners {
		c.invoke(l, snap)
	}
}

func (c *Coordinator) invoke(l Listener, snap *Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("snapshot listener panic recovered", "panic", r)
		}
	}()
	l(snap)
}

// latchAuthFailure stops polling and runs the hook on the first latch.
func (c *Coordinator) latchAuthFailure(err error) {
	c.mu.Lock()
	already := c.authFailed
	c.authFailed = true
	c.stopLoopLocked()
	c.mu.Unlock()

	if already {
		return
	}

	c.metrics.setAuthFailed(true)
	c.setStat(func(s *Stats) { s.AuthFailed = true })
	c.logError("authentication failed, polling stopped until reauthorized", "error", err)

	if c.onAuthFailure != nil {
		c.onAuthFailure(err)
	}
}

// startLoopLocked starts the cadence loop if it should be running.
// Caller must hold c.mu.
func (c *Coordinator) startLoopLocked() {
	if c.loopCancel != nil || c.closed || c.authFailed || len(c.listeners) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.loopCancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
	c.logDebug("polling started", "interval", c.interval)
}

// stopLoopLocked cancels the cadence loop without waiting for it.
// Caller must hold c.mu.
func (c *Coordinator) stopLoopLocked() {
	if c.loopCancel == nil {
		return
	}
	c.loopCancel()
	c.loopCancel = nil
	c.logDebug("polling stopped")
}

// run refreshes on every tick until ctx is cancelled.
func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			// Failures are logged and counted by fetch; the next tick retries.
			_ = c.Refresh(ctx) //nolint:errcheck // see above
		}
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) recordFetch(outcome Outcome, err error, took time.Duration, devices int, at time.Time) {
	c.setStat(func(s *Stats) {
		s.Fetches++
		s.LastOutcome = outcome
		s.LastAttempt = at
		switch outcome {
		case OutcomeSuccess:
			s.FetchSuccesses++
			s.LastSuccess = at
			s.LastError = ""
		case OutcomeTransient:
			s.FetchTransient++
			s.LastError = err.Error()
		case OutcomeAuthFailure:
			s.FetchAuthFailure++
			s.LastError = err.Error()
		}
	})
	c.metrics.observeFetch(outcome, took, devices, at)
	if c.onFetch != nil {
		c.onFetch(outcome, took, devices)
	}
}

func (c *Coordinator) recordAction(outcome Outcome, err error) {
	c.setStat(func(s *Stats) {
		s.Actions++
		if err != nil {
			s.ActionFailures++
		}
	})
	c.metrics.observeAction(outcome)
}

func (c *Coordinator) setStat(update func(s *Stats)) {
	c.statsMu.Lock()
	update(&c.stats)
	c.statsMu.Unlock()
}

// classify maps a source error onto a refresh outcome.
func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, omlet.ErrUnauthorized):
		return OutcomeAuthFailure
	default:
		return OutcomeTransient
	}
}

// mapAuthErr wraps a rejected-credential error in ErrAuthFailed.
func mapAuthErr(err error) error {
	if err != nil && errors.Is(err, omlet.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return err
}

// asTransient ensures err matches omlet.ErrTransient.
func asTransient(err error) error {
	if err == nil || errors.Is(err, omlet.ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", omlet.ErrTransient, err)
}

func (c *Coordinator) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Coordinator) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Coordinator) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Coordinator) logError(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}

func (c *Coordinator) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

package device

import (
	"context"
	"time"
)

// Sources of a state history entry.
const (
	StateHistorySourcePoll    = "poll"    // background or manual refresh
	StateHistorySourceCommand = "command" // refresh that followed an action
)

// StateHistoryEntry is one recorded state of a device. State holds every
// entity of the device as observed in a single snapshot.
type StateHistoryEntry struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	State     State     `json:"state"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores per-device state history.
type StateHistoryRepository interface {
	// RecordStateChange appends state for deviceID. An empty source means poll.
	RecordStateChange(ctx context.Context, deviceID string, state State, source string) error

	// GetHistory returns up to limit entries, newest first. Implementations
	// clamp limit to their own bounds.
	GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error)
}

// HistoryPruner is implemented by history stores that can drop old entries.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

package coordinator

import (
	"sort"
	"time"

	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

// Snapshot is an immutable id → device mapping from one successful fetch.
type Snapshot struct {
	devices   map[string]*omlet.Device
	ids       []string
	fetchedAt time.Time
}

// NewSnapshot builds a snapshot from a device listing.
// When an id appears more than once the later entry wins.
func NewSnapshot(devices []omlet.Device, fetchedAt time.Time) *Snapshot {
	byID := make(map[string]*omlet.Device, len(devices))
	for i := range devices {
		d := devices[i]
		byID[d.DeviceID] = &d
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Snapshot{devices: byID, ids: ids, fetchedAt: fetchedAt}
}

// Device returns the device with the given id.
func (s *Snapshot) Device(id string) (*omlet.Device, bool) {
	if s == nil {
		return nil, false
	}
	d, ok := s.devices[id]
	return d, ok
}

// IDs returns device ids in ascending order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Devices returns devices ordered by id.
func (s *Snapshot) Devices() []*omlet.Device {
	if s == nil {
		return nil
	}
	out := make([]*omlet.Device, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.devices[id])
	}
	return out
}

// Len returns the number of devices.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// FetchedAt returns when the listing completed.
func (s *Snapshot) FetchedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.fetchedAt
}

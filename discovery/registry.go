package discovery

import (
	"sort"
	"sync"
	"time"

	"touchmouse/models"
)

// DefaultLivenessWindow is how long an advertised receiver stays listed
// without a fresh ADVERTISE.
const DefaultLivenessWindow = 4 * time.Second

const (
	// EventPeerUpserted is emitted when a device appears or its fields change.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a device leaves the registry.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies registry updates.
type EventType string

// Event carries registry updates for UI consumers.
type Event struct {
	Type   EventType
	Device models.DeviceInfo
}

type entry struct {
	info      models.DeviceInfo
	persisted bool
}

// Registry is the controller's live view of reachable receivers, keyed by
// endpoint id. It has no timers of its own; the scanner drives Sweep.
type Registry struct {
	liveness time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	events chan Event
}

// NewRegistry creates an empty registry. A non-positive liveness uses
// DefaultLivenessWindow.
func NewRegistry(liveness time.Duration) *Registry {
	if liveness <= 0 {
		liveness = DefaultLivenessWindow
	}
	return &Registry{
		liveness: liveness,
		entries:  make(map[string]entry),
		events:   make(chan Event, 128),
	}
}

// Events provides asynchronous registry updates. Slow consumers miss events
// but can always re-read List.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// OnAdvertise upserts info, replacing every field and stamping lastSeen with
// the receipt time.
func (r *Registry) OnAdvertise(info models.DeviceInfo, now time.Time) {
	if info.ID == "" {
		return
	}
	info.LastSeen = now.UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()
	old, existed := r.entries[info.ID]
	r.entries[info.ID] = entry{info: info, persisted: old.persisted}
	if !existed || old.info.Name != info.Name {
		r.emitEvent(Event{Type: EventPeerUpserted, Device: info})
	}
}

// Merge adds persisted history entries. Live entries with the same id keep
// their fields but become exempt from expiry.
func (r *Registry) Merge(history []models.DeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range history {
		if info.ID == "" {
			continue
		}
		if old, exists := r.entries[info.ID]; exists {
			old.persisted = true
			r.entries[info.ID] = old
			continue
		}
		r.entries[info.ID] = entry{info: info, persisted: true}
		r.emitEvent(Event{Type: EventPeerUpserted, Device: info})
	}
}

// Sweep removes entries not seen within the liveness window. Address-shaped
// and persisted entries are never swept. It returns the removed devices.
func (r *Registry) Sweep(now time.Time) []models.DeviceInfo {
	cutoff := now.Add(-r.liveness).UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []models.DeviceInfo
	for id, e := range r.entries {
		if e.persisted || models.IsAddress(id) {
			continue
		}
		if e.info.LastSeen < cutoff {
			delete(r.entries, id)
			removed = append(removed, e.info)
			r.emitEvent(Event{Type: EventPeerRemoved, Device: e.info})
		}
	}
	return removed
}

// Remove deletes id regardless of its shape or origin.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[id]
	if !exists {
		return false
	}
	delete(r.entries, id)
	r.emitEvent(Event{Type: EventPeerRemoved, Device: e.info})
	return true
}

// RemoveUnlessPersisted deletes id unless it came from history. Transient
// sources such as the bridge browser use it so a missed window does not drop
// a remembered device.
func (r *Registry) RemoveUnlessPersisted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[id]
	if !exists || e.persisted {
		return false
	}
	delete(r.entries, id)
	r.emitEvent(Event{Type: EventPeerRemoved, Device: e.info})
	return true
}

// Get returns one device by id.
func (r *Registry) Get(id string) (models.DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.info, ok
}

// Len returns the number of listed devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns a snapshot sorted by name, then id.
func (r *Registry) List() []models.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Registry) emitEvent(event Event) {
	select {
	case r.events <- event:
	default:
	}
}

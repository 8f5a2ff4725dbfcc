package programmer

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/hipsterbrown/servoprog/feetech"
)

// Servo ID range probed by a scan and accepted as an ID change target.
const (
	MinID = 1
	MaxID = 252
)

// Device is a servo that answered a probe.
type Device struct {
	ID          int
	ModelNumber uint16
	ModelName   string
	Present     bool
}

func (d Device) String() string {
	return fmt.Sprintf("ID %d: %s (model %d)", d.ID, d.ModelName, d.ModelNumber)
}

// ModelNames maps model number register values to display names.
type ModelNames map[uint16]string

// DefaultModelNames returns the names of every model the codec knows.
func DefaultModelNames() ModelNames {
	names := make(ModelNames)
	for _, m := range feetech.Models() {
		names[m.Number] = m.Name
	}
	return names
}

// Name returns the display name for code.
func (m ModelNames) Name(code uint16) string {
	if name, ok := m[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown Model %d", code)
}

// Merge returns a copy of m with overrides applied on top.
func (m ModelNames) Merge(overrides map[uint16]string) ModelNames {
	out := maps.Clone(m)
	if out == nil {
		out = make(ModelNames)
	}
	maps.Copy(out, overrides)
	return out
}

// Registry is the roster of servos found by the most recent scan.
// It holds at most one Device per ID. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[int]Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[int]Device)}
}

// Put stores d, replacing any entry with the same ID.
func (r *Registry) Put(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

// Get returns the device at id.
func (r *Registry) Get(id int) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Has reports whether a device is registered at id.
func (r *Registry) Has(id int) bool {
	_, ok := r.Get(id)
	return ok
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Clear removes every device.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.devices)
}

// List returns a snapshot of the roster ordered by ID.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.devices[id])
	}
	return out
}

package resource

import (
	"sort"
	"sync"

	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
)

// Spec describes a resource to register.
type Spec struct {
	Name     string
	Kind     schedulerobjects.ResourceKind
	DeviceId int
	// Capacity bounds the number of items in the resource's table. Zero means unbounded.
	Capacity int
}

// Connection is an outgoing data path to another resource. Cost is used to pick the cheapest path when an
// item must migrate.
type Connection struct {
	To   schedulerobjects.ResourceHandle
	Cost int
}

// Resource is a compute unit with its own TaskTable.
type Resource struct {
	handle   schedulerobjects.ResourceHandle
	kind     schedulerobjects.ResourceKind
	deviceId int
	table    *TaskTable

	mu               sync.RWMutex
	connections      map[string]Connection
	failures         int
	degraded         bool
	degradeThreshold int
}

func (r *Resource) Handle() schedulerobjects.ResourceHandle { return r.handle }
func (r *Resource) Name() string                            { return r.handle.Name }
func (r *Resource) Kind() schedulerobjects.ResourceKind     { return r.kind }
func (r *Resource) DeviceId() int                           { return r.deviceId }
func (r *Resource) Table() *TaskTable                       { return r.table }

// Load is the number of items currently held.
func (r *Resource) Load() int {
	return r.table.Len()
}

// Connections returns the outgoing edges ordered by cost, then by destination name.
func (r *Resource) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connections := make([]Connection, 0, len(r.connections))
	for _, c := range r.connections {
		connections = append(connections, c)
	}
	sort.Slice(connections, func(i, j int) bool {
		if connections[i].Cost != connections[j].Cost {
			return connections[i].Cost < connections[j].Cost
		}
		return connections[i].To.Name < connections[j].To.Name
	})
	return connections
}

func (r *Resource) connect(to schedulerobjects.ResourceHandle, cost int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[to.Name] = Connection{To: to, Cost: cost}
}

func (r *Resource) disconnect(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, name)
}

// RecordFailure counts a device failure. Returns true if this failure made the resource degraded.
func (r *Resource) RecordFailure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	if !r.degraded && r.degradeThreshold > 0 && r.failures >= r.degradeThreshold {
		r.degraded = true
		return true
	}
	return false
}

// RecordSuccess resets the consecutive failure count. A degraded resource stays degraded.
func (r *Resource) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
}

// Degraded resources are skipped when picking where new work goes.
func (r *Resource) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

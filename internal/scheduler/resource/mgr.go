package resource

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/event"
	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// Publisher receives resource lifecycle events.
type Publisher interface {
	Post(e event.Event) error
}

type MgrConfig struct {
	// Name of the resource that receives work that cannot go anywhere else. It must be registered before
	// Start, must be unbounded and cannot be removed.
	DefaultResource string
	// Number of consecutive device failures after which a resource is marked degraded. Zero disables.
	DegradedThreshold int
}

// Mgr owns the resource graph. Handles it gives out are weak: Resolve fails once the resource is removed.
//
// Lock order is Mgr.mu, then table locks in ascending resource id.
type Mgr struct {
	mu          sync.RWMutex
	config      MgrConfig
	resources   map[string]*Resource
	byId        map[uint64]*Resource
	generations map[string]uint64
	nextId      uint64
	started     bool
	stopped     bool
	publisher   Publisher
	clock       clock.Clock
	observer    TransitionObserver
}

func NewMgr(config MgrConfig, publisher Publisher, clock clock.Clock, observer TransitionObserver) *Mgr {
	return &Mgr{
		config:      config,
		resources:   make(map[string]*Resource),
		byId:        make(map[uint64]*Resource),
		generations: make(map[string]uint64),
		publisher:   publisher,
		clock:       clock,
		observer:    observer,
	}
}

func (m *Mgr) Register(spec Spec) (schedulerobjects.ResourceHandle, error) {
	if spec.Name == "" {
		return schedulerobjects.ResourceHandle{}, schederrors.New(schederrors.ValidationError, "resource name must not be empty")
	}
	if spec.Capacity < 0 {
		return schedulerobjects.ResourceHandle{}, schederrors.Newf(schederrors.ValidationError, "resource %s has negative capacity %d", spec.Name, spec.Capacity)
	}
	if spec.Name == m.config.DefaultResource && spec.Capacity != 0 {
		return schedulerobjects.ResourceHandle{}, schederrors.Newf(schederrors.ValidationError, "default resource %s must be unbounded", spec.Name)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return schedulerobjects.ResourceHandle{}, schederrors.New(schederrors.ValidationError, "resource manager is stopped")
	}
	if _, ok := m.resources[spec.Name]; ok {
		m.mu.Unlock()
		return schedulerobjects.ResourceHandle{}, schederrors.Newf(schederrors.ValidationError, "resource %s is already registered", spec.Name)
	}
	m.nextId++
	m.generations[spec.Name]++
	handle := schedulerobjects.ResourceHandle{
		Name:       spec.Name,
		Id:         m.nextId,
		Generation: m.generations[spec.Name],
	}
	table, err := NewTaskTable(handle, spec.Capacity, m.clock, m.observer)
	if err != nil {
		m.mu.Unlock()
		return schedulerobjects.ResourceHandle{}, err
	}
	r := &Resource{
		handle:           handle,
		kind:             spec.Kind,
		deviceId:         spec.DeviceId,
		table:            table,
		connections:      make(map[string]Connection),
		degradeThreshold: m.config.DegradedThreshold,
	}
	m.resources[spec.Name] = r
	m.byId[handle.Id] = r
	m.mu.Unlock()

	log.WithField("resource", handle).Infof("registered %s resource", spec.Kind)
	m.publish(event.ResourceRegistered{Resource: handle, Kind: spec.Kind})
	return handle, nil
}

// Connect adds or replaces the edge from a to b.
func (m *Mgr) Connect(a, b string, cost int) error {
	if cost < 0 {
		return schederrors.Newf(schederrors.ValidationError, "connection %s -> %s has negative cost %d", a, b, cost)
	}
	m.mu.RLock()
	from, ok := m.resources[a]
	if !ok {
		m.mu.RUnlock()
		return schederrors.ErrNotFound("resource", a)
	}
	to, ok := m.resources[b]
	if !ok {
		m.mu.RUnlock()
		return schederrors.ErrNotFound("resource", b)
	}
	from.connect(to.handle, cost)
	m.mu.RUnlock()

	log.WithField("resource", a).Debugf("connected to %s with cost %d", b, cost)
	m.publish(event.ResourceRegistered{Resource: from.handle, Kind: from.kind, Reconnected: true})
	return nil
}

// GetResource returns the resource called name. Callers receiving a NotFound error should fall back to the
// default resource.
func (m *Mgr) GetResource(name string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[name]
	if !ok {
		return nil, schederrors.ErrNotFound("resource", name)
	}
	return r, nil
}

// Resolve returns the live resource a handle refers to, or false if it has been removed or replaced.
func (m *Mgr) Resolve(h schedulerobjects.ResourceHandle) (*Resource, bool) {
	if h.IsZero() {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byId[h.Id]
	if !ok || r.handle != h {
		return nil, false
	}
	return r, true
}

// ResolveOrDefault resolves h, falling back to the default resource.
func (m *Mgr) ResolveOrDefault(h schedulerobjects.ResourceHandle) (*Resource, bool) {
	if r, ok := m.Resolve(h); ok {
		return r, true
	}
	return m.Default(), false
}

func (m *Mgr) Default() *Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resources[m.config.DefaultResource]
}

// Resources returns every registered resource in registration order.
func (m *Mgr) Resources() []*Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

func (m *Mgr) sortedLocked() []*Resource {
	resources := make([]*Resource, 0, len(m.resources))
	for _, r := range m.resources {
		resources = append(resources, r)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].handle.Id < resources[j].handle.Id })
	return resources
}

// Remove unregisters a resource. Every item it holds is moved into the default resource, bypassing its
// capacity, and restarts there. Returns the ids of the moved tasks.
func (m *Mgr) Remove(name string) ([]string, error) {
	if name == m.config.DefaultResource {
		return nil, schederrors.Newf(schederrors.ValidationError, "default resource %s cannot be removed", name)
	}
	m.mu.Lock()
	r, ok := m.resources[name]
	if !ok {
		m.mu.Unlock()
		return nil, schederrors.ErrNotFound("resource", name)
	}
	def, ok := m.resources[m.config.DefaultResource]
	if !ok {
		m.mu.Unlock()
		return nil, schederrors.ErrNotFound("resource", m.config.DefaultResource)
	}
	delete(m.resources, name)
	delete(m.byId, r.handle.Id)
	for _, other := range m.resources {
		other.disconnect(name)
	}

	unlock := lockTables(r.table, def.table)
	rerouted, released, err := m.drainIntoLocked(r.table, def.table)
	r.table.closed = true
	unlock()
	m.mu.Unlock()
	if err != nil {
		return rerouted, err
	}

	log.WithField("resource", r.handle).Infof("removed resource, rerouted %d items to %s", len(rerouted), def.Name())
	m.publish(event.ResourceRemoved{Resource: r.handle, Default: def.handle, Rerouted: rerouted, Released: released})
	return rerouted, nil
}

// drainIntoLocked restarts every item of from in to. The payloads the items held are returned so the owner
// can free them.
func (m *Mgr) drainIntoLocked(from, to *TaskTable) ([]string, []any, error) {
	items := from.itemsLocked()
	rerouted := make([]string, 0, len(items))
	var released []any
	for _, item := range items {
		if err := from.removeLocked(item); err != nil {
			return rerouted, released, err
		}
		if item.Payload != nil {
			released = append(released, item.Payload)
		}
		next := item.DeepCopy()
		next.Hop++
		next.Stage = StageCompute
		next.Attempts = 0
		next.Payload = nil
		if _, err := to.insertLocked(next); err != nil {
			return rerouted, released, err
		}
		rerouted = append(rerouted, item.TaskId)
	}
	return rerouted, released, nil
}

// Enqueue inserts t into target's table, or into the default resource's table if target is full or closed.
// Returns the resource that accepted the item.
func (m *Mgr) Enqueue(t *task.Task, target *Resource, stage Stage) (*Resource, *Item, error) {
	item, err := target.table.Put(t, stage)
	if err == nil {
		return target, item, nil
	}
	if !errors.Is(err, ErrTableFull) && !errors.Is(err, ErrTableClosed) {
		return nil, nil, err
	}
	def := m.Default()
	if def == nil || def == target {
		return nil, nil, err
	}
	log.WithField("task", t.Id).Debugf("%s cannot accept task (%s), rerouting to %s", target.Name(), err, def.Name())
	item, err = def.table.Put(t, stage)
	if err != nil {
		return nil, nil, err
	}
	return def, item, nil
}

// Move migrates an item in state MOVING from one resource to another. The item enters MOVED in the source
// table, is removed from it and inserted into the destination as a START item with its hop incremented.
// Both tables are locked for the duration so no reader observes the item in neither or both tables. If the
// destination cannot accept the item it goes to the default resource instead. If that fails too the item
// stays in the source table in state MOVING and an error is returned.
func (m *Mgr) Move(taskId string, from, to *Resource, stage Stage) (*Resource, *Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.byId[to.handle.Id] != to {
		to = m.resources[m.config.DefaultResource]
	}
	dest, err := m.moveLocked(taskId, from, to, stage)
	if err == nil {
		return dest.res, dest.item, nil
	}
	def := m.resources[m.config.DefaultResource]
	if !(errors.Is(err, ErrTableFull) || errors.Is(err, ErrTableClosed)) || def == nil || def == to {
		return nil, nil, err
	}
	log.WithField("task", taskId).Debugf("%s cannot accept moved task (%s), rerouting to %s", to.Name(), err, def.Name())
	dest, err = m.moveLocked(taskId, from, def, stage)
	if err != nil {
		return nil, nil, err
	}
	return dest.res, dest.item, nil
}

type placement struct {
	res  *Resource
	item *Item
}

func (m *Mgr) moveLocked(taskId string, from, to *Resource, stage Stage) (placement, error) {
	if from == to {
		return placement{}, schederrors.Newf(schederrors.ValidationError, "cannot move task %s onto its own resource %s", taskId, from.Name())
	}
	unlock := lockTables(from.table, to.table)
	defer unlock()

	current, err := from.table.getLocked(taskId)
	if err != nil {
		return placement{}, err
	}
	if current == nil {
		return placement{}, schederrors.ErrNotFound("task", taskId)
	}
	if current.State != Moving {
		return placement{}, schederrors.Newf(schederrors.ValidationError, "task %s is %s, not MOVING", taskId, current.State)
	}
	if err := to.table.acceptsLocked(); err != nil {
		return placement{}, err
	}
	moved, err := from.table.transitionLocked(taskId, Moved, nil)
	if err != nil {
		return placement{}, err
	}
	if err := from.table.removeLocked(moved); err != nil {
		return placement{}, err
	}
	next := moved.DeepCopy()
	next.Hop++
	next.Stage = stage
	next.Attempts = 0
	inserted, err := to.table.insertLocked(next)
	if err != nil {
		return placement{}, err
	}
	return placement{res: to, item: inserted}, nil
}

// Snapshot returns the items of every table, keyed by resource name, as of a single instant.
func (m *Mgr) Snapshot() map[string][]*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resources := m.sortedLocked()
	tables := make([]*TaskTable, len(resources))
	for i, r := range resources {
		tables[i] = r.table
	}
	unlock := lockTables(tables...)
	defer unlock()
	snapshot := make(map[string][]*Item, len(resources))
	for _, r := range resources {
		snapshot[r.Name()] = r.table.itemsLocked()
	}
	return snapshot
}

// Locate finds the resource currently holding taskId.
// Every table is locked for the lookup so an item moving between tables is seen exactly once.
func (m *Mgr) Locate(taskId string) (*Resource, *Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resources := m.sortedLocked()
	tables := make([]*TaskTable, len(resources))
	for i, r := range resources {
		tables[i] = r.table
	}
	unlock := lockTables(tables...)
	defer unlock()
	for _, r := range resources {
		if item, err := r.table.getLocked(taskId); err == nil && item != nil {
			return r, item, true
		}
	}
	return nil, nil, false
}

func (m *Mgr) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[m.config.DefaultResource]; !ok {
		return schederrors.Newf(schederrors.ValidationError, "default resource %s is not registered", m.config.DefaultResource)
	}
	m.started = true
	return nil
}

// Stop closes every table. Items already present are untouched; the caller drains them.
func (m *Mgr) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for _, r := range m.resources {
		r.table.Close()
	}
}

func (m *Mgr) publish(e event.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Post(e); err != nil {
		log.WithError(err).Warnf("dropping %s event", e.Type())
	}
}

// lockTables locks the distinct tables given in ascending owner id order and returns a function unlocking
// them.
func lockTables(tables ...*TaskTable) func() {
	unique := make([]*TaskTable, 0, len(tables))
	seen := make(map[*TaskTable]bool, len(tables))
	for _, t := range tables {
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].owner.Id < unique[j].owner.Id })
	for _, t := range unique {
		t.mu.Lock()
	}
	return func() {
		for i := len(unique) - 1; i >= 0; i-- {
			unique[i].mu.Unlock()
		}
	}
}

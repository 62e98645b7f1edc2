package resource

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

const (
	itemsTable = "items"
	idIndex    = "id"
	stateIndex = "state"
)

var (
	ErrTableFull   = errors.New("task table is full")
	ErrTableClosed = errors.New("task table is closed")
)

// TransitionObserver is called, under the table lock, for every state an item enters. from is -1 when the
// item was just inserted. Observers must not block or call back into the table.
type TransitionObserver func(resource string, item *Item, from State)

// TaskTable is the ordered set of in-flight items owned by one resource. Every table has its own lock; there
// is no lock spanning tables except when the Mgr moves an item, in which case both tables are locked in
// resource id order.
type TaskTable struct {
	mu       sync.Mutex
	db       *memdb.MemDB
	owner    schedulerobjects.ResourceHandle
	capacity int
	seq      uint64
	closed   bool
	clock    clock.Clock
	observer TransitionObserver
}

// NewTaskTable creates a table. A capacity of zero means unbounded.
func NewTaskTable(owner schedulerobjects.ResourceHandle, capacity int, clock clock.Clock, observer TransitionObserver) (*TaskTable, error) {
	db, err := memdb.NewMemDB(taskTableSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &TaskTable{
		db:       db,
		owner:    owner,
		capacity: capacity,
		clock:    clock,
		observer: observer,
	}, nil
}

// Put inserts t in state START.
func (tt *TaskTable) Put(t *task.Task, stage Stage) (*Item, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if err := tt.acceptsLocked(); err != nil {
		return nil, err
	}
	item := &Item{
		TaskId: t.Id,
		Task:   t,
		Stage:  stage,
	}
	return tt.insertLocked(item)
}

func (tt *TaskTable) acceptsLocked() error {
	if tt.closed {
		return errors.WithStack(ErrTableClosed)
	}
	if tt.capacity > 0 && tt.lenLocked() >= tt.capacity {
		return errors.WithStack(ErrTableFull)
	}
	return nil
}

// insertLocked stores item as a fresh START entry of this table. The caller is responsible for capacity
// checks; forced inserts during resource removal skip them.
func (tt *TaskTable) insertLocked(item *Item) (*Item, error) {
	txn := tt.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(itemsTable, idIndex, item.TaskId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if existing != nil {
		return nil, schederrors.Newf(schederrors.ValidationError, "task %s is already in table %s", item.TaskId, tt.owner.Name)
	}
	tt.seq++
	stored := item.DeepCopy()
	stored.State = Start
	stored.Resource = tt.owner
	stored.Seq = tt.seq
	stored.Timestamps = map[State]time.Time{Start: tt.clock.Now()}
	if err := txn.Insert(itemsTable, stored); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	tt.observe(stored, -1)
	return stored, nil
}

func (tt *TaskTable) Get(id string) (*Item, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	item, err := tt.getLocked(id)
	if err != nil || item == nil {
		return nil, false
	}
	return item, true
}

func (tt *TaskTable) getLocked(id string) (*Item, error) {
	txn := tt.db.Txn(false)
	obj, err := txn.First(itemsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*Item), nil
}

// Transition moves item id to state to, applying mutate to the new copy first if non-nil. Entering a
// terminal state removes the item from the table; the final copy is returned.
func (tt *TaskTable) Transition(id string, to State, mutate func(*Item)) (*Item, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.transitionLocked(id, to, mutate)
}

func (tt *TaskTable) transitionLocked(id string, to State, mutate func(*Item)) (*Item, error) {
	current, err := tt.getLocked(id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, schederrors.ErrNotFound("task", id)
	}
	if !CanTransition(current.State, to) {
		return nil, schederrors.Newf(schederrors.ValidationError, "task %s cannot go from %s to %s", id, current.State, to)
	}
	updated := current.DeepCopy()
	if mutate != nil {
		mutate(updated)
	}
	updated.State = to
	updated.Timestamps[to] = tt.clock.Now()

	txn := tt.db.Txn(true)
	defer txn.Abort()
	if to.Terminal() {
		err = txn.Delete(itemsTable, current)
	} else {
		err = txn.Insert(itemsTable, updated)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	tt.observe(updated, current.State)
	return updated, nil
}

// Update replaces the stored copy of an item without changing its state.
func (tt *TaskTable) Update(id string, mutate func(*Item)) (*Item, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	current, err := tt.getLocked(id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, schederrors.ErrNotFound("task", id)
	}
	updated := current.DeepCopy()
	mutate(updated)
	updated.State = current.State
	txn := tt.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(itemsTable, updated); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return updated, nil
}

// removeLocked deletes an item without recording a state change. Used when the item is handed to another
// table.
func (tt *TaskTable) removeLocked(item *Item) error {
	txn := tt.db.Txn(true)
	defer txn.Abort()
	if err := txn.Delete(itemsTable, item); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Items returns every item in insertion order.
func (tt *TaskTable) Items() []*Item {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.itemsLocked()
}

func (tt *TaskTable) itemsLocked() []*Item {
	items, _ := tt.query(idIndex)
	return items
}

// ItemsInState returns the items currently in state, in insertion order.
func (tt *TaskTable) ItemsInState(state State) []*Item {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	items, _ := tt.query(stateIndex, int(state))
	return items
}

func (tt *TaskTable) query(index string, args ...interface{}) ([]*Item, error) {
	txn := tt.db.Txn(false)
	iter, err := txn.Get(itemsTable, index, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	items := make([]*Item, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		items = append(items, obj.(*Item))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (tt *TaskTable) Len() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.lenLocked()
}

func (tt *TaskTable) lenLocked() int {
	return len(tt.itemsLocked())
}

func (tt *TaskTable) Capacity() int {
	return tt.capacity
}

// Close stops the table accepting new items. Items already present are unaffected.
func (tt *TaskTable) Close() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.closed = true
}

func (tt *TaskTable) Closed() bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.closed
}

func (tt *TaskTable) observe(item *Item, from State) {
	if tt.observer != nil {
		tt.observer(tt.owner.Name, item, from)
	}
}

func taskTableSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "TaskId"},
	}
	indexes[stateIndex] = &memdb.IndexSchema{
		Name:    stateIndex,
		Unique:  false,
		Indexer: &memdb.IntFieldIndex{Field: "State"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			itemsTable: {
				Name:    itemsTable,
				Indexes: indexes,
			},
		},
	}
}

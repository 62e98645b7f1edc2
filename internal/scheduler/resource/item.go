package resource

import (
	"time"

	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// Item wraps one task held in a TaskTable. Items are immutable once stored: every change stores a modified
// copy, so an *Item handed out by a table is a consistent snapshot.
type Item struct {
	TaskId   string
	Task     *task.Task
	State    State
	Stage    Stage
	Resource schedulerobjects.ResourceHandle
	// Hop counts the migrations this item has gone through. Completions reported for an older hop are stale.
	Hop      int
	Attempts int
	// Seq orders items by insertion into their current table.
	Seq        uint64
	Timestamps map[State]time.Time
	// Payload is whatever the last load produced: segment data on a CPU, a device index handle on an
	// accelerator.
	Payload any
	Outcome task.Outcome
	Err     error
}

func (item *Item) DeepCopy() *Item {
	copied := *item
	copied.Timestamps = make(map[State]time.Time, len(item.Timestamps))
	for state, ts := range item.Timestamps {
		copied.Timestamps[state] = ts
	}
	return &copied
}

func (item *Item) EnteredAt(state State) (time.Time, bool) {
	ts, ok := item.Timestamps[state]
	return ts, ok
}

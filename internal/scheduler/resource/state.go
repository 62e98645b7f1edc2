package resource

import "fmt"

// State is the lifecycle state of an item held in a TaskTable.
type State int

const (
	Start State = iota
	Loading
	Loaded
	Executing
	Moving
	Moved
	Finished
	// Failed is absorbing and reachable from any non-terminal state.
	Failed
)

var stateNames = map[State]string{
	Start:     "START",
	Loading:   "LOADING",
	Loaded:    "LOADED",
	Executing: "EXECUTING",
	Moving:    "MOVING",
	Moved:     "MOVED",
	Finished:  "FINISHED",
	Failed:    "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == Finished || s == Failed
}

// CanTransition reports whether an item may move from one state to another. Transitions only go forward;
// states may be skipped, e.g. EXECUTING straight to FINISHED or any state to FINISHED when forced by a
// finished sentinel.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed || to == Finished {
		return true
	}
	return to > from
}

// Stage distinguishes the compute pass of an item from the persist pass a build runs after migrating its
// output to a CPU resource.
type Stage int

const (
	StageCompute Stage = iota
	StagePersist
)

func (s Stage) String() string {
	if s == StagePersist {
		return "persist"
	}
	return "compute"
}

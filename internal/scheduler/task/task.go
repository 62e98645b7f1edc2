package task

import (
	"fmt"
	"strings"
	"sync"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/common/util"
)

// Kind tags the variant held by a Task.
type Kind int

const (
	// Build trains an index over a raw segment and persists it.
	Build Kind = iota
	// Search runs the owning job's queries against one index segment.
	Search
	// Finished is a sentinel used to force an item out of its table. It is never executed.
	Finished
)

func (k Kind) String() string {
	switch k {
	case Build:
		return "build"
	case Search:
		return "search"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// EngineType identifies the index engine a segment was built with.
type EngineType string

const (
	EngineFlat    EngineType = "FLAT"
	EngineIVFFlat EngineType = "IVFFLAT"
	EngineIVFSQ8  EngineType = "IVFSQ8"
	EngineIVFSQ8H EngineType = "IVFSQ8H"
	EngineIVFPQ   EngineType = "IVFPQ"
)

var knownEngines = []EngineType{EngineFlat, EngineIVFFlat, EngineIVFSQ8, EngineIVFSQ8H, EngineIVFPQ}

// ParseEngineType parses an engine name case-insensitively.
func ParseEngineType(s string) (EngineType, error) {
	needle := EngineType(strings.ToUpper(strings.TrimSpace(s)))
	for _, engine := range knownEngines {
		if engine == needle {
			return engine, nil
		}
	}
	return "", schederrors.Newf(schederrors.ValidationError, "unknown engine type %q", s)
}

// BuildSpec holds the fields specific to build tasks.
type BuildSpec struct {
	// Blob key the built index is written to.
	OutputKey string
}

// Task is one schedulable unit of work. It is a tagged union over Kind: Build carries a BuildSpec,
// Finished carries the Origin task it terminates and Search carries nothing beyond the common fields.
// A Task refers to its Job only by id; the job is resolved through the Registry.
type Task struct {
	Id     string
	Kind   Kind
	JobId  string
	Engine EngineType
	// Blob key of the segment this task loads.
	SegmentKey string
	Build      *BuildSpec
	Origin     *Task

	mu    sync.Mutex
	label *Label
}

func NewSearchTask(engine EngineType, segmentKey string) *Task {
	return &Task{
		Id:         util.NewUUID(),
		Kind:       Search,
		Engine:     engine,
		SegmentKey: segmentKey,
	}
}

func NewBuildTask(engine EngineType, segmentKey, outputKey string) *Task {
	return &Task{
		Id:         util.NewUUID(),
		Kind:       Build,
		Engine:     engine,
		SegmentKey: segmentKey,
		Build:      &BuildSpec{OutputKey: outputKey},
	}
}

// NewFinishedTask returns a sentinel terminating origin. It shares origin's id so that it addresses the
// same table item.
func NewFinishedTask(origin *Task) *Task {
	return &Task{
		Id:         origin.Id,
		Kind:       Finished,
		JobId:      origin.JobId,
		Engine:     origin.Engine,
		SegmentKey: origin.SegmentKey,
		Origin:     origin,
	}
}

// Label returns the task's label and whether one has been assigned.
func (t *Task) Label() (Label, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.label == nil {
		return Label{}, false
	}
	return *t.label, true
}

// SetLabel assigns the task's label. A label can be assigned only once.
func (t *Task) SetLabel(label Label) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.label != nil {
		return schederrors.Newf(schederrors.ValidationError, "task %s already labelled %s", t.Id, t.label)
	}
	t.label = &label
	return nil
}

func (t *Task) String() string {
	return fmt.Sprintf("%s task %s (engine %s, segment %s)", t.Kind, t.Id, t.Engine, t.SegmentKey)
}

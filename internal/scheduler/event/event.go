package event

import (
	"fmt"

	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// Type enumerates the closed set of events the loop dispatches.
type Type int

const (
	TypeResourceRegistered Type = iota
	TypeResourceRemoved
	TypeTaskEnqueued
	TypeLoadCompleted
	TypeExecutionCompleted
	TypeFinishTask
	TypeTimeout
)

var typeNames = map[Type]string{
	TypeResourceRegistered: "resource_registered",
	TypeResourceRemoved:    "resource_removed",
	TypeTaskEnqueued:       "task_enqueued",
	TypeLoadCompleted:      "load_completed",
	TypeExecutionCompleted: "execution_completed",
	TypeFinishTask:         "finish_task",
	TypeTimeout:            "timeout",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Event is implemented only by the types in this package.
type Event interface {
	Type() Type
	isEvent()
}

// LoadKind says where the data of a load comes from and goes to.
type LoadKind int

const (
	FromDisk LoadKind = iota
	CpuToDevice
	DeviceToCpu
)

func (k LoadKind) String() string {
	switch k {
	case FromDisk:
		return "from_disk"
	case CpuToDevice:
		return "cpu_to_device"
	case DeviceToCpu:
		return "device_to_cpu"
	default:
		return fmt.Sprintf("LoadKind(%d)", int(k))
	}
}

// ResourceRegistered announces a new resource, or a change to the connections of an existing one when
// Reconnected is set.
type ResourceRegistered struct {
	Resource    schedulerobjects.ResourceHandle
	Kind        schedulerobjects.ResourceKind
	Reconnected bool
}

// ResourceRemoved announces that a resource is gone. Every item it held has already been moved to Default;
// Rerouted lists their task ids. Released holds the payloads those items carried; they restart without them.
type ResourceRemoved struct {
	Resource schedulerobjects.ResourceHandle
	Default  schedulerobjects.ResourceHandle
	Rerouted []string
	Released []any
}

// TaskEnqueued reports that an item entered a table in state START.
type TaskEnqueued struct {
	Resource schedulerobjects.ResourceHandle
	TaskId   string
	Hop      int
}

type LoadCompleted struct {
	Resource schedulerobjects.ResourceHandle
	TaskId   string
	Hop      int
	Kind     LoadKind
	Payload  any
	Err      error
}

type ExecutionCompleted struct {
	Resource schedulerobjects.ResourceHandle
	TaskId   string
	Hop      int
	Result   *task.SearchResult
	// Payload holds what a build left on the device, to be moved off it.
	Payload any
	Err     error
}

// FinishTask ends an item. When Task is a Finished sentinel the item is forced out of its table regardless of
// state and recorded as Outcome.
type FinishTask struct {
	Resource schedulerobjects.ResourceHandle
	Task     *task.Task
	Hop      int
	Outcome  task.Outcome
	Err      error
}

// Timeout fires when a job passes its deadline.
type Timeout struct {
	JobId string
}

func (ResourceRegistered) Type() Type { return TypeResourceRegistered }
func (ResourceRemoved) Type() Type    { return TypeResourceRemoved }
func (TaskEnqueued) Type() Type       { return TypeTaskEnqueued }
func (LoadCompleted) Type() Type      { return TypeLoadCompleted }
func (ExecutionCompleted) Type() Type { return TypeExecutionCompleted }
func (FinishTask) Type() Type         { return TypeFinishTask }
func (Timeout) Type() Type            { return TypeTimeout }

func (ResourceRegistered) isEvent() {}
func (ResourceRemoved) isEvent()    {}
func (TaskEnqueued) isEvent()       {}
func (LoadCompleted) isEvent()      {}
func (ExecutionCompleted) isEvent() {}
func (FinishTask) isEvent()         {}
func (Timeout) isEvent()            {}

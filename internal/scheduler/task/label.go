package task

import (
	"fmt"

	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
)

type LabelType int

const (
	// Broadcast lets any idle resource claim the task.
	Broadcast LabelType = iota
	// SpecResource pins the task to one resource.
	SpecResource
)

// Label is the routing annotation attached to a task by the selector chain.
//
// Hybrid is only meaningful for SpecResource labels. It marks a CPU placement made although an
// accelerator was otherwise eligible, because the batch was too small to amortise dispatch. It is a
// passive annotation consumed by accounting; it never causes the task to be re-offered to an accelerator.
type Label struct {
	Type     LabelType
	Resource schedulerobjects.ResourceHandle
	Hybrid   bool
}

func BroadcastLabel() Label {
	return Label{Type: Broadcast}
}

func SpecResourceLabel(resource schedulerobjects.ResourceHandle, hybrid bool) Label {
	return Label{Type: SpecResource, Resource: resource, Hybrid: hybrid}
}

func (l Label) String() string {
	if l.Type == Broadcast {
		return "broadcast"
	}
	return fmt.Sprintf("spec(%s, hybrid=%t)", l.Resource.Name, l.Hybrid)
}

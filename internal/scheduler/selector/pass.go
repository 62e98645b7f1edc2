package selector

import (
	"sync/atomic"

	"github.com/armadaproject/vecsched/internal/scheduler/configuration"
	"github.com/armadaproject/vecsched/internal/scheduler/resource"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// Pass is one labelling policy. Run returns false, without side effects, for tasks the pass does not apply
// to. A pass returning true has assigned the task's label.
type Pass interface {
	Name() string
	Run(t *task.Task, params task.Params) (bool, Reason)
}

// Reloadable passes accept replacement configuration at runtime.
type Reloadable interface {
	Reload(c configuration.SelectorConfig)
}

// ResourceView is the part of the resource manager passes need.
type ResourceView interface {
	GetResource(name string) (*resource.Resource, error)
	Default() *resource.Resource
}

// Reason records why a label was chosen.
type Reason string

const (
	ReasonDisabled    Reason = "accelerator_disabled"
	ReasonTopK        Reason = "topk_unsupported"
	ReasonNProbe      Reason = "nprobe_unsupported"
	ReasonSmallBatch  Reason = "small_batch"
	ReasonPool        Reason = "pool"
	ReasonNoCandidate Reason = "no_candidate"
	ReasonBroadcast   Reason = "broadcast"
	ReasonFallback    Reason = "fallback"
)

// configHolder stores a pass's configuration snapshot. Reload swaps the whole snapshot so readers never see a
// partially applied configuration.
type configHolder struct {
	current atomic.Pointer[configuration.SelectorConfig]
}

func (h *configHolder) Reload(c configuration.SelectorConfig) {
	h.current.Store(&c)
}

func (h *configHolder) config() configuration.SelectorConfig {
	return *h.current.Load()
}

// candidates resolves names to registered, non-degraded resources, preserving order and skipping anything
// that is unknown.
func candidates(view ResourceView, names []string) []*resource.Resource {
	result := make([]*resource.Resource, 0, len(names))
	for _, name := range names {
		r, err := view.GetResource(name)
		if err != nil || r.Degraded() {
			continue
		}
		result = append(result, r)
	}
	return result
}

func cpuLabel(view ResourceView, hybrid bool) task.Label {
	return task.SpecResourceLabel(view.Default().Handle(), hybrid)
}

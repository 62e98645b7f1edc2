package selector

import (
	"github.com/armadaproject/vecsched/internal/scheduler/configuration"
	"github.com/armadaproject/vecsched/internal/scheduler/resource"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// decide applies the accelerator placement policy to a search. The first matching rule wins:
//  1. accelerators disabled: cpu
//  2. topk above the supported maximum: cpu
//  3. nprobe above the supported maximum: cpu
//  4. batch smaller than the threshold: cpu, hybrid
//  5. otherwise a candidate from the pool, or cpu if no candidate is available
func decide(c configuration.SelectorConfig, params task.Params, pool []*resource.Resource, picker Picker, view ResourceView) (task.Label, Reason) {
	switch {
	case !c.AcceleratorEnabled:
		return cpuLabel(view, false), ReasonDisabled
	case params.TopK > c.MaxTopK:
		return cpuLabel(view, false), ReasonTopK
	case params.NProbe > c.MaxNProbe:
		return cpuLabel(view, false), ReasonNProbe
	case params.NQ < c.BatchThreshold:
		return cpuLabel(view, true), ReasonSmallBatch
	case len(pool) == 0:
		return cpuLabel(view, false), ReasonNoCandidate
	default:
		return task.SpecResourceLabel(picker.Pick(pool).Handle(), false), ReasonPool
	}
}

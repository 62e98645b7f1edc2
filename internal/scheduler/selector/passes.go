package selector

import (
	"github.com/armadaproject/vecsched/internal/scheduler/configuration"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// GpuSearchEngines are the engines searched on GPUs.
var GpuSearchEngines = []task.EngineType{task.EngineFlat, task.EngineIVFFlat, task.EngineIVFSQ8, task.EngineIVFSQ8H}

// FpgaSearchEngines are the engines searched on FPGAs.
var FpgaSearchEngines = []task.EngineType{task.EngineIVFPQ}

// AcceleratorSearchPass labels searches over the given engines using the accelerator placement policy,
// drawing candidates from the pool returned by pool.
type AcceleratorSearchPass struct {
	configHolder
	name    string
	engines map[task.EngineType]bool
	pool    func(c configuration.SelectorConfig) []string
	view    ResourceView
	pickers policyPicker
}

func newAcceleratorSearchPass(
	name string,
	engines []task.EngineType,
	pool func(c configuration.SelectorConfig) []string,
	view ResourceView,
	c configuration.SelectorConfig,
) *AcceleratorSearchPass {
	set := make(map[task.EngineType]bool, len(engines))
	for _, e := range engines {
		set[e] = true
	}
	p := &AcceleratorSearchPass{
		name:    name,
		engines: set,
		pool:    pool,
		view:    view,
	}
	p.Reload(c)
	return p
}

func NewGpuSearchPass(view ResourceView, c configuration.SelectorConfig) *AcceleratorSearchPass {
	return newAcceleratorSearchPass("gpu_search", GpuSearchEngines, func(c configuration.SelectorConfig) []string { return c.SearchPool }, view, c)
}

func NewFpgaSearchPass(view ResourceView, c configuration.SelectorConfig) *AcceleratorSearchPass {
	return newAcceleratorSearchPass("fpga_search", FpgaSearchEngines, func(c configuration.SelectorConfig) []string { return c.FpgaPool }, view, c)
}

func (p *AcceleratorSearchPass) Name() string { return p.name }

func (p *AcceleratorSearchPass) Run(t *task.Task, params task.Params) (bool, Reason) {
	if t.Kind != task.Search || !p.engines[t.Engine] {
		return false, ""
	}
	c := p.config()
	label, reason := decide(c, params, candidates(p.view, p.pool(c)), p.pickers.forPolicy(c.LoadBalancing), p.view)
	return t.SetLabel(label) == nil, reason
}

// BuildIndexPass places index builds on the build pool when accelerators are enabled.
type BuildIndexPass struct {
	configHolder
	view    ResourceView
	pickers policyPicker
}

func NewBuildIndexPass(view ResourceView, c configuration.SelectorConfig) *BuildIndexPass {
	p := &BuildIndexPass{view: view}
	p.Reload(c)
	return p
}

func (p *BuildIndexPass) Name() string { return "build_index" }

func (p *BuildIndexPass) Run(t *task.Task, _ task.Params) (bool, Reason) {
	if t.Kind != task.Build {
		return false, ""
	}
	c := p.config()
	label, reason := cpuLabel(p.view, false), ReasonDisabled
	if c.AcceleratorEnabled {
		if pool := candidates(p.view, c.BuildPool); len(pool) > 0 {
			label, reason = task.SpecResourceLabel(p.pickers.forPolicy(c.LoadBalancing).Pick(pool).Handle(), false), ReasonPool
		} else {
			reason = ReasonNoCandidate
		}
	}
	return t.SetLabel(label) == nil, reason
}

// BroadcastPass lets any resource claim searches over the configured engines. It stands aside while
// accelerators are disabled so those searches stay on the cpu.
type BroadcastPass struct {
	configHolder
}

func NewBroadcastPass(c configuration.SelectorConfig) *BroadcastPass {
	p := &BroadcastPass{}
	p.Reload(c)
	return p
}

func (p *BroadcastPass) Name() string { return "broadcast" }

func (p *BroadcastPass) Run(t *task.Task, _ task.Params) (bool, Reason) {
	c := p.config()
	if t.Kind != task.Search || !c.AcceleratorEnabled {
		return false, ""
	}
	for _, e := range c.BroadcastEngines {
		if e == t.Engine {
			return t.SetLabel(task.BroadcastLabel()) == nil, ReasonBroadcast
		}
	}
	return false, ""
}

// FallbackPass pins everything to the cpu. It always applies.
type FallbackPass struct {
	view ResourceView
}

func (p *FallbackPass) Name() string { return "fallback" }

func (p *FallbackPass) Run(t *task.Task, _ task.Params) (bool, Reason) {
	return t.SetLabel(cpuLabel(p.view, false)) == nil, ReasonFallback
}

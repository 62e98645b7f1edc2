package selector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/configuration"
	"github.com/armadaproject/vecsched/internal/scheduler/resource"
	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

func newTestMgr(t *testing.T) *resource.Mgr {
	mgr := resource.NewMgr(resource.MgrConfig{DefaultResource: "cpu", DegradedThreshold: 1}, nil, clock.NewFakeClock(time.Unix(0, 0)), nil)
	specs := []resource.Spec{
		{Name: "cpu", Kind: schedulerobjects.CPU},
		{Name: "gpu0", Kind: schedulerobjects.GPU},
		{Name: "gpu1", Kind: schedulerobjects.GPU},
		{Name: "gpu2", Kind: schedulerobjects.GPU},
		{Name: "fpga0", Kind: schedulerobjects.FPGA},
	}
	for _, spec := range specs {
		_, err := mgr.Register(spec)
		require.NoError(t, err)
	}
	require.NoError(t, mgr.Start())
	return mgr
}

func testSelectorConfig() configuration.SelectorConfig {
	return configuration.SelectorConfig{
		AcceleratorEnabled: true,
		BatchThreshold:     100,
		MaxTopK:            2048,
		MaxNProbe:          2048,
		SearchPool:         []string{"gpu0"},
		BuildPool:          []string{"gpu1"},
		FpgaPool:           []string{"fpga0"},
		LoadBalancing:      configuration.RoundRobin,
	}
}

type recordingObserver struct {
	passes  []string
	reasons []Reason
}

func (o *recordingObserver) LabelAssigned(pass string, _ task.Label, reason Reason) {
	o.passes = append(o.passes, pass)
	o.reasons = append(o.reasons, reason)
}

func TestChain_ThresholdBoundary(t *testing.T) {
	mgr := newTestMgr(t)
	chain := NewDefaultChain(mgr, testSelectorConfig(), nil)

	small := task.NewSearchTask(task.EngineIVFSQ8, "s")
	label, err := chain.Label(small, task.Params{NQ: 99, TopK: 10, NProbe: 16})
	require.NoError(t, err)
	assert.Equal(t, task.SpecResource, label.Type)
	assert.Equal(t, "cpu", label.Resource.Name)
	assert.True(t, label.Hybrid)

	large := task.NewSearchTask(task.EngineIVFSQ8, "s")
	label, err = chain.Label(large, task.Params{NQ: 100, TopK: 10, NProbe: 16})
	require.NoError(t, err)
	assert.Equal(t, "gpu0", label.Resource.Name)
	assert.False(t, label.Hybrid)
}

func TestDecide(t *testing.T) {
	tests := map[string]struct {
		mutate   func(c *configuration.SelectorConfig)
		params   task.Params
		resource string
		hybrid   bool
		reason   Reason
	}{
		"disabled": {
			mutate:   func(c *configuration.SelectorConfig) { c.AcceleratorEnabled = false },
			params:   task.Params{NQ: 1000, TopK: 10, NProbe: 10},
			resource: "cpu",
			reason:   ReasonDisabled,
		},
		"disabled wins over small batch": {
			mutate:   func(c *configuration.SelectorConfig) { c.AcceleratorEnabled = false },
			params:   task.Params{NQ: 1, TopK: 10, NProbe: 10},
			resource: "cpu",
			reason:   ReasonDisabled,
		},
		"topk too large": {
			params:   task.Params{NQ: 1000, TopK: 4096, NProbe: 10},
			resource: "cpu",
			reason:   ReasonTopK,
		},
		"topk too large wins over small batch": {
			params:   task.Params{NQ: 1, TopK: 4096, NProbe: 10},
			resource: "cpu",
			reason:   ReasonTopK,
		},
		"nprobe too large": {
			params:   task.Params{NQ: 1000, TopK: 10, NProbe: 4096},
			resource: "cpu",
			reason:   ReasonNProbe,
		},
		"small batch": {
			params:   task.Params{NQ: 10, TopK: 10, NProbe: 10},
			resource: "cpu",
			hybrid:   true,
			reason:   ReasonSmallBatch,
		},
		"pool": {
			params:   task.Params{NQ: 500, TopK: 2048, NProbe: 2048},
			resource: "gpu0",
			reason:   ReasonPool,
		},
		"empty pool": {
			mutate:   func(c *configuration.SelectorConfig) { c.SearchPool = nil },
			params:   task.Params{NQ: 500, TopK: 10, NProbe: 10},
			resource: "cpu",
			reason:   ReasonNoCandidate,
		},
		"unregistered pool member": {
			mutate:   func(c *configuration.SelectorConfig) { c.SearchPool = []string{"gpu9"} },
			params:   task.Params{NQ: 500, TopK: 10, NProbe: 10},
			resource: "cpu",
			reason:   ReasonNoCandidate,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mgr := newTestMgr(t)
			c := testSelectorConfig()
			if tc.mutate != nil {
				tc.mutate(&c)
			}
			observer := &recordingObserver{}
			chain := NewDefaultChain(mgr, c, observer)
			label, err := chain.Label(task.NewSearchTask(task.EngineIVFFlat, "s"), tc.params)
			require.NoError(t, err)
			assert.Equal(t, tc.resource, label.Resource.Name)
			assert.Equal(t, tc.hybrid, label.Hybrid)
			assert.Equal(t, []Reason{tc.reason}, observer.reasons)
			assert.Equal(t, []string{"gpu_search"}, observer.passes)
		})
	}
}

func TestChain_RoundRobinFairness(t *testing.T) {
	for _, n := range []int{1, 3, 10, 31} {
		t.Run(fmt.Sprintf("%d assignments", n), func(t *testing.T) {
			mgr := newTestMgr(t)
			c := testSelectorConfig()
			c.SearchPool = []string{"gpu0", "gpu1", "gpu2"}
			chain := NewDefaultChain(mgr, c, nil)

			counts := map[string]int{}
			for i := 0; i < n; i++ {
				label, err := chain.Label(task.NewSearchTask(task.EngineIVFSQ8H, "s"), task.Params{NQ: 100})
				require.NoError(t, err)
				counts[label.Resource.Name]++
			}
			k := len(c.SearchPool)
			total := 0
			for _, name := range c.SearchPool {
				assert.GreaterOrEqual(t, counts[name], n/k)
				assert.LessOrEqual(t, counts[name], (n+k-1)/k)
				total += counts[name]
			}
			assert.Equal(t, n, total)
		})
	}
}

func TestChain_LeastLoaded(t *testing.T) {
	mgr := newTestMgr(t)
	c := testSelectorConfig()
	c.SearchPool = []string{"gpu0", "gpu1"}
	c.LoadBalancing = configuration.LeastLoaded
	chain := NewDefaultChain(mgr, c, nil)

	gpu0, err := mgr.GetResource("gpu0")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := gpu0.Table().Put(task.NewSearchTask(task.EngineFlat, "s"), resource.StageCompute)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		label, err := chain.Label(task.NewSearchTask(task.EngineIVFFlat, "s"), task.Params{NQ: 100})
		require.NoError(t, err)
		assert.Equal(t, "gpu1", label.Resource.Name)
	}
}

func TestChain_SkipsDegraded(t *testing.T) {
	mgr := newTestMgr(t)
	c := testSelectorConfig()
	c.SearchPool = []string{"gpu0", "gpu1"}
	chain := NewDefaultChain(mgr, c, nil)
	gpu0, err := mgr.GetResource("gpu0")
	require.NoError(t, err)
	require.True(t, gpu0.RecordFailure())

	for i := 0; i < 4; i++ {
		label, err := chain.Label(task.NewSearchTask(task.EngineIVFFlat, "s"), task.Params{NQ: 100})
		require.NoError(t, err)
		assert.Equal(t, "gpu1", label.Resource.Name)
	}
}

func TestChain_Totality(t *testing.T) {
	mgr := newTestMgr(t)
	c := testSelectorConfig()
	c.BroadcastEngines = []task.EngineType{task.EngineFlat}
	chain := NewDefaultChain(mgr, c, nil)

	engines := []task.EngineType{task.EngineFlat, task.EngineIVFFlat, task.EngineIVFSQ8, task.EngineIVFSQ8H, task.EngineIVFPQ}
	for _, engine := range engines {
		for _, nq := range []int{1, 100, 1000} {
			for _, t0 := range []*task.Task{task.NewSearchTask(engine, "s"), task.NewBuildTask(engine, "s", "o")} {
				label, err := chain.Label(t0, task.Params{NQ: nq, TopK: 10, NProbe: 10})
				require.NoError(t, err)
				assigned, ok := t0.Label()
				require.True(t, ok)
				assert.Equal(t, label, assigned)
			}
		}
	}
}

func TestChain_AcceleratorDisabled(t *testing.T) {
	engines := []task.EngineType{task.EngineFlat, task.EngineIVFFlat, task.EngineIVFSQ8, task.EngineIVFSQ8H, task.EngineIVFPQ}
	tests := map[string]struct {
		broadcastEngines []task.EngineType
	}{
		"no broadcast engines": {},
		"flat is broadcast":    {broadcastEngines: []task.EngineType{task.EngineFlat}},
		"every engine is broadcast": {
			broadcastEngines: engines,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mgr := newTestMgr(t)
			c := testSelectorConfig()
			c.AcceleratorEnabled = false
			c.BroadcastEngines = tc.broadcastEngines
			chain := NewDefaultChain(mgr, c, nil)

			for _, engine := range engines {
				for _, params := range []task.Params{{NQ: 1}, {NQ: 1000}, {NQ: 100000}, {NQ: 100000, TopK: 100000}, {NQ: 100, NProbe: 1}} {
					label, err := chain.Label(task.NewSearchTask(engine, "s"), params)
					require.NoError(t, err)
					assert.Equal(t, task.SpecResource, label.Type, "engine %s", engine)
					assert.Equal(t, "cpu", label.Resource.Name)
					assert.False(t, label.Hybrid)
				}
			}
			handled, _ := NewBroadcastPass(c).Run(task.NewSearchTask(task.EngineFlat, "s"), task.Params{NQ: 1000})
			assert.False(t, handled)
		})
	}
}

func TestChain_PassSelection(t *testing.T) {
	tests := map[string]struct {
		task     *task.Task
		pass     string
		resource string
		label    task.LabelType
	}{
		"ivfpq goes to the fpga": {
			task:     task.NewSearchTask(task.EngineIVFPQ, "s"),
			pass:     "fpga_search",
			resource: "fpga0",
			label:    task.SpecResource,
		},
		"build goes to the build pool": {
			task:     task.NewBuildTask(task.EngineIVFSQ8, "s", "o"),
			pass:     "build_index",
			resource: "gpu1",
			label:    task.SpecResource,
		},
		"broadcast engine": {
			task:  task.NewSearchTask(task.EngineFlat, "s"),
			pass:  "broadcast",
			label: task.Broadcast,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mgr := newTestMgr(t)
			c := testSelectorConfig()
			c.BroadcastEngines = []task.EngineType{task.EngineFlat}
			observer := &recordingObserver{}
			chain := NewDefaultChain(mgr, c, observer)
			label, err := chain.Label(tc.task, task.Params{NQ: 100})
			require.NoError(t, err)
			assert.Equal(t, tc.label, label.Type)
			assert.Equal(t, tc.resource, label.Resource.Name)
			assert.Equal(t, []string{tc.pass}, observer.passes)
		})
	}
}

func TestChain_BuildWithoutAccelerators(t *testing.T) {
	mgr := newTestMgr(t)
	c := testSelectorConfig()
	c.AcceleratorEnabled = false
	chain := NewDefaultChain(mgr, c, nil)
	label, err := chain.Label(task.NewBuildTask(task.EngineIVFFlat, "s", "o"), task.Params{})
	require.NoError(t, err)
	assert.Equal(t, "cpu", label.Resource.Name)
}

func TestPass_NotApplicableHasNoSideEffects(t *testing.T) {
	mgr := newTestMgr(t)
	c := testSelectorConfig()
	passes := []Pass{NewGpuSearchPass(mgr, c), NewFpgaSearchPass(mgr, c), NewBroadcastPass(c)}
	build := task.NewBuildTask(task.EngineIVFFlat, "s", "o")
	for _, p := range passes {
		handled, _ := p.Run(build, task.Params{NQ: 1000})
		assert.False(t, handled, p.Name())
	}
	handled, _ := NewBuildIndexPass(mgr, c).Run(task.NewSearchTask(task.EngineIVFFlat, "s"), task.Params{})
	assert.False(t, handled)
	_, labelled := build.Label()
	assert.False(t, labelled)
}

func TestChain_EmptyChainFallsBack(t *testing.T) {
	mgr := newTestMgr(t)
	observer := &recordingObserver{}
	chain := NewChain(mgr, observer)
	label, err := chain.Label(task.NewSearchTask(task.EngineIVFFlat, "s"), task.Params{NQ: 1000})
	require.NoError(t, err)
	assert.Equal(t, "cpu", label.Resource.Name)
	assert.False(t, label.Hybrid)
	assert.Equal(t, []Reason{ReasonFallback}, observer.reasons)
	assert.Equal(t, []string{"fallback"}, chain.Passes())
}

func TestChain_Reload(t *testing.T) {
	mgr := newTestMgr(t)
	chain := NewDefaultChain(mgr, testSelectorConfig(), nil)

	before := task.NewSearchTask(task.EngineIVFFlat, "s")
	label, err := chain.Label(before, task.Params{NQ: 100})
	require.NoError(t, err)
	assert.Equal(t, "gpu0", label.Resource.Name)

	reloaded := testSelectorConfig()
	reloaded.AcceleratorEnabled = false
	chain.Reload(reloaded)

	relabelled, err := chain.Label(before, task.Params{NQ: 100})
	require.NoError(t, err)
	assert.Equal(t, "gpu0", relabelled.Resource.Name)

	after, err := chain.Label(task.NewSearchTask(task.EngineIVFFlat, "s"), task.Params{NQ: 100})
	require.NoError(t, err)
	assert.Equal(t, "cpu", after.Resource.Name)
}

func TestChain_RejectsSentinels(t *testing.T) {
	mgr := newTestMgr(t)
	chain := NewDefaultChain(mgr, testSelectorConfig(), nil)
	sentinel := task.NewFinishedTask(task.NewSearchTask(task.EngineFlat, "s"))
	_, err := chain.Label(sentinel, task.Params{})
	assert.True(t, schederrors.Is(err, schederrors.ValidationError))
}

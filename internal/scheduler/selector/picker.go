package selector

import (
	"sync"

	"github.com/armadaproject/vecsched/internal/scheduler/configuration"
	"github.com/armadaproject/vecsched/internal/scheduler/resource"
)

// Picker chooses one of a non-empty set of candidates.
type Picker interface {
	Pick(candidates []*resource.Resource) *resource.Resource
}

// RoundRobinPicker cycles through the candidates. Over N picks from an unchanging set of k candidates
// each is chosen floor(N/k) or ceil(N/k) times.
type RoundRobinPicker struct {
	mu   sync.Mutex
	next uint64
}

func (p *RoundRobinPicker) Pick(candidates []*resource.Resource) *resource.Resource {
	return candidates[p.advance(len(candidates))]
}

func (p *RoundRobinPicker) advance(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := int(p.next % uint64(n))
	p.next++
	return i
}

// LeastLoadedPicker chooses the candidate with the fewest items. Ties are broken round-robin.
type LeastLoadedPicker struct {
	rr RoundRobinPicker
}

func (p *LeastLoadedPicker) Pick(candidates []*resource.Resource) *resource.Resource {
	start := p.rr.advance(len(candidates))
	var best *resource.Resource
	bestLoad := 0
	for i := range candidates {
		c := candidates[(start+i)%len(candidates)]
		if load := c.Load(); best == nil || load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best
}

// policyPicker dispatches to the picker for the configured policy. Each policy keeps its own state across
// reloads.
type policyPicker struct {
	roundRobin  RoundRobinPicker
	leastLoaded LeastLoadedPicker
}

func (p *policyPicker) forPolicy(policy configuration.LoadBalancingPolicy) Picker {
	if policy == configuration.LeastLoaded {
		return &p.leastLoaded
	}
	return &p.roundRobin
}

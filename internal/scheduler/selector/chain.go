package selector

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/configuration"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// Observer is told about every label the chain assigns.
type Observer interface {
	LabelAssigned(pass string, label task.Label, reason Reason)
}

// Chain runs passes in order until one labels the task. A fallback pass labelling everything cpu runs last,
// so every task leaves Label with a label.
type Chain struct {
	mu       sync.RWMutex
	passes   []Pass
	fallback *FallbackPass
	observer Observer
}

func NewChain(view ResourceView, observer Observer, passes ...Pass) *Chain {
	return &Chain{
		passes:   passes,
		fallback: &FallbackPass{view: view},
		observer: observer,
	}
}

// NewDefaultChain returns the standard chain: broadcast, gpu search, fpga search, build.
func NewDefaultChain(view ResourceView, c configuration.SelectorConfig, observer Observer) *Chain {
	return NewChain(view, observer,
		NewBroadcastPass(c),
		NewGpuSearchPass(view, c),
		NewFpgaSearchPass(view, c),
		NewBuildIndexPass(view, c),
	)
}

// Label assigns t a label and returns it. A task that already has a label keeps it.
func (c *Chain) Label(t *task.Task, params task.Params) (task.Label, error) {
	if t.Kind == task.Finished {
		return task.Label{}, schederrors.Newf(schederrors.ValidationError, "finished sentinel for task %s cannot be labelled", t.Id)
	}
	if label, ok := t.Label(); ok {
		return label, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.passes {
		if handled, reason := p.Run(t, params); handled {
			return c.assigned(t, p, reason)
		}
	}
	handled, reason := c.fallback.Run(t, params)
	if !handled {
		if label, ok := t.Label(); ok {
			return label, nil
		}
		return task.Label{}, schederrors.Newf(schederrors.ValidationError, "no label assigned to task %s", t.Id)
	}
	return c.assigned(t, c.fallback, reason)
}

func (c *Chain) assigned(t *task.Task, p Pass, reason Reason) (task.Label, error) {
	label, _ := t.Label()
	log.WithField("task", t.Id).
		WithField("engine", t.Engine).
		Debugf("pass %s labelled task %s (%s)", p.Name(), label, reason)
	if c.observer != nil {
		c.observer.LabelAssigned(p.Name(), label, reason)
	}
	return label, nil
}

// Reload hands c to every reloadable pass. It waits for in-progress labelling to finish, so a task is always
// labelled under a single configuration. Labels already assigned are never changed.
func (c *Chain) Reload(config configuration.SelectorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.passes {
		if r, ok := p.(Reloadable); ok {
			r.Reload(config)
		}
	}
	log.Infof("reloaded selector configuration: accelerators enabled %t, batch threshold %d", config.AcceleratorEnabled, config.BatchThreshold)
}

func (c *Chain) Passes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.passes)+1)
	for _, p := range c.passes {
		names = append(names, p.Name())
	}
	return append(names, c.fallback.Name())
}

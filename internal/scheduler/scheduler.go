package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/vecsched/internal/blobstore"
	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/configuration"
	"github.com/armadaproject/vecsched/internal/scheduler/device"
	"github.com/armadaproject/vecsched/internal/scheduler/event"
	"github.com/armadaproject/vecsched/internal/scheduler/metrics"
	"github.com/armadaproject/vecsched/internal/scheduler/resource"
	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/vecsched/internal/scheduler/selector"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// Dependencies are the collaborators a Scheduler drives.
type Dependencies struct {
	Executor device.Executor
	Driver   device.Driver
	Store    blobstore.Store
	Clock    clock.WithTicker
	Metrics  *metrics.Metrics
}

// Scheduler routes the tasks of submitted jobs to resources and drives every item through its lifecycle.
// All state changes happen on the event loop goroutine; loads and executions run on their own goroutines
// and report back through events.
type Scheduler struct {
	config   configuration.Configuration
	mgr      *resource.Mgr
	loop     *event.Loop
	chain    *selector.Chain
	selector atomic.Pointer[configuration.SelectorConfig]
	registry *task.Registry
	handles  *handleCache
	executor device.Executor
	driver   device.Driver
	store    blobstore.Store
	clock    clock.WithTicker
	metrics  *metrics.Metrics

	asyncCtx    context.Context
	asyncCancel context.CancelFunc
	inflight    sync.WaitGroup
	stopCh      chan struct{}
	itemDone    chan struct{}

	running  atomic.Bool
	mu       sync.Mutex
	stopping bool
}

// New creates a scheduler and registers the configured resources and connections.
func New(config configuration.Configuration, deps Dependencies) (*Scheduler, error) {
	if deps.Executor == nil || deps.Driver == nil || deps.Store == nil {
		return nil, schederrors.New(schederrors.ValidationError, "executor, driver and store are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	handles, err := newHandleCache(config.Execution.HandleCacheSize, deps.Driver)
	if err != nil {
		return nil, err
	}
	loop := event.NewLoop(deps.Metrics)
	mgr := resource.NewMgr(
		resource.MgrConfig{
			DefaultResource:   config.DefaultResource,
			DegradedThreshold: config.Execution.DegradedThreshold,
		},
		loop,
		deps.Clock,
		deps.Metrics.StateTransition,
	)
	for _, r := range config.Resources {
		if _, err := mgr.Register(resource.Spec{Name: r.Name, Kind: r.Kind, DeviceId: r.DeviceId, Capacity: r.Capacity}); err != nil {
			return nil, err
		}
	}
	for _, c := range config.Connections {
		if err := mgr.Connect(c.From, c.To, c.Cost); err != nil {
			return nil, err
		}
	}
	asyncCtx, asyncCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config:      config,
		mgr:         mgr,
		loop:        loop,
		chain:       selector.NewDefaultChain(mgr, config.Selector, deps.Metrics),
		registry:    task.NewRegistry(config.Execution.JobRetention, config.Execution.JobRetention),
		handles:     handles,
		executor:    deps.Executor,
		driver:      deps.Driver,
		store:       deps.Store,
		clock:       deps.Clock,
		metrics:     deps.Metrics,
		asyncCtx:    asyncCtx,
		asyncCancel: asyncCancel,
		stopCh:      make(chan struct{}),
		itemDone:    make(chan struct{}, 1),
	}
	s.selector.Store(&config.Selector)
	return s, nil
}

func (s *Scheduler) Mgr() *resource.Mgr       { return s.mgr }
func (s *Scheduler) Chain() *selector.Chain   { return s.chain }
func (s *Scheduler) Registry() *task.Registry { return s.registry }

// ReloadSelector applies a new selector configuration to tasks labelled from now on.
func (s *Scheduler) ReloadSelector(c configuration.SelectorConfig) {
	s.chain.Reload(c)
	s.selector.Store(&c)
}

// Run starts the resource manager and dispatches events until ctx is cancelled or Stop completes.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.mgr.Start(); err != nil {
		return err
	}
	s.running.Store(true)
	log.Infof("scheduler started with %d resources", len(s.mgr.Resources()))
	return s.loop.Run(ctx, s.handle)
}

// Submit labels and enqueues every task of job.
func (s *Scheduler) Submit(job *task.Job) error {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return schederrors.New(schederrors.ValidationError, "scheduler is stopping")
	}
	job.Created = s.clock.Now()
	if job.Deadline.IsZero() && s.config.Execution.DefaultTimeout > 0 {
		job.Deadline = job.Created.Add(s.config.Execution.DefaultTimeout)
	}
	if err := s.registry.Add(job); err != nil {
		return err
	}
	logger := log.WithField("job", job.Id)
	logger.Infof("submitted %s job with %d tasks", job.Type, len(job.Tasks()))
	if job.Status().Terminal() {
		s.registry.Complete(job)
		return nil
	}

	for _, t := range job.Tasks() {
		label, err := s.chain.Label(t, job.Params)
		if err != nil {
			s.post(event.FinishTask{Task: t, Outcome: task.Failed, Err: err})
			continue
		}
		target := s.resolveLabel(label)
		r, item, err := s.mgr.Enqueue(t, target, resource.StageCompute)
		if err != nil {
			logger.WithError(err).WithField("task", t.Id).Error("failed to enqueue task")
			s.post(event.FinishTask{Task: t, Outcome: task.Failed, Err: err})
			continue
		}
		s.post(event.TaskEnqueued{Resource: r.Handle(), TaskId: t.Id, Hop: item.Hop})
	}
	if !job.Deadline.IsZero() {
		s.armDeadline(job)
	}
	return nil
}

// CancelJob sets the job's cancel flag and forces every item of the job that is not executing out of its
// table. Executing items finish as cancelled once their device call returns.
func (s *Scheduler) CancelJob(id string) error {
	job, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if job.Cancel() {
		log.WithField("job", id).Info("cancelling job")
	}
	s.sweep(job)
	return nil
}

func (s *Scheduler) Job(id string) (*task.Job, error) {
	return s.registry.Get(id)
}

// resolveLabel maps a label to a live resource. Pinned resources that no longer exist resolve to the default
// resource; broadcast labels go to the least loaded healthy resource, or the least loaded healthy CPU while
// accelerators are disabled.
func (s *Scheduler) resolveLabel(label task.Label) *resource.Resource {
	if label.Type == task.Broadcast {
		cpuOnly := !s.selector.Load().AcceleratorEnabled
		var best *resource.Resource
		for _, r := range s.mgr.Resources() {
			if r.Degraded() || (cpuOnly && r.Kind() != schedulerobjects.CPU) {
				continue
			}
			if best == nil || r.Load() < best.Load() {
				best = r
			}
		}
		if best != nil {
			return best
		}
		return s.mgr.Default()
	}
	r, live := s.mgr.ResolveOrDefault(label.Resource)
	if !live {
		log.Debugf("resource %s is gone, using %s", label.Resource, r.Name())
	}
	return r
}

func (s *Scheduler) armDeadline(job *task.Job) {
	timer := s.clock.NewTimer(job.Deadline.Sub(s.clock.Now()))
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C():
			s.post(event.Timeout{JobId: job.Id})
		case <-job.Done():
		case <-s.stopCh:
		}
	}()
}

// sweep posts a finished sentinel for every item of job that is not executing.
func (s *Scheduler) sweep(job *task.Job) {
	for _, t := range job.Tasks() {
		if _, done := job.Outcome(t.Id); done {
			continue
		}
		r, item, ok := s.mgr.Locate(t.Id)
		if !ok || item.State == resource.Executing {
			continue
		}
		s.post(event.FinishTask{
			Resource: r.Handle(),
			Task:     task.NewFinishedTask(t),
			Hop:      item.Hop,
			Outcome:  task.Cancelled,
		})
	}
}

func (s *Scheduler) post(e event.Event) {
	if err := s.loop.Post(e); err != nil {
		log.WithError(err).Debugf("dropping %s event", e.Type())
	}
}

// async runs op off the loop and posts the event it returns.
func (s *Scheduler) async(op func(ctx context.Context) event.Event) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.post(op(s.asyncCtx))
	}()
}

// Stop drains the scheduler: new submissions are rejected, every active job is cancelled, each table is
// drained with finished sentinels and the event loop is stopped. Device calls still outstanding are then
// interrupted, and only once they have returned are device handles released.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()
	log.Info("stopping scheduler")

	var result *multierror.Error
	for _, job := range s.registry.Active() {
		job.Cancel()
	}
	if err := s.drain(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	close(s.stopCh)
	s.loop.Stop()
	if s.running.Load() {
		select {
		case <-s.loop.Done():
		case <-ctx.Done():
			result = multierror.Append(result, errors.Wrap(ctx.Err(), "waiting for event loop"))
		}
	}
	s.mgr.Stop()
	s.asyncCancel()
	if err := s.waitInflight(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	s.handles.purge()
	log.Info("scheduler stopped")
	return result.ErrorOrNil()
}

func (s *Scheduler) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Execution.DrainTimeout)
	defer cancel()
	for {
		remaining := 0
		for _, items := range s.mgr.Snapshot() {
			remaining += len(items)
		}
		if remaining == 0 {
			return nil
		}
		for _, job := range s.registry.Active() {
			s.sweep(job)
		}
		select {
		case <-ctx.Done():
			return errors.Errorf("%d items still in flight after drain timeout", remaining)
		case <-s.itemDone:
		}
	}
}

func (s *Scheduler) waitInflight(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func resourceFields(r schedulerobjects.ResourceHandle, taskId string) log.Fields {
	return log.Fields{"resource": r.Name, "task": taskId}
}

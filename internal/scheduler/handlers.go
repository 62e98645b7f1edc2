package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/vecsched/internal/blobstore"
	"github.com/armadaproject/vecsched/internal/common/logging"
	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/device"
	"github.com/armadaproject/vecsched/internal/scheduler/event"
	"github.com/armadaproject/vecsched/internal/scheduler/resource"
	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

func (s *Scheduler) handle(ctx context.Context, e event.Event) {
	switch e := e.(type) {
	case event.ResourceRegistered:
		s.onResourceRegistered(e)
	case event.ResourceRemoved:
		s.onResourceRemoved(e)
	case event.TaskEnqueued:
		s.onTaskEnqueued(e)
	case event.LoadCompleted:
		s.onLoadCompleted(e)
	case event.ExecutionCompleted:
		s.onExecutionCompleted(e)
	case event.FinishTask:
		s.onFinishTask(e)
	case event.Timeout:
		s.onTimeout(e)
	default:
		log.Warnf("unhandled event %T", e)
	}
}

func (s *Scheduler) onResourceRegistered(e event.ResourceRegistered) {
	if e.Reconnected {
		log.Debugf("connections of %s changed", e.Resource)
		return
	}
	log.Infof("resource %s (%s) registered", e.Resource, e.Kind)
}

func (s *Scheduler) onResourceRemoved(e event.ResourceRemoved) {
	log.Infof("resource %s removed, %d items rerouted to %s", e.Resource, len(e.Rerouted), e.Default)
	for _, payload := range e.Released {
		s.drop(payload)
	}
	s.handles.removeResource(e.Resource)
	def, ok := s.mgr.Resolve(e.Default)
	if !ok {
		return
	}
	for _, id := range e.Rerouted {
		item, ok := def.Table().Get(id)
		if !ok || item.State != resource.Start {
			continue
		}
		s.post(event.TaskEnqueued{Resource: def.Handle(), TaskId: id, Hop: item.Hop})
	}
}

// lookup finds the item an event refers to. Events for resources that no longer exist, for items that have
// since moved, or for items no longer in the expected state are stale.
func (s *Scheduler) lookup(h schedulerobjects.ResourceHandle, taskId string, hop int, state resource.State) (*resource.Resource, *resource.Item, bool) {
	r, ok := s.mgr.Resolve(h)
	if !ok {
		return nil, nil, false
	}
	item, ok := r.Table().Get(taskId)
	if !ok || item.Hop != hop || item.State != state {
		return nil, nil, false
	}
	return r, item, true
}

func (s *Scheduler) jobOf(t *task.Task) *task.Job {
	job, err := s.registry.Get(t.JobId)
	if err != nil {
		return nil
	}
	return job
}

func (s *Scheduler) cancelled(item *resource.Item) bool {
	job := s.jobOf(item.Task)
	return job == nil || job.IsCancelled()
}

func (s *Scheduler) onTaskEnqueued(e event.TaskEnqueued) {
	r, item, ok := s.lookup(e.Resource, e.TaskId, e.Hop, resource.Start)
	if !ok {
		log.WithFields(resourceFields(e.Resource, e.TaskId)).Debug("ignoring stale enqueue")
		return
	}
	if s.cancelled(item) {
		s.complete(r, item, task.Cancelled, nil, nil)
		return
	}
	loading, err := r.Table().Transition(item.TaskId, resource.Loading, nil)
	if err != nil {
		s.complete(r, item, task.Failed, nil, err)
		return
	}
	s.startLoad(r, loading)
}

func loadKind(r *resource.Resource, item *resource.Item) event.LoadKind {
	switch {
	case item.Stage == resource.StagePersist:
		return event.DeviceToCpu
	case r.Kind().IsAccelerator():
		return event.CpuToDevice
	default:
		return event.FromDisk
	}
}

func (s *Scheduler) startLoad(r *resource.Resource, item *resource.Item) {
	h := r.Handle()
	deviceId := r.DeviceId()
	kind := loadKind(r, item)
	t := item.Task
	payload := item.Payload
	s.async(func(ctx context.Context) event.Event {
		e := event.LoadCompleted{Resource: h, TaskId: t.Id, Hop: item.Hop, Kind: kind}
		switch kind {
		case event.FromDisk:
			e.Payload, e.Err = s.readSegment(ctx, t.SegmentKey)
		case event.CpuToDevice:
			e.Payload, e.Err = s.uploadSegment(ctx, h, deviceId, t.SegmentKey)
		case event.DeviceToCpu:
			e.Payload, e.Err = s.downloadIndex(ctx, payload)
		}
		return e
	})
}

func (s *Scheduler) readSegment(ctx context.Context, key string) (*device.Segment, error) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return device.DecodeSegment(data)
}

func (s *Scheduler) uploadSegment(ctx context.Context, r schedulerobjects.ResourceHandle, deviceId int, key string) (device.IndexHandle, error) {
	cacheKey := handleKey{resource: r, segment: key}
	if h, ok := s.handles.acquire(cacheKey); ok {
		return h, nil
	}
	seg, err := s.readSegment(ctx, key)
	if err != nil {
		return device.IndexHandle{}, err
	}
	h, err := s.driver.UploadIndex(ctx, deviceId, seg)
	if err != nil {
		return device.IndexHandle{}, err
	}
	return s.handles.add(ctx, cacheKey, h), nil
}

// builtIndex is the payload of an item in the persist stage. The item owns handle until it completes.
type builtIndex struct {
	handle device.IndexHandle
	data   []byte
}

// downloadIndex copies a built index off its device.
func (s *Scheduler) downloadIndex(ctx context.Context, payload any) (builtIndex, error) {
	built, ok := payload.(builtIndex)
	if !ok {
		return builtIndex{}, schederrors.Newf(schederrors.ExecutionError, "persist stage has no built index, got %T", payload)
	}
	data, err := s.driver.DownloadIndex(ctx, built.handle)
	if err != nil {
		return builtIndex{}, err
	}
	built.data = data
	return built, nil
}

func (s *Scheduler) onLoadCompleted(e event.LoadCompleted) {
	r, item, ok := s.lookup(e.Resource, e.TaskId, e.Hop, resource.Loading)
	if !ok {
		log.WithFields(resourceFields(e.Resource, e.TaskId)).Debug("ignoring stale load completion")
		s.handles.unpin(e.Payload)
		return
	}
	if started, ok := item.EnteredAt(resource.Loading); ok {
		s.metrics.LoadCompleted(r.Name(), e.Kind, s.clock.Since(started))
	}
	if e.Err != nil {
		s.retryOrFail(r, item, e.Err, s.startLoad)
		return
	}
	if s.cancelled(item) {
		s.handles.unpin(e.Payload)
		s.complete(r, item, task.Cancelled, nil, nil)
		return
	}
	if _, err := r.Table().Transition(item.TaskId, resource.Loaded, func(i *resource.Item) { i.Payload = e.Payload }); err != nil {
		s.handles.unpin(e.Payload)
		s.complete(r, item, task.Failed, nil, err)
		return
	}
	executing, err := r.Table().Transition(item.TaskId, resource.Executing, nil)
	if err != nil {
		s.complete(r, item, task.Failed, nil, err)
		return
	}
	s.startExecution(r, executing)
}

func (s *Scheduler) startExecution(r *resource.Resource, item *resource.Item) {
	h := r.Handle()
	accelerator := r.Kind().IsAccelerator()
	t := item.Task
	stage := item.Stage
	payload := item.Payload
	job := s.jobOf(t)
	if job == nil {
		s.complete(r, item, task.Cancelled, nil, nil)
		return
	}
	s.async(func(ctx context.Context) event.Event {
		e := event.ExecutionCompleted{Resource: h, TaskId: t.Id, Hop: item.Hop}
		switch {
		case stage == resource.StagePersist:
			e.Err = s.persist(ctx, t, payload)
		case accelerator:
			e.Result, e.Payload, e.Err = s.executeOnDevice(ctx, t, job, payload)
		default:
			e.Result, e.Err = s.executeOnCpu(ctx, t, job, payload)
		}
		return e
	})
}

func (s *Scheduler) persist(ctx context.Context, t *task.Task, payload any) error {
	var data []byte
	switch p := payload.(type) {
	case builtIndex:
		data = p.data
	case []byte:
		data = p
	}
	if data == nil {
		return schederrors.Newf(schederrors.ExecutionError, "nothing to persist for task %s, got %T", t.Id, payload)
	}
	if t.Build == nil {
		return schederrors.Newf(schederrors.ValidationError, "task %s has no build output", t.Id)
	}
	return blobstore.PutWithRetry(ctx, s.store, t.Build.OutputKey, data, s.config.BlobStore.PutAttempts, s.config.BlobStore.PutDelay)
}

func (s *Scheduler) executeOnCpu(ctx context.Context, t *task.Task, job *task.Job, payload any) (*task.SearchResult, error) {
	seg, ok := payload.(*device.Segment)
	if !ok {
		return nil, schederrors.Newf(schederrors.ExecutionError, "task %s has no segment loaded, got %T", t.Id, payload)
	}
	res, err := s.executor.Execute(ctx, device.ExecuteRequest{Task: t, Segment: seg, Queries: job.Queries, Params: job.Params})
	if err != nil {
		return nil, err
	}
	if t.Kind == task.Build {
		return nil, s.persist(ctx, t, res.Index)
	}
	return res.Search, nil
}

func (s *Scheduler) executeOnDevice(ctx context.Context, t *task.Task, job *task.Job, payload any) (*task.SearchResult, any, error) {
	h, ok := payload.(device.IndexHandle)
	if !ok {
		return nil, nil, schederrors.Newf(schederrors.ExecutionError, "task %s has no index on device, got %T", t.Id, payload)
	}
	if t.Kind == task.Build {
		built, err := s.driver.BuildIndex(ctx, h, t.Engine)
		if err != nil {
			return nil, nil, err
		}
		return nil, built, nil
	}
	res, err := s.driver.RunQuery(ctx, h, job.Queries, job.Params.TopK)
	return res, nil, err
}

func (s *Scheduler) onExecutionCompleted(e event.ExecutionCompleted) {
	r, item, ok := s.lookup(e.Resource, e.TaskId, e.Hop, resource.Executing)
	if !ok {
		log.WithFields(resourceFields(e.Resource, e.TaskId)).Debug("ignoring stale execution completion")
		s.release(e.Payload)
		return
	}
	if started, ok := item.EnteredAt(resource.Executing); ok {
		s.metrics.ExecutionCompleted(r.Name(), s.clock.Since(started))
	}
	if e.Err != nil {
		s.retryOrFail(r, item, e.Err, s.startExecution)
		return
	}
	r.RecordSuccess()
	if s.cancelled(item) {
		s.release(e.Payload)
		s.complete(r, item, task.Cancelled, nil, nil)
		return
	}
	if e.Payload != nil {
		s.moveToPersist(r, item, e.Payload)
		return
	}
	s.complete(r, item, task.Succeeded, e.Result, nil)
}

// moveToPersist takes an index built on an accelerator to the cheapest connected CPU to be written out.
func (s *Scheduler) moveToPersist(r *resource.Resource, item *resource.Item, built any) {
	h, ok := built.(device.IndexHandle)
	if !ok {
		s.complete(r, item, task.Failed, nil, schederrors.Newf(schederrors.ExecutionError, "build produced %T, not an index", built))
		return
	}
	moving, err := r.Table().Transition(item.TaskId, resource.Moving, func(i *resource.Item) { i.Payload = builtIndex{handle: h} })
	if err != nil {
		s.release(h)
		s.complete(r, item, task.Failed, nil, err)
		return
	}
	// From here on the item owns the built index and completing it releases the index. The uploaded segment
	// is no longer needed.
	s.handles.unpin(item.Payload)
	dest, moved, err := s.mgr.Move(moving.TaskId, r, s.persistTarget(r), resource.StagePersist)
	if err != nil {
		logging.WithStacktrace(log.WithFields(resourceFields(r.Handle(), moving.TaskId)), err).Error("failed to move built index")
		s.complete(r, moving, task.Failed, nil, err)
		return
	}
	log.WithFields(resourceFields(dest.Handle(), moved.TaskId)).Debugf("built index moved from %s", r.Name())
	s.post(event.TaskEnqueued{Resource: dest.Handle(), TaskId: moved.TaskId, Hop: moved.Hop})
}

func (s *Scheduler) persistTarget(r *resource.Resource) *resource.Resource {
	for _, c := range r.Connections() {
		to, ok := s.mgr.Resolve(c.To)
		if ok && to.Kind() == schedulerobjects.CPU && !to.Degraded() && !to.Table().Closed() {
			return to
		}
	}
	return s.mgr.Default()
}

// retryOrFail reruns op on item if err is transient and attempts remain. Otherwise the item fails.
func (s *Scheduler) retryOrFail(r *resource.Resource, item *resource.Item, err error, op func(*resource.Resource, *resource.Item)) {
	logger := log.WithError(err).WithFields(resourceFields(r.Handle(), item.TaskId))
	if schederrors.Is(err, schederrors.DeviceIOError) && r.RecordFailure() {
		logger.Warnf("resource %s is degraded", r.Name())
	}
	if schederrors.IsRetryable(err) && item.Attempts+1 < s.config.Execution.MaxAttempts && !s.cancelled(item) {
		updated, uerr := r.Table().Update(item.TaskId, func(i *resource.Item) { i.Attempts++ })
		if uerr == nil {
			logger.Infof("retrying %s (attempt %d)", updated.State, updated.Attempts+1)
			s.metrics.Retried(r.Name())
			op(r, updated)
			return
		}
		logger.WithError(uerr).Error("failed to record retry")
	}
	outcome := task.Failed
	if s.cancelled(item) {
		outcome = task.Cancelled
	}
	logger.Warnf("task %s", outcome)
	s.complete(r, item, outcome, nil, err)
}

func (s *Scheduler) onFinishTask(e event.FinishTask) {
	if e.Resource.IsZero() {
		if job := s.jobOf(e.Task); job != nil {
			s.record(job, e.Task.Id, e.Outcome, nil, e.Err)
		}
		return
	}
	r, ok := s.mgr.Resolve(e.Resource)
	if !ok {
		return
	}
	item, ok := r.Table().Get(e.Task.Id)
	if !ok || item.Hop != e.Hop || item.State == resource.Executing {
		return
	}
	s.complete(r, item, e.Outcome, nil, e.Err)
}

func (s *Scheduler) onTimeout(e event.Timeout) {
	job, err := s.registry.Get(e.JobId)
	if err != nil || job.Status().Terminal() {
		return
	}
	log.WithField("job", job.Id).Warn("job passed its deadline")
	job.Cancel()
	s.sweep(job)
}

// complete moves item into its terminal state, frees anything it still holds on a device and reports the
// outcome to its job.
func (s *Scheduler) complete(r *resource.Resource, item *resource.Item, outcome task.Outcome, result *task.SearchResult, err error) {
	if item == nil {
		return
	}
	s.drop(item.Payload)
	to := resource.Finished
	if outcome == task.Failed {
		to = resource.Failed
	}
	if _, terr := r.Table().Transition(item.TaskId, to, func(i *resource.Item) {
		i.Outcome = outcome
		i.Err = err
		i.Payload = nil
	}); terr != nil {
		logging.WithStacktrace(log.WithFields(resourceFields(r.Handle(), item.TaskId)), terr).Error("failed to complete item")
		return
	}
	s.metrics.TaskCompleted(r.Name(), outcome)
	select {
	case s.itemDone <- struct{}{}:
	default:
	}
	if job := s.jobOf(item.Task); job != nil {
		s.record(job, item.TaskId, outcome, result, err)
	}
}

func (s *Scheduler) record(job *task.Job, taskId string, outcome task.Outcome, result *task.SearchResult, err error) {
	completed, mergeErr := job.Record(taskId, outcome, result, err)
	if mergeErr != nil {
		log.WithError(mergeErr).WithField("job", job.Id).Error("failed to merge search result")
	}
	if !completed {
		return
	}
	s.registry.Complete(job)
	s.metrics.JobCompleted(job.Status())
	logger := log.WithField("job", job.Id)
	if jobErr := job.Err(); jobErr != nil {
		logger = logger.WithError(jobErr)
	}
	logger.Infof("job %s after %s", job.Status(), s.clock.Since(job.Created).Round(time.Millisecond))
}

// drop frees what an item held: a built index is released and a cached upload unpinned.
func (s *Scheduler) drop(payload any) {
	switch p := payload.(type) {
	case builtIndex:
		s.release(p.handle)
	case device.IndexHandle:
		s.handles.unpin(p)
	}
}

// release frees a built index that will not be persisted.
func (s *Scheduler) release(payload any) {
	built, ok := payload.(device.IndexHandle)
	if !ok {
		return
	}
	if err := s.driver.ReleaseIndex(context.Background(), built); err != nil {
		log.WithError(err).Warnf("failed to release built index %d", built.Id)
	}
}

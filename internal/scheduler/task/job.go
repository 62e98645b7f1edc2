package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/armadaproject/vecsched/internal/common/util"
)

type JobType int

const (
	SearchJob JobType = iota
	BuildJob
)

func (t JobType) String() string {
	if t == BuildJob {
		return "build"
	}
	return "search"
}

type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobSucceeded
	JobPartialFailure
	JobFailed
	JobCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobPartialFailure:
		return "partial_failure"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("JobStatus(%d)", int(s))
	}
}

func (s JobStatus) Terminal() bool {
	return s >= JobSucceeded
}

// Outcome is the terminal status of a single task.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Params are the query parameters shared by every task of a job.
type Params struct {
	NQ     int
	TopK   int
	NProbe int
	Extra  map[string]string
}

// Job is a client visible request. It owns its tasks; tasks only carry the job's id.
type Job struct {
	Id       string
	Type     JobType
	Params   Params
	Queries  [][]float32
	Deadline time.Time
	// Created is stamped by the scheduler clock on submission.
	Created time.Time

	tasks     []*Task
	cancelled atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	outcomes map[string]Outcome
	errs     map[string]error
	result   *SearchResult
	status   JobStatus
}

// NewJob creates a job owning tasks. Each task's JobId is set to the new job's id.
func NewJob(jobType JobType, params Params, queries [][]float32, tasks ...*Task) *Job {
	job := &Job{
		Id:       util.NewULID(),
		Type:     jobType,
		Params:   params,
		Queries:  queries,
		tasks:    tasks,
		done:     make(chan struct{}),
		outcomes: make(map[string]Outcome, len(tasks)),
		errs:     make(map[string]error),
	}
	for _, t := range tasks {
		t.JobId = job.Id
	}
	if len(tasks) == 0 {
		job.status = JobSucceeded
		close(job.done)
	}
	return job
}

func (j *Job) WithDeadline(deadline time.Time) *Job {
	j.Deadline = deadline
	return j
}

func (j *Job) Tasks() []*Task {
	return j.tasks
}

func (j *Job) Task(id string) (*Task, bool) {
	for _, t := range j.tasks {
		if t.Id == id {
			return t, true
		}
	}
	return nil, false
}

// Cancel sets the job's cancel flag. Returns true if this call set it.
func (j *Job) Cancel() bool {
	return j.cancelled.CompareAndSwap(false, true)
}

func (j *Job) IsCancelled() bool {
	return j.cancelled.Load()
}

// Record stores the terminal outcome of one task. Outcomes for unknown tasks and repeated outcomes for the
// same task are ignored. Returns true if this record completed the job.
func (j *Job) Record(taskId string, outcome Outcome, result *SearchResult, err error) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.Task(taskId); !ok {
		return false, nil
	}
	if _, ok := j.outcomes[taskId]; ok {
		return false, nil
	}
	j.outcomes[taskId] = outcome
	if err != nil {
		j.errs[taskId] = err
	}
	var mergeErr error
	if outcome == Succeeded && result != nil {
		merged, err := MergeSearchResults(j.result, result, j.Params.TopK)
		if err != nil {
			mergeErr = errors.WithMessagef(err, "merging results of task %s into job %s", taskId, j.Id)
		} else {
			j.result = merged
		}
	}
	if len(j.outcomes) < len(j.tasks) {
		j.status = JobRunning
		return false, mergeErr
	}
	j.status = aggregate(j.outcomes)
	close(j.done)
	return true, mergeErr
}

func aggregate(outcomes map[string]Outcome) JobStatus {
	failed, cancelled := 0, 0
	for _, o := range outcomes {
		switch o {
		case Failed:
			failed++
		case Cancelled:
			cancelled++
		}
	}
	switch {
	case failed > 0 && failed == len(outcomes):
		return JobFailed
	case failed > 0:
		return JobPartialFailure
	case cancelled > 0:
		return JobCancelled
	default:
		return JobSucceeded
	}
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) Outcome(taskId string) (Outcome, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	o, ok := j.outcomes[taskId]
	return o, ok
}

// Result returns the merged search result. Nil for build jobs or before any task succeeded.
func (j *Job) Result() *SearchResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Err returns the errors of all failed tasks, or nil.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var result *multierror.Error
	for _, t := range j.tasks {
		if err, ok := j.errs[t.Id]; ok {
			result = multierror.Append(result, errors.WithMessagef(err, "task %s", t.Id))
		}
	}
	return result.ErrorOrNil()
}

// Done is closed once every task has an outcome.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job is complete or ctx is done.
func (j *Job) Wait(ctx context.Context) (JobStatus, error) {
	select {
	case <-j.done:
		return j.Status(), nil
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	}
}

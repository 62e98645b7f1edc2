package task

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
)

// Registry resolves job ids to jobs. Active jobs never expire; completed jobs are kept for the retention
// period so that clients can still fetch their status and results.
type Registry struct {
	jobs      *cache.Cache
	retention time.Duration
}

func NewRegistry(retention, cleanupInterval time.Duration) *Registry {
	return &Registry{
		jobs:      cache.New(cache.NoExpiration, cleanupInterval),
		retention: retention,
	}
}

func (r *Registry) Add(job *Job) error {
	if err := r.jobs.Add(job.Id, job, cache.NoExpiration); err != nil {
		return schederrors.Newf(schederrors.ValidationError, "registering job %s: %s", job.Id, err)
	}
	return nil
}

func (r *Registry) Get(id string) (*Job, error) {
	v, ok := r.jobs.Get(id)
	if !ok {
		return nil, schederrors.ErrNotFound("job", id)
	}
	return v.(*Job), nil
}

// Complete starts the retention period of a finished job.
func (r *Registry) Complete(job *Job) {
	r.jobs.Set(job.Id, job, r.retention)
}

// Active returns every job that has not completed yet.
func (r *Registry) Active() []*Job {
	var active []*Job
	for _, item := range r.jobs.Items() {
		job := item.Object.(*Job)
		if !job.Status().Terminal() {
			active = append(active, job)
		}
	}
	return active
}

func (r *Registry) Len() int {
	return r.jobs.ItemCount()
}

package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry(time.Minute, time.Minute)
	job := newSearchJob(1)
	require.NoError(t, registry.Add(job))
	assert.True(t, schederrors.Is(registry.Add(job), schederrors.ValidationError))

	got, err := registry.Get(job.Id)
	require.NoError(t, err)
	assert.Same(t, job, got)
	assert.Len(t, registry.Active(), 1)

	_, err = job.Record(job.Tasks()[0].Id, Succeeded, nil, nil)
	require.NoError(t, err)
	registry.Complete(job)
	assert.Empty(t, registry.Active())
	assert.Equal(t, 1, registry.Len())

	_, err = registry.Get("missing")
	assert.True(t, schederrors.Is(err, schederrors.NotFound))
}

func TestRegistry_CompletedJobsExpire(t *testing.T) {
	registry := NewRegistry(time.Millisecond, time.Hour)
	job := newSearchJob(1)
	require.NoError(t, registry.Add(job))
	registry.Complete(job)
	assert.Eventually(t, func() bool {
		_, err := registry.Get(job.Id)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

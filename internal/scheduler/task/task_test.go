package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
)

func TestParseEngineType(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected EngineType
		valid    bool
	}{
		"exact":      {input: "IVFSQ8H", expected: EngineIVFSQ8H, valid: true},
		"lower case": {input: "ivfpq", expected: EngineIVFPQ, valid: true},
		"padded":     {input: " flat ", expected: EngineFlat, valid: true},
		"unknown":    {input: "HNSW", valid: false},
		"empty":      {input: "", valid: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			engine, err := ParseEngineType(tc.input)
			if !tc.valid {
				assert.True(t, schederrors.Is(err, schederrors.ValidationError))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, engine)
		})
	}
}

func TestSetLabel_OnlyOnce(t *testing.T) {
	task := NewSearchTask(EngineIVFFlat, "segments/1")
	_, ok := task.Label()
	assert.False(t, ok)

	gpu := schedulerobjects.ResourceHandle{Name: "gpu0", Id: 1, Generation: 1}
	require.NoError(t, task.SetLabel(SpecResourceLabel(gpu, false)))

	err := task.SetLabel(BroadcastLabel())
	assert.True(t, schederrors.Is(err, schederrors.ValidationError))

	label, ok := task.Label()
	require.True(t, ok)
	assert.Equal(t, SpecResource, label.Type)
	assert.Equal(t, gpu, label.Resource)
	assert.False(t, label.Hybrid)
}

func TestNewFinishedTask(t *testing.T) {
	origin := NewBuildTask(EngineIVFSQ8, "raw/1", "index/1")
	origin.JobId = "job"
	sentinel := NewFinishedTask(origin)
	assert.Equal(t, Finished, sentinel.Kind)
	assert.Equal(t, origin.Id, sentinel.Id)
	assert.Equal(t, "job", sentinel.JobId)
	assert.Same(t, origin, sentinel.Origin)
	assert.Nil(t, sentinel.Build)
}

func TestLabelString(t *testing.T) {
	assert.Equal(t, "broadcast", BroadcastLabel().String())
	cpu := schedulerobjects.ResourceHandle{Name: "cpu", Id: 0, Generation: 1}
	assert.Equal(t, "spec(cpu, hybrid=true)", SpecResourceLabel(cpu, true).String())
}

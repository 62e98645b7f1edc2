package schedulerobjects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceKind(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected ResourceKind
		valid    bool
	}{
		"cpu":        {input: "cpu", expected: CPU, valid: true},
		"upper case": {input: "GPU", expected: GPU, valid: true},
		"padded":     {input: " fpga ", expected: FPGA, valid: true},
		"unknown":    {input: "tpu", valid: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			kind, err := ParseResourceKind(tc.input)
			if !tc.valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, kind)
			assert.Equal(t, kind, mustParse(t, kind.String()))
		})
	}
}

func TestIsAccelerator(t *testing.T) {
	assert.False(t, CPU.IsAccelerator())
	assert.True(t, GPU.IsAccelerator())
	assert.True(t, FPGA.IsAccelerator())
}

func TestResourceHandle(t *testing.T) {
	assert.True(t, ResourceHandle{}.IsZero())
	assert.Equal(t, "<none>", ResourceHandle{}.String())
	assert.Equal(t, "gpu0#3.2", ResourceHandle{Name: "gpu0", Id: 3, Generation: 2}.String())
}

func mustParse(t *testing.T, s string) ResourceKind {
	kind, err := ParseResourceKind(s)
	require.NoError(t, err)
	return kind
}

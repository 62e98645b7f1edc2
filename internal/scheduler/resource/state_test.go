package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := map[string]struct {
		from, to State
		allowed  bool
	}{
		"start to loading":        {from: Start, to: Loading, allowed: true},
		"loading to loaded":       {from: Loading, to: Loaded, allowed: true},
		"executing to moving":     {from: Executing, to: Moving, allowed: true},
		"executing to finished":   {from: Executing, to: Finished, allowed: true},
		"moving to moved":         {from: Moving, to: Moved, allowed: true},
		"start to finished":       {from: Start, to: Finished, allowed: true},
		"loading to failed":       {from: Loading, to: Failed, allowed: true},
		"loaded to loading":       {from: Loaded, to: Loading, allowed: false},
		"executing to executing":  {from: Executing, to: Executing, allowed: false},
		"finished to failed":      {from: Finished, to: Failed, allowed: false},
		"failed to finished":      {from: Failed, to: Finished, allowed: false},
		"moved to start":          {from: Moved, to: Start, allowed: false},
		"start to start":          {from: Start, to: Start, allowed: false},
		"loading to executing":    {from: Loading, to: Executing, allowed: true},
		"moving back to executed": {from: Moving, to: Executing, allowed: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "EXECUTING", Executing.String())
	assert.Equal(t, "State(42)", State(42).String())
}

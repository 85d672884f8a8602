package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_Valid(t *testing.T) {
	t.Parallel()
	for _, s := range []State{StateUnknown, StateStarting, StateRunning, StateDraining, StateStopped, StateFailed} {
		assert.True(t, s.Valid(), s.String())
	}
	for _, s := range []State{"", "paused", "RUNNING"} {
		assert.False(t, s.Valid(), "%q", s)
	}
}

func TestState_IsTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, StateStopped.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.False(t, StateDraining.IsTerminal())
}

func TestValidTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUnknown, StateStarting, true},
		{StateUnknown, StateRunning, false},
		{StateStarting, StateRunning, true},
		{StateStarting, StateDraining, true},
		{StateRunning, StateDraining, true},
		{StateRunning, StateStopped, false},
		{StateDraining, StateStopped, true},
		{StateDraining, StateRunning, false},
		{StateStopped, StateStarting, true},
		{StateFailed, StateStarting, true},
		{StateFailed, StateRunning, false},
		{StateRunning, StateRunning, false},
		{"bogus", StateStarting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to))
		})
	}
}

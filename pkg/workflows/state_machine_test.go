package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachine(t *testing.T) {
	sm := NewStateMachine()

	assert.True(t, sm.CanTransition(StateNone, StatePending))
	assert.True(t, sm.CanTransition(StateNone, StateAutoVerified))
	assert.True(t, sm.CanTransition(StatePending, StateApproved))
	assert.True(t, sm.CanTransition(StatePending, StateRejected))
	assert.True(t, sm.CanTransition(StateRejected, StatePending))

	assert.False(t, sm.CanTransition(StatePending, StatePending))
	assert.False(t, sm.CanTransition(StatePending, StateAutoVerified))
	assert.False(t, sm.CanTransition(StateApproved, StatePending))
	assert.False(t, sm.CanTransition(StateApproved, StateRejected))
	assert.False(t, sm.CanTransition(StateAutoVerified, StatePending))
	assert.False(t, sm.CanTransition("unknown", StatePending))

	assert.True(t, sm.IsFinal(StateApproved))
	assert.True(t, sm.IsFinal(StateAutoVerified))
	assert.False(t, sm.IsFinal(StateRejected))
	assert.False(t, sm.IsFinal(StatePending))
	assert.False(t, sm.IsFinal("unknown"))
}

package camera

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_Lifecycle(t *testing.T) {
	m := NewStateMachine()
	assert.Equal(t, StateEmpty, m.State())

	steps := []struct {
		t    Transition
		want DeviceState
	}{
		{TransitionOpen, StateWaiting},
		{TransitionStart, StateRunning},
		{TransitionStop, StateWaiting},
		{TransitionClose, StateClosed},
		{TransitionOpen, StateWaiting},
		{TransitionDestroy, StateDeleting},
	}
	for _, s := range steps {
		got, err := m.Apply(s.t)
		require.NoError(t, err, "遷移 %s", s.t)
		assert.Equal(t, s.want, got)
	}
}

func TestStateMachine_Noops(t *testing.T) {
	m := NewStateMachine()
	_, err := m.Apply(TransitionOpen)
	require.NoError(t, err)

	noop, err := m.Check(TransitionStop)
	require.NoError(t, err)
	assert.True(t, noop)

	_, err = m.Apply(TransitionClose)
	require.NoError(t, err)
	noop, err = m.Check(TransitionClose)
	require.NoError(t, err)
	assert.True(t, noop)

	_, err = m.Apply(TransitionDestroy)
	require.NoError(t, err)
	noop, err = m.Check(TransitionDestroy)
	require.NoError(t, err)
	assert.True(t, noop)
}

func TestStateMachine_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		setup []Transition
		t     Transition
	}{
		{"start before open", nil, TransitionStart},
		{"stop before open", nil, TransitionStop},
		{"close before open", nil, TransitionClose},
		{"double open", []Transition{TransitionOpen}, TransitionOpen},
		{"double start", []Transition{TransitionOpen, TransitionStart}, TransitionStart},
		{"open while running", []Transition{TransitionOpen, TransitionStart}, TransitionOpen},
		{"start after close", []Transition{TransitionOpen, TransitionClose}, TransitionStart},
		{"open after destroy", []Transition{TransitionDestroy}, TransitionOpen},
		{"close after destroy", []Transition{TransitionDestroy}, TransitionClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewStateMachine()
			for _, s := range tt.setup {
				_, err := m.Apply(s)
				require.NoError(t, err)
			}
			before := m.State()

			_, err := m.Apply(tt.t)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrState))

			var se *StateError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, before, se.State)
			assert.Equal(t, before, m.State(), "失敗した遷移で状態が変わってはいけない")
		})
	}
}

func TestStateMachine_Require(t *testing.T) {
	m := NewStateMachine()
	assert.ErrorIs(t, m.RequireOpen("GetFrame"), ErrState)

	_, err := m.Apply(TransitionOpen)
	require.NoError(t, err)
	assert.NoError(t, m.RequireOpen("GetFrame"))
	assert.ErrorIs(t, m.Require("SoftwareTrigger", StateRunning), ErrState)
}

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Verifies the state transitions and their names.
func TestStateTrackerTransitions(t *testing.T) {
	t.Parallel()
	var tracker stateTracker

	require.Equal(t, StateStopped, tracker.State())

	tracker.Set(StateRunning)
	require.Equal(t, StateRunning, tracker.State())
	assert.Equal(t, "running", tracker.State().String())

	tracker.Set(StatePaused)
	require.Equal(t, StatePaused, tracker.State())
	assert.Equal(t, "paused", tracker.State().String())
}

// Verifies that only the first MarkTerminated reports true.
func TestStateTrackerTerminatesOnce(t *testing.T) {
	t.Parallel()
	var tracker stateTracker

	require.False(t, tracker.Terminated())
	require.True(t, tracker.MarkTerminated())
	require.False(t, tracker.MarkTerminated())
	require.True(t, tracker.Terminated())
}

// Verifies that bracket suppression flags are consumed by a single take.
func TestStateTrackerBracketFlags(t *testing.T) {
	t.Parallel()
	var tracker stateTracker

	require.False(t, tracker.TakeBracketStop())

	tracker.ExpectBracketStop()
	require.True(t, tracker.TakeBracketStop())
	require.False(t, tracker.TakeBracketStop())

	tracker.ExpectBracketStop()
	tracker.CancelBracketStop()
	require.False(t, tracker.TakeBracketStop())

	tracker.ExpectBracketResume()
	require.True(t, tracker.TakeBracketResume())
	require.False(t, tracker.TakeBracketResume())
}

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/notewell/attend/pkg/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.BotState
		want     bool
	}{
		{models.BotStateScheduled, models.BotStateReady, true},
		{models.BotStateReady, models.BotStateStaged, true},
		{models.BotStateStaged, models.BotStateJoining, true},
		{models.BotStateJoining, models.BotStateJoinedNotRecording, true},
		{models.BotStateJoinedNotRecording, models.BotStateJoinedRecording, true},
		{models.BotStateJoinedRecording, models.BotStatePaused, true},
		{models.BotStatePaused, models.BotStateJoinedRecording, true},
		{models.BotStateJoinedRecording, models.BotStateLeaving, true},
		{models.BotStateLeaving, models.BotStatePostProcessing, true},
		{models.BotStatePostProcessing, models.BotStateEnded, true},

		// Recording never starts before admission.
		{models.BotStateJoining, models.BotStateJoinedRecording, false},
		// Staging is one-way; a staged bot never returns to the pool.
		{models.BotStateStaged, models.BotStateReady, false},
		// No resurrection from terminal states.
		{models.BotStateEnded, models.BotStateJoining, false},
		{models.BotStateEnded, models.BotStateFatalError, false},
		{models.BotStateFatalError, models.BotStateEnded, false},
		// Skipping LEAVING is not allowed.
		{models.BotStateJoinedRecording, models.BotStatePostProcessing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestFatalErrorReachableFromAnyNonTerminal(t *testing.T) {
	nonTerminal := []models.BotState{
		models.BotStateScheduled, models.BotStateReady, models.BotStateStaged,
		models.BotStateJoining, models.BotStateJoinedNotRecording,
		models.BotStateJoinedRecording, models.BotStatePaused,
		models.BotStateLeaving, models.BotStatePostProcessing,
	}
	for _, from := range nonTerminal {
		assert.True(t, CanTransition(from, models.BotStateFatalError), "%s", from)
	}
}

func TestSourcesOf(t *testing.T) {
	assert.ElementsMatch(t,
		[]models.BotState{models.BotStateJoinedNotRecording, models.BotStatePaused},
		SourcesOf(models.BotStateJoinedRecording))
	assert.ElementsMatch(t,
		[]models.BotState{models.BotStatePostProcessing},
		SourcesOf(models.BotStateEnded))
}

func TestValidPath(t *testing.T) {
	happy := []models.BotState{
		models.BotStateScheduled, models.BotStateReady, models.BotStateStaged,
		models.BotStateJoining, models.BotStateJoinedNotRecording,
		models.BotStateJoinedRecording, models.BotStatePaused,
		models.BotStateJoinedRecording, models.BotStateLeaving,
		models.BotStatePostProcessing, models.BotStateEnded,
	}
	assert.True(t, ValidPath(happy))

	assert.False(t, ValidPath([]models.BotState{
		models.BotStateStaged, models.BotStateJoinedRecording,
	}))
}

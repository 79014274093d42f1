// Package lifecycle implements the bot state machine. Every transition is
// validated against a closed table and recorded as a BotEvent in the same
// transaction that updates the bot row, under a row-level lock.
package lifecycle

import (
	"github.com/notewell/attend/pkg/models"
)

// transitions maps each state to its permitted successors. FATAL_ERROR is
// reachable from any non-terminal state and is handled separately.
var transitions = map[models.BotState][]models.BotState{
	models.BotStateScheduled: {models.BotStateReady},
	models.BotStateReady:     {models.BotStateStaged},
	models.BotStateStaged:    {models.BotStateJoining},
	models.BotStateJoining: {
		models.BotStateJoinedNotRecording,
		models.BotStateLeaving,
	},
	models.BotStateJoinedNotRecording: {
		models.BotStateJoinedRecording,
		models.BotStateLeaving,
	},
	models.BotStateJoinedRecording: {
		models.BotStatePaused,
		models.BotStateLeaving,
	},
	models.BotStatePaused: {
		models.BotStateJoinedRecording,
		models.BotStateLeaving,
	},
	models.BotStateLeaving:        {models.BotStatePostProcessing},
	models.BotStatePostProcessing: {models.BotStateEnded},
}

// CanTransition reports whether from → to is a valid edge.
func CanTransition(from, to models.BotState) bool {
	if to == models.BotStateFatalError {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every state from which `to` is reachable in one step.
func SourcesOf(to models.BotState) []models.BotState {
	if to == models.BotStateFatalError {
		sources := make([]models.BotState, 0, len(transitions)+2)
		for from := range transitions {
			sources = append(sources, from)
		}
		return sources
	}
	var sources []models.BotState
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// ValidPath reports whether the ordered state sequence is a walk through
// the machine. Used by tests and the debug API.
func ValidPath(states []models.BotState) bool {
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return false
		}
	}
	return true
}

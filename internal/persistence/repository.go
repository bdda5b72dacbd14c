package persistence

import (
	"errors"

	"spot-grid-bot-go/internal/models"
)

// StateVersion is the BotState layout written by this build.
const StateVersion = 1

// ErrIncompatibleState is returned when the stored state was written by a newer layout.
var ErrIncompatibleState = errors.New("incompatible persisted state version")

// StateRepository defines the interface for grid state persistence.
// It abstracts the underlying storage mechanism (BadgerDB, in-memory)
// from the control loop and the state manager.
type StateRepository interface {
	// SaveState atomically saves the latest grid snapshot of the symbol.
	SaveState(state *models.BotState) error

	// LoadState loads the snapshot of the symbol.
	// If no state is found, it returns (nil, nil).
	LoadState() (*models.BotState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

// cloneState deep-copies a snapshot so stored values never alias the caller's.
func cloneState(state *models.BotState) *models.BotState {
	if state == nil {
		return nil
	}
	c := *state
	if state.S1 != nil {
		levels := *state.S1
		c.S1 = &levels
	}
	return &c
}

func checkVersion(state *models.BotState) error {
	if state.Version > StateVersion {
		return ErrIncompatibleState
	}
	return nil
}

package persistence

import (
	"sync"

	"spot-grid-bot-go/internal/models"
)

// MemoryRepository keeps the snapshot in memory. Backtests use it so replays leave no files behind.
type MemoryRepository struct {
	mu    sync.Mutex
	state *models.BotState
	saves int
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// SaveState stores a copy of the snapshot.
func (r *MemoryRepository) SaveState(state *models.BotState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = cloneState(state)
	if r.state != nil && r.state.Version == 0 {
		r.state.Version = StateVersion
	}
	r.saves++
	return nil
}

// LoadState returns a copy of the last saved snapshot, or (nil, nil).
func (r *MemoryRepository) LoadState() (*models.BotState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil, nil
	}
	if err := checkVersion(r.state); err != nil {
		return nil, err
	}
	return cloneState(r.state), nil
}

// Saves reports how many snapshots were written.
func (r *MemoryRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

// Close is a no-op.
func (r *MemoryRepository) Close() error {
	return nil
}

package statemanager

import (
	"sync"
	"time"

	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// StateManager persists grid snapshots off the control loop goroutine.
// Submissions never block: only the newest snapshot is kept and older unsaved ones are replaced.
type StateManager struct {
	repo   persistence.StateRepository
	logger *zap.Logger

	mu        sync.RWMutex
	state     *models.BotState
	submitted uint64
	saved     uint64

	persistenceChan chan struct{}
	stopChan        chan struct{}
	doneChan        chan struct{}
	startOnce       sync.Once
	stopOnce        sync.Once
}

// NewStateManager creates a new StateManager.
func NewStateManager(initialState *models.BotState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	return &StateManager{
		repo:            repo,
		logger:          logger,
		state:           copyState(initialState),
		persistenceChan: make(chan struct{}, 1),
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// Start begins the persistence loop.
func (sm *StateManager) Start() {
	sm.startOnce.Do(func() {
		go sm.persistenceLoop()
		sm.logger.Sugar().Info("StateManager started.")
	})
}

// Stop stops the loop and flushes the last unsaved snapshot.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.startOnce.Do(func() { close(sm.doneChan) })
		<-sm.doneChan
		sm.flush()
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// Submit records a new snapshot and schedules it for persistence.
func (sm *StateManager) Submit(state models.BotState) {
	if state.LastUpdateTime.IsZero() {
		state.LastUpdateTime = time.Now()
	}
	sm.mu.Lock()
	sm.state = copyState(&state)
	sm.submitted++
	sm.mu.Unlock()

	select {
	case sm.persistenceChan <- struct{}{}:
	default:
	}
}

// GetStateSnapshot returns a deep copy of the latest submitted state.
func (sm *StateManager) GetStateSnapshot() *models.BotState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return copyState(sm.state)
}

// Pending reports whether a submitted snapshot has not been written yet.
func (sm *StateManager) Pending() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.saved != sm.submitted
}

func copyState(state *models.BotState) *models.BotState {
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

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer close(sm.doneChan)
	for {
		select {
		case <-sm.persistenceChan:
			sm.flush()
		case <-sm.stopChan:
			return
		}
	}
}

func (sm *StateManager) flush() {
	sm.mu.RLock()
	seq := sm.submitted
	pending := sm.saved != seq
	toSave := copyState(sm.state)
	sm.mu.RUnlock()

	if !pending || toSave == nil || sm.repo == nil {
		return
	}
	if err := sm.repo.SaveState(toSave); err != nil {
		sm.logger.Sugar().Errorf("CRITICAL: Failed to save state: %v", err)
		return
	}

	sm.mu.Lock()
	if seq > sm.saved {
		sm.saved = seq
	}
	sm.mu.Unlock()
}

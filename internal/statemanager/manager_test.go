package statemanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStateRepository is a mock implementation of the StateRepository interface for testing.
type mockStateRepository struct {
	sync.Mutex
	savedState   *models.BotState
	saveCount    int
	saveError    error
	block        chan struct{}
	saveDoneChan chan bool
}

func newMockStateRepository() *mockStateRepository {
	return &mockStateRepository{
		saveDoneChan: make(chan bool, 16),
	}
}

func (m *mockStateRepository) SaveState(state *models.BotState) error {
	if m.block != nil {
		<-m.block
	}
	m.Lock()
	defer m.Unlock()

	copied := *state
	m.savedState = &copied
	m.saveCount++
	m.saveDoneChan <- true
	return m.saveError
}

func (m *mockStateRepository) LoadState() (*models.BotState, error) {
	return nil, nil
}

func (m *mockStateRepository) Close() error {
	return nil
}

func (m *mockStateRepository) getSavedState() *models.BotState {
	m.Lock()
	defer m.Unlock()
	return m.savedState
}

func (m *mockStateRepository) count() int {
	m.Lock()
	defer m.Unlock()
	return m.saveCount
}

func waitSave(t *testing.T, repo *mockStateRepository) {
	t.Helper()
	select {
	case <-repo.saveDoneChan:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state to be saved")
	}
}

func gridState(base float64) models.BotState {
	return models.BotState{
		BotID:  "test-bot",
		Symbol: "BNBUSDT",
		Grid:   models.GridSnapshot{BasePrice: base, GridWidth: 2, Mode: "FLAT"},
	}
}

func TestNewStateManager(t *testing.T) {
	sm := NewStateManager(&models.BotState{BotID: "test-bot"}, newMockStateRepository(), zap.NewNop())
	require.NotNil(t, sm)

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, "test-bot", snapshot.BotID)
	assert.False(t, sm.Pending())
}

func TestSubmitPersistsAsynchronously(t *testing.T) {
	repo := newMockStateRepository()
	repo.block = make(chan struct{})
	sm := NewStateManager(nil, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	sm.Submit(gridState(100))

	// Submit returns while the repository is still blocked
	assert.Equal(t, 0, repo.count())
	assert.True(t, sm.Pending())
	assert.Equal(t, 100.0, sm.GetStateSnapshot().Grid.BasePrice)

	close(repo.block)
	waitSave(t, repo)

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Equal(t, 100.0, saved.Grid.BasePrice)
	assert.False(t, saved.LastUpdateTime.IsZero())
	assert.Eventually(t, func() bool { return !sm.Pending() }, time.Second, 10*time.Millisecond)
}

func TestSubmitKeepsLatest(t *testing.T) {
	repo := newMockStateRepository()
	repo.block = make(chan struct{})
	sm := NewStateManager(nil, repo, zap.NewNop())
	sm.Start()

	sm.Submit(gridState(100))
	// the loop is blocked inside the first save; the next two collapse into one
	sm.Submit(gridState(101))
	sm.Submit(gridState(102))

	close(repo.block)
	sm.Stop()

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Equal(t, 102.0, saved.Grid.BasePrice)
	assert.LessOrEqual(t, repo.count(), 3)
	assert.False(t, sm.Pending())
}

func TestStopFlushesWithoutStart(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(nil, repo, zap.NewNop())
	sm.Submit(gridState(97.9))
	sm.Stop()
	sm.Stop()

	assert.Equal(t, 1, repo.count())
	assert.Equal(t, 97.9, repo.getSavedState().Grid.BasePrice)
}

func TestSaveErrorKeepsPending(t *testing.T) {
	repo := newMockStateRepository()
	repo.saveError = errors.New("disk full")
	sm := NewStateManager(nil, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	sm.Submit(gridState(100))
	waitSave(t, repo)
	assert.True(t, sm.Pending())
}

func TestSnapshotIsACopy(t *testing.T) {
	sm := NewStateManager(nil, newMockStateRepository(), zap.NewNop())
	s := gridState(100)
	s.S1 = &models.S1Levels{High: 120, Low: 80}
	sm.Submit(s)

	s.S1.High = 1
	snap := sm.GetStateSnapshot()
	snap.S1.Low = 1

	again := sm.GetStateSnapshot()
	assert.Equal(t, 120.0, again.S1.High)
	assert.Equal(t, 80.0, again.S1.Low)
}

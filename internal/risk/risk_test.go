package risk

import (
	"math"
	"testing"

	"spot-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestManager() (*Manager, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := NewManager(models.TradingConfig{MinPositionRatio: 0.1, MaxPositionRatio: 0.9}, zap.New(core))
	return m, logs
}

func TestEvaluateBounds(t *testing.T) {
	m, _ := newTestManager()

	assert.False(t, m.Evaluate(0.5).Paused)
	assert.False(t, m.Evaluate(0.1).Paused)
	assert.False(t, m.Evaluate(0.9).Paused)
	assert.True(t, m.Evaluate(0.09).Paused)
	assert.True(t, m.Paused())
	assert.True(t, m.Evaluate(0.95).Paused)
	assert.True(t, m.Evaluate(math.NaN()).Paused)
	assert.False(t, m.Evaluate(0.4).Paused)
	assert.False(t, m.Paused())
}

func TestEvaluateLogsOnlySignificantChanges(t *testing.T) {
	m, logs := newTestManager()

	m.Evaluate(0.5)
	m.Evaluate(0.5005)
	m.Evaluate(0.5009)
	assert.Equal(t, 1, logs.Len())

	m.Evaluate(0.5021)
	assert.Equal(t, 2, logs.Len())

	m.Evaluate(0.95)
	assert.Equal(t, 3, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[2].Level)
}

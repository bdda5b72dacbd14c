package grid

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testGridConfig() models.GridConfig {
	return models.GridConfig{
		Initial:     2.0,
		Min:         1.0,
		Max:         4.0,
		FlipDivisor: 5,
		VolatilityRanges: []models.VolatilityRange{
			{Low: 0, High: 0.20, Grid: 1.0},
			{Low: 0.20, High: 0.40, Grid: 1.5},
			{Low: 0.40, High: 0.60, Grid: 2.0},
			{Low: 0.60, High: 0.80, Grid: 2.5},
			{Low: 0.80, High: 1.00, Grid: 3.0},
			{Low: 1.00, High: 1.20, Grid: 3.5},
			{Low: 1.20, High: 0, Grid: 4.0},
		},
		CadenceRules: []models.CadenceRule{
			{MaxVolatility: 0.20, IntervalMinutes: 240},
			{MaxVolatility: 0.40, IntervalMinutes: 120},
			{MaxVolatility: 0.60, IntervalMinutes: 60},
			{MaxVolatility: 0.80, IntervalMinutes: 30},
			{MaxVolatility: 1.20, IntervalMinutes: 15},
			{MaxVolatility: 0, IntervalMinutes: 5},
		},
		MinAdjustIntervalMins: 5,
	}
}

func newTestMachine(t *testing.T, base, width float64) *StateMachine {
	t.Helper()
	sm, err := NewStateMachine(base, width, testGridConfig(), zap.NewNop())
	require.NoError(t, err)
	return sm
}

func feed(t *testing.T, sm *StateMachine, prices ...float64) []*Signal {
	t.Helper()
	var signals []*Signal
	for _, p := range prices {
		sig, err := sm.Observe(p)
		require.NoError(t, err)
		if sig != nil {
			signals = append(signals, sig)
		}
	}
	return signals
}

func TestFlipThreshold(t *testing.T) {
	assert.InDelta(t, 0.004, FlipThreshold(2.0), 1e-15)
	for w := 1.0; w <= 4.0; w += 0.25 {
		assert.InDelta(t, w/500, FlipThreshold(w), 1e-15)
	}
}

func TestBuySequenceTriggersExactlyOnce(t *testing.T) {
	sm := newTestMachine(t, 100, 2.0)
	signals := feed(t, sm, 100, 97.9, 97.9, 98.3)

	require.Len(t, signals, 1)
	assert.Equal(t, models.Buy, signals[0].Side)
	assert.Equal(t, 97.9, signals[0].Extreme)
	assert.Equal(t, 98.3, signals[0].Price)
	assert.Equal(t, Flat, sm.Mode())
	assert.Equal(t, 100.0, sm.BasePrice(), "base price only moves on a confirmed fill")
}

func TestBuyTriggerBoundary(t *testing.T) {
	boundary := 97.9 * (1 + FlipThreshold(2.0))

	sm := newTestMachine(t, 100, 2.0)
	feed(t, sm, 97.9)
	sig, err := sm.Observe(boundary)
	require.NoError(t, err)
	require.NotNil(t, sig, "price exactly at extreme*(1+threshold) must trigger")

	sm = newTestMachine(t, 100, 2.0)
	feed(t, sm, 97.9, 97.95)
	sig, err = sm.Observe(math.Nextafter(boundary, 0))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestSellTriggerBoundary(t *testing.T) {
	boundary := 102.5 * (1 - FlipThreshold(2.0))

	sm := newTestMachine(t, 100, 2.0)
	signals := feed(t, sm, 102.1, 102.5, boundary)
	require.Len(t, signals, 1)
	assert.Equal(t, models.Sell, signals[0].Side)
	assert.Equal(t, 102.5, signals[0].Extreme)
}

func TestWatchTracksExtreme(t *testing.T) {
	sm := newTestMachine(t, 100, 2.0)
	feed(t, sm, 97.5, 97.0, 97.2, 96.8)
	snap := sm.Snapshot()
	assert.Equal(t, string(BuyWatch), snap.Mode)
	assert.Equal(t, 96.8, snap.ExtremePrice)

	sm = newTestMachine(t, 100, 2.0)
	feed(t, sm, 102.5, 103, 102.8)
	snap = sm.Snapshot()
	assert.Equal(t, string(SellWatch), snap.Mode)
	assert.Equal(t, 103.0, snap.ExtremePrice)
}

func TestWatchAbandonedWhenPriceReturnsInsideBand(t *testing.T) {
	sm := newTestMachine(t, 100, 4.0)
	// 下轨 96, 阈值 0.8%: 反转价为 95.0 × 1.008 = 95.76
	feed(t, sm, 95.0)
	assert.Equal(t, BuyWatch, sm.Mode())
	signals := feed(t, sm, 95.5)
	assert.Empty(t, signals)
	signals = feed(t, sm, 95.7)
	assert.Empty(t, signals)

	sm = newTestMachine(t, 100, 4.0)
	feed(t, sm, 95.0, 96.5)
	// 96.5 >= 95.76 会先触发
	assert.Equal(t, Flat, sm.Mode())

	sm = newTestMachine(t, 100, 1.0)
	// 下轨 99, 阈值 0.2%: 98.9 × 1.002 = 99.0978
	feed(t, sm, 98.9)
	signals = feed(t, sm, 99.05)
	assert.Empty(t, signals)
	snap := sm.Snapshot()
	assert.Equal(t, string(Flat), snap.Mode)
	assert.Zero(t, snap.ExtremePrice, "extreme must be cleared when the watch is abandoned")
}

func TestExtremeSetIffWatching(t *testing.T) {
	sm := newTestMachine(t, 100, 2.0)
	prices := []float64{100, 99, 97.9, 97.6, 98.1, 101, 102.3, 102.9, 102.4, 100, 97, 97.5}
	for _, p := range prices {
		_, err := sm.Observe(p)
		require.NoError(t, err)
		snap := sm.Snapshot()
		if snap.Mode == string(Flat) {
			assert.Zero(t, snap.ExtremePrice, "price %.2f", p)
		} else {
			assert.Positive(t, snap.ExtremePrice, "price %.2f", p)
		}
	}
}

func TestInvalidPriceLeavesStateUntouched(t *testing.T) {
	sm := newTestMachine(t, 100, 2.0)
	feed(t, sm, 97.5)
	before := sm.Snapshot()

	for _, p := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		sig, err := sm.Observe(p)
		assert.ErrorIs(t, err, ErrInvalidPrice)
		assert.Nil(t, sig)
	}
	assert.Equal(t, before, sm.Snapshot())
	assert.ErrorIs(t, sm.ConfirmFill(models.Buy, 0), ErrInvalidPrice)

	_, err := NewStateMachine(0, 2, testGridConfig(), zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestConfirmFillMovesBasePrice(t *testing.T) {
	sm := newTestMachine(t, 100, 2.0)
	feed(t, sm, 97.5, 97.9)
	require.NoError(t, sm.ConfirmFill(models.Buy, 97.92))

	snap := sm.Snapshot()
	assert.Equal(t, 97.92, snap.BasePrice)
	assert.Equal(t, string(Flat), snap.Mode)
	assert.InDelta(t, 97.92*1.02, snap.UpperBand, 1e-9)
	assert.InDelta(t, 97.92*0.98, snap.LowerBand, 1e-9)
}

func TestSetGridWidthRejectedMidWatch(t *testing.T) {
	sm := newTestMachine(t, 100, 2.0)
	feed(t, sm, 97.5)

	width, err := sm.SetGridWidth(3.0)
	assert.ErrorIs(t, err, ErrWatchInProgress)
	assert.Equal(t, 2.0, width)
	assert.Equal(t, 2.0, sm.GridWidth())

	feed(t, sm, 97.9)
	width, err = sm.SetGridWidth(10)
	require.NoError(t, err)
	assert.Equal(t, 4.0, width)
}

func TestRestoreResetsMode(t *testing.T) {
	sm := newTestMachine(t, 100, 2.0)
	feed(t, sm, 97.5)
	require.NoError(t, sm.Restore(612.3, 3.5))
	snap := sm.Snapshot()
	assert.Equal(t, 612.3, snap.BasePrice)
	assert.Equal(t, 3.5, snap.GridWidth)
	assert.Equal(t, string(Flat), snap.Mode)
}

func TestSizerWidthAlwaysWithinBounds(t *testing.T) {
	s := NewSizer(testGridConfig())
	cases := map[float64]float64{
		0:    1.0,
		0.19: 1.0,
		0.2:  1.5,
		0.45: 2.0,
		0.79: 2.5,
		0.8:  3.0,
		1.1:  3.5,
		1.2:  4.0,
		50:   4.0,
	}
	for vol, want := range cases {
		assert.Equal(t, want, s.WidthFor(vol), "vol=%v", vol)
	}
	for _, vol := range []float64{-1, math.NaN(), math.Inf(1), math.MaxFloat64} {
		w := s.WidthFor(vol)
		assert.GreaterOrEqual(t, w, 1.0)
		assert.LessOrEqual(t, w, 4.0)
	}
}

func TestSizerClampsTableOutsideBounds(t *testing.T) {
	cfg := testGridConfig()
	cfg.Min, cfg.Max = 1.5, 3.0
	s := NewSizer(cfg)
	assert.Equal(t, 1.5, s.WidthFor(0))
	assert.Equal(t, 3.0, s.WidthFor(5))
}

func TestSizerLastRangeIsOpenEnded(t *testing.T) {
	cfg := testGridConfig()
	cfg.VolatilityRanges = []models.VolatilityRange{
		{Low: 0, High: 0.5, Grid: 1.0},
		{Low: 0.5, High: 1.0, Grid: 4.0},
	}
	cfg.CadenceRules = []models.CadenceRule{
		{MaxVolatility: 0.5, IntervalMinutes: 60},
		{MaxVolatility: 1.0, IntervalMinutes: 10},
	}
	s := NewSizer(cfg)

	assert.Equal(t, 1.0, s.WidthFor(0.3))
	assert.Equal(t, 4.0, s.WidthFor(0.9))
	assert.Equal(t, 4.0, s.WidthFor(1.0))
	assert.Equal(t, 4.0, s.WidthFor(5.0))
	assert.Equal(t, 4.0, s.WidthFor(math.Inf(1)))

	assert.Equal(t, 10*time.Minute, s.IntervalFor(5.0))
}

func TestSizerCadence(t *testing.T) {
	s := NewSizer(testGridConfig())
	assert.Equal(t, 240*time.Minute, s.IntervalFor(0.1))
	assert.Equal(t, 120*time.Minute, s.IntervalFor(0.3))
	assert.Equal(t, 60*time.Minute, s.IntervalFor(0.5))
	assert.Equal(t, 30*time.Minute, s.IntervalFor(0.7))
	assert.Equal(t, 15*time.Minute, s.IntervalFor(1.0))
	assert.Equal(t, 5*time.Minute, s.IntervalFor(3))

	cfg := testGridConfig()
	cfg.CadenceRules = []models.CadenceRule{{MaxVolatility: 0, IntervalMinutes: 1}}
	assert.Equal(t, 5*time.Minute, NewSizer(cfg).IntervalFor(2), "floor applies")
}

type fixedVol struct {
	vol   float64
	err   error
	calls int
}

func (f *fixedVol) Estimate(ctx context.Context) (float64, error) {
	f.calls++
	return f.vol, f.err
}

func TestResizerOnlyRunsWhenFlat(t *testing.T) {
	sm := newTestMachine(t, 100, 2.0)
	src := &fixedVol{vol: 1.5}
	r := NewResizer(sm, NewSizer(testGridConfig()), src, zap.NewNop())
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	feed(t, sm, 97.5)
	changed, err := r.MaybeResize(context.Background(), now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, src.calls)
	assert.Equal(t, 2.0, sm.GridWidth(), "width must not change mid-watch")

	feed(t, sm, 97.9)
	changed, err = r.MaybeResize(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 4.0, sm.GridWidth())
	assert.Equal(t, 1.5, r.LastVolatility())
	assert.Equal(t, now.Add(time.Second+5*time.Minute), r.NextCheck())
}

func TestResizerRespectsCadence(t *testing.T) {
	sm := newTestMachine(t, 100, 2.0)
	src := &fixedVol{vol: 0.1}
	r := NewResizer(sm, NewSizer(testGridConfig()), src, zap.NewNop())
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	changed, err := r.MaybeResize(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1.0, sm.GridWidth())

	_, _ = r.MaybeResize(context.Background(), now.Add(3*time.Hour))
	assert.Equal(t, 1, src.calls)
	_, _ = r.MaybeResize(context.Background(), now.Add(4*time.Hour))
	assert.Equal(t, 2, src.calls)
}

func TestResizerBacksOffOnError(t *testing.T) {
	sm := newTestMachine(t, 100, 2.0)
	src := &fixedVol{err: errors.New("klines timeout")}
	r := NewResizer(sm, NewSizer(testGridConfig()), src, zap.NewNop())
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := r.MaybeResize(context.Background(), now)
	assert.Error(t, err)
	assert.Equal(t, now.Add(5*time.Minute), r.NextCheck())
	assert.Equal(t, 2.0, sm.GridWidth())
}

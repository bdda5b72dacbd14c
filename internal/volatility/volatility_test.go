package volatility

import (
	"context"
	"errors"
	"math"
	"testing"

	"spot-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFeed struct {
	candles      []models.Candle
	err          error
	lastInterval string
	lastLimit    int
}

func (s *stubFeed) GetPrice(ctx context.Context, symbol string) (float64, error) { return 0, nil }

func (s *stubFeed) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	s.lastInterval = interval
	s.lastLimit = limit
	return s.candles, s.err
}

func (s *stubFeed) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	return nil, nil
}

func TestAnnualizedDegenerateInputs(t *testing.T) {
	assert.Equal(t, 0.0, Annualized(nil, 8760))
	assert.Equal(t, 0.0, Annualized([]float64{100}, 8760))
	assert.Equal(t, 0.0, Annualized([]float64{0, -1, 100}, 8760))
	assert.Equal(t, 0.0, Annualized([]float64{100, 100, 100}, 8760))
	assert.Equal(t, 0.0, Annualized([]float64{100, 110}, 0))
}

func TestAnnualizedKnownValue(t *testing.T) {
	// 收益率 +r, -r 交替, 均值为0, 总体标准差为 r
	r := math.Log(1.01)
	closes := []float64{100, 101, 100, 101, 100}
	got := Annualized(closes, 8760)
	assert.InDelta(t, r*math.Sqrt(8760), got, 1e-9)
}

func TestAnnualizedSkipsNonPositiveCloses(t *testing.T) {
	withGap := Annualized([]float64{100, 0, 101, 100}, 8760)
	clean := Annualized([]float64{100, 101, 100}, 8760)
	assert.InDelta(t, clean, withGap, 1e-12)
}

func TestEstimatorUsesConfiguredWindow(t *testing.T) {
	feed := &stubFeed{candles: []models.Candle{{Close: 100}, {Close: 101}, {Close: 100}}}
	est := NewEstimator(feed, "BNBUSDT", models.VolatilityConfig{Window: 24, Interval: "1h", PeriodsPerYear: 8760})

	v, err := est.Estimate(context.Background())
	require.NoError(t, err)
	assert.Greater(t, v, 0.0)
	assert.Equal(t, "1h", feed.lastInterval)
	assert.Equal(t, 24, feed.lastLimit)
}

func TestEstimatorPropagatesFeedError(t *testing.T) {
	feed := &stubFeed{err: errors.New("timeout")}
	est := NewEstimator(feed, "BNBUSDT", models.VolatilityConfig{Window: 24, Interval: "1h", PeriodsPerYear: 8760})
	_, err := est.Estimate(context.Background())
	assert.Error(t, err)
}

package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyExchange 前 N 次查询返回网络错误
type flakyExchange struct {
	*BacktestExchange
	priceFailures int
	priceCalls    int
	orderCalls    int
}

func (f *flakyExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	f.priceCalls++
	if f.priceCalls <= f.priceFailures {
		return 0, &net.OpError{Op: "dial", Err: errors.New("i/o timeout")}
	}
	return f.BacktestExchange.GetPrice(ctx, symbol)
}

func (f *flakyExchange) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, price float64, clientID string) (*models.OrderHandle, error) {
	f.orderCalls++
	return nil, errors.New("i/o timeout")
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Logger: zap.NewNop()}
}

func TestRetryingExchangeRetriesTransientReads(t *testing.T) {
	sim := newTestSim(100, 0)
	sim.SetPrice(612, 612, 612, 612, t0)
	inner := &flakyExchange{BacktestExchange: sim, priceFailures: 2}

	ex := NewRetryingExchange(inner, testPolicy())
	price, err := ex.GetPrice(context.Background(), "BNBUSDT")
	require.NoError(t, err)
	assert.Equal(t, 612.0, price)
	assert.Equal(t, 3, inner.priceCalls)
}

func TestRetryingExchangeSurfacesAfterMaxAttempts(t *testing.T) {
	sim := newTestSim(100, 0)
	sim.SetPrice(612, 612, 612, 612, t0)
	inner := &flakyExchange{BacktestExchange: sim, priceFailures: 10}

	ex := NewRetryingExchange(inner, testPolicy())
	_, err := ex.GetPrice(context.Background(), "BNBUSDT")
	assert.Error(t, err)
	assert.Equal(t, 3, inner.priceCalls)
}

func TestRetryingExchangeNeverRetriesOrderPlacement(t *testing.T) {
	inner := &flakyExchange{BacktestExchange: newTestSim(100, 0)}
	ex := NewRetryingExchange(inner, testPolicy())

	_, err := ex.PlaceLimitOrder(context.Background(), "BNBUSDT", models.Buy, 1, 1, "x")
	assert.Error(t, err)
	assert.Equal(t, 1, inner.orderCalls)
}

func TestRetryingExchangeDoesNotRetryOrderNotFound(t *testing.T) {
	sim := newTestSim(100, 0)
	ex := NewRetryingExchange(sim, testPolicy())
	err := ex.CancelOrder(context.Background(), "BNBUSDT", 42)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&net.OpError{Op: "read", Err: errors.New("connection reset by peer")}))
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", ErrRateLimited)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(fmt.Errorf("wrap: %w", ErrInsufficientBalance)))
	assert.False(t, IsTransient(ErrOrderNotFound))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("invalid symbol")))
}

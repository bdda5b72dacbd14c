package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorQuantityNeverRoundsUp(t *testing.T) {
	rules := &SymbolRules{StepSize: 0.001, TickSize: 0.01}

	assert.Equal(t, 1.234, rules.FloorQuantity(1.23456))
	assert.Equal(t, 1.234, rules.FloorQuantity(1.2349999))
	assert.Equal(t, 0.0, rules.FloorQuantity(0.0009))
	assert.Equal(t, 0.0, rules.FloorQuantity(-3))
	assert.Equal(t, 612.34, rules.FloorPrice(612.349))
}

func TestFloorQuantityWithoutStep(t *testing.T) {
	rules := &SymbolRules{}
	assert.Equal(t, 1.23456, rules.FloorQuantity(1.23456))
}

func TestMeetsMinimum(t *testing.T) {
	rules := &SymbolRules{StepSize: 0.001, MinQty: 0.001, MinNotional: 10}

	assert.True(t, rules.MeetsMinimum(0.02, 600))
	assert.False(t, rules.MeetsMinimum(0.01, 600), "6 USDT is below min notional")
	assert.False(t, rules.MeetsMinimum(0.0005, 100000), "below min qty")
	assert.False(t, rules.MeetsMinimum(0, 600))
}

func TestOrderTransitionIsFinalOnceTerminal(t *testing.T) {
	now := time.Now()
	order := &Order{ClientOrderID: "abc", Status: OrderPending}

	require.NoError(t, order.Transition(OrderFilled, now))
	assert.Equal(t, OrderFilled, order.Status)

	err := order.Transition(OrderCancelled, now.Add(time.Second))
	assert.Error(t, err)
	assert.Equal(t, OrderFilled, order.Status)
	assert.Equal(t, now, order.UpdatedAt)
}

func TestOrderBookTopOfBook(t *testing.T) {
	book := &OrderBook{
		Bids: []PriceLevel{{Price: 99.9, Quantity: 1}},
		Asks: []PriceLevel{{Price: 100.1, Quantity: 2}},
	}
	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, 99.9, bid)
	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, 100.1, ask)

	var empty *OrderBook
	_, ok = empty.BestAsk()
	assert.False(t, ok)
}

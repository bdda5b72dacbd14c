package exchange

import (
	"context"

	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/retry"
)

// RetryingExchange 为幂等的查询/撤单请求套上重试策略。
// 下单与划转不在这里重试, 由调用方在重新查询状态后决定。
type RetryingExchange struct {
	Exchange
	policy retry.Policy
}

// NewRetryingExchange 包装一个交易所实现, 未设置 Retryable 时使用 IsTransient
func NewRetryingExchange(inner Exchange, policy retry.Policy) *RetryingExchange {
	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}
	return &RetryingExchange{Exchange: inner, policy: policy}
}

func (r *RetryingExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := r.policy.Do(ctx, "GetPrice", func() error {
		var err error
		price, err = r.Exchange.GetPrice(ctx, symbol)
		return err
	})
	return price, err
}

func (r *RetryingExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	var candles []models.Candle
	err := r.policy.Do(ctx, "GetCandles", func() error {
		var err error
		candles, err = r.Exchange.GetCandles(ctx, symbol, interval, limit)
		return err
	})
	return candles, err
}

func (r *RetryingExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	var book *models.OrderBook
	err := r.policy.Do(ctx, "GetOrderBook", func() error {
		var err error
		book, err = r.Exchange.GetOrderBook(ctx, symbol, depth)
		return err
	})
	return book, err
}

func (r *RetryingExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderInfo, error) {
	var info *models.OrderInfo
	err := r.policy.Do(ctx, "GetOrder", func() error {
		var err error
		info, err = r.Exchange.GetOrder(ctx, symbol, orderID)
		return err
	})
	return info, err
}

func (r *RetryingExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return r.policy.Do(ctx, "CancelOrder", func() error {
		return r.Exchange.CancelOrder(ctx, symbol, orderID)
	})
}

func (r *RetryingExchange) GetSymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error) {
	var rules *models.SymbolRules
	err := r.policy.Do(ctx, "GetSymbolRules", func() error {
		var err error
		rules, err = r.Exchange.GetSymbolRules(ctx, symbol)
		return err
	})
	return rules, err
}

func (r *RetryingExchange) GetSpotBalances(ctx context.Context) (map[string]models.AssetBalance, error) {
	var balances map[string]models.AssetBalance
	err := r.policy.Do(ctx, "GetSpotBalances", func() error {
		var err error
		balances, err = r.Exchange.GetSpotBalances(ctx)
		return err
	})
	return balances, err
}

func (r *RetryingExchange) GetYieldBalances(ctx context.Context) (map[string]float64, error) {
	var balances map[string]float64
	err := r.policy.Do(ctx, "GetYieldBalances", func() error {
		var err error
		balances, err = r.Exchange.GetYieldBalances(ctx)
		return err
	})
	return balances, err
}

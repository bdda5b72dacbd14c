package volatility

import (
	"context"
	"fmt"
	"math"

	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/models"
)

// Annualized 根据收盘价序列计算年化波动率: 对数收益率的总体标准差 × sqrt(periodsPerYear)。
// 非正收盘价会被跳过; 有效收盘价少于2个时返回0。
func Annualized(closes []float64, periodsPerYear float64) float64 {
	valid := make([]float64, 0, len(closes))
	for _, c := range closes {
		if c > 0 && !math.IsInf(c, 0) && !math.IsNaN(c) {
			valid = append(valid, c)
		}
	}
	if len(valid) < 2 || periodsPerYear <= 0 {
		return 0
	}

	returns := make([]float64, len(valid)-1)
	var sum float64
	for i := 1; i < len(valid); i++ {
		r := math.Log(valid[i] / valid[i-1])
		returns[i-1] = r
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance) * math.Sqrt(periodsPerYear)
}

// Estimator 从行情源拉取最近的K线并计算年化波动率
type Estimator struct {
	feed           exchange.PriceFeed
	symbol         string
	interval       string
	window         int
	periodsPerYear float64
}

// NewEstimator 创建波动率估算器
func NewEstimator(feed exchange.PriceFeed, symbol string, cfg models.VolatilityConfig) *Estimator {
	return &Estimator{
		feed:           feed,
		symbol:         symbol,
		interval:       cfg.Interval,
		window:         cfg.Window,
		periodsPerYear: cfg.PeriodsPerYear,
	}
}

// Estimate 返回当前年化波动率, K线不足时返回0
func (e *Estimator) Estimate(ctx context.Context) (float64, error) {
	candles, err := e.feed.GetCandles(ctx, e.symbol, e.interval, e.window)
	if err != nil {
		return 0, fmt.Errorf("获取 %s K线失败: %w", e.interval, err)
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return Annualized(closes, e.periodsPerYear), nil
}

package models

import (
	"github.com/shopspring/decimal"
)

// SymbolRules 交易对的精度与最小下单限制, 运行时从交易所元数据读取
type SymbolRules struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	StepSize    float64 // LOT_SIZE.stepSize
	TickSize    float64 // PRICE_FILTER.tickSize
	MinQty      float64 // LOT_SIZE.minQty
	MinNotional float64 // MIN_NOTIONAL / NOTIONAL
}

// FloorQuantity 将数量向下取整到 stepSize, 绝不向上取整
func (r *SymbolRules) FloorQuantity(qty float64) float64 {
	return floorToStep(qty, r.StepSize)
}

// FloorPrice 将价格向下取整到 tickSize
func (r *SymbolRules) FloorPrice(price float64) float64 {
	return floorToStep(price, r.TickSize)
}

// MeetsMinimum 检查数量与名义价值是否满足交易所最小限制
func (r *SymbolRules) MeetsMinimum(qty, price float64) bool {
	if qty <= 0 || qty < r.MinQty {
		return false
	}
	return qty*price >= r.MinNotional
}

func floorToStep(value, step float64) float64 {
	if value <= 0 {
		return 0
	}
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	return v.Div(s).Floor().Mul(s).InexactFloat64()
}

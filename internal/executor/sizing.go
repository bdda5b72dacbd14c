package executor

import (
	"math"

	"spot-grid-bot-go/internal/account"
	"spot-grid-bot-go/internal/models"
)

// Sizing 网格单笔交易金额策略
type Sizing struct {
	cfg models.TradingConfig
}

// NewSizing 创建仓位规模策略
func NewSizing(cfg models.TradingConfig) Sizing {
	return Sizing{cfg: cfg}
}

// Notional 目标金额 = 总资产 × target_position_pct, 限制在
// [max(min_trade_amount, 总资产 × min_trade_pct), 总资产 × max_trade_pct] 内。
// 卖出不超过持有的基础货币价值, 买入不超过计价货币总额。
func (s Sizing) Notional(side models.Side, pos account.Position) float64 {
	total := pos.TotalAssets()
	if total <= 0 {
		return 0
	}

	target := total * s.cfg.TargetPositionPct
	lo := math.Max(s.cfg.MinTradeAmount, total*s.cfg.MinTradePct)
	hi := total * s.cfg.MaxTradePct

	amount := target
	if hi < lo {
		amount = lo
	} else {
		amount = math.Min(math.Max(target, lo), hi)
	}

	if side == models.Sell {
		amount = math.Min(amount, pos.BaseValue())
	} else {
		amount = math.Min(amount, pos.QuoteAmount())
	}
	return amount
}

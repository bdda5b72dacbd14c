package exchange

import (
	"context"
	"time"

	"spot-grid-bot-go/internal/models"
)

// PaperExchange 模拟盘: 行情来自真实交易所, 下单与余额在本地撮合
type PaperExchange struct {
	*BacktestExchange
	market PriceFeed
	now    func() time.Time
}

const (
	paperEquityPoints = 24 * 60 * 60 / 2 // 约一天的轮询点
	paperClosedOrders = 1000
)

// NewPaperExchange 使用真实行情源和本地模拟账户创建模拟盘。
// 模拟盘不生成回测报告, 权益曲线与已完成订单只保留最近一段。
func NewPaperExchange(market PriceFeed, sim *BacktestExchange) *PaperExchange {
	sim.LimitHistory(paperEquityPoints, paperClosedOrders)
	return &PaperExchange{BacktestExchange: sim, market: market, now: time.Now}
}

// GetPrice 拉取真实价格并推进本地撮合
func (p *PaperExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := p.market.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	p.BacktestExchange.SetPrice(price, price, price, price, p.now())
	return price, nil
}

// GetCandles 使用真实K线, 本地只保存了轮询到的价格点
func (p *PaperExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return p.market.GetCandles(ctx, symbol, interval, limit)
}

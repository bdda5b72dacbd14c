package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"spot-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// simOrder 模拟撮合中的一笔订单
type simOrder struct {
	info     models.OrderInfo
	typ      string
	clientID string
	limit    float64
	locked   float64 // 冻结的计价货币(买单)或基础货币(卖单)
}

// BacktestExchange 模拟现货交易所, 用于回测与模拟盘。
// 余额分为现货(可用/冻结)与理财账户两部分, 手续费从收到的资产中扣除。
type BacktestExchange struct {
	Symbol        string
	BaseAsset     string
	QuoteAsset    string
	InitialEquity float64
	CurrentPrice  float64
	CurrentTime   time.Time
	EquityCurve   []float64
	TotalFees     float64
	FilledOrders  int

	TakerFeeRate float64
	MakerFeeRate float64
	SlippageRate float64

	spot         map[string]*models.AssetBalance
	yield        map[string]float64
	yieldEnabled bool
	orders       map[int64]*simOrder
	closedIDs    []int64 // 已进入终态的订单, 按完成顺序
	nextOrderID  int64
	candles      []models.Candle
	maxCandles   int
	dropped      int // 因超出 maxCandles 被丢弃的K线数量
	aggregates   map[time.Duration]*candleAggregate
	rules        models.SymbolRules
	logger       *zap.Logger
	mu           sync.Mutex

	// 0 表示不限制; 模拟盘长期运行时通过 LimitHistory 设置
	maxEquityPoints int
	maxClosedOrders int
}

// NewBacktestExchange 创建一个新的模拟交易所实例
func NewBacktestExchange(cfg *models.Config, baseAsset, quoteAsset string, logger *zap.Logger) *BacktestExchange {
	bt := cfg.Backtest
	e := &BacktestExchange{
		Symbol:       cfg.Symbol,
		BaseAsset:    baseAsset,
		QuoteAsset:   quoteAsset,
		EquityCurve:  make([]float64, 0, 10000),
		TakerFeeRate: bt.TakerFeeRate,
		MakerFeeRate: bt.MakerFeeRate,
		SlippageRate: bt.SlippageRate,
		spot: map[string]*models.AssetBalance{
			baseAsset:  {Free: bt.InitialBase},
			quoteAsset: {Free: bt.InitialQuote},
		},
		yield:        make(map[string]float64),
		yieldEnabled: cfg.Yield.Enabled,
		orders:       make(map[int64]*simOrder),
		nextOrderID:  1,
		maxCandles:   60 * 24 * 60, // 60天的1分钟K线
		aggregates:   make(map[time.Duration]*candleAggregate),
		rules: models.SymbolRules{
			Symbol:      cfg.Symbol,
			BaseAsset:   baseAsset,
			QuoteAsset:  quoteAsset,
			StepSize:    bt.StepSize,
			TickSize:    bt.TickSize,
			MinQty:      bt.MinQty,
			MinNotional: bt.MinNotional,
		},
		logger: logger,
	}
	return e
}

// LimitHistory 限制权益曲线长度与保留的已完成订单数量, 0 表示不限制
func (e *BacktestExchange) LimitHistory(equityPoints, closedOrders int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxEquityPoints = equityPoints
	e.maxClosedOrders = closedOrders
	e.trimEquityLocked()
	e.pruneOrdersLocked()
}

// trimEquityLocked 超过上限两倍时一次性保留最近 maxEquityPoints 个点
func (e *BacktestExchange) trimEquityLocked() {
	n := e.maxEquityPoints
	if n <= 0 || len(e.EquityCurve) <= 2*n {
		return
	}
	e.EquityCurve = append(e.EquityCurve[:0:0], e.EquityCurve[len(e.EquityCurve)-n:]...)
}

// retireLocked 记录进入终态的订单并清理最早的已完成订单
func (e *BacktestExchange) retireLocked(id int64) {
	e.closedIDs = append(e.closedIDs, id)
	e.pruneOrdersLocked()
}

func (e *BacktestExchange) pruneOrdersLocked() {
	n := e.maxClosedOrders
	if n <= 0 || len(e.closedIDs) <= n {
		return
	}
	excess := len(e.closedIDs) - n
	for _, id := range e.closedIDs[:excess] {
		delete(e.orders, id)
	}
	e.closedIDs = append(e.closedIDs[:0:0], e.closedIDs[excess:]...)
}

// SetPrice 是回测的核心，模拟价格变动并触发订单成交检查。
// 按 O->L->H->C 的路径检查挂单, 再记录K线与权益。
func (e *BacktestExchange) SetPrice(open, high, low, close float64, timestamp time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.CurrentTime = timestamp
	for _, p := range []float64{open, low, high, close} {
		e.CurrentPrice = p
		e.checkLimitOrdersAtPrice(p)
	}
	e.CurrentPrice = close

	e.candles = append(e.candles, models.Candle{
		OpenTime:  timestamp,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		CloseTime: timestamp.Add(time.Minute - time.Millisecond),
	})
	if excess := len(e.candles) - e.maxCandles; excess > 0 {
		e.candles = e.candles[excess:]
		e.dropped += excess
	}

	if e.InitialEquity == 0 {
		e.InitialEquity = e.equityLocked()
	}
	e.EquityCurve = append(e.EquityCurve, e.equityLocked())
	e.trimEquityLocked()
}

// checkLimitOrdersAtPrice 检查是否有挂单可以在指定价格点成交。必须在持有锁的情况下调用。
func (e *BacktestExchange) checkLimitOrdersAtPrice(price float64) {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.info.Status == models.StatusOpen {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		o := e.orders[id]
		if (o.info.Side == models.Buy && price <= o.limit) || (o.info.Side == models.Sell && price >= o.limit) {
			e.fill(o, o.limit, e.MakerFeeRate)
		}
	}
}

// fill 成交一笔订单并结算余额。必须在持有锁的情况下调用。
func (e *BacktestExchange) fill(o *simOrder, price, feeRate float64) {
	qty := o.info.Quantity
	base := e.balance(e.BaseAsset)
	quote := e.balance(e.QuoteAsset)

	if o.info.Side == models.Buy {
		cost := price * qty
		quote.Locked -= o.locked
		quote.Free += o.locked - cost
		fee := qty * feeRate
		base.Free += qty - fee
		e.TotalFees += fee * price
	} else {
		base.Locked -= o.locked
		base.Free += o.locked - qty
		proceeds := price * qty
		fee := proceeds * feeRate
		quote.Free += proceeds - fee
		e.TotalFees += fee
	}
	o.locked = 0
	o.info.Status = models.StatusClosed
	o.info.Price = price
	o.info.Filled = qty
	o.info.UpdatedAt = e.CurrentTime
	e.FilledOrders++
	e.retireLocked(o.info.ID)

	if e.logger != nil {
		e.logger.Debug("[模拟] 订单成交",
			zap.Int64("orderId", o.info.ID),
			zap.String("side", string(o.info.Side)),
			zap.String("type", o.typ),
			zap.Float64("price", price),
			zap.Float64("qty", qty),
			zap.Float64("quoteFree", quote.Free),
			zap.Float64("baseFree", base.Free))
	}
}

func (e *BacktestExchange) balance(asset string) *models.AssetBalance {
	b, ok := e.spot[asset]
	if !ok {
		b = &models.AssetBalance{}
		e.spot[asset] = b
	}
	return b
}

// equityLocked 账户总权益 (现货 + 理财), 以计价货币计。必须在持有锁的情况下调用。
func (e *BacktestExchange) equityLocked() float64 {
	baseQty := e.balance(e.BaseAsset).Total() + e.yield[e.BaseAsset]
	quoteQty := e.balance(e.QuoteAsset).Total() + e.yield[e.QuoteAsset]
	return quoteQty + baseQty*e.CurrentPrice
}

// Equity 返回当前总权益
func (e *BacktestExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

// Holdings 返回现货+理财中的基础货币与计价货币数量
func (e *BacktestExchange) Holdings() (baseQty, quoteQty float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	baseQty = e.balance(e.BaseAsset).Total() + e.yield[e.BaseAsset]
	quoteQty = e.balance(e.QuoteAsset).Total() + e.yield[e.QuoteAsset]
	return baseQty, quoteQty
}

// GetCurrentTime 返回当前数据点的时间
func (e *BacktestExchange) GetCurrentTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CurrentTime
}

// --- PriceFeed ---

func (e *BacktestExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CurrentPrice <= 0 {
		return 0, fmt.Errorf("模拟交易所尚未设置价格")
	}
	return e.CurrentPrice, nil
}

// candleAggregate 某个周期的聚合结果, next 为下一根待合并的1分钟K线的绝对序号
type candleAggregate struct {
	buckets []models.Candle
	next    int
}

// GetCandles 将已输入的K线按 interval 聚合后返回最近 limit 根, 最后一根可能尚未收盘。
// 聚合结果按周期缓存, 每次只合并新输入的K线。
func (e *BacktestExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	d, err := intervalDuration(interval)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	agg := e.aggregates[d]
	if agg == nil || agg.next < e.dropped {
		agg = &candleAggregate{next: e.dropped}
		e.aggregates[d] = agg
	}
	for _, c := range e.candles[agg.next-e.dropped:] {
		agg.add(c, d)
	}
	agg.next = e.dropped + len(e.candles)
	if len(e.candles) > 0 {
		agg.trimBefore(e.candles[0].OpenTime.Truncate(d))
	}

	out := agg.buckets
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]models.Candle(nil), out...), nil
}

// trimBefore 丢弃早于 start 的周期, 这些周期的1分钟K线已不再保留
func (a *candleAggregate) trimBefore(start time.Time) {
	i := 0
	for i < len(a.buckets) && a.buckets[i].OpenTime.Before(start) {
		i++
	}
	if i > 0 {
		a.buckets = append(a.buckets[:0:0], a.buckets[i:]...)
	}
}

func (a *candleAggregate) add(c models.Candle, d time.Duration) {
	bucket := c.OpenTime.Truncate(d)
	if n := len(a.buckets); n > 0 && a.buckets[n-1].OpenTime.Equal(bucket) {
		last := &a.buckets[n-1]
		if c.High > last.High {
			last.High = c.High
		}
		if c.Low < last.Low {
			last.Low = c.Low
		}
		last.Close = c.Close
		last.Volume += c.Volume
		return
	}
	a.buckets = append(a.buckets, models.Candle{
		OpenTime:  bucket,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		CloseTime: bucket.Add(d - time.Millisecond),
	})
}

// GetOrderBook 模拟盘口, 买一卖一都等于当前价
func (e *BacktestExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CurrentPrice <= 0 {
		return nil, fmt.Errorf("模拟交易所尚未设置价格")
	}
	level := models.PriceLevel{Price: e.CurrentPrice, Quantity: 1e9}
	return &models.OrderBook{Bids: []models.PriceLevel{level}, Asks: []models.PriceLevel{level}}, nil
}

// --- OrderGateway ---

func (e *BacktestExchange) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, price float64, clientID string) (*models.OrderHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.newOrderLocked(side, "LIMIT", qty, price, clientID)
	if err != nil {
		return nil, err
	}
	// 可立即成交的限价单按挂单价成交
	if (side == models.Buy && price >= e.CurrentPrice) || (side == models.Sell && price <= e.CurrentPrice) {
		e.fill(o, price, e.TakerFeeRate)
	}
	return &models.OrderHandle{
		ID:            o.info.ID,
		ClientOrderID: clientID,
		Symbol:        e.Symbol,
		Side:          side,
		Price:         price,
		Quantity:      qty,
	}, nil
}

func (e *BacktestExchange) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientID string) (*models.OrderInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	execPrice := e.CurrentPrice * (1 + e.SlippageRate)
	if side == models.Sell {
		execPrice = e.CurrentPrice * (1 - e.SlippageRate)
	}
	o, err := e.newOrderLocked(side, "MARKET", qty, execPrice, clientID)
	if err != nil {
		return nil, err
	}
	e.fill(o, execPrice, e.TakerFeeRate)
	info := o.info
	return &info, nil
}

// newOrderLocked 校验余额并冻结资金。必须在持有锁的情况下调用。
func (e *BacktestExchange) newOrderLocked(side models.Side, typ string, qty, price float64, clientID string) (*simOrder, error) {
	if qty <= 0 || price <= 0 {
		return nil, fmt.Errorf("无效的下单参数: qty=%f price=%f", qty, price)
	}

	o := &simOrder{
		info: models.OrderInfo{
			ID:        e.nextOrderID,
			Status:    models.StatusOpen,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			UpdatedAt: e.CurrentTime,
		},
		typ:      typ,
		clientID: clientID,
		limit:    price,
	}

	if side == models.Buy {
		quote := e.balance(e.QuoteAsset)
		cost := price * qty
		if quote.Free < cost {
			return nil, fmt.Errorf("需要 %.4f %s, 可用 %.4f: %w", cost, e.QuoteAsset, quote.Free, ErrInsufficientBalance)
		}
		quote.Free -= cost
		quote.Locked += cost
		o.locked = cost
	} else {
		base := e.balance(e.BaseAsset)
		if base.Free < qty {
			return nil, fmt.Errorf("需要 %.6f %s, 可用 %.6f: %w", qty, e.BaseAsset, base.Free, ErrInsufficientBalance)
		}
		base.Free -= qty
		base.Locked += qty
		o.locked = qty
	}

	e.orders[o.info.ID] = o
	e.nextOrderID++
	return o, nil
}

func (e *BacktestExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("订单 ID %d 在回测中未找到: %w", orderID, ErrOrderNotFound)
	}
	info := o.info
	return &info, nil
}

func (e *BacktestExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.info.Status != models.StatusOpen {
		return fmt.Errorf("订单 ID %d 无法撤销: %w", orderID, ErrOrderNotFound)
	}
	if o.info.Side == models.Buy {
		quote := e.balance(e.QuoteAsset)
		quote.Locked -= o.locked
		quote.Free += o.locked
	} else {
		base := e.balance(e.BaseAsset)
		base.Locked -= o.locked
		base.Free += o.locked
	}
	o.locked = 0
	o.info.Status = models.StatusCanceled
	o.info.UpdatedAt = e.CurrentTime
	e.retireLocked(o.info.ID)
	return nil
}

// GetSymbolRules 为回测提供配置中的交易规则, 避免网络调用
func (e *BacktestExchange) GetSymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error) {
	rules := e.rules
	return &rules, nil
}

// --- Wallet ---

func (e *BacktestExchange) GetSpotBalances(ctx context.Context) (map[string]models.AssetBalance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]models.AssetBalance, len(e.spot))
	for asset, b := range e.spot {
		out[asset] = *b
	}
	return out, nil
}

func (e *BacktestExchange) GetYieldBalances(ctx context.Context) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.yield))
	for asset, v := range e.yield {
		out[asset] = v
	}
	return out, nil
}

func (e *BacktestExchange) Transfer(ctx context.Context, asset string, amount float64, direction models.TransferDirection) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.yieldEnabled {
		return ErrYieldUnavailable
	}
	if amount <= 0 {
		return fmt.Errorf("划转数量必须大于0: %f", amount)
	}

	spot := e.balance(asset)
	switch direction {
	case models.ToYield:
		if spot.Free < amount {
			return fmt.Errorf("现货 %s 不足以申购 %.6f: %w", asset, amount, ErrInsufficientBalance)
		}
		spot.Free -= amount
		e.yield[asset] += amount
	case models.ToSpot:
		if e.yield[asset] < amount {
			return fmt.Errorf("理财 %s 不足以赎回 %.6f: %w", asset, amount, ErrInsufficientBalance)
		}
		e.yield[asset] -= amount
		spot.Free += amount
	default:
		return fmt.Errorf("未知的划转方向: %s", direction)
	}
	return nil
}

// intervalDuration 解析币安K线周期
func intervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("不支持的K线周期: %s", interval)
}

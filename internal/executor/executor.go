package executor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/models"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

var (
	// ErrRetriesExhausted 重试次数用尽仍未成交
	ErrRetriesExhausted = errors.New("order retries exhausted")
	// ErrBelowMinimum 数量或名义价值低于交易所最小限制
	ErrBelowMinimum = errors.New("order below exchange minimum")
	// ErrInsufficientFunds 从理财赎回一次后余额仍然不足
	ErrInsufficientFunds = errors.New("insufficient funds after yield pull")
	// ErrUnresolved 撤单失败且多次查询仍无法确认订单终态
	ErrUnresolved = errors.New("order state unresolved")
)

// BaseAnchor 成交后更新网格基准价
type BaseAnchor interface {
	BasePrice() float64
	ConfirmFill(side models.Side, fillPrice float64) error
}

// Funding 现货与理财之间的资金调度
type Funding interface {
	EnsureSpot(ctx context.Context, asset string, required float64) (bool, error)
	PullFromYield(ctx context.Context, asset string, amount float64) (float64, error)
	SweepExcess(ctx context.Context, price float64) error
	Invalidate()
}

// TradeRecorder 成交账本与订单流水
type TradeRecorder interface {
	AppendTrade(ctx context.Context, trade models.Trade) (bool, error)
	RecordOrder(ctx context.Context, order *models.Order) error
}

// Notifier 尽力发送通知
type Notifier interface {
	Notify(ctx context.Context, title, content string)
}

// Deps 执行器依赖的协作组件
type Deps struct {
	Gateway  exchange.OrderGateway
	Feed     exchange.PriceFeed
	Rules    *models.SymbolRules
	Anchor   BaseAnchor
	Funds    Funding
	Trades   TradeRecorder
	Notifier Notifier
	// Clock 成交时间与订单流水使用的时钟, 回测时为模拟时间; 为 nil 时使用 time.Now
	Clock func() time.Time
}

// Result 一次成功执行的结果
type Result struct {
	Order    models.Order
	Trade    models.Trade
	Attempts int
}

// Executor 限价单下单、等待、撤单重试的执行器
type Executor struct {
	Deps
	symbol    string
	attempts  int
	fillWait  time.Duration
	bookDepth int
	logger    *zap.Logger

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time

	mu       sync.Mutex
	recorded map[int64]struct{}
	inflight *models.Order
}

// New 创建执行器
func New(deps Deps, cfg *models.Config, logger *zap.Logger) *Executor {
	attempts := cfg.Order.RetryAttempts
	if attempts <= 0 {
		attempts = 10
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	depth := cfg.Order.BookDepth
	if depth <= 0 {
		depth = 5
	}
	return &Executor{
		Deps:      deps,
		symbol:    cfg.Symbol,
		attempts:  attempts,
		fillWait:  time.Duration(cfg.Order.FillWaitSec * float64(time.Second)),
		bookDepth: depth,
		logger:    logger,
		wait:      sleep,
		now:       now,
		recorded:  make(map[int64]struct{}),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newClientOrderID 生成紧凑的客户端订单号: 前缀 + base62(纳秒时间戳 + 随机数)
func newClientOrderID(prefix string, now time.Time) string {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(now.UnixNano()))
	_, _ = rand.Read(buf[8:])
	return prefix + base62.EncodeToString(buf[:])
}

func (e *Executor) fundingAsset(side models.Side) string {
	if side == models.Buy {
		return e.Rules.QuoteAsset
	}
	return e.Rules.BaseAsset
}

func required(side models.Side, qty, price float64) float64 {
	if side == models.Buy {
		return qty * price
	}
	return qty
}

// InFlight 返回当前未决订单 (没有时为 nil)
func (e *Executor) InFlight() *models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight == nil {
		return nil
	}
	o := *e.inflight
	return &o
}

func (e *Executor) setInFlight(o *models.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o == nil {
		e.inflight = nil
		return
	}
	snapshot := *o
	e.inflight = &snapshot
}

// Execute 以盘口最优价挂限价单, 等待成交; 未成交则撤单并用新的盘口价重试。
// 每个提交的订单在返回前都会被确认成交或撤销。
func (e *Executor) Execute(ctx context.Context, side models.Side, notional float64) (*Result, error) {
	pulled := false
	var lastErr error

	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 {
			e.logger.Info("重试下单", zap.String("side", string(side)), zap.Int("attempt", attempt), zap.Int("max", e.attempts))
		}

		book, err := e.Feed.GetOrderBook(ctx, e.symbol, e.bookDepth)
		if err != nil {
			lastErr = err
			e.logger.Warn("获取盘口失败", zap.Error(err))
			_ = e.wait(ctx, e.fillWait)
			continue
		}
		var price float64
		var ok bool
		if side == models.Buy {
			price, ok = book.BestAsk()
		} else {
			price, ok = book.BestBid()
		}
		if !ok {
			lastErr = fmt.Errorf("盘口为空")
			e.logger.Warn("盘口为空, 等待下一次尝试")
			_ = e.wait(ctx, e.fillWait)
			continue
		}
		price = e.Rules.FloorPrice(price)

		qty := e.Rules.FloorQuantity(notional / price)
		if !e.Rules.MeetsMinimum(qty, price) {
			e.logger.Warn("下单数量低于最小限制",
				zap.Float64("qty", qty), zap.Float64("price", price),
				zap.Float64("min_qty", e.Rules.MinQty), zap.Float64("min_notional", e.Rules.MinNotional))
			return nil, fmt.Errorf("%s %.8f @ %.8f: %w", side, qty, price, ErrBelowMinimum)
		}

		asset := e.fundingAsset(side)
		need := required(side, qty, price)
		if _, err := e.Funds.EnsureSpot(ctx, asset, need); err != nil {
			e.logger.Warn("预先划转资金失败", zap.String("asset", asset), zap.Error(err))
		}

		clientID := newClientOrderID("g", e.now())
		handle, err := e.Gateway.PlaceLimitOrder(ctx, e.symbol, side, qty, price, clientID)
		if err != nil {
			if errors.Is(err, exchange.ErrInsufficientBalance) {
				if !pulled {
					pulled = true
					e.logger.Warn("余额不足, 尝试从理财赎回", zap.String("asset", asset), zap.Float64("required", need))
					if _, perr := e.Funds.PullFromYield(ctx, asset, need); perr != nil {
						e.logger.Warn("从理财赎回失败", zap.Error(perr))
					}
					lastErr = err
					continue
				}
				e.Notifier.Notify(ctx, "余额不足",
					fmt.Sprintf("%s %s 数量 %.8f 价格 %.8f, 赎回后余额仍不足", e.symbol, side, qty, price))
				return nil, fmt.Errorf("%s %.8f %s: %w", side, need, asset, ErrInsufficientFunds)
			}
			lastErr = err
			e.logger.Error("下单失败", zap.String("side", string(side)), zap.Error(err))
			_ = e.wait(ctx, e.fillWait)
			continue
		}

		order := &models.Order{
			ID:            handle.ID,
			ClientOrderID: clientID,
			Symbol:        e.symbol,
			Side:          side,
			Type:          "LIMIT",
			Price:         price,
			Quantity:      qty,
			Status:        models.OrderPending,
			SubmittedAt:   e.now(),
			UpdatedAt:     e.now(),
		}
		e.journal(ctx, order)
		e.setInFlight(order)
		e.logger.Info("限价单已提交",
			zap.String("side", string(side)), zap.Int64("id", order.ID),
			zap.Float64("price", price), zap.Float64("qty", qty))

		res, err := e.awaitFill(ctx, order, models.StrategyGrid)
		e.setInFlight(nil)
		if err != nil {
			return nil, err
		}
		if res != nil {
			res.Attempts = attempt
			return res, nil
		}
		lastErr = fmt.Errorf("订单 %d 未成交已撤销", order.ID)
	}

	e.logger.Error("重试次数用尽", zap.String("side", string(side)), zap.Int("attempts", e.attempts), zap.Error(lastErr))
	e.Notifier.Notify(ctx, "下单失败",
		fmt.Sprintf("%s %s 目标金额 %.2f, %d 次尝试均未成交: %v", e.symbol, side, notional, e.attempts, lastErr))
	return nil, fmt.Errorf("%s %.2f: %w", side, notional, ErrRetriesExhausted)
}

// awaitFill 等待固定时间后查询订单; 未成交则撤单。撤单失败时重新查询以处理成交与撤单的竞争。
// 返回 (nil, nil) 表示订单已撤销, 可以重试。
func (e *Executor) awaitFill(ctx context.Context, order *models.Order, strategy models.Strategy) (*Result, error) {
	_ = e.wait(ctx, e.fillWait)

	// 即使外层 ctx 已取消, 也要确认订单终态
	rctx := context.WithoutCancel(ctx)

	info, err := e.Gateway.GetOrder(rctx, e.symbol, order.ID)
	if err == nil && info.Status == models.StatusClosed {
		return e.finalize(rctx, order, info, strategy)
	}
	if err != nil {
		e.logger.Warn("查询订单失败, 尝试撤单", zap.Int64("id", order.ID), zap.Error(err))
	}

	for round := 0; round < e.attempts; round++ {
		cancelErr := e.Gateway.CancelOrder(rctx, e.symbol, order.ID)
		if cancelErr == nil {
			e.markCancelled(rctx, order, info)
			return nil, ctx.Err()
		}
		e.logger.Warn("撤单失败, 重新查询订单状态", zap.Int64("id", order.ID), zap.Error(cancelErr))

		info, err = e.Gateway.GetOrder(rctx, e.symbol, order.ID)
		if err != nil {
			e.logger.Warn("查询订单失败", zap.Int64("id", order.ID), zap.Error(err))
			_ = e.wait(rctx, time.Second)
			continue
		}
		switch info.Status {
		case models.StatusClosed:
			return e.finalize(rctx, order, info, strategy)
		case models.StatusCanceled:
			e.markCancelled(rctx, order, info)
			return nil, ctx.Err()
		}
		_ = e.wait(rctx, time.Second)
	}

	if terr := order.Transition(models.OrderFailed, e.now()); terr == nil {
		e.journal(rctx, order)
	}
	e.Notifier.Notify(rctx, "订单状态未知",
		fmt.Sprintf("%s 订单 %d (%s) 撤单失败且无法确认状态, 请人工检查", e.symbol, order.ID, order.ClientOrderID))
	return nil, fmt.Errorf("订单 %d: %w", order.ID, ErrUnresolved)
}

// markCancelled 记录撤单; last 为撤单前最后一次查询结果, 可能为空。
// 部分成交的数量不计入成交记录, 只写日志供对账。
func (e *Executor) markCancelled(ctx context.Context, order *models.Order, last *models.OrderInfo) {
	if err := order.Transition(models.OrderCancelled, e.now()); err != nil {
		e.logger.Warn("订单状态变更失败", zap.Error(err))
		return
	}
	e.journal(ctx, order)
	if last != nil && last.Filled > 0 {
		e.logger.Warn("订单部分成交后被撤销, 成交部分未计入账本",
			zap.Int64("id", order.ID),
			zap.String("client_id", order.ClientOrderID),
			zap.String("side", string(order.Side)),
			zap.Float64("executed_qty", last.Filled),
			zap.Float64("order_qty", order.Quantity),
			zap.Float64("price", last.Price))
		return
	}
	e.logger.Info("订单未成交, 已撤销", zap.Int64("id", order.ID))
}

func (e *Executor) journal(ctx context.Context, order *models.Order) {
	if err := e.Trades.RecordOrder(ctx, order); err != nil {
		e.logger.Error("写入订单流水失败", zap.String("client_id", order.ClientOrderID), zap.Error(err))
	}
}

// finalize 处理成交: 更新基准价、记账 (每个订单只记一次)、刷新余额、归集多余资金并通知
func (e *Executor) finalize(ctx context.Context, order *models.Order, info *models.OrderInfo, strategy models.Strategy) (*Result, error) {
	fillPrice := info.Price
	if fillPrice <= 0 {
		fillPrice = order.Price
	}
	filled := info.Filled
	if filled <= 0 {
		filled = order.Quantity
	}

	if err := order.Transition(models.OrderFilled, e.now()); err != nil {
		e.logger.Warn("订单状态变更失败", zap.Error(err))
	}
	order.Price = fillPrice
	e.journal(ctx, order)

	e.mu.Lock()
	_, dup := e.recorded[order.ID]
	e.recorded[order.ID] = struct{}{}
	e.mu.Unlock()

	trade := models.Trade{
		Timestamp: e.now(),
		Side:      order.Side,
		Price:     fillPrice,
		Amount:    filled,
		Strategy:  strategy,
		OrderID:   order.ID,
	}
	if dup {
		e.logger.Warn("订单成交已记录, 忽略重复确认", zap.Int64("id", order.ID))
		return &Result{Order: *order, Trade: trade}, nil
	}

	if order.Side == models.Sell && strategy == models.StrategyGrid {
		trade.Profit = (fillPrice - e.Anchor.BasePrice()) * filled
	}
	if strategy == models.StrategyGrid {
		if err := e.Anchor.ConfirmFill(order.Side, fillPrice); err != nil {
			e.logger.Error("更新基准价失败", zap.Error(err))
		}
	}

	inserted, err := e.Trades.AppendTrade(ctx, trade)
	if err != nil {
		e.logger.Error("写入成交记录失败", zap.Int64("id", order.ID), zap.Error(err))
	} else if !inserted {
		e.logger.Warn("账本中已存在该订单的成交记录", zap.Int64("id", order.ID))
	}

	e.Funds.Invalidate()
	if err := e.Funds.SweepExcess(ctx, fillPrice); err != nil {
		e.logger.Warn("归集多余资金失败", zap.Error(err))
	}

	action := "买入"
	if order.Side == models.Sell {
		action = "卖出"
	}
	title := action + "成功"
	if strategy == models.StrategyS1 {
		title = "S1 仓位调整" + action
	}
	e.logger.Info(title,
		zap.Int64("id", order.ID), zap.Float64("price", fillPrice),
		zap.Float64("amount", filled), zap.Float64("profit", trade.Profit))
	e.Notifier.Notify(ctx, title, fmt.Sprintf(
		"交易对: %s\n方向: %s\n成交价: %.4f\n数量: %.6f\n金额: %.2f\n盈亏估算: %.4f",
		e.symbol, order.Side, fillPrice, filled, fillPrice*filled, trade.Profit))

	return &Result{Order: *order, Trade: trade}, nil
}

// PlaceAdjustment S1 仓位调整: 按精度取整后以市价单成交, 成交记录标记为 S1, 不改变网格基准价
func (e *Executor) PlaceAdjustment(ctx context.Context, side models.Side, qty, refPrice float64) (*Result, error) {
	qty = e.Rules.FloorQuantity(qty)
	if !e.Rules.MeetsMinimum(qty, refPrice) {
		return nil, fmt.Errorf("S1 %s %.8f @ %.8f: %w", side, qty, refPrice, ErrBelowMinimum)
	}

	asset := e.fundingAsset(side)
	need := required(side, qty, refPrice)
	if _, err := e.Funds.EnsureSpot(ctx, asset, need); err != nil {
		e.logger.Warn("S1 预先划转资金失败", zap.String("asset", asset), zap.Error(err))
	}

	var info *models.OrderInfo
	var clientID string
	for pulled := false; ; pulled = true {
		clientID = newClientOrderID("s1", e.now())
		var err error
		info, err = e.Gateway.PlaceMarketOrder(ctx, e.symbol, side, qty, clientID)
		if err == nil {
			break
		}
		if errors.Is(err, exchange.ErrInsufficientBalance) && !pulled {
			if _, perr := e.Funds.PullFromYield(ctx, asset, need); perr != nil {
				e.logger.Warn("从理财赎回失败", zap.Error(perr))
			}
			continue
		}
		if errors.Is(err, exchange.ErrInsufficientBalance) {
			e.Notifier.Notify(ctx, "S1 余额不足", fmt.Sprintf("%s %s 数量 %.8f, 赎回后余额仍不足", e.symbol, side, qty))
			return nil, fmt.Errorf("S1 %s %.8f %s: %w", side, need, asset, ErrInsufficientFunds)
		}
		e.Notifier.Notify(ctx, "S1 下单失败", fmt.Sprintf("%s %s 数量 %.8f: %v", e.symbol, side, qty, err))
		return nil, fmt.Errorf("S1 市价单失败: %w", err)
	}

	order := &models.Order{
		ID:            info.ID,
		ClientOrderID: clientID,
		Symbol:        e.symbol,
		Side:          side,
		Type:          "MARKET",
		Price:         refPrice,
		Quantity:      qty,
		Status:        models.OrderPending,
		SubmittedAt:   e.now(),
		UpdatedAt:     e.now(),
	}
	e.journal(ctx, order)

	rctx := context.WithoutCancel(ctx)
	if info.Status != models.StatusClosed {
		queried, err := e.Gateway.GetOrder(rctx, e.symbol, info.ID)
		if err != nil || queried.Status != models.StatusClosed {
			if terr := order.Transition(models.OrderFailed, e.now()); terr == nil {
				e.journal(rctx, order)
			}
			return nil, fmt.Errorf("S1 市价单 %d 未成交", info.ID)
		}
		info = queried
	}
	return e.finalize(rctx, order, info, models.StrategyS1)
}

// CancelInFlight 撤销当前未决订单, 用于紧急停止
func (e *Executor) CancelInFlight(ctx context.Context) error {
	order := e.InFlight()
	if order == nil {
		return nil
	}
	err := e.Gateway.CancelOrder(ctx, e.symbol, order.ID)
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		return fmt.Errorf("撤销订单 %d 失败: %w", order.ID, err)
	}
	return nil
}

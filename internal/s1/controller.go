package s1

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"spot-grid-bot-go/internal/account"
	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/executor"
	"spot-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// ErrInsufficientData 日线数量不足以计算高低点
var ErrInsufficientData = errors.New("not enough daily candles")

const retryAfterFailure = 5 * time.Minute

// Portfolio 读取当前仓位
type Portfolio interface {
	Position(ctx context.Context, price float64) (account.Position, error)
}

// Adjuster 以市价执行 S1 调仓
type Adjuster interface {
	PlaceAdjustment(ctx context.Context, side models.Side, qty, refPrice float64) (*executor.Result, error)
}

// Action 一次评估得出的调仓动作
type Action struct {
	Side     models.Side
	Quantity float64
	Target   float64 // 调整后的目标仓位比例
}

// Controller 基于回看窗口日线高低点的仓位控制, 独立于网格运行, 不修改网格基准价
type Controller struct {
	feed      exchange.PriceFeed
	symbol    string
	cfg       models.S1Config
	portfolio Portfolio
	adjuster  Adjuster
	logger    *zap.Logger

	mu          sync.RWMutex
	levels      *models.S1Levels
	lastAttempt time.Time
}

// NewController 创建 S1 控制器
func NewController(feed exchange.PriceFeed, symbol string, cfg models.S1Config, portfolio Portfolio, adjuster Adjuster, logger *zap.Logger) *Controller {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 52
	}
	if cfg.RefreshHours <= 0 {
		cfg.RefreshHours = 23.9
	}
	return &Controller{
		feed:      feed,
		symbol:    symbol,
		cfg:       cfg,
		portfolio: portfolio,
		adjuster:  adjuster,
		logger:    logger,
	}
}

func (c *Controller) refreshInterval() time.Duration {
	return time.Duration(c.cfg.RefreshHours * float64(time.Hour))
}

// Levels 返回当前高低点的副本, 未计算时为 nil
func (c *Controller) Levels() *models.S1Levels {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.levels == nil {
		return nil
	}
	l := *c.levels
	return &l
}

// Restore 恢复持久化的高低点, 未过期时启动后无需立即重新拉取
func (c *Controller) Restore(levels *models.S1Levels) {
	if levels == nil || levels.High <= 0 || levels.Low <= 0 || levels.Low > levels.High {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l := *levels
	c.levels = &l
}

// Stale 高低点是否需要刷新
func (c *Controller) Stale(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleLocked(now)
}

func (c *Controller) staleLocked(now time.Time) bool {
	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < retryAfterFailure {
		return false
	}
	return c.levels == nil || now.Sub(c.levels.UpdatedAt) >= c.refreshInterval()
}

// RefreshIfStale 距离上次刷新超过刷新间隔时重新拉取日线。
// 使用最近 lookback+2 根日线, 排除最后一根未收盘的日线, 取之前的 lookback 根计算高低点。
func (c *Controller) RefreshIfStale(ctx context.Context, now time.Time) (bool, error) {
	if !c.Stale(now) {
		return false, nil
	}

	c.logger.Info("S1: 更新日线高低点", zap.Int("lookback", c.cfg.Lookback))
	levels, err := c.fetchLevels(ctx, now)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastAttempt = now
		return false, err
	}
	c.lastAttempt = time.Time{}
	c.levels = levels
	c.logger.Info("S1: 高低点已更新", zap.Float64("high", levels.High), zap.Float64("low", levels.Low))
	return true, nil
}

func (c *Controller) fetchLevels(ctx context.Context, now time.Time) (*models.S1Levels, error) {
	lookback := c.cfg.Lookback
	candles, err := c.feed.GetCandles(ctx, c.symbol, "1d", lookback+2)
	if err != nil {
		return nil, fmt.Errorf("获取日线失败: %w", err)
	}
	if len(candles) < lookback+1 {
		return nil, fmt.Errorf("收到 %d 根日线, 需要 %d 根: %w", len(candles), lookback+1, ErrInsufficientData)
	}

	window := candles[len(candles)-lookback-1 : len(candles)-1]
	high, low := math.Inf(-1), math.Inf(1)
	for _, k := range window {
		high = math.Max(high, k.High)
		low = math.Min(low, k.Low)
	}
	if high <= 0 || low <= 0 {
		return nil, fmt.Errorf("日线高低点无效 high=%f low=%f: %w", high, low, ErrInsufficientData)
	}
	return &models.S1Levels{High: high, Low: low, UpdatedAt: now}, nil
}

// Evaluate 判断是否需要调仓: 先检查突破高点卖出, 否则检查跌破低点买入, 两者每次最多触发一个
func (c *Controller) Evaluate(price float64, pos account.Position) *Action {
	levels := c.Levels()
	if levels == nil || price <= 0 {
		return nil
	}
	total := pos.TotalAssets()
	if total <= 0 {
		return nil
	}
	ratio := pos.Ratio()
	baseValue := pos.BaseValue()

	if price > levels.High && ratio > c.cfg.SellTarget {
		excess := baseValue - total*c.cfg.SellTarget
		if excess <= 0 {
			return nil
		}
		qty := math.Min(excess/price, pos.BaseAmount())
		return &Action{Side: models.Sell, Quantity: qty, Target: c.cfg.SellTarget}
	} else if price < levels.Low && ratio < c.cfg.BuyTarget {
		deficit := total*c.cfg.BuyTarget - baseValue
		if deficit <= 0 {
			return nil
		}
		return &Action{Side: models.Buy, Quantity: deficit / price, Target: c.cfg.BuyTarget}
	}
	return nil
}

// CheckAndExecute 评估并执行调仓, 没有动作时返回 (nil, nil)
func (c *Controller) CheckAndExecute(ctx context.Context, price float64) (*executor.Result, error) {
	if c.Levels() == nil {
		c.logger.Debug("S1: 高低点尚未就绪")
		return nil, nil
	}
	pos, err := c.portfolio.Position(ctx, price)
	if err != nil {
		return nil, fmt.Errorf("S1 获取仓位失败: %w", err)
	}

	action := c.Evaluate(price, pos)
	if action == nil {
		return nil, nil
	}
	c.logger.Info("S1: 触发仓位调整",
		zap.String("side", string(action.Side)),
		zap.Float64("qty", action.Quantity),
		zap.Float64("price", price),
		zap.Float64("ratio", pos.Ratio()),
		zap.Float64("target", action.Target))

	res, err := c.adjuster.PlaceAdjustment(ctx, action.Side, action.Quantity, price)
	if err != nil {
		return nil, fmt.Errorf("S1 %s 调仓失败: %w", action.Side, err)
	}
	return res, nil
}

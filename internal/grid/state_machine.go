package grid

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"spot-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// DefaultFlipDivisor 反转阈值 = 网格宽度 / DefaultFlipDivisor
const DefaultFlipDivisor = 5.0

var (
	// ErrWatchInProgress 监控进行中, 不允许修改网格宽度
	ErrWatchInProgress = errors.New("grid watch in progress")
	// ErrInvalidPrice 价格必须为正数
	ErrInvalidPrice = errors.New("invalid price")
)

// Mode 监控状态
type Mode string

const (
	Flat      Mode = "FLAT"
	BuyWatch  Mode = "BUY_WATCH"
	SellWatch Mode = "SELL_WATCH"
)

// Signal 状态机发出的交易意图
type Signal struct {
	Side      models.Side
	Price     float64 // 触发时的价格
	Extreme   float64 // 监控期间的极值
	BasePrice float64
}

// FlipThreshold 以小数表示的反转阈值, 例如 2.0% 网格对应 0.004
func FlipThreshold(gridWidth float64) float64 {
	return flipThreshold(gridWidth, DefaultFlipDivisor)
}

func flipThreshold(gridWidth, divisor float64) float64 {
	return gridWidth / divisor / 100
}

// StateMachine 围绕基准价的网格状态机。
// 基准价只在 ConfirmFill 时改变; 网格宽度只在 FLAT 状态下改变;
// extreme 仅在监控状态下非零。
type StateMachine struct {
	mu        sync.RWMutex
	basePrice float64
	gridWidth float64
	mode      Mode
	extreme   float64

	minWidth float64
	maxWidth float64
	divisor  float64
	logger   *zap.Logger
}

// NewStateMachine 创建状态机, 初始宽度会被限制在 [min, max] 内
func NewStateMachine(basePrice, gridWidth float64, cfg models.GridConfig, logger *zap.Logger) (*StateMachine, error) {
	if !validPrice(basePrice) {
		return nil, fmt.Errorf("基准价 %.8f 无效: %w", basePrice, ErrInvalidPrice)
	}
	divisor := cfg.FlipDivisor
	if divisor <= 0 {
		divisor = DefaultFlipDivisor
	}
	sm := &StateMachine{
		basePrice: basePrice,
		mode:      Flat,
		minWidth:  cfg.Min,
		maxWidth:  cfg.Max,
		divisor:   divisor,
		logger:    logger,
	}
	sm.gridWidth = sm.clamp(gridWidth)
	return sm, nil
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

func (sm *StateMachine) clamp(width float64) float64 {
	if math.IsNaN(width) || width < sm.minWidth {
		return sm.minWidth
	}
	if width > sm.maxWidth {
		return sm.maxWidth
	}
	return width
}

func (sm *StateMachine) thresholdLocked() float64 {
	return flipThreshold(sm.gridWidth, sm.divisor)
}

func (sm *StateMachine) upperLocked() float64 {
	return sm.basePrice * (1 + sm.gridWidth/100)
}

func (sm *StateMachine) lowerLocked() float64 {
	return sm.basePrice * (1 - sm.gridWidth/100)
}

// Observe 输入最新价格, 返回触发的交易意图 (没有触发时为 nil)。
//
// 监控状态下先检查反转条件; 未触发且价格仍在带外时更新极值;
// 价格回到带内且未触发时放弃本次监控回到 FLAT。
func (sm *StateMachine) Observe(price float64) (*Signal, error) {
	if !validPrice(price) {
		return nil, fmt.Errorf("价格 %.8f 无效: %w", price, ErrInvalidPrice)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	lower, upper := sm.lowerLocked(), sm.upperLocked()
	th := sm.thresholdLocked()

	switch sm.mode {
	case Flat:
		if price <= lower {
			sm.mode, sm.extreme = BuyWatch, price
			sm.logger.Info("价格跌破下轨, 开始买入监控",
				zap.Float64("price", price), zap.Float64("lower_band", lower))
		} else if price >= upper {
			sm.mode, sm.extreme = SellWatch, price
			sm.logger.Info("价格突破上轨, 开始卖出监控",
				zap.Float64("price", price), zap.Float64("upper_band", upper))
		}
		return nil, nil

	case BuyWatch:
		if price >= sm.extreme*(1+th) {
			sig := &Signal{Side: models.Buy, Price: price, Extreme: sm.extreme, BasePrice: sm.basePrice}
			sm.resetLocked()
			sm.logger.Info("触发买入",
				zap.Float64("price", price), zap.Float64("lowest", sig.Extreme), zap.Float64("threshold", th))
			return sig, nil
		}
		if price <= lower {
			if price < sm.extreme {
				sm.extreme = price
				sm.logger.Debug("更新最低价", zap.Float64("lowest", price))
			}
			return nil, nil
		}
		sm.logger.Info("价格回到网格内, 放弃买入监控", zap.Float64("price", price), zap.Float64("lowest", sm.extreme))
		sm.resetLocked()
		return nil, nil

	case SellWatch:
		if price <= sm.extreme*(1-th) {
			sig := &Signal{Side: models.Sell, Price: price, Extreme: sm.extreme, BasePrice: sm.basePrice}
			sm.resetLocked()
			sm.logger.Info("触发卖出",
				zap.Float64("price", price), zap.Float64("highest", sig.Extreme), zap.Float64("threshold", th))
			return sig, nil
		}
		if price >= upper {
			if price > sm.extreme {
				sm.extreme = price
				sm.logger.Debug("更新最高价", zap.Float64("highest", price))
			}
			return nil, nil
		}
		sm.logger.Info("价格回到网格内, 放弃卖出监控", zap.Float64("price", price), zap.Float64("highest", sm.extreme))
		sm.resetLocked()
		return nil, nil
	}
	return nil, fmt.Errorf("未知的监控状态 %q", sm.mode)
}

func (sm *StateMachine) resetLocked() {
	sm.mode = Flat
	sm.extreme = 0
}

// ConfirmFill 订单成交后以成交价作为新的基准价
func (sm *StateMachine) ConfirmFill(side models.Side, fillPrice float64) error {
	if !validPrice(fillPrice) {
		return fmt.Errorf("成交价 %.8f 无效: %w", fillPrice, ErrInvalidPrice)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	old := sm.basePrice
	sm.basePrice = fillPrice
	sm.resetLocked()
	sm.logger.Info("基准价已更新",
		zap.String("side", string(side)), zap.Float64("old", old), zap.Float64("new", fillPrice))
	return nil
}

// SetGridWidth 修改网格宽度, 仅允许在 FLAT 状态下调用, 返回限制后的实际宽度
func (sm *StateMachine) SetGridWidth(width float64) (float64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.mode != Flat {
		return sm.gridWidth, ErrWatchInProgress
	}
	sm.gridWidth = sm.clamp(width)
	return sm.gridWidth, nil
}

// Restore 用持久化的基准价与网格宽度恢复状态, 监控状态总是从 FLAT 开始
func (sm *StateMachine) Restore(basePrice, gridWidth float64) error {
	if !validPrice(basePrice) {
		return fmt.Errorf("恢复的基准价 %.8f 无效: %w", basePrice, ErrInvalidPrice)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.basePrice = basePrice
	sm.gridWidth = sm.clamp(gridWidth)
	sm.resetLocked()
	return nil
}

// BasePrice 当前基准价
func (sm *StateMachine) BasePrice() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.basePrice
}

// GridWidth 当前网格宽度 (百分比)
func (sm *StateMachine) GridWidth() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.gridWidth
}

// Mode 当前监控状态
func (sm *StateMachine) Mode() Mode {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.mode
}

// Threshold 当前反转阈值 (小数)
func (sm *StateMachine) Threshold() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.thresholdLocked()
}

// Snapshot 返回一致的只读快照
func (sm *StateMachine) Snapshot() models.GridSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return models.GridSnapshot{
		BasePrice:    sm.basePrice,
		GridWidth:    sm.gridWidth,
		Mode:         string(sm.mode),
		ExtremePrice: sm.extreme,
		UpperBand:    sm.upperLocked(),
		LowerBand:    sm.lowerLocked(),
		Threshold:    sm.thresholdLocked(),
	}
}

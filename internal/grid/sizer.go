package grid

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"spot-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

const defaultMinAdjustInterval = 5 * time.Minute

// Sizer 根据波动率查表得到网格宽度与下一次检查的间隔
type Sizer struct {
	ranges   []models.VolatilityRange
	cadence  []models.CadenceRule
	minWidth float64
	maxWidth float64
	floor    time.Duration
}

// NewSizer 从网格配置创建 Sizer
func NewSizer(cfg models.GridConfig) *Sizer {
	floor := time.Duration(cfg.MinAdjustIntervalMins * float64(time.Minute))
	if floor <= 0 {
		floor = defaultMinAdjustInterval
	}
	return &Sizer{
		ranges:   cfg.VolatilityRanges,
		cadence:  cfg.CadenceRules,
		minWidth: cfg.Min,
		maxWidth: cfg.Max,
		floor:    floor,
	}
}

func sanitize(vol float64) float64 {
	if math.IsNaN(vol) || vol < 0 {
		return 0
	}
	return vol
}

// WidthFor 第一个满足 low <= vol < high 的区间决定宽度, 最后一个区间没有上限;
// 结果限制在 [min, max] 内
func (s *Sizer) WidthFor(vol float64) float64 {
	vol = sanitize(vol)
	width := s.minWidth
	if len(s.ranges) > 0 {
		width = s.ranges[0].Grid
	}
	for i, r := range s.ranges {
		last := i == len(s.ranges)-1
		if vol >= r.Low && (last || r.High == 0 || vol < r.High) {
			width = r.Grid
			break
		}
	}
	return math.Max(s.minWidth, math.Min(s.maxWidth, width))
}

// IntervalFor 波动率越低检查间隔越长, 最后一条规则没有上限; 不会短于最小间隔
func (s *Sizer) IntervalFor(vol float64) time.Duration {
	vol = sanitize(vol)
	interval := s.floor
	for i, rule := range s.cadence {
		if i == len(s.cadence)-1 || rule.MaxVolatility == 0 || vol < rule.MaxVolatility {
			interval = time.Duration(rule.IntervalMinutes * float64(time.Minute))
			break
		}
	}
	if interval < s.floor {
		interval = s.floor
	}
	return interval
}

// Floor 最小检查间隔
func (s *Sizer) Floor() time.Duration {
	return s.floor
}

// VolatilitySource 波动率来源
type VolatilitySource interface {
	Estimate(ctx context.Context) (float64, error)
}

// Resizer 按自适应节奏重新计算网格宽度, 只在 FLAT 状态下生效
type Resizer struct {
	sm     *StateMachine
	sizer  *Sizer
	source VolatilitySource
	logger *zap.Logger

	mu      sync.RWMutex
	next    time.Time
	lastVol float64
}

// NewResizer 创建 Resizer, 第一次调用 MaybeResize 即会检查
func NewResizer(sm *StateMachine, sizer *Sizer, source VolatilitySource, logger *zap.Logger) *Resizer {
	return &Resizer{sm: sm, sizer: sizer, source: source, logger: logger}
}

// MaybeResize 到达检查时间且状态机处于 FLAT 时重新计算宽度, 返回宽度是否改变。
// 监控进行中时不推进计时器, 下一次 FLAT 时立即检查。
func (r *Resizer) MaybeResize(ctx context.Context, now time.Time) (bool, error) {
	r.mu.RLock()
	due := !now.Before(r.next)
	r.mu.RUnlock()
	if !due || r.sm.Mode() != Flat {
		return false, nil
	}

	vol, err := r.source.Estimate(ctx)
	if err != nil {
		r.mu.Lock()
		r.next = now.Add(r.sizer.Floor())
		r.mu.Unlock()
		return false, err
	}

	interval := r.sizer.IntervalFor(vol)
	r.mu.Lock()
	r.lastVol = vol
	r.next = now.Add(interval)
	r.mu.Unlock()

	old := r.sm.GridWidth()
	target := r.sizer.WidthFor(vol)
	if target == old {
		r.logger.Debug("网格宽度无需调整",
			zap.Float64("volatility", vol), zap.Float64("grid", old), zap.Duration("next_check", interval))
		return false, nil
	}

	applied, err := r.sm.SetGridWidth(target)
	if errors.Is(err, ErrWatchInProgress) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.logger.Info("网格宽度已调整",
		zap.Float64("volatility", vol),
		zap.Float64("old", old),
		zap.Float64("new", applied),
		zap.Duration("next_check", interval))
	return applied != old, nil
}

// LastVolatility 最近一次估算的波动率
func (r *Resizer) LastVolatility() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastVol
}

// NextCheck 下一次检查时间
func (r *Resizer) NextCheck() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.next
}

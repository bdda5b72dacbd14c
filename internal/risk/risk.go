package risk

import (
	"math"
	"sync"

	"spot-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// significantChange 仓位比例变化超过该值 (0.1 个百分点) 才记录日志
const significantChange = 0.001

// Decision 风控评估结果
type Decision struct {
	Ratio  float64
	Paused bool
	Reason string
}

// Manager 仓位比例熔断: 比例超出 [min, max] 时暂停本轮网格触发, 不撤单也不停止进程
type Manager struct {
	minRatio float64
	maxRatio float64
	logger   *zap.Logger

	mu        sync.Mutex
	lastRatio float64
	logged    bool
	paused    bool
}

// NewManager 创建风控管理器
func NewManager(cfg models.TradingConfig, logger *zap.Logger) *Manager {
	return &Manager{
		minRatio: cfg.MinPositionRatio,
		maxRatio: cfg.MaxPositionRatio,
		logger:   logger,
	}
}

// Evaluate 评估当前仓位比例
func (m *Manager) Evaluate(ratio float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Decision{Ratio: ratio}
	switch {
	case math.IsNaN(ratio):
		d.Paused, d.Reason = true, "仓位比例无效"
	case ratio < m.minRatio:
		d.Paused, d.Reason = true, "仓位低于下限, 暂停网格交易"
	case ratio > m.maxRatio:
		d.Paused, d.Reason = true, "仓位高于上限, 暂停网格交易"
	}

	if !m.logged || math.Abs(ratio-m.lastRatio) > significantChange || d.Paused != m.paused {
		fields := []zap.Field{
			zap.Float64("ratio", ratio),
			zap.Float64("min", m.minRatio),
			zap.Float64("max", m.maxRatio),
		}
		if d.Paused {
			m.logger.Warn(d.Reason, fields...)
		} else {
			m.logger.Info("仓位比例", fields...)
		}
		m.lastRatio = ratio
		m.logged = true
	}
	m.paused = d.Paused
	return d
}

// Paused 最近一次评估是否处于暂停状态
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

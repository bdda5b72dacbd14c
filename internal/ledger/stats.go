package ledger

import (
	"math"

	"spot-grid-bot-go/internal/models"
)

// Stats 交易统计
type Stats struct {
	TotalTrades       int
	WinRate           float64
	TotalProfit       float64
	AvgProfit         float64
	MaxProfit         float64
	MaxLoss           float64
	ProfitFactor      float64 // 总盈利 / |总亏损|, 没有亏损时为0
	ConsecutiveWins   int
	ConsecutiveLosses int
}

// ComputeStats 按时间顺序的成交记录计算统计数据, 利润为0的成交会打断连胜/连亏
func ComputeStats(trades []models.Trade) Stats {
	var s Stats
	if len(trades) == 0 {
		return s
	}

	s.TotalTrades = len(trades)
	s.MaxProfit = math.Inf(-1)
	s.MaxLoss = math.Inf(1)

	var wins int
	var grossProfit, grossLoss float64
	var winStreak, lossStreak int
	for _, t := range trades {
		p := t.Profit
		s.TotalProfit += p
		s.MaxProfit = math.Max(s.MaxProfit, p)
		s.MaxLoss = math.Min(s.MaxLoss, p)

		switch {
		case p > 0:
			wins++
			grossProfit += p
			winStreak++
			lossStreak = 0
		case p < 0:
			grossLoss += p
			lossStreak++
			winStreak = 0
		default:
			winStreak, lossStreak = 0, 0
		}
		if winStreak > s.ConsecutiveWins {
			s.ConsecutiveWins = winStreak
		}
		if lossStreak > s.ConsecutiveLosses {
			s.ConsecutiveLosses = lossStreak
		}
	}

	s.WinRate = float64(wins) / float64(s.TotalTrades)
	s.AvgProfit = s.TotalProfit / float64(s.TotalTrades)
	if grossLoss != 0 {
		s.ProfitFactor = grossProfit / math.Abs(grossLoss)
	}
	return s
}

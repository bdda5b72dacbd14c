package reporter

import (
	"fmt"
	"io"
	"time"

	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/ledger"
	"spot-grid-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	GridTrades       int
	S1Trades         int
	WinRate          float64
	ProfitFactor     float64
	RealizedProfit   float64
	MaxDrawdown      float64
	TotalFees        float64
	EndingQuote      float64
	EndingBase       float64
	EndingBaseValue  float64
	StartTime        time.Time
	EndTime          time.Time
}

// RenderStatus 以表格形式输出当前运行状态
func RenderStatus(w io.Writer, s models.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s 网格状态 %s", s.Symbol, s.UpdatedAt.Format("2006-01-02 15:04:05")))

	t.AppendRow(table.Row{"当前价格", fmt.Sprintf("%.4f", s.Price)})
	t.AppendRow(table.Row{"基准价", fmt.Sprintf("%.4f", s.Grid.BasePrice)})
	t.AppendRow(table.Row{"网格宽度", fmt.Sprintf("%.2f%%", s.Grid.GridWidth)})
	t.AppendRow(table.Row{"上轨 / 下轨", fmt.Sprintf("%.4f / %.4f", s.Grid.UpperBand, s.Grid.LowerBand)})
	t.AppendRow(table.Row{"翻转阈值", fmt.Sprintf("%.3f%%", s.Grid.Threshold*100)})
	t.AppendRow(table.Row{"状态", s.Grid.Mode})
	t.AppendSeparator()
	t.AppendRow(table.Row{"总资产", fmt.Sprintf("%.2f", s.TotalAssets)})
	risk := "正常"
	if s.RiskPaused {
		risk = "暂停"
	}
	t.AppendRow(table.Row{"仓位比例", fmt.Sprintf("%.2f%% (%s)", s.PositionRatio*100, risk)})
	t.AppendRow(table.Row{"波动率", fmt.Sprintf("%.2f%%", s.Volatility*100)})
	if !s.NextResize.IsZero() {
		t.AppendRow(table.Row{"下次调整", s.NextResize.Format("15:04:05")})
	}
	if s.S1 != nil {
		t.AppendRow(table.Row{"S1 高点 / 低点", fmt.Sprintf("%.4f / %.4f", s.S1.High, s.S1.Low)})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"成交次数", s.TradeCount})
	t.AppendRow(table.Row{"胜率", fmt.Sprintf("%.2f%%", s.WinRate*100)})
	t.AppendRow(table.Row{"累计盈亏", fmt.Sprintf("%.4f", s.TotalProfit)})
	t.Render()

	if len(s.RecentTrades) == 0 {
		return
	}
	RenderTrades(w, s.RecentTrades)
}

// RenderTrades 输出成交明细
func RenderTrades(w io.Writer, trades []models.Trade) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"时间", "来源", "方向", "价格", "数量", "盈亏"})
	for _, tr := range trades {
		t.AppendRow(table.Row{
			tr.Timestamp.Local().Format("01-02 15:04:05"),
			tr.Strategy,
			tr.Side,
			fmt.Sprintf("%.4f", tr.Price),
			fmt.Sprintf("%.6f", tr.Amount),
			fmt.Sprintf("%.4f", tr.Profit),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
}

// GenerateReport 根据回测交易所的状态和账本中的成交计算并打印性能报告
func GenerateReport(w io.Writer, be *exchange.BacktestExchange, trades []models.Trade, dataPath string, startTime, endTime time.Time) *Metrics {
	m := CalculateMetrics(be, trades)
	m.StartTime = startTime
	m.EndTime = endTime

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告")
	t.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"交易对", be.Symbol},
		{"回测周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f %s", m.InitialBalance, be.QuoteAsset)},
		{"最终资金", fmt.Sprintf("%.2f %s", m.FinalBalance, be.QuoteAsset)},
		{"总利润", fmt.Sprintf("%.2f %s", m.TotalProfit, be.QuoteAsset)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"手续费", fmt.Sprintf("%.4f", m.TotalFees)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总交易次数", fmt.Sprintf("%d (网格 %d, S1 %d)", m.TotalTrades, m.GridTrades, m.S1Trades)},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"盈亏因子", fmt.Sprintf("%.2f", m.ProfitFactor)},
		{"网格已实现盈亏", fmt.Sprintf("%.4f", m.RealizedProfit)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"期末计价货币", fmt.Sprintf("%.2f %s", m.EndingQuote, be.QuoteAsset)},
		{"期末持仓市值", fmt.Sprintf("%.2f %s (共 %.4f %s)", m.EndingBaseValue, be.QuoteAsset, m.EndingBase, be.BaseAsset)},
	})
	t.Render()
	return m
}

// CalculateMetrics 汇总回测指标
func CalculateMetrics(be *exchange.BacktestExchange, trades []models.Trade) *Metrics {
	m := &Metrics{}
	stats := ledger.ComputeStats(trades)

	m.TotalTrades = stats.TotalTrades
	m.WinRate = stats.WinRate * 100
	m.ProfitFactor = stats.ProfitFactor
	m.RealizedProfit = stats.TotalProfit
	for _, tr := range trades {
		if tr.Strategy == models.StrategyS1 {
			m.S1Trades++
		} else {
			m.GridTrades++
		}
	}

	m.InitialBalance = be.InitialEquity
	m.EndingBase, m.EndingQuote = be.Holdings()
	m.EndingBaseValue = m.EndingBase * be.CurrentPrice
	m.FinalBalance = be.Equity()
	m.TotalFees = be.TotalFees

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = (m.TotalProfit / m.InitialBalance) * 100
	}

	m.MaxDrawdown = calculateMaxDrawdown(be.EquityCurve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

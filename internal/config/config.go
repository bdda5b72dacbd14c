package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"spot-grid-bot-go/internal/models"
)

// Default 返回带有默认参数的配置
func Default() *models.Config {
	return &models.Config{
		DBPath:       "data/state",
		LedgerPath:   "data/ledger.db",
		LiveWSURL:    "wss://stream.binance.com:9443",
		TestnetWSURL: "wss://stream.testnet.binance.vision",
		Symbol:       "BNBUSDT",
		SafetyMargin: 0.95,
		Grid: models.GridConfig{
			Initial:     2.0,
			Min:         1.0,
			Max:         4.0,
			FlipDivisor: 5,
			VolatilityRanges: []models.VolatilityRange{
				{Low: 0, High: 0.20, Grid: 1.0},
				{Low: 0.20, High: 0.40, Grid: 1.5},
				{Low: 0.40, High: 0.60, Grid: 2.0},
				{Low: 0.60, High: 0.80, Grid: 2.5},
				{Low: 0.80, High: 1.00, Grid: 3.0},
				{Low: 1.00, High: 1.20, Grid: 3.5},
				{Low: 1.20, High: 0, Grid: 4.0},
			},
			CadenceRules: []models.CadenceRule{
				{MaxVolatility: 0.20, IntervalMinutes: 240},
				{MaxVolatility: 0.40, IntervalMinutes: 120},
				{MaxVolatility: 0.60, IntervalMinutes: 60},
				{MaxVolatility: 0.80, IntervalMinutes: 30},
				{MaxVolatility: 1.20, IntervalMinutes: 15},
				{MaxVolatility: 0, IntervalMinutes: 5},
			},
			MinAdjustIntervalMins: 5,
		},
		Volatility: models.VolatilityConfig{
			Window:         24,
			Interval:       "1h",
			PeriodsPerYear: 24 * 365,
		},
		Trading: models.TradingConfig{
			TargetPositionPct: 0.10,
			MinTradeAmount:    20,
			MinTradePct:       0.05,
			MaxTradePct:       0.15,
			MinPositionRatio:  0.10,
			MaxPositionRatio:  0.90,
		},
		Order: models.OrderConfig{
			RetryAttempts: 10,
			FillWaitSec:   3,
			BookDepth:     5,
		},
		S1: models.S1Config{
			Enabled:      true,
			Lookback:     52,
			SellTarget:   0.50,
			BuyTarget:    0.70,
			RefreshHours: 23.9,
		},
		Loop: models.LoopConfig{
			TickIntervalSec:    5,
			WatchIntervalSec:   2,
			ErrorBackoffSec:    30,
			StatusIntervalSec:  60,
			BalanceCacheTTLSec: 30,
		},
		Yield: models.YieldConfig{
			Enabled:           true,
			ReserveMultiplier: 2,
			InitialSpotPct:    0.16,
		},
		Request: models.RequestConfig{
			MaxAttempts:     3,
			InitialDelayMs:  2000,
			MaxDelayMs:      10000,
			RequestsPerSec:  10,
			PriceStaleAfter: 10,
		},
		Backtest: models.BacktestConfig{
			InitialQuote: 1000,
			InitialBase:  0,
			TakerFeeRate: 0.001,
			MakerFeeRate: 0.001,
			SlippageRate: 0.0005,
			StepSize:     0.001,
			TickSize:     0.01,
			MinQty:       0.001,
			MinNotional:  10,
		},
		LogConfig: models.LogConfig{
			Level:      "info",
			Output:     "console",
			File:       "logs/bot.log",
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// LoadConfig 从指定路径加载JSON配置文件, 未出现的字段保留默认值
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := Default()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 从环境变量读取密钥类配置 (可由 .env 预先加载)
func ApplyEnv(cfg *models.Config) error {
	cfg.Notify.PushPlusToken = os.Getenv("PUSHPLUS_TOKEN")
	cfg.Notify.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID 不是有效的整数: %w", err)
		}
		cfg.Notify.TelegramChatID = chatID
	}

	if raw := os.Getenv("INITIAL_BASE_PRICE"); raw != "" {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("INITIAL_BASE_PRICE 不是有效的数字: %w", err)
		}
		if price < 0 {
			return errors.New("INITIAL_BASE_PRICE 不能为负数")
		}
		cfg.InitialBasePrice = price
	}
	return nil
}

// Validate 检查配置取值范围
func Validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return errors.New("symbol 不能为空")
	}

	g := cfg.Grid
	if g.Min <= 0 || g.Min > g.Max {
		return fmt.Errorf("网格范围无效: min=%.2f max=%.2f", g.Min, g.Max)
	}
	if g.Initial < g.Min || g.Initial > g.Max {
		return fmt.Errorf("初始网格 %.2f 不在 [%.2f, %.2f] 内", g.Initial, g.Min, g.Max)
	}
	if g.FlipDivisor <= 0 {
		return errors.New("flip_divisor 必须大于0")
	}
	if err := validateRanges(g.VolatilityRanges); err != nil {
		return err
	}
	if err := validateCadence(g.CadenceRules); err != nil {
		return err
	}

	if cfg.Volatility.Window < 2 || cfg.Volatility.PeriodsPerYear <= 0 {
		return errors.New("volatility.window 至少为2, periods_per_year 必须大于0")
	}

	t := cfg.Trading
	if t.MinPositionRatio < 0 || t.MaxPositionRatio > 1 || t.MinPositionRatio >= t.MaxPositionRatio {
		return fmt.Errorf("仓位比例范围无效: [%.2f, %.2f]", t.MinPositionRatio, t.MaxPositionRatio)
	}
	if t.TargetPositionPct <= 0 || t.MaxTradePct <= 0 || t.MinTradeAmount < 0 {
		return errors.New("仓位规模参数必须为正数")
	}

	if cfg.Order.RetryAttempts <= 0 || cfg.Order.FillWaitSec < 0 || cfg.Order.BookDepth <= 0 {
		return errors.New("order 配置无效")
	}

	s := cfg.S1
	if s.Enabled {
		if s.Lookback <= 0 || s.RefreshHours <= 0 {
			return errors.New("s1.lookback 与 s1.refresh_hours 必须大于0")
		}
		if s.SellTarget <= 0 || s.SellTarget >= 1 || s.BuyTarget <= 0 || s.BuyTarget >= 1 {
			return fmt.Errorf("S1 目标仓位必须在 (0,1) 内: sell=%.2f buy=%.2f", s.SellTarget, s.BuyTarget)
		}
	}

	if cfg.Loop.TickIntervalSec <= 0 || cfg.Loop.ErrorBackoffSec <= 0 {
		return errors.New("loop 间隔必须大于0")
	}
	if cfg.Request.MaxAttempts <= 0 {
		return errors.New("request.max_attempts 必须大于0")
	}
	return nil
}

func validateRanges(ranges []models.VolatilityRange) error {
	if len(ranges) == 0 {
		return errors.New("volatility_ranges 不能为空")
	}
	for i, r := range ranges {
		last := i == len(ranges)-1
		if r.Grid <= 0 {
			return fmt.Errorf("第 %d 个波动率区间的网格宽度必须大于0", i)
		}
		if !last && r.High <= r.Low {
			return fmt.Errorf("第 %d 个波动率区间 [%.2f, %.2f) 无效", i, r.Low, r.High)
		}
		if last && r.High != 0 && r.High <= r.Low {
			return fmt.Errorf("最后一个波动率区间 [%.2f, %.2f) 无效", r.Low, r.High)
		}
		if i > 0 && ranges[i-1].High != r.Low {
			return fmt.Errorf("波动率区间不连续: %.2f != %.2f", ranges[i-1].High, r.Low)
		}
	}
	return nil
}

func validateCadence(rules []models.CadenceRule) error {
	if len(rules) == 0 {
		return errors.New("cadence_rules 不能为空")
	}
	for i, r := range rules {
		if r.IntervalMinutes <= 0 {
			return fmt.Errorf("第 %d 个检查间隔必须大于0", i)
		}
		if i > 0 && r.MaxVolatility != 0 && r.MaxVolatility <= rules[i-1].MaxVolatility {
			return fmt.Errorf("cadence_rules 必须按波动率升序排列")
		}
	}
	return nil
}

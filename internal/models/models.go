package models

import (
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet        bool    `json:"is_testnet"`         // 是否使用测试网
	DBPath           string  `json:"db_path"`            // badger 状态目录
	LedgerPath       string  `json:"ledger_path"`        // sqlite 交易账本文件
	LiveWSURL        string  `json:"live_ws_url"`        // 行情 WebSocket 地址
	TestnetWSURL     string  `json:"testnet_ws_url"`     // 测试网 WebSocket 地址
	Symbol           string  `json:"symbol"`             // 交易对，如 "BNBUSDT"
	InitialBasePrice float64 `json:"initial_base_price"` // 初始基准价, 0 表示启动时取实时价格
	SafetyMargin     float64 `json:"safety_margin"`      // 可用余额安全系数

	Grid       GridConfig       `json:"grid"`
	Volatility VolatilityConfig `json:"volatility"`
	Trading    TradingConfig    `json:"trading"`
	Order      OrderConfig      `json:"order"`
	S1         S1Config         `json:"s1"`
	Loop       LoopConfig       `json:"loop"`
	Yield      YieldConfig      `json:"yield"`
	Request    RequestConfig    `json:"request"`
	Backtest   BacktestConfig   `json:"backtest"`
	LogConfig  LogConfig        `json:"log"`

	// 以下字段来自环境变量, 不写入配置文件
	Notify NotifyConfig `json:"-"`
}

// GridConfig 网格宽度相关配置 (单位: 百分比)
type GridConfig struct {
	Initial               float64           `json:"initial"`
	Min                   float64           `json:"min"`
	Max                   float64           `json:"max"`
	FlipDivisor           float64           `json:"flip_divisor"`
	VolatilityRanges      []VolatilityRange `json:"volatility_ranges"`
	CadenceRules          []CadenceRule     `json:"cadence_rules"`
	MinAdjustIntervalMins float64           `json:"min_adjust_interval_mins"`
}

// VolatilityRange 波动率区间 [Low, High) 对应的网格宽度
type VolatilityRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"` // 最后一项总是视为无上限
	Grid float64 `json:"grid"`
}

// CadenceRule 波动率低于 MaxVolatility 时使用的检查间隔
type CadenceRule struct {
	MaxVolatility   float64 `json:"max_volatility"` // 0 表示无上限
	IntervalMinutes float64 `json:"interval_minutes"`
}

// VolatilityConfig 波动率估算配置
type VolatilityConfig struct {
	Window         int     `json:"window"`
	Interval       string  `json:"interval"`
	PeriodsPerYear float64 `json:"periods_per_year"`
}

// TradingConfig 仓位规模与风控配置
type TradingConfig struct {
	TargetPositionPct float64 `json:"target_position_pct"` // 单笔目标占总资产比例
	MinTradeAmount    float64 `json:"min_trade_amount"`    // 单笔最小金额 (计价货币)
	MinTradePct       float64 `json:"min_trade_pct"`
	MaxTradePct       float64 `json:"max_trade_pct"`
	MinPositionRatio  float64 `json:"min_position_ratio"`
	MaxPositionRatio  float64 `json:"max_position_ratio"`
}

// OrderConfig 下单重试配置
type OrderConfig struct {
	RetryAttempts int     `json:"retry_attempts"`
	FillWaitSec   float64 `json:"fill_wait_sec"`
	BookDepth     int     `json:"book_depth"`
}

// S1Config 52日高低点仓位控制配置
type S1Config struct {
	Enabled      bool    `json:"enabled"`
	Lookback     int     `json:"lookback"`
	SellTarget   float64 `json:"sell_target"`
	BuyTarget    float64 `json:"buy_target"`
	RefreshHours float64 `json:"refresh_hours"`
}

// LoopConfig 主循环节奏配置
type LoopConfig struct {
	TickIntervalSec    float64 `json:"tick_interval_sec"`
	WatchIntervalSec   float64 `json:"watch_interval_sec"`
	ErrorBackoffSec    float64 `json:"error_backoff_sec"`
	StatusIntervalSec  float64 `json:"status_interval_sec"`
	BalanceCacheTTLSec float64 `json:"balance_cache_ttl_sec"`
}

// YieldConfig 理财账户 (Simple Earn 活期) 配置
type YieldConfig struct {
	Enabled           bool    `json:"enabled"`
	ReserveMultiplier float64 `json:"reserve_multiplier"` // 现货保留 N 倍最小交易额
	InitialSpotPct    float64 `json:"initial_spot_pct"`   // 启动时现货中两种资产各自的目标占比
}

// RequestConfig 交易所请求重试策略
type RequestConfig struct {
	MaxAttempts     int     `json:"max_attempts"`
	InitialDelayMs  int     `json:"initial_delay_ms"`
	MaxDelayMs      int     `json:"max_delay_ms"`
	RequestsPerSec  float64 `json:"requests_per_sec"`
	PriceStaleAfter float64 `json:"price_stale_after_sec"`
}

// BacktestConfig 回测/模拟盘参数
type BacktestConfig struct {
	InitialQuote float64 `json:"initial_quote"`
	InitialBase  float64 `json:"initial_base"`
	TakerFeeRate float64 `json:"taker_fee_rate"`
	MakerFeeRate float64 `json:"maker_fee_rate"`
	SlippageRate float64 `json:"slippage_rate"`
	StepSize     float64 `json:"step_size"`
	TickSize     float64 `json:"tick_size"`
	MinQty       float64 `json:"min_qty"`
	MinNotional  float64 `json:"min_notional"`
}

// NotifyConfig 推送通知配置
type NotifyConfig struct {
	PushPlusToken  string
	TelegramToken  string
	TelegramChatID int64
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Candle K线
type Candle struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// PriceLevel 盘口档位
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook 盘口, Bids/Asks 的第0档为最优价
type OrderBook struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

// BestBid 返回买一价
func (b *OrderBook) BestBid() (float64, bool) {
	if b == nil || len(b.Bids) == 0 || b.Bids[0].Price <= 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

// BestAsk 返回卖一价
func (b *OrderBook) BestAsk() (float64, bool) {
	if b == nil || len(b.Asks) == 0 || b.Asks[0].Price <= 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// AssetBalance 现货资产余额
type AssetBalance struct {
	Free   float64
	Locked float64
}

// Total 可用 + 冻结
func (a AssetBalance) Total() float64 {
	return a.Free + a.Locked
}

// TransferDirection 资金划转方向
type TransferDirection string

const (
	ToYield TransferDirection = "TO_YIELD"
	ToSpot  TransferDirection = "TO_SPOT"
)

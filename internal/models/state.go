package models

import (
	"fmt"
	"time"
)

// BotState 定义了需要持久化的所有关键数据
type BotState struct {
	BotID          string       `json:"bot_id"`           // 本次运行的唯一标识符
	Symbol         string       `json:"symbol"`           // 交易对, e.g., "BNBUSDT"
	Version        int          `json:"version"`          // 状态模型的版本号，用于未来迁移
	Grid           GridSnapshot `json:"grid"`             // 网格状态
	S1             *S1Levels    `json:"s1,omitempty"`     // S1 高低点, 未计算时为空
	LastUpdateTime time.Time    `json:"last_update_time"` // 状态最后更新的时间戳
}

// GridSnapshot 网格状态机的只读快照
type GridSnapshot struct {
	BasePrice    float64 `json:"base_price"`
	GridWidth    float64 `json:"grid_width"`
	Mode         string  `json:"mode"`
	ExtremePrice float64 `json:"extreme_price,omitempty"`
	UpperBand    float64 `json:"upper_band"`
	LowerBand    float64 `json:"lower_band"`
	Threshold    float64 `json:"threshold"`
}

// S1Levels 回看窗口内的日线高低点, 两个价格总是同时设置
type S1Levels struct {
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Strategy 成交来源
type Strategy string

const (
	StrategyGrid Strategy = "GRID"
	StrategyS1   Strategy = "S1"
)

// ExchangeStatus 交易所侧的订单状态
type ExchangeStatus string

const (
	StatusOpen     ExchangeStatus = "open"
	StatusClosed   ExchangeStatus = "closed"
	StatusCanceled ExchangeStatus = "canceled"
)

// OrderHandle 下单成功后交易所返回的句柄
type OrderHandle struct {
	ID            int64
	ClientOrderID string
	Symbol        string
	Side          Side
	Price         float64
	Quantity      float64
}

// OrderInfo 订单查询结果
type OrderInfo struct {
	ID        int64
	Status    ExchangeStatus
	Side      Side
	Price     float64 // 成交均价, 未成交时为挂单价
	Quantity  float64
	Filled    float64
	UpdatedAt time.Time
}

// OrderStatus 执行器内部的订单生命周期
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

// Terminal 是否为终态
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// Order 执行器创建的订单记录, 进入终态后不可再变
type Order struct {
	ID            int64       `json:"id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          string      `json:"type"` // LIMIT / MARKET
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	Status        OrderStatus `json:"status"`
	SubmittedAt   time.Time   `json:"submitted_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Transition 推进订单状态
func (o *Order) Transition(to OrderStatus, at time.Time) error {
	if o.Status.Terminal() {
		return fmt.Errorf("订单 %s 已处于终态 %s, 不能变更为 %s", o.ClientOrderID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// Trade 成交记录, 只追加不修改
type Trade struct {
	Timestamp time.Time `json:"timestamp"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Profit    float64   `json:"profit"`
	Strategy  Strategy  `json:"strategy"`
	OrderID   int64     `json:"order_id"`
}

// Notional 成交额
func (t Trade) Notional() float64 {
	return t.Price * t.Amount
}

// Snapshot 控制循环对外暴露的只读状态
type Snapshot struct {
	Symbol        string       `json:"symbol"`
	Price         float64      `json:"price"`
	Grid          GridSnapshot `json:"grid"`
	PositionRatio float64      `json:"position_ratio"`
	TotalAssets   float64      `json:"total_assets"`
	Volatility    float64      `json:"volatility"`
	NextResize    time.Time    `json:"next_resize"`
	RiskPaused    bool         `json:"risk_paused"`
	WinRate       float64      `json:"win_rate"`
	TotalProfit   float64      `json:"total_profit"`
	TradeCount    int          `json:"trade_count"`
	RecentTrades  []Trade      `json:"recent_trades"`
	S1            *S1Levels    `json:"s1,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

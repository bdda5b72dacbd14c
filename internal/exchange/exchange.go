package exchange

import (
	"context"
	"errors"
	"net"
	"strings"

	"spot-grid-bot-go/internal/models"
)

var (
	// ErrInsufficientBalance 账户余额不足
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderNotFound 订单不存在 (已成交或已撤销后再次撤单也会返回)
	ErrOrderNotFound = errors.New("order not found")
	// ErrYieldUnavailable 未启用理财账户
	ErrYieldUnavailable = errors.New("yield account unavailable")
	// ErrRateLimited 触发交易所限频
	ErrRateLimited = errors.New("rate limited")
)

// PriceFeed 行情来源
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error)
}

// OrderGateway 下单、查单、撤单及交易规则
type OrderGateway interface {
	PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, price float64, clientID string) (*models.OrderHandle, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientID string) (*models.OrderInfo, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderInfo, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetSymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error)
}

// Wallet 现货与理财账户余额及划转
type Wallet interface {
	GetSpotBalances(ctx context.Context) (map[string]models.AssetBalance, error)
	GetYieldBalances(ctx context.Context) (map[string]float64, error)
	Transfer(ctx context.Context, asset string, amount float64, direction models.TransferDirection) error
}

// Exchange 聚合了机器人需要的所有交易所能力
type Exchange interface {
	PriceFeed
	OrderGateway
	Wallet
}

// IsTransient 判断错误是否为可重试的网络/限频错误
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrYieldUnavailable) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "status code: 5") ||
		strings.Contains(msg, "too many requests")
}

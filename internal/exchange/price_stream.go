package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamingPriceFeed 通过 aggTrade 流缓存最新成交价, 价格过期时回退到 REST
type StreamingPriceFeed struct {
	PriceFeed
	wsBaseURL string
	symbol    string
	maxAge    time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	last   float64
	lastAt time.Time
}

// NewStreamingPriceFeed 创建带实时价格缓存的行情源
func NewStreamingPriceFeed(inner PriceFeed, wsBaseURL, symbol string, maxAge time.Duration, logger *zap.Logger) *StreamingPriceFeed {
	return &StreamingPriceFeed{
		PriceFeed: inner,
		wsBaseURL: wsBaseURL,
		symbol:    symbol,
		maxAge:    maxAge,
		logger:    logger,
		now:       time.Now,
	}
}

// GetPrice 优先返回未过期的推送价格
func (f *StreamingPriceFeed) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if symbol == f.symbol {
		f.mu.RLock()
		price, at := f.last, f.lastAt
		f.mu.RUnlock()
		if price > 0 && f.now().Sub(at) <= f.maxAge {
			return price, nil
		}
	}
	return f.PriceFeed.GetPrice(ctx, symbol)
}

func (f *StreamingPriceFeed) update(price float64) {
	f.mu.Lock()
	f.last = price
	f.lastAt = f.now()
	f.mu.Unlock()
}

// Run 是一个守护循环，负责维持WebSocket的连接和重连, ctx 取消后返回
func (f *StreamingPriceFeed) Run(ctx context.Context) {
	wsURL := fmt.Sprintf("%s/ws/%s@aggTrade", f.wsBaseURL, strings.ToLower(f.symbol))
	for {
		if ctx.Err() != nil {
			f.logger.Info("WebSocket循环已停止。")
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			f.logger.Warn("WebSocket连接失败, 5秒后重试", zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		f.logger.Info("WebSocket连接成功。", zap.String("url", wsURL))
		if err := f.handleMessages(ctx, conn); err != nil {
			f.logger.Warn("WebSocket处理时发生错误", zap.Error(err))
		}
		conn.Close()
		if !sleepCtx(ctx, 5*time.Second) {
			return
		}
	}
}

// handleMessages 为一个已建立的连接处理消息，并实现心跳机制
func (f *StreamingPriceFeed) handleMessages(ctx context.Context, conn *websocket.Conn) error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 让 ReadMessage 返回
				writeMu.Lock()
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}

		var trade struct {
			Price json.Number `json:"p"`
		}
		if err := json.Unmarshal(message, &trade); err != nil {
			f.logger.Debug("解析价格信息失败", zap.Error(err))
			continue
		}
		price, err := trade.Price.Float64()
		if err != nil || price <= 0 {
			continue
		}
		f.update(price)
	}
}

// sleepCtx 等待 d, ctx 取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const liveSAPIBaseURL = "https://api.binance.com"

// LiveExchange 通过币安现货接口实现 Exchange
type LiveExchange struct {
	client       *binance.Client
	apiKey       string
	secretKey    string
	sapiBaseURL  string
	httpClient   *http.Client
	limiter      *rate.Limiter
	yieldEnabled bool
	logger       *zap.Logger

	mu         sync.Mutex
	productIDs map[string]string // 资产 -> Simple Earn 活期产品ID
}

// NewLiveExchange 创建一个新的 LiveExchange 实例，并与服务器同步时间。
func NewLiveExchange(ctx context.Context, apiKey, secretKey string, cfg *models.Config, logger *zap.Logger) (*LiveExchange, error) {
	binance.UseTestnet = cfg.IsTestnet

	rps := cfg.Request.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	e := &LiveExchange{
		client:       binance.NewClient(apiKey, secretKey),
		apiKey:       apiKey,
		secretKey:    secretKey,
		sapiBaseURL:  liveSAPIBaseURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		limiter:      rate.NewLimiter(rate.Limit(rps), int(rps)),
		yieldEnabled: cfg.Yield.Enabled && !cfg.IsTestnet,
		logger:       logger,
		productIDs:   make(map[string]string),
	}
	if cfg.Yield.Enabled && cfg.IsTestnet {
		logger.Warn("测试网不支持理财账户, 已禁用资金划转")
	}

	if err := e.syncTime(ctx); err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	return e, nil
}

// syncTime 与币安服务器同步时间，计算时间偏移。
func (e *LiveExchange) syncTime(ctx context.Context) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	serverTime, err := e.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return mapAPIError(err)
	}
	e.client.TimeOffset = serverTime - time.Now().UnixMilli()
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", e.client.TimeOffset))
	return nil
}

func (e *LiveExchange) wait(ctx context.Context) error {
	return e.limiter.Wait(ctx)
}

// mapAPIError 将币安错误码映射为内部错误
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2010:
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
				return fmt.Errorf("%w: %s", ErrInsufficientBalance, apiErr.Message)
			}
		case -2011, -2013:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Message)
		case -1003, -1015:
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
		}
		return fmt.Errorf("币安API错误 %d: %s", apiErr.Code, apiErr.Message)
	}
	return err
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// --- PriceFeed ---

// GetPrice 获取指定交易对的当前价格。
func (e *LiveExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := e.wait(ctx); err != nil {
		return 0, err
	}
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, mapAPIError(err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, fmt.Errorf("未返回交易对 %s 的价格", symbol)
}

// GetCandles 获取K线, 按开盘时间升序
func (e *LiveExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	klines, err := e.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, models.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return candles, nil
}

// GetOrderBook 获取盘口
func (e *LiveExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	res, err := e.client.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	book := &models.OrderBook{
		Bids: make([]models.PriceLevel, 0, len(res.Bids)),
		Asks: make([]models.PriceLevel, 0, len(res.Asks)),
	}
	for _, b := range res.Bids {
		book.Bids = append(book.Bids, models.PriceLevel{Price: parseFloat(b.Price), Quantity: parseFloat(b.Quantity)})
	}
	for _, a := range res.Asks {
		book.Asks = append(book.Asks, models.PriceLevel{Price: parseFloat(a.Price), Quantity: parseFloat(a.Quantity)})
	}
	return book, nil
}

// --- OrderGateway ---

// PlaceLimitOrder 下GTC限价单
func (e *LiveExchange) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, price float64, clientID string) (*models.OrderHandle, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	svc := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(formatFloat(qty)).
		Price(formatFloat(price))
	if clientID != "" {
		svc = svc.NewClientOrderID(clientID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Error("下单请求失败，交易所返回错误", zap.Error(err))
		return nil, mapAPIError(err)
	}
	return &models.OrderHandle{
		ID:            res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Side:          side,
		Price:         price,
		Quantity:      qty,
	}, nil
}

// PlaceMarketOrder 下市价单, 币安对市价单同步返回成交结果
func (e *LiveExchange) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientID string) (*models.OrderInfo, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	svc := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeMarket).
		Quantity(formatFloat(qty))
	if clientID != "" {
		svc = svc.NewClientOrderID(clientID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Error("市价单请求失败", zap.Error(err))
		return nil, mapAPIError(err)
	}
	executed := parseFloat(res.ExecutedQuantity)
	return &models.OrderInfo{
		ID:        res.OrderID,
		Status:    mapOrderStatus(res.Status),
		Side:      side,
		Price:     avgPrice(res.CummulativeQuoteQuantity, executed, res.Price),
		Quantity:  parseFloat(res.OrigQuantity),
		Filled:    executed,
		UpdatedAt: time.UnixMilli(res.TransactTime),
	}, nil
}

// GetOrder 获取订单状态。
func (e *LiveExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderInfo, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	executed := parseFloat(o.ExecutedQuantity)
	return &models.OrderInfo{
		ID:        o.OrderID,
		Status:    mapOrderStatus(o.Status),
		Side:      models.Side(o.Side),
		Price:     avgPrice(o.CummulativeQuoteQuantity, executed, o.Price),
		Quantity:  parseFloat(o.OrigQuantity),
		Filled:    executed,
		UpdatedAt: time.UnixMilli(o.UpdateTime),
	}, nil
}

// CancelOrder 取消订单。
func (e *LiveExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	return mapAPIError(err)
}

// GetSymbolRules 从 exchangeInfo 读取精度和最小下单限制
func (e *LiveExchange) GetSymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	info, err := e.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := &models.SymbolRules{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				rules.StepSize = filterFloat(f, "stepSize")
				rules.MinQty = filterFloat(f, "minQty")
			case "PRICE_FILTER":
				rules.TickSize = filterFloat(f, "tickSize")
			case "MIN_NOTIONAL", "NOTIONAL":
				if v := filterFloat(f, "minNotional"); v > rules.MinNotional {
					rules.MinNotional = v
				}
			}
		}
		return rules, nil
	}
	return nil, fmt.Errorf("未找到交易对 %s 的信息", symbol)
}

func filterFloat(f map[string]interface{}, key string) float64 {
	if s, ok := f[key].(string); ok {
		return parseFloat(s)
	}
	return 0
}

func mapOrderStatus(s binance.OrderStatusType) models.ExchangeStatus {
	switch s {
	case binance.OrderStatusTypeFilled:
		return models.StatusClosed
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return models.StatusCanceled
	default:
		return models.StatusOpen
	}
}

func avgPrice(cumQuote string, executed float64, limit string) float64 {
	if executed > 0 {
		if q := parseFloat(cumQuote); q > 0 {
			return q / executed
		}
	}
	return parseFloat(limit)
}

// --- Wallet ---

// GetSpotBalances 获取现货账户余额
func (e *LiveExchange) GetSpotBalances(ctx context.Context) (map[string]models.AssetBalance, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	acc, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	out := make(map[string]models.AssetBalance)
	for _, b := range acc.Balances {
		free, locked := parseFloat(b.Free), parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out[b.Asset] = models.AssetBalance{Free: free, Locked: locked}
	}
	return out, nil
}

// GetYieldBalances 获取 Simple Earn 活期持仓
func (e *LiveExchange) GetYieldBalances(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64)
	if !e.yieldEnabled {
		return out, nil
	}
	params := url.Values{}
	params.Set("size", "100")
	data, err := e.doSigned(ctx, http.MethodGet, "/sapi/v1/simple-earn/flexible/position", params)
	if err != nil {
		return nil, fmt.Errorf("获取理财持仓失败: %w", err)
	}
	var res struct {
		Rows []struct {
			Asset       string `json:"asset"`
			ProductID   string `json:"productId"`
			TotalAmount string `json:"totalAmount"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("解析理财持仓失败: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range res.Rows {
		out[r.Asset] += parseFloat(r.TotalAmount)
		if r.ProductID != "" {
			e.productIDs[r.Asset] = r.ProductID
		}
	}
	return out, nil
}

// Transfer 申购或赎回活期理财
func (e *LiveExchange) Transfer(ctx context.Context, asset string, amount float64, direction models.TransferDirection) error {
	if !e.yieldEnabled {
		return ErrYieldUnavailable
	}
	productID, err := e.productID(ctx, asset)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("productId", productID)
	params.Set("amount", formatFloat(amount))

	endpoint := "/sapi/v1/simple-earn/flexible/subscribe"
	if direction == models.ToSpot {
		endpoint = "/sapi/v1/simple-earn/flexible/redeem"
	}
	data, err := e.doSigned(ctx, http.MethodPost, endpoint, params)
	if err != nil {
		return fmt.Errorf("理财划转失败 %s %s %.8f: %w", direction, asset, amount, err)
	}
	var res struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("解析划转响应失败: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("理财划转未成功: %s", string(data))
	}
	e.logger.Info("理财划转完成", zap.String("asset", asset), zap.Float64("amount", amount), zap.String("direction", string(direction)))
	return nil
}

func (e *LiveExchange) productID(ctx context.Context, asset string) (string, error) {
	e.mu.Lock()
	id, ok := e.productIDs[asset]
	e.mu.Unlock()
	if ok {
		return id, nil
	}

	params := url.Values{}
	params.Set("asset", asset)
	data, err := e.doSigned(ctx, http.MethodGet, "/sapi/v1/simple-earn/flexible/list", params)
	if err != nil {
		return "", fmt.Errorf("查询理财产品失败: %w", err)
	}
	var res struct {
		Rows []struct {
			Asset     string `json:"asset"`
			ProductID string `json:"productId"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", fmt.Errorf("解析理财产品失败: %w", err)
	}
	for _, r := range res.Rows {
		if r.Asset == asset {
			e.mu.Lock()
			e.productIDs[asset] = r.ProductID
			e.mu.Unlock()
			return r.ProductID, nil
		}
	}
	return "", fmt.Errorf("%w: 未找到 %s 的活期产品", ErrYieldUnavailable, asset)
}

// doSigned 发送签名的 SAPI 请求, go-binance 的服务集没有覆盖 Simple Earn 接口
func (e *LiveExchange) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli()+e.client.TimeOffset, 10))
	payload := query.Encode()
	encoded := payload + "&signature=" + e.sign(payload)

	fullURL := e.sapiBaseURL + endpoint
	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, fullURL+"?"+encoded, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiErr common.APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return body, mapAPIError(&apiErr)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return body, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// sign 对请求参数进行签名。
func (e *LiveExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

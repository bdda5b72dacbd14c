package account

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

const (
	// preTransferBuffer 赎回时在缺口基础上多赎回的比例
	preTransferBuffer = 1.2
	// minTransferValue 低于该价值 (计价货币) 的划转直接忽略
	minTransferValue = 1.0
)

// Position 某一时刻现货与理财账户的持仓镜像, 只读
type Position struct {
	Price      float64
	SpotBase   models.AssetBalance
	SpotQuote  models.AssetBalance
	YieldBase  float64
	YieldQuote float64
}

// BaseAmount 基础货币总数量 (现货 + 理财)
func (p Position) BaseAmount() float64 {
	return nonNegative(p.SpotBase.Total()) + nonNegative(p.YieldBase)
}

// QuoteAmount 计价货币总数量 (现货 + 理财)
func (p Position) QuoteAmount() float64 {
	return nonNegative(p.SpotQuote.Total()) + nonNegative(p.YieldQuote)
}

// BaseValue 基础货币按当前价格折算的价值
func (p Position) BaseValue() float64 {
	return p.BaseAmount() * nonNegative(p.Price)
}

// TotalAssets 总资产 (计价货币)
func (p Position) TotalAssets() float64 {
	return p.BaseValue() + p.QuoteAmount()
}

// Ratio 仓位比例
func (p Position) Ratio() float64 {
	return PositionRatio(p.BaseAmount(), p.QuoteAmount(), p.Price)
}

// PositionRatio 计算基础货币价值占总资产的比例, 结果总在 [0,1] 内, 总资产为0时返回0
func PositionRatio(baseAmount, quoteAmount, price float64) float64 {
	baseValue := nonNegative(baseAmount) * nonNegative(price)
	total := baseValue + nonNegative(quoteAmount)
	if total <= 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return 0
	}
	ratio := baseValue / total
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// Service 带短期缓存的余额服务, 负责现货与理财账户之间的资金调度
type Service struct {
	wallet exchange.Wallet
	rules  *models.SymbolRules
	cfg    *models.Config
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	spot    map[string]models.AssetBalance
	spotAt  time.Time
	yield   map[string]float64
	yieldAt time.Time
}

// NewService 创建余额服务
func NewService(wallet exchange.Wallet, rules *models.SymbolRules, cfg *models.Config, logger *zap.Logger) *Service {
	ttl := time.Duration(cfg.Loop.BalanceCacheTTLSec * float64(time.Second))
	if ttl <= 0 || ttl > time.Minute {
		ttl = 30 * time.Second
	}
	return &Service{
		wallet: wallet,
		rules:  rules,
		cfg:    cfg,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Invalidate 清空缓存, 成交或划转后必须立即调用
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spot = nil
	s.yield = nil
	s.spotAt = time.Time{}
	s.yieldAt = time.Time{}
}

// SpotBalances 返回现货余额, 缓存未过期时不访问交易所
func (s *Service) SpotBalances(ctx context.Context) (map[string]models.AssetBalance, error) {
	s.mu.Lock()
	if s.spot != nil && s.now().Sub(s.spotAt) < s.ttl {
		out := copySpot(s.spot)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	balances, err := s.wallet.GetSpotBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取现货余额失败: %w", err)
	}

	s.mu.Lock()
	s.spot = copySpot(balances)
	s.spotAt = s.now()
	s.mu.Unlock()
	return copySpot(balances), nil
}

// YieldBalances 返回理财账户余额。未启用理财时返回空表;
// 查询失败时退回上一次的缓存值, 避免理财接口故障阻塞交易。
func (s *Service) YieldBalances(ctx context.Context) map[string]float64 {
	if !s.cfg.Yield.Enabled {
		return map[string]float64{}
	}

	s.mu.Lock()
	if s.yield != nil && s.now().Sub(s.yieldAt) < s.ttl {
		out := copyYield(s.yield)
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	balances, err := s.wallet.GetYieldBalances(ctx)
	if err != nil {
		s.logger.Warn("获取理财余额失败, 使用上一次的值", zap.Error(err))
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.yield == nil {
			return map[string]float64{}
		}
		return copyYield(s.yield)
	}

	s.mu.Lock()
	s.yield = copyYield(balances)
	s.yieldAt = s.now()
	s.mu.Unlock()
	return copyYield(balances)
}

// Position 汇总交易对两种资产的现货与理财余额
func (s *Service) Position(ctx context.Context, price float64) (Position, error) {
	spot, err := s.SpotBalances(ctx)
	if err != nil {
		return Position{}, err
	}
	yield := s.YieldBalances(ctx)
	return Position{
		Price:      price,
		SpotBase:   spot[s.rules.BaseAsset],
		SpotQuote:  spot[s.rules.QuoteAsset],
		YieldBase:  yield[s.rules.BaseAsset],
		YieldQuote: yield[s.rules.QuoteAsset],
	}, nil
}

// PullFromYield 从理财账户赎回最多 amount 的 asset 到现货, 返回实际赎回数量
func (s *Service) PullFromYield(ctx context.Context, asset string, amount float64) (float64, error) {
	if !s.cfg.Yield.Enabled {
		return 0, exchange.ErrYieldUnavailable
	}
	if amount <= 0 {
		return 0, nil
	}

	available := s.YieldBalances(ctx)[asset]
	redeem := math.Min(amount, available)
	if redeem <= 0 {
		s.logger.Warn("理财账户无可赎回余额", zap.String("asset", asset), zap.Float64("needed", amount))
		return 0, nil
	}

	if err := s.wallet.Transfer(ctx, asset, redeem, models.ToSpot); err != nil {
		return 0, fmt.Errorf("从理财赎回 %.8f %s 失败: %w", redeem, asset, err)
	}
	s.Invalidate()
	s.logger.Info("已从理财赎回资金", zap.String("asset", asset), zap.Float64("amount", redeem))
	return redeem, nil
}

// EnsureSpot 确保现货中 asset 的可用余额不少于 required, 不足时从理财赎回缺口(含缓冲)。
// 返回赎回后现货是否足够。
func (s *Service) EnsureSpot(ctx context.Context, asset string, required float64) (bool, error) {
	spot, err := s.SpotBalances(ctx)
	if err != nil {
		return false, err
	}
	free := spot[asset].Free
	if free >= required {
		return true, nil
	}
	if !s.cfg.Yield.Enabled {
		return false, nil
	}

	shortfall := (required - free) * preTransferBuffer
	if _, err := s.PullFromYield(ctx, asset, shortfall); err != nil {
		return false, err
	}

	spot, err = s.SpotBalances(ctx)
	if err != nil {
		return false, err
	}
	return spot[asset].Free >= required, nil
}

// SweepExcess 成交后将现货中超出保留额的资金申购到理财账户。
// 计价货币保留 reserve_multiplier × min_trade_amount, 基础货币保留等值数量。
func (s *Service) SweepExcess(ctx context.Context, price float64) error {
	if !s.cfg.Yield.Enabled || price <= 0 {
		return nil
	}
	s.Invalidate()
	spot, err := s.SpotBalances(ctx)
	if err != nil {
		return err
	}

	keep := s.cfg.Trading.MinTradeAmount * s.cfg.Yield.ReserveMultiplier
	var errs []error

	quoteExcess := spot[s.rules.QuoteAsset].Free - keep
	if quoteExcess >= minTransferValue {
		if err := s.wallet.Transfer(ctx, s.rules.QuoteAsset, quoteExcess, models.ToYield); err != nil {
			errs = append(errs, fmt.Errorf("申购 %s 失败: %w", s.rules.QuoteAsset, err))
		} else {
			s.logger.Info("多余计价货币已转入理财", zap.String("asset", s.rules.QuoteAsset), zap.Float64("amount", quoteExcess))
		}
	}

	minHold := keep / price
	baseExcess := s.rules.FloorQuantity(spot[s.rules.BaseAsset].Free - minHold)
	if baseExcess*price >= minTransferValue {
		if err := s.wallet.Transfer(ctx, s.rules.BaseAsset, baseExcess, models.ToYield); err != nil {
			errs = append(errs, fmt.Errorf("申购 %s 失败: %w", s.rules.BaseAsset, err))
		} else {
			s.logger.Info("多余基础货币已转入理财", zap.String("asset", s.rules.BaseAsset), zap.Float64("amount", baseExcess))
		}
	}

	s.Invalidate()
	return errors.Join(errs...)
}

// AllocateInitial 启动时保证现货中两种资产各自至少占总资产的 initial_spot_pct
func (s *Service) AllocateInitial(ctx context.Context, price float64) error {
	if !s.cfg.Yield.Enabled || price <= 0 || s.cfg.Yield.InitialSpotPct <= 0 {
		return nil
	}
	pos, err := s.Position(ctx, price)
	if err != nil {
		return err
	}

	target := pos.TotalAssets() * s.cfg.Yield.InitialSpotPct
	var errs []error
	if deficit := target - pos.SpotQuote.Free; deficit >= minTransferValue {
		if _, err := s.PullFromYield(ctx, s.rules.QuoteAsset, deficit); err != nil {
			errs = append(errs, err)
		}
	}
	if deficit := target/price - pos.SpotBase.Free; deficit*price >= minTransferValue {
		if _, err := s.PullFromYield(ctx, s.rules.BaseAsset, deficit); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("初始资金检查完成",
		zap.Float64("total_assets", pos.TotalAssets()),
		zap.Float64("spot_target_value", target))
	return errors.Join(errs...)
}

func copySpot(in map[string]models.AssetBalance) map[string]models.AssetBalance {
	out := make(map[string]models.AssetBalance, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyYield(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"spot-grid-bot-go/internal/account"
	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/executor"
	"spot-grid-bot-go/internal/grid"
	"spot-grid-bot-go/internal/ledger"
	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/persistence"
	"spot-grid-bot-go/internal/reporter"
	"spot-grid-bot-go/internal/risk"
	"spot-grid-bot-go/internal/s1"
	"spot-grid-bot-go/internal/statemanager"
	"spot-grid-bot-go/internal/volatility"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const recentTradesInSnapshot = 10

// ErrNotInitialized Initialize 之前调用了 Tick/Run
var ErrNotInitialized = errors.New("bot not initialized")

// TradeLedger 成交账本
type TradeLedger interface {
	executor.TradeRecorder
	History(ctx context.Context) ([]models.Trade, error)
	Recent(ctx context.Context, n int) ([]models.Trade, error)
}

// Deps 控制循环依赖的外部协作者
type Deps struct {
	Feed     exchange.PriceFeed
	Gateway  exchange.OrderGateway
	Wallet   exchange.Wallet
	Ledger   TradeLedger
	Repo     persistence.StateRepository
	Notifier executor.Notifier
	// StatusOut 周期性状态表的输出, 为 nil 时不输出
	StatusOut io.Writer
	// Clock 回测时使用模拟时间, 为 nil 时使用 time.Now
	Clock func() time.Time
}

// Intent 网格触发后的交易意图
type Intent struct {
	Side     models.Side
	Notional float64
	Signal   grid.Signal
}

// Outcome 一次 Tick 的结果
type Outcome struct {
	Price    float64
	Ratio    float64
	Paused   bool
	Intent   *Intent
	Trade    *models.Trade
	S1Trade  *models.Trade
	Resized  bool
	ExecErr  error
	Snapshot models.GridSnapshot
}

// Bot 单交易对网格控制循环, 持有状态机、风控、S1、执行器等组件
type Bot struct {
	cfg    *models.Config
	deps   Deps
	logger *zap.Logger
	botID  string
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	rules   *models.SymbolRules
	account *account.Service
	grid    *grid.StateMachine
	resizer *grid.Resizer
	exec    *executor.Executor
	sizing  executor.Sizing
	risk    *risk.Manager
	s1      *s1.Controller
	states  *statemanager.StateManager

	saveMu sync.Mutex

	mu         sync.RWMutex
	price      float64
	position   account.Position
	paused     bool
	stats      ledger.Stats
	recent     []models.Trade
	lastStatus time.Time
	updatedAt  time.Time
}

// New 创建控制循环, 组件在 Initialize 中根据交易所元数据和持久化状态构建
func New(cfg *models.Config, deps Deps, logger *zap.Logger) *Bot {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &Bot{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		botID:  uuid.NewString(),
		now:    now,
		sleep:  sleepCtx,
		sizing: executor.NewSizing(cfg.Trading),
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string) {}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// ID 本次运行的唯一标识
func (b *Bot) ID() string {
	return b.botID
}

// Initialize 读取交易规则, 恢复网格状态, 确定基准价, 初始化资金分配并发送启动通知
func (b *Bot) Initialize(ctx context.Context) error {
	symbol := b.cfg.Symbol
	if b.deps.Ledger == nil {
		return errors.New("成交账本未配置")
	}

	rules, err := b.deps.Gateway.GetSymbolRules(ctx, symbol)
	if err != nil {
		return fmt.Errorf("获取 %s 交易规则失败: %w", symbol, err)
	}
	b.rules = rules
	b.logger.Info("交易规则已加载",
		zap.String("symbol", symbol),
		zap.Float64("step_size", rules.StepSize),
		zap.Float64("tick_size", rules.TickSize),
		zap.Float64("min_notional", rules.MinNotional))

	price, err := b.deps.Feed.GetPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("获取初始价格失败: %w", err)
	}

	var saved *models.BotState
	if b.deps.Repo != nil {
		saved, err = b.deps.Repo.LoadState()
		if err != nil {
			b.logger.Warn("无法加载持久化状态, 将以全新状态启动", zap.Error(err))
			saved = nil
		}
		if saved != nil && saved.Symbol != "" && saved.Symbol != symbol {
			b.logger.Warn("持久化状态属于其他交易对, 忽略", zap.String("saved_symbol", saved.Symbol))
			saved = nil
		}
	}

	basePrice, width := b.startingGrid(saved, price)
	sm, err := grid.NewStateMachine(basePrice, width, b.cfg.Grid, b.logger.Named("grid"))
	if err != nil {
		return err
	}
	b.grid = sm

	b.account = account.NewService(b.deps.Wallet, rules, b.cfg, b.logger.Named("account"))
	estimator := volatility.NewEstimator(b.deps.Feed, symbol, b.cfg.Volatility)
	b.resizer = grid.NewResizer(sm, grid.NewSizer(b.cfg.Grid), estimator, b.logger.Named("resizer"))
	b.risk = risk.NewManager(b.cfg.Trading, b.logger.Named("risk"))
	b.exec = executor.New(executor.Deps{
		Gateway:  b.deps.Gateway,
		Feed:     b.deps.Feed,
		Rules:    rules,
		Anchor:   sm,
		Funds:    b.account,
		Trades:   b.deps.Ledger,
		Notifier: b.deps.Notifier,
		Clock:    b.now,
	}, b.cfg, b.logger.Named("executor"))
	b.s1 = s1.NewController(b.deps.Feed, symbol, b.cfg.S1, b.account, b.exec, b.logger.Named("s1"))
	if saved != nil {
		b.s1.Restore(saved.S1)
	}

	b.states = statemanager.NewStateManager(saved, b.deps.Repo, b.logger.Named("state"))
	b.states.Start()

	if err := b.account.AllocateInitial(ctx, price); err != nil {
		b.logger.Warn("初始资金分配失败", zap.Error(err))
	}
	b.refreshStats(ctx)

	b.mu.Lock()
	b.price = price
	b.updatedAt = b.now()
	b.mu.Unlock()
	b.persist(true)

	snap := sm.Snapshot()
	b.logger.Info("网格初始化完成",
		zap.String("bot_id", b.botID),
		zap.Float64("price", price),
		zap.Float64("base_price", snap.BasePrice),
		zap.Float64("grid", snap.GridWidth),
		zap.Float64("threshold", snap.Threshold))
	b.notify(ctx, "网格交易启动", fmt.Sprintf(
		"交易对: %s\n基准价: %.4f\n网格宽度: %.2f%%\n反转阈值: %.3f%%\n当前价格: %.4f",
		symbol, snap.BasePrice, snap.GridWidth, snap.Threshold*100, price))
	return nil
}

// startingGrid 基准价优先使用持久化状态, 其次是 INITIAL_BASE_PRICE, 最后是当前价格
func (b *Bot) startingGrid(saved *models.BotState, price float64) (float64, float64) {
	width := b.cfg.Grid.Initial
	if saved != nil && saved.Grid.BasePrice > 0 {
		if saved.Grid.GridWidth > 0 {
			width = saved.Grid.GridWidth
		}
		b.logger.Info("从持久化状态恢复网格",
			zap.Float64("base_price", saved.Grid.BasePrice),
			zap.Float64("grid", width),
			zap.Time("saved_at", saved.LastUpdateTime))
		return saved.Grid.BasePrice, width
	}
	if b.cfg.InitialBasePrice > 0 {
		b.logger.Info("使用配置的初始基准价", zap.Float64("base_price", b.cfg.InitialBasePrice))
		return b.cfg.InitialBasePrice, width
	}
	return price, width
}

// Tick 执行一次控制循环: 更新价格, 刷新S1日线, 风控检查, 网格触发优先;
// 未触发时依次执行 S1 调仓和网格宽度调整
func (b *Bot) Tick(ctx context.Context) (*Outcome, error) {
	if b.grid == nil {
		return nil, ErrNotInitialized
	}
	now := b.now()

	price, err := b.deps.Feed.GetPrice(ctx, b.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("获取价格失败: %w", err)
	}
	if price <= 0 {
		return nil, fmt.Errorf("价格 %.8f: %w", price, grid.ErrInvalidPrice)
	}

	if b.cfg.S1.Enabled {
		if _, err := b.s1.RefreshIfStale(ctx, now); err != nil {
			b.logger.Warn("S1 高低点更新失败, 本轮跳过 S1", zap.Error(err))
		}
	}

	pos, err := b.account.Position(ctx, price)
	if err != nil {
		return nil, fmt.Errorf("获取仓位失败: %w", err)
	}
	decision := b.risk.Evaluate(pos.Ratio())
	out := &Outcome{Price: price, Ratio: decision.Ratio, Paused: decision.Paused}

	b.mu.Lock()
	b.price = price
	b.position = pos
	b.paused = decision.Paused
	b.updatedAt = now
	b.mu.Unlock()

	var sig *grid.Signal
	if !decision.Paused {
		sig, err = b.grid.Observe(price)
		if err != nil {
			return nil, err
		}
	}

	if sig != nil {
		notional := b.sizing.Notional(sig.Side, pos)
		out.Intent = &Intent{Side: sig.Side, Notional: notional, Signal: *sig}
		b.logger.Info("网格触发",
			zap.String("side", string(sig.Side)),
			zap.Float64("price", sig.Price),
			zap.Float64("extreme", sig.Extreme),
			zap.Float64("base_price", sig.BasePrice),
			zap.Float64("notional", notional))

		res, err := b.exec.Execute(ctx, sig.Side, notional)
		if err != nil {
			out.ExecErr = err
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			b.logger.Warn("网格交易未完成", zap.String("side", string(sig.Side)), zap.Error(err))
		} else {
			trade := res.Trade
			out.Trade = &trade
			b.afterTrade(ctx)
		}
	} else {
		if b.cfg.S1.Enabled {
			res, err := b.s1.CheckAndExecute(ctx, price)
			if err != nil {
				b.logger.Warn("S1 调仓失败", zap.Error(err))
			} else if res != nil {
				trade := res.Trade
				out.S1Trade = &trade
				b.afterTrade(ctx)
			}
		}

		resized, err := b.resizer.MaybeResize(ctx, now)
		if err != nil {
			b.logger.Warn("波动率计算失败, 保持当前网格宽度", zap.Error(err))
		}
		out.Resized = resized
	}

	out.Snapshot = b.grid.Snapshot()
	b.persist(false)
	return out, nil
}

func (b *Bot) afterTrade(ctx context.Context) {
	b.refreshStats(ctx)
}

// refreshStats 从账本重新计算统计与最近成交
func (b *Bot) refreshStats(ctx context.Context) {
	history, err := b.deps.Ledger.History(ctx)
	if err != nil {
		b.logger.Warn("读取成交历史失败", zap.Error(err))
		return
	}
	stats := ledger.ComputeStats(history)
	recent, err := b.deps.Ledger.Recent(ctx, recentTradesInSnapshot)
	if err != nil {
		b.logger.Warn("读取最近成交失败", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.stats = stats
	b.recent = recent
	b.mu.Unlock()
}

// persist 网格快照或 S1 高低点变化时提交给状态管理器
func (b *Bot) persist(force bool) {
	if b.states == nil {
		return
	}
	state := models.BotState{
		BotID:          b.botID,
		Symbol:         b.cfg.Symbol,
		Version:        persistence.StateVersion,
		Grid:           b.grid.Snapshot(),
		S1:             b.s1.Levels(),
		LastUpdateTime: b.now(),
	}
	// 监控中的极值不持久化, 恢复时总是从 FLAT 开始
	state.Grid.Mode = string(grid.Flat)
	state.Grid.ExtremePrice = 0

	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	if last := b.states.GetStateSnapshot(); !force && last != nil && sameState(state, *last) {
		return
	}
	b.states.Submit(state)
}

func sameState(a, b models.BotState) bool {
	if a.Grid != b.Grid {
		return false
	}
	if (a.S1 == nil) != (b.S1 == nil) {
		return false
	}
	return a.S1 == nil || a.S1.UpdatedAt.Equal(b.S1.UpdatedAt)
}

// Snapshot 返回只读的运行状态
func (b *Bot) Snapshot() models.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := models.Snapshot{
		Symbol:        b.cfg.Symbol,
		Price:         b.price,
		PositionRatio: b.position.Ratio(),
		TotalAssets:   b.position.TotalAssets(),
		RiskPaused:    b.paused,
		WinRate:       b.stats.WinRate,
		TotalProfit:   b.stats.TotalProfit,
		TradeCount:    b.stats.TotalTrades,
		RecentTrades:  append([]models.Trade(nil), b.recent...),
		UpdatedAt:     b.updatedAt,
	}
	if b.grid != nil {
		snap.Grid = b.grid.Snapshot()
		snap.Volatility = b.resizer.LastVolatility()
		snap.NextResize = b.resizer.NextCheck()
		snap.S1 = b.s1.Levels()
	}
	return snap
}

// Run 运行控制循环直到 ctx 取消。单次 Tick 的错误或 panic 只会记录日志并等待退避时间。
func (b *Bot) Run(ctx context.Context) error {
	if b.grid == nil {
		return ErrNotInitialized
	}
	defer b.Shutdown()

	tick := seconds(b.cfg.Loop.TickIntervalSec)
	watchTick := seconds(b.cfg.Loop.WatchIntervalSec)
	backoff := seconds(b.cfg.Loop.ErrorBackoffSec)

	b.logger.Info("控制循环已启动", zap.Duration("tick", tick), zap.Duration("watch_tick", watchTick))
	for {
		if ctx.Err() != nil {
			b.logger.Info("控制循环已停止")
			return nil
		}

		delay := tick
		if err := b.safeTick(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.logger.Error("本轮循环失败", zap.Error(err), zap.Duration("backoff", backoff))
			delay = backoff
		} else if b.grid.Mode() != grid.Flat {
			delay = watchTick
		}
		b.maybeRenderStatus()

		if err := b.sleep(ctx, delay); err != nil {
			continue
		}
	}
}

// safeTick 执行一次 Tick 并把 panic 转换为错误
func (b *Bot) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("控制循环发生 panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = b.Tick(ctx)
	return err
}

func (b *Bot) maybeRenderStatus() {
	if b.deps.StatusOut == nil {
		return
	}
	interval := seconds(b.cfg.Loop.StatusIntervalSec)
	now := b.now()
	b.mu.Lock()
	due := interval > 0 && now.Sub(b.lastStatus) >= interval
	if due {
		b.lastStatus = now
	}
	b.mu.Unlock()
	if due {
		reporter.RenderStatus(b.deps.StatusOut, b.Snapshot())
	}
}

// EmergencyStop 撤销未决订单, 保存状态并发送通知
func (b *Bot) EmergencyStop(ctx context.Context, reason string) error {
	b.logger.Warn("紧急停止", zap.String("reason", reason))
	var errs []error
	if b.exec != nil {
		if err := b.exec.CancelInFlight(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if b.grid != nil {
		b.persist(true)
	}
	b.Shutdown()
	b.notify(ctx, "紧急停止", fmt.Sprintf("交易对: %s\n原因: %s", b.cfg.Symbol, reason))
	return errors.Join(errs...)
}

// Shutdown 刷新并停止状态持久化
func (b *Bot) Shutdown() {
	if b.states == nil {
		return
	}
	b.states.Stop()
	if b.states.Pending() {
		last := b.states.GetStateSnapshot()
		b.logger.Error("最新网格状态未能保存, 下次启动将使用旧状态",
			zap.Float64("base_price", last.Grid.BasePrice),
			zap.Float64("grid_width", last.Grid.GridWidth))
	}
}

func (b *Bot) notify(ctx context.Context, title, content string) {
	b.deps.Notifier.Notify(ctx, title, content)
}

package bot

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spot-grid-bot-go/internal/config"
	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/grid"
	"spot-grid-bot-go/internal/ledger"
	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingNotifier) Notify(ctx context.Context, title, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
}

func (r *recordingNotifier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

type harness struct {
	bot      *Bot
	sim      *exchange.BacktestExchange
	ledger   *ledger.Ledger
	repo     *persistence.MemoryRepository
	notifier *recordingNotifier
	clock    time.Time
}

func testConfig(quote, base float64) *models.Config {
	cfg := config.Default()
	cfg.Symbol = "BNBUSDT"
	cfg.Backtest.InitialQuote = quote
	cfg.Backtest.InitialBase = base
	cfg.Backtest.TakerFeeRate = 0
	cfg.Backtest.MakerFeeRate = 0
	cfg.Order.FillWaitSec = 0
	cfg.S1.Enabled = false
	cfg.Yield.Enabled = false
	return cfg
}

func newHarness(t *testing.T, cfg *models.Config, repo *persistence.MemoryRepository) *harness {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	if repo == nil {
		repo = persistence.NewMemoryRepository()
	}
	h := &harness{
		sim:      exchange.NewBacktestExchange(cfg, "BNB", "USDT", zap.NewNop()),
		ledger:   l,
		repo:     repo,
		notifier: &recordingNotifier{},
		clock:    t0,
	}
	h.bot = New(cfg, Deps{
		Feed:     h.sim,
		Gateway:  h.sim,
		Wallet:   h.sim,
		Ledger:   l,
		Repo:     repo,
		Notifier: h.notifier,
		Clock:    h.sim.GetCurrentTime,
	}, zap.NewNop())
	t.Cleanup(h.bot.Shutdown)
	return h
}

func (h *harness) price(p float64) {
	h.clock = h.clock.Add(time.Minute)
	h.sim.SetPrice(p, p, p, p, h.clock)
}

func TestTickBeforeInitialize(t *testing.T) {
	h := newHarness(t, testConfig(1000, 0), nil)
	_, err := h.bot.Tick(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, h.bot.Run(context.Background()), ErrNotInitialized)
}

func TestBuyTriggerEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(5000, 50), nil)
	h.price(100)
	require.NoError(t, h.bot.Initialize(ctx))

	snap := h.bot.Snapshot()
	assert.Equal(t, 100.0, snap.Grid.BasePrice)
	assert.Equal(t, 2.0, snap.Grid.GridWidth)
	assert.InDelta(t, 0.004, snap.Grid.Threshold, 1e-15)
	assert.Equal(t, []string{"网格交易启动"}, h.notifier.all())

	// 跌破下轨 98, 进入买入监控
	h.price(97.5)
	out, err := h.bot.Tick(ctx)
	require.NoError(t, err)
	assert.Nil(t, out.Intent)
	assert.Equal(t, string(grid.BuyWatch), out.Snapshot.Mode)
	assert.Equal(t, 97.5, out.Snapshot.ExtremePrice)

	// 97.9 >= 97.5 × 1.004 = 97.89, 触发买入
	h.price(97.9)
	out, err = h.bot.Tick(ctx)
	require.NoError(t, err)
	require.NotNil(t, out.Intent)
	assert.Equal(t, models.Buy, out.Intent.Side)
	assert.InDelta(t, 0.10*(5000+50*97.9), out.Intent.Notional, 1e-9)
	assert.Equal(t, 97.5, out.Intent.Signal.Extreme)

	require.NotNil(t, out.Trade)
	assert.Equal(t, 97.9, out.Trade.Price)
	assert.InDelta(t, 10.107, out.Trade.Amount, 1e-12)
	assert.Equal(t, models.StrategyGrid, out.Trade.Strategy)
	assert.True(t, out.Trade.Timestamp.Equal(h.clock), "trade stamped with simulated time")
	assert.Equal(t, 97.9, out.Snapshot.BasePrice)
	assert.Equal(t, string(grid.Flat), out.Snapshot.Mode)

	history, err := h.ledger.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Timestamp.Equal(h.clock))

	snap = h.bot.Snapshot()
	assert.Equal(t, 1, snap.TradeCount)
	assert.Len(t, snap.RecentTrades, 1)
	assert.Equal(t, 97.9, snap.Price)
	assert.Contains(t, h.notifier.all(), "买入成功")

	h.bot.Shutdown()
	saved, err := h.repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 97.9, saved.Grid.BasePrice)
	assert.Equal(t, "BNBUSDT", saved.Symbol)
	assert.Equal(t, h.bot.ID(), saved.BotID)
}

func TestInitializeRestoresPersistedGrid(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	require.NoError(t, repo.SaveState(&models.BotState{
		Symbol: "BNBUSDT",
		Grid:   models.GridSnapshot{BasePrice: 105, GridWidth: 3, Mode: string(grid.SellWatch), ExtremePrice: 110},
	}))

	cfg := testConfig(5000, 50)
	cfg.InitialBasePrice = 90
	h := newHarness(t, cfg, repo)
	h.price(100)
	require.NoError(t, h.bot.Initialize(context.Background()))

	snap := h.bot.Snapshot()
	assert.Equal(t, 105.0, snap.Grid.BasePrice)
	assert.Equal(t, 3.0, snap.Grid.GridWidth)
	assert.Equal(t, string(grid.Flat), snap.Grid.Mode)
	assert.Zero(t, snap.Grid.ExtremePrice)
}

func TestInitializeUsesConfiguredBasePrice(t *testing.T) {
	cfg := testConfig(5000, 50)
	cfg.InitialBasePrice = 90
	h := newHarness(t, cfg, nil)
	h.price(100)
	require.NoError(t, h.bot.Initialize(context.Background()))
	assert.Equal(t, 90.0, h.bot.Snapshot().Grid.BasePrice)
}

func TestRiskPauseBlocksGridTriggers(t *testing.T) {
	ctx := context.Background()
	// 仓位比例 5000/5100 超过 0.9
	h := newHarness(t, testConfig(100, 50), nil)
	h.price(100)
	require.NoError(t, h.bot.Initialize(ctx))

	h.price(97.5)
	out, err := h.bot.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, out.Paused)
	assert.Nil(t, out.Intent)
	assert.Equal(t, string(grid.Flat), out.Snapshot.Mode)
	assert.True(t, h.bot.Snapshot().RiskPaused)
}

type panickingFeed struct {
	exchange.PriceFeed
}

func (panickingFeed) GetPrice(ctx context.Context, symbol string) (float64, error) {
	panic("feed exploded")
}

func TestSafeTickRecoversPanic(t *testing.T) {
	h := newHarness(t, testConfig(5000, 50), nil)
	h.price(100)
	require.NoError(t, h.bot.Initialize(context.Background()))

	h.bot.deps.Feed = panickingFeed{PriceFeed: h.sim}
	err := h.bot.safeTick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed exploded")
}

func TestRunStopsOnCancelAndRendersStatus(t *testing.T) {
	cfg := testConfig(5000, 50)
	cfg.Loop.StatusIntervalSec = 1
	h := newHarness(t, cfg, nil)
	var out bytes.Buffer
	h.bot.deps.StatusOut = &out
	h.price(100)
	require.NoError(t, h.bot.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	h.bot.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 2 {
			cancel()
			return ctx.Err()
		}
		h.price(97.5)
		return nil
	}

	require.NoError(t, h.bot.Run(ctx))
	require.Len(t, delays, 2)
	assert.Equal(t, 5*time.Second, delays[0], "flat grid uses the normal tick")
	assert.Equal(t, 2*time.Second, delays[1], "watching grid uses the fast tick")
	assert.Contains(t, out.String(), "BNBUSDT")
}

func TestRunBacksOffAfterError(t *testing.T) {
	h := newHarness(t, testConfig(5000, 50), nil)
	h.price(100)
	require.NoError(t, h.bot.Initialize(context.Background()))
	h.bot.deps.Feed = panickingFeed{PriceFeed: h.sim}

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	h.bot.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		cancel()
		return ctx.Err()
	}
	require.NoError(t, h.bot.Run(ctx))
	assert.Equal(t, []time.Duration{30 * time.Second}, delays)
}

func TestEmergencyStop(t *testing.T) {
	h := newHarness(t, testConfig(5000, 50), nil)
	h.price(100)
	require.NoError(t, h.bot.Initialize(context.Background()))

	require.NoError(t, h.bot.EmergencyStop(context.Background(), "manual"))
	assert.Equal(t, []string{"网格交易启动", "紧急停止"}, h.notifier.all())

	saved, err := h.repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 100.0, saved.Grid.BasePrice)
}

func TestPersistSkipsUnchangedSnapshot(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	h := newHarness(t, testConfig(5000, 50), repo)
	h.price(100)
	require.NoError(t, h.bot.Initialize(context.Background()))

	h.bot.persist(false)
	h.bot.persist(false)
	h.bot.Shutdown()
	assert.Equal(t, 1, repo.Saves())

	saved, err := repo.LoadState()
	require.NoError(t, err)
	assert.Equal(t, 100.0, saved.Grid.BasePrice)
}

type failingRepo struct {
	*persistence.MemoryRepository
}

func (failingRepo) SaveState(*models.BotState) error {
	return errors.New("disk full")
}

func TestShutdownReportsUnsavedState(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := newHarness(t, testConfig(5000, 50), nil)
	h.bot.logger = zap.New(core)
	h.bot.deps.Repo = failingRepo{persistence.NewMemoryRepository()}
	h.price(100)
	require.NoError(t, h.bot.Initialize(context.Background()))

	h.bot.Shutdown()
	entries := logs.FilterMessage("最新网格状态未能保存, 下次启动将使用旧状态").All()
	require.Len(t, entries, 1)
	assert.Equal(t, 100.0, entries[0].ContextMap()["base_price"])
}

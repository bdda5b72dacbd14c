package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"spot-grid-bot-go/internal/bot"
	"spot-grid-bot-go/internal/config"
	"spot-grid-bot-go/internal/downloader"
	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/ledger"
	"spot-grid-bot-go/internal/logger"
	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/notify"
	"spot-grid-bot-go/internal/persistence"
	"spot-grid-bot-go/internal/reporter"
	"spot-grid-bot-go/internal/retry"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var quoteAssets = []string{"USDT", "FDUSD", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB"}

// splitSymbol 按常见计价货币后缀拆分交易对, 例如 "BNBUSDT" -> ("BNB", "USDT")
func splitSymbol(symbol string) (string, string, error) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, nil
		}
	}
	return "", "", fmt.Errorf("无法识别交易对 %s 的计价货币", symbol)
}

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	return strings.Split(name, "-")[0]
}

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live, paper or backtest")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to backtest (e.g., BNBUSDT)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "读取 .env 失败: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法加载配置文件: %v\n", err)
		os.Exit(1)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "环境变量配置错误: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogConfig)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "live", "paper":
		err = runLiveMode(ctx, cfg, *mode == "paper", log)
	case "backtest":
		var path string
		path, err = handleBacktestMode(ctx, *symbol, *startDate, *endDate, *dataPath, log)
		if err == nil {
			err = runBacktestMode(ctx, cfg, path, log)
		}
	default:
		err = fmt.Errorf("未知的运行模式: %s, 请选择 live、paper 或 backtest", *mode)
	}
	if err != nil {
		log.Error("运行失败", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

// handleBacktestMode 处理回测模式的启动逻辑，包括数据下载。
// 成功后返回数据文件路径，失败则返回错误。
func handleBacktestMode(ctx context.Context, symbol, startDate, endDate, dataPath string, log *zap.Logger) (string, error) {
	if symbol != "" && startDate != "" && endDate != "" {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}
		if err := os.MkdirAll("data", 0o755); err != nil {
			return "", fmt.Errorf("创建 data 目录失败: %w", err)
		}

		fileName := fmt.Sprintf("data/%s-%s-%s.csv", symbol, startDate, endDate)
		log.Info("开始下载K线数据", zap.String("symbol", symbol), zap.String("start", startDate), zap.String("end", endDate))
		if err := downloader.NewKlineDownloader(log.Named("downloader")).DownloadKlines(ctx, symbol, fileName, startTime, endTime); err != nil {
			return "", fmt.Errorf("下载数据失败: %w", err)
		}
		return fileName, nil
	}

	if dataPath == "" {
		return "", fmt.Errorf("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	return dataPath, nil
}

func retryPolicy(cfg *models.Config, log *zap.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.Request.MaxAttempts,
		InitialInterval: time.Duration(cfg.Request.InitialDelayMs) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Request.MaxDelayMs) * time.Millisecond,
		Logger:          log.Named("retry"),
	}
}

// runLiveMode 运行实盘或模拟盘; 模拟盘使用真实行情, 订单在本地撮合
func runLiveMode(ctx context.Context, cfg *models.Config, paper bool, log *zap.Logger) error {
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if !paper && (apiKey == "" || secretKey == "") {
		return errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}

	wsBaseURL := cfg.LiveWSURL
	if cfg.IsTestnet {
		wsBaseURL = cfg.TestnetWSURL
		log.Info("正在使用币安测试网")
	}

	live, err := exchange.NewLiveExchange(ctx, apiKey, secretKey, cfg, log.Named("exchange"))
	if err != nil {
		return fmt.Errorf("初始化交易所失败: %w", err)
	}
	var ex exchange.Exchange = exchange.NewRetryingExchange(live, retryPolicy(cfg, log))

	stream := exchange.NewStreamingPriceFeed(ex, wsBaseURL, cfg.Symbol,
		time.Duration(cfg.Request.PriceStaleAfter*float64(time.Second)), log.Named("stream"))
	go stream.Run(ctx)

	var (
		feed    exchange.PriceFeed    = stream
		gateway exchange.OrderGateway = ex
		wallet  exchange.Wallet       = ex
	)
	if paper {
		base, quote, err := splitSymbol(cfg.Symbol)
		if err != nil {
			return err
		}
		paperEx := exchange.NewPaperExchange(stream, exchange.NewBacktestExchange(cfg, base, quote, log.Named("paper")))
		feed, gateway, wallet = paperEx, paperEx, paperEx
		log.Info("模拟盘模式: 订单在本地撮合", zap.Float64("quote", cfg.Backtest.InitialQuote), zap.Float64("base", cfg.Backtest.InitialBase))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o755); err != nil {
		return fmt.Errorf("创建账本目录失败: %w", err)
	}
	tradeLedger, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer tradeLedger.Close()

	if pending, err := tradeLedger.ReconcilePending(ctx, cfg.Symbol, time.Now()); err != nil {
		log.Warn("核对未完成订单失败", zap.Error(err))
	} else {
		for _, o := range pending {
			log.Warn("上次运行遗留未完成订单, 请人工核对",
				zap.Int64("id", o.ID), zap.String("client_id", o.ClientOrderID), zap.String("side", string(o.Side)))
		}
	}

	repo, err := persistence.NewBadgerRepository(cfg.DBPath, cfg.Symbol, log.Named("badger"))
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}
	defer repo.Close()

	gridBot := bot.New(cfg, bot.Deps{
		Feed:      feed,
		Gateway:   gateway,
		Wallet:    wallet,
		Ledger:    tradeLedger,
		Repo:      repo,
		Notifier:  notify.FromConfig(cfg.Notify, log.Named("notify")),
		StatusOut: os.Stdout,
	}, log.Named("bot"))

	if err := gridBot.Initialize(ctx); err != nil {
		return fmt.Errorf("机器人初始化失败: %w", err)
	}
	if err := gridBot.Run(ctx); err != nil {
		return err
	}
	log.Info("机器人已成功停止，状态已保存。")
	return nil
}

// runBacktestMode 在历史K线上逐根驱动控制循环并输出报告
func runBacktestMode(ctx context.Context, cfg *models.Config, dataPath string, log *zap.Logger) error {
	cfg.Symbol = extractSymbolFromPath(dataPath)
	base, quote, err := splitSymbol(cfg.Symbol)
	if err != nil {
		return err
	}
	// 回测中订单立即成交, 不需要等待
	cfg.Order.FillWaitSec = 0

	candles, err := downloader.LoadKlines(dataPath, log)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return fmt.Errorf("历史数据文件 %s 为空", dataPath)
	}

	sim := exchange.NewBacktestExchange(cfg, base, quote, log.Named("sim"))
	tradeLedger, err := ledger.Open(":memory:")
	if err != nil {
		return err
	}
	defer tradeLedger.Close()

	gridBot := bot.New(cfg, bot.Deps{
		Feed:    sim,
		Gateway: sim,
		Wallet:  sim,
		Ledger:  tradeLedger,
		Repo:    persistence.NewMemoryRepository(),
		Clock:   sim.GetCurrentTime,
	}, log.Named("bot"))
	defer gridBot.Shutdown()

	first := candles[0]
	sim.SetPrice(first.Open, first.High, first.Low, first.Close, first.OpenTime)
	if err := gridBot.Initialize(ctx); err != nil {
		return fmt.Errorf("回测机器人初始化失败: %w", err)
	}

	log.Info("开始回测", zap.String("symbol", cfg.Symbol), zap.Int("candles", len(candles)))
	for _, c := range candles[1:] {
		if ctx.Err() != nil {
			log.Warn("回测被中断")
			break
		}
		sim.SetPrice(c.Open, c.High, c.Low, c.Close, c.OpenTime)
		if _, err := gridBot.Tick(ctx); err != nil {
			log.Warn("回测周期失败", zap.Time("time", c.OpenTime), zap.Error(err))
		}
	}
	log.Info("回测结束")

	trades, err := tradeLedger.History(ctx)
	if err != nil {
		return err
	}
	reporter.GenerateReport(os.Stdout, sim, trades, dataPath, first.OpenTime, candles[len(candles)-1].OpenTime)
	return nil
}

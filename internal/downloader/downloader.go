package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

const pageLimit = 1000 // 币安单次请求最多1000条

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// klineSource 分页拉取1分钟K线
type klineSource interface {
	Klines(ctx context.Context, symbol string, start time.Time, limit int) ([]*binance.Kline, error)
}

type binanceSource struct {
	client *binance.Client
}

func (s binanceSource) Klines(ctx context.Context, symbol string, start time.Time, limit int) ([]*binance.Kline, error) {
	return s.client.NewKlinesService().
		Symbol(symbol).
		Interval("1m").
		StartTime(start.UnixMilli()).
		Limit(limit).
		Do(ctx)
}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	source klineSource
	pause  time.Duration
	logger *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger) *KlineDownloader {
	return &KlineDownloader{
		source: binanceSource{client: binance.NewClient("", "")}, // 公共接口不需要API Key
		pause:  200 * time.Millisecond,
		logger: logger,
	}
}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Sugar().Infof("从缓存加载数据: %s", filePath)
		return nil
	}

	d.logger.Sugar().Infof("开始下载 %s 从 %s 到 %s 的K线数据...", symbol, startTime.Format("2006-01-02"), endTime.Format("2006-01-02"))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	// 先写临时文件, 中途失败不会留下被当作缓存的残缺文件
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}
	n, err := d.write(ctx, file, symbol, startTime, endTime)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("保存K线文件失败: %w", err)
	}

	d.logger.Sugar().Infof("成功下载 %d 条K线数据到 %s", n, filePath)
	return nil
}

func (d *KlineDownloader) write(ctx context.Context, w io.Writer, symbol string, startTime, endTime time.Time) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return 0, fmt.Errorf("写入CSV表头失败: %w", err)
	}

	count := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.source.Klines(ctx, symbol, t, pageLimit)
		if err != nil {
			return count, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			if k.OpenTime >= endTime.UnixMilli() {
				break
			}
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return count, fmt.Errorf("写入CSV记录失败: %w", err)
			}
			count++
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Sugar().Debugf("已下载数据至 %s", t.Format("2006-01-02 15:04:05"))

		if d.pause > 0 {
			select {
			case <-ctx.Done():
				return count, ctx.Err()
			case <-time.After(d.pause):
			}
		}
	}

	writer.Flush()
	return count, writer.Error()
}

// LoadKlines 读取 DownloadKlines 写出的CSV文件, 跳过无法解析的行
func LoadKlines(path string, logger *zap.Logger) ([]models.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("无法读取CSV记录: %w", err)
	}
	if len(records) <= 1 {
		return nil, errors.New("历史数据文件为空或只有表头")
	}

	candles := make([]models.Candle, 0, len(records)-1)
	for _, record := range records[1:] {
		c, err := parseRecord(record)
		if err != nil {
			logger.Sugar().Warnf("无法解析K线数据，跳过此条记录: %v (%v)", record, err)
			continue
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, errors.New("历史数据文件中没有有效的K线")
	}
	return candles, nil
}

func parseRecord(record []string) (models.Candle, error) {
	if len(record) < 6 {
		return models.Candle{}, fmt.Errorf("字段数量 %d 不足", len(record))
	}
	openMs, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return models.Candle{}, err
	}
	var vals [5]float64
	for i := range vals {
		if vals[i], err = strconv.ParseFloat(record[i+1], 64); err != nil {
			return models.Candle{}, err
		}
	}
	c := models.Candle{
		OpenTime: time.UnixMilli(openMs).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}
	if len(record) > 6 {
		if closeMs, err := strconv.ParseInt(record[6], 10, 64); err == nil {
			c.CloseTime = time.UnixMilli(closeMs).UTC()
		}
	}
	return c, nil
}

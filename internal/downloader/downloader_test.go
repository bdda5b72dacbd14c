package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeSource 每页返回最多 pageSize 根1分钟K线, 直到 available 用完
type fakeSource struct {
	mu        sync.Mutex
	available int
	pageSize  int
	calls     int
	err       error
}

func (f *fakeSource) Klines(ctx context.Context, symbol string, start time.Time, limit int) ([]*binance.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []*binance.Kline
	first := int(start.Sub(t0) / time.Minute)
	for i := first; i < f.available && len(out) < f.pageSize; i++ {
		open := t0.Add(time.Duration(i) * time.Minute)
		price := fmt.Sprintf("%d", 100+i)
		out = append(out, &binance.Kline{
			OpenTime:  open.UnixMilli(),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    "1",
			CloseTime: open.Add(time.Minute).UnixMilli() - 1,
		})
	}
	return out, nil
}

func newTestDownloader(src *fakeSource) *KlineDownloader {
	return &KlineDownloader{source: src, logger: zap.NewNop()}
}

func TestDownloadAndLoad(t *testing.T) {
	src := &fakeSource{available: 25, pageSize: 10}
	path := filepath.Join(t.TempDir(), "data", "BNBUSDT.csv")

	err := newTestDownloader(src).DownloadKlines(context.Background(), "BNBUSDT", path, t0, t0.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)

	candles, err := LoadKlines(path, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, candles, 20)
	assert.True(t, candles[0].OpenTime.Equal(t0))
	assert.Equal(t, 100.0, candles[0].Close)
	assert.Equal(t, 119.0, candles[19].Close)
	assert.True(t, candles[19].CloseTime.Equal(t0.Add(20*time.Minute-time.Millisecond)))
}

func TestDownloadUsesCache(t *testing.T) {
	src := &fakeSource{available: 5, pageSize: 10}
	path := filepath.Join(t.TempDir(), "cached.csv")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.NoError(t, newTestDownloader(src).DownloadKlines(context.Background(), "BNBUSDT", path, t0, t0.Add(time.Hour)))
	assert.Equal(t, 0, src.calls)
}

func TestDownloadFailureLeavesNoCache(t *testing.T) {
	src := &fakeSource{err: errors.New("418 teapot")}
	path := filepath.Join(t.TempDir(), "broken.csv")

	err := newTestDownloader(src).DownloadKlines(context.Background(), "BNBUSDT", path, t0, t0.Add(time.Hour))
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestLoadKlinesSkipsBadRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.csv")
	content := "open_time,open,high,low,close,volume\n" +
		fmt.Sprintf("%d,1,2,0.5,1.5,10\n", t0.UnixMilli()) +
		"oops,1,2,3,4,5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	candles, err := LoadKlines(path, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 2.0, candles[0].High)

	empty := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(empty, []byte("open_time,open\n"), 0644))
	_, err = LoadKlines(empty, zap.NewNop())
	assert.Error(t, err)
}

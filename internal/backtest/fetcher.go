package backtest

import (
	"context"
	"fmt"
	"strings"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"

	"golang.org/x/time/rate"
)

// FetcherConfig 配置缺口补拉。
type FetcherConfig struct {
	Store           *Store
	Source          market.Source
	RateLimitPerMin int
	MaxBatch        int
}

// Fetcher 根据本地完整度检查，从数据源补齐缺失的 K 线。
type Fetcher struct {
	store    *Store
	source   market.Source
	maxBatch int
	limiter  *rate.Limiter
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("fetcher requires a candle store")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("fetcher requires a candle source")
	}
	limit := rate.Limit(8)
	if cfg.RateLimitPerMin > 0 {
		limit = rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	return &Fetcher{
		store:    cfg.Store,
		source:   cfg.Source,
		maxBatch: maxBatch,
		limiter:  rate.NewLimiter(limit, 1),
	}, nil
}

// Sync 补齐 [start, end] 内的缺口并返回补拉后的完整度。
// 数据源返回空批次时停止该缺口，剩余缺口保留在报告中。
func (f *Fetcher) Sync(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) (IntegrityReport, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	report, err := f.store.CheckIntegrity(ctx, symbol, tf, start, end)
	if err != nil {
		return report, err
	}
	if report.Complete() {
		return report, nil
	}
	logger.Infof("[backtest] sync %s %s: present=%d expected=%d gaps=%d",
		symbol, tf.Key, report.Present, report.Expected, len(report.Gaps))
	step := tf.Millis()
	for _, gap := range report.Gaps {
		cursor := gap.From
		for cursor <= gap.To {
			if err := f.limiter.Wait(ctx); err != nil {
				return report, err
			}
			batch := int((gap.To-cursor)/step) + 1
			if batch > f.maxBatch {
				batch = f.maxBatch
			}
			data, err := f.source.FetchRange(ctx, symbol, tf.SourceInterval, cursor, gap.To+step-1, batch)
			if err != nil {
				return report, fmt.Errorf("fetch %s %s from %d: %w", symbol, tf.Key, cursor, err)
			}
			if len(data) == 0 {
				logger.Warnf("[backtest] sync %s %s: empty batch at [%d,%d]", symbol, tf.Key, cursor, gap.To)
				break
			}
			if _, err := f.store.InsertCandles(ctx, symbol, tf.Key, data); err != nil {
				return report, err
			}
			last := data[len(data)-1].OpenTime
			if last < cursor {
				break
			}
			cursor = last + step
		}
	}
	return f.store.CheckIntegrity(ctx, symbol, tf, start, end)
}

package market

import "context"

// Source 提供历史 K 线，由交易所适配器实现。
type Source interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Candle, error)
}

package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// Source 基于 go-binance SDK 的 USDT 永续 K 线实现 market.Source。
type Source struct {
	cfg    Config
	client *futures.Client
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client}, nil
}

// FetchHistory 返回最近 limit 根 K 线，最后一根可能尚未收盘。
func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	svc, err := s.klines(symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	return s.do(ctx, svc)
}

// FetchRange 返回 [start, end] 内按开盘时间排序的最多 limit 根 K 线。
func (s *Source) FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]market.Candle, error) {
	if end < start {
		return nil, fmt.Errorf("invalid range: end %d before start %d", end, start)
	}
	svc, err := s.klines(symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	return s.do(ctx, svc.StartTime(start).EndTime(end))
}

func (s *Source) klines(symbol, interval string, limit int) (*futures.KlinesService, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	clean := exchangeSymbol(symbol)
	if clean == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	return s.client.NewKlinesService().Symbol(clean).Interval(interval).Limit(limit), nil
}

func (s *Source) do(ctx context.Context, svc *futures.KlinesService) ([]market.Candle, error) {
	kls, err := svc.Do(ctx)
	if err != nil {
		logger.Debugf("[binance] klines 请求失败: %v", err)
		return nil, err
	}
	return convertKlines(kls), nil
}

func convertKlines(kls []*futures.Kline) []market.Candle {
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	return out
}

// exchangeSymbol 把 BTC/USDT、btcusdt、BTC/USDT:USDT 统一为 BTCUSDT。
func exchangeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ReplaceAll(s, "/", "")
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

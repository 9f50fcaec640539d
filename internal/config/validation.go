package config

import (
	"fmt"
	"strings"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Risk.Limits().Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if err := c.Live.validate(); err != nil {
		return err
	}
	if err := c.Binance.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
	return nil
}

func (t *TradingConfig) validate() error {
	for _, sym := range t.Symbols {
		if sym == "" {
			return fmt.Errorf("trading.symbols contains empty symbol")
		}
	}
	if t.Capital <= 0 {
		return fmt.Errorf("trading.capital must be > 0")
	}
	if _, err := market.ParsePeriod(t.Period); err != nil {
		return fmt.Errorf("trading.period: %w", err)
	}
	return nil
}

func (l *LiveConfig) validate() error {
	if l.ScanIntervalSeconds < 0 || l.ScanOffsetSeconds < 0 {
		return fmt.Errorf("live scan interval/offset must be >= 0")
	}
	if l.ScanIntervalSeconds > 0 && l.ScanOffsetSeconds >= l.ScanIntervalSeconds {
		return fmt.Errorf("live.scan_offset_seconds must be < live.scan_interval_seconds")
	}
	if l.MonitorIntervalSeconds <= 0 {
		return fmt.Errorf("live.monitor_interval_seconds must be > 0")
	}
	if l.HistoryLimit < 0 {
		return fmt.Errorf("live.history_limit must be >= 0")
	}
	return nil
}

func (b *BinanceConfig) validate() error {
	if b.RateLimitPerMin <= 0 {
		return fmt.Errorf("binance.rate_limit_per_min must be > 0")
	}
	if b.MaxBatch <= 0 || b.MaxBatch > 1500 {
		return fmt.Errorf("binance.max_batch must be within (0, 1500]")
	}
	if b.ProxyEnabled && strings.TrimSpace(b.RESTProxyURL) == "" {
		return fmt.Errorf("binance.rest_proxy_url is required when proxy_enabled")
	}
	return nil
}

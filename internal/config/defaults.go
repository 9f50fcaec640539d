package config

import (
	"strings"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9991"
	defaultAppDataDir        = "data"
	defaultLogMaxSizeMB      = 100
	defaultLogMaxBackups     = 5
	defaultLogMaxAgeDays     = 30
	defaultTradingStrategy   = "balanced"
	defaultTradingCapital    = 10000
	defaultTradingPeriod     = "30d"
	defaultMonitorSeconds    = 10
	defaultBreakerThreshold  = 5
	defaultBreakerCooldown   = 120
	defaultRunImmediately    = true
	defaultBinanceREST       = "https://fapi.binance.com"
	defaultBinanceTimeout    = 15
	defaultBinanceRatePerMin = 1200
	defaultBinanceMaxBatch   = 1000
	defaultStrategiesPath    = "configs/strategies.yaml"
)

var defaultTradingSymbols = []string{"BTCUSDT"}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Live.applyDefaults(keys)
	c.Binance.applyDefaults(keys)
	applyFieldDefaults(keys,
		stringFieldDefault("strategies_path", &c.StrategiesPath, defaultStrategiesPath),
	)
	c.resolvePaths()
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.data_dir", &a.DataDir, defaultAppDataDir),
		intFieldDefault("app.log_max_size_mb", &a.LogMaxSizeMB, defaultLogMaxSizeMB),
		intFieldDefault("app.log_max_backups", &a.LogMaxBackups, defaultLogMaxBackups),
		intFieldDefault("app.log_max_age_days", &a.LogMaxAgeDays, defaultLogMaxAgeDays),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("trading.strategy", &t.Strategy, defaultTradingStrategy),
		stringFieldDefault("trading.period", &t.Period, defaultTradingPeriod),
		floatFieldDefault("trading.capital", &t.Capital, defaultTradingCapital),
		fieldDefault{
			key:   "trading.symbols",
			need:  func() bool { return len(t.Symbols) == 0 },
			apply: func() { t.Symbols = append([]string(nil), defaultTradingSymbols...) },
		},
	)
	for i, sym := range t.Symbols {
		t.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	def := risk.DefaultLimits()
	applyFieldDefaults(keys,
		floatFieldDefault("risk.max_daily_loss", &r.MaxDailyLoss, def.MaxDailyLoss),
		floatFieldDefault("risk.warn_ratio", &r.WarnRatio, def.WarnRatio),
		intFieldDefault("risk.max_consecutive_losses", &r.MaxConsecutiveLosses, def.MaxConsecutiveLosses),
		intFieldDefault("risk.warn_consecutive_losses", &r.WarnConsecutiveLosses, def.WarnConsecutiveLosses),
		floatFieldDefault("risk.position_size_percent", &r.PositionSizePercent, def.PositionSizePercent),
		floatFieldDefault("risk.max_leverage", &r.MaxLeverage, def.MaxLeverage),
		intFieldDefault("risk.max_daily_trades", &r.MaxDailyTrades, def.MaxDailyTrades),
		intFieldDefault("risk.max_open_positions", &r.MaxOpenPositions, def.MaxOpenPositions),
	)
}

func (l *LiveConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("live.monitor_interval_seconds", &l.MonitorIntervalSeconds, defaultMonitorSeconds),
		intFieldDefault("live.breaker_threshold", &l.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("live.breaker_cooldown_seconds", &l.BreakerCooldownSeconds, defaultBreakerCooldown),
		boolFieldDefault("live.run_immediately", &l.RunImmediately, defaultRunImmediately),
	)
}

func (b *BinanceConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("binance.rest_base_url", &b.RESTBaseURL, defaultBinanceREST),
		intFieldDefault("binance.http_timeout_seconds", &b.HTTPTimeoutSeconds, defaultBinanceTimeout),
		intFieldDefault("binance.rate_limit_per_min", &b.RateLimitPerMin, defaultBinanceRatePerMin),
		intFieldDefault("binance.max_batch", &b.MaxBatch, defaultBinanceMaxBatch),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/engine"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/gateway/binance"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"
)

// Config 是 FuturePilot 的主配置载体。
type Config struct {
	App            AppConfig     `yaml:"app"`
	Trading        TradingConfig `yaml:"trading"`
	Risk           RiskConfig    `yaml:"risk"`
	Live           LiveConfig    `yaml:"live"`
	Binance        BinanceConfig `yaml:"binance"`
	Store          StoreConfig   `yaml:"store"`
	StrategiesPath string        `yaml:"strategies_path"`
}

type AppConfig struct {
	Env           string `yaml:"env"`
	LogLevel      string `yaml:"log_level"`
	LogPath       string `yaml:"log_path"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	LogCompress   bool   `yaml:"log_compress"`
	HTTPAddr      string `yaml:"http_addr"`
	DataDir       string `yaml:"data_dir"`
}

// RotateOptions 返回滚动日志参数，LogPath 为空时调用方不应开启文件输出。
func (a AppConfig) RotateOptions() logger.RotateOptions {
	return logger.RotateOptions{
		Path:       strings.TrimSpace(a.LogPath),
		MaxSizeMB:  a.LogMaxSizeMB,
		MaxBackups: a.LogMaxBackups,
		MaxAgeDays: a.LogMaxAgeDays,
		Compress:   a.LogCompress,
	}
}

// TradingConfig 为回测与实盘共享的默认交易参数。
type TradingConfig struct {
	Symbols  []string `yaml:"symbols"`
	Strategy string   `yaml:"strategy"`
	Capital  float64  `yaml:"capital"`
	Period   string   `yaml:"period"`
}

// RiskConfig 映射 risk.Limits，未设置的键使用内置默认值。
type RiskConfig struct {
	MaxDailyLoss          float64 `yaml:"max_daily_loss"`
	WarnRatio             float64 `yaml:"warn_ratio"`
	MaxConsecutiveLosses  int     `yaml:"max_consecutive_losses"`
	WarnConsecutiveLosses int     `yaml:"warn_consecutive_losses"`
	PositionSizePercent   float64 `yaml:"position_size_percent"`
	MaxLeverage           float64 `yaml:"max_leverage"`
	MaxDailyTrades        int     `yaml:"max_daily_trades"`
	MaxOpenPositions      int     `yaml:"max_open_positions"`
}

type LiveConfig struct {
	ScanIntervalSeconds    int  `yaml:"scan_interval_seconds"`
	ScanOffsetSeconds      int  `yaml:"scan_offset_seconds"`
	MonitorIntervalSeconds int  `yaml:"monitor_interval_seconds"`
	HistoryLimit           int  `yaml:"history_limit"`
	BreakerThreshold       int  `yaml:"breaker_threshold"`
	BreakerCooldownSeconds int  `yaml:"breaker_cooldown_seconds"`
	RunImmediately         bool `yaml:"run_immediately"`
}

type BinanceConfig struct {
	RESTBaseURL        string `yaml:"rest_base_url"`
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
	ProxyEnabled       bool   `yaml:"proxy_enabled"`
	RESTProxyURL       string `yaml:"rest_proxy_url"`
	RateLimitPerMin    int    `yaml:"rate_limit_per_min"`
	MaxBatch           int    `yaml:"max_batch"`
}

// StoreConfig 为本地存储路径，留空时放在 app.data_dir 下。
type StoreConfig struct {
	CandlesDir string `yaml:"candles_dir"`
	RunsPath   string `yaml:"runs_path"`
}

func (r RiskConfig) Limits() risk.Limits {
	return risk.Limits{
		MaxDailyLoss:          r.MaxDailyLoss,
		WarnRatio:             r.WarnRatio,
		MaxConsecutiveLosses:  r.MaxConsecutiveLosses,
		WarnConsecutiveLosses: r.WarnConsecutiveLosses,
		PositionSizePercent:   r.PositionSizePercent,
		MaxLeverage:           r.MaxLeverage,
		MaxDailyTrades:        r.MaxDailyTrades,
		MaxOpenPositions:      r.MaxOpenPositions,
	}
}

// EngineConfig 将 live 段转为引擎参数（不含预设与资金）。
func (l LiveConfig) EngineConfig() engine.Config {
	return engine.Config{
		ScanInterval:     seconds(l.ScanIntervalSeconds),
		ScanOffset:       seconds(l.ScanOffsetSeconds),
		MonitorInterval:  seconds(l.MonitorIntervalSeconds),
		HistoryLimit:     l.HistoryLimit,
		BreakerThreshold: l.BreakerThreshold,
		BreakerCooldown:  seconds(l.BreakerCooldownSeconds),
		RunImmediately:   l.RunImmediately,
	}
}

func (b BinanceConfig) SourceConfig() binance.Config {
	return binance.Config{
		RESTBaseURL:  b.RESTBaseURL,
		HTTPTimeout:  seconds(b.HTTPTimeoutSeconds),
		ProxyEnabled: b.ProxyEnabled,
		RESTProxyURL: b.RESTProxyURL,
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func (c *Config) resolvePaths() {
	dir := strings.TrimSpace(c.App.DataDir)
	if strings.TrimSpace(c.Store.CandlesDir) == "" {
		c.Store.CandlesDir = filepath.Join(dir, "candles")
	}
	if strings.TrimSpace(c.Store.RunsPath) == "" {
		c.Store.RunsPath = filepath.Join(dir, "futurepilot.db")
	}
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

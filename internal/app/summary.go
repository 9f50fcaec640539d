package app

import (
	"fmt"
	"io"
	"strings"
	"time"

	brcfg "github.com/hellmoyy/futurepilotv2-sub000/internal/config"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/strategy"
)

type StartupSummary struct {
	Env        string
	HTTPAddr   string
	Symbols    []string
	Preset     strategy.Preset
	Presets    []string
	Limits     risk.Limits
	Capital    float64
	Scan       time.Duration
	Monitor    time.Duration
	CandlesDir string
	RunsPath   string
}

func newStartupSummary(cfg *brcfg.Config, preset strategy.Preset, presets []string) *StartupSummary {
	ec := cfg.Live.EngineConfig()
	return &StartupSummary{
		Env:        cfg.App.Env,
		HTTPAddr:   cfg.App.HTTPAddr,
		Symbols:    cfg.Trading.Symbols,
		Preset:     preset,
		Presets:    presets,
		Limits:     cfg.Risk.Limits(),
		Capital:    cfg.Trading.Capital,
		Scan:       ec.ScanInterval,
		Monitor:    ec.MonitorInterval,
		CandlesDir: cfg.Store.CandlesDir,
		RunsPath:   cfg.Store.RunsPath,
	}
}

func (s *StartupSummary) Print(w io.Writer) {
	if s == nil || w == nil {
		return
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[运行环境 (RUNTIME)]")
	fmt.Fprintf(w, "  环境: %s\n", s.Env)
	fmt.Fprintf(w, "  HTTP: %s\n", s.HTTPAddr)
	fmt.Fprintf(w, "  K线目录: %s\n", s.CandlesDir)
	fmt.Fprintf(w, "  成交库: %s\n", s.RunsPath)
	fmt.Fprintln(w)

	p := s.Preset
	fmt.Fprintln(w, "[策略 (STRATEGY)]")
	fmt.Fprintf(w, "  当前预设: %s (%s)\n", p.Name, p.Kind)
	fmt.Fprintf(w, "  可用预设: %s\n", formatList(s.Presets))
	fmt.Fprintf(w, "  周期: %s\n", formatList(p.Signal.Timeframes))
	fmt.Fprintf(w, "  杠杆: %.0fx  仓位: %.1f%%  最低置信度: %d\n", p.Leverage, p.PositionSizePercent, p.Signal.MinConfidence)
	fmt.Fprintf(w, "  止损: %.2f%%  止盈: %.2f%%  紧急出场: %.2f%%\n", p.Exit.StopLossPct, p.Exit.TakeProfitPct, p.Exit.EmergencyExitPct)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[实盘轮询 (LIVE)]")
	fmt.Fprintf(w, "  监控币种: %s\n", formatList(s.Symbols))
	fmt.Fprintf(w, "  初始资金: %.2f\n", s.Capital)
	fmt.Fprintf(w, "  扫描间隔: %s  持仓检查: %s\n", formatInterval(s.Scan), formatInterval(s.Monitor))
	fmt.Fprintln(w)

	l := s.Limits
	fmt.Fprintln(w, "[风控 (RISK)]")
	fmt.Fprintf(w, "  日亏损上限: $%.2f (预警 %.0f%%)\n", l.MaxDailyLoss, l.WarnRatio*100)
	fmt.Fprintf(w, "  连续亏损: 预警 %d / 暂停 %d\n", l.WarnConsecutiveLosses, l.MaxConsecutiveLosses)
	fmt.Fprintf(w, "  最大杠杆: %.0fx  单日交易: %d  同时持仓: %d\n", l.MaxLeverage, l.MaxDailyTrades, l.MaxOpenPositions)
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatInterval(d time.Duration) string {
	if d <= 0 {
		return "主周期"
	}
	return d.String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

package backtest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/strategy"
)

// PresetSource 按名称提供策略预设，strategy.Registry 实现该接口。
type PresetSource interface {
	Get(name string) (strategy.Preset, error)
}

// RunRequest 为 HTTP / CLI 提交的回测请求。Start/End 为 Unix 毫秒；
// End 为 0 时取最近一根已收盘 K 线，Start 为 0 时由 Period 推算。
type RunRequest struct {
	Symbol    string  `json:"symbol" binding:"required"`
	Strategy  string  `json:"strategy"`
	Timeframe string  `json:"timeframe"`
	Start     int64   `json:"start"`
	End       int64   `json:"end"`
	Period    string  `json:"period"`
	Capital   float64 `json:"capital"`
}

type ServiceConfig struct {
	Store           *Store
	Fetcher         *Fetcher
	Presets         PresetSource
	Simulator       *Simulator
	Limits          risk.Limits
	DefaultStrategy string
	DefaultCapital  float64
	DefaultPeriod   string
	Now             func() time.Time
}

// Service 负责准备数据（本地缓存 + 补拉）并驱动 Simulator。
type Service struct {
	store      *Store
	fetcher    *Fetcher
	presets    PresetSource
	sim        *Simulator
	limits     risk.Limits
	defStrat   string
	defCapital float64
	defPeriod  string
	now        func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("backtest service requires a candle store")
	}
	if cfg.Presets == nil {
		return nil, fmt.Errorf("backtest service requires presets")
	}
	if cfg.Simulator == nil {
		return nil, fmt.Errorf("backtest service requires a simulator")
	}
	svc := &Service{
		store:      cfg.Store,
		fetcher:    cfg.Fetcher,
		presets:    cfg.Presets,
		sim:        cfg.Simulator,
		limits:     cfg.Limits,
		defStrat:   cfg.DefaultStrategy,
		defCapital: cfg.DefaultCapital,
		defPeriod:  cfg.DefaultPeriod,
		now:        cfg.Now,
	}
	if svc.defStrat == "" {
		svc.defStrat = string(strategy.KindScalper)
	}
	if svc.defCapital <= 0 {
		svc.defCapital = 10000
	}
	if svc.defPeriod == "" {
		svc.defPeriod = "30d"
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

// runPlan 为解析后的回放参数。
type runPlan struct {
	symbol    string
	preset    strategy.Preset
	baseTF    market.Timeframe
	start     int64
	end       int64
	warmStart int64
}

func (s *Service) plan(req RunRequest) (runPlan, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return runPlan{}, fmt.Errorf("symbol is required")
	}
	name := req.Strategy
	if strings.TrimSpace(name) == "" {
		name = s.defStrat
	}
	preset, err := s.presets.Get(name)
	if err != nil {
		return runPlan{}, err
	}
	preset = preset.Normalize()
	baseTF, err := resolveBaseTimeframe(req.Timeframe, preset.Signal.Timeframes)
	if err != nil {
		return runPlan{}, err
	}
	start, end, err := s.window(req, baseTF)
	if err != nil {
		return runPlan{}, err
	}
	return runPlan{
		symbol:    symbol,
		preset:    preset,
		baseTF:    baseTF,
		start:     start,
		end:       end,
		warmStart: start - warmupMillis(preset, baseTF),
	}, nil
}

// warmupMillis 返回开始前需要的历史跨度：基础周期的预热根数与最大信号周期的 MinCandles 取较长者。
func warmupMillis(preset strategy.Preset, baseTF market.Timeframe) int64 {
	span := int64(preset.WarmupCandles) * baseTF.Millis()
	for _, key := range preset.Signal.Timeframes {
		tf, err := market.ParseTimeframe(key)
		if err != nil {
			continue
		}
		if v := int64(preset.Signal.MinCandles) * tf.Millis(); v > span {
			span = v
		}
	}
	return span
}

// Sync 只补齐 req 对应区间（含预热）的 K 线，不执行回放。
func (s *Service) Sync(ctx context.Context, req RunRequest) (IntegrityReport, error) {
	p, err := s.plan(req)
	if err != nil {
		return IntegrityReport{}, err
	}
	if s.fetcher == nil {
		return s.store.CheckIntegrity(ctx, p.symbol, p.baseTF, p.warmStart, p.end)
	}
	return s.fetcher.Sync(ctx, p.symbol, p.baseTF, p.warmStart, p.end)
}

// Run 准备区间（含预热）数据后同步执行回放。
func (s *Service) Run(ctx context.Context, req RunRequest) (Result, error) {
	p, err := s.plan(req)
	if err != nil {
		return Result{}, err
	}
	if s.fetcher != nil {
		report, err := s.fetcher.Sync(ctx, p.symbol, p.baseTF, p.warmStart, p.end)
		if err != nil {
			return Result{}, err
		}
		if !report.Complete() {
			logger.Warnf("[backtest] %s %s still missing %d ranges", p.symbol, p.baseTF.Key, len(report.Gaps))
		}
	}
	candles, err := s.store.RangeCandles(ctx, p.symbol, p.baseTF.Key, p.warmStart, p.end)
	if err != nil {
		return Result{}, err
	}
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("%w: %s %s [%d,%d]", ErrNoCandles, p.symbol, p.baseTF.Key, p.warmStart, p.end)
	}
	capital := req.Capital
	if capital <= 0 {
		capital = s.defCapital
	}
	limits := s.limits
	return s.sim.Run(ctx, RunInput{
		Symbol:         p.symbol,
		Preset:         p.preset,
		Base:           candles,
		BaseTimeframe:  p.baseTF.Key,
		InitialCapital: capital,
		Limits:         &limits,
		StartTime:      p.start,
	})
}

// window 解析回测区间，并对齐到执行周期网格。
func (s *Service) window(req RunRequest, tf market.Timeframe) (int64, int64, error) {
	end := req.End
	if end <= 0 {
		// 当前 K 线尚未收盘，取上一根。
		end = s.now().UnixMilli() - tf.Millis()
	}
	start := req.Start
	if start <= 0 {
		period := req.Period
		if period == "" {
			period = s.defPeriod
		}
		d, err := market.ParsePeriod(period)
		if err != nil {
			return 0, 0, err
		}
		start = end - d.Milliseconds()
	}
	if end <= start {
		return 0, 0, fmt.Errorf("invalid range [%d,%d]", start, end)
	}
	start, end = tf.AlignRange(start, end)
	return start, end, nil
}

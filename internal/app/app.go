package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/analysis/regime"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/backtest"
	brcfg "github.com/hellmoyy/futurepilotv2-sub000/internal/config"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/engine"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/gateway/binance"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/store/gormstore"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/strategy"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/telemetry"
	backtesthttp "github.com/hellmoyy/futurepilotv2-sub000/internal/transport/http/backtest"
	livehttp "github.com/hellmoyy/futurepilotv2-sub000/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动回测与实盘轮询。
type App struct {
	cfg       *brcfg.Config
	source    market.Source
	exchange  engine.Exchange
	candles   *backtest.Store
	runs      *gormstore.GormStore
	registry  *strategy.Registry
	metrics   *telemetry.Metrics
	backtests *backtest.Service
	live      *engine.LiveEngine
	http      *backtesthttp.Server
	Summary   *StartupSummary
}

type Option func(*App)

// WithSource 替换默认的 Binance K 线来源（测试与离线回放用）。
func WithSource(src market.Source) Option {
	return func(a *App) { a.source = src }
}

// WithExchange 替换默认的模拟下单实现。
func WithExchange(ex engine.Exchange) Option {
	return func(a *App) { a.exchange = ex }
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *brcfg.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	a := &App{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg
	if a.source == nil {
		src, err := binance.New(cfg.Binance.SourceConfig())
		if err != nil {
			return fmt.Errorf("init binance source: %w", err)
		}
		a.source = src
	}
	if a.exchange == nil {
		a.exchange = engine.NewPaperExchange()
	}

	var err error
	if a.candles, err = backtest.NewStore(cfg.Store.CandlesDir); err != nil {
		return fmt.Errorf("init candle store: %w", err)
	}
	if a.runs, err = gormstore.NewGormStore(cfg.Store.RunsPath); err != nil {
		return fmt.Errorf("init run store: %w", err)
	}
	if a.registry, err = strategy.NewRegistry(cfg.StrategiesPath); err != nil {
		return fmt.Errorf("init strategy registry: %w", err)
	}
	a.metrics = telemetry.New()

	fetcher, err := backtest.NewFetcher(backtest.FetcherConfig{
		Store:           a.candles,
		Source:          a.source,
		RateLimitPerMin: cfg.Binance.RateLimitPerMin,
		MaxBatch:        cfg.Binance.MaxBatch,
	})
	if err != nil {
		return err
	}
	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{Regime: regime.DefaultConfig(), Recorder: a.runs})
	if err != nil {
		return err
	}
	a.backtests, err = backtest.NewService(backtest.ServiceConfig{
		Store:           a.candles,
		Fetcher:         fetcher,
		Presets:         a.registry,
		Simulator:       sim,
		Limits:          cfg.Risk.Limits(),
		DefaultStrategy: cfg.Trading.Strategy,
		DefaultCapital:  cfg.Trading.Capital,
		DefaultPeriod:   cfg.Trading.Period,
	})
	if err != nil {
		return err
	}

	preset, err := a.registry.Get(cfg.Trading.Strategy)
	if err != nil {
		return err
	}
	ec := cfg.Live.EngineConfig()
	ec.Preset = preset
	ec.Limits = cfg.Risk.Limits()
	ec.Regime = regime.DefaultConfig()
	ec.Capital = cfg.Trading.Capital
	a.live, err = engine.NewLiveEngine(engine.Params{
		Config:   ec,
		Source:   a.source,
		Exchange: a.exchange,
		Recorder: a.runs,
		Notifier: engine.LogNotifier{},
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}
	a.registry.Subscribe(a.onPresetsChanged)

	a.http, err = backtesthttp.NewServer(backtesthttp.Config{
		Addr:    cfg.App.HTTPAddr,
		Runner:  a,
		Runs:    a.runs,
		Presets: a.registry,
		Metrics: a.metrics,
		Live:    livehttp.NewRouter(a.live.Governor(), a.live, a.runs),
	})
	if err != nil {
		return err
	}
	a.Summary = newStartupSummary(cfg, a.live.Preset(), a.registry.Names())
	return nil
}

// onPresetsChanged 在预设文件热更新后替换实盘使用的预设。
func (a *App) onPresetsChanged(snap strategy.Snapshot) {
	preset, ok := snap.Presets[a.cfg.Trading.Strategy]
	if !ok {
		logger.Warnf("[app] preset %s missing after reload, keep current", a.cfg.Trading.Strategy)
		return
	}
	if err := a.live.SetPreset(preset); err != nil {
		logger.Errorf("[app] apply preset %s failed: %v", preset.Name, err)
		return
	}
	logger.Infof("[app] live preset %s reloaded (version=%d)", preset.Name, snap.Version)
}

// Serve 启动 HTTP 与实盘轮询，直到 ctx 取消。
func (a *App) Serve(ctx context.Context) error {
	if a == nil || a.live == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Summary.Print(os.Stdout)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return a.live.Run(ctx, a.cfg.Trading.Symbols)
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Run 执行一次回测并记录指标，App 同时作为 HTTP 层的 Runner。
func (a *App) Run(ctx context.Context, req backtest.RunRequest) (backtest.Result, error) {
	res, err := a.backtests.Run(ctx, req)
	if err != nil {
		return res, err
	}
	logger.Infof("[app] backtest %s %s trades=%d final=%.2f return=%.2f%%",
		res.RunID, res.Config.Symbol, len(res.Trades), res.FinalBalance, res.Metrics.ReturnPct)
	return res, nil
}

// Fetch 只补齐回测区间所需的 K 线。
func (a *App) Fetch(ctx context.Context, req backtest.RunRequest) (backtest.IntegrityReport, error) {
	return a.backtests.Sync(ctx, req)
}

// Import 将交易所 REST 格式的 K 线 JSON 文件写入本地缓存，返回写入根数。
func (a *App) Import(ctx context.Context, symbol, timeframe, path string) (int, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, fmt.Errorf("symbol is required")
	}
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return 0, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read klines file: %w", err)
	}
	candles, err := market.ParseKlinesJSON(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	n, err := a.candles.InsertCandles(ctx, symbol, tf.Key, candles)
	if err != nil {
		return 0, err
	}
	logger.Infof("[app] imported %d %s %s candles from %s", n, symbol, tf.Key, path)
	return n, nil
}

func (a *App) Live() *engine.LiveEngine { return a.live }

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.live != nil {
		a.live.Stop()
	}
	if a.runs != nil {
		closeQuietly("run store", a.runs)
	}
	if a.candles != nil {
		closeQuietly("candle store", a.candles)
	}
}

func closeQuietly(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warnf("[app] close %s: %v", name, err)
	}
}

package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/analysis/regime"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/signal"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/strategy"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/telemetry"
)

// EntryOrder 为开仓委托。Price 为决策时的参考价。
type EntryOrder struct {
	Symbol   string
	Side     position.Side
	Quantity float64
	Leverage float64
	Price    float64
}

// ExitOrder 为平仓委托。
type ExitOrder struct {
	Symbol   string
	Side     position.Side
	Quantity float64
	Price    float64
	Reason   position.ExitReason
}

// Fill 为交易所回报，Price 为 0 时按参考价成交。
type Fill struct {
	OrderID string
	Price   float64
}

// Exchange 负责下单，撮合细节由实现方处理。
type Exchange interface {
	PlaceEntry(ctx context.Context, order EntryOrder) (Fill, error)
	PlaceExit(ctx context.Context, order ExitOrder) (Fill, error)
}

// TradeRecorder 持久化平仓记录。
type TradeRecorder interface {
	RecordTrade(ctx context.Context, trade position.Trade) error
}

type EventKind string

const (
	EventOpened EventKind = "opened"
	EventClosed EventKind = "closed"
)

// Event 为推送给 Notifier 的持仓事件。
type Event struct {
	Kind     EventKind
	Symbol   string
	Position *position.Position
	Trade    *position.Trade
	Time     time.Time
}

// Notifier 处理外部通知（Telegram 等），投递失败只记录日志。
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type Config struct {
	Preset          strategy.Preset
	Limits          risk.Limits
	Regime          regime.Config
	Capital         float64
	ScanInterval    time.Duration
	ScanOffset      time.Duration
	MonitorInterval time.Duration
	// HistoryLimit 为每个周期拉取的 K 线数量，默认预热数量 + 10。
	HistoryLimit     int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RunImmediately   bool
}

type Params struct {
	Config   Config
	Source   market.Source
	Exchange Exchange
	Recorder TradeRecorder
	Notifier Notifier
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

// LiveEngine 将信号聚合、风控与持仓状态机接到轮询循环上。
// 每个持仓由独立的监控协程独占，Governor 与 Book 的共享计数由各自的锁串行化。
type LiveEngine struct {
	cfg      Config
	source   market.Source
	exchange Exchange
	recorder TradeRecorder
	notifier Notifier
	metrics  *telemetry.Metrics
	now      func() time.Time

	detector *regime.Detector
	gov      *risk.Governor
	book     *position.Book
	// entryMu 串行化风控检查与槽位预留，下单本身不持锁。
	entryMu sync.Mutex

	mu      sync.RWMutex
	preset  strategy.Preset
	agg     *signal.Aggregator
	balance float64

	monMu    sync.Mutex
	monitors map[string]*monitorHandle
	wg       sync.WaitGroup
}

func NewLiveEngine(p Params) (*LiveEngine, error) {
	if p.Source == nil {
		return nil, fmt.Errorf("live engine requires a candle source")
	}
	if p.Exchange == nil {
		return nil, fmt.Errorf("live engine requires an exchange")
	}
	cfg := p.Config
	if cfg.Capital <= 0 {
		return nil, fmt.Errorf("live engine capital must be > 0")
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 2 * time.Minute
	}
	if cfg.ScanOffset < 0 {
		cfg.ScanOffset = 0
	}
	if cfg.Limits == (risk.Limits{}) {
		cfg.Limits = risk.DefaultLimits()
	}
	detector, err := regime.NewDetector(cfg.Regime)
	if err != nil {
		return nil, fmt.Errorf("regime detector: %w", err)
	}
	gov, err := risk.NewGovernor(cfg.Limits)
	if err != nil {
		return nil, err
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	e := &LiveEngine{
		cfg:      cfg,
		source:   p.Source,
		exchange: p.Exchange,
		recorder: p.Recorder,
		notifier: p.Notifier,
		metrics:  p.Metrics,
		now:      now,
		detector: detector,
		gov:      gov,
		book:     position.NewBook(),
		balance:  cfg.Capital,
		monitors: make(map[string]*monitorHandle),
	}
	if err := e.SetPreset(cfg.Preset); err != nil {
		return nil, err
	}
	e.metrics.SetBalance(cfg.Capital)
	return e, nil
}

// SetPreset 替换后续扫描使用的预设；已开仓位沿用开仓时的出场参数。
func (e *LiveEngine) SetPreset(p strategy.Preset) error {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	agg, err := signal.NewAggregator(p.Signal, e.detector)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.preset = p
	e.agg = agg
	e.mu.Unlock()
	logger.Infof("[engine] preset %s active timeframes=%v leverage=%.0f size=%.1f%%",
		p.Name, p.Signal.Timeframes, p.Leverage, p.PositionSizePercent)
	return nil
}

func (e *LiveEngine) current() (strategy.Preset, *signal.Aggregator) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.preset, e.agg
}

// Preset 返回当前生效的预设。
func (e *LiveEngine) Preset() strategy.Preset {
	p, _ := e.current()
	return p
}

func (e *LiveEngine) Balance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

func (e *LiveEngine) addBalance(delta float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance += delta
	return e.balance
}

// Governor 暴露风控实例，供 HTTP 查询与恢复。
func (e *LiveEngine) Governor() *risk.Governor {
	return e.gov
}

// Positions 返回所有 OPEN 持仓快照（按 symbol 排序）。
func (e *LiveEngine) Positions() []position.Position {
	symbols := e.book.Symbols()
	out := make([]position.Position, 0, len(symbols))
	for _, sym := range symbols {
		m, ok := e.book.Get(sym)
		if !ok {
			continue
		}
		if pos, ok := m.Position(); ok {
			out = append(out, pos)
		}
	}
	return out
}

func (e *LiveEngine) notify(ctx context.Context, ev Event) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.metrics.ObserveCollaboratorError("notifier")
		logger.Warnf("[engine] notify %s %s failed: %v", ev.Kind, ev.Symbol, err)
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func normalizeSymbols(symbols []string) []string {
	set := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		if s := normalizeSymbol(sym); s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

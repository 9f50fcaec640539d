package backtest

import (
	"context"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/metrics"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/strategy"
)

// RunInput 为一次回放的全部输入，K 线需预先加载。
type RunInput struct {
	Symbol string
	Preset strategy.Preset
	// Base 为执行周期 K 线（按时间升序）。
	Base []market.Candle
	// BaseTimeframe 为空时取预设中最短的周期。
	BaseTimeframe  string
	InitialCapital float64
	// Limits 为 nil 时使用 risk.DefaultLimits。
	Limits *risk.Limits
	// StartTime 之前的 K 线只用于预热，不产生决策（Unix 毫秒，0 表示不限制）。
	StartTime int64
}

// RunConfig 记录本次模拟的参数快照，便于重放。
type RunConfig struct {
	Symbol         string          `json:"symbol"`
	Strategy       string          `json:"strategy"`
	BaseTimeframe  string          `json:"base_timeframe"`
	Timeframes     []string        `json:"timeframes"`
	StartTS        int64           `json:"start_ts"`
	EndTS          int64           `json:"end_ts"`
	Candles        int             `json:"candles"`
	WarmupCandles  int             `json:"warmup_candles"`
	InitialCapital float64         `json:"initial_capital"`
	Leverage       float64         `json:"leverage"`
	PositionSize   float64         `json:"position_size_percent"`
	Exit           position.Params `json:"exit"`
	Limits         risk.Limits     `json:"limits"`
}

// DecisionCounts 统计回放中的决策分布。
type DecisionCounts struct {
	Buy     int `json:"buy"`
	Sell    int `json:"sell"`
	Hold    int `json:"hold"`
	Blocked int `json:"blocked"`
	Warmup  int `json:"warmup"`
}

// Result 为一次回放的完整输出。RunID 是唯一的随机值，不参与交易与指标计算。
type Result struct {
	RunID        string                `json:"run_id"`
	Config       RunConfig             `json:"config"`
	Trades       []position.Trade      `json:"trades"`
	Equity       []metrics.EquityPoint `json:"equity"`
	Decisions    DecisionCounts        `json:"decisions"`
	FinalBalance float64               `json:"final_balance"`
	Metrics      metrics.Report        `json:"metrics"`
}

// Recorder 接收完成的回放（持久化由外部实现）。
type Recorder interface {
	RecordRun(ctx context.Context, res Result) error
}

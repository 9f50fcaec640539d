package signal

import (
	"fmt"
	"math"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/analysis/indicator"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// TimeframeSignal 为单周期评估结果。
type TimeframeSignal struct {
	Timeframe  string             `json:"timeframe"`
	Action     Action             `json:"action"`
	Confidence int                `json:"confidence"`
	Reason     string             `json:"reason"`
	Snapshot   indicator.Snapshot `json:"-"`
}

const (
	bonusMomentum  = 5
	bonusSweetSpot = 5
	bonusNearEMA   = 5
	nearEMAPct     = 0.5
)

// Evaluator 将单周期的 RSI/MACD/EMA 映射为 {信号, 置信度}。
type Evaluator struct {
	cfg      Config
	settings indicator.Settings
}

func NewEvaluator(cfg Config) *Evaluator {
	cfg = cfg.WithDefaults()
	settings := indicator.DefaultSettings()
	settings.EMAPeriods = append([]int(nil), cfg.FastEMAs...)
	settings.HistogramWindow = cfg.CrossLookback + 1
	return &Evaluator{cfg: cfg, settings: settings}
}

func hold(tf, reason string, snap indicator.Snapshot) TimeframeSignal {
	return TimeframeSignal{Timeframe: tf, Action: ActionHold, Reason: reason, Snapshot: snap}
}

// Evaluate 评估单个周期。
func (e *Evaluator) Evaluate(tf string, candles []market.Candle) TimeframeSignal {
	if len(candles) < e.cfg.MinCandles {
		return hold(tf, fmt.Sprintf("insufficient data: %d < %d candles", len(candles), e.cfg.MinCandles), indicator.Snapshot{Index: -1})
	}
	snap := indicator.Compute(candles, e.settings)
	hist := snap.Histograms
	if len(hist) < 2 {
		return hold(tf, "macd history too short", snap)
	}
	h := hist[len(hist)-1]
	prior := hist[:len(hist)-1]

	switch {
	case h > 0:
		if !anyAtMost(prior, 0) {
			return hold(tf, "macd bullish but no fresh cross", snap)
		}
		if snap.RSI < e.cfg.BuyRSIMin || snap.RSI > e.cfg.BuyRSIMax {
			return hold(tf, fmt.Sprintf("rsi %.1f outside buy band", snap.RSI), snap)
		}
		if !e.emaStacked(snap, true) {
			return hold(tf, "fast emas not stacked below price", snap)
		}
		return TimeframeSignal{
			Timeframe:  tf,
			Action:     ActionBuy,
			Confidence: e.confidence(snap, true),
			Reason:     fmt.Sprintf("macd cross up, rsi %.1f", snap.RSI),
			Snapshot:   snap,
		}
	case h < 0:
		if !anyAtLeast(prior, 0) {
			return hold(tf, "macd bearish but no fresh cross", snap)
		}
		if snap.RSI < e.cfg.SellRSIMin || snap.RSI > e.cfg.SellRSIMax {
			return hold(tf, fmt.Sprintf("rsi %.1f outside sell band", snap.RSI), snap)
		}
		if !e.emaStacked(snap, false) {
			return hold(tf, "fast emas not stacked above price", snap)
		}
		return TimeframeSignal{
			Timeframe:  tf,
			Action:     ActionSell,
			Confidence: e.confidence(snap, false),
			Reason:     fmt.Sprintf("macd cross down, rsi %.1f", snap.RSI),
			Snapshot:   snap,
		}
	default:
		return hold(tf, "macd flat", snap)
	}
}

// emaStacked 多头要求 close > EMA(f0) > EMA(f1) > ...，空头相反。
func (e *Evaluator) emaStacked(snap indicator.Snapshot, bullish bool) bool {
	prev := snap.Close
	for _, p := range e.cfg.FastEMAs {
		v, ok := snap.EMA[p]
		if !ok {
			return false
		}
		if bullish && !(prev > v) {
			return false
		}
		if !bullish && !(prev < v) {
			return false
		}
		prev = v
	}
	return true
}

func (e *Evaluator) confidence(snap indicator.Snapshot, bullish bool) int {
	conf := e.cfg.BaseConfidence
	if prev, ok := snap.PrevHistogram(); ok && math.Abs(snap.MACD.Histogram) > math.Abs(prev) {
		conf += bonusMomentum
	}
	if bullish && snap.RSI >= 45 && snap.RSI <= 60 {
		conf += bonusSweetSpot
	}
	if !bullish && snap.RSI >= 40 && snap.RSI <= 55 {
		conf += bonusSweetSpot
	}
	if len(e.cfg.FastEMAs) > 0 && snap.Close > 0 {
		fast := snap.EMA[e.cfg.FastEMAs[0]]
		if math.Abs(snap.Close-fast)/snap.Close*100 <= nearEMAPct {
			conf += bonusNearEMA
		}
	}
	return clampConfidence(conf)
}

func anyAtMost(vals []float64, limit float64) bool {
	for _, v := range vals {
		if v <= limit {
			return true
		}
	}
	return false
}

func anyAtLeast(vals []float64, limit float64) bool {
	for _, v := range vals {
		if v >= limit {
			return true
		}
	}
	return false
}

func clampConfidence(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

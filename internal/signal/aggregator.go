package signal

import (
	"fmt"
	"strings"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/analysis/indicator"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/analysis/regime"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
)

// Decision 为一次多周期决策结果，生成后不再修改。
type Decision struct {
	Action     Action                `json:"action"`
	Confidence int                   `json:"confidence"`
	Reason     string                `json:"reason"`
	ATR        *float64              `json:"atr,omitempty"`
	Indicators *indicator.Snapshot   `json:"indicators,omitempty"`
	Regime     regime.Classification `json:"regime"`
	Timeframes []TimeframeSignal     `json:"timeframes"`
	Timestamp  int64                 `json:"timestamp"`
}

// Tradeable 判断决策是否为 BUY/SELL。
func (d Decision) Tradeable() bool {
	return d.Action == ActionBuy || d.Action == ActionSell
}

// Aggregator 汇总多周期信号并执行成交量/ADX/市场状态门控。无内部状态，可并发使用。
type Aggregator struct {
	cfg      Config
	eval     *Evaluator
	detector *regime.Detector
}

func NewAggregator(cfg Config, detector *regime.Detector) (*Aggregator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if detector == nil {
		return nil, fmt.Errorf("signal aggregator requires a regime detector")
	}
	return &Aggregator{cfg: cfg, eval: NewEvaluator(cfg), detector: detector}, nil
}

func (a *Aggregator) Config() Config { return a.cfg }

// Decide 对 frames（周期 → 截至当前已收盘的 K 线）做出决策。
func (a *Aggregator) Decide(frames map[string][]market.Candle) Decision {
	primaryTF := a.cfg.Primary()
	primary := frames[primaryTF]
	signals := make([]TimeframeSignal, 0, len(a.cfg.Timeframes))
	for _, tf := range a.cfg.Timeframes {
		signals = append(signals, a.eval.Evaluate(tf, frames[tf]))
	}
	dec := Decision{Action: ActionHold, Timeframes: signals}
	if last, ok := market.Candles(primary).Last(); ok {
		dec.Timestamp = last.OpenTime
	}
	if snap := signals[0].Snapshot; snap.Index >= 0 {
		atr := snap.ATR
		dec.ATR = &atr
		dec.Indicators = &snap
	}

	action, conf, reason := consensus(signals, a.cfg)
	if action == ActionHold {
		dec.Reason = reason
		return dec
	}

	snap := signals[0].Snapshot
	if snap.VolumeRatio < a.cfg.VolumeRatioMin || snap.VolumeRatio > a.cfg.VolumeRatioMax {
		dec.Reason = fmt.Sprintf("%s rejected: volume ratio %.2f outside [%.2f, %.2f]",
			action, snap.VolumeRatio, a.cfg.VolumeRatioMin, a.cfg.VolumeRatioMax)
		return dec
	}
	if snap.ADX < a.cfg.ADXMin || snap.ADX > a.cfg.ADXMax {
		dec.Reason = fmt.Sprintf("%s rejected: adx %.1f outside [%.0f, %.0f]", action, snap.ADX, a.cfg.ADXMin, a.cfg.ADXMax)
		return dec
	}
	dec.Regime = a.detector.Classify(primary)
	if !dec.Regime.ShouldTrade {
		dec.Reason = fmt.Sprintf("%s rejected: regime %s (%s)", action, dec.Regime.Regime, dec.Regime.Reason)
		return dec
	}
	conf = clampConfidence(conf + dec.Regime.ConfidenceDelta)
	if conf < a.cfg.MinConfidence {
		dec.Confidence = conf
		dec.Reason = fmt.Sprintf("%s rejected: confidence %d below %d", action, conf, a.cfg.MinConfidence)
		return dec
	}
	dec.Action = action
	dec.Confidence = conf
	dec.Reason = fmt.Sprintf("%s, regime %s %s", reason, dec.Regime.Regime, dec.Regime.Strength)
	return dec
}

// consensus 全票一致取最低置信度 + UnanimityBonus；N>=3 且唯一异议为 HOLD 时为多数，
// 取同向最低置信度 + MajorityBonus；其余为 HOLD。
func consensus(signals []TimeframeSignal, cfg Config) (Action, int, string) {
	n := len(signals)
	if n == 0 {
		return ActionHold, 0, "no timeframes"
	}
	counts := map[Action]int{}
	for _, s := range signals {
		counts[s.Action]++
	}
	for _, side := range []Action{ActionBuy, ActionSell} {
		agree := counts[side]
		if agree == 0 {
			continue
		}
		minConf := 101
		var tfs []string
		for _, s := range signals {
			if s.Action == side {
				tfs = append(tfs, s.Timeframe)
				if s.Confidence < minConf {
					minConf = s.Confidence
				}
			}
		}
		switch {
		case agree == n:
			return side, clampConfidence(minConf + cfg.UnanimityBonus),
				fmt.Sprintf("%s unanimous %d/%d [%s]", side, agree, n, strings.Join(tfs, ","))
		case n >= 3 && agree == n-1 && counts[ActionHold] == 1:
			return side, clampConfidence(minConf + cfg.MajorityBonus),
				fmt.Sprintf("%s majority %d/%d [%s]", side, agree, n, strings.Join(tfs, ","))
		}
	}
	parts := make([]string, 0, n)
	for _, s := range signals {
		parts = append(parts, fmt.Sprintf("%s=%s", s.Timeframe, s.Action))
	}
	return ActionHold, 0, "no consensus: " + strings.Join(parts, " ")
}

package strategy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/signal"
)

// Kind 标记预设的风格，自定义预设使用 KindCustom。
type Kind string

const (
	KindScalper      Kind = "scalper"
	KindBalanced     Kind = "balanced"
	KindConservative Kind = "conservative"
	KindCustom       Kind = "custom"
)

func (k Kind) Valid() bool {
	switch k {
	case KindScalper, KindBalanced, KindConservative, KindCustom:
		return true
	}
	return false
}

// Preset 组合信号规则与出场参数，由聚合器和仓位状态机共用。
type Preset struct {
	Name                string          `json:"name" yaml:"name"`
	Kind                Kind            `json:"kind" yaml:"kind"`
	Description         string          `json:"description" yaml:"description"`
	Leverage            float64         `json:"leverage" yaml:"leverage"`
	PositionSizePercent float64         `json:"position_size_percent" yaml:"position_size_percent"`
	WarmupCandles       int             `json:"warmup_candles" yaml:"warmup_candles"`
	Signal              signal.Config   `json:"signal" yaml:"signal"`
	Exit                position.Params `json:"exit" yaml:"exit"`
}

// MinWarmupCandles 为回放的最小预热根数，保证慢速 EMA 与行情状态识别有足够历史。
const MinWarmupCandles = 200

// Normalize 去除空白并补齐信号默认值。
func (p Preset) Normalize() Preset {
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	if p.Kind == "" {
		p.Kind = KindCustom
	}
	if p.WarmupCandles < MinWarmupCandles {
		p.WarmupCandles = MinWarmupCandles
	}
	p.Signal = p.Signal.WithDefaults()
	return p
}

func (p Preset) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("preset name is required")
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("preset %s: unknown kind %q", p.Name, p.Kind)
	}
	if p.Leverage < 1 || p.Leverage > 125 {
		return fmt.Errorf("preset %s: leverage must be in [1,125]", p.Name)
	}
	if p.PositionSizePercent <= 0 || p.PositionSizePercent > 100 {
		return fmt.Errorf("preset %s: position_size_percent must be in (0,100]", p.Name)
	}
	if err := p.Signal.Validate(); err != nil {
		return fmt.Errorf("preset %s: %w", p.Name, err)
	}
	if err := p.Exit.Validate(); err != nil {
		return fmt.Errorf("preset %s: %w", p.Name, err)
	}
	return nil
}

// Builtin 返回内置的三套预设。
func Builtin() map[string]Preset {
	list := []Preset{
		{
			Name:                "scalper",
			Kind:                KindScalper,
			Description:         "1m/3m/5m momentum scalping with tight brackets",
			Leverage:            10,
			PositionSizePercent: 10,
			Signal: signal.Config{
				Timeframes:    []string{"1m", "3m", "5m"},
				MinConfidence: 75,
			},
			Exit: position.Params{
				StopLossPct:         0.8,
				TakeProfitPct:       2.0,
				TrailProfitActivate: 1.0,
				TrailProfitDistance: 0.4,
				TrailLossActivate:   0.5,
				TrailLossDistance:   0.3,
				EmergencyExitPct:    2.0,
				BreakEvenTrigger:    0.6,
				FeeRate:             0.0004,
			},
		},
		{
			Name:                "balanced",
			Kind:                KindBalanced,
			Description:         "5m/15m/1h trend following with ATR scaled brackets",
			Leverage:            5,
			PositionSizePercent: 10,
			Signal: signal.Config{
				Timeframes:    []string{"5m", "15m", "1h"},
				MinConfidence: 80,
			},
			Exit: position.Params{
				StopLossPct:         1.5,
				TakeProfitPct:       3.0,
				TrailProfitActivate: 2.0,
				TrailProfitDistance: 0.8,
				EmergencyExitPct:    3.0,
				BreakEvenTrigger:    1.2,
				ATRStopMultiplier:   1.5,
				ATRTargetMultiplier: 3.0,
				FeeRate:             0.0004,
			},
		},
		{
			Name:                "conservative",
			Kind:                KindConservative,
			Description:         "15m/1h/4h swing entries, low leverage",
			Leverage:            3,
			PositionSizePercent: 5,
			Signal: signal.Config{
				Timeframes:    []string{"15m", "1h", "4h"},
				MinConfidence: 85,
			},
			Exit: position.Params{
				StopLossPct:         2.0,
				TakeProfitPct:       4.0,
				TrailProfitActivate: 2.5,
				TrailProfitDistance: 1.0,
				EmergencyExitPct:    4.0,
				BreakEvenTrigger:    1.5,
				ATRStopMultiplier:   2.0,
				ATRTargetMultiplier: 4.0,
				FeeRate:             0.0004,
			},
		},
	}
	out := make(map[string]Preset, len(list))
	for _, p := range list {
		p = p.Normalize()
		out[p.Name] = p
	}
	return out
}

func sortedNames(presets map[string]Preset) []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

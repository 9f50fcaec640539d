package regime

import (
	"fmt"
	"math"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/analysis/indicator"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
)

// Regime 为市场状态分类。
type Regime string

const (
	TrendingUp   Regime = "TRENDING_UP"
	TrendingDown Regime = "TRENDING_DOWN"
	Ranging      Regime = "RANGING"
	Choppy       Regime = "CHOPPY"
	Unknown      Regime = "UNKNOWN"
)

// Strength 仅在趋势状态下有效。
type Strength string

const (
	StrengthNone       Strength = ""
	StrengthWeak       Strength = "weak"
	StrengthIdeal      Strength = "ideal"
	StrengthExhaustion Strength = "exhaustion"
)

// Classification 是一次分类的结果。
type Classification struct {
	Regime          Regime   `json:"regime"`
	ShouldTrade     bool     `json:"should_trade"`
	ConfidenceDelta int      `json:"confidence_delta"`
	ADX             float64  `json:"adx"`
	Strength        Strength `json:"strength,omitempty"`
	Reason          string   `json:"reason"`
}

// Config 为分类阈值。零值字段在 NewDetector 中补默认值。
type Config struct {
	MinCandles      int     `json:"min_candles"`
	ADXPeriod       int     `json:"adx_period"`
	WeakADX         float64 `json:"weak_adx"`
	StrongADX       float64 `json:"strong_adx"`
	ExhaustionADX   float64 `json:"exhaustion_adx"`
	RangeLookback   int     `json:"range_lookback"`
	TightRangePct   float64 `json:"tight_range_pct"`
	WeakBonus       int     `json:"weak_bonus"`
	IdealBonus      int     `json:"ideal_bonus"`
	ExhaustionBonus int     `json:"exhaustion_bonus"`
	NoTradePenalty  int     `json:"no_trade_penalty"`
	FastEMA         int     `json:"fast_ema"`
	MidEMA          int     `json:"mid_ema"`
	SlowEMA         int     `json:"slow_ema"`
}

func DefaultConfig() Config {
	return Config{
		MinCandles:      200,
		ADXPeriod:       14,
		WeakADX:         20,
		StrongADX:       25,
		ExhaustionADX:   50,
		RangeLookback:   20,
		TightRangePct:   1.5,
		WeakBonus:       5,
		IdealBonus:      15,
		ExhaustionBonus: 8,
		NoTradePenalty:  -20,
		FastEMA:         20,
		MidEMA:          50,
		SlowEMA:         200,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinCandles <= 0 {
		c.MinCandles = def.MinCandles
	}
	if c.ADXPeriod <= 0 {
		c.ADXPeriod = def.ADXPeriod
	}
	if c.WeakADX <= 0 {
		c.WeakADX = def.WeakADX
	}
	if c.StrongADX <= 0 {
		c.StrongADX = def.StrongADX
	}
	if c.ExhaustionADX <= 0 {
		c.ExhaustionADX = def.ExhaustionADX
	}
	if c.RangeLookback <= 0 {
		c.RangeLookback = def.RangeLookback
	}
	if c.TightRangePct <= 0 {
		c.TightRangePct = def.TightRangePct
	}
	if c.WeakBonus == 0 && c.IdealBonus == 0 && c.ExhaustionBonus == 0 {
		c.WeakBonus, c.IdealBonus, c.ExhaustionBonus = def.WeakBonus, def.IdealBonus, def.ExhaustionBonus
	}
	if c.NoTradePenalty == 0 {
		c.NoTradePenalty = def.NoTradePenalty
	}
	if c.FastEMA <= 0 {
		c.FastEMA = def.FastEMA
	}
	if c.MidEMA <= 0 {
		c.MidEMA = def.MidEMA
	}
	if c.SlowEMA <= 0 {
		c.SlowEMA = def.SlowEMA
	}
	return c
}

// Detector 依据 ADX 与 EMA20/50/200 排列判断市场状态，无内部状态，可并发使用。
type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) (*Detector, error) {
	cfg = cfg.withDefaults()
	if !(cfg.WeakADX < cfg.StrongADX && cfg.StrongADX < cfg.ExhaustionADX) {
		return nil, fmt.Errorf("regime thresholds must be ascending: weak=%.2f strong=%.2f exhaustion=%.2f",
			cfg.WeakADX, cfg.StrongADX, cfg.ExhaustionADX)
	}
	if cfg.MinCandles < cfg.SlowEMA {
		return nil, fmt.Errorf("regime min_candles (%d) must cover slow ema (%d)", cfg.MinCandles, cfg.SlowEMA)
	}
	return &Detector{cfg: cfg}, nil
}

func (d *Detector) Config() Config {
	return d.cfg
}

type alignment int

const (
	notAligned alignment = iota
	alignedUp
	alignedDown
)

// Classify 对 K 线序列分类。
func (d *Detector) Classify(candles []market.Candle) Classification {
	cfg := d.cfg
	if len(candles) < cfg.MinCandles {
		return Classification{
			Regime: Unknown,
			ADX:    indicator.ADXNeutral,
			Reason: fmt.Sprintf("insufficient history: %d < %d candles", len(candles), cfg.MinCandles),
		}
	}
	cs := market.Candles(candles)
	closes := cs.Closes()
	adx := indicator.ADX(cs.Highs(), cs.Lows(), closes, cfg.ADXPeriod)
	price := closes[len(closes)-1]
	fast := indicator.EMA(closes, cfg.FastEMA)
	mid := indicator.EMA(closes, cfg.MidEMA)
	slow := indicator.EMA(closes, cfg.SlowEMA)

	align := notAligned
	switch {
	case price > fast && fast > mid && mid > slow:
		align = alignedUp
	case price < fast && fast < mid && mid < slow:
		align = alignedDown
	}

	out := Classification{ADX: adx}
	switch {
	case adx < cfg.WeakADX:
		rangePct := rangePercent(cs.Tail(cfg.RangeLookback))
		if rangePct < cfg.TightRangePct {
			out.Regime = Ranging
			out.Reason = fmt.Sprintf("ADX %.1f below %.0f, tight range %.2f%%", adx, cfg.WeakADX, rangePct)
		} else {
			out.Regime = Choppy
			out.Reason = fmt.Sprintf("ADX %.1f below %.0f, wide range %.2f%%", adx, cfg.WeakADX, rangePct)
		}
	case adx < cfg.StrongADX:
		if align == notAligned {
			out.Regime = Ranging
			out.Reason = fmt.Sprintf("weak ADX %.1f without EMA alignment", adx)
		} else {
			d.trending(&out, align, StrengthWeak, cfg.WeakBonus)
		}
	case adx <= cfg.ExhaustionADX:
		if align == notAligned {
			out.Regime = Choppy
			out.Reason = fmt.Sprintf("ADX %.1f in transition, EMAs not aligned", adx)
		} else {
			d.trending(&out, align, StrengthIdeal, cfg.IdealBonus)
		}
	default:
		if align == notAligned {
			out.Regime = Choppy
			out.Reason = fmt.Sprintf("ADX %.1f above %.0f without EMA alignment", adx, cfg.ExhaustionADX)
		} else {
			d.trending(&out, align, StrengthExhaustion, cfg.ExhaustionBonus)
		}
	}
	if !out.ShouldTrade {
		out.ConfidenceDelta = cfg.NoTradePenalty
	}
	return out
}

func (d *Detector) trending(out *Classification, align alignment, strength Strength, bonus int) {
	out.Regime = TrendingUp
	dir := "up"
	if align == alignedDown {
		out.Regime = TrendingDown
		dir = "down"
	}
	out.ShouldTrade = true
	out.Strength = strength
	out.ConfidenceDelta = bonus
	out.Reason = fmt.Sprintf("%s trend %s (ADX %.1f)", strength, dir, out.ADX)
}

// rangePercent 为窗口内 (最高-最低)/最新收盘 的百分比。
func rangePercent(window market.Candles) float64 {
	last, ok := window.Last()
	if !ok || last.Close <= 0 {
		return 0
	}
	hi := math.Inf(-1)
	lo := math.Inf(1)
	for _, c := range window {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	return (hi - lo) / last.Close * 100
}

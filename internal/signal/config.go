package signal

import (
	"fmt"
	"strings"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
)

// Config 为信号规则参数，由策略预设提供。
type Config struct {
	// Timeframes 第一个为主周期，门控与 ATR 都取自主周期。
	Timeframes     []string `json:"timeframes" yaml:"timeframes"`
	MinCandles     int      `json:"min_candles" yaml:"min_candles"`
	CrossLookback  int      `json:"cross_lookback" yaml:"cross_lookback"`
	BuyRSIMin      float64  `json:"buy_rsi_min" yaml:"buy_rsi_min"`
	BuyRSIMax      float64  `json:"buy_rsi_max" yaml:"buy_rsi_max"`
	SellRSIMin     float64  `json:"sell_rsi_min" yaml:"sell_rsi_min"`
	SellRSIMax     float64  `json:"sell_rsi_max" yaml:"sell_rsi_max"`
	FastEMAs       []int    `json:"fast_emas" yaml:"fast_emas"`
	BaseConfidence int      `json:"base_confidence" yaml:"base_confidence"`
	UnanimityBonus int      `json:"unanimity_bonus" yaml:"unanimity_bonus"`
	MajorityBonus  int      `json:"majority_bonus" yaml:"majority_bonus"`
	MinConfidence  int      `json:"min_confidence" yaml:"min_confidence"`
	VolumeRatioMin float64  `json:"volume_ratio_min" yaml:"volume_ratio_min"`
	VolumeRatioMax float64  `json:"volume_ratio_max" yaml:"volume_ratio_max"`
	ADXMin         float64  `json:"adx_min" yaml:"adx_min"`
	ADXMax         float64  `json:"adx_max" yaml:"adx_max"`
}

func DefaultConfig() Config {
	return Config{
		Timeframes:     []string{"1m", "3m", "5m"},
		MinCandles:     50,
		CrossLookback:  3,
		BuyRSIMin:      40,
		BuyRSIMax:      70,
		SellRSIMin:     30,
		SellRSIMax:     60,
		FastEMAs:       []int{9, 21},
		BaseConfidence: 70,
		UnanimityBonus: 10,
		MajorityBonus:  5,
		MinConfidence:  75,
		VolumeRatioMin: 0.8,
		VolumeRatioMax: 2.0,
		ADXMin:         20,
		ADXMax:         50,
	}
}

// WithDefaults 为零值字段补默认值。
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if len(c.Timeframes) == 0 {
		c.Timeframes = def.Timeframes
	}
	if c.MinCandles <= 0 {
		c.MinCandles = def.MinCandles
	}
	if c.CrossLookback <= 0 {
		c.CrossLookback = def.CrossLookback
	}
	if c.BuyRSIMin == 0 && c.BuyRSIMax == 0 {
		c.BuyRSIMin, c.BuyRSIMax = def.BuyRSIMin, def.BuyRSIMax
	}
	if c.SellRSIMin == 0 && c.SellRSIMax == 0 {
		c.SellRSIMin, c.SellRSIMax = def.SellRSIMin, def.SellRSIMax
	}
	if len(c.FastEMAs) == 0 {
		c.FastEMAs = def.FastEMAs
	}
	if c.BaseConfidence <= 0 {
		c.BaseConfidence = def.BaseConfidence
	}
	if c.UnanimityBonus == 0 {
		c.UnanimityBonus = def.UnanimityBonus
	}
	if c.MajorityBonus == 0 {
		c.MajorityBonus = def.MajorityBonus
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = def.MinConfidence
	}
	if c.VolumeRatioMin == 0 && c.VolumeRatioMax == 0 {
		c.VolumeRatioMin, c.VolumeRatioMax = def.VolumeRatioMin, def.VolumeRatioMax
	}
	if c.ADXMin == 0 && c.ADXMax == 0 {
		c.ADXMin, c.ADXMax = def.ADXMin, def.ADXMax
	}
	return c
}

// Validate 检查阈值区间与周期。
func (c Config) Validate() error {
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("signal requires at least one timeframe")
	}
	seen := make(map[string]bool, len(c.Timeframes))
	for _, tf := range c.Timeframes {
		if _, err := market.ParseTimeframe(tf); err != nil {
			return err
		}
		key := strings.ToLower(strings.TrimSpace(tf))
		if seen[key] {
			return fmt.Errorf("duplicate timeframe %s", tf)
		}
		seen[key] = true
	}
	if c.BuyRSIMin >= c.BuyRSIMax || c.SellRSIMin >= c.SellRSIMax {
		return fmt.Errorf("rsi bands must satisfy min < max")
	}
	if c.VolumeRatioMin > c.VolumeRatioMax {
		return fmt.Errorf("volume_ratio_min must be <= volume_ratio_max")
	}
	if c.ADXMin > c.ADXMax {
		return fmt.Errorf("adx_min must be <= adx_max")
	}
	if c.UnanimityBonus < 0 || c.MajorityBonus < 0 {
		return fmt.Errorf("consensus bonuses must be >= 0")
	}
	if c.MajorityBonus > c.UnanimityBonus {
		return fmt.Errorf("majority_bonus (%d) must not exceed unanimity_bonus (%d)", c.MajorityBonus, c.UnanimityBonus)
	}
	if c.MinConfidence > 100 || c.BaseConfidence > 100 {
		return fmt.Errorf("confidence thresholds must be <= 100")
	}
	for _, p := range c.FastEMAs {
		if p <= 0 {
			return fmt.Errorf("fast_emas must be positive")
		}
	}
	return nil
}

// Primary 返回主周期。
func (c Config) Primary() string {
	if len(c.Timeframes) == 0 {
		return ""
	}
	return c.Timeframes[0]
}

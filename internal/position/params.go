package position

import "fmt"

// Params 为出场与费用参数，百分比字段均以百分数表示（0.8 = 0.8%）。
type Params struct {
	StopLossPct         float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct       float64 `json:"take_profit_pct" yaml:"take_profit_pct"`
	TrailProfitActivate float64 `json:"trail_profit_activate" yaml:"trail_profit_activate"`
	TrailProfitDistance float64 `json:"trail_profit_distance" yaml:"trail_profit_distance"`
	TrailLossActivate   float64 `json:"trail_loss_activate" yaml:"trail_loss_activate"`
	TrailLossDistance   float64 `json:"trail_loss_distance" yaml:"trail_loss_distance"`
	EmergencyExitPct    float64 `json:"emergency_exit_pct" yaml:"emergency_exit_pct"`
	BreakEvenTrigger    float64 `json:"break_even_trigger" yaml:"break_even_trigger"`
	ATRStopMultiplier   float64 `json:"atr_stop_multiplier" yaml:"atr_stop_multiplier"`
	ATRTargetMultiplier float64 `json:"atr_target_multiplier" yaml:"atr_target_multiplier"`
	// MaxLossPerTrade 限制紧急出场的美元亏损，0 表示不限制。
	MaxLossPerTrade float64 `json:"max_loss_per_trade" yaml:"max_loss_per_trade"`
	// FeeRate 为单边手续费率（0.0004 = 0.04%），开平仓各收一次。
	FeeRate float64 `json:"fee_rate" yaml:"fee_rate"`
}

// Validate 检查参数组合是否自洽。
func (p Params) Validate() error {
	if p.StopLossPct <= 0 {
		return fmt.Errorf("stop_loss_pct must be > 0")
	}
	if p.TakeProfitPct <= 0 {
		return fmt.Errorf("take_profit_pct must be > 0")
	}
	if p.TrailProfitActivate < 0 || p.TrailProfitDistance < 0 {
		return fmt.Errorf("trailing profit settings must be >= 0")
	}
	if p.TrailProfitActivate > 0 && (p.TrailProfitDistance <= 0 || p.TrailProfitDistance >= p.TrailProfitActivate) {
		return fmt.Errorf("trail_profit_distance (%.4f) must be in (0, trail_profit_activate=%.4f)",
			p.TrailProfitDistance, p.TrailProfitActivate)
	}
	if p.TrailLossActivate < 0 || p.TrailLossDistance < 0 {
		return fmt.Errorf("trailing loss settings must be >= 0")
	}
	if p.TrailLossActivate > 0 && p.TrailLossDistance <= 0 {
		return fmt.Errorf("trail_loss_distance must be > 0 when trail_loss_activate is set")
	}
	if p.EmergencyExitPct < 0 {
		return fmt.Errorf("emergency_exit_pct must be >= 0")
	}
	if p.EmergencyExitPct > 0 && p.EmergencyExitPct < p.StopLossPct {
		return fmt.Errorf("emergency_exit_pct (%.4f) must not be tighter than stop_loss_pct (%.4f)",
			p.EmergencyExitPct, p.StopLossPct)
	}
	if p.BreakEvenTrigger < 0 {
		return fmt.Errorf("break_even_trigger must be >= 0")
	}
	if p.ATRStopMultiplier < 0 || p.ATRTargetMultiplier < 0 {
		return fmt.Errorf("atr multipliers must be >= 0")
	}
	if p.MaxLossPerTrade < 0 {
		return fmt.Errorf("max_loss_per_trade must be >= 0")
	}
	if p.FeeRate < 0 || p.FeeRate >= 0.01 {
		return fmt.Errorf("fee_rate must be in [0, 0.01)")
	}
	return nil
}

// stopPct 返回 ATR 调整后的止损百分比，不超过紧急出场阈值。
func (p Params) stopPct(entry, atr float64) float64 {
	pct := p.StopLossPct
	if atr > 0 && entry > 0 && p.ATRStopMultiplier > 0 {
		if v := atr * p.ATRStopMultiplier / entry * 100; v > pct {
			pct = v
		}
	}
	if p.EmergencyExitPct > 0 && pct > p.EmergencyExitPct {
		pct = p.EmergencyExitPct
	}
	return pct
}

func (p Params) targetPct(entry, atr float64) float64 {
	pct := p.TakeProfitPct
	if atr > 0 && entry > 0 && p.ATRTargetMultiplier > 0 {
		if v := atr * p.ATRTargetMultiplier / entry * 100; v > pct {
			pct = v
		}
	}
	return pct
}

package position

import "fmt"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// State 为持仓生命周期：FLAT → OPEN → CLOSED（终态）。
type State int

const (
	StateFlat State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFlat:
		return "FLAT"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type ExitReason string

const (
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitTrailingTP    ExitReason = "TRAILING_TP"
	ExitTrailingSL    ExitReason = "TRAILING_SL"
	ExitEmergency     ExitReason = "EMERGENCY_EXIT"
	ExitBreakEven     ExitReason = "BREAK_EVEN"
	ExitEndOfBacktest ExitReason = "END_OF_BACKTEST"
	ExitManual        ExitReason = "MANUAL"
)

// ExitReasons 返回全部出场原因（固定顺序）。
func ExitReasons() []ExitReason {
	return []ExitReason{
		ExitStopLoss, ExitTakeProfit, ExitTrailingTP, ExitTrailingSL,
		ExitEmergency, ExitBreakEven, ExitEndOfBacktest, ExitManual,
	}
}

// Position 为 OPEN 状态下的持仓快照。所有百分比均为价格变动百分比，正值代表盈利。
type Position struct {
	Symbol               string  `json:"symbol"`
	Side                 Side    `json:"side"`
	EntryPrice           float64 `json:"entry_price"`
	Quantity             float64 `json:"quantity"`
	Leverage             float64 `json:"leverage"`
	Margin               float64 `json:"margin"`
	StopLoss             float64 `json:"stop_loss"`
	TakeProfit           float64 `json:"take_profit"`
	TrailingProfitActive bool    `json:"trailing_profit_active"`
	HighestProfit        float64 `json:"highest_profit"`
	TrailingSL           float64 `json:"trailing_sl"`
	TrailingLossActive   bool    `json:"trailing_loss_active"`
	LowestLoss           float64 `json:"lowest_loss"`
	BreakEvenEnabled     bool    `json:"break_even_enabled"`
	MaxLoss              float64 `json:"max_loss,omitempty"`
	Confidence           int     `json:"confidence"`
	RegimeTag            string  `json:"regime_tag,omitempty"`
	EntryTime            int64   `json:"entry_time"`
}

// Notional 返回开仓名义价值。
func (p Position) Notional() float64 {
	return p.Quantity * p.EntryPrice
}

// Trade 为平仓记录，只追加不修改。
type Trade struct {
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	Quantity   float64    `json:"quantity"`
	Leverage   float64    `json:"leverage"`
	Margin     float64    `json:"margin"`
	EntryTime  int64      `json:"entry_time"`
	ExitTime   int64      `json:"exit_time"`
	ExitReason ExitReason `json:"exit_reason"`
	// PnL 为带符号的价格变动百分比。
	PnL float64 `json:"pnl"`
	// PnLPercent 为保证金收益率（PnL × 杠杆）。
	PnLPercent float64 `json:"pnl_percent"`
	DollarPnL  float64 `json:"dollar_pnl"`
	Fee        float64 `json:"fee"`
	Win        bool    `json:"win"`
	Confidence int     `json:"confidence"`
	RegimeTag  string  `json:"regime_tag,omitempty"`
}

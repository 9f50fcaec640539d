package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
)

type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionWarn  Action = "WARN"
	ActionBlock Action = "BLOCK"
)

const (
	CheckPaused            = "paused"
	CheckDailyLoss         = "daily_loss"
	CheckConsecutiveLosses = "consecutive_losses"
	CheckPositionSize      = "position_size"
	CheckLeverage          = "leverage"
	CheckDailyTrades       = "daily_trades"
	CheckOpenPositions     = "open_positions"
)

// SafetyCheck 为单项检查结果。WARN 视为通过。
type SafetyCheck struct {
	Name    string         `json:"name"`
	Passed  bool           `json:"passed"`
	Action  Action         `json:"action"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Decision 汇总一次开仓检查，Allowed 仅在全部检查通过时为 true。
type Decision struct {
	Allowed bool          `json:"allowed"`
	Checks  []SafetyCheck `json:"checks"`
}

// Blocked 返回首个 BLOCK 检查。
func (d Decision) Blocked() (SafetyCheck, bool) {
	for _, c := range d.Checks {
		if c.Action == ActionBlock {
			return c, true
		}
	}
	return SafetyCheck{}, false
}

// Warnings 返回所有 WARN 检查。
func (d Decision) Warnings() []SafetyCheck {
	var out []SafetyCheck
	for _, c := range d.Checks {
		if c.Action == ActionWarn {
			out = append(out, c)
		}
	}
	return out
}

// Reason 返回首个 BLOCK 原因，未阻止时为空。
func (d Decision) Reason() string {
	if c, ok := d.Blocked(); ok {
		return c.Reason
	}
	return ""
}

// Limits 为风控阈值，0 表示该项不限制（WarnRatio 默认为 0.8）。
type Limits struct {
	MaxDailyLoss          float64 `json:"max_daily_loss"`
	WarnRatio             float64 `json:"warn_ratio"`
	MaxConsecutiveLosses  int     `json:"max_consecutive_losses"`
	WarnConsecutiveLosses int     `json:"warn_consecutive_losses"`
	PositionSizePercent   float64 `json:"position_size_percent"`
	MaxLeverage           float64 `json:"max_leverage"`
	MaxDailyTrades        int     `json:"max_daily_trades"`
	MaxOpenPositions      int     `json:"max_open_positions"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxDailyLoss:          100,
		WarnRatio:             0.8,
		MaxConsecutiveLosses:  5,
		WarnConsecutiveLosses: 3,
		PositionSizePercent:   10,
		MaxLeverage:           20,
		MaxDailyTrades:        50,
		MaxOpenPositions:      1,
	}
}

// Validate 检查阈值组合。
func (l Limits) Validate() error {
	if l.MaxDailyLoss < 0 {
		return fmt.Errorf("risk.max_daily_loss must be >= 0")
	}
	if l.WarnRatio < 0 || l.WarnRatio > 1 {
		return fmt.Errorf("risk.warn_ratio must be in [0, 1]")
	}
	if l.MaxConsecutiveLosses < 0 || l.WarnConsecutiveLosses < 0 {
		return fmt.Errorf("risk consecutive loss limits must be >= 0")
	}
	if l.MaxConsecutiveLosses > 0 && l.WarnConsecutiveLosses >= l.MaxConsecutiveLosses {
		return fmt.Errorf("risk.warn_consecutive_losses (%d) must be below max (%d)",
			l.WarnConsecutiveLosses, l.MaxConsecutiveLosses)
	}
	if l.PositionSizePercent < 0 || l.PositionSizePercent > 100 {
		return fmt.Errorf("risk.position_size_percent must be in [0, 100]")
	}
	if l.MaxLeverage < 0 {
		return fmt.Errorf("risk.max_leverage must be >= 0")
	}
	if l.MaxDailyTrades < 0 || l.MaxOpenPositions < 0 {
		return fmt.Errorf("risk trade caps must be >= 0")
	}
	return nil
}

// EntryRequest 描述拟开仓位。
type EntryRequest struct {
	Symbol        string
	Quantity      float64
	Price         float64
	Leverage      float64
	Balance       float64
	OpenPositions int
}

// Governor 在开仓前执行风控检查，所有状态修改通过 mu 串行化。
type Governor struct {
	limits Limits

	mu    sync.Mutex
	state State
}

func NewGovernor(limits Limits) (*Governor, error) {
	if limits.WarnRatio == 0 {
		limits.WarnRatio = 0.8
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Governor{limits: limits}, nil
}

func (g *Governor) Limits() Limits { return g.limits }

// State 返回 now 时刻（已完成日切）的状态副本。
func (g *Governor) State(now time.Time) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)
	return g.state
}

func (g *Governor) rolloverLocked(now time.Time) {
	next, reset := Rollover(g.state, now)
	if reset && g.state.LastResetDate != "" {
		logger.Infof("[risk] daily rollover %s -> %s (pnl=%.2f trades=%d)",
			g.state.LastResetDate, next.LastResetDate, g.state.DailyPnL, g.state.DailyTradeCount)
	}
	g.state = next
}

// CheckEntry 执行全部检查。亏损上限/连亏触发 BLOCK 时实例进入暂停，需 Resume 解除。
func (g *Governor) CheckEntry(now time.Time, req EntryRequest) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)

	checks := []SafetyCheck{
		g.checkPaused(),
		g.checkDailyLoss(),
		g.checkConsecutiveLosses(),
		g.checkPositionSize(req),
		g.checkLeverage(req),
		g.checkDailyTrades(),
		g.checkOpenPositions(req),
	}
	dec := Decision{Allowed: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			dec.Allowed = false
		}
		if c.Action != ActionBlock {
			continue
		}
		if (c.Name == CheckDailyLoss || c.Name == CheckConsecutiveLosses) && !g.state.Paused {
			g.state.Paused = true
			g.state.PauseReason = c.Reason
			logger.Warnf("[risk] %s paused: %s", req.Symbol, c.Reason)
		}
	}
	return dec
}

func allow(name string) SafetyCheck {
	return SafetyCheck{Name: name, Passed: true, Action: ActionAllow}
}

func (g *Governor) checkPaused() SafetyCheck {
	if !g.state.Paused {
		return allow(CheckPaused)
	}
	return SafetyCheck{
		Name:   CheckPaused,
		Action: ActionBlock,
		Reason: fmt.Sprintf("trading paused until manual resume: %s", g.state.PauseReason),
	}
}

func (g *Governor) checkDailyLoss() SafetyCheck {
	limit := g.limits.MaxDailyLoss
	pnl := g.state.DailyPnL
	if limit <= 0 || pnl >= 0 {
		return allow(CheckDailyLoss)
	}
	loss := math.Abs(pnl)
	details := map[string]any{"daily_pnl": pnl, "limit": limit}
	if loss >= limit {
		return SafetyCheck{
			Name:    CheckDailyLoss,
			Action:  ActionBlock,
			Reason:  fmt.Sprintf("daily loss $%.2f reached limit $%.2f", loss, limit),
			Details: details,
		}
	}
	if loss >= limit*g.limits.WarnRatio {
		return SafetyCheck{
			Name:    CheckDailyLoss,
			Passed:  true,
			Action:  ActionWarn,
			Reason:  fmt.Sprintf("daily loss $%.2f at %.0f%% of limit $%.2f", loss, loss/limit*100, limit),
			Details: details,
		}
	}
	return allow(CheckDailyLoss)
}

func (g *Governor) checkConsecutiveLosses() SafetyCheck {
	streak := g.state.ConsecutiveLosses
	details := map[string]any{"consecutive_losses": streak}
	if limit := g.limits.MaxConsecutiveLosses; limit > 0 && streak >= limit {
		return SafetyCheck{
			Name:    CheckConsecutiveLosses,
			Action:  ActionBlock,
			Reason:  fmt.Sprintf("%d consecutive losses (limit %d)", streak, limit),
			Details: details,
		}
	}
	if warn := g.limits.WarnConsecutiveLosses; warn > 0 && streak >= warn {
		return SafetyCheck{
			Name:    CheckConsecutiveLosses,
			Passed:  true,
			Action:  ActionWarn,
			Reason:  fmt.Sprintf("%d consecutive losses", streak),
			Details: details,
		}
	}
	return allow(CheckConsecutiveLosses)
}

// checkPositionSize 以保证金（名义价值 / 杠杆）对比余额占比。
func (g *Governor) checkPositionSize(req EntryRequest) SafetyCheck {
	pct := g.limits.PositionSizePercent
	if pct <= 0 || req.Balance <= 0 {
		return allow(CheckPositionSize)
	}
	lev := req.Leverage
	if lev < 1 {
		lev = 1
	}
	notional := req.Quantity * req.Price
	margin := notional / lev
	maxMargin := req.Balance * pct / 100
	if margin > maxMargin*(1+1e-9) {
		return SafetyCheck{
			Name:   CheckPositionSize,
			Action: ActionBlock,
			Reason: fmt.Sprintf("position margin $%.2f exceeds %.2f%% of balance ($%.2f)", margin, pct, maxMargin),
			Details: map[string]any{
				"notional":   notional,
				"margin":     margin,
				"max_margin": maxMargin,
			},
		}
	}
	return allow(CheckPositionSize)
}

func (g *Governor) checkLeverage(req EntryRequest) SafetyCheck {
	limit := g.limits.MaxLeverage
	if limit <= 0 || req.Leverage <= limit {
		return allow(CheckLeverage)
	}
	return SafetyCheck{
		Name:   CheckLeverage,
		Action: ActionBlock,
		Reason: fmt.Sprintf("leverage %.0fx exceeds cap %.0fx", req.Leverage, limit),
	}
}

func (g *Governor) checkDailyTrades() SafetyCheck {
	limit := g.limits.MaxDailyTrades
	if limit <= 0 || g.state.DailyTradeCount < limit {
		return allow(CheckDailyTrades)
	}
	return SafetyCheck{
		Name:   CheckDailyTrades,
		Action: ActionBlock,
		Reason: fmt.Sprintf("daily trade cap %d reached", limit),
	}
}

func (g *Governor) checkOpenPositions(req EntryRequest) SafetyCheck {
	limit := g.limits.MaxOpenPositions
	if limit <= 0 || req.OpenPositions < limit {
		return allow(CheckOpenPositions)
	}
	return SafetyCheck{
		Name:   CheckOpenPositions,
		Action: ActionBlock,
		Reason: fmt.Sprintf("%d open positions (cap %d)", req.OpenPositions, limit),
	}
}

// RecordTrade 累计已平仓盈亏，仅接受已实现的美元盈亏。
func (g *Governor) RecordTrade(now time.Time, dollarPnL float64) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)
	g.state.DailyPnL += dollarPnL
	g.state.DailyTradeCount++
	if dollarPnL > 0 {
		g.state.ConsecutiveLosses = 0
	} else {
		g.state.ConsecutiveLosses++
	}
	return g.state
}

// Resume 解除暂停并清零连亏计数；日内亏损仍需等待日切。
func (g *Governor) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Paused {
		logger.Infof("[risk] resumed after pause: %s", g.state.PauseReason)
	}
	g.state.Paused = false
	g.state.PauseReason = ""
	g.state.ConsecutiveLosses = 0
}

// LossBudget 返回 now 所在 UTC 日剩余可承受的美元亏损；未设置日亏损上限时返回 0（不限制）。
func (g *Governor) LossBudget(now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)
	limit := g.limits.MaxDailyLoss
	if limit <= 0 {
		return 0
	}
	remaining := limit
	if g.state.DailyPnL < 0 {
		remaining += g.state.DailyPnL
	}
	return math.Max(remaining, 0)
}

package risk

import "time"

const dateLayout = "2006-01-02"

// State 为策略实例级别的风控计数器。
type State struct {
	DailyPnL          float64 `json:"daily_pnl"`
	DailyTradeCount   int     `json:"daily_trade_count"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	LastResetDate     string  `json:"last_reset_date"`
	Paused            bool    `json:"paused"`
	PauseReason       string  `json:"pause_reason,omitempty"`
}

// UTCDate 返回 now 的 UTC 日期字符串。
func UTCDate(now time.Time) string {
	return now.UTC().Format(dateLayout)
}

// Rollover 在 UTC 日期变化时重置日内计数与连亏计数，暂停状态保持不变。
// 返回新状态和是否发生了重置。
func Rollover(s State, now time.Time) (State, bool) {
	today := UTCDate(now)
	if s.LastResetDate == today {
		return s, false
	}
	s.DailyPnL = 0
	s.DailyTradeCount = 0
	s.ConsecutiveLosses = 0
	s.LastResetDate = today
	return s, true
}

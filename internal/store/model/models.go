package model

import (
	"gorm.io/datatypes"
)

// TradeSource 区分回测与实盘成交。
type TradeSource string

const (
	TradeSourceBacktest TradeSource = "backtest"
	TradeSourceLive     TradeSource = "live"
)

// BacktestRunModel 保存一次回测的参数快照与汇总指标，明细 JSON 以 TEXT 存储。
type BacktestRunModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	Symbol         string         `gorm:"column:symbol;index:idx_run_symbol"`
	Strategy       string         `gorm:"column:strategy"`
	BaseTimeframe  string         `gorm:"column:base_timeframe"`
	StartTS        int64          `gorm:"column:start_ts"`
	EndTS          int64          `gorm:"column:end_ts"`
	InitialCapital float64        `gorm:"column:initial_capital"`
	FinalBalance   float64        `gorm:"column:final_balance"`
	TotalTrades    int            `gorm:"column:total_trades"`
	ReturnPct      float64        `gorm:"column:return_pct"`
	WinRate        float64        `gorm:"column:win_rate"`
	MaxDrawdown    float64        `gorm:"column:max_drawdown"`
	ConfigJSON     datatypes.JSON `gorm:"column:config_json;type:TEXT"`
	MetricsJSON    datatypes.JSON `gorm:"column:metrics_json;type:TEXT"`
	DecisionsJSON  datatypes.JSON `gorm:"column:decisions_json;type:TEXT"`
	EquityJSON     datatypes.JSON `gorm:"column:equity_json;type:TEXT"`
	CreatedAtUnix  int64          `gorm:"column:created_at;index"`
}

func (BacktestRunModel) TableName() string { return "backtest_runs" }

// TradeModel 为平仓记录，只追加。实盘记录的 RunID 为空。
type TradeModel struct {
	ID            int64       `gorm:"column:id;primaryKey;autoIncrement"`
	RunID         string      `gorm:"column:run_id;index:idx_trade_run"`
	Source        TradeSource `gorm:"column:source;index:idx_trade_source"`
	Symbol        string      `gorm:"column:symbol;index:idx_trade_symbol"`
	Side          string      `gorm:"column:side"`
	EntryPrice    float64     `gorm:"column:entry_price"`
	ExitPrice     float64     `gorm:"column:exit_price"`
	Quantity      float64     `gorm:"column:quantity"`
	Leverage      float64     `gorm:"column:leverage"`
	Margin        float64     `gorm:"column:margin"`
	EntryTime     int64       `gorm:"column:entry_time"`
	ExitTime      int64       `gorm:"column:exit_time;index"`
	ExitReason    string      `gorm:"column:exit_reason"`
	PnL           float64     `gorm:"column:pnl"`
	PnLPercent    float64     `gorm:"column:pnl_percent"`
	DollarPnL     float64     `gorm:"column:dollar_pnl"`
	Fee           float64     `gorm:"column:fee"`
	Win           bool        `gorm:"column:win"`
	Confidence    int         `gorm:"column:confidence"`
	RegimeTag     string      `gorm:"column:regime_tag"`
	CreatedAtUnix int64       `gorm:"column:created_at"`
}

func (TradeModel) TableName() string { return "trades" }

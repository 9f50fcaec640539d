package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/backtest"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/metrics"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
	storemodel "github.com/hellmoyy/futurepilotv2-sub000/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

type runModel = storemodel.BacktestRunModel
type tradeModel = storemodel.TradeModel

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("record not found")

// RunSummary 为回测列表项。
type RunSummary struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Strategy       string    `json:"strategy"`
	BaseTimeframe  string    `json:"base_timeframe"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	InitialCapital float64   `json:"initial_capital"`
	FinalBalance   float64   `json:"final_balance"`
	TotalTrades    int       `json:"total_trades"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	CreatedAt      time.Time `json:"created_at"`
}

// RunRecord 为完整的回测记录（不含成交明细，明细通过 ListTrades 读取）。
type RunRecord struct {
	RunSummary
	Config    backtest.RunConfig      `json:"config"`
	Metrics   metrics.Report          `json:"metrics"`
	Decisions backtest.DecisionCounts `json:"decisions"`
	Equity    []metrics.EquityPoint   `json:"equity"`
}

// GormStore 基于 Gorm + SQLite 持久化回测结果与实盘成交。
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ backtest.Recorder = (*GormStore)(nil)
)

// NewGormStore 打开（必要时创建）path 处的数据库并迁移表结构。
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}, &tradeModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// WAL 下允许少量并发读（HTTP 查询），写入仍串行。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db, now: time.Now}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordRun 在一个事务内写入回测汇总与全部成交。
func (s *GormStore) RecordRun(ctx context.Context, res backtest.Result) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if strings.TrimSpace(res.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	run, err := newRunModel(res, s.now())
	if err != nil {
		return err
	}
	trades := make([]tradeModel, 0, len(res.Trades))
	for _, tr := range res.Trades {
		trades = append(trades, newTradeModel(tr, storemodel.TradeSourceBacktest, res.RunID, run.CreatedAtUnix))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		if len(trades) == 0 {
			return nil
		}
		return tx.CreateInBatches(&trades, 200).Error
	})
}

// RecordTrade 追加一条实盘成交。
func (s *GormStore) RecordTrade(ctx context.Context, trade position.Trade) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	m := newTradeModel(trade, storemodel.TradeSourceLive, "", s.now().UnixMilli())
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var m runModel
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RunRecord{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return RunRecord{}, err
	}
	return runModelToRecord(m)
}

// ListRuns 按创建时间倒序返回最近的回测。
func (s *GormStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var models []runModel
	if err := s.db.WithContext(ctx).
		Omit("config_json", "metrics_json", "decisions_json", "equity_json").
		Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]RunSummary, 0, len(models))
	for _, m := range models {
		out = append(out, runModelToSummary(m))
	}
	return out, nil
}

// ListTrades 返回某次回测的成交，按平仓时间升序。
func (s *GormStore) ListTrades(ctx context.Context, runID string) ([]position.Trade, error) {
	var models []tradeModel
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND source = ?", strings.TrimSpace(runID), storemodel.TradeSourceBacktest).
		Order("exit_time ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return tradeModelsToTrades(models), nil
}

// ListLiveTrades 返回最近的实盘成交，symbol 为空时不过滤。
func (s *GormStore) ListLiveTrades(ctx context.Context, symbol string, limit int) ([]position.Trade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Where("source = ?", storemodel.TradeSourceLive)
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		q = q.Where("symbol = ?", sym)
	}
	var models []tradeModel
	if err := q.Order("exit_time DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return tradeModelsToTrades(models), nil
}

// --- Model Conversion Helpers ---

func newRunModel(res backtest.Result, now time.Time) (runModel, error) {
	cfgJSON, err := json.Marshal(res.Config)
	if err != nil {
		return runModel{}, fmt.Errorf("marshal run config: %w", err)
	}
	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return runModel{}, fmt.Errorf("marshal metrics: %w", err)
	}
	decisionsJSON, err := json.Marshal(res.Decisions)
	if err != nil {
		return runModel{}, err
	}
	equityJSON, err := json.Marshal(res.Equity)
	if err != nil {
		return runModel{}, err
	}
	return runModel{
		ID:             res.RunID,
		Symbol:         res.Config.Symbol,
		Strategy:       res.Config.Strategy,
		BaseTimeframe:  res.Config.BaseTimeframe,
		StartTS:        res.Config.StartTS,
		EndTS:          res.Config.EndTS,
		InitialCapital: res.Config.InitialCapital,
		FinalBalance:   res.FinalBalance,
		TotalTrades:    len(res.Trades),
		ReturnPct:      res.Metrics.ReturnPct,
		WinRate:        res.Metrics.WinRate,
		MaxDrawdown:    res.Metrics.MaxDrawdown,
		ConfigJSON:     datatypes.JSON(cfgJSON),
		MetricsJSON:    datatypes.JSON(metricsJSON),
		DecisionsJSON:  datatypes.JSON(decisionsJSON),
		EquityJSON:     datatypes.JSON(equityJSON),
		CreatedAtUnix:  now.UnixMilli(),
	}, nil
}

func runModelToSummary(m runModel) RunSummary {
	return RunSummary{
		ID:             m.ID,
		Symbol:         m.Symbol,
		Strategy:       m.Strategy,
		BaseTimeframe:  m.BaseTimeframe,
		StartTS:        m.StartTS,
		EndTS:          m.EndTS,
		InitialCapital: m.InitialCapital,
		FinalBalance:   m.FinalBalance,
		TotalTrades:    m.TotalTrades,
		ReturnPct:      m.ReturnPct,
		WinRate:        m.WinRate,
		MaxDrawdown:    m.MaxDrawdown,
		CreatedAt:      time.UnixMilli(m.CreatedAtUnix).UTC(),
	}
}

func runModelToRecord(m runModel) (RunRecord, error) {
	rec := RunRecord{RunSummary: runModelToSummary(m)}
	if err := unmarshalJSON(m.ConfigJSON, &rec.Config); err != nil {
		return RunRecord{}, fmt.Errorf("decode run %s config: %w", m.ID, err)
	}
	if err := unmarshalJSON(m.MetricsJSON, &rec.Metrics); err != nil {
		return RunRecord{}, fmt.Errorf("decode run %s metrics: %w", m.ID, err)
	}
	if err := unmarshalJSON(m.DecisionsJSON, &rec.Decisions); err != nil {
		return RunRecord{}, err
	}
	if err := unmarshalJSON(m.EquityJSON, &rec.Equity); err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

func unmarshalJSON(data datatypes.JSON, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func newTradeModel(tr position.Trade, source storemodel.TradeSource, runID string, createdAt int64) tradeModel {
	return tradeModel{
		RunID:         runID,
		Source:        source,
		Symbol:        tr.Symbol,
		Side:          string(tr.Side),
		EntryPrice:    tr.EntryPrice,
		ExitPrice:     tr.ExitPrice,
		Quantity:      tr.Quantity,
		Leverage:      tr.Leverage,
		Margin:        tr.Margin,
		EntryTime:     tr.EntryTime,
		ExitTime:      tr.ExitTime,
		ExitReason:    string(tr.ExitReason),
		PnL:           tr.PnL,
		PnLPercent:    tr.PnLPercent,
		DollarPnL:     tr.DollarPnL,
		Fee:           tr.Fee,
		Win:           tr.Win,
		Confidence:    tr.Confidence,
		RegimeTag:     tr.RegimeTag,
		CreatedAtUnix: createdAt,
	}
}

func tradeModelsToTrades(models []tradeModel) []position.Trade {
	out := make([]position.Trade, 0, len(models))
	for _, m := range models {
		out = append(out, position.Trade{
			Symbol:     m.Symbol,
			Side:       position.Side(m.Side),
			EntryPrice: m.EntryPrice,
			ExitPrice:  m.ExitPrice,
			Quantity:   m.Quantity,
			Leverage:   m.Leverage,
			Margin:     m.Margin,
			EntryTime:  m.EntryTime,
			ExitTime:   m.ExitTime,
			ExitReason: position.ExitReason(m.ExitReason),
			PnL:        m.PnL,
			PnLPercent: m.PnLPercent,
			DollarPnL:  m.DollarPnL,
			Fee:        m.Fee,
			Win:        m.Win,
			Confidence: m.Confidence,
			RegimeTag:  m.RegimeTag,
		})
	}
	return out
}

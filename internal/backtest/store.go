package backtest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"

	_ "modernc.org/sqlite"
)

// Manifest 记录某个 symbol@timeframe 文件的统计信息。
type Manifest struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// Gap 为缺失的 open_time 闭区间。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// IntegrityReport 描述区间内 K 线的完整度。
type IntegrityReport struct {
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps,omitempty"`
}

func (r IntegrityReport) Complete() bool {
	return len(r.Gaps) == 0 && r.Present >= r.Expected
}

// Store 按 symbol/timeframe 拆分 SQLite 文件缓存 K 线，每个文件一个连接。
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

const candleColumns = `open_time, close_time, open, high, low, close, volume`

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("candle store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.dbs, key)
	}
	return errors.Join(errs...)
}

func (s *Store) path(symbol, timeframe string) string {
	return filepath.Join(s.root, strings.ToUpper(symbol), strings.ToLower(timeframe)+".db")
}

func (s *Store) db(symbol, timeframe string) (*sql.DB, error) {
	symbol, timeframe = strings.TrimSpace(symbol), strings.TrimSpace(timeframe)
	if symbol == "" || timeframe == "" {
		return nil, fmt.Errorf("symbol and timeframe are required")
	}
	key := strings.ToUpper(symbol) + "@" + strings.ToLower(timeframe)
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok {
		return db, nil
	}
	path := s.path(symbol, timeframe)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db, symbol, timeframe); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", key, err)
	}
	s.dbs[key] = db
	return db, nil
}

func migrate(db *sql.DB, symbol, timeframe string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			open_time   INTEGER PRIMARY KEY,
			close_time  INTEGER NOT NULL,
			open        REAL NOT NULL,
			high        REAL NOT NULL,
			low         REAL NOT NULL,
			close       REAL NOT NULL,
			volume      REAL NOT NULL,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		)`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id           INTEGER PRIMARY KEY CHECK (id=1),
			symbol       TEXT NOT NULL,
			timeframe    TEXT NOT NULL,
			min_time     INTEGER NOT NULL DEFAULT 0,
			max_time     INTEGER NOT NULL DEFAULT 0,
			rows         INTEGER NOT NULL DEFAULT 0,
			last_sync_at INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT INTO manifest (id, symbol, timeframe) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET symbol=excluded.symbol, timeframe=excluded.timeframe`,
		strings.ToUpper(symbol), strings.ToLower(timeframe))
	return err
}

// InsertCandles 批量写入 K 线，重复 open_time 覆盖旧值。
func (s *Store) InsertCandles(ctx context.Context, symbol, timeframe string, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	db, err := s.db(symbol, timeframe)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO candles (`+candleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
			close_time=excluded.close_time, open=excluded.open, high=excluded.high,
			low=excluded.low, close=excluded.close, volume=excluded.volume`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return 0, fmt.Errorf("insert candle %d: %w", c.OpenTime, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE manifest SET
			min_time = (SELECT COALESCE(MIN(open_time), 0) FROM candles),
			max_time = (SELECT COALESCE(MAX(open_time), 0) FROM candles),
			rows = (SELECT COUNT(1) FROM candles),
			last_sync_at = ?
		WHERE id = 1`, time.Now().UnixMilli()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(candles), nil
}

func (s *Store) Manifest(ctx context.Context, symbol, timeframe string) (Manifest, error) {
	db, err := s.db(symbol, timeframe)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	row := db.QueryRowContext(ctx, `SELECT symbol, timeframe, min_time, max_time, rows, last_sync_at FROM manifest WHERE id=1`)
	if err := row.Scan(&m.Symbol, &m.Timeframe, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	m.Path = s.path(symbol, timeframe)
	return m, nil
}

// RangeCandles 返回 open_time ∈ [start, end] 的 K 线，按时间升序。
func (s *Store) RangeCandles(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Candle, error) {
	if end < start {
		start, end = end, start
	}
	db, err := s.db(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+candleColumns+` FROM candles
		WHERE open_time BETWEEN ? AND ? ORDER BY open_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	return scanCandles(rows)
}

// LatestCandles 返回最近 limit 根 K 线，按时间升序。
func (s *Store) LatestCandles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 500
	}
	db, err := s.db(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+candleColumns+` FROM (
			SELECT * FROM candles ORDER BY open_time DESC LIMIT ?
		) ORDER BY open_time ASC`, limit)
	if err != nil {
		return nil, err
	}
	return scanCandles(rows)
}

// CheckIntegrity 对比区间内应有与实际存在的 open_time，返回缺口。
func (s *Store) CheckIntegrity(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) (IntegrityReport, error) {
	start, end = tf.AlignRange(start, end)
	report := IntegrityReport{Expected: tf.ExpectedCandles(start, end)}
	db, err := s.db(symbol, tf.Key)
	if err != nil {
		return report, err
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time FROM candles WHERE open_time BETWEEN ? AND ? ORDER BY open_time`, start, end)
	if err != nil {
		return report, err
	}
	defer rows.Close()
	step := tf.Millis()
	next := start
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return report, err
		}
		if ts > next {
			report.Gaps = append(report.Gaps, Gap{From: next, To: ts - step})
		}
		report.Present++
		next = ts + step
	}
	if err := rows.Err(); err != nil {
		return report, err
	}
	if next <= end {
		report.Gaps = append(report.Gaps, Gap{From: next, To: end})
	}
	return report, nil
}

func scanCandles(rows *sql.Rows) ([]market.Candle, error) {
	defer rows.Close()
	var out []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

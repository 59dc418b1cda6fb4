package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"strata/internal/position"
	"strata/internal/signal"
)

// ResultStore 管理 backtest_runs/trades/signals/snapshots 表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			symbols TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			initial_balance REAL NOT NULL,
			final_balance REAL NOT NULL DEFAULT 0,
			profit REAL NOT NULL DEFAULT 0,
			return_pct REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			max_drawdown REAL NOT NULL DEFAULT 0,
			trades INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			stats_json TEXT,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			size REAL NOT NULL,
			margin REAL NOT NULL,
			leverage REAL NOT NULL,
			pnl REAL NOT NULL,
			fees REAL NOT NULL,
			opened_at INTEGER NOT NULL,
			closed_at INTEGER NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			signal_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			candle_open_time INTEGER NOT NULL,
			price REAL NOT NULL,
			confirmed_at INTEGER NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			balance REAL NOT NULL,
			drawdown REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON backtest_trades(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_run ON backtest_signals(run_id, candle_open_time);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_run ON backtest_snapshots(run_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun 写入一条完整的 run 记录（含成交、信号与资金曲线）。
func (s *ResultStore) SaveRun(ctx context.Context, run Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, status, symbols, timeframe, start_ts, end_ts, initial_balance,
			final_balance, profit, return_pct, win_rate, max_drawdown, trades,
			config_json, stats_json, message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Status, strings.Join(run.Config.Symbols, ","), run.Config.Timeframe,
		run.Config.StartTS, run.Config.EndTS, run.Stats.InitialBalance,
		run.Stats.FinalBalance, run.Stats.Profit, run.Stats.ReturnPct, run.Stats.WinRate,
		run.Stats.MaxDrawdownPct, run.Stats.Trades, string(cfgJSON), string(statsJSON),
		run.Message, now, now, nullableTime(run.CompletedAt))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	for i := range run.Trades {
		if err := insertTrade(ctx, tx, run.ID, &run.Trades[i]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, pair := range run.Pairs {
		for _, sig := range pair.Signals {
			if err := insertSignal(ctx, tx, run.ID, sig); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}
	for _, snap := range run.Snapshots {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_snapshots (run_id, ts, equity, balance, drawdown)
			VALUES (?, ?, ?, ?, ?)`,
			run.ID, snap.TS, snap.Equity, snap.Balance, snap.Drawdown); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func insertTrade(ctx context.Context, tx *sql.Tx, runID string, p *position.Position) error {
	pnl, _ := p.RealizedPnL.Float64()
	entry, _ := p.EntryPrice.Float64()
	exit, _ := p.ExitPrice.Float64()
	size, _ := p.Size.Float64()
	margin, _ := p.Margin.Float64()
	lev, _ := p.Leverage.Float64()
	fees, _ := p.Fees.Float64()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO backtest_trades
			(run_id, symbol, strategy_id, side, entry_price, exit_price, size, margin,
			 leverage, pnl, fees, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, p.Symbol, p.StrategyID, p.Direction.String(), entry, exit, size, margin,
		lev, pnl, fees, p.OpenedAt.UnixMilli(), p.ClosedAt.UnixMilli())
	return err
}

func insertSignal(ctx context.Context, tx *sql.Tx, runID string, sig signal.Confirmed) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO backtest_signals
			(run_id, signal_id, symbol, strategy_id, direction, candle_open_time, price, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, sig.ID, sig.Symbol, sig.StrategyID, sig.Direction.String(),
		sig.CandleOpenTime, sig.Price, sig.ConfirmedAt.UnixMilli())
	return err
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// RunSummary 列表页使用的摘要行。
type RunSummary struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Symbols      string    `json:"symbols"`
	Timeframe    string    `json:"timeframe"`
	StartTS      int64     `json:"start_ts"`
	EndTS        int64     `json:"end_ts"`
	FinalBalance float64   `json:"final_balance"`
	ReturnPct    float64   `json:"return_pct"`
	WinRate      float64   `json:"win_rate"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	Trades       int       `json:"trades"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, symbols, timeframe, start_ts, end_ts, final_balance,
		       return_pct, win_rate, max_drawdown, trades, message, created_at
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []RunSummary
	for rows.Next() {
		var r RunSummary
		var created int64
		var msg sql.NullString
		if err := rows.Scan(&r.ID, &r.Status, &r.Symbols, &r.Timeframe, &r.StartTS, &r.EndTS,
			&r.FinalBalance, &r.ReturnPct, &r.WinRate, &r.MaxDrawdown, &r.Trades, &msg, &created); err != nil {
			return nil, err
		}
		r.Message = msg.String
		r.CreatedAt = timeFromMillis(created)
		list = append(list, r)
	}
	return list, rows.Err()
}

// GetRunStats 读取指定 run 的汇总指标与配置。
func (s *ResultStore) GetRunStats(ctx context.Context, id string) (RunConfig, RunStats, error) {
	row := s.db.QueryRowContext(ctx, `SELECT config_json, stats_json FROM backtest_runs WHERE id=?`, id)
	var cfgStr string
	var statsStr sql.NullString
	if err := row.Scan(&cfgStr, &statsStr); err != nil {
		return RunConfig{}, RunStats{}, err
	}
	var cfg RunConfig
	if err := json.Unmarshal([]byte(cfgStr), &cfg); err != nil {
		return RunConfig{}, RunStats{}, err
	}
	var stats RunStats
	if statsStr.Valid && statsStr.String != "" {
		if err := json.Unmarshal([]byte(statsStr.String), &stats); err != nil {
			return RunConfig{}, RunStats{}, err
		}
	}
	return cfg, stats, nil
}

// TradeRow 成交账本行。
type TradeRow struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	StrategyID string    `json:"strategy_id"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Size       float64   `json:"size"`
	PnL        float64   `json:"pnl"`
	Fees       float64   `json:"fees"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

func (s *ResultStore) ListTrades(ctx context.Context, runID string, limit int) ([]TradeRow, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, strategy_id, side, entry_price, exit_price, size, pnl, fees, opened_at, closed_at
		FROM backtest_trades
		WHERE run_id=?
		ORDER BY closed_at ASC, id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TradeRow
	for rows.Next() {
		var t TradeRow
		var openedAt, closedAt int64
		if err := rows.Scan(&t.ID, &t.Symbol, &t.StrategyID, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Size, &t.PnL, &t.Fees, &openedAt, &closedAt); err != nil {
			return nil, err
		}
		t.OpenedAt = timeFromMillis(openedAt)
		t.ClosedAt = timeFromMillis(closedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListSnapshots(ctx context.Context, runID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, equity, balance, drawdown
		FROM backtest_snapshots
		WHERE run_id=?
		ORDER BY ts ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.TS, &snap.Equity, &snap.Balance, &snap.Drawdown); err != nil {
			return nil, err
		}
		snap.RunID = runID
		out = append(out, snap)
	}
	return out, rows.Err()
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}

package recorder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists refresh history and series snapshots to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets the HTTP history endpoint read while refreshes write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Infof("[recorder] sqlite opened: %s", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS refresh_runs (
			run_id      TEXT PRIMARY KEY,
			reason      TEXT,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			symbols     INTEGER,
			failed      INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON refresh_runs(started_at)`,

		`CREATE TABLE IF NOT EXISTS refresh_results (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id  TEXT NOT NULL,
			symbol  TEXT NOT NULL,
			candles INTEGER,
			error   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_symbol ON refresh_results(symbol)`,

		`CREATE TABLE IF NOT EXISTS series_snapshots (
			symbol     TEXT PRIMARY KEY,
			fetched_at INTEGER NOT NULL,
			candles    TEXT NOT NULL
		)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordRefresh(report *model.RefreshReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO refresh_runs
		(run_id, reason, started_at, finished_at, symbols, failed)
		VALUES (?,?,?,?,?,?)`,
		report.RunID, report.Trigger,
		report.StartedAt.UnixMilli(), report.FinishedAt.UnixMilli(),
		len(report.Results), report.Failed(),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, res := range report.Results {
		if _, err := tx.Exec(`INSERT INTO refresh_results
			(run_id, symbol, candles, error) VALUES (?,?,?,?)`,
			report.RunID, res.Symbol, res.Candles, res.Err,
		); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRecorder) SaveSeries(symbol string, series model.CandleSeries, fetchedAt time.Time) error {
	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("marshal series: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`INSERT INTO series_snapshots (symbol, fetched_at, candles)
		VALUES (?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET fetched_at = excluded.fetched_at, candles = excluded.candles`,
		symbol, fetchedAt.UnixMilli(), string(data),
	)
	return err
}

// LoadSeries returns snapshots for the given symbols. Unknown symbols are skipped.
func (r *SQLiteRecorder) LoadSeries(symbols []string) ([]Snapshot, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	args := make([]any, len(symbols))
	for i, s := range symbols {
		args[i] = s
	}
	query := `SELECT symbol, fetched_at, candles FROM series_snapshots WHERE symbol IN (?` +
		strings.Repeat(",?", len(symbols)-1) + `) ORDER BY symbol`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			fetched int64
			candles string
		)
		if err := rows.Scan(&snap.Symbol, &fetched, &candles); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(candles), &snap.Series); err != nil {
			logger.Warnf("[recorder] skipping corrupt snapshot for %s: %v", snap.Symbol, err)
			continue
		}
		snap.FetchedAt = time.UnixMilli(fetched)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// RecentRuns returns the latest refresh batches, newest first.
func (r *SQLiteRecorder) RecentRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`SELECT run_id, reason, started_at, finished_at, symbols, failed
		FROM refresh_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			run             RunSummary
			started, finish int64
		)
		if err := rows.Scan(&run.RunID, &run.Trigger, &started, &finish, &run.Symbols, &run.Failed); err != nil {
			return nil, err
		}
		run.StartedAt = time.UnixMilli(started)
		run.FinishedAt = time.UnixMilli(finish)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	logger.Infof("[recorder] closing sqlite")
	return r.db.Close()
}

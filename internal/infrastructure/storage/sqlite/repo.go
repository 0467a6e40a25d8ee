package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/storage"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS funding_observations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  exchange TEXT NOT NULL,
  instrument TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  rate TEXT NOT NULL,
  interval_seconds INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE(exchange, instrument, ts_ms)
);
CREATE INDEX IF NOT EXISTS idx_funding_ts ON funding_observations(ts_ms);
CREATE INDEX IF NOT EXISTS idx_funding_instrument ON funding_observations(instrument);

CREATE TABLE IF NOT EXISTS arbitrage_positions (
  id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL,
  instrument TEXT NOT NULL,
  long_exchange TEXT NOT NULL,
  short_exchange TEXT NOT NULL,
  status TEXT NOT NULL,
  exit_reason TEXT NOT NULL,
  entry_time INTEGER NOT NULL,
  exit_time INTEGER NOT NULL,
  entry_spread TEXT NOT NULL,
  realized_pnl TEXT NOT NULL,
  payload TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_arb_pos_run ON arbitrage_positions(run_id);
CREATE INDEX IF NOT EXISTS idx_arb_pos_status ON arbitrage_positions(status);

CREATE TABLE IF NOT EXISTS backtest_runs (
  run_id TEXT PRIMARY KEY,
  start_ms INTEGER NOT NULL,
  end_ms INTEGER NOT NULL,
  opened INTEGER NOT NULL,
  closed INTEGER NOT NULL,
  failed INTEGER NOT NULL,
  total_realized TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`)
	return err
}

// SaveObservations upsert 到 (exchange, instrument, ts_ms)；单个事务
func (r *Repo) SaveObservations(ctx context.Context, obs []model.FundingObservation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	rows, err := storage.ValidateAll(obs)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO funding_observations(exchange, instrument, ts_ms, rate, interval_seconds, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange, instrument, ts_ms) DO UPDATE SET
		rate=excluded.rate, interval_seconds=excluded.interval_seconds
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, o := range rows {
		if _, err := stmt.ExecContext(ctx, o.Exchange, o.Instrument, o.Timestamp.UnixMilli(), o.Rate.String(), o.IntervalSeconds, now); err != nil {
			return 0, fmt.Errorf("upsert %s:%s: %w", o.Exchange, o.Instrument, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (r *Repo) LoadObservations(ctx context.Context, q port.FundingQuery) ([]model.FundingObservation, error) {
	query, args := storage.FundingSelect(q, storage.Question)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FundingObservation
	for rows.Next() {
		obs, err := storage.ScanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

func (r *Repo) SavePosition(ctx context.Context, pos *model.ArbitragePosition) error {
	payload, err := storage.EncodePosition(pos)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO arbitrage_positions(
			id, run_id, instrument, long_exchange, short_exchange, status, exit_reason,
			entry_time, exit_time, entry_spread, realized_pnl, payload, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		status=excluded.status, exit_reason=excluded.exit_reason, exit_time=excluded.exit_time,
		realized_pnl=excluded.realized_pnl, payload=excluded.payload, updated_at=excluded.updated_at
	`, pos.ID, pos.RunID, pos.Instrument, pos.Long.Exchange, pos.Short.Exchange, string(pos.Status), string(pos.ExitReason),
		storage.Millis(pos.EntryTime), storage.Millis(pos.ExitTime), pos.EntrySpread.String(), pos.RealizedPnL.String(),
		payload, time.Now().UnixMilli())
	return err
}

// ListPositions 按开仓时间排序；runID 为空时返回全部
func (r *Repo) ListPositions(ctx context.Context, runID string) ([]model.ArbitragePosition, error) {
	query := `SELECT payload FROM arbitrage_positions`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY entry_time, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ArbitragePosition
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		p, err := storage.DecodePosition(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) SaveSummary(ctx context.Context, sum *model.BacktestSummary) error {
	payload, err := storage.EncodeSummary(sum)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO backtest_runs(run_id, start_ms, end_ms, opened, closed, failed, total_realized, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
		end_ms=excluded.end_ms, opened=excluded.opened, closed=excluded.closed, failed=excluded.failed,
		total_realized=excluded.total_realized, payload=excluded.payload
	`, sum.RunID, storage.Millis(sum.Start), storage.Millis(sum.End), sum.Opened, sum.Closed, sum.Failed,
		sum.TotalRealized.String(), payload, time.Now().UnixMilli())
	return err
}

var _ port.Repository = (*Repo)(nil)

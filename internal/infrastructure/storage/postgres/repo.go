package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/storage"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS funding_observations (
  id BIGSERIAL PRIMARY KEY,
  exchange TEXT NOT NULL,
  instrument TEXT NOT NULL,
  ts_ms BIGINT NOT NULL,
  rate NUMERIC NOT NULL,
  interval_seconds BIGINT NOT NULL,
  created_at BIGINT NOT NULL,
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
  entry_time BIGINT NOT NULL,
  exit_time BIGINT NOT NULL,
  entry_spread NUMERIC NOT NULL,
  realized_pnl NUMERIC NOT NULL,
  payload JSONB NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_arb_pos_run ON arbitrage_positions(run_id);

CREATE TABLE IF NOT EXISTS backtest_runs (
  run_id TEXT PRIMARY KEY,
  start_ms BIGINT NOT NULL,
  end_ms BIGINT NOT NULL,
  opened INT NOT NULL,
  closed INT NOT NULL,
  failed INT NOT NULL,
  total_realized NUMERIC NOT NULL,
  payload JSONB NOT NULL,
  created_at BIGINT NOT NULL
);
`)
	return err
}

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
		VALUES($1, $2, $3, $4, $5, $6)
		ON CONFLICT(exchange, instrument, ts_ms) DO UPDATE SET
		rate=EXCLUDED.rate, interval_seconds=EXCLUDED.interval_seconds
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
	query, args := storage.FundingSelect(q, storage.Dollar)
	// NUMERIC 以文本读出，保留原始精度
	query = strings.Replace(query, " rate,", " rate::text,", 1)
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
		) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT(id) DO UPDATE SET
		status=EXCLUDED.status, exit_reason=EXCLUDED.exit_reason, exit_time=EXCLUDED.exit_time,
		realized_pnl=EXCLUDED.realized_pnl, payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at
	`, pos.ID, pos.RunID, pos.Instrument, pos.Long.Exchange, pos.Short.Exchange, string(pos.Status), string(pos.ExitReason),
		storage.Millis(pos.EntryTime), storage.Millis(pos.ExitTime), pos.EntrySpread.String(), pos.RealizedPnL.String(),
		payload, time.Now().UnixMilli())
	return err
}

func (r *Repo) ListPositions(ctx context.Context, runID string) ([]model.ArbitragePosition, error) {
	query := `SELECT payload::text FROM arbitrage_positions`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = $1`
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
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(run_id) DO UPDATE SET
		end_ms=EXCLUDED.end_ms, opened=EXCLUDED.opened, closed=EXCLUDED.closed, failed=EXCLUDED.failed,
		total_realized=EXCLUDED.total_realized, payload=EXCLUDED.payload
	`, sum.RunID, storage.Millis(sum.Start), storage.Millis(sum.End), sum.Opened, sum.Closed, sum.Failed,
		sum.TotalRealized.String(), payload, time.Now().UnixMilli())
	return err
}

var _ port.Repository = (*Repo)(nil)

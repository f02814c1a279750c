package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fxbridge/internal/application/contract"
	marketdata "fxbridge/internal/domain/entity/marketdata"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the durable SSOT for final bars, tail-audit state and meta
// keys, backed by Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository connects a pool and ensures the schema exists.
func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	r := &Repository{pool: pool}
	if err := r.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return r, nil
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bars_1m_final (
  symbol        TEXT             NOT NULL,
  open_time_ms  BIGINT           NOT NULL,
  close_time_ms BIGINT           NOT NULL,
  open          DOUBLE PRECISION NOT NULL,
  high          DOUBLE PRECISION NOT NULL,
  low           DOUBLE PRECISION NOT NULL,
  close         DOUBLE PRECISION NOT NULL,
  volume        DOUBLE PRECISION NOT NULL,
  tick_count    BIGINT           NOT NULL DEFAULT 0,
  complete      BOOLEAN          NOT NULL,
  synthetic     BOOLEAN          NOT NULL,
  source        TEXT             NOT NULL,
  event_ts_ms   BIGINT           NOT NULL,
  ingest_ts_ms  BIGINT           NOT NULL,
  UNIQUE (symbol, open_time_ms)
);
CREATE TABLE IF NOT EXISTS bars_htf_final (
  symbol        TEXT             NOT NULL,
  tf            TEXT             NOT NULL,
  open_time_ms  BIGINT           NOT NULL,
  close_time_ms BIGINT           NOT NULL,
  open          DOUBLE PRECISION NOT NULL,
  high          DOUBLE PRECISION NOT NULL,
  low           DOUBLE PRECISION NOT NULL,
  close         DOUBLE PRECISION NOT NULL,
  volume        DOUBLE PRECISION NOT NULL,
  tick_count    BIGINT           NOT NULL DEFAULT 0,
  complete      BOOLEAN          NOT NULL,
  synthetic     BOOLEAN          NOT NULL,
  source        TEXT             NOT NULL,
  event_ts_ms   BIGINT           NOT NULL,
  ingest_ts_ms  BIGINT           NOT NULL,
  UNIQUE (symbol, tf, open_time_ms)
);
CREATE TABLE IF NOT EXISTS tail_audit_state (
  symbol                   TEXT   NOT NULL,
  tf                       TEXT   NOT NULL,
  verified_from_ms         BIGINT NOT NULL DEFAULT 0,
  verified_until_ms        BIGINT NOT NULL DEFAULT 0,
  checked_until_close_ms   BIGINT NOT NULL DEFAULT 0,
  etag_last_complete_bar_ms BIGINT NOT NULL DEFAULT 0,
  last_audit_ts_ms         BIGINT NOT NULL DEFAULT 0,
  updated_ts_ms            BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (symbol, tf)
);
CREATE TABLE IF NOT EXISTS meta (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`

func (r *Repository) initSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schemaSQL)
	return err
}

const upsert1mQuery = `
	INSERT INTO bars_1m_final (
	  symbol, open_time_ms, close_time_ms, open, high, low, close, volume,
	  tick_count, complete, synthetic, source, event_ts_ms, ingest_ts_ms
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (symbol, open_time_ms) DO UPDATE SET
	  close_time_ms=EXCLUDED.close_time_ms, open=EXCLUDED.open,
	  high=EXCLUDED.high, low=EXCLUDED.low, close=EXCLUDED.close,
	  volume=EXCLUDED.volume, tick_count=EXCLUDED.tick_count,
	  complete=EXCLUDED.complete, synthetic=EXCLUDED.synthetic,
	  source=EXCLUDED.source, event_ts_ms=EXCLUDED.event_ts_ms,
	  ingest_ts_ms=EXCLUDED.ingest_ts_ms`

const conflict1mQuery = `
	SELECT COUNT(*) FROM bars_1m_final
	WHERE symbol=$1 AND open_time_ms = ANY($2) AND complete AND source <> 'history'`

// UpsertFinal1m writes a batch of 1m finals inside one transaction. The
// batch fails as a whole on a source conflict (NoMix) or a finality
// violation; tail-audit marks intersecting the written range are
// invalidated in the same transaction.
func (r *Repository) UpsertFinal1m(ctx context.Context, symbol string, bars []marketdata.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	opens := make([]int64, 0, len(bars))
	minOpen, maxClose := int64(0), int64(0)
	for _, bar := range bars {
		if bar.Source != marketdata.SourceHistory {
			return 0, contract.NewError("no_mix_final_source_conflict", "1m final must have source=history")
		}
		if !bar.Complete {
			return 0, contract.NewError("contract", "1m final must have complete=true")
		}
		if bar.Synthetic {
			return 0, contract.NewError("contract", "1m final must have synthetic=false")
		}
		if bar.EventTSMS != bar.CloseTimeMS {
			return 0, contract.NewError("contract", "event_ts_ms must equal close_time_ms")
		}
		opens = append(opens, bar.OpenTimeMS)
		if minOpen == 0 || bar.OpenTimeMS < minOpen {
			minOpen = bar.OpenTimeMS
		}
		if bar.CloseTimeMS > maxClose {
			maxClose = bar.CloseTimeMS
		}
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var conflicts int64
	if err := tx.QueryRow(ctx, conflict1mQuery, symbol, opens).Scan(&conflicts); err != nil {
		return 0, fmt.Errorf("check 1m source conflicts: %w", err)
	}
	if conflicts > 0 {
		return 0, contract.NewError("no_mix_final_source_conflict", "existing 1m final has a different source")
	}

	count := 0
	for _, bar := range bars {
		if _, err := tx.Exec(ctx, upsert1mQuery,
			symbol, bar.OpenTimeMS, bar.CloseTimeMS,
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.TickCount,
			bar.Complete, bar.Synthetic, bar.Source, bar.EventTSMS, bar.IngestTSMS,
		); err != nil {
			return 0, fmt.Errorf("upsert 1m bar %d: %w", bar.OpenTimeMS, err)
		}
		count++
	}

	if err := invalidateTailAuditRange(ctx, tx, symbol, marketdata.TF1m, minOpen, maxClose); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit 1m upsert: %w", err)
	}
	return count, nil
}

const upsertHTFQuery = `
	INSERT INTO bars_htf_final (
	  symbol, tf, open_time_ms, close_time_ms, open, high, low, close, volume,
	  tick_count, complete, synthetic, source, event_ts_ms, ingest_ts_ms
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (symbol, tf, open_time_ms) DO UPDATE SET
	  close_time_ms=EXCLUDED.close_time_ms, open=EXCLUDED.open,
	  high=EXCLUDED.high, low=EXCLUDED.low, close=EXCLUDED.close,
	  volume=EXCLUDED.volume, tick_count=EXCLUDED.tick_count,
	  complete=EXCLUDED.complete, synthetic=EXCLUDED.synthetic,
	  source=EXCLUDED.source, event_ts_ms=EXCLUDED.event_ts_ms,
	  ingest_ts_ms=EXCLUDED.ingest_ts_ms`

const conflictHTFQuery = `
	SELECT COUNT(*) FROM bars_htf_final
	WHERE symbol=$1 AND tf=$2 AND open_time_ms = ANY($3) AND complete AND source <> 'history_agg'`

// UpsertFinalHTF writes a batch of HTF finals under the same transaction
// and NoMix rules as UpsertFinal1m.
func (r *Repository) UpsertFinalHTF(ctx context.Context, symbol, tf string, bars []marketdata.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	if tf == marketdata.TF1m || !marketdata.ValidTF(tf) {
		return 0, contract.Errorf("contract", "tf not allowed for HTF final: %s", tf)
	}
	opens := make([]int64, 0, len(bars))
	minOpen, maxClose := int64(0), int64(0)
	for _, bar := range bars {
		if bar.Source != marketdata.SourceHistoryAgg {
			return 0, contract.NewError("no_mix_final_source_conflict", "HTF final must have source=history_agg")
		}
		if !bar.Complete || bar.Synthetic {
			return 0, contract.NewError("contract", "HTF final must have complete=true, synthetic=false")
		}
		if bar.EventTSMS != bar.CloseTimeMS {
			return 0, contract.NewError("contract", "event_ts_ms must equal close_time_ms")
		}
		opens = append(opens, bar.OpenTimeMS)
		if minOpen == 0 || bar.OpenTimeMS < minOpen {
			minOpen = bar.OpenTimeMS
		}
		if bar.CloseTimeMS > maxClose {
			maxClose = bar.CloseTimeMS
		}
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var conflicts int64
	if err := tx.QueryRow(ctx, conflictHTFQuery, symbol, tf, opens).Scan(&conflicts); err != nil {
		return 0, fmt.Errorf("check htf source conflicts: %w", err)
	}
	if conflicts > 0 {
		return 0, contract.NewError("no_mix_final_source_conflict", "existing HTF final has a different source")
	}

	count := 0
	for _, bar := range bars {
		if _, err := tx.Exec(ctx, upsertHTFQuery,
			symbol, tf, bar.OpenTimeMS, bar.CloseTimeMS,
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.TickCount,
			bar.Complete, bar.Synthetic, bar.Source, bar.EventTSMS, bar.IngestTSMS,
		); err != nil {
			return 0, fmt.Errorf("upsert htf bar %d: %w", bar.OpenTimeMS, err)
		}
		count++
	}

	if err := invalidateTailAuditRange(ctx, tx, symbol, tf, minOpen, maxClose); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit htf upsert: %w", err)
	}
	return count, nil
}

const barColumns = `open_time_ms, close_time_ms, open, high, low, close, volume,
	  tick_count, complete, synthetic, source, event_ts_ms, ingest_ts_ms`

func scanBar(rows pgx.Rows, symbol, tf string) (marketdata.Bar, error) {
	bar := marketdata.Bar{Symbol: symbol, TF: tf}
	err := rows.Scan(
		&bar.OpenTimeMS, &bar.CloseTimeMS,
		&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume, &bar.TickCount,
		&bar.Complete, &bar.Synthetic, &bar.Source, &bar.EventTSMS, &bar.IngestTSMS,
	)
	return bar, err
}

// Range returns stored finals with open_time inside [startMS, endMS],
// ascending, up to limit.
func (r *Repository) Range(ctx context.Context, symbol, tf string, startMS, endMS int64, limit int) ([]marketdata.Bar, error) {
	var rows pgx.Rows
	var err error
	if tf == marketdata.TF1m {
		query := `SELECT ` + barColumns + ` FROM bars_1m_final
		  WHERE symbol=$1 AND open_time_ms >= $2 AND open_time_ms <= $3
		  ORDER BY open_time_ms ASC LIMIT $4`
		rows, err = r.pool.Query(ctx, query, symbol, startMS, endMS, limit)
	} else {
		query := `SELECT ` + barColumns + ` FROM bars_htf_final
		  WHERE symbol=$1 AND tf=$2 AND open_time_ms >= $3 AND open_time_ms <= $4
		  ORDER BY open_time_ms ASC LIMIT $5`
		rows, err = r.pool.Query(ctx, query, symbol, tf, startMS, endMS, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []marketdata.Bar
	for rows.Next() {
		bar, err := scanBar(rows, symbol, tf)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

// Tail returns the last n finals in ascending order.
func (r *Repository) Tail(ctx context.Context, symbol, tf string, n int) ([]marketdata.Bar, error) {
	if n <= 0 {
		return nil, errors.New("limit must be positive")
	}
	var rows pgx.Rows
	var err error
	if tf == marketdata.TF1m {
		query := `SELECT ` + barColumns + ` FROM bars_1m_final
		  WHERE symbol=$1 ORDER BY open_time_ms DESC LIMIT $2`
		rows, err = r.pool.Query(ctx, query, symbol, n)
	} else {
		query := `SELECT ` + barColumns + ` FROM bars_htf_final
		  WHERE symbol=$1 AND tf=$2 ORDER BY open_time_ms DESC LIMIT $3`
		rows, err = r.pool.Query(ctx, query, symbol, tf, n)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []marketdata.Bar
	for rows.Next() {
		bar, err := scanBar(rows, symbol, tf)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// LastCompleteCloseMS returns the newest complete close time, 0 when empty.
func (r *Repository) LastCompleteCloseMS(ctx context.Context, symbol, tf string) (int64, error) {
	var query string
	var row pgx.Row
	if tf == marketdata.TF1m {
		query = `SELECT COALESCE(MAX(close_time_ms), 0) FROM bars_1m_final WHERE symbol=$1 AND complete`
		row = r.pool.QueryRow(ctx, query, symbol)
	} else {
		query = `SELECT COALESCE(MAX(close_time_ms), 0) FROM bars_htf_final WHERE symbol=$1 AND tf=$2 AND complete`
		row = r.pool.QueryRow(ctx, query, symbol, tf)
	}
	var lastClose int64
	if err := row.Scan(&lastClose); err != nil {
		return 0, err
	}
	return lastClose, nil
}

// Coverage summarizes stored coverage for symbol/tf.
func (r *Repository) Coverage(ctx context.Context, symbol, tf string) (marketdata.CoverageStats, error) {
	var query string
	var row pgx.Row
	if tf == marketdata.TF1m {
		query = `SELECT COALESCE(MIN(open_time_ms),0), COALESCE(MAX(open_time_ms),0), COUNT(*)
		  FROM bars_1m_final WHERE symbol=$1`
		row = r.pool.QueryRow(ctx, query, symbol)
	} else {
		query = `SELECT COALESCE(MIN(open_time_ms),0), COALESCE(MAX(open_time_ms),0), COUNT(*)
		  FROM bars_htf_final WHERE symbol=$1 AND tf=$2`
		row = r.pool.QueryRow(ctx, query, symbol, tf)
	}
	var stats marketdata.CoverageStats
	if err := row.Scan(&stats.FirstOpenMS, &stats.LastOpenMS, &stats.Bars); err != nil {
		return marketdata.CoverageStats{}, err
	}
	if stats.Bars > 0 {
		stats.CoverageDays = float64(stats.LastOpenMS-stats.FirstOpenMS) / float64(24*60*marketdata.MinuteMS)
	}
	return stats, nil
}

// Trim deletes 1m finals older than days and records the purge timestamp
// under retention_last_purge_ms:{symbol}.
func (r *Repository) Trim(ctx context.Context, symbol string, days int) (int64, error) {
	nowMS := time.Now().UnixMilli()
	cutoff := nowMS - int64(days)*24*60*marketdata.MinuteMS
	tag, err := r.pool.Exec(ctx, `DELETE FROM bars_1m_final WHERE symbol=$1 AND open_time_ms < $2`, symbol, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trim %s: %w", symbol, err)
	}
	if err := r.SetMeta(ctx, fmt.Sprintf("retention_last_purge_ms:%s", symbol), fmt.Sprintf("%d", nowMS)); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetMeta returns the meta value, empty string when absent.
func (r *Repository) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM meta WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (r *Repository) SetMeta(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO meta (key, value) VALUES ($1,$2)
		 ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`, key, value)
	return err
}

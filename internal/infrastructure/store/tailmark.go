package store

import (
	"context"
	"errors"
	"time"

	marketdata "fxbridge/internal/domain/entity/marketdata"

	"github.com/jackc/pgx/v5"
)

// TailMark loads the persisted tail-audit state, nil when absent.
func (r *Repository) TailMark(ctx context.Context, symbol, tf string) (*marketdata.TailMark, error) {
	const query = `
		SELECT symbol, tf, verified_from_ms, verified_until_ms,
		       checked_until_close_ms, etag_last_complete_bar_ms,
		       last_audit_ts_ms, updated_ts_ms
		FROM tail_audit_state WHERE symbol=$1 AND tf=$2`
	var mark marketdata.TailMark
	err := r.pool.QueryRow(ctx, query, symbol, tf).Scan(
		&mark.Symbol, &mark.TF,
		&mark.VerifiedFromMS, &mark.VerifiedUntilMS,
		&mark.CheckedUntilCloseMS, &mark.EtagLastCompleteBarMS,
		&mark.LastAuditTSMS, &mark.UpdatedTSMS,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mark, nil
}

// SaveTailMark upserts the full tail-audit state for symbol/tf.
func (r *Repository) SaveTailMark(ctx context.Context, mark marketdata.TailMark) error {
	const query = `
		INSERT INTO tail_audit_state (
		  symbol, tf, verified_from_ms, verified_until_ms,
		  checked_until_close_ms, etag_last_complete_bar_ms,
		  last_audit_ts_ms, updated_ts_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (symbol, tf) DO UPDATE SET
		  verified_from_ms=EXCLUDED.verified_from_ms,
		  verified_until_ms=EXCLUDED.verified_until_ms,
		  checked_until_close_ms=EXCLUDED.checked_until_close_ms,
		  etag_last_complete_bar_ms=EXCLUDED.etag_last_complete_bar_ms,
		  last_audit_ts_ms=EXCLUDED.last_audit_ts_ms,
		  updated_ts_ms=EXCLUDED.updated_ts_ms`
	_, err := r.pool.Exec(ctx, query,
		mark.Symbol, mark.TF, mark.VerifiedFromMS, mark.VerifiedUntilMS,
		mark.CheckedUntilCloseMS, mark.EtagLastCompleteBarMS,
		mark.LastAuditTSMS, mark.UpdatedTSMS,
	)
	return err
}

// TouchTailMark refreshes only the shallow audit fields so a near-tier
// pass cannot suppress the deeper far-tier audit.
func (r *Repository) TouchTailMark(ctx context.Context, symbol, tf string, checkedUntilCloseMS, auditTSMS int64) error {
	const query = `
		INSERT INTO tail_audit_state (symbol, tf, checked_until_close_ms, last_audit_ts_ms, updated_ts_ms)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (symbol, tf) DO UPDATE SET
		  checked_until_close_ms=EXCLUDED.checked_until_close_ms,
		  last_audit_ts_ms=EXCLUDED.last_audit_ts_ms,
		  updated_ts_ms=EXCLUDED.updated_ts_ms`
	_, err := r.pool.Exec(ctx, query, symbol, tf, checkedUntilCloseMS, auditTSMS)
	return err
}

// invalidateTailAuditRange truncates or resets the verified window of a
// mark when freshly written bars intersect it. Runs inside the upsert
// transaction so the mark can never claim a range that just changed.
func invalidateTailAuditRange(ctx context.Context, tx pgx.Tx, symbol, tf string, fromMS, toMS int64) error {
	const selectQuery = `
		SELECT verified_from_ms, verified_until_ms, checked_until_close_ms
		FROM tail_audit_state WHERE symbol=$1 AND tf=$2 FOR UPDATE`
	var verifiedFrom, verifiedUntil, checkedUntil int64
	err := tx.QueryRow(ctx, selectQuery, symbol, tf).Scan(&verifiedFrom, &verifiedUntil, &checkedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if verifiedFrom <= 0 || verifiedUntil <= 0 {
		return nil
	}
	if toMS < verifiedFrom || fromMS > verifiedUntil {
		return nil
	}

	newFrom, newUntil, newChecked := verifiedFrom, verifiedUntil, checkedUntil
	if fromMS <= verifiedFrom {
		newFrom, newUntil, newChecked = 0, 0, 0
	} else {
		newUntil = min64(verifiedUntil, fromMS-1)
		if newUntil < newFrom {
			newFrom, newUntil, newChecked = 0, 0, 0
		}
	}
	if newChecked > 0 && newUntil > 0 && newChecked > newUntil {
		newChecked = newUntil
	}

	const updateQuery = `
		UPDATE tail_audit_state
		SET verified_from_ms=$3, verified_until_ms=$4, checked_until_close_ms=$5, updated_ts_ms=$6
		WHERE symbol=$1 AND tf=$2`
	_, err = tx.Exec(ctx, updateQuery, symbol, tf, newFrom, newUntil, newChecked, time.Now().UnixMilli())
	return err
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

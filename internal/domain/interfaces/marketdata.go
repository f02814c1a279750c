package interfaces

import (
	"context"

	marketdata "fxbridge/internal/domain/entity/marketdata"
)

// BarStore is the durable, idempotent store for final bars and the
// tail-audit state persisted alongside them.
type BarStore interface {
	// UpsertFinal1m writes 1m finals (source=history). Returns the number
	// of rows written. A source conflict on an existing key fails the
	// whole batch with a contract error.
	UpsertFinal1m(ctx context.Context, symbol string, bars []marketdata.Bar) (int, error)
	// UpsertFinalHTF writes HTF finals (source=history_agg) under the
	// same conflict rules.
	UpsertFinalHTF(ctx context.Context, symbol, tf string, bars []marketdata.Bar) (int, error)

	Range(ctx context.Context, symbol, tf string, startMS, endMS int64, limit int) ([]marketdata.Bar, error)
	// Tail returns up to n most recent bars in ascending order.
	Tail(ctx context.Context, symbol, tf string, n int) ([]marketdata.Bar, error)
	LastCompleteCloseMS(ctx context.Context, symbol, tf string) (int64, error)
	Coverage(ctx context.Context, symbol, tf string) (marketdata.CoverageStats, error)

	// Trim deletes bars older than days and records the purge in meta.
	Trim(ctx context.Context, symbol string, days int) (int64, error)

	TailMark(ctx context.Context, symbol, tf string) (*marketdata.TailMark, error)
	SaveTailMark(ctx context.Context, mark marketdata.TailMark) error
	// TouchTailMark refreshes only the audit timestamp and checked-until
	// fields, leaving the verified window untouched.
	TouchTailMark(ctx context.Context, symbol, tf string, checkedUntilCloseMS, auditTSMS int64) error

	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	Close()
}

// HistoryProvider fetches authoritative 1m finals from the broker history
// API. Implementations are broker specific; the budget and chunking wrap
// them in the history service.
type HistoryProvider interface {
	Fetch1mFinal(ctx context.Context, symbol string, startMS, endMS int64, limit int) ([]marketdata.Bar, error)
	// Ready reports whether the backing session can serve history; the
	// second value is a reason tag when not ready.
	Ready() (bool, string)
}

// TickSink consumes broker ticks in delivery order.
type TickSink interface {
	OnTick(tick marketdata.Tick)
}

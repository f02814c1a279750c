package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/application/service/derived"
	"fxbridge/internal/application/service/history"
	"fxbridge/internal/application/service/publish"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/domain/interfaces"
	"fxbridge/internal/observability/metrics"
)

const dayMS = 24 * 60 * 60 * 1000

// ResolveHistoryEndMS bounds a history request end: two minutes behind
// the wall clock, and never past the last trading close when the market
// is closed. The result is the close of a whole 1m bucket.
func ResolveHistoryEndMS(cal *calendar.Calendar, nowMS int64) int64 {
	safeNow := nowMS - 2*marketdata.MinuteMS
	if safeNow < 0 {
		safeNow = 0
	}
	if cal.HealthError() != "" || cal.IsOpen(nowMS) {
		return closeOf1m(safeNow)
	}
	return closeOf1m(cal.LastTradingCloseMS(nowMS))
}

func closeOf1m(tsMS int64) int64 {
	open := tsMS / marketdata.MinuteMS * marketdata.MinuteMS
	return open + marketdata.MinuteMS - 1
}

// Runner drives warmup and backfill: budgeted history fetch, idempotent
// final upsert, republication from the store and the HTF rebuild.
type Runner struct {
	cfg       *config.Config
	store     interfaces.BarStore
	history   *history.Service
	status    *status.Manager
	metrics   *metrics.Metrics
	publisher *publish.Publisher
	derived   *derived.Coordinator
	log       logrus.FieldLogger
}

func NewRunner(cfg *config.Config, store interfaces.BarStore, hist *history.Service, st *status.Manager, m *metrics.Metrics, pub *publish.Publisher, d *derived.Coordinator, log logrus.FieldLogger) *Runner {
	return &Runner{
		cfg:       cfg,
		store:     store,
		history:   hist,
		status:    st,
		metrics:   m,
		publisher: pub,
		derived:   d,
		log:       log,
	}
}

// Backfill loads [startMS, endMS] of 1m finals for symbol, stores and
// republishes them and rebuilds the derived timeframes.
func (r *Runner) Backfill(ctx context.Context, symbol string, startMS, endMS int64, rebuildTFs []string) error {
	nowMS := time.Now().UnixMilli()
	safeEnd := ResolveHistoryEndMS(r.status.Calendar(), nowMS)
	if endMS > safeEnd {
		endMS = safeEnd
	}
	endMS = endMS - (endMS % marketdata.MinuteMS) - 1
	if endMS < startMS {
		return fmt.Errorf("backfill range empty after calendar clamp: start=%d end=%d", startMS, endMS)
	}
	if err := r.history.GuardReady(symbol, "backfill", nowMS); err != nil {
		return err
	}
	bars, err := r.history.Fetch1mFinal(ctx, symbol, startMS, endMS, r.cfg.History.ChunkLimit)
	if err != nil {
		return err
	}
	if err := r.upsertAndTrack(ctx, symbol, bars); err != nil {
		return err
	}
	if _, err := r.store.Trim(ctx, symbol, r.cfg.RetentionDays); err != nil {
		r.log.WithError(err).WithField("symbol", symbol).Warn("retention trim failed")
	}
	if err := r.Publish1mRange(ctx, symbol, startMS, endMS); err != nil {
		return err
	}
	spanDays := (endMS - startMS + 1) / dayMS
	if spanDays < 1 {
		spanDays = 1
	}
	r.recordCoverage(ctx, symbol, int(spanDays))
	if len(rebuildTFs) > 0 {
		r.derived.Rebuild(ctx, symbol, rebuildTFs, startMS, endMS)
	}
	return nil
}

// Warmup backfills lookbackDays for each symbol up to the last whole
// minute.
func (r *Runner) Warmup(ctx context.Context, symbols []string, lookbackDays int, rebuildTFs []string) error {
	nowMS := time.Now().UnixMilli()
	endCloseMS := nowMS - (nowMS % marketdata.MinuteMS) - 1
	startMS := endCloseMS - int64(lookbackDays)*dayMS
	for _, symbol := range symbols {
		if err := r.Backfill(ctx, symbol, startMS, endCloseMS, rebuildTFs); err != nil {
			return fmt.Errorf("warmup %s: %w", symbol, err)
		}
	}
	return nil
}

func (r *Runner) upsertAndTrack(ctx context.Context, symbol string, bars []marketdata.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	ingestTS := time.Now().UnixMilli()
	for i := range bars {
		bars[i].Symbol = symbol
		bars[i].TF = marketdata.TF1m
		bars[i].Complete = true
		bars[i].Source = marketdata.SourceHistory
		bars[i].IngestTSMS = ingestTS
		if bars[i].EventTSMS == 0 {
			bars[i].EventTSMS = bars[i].CloseTimeMS
		}
	}
	upserted, err := r.store.UpsertFinal1m(ctx, symbol, bars)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.Final1mUpsertedTotal.Add(float64(upserted))
	}
	return nil
}

// Publish1mRange republishes stored 1m finals over [startMS, endMS].
func (r *Runner) Publish1mRange(ctx context.Context, symbol string, startMS, endMS int64) error {
	limit := r.cfg.Republish.MaxBarsPerMessage
	for t := startMS; t <= endMS; {
		rows, err := r.store.Range(ctx, symbol, marketdata.TF1m, t, endMS, limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if _, err := r.publisher.PublishFinal1m(ctx, symbol, rows); err != nil {
			return err
		}
		t = rows[len(rows)-1].OpenTimeMS + marketdata.MinuteMS
	}
	return nil
}

func (r *Runner) recordCoverage(ctx context.Context, symbol string, lookbackDays int) {
	stats, err := r.store.Coverage(ctx, symbol, marketdata.TF1m)
	if err != nil {
		r.log.WithError(err).WithField("symbol", symbol).Warn("coverage query failed")
		return
	}
	lastCloseMS := int64(0)
	if stats.LastOpenMS > 0 {
		lastCloseMS = stats.LastOpenMS + marketdata.MinuteMS - 1
	}
	expected := int64(r.cfg.RetentionDays) * 24 * 60
	r.status.RecordFinal1mCoverage(expected, stats.Bars)
	r.status.RecordFinalPublish(marketdata.TF1m, lastCloseMS, lookbackDays, stats.Bars)
}

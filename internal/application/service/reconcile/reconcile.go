package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/application/service/history"
	"fxbridge/internal/application/service/publish"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/domain/interfaces"
	"fxbridge/internal/observability/metrics"
)

// Summary reports one reconcile run.
type Summary struct {
	Symbol          string
	BucketOpenMS    int64
	BucketCloseMS   int64
	LookbackMinutes int
	Published1m     int
	Skipped1m       int
	Published15m    int
	Skipped15m      int
	State           string
}

// Finalizer re-fetches the minutes around a just-closed 15m bucket from
// history, upserts them and publishes only what the last run has not
// published yet. It exists to close the small gap between a live 15m
// close and the next full tail guard pass.
type Finalizer struct {
	cfg       *config.Config
	store     interfaces.BarStore
	history   *history.Service
	publisher *publish.Publisher
	status    *status.Manager
	metrics   *metrics.Metrics
	log       logrus.FieldLogger

	autoMu      sync.Mutex
	lastAutoEnd map[string]int64
}

func NewFinalizer(cfg *config.Config, store interfaces.BarStore, hist *history.Service, pub *publish.Publisher, st *status.Manager, m *metrics.Metrics, log logrus.FieldLogger) *Finalizer {
	return &Finalizer{
		cfg: cfg, store: store, history: hist, publisher: pub,
		status: st, metrics: m, log: log,
		lastAutoEnd: make(map[string]int64),
	}
}

func lastPublishedKey(symbol, tf string) string {
	return "reconcile_last_published_open_ms:" + symbol + ":" + tf
}

func (f *Finalizer) lastPublished(ctx context.Context, symbol, tf string) int64 {
	raw, err := f.store.GetMeta(ctx, lastPublishedKey(symbol, tf))
	if err != nil || raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (f *Finalizer) markPublished(ctx context.Context, symbol, tf string, openMS int64) {
	if err := f.store.SetMeta(ctx, lastPublishedKey(symbol, tf), strconv.FormatInt(openMS, 10)); err != nil {
		f.log.WithError(err).WithField("symbol", symbol).Warn("reconcile meta write failed")
	}
}

// Run reconciles the 15m bucket ending at targetCloseMS (the previous
// bucket's close when targetCloseMS is zero). lookbackMinutes must be at
// least one full 15m bucket.
func (f *Finalizer) Run(ctx context.Context, symbol string, lookbackMinutes int, reqID string, targetCloseMS int64) (Summary, error) {
	if !f.cfg.Reconcile.Enabled {
		return Summary{}, contract.NewError("reconcile_disabled", "reconcile is disabled in config")
	}
	if lookbackMinutes < 15 {
		return Summary{}, contract.NewError("contract", "lookback_minutes must be >= 15")
	}

	nowMS := time.Now().UnixMilli()
	cal := f.status.Calendar()
	tfMS := marketdata.TFToMS[marketdata.TF15m]
	if targetCloseMS == 0 {
		currentOpen, err := cal.BucketOpenMS(marketdata.TF15m, nowMS)
		if err != nil {
			return Summary{}, err
		}
		targetCloseMS = currentOpen - 1
	}
	bucketOpenMS := targetCloseMS - tfMS + 1
	if bucketOpenMS%tfMS != 0 || targetCloseMS != bucketOpenMS+tfMS-1 {
		return Summary{}, contract.NewError("contract", "target_close_ms is not aligned to a 15m close")
	}
	startMS := targetCloseMS - int64(lookbackMinutes)*marketdata.MinuteMS + 1

	summary := Summary{
		Symbol:          symbol,
		BucketOpenMS:    bucketOpenMS,
		BucketCloseMS:   targetCloseMS,
		LookbackMinutes: lookbackMinutes,
		State:           "ok",
	}
	err := f.run(ctx, symbol, startMS, bucketOpenMS, targetCloseMS, nowMS, &summary)
	if err != nil {
		summary.State = "error"
	}
	f.record(reqID, summary, err)
	return summary, err
}

func (f *Finalizer) run(ctx context.Context, symbol string, startMS, bucketOpenMS, bucketCloseMS, nowMS int64, summary *Summary) error {
	if err := f.history.GuardReady(symbol, "reconcile", nowMS); err != nil {
		return err
	}
	limit := summary.LookbackMinutes + 5
	rows, err := f.history.Fetch1mFinal(ctx, symbol, startMS, bucketCloseMS, limit)
	if err != nil {
		return err
	}
	bars := normalizeRows(rows, startMS, bucketCloseMS)
	if len(bars) == 0 {
		return contract.NewError("reconcile_history_empty", "history returned no bars for the reconcile window")
	}

	ingestMS := time.Now().UnixMilli()
	for i := range bars {
		bars[i].Symbol = symbol
		bars[i].TF = marketdata.TF1m
		bars[i].Complete = true
		bars[i].Source = marketdata.SourceHistory
		bars[i].EventTSMS = bars[i].CloseTimeMS
		bars[i].IngestTSMS = ingestMS
	}
	if _, err := f.store.UpsertFinal1m(ctx, symbol, bars); err != nil {
		return err
	}

	last1m := f.lastPublished(ctx, symbol, marketdata.TF1m)
	publish1m := barsAfter(bars, last1m)
	summary.Skipped1m = len(bars) - len(publish1m)
	if len(publish1m) > 0 {
		if _, err := f.publisher.PublishFinal1m(ctx, symbol, publish1m); err != nil {
			return err
		}
		summary.Published1m = len(publish1m)
		f.markPublished(ctx, symbol, marketdata.TF1m, publish1m[len(publish1m)-1].OpenTimeMS)
	}

	aggregated, incomplete := f.aggregate15m(symbol, bars, ingestMS)
	for _, open := range incomplete {
		if open == bucketOpenMS {
			return contract.NewError("reconcile_15m_incomplete", "target 15m bucket has missing 1m bars")
		}
	}
	found := false
	for _, bar := range aggregated {
		if bar.OpenTimeMS == bucketOpenMS {
			found = true
			break
		}
	}
	if !found {
		return contract.NewError("reconcile_15m_missing", "target 15m bucket was not aggregated")
	}

	if _, err := f.store.UpsertFinalHTF(ctx, symbol, marketdata.TF15m, aggregated); err != nil {
		return err
	}
	last15m := f.lastPublished(ctx, symbol, marketdata.TF15m)
	publish15m := barsAfter(aggregated, last15m)
	summary.Skipped15m = len(aggregated) - len(publish15m)
	if len(publish15m) > 0 {
		if _, err := f.publisher.PublishFinalHTF(ctx, symbol, marketdata.TF15m, publish15m); err != nil {
			return err
		}
		summary.Published15m = len(publish15m)
		f.markPublished(ctx, symbol, marketdata.TF15m, publish15m[len(publish15m)-1].OpenTimeMS)
	}
	return nil
}

func (f *Finalizer) record(reqID string, summary Summary, err error) {
	merged := map[string]any{
		"req_id":           reqID,
		"symbol":           summary.Symbol,
		"bucket_open_ms":   summary.BucketOpenMS,
		"bucket_close_ms":  summary.BucketCloseMS,
		"lookback_minutes": summary.LookbackMinutes,
		"published_1m":     summary.Published1m,
		"skipped_1m":       summary.Skipped1m,
		"published_15m":    summary.Published15m,
		"skipped_15m":      summary.Skipped15m,
		"state":            summary.State,
	}
	if err != nil {
		code := "reconcile_error"
		if cerr, ok := contract.AsContract(err); ok {
			code = cerr.Code
		} else if history.IsNotReady(err) {
			code = "reconcile_history_not_ready"
		}
		merged["last_error"] = map[string]any{
			"code":    code,
			"message": err.Error(),
			"ts":      time.Now().UnixMilli(),
		}
		f.status.AppendError(code, "error", err.Error(), map[string]any{"symbol": summary.Symbol})
	}
	f.status.RecordReconcile(merged)
}

// aggregate15m builds strict 15m buckets out of the fetched 1m bars and
// reports bucket opens that are not fully covered.
func (f *Finalizer) aggregate15m(symbol string, bars []marketdata.Bar, ingestMS int64) ([]marketdata.Bar, []int64) {
	tfMS := marketdata.TFToMS[marketdata.TF15m]
	expected := int(tfMS / marketdata.MinuteMS)
	buckets := make(map[int64][]marketdata.Bar)
	for _, bar := range bars {
		open := bar.OpenTimeMS - (bar.OpenTimeMS % tfMS)
		buckets[open] = append(buckets[open], bar)
	}
	opens := make([]int64, 0, len(buckets))
	for open := range buckets {
		opens = append(opens, open)
	}
	sort.Slice(opens, func(i, j int) bool { return opens[i] < opens[j] })

	var aggregated []marketdata.Bar
	var incomplete []int64
	for _, open := range opens {
		items := buckets[open]
		sort.Slice(items, func(i, j int) bool { return items[i].OpenTimeMS < items[j].OpenTimeMS })
		if len(items) != expected || !consecutive(items, open) {
			incomplete = append(incomplete, open)
			continue
		}
		out := marketdata.Bar{
			Symbol:      symbol,
			TF:          marketdata.TF15m,
			OpenTimeMS:  open,
			CloseTimeMS: open + tfMS - 1,
			Open:        items[0].Open,
			High:        items[0].High,
			Low:         items[0].Low,
			Close:       items[len(items)-1].Close,
			Complete:    true,
			Source:      marketdata.SourceHistoryAgg,
			EventTSMS:   open + tfMS - 1,
			IngestTSMS:  ingestMS,
		}
		for _, item := range items {
			if item.High > out.High {
				out.High = item.High
			}
			if item.Low < out.Low {
				out.Low = item.Low
			}
			out.Volume += item.Volume
			out.TickCount += item.TickCount
		}
		aggregated = append(aggregated, out)
	}
	return aggregated, incomplete
}

func consecutive(items []marketdata.Bar, bucketOpen int64) bool {
	for i, bar := range items {
		if bar.OpenTimeMS != bucketOpen+int64(i)*marketdata.MinuteMS {
			return false
		}
	}
	return true
}

// normalizeRows dedupes by open time and drops rows outside the window
// or with broken bounds.
func normalizeRows(rows []marketdata.Bar, startMS, endMS int64) []marketdata.Bar {
	merged := make(map[int64]marketdata.Bar, len(rows))
	for _, row := range rows {
		if row.OpenTimeMS <= 0 || row.CloseTimeMS <= 0 {
			continue
		}
		if row.OpenTimeMS < startMS || row.OpenTimeMS > endMS {
			continue
		}
		merged[row.OpenTimeMS] = row
	}
	out := make([]marketdata.Bar, 0, len(merged))
	for _, bar := range merged {
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTimeMS < out[j].OpenTimeMS })
	return out
}

// barsAfter keeps only bars newer than the last published open time.
func barsAfter(bars []marketdata.Bar, lastOpenMS int64) []marketdata.Bar {
	out := make([]marketdata.Bar, 0, len(bars))
	for _, bar := range bars {
		if bar.OpenTimeMS > lastOpenMS {
			out = append(out, bar)
		}
	}
	return out
}

// RunAuto fires a reconcile for the bucket that closed just before
// nowMS. Used by the scheduler when auto mode is on.
func (f *Finalizer) RunAuto(ctx context.Context, symbol string) {
	if !f.cfg.Reconcile.AutoEnabled {
		return
	}
	nowMS := time.Now().UnixMilli()
	cal := f.status.Calendar()
	if !cal.IsOpen(nowMS) {
		return
	}
	currentOpen, err := cal.BucketOpenMS(marketdata.TF15m, nowMS)
	if err != nil {
		return
	}
	endMS := currentOpen - 1

	// One trigger per closed bucket per symbol.
	f.autoMu.Lock()
	if f.lastAutoEnd[symbol] == endMS {
		f.autoMu.Unlock()
		return
	}
	f.lastAutoEnd[symbol] = endMS
	f.autoMu.Unlock()

	f.status.RecordReconcileTrigger(endMS)
	reqID := fmt.Sprintf("reconcile_auto_%d", endMS)
	if _, err := f.Run(ctx, symbol, f.cfg.Reconcile.LookbackMinutesDefault, reqID, endMS); err != nil {
		f.log.WithError(err).WithField("symbol", symbol).Warn("auto reconcile failed")
	}
}

package derived

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/application/service/publish"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/domain/interfaces"
	"fxbridge/internal/observability/metrics"
)

type rebuildKey struct {
	symbol string
	tf     string
}

type rebuildRange struct {
	startMS int64
	endMS   int64
}

// Coordinator serializes HTF rebuilds per (symbol, tf). A request
// arriving while the same key is running is coalesced: only the latest
// pending range runs afterwards.
type Coordinator struct {
	cfg       *config.Config
	store     interfaces.BarStore
	status    *status.Manager
	metrics   *metrics.Metrics
	publisher *publish.Publisher
	log       logrus.FieldLogger

	mu       sync.Mutex
	inflight map[rebuildKey]bool
	pending  map[rebuildKey]rebuildRange
}

func NewCoordinator(cfg *config.Config, store interfaces.BarStore, st *status.Manager, m *metrics.Metrics, pub *publish.Publisher, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		status:    st,
		metrics:   m,
		publisher: pub,
		log:       log,
		inflight:  make(map[rebuildKey]bool),
		pending:   make(map[rebuildKey]rebuildRange),
	}
}

// Rebuild runs the rebuild for every requested tf in order.
func (c *Coordinator) Rebuild(ctx context.Context, symbol string, tfs []string, startMS, endMS int64) {
	for _, tf := range tfs {
		c.runTF(ctx, symbol, tf, startMS, endMS)
	}
}

func (c *Coordinator) runTF(ctx context.Context, symbol, tf string, startMS, endMS int64) {
	key := rebuildKey{symbol: symbol, tf: tf}
	for {
		c.mu.Lock()
		if c.inflight[key] {
			c.pending[key] = rebuildRange{startMS: startMS, endMS: endMS}
			c.mu.Unlock()
			c.status.RecordDerivedRebuild("queued", startMS, endMS, []string{tf})
			return
		}
		c.inflight[key] = true
		c.mu.Unlock()

		c.rebuildTF(ctx, symbol, tf, startMS, endMS)

		c.mu.Lock()
		delete(c.inflight, key)
		next, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		startMS, endMS = next.startMS, next.endMS
	}
}

func (c *Coordinator) rebuildTF(ctx context.Context, symbol, tf string, startMS, endMS int64) {
	if tf == marketdata.TF1m || !marketdata.ValidTF(tf) {
		c.log.WithFields(logrus.Fields{"symbol": symbol, "tf": tf}).Error("rebuild requested for unsupported tf")
		return
	}
	cal := c.status.Calendar()
	alignedStart, alignedEndClose, err := AlignRange(cal, tf, startMS, endMS)
	if err != nil {
		c.recordError(symbol, tf, "derived_build_error", "build", alignedStart, alignedEndClose, err)
		return
	}
	if alignedStart > alignedEndClose {
		c.status.RecordDerivedRebuild("empty", alignedStart, alignedEndClose, []string{tf})
		return
	}
	minutes := int((alignedEndClose-alignedStart)/marketdata.MinuteMS) + 1

	if c.metrics != nil {
		c.metrics.DerivedRebuildRuns.WithLabelValues(tf).Inc()
	}

	rows1m, err := c.store.Range(ctx, symbol, marketdata.TF1m, alignedStart, alignedEndClose, minutes)
	if err != nil {
		c.recordError(symbol, tf, "derived_build_error", "build", alignedStart, alignedEndClose, err)
		return
	}
	if len(rows1m) == 0 {
		c.status.RecordDerivedRebuild("empty", alignedStart, alignedEndClose, []string{tf})
		return
	}

	htfBars, err := BuildHTFFinal(cal, symbol, tf, rows1m)
	if err != nil {
		c.recordError(symbol, tf, "derived_build_error", "build", alignedStart, alignedEndClose, err)
		return
	}
	if len(htfBars) == 0 {
		c.status.RecordDerivedRebuild("empty", alignedStart, alignedEndClose, []string{tf})
		return
	}

	upserted, err := c.store.UpsertFinalHTF(ctx, symbol, tf, htfBars)
	if err != nil {
		if cerr, ok := contract.AsContract(err); ok && cerr.Code == "no_mix_final_source_conflict" {
			c.status.RecordNoMixConflict(symbol, tf, cerr.Message)
			c.status.MarkDegraded("no_mix")
			if c.metrics != nil {
				c.metrics.NoMixConflictsTotal.WithLabelValues(tf).Inc()
				c.metrics.DerivedRebuildErrors.WithLabelValues(tf, "no_mix").Inc()
			}
			c.status.AppendError("no_mix_conflict", "error", cerr.Message, map[string]any{"symbol": symbol, "tf": tf})
			c.status.RecordDerivedRebuild("error", alignedStart, alignedEndClose, []string{tf})
			return
		}
		c.recordError(symbol, tf, "derived_build_error", "build", alignedStart, alignedEndClose, err)
		return
	}
	if c.metrics != nil {
		c.metrics.HTFUpsertedTotal.WithLabelValues(tf).Add(float64(upserted))
	}

	if _, err := c.publisher.PublishFinalHTF(ctx, symbol, tf, htfBars); err != nil {
		c.recordError(symbol, tf, "derived_publish_error", "publish", alignedStart, alignedEndClose, err)
		return
	}

	lastCloseMS := htfBars[len(htfBars)-1].CloseTimeMS
	lookbackDays := int((alignedEndClose - alignedStart + 1) / marketdata.TFToMS[marketdata.TF1d])
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	c.status.RecordFinalPublish(tf, lastCloseMS, lookbackDays, int64(len(htfBars)))
	c.status.RecordDerivedRebuild("ok", alignedStart, alignedEndClose, []string{tf})
}

func (c *Coordinator) recordError(symbol, tf, code, metricCode string, startMS, endMS int64, err error) {
	c.status.AppendError(code, "error", err.Error(), map[string]any{"symbol": symbol, "tf": tf})
	c.status.MarkDegraded(code)
	c.status.AppendDerivedError(metricCode, tf, err.Error())
	c.status.RecordDerivedRebuild("error", startMS, endMS, []string{tf})
	if c.metrics != nil {
		c.metrics.DerivedRebuildErrors.WithLabelValues(tf, metricCode).Inc()
	}
	c.log.WithError(err).WithFields(logrus.Fields{"symbol": symbol, "tf": tf}).Error("derived rebuild failed")
}

package republish

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/application/service/publish"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/domain/interfaces"
	"fxbridge/internal/observability/metrics"
)

// Request selects what RepublishTail covers.
type Request struct {
	Symbol      string
	TFs         []string
	WindowHours int
	Force       bool
	ReqID       string
}

// Result summarizes one republish run.
type Result struct {
	PublishedBatches   int
	SkippedByWatermark bool
	State              string
}

// Service republishes stored final tails, deduplicated by a TTL'd
// watermark key per (symbol, tf, window).
type Service struct {
	cfg       *config.Config
	store     interfaces.BarStore
	kv        interfaces.BusKV
	publisher *publish.Publisher
	status    *status.Manager
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
}

func NewService(cfg *config.Config, store interfaces.BarStore, kv interfaces.BusKV, pub *publish.Publisher, st *status.Manager, m *metrics.Metrics, log logrus.FieldLogger) *Service {
	return &Service{cfg: cfg, store: store, kv: kv, publisher: pub, status: st, metrics: m, log: log}
}

// RepublishTail republishes the last window of finals for each tf
// unless the watermark says it was done recently; Force bypasses it.
func (s *Service) RepublishTail(ctx context.Context, req Request) (Result, error) {
	nowMS := time.Now().UnixMilli()
	ttl := time.Duration(s.cfg.Republish.WatermarkTTLMinutes) * time.Minute
	res := Result{State: "ok"}
	watermarkUsed := false

	for _, tf := range req.TFs {
		if err := s.ensureFinalSource(ctx, req.Symbol, tf); err != nil {
			s.recordResult(req, res, "error")
			return res, err
		}
		key := s.cfg.KeyRepublishWatermark(req.Symbol, tf, req.WindowHours)
		_, exists, err := s.kv.Get(ctx, key)
		if err != nil {
			s.status.AppendError("republish_error", "error", err.Error(), map[string]any{"symbol": req.Symbol})
			s.status.MarkDegraded("republish_watermark_unavailable")
			s.recordResult(req, res, "error")
			return res, err
		}
		if exists && !req.Force {
			res.SkippedByWatermark = true
			watermarkUsed = true
			if s.metrics != nil {
				s.metrics.RepublishRunsTotal.WithLabelValues("skipped").Inc()
			}
			continue
		}

		bars, err := s.loadTail(ctx, req.Symbol, tf, req.WindowHours)
		if err != nil {
			s.recordResult(req, res, "error")
			return res, err
		}
		if len(bars) > 0 {
			batches, err := s.publishBars(ctx, req.Symbol, tf, bars)
			if err != nil {
				s.recordResult(req, res, "error")
				return res, err
			}
			res.PublishedBatches += batches
		}
		if err := s.kv.SetWithTTL(ctx, key, strconv.FormatInt(nowMS, 10), ttl); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("watermark set failed")
		}
		watermarkUsed = true
		if s.metrics != nil {
			s.metrics.RepublishRunsTotal.WithLabelValues("ok").Inc()
			if req.Force {
				s.metrics.RepublishForcedTotal.Inc()
			}
		}
	}

	if res.SkippedByWatermark && res.PublishedBatches == 0 && watermarkUsed {
		res.State = "skipped"
	}
	s.recordResult(req, res, res.State)
	return res, nil
}

func (s *Service) recordResult(req Request, res Result, state string) {
	s.status.RecordRepublish(req.ReqID, res.SkippedByWatermark, req.Force, res.PublishedBatches, state)
}

// ensureFinalSource rejects a republish whose stored tail carries a
// non-final or wrong-grade source.
func (s *Service) ensureFinalSource(ctx context.Context, symbol, tf string) error {
	wantSource := marketdata.SourceHistory
	if tf != marketdata.TF1m {
		wantSource = marketdata.SourceHistoryAgg
	}
	tail, err := s.store.Tail(ctx, symbol, tf, 1)
	if err != nil {
		return err
	}
	if len(tail) == 0 {
		return nil
	}
	got := tail[len(tail)-1].Source
	if got != wantSource {
		s.status.AppendError("republish_source_invalid", "error",
			"republish_tail rejected: stored tail source is not final for this tf",
			map[string]any{"symbol": symbol, "tf": tf, "last_write_source": got})
		s.status.MarkDegraded("republish_source_invalid")
		return contract.NewError("republish_source_invalid", "stored tail source "+got+" is not allowed for "+tf)
	}
	return nil
}

func (s *Service) loadTail(ctx context.Context, symbol, tf string, windowHours int) ([]marketdata.Bar, error) {
	size, ok := marketdata.TFToMS[tf]
	if !ok {
		return nil, contract.Errorf("contract", "unknown tf: %s", tf)
	}
	limit := int(int64(windowHours) * 3600_000 / size)
	if limit <= 0 {
		return nil, nil
	}
	return s.store.Tail(ctx, symbol, tf, limit)
}

func (s *Service) publishBars(ctx context.Context, symbol, tf string, bars []marketdata.Bar) (int, error) {
	if tf == marketdata.TF1m {
		return s.publisher.PublishFinal1m(ctx, symbol, bars)
	}
	return s.publisher.PublishFinalHTF(ctx, symbol, tf, bars)
}

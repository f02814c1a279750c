package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/domain/interfaces"
	"fxbridge/internal/observability/metrics"
)

// ErrNotReady aborts any history-dependent operation while the backing
// session cannot serve requests. Callers surface it, never swallow it.
var ErrNotReady = errors.New("history not ready")

// IsNotReady reports whether err is (or wraps) ErrNotReady.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}

// Service wraps a raw provider with the request budget, probe-first
// chunking and the readiness guard with doubling backoff.
type Service struct {
	cfg      *config.Config
	provider interfaces.HistoryProvider
	budget   *Budget
	status   *status.Manager
	metrics  *metrics.Metrics
	log      logrus.FieldLogger

	mu             sync.Mutex
	notReadyReason string
	retryAfterMS   int64
	backoffMS      int64
}

func NewService(cfg *config.Config, provider interfaces.HistoryProvider, st *status.Manager, m *metrics.Metrics, log logrus.FieldLogger) *Service {
	return &Service{
		cfg:      cfg,
		provider: provider,
		budget:   NewBudget(cfg.History.MaxRequestsPerMin),
		status:   st,
		metrics:  m,
		log:      log,
	}
}

func (s *Service) shouldBackoff(nowMS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nowMS < s.retryAfterMS
}

// noteNotReady advances the doubling backoff and returns the retry
// deadline. Repeated calls inside an active window keep the deadline.
func (s *Service) noteNotReady(nowMS int64, reason string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason != "" {
		s.notReadyReason = reason
	}
	if s.retryAfterMS > nowMS {
		return s.retryAfterMS
	}
	base := int64(s.cfg.History.NotReadyBackoffS) * 1000
	capMS := int64(s.cfg.History.NotReadyBackoffCapS) * 1000
	if s.retryAfterMS <= 0 || s.backoffMS <= 0 {
		s.backoffMS = base
	} else {
		s.backoffMS *= 2
		if s.backoffMS > capMS {
			s.backoffMS = capMS
		}
	}
	s.retryAfterMS = nowMS + s.backoffMS
	return s.retryAfterMS
}

// ClearBackoff resets the not-ready backoff after a successful fetch.
func (s *Service) ClearBackoff() {
	s.mu.Lock()
	s.retryAfterMS = 0
	s.backoffMS = 0
	s.notReadyReason = ""
	s.mu.Unlock()
}

// GuardReady fails loudly with ErrNotReady when the provider cannot
// serve history, recording the backoff state and the next trading open.
func (s *Service) GuardReady(symbol, opContext string, nowMS int64) error {
	ready, reason := s.provider.Ready()
	backoffActive := s.shouldBackoff(nowMS)
	cal := s.status.Calendar()
	if ready && !backoffActive {
		s.status.RecordHistoryState(true, "", 0, cal.NextOpenMS(nowMS), 0, false)
		return nil
	}
	if reason == "" {
		s.mu.Lock()
		reason = s.notReadyReason
		s.mu.Unlock()
	}
	if reason == "" {
		reason = "history_not_ready"
	}
	retryAfterMS := s.noteNotReady(nowMS, reason)
	nextOpenMS := cal.NextOpenMS(nowMS)
	backoffMS := retryAfterMS - nowMS
	if backoffMS < 0 {
		backoffMS = 0
	}
	s.status.RecordHistoryState(false, reason, retryAfterMS, nextOpenMS, backoffMS, true)
	s.status.AppendError("fxcm_history_not_ready", "error", "history source is not ready", map[string]any{
		"symbol":               symbol,
		"context":              opContext,
		"reason":               reason,
		"retry_after_ms":       retryAfterMS,
		"next_trading_open_ms": nextOpenMS,
	})
	s.status.MarkDegraded("history_not_ready")
	s.status.MarkDegraded("history_backoff_active")
	if s.metrics != nil {
		s.metrics.HistoryNotReadyTotal.Inc()
	}
	return fmt.Errorf("%w: %s", ErrNotReady, reason)
}

// Fetch1mFinal fetches [startMS, endMS] in budgeted chunks. Ranges wider
// than one chunk are probed at the tail first; an empty probe aborts the
// whole fetch.
func (s *Service) Fetch1mFinal(ctx context.Context, symbol string, startMS, endMS int64, limit int) ([]marketdata.Bar, error) {
	if endMS < startMS {
		return nil, contract.NewError("contract", "history range must be ordered")
	}
	chunkMS := int64(s.cfg.History.ChunkMinutes) * marketdata.MinuteMS
	if chunkMS < marketdata.MinuteMS {
		chunkMS = marketdata.MinuteMS
	}
	if endMS-startMS > chunkMS {
		if err := s.probeFirst(ctx, symbol, startMS, endMS, limit); err != nil {
			return nil, err
		}
	}
	var bars []marketdata.Bar
	var lastReqMS int64
	minSleep := int64(s.cfg.History.MinSleepMS)
	for t := startMS; t <= endMS; {
		chunkEnd := t + chunkMS - 1
		if chunkEnd > endMS {
			chunkEnd = endMS
		}
		if minSleep > 0 && lastReqMS > 0 {
			elapsed := time.Now().UnixMilli() - lastReqMS
			if elapsed < minSleep {
				select {
				case <-ctx.Done():
					return bars, ctx.Err()
				case <-time.After(time.Duration(minSleep-elapsed) * time.Millisecond):
				}
			}
		}
		chunk, err := s.fetchChunk(ctx, symbol, t, chunkEnd, limit)
		if err != nil {
			return bars, err
		}
		bars = append(bars, chunk...)
		lastReqMS = time.Now().UnixMilli()
		t = chunkEnd + marketdata.MinuteMS
	}
	s.ClearBackoff()
	return bars, nil
}

func (s *Service) probeFirst(ctx context.Context, symbol string, startMS, endMS int64, limit int) error {
	probeMS := int64(s.cfg.History.ProbeMinutes) * marketdata.MinuteMS
	if probeMS < marketdata.MinuteMS {
		probeMS = marketdata.MinuteMS
	}
	probeStart := endMS - probeMS + 1
	if probeStart < startMS {
		probeStart = startMS
	}
	rows, err := s.fetchChunk(ctx, symbol, probeStart, endMS, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		s.status.AppendError("history_probe_empty", "error", "history probe returned 0 bars", map[string]any{
			"symbol": symbol, "start_ms": probeStart, "end_ms": endMS,
		})
		s.status.MarkDegraded("history_probe_empty")
		return contract.NewError("history_probe_empty", "history probe returned no bars")
	}
	return nil
}

func (s *Service) fetchChunk(ctx context.Context, symbol string, startMS, endMS int64, limit int) ([]marketdata.Bar, error) {
	waited := s.budget.Acquire(symbol)
	defer s.budget.Release(symbol)
	if waited {
		s.status.AppendErrorThrottled("history_inflight_wait", "warning",
			"history request waited on single in-flight",
			map[string]any{"symbol": symbol, "start_ms": startMS, "end_ms": endMS},
			"history_inflight_wait:"+symbol, 60_000)
	}
	bars, err := s.provider.Fetch1mFinal(ctx, symbol, startMS, endMS, limit)
	if err != nil {
		s.status.AppendError("history_fetch_failed", "error", err.Error(), map[string]any{
			"symbol": symbol, "start_ms": startMS, "end_ms": endMS,
		})
		s.status.MarkDegraded("history_fetch_failed")
		if s.metrics != nil {
			s.metrics.HistoryRequestsTotal.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("history fetch %s [%d,%d]: %w", symbol, startMS, endMS, err)
	}
	if s.metrics != nil {
		s.metrics.HistoryRequestsTotal.WithLabelValues("ok").Inc()
	}
	return bars, nil
}

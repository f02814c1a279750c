package tailguard

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/service/history"
	"fxbridge/internal/application/service/publish"
	"fxbridge/internal/application/service/republish"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/domain/interfaces"
	"fxbridge/internal/observability/metrics"
)

// Audit tiers. Near runs frequently over a short window, far runs on
// demand over a long one and may skip via the persisted mark.
const (
	TierNear = "near"
	TierFar  = "far"
)

// Range is one contiguous missing span, inclusive on both ends.
type Range struct {
	StartMS int64
	EndMS   int64
}

// TFState is the audit outcome for one timeframe.
type TFState struct {
	MissingBars   int64
	Status        string
	SkippedByTTL  bool
	MissingRanges []Range
}

// Summary is the outcome of a whole guard run.
type Summary struct {
	TFStates map[string]TFState
	Repaired bool
	Repair   *RepairSummary
}

// Guard audits stored 1m finals against the calendar and repairs gaps
// from history within strict budgets.
type Guard struct {
	cfg       *config.Config
	store     interfaces.BarStore
	history   *history.Service
	publisher *publish.Publisher
	repub     *republish.Service
	status    *status.Manager
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
}

// Request selects what one guard run covers.
type Request struct {
	Symbol               string
	WindowHours          int
	TFs                  []string
	Tier                 string
	Repair               bool
	RepublishAfterRepair bool
	ReqID                string
}

func NewGuard(cfg *config.Config, store interfaces.BarStore, hist *history.Service, pub *publish.Publisher, repub *republish.Service, st *status.Manager, m *metrics.Metrics, log logrus.FieldLogger) *Guard {
	return &Guard{
		cfg:       cfg,
		store:     store,
		history:   hist,
		publisher: pub,
		repub:     repub,
		status:    st,
		metrics:   m,
		log:       log,
	}
}

func (s TFState) statusMap() map[string]any {
	ranges := make([]any, 0, len(s.MissingRanges))
	for _, r := range s.MissingRanges {
		ranges = append(ranges, []any{r.StartMS, r.EndMS})
	}
	return map[string]any{
		"missing_bars":   s.MissingBars,
		"status":         s.Status,
		"skipped_by_ttl": s.SkippedByTTL,
		"missing_ranges": ranges,
	}
}

// Run executes one audit (and optional repair) for the request.
func (g *Guard) Run(ctx context.Context, req Request) (Summary, error) {
	tier := req.Tier
	if tier == "" {
		tier = TierFar
	}
	tfs := req.TFs
	if len(tfs) == 0 {
		tfs = g.cfg.TailGuard.AllowTFs
	}
	if g.metrics != nil {
		g.metrics.TailGuardRunsTotal.WithLabelValues(tier).Inc()
	}

	summary := Summary{TFStates: make(map[string]TFState)}
	for _, tf := range tfs {
		var state TFState
		if tf != marketdata.TF1m {
			state = TFState{Status: "unsupported"}
		} else {
			audited, err := g.audit1m(ctx, req.Symbol, req.WindowHours, tier)
			if err != nil {
				return summary, err
			}
			state = audited
		}
		summary.TFStates[tf] = state
		g.status.RecordTailGuardTF(tier, tf, state.statusMap())
	}

	if req.Repair {
		repaired, repairSummary, err := g.maybeRepair(ctx, req, summary.TFStates)
		if err != nil {
			g.recordRun(tier, req, summary, "error")
			return summary, err
		}
		summary.Repaired = repaired
		summary.Repair = repairSummary
		if repairSummary == nil && !repaired {
			for tf, state := range summary.TFStates {
				if state.MissingBars == 0 {
					continue
				}
				state.Status = "deferred"
				summary.TFStates[tf] = state
				g.status.RecordTailGuardTF(tier, tf, state.statusMap())
			}
		}
	}

	g.recordRun(tier, req, summary, "ok")
	return summary, nil
}

func (g *Guard) recordRun(tier string, req Request, summary Summary, state string) {
	var repairs, missing int64
	if summary.Repair != nil {
		repairs = int64(summary.Repair.WindowsRepaired)
	}
	for _, tfState := range summary.TFStates {
		missing += tfState.MissingBars
	}
	g.status.RecordTailGuardRun(tier, req.ReqID, req.WindowHours, repairs, missing, state)
}

// audit1m checks the last window_hours of stored 1m finals for gaps in
// calendar-open minutes, honoring the persisted mark's TTL skip.
func (g *Guard) audit1m(ctx context.Context, symbol string, windowHours int, tier string) (TFState, error) {
	nowMS := time.Now().UnixMilli()
	windowEndClose := nowMS - (nowMS % marketdata.MinuteMS) - 1
	windowStart := windowEndClose + 1 - int64(windowHours)*3600_000

	lastCloseMS, err := g.store.LastCompleteCloseMS(ctx, symbol, marketdata.TF1m)
	if err != nil {
		return TFState{}, err
	}
	if lastCloseMS == 0 {
		g.status.AppendError("ssot_empty", "error", "1m final store is empty, tail guard impossible",
			map[string]any{"symbol": symbol, "window_hours": windowHours})
		return TFState{Status: "cache_empty"}, nil
	}

	mark, err := g.store.TailMark(ctx, symbol, marketdata.TF1m)
	if err != nil {
		return TFState{}, err
	}
	ttlMS := int64(g.cfg.TailGuard.CheckedTTLSeconds) * 1000
	if tier == TierFar && mark != nil && ttlMS > 0 &&
		mark.CheckedUntilCloseMS >= windowEndClose &&
		mark.EtagLastCompleteBarMS == lastCloseMS &&
		nowMS-mark.LastAuditTSMS < ttlMS {
		return TFState{Status: "ok", SkippedByTTL: true}, nil
	}

	limit := windowHours * 60
	rows, err := g.store.Range(ctx, symbol, marketdata.TF1m, windowStart, windowEndClose, limit)
	if err != nil {
		return TFState{}, err
	}
	if len(rows) == 0 {
		return TFState{Status: "cache_empty"}, nil
	}

	missingRanges := g.findMissingRanges(rows)
	var missingBars int64
	for _, r := range missingRanges {
		missingBars += (r.EndMS - r.StartMS + 1) / marketdata.MinuteMS
	}

	state := TFState{
		MissingBars:   missingBars,
		Status:        "ok",
		MissingRanges: missingRanges,
	}
	if missingBars > 0 {
		state.Status = "missing"
	}

	verifiedUntil := rows[len(rows)-1].CloseTimeMS
	verifiedFrom := rows[0].OpenTimeMS
	if len(missingRanges) > 0 {
		first := missingRanges[0]
		if first.StartMS-1 >= verifiedFrom {
			verifiedUntil = first.StartMS - 1
		} else {
			verifiedFrom, verifiedUntil = 0, 0
		}
	}
	if err := g.store.SaveTailMark(ctx, marketdata.TailMark{
		Symbol:                symbol,
		TF:                    marketdata.TF1m,
		VerifiedFromMS:        verifiedFrom,
		VerifiedUntilMS:       verifiedUntil,
		CheckedUntilCloseMS:   windowEndClose,
		EtagLastCompleteBarMS: lastCloseMS,
		LastAuditTSMS:         nowMS,
		UpdatedTSMS:           nowMS,
	}); err != nil {
		return state, err
	}
	return state, nil
}

// findMissingRanges enumerates gaps between consecutive stored bars,
// counting only calendar-open minutes.
func (g *Guard) findMissingRanges(rows []marketdata.Bar) []Range {
	cal := g.status.Calendar()
	var missing []Range
	prevOpen := rows[0].OpenTimeMS
	for _, row := range rows[1:] {
		openMS := row.OpenTimeMS
		expected := prevOpen + marketdata.MinuteMS
		if openMS > expected {
			var rangeStart int64 = -1
			for t := expected; t < openMS; t += marketdata.MinuteMS {
				if cal.IsOpen(t) {
					if rangeStart < 0 {
						rangeStart = t
					}
				} else if rangeStart >= 0 {
					missing = append(missing, Range{StartMS: rangeStart, EndMS: t - 1})
					rangeStart = -1
				}
			}
			if rangeStart >= 0 {
				missing = append(missing, Range{StartMS: rangeStart, EndMS: openMS - 1})
			}
		}
		prevOpen = openMS
	}
	return missing
}

func (g *Guard) maybeRepair(ctx context.Context, req Request, tfStates map[string]TFState) (bool, *RepairSummary, error) {
	nowMS := time.Now().UnixMilli()
	cal := g.status.Calendar()
	if !cal.IsRepairWindow(nowMS, g.cfg.TailGuard.SafeRepairOnlyClosed) {
		g.status.MarkDegraded("repair_deferred_market_open")
		return false, nil, nil
	}
	state, ok := tfStates[marketdata.TF1m]
	if !ok || len(state.MissingRanges) == 0 {
		return false, nil, nil
	}
	repairSummary, err := g.repairMissing1m(ctx, req.Symbol, state.MissingRanges)
	if err != nil {
		return false, nil, err
	}
	if repairSummary.WindowsRepaired > 0 && req.RepublishAfterRepair {
		if _, err := g.repub.RepublishTail(ctx, republish.Request{
			Symbol:      req.Symbol,
			TFs:         []string{marketdata.TF1m},
			WindowHours: req.WindowHours,
			Force:       true,
			ReqID:       "tail_guard_repair",
		}); err != nil {
			g.log.WithError(err).Warn("republish after repair failed")
		}
	}
	return true, repairSummary, nil
}

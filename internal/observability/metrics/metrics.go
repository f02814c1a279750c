package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the connector's Prometheus collectors. Components hold
// a possibly-nil *Metrics and guard each use, so tests can run without a
// registry.
type Metrics struct {
	TicksTotal             prometheus.Counter
	TickErrorsTotal        prometheus.Counter
	LateTicksDroppedTotal  prometheus.Counter
	PastMutationsTotal     prometheus.Counter
	MisalignedOpenTotal    prometheus.Counter
	TickOutOfOrderTotal    prometheus.Counter
	PreviewPublishesTotal  prometheus.Counter
	Final1mUpsertedTotal   prometheus.Counter
	HTFUpsertedTotal       *prometheus.CounterVec
	NoMixConflictsTotal    *prometheus.CounterVec
	DerivedRebuildRuns     *prometheus.CounterVec
	DerivedRebuildErrors   *prometheus.CounterVec
	HistoryRequestsTotal   *prometheus.CounterVec
	HistoryNotReadyTotal   prometheus.Counter
	TailGuardRunsTotal     *prometheus.CounterVec
	TailGuardRepairsTotal  *prometheus.CounterVec
	RepublishRunsTotal     *prometheus.CounterVec
	RepublishForcedTotal   prometheus.Counter
	CommandsTotal          *prometheus.CounterVec
	CommandsRateLimited    *prometheus.CounterVec
	CommandAuthFailedTotal prometheus.Counter
	StatusPublishesTotal   prometheus.Counter
	StatusOversizeTotal    prometheus.Counter
	SessionReconnectsTotal prometheus.Counter
	SessionResubsTotal     prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}
	return &Metrics{
		TicksTotal:             counter("fxbridge_ticks_total", "Ticks accepted from the broker stream"),
		TickErrorsTotal:        counter("fxbridge_tick_errors_total", "Ticks rejected by the contract"),
		LateTicksDroppedTotal:  counter("fxbridge_late_ticks_dropped_total", "Ticks older than the current preview bucket"),
		PastMutationsTotal:     counter("fxbridge_past_mutations_total", "Attempted mutations of closed preview buckets"),
		MisalignedOpenTotal:    counter("fxbridge_misaligned_open_time_total", "Bucket opens that failed alignment"),
		TickOutOfOrderTotal:    counter("fxbridge_tick_out_of_order_total", "Non-monotone ticks dropped"),
		PreviewPublishesTotal:  counter("fxbridge_preview_publishes_total", "Preview batches published"),
		Final1mUpsertedTotal:   counter("fxbridge_final_1m_bars_upserted_total", "1m final bars upserted"),
		HTFUpsertedTotal:       counterVec("fxbridge_htf_final_bars_upserted_total", "HTF final bars upserted", "tf"),
		NoMixConflictsTotal:    counterVec("fxbridge_no_mix_conflicts_total", "Final source conflicts rejected", "tf"),
		DerivedRebuildRuns:     counterVec("fxbridge_derived_rebuild_runs_total", "Derived rebuild runs", "tf"),
		DerivedRebuildErrors:   counterVec("fxbridge_derived_rebuild_errors_total", "Derived rebuild failures", "tf", "code"),
		HistoryRequestsTotal:   counterVec("fxbridge_history_requests_total", "History chunk requests", "result"),
		HistoryNotReadyTotal:   counter("fxbridge_history_not_ready_total", "Operations aborted by history readiness"),
		TailGuardRunsTotal:     counterVec("fxbridge_tail_guard_runs_total", "Tail guard audits", "tier"),
		TailGuardRepairsTotal:  counterVec("fxbridge_tail_guard_repairs_total", "Tail guard repairs", "tf"),
		RepublishRunsTotal:     counterVec("fxbridge_republish_runs_total", "Republish runs", "state"),
		RepublishForcedTotal:   counter("fxbridge_republish_forced_total", "Forced republishes"),
		CommandsTotal:          counterVec("fxbridge_commands_total", "Commands by outcome", "cmd", "state"),
		CommandsRateLimited:    counterVec("fxbridge_commands_rate_limited_total", "Commands throttled", "scope"),
		CommandAuthFailedTotal: counter("fxbridge_command_auth_failed_total", "Command auth or replay rejections"),
		StatusPublishesTotal:   counter("fxbridge_status_publishes_total", "Status snapshots published"),
		StatusOversizeTotal:    counter("fxbridge_status_oversize_total", "Status payloads over the hard cap"),
		SessionReconnectsTotal: counter("fxbridge_session_reconnects_total", "Broker session reconnects"),
		SessionResubsTotal:     counter("fxbridge_session_resubscribes_total", "Broker session resubscribes"),
	}
}


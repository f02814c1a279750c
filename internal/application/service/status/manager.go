package status

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/interfaces"
	"fxbridge/internal/observability/metrics"
)

// Hard rail for the pub/sub payload and the trim limits applied before
// size checks.
const (
	PubSubMaxBytes   = 8192
	ErrorsMax        = 20
	DegradedMax      = 20
	DerivedErrorsMax = 10
	DerivedTFsMax    = 6
	RedactMaxLen     = 160
	SchemaVersion    = 2
)

func nowMS() int64 { return time.Now().UnixMilli() }

// Manager owns the single mutable status snapshot. Every component
// records into its own section; one goroutine drives publication.
type Manager struct {
	cfg     *config.Config
	cal     *calendar.Calendar
	pub     interfaces.BusPublisher
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	mu            sync.Mutex
	snapshot      map[string]any
	startTSMS     int64
	lastPublishMS int64

	coalesceLastTS map[string]int64
	throttleLastTS map[string]int64
}

// NewManager builds the manager and its initial snapshot.
func NewManager(cfg *config.Config, cal *calendar.Calendar, pub interfaces.BusPublisher, m *metrics.Metrics, log logrus.FieldLogger) *Manager {
	mgr := &Manager{
		cfg:            cfg,
		cal:            cal,
		pub:            pub,
		metrics:        m,
		log:            log,
		startTSMS:      nowMS(),
		coalesceLastTS: make(map[string]int64),
		throttleLastTS: make(map[string]int64),
	}
	mgr.snapshot = mgr.buildInitialSnapshot()
	return mgr
}

// Calendar exposes the calendar the manager was built with; operations
// that need market state share this one instance.
func (m *Manager) Calendar() *calendar.Calendar { return m.cal }

func (m *Manager) buildInitialSnapshot() map[string]any {
	ts := nowMS()
	commandBusState := "disabled"
	var commandBusErr any
	if m.cfg.Commands.Enabled {
		commandBusState = "error"
		commandBusErr = map[string]any{"code": "not_started", "message": "command bus not started yet", "ts": ts}
	}
	sessionState := "connecting"
	if m.cfg.Session.Backend == "disabled" {
		sessionState = "disabled"
	}

	errs := []any{}
	degraded := []any{}
	if calErr := m.cal.HealthError(); calErr != "" {
		degraded = append(degraded, "calendar_error")
		errs = append(errs, map[string]any{
			"code": "calendar_error", "severity": "error", "message": calErr, "ts": ts,
		})
	}

	perTF := func() map[string]any {
		return map[string]any{
			"last_complete_bar_ms": int64(0),
			"lag_ms":               int64(0),
			"bars_lookback_days":   0,
			"bars_total_est":       int64(0),
		}
	}

	return map[string]any{
		"ts":             ts,
		"version":        m.cfg.Version,
		"schema_version": SchemaVersion,
		"build_version":  m.cfg.Version,
		"process": map[string]any{
			"pid":      os.Getpid(),
			"uptime_s": float64(0),
			"state":    "running",
		},
		"market":   marketStateMap(m.cal.MarketState(ts)),
		"errors":   errs,
		"degraded": degraded,
		"price": map[string]any{
			"last_tick_ts_ms": int64(0),
			"last_snap_ts_ms": int64(0),
			"tick_skew_ms":    int64(0),
			"tick_lag_ms":     int64(0),
			"tick_total":      int64(0),
			"tick_err_total":  int64(0),
		},
		"fxcm": map[string]any{
			"state":                 sessionState,
			"fsm_state":             sessionState,
			"last_tick_ts_ms":       int64(0),
			"last_ok_ts_ms":         int64(0),
			"last_err":              nil,
			"last_err_ts_ms":        int64(0),
			"reconnect_attempt":     0,
			"next_retry_ts_ms":      int64(0),
			"stale_seconds":         0,
			"last_action":           "",
			"ticks_total":           int64(0),
			"stale_events_total":    int64(0),
			"resubscribe_total":     int64(0),
			"reconnect_total":       int64(0),
			"publish_fail_total":    int64(0),
			"contract_reject_total": int64(0),
		},
		"ohlcv_preview": map[string]any{
			"last_publish_ts_ms":         int64(0),
			"preview_total":              int64(0),
			"preview_err_total":          int64(0),
			"late_ticks_dropped_total":   int64(0),
			"misaligned_open_time_total": int64(0),
			"past_mutations_total":       int64(0),
			"last_bucket_open_ms":        int64(0),
			"last_tick_ts_ms":            int64(0),
			"last_bar_open_time_ms": map[string]any{
				"1m": int64(0), "5m": int64(0), "15m": int64(0),
				"1h": int64(0), "4h": int64(0), "1d": int64(0),
			},
		},
		"ohlcv_final_1m": perTF(),
		"ohlcv_final": map[string]any{
			"1m": perTF(), "15m": perTF(), "1h": perTF(), "4h": perTF(), "1d": perTF(),
		},
		"history": map[string]any{
			"ready":                  true,
			"not_ready_reason":       "",
			"history_retry_after_ms": int64(0),
			"next_trading_open_ms":   int64(0),
			"backoff_ms":             int64(0),
			"backoff_active":         false,
			"last_not_ready_ts_ms":   int64(0),
		},
		"derived_rebuild": map[string]any{
			"last_run_ts_ms": int64(0),
			"last_range_ms":  []any{int64(0), int64(0)},
			"last_tfs":       []any{},
			"state":          "idle",
			"errors":         []any{},
		},
		"no_mix": map[string]any{
			"conflicts_total": int64(0),
			"last_conflict":   nil,
		},
		"tail_guard": map[string]any{
			"near": defaultTailGuardBlock(),
			"far":  defaultTailGuardBlock(),
		},
		"republish": map[string]any{
			"last_run_ts_ms":       int64(0),
			"last_req_id":          "",
			"skipped_by_watermark": false,
			"forced":               false,
			"published_batches":    0,
			"state":                "idle",
		},
		"reconcile": map[string]any{
			"last_run_ts_ms":   int64(0),
			"last_req_id":      "",
			"last_end_ms":      int64(0),
			"bucket_open_ms":   int64(0),
			"bucket_close_ms":  int64(0),
			"lookback_minutes": 0,
			"published_1m":     0,
			"skipped_1m":       0,
			"published_15m":    0,
			"skipped_15m":      0,
			"state":            "idle",
			"last_error":       nil,
		},
		"bootstrap": map[string]any{
			"state":           "idle",
			"step":            "",
			"last_step_ts_ms": int64(0),
			"steps":           []any{},
			"last_error":      nil,
		},
		"command_bus": map[string]any{
			"channel":               m.cfg.ChCommands(),
			"state":                 commandBusState,
			"last_heartbeat_ts_ms":  int64(0),
			"last_error":            commandBusErr,
		},
		"last_command": map[string]any{
			"cmd":         "bootstrap",
			"req_id":      "bootstrap",
			"state":       "ok",
			"started_ts":  ts,
			"finished_ts": ts,
			"result":      map[string]any{},
		},
	}
}

func defaultTailGuardBlock() map[string]any {
	return map[string]any{
		"last_run_ts_ms":     int64(0),
		"last_req_id":        "",
		"window_hours":       0,
		"repairs_total":      int64(0),
		"missing_bars_total": int64(0),
		"tf_states":          map[string]any{},
		"state":              "idle",
	}
}

func marketStateMap(ms calendar.MarketState) map[string]any {
	return map[string]any{
		"is_open":        ms.IsOpen,
		"next_open_utc":  ms.NextOpenUTC,
		"next_pause_utc": ms.NextPauseUTC,
		"calendar_tag":   ms.CalendarTag,
		"tz_backend":     ms.TZBackend,
	}
}

func redactPublicMessage(message string) string {
	text := strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(message))
	if len(text) > RedactMaxLen {
		return text[:RedactMaxLen]
	}
	return text
}

func (m *Manager) section(name string) map[string]any {
	sec, ok := m.snapshot[name].(map[string]any)
	if !ok {
		sec = map[string]any{}
		m.snapshot[name] = sec
	}
	return sec
}

// AppendError adds an entry to the error list; context is optional.
func (m *Manager) AppendError(code, severity, message string, context map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErrorLocked(code, severity, message, context)
}

func (m *Manager) appendErrorLocked(code, severity, message string, context map[string]any) {
	entry := map[string]any{
		"code": code, "severity": severity, "message": message, "ts": nowMS(),
	}
	if len(context) > 0 {
		entry["context"] = context
	}
	errs, _ := m.snapshot["errors"].([]any)
	m.snapshot["errors"] = append(errs, entry)
}

// AppendErrorCoalesced collapses repeats of the same key within the
// window into the previous entry's context.count/context.last_ts.
func (m *Manager) AppendErrorCoalesced(code, severity, message string, context map[string]any, windowS int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := code
	if ctxKey, ok := context["coalesce_key"].(string); ok && ctxKey != "" {
		key = ctxKey
		delete(context, "coalesce_key")
	}
	now := nowMS()
	windowMS := int64(windowS) * 1000
	if last := m.coalesceLastTS[key]; windowMS > 0 && now-last < windowMS {
		m.bumpCoalesceCountLocked(code, now)
		return
	}
	m.coalesceLastTS[key] = now
	m.appendErrorLocked(code, severity, redactPublicMessage(message), context)
}

func (m *Manager) bumpCoalesceCountLocked(code string, now int64) {
	errs, _ := m.snapshot["errors"].([]any)
	if len(errs) == 0 {
		return
	}
	last, ok := errs[len(errs)-1].(map[string]any)
	if !ok || last["code"] != code {
		return
	}
	ctx, _ := last["context"].(map[string]any)
	if ctx == nil {
		ctx = map[string]any{}
	}
	count, _ := ctx["count"].(int)
	if count == 0 {
		count = 1
	}
	ctx["count"] = count + 1
	ctx["last_ts"] = now
	last["context"] = ctx
	last["ts"] = now
}

// AppendErrorThrottled drops repeats of the same key arriving within
// throttleMS; returns true when the entry was appended.
func (m *Manager) AppendErrorThrottled(code, severity, message string, context map[string]any, throttleKey string, throttleMS int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := throttleKey
	if key == "" {
		key = code
	}
	now := nowMS()
	if last := m.throttleLastTS[key]; now-last < throttleMS {
		return false
	}
	m.throttleLastTS[key] = now
	m.appendErrorLocked(code, severity, message, context)
	return true
}

// MarkDegraded adds tag to the degraded set.
func (m *Manager) MarkDegraded(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	degraded, _ := m.snapshot["degraded"].([]any)
	for _, existing := range degraded {
		if existing == tag {
			return
		}
	}
	m.snapshot["degraded"] = append(degraded, tag)
}

// ClearDegraded removes tag from the degraded set.
func (m *Manager) ClearDegraded(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	degraded, _ := m.snapshot["degraded"].([]any)
	out := degraded[:0]
	for _, existing := range degraded {
		if existing != tag {
			out = append(out, existing)
		}
	}
	m.snapshot["degraded"] = out
}

func (m *Manager) hasErrorCodeLocked(code string) bool {
	errs, _ := m.snapshot["errors"].([]any)
	for _, e := range errs {
		if entry, ok := e.(map[string]any); ok && entry["code"] == code {
			return true
		}
	}
	return false
}

func (m *Manager) updateProcessFieldsLocked(ts int64) {
	m.snapshot["ts"] = ts
	proc := m.section("process")
	proc["uptime_s"] = float64(ts-m.startTSMS) / 1000.0
	m.snapshot["market"] = marketStateMap(m.cal.MarketState(ts))
	if calErr := m.cal.HealthError(); calErr != "" && !m.hasErrorCodeLocked("calendar_error") {
		m.appendErrorLocked("calendar_error", "error", calErr, nil)
	}
	if m.cal.ConsumeNextOpenInvalid() && !m.hasErrorCodeLocked("calendar_next_open_invalid") {
		m.appendErrorLocked("calendar_next_open_invalid", "warn", "next_open fell back to ts+60s", nil)
	}
}

// Snapshot returns a deep-enough copy for read-only exposure over HTTP.
func (m *Manager) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(m.snapshot)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// LastPublishMS returns the time of the last successful publish.
func (m *Manager) LastPublishMS() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPublishMS
}

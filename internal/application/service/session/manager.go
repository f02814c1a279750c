package session

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/observability/metrics"
)

// Adapter is the broker feed surface the session loop drives.
type Adapter interface {
	Connect(ctx context.Context) error
	SubscribeOffers(ctx context.Context) error
	// Resubscribe re-requests the offers table; false means the session
	// is beyond repair and must reconnect.
	Resubscribe(ctx context.Context) bool
	Ticks() <-chan marketdata.Tick
	Close() error
}

// TickHandler consumes validated session ticks in delivery order.
type TickHandler func(ctx context.Context, tick marketdata.Tick)

// Manager runs the broker session: FSM, liveness debounce, reconnect
// backoff with jitter, and tick fan-out to the handler.
type Manager struct {
	cfg      *config.Config
	cal      *calendar.Calendar
	adapter  Adapter
	fsm      *FSM
	liveness TickLiveness
	status   *status.Manager
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	handler  TickHandler

	lastReconnectReqMS int64
}

func NewManager(cfg *config.Config, cal *calendar.Calendar, adapter Adapter, st *status.Manager, m *metrics.Metrics, log logrus.FieldLogger, handler TickHandler) *Manager {
	return &Manager{
		cfg:     cfg,
		cal:     cal,
		adapter: adapter,
		fsm: NewFSM(cfg.Session.StaleS, cfg.Session.ResubscribeRetries,
			cfg.Session.BackoffBaseS, cfg.Session.BackoffCapS),
		liveness: TickLiveness{StaleS: cfg.Session.StaleS, CooldownS: cfg.Session.ReconnectCooldownS},
		status:   st,
		metrics:  m,
		log:      log,
		handler:  handler,
	}
}

func (m *Manager) syncStatus() {
	state := m.fsm.State
	m.status.RecordSessionState(state, state, m.fsm.LastAction, m.fsm.ReconnectAttempts, m.nextRetryMS())
}

func (m *Manager) nextRetryMS() int64 {
	if m.lastReconnectReqMS == 0 {
		return 0
	}
	return m.lastReconnectReqMS + int64(m.cfg.Session.ReconnectCooldownS)*1000
}

// jitterBackoff spreads a backoff by +/-20% so reconnect storms do not
// synchronize.
func jitterBackoff(backoffS float64) time.Duration {
	factor := 1.0 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(backoffS * factor * float64(time.Second))
}

// Run drives the session until ctx is cancelled. Every reconnect goes
// through the full connect+subscribe sequence.
func (m *Manager) Run(ctx context.Context) error {
	defer m.adapter.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.connectOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.fsm.OnError("connect_failed")
			m.status.RecordSessionError(err.Error())
			m.status.AppendErrorCoalesced("fxcm_connect_failed", "error", err.Error(), map[string]any{}, 60)
			m.syncStatus()
			backoff := jitterBackoff(m.cfg.Session.BackoffBaseS)
			m.log.WithError(err).WithField("backoff", backoff).Warn("session connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		backoffS, reconnect := m.streamLoop(ctx)
		if !reconnect {
			return ctx.Err()
		}
		if m.metrics != nil {
			m.metrics.SessionReconnectsTotal.Inc()
		}
		m.status.RecordReconnect()
		backoff := jitterBackoff(backoffS)
		m.log.WithField("backoff", backoff).Info("session reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	if err := m.adapter.Connect(ctx); err != nil {
		return err
	}
	m.fsm.OnConnected(time.Now().UnixMilli())
	m.syncStatus()
	if err := m.adapter.SubscribeOffers(ctx); err != nil {
		return err
	}
	m.fsm.OnOffersSubscribed(time.Now().UnixMilli())
	m.syncStatus()
	return nil
}

// streamLoop consumes ticks until a reconnect is decided or ctx ends.
// The second return value is false only on shutdown.
func (m *Manager) streamLoop(ctx context.Context) (backoffS float64, reconnect bool) {
	poll := time.Duration(m.cfg.Session.PollIntervalMS) * time.Millisecond
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, false
		case tick, ok := <-m.adapter.Ticks():
			if !ok {
				m.fsm.OnError("feed_closed")
				m.status.RecordSessionError("tick feed closed")
				m.syncStatus()
				return m.cfg.Session.BackoffBaseS, true
			}
			m.fsm.OnTick(tick.TickTSMS)
			m.syncStatus()
			if m.handler != nil {
				m.handler(ctx, tick)
			}
		case <-ticker.C:
			nowMS := time.Now().UnixMilli()
			if backoff, needReconnect := m.onTimer(ctx, nowMS); needReconnect {
				return backoff, true
			}
		}
	}
}

func (m *Manager) onTimer(ctx context.Context, nowMS int64) (backoffS float64, reconnect bool) {
	isOpen := m.cal.IsOpen(nowMS)
	decision := m.fsm.OnTimer(nowMS, isOpen)
	if !isOpen {
		m.status.ClearDegraded("fxcm_stale_no_ticks")
		m.syncStatus()
		return 0, false
	}
	switch decision.Action {
	case ActionResubscribe:
		m.status.RecordStaleEvent(m.fsm.StaleSeconds)
		m.status.RecordResubscribe()
		m.status.MarkDegraded("fxcm_stale_no_ticks")
		if m.metrics != nil {
			m.metrics.SessionResubsTotal.Inc()
		}
		m.syncStatus()
		if !m.adapter.Resubscribe(ctx) {
			m.status.AppendError("fxcm_offers_resubscribe_failed", "error",
				"offers resubscribe failed", nil)
			d := m.fsm.OnResubscribeResult(false)
			m.syncStatus()
			return d.BackoffS, true
		}
		m.fsm.OnResubscribeResult(true)
		m.syncStatus()
		return 0, false
	case ActionReconnect:
		m.status.MarkDegraded("fxcm_stale_no_ticks")
		lv := m.liveness.Check(nowMS, isOpen, m.fsm.LastTickTSMS, m.lastReconnectReqMS)
		if lv.Action == "request_reconnect" {
			m.lastReconnectReqMS = nowMS
			m.status.RecordStaleEvent(m.fsm.StaleSeconds)
			m.syncStatus()
			return decision.BackoffS, true
		}
		m.syncStatus()
		return 0, false
	}
	return 0, false
}

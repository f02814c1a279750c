package commandbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/command"
	"fxbridge/internal/domain/interfaces"
	"fxbridge/internal/observability/metrics"
)

// Public rejection messages. Internal detail never leaves the process
// through these.
const (
	PublicMsgRejected = "Команда відхилена"
	PublicMsgInvalid  = "Некоректна команда"
	PublicMsgLimit    = "Перевищено ліміт"
)

// Handler executes one allow-listed command.
type Handler func(ctx context.Context, env command.Envelope) error

// tokenBucket is a monotonic-clock token bucket. Not safe for
// concurrent use; the bus serializes calls.
type tokenBucket struct {
	ratePerS float64
	capacity float64
	tokens   float64
	lastTS   time.Time
}

func newTokenBucket(ratePerS, burst float64) *tokenBucket {
	if ratePerS < 0 {
		ratePerS = 0
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{ratePerS: ratePerS, capacity: burst, tokens: burst, lastTS: time.Now()}
}

func (b *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(b.lastTS).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.lastTS = now
	b.tokens += elapsed * b.ratePerS
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Bus subscribes to the command channel and runs the full pipeline:
// size cap, rate limit, JSON decode, contract, auth, allowlist, heavy
// collapse, dispatch.
type Bus struct {
	cfg       *config.Config
	validator *contract.Validator
	status    *status.Manager
	metrics   *metrics.Metrics
	kv        interfaces.BusKV
	sub       interfaces.BusSubscriber
	log       logrus.FieldLogger

	handlers  map[string]Handler
	allowlist map[string]bool

	mu            sync.Mutex
	rawBucket     *tokenBucket
	cmdBuckets    map[string]*tokenBucket
	heavyInflight map[string]bool
	heavyPending  map[string]command.Envelope
	heavyCmds     map[string]bool
}

func NewBus(cfg *config.Config, val *contract.Validator, st *status.Manager, m *metrics.Metrics, kv interfaces.BusKV, sub interfaces.BusSubscriber, log logrus.FieldLogger) *Bus {
	b := &Bus{
		cfg:           cfg,
		validator:     val,
		status:        st,
		metrics:       m,
		kv:            kv,
		sub:           sub,
		log:           log,
		handlers:      map[string]Handler{},
		allowlist:     map[string]bool{},
		cmdBuckets:    map[string]*tokenBucket{},
		heavyInflight: map[string]bool{},
		heavyPending:  map[string]command.Envelope{},
		heavyCmds:     map[string]bool{},
	}
	for _, cmd := range cfg.Commands.HeavyCmds {
		b.heavyCmds[cmd] = true
	}
	if cfg.Commands.RateLimitEnabled {
		b.rawBucket = newTokenBucket(float64(cfg.Commands.RawPerSecond), float64(cfg.Commands.RawBurst))
	}
	return b
}

// Register binds a handler and allow-lists its command.
func (b *Bus) Register(cmd string, h Handler) {
	b.handlers[cmd] = h
	b.allowlist[cmd] = true
}

// Run subscribes and processes commands until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	channel := b.cfg.ChCommands()
	messages, stop, err := b.sub.Subscribe(ctx, channel)
	if err != nil {
		b.status.AppendError("command_bus_error", "error", err.Error(), map[string]any{"channel": channel})
		b.status.RecordCommandBusState("error", "command_bus_error", err.Error())
		_ = b.status.PublishSnapshot(ctx)
		return err
	}
	defer stop()

	b.status.RecordCommandBusState("subscribed", "", "")
	b.status.RecordHeartbeat()
	_ = b.status.PublishSnapshot(ctx)

	heartbeat := time.Duration(maxInt(1, b.cfg.Commands.HeartbeatPeriodS)) * time.Second
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.status.RecordHeartbeat()
		case raw, ok := <-messages:
			if !ok {
				b.status.RecordCommandBusState("error", "command_bus_error", "pubsub channel closed")
				_ = b.status.PublishSnapshot(ctx)
				return contract.NewError("command_bus_error", "pubsub channel closed")
			}
			b.HandleRaw(ctx, raw)
		}
	}
}

// HandleRaw runs the full pipeline on one raw message.
func (b *Bus) HandleRaw(ctx context.Context, raw string) {
	if b.rawRateLimited() {
		b.appendPublicCoalesced("rate_limited", PublicMsgLimit, "rate_limited_raw")
		b.recordLastError("unknown", "unknown", 0)
		if b.metrics != nil {
			b.metrics.CommandsRateLimited.WithLabelValues("raw").Inc()
		}
		_ = b.status.PublishSnapshot(ctx)
		return
	}
	maxPayload := b.cfg.Commands.MaxPayloadBytes
	if maxPayload > 0 && len(raw) > maxPayload {
		b.status.AppendError("command_payload_too_large", "error", PublicMsgLimit, nil)
		b.recordLastError("unknown", "unknown", 0)
		_ = b.status.PublishSnapshot(ctx)
		return
	}
	stripped := strings.TrimLeft(raw, " \t\r\n")
	if stripped == "" || stripped[0] != '{' {
		b.status.AppendError("invalid_prefix", "error", PublicMsgInvalid, nil)
		b.recordLastError("unknown", "unknown", 0)
		_ = b.status.PublishSnapshot(ctx)
		return
	}
	var env command.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.appendPublicCoalesced("invalid_json", PublicMsgInvalid, "invalid_json")
		b.recordLastError("unknown", "unknown", 0)
		_ = b.status.PublishSnapshot(ctx)
		return
	}
	b.Handle(ctx, env)
}

// Handle runs the envelope stages after decode.
func (b *Bus) Handle(ctx context.Context, env command.Envelope) {
	if err := b.validator.ValidateCommand(env); err != nil {
		cmd := orUnknown(env.Cmd)
		b.appendPublicCoalesced("contract_error", PublicMsgInvalid, "contract_error")
		b.recordLastError(cmd, orUnknown(env.ReqID), env.TS)
		if b.metrics != nil {
			b.metrics.CommandsTotal.WithLabelValues(cmd, "error").Inc()
		}
		_ = b.status.PublishSnapshot(ctx)
		return
	}

	cmd := env.Cmd
	authRequired := b.cfg.Commands.AuthRequired
	authEnabled := b.cfg.Commands.AuthEnabled || authRequired
	if authEnabled {
		if env.Auth == nil {
			if authRequired {
				b.rejectAuth(ctx, env, "auth_failed")
				return
			}
		} else if ok, code := b.verifyAuth(ctx, env); !ok {
			b.rejectAuth(ctx, env, code)
			return
		}
	}

	if b.cmdRateLimited(cmd) {
		b.appendPublicCoalesced("rate_limited", PublicMsgLimit, "rate_limited:"+cmd)
		b.recordLastError(cmd, env.ReqID, env.TS)
		if b.metrics != nil {
			b.metrics.CommandsRateLimited.WithLabelValues("cmd").Inc()
		}
		_ = b.status.PublishSnapshot(ctx)
		return
	}

	if !b.allowlist[cmd] {
		b.status.AppendError("unknown_command", "error", PublicMsgRejected, nil)
		b.recordLastError(cmd, env.ReqID, env.TS)
		if b.metrics != nil {
			b.metrics.CommandsTotal.WithLabelValues(cmd, "error").Inc()
		}
		_ = b.status.PublishSnapshot(ctx)
		return
	}
	handler := b.handlers[cmd]
	if handler == nil {
		b.status.AppendError("not_implemented", "error", PublicMsgRejected, nil)
		b.recordLastError(cmd, env.ReqID, env.TS)
		if b.metrics != nil {
			b.metrics.CommandsTotal.WithLabelValues(cmd, "error").Inc()
		}
		_ = b.status.PublishSnapshot(ctx)
		return
	}

	if b.cfg.Commands.HeavyCollapseEnable && b.heavyCmds[cmd] {
		b.handleHeavy(ctx, env, handler)
		return
	}
	b.execute(ctx, env, handler)
}

func (b *Bus) rejectAuth(ctx context.Context, env command.Envelope, code string) {
	cmd := orUnknown(env.Cmd)
	b.appendPublicCoalesced(code, PublicMsgRejected, code)
	b.recordLastError(cmd, orUnknown(env.ReqID), env.TS)
	if b.metrics != nil {
		b.metrics.CommandAuthFailedTotal.Inc()
		b.metrics.CommandsTotal.WithLabelValues(cmd, "error").Inc()
	}
	_ = b.status.PublishSnapshot(ctx)
}

func (b *Bus) execute(ctx context.Context, env command.Envelope, handler Handler) {
	cmd := env.Cmd
	log := b.log.WithFields(logrus.Fields{"cmd": cmd, "req_id": env.ReqID})
	b.status.RecordLastCommand(cmd, env.ReqID, "running", env.TS, 0, nil)
	log.Info("command start")

	err := handler(ctx, env)
	switch {
	case err == nil:
		b.status.RecordLastCommand(cmd, env.ReqID, "ok", env.TS, time.Now().UnixMilli(), nil)
		if b.metrics != nil {
			b.metrics.CommandsTotal.WithLabelValues(cmd, "ok").Inc()
		}
		log.Info("command end ok")
	default:
		code := "command_error"
		publicMsg := PublicMsgRejected
		if _, ok := contract.AsContract(err); ok {
			code = "invalid_args"
			publicMsg = PublicMsgInvalid
		}
		b.status.AppendError(code, "error", publicMsg, nil)
		b.recordLastError(cmd, env.ReqID, env.TS)
		if b.metrics != nil {
			b.metrics.CommandsTotal.WithLabelValues(cmd, "error").Inc()
		}
		log.WithError(err).Warn("command end error")
	}
	_ = b.status.PublishSnapshot(ctx)
}

// handleHeavy runs a heavy command with latest-wins collapse: while one
// instance is inflight, newer requests replace each other and exactly
// the latest runs afterwards.
func (b *Bus) handleHeavy(ctx context.Context, env command.Envelope, handler Handler) {
	cmd := env.Cmd
	b.mu.Lock()
	if b.heavyInflight[cmd] {
		b.heavyPending[cmd] = env
		b.mu.Unlock()
		b.appendPublicCoalesced("command_collapsed", PublicMsgLimit, "command_collapsed:"+cmd)
		_ = b.status.PublishSnapshot(ctx)
		return
	}
	b.heavyInflight[cmd] = true
	b.mu.Unlock()

	current := env
	for {
		b.execute(ctx, current, handler)
		b.mu.Lock()
		pending, ok := b.heavyPending[cmd]
		if !ok {
			delete(b.heavyInflight, cmd)
			b.mu.Unlock()
			return
		}
		delete(b.heavyPending, cmd)
		b.mu.Unlock()
		current = pending
	}
}

func (b *Bus) appendPublicCoalesced(code, publicMsg, coalesceKey string) {
	b.status.AppendErrorCoalesced(code, "error", publicMsg,
		map[string]any{"coalesce_key": coalesceKey}, b.cfg.Commands.CoalesceWindowS)
}

func (b *Bus) recordLastError(cmd, reqID string, startedTS int64) {
	b.status.RecordLastCommand(cmd, reqID, "error", startedTS, time.Now().UnixMilli(), nil)
}

func (b *Bus) rawRateLimited() bool {
	if !b.cfg.Commands.RateLimitEnabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rawBucket == nil {
		b.rawBucket = newTokenBucket(float64(b.cfg.Commands.RawPerSecond), float64(b.cfg.Commands.RawBurst))
	}
	return !b.rawBucket.allow()
}

func (b *Bus) cmdRateLimited(cmd string) bool {
	if !b.cfg.Commands.RateLimitEnabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket := b.cmdBuckets[cmd]
	if bucket == nil {
		bucket = newTokenBucket(b.cfg.Commands.CmdPerSecond, float64(b.cfg.Commands.CmdBurst))
		b.cmdBuckets[cmd] = bucket
	}
	return !bucket.allow()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

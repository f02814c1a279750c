package commandbus

import (
	"context"
	"math"
	"time"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/application/service/derived"
	"fxbridge/internal/application/service/ingest"
	"fxbridge/internal/application/service/republish"
	"fxbridge/internal/application/service/tailguard"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/command"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/domain/interfaces"
)

// Handlers bundles the services the command handlers dispatch into.
type Handlers struct {
	cfg     *config.Config
	store   interfaces.BarStore
	ingest  *ingest.Runner
	guard   *tailguard.Guard
	repub   *republish.Service
	derived *derived.Coordinator
}

func NewHandlers(cfg *config.Config, store interfaces.BarStore, ing *ingest.Runner, guard *tailguard.Guard, repub *republish.Service, der *derived.Coordinator) *Handlers {
	return &Handlers{cfg: cfg, store: store, ingest: ing, guard: guard, repub: repub, derived: der}
}

// RegisterAll wires every allow-listed command onto the bus.
func (h *Handlers) RegisterAll(bus *Bus) {
	bus.Register(command.CmdWarmup, h.HandleWarmup)
	bus.Register(command.CmdBackfill, h.HandleBackfill)
	bus.Register(command.CmdTailGuard, h.HandleTailGuard)
	bus.Register(command.CmdRepublishTail, h.HandleRepublishTail)
	bus.Register(command.CmdRebuildDerived, h.HandleRebuildDerived)
}

func (h *Handlers) HandleWarmup(ctx context.Context, env command.Envelope) error {
	args := env.Args
	symbols, err := argSymbols(args, h.cfg.Symbols)
	if err != nil {
		return err
	}
	lookbackDays := h.cfg.History.WarmupLookbackDays
	if hours, ok := argFloat(args, "lookback_hours"); ok {
		lookbackDays = int(math.Ceil(hours / 24.0))
		if lookbackDays < 1 {
			lookbackDays = 1
		}
	} else if days, ok := argFloat(args, "lookback_days"); ok {
		lookbackDays = int(days)
	}
	if err := h.ingest.Warmup(ctx, symbols, lookbackDays, h.cfg.Derived.DefaultTFs); err != nil {
		return err
	}
	if argBool(args, "publish", true) {
		windowHours := argInt(args, "window_hours", 24)
		for _, symbol := range symbols {
			if _, err := h.repub.RepublishTail(ctx, republish.Request{
				Symbol:      symbol,
				TFs:         []string{marketdata.TF1m},
				WindowHours: windowHours,
				Force:       true,
				ReqID:       env.ReqID,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handlers) HandleBackfill(ctx context.Context, env command.Envelope) error {
	args := env.Args
	symbol := argString(args, "symbol", "")
	if symbol == "" {
		return contract.NewError("contract", "symbol is required")
	}
	startMS := argInt64(args, "start_ms", 0)
	endMS := argInt64(args, "end_ms", 0)
	if startMS <= 0 {
		if raw := argString(args, "start_utc", ""); raw != "" {
			ms, err := parseUTCMS(raw)
			if err != nil {
				return err
			}
			startMS = ms
		}
	}
	if endMS <= 0 {
		if raw := argString(args, "end_utc", ""); raw != "" {
			ms, err := parseUTCMS(raw)
			if err != nil {
				return err
			}
			endMS = ms
		}
	}
	if startMS <= 0 || endMS <= 0 || startMS > endMS {
		return contract.NewError("contract", "start_ms/end_ms must form a valid range")
	}
	if err := h.ingest.Backfill(ctx, symbol, startMS, endMS, h.cfg.Derived.DefaultTFs); err != nil {
		return err
	}
	if argBool(args, "publish", true) {
		windowHours := argInt(args, "window_hours", 24)
		if _, err := h.repub.RepublishTail(ctx, republish.Request{
			Symbol:      symbol,
			TFs:         []string{marketdata.TF1m},
			WindowHours: windowHours,
			Force:       true,
			ReqID:       env.ReqID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) HandleTailGuard(ctx context.Context, env command.Envelope) error {
	args := env.Args
	symbol := argString(args, "symbol", h.defaultSymbol())
	if symbol == "" {
		return contract.NewError("contract", "symbol is required")
	}
	req := tailguard.Request{
		Symbol:               symbol,
		WindowHours:          argInt(args, "window_hours", h.cfg.TailGuard.DefaultWindowHours),
		TFs:                  argStrings(args, "tfs", nil),
		Tier:                 argString(args, "tier", tailguard.TierFar),
		Repair:               argBool(args, "repair", true),
		RepublishAfterRepair: argBool(args, "republish", true),
		ReqID:                env.ReqID,
	}
	_, err := h.guard.Run(ctx, req)
	return err
}

func (h *Handlers) HandleRepublishTail(ctx context.Context, env command.Envelope) error {
	args := env.Args
	symbol := argString(args, "symbol", h.defaultSymbol())
	if symbol == "" {
		return contract.NewError("contract", "symbol is required")
	}
	tfs := argStrings(args, "tfs", []string{marketdata.TF1m})
	for _, tf := range tfs {
		if !marketdata.ValidTF(tf) {
			return contract.Errorf("contract", "tf not allowed: %s", tf)
		}
	}
	_, err := h.repub.RepublishTail(ctx, republish.Request{
		Symbol:      symbol,
		TFs:         tfs,
		WindowHours: argInt(args, "window_hours", h.cfg.Republish.DefaultWindowHours),
		Force:       argBool(args, "force", false),
		ReqID:       env.ReqID,
	})
	return err
}

func (h *Handlers) HandleRebuildDerived(ctx context.Context, env command.Envelope) error {
	args := env.Args
	symbol := argString(args, "symbol", "")
	if symbol == "" {
		return contract.NewError("contract", "symbol is required")
	}
	windowHours := argInt(args, "window_hours", h.cfg.Derived.DefaultWindowHours)
	tfs := argStrings(args, "tfs", h.cfg.Derived.DefaultTFs)
	if len(tfs) == 0 {
		return contract.NewError("contract", "tfs must be a non-empty list")
	}
	endMS, err := h.store.LastCompleteCloseMS(ctx, symbol, marketdata.TF1m)
	if err != nil {
		return err
	}
	if endMS <= 0 {
		return contract.NewError("contract", "1m final store is empty")
	}
	startMS := endMS - int64(windowHours)*3600_000 + 1
	h.derived.Rebuild(ctx, symbol, tfs, startMS, endMS)
	return nil
}

func (h *Handlers) defaultSymbol() string {
	if len(h.cfg.Symbols) > 0 {
		return h.cfg.Symbols[0]
	}
	return ""
}

func parseUTCMS(value string) (int64, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, contract.Errorf("contract", "cannot parse UTC timestamp: %s", value)
}

func argString(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func argBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

func argFloat(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func argInt(args map[string]any, key string, fallback int) int {
	if v, ok := argFloat(args, key); ok {
		return int(v)
	}
	return fallback
}

func argInt64(args map[string]any, key string, fallback int64) int64 {
	if v, ok := argFloat(args, key); ok {
		return int64(v)
	}
	return fallback
}

func argStrings(args map[string]any, key string, fallback []string) []string {
	switch v := args[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

// argSymbols accepts a string or list of strings, defaulting to the
// configured symbols.
func argSymbols(args map[string]any, fallback []string) ([]string, error) {
	symbols := argStrings(args, "symbols", fallback)
	if len(symbols) == 0 {
		return nil, contract.NewError("contract", "symbols must be a string or list of strings")
	}
	return symbols, nil
}

package contract

import (
	"math"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/domain/entity/command"
	marketdata "fxbridge/internal/domain/entity/marketdata"
)

const midTolerance = 1e-6

var htfFinalTFs = map[string]bool{
	marketdata.TF5m:  true,
	marketdata.TF15m: true,
	marketdata.TF1h:  true,
	marketdata.TF4h:  true,
	marketdata.TF1d:  true,
}

// Validator enforces the wire contracts: epoch-ms rails, bucket alignment,
// OHLC invariants and finality rules. It is stateless about data; the
// calendar supplies 1d boundaries.
type Validator struct {
	cal *calendar.Calendar
}

// NewValidator builds a validator over cal.
func NewValidator(cal *calendar.Calendar) *Validator {
	return &Validator{cal: cal}
}

func requireMS(value int64, field string) error {
	if value < marketdata.EpochMSMin {
		return Errorf("contract", "%s must be epoch ms, not seconds", field)
	}
	if value >= marketdata.EpochMSMax {
		return Errorf("contract", "%s must be epoch ms, not microseconds", field)
	}
	return nil
}

func requireOHLC(bar BarPayload) error {
	if bar.High < math.Max(bar.Open, bar.Close) {
		return NewError("contract", "high must be >= max(open, close)")
	}
	if bar.Low > math.Min(bar.Open, bar.Close) {
		return NewError("contract", "low must be <= min(open, close)")
	}
	if bar.High < bar.Low {
		return NewError("contract", "high must be >= low")
	}
	return nil
}

func requireSortedUnique(bars []BarPayload) error {
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime <= bars[i-1].OpenTime {
			return NewError("contract", "bars must be sorted and unique by open_time")
		}
	}
	return nil
}

func (v *Validator) requireBucketBoundary(tf string, openTime, closeTime int64) error {
	if !v.cal.Aligned(tf, openTime) {
		return Errorf("contract", "open_time %d not aligned to %s bucket", openTime, tf)
	}
	expectedClose, err := v.cal.BucketCloseMS(tf, openTime)
	if err != nil {
		return Errorf("contract", "bucket close for %s: %v", tf, err)
	}
	if closeTime != expectedClose {
		return Errorf("contract", "close_time %d must equal bucket close %d", closeTime, expectedClose)
	}
	return nil
}

// ValidateTick enforces the tick contract.
func (v *Validator) ValidateTick(p TickPayload) error {
	if p.Symbol == "" {
		return NewError("contract", "symbol must be a non-empty string")
	}
	if err := requireMS(p.TickTS, "tick_ts"); err != nil {
		return err
	}
	if err := requireMS(p.SnapTS, "snap_ts"); err != nil {
		return err
	}
	if p.Bid > p.Ask {
		return NewError("contract", "bid must be <= ask")
	}
	expectedMid := marketdata.MidOf(p.Bid, p.Ask)
	if math.Abs(p.Mid-expectedMid) > midTolerance {
		return NewError("contract", "mid must be (bid+ask)/2")
	}
	if p.TickTS > p.SnapTS {
		return NewError("contract", "tick_ts must be <= snap_ts")
	}
	return nil
}

// ValidatePreviewBatch enforces the preview OHLCV contract: in-progress
// stream bars only.
func (v *Validator) ValidatePreviewBatch(p OHLCVPayload) error {
	if p.Symbol == "" {
		return NewError("contract", "symbol must be a non-empty string")
	}
	if !marketdata.ValidTF(p.TF) {
		return Errorf("contract", "tf not allowed: %s", p.TF)
	}
	if p.Source != marketdata.SourceStream {
		return NewError("contract", "preview must have source=stream")
	}
	if p.Complete {
		return NewError("contract", "preview must not have complete=true")
	}
	if p.Synthetic {
		return NewError("contract", "preview must not be synthetic")
	}
	if len(p.Bars) == 0 {
		return NewError("contract", "bars must be a non-empty list")
	}
	if err := requireSortedUnique(p.Bars); err != nil {
		return err
	}
	for _, bar := range p.Bars {
		if err := requireMS(bar.OpenTime, "open_time"); err != nil {
			return err
		}
		if err := requireMS(bar.CloseTime, "close_time"); err != nil {
			return err
		}
		if bar.OpenTime >= bar.CloseTime {
			return NewError("contract", "open_time must be < close_time")
		}
		if bar.Synthetic {
			return NewError("contract", "preview bar must not be synthetic")
		}
		if bar.Complete {
			return NewError("contract", "preview bar must not be complete")
		}
		if err := requireOHLC(bar); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFinal1mBatch enforces the 1m final contract: complete history
// bars, aligned, event_ts pinned to close_time when present.
func (v *Validator) ValidateFinal1mBatch(p OHLCVPayload) error {
	if p.Symbol == "" {
		return NewError("contract", "symbol must be a non-empty string")
	}
	if p.TF != marketdata.TF1m {
		return NewError("contract", "final 1m must have tf=1m")
	}
	if p.Source != marketdata.SourceHistory {
		return NewError("contract", "final 1m must have source=history")
	}
	if !p.Complete {
		return NewError("contract", "final 1m must have complete=true")
	}
	if p.Synthetic {
		return NewError("contract", "final 1m must have synthetic=false")
	}
	if len(p.Bars) == 0 {
		return NewError("contract", "bars must be a non-empty list")
	}
	if err := requireSortedUnique(p.Bars); err != nil {
		return err
	}
	for _, bar := range p.Bars {
		if err := requireMS(bar.OpenTime, "open_time"); err != nil {
			return err
		}
		if err := requireMS(bar.CloseTime, "close_time"); err != nil {
			return err
		}
		if bar.OpenTime >= bar.CloseTime {
			return NewError("contract", "open_time must be < close_time")
		}
		if err := v.requireBucketBoundary(marketdata.TF1m, bar.OpenTime, bar.CloseTime); err != nil {
			return err
		}
		if !bar.Complete {
			return NewError("contract", "final 1m bar must have complete=true")
		}
		if bar.Synthetic {
			return NewError("contract", "final 1m bar must have synthetic=false")
		}
		if bar.Source != marketdata.SourceHistory {
			return NewError("contract", "final 1m bar must have source=history")
		}
		if err := requireOHLC(bar); err != nil {
			return err
		}
		if bar.EventTS != 0 {
			if err := requireMS(bar.EventTS, "event_ts"); err != nil {
				return err
			}
			if bar.EventTS != bar.CloseTime {
				return NewError("contract", "event_ts must equal close_time")
			}
		}
	}
	return nil
}

// ValidateFinalHTFBatch enforces the HTF final contract: aggregated
// history bars, event_ts required and pinned to close_time.
func (v *Validator) ValidateFinalHTFBatch(p OHLCVPayload) error {
	if p.Symbol == "" {
		return NewError("contract", "symbol must be a non-empty string")
	}
	if !htfFinalTFs[p.TF] {
		return Errorf("contract", "tf not allowed for HTF final: %s", p.TF)
	}
	if p.Source != marketdata.SourceHistoryAgg {
		return NewError("contract", "HTF final must have source=history_agg")
	}
	if !p.Complete {
		return NewError("contract", "HTF final must have complete=true")
	}
	if p.Synthetic {
		return NewError("contract", "HTF final must have synthetic=false")
	}
	if len(p.Bars) == 0 {
		return NewError("contract", "bars must be a non-empty list")
	}
	if err := requireSortedUnique(p.Bars); err != nil {
		return err
	}
	for _, bar := range p.Bars {
		if err := requireMS(bar.OpenTime, "open_time"); err != nil {
			return err
		}
		if err := requireMS(bar.CloseTime, "close_time"); err != nil {
			return err
		}
		if bar.OpenTime >= bar.CloseTime {
			return NewError("contract", "open_time must be < close_time")
		}
		if err := v.requireBucketBoundary(p.TF, bar.OpenTime, bar.CloseTime); err != nil {
			return err
		}
		if err := requireOHLC(bar); err != nil {
			return err
		}
		if !bar.Complete {
			return NewError("contract", "HTF final bar must have complete=true")
		}
		if bar.Synthetic {
			return NewError("contract", "HTF final bar must have synthetic=false")
		}
		if bar.Source != marketdata.SourceHistoryAgg {
			return NewError("contract", "HTF final bar must have source=history_agg")
		}
		if bar.EventTS == 0 {
			return NewError("contract", "event_ts is required for HTF final")
		}
		if err := requireMS(bar.EventTS, "event_ts"); err != nil {
			return err
		}
		if bar.EventTS != bar.CloseTime {
			return NewError("contract", "event_ts must equal close_time")
		}
		if bar.TF != "" && bar.TF != p.TF {
			return NewError("contract", "bar tf must match root tf")
		}
	}
	return nil
}

// ValidateOHLCV is the generic message-level check used on every outbound
// ohlcv publish regardless of kind.
func (v *Validator) ValidateOHLCV(p OHLCVPayload, maxBarsPerMessage int) error {
	if !marketdata.ValidTF(p.TF) {
		return Errorf("contract", "tf not allowed: %s", p.TF)
	}
	switch p.Source {
	case marketdata.SourceStream, marketdata.SourceHistory, marketdata.SourceHistoryAgg, marketdata.SourceSynthetic:
	default:
		return Errorf("contract", "source not allowed: %s", p.Source)
	}
	if p.Source == marketdata.SourceStream {
		if p.Complete {
			return NewError("contract", "preview must not have complete=true")
		}
		if p.Synthetic {
			return NewError("contract", "preview must not be synthetic")
		}
	}
	if p.Complete {
		if p.Source != marketdata.SourceHistory && p.Source != marketdata.SourceHistoryAgg {
			return NewError("contract", "final must have a final source")
		}
		if p.Synthetic {
			return NewError("contract", "final must not be synthetic")
		}
		if p.TF == marketdata.TF1m && p.Source != marketdata.SourceHistory {
			return NewError("contract", "final 1m must have source=history")
		}
		if p.TF != marketdata.TF1m && p.Source != marketdata.SourceHistoryAgg {
			return NewError("contract", "final HTF must have source=history_agg")
		}
	}
	if len(p.Bars) > maxBarsPerMessage {
		return Errorf("contract", "batch exceeds max_bars_per_message (%d)", maxBarsPerMessage)
	}
	if err := requireSortedUnique(p.Bars); err != nil {
		return err
	}
	for _, bar := range p.Bars {
		if err := requireMS(bar.OpenTime, "open_time"); err != nil {
			return err
		}
		if err := requireMS(bar.CloseTime, "close_time"); err != nil {
			return err
		}
		if err := v.requireBucketBoundary(p.TF, bar.OpenTime, bar.CloseTime); err != nil {
			return err
		}
		if bar.Source != p.Source {
			return NewError("contract", "bar source must match root")
		}
		if bar.Complete != p.Complete {
			return NewError("contract", "bar complete must match root")
		}
		if bar.Synthetic != p.Synthetic {
			return NewError("contract", "bar synthetic must match root")
		}
		if p.Complete {
			if err := requireMS(bar.EventTS, "event_ts"); err != nil {
				return err
			}
			if bar.EventTS != bar.CloseTime {
				return NewError("contract", "event_ts must equal close_time")
			}
		}
	}
	return nil
}

// ValidateCommand enforces the command envelope contract. Unknown keys
// are rejected at decode time by the command bus.
func (v *Validator) ValidateCommand(env command.Envelope) error {
	if env.Cmd == "" {
		return NewError("contract", "cmd must be a non-empty string")
	}
	if env.ReqID == "" {
		return NewError("contract", "req_id must be a non-empty string")
	}
	if err := requireMS(env.TS, "ts"); err != nil {
		return err
	}
	if env.Auth != nil {
		if env.Auth.Kid == "" || env.Auth.Sig == "" || env.Auth.Nonce == "" {
			return NewError("contract", "auth requires kid, sig and nonce")
		}
	}
	return nil
}

// statusRequiredSections are the keys every published status payload
// must carry, regardless of compaction stage.
var statusRequiredSections = []string{
	"process", "market", "errors", "degraded", "command_bus", "last_command",
}

// ValidateStatus checks the status payload shape before publication.
func ValidateStatus(payload map[string]any) error {
	ts, ok := payload["ts"].(int64)
	if !ok {
		return NewError("contract", "status ts must be epoch ms")
	}
	if err := requireMS(ts, "ts"); err != nil {
		return err
	}
	if _, ok := payload["schema_version"]; !ok {
		return NewError("contract", "status schema_version is required")
	}
	for _, key := range statusRequiredSections {
		if _, ok := payload[key]; !ok {
			return Errorf("contract", "status section %q is required", key)
		}
	}
	return nil
}

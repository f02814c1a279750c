package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fxbridge/internal/application/contract"
)

// buildPubsubPayloadLocked derives the wire payload from the snapshot:
// bounded lists, tail_guard collapsed to a summary unless detail is on.
func (m *Manager) buildPubsubPayloadLocked() map[string]any {
	payload := make(map[string]any, len(m.snapshot))
	for k, v := range m.snapshot {
		payload[k] = v
	}

	if errs, ok := payload["errors"].([]any); ok && len(errs) > ErrorsMax {
		payload["errors"] = errs[len(errs)-ErrorsMax:]
	}
	if degraded, ok := payload["degraded"].([]any); ok && len(degraded) > DegradedMax {
		payload["degraded"] = degraded[len(degraded)-DegradedMax:]
	}
	if derived, ok := payload["derived_rebuild"].(map[string]any); ok {
		if derrs, ok := derived["errors"].([]any); ok && len(derrs) > DerivedErrorsMax {
			trimmed := make(map[string]any, len(derived))
			for k, v := range derived {
				trimmed[k] = v
			}
			trimmed["errors"] = derrs[len(derrs)-DerivedErrorsMax:]
			payload["derived_rebuild"] = trimmed
		}
	}
	if boot, ok := payload["bootstrap"].(map[string]any); ok {
		if steps, ok := boot["steps"].([]any); ok && len(steps) > DegradedMax {
			trimmed := make(map[string]any, len(boot))
			for k, v := range boot {
				trimmed[k] = v
			}
			trimmed["steps"] = steps[len(steps)-DegradedMax:]
			payload["bootstrap"] = trimmed
		}
	}

	payload["tail_guard_summary"] = m.tailGuardSummaryLocked()
	if !m.cfg.Status.TailGuardDetail {
		delete(payload, "tail_guard")
	}
	return payload
}

func (m *Manager) tailGuardSummaryLocked() map[string]any {
	summary := map[string]any{}
	tg, ok := m.snapshot["tail_guard"].(map[string]any)
	if !ok {
		return summary
	}
	for tier, raw := range tg {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		summary[tier] = map[string]any{
			"state":              block["state"],
			"last_run_ts_ms":     block["last_run_ts_ms"],
			"window_hours":       block["window_hours"],
			"repairs_total":      block["repairs_total"],
			"missing_bars_total": block["missing_bars_total"],
		}
	}
	return summary
}

// applySoftCompact drops the tail_guard detail block when the payload
// crosses the soft limit; the summary stays.
func (m *Manager) applySoftCompact(payload map[string]any, sizeBytes int) (map[string]any, bool) {
	if sizeBytes <= m.cfg.Status.SoftLimitBytes {
		return payload, false
	}
	if _, ok := payload["tail_guard"]; !ok {
		return payload, false
	}
	delete(payload, "tail_guard")
	return payload, true
}

func dedupeErrors(errs []any, maxUnique int) []any {
	seen := map[string]bool{}
	out := make([]any, 0, maxUnique)
	for i := len(errs) - 1; i >= 0 && len(out) < maxUnique; i-- {
		entry, ok := errs[i].(map[string]any)
		if !ok {
			continue
		}
		code, _ := entry["code"].(string)
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, entry)
	}
	// restore chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	return json.Marshal(payload)
}

// PublishSnapshot validates, compacts and publishes the snapshot to the
// status channel and the snapshot key. Never exceeds PubSubMaxBytes on
// the wire; when even the degraded forms overflow, the publish is
// dropped and counted.
func (m *Manager) PublishSnapshot(ctx context.Context) error {
	m.mu.Lock()
	m.updateProcessFieldsLocked(nowMS())
	payload := m.buildPubsubPayloadLocked()

	raw, err := marshalPayload(payload)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("marshal status payload: %w", err)
	}
	payload, compacted := m.applySoftCompact(payload, len(raw))
	if compacted {
		raw, err = marshalPayload(payload)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("marshal status payload: %w", err)
		}
	}

	if len(raw) > PubSubMaxBytes {
		// Stage 1: record the overflow (coalesced) and rebuild.
		m.coalesceOversizeLocked(len(raw))
		payload = m.buildPubsubPayloadLocked()
		raw, _ = marshalPayload(payload)
	}
	if len(raw) > PubSubMaxBytes {
		// Stage 2: drop tail guard detail and summary.
		delete(payload, "tail_guard")
		delete(payload, "tail_guard_summary")
		raw, _ = marshalPayload(payload)
	}
	if len(raw) > PubSubMaxBytes {
		// Stage 3: drop the per-TF final blocks.
		delete(payload, "ohlcv_final")
		delete(payload, "ohlcv_final_1m")
		raw, _ = marshalPayload(payload)
	}
	if len(raw) > PubSubMaxBytes {
		// Stage 4: collapse errors to the newest entry per code.
		if errs, ok := payload["errors"].([]any); ok {
			payload["errors"] = dedupeErrors(errs, 5)
		}
		raw, _ = marshalPayload(payload)
	}
	if verr := contract.ValidateStatus(payload); verr != nil {
		m.mu.Unlock()
		return verr
	}
	if compacted {
		m.markDegradedLocked("status_soft_compact_tail_guard")
	}
	m.mu.Unlock()

	if len(raw) > PubSubMaxBytes {
		if m.metrics != nil {
			m.metrics.StatusOversizeTotal.Inc()
		}
		m.log.WithField("size_bytes", len(raw)).Warn("status payload over hard cap, publish dropped")
		return contract.NewError("status_payload_too_large", "status payload exceeds pubsub cap")
	}

	text := string(raw)
	if err := m.pub.SetSnapshot(ctx, m.cfg.KeyStatusSnapshot(), text); err != nil {
		return fmt.Errorf("set status snapshot: %w", err)
	}
	if err := m.pub.Publish(ctx, m.cfg.ChStatus(), text); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}

	m.mu.Lock()
	m.lastPublishMS = nowMS()
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.StatusPublishesTotal.Inc()
	}
	return nil
}

func (m *Manager) coalesceOversizeLocked(sizeBytes int) {
	if m.metrics != nil {
		m.metrics.StatusOversizeTotal.Inc()
	}
	errs, _ := m.snapshot["errors"].([]any)
	now := nowMS()
	for i := len(errs) - 1; i >= 0; i-- {
		entry, ok := errs[i].(map[string]any)
		if !ok || entry["code"] != "status_payload_too_large" {
			continue
		}
		ctx, _ := entry["context"].(map[string]any)
		if ctx == nil {
			ctx = map[string]any{}
		}
		count, _ := ctx["count"].(int)
		if count == 0 {
			count = 1
		}
		ctx["count"] = count + 1
		ctx["last_ts"] = now
		ctx["size_bytes"] = sizeBytes
		entry["context"] = ctx
		entry["ts"] = now
		return
	}
	m.appendErrorLocked("status_payload_too_large", "warn", "status payload exceeded pubsub cap", map[string]any{
		"size_bytes": sizeBytes, "count": 1,
	})
}

func (m *Manager) markDegradedLocked(tag string) {
	degraded, _ := m.snapshot["degraded"].([]any)
	for _, existing := range degraded {
		if existing == tag {
			return
		}
	}
	m.snapshot["degraded"] = append(degraded, tag)
}

// PublishIfDue publishes when the cadence period has elapsed.
func (m *Manager) PublishIfDue(ctx context.Context) error {
	m.mu.Lock()
	due := nowMS()-m.lastPublishMS >= int64(m.cfg.Status.PublishPeriodMS)
	m.mu.Unlock()
	if !due {
		return nil
	}
	return m.PublishSnapshot(ctx)
}

// Run drives the publication cadence until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	period := time.Duration(m.cfg.Status.PublishPeriodMS) * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.PublishSnapshot(ctx); err != nil {
				m.log.WithError(err).Warn("status publish failed")
			}
		}
	}
}

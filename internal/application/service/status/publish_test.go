package status

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/config"
)

type recordingSink struct {
	mu        sync.Mutex
	published map[string][]string
	snapshots map[string]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{published: map[string][]string{}, snapshots: map[string]string{}}
}

func (r *recordingSink) Publish(_ context.Context, channel, payload string) error {
	r.mu.Lock()
	r.published[channel] = append(r.published[channel], payload)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) SetSnapshot(_ context.Context, key, payload string) error {
	r.mu.Lock()
	r.snapshots[key] = payload
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) publishedCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published[channel])
}

func (r *recordingSink) lastPayload(t *testing.T, channel string) map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.published[channel]
	if len(msgs) == 0 {
		t.Fatalf("nothing published on %s", channel)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(msgs[len(msgs)-1]), &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return out
}

func managerFixture(t *testing.T, status config.StatusConfig) (*Manager, *recordingSink) {
	t.Helper()
	cal := calendar.New(calendar.Config{TZName: "UTC"})
	cfg := &config.Config{
		NS:      "fx",
		Version: "test",
		Session: config.SessionConfig{Backend: "disabled"},
		Status:  status,
	}
	sink := newRecordingSink()
	return NewManager(cfg, cal, sink, nil, logrus.New()), sink
}

func TestPublishSnapshotWire(t *testing.T) {
	m, sink := managerFixture(t, config.StatusConfig{
		PublishPeriodMS: 1000,
		SoftLimitBytes:  PubSubMaxBytes,
		TailGuardDetail: true,
	})
	m.RecordTailGuardTF("near", "1m", map[string]any{"status": "ok", "missing_bars": int64(0)})
	m.RecordTailGuardRun("near", "req-1", 6, 0, 0, "ok")

	if err := m.PublishSnapshot(context.Background()); err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}
	if _, ok := sink.snapshots["fx:status:snapshot"]; !ok {
		t.Error("snapshot key must be written")
	}
	payload := sink.lastPayload(t, "fx:status")
	if payload["schema_version"] != float64(SchemaVersion) {
		t.Errorf("schema_version = %v", payload["schema_version"])
	}
	if _, ok := payload["tail_guard"]; !ok {
		t.Error("detail mode keeps the tail_guard block")
	}
	summary, _ := payload["tail_guard_summary"].(map[string]any)
	near, _ := summary["near"].(map[string]any)
	if near["state"] != "ok" || near["window_hours"] != float64(6) {
		t.Errorf("tail_guard_summary.near = %+v", near)
	}
	if m.LastPublishMS() == 0 {
		t.Error("publish time must be recorded")
	}
}

func TestPublishBoundsErrorList(t *testing.T) {
	m, sink := managerFixture(t, config.StatusConfig{
		PublishPeriodMS: 1000,
		SoftLimitBytes:  PubSubMaxBytes,
	})
	for i := 0; i < ErrorsMax+10; i++ {
		m.AppendError(fmt.Sprintf("err_%d", i), "warn", "short", nil)
	}

	if err := m.PublishSnapshot(context.Background()); err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}
	payload := sink.lastPayload(t, "fx:status")
	wireErrs, _ := payload["errors"].([]any)
	if len(wireErrs) != ErrorsMax {
		t.Errorf("wire errors = %d, want %d", len(wireErrs), ErrorsMax)
	}
	snapErrs, _ := m.Snapshot()["errors"].([]any)
	if len(snapErrs) != ErrorsMax+10 {
		t.Errorf("in-memory errors = %d, want %d", len(snapErrs), ErrorsMax+10)
	}
}

func TestPublishSoftCompactDropsTailGuardDetail(t *testing.T) {
	m, sink := managerFixture(t, config.StatusConfig{
		PublishPeriodMS: 1000,
		SoftLimitBytes:  1,
		TailGuardDetail: true,
	})
	m.RecordTailGuardTF("near", "1m", map[string]any{"status": "ok"})

	if err := m.PublishSnapshot(context.Background()); err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}
	payload := sink.lastPayload(t, "fx:status")
	if _, ok := payload["tail_guard"]; ok {
		t.Error("soft compact must drop the tail_guard detail")
	}
	if _, ok := payload["tail_guard_summary"]; !ok {
		t.Error("soft compact keeps the summary")
	}
	degraded, _ := m.Snapshot()["degraded"].([]any)
	found := false
	for _, tag := range degraded {
		if tag == "status_soft_compact_tail_guard" {
			found = true
		}
	}
	if !found {
		t.Error("soft compact must be marked degraded")
	}
}

func TestPublishOversizeCascadeDedupesErrors(t *testing.T) {
	m, sink := managerFixture(t, config.StatusConfig{
		PublishPeriodMS: 1000,
		SoftLimitBytes:  PubSubMaxBytes,
	})
	long := strings.Repeat("x", 500)
	for i := 0; i < ErrorsMax+5; i++ {
		m.AppendError("flood", "warn", long, nil)
	}

	if err := m.PublishSnapshot(context.Background()); err != nil {
		t.Fatalf("oversize cascade must still publish: %v", err)
	}
	payload := sink.lastPayload(t, "fx:status")
	wireErrs, _ := payload["errors"].([]any)
	if len(wireErrs) > 5 {
		t.Fatalf("cascade must collapse errors to one per code, got %d", len(wireErrs))
	}
	codes := map[string]bool{}
	for _, e := range wireErrs {
		entry, _ := e.(map[string]any)
		code, _ := entry["code"].(string)
		codes[code] = true
	}
	if !codes["flood"] {
		t.Error("newest flood entry must survive the collapse")
	}
	if !codes["status_payload_too_large"] {
		t.Error("the overflow itself must be reported")
	}
}

func TestPublishIfDueHonorsCadence(t *testing.T) {
	m, sink := managerFixture(t, config.StatusConfig{
		PublishPeriodMS: 60_000,
		SoftLimitBytes:  PubSubMaxBytes,
	})
	if err := m.PublishIfDue(context.Background()); err != nil {
		t.Fatalf("first PublishIfDue: %v", err)
	}
	if err := m.PublishIfDue(context.Background()); err != nil {
		t.Fatalf("second PublishIfDue: %v", err)
	}
	if got := sink.publishedCount("fx:status"); got != 1 {
		t.Errorf("within the period only one publish may happen, got %d", got)
	}
}

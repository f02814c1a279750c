package derived

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/application/service/publish"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
)

type coordBus struct{}

func (coordBus) Publish(_ context.Context, _, _ string) error     { return nil }
func (coordBus) SetSnapshot(_ context.Context, _, _ string) error { return nil }

// blockingStore serves 1m rows and can hold the first Range call open so
// requests can pile up behind it.
type blockingStore struct {
	mu      sync.Mutex
	rows    []marketdata.Bar
	ranges  [][2]int64
	entered chan struct{}
	release chan struct{}
	blocked bool
}

func (f *blockingStore) Range(_ context.Context, _, _ string, startMS, endMS int64, _ int) ([]marketdata.Bar, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, [2]int64{startMS, endMS})
	shouldBlock := f.blocked
	f.blocked = false
	f.mu.Unlock()
	if shouldBlock {
		f.entered <- struct{}{}
		<-f.release
	}
	var out []marketdata.Bar
	for _, b := range f.rows {
		if b.OpenTimeMS >= startMS && b.OpenTimeMS <= endMS {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *blockingStore) rangeCalls() [][2]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]int64, len(f.ranges))
	copy(out, f.ranges)
	return out
}

func (f *blockingStore) UpsertFinal1m(_ context.Context, _ string, bars []marketdata.Bar) (int, error) {
	return len(bars), nil
}

func (f *blockingStore) UpsertFinalHTF(_ context.Context, _, _ string, bars []marketdata.Bar) (int, error) {
	return len(bars), nil
}

func (f *blockingStore) Tail(_ context.Context, _, _ string, _ int) ([]marketdata.Bar, error) {
	return nil, nil
}

func (f *blockingStore) LastCompleteCloseMS(_ context.Context, _, _ string) (int64, error) {
	return 0, nil
}

func (f *blockingStore) Coverage(_ context.Context, _, _ string) (marketdata.CoverageStats, error) {
	return marketdata.CoverageStats{}, nil
}

func (f *blockingStore) Trim(_ context.Context, _ string, _ int) (int64, error) { return 0, nil }

func (f *blockingStore) TailMark(_ context.Context, _, _ string) (*marketdata.TailMark, error) {
	return nil, nil
}

func (f *blockingStore) SaveTailMark(_ context.Context, _ marketdata.TailMark) error { return nil }

func (f *blockingStore) TouchTailMark(_ context.Context, _, _ string, _, _ int64) error { return nil }

func (f *blockingStore) GetMeta(_ context.Context, _ string) (string, error) { return "", nil }

func (f *blockingStore) SetMeta(_ context.Context, _, _ string) error { return nil }

func (f *blockingStore) Close() {}

func coordinatorFixture(t *testing.T, store *blockingStore) *Coordinator {
	t.Helper()
	cal := testCal(t)
	cfg := &config.Config{NS: "fx", Republish: config.RepublishConfig{MaxBarsPerMessage: 500}}
	log := logrus.New()
	st := status.NewManager(cfg, cal, coordBus{}, nil, log)
	pub := publish.NewPublisher(cfg, coordBus{}, contract.NewValidator(cal), nil, log)
	return NewCoordinator(cfg, store, st, nil, pub, log)
}

func TestRebuildCoalescesLatestRange(t *testing.T) {
	tfMS := marketdata.TFToMS[marketdata.TF15m]
	store := &blockingStore{
		rows:    minuteRun(bucketStart, 45),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		blocked: true,
	}
	c := coordinatorFixture(t, store)

	window := func(bucket int64) (int64, int64) {
		start := bucketStart + bucket*tfMS
		return start, start + tfMS - 1
	}

	done := make(chan struct{})
	go func() {
		start, end := window(0)
		c.Rebuild(context.Background(), "XAUUSD", []string{marketdata.TF15m}, start, end)
		close(done)
	}()

	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first rebuild never reached the store")
	}

	// Queued while the first run is inflight; only the newest survives.
	start, end := window(1)
	c.Rebuild(context.Background(), "XAUUSD", []string{marketdata.TF15m}, start, end)
	start, end = window(2)
	c.Rebuild(context.Background(), "XAUUSD", []string{marketdata.TF15m}, start, end)
	close(store.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild loop never finished")
	}

	calls := store.rangeCalls()
	if len(calls) != 2 {
		t.Fatalf("want 2 store scans (first + coalesced latest), got %d: %v", len(calls), calls)
	}
	wantStart, wantEnd := window(0)
	if calls[0] != [2]int64{wantStart, wantEnd} {
		t.Errorf("first scan = %v, want [%d %d]", calls[0], wantStart, wantEnd)
	}
	wantStart, wantEnd = window(2)
	if calls[1] != [2]int64{wantStart, wantEnd} {
		t.Errorf("coalesced scan = %v, want [%d %d]", calls[1], wantStart, wantEnd)
	}
}

func TestRebuildRejectsUnsupportedTF(t *testing.T) {
	store := &blockingStore{rows: minuteRun(bucketStart, 15)}
	c := coordinatorFixture(t, store)

	c.Rebuild(context.Background(), "XAUUSD", []string{marketdata.TF1m}, bucketStart, bucketStart+899_999)

	if calls := store.rangeCalls(); len(calls) != 0 {
		t.Errorf("1m rebuild must not touch the store, got %v", calls)
	}
}

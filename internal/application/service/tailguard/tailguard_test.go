package tailguard

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
)

type guardBus struct{}

func (guardBus) Publish(_ context.Context, _, _ string) error     { return nil }
func (guardBus) SetSnapshot(_ context.Context, _, _ string) error { return nil }

type guardStore struct {
	rows       []marketdata.Bar
	mark       *marketdata.TailMark
	savedMark  *marketdata.TailMark
	rangeCalls int
}

func (f *guardStore) UpsertFinal1m(_ context.Context, _ string, bars []marketdata.Bar) (int, error) {
	return len(bars), nil
}

func (f *guardStore) UpsertFinalHTF(_ context.Context, _, _ string, bars []marketdata.Bar) (int, error) {
	return len(bars), nil
}

func (f *guardStore) Range(_ context.Context, _, _ string, startMS, endMS int64, _ int) ([]marketdata.Bar, error) {
	f.rangeCalls++
	var out []marketdata.Bar
	for _, b := range f.rows {
		if b.OpenTimeMS >= startMS && b.OpenTimeMS <= endMS {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *guardStore) Tail(_ context.Context, _, _ string, n int) ([]marketdata.Bar, error) {
	if len(f.rows) > n {
		return f.rows[len(f.rows)-n:], nil
	}
	return f.rows, nil
}

func (f *guardStore) LastCompleteCloseMS(_ context.Context, _, _ string) (int64, error) {
	if len(f.rows) == 0 {
		return 0, nil
	}
	return f.rows[len(f.rows)-1].CloseTimeMS, nil
}

func (f *guardStore) Coverage(_ context.Context, _, _ string) (marketdata.CoverageStats, error) {
	return marketdata.CoverageStats{}, nil
}

func (f *guardStore) Trim(_ context.Context, _ string, _ int) (int64, error) { return 0, nil }

func (f *guardStore) TailMark(_ context.Context, _, _ string) (*marketdata.TailMark, error) {
	return f.mark, nil
}

func (f *guardStore) SaveTailMark(_ context.Context, mark marketdata.TailMark) error {
	f.savedMark = &mark
	return nil
}

func (f *guardStore) TouchTailMark(_ context.Context, _, _ string, _, _ int64) error { return nil }

func (f *guardStore) GetMeta(_ context.Context, _ string) (string, error) { return "", nil }

func (f *guardStore) SetMeta(_ context.Context, _, _ string) error { return nil }

func (f *guardStore) Close() {}

func guardFixture(t *testing.T, store *guardStore) *Guard {
	t.Helper()
	cal := calendar.New(calendar.Config{TZName: "UTC"})
	cfg := &config.Config{
		NS: "fx",
		TailGuard: config.TailGuardConfig{
			DefaultWindowHours: 24,
			AllowTFs:           []string{marketdata.TF1m},
			CheckedTTLSeconds:  600,
		},
	}
	log := logrus.New()
	st := status.NewManager(cfg, cal, guardBus{}, nil, log)
	return NewGuard(cfg, store, nil, nil, nil, st, nil, log)
}

// recentMinutes builds n contiguous complete 1m finals ending at the last
// fully closed minute before now.
func recentMinutes(n int) []marketdata.Bar {
	nowMS := time.Now().UnixMilli()
	lastOpen := nowMS - (nowMS % marketdata.MinuteMS) - marketdata.MinuteMS
	bars := make([]marketdata.Bar, 0, n)
	for i := n - 1; i >= 0; i-- {
		open := lastOpen - int64(i)*marketdata.MinuteMS
		bars = append(bars, marketdata.Bar{
			Symbol:      "XAUUSD",
			TF:          marketdata.TF1m,
			OpenTimeMS:  open,
			CloseTimeMS: open + marketdata.MinuteMS - 1,
			Open:        1, High: 1, Low: 1, Close: 1,
			Complete:  true,
			Source:    marketdata.SourceHistory,
			EventTSMS: open + marketdata.MinuteMS - 1,
		})
	}
	return bars
}

func TestRunAuditOKSavesMark(t *testing.T) {
	store := &guardStore{rows: recentMinutes(5)}
	g := guardFixture(t, store)

	sum, err := g.Run(context.Background(), Request{Symbol: "XAUUSD", WindowHours: 1, Tier: TierNear, ReqID: "t1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	state := sum.TFStates[marketdata.TF1m]
	if state.Status != "ok" || state.MissingBars != 0 || state.SkippedByTTL {
		t.Errorf("unexpected state: %+v", state)
	}
	if store.savedMark == nil {
		t.Fatal("audit must persist the tail mark")
	}
	lastClose := store.rows[len(store.rows)-1].CloseTimeMS
	if store.savedMark.EtagLastCompleteBarMS != lastClose {
		t.Errorf("mark etag = %d, want %d", store.savedMark.EtagLastCompleteBarMS, lastClose)
	}
	if store.savedMark.CheckedUntilCloseMS < lastClose {
		t.Errorf("mark checked_until = %d, want >= %d", store.savedMark.CheckedUntilCloseMS, lastClose)
	}
}

func TestRunFarTierSkipsByFreshMark(t *testing.T) {
	rows := recentMinutes(5)
	nowMS := time.Now().UnixMilli()
	store := &guardStore{
		rows: rows,
		mark: &marketdata.TailMark{
			Symbol:                "XAUUSD",
			TF:                    marketdata.TF1m,
			CheckedUntilCloseMS:   nowMS + 3600_000,
			EtagLastCompleteBarMS: rows[len(rows)-1].CloseTimeMS,
			LastAuditTSMS:         nowMS,
		},
	}
	g := guardFixture(t, store)

	sum, err := g.Run(context.Background(), Request{Symbol: "XAUUSD", WindowHours: 1, Tier: TierFar, ReqID: "t1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	state := sum.TFStates[marketdata.TF1m]
	if !state.SkippedByTTL || state.Status != "ok" {
		t.Errorf("fresh mark must skip the audit: %+v", state)
	}
	if store.rangeCalls != 0 {
		t.Errorf("skipped audit must not scan the store, got %d scans", store.rangeCalls)
	}
}

func TestRunNearTierIgnoresMark(t *testing.T) {
	rows := recentMinutes(5)
	nowMS := time.Now().UnixMilli()
	store := &guardStore{
		rows: rows,
		mark: &marketdata.TailMark{
			Symbol:                "XAUUSD",
			TF:                    marketdata.TF1m,
			CheckedUntilCloseMS:   nowMS + 3600_000,
			EtagLastCompleteBarMS: rows[len(rows)-1].CloseTimeMS,
			LastAuditTSMS:         nowMS,
		},
	}
	g := guardFixture(t, store)

	sum, err := g.Run(context.Background(), Request{Symbol: "XAUUSD", WindowHours: 1, Tier: TierNear, ReqID: "t1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.TFStates[marketdata.TF1m].SkippedByTTL {
		t.Error("near tier must always scan")
	}
	if store.rangeCalls != 1 {
		t.Errorf("near tier scans once, got %d", store.rangeCalls)
	}
}

func TestRunEmptyStore(t *testing.T) {
	g := guardFixture(t, &guardStore{})
	sum, err := g.Run(context.Background(), Request{Symbol: "XAUUSD", WindowHours: 1, ReqID: "t1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.TFStates[marketdata.TF1m].Status != "cache_empty" {
		t.Errorf("empty store status = %q, want cache_empty", sum.TFStates[marketdata.TF1m].Status)
	}
}

func TestRunUnsupportedTF(t *testing.T) {
	g := guardFixture(t, &guardStore{rows: recentMinutes(3)})
	sum, err := g.Run(context.Background(), Request{
		Symbol: "XAUUSD", WindowHours: 1, TFs: []string{marketdata.TF5m}, ReqID: "t1",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.TFStates[marketdata.TF5m].Status != "unsupported" {
		t.Errorf("HTF audit must report unsupported, got %q", sum.TFStates[marketdata.TF5m].Status)
	}
}

func TestFindMissingRangesCountsOpenMinutesOnly(t *testing.T) {
	g := guardFixture(t, &guardStore{})
	// Wednesday, UTC calendar with the daily break at 17:00 for 5 minutes.
	day := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	minute := func(h, m int) int64 {
		return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute).UnixMilli()
	}
	bar := func(openMS int64) marketdata.Bar {
		return marketdata.Bar{OpenTimeMS: openMS, CloseTimeMS: openMS + marketdata.MinuteMS - 1}
	}

	rows := []marketdata.Bar{bar(minute(16, 58)), bar(minute(17, 7))}
	missing := g.findMissingRanges(rows)
	if len(missing) != 2 {
		t.Fatalf("want 2 missing ranges around the break, got %d: %+v", len(missing), missing)
	}
	if missing[0].StartMS != minute(16, 59) || missing[0].EndMS != minute(17, 0)-1 {
		t.Errorf("first range = %+v", missing[0])
	}
	if missing[1].StartMS != minute(17, 5) || missing[1].EndMS != minute(17, 7)-1 {
		t.Errorf("second range = %+v", missing[1])
	}

	contiguous := []marketdata.Bar{bar(minute(12, 0)), bar(minute(12, 1)), bar(minute(12, 2))}
	if got := g.findMissingRanges(contiguous); len(got) != 0 {
		t.Errorf("contiguous rows must have no gaps, got %+v", got)
	}
}

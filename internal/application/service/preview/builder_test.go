package preview

import (
	"testing"
	"time"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
)

type fakeRail struct {
	late       int
	misaligned int
	mutations  int
}

func (f *fakeRail) RecordLateTickDropped()    { f.late++ }
func (f *fakeRail) RecordMisalignedOpenTime() { f.misaligned++ }
func (f *fakeRail) RecordPastMutation()       { f.mutations++ }

func previewConfig() *config.Config {
	return &config.Config{
		Preview: config.PreviewConfig{
			Enabled:           true,
			TFs:               []string{marketdata.TF1m, marketdata.TF5m},
			PublishIntervalMS: 1000,
			CacheMaxBars:      100,
		},
	}
}

func testBuilder(t *testing.T) (*Builder, *Cache, *fakeRail) {
	t.Helper()
	cal := calendar.New(calendar.Config{TZName: "UTC"})
	if cal.HealthError() != "" {
		t.Fatalf("calendar init: %s", cal.HealthError())
	}
	cache := NewCache(100)
	rail := &fakeRail{}
	return NewBuilder(previewConfig(), cal, cache, rail, nil), cache, rail
}

var tickBase = time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

func TestOnTickBuildsBar(t *testing.T) {
	b, cache, _ := testBuilder(t)

	b.OnTick("XAUUSD", 2000.0, tickBase+10_000)
	b.OnTick("XAUUSD", 2001.0, tickBase+20_000)
	b.OnTick("XAUUSD", 1999.5, tickBase+30_000)

	bars := cache.Tail("XAUUSD", marketdata.TF1m, 10)
	if len(bars) != 1 {
		t.Fatalf("expected 1 preview bar, got %d", len(bars))
	}
	bar := bars[0]
	if bar.OpenTimeMS != tickBase {
		t.Errorf("open time = %d, want %d", bar.OpenTimeMS, tickBase)
	}
	if bar.CloseTimeMS != tickBase+marketdata.MinuteMS-1 {
		t.Errorf("close time = %d, want %d", bar.CloseTimeMS, tickBase+marketdata.MinuteMS-1)
	}
	if bar.Open != 2000.0 || bar.High != 2001.0 || bar.Low != 1999.5 || bar.Close != 1999.5 {
		t.Errorf("unexpected OHLC: %+v", bar)
	}
	if bar.Volume != 3.0 || bar.TickCount != 3 {
		t.Errorf("volume/tick count = %v/%d, want 3/3", bar.Volume, bar.TickCount)
	}
	if bar.Complete || bar.Source != marketdata.SourceStream {
		t.Errorf("preview bar must be incomplete stream, got %+v", bar)
	}

	htf := cache.Tail("XAUUSD", marketdata.TF5m, 10)
	if len(htf) != 1 || htf[0].OpenTimeMS != tickBase {
		t.Errorf("expected one 5m preview at %d, got %+v", tickBase, htf)
	}
}

func TestBucketRolloverClosesPrevious(t *testing.T) {
	b, cache, _ := testBuilder(t)

	b.OnTick("XAUUSD", 2000.0, tickBase+10_000)
	b.OnTick("XAUUSD", 2002.0, tickBase+marketdata.MinuteMS+1_000)

	bars := cache.Tail("XAUUSD", marketdata.TF1m, 10)
	if len(bars) != 2 {
		t.Fatalf("expected 2 preview bars after rollover, got %d", len(bars))
	}

	closed := b.DrainClosed1m("XAUUSD")
	if len(closed) != 1 {
		t.Fatalf("expected 1 rolled-over 1m bar, got %d", len(closed))
	}
	if closed[0].OpenTimeMS != tickBase {
		t.Errorf("closed bar open = %d, want %d", closed[0].OpenTimeMS, tickBase)
	}
	if again := b.DrainClosed1m("XAUUSD"); len(again) != 0 {
		t.Errorf("drain must clear, got %d bars", len(again))
	}
}

func TestLateTickDropped(t *testing.T) {
	b, cache, rail := testBuilder(t)

	b.OnTick("XAUUSD", 2000.0, tickBase+5*marketdata.MinuteMS)
	b.OnTick("XAUUSD", 1990.0, tickBase) // belongs to an earlier bucket

	if rail.late != 2 || rail.mutations != 2 {
		// dropped on both 1m and 5m rails
		t.Errorf("late/mutation counts = %d/%d, want 2/2", rail.late, rail.mutations)
	}

	state, ok := b.StreamStateFor("XAUUSD", marketdata.TF1m)
	if !ok {
		t.Fatal("stream state missing")
	}
	if state.LateTicksDropped != 1 {
		t.Errorf("1m late ticks = %d, want 1", state.LateTicksDropped)
	}
	if state.CurrentBucketOpenMS != tickBase+5*marketdata.MinuteMS {
		t.Errorf("bucket must not move backwards: %d", state.CurrentBucketOpenMS)
	}

	bars := cache.Tail("XAUUSD", marketdata.TF1m, 10)
	if len(bars) != 1 {
		t.Fatalf("late tick must not create a bar, got %d", len(bars))
	}
	if bars[0].Low == 1990.0 {
		t.Error("late tick must not mutate the current bar")
	}
}

func TestPublishCadence(t *testing.T) {
	b, _, _ := testBuilder(t)

	if !b.ShouldPublish(tickBase) {
		t.Error("first publish must be due")
	}
	b.MarkPublished(tickBase)
	if b.ShouldPublish(tickBase + 500) {
		t.Error("publish must wait for the interval")
	}
	if !b.ShouldPublish(tickBase + 1000) {
		t.Error("publish must be due after the interval")
	}

	b.cfg.Preview.Enabled = false
	if b.ShouldPublish(tickBase + 5000) {
		t.Error("disabled preview must never publish")
	}
}

func TestCacheTailLimit(t *testing.T) {
	cache := NewCache(3)
	for i := 0; i < 5; i++ {
		cache.UpdateBar("XAUUSD", marketdata.TF1m, marketdata.Bar{
			OpenTimeMS: tickBase + int64(i)*marketdata.MinuteMS,
		})
	}
	bars := cache.Tail("XAUUSD", marketdata.TF1m, 10)
	if len(bars) != 3 {
		t.Fatalf("cache must cap at maxLen, got %d", len(bars))
	}
	if bars[0].OpenTimeMS != tickBase+2*marketdata.MinuteMS {
		t.Errorf("oldest kept bar = %d", bars[0].OpenTimeMS)
	}
}

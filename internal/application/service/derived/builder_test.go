package derived

import (
	"testing"
	"time"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/application/contract"
	"fxbridge/internal/domain/entity/marketdata"
)

func testCal(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal := calendar.New(calendar.Config{TZName: "UTC"})
	if cal.HealthError() != "" {
		t.Fatalf("calendar init: %s", cal.HealthError())
	}
	return cal
}

var bucketStart = time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

// minuteRun builds n consecutive 1m finals starting at startMS. Prices
// step so the aggregate is easy to assert: bar i opens at i+1.0,
// closes at i+1.1, spikes high to i+1.5 and low to i+0.5.
func minuteRun(startMS int64, n int) []marketdata.Bar {
	bars := make([]marketdata.Bar, 0, n)
	for i := 0; i < n; i++ {
		open := startMS + int64(i)*marketdata.MinuteMS
		base := float64(i + 1)
		bars = append(bars, marketdata.Bar{
			Symbol:      "XAUUSD",
			TF:          marketdata.TF1m,
			OpenTimeMS:  open,
			CloseTimeMS: open + marketdata.MinuteMS - 1,
			Open:        base,
			High:        base + 0.5,
			Low:         base - 0.5,
			Close:       base + 0.1,
			Volume:      1.0,
			Complete:    true,
			Source:      marketdata.SourceHistory,
			EventTSMS:   open + marketdata.MinuteMS - 1,
		})
	}
	return bars
}

func TestBuildHTFFinal15m(t *testing.T) {
	cal := testCal(t)

	out, err := BuildHTFFinal(cal, "XAUUSD", marketdata.TF15m, minuteRun(bucketStart, 15))
	if err != nil {
		t.Fatalf("BuildHTFFinal: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 aggregated bar, got %d", len(out))
	}
	bar := out[0]
	if bar.OpenTimeMS != bucketStart || bar.CloseTimeMS != bucketStart+15*marketdata.MinuteMS-1 {
		t.Errorf("bucket window = [%d, %d]", bar.OpenTimeMS, bar.CloseTimeMS)
	}
	if bar.Open != 1.0 {
		t.Errorf("open = %v, want 1.0", bar.Open)
	}
	if bar.Close != 15.1 {
		t.Errorf("close = %v, want 15.1", bar.Close)
	}
	if bar.High != 15.5 {
		t.Errorf("high = %v, want 15.5", bar.High)
	}
	if bar.Low != 0.5 {
		t.Errorf("low = %v, want 0.5", bar.Low)
	}
	if bar.Volume != 15.0 {
		t.Errorf("volume = %v, want 15.0", bar.Volume)
	}
	if bar.TickCount != 15 {
		t.Errorf("tick count = %d, want 15", bar.TickCount)
	}
	if !bar.Complete || bar.Source != marketdata.SourceHistoryAgg {
		t.Errorf("aggregate must be complete history_agg, got %+v", bar)
	}
	if bar.EventTSMS != bar.CloseTimeMS {
		t.Errorf("event ts = %d, want close %d", bar.EventTSMS, bar.CloseTimeMS)
	}
}

func TestBuildHTFFinalTwoBuckets(t *testing.T) {
	cal := testCal(t)

	out, err := BuildHTFFinal(cal, "XAUUSD", marketdata.TF5m, minuteRun(bucketStart, 10))
	if err != nil {
		t.Fatalf("BuildHTFFinal: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(out))
	}
	if out[1].OpenTimeMS != bucketStart+5*marketdata.MinuteMS {
		t.Errorf("second bucket open = %d", out[1].OpenTimeMS)
	}
	if out[1].Open != 6.0 || out[1].Close != 10.1 {
		t.Errorf("second bucket OHLC: %+v", out[1])
	}
}

func TestBuildHTFFinalRejectsGap(t *testing.T) {
	cal := testCal(t)

	bars := minuteRun(bucketStart, 15)
	withGap := append(append([]marketdata.Bar{}, bars[:7]...), bars[8:]...)
	_, err := BuildHTFFinal(cal, "XAUUSD", marketdata.TF15m, withGap)
	if err == nil {
		t.Fatal("expected gap rejection")
	}
	cerr, ok := contract.AsContract(err)
	if !ok || cerr.Code != "derived_incomplete_bucket" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuildHTFFinalRejectsShortTail(t *testing.T) {
	cal := testCal(t)

	_, err := BuildHTFFinal(cal, "XAUUSD", marketdata.TF15m, minuteRun(bucketStart, 14))
	if err == nil {
		t.Fatal("expected incomplete trailing bucket rejection")
	}
}

func TestBuildHTFFinalRejects1m(t *testing.T) {
	cal := testCal(t)
	if _, err := BuildHTFFinal(cal, "XAUUSD", marketdata.TF1m, minuteRun(bucketStart, 1)); err == nil {
		t.Fatal("1m must not aggregate")
	}
}

func TestAlignRange(t *testing.T) {
	cal := testCal(t)

	start := bucketStart + 2*marketdata.MinuteMS // inside the first 15m bucket
	end := bucketStart + 20*marketdata.MinuteMS  // inside the second
	alignedStart, alignedEnd, err := AlignRange(cal, marketdata.TF15m, start, end)
	if err != nil {
		t.Fatalf("AlignRange: %v", err)
	}
	if alignedStart != bucketStart+15*marketdata.MinuteMS {
		t.Errorf("aligned start = %d, want next bucket open", alignedStart)
	}
	if alignedEnd != bucketStart+30*marketdata.MinuteMS-1 {
		t.Errorf("aligned end = %d, want trailing bucket close", alignedEnd)
	}

	exactStart, _, err := AlignRange(cal, marketdata.TF15m, bucketStart, end)
	if err != nil {
		t.Fatalf("AlignRange exact: %v", err)
	}
	if exactStart != bucketStart {
		t.Errorf("exact bucket open must not be skipped: %d", exactStart)
	}
}

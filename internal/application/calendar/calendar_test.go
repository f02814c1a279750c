package calendar

import (
	"testing"
	"time"

	"fxbridge/internal/domain/entity/marketdata"
)

func utcCalendar(t *testing.T, closed ...Interval) *Calendar {
	t.Helper()
	c := New(Config{
		Tag:                "test_calendar",
		TZName:             "UTC",
		WeeklyOpen:         "17:00",
		WeeklyClose:        "17:00",
		DailyBreakStart:    "17:00",
		DailyBreakMinutes:  5,
		ClosedIntervalsUTC: closed,
	})
	if c.HealthError() != "" {
		t.Fatalf("calendar init: %s", c.HealthError())
	}
	return c
}

func utcMS(year int, month time.Month, day, hour, minute int) int64 {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC).UnixMilli()
}

func TestIsOpenWeeklySession(t *testing.T) {
	c := utcCalendar(t)

	cases := []struct {
		name string
		ts   int64
		want bool
	}{
		{"wednesday noon", utcMS(2024, time.January, 10, 12, 0), true},
		{"saturday", utcMS(2024, time.January, 13, 12, 0), false},
		{"sunday before open", utcMS(2024, time.January, 14, 16, 59), false},
		{"sunday at open", utcMS(2024, time.January, 14, 17, 0), true},
		{"friday before close", utcMS(2024, time.January, 12, 16, 59), true},
		{"friday at close", utcMS(2024, time.January, 12, 17, 0), false},
		{"wednesday in break", utcMS(2024, time.January, 10, 17, 2), false},
		{"wednesday after break", utcMS(2024, time.January, 10, 17, 5), true},
	}
	for _, tc := range cases {
		if got := c.IsOpen(tc.ts); got != tc.want {
			t.Errorf("%s: IsOpen=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNextOpenMS(t *testing.T) {
	c := utcCalendar(t)

	saturday := utcMS(2024, time.January, 13, 12, 0)
	sundayOpen := utcMS(2024, time.January, 14, 17, 0)
	if got := c.NextOpenMS(saturday); got != sundayOpen {
		t.Errorf("next open from saturday = %d, want %d", got, sundayOpen)
	}

	inBreak := utcMS(2024, time.January, 10, 17, 2)
	afterBreak := utcMS(2024, time.January, 10, 17, 5)
	if got := c.NextOpenMS(inBreak); got != afterBreak {
		t.Errorf("next open from break = %d, want %d", got, afterBreak)
	}
}

func TestNextOpenFallbackFlagged(t *testing.T) {
	c := New(Config{TZName: "not/a/zone"})
	if c.HealthError() == "" {
		t.Fatal("expected init error for bad tz")
	}
	ts := utcMS(2024, time.January, 10, 12, 0)
	if got := c.NextOpenMS(ts); got != ts+60_000 {
		t.Errorf("fallback next open = %d, want %d", got, ts+60_000)
	}
	if !c.ConsumeNextOpenInvalid() {
		t.Error("expected next-open fallback to be flagged")
	}
	if c.ConsumeNextOpenInvalid() {
		t.Error("flag must reset after consumption")
	}
}

func TestClosedIntervalOverridesSession(t *testing.T) {
	start := utcMS(2024, time.January, 10, 11, 0)
	end := utcMS(2024, time.January, 10, 13, 0)
	c := utcCalendar(t, Interval{StartMS: start, EndMS: end})

	inside := utcMS(2024, time.January, 10, 12, 0)
	if c.IsOpen(inside) {
		t.Error("closed interval must override the weekly session")
	}
	if got := c.NextOpenMS(inside); got < end {
		t.Errorf("next open %d must not land inside closed interval ending %d", got, end)
	}
}

func TestNextPauseAndLastClose(t *testing.T) {
	c := utcCalendar(t)

	noon := utcMS(2024, time.January, 10, 12, 0)
	breakStart := utcMS(2024, time.January, 10, 17, 0)
	if got := c.NextPauseMS(noon); got != breakStart {
		t.Errorf("next pause = %d, want %d", got, breakStart)
	}

	saturday := utcMS(2024, time.January, 13, 12, 0)
	fridayClose := utcMS(2024, time.January, 12, 17, 0)
	if got := c.LastTradingCloseMS(saturday); got != fridayClose-1 {
		t.Errorf("last trading close = %d, want %d", got, fridayClose-1)
	}
}

func TestBucketAlignment(t *testing.T) {
	c := utcCalendar(t)

	ts := utcMS(2024, time.January, 10, 12, 3)
	open, err := c.BucketOpenMS(marketdata.TF5m, ts)
	if err != nil {
		t.Fatalf("BucketOpenMS: %v", err)
	}
	want := utcMS(2024, time.January, 10, 12, 0)
	if open != want {
		t.Errorf("5m bucket open = %d, want %d", open, want)
	}

	closeMS, err := c.BucketCloseMS(marketdata.TF5m, open)
	if err != nil {
		t.Fatalf("BucketCloseMS: %v", err)
	}
	if closeMS != open+5*60_000-1 {
		t.Errorf("5m bucket close = %d, want %d", closeMS, open+5*60_000-1)
	}

	if !c.Aligned(marketdata.TF5m, open) {
		t.Error("bucket open must be aligned")
	}
	if c.Aligned(marketdata.TF5m, open+1) {
		t.Error("open+1 must not be aligned")
	}

	if _, err := FloorToBucketMS(ts, "2m"); err == nil {
		t.Error("unknown timeframe must error")
	}
}

func TestTradingDayBoundary(t *testing.T) {
	c := utcCalendar(t)

	afterBreak := utcMS(2024, time.January, 10, 18, 0)
	boundary := utcMS(2024, time.January, 10, 17, 0)
	if got := c.TradingDayBoundaryFor(afterBreak); got != boundary {
		t.Errorf("trading day boundary = %d, want %d", got, boundary)
	}

	beforeBreak := utcMS(2024, time.January, 10, 12, 0)
	prevBoundary := utcMS(2024, time.January, 9, 17, 0)
	if got := c.TradingDayBoundaryFor(beforeBreak); got != prevBoundary {
		t.Errorf("trading day boundary before break = %d, want %d", got, prevBoundary)
	}

	if got := c.NextTradingDayBoundaryMS(afterBreak); got != utcMS(2024, time.January, 11, 17, 0) {
		t.Errorf("next trading day boundary = %d", got)
	}
}

package reconcile

import (
	"testing"
	"time"

	"fxbridge/internal/domain/entity/marketdata"
)

var bucketOpen = time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

func minuteBar(openMS int64, price float64) marketdata.Bar {
	return marketdata.Bar{
		Symbol:      "XAUUSD",
		TF:          marketdata.TF1m,
		OpenTimeMS:  openMS,
		CloseTimeMS: openMS + marketdata.MinuteMS - 1,
		Open:        price,
		High:        price + 0.5,
		Low:         price - 0.5,
		Close:       price + 0.1,
		Volume:      1,
		TickCount:   2,
	}
}

func TestAggregate15m(t *testing.T) {
	f := &Finalizer{}
	bars := make([]marketdata.Bar, 0, 15)
	for i := 0; i < 15; i++ {
		bars = append(bars, minuteBar(bucketOpen+int64(i)*marketdata.MinuteMS, float64(i+1)))
	}

	aggregated, incomplete := f.aggregate15m("XAUUSD", bars, 123)
	if len(incomplete) != 0 {
		t.Fatalf("full bucket reported incomplete: %v", incomplete)
	}
	if len(aggregated) != 1 {
		t.Fatalf("want one 15m bar, got %d", len(aggregated))
	}
	out := aggregated[0]
	if out.OpenTimeMS != bucketOpen || out.CloseTimeMS != bucketOpen+15*marketdata.MinuteMS-1 {
		t.Errorf("window [%d, %d]", out.OpenTimeMS, out.CloseTimeMS)
	}
	if out.Open != 1.0 || out.Close != 15.1 || out.High != 15.5 || out.Low != 0.5 {
		t.Errorf("ohlc = %v %v %v %v", out.Open, out.High, out.Low, out.Close)
	}
	if out.Volume != 15 || out.TickCount != 30 {
		t.Errorf("volume = %v tick_count = %d", out.Volume, out.TickCount)
	}
	if !out.Complete || out.Source != marketdata.SourceHistoryAgg || out.EventTSMS != out.CloseTimeMS {
		t.Errorf("grade fields: %+v", out)
	}
	if out.IngestTSMS != 123 {
		t.Errorf("ingest ts = %d", out.IngestTSMS)
	}
}

func TestAggregate15mReportsGappyBucket(t *testing.T) {
	f := &Finalizer{}
	var bars []marketdata.Bar
	for i := 0; i < 15; i++ {
		if i == 7 {
			continue
		}
		bars = append(bars, minuteBar(bucketOpen+int64(i)*marketdata.MinuteMS, float64(i+1)))
	}

	aggregated, incomplete := f.aggregate15m("XAUUSD", bars, 0)
	if len(aggregated) != 0 {
		t.Errorf("gappy bucket must not aggregate, got %d bars", len(aggregated))
	}
	if len(incomplete) != 1 || incomplete[0] != bucketOpen {
		t.Errorf("incomplete = %v, want [%d]", incomplete, bucketOpen)
	}
}

func TestNormalizeRows(t *testing.T) {
	start := bucketOpen
	end := bucketOpen + 15*marketdata.MinuteMS - 1
	dup := minuteBar(bucketOpen, 2.0)
	dup.Close = 99

	rows := []marketdata.Bar{
		minuteBar(bucketOpen+marketdata.MinuteMS, 2.0),
		minuteBar(bucketOpen, 1.0),
		dup, // same open time, later row wins
		minuteBar(bucketOpen-marketdata.MinuteMS, 1.0), // before window
		{OpenTimeMS: 0, CloseTimeMS: 0},                // broken bounds
	}

	out := normalizeRows(rows, start, end)
	if len(out) != 2 {
		t.Fatalf("want 2 rows, got %d", len(out))
	}
	if out[0].OpenTimeMS != bucketOpen || out[1].OpenTimeMS != bucketOpen+marketdata.MinuteMS {
		t.Errorf("order: %d, %d", out[0].OpenTimeMS, out[1].OpenTimeMS)
	}
	if out[0].Close != 99 {
		t.Errorf("dedupe must keep the later row, close = %v", out[0].Close)
	}
}

func TestBarsAfter(t *testing.T) {
	bars := []marketdata.Bar{
		minuteBar(bucketOpen, 1),
		minuteBar(bucketOpen+marketdata.MinuteMS, 2),
		minuteBar(bucketOpen+2*marketdata.MinuteMS, 3),
	}

	if got := barsAfter(bars, 0); len(got) != 3 {
		t.Errorf("no watermark keeps all, got %d", len(got))
	}
	got := barsAfter(bars, bucketOpen)
	if len(got) != 2 || got[0].OpenTimeMS != bucketOpen+marketdata.MinuteMS {
		t.Errorf("watermark at first open must keep 2, got %d", len(got))
	}
	if got := barsAfter(bars, bucketOpen+2*marketdata.MinuteMS); len(got) != 0 {
		t.Errorf("watermark at last open keeps none, got %d", len(got))
	}
}

package marketdata

// Bar sources. Finals never carry SourceStream; previews never carry anything else.
const (
	SourceStream     = "stream"
	SourceHistory    = "history"
	SourceHistoryAgg = "history_agg"
	SourceSynthetic  = "synthetic"
)

// Supported timeframes.
const (
	TF1m  = "1m"
	TF5m  = "5m"
	TF15m = "15m"
	TF1h  = "1h"
	TF4h  = "4h"
	TF1d  = "1d"
)

const MinuteMS int64 = 60_000

// TFToMS maps a timeframe to its nominal length in milliseconds.
// The 1d entry is nominal only; daily buckets are anchored to the
// trading-day boundary, not to UTC midnight.
var TFToMS = map[string]int64{
	TF1m:  MinuteMS,
	TF5m:  5 * MinuteMS,
	TF15m: 15 * MinuteMS,
	TF1h:  60 * MinuteMS,
	TF4h:  240 * MinuteMS,
	TF1d:  1440 * MinuteMS,
}

// AllTFs lists the supported timeframes in ascending order.
var AllTFs = []string{TF1m, TF5m, TF15m, TF1h, TF4h, TF1d}

// ValidTF reports whether tf is a supported timeframe.
func ValidTF(tf string) bool {
	_, ok := TFToMS[tf]
	return ok
}

// Bar is a single OHLCV record. CloseTimeMS is inclusive:
// close_time = open_time + tf_ms - 1.
type Bar struct {
	Symbol      string
	TF          string
	OpenTimeMS  int64
	CloseTimeMS int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	TickCount   int64
	Complete    bool
	Synthetic   bool
	Source      string
	EventTSMS   int64
	IngestTSMS  int64
}

// CoverageStats summarizes stored final coverage for a symbol/timeframe.
type CoverageStats struct {
	FirstOpenMS  int64
	LastOpenMS   int64
	Bars         int64
	CoverageDays float64
}

// TailMark is the persisted tail-audit state for one symbol/timeframe.
// A zero VerifiedUntilMS means the mark never verified anything.
type TailMark struct {
	Symbol               string
	TF                   string
	VerifiedFromMS       int64
	VerifiedUntilMS      int64
	CheckedUntilCloseMS  int64
	EtagLastCompleteBarMS int64
	LastAuditTSMS        int64
	UpdatedTSMS          int64
}

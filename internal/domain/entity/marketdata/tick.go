package marketdata

// Epoch-millisecond bounds for tick and bar timestamps. Values below the
// lower bound look like seconds, values at or above the upper bound look
// like microseconds.
const (
	EpochMSMin int64 = 1_000_000_000_000
	EpochMSMax int64 = 1_000_000_000_000_000
)

// Tick is an immutable broker quote. TickTSMS is broker event time,
// SnapTSMS is local receipt time.
type Tick struct {
	Symbol   string
	Bid      float64
	Ask      float64
	Mid      float64
	TickTSMS int64
	SnapTSMS int64
}

// MidOf computes the mid price; when bid == ask the mid is the bid.
func MidOf(bid, ask float64) float64 {
	if bid == ask {
		return bid
	}
	return (bid + ask) / 2
}

// EpochMSValid reports whether v is inside the epoch-millisecond window.
func EpochMSValid(v int64) bool {
	return v >= EpochMSMin && v < EpochMSMax
}

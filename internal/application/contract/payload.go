package contract

// Wire payload shapes for the pub/sub contracts. Field names are the
// canonical contract keys; legacy o/h/l/c/v is not accepted anywhere.

// TickPayload is one message on the price channel.
type TickPayload struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Mid    float64 `json:"mid"`
	TickTS int64   `json:"tick_ts"`
	SnapTS int64   `json:"snap_ts"`
}

// BarPayload is one bar inside an OHLCV message. EventTS is required for
// finals and omitted for previews.
type BarPayload struct {
	TF        string  `json:"tf,omitempty"`
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Complete  bool    `json:"complete"`
	Synthetic bool    `json:"synthetic"`
	Source    string  `json:"source,omitempty"`
	EventTS   int64   `json:"event_ts,omitempty"`
}

// OHLCVPayload is one message on the ohlcv channel.
type OHLCVPayload struct {
	Symbol    string       `json:"symbol"`
	TF        string       `json:"tf"`
	Source    string       `json:"source"`
	Complete  bool         `json:"complete"`
	Synthetic bool         `json:"synthetic"`
	Bars      []BarPayload `json:"bars"`
}

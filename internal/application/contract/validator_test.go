package contract

import (
	"testing"
	"time"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/domain/entity/command"
	"fxbridge/internal/domain/entity/marketdata"
)

func testValidator(t *testing.T) *Validator {
	t.Helper()
	cal := calendar.New(calendar.Config{TZName: "UTC"})
	if cal.HealthError() != "" {
		t.Fatalf("calendar init: %s", cal.HealthError())
	}
	return NewValidator(cal)
}

// Wednesday 2024-01-10 12:00:00 UTC, a minute bucket open.
var baseOpen = time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

func finalBar(openMS int64) BarPayload {
	closeMS := openMS + marketdata.MinuteMS - 1
	return BarPayload{
		OpenTime:  openMS,
		CloseTime: closeMS,
		Open:      1.0,
		High:      1.2,
		Low:       0.9,
		Close:     1.1,
		Volume:    10,
		Complete:  true,
		Source:    marketdata.SourceHistory,
		EventTS:   closeMS,
	}
}

func TestValidateTick(t *testing.T) {
	v := testValidator(t)

	good := TickPayload{
		Symbol: "XAUUSD",
		Bid:    2000.0,
		Ask:    2000.4,
		Mid:    2000.2,
		TickTS: baseOpen,
		SnapTS: baseOpen + 5,
	}
	if err := v.ValidateTick(good); err != nil {
		t.Fatalf("valid tick rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(p *TickPayload)
	}{
		{"empty symbol", func(p *TickPayload) { p.Symbol = "" }},
		{"seconds timestamp", func(p *TickPayload) { p.TickTS = baseOpen / 1000 }},
		{"microseconds timestamp", func(p *TickPayload) { p.SnapTS = baseOpen * 1000 }},
		{"crossed quote", func(p *TickPayload) { p.Bid = p.Ask + 1 }},
		{"wrong mid", func(p *TickPayload) { p.Mid = p.Mid + 0.01 }},
		{"tick after snap", func(p *TickPayload) { p.TickTS = p.SnapTS + 1 }},
	}
	for _, tc := range cases {
		p := good
		tc.mutate(&p)
		if err := v.ValidateTick(p); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}
}

func TestValidatePreviewBatch(t *testing.T) {
	v := testValidator(t)

	good := OHLCVPayload{
		Symbol: "XAUUSD",
		TF:     marketdata.TF1m,
		Source: marketdata.SourceStream,
		Bars: []BarPayload{{
			OpenTime:  baseOpen,
			CloseTime: baseOpen + marketdata.MinuteMS - 1,
			Open:      1.0, High: 1.2, Low: 0.9, Close: 1.1,
		}},
	}
	if err := v.ValidatePreviewBatch(good); err != nil {
		t.Fatalf("valid preview rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(p *OHLCVPayload)
	}{
		{"wrong source", func(p *OHLCVPayload) { p.Source = marketdata.SourceHistory }},
		{"complete preview", func(p *OHLCVPayload) { p.Complete = true }},
		{"synthetic preview", func(p *OHLCVPayload) { p.Synthetic = true }},
		{"empty bars", func(p *OHLCVPayload) { p.Bars = nil }},
		{"complete bar", func(p *OHLCVPayload) { p.Bars[0].Complete = true }},
		{"broken ohlc", func(p *OHLCVPayload) { p.Bars[0].High = 0.5 }},
		{"inverted window", func(p *OHLCVPayload) { p.Bars[0].CloseTime = p.Bars[0].OpenTime }},
	}
	for _, tc := range cases {
		p := good
		p.Bars = []BarPayload{good.Bars[0]}
		tc.mutate(&p)
		if err := v.ValidatePreviewBatch(p); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}
}

func TestValidateFinal1mBatch(t *testing.T) {
	v := testValidator(t)

	good := OHLCVPayload{
		Symbol:   "XAUUSD",
		TF:       marketdata.TF1m,
		Source:   marketdata.SourceHistory,
		Complete: true,
		Bars:     []BarPayload{finalBar(baseOpen), finalBar(baseOpen + marketdata.MinuteMS)},
	}
	if err := v.ValidateFinal1mBatch(good); err != nil {
		t.Fatalf("valid final 1m rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(p *OHLCVPayload)
	}{
		{"wrong tf", func(p *OHLCVPayload) { p.TF = marketdata.TF5m }},
		{"stream source", func(p *OHLCVPayload) { p.Source = marketdata.SourceStream }},
		{"not complete", func(p *OHLCVPayload) { p.Complete = false }},
		{"unsorted bars", func(p *OHLCVPayload) { p.Bars[0], p.Bars[1] = p.Bars[1], p.Bars[0] }},
		{"misaligned open", func(p *OHLCVPayload) {
			p.Bars[1].OpenTime += 1
			p.Bars[1].CloseTime += 1
		}},
		{"wrong close", func(p *OHLCVPayload) { p.Bars[1].CloseTime += 1 }},
		{"event_ts drift", func(p *OHLCVPayload) { p.Bars[1].EventTS -= 1 }},
		{"synthetic bar", func(p *OHLCVPayload) { p.Bars[1].Synthetic = true }},
	}
	for _, tc := range cases {
		p := good
		p.Bars = []BarPayload{finalBar(baseOpen), finalBar(baseOpen + marketdata.MinuteMS)}
		tc.mutate(&p)
		if err := v.ValidateFinal1mBatch(p); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}
}

func TestValidateFinalHTFBatch(t *testing.T) {
	v := testValidator(t)

	openMS := baseOpen // 12:00 aligns to 15m too
	closeMS := openMS + 15*marketdata.MinuteMS - 1
	good := OHLCVPayload{
		Symbol:   "XAUUSD",
		TF:       marketdata.TF15m,
		Source:   marketdata.SourceHistoryAgg,
		Complete: true,
		Bars: []BarPayload{{
			OpenTime:  openMS,
			CloseTime: closeMS,
			Open:      1.0, High: 1.2, Low: 0.9, Close: 1.1,
			Volume:   15,
			Complete: true,
			Source:   marketdata.SourceHistoryAgg,
			EventTS:  closeMS,
		}},
	}
	if err := v.ValidateFinalHTFBatch(good); err != nil {
		t.Fatalf("valid HTF final rejected: %v", err)
	}

	bad := good
	bad.TF = marketdata.TF1m
	if err := v.ValidateFinalHTFBatch(bad); err == nil {
		t.Error("1m must not pass as HTF final")
	}

	noEvent := good
	noEvent.Bars = []BarPayload{good.Bars[0]}
	noEvent.Bars[0].EventTS = 0
	if err := v.ValidateFinalHTFBatch(noEvent); err == nil {
		t.Error("missing event_ts must be rejected for HTF final")
	}

	history := good
	history.Bars = []BarPayload{good.Bars[0]}
	history.Source = marketdata.SourceHistory
	if err := v.ValidateFinalHTFBatch(history); err == nil {
		t.Error("HTF final with source=history must be rejected")
	}
}

func TestValidateCommand(t *testing.T) {
	v := testValidator(t)

	good := command.Envelope{Cmd: "fxcm_warmup", ReqID: "r1", TS: baseOpen}
	if err := v.ValidateCommand(good); err != nil {
		t.Fatalf("valid command rejected: %v", err)
	}

	if err := v.ValidateCommand(command.Envelope{ReqID: "r1", TS: baseOpen}); err == nil {
		t.Error("missing cmd must be rejected")
	}
	if err := v.ValidateCommand(command.Envelope{Cmd: "x", TS: baseOpen}); err == nil {
		t.Error("missing req_id must be rejected")
	}
	if err := v.ValidateCommand(command.Envelope{Cmd: "x", ReqID: "r1", TS: baseOpen / 1000}); err == nil {
		t.Error("seconds ts must be rejected")
	}
	withAuth := good
	withAuth.Auth = &command.Auth{Kid: "ops", Sig: ""}
	if err := v.ValidateCommand(withAuth); err == nil {
		t.Error("auth without sig must be rejected")
	}
}

func TestValidateStatusShape(t *testing.T) {
	payload := map[string]any{
		"ts":             baseOpen,
		"schema_version": 1,
		"process":        map[string]any{},
		"market":         map[string]any{},
		"errors":         []any{},
		"degraded":       []any{},
		"command_bus":    map[string]any{},
		"last_command":   map[string]any{},
	}
	if err := ValidateStatus(payload); err != nil {
		t.Fatalf("valid status rejected: %v", err)
	}

	delete(payload, "market")
	if err := ValidateStatus(payload); err == nil {
		t.Error("missing section must be rejected")
	}
}

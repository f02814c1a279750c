package feed

import (
	"context"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/domain/entity/marketdata"
)

// SimHistoryProvider generates deterministic 1m finals from the same
// price curve the sim tick feed uses, skipping calendar-closed minutes.
type SimHistoryProvider struct {
	cal *calendar.Calendar
}

func NewSimHistoryProvider(cal *calendar.Calendar) *SimHistoryProvider {
	return &SimHistoryProvider{cal: cal}
}

func (p *SimHistoryProvider) Ready() (bool, string) { return true, "" }

func (p *SimHistoryProvider) Fetch1mFinal(ctx context.Context, symbol string, startMS, endMS int64, limit int) ([]marketdata.Bar, error) {
	var bars []marketdata.Bar
	step := marketdata.MinuteMS
	for t := startMS - (startMS % step); t <= endMS && len(bars) < limit; t += step {
		if ctx.Err() != nil {
			return bars, ctx.Err()
		}
		if p.cal != nil && !p.cal.IsOpen(t) {
			continue
		}
		base := simBase(t)
		bars = append(bars, marketdata.Bar{
			Symbol:      symbol,
			TF:          marketdata.TF1m,
			OpenTimeMS:  t,
			CloseTimeMS: t + step - 1,
			Open:        base,
			High:        base + 0.2,
			Low:         base - 0.2,
			Close:       base + 0.05,
			Volume:      1.0,
			Complete:    true,
			Source:      marketdata.SourceHistory,
			EventTSMS:   t + step - 1,
		})
	}
	return bars, nil
}

package tailguard

import (
	"context"
	"time"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/domain/entity/marketdata"
)

// RepairSummary counts what a repair run actually wrote.
type RepairSummary struct {
	WindowsRepaired int   `json:"windows_repaired"`
	BarsIngested    int64 `json:"bars_ingested"`
}

// repairMissing1m refetches missing 1m ranges from the history feed and
// upserts them. Budgets are checked up front so an oversized hole fails
// cheaply instead of burning the whole request quota.
func (g *Guard) repairMissing1m(ctx context.Context, symbol string, ranges []Range) (*RepairSummary, error) {
	nowMS := time.Now().UnixMilli()
	if err := g.history.GuardReady(symbol, "repair", nowMS); err != nil {
		return nil, err
	}

	tg := g.cfg.TailGuard
	chunkMin := g.cfg.History.ChunkMinutes
	if chunkMin <= 0 {
		chunkMin = 1
	}
	var totalMissing int64
	var totalChunks int
	for _, r := range ranges {
		spanMS := r.EndMS - r.StartMS + 1
		spanMin := spanMS / 60_000
		if spanMS > tg.RepairMaxWindowMS {
			return nil, g.repairBudgetError("repair_budget_exceeded", symbol, map[string]any{
				"range_start_ms": r.StartMS,
				"range_end_ms":   r.EndMS,
				"max_window_ms":  tg.RepairMaxWindowMS,
			})
		}
		if int(spanMin) > tg.RepairMaxGapMinutes {
			return nil, g.repairBudgetError("repair_range_too_large", symbol, map[string]any{
				"range_start_ms":  r.StartMS,
				"range_end_ms":    r.EndMS,
				"span_minutes":    spanMin,
				"max_gap_minutes": tg.RepairMaxGapMinutes,
			})
		}
		totalMissing += spanMin
		totalChunks += int((spanMin + int64(chunkMin) - 1) / int64(chunkMin))
	}
	if totalMissing > int64(tg.RepairMaxMissingBars) {
		return nil, g.repairBudgetError("repair_budget_exceeded", symbol, map[string]any{
			"missing_bars":     totalMissing,
			"max_missing_bars": tg.RepairMaxMissingBars,
		})
	}
	if totalChunks > tg.RepairMaxHistoryChunks {
		return nil, g.repairBudgetError("repair_budget_exceeded", symbol, map[string]any{
			"history_chunks":     totalChunks,
			"max_history_chunks": tg.RepairMaxHistoryChunks,
		})
	}

	summary := &RepairSummary{}
	for _, r := range ranges {
		spanMin := (r.EndMS - r.StartMS + 1) / 60_000
		bars, err := g.history.Fetch1mFinal(ctx, symbol, r.StartMS, r.EndMS, int(spanMin)+5)
		if err != nil {
			return summary, err
		}
		if len(bars) == 0 {
			continue
		}
		ingestMS := time.Now().UnixMilli()
		for i := range bars {
			bars[i].Symbol = symbol
			bars[i].TF = marketdata.TF1m
			bars[i].Complete = true
			bars[i].Source = marketdata.SourceHistory
			bars[i].IngestTSMS = ingestMS
		}
		n, err := g.store.UpsertFinal1m(ctx, symbol, bars)
		if err != nil {
			return summary, err
		}
		summary.WindowsRepaired++
		summary.BarsIngested += int64(n)
		if g.metrics != nil {
			g.metrics.TailGuardRepairsTotal.WithLabelValues(marketdata.TF1m).Add(float64(n))
		}
	}
	return summary, nil
}

func (g *Guard) repairBudgetError(code, symbol string, fields map[string]any) error {
	fields["symbol"] = symbol
	g.status.AppendError(code, "error", "tail repair refused: budget guard tripped", fields)
	g.status.MarkDegraded(code)
	return contract.NewError(code, "tail repair refused for "+symbol)
}

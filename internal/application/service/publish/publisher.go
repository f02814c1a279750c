package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/domain/interfaces"
	"fxbridge/internal/observability/metrics"
)

// statusRecorder is the slice of the status manager the publisher needs.
// It is injected after construction so the status manager can itself be
// built with a plain bus publisher.
type statusRecorder interface {
	RecordTick(tickTSMS, snapTSMS int64)
	RecordTickError()
	RecordPreviewPublish(tf string, bucketOpenMS, tickTSMS int64)
	RecordPreviewError()
	RecordNoMixConflict(symbol, tf, message string)
	RecordPublishFail()
	AppendErrorCoalesced(code, severity, message string, context map[string]any, windowS int)
}

// Publisher validates and publishes ticks and OHLCV batches on the bus.
type Publisher struct {
	cfg       *config.Config
	bus       interfaces.BusPublisher
	validator *contract.Validator
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	status    statusRecorder
	noMix     *NoMixDetector
}

func NewPublisher(cfg *config.Config, bus interfaces.BusPublisher, v *contract.Validator, m *metrics.Metrics, log logrus.FieldLogger) *Publisher {
	return &Publisher{cfg: cfg, bus: bus, validator: v, metrics: m, log: log, noMix: NewNoMixDetector()}
}

// SetStatus wires the status manager in after both sides exist.
func (p *Publisher) SetStatus(s statusRecorder) { p.status = s }

func (p *Publisher) publishJSON(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	if err := p.bus.Publish(ctx, channel, string(raw)); err != nil {
		if p.status != nil {
			p.status.RecordPublishFail()
		}
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// PublishTick validates and publishes one tick on the price channel.
func (p *Publisher) PublishTick(ctx context.Context, tick marketdata.Tick) error {
	payload := contract.TickPayload{
		Symbol: tick.Symbol,
		Bid:    tick.Bid,
		Ask:    tick.Ask,
		Mid:    marketdata.MidOf(tick.Bid, tick.Ask),
		TickTS: tick.TickTSMS,
		SnapTS: tick.SnapTSMS,
	}
	if err := p.validator.ValidateTick(payload); err != nil {
		if p.status != nil {
			p.status.RecordTickError()
			p.status.AppendErrorCoalesced("tick_contract_error", "warn", err.Error(),
				map[string]any{"symbol": tick.Symbol}, 30)
		}
		if p.metrics != nil {
			p.metrics.TickErrorsTotal.Inc()
		}
		return err
	}
	if err := p.publishJSON(ctx, p.cfg.ChPriceTick(), payload); err != nil {
		return err
	}
	if p.status != nil {
		p.status.RecordTick(tick.TickTSMS, tick.SnapTSMS)
	}
	if p.metrics != nil {
		p.metrics.TicksTotal.Inc()
	}
	return nil
}

func toBarPayloads(bars []marketdata.Bar, withTF, withSource, withEventTS bool) []contract.BarPayload {
	out := make([]contract.BarPayload, 0, len(bars))
	for _, b := range bars {
		bp := contract.BarPayload{
			OpenTime:  b.OpenTimeMS,
			CloseTime: b.CloseTimeMS,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Complete:  b.Complete,
			Synthetic: b.Synthetic,
		}
		if withTF {
			bp.TF = b.TF
		}
		if withSource {
			bp.Source = b.Source
		}
		if withEventTS {
			bp.EventTS = b.EventTSMS
		}
		out = append(out, bp)
	}
	return out
}

func chunkBars(bars []marketdata.Bar, size int) [][]marketdata.Bar {
	if size <= 0 || len(bars) <= size {
		return [][]marketdata.Bar{bars}
	}
	chunks := make([][]marketdata.Bar, 0, (len(bars)+size-1)/size)
	for len(bars) > size {
		chunks = append(chunks, bars[:size])
		bars = bars[size:]
	}
	return append(chunks, bars)
}

// PublishPreviewBatch publishes incomplete stream bars for one symbol
// and tf, chunked to the per-message bar cap.
func (p *Publisher) PublishPreviewBatch(ctx context.Context, symbol, tf string, bars []marketdata.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	for _, chunk := range chunkBars(bars, p.cfg.Republish.MaxBarsPerMessage) {
		payload := contract.OHLCVPayload{
			Symbol:    symbol,
			TF:        tf,
			Source:    marketdata.SourceStream,
			Complete:  false,
			Synthetic: false,
			Bars:      toBarPayloads(chunk, false, false, false),
		}
		if err := p.validator.ValidatePreviewBatch(payload); err != nil {
			if p.status != nil {
				p.status.RecordPreviewError()
			}
			return err
		}
		if err := p.publishJSON(ctx, p.cfg.ChOHLCV(), payload); err != nil {
			return err
		}
	}
	if p.status != nil {
		last := bars[len(bars)-1]
		p.status.RecordPreviewPublish(tf, last.OpenTimeMS, last.EventTSMS)
	}
	if p.metrics != nil {
		p.metrics.PreviewPublishesTotal.Inc()
	}
	return nil
}

// checkUniform rejects mixed-source or incomplete bars before a final
// batch goes on the wire.
func (p *Publisher) checkUniform(symbol, tf, wantSource string, bars []marketdata.Bar) error {
	for _, b := range bars {
		if b.Source != wantSource || !b.Complete {
			msg := fmt.Sprintf("final batch for %s/%s mixes source %q (want %q)", symbol, tf, b.Source, wantSource)
			if p.status != nil {
				p.status.RecordNoMixConflict(symbol, tf, msg)
			}
			if p.metrics != nil {
				p.metrics.NoMixConflictsTotal.WithLabelValues(tf).Inc()
			}
			return contract.NewError("no_mix_final_source_conflict", msg)
		}
	}
	if err := p.noMix.Check(symbol, tf, wantSource, bars); err != nil {
		if p.status != nil {
			p.status.RecordNoMixConflict(symbol, tf, err.Error())
		}
		if p.metrics != nil {
			p.metrics.NoMixConflictsTotal.WithLabelValues(tf).Inc()
		}
		return contract.NewError("no_mix_final_source_conflict", err.Error())
	}
	return nil
}

// PublishFinal1m publishes 1m finals (source=history); returns the
// number of batches sent.
func (p *Publisher) PublishFinal1m(ctx context.Context, symbol string, bars []marketdata.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	if err := p.checkUniform(symbol, marketdata.TF1m, marketdata.SourceHistory, bars); err != nil {
		return 0, err
	}
	batches := 0
	for _, chunk := range chunkBars(bars, p.cfg.Republish.MaxBarsPerMessage) {
		payload := contract.OHLCVPayload{
			Symbol:   symbol,
			TF:       marketdata.TF1m,
			Source:   marketdata.SourceHistory,
			Complete: true,
			Bars:     toBarPayloads(chunk, false, false, true),
		}
		if err := p.validator.ValidateFinal1mBatch(payload); err != nil {
			return batches, err
		}
		if err := p.publishJSON(ctx, p.cfg.ChOHLCV(), payload); err != nil {
			return batches, err
		}
		batches++
	}
	if p.metrics != nil {
		p.metrics.Final1mUpsertedTotal.Add(float64(len(bars)))
	}
	return batches, nil
}

// PublishFinalHTF publishes derived finals (source=history_agg).
func (p *Publisher) PublishFinalHTF(ctx context.Context, symbol, tf string, bars []marketdata.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	if err := p.checkUniform(symbol, tf, marketdata.SourceHistoryAgg, bars); err != nil {
		return 0, err
	}
	batches := 0
	for _, chunk := range chunkBars(bars, p.cfg.Republish.MaxBarsPerMessage) {
		payload := contract.OHLCVPayload{
			Symbol:   symbol,
			TF:       tf,
			Source:   marketdata.SourceHistoryAgg,
			Complete: true,
			Bars:     toBarPayloads(chunk, false, false, true),
		}
		if err := p.validator.ValidateFinalHTFBatch(payload); err != nil {
			return batches, err
		}
		if err := p.publishJSON(ctx, p.cfg.ChOHLCV(), payload); err != nil {
			return batches, err
		}
		batches++
	}
	if p.metrics != nil {
		p.metrics.HTFUpsertedTotal.WithLabelValues(tf).Add(float64(len(bars)))
	}
	return batches, nil
}

package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
)

// replayRecord is one JSONL line of a recorded tick stream.
type replayRecord struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Mid    float64 `json:"mid"`
	TickTS int64   `json:"tick_ts"`
	SnapTS int64   `json:"snap_ts"`
}

// ReplayAdapter streams ticks from a recorded JSONL file. The file is
// validated line by line; a malformed line stops the stream with a
// contract error surfaced through the status sink.
type ReplayAdapter struct {
	cfg    *config.Config
	status interface {
		AppendError(code, severity, message string, context map[string]any)
	}

	mu     sync.Mutex
	ticks  chan marketdata.Tick
	cancel context.CancelFunc
}

func NewReplayAdapter(cfg *config.Config, status interface {
	AppendError(code, severity, message string, context map[string]any)
}) *ReplayAdapter {
	return &ReplayAdapter{cfg: cfg, status: status}
}

func (a *ReplayAdapter) Connect(ctx context.Context) error {
	if _, err := os.Stat(a.cfg.Session.ReplayTicksPath); err != nil {
		return contract.Errorf("tick_replay_error", "replay file not found: %s", a.cfg.Session.ReplayTicksPath)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.ticks = make(chan marketdata.Tick, 256)
	return nil
}

func (a *ReplayAdapter) SubscribeOffers(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.stream(runCtx, a.ticks)
	return nil
}

func (a *ReplayAdapter) Resubscribe(ctx context.Context) bool { return true }

func (a *ReplayAdapter) Ticks() <-chan marketdata.Tick {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ticks
}

func (a *ReplayAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}

func (a *ReplayAdapter) stream(ctx context.Context, out chan<- marketdata.Tick) {
	defer close(out)
	file, err := os.Open(a.cfg.Session.ReplayTicksPath)
	if err != nil {
		a.fail("replay open failed: " + err.Error())
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec replayRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			a.fail("replay JSONL invalid: " + err.Error())
			return
		}
		if rec.Symbol == "" || !marketdata.EpochMSValid(rec.TickTS) || !marketdata.EpochMSValid(rec.SnapTS) {
			a.fail("replay record failed the tick contract")
			return
		}
		tick := marketdata.Tick{
			Symbol:   rec.Symbol,
			Bid:      rec.Bid,
			Ask:      rec.Ask,
			Mid:      rec.Mid,
			TickTSMS: rec.TickTS,
			SnapTSMS: rec.SnapTS,
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		a.fail("replay read failed: " + err.Error())
	}
}

func (a *ReplayAdapter) fail(message string) {
	if a.status != nil {
		a.status.AppendError("tick_replay_error", "error", message, nil)
	}
}

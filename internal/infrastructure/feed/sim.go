package feed

import (
	"context"
	"math"
	"sync"
	"time"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
)

// simBase computes the deterministic sim mid price at t. A slow sine
// keeps the series continuous across restarts.
func simBase(tsMS int64) float64 {
	return 2000.0 + math.Sin(float64(tsMS)/3_600_000)*0.5
}

// SimAdapter is a deterministic dev feed that emits one tick per
// configured interval while the market is open.
type SimAdapter struct {
	cfg *config.Config
	cal *calendar.Calendar

	mu     sync.Mutex
	ticks  chan marketdata.Tick
	cancel context.CancelFunc
}

func NewSimAdapter(cfg *config.Config, cal *calendar.Calendar) *SimAdapter {
	return &SimAdapter{cfg: cfg, cal: cal}
}

func (a *SimAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.ticks = make(chan marketdata.Tick, 256)
	return nil
}

func (a *SimAdapter) SubscribeOffers(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.emit(runCtx, a.ticks)
	return nil
}

func (a *SimAdapter) Resubscribe(ctx context.Context) bool { return true }

func (a *SimAdapter) Ticks() <-chan marketdata.Tick {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ticks
}

func (a *SimAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}

func (a *SimAdapter) emit(ctx context.Context, out chan<- marketdata.Tick) {
	defer close(out)
	interval := time.Duration(a.cfg.Session.SimIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	spread := a.cfg.Session.SimAsk - a.cfg.Session.SimBid
	if spread < 0 {
		spread = 0
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nowMS := time.Now().UnixMilli()
			if !a.cal.IsOpen(nowMS) {
				continue
			}
			mid := simBase(nowMS)
			bid := mid - spread/2
			ask := mid + spread/2
			for _, symbol := range a.cfg.Symbols {
				tick := marketdata.Tick{
					Symbol:   symbol,
					Bid:      bid,
					Ask:      ask,
					Mid:      marketdata.MidOf(bid, ask),
					TickTSMS: nowMS,
					SnapTSMS: nowMS,
				}
				select {
				case out <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

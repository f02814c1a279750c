package preview

import (
	"sort"
	"sync"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/observability/metrics"
)

type barKey struct {
	symbol string
	tf     string
}

// Cache keeps the most recent preview bars per symbol/tf for the HTTP
// API and the periodic publish loop.
type Cache struct {
	mu     sync.RWMutex
	maxLen int
	store  map[barKey][]marketdata.Bar
}

func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = 2000
	}
	return &Cache{maxLen: maxLen, store: make(map[barKey][]marketdata.Bar)}
}

// UpdateBar replaces the bar with the same open time or appends it.
func (c *Cache) UpdateBar(symbol, tf string, bar marketdata.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := barKey{symbol: symbol, tf: tf}
	bars := c.store[key]
	for i := range bars {
		if bars[i].OpenTimeMS == bar.OpenTimeMS {
			bars[i] = bar
			return
		}
	}
	bars = append(bars, bar)
	if len(bars) > c.maxLen {
		bars = bars[len(bars)-c.maxLen:]
	}
	c.store[key] = bars
}

// Tail returns up to limit most recent bars sorted by open time.
func (c *Cache) Tail(symbol, tf string, limit int) []marketdata.Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit <= 0 {
		return nil
	}
	bars := c.store[barKey{symbol: symbol, tf: tf}]
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]marketdata.Bar, len(bars))
	copy(out, bars)
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTimeMS < out[j].OpenTimeMS })
	return out
}

// StreamState tracks the monotonic-bucket rails per symbol/tf.
type StreamState struct {
	CurrentBucketOpenMS int64
	hasBucket           bool

	LateTicksDropped   int64
	MisalignedOpenTime int64
	PastMutations      int64
	LastTickTSMS       int64
	LastBucketOpenMS   int64
	LastLateTick       map[string]int64
}

// rail is the slice of the status manager the builder reports into.
type rail interface {
	RecordLateTickDropped()
	RecordMisalignedOpenTime()
	RecordPastMutation()
}

// Builder turns ticks into incomplete multi-TF preview bars. Buckets
// only move forward: a tick belonging to an earlier bucket is dropped
// and counted, never applied.
type Builder struct {
	cfg    *config.Config
	cal    *calendar.Calendar
	cache  *Cache
	status rail
	m      *metrics.Metrics

	mu            sync.Mutex
	lastPublishMS int64
	current       map[barKey]*marketdata.Bar
	streams       map[barKey]*StreamState
	closed1m      map[string][]marketdata.Bar
}

func NewBuilder(cfg *config.Config, cal *calendar.Calendar, cache *Cache, st rail, m *metrics.Metrics) *Builder {
	return &Builder{
		cfg:      cfg,
		cal:      cal,
		cache:    cache,
		status:   st,
		m:        m,
		current:  make(map[barKey]*marketdata.Bar),
		streams:  make(map[barKey]*StreamState),
		closed1m: make(map[string][]marketdata.Bar),
	}
}

func (b *Builder) streamState(key barKey) *StreamState {
	state, ok := b.streams[key]
	if !ok {
		state = &StreamState{}
		b.streams[key] = state
	}
	return state
}

// OnTick folds one tick into every configured preview timeframe.
func (b *Builder) OnTick(symbol string, mid float64, tickTSMS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tf := range b.cfg.Preview.TFs {
		size, ok := marketdata.TFToMS[tf]
		if !ok {
			continue
		}
		var bucketStart int64
		if tf == marketdata.TF1d {
			open, err := b.cal.BucketOpenMS(tf, tickTSMS)
			if err != nil {
				continue
			}
			bucketStart = open
		} else {
			bucketStart = tickTSMS / size * size
		}
		key := barKey{symbol: symbol, tf: tf}
		state := b.streamState(key)
		state.LastTickTSMS = tickTSMS
		state.LastBucketOpenMS = bucketStart
		if tf != marketdata.TF1d && bucketStart%size != 0 {
			state.MisalignedOpenTime++
			if b.status != nil {
				b.status.RecordMisalignedOpenTime()
			}
			if b.m != nil {
				b.m.MisalignedOpenTotal.Inc()
			}
			continue
		}
		if !state.hasBucket {
			state.CurrentBucketOpenMS = bucketStart
			state.hasBucket = true
		}
		if bucketStart < state.CurrentBucketOpenMS {
			state.LateTicksDropped++
			state.PastMutations++
			state.LastLateTick = map[string]int64{
				"tick_ts_ms":             tickTSMS,
				"bucket_open_ms":         bucketStart,
				"current_bucket_open_ms": state.CurrentBucketOpenMS,
			}
			if b.status != nil {
				b.status.RecordLateTickDropped()
				b.status.RecordPastMutation()
			}
			if b.m != nil {
				b.m.LateTicksDroppedTotal.Inc()
				b.m.PastMutationsTotal.Inc()
			}
			continue
		}
		bucketClose, err := b.cal.BucketCloseMS(tf, bucketStart)
		if err != nil {
			continue
		}
		current := b.current[key]
		if current == nil || current.OpenTimeMS != bucketStart {
			if current != nil {
				b.cache.UpdateBar(symbol, tf, *current)
				if tf == marketdata.TF1m {
					b.noteClosed1m(symbol, *current)
				}
			}
			if bucketStart > state.CurrentBucketOpenMS {
				state.CurrentBucketOpenMS = bucketStart
			}
			current = &marketdata.Bar{
				Symbol:      symbol,
				TF:          tf,
				OpenTimeMS:  bucketStart,
				CloseTimeMS: bucketClose,
				Open:        mid,
				High:        mid,
				Low:         mid,
				Close:       mid,
				Volume:      1.0,
				TickCount:   1,
				Source:      marketdata.SourceStream,
				EventTSMS:   tickTSMS,
			}
			b.current[key] = current
		} else {
			if mid > current.High {
				current.High = mid
			}
			if mid < current.Low {
				current.Low = mid
			}
			current.Close = mid
			current.Volume += 1.0
			current.TickCount++
			current.EventTSMS = tickTSMS
		}
		b.cache.UpdateBar(symbol, tf, *current)
	}
}

// noteClosed1m stashes a 1m bucket that just rolled over so the stream
// finalizer can pick it up as a candidate.
func (b *Builder) noteClosed1m(symbol string, bar marketdata.Bar) {
	list := append(b.closed1m[symbol], bar)
	if len(list) > 16 {
		list = list[len(list)-16:]
	}
	b.closed1m[symbol] = list
}

// DrainClosed1m hands the rolled-over 1m buckets to the caller and
// clears them.
func (b *Builder) DrainClosed1m(symbol string) []marketdata.Bar {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.closed1m[symbol]
	delete(b.closed1m, symbol)
	return out
}

// StreamStateFor returns a copy of the rail state for symbol/tf.
func (b *Builder) StreamStateFor(symbol, tf string) (StreamState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.streams[barKey{symbol: symbol, tf: tf}]
	if !ok {
		return StreamState{}, false
	}
	return *state, true
}

// Batches returns the cached preview tails per configured tf.
func (b *Builder) Batches(symbol string, limit int) map[string][]marketdata.Bar {
	out := make(map[string][]marketdata.Bar)
	for _, tf := range b.cfg.Preview.TFs {
		bars := b.cache.Tail(symbol, tf, limit)
		if len(bars) > 0 {
			out[tf] = bars
		}
	}
	return out
}

// ShouldPublish reports whether the publish interval elapsed.
func (b *Builder) ShouldPublish(nowMS int64) bool {
	if !b.cfg.Preview.Enabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return nowMS-b.lastPublishMS >= int64(b.cfg.Preview.PublishIntervalMS)
}

// MarkPublished stamps the last publish time.
func (b *Builder) MarkPublished(nowMS int64) {
	b.mu.Lock()
	b.lastPublishMS = nowMS
	b.mu.Unlock()
}


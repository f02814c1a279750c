package publish

import (
	"fmt"
	"sync"

	"fxbridge/internal/domain/entity/marketdata"
)

type finalKey struct {
	symbol string
	tf     string
	openMS int64
}

// NoMixDetector remembers which source produced each final bar and
// rejects a second source for the same (symbol, tf, open_time).
type NoMixDetector struct {
	mu   sync.Mutex
	seen map[finalKey]string
}

func NewNoMixDetector() *NoMixDetector {
	return &NoMixDetector{seen: make(map[finalKey]string)}
}

// Check records the batch sources and returns an error describing the
// first conflict, if any. Incomplete bars are ignored.
func (d *NoMixDetector) Check(symbol, tf, source string, bars []marketdata.Bar) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, bar := range bars {
		if !bar.Complete {
			continue
		}
		src := bar.Source
		if src == "" {
			src = source
		}
		key := finalKey{symbol: symbol, tf: tf, openMS: bar.OpenTimeMS}
		prev, ok := d.seen[key]
		if !ok {
			d.seen[key] = src
			continue
		}
		if prev != src {
			return fmt.Errorf("final source conflict for %s/%s open_time=%d: %s vs %s",
				symbol, tf, bar.OpenTimeMS, prev, src)
		}
	}
	return nil
}

package history

import (
	"sync"
	"time"
)

// Budget combines a token bucket with global and per-symbol
// single-inflight. Acquire blocks until a slot and a token are
// available; the return value reports whether the caller had to wait.
type Budget struct {
	mu sync.Mutex

	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time

	globalInflight bool
	inflight       map[string]bool
}

// NewBudget builds a budget from the per-minute request cap.
func NewBudget(maxRequestsPerMin int) *Budget {
	capacity := float64(maxRequestsPerMin)
	if capacity < 1 {
		capacity = 1
	}
	return &Budget{
		capacity:     capacity,
		refillPerSec: float64(maxRequestsPerMin) / 60.0,
		tokens:       capacity,
		lastRefill:   time.Now(),
		inflight:     make(map[string]bool),
	}
}

// Acquire takes one request slot for symbol, blocking as needed.
func (b *Budget) Acquire(symbol string) (waited bool) {
	for {
		b.mu.Lock()
		if b.globalInflight || b.inflight[symbol] {
			b.mu.Unlock()
			waited = true
			time.Sleep(50 * time.Millisecond)
			continue
		}
		b.refillLocked()
		if b.tokens >= 1.0 {
			b.tokens -= 1.0
			b.globalInflight = true
			b.inflight[symbol] = true
			b.mu.Unlock()
			return waited
		}
		sleep := 100 * time.Millisecond
		if b.refillPerSec > 0 {
			need := (1.0 - b.tokens) / b.refillPerSec
			sleep = time.Duration(need * float64(time.Second))
			if sleep < 10*time.Millisecond {
				sleep = 10 * time.Millisecond
			}
		}
		b.mu.Unlock()
		waited = true
		time.Sleep(sleep)
	}
}

// Release frees the slot taken by Acquire.
func (b *Budget) Release(symbol string) {
	b.mu.Lock()
	delete(b.inflight, symbol)
	b.globalInflight = false
	b.mu.Unlock()
}

func (b *Budget) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

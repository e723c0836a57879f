package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// dedup stops the same installment of a position from being dispatched twice
// while a previous attempt may still be in flight. Safe for concurrent use.
type dedup struct {
	seen map[string]time.Time
	ttl  time.Duration
	mu   sync.Mutex
}

func newDedup(ttl time.Duration) *dedup {
	return &dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// isDuplicate reports whether the (position, installment) pair was dispatched
// within the TTL window, recording it otherwise.
func (d *dedup) isDuplicate(positionID int64, installment int) bool {
	key := fmt.Sprintf("%d:%d", positionID, installment)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// cleanup drops expired entries to bound memory.
func (d *dedup) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}

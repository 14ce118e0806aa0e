package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// dedup drops repeated triggers inside a short window. Chat relays and
// retrying senders deliver the same payload more than once; reacting
// twice looks unhinged.
type dedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newDedup(ttl time.Duration) *dedup {
	return &dedup{ttl: ttl, seen: make(map[string]time.Time)}
}

// fresh records the payload fingerprint and reports whether it was new
// inside the window.
func (d *dedup) fresh(payload []byte, now time.Time) bool {
	sum := sha256.Sum256(payload)
	key := hex.EncodeToString(sum[:16])

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, t := range d.seen {
		if now.Sub(t) > d.ttl {
			delete(d.seen, k)
		}
	}
	if t, ok := d.seen[key]; ok && now.Sub(t) <= d.ttl {
		return false
	}
	d.seen[key] = now
	return true
}

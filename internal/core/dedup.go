package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// EventDedup remembers threat fingerprints for a short window so a condition
// that persists across ticks (a rooted device, an attached debugger) is
// forwarded to telemetry once per window instead of once per tick. Only events
// carrying a ThreatEvent are deduplicated. Each bridge owns one cache, and the
// engine builds a new bridge on every Start.
type EventDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewEventDedup creates a dedup cache. ttl controls how long a fingerprint is
// remembered; maxSize caps memory by evicting expired then arbitrary entries.
func NewEventDedup(ttl time.Duration, maxSize int) *EventDedup {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &EventDedup{
		seen:    make(map[string]time.Time, 64),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// IsDuplicate reports whether an equivalent threat was seen within the window.
// A non-duplicate is recorded. Events without a threat are never duplicates.
func (d *EventDedup) IsDuplicate(event *Event) bool {
	if event == nil || event.Threat == nil {
		return false
	}
	hash := d.hash(event)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seenAt, ok := d.seen[hash]; ok && now.Sub(seenAt) < d.ttl {
		return true
	}

	d.seen[hash] = now
	if len(d.seen) > d.maxSize {
		d.evictLocked(now)
	}
	return false
}

// hash fingerprints kind, category, check and the first 256 bytes of evidence.
// IDs, timestamps and cumulative counts differ on every tick and are excluded.
func (d *EventDedup) hash(event *Event) string {
	h := sha256.New()
	h.Write([]byte(event.Kind))
	h.Write([]byte{0})
	h.Write([]byte(event.Threat.Type))
	h.Write([]byte{0})
	h.Write([]byte(event.Threat.CheckID))
	h.Write([]byte{0})

	evidence := event.Threat.Evidence
	if len(evidence) > 256 {
		evidence = evidence[:256]
	}
	h.Write([]byte(evidence))

	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (d *EventDedup) evictLocked(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if len(d.seen) > d.maxSize {
		count := 0
		target := len(d.seen) / 2
		for k := range d.seen {
			delete(d.seen, k)
			count++
			if count >= target {
				break
			}
		}
	}
}

// Size returns the current number of entries in the cache.
func (d *EventDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

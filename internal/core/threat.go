package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ThreatEvent is one positive detection, stamped with the monitor's running
// count at the time it was recorded.
type ThreatEvent struct {
	ID              string    `json:"id"`
	Type            Category  `json:"type"`
	CheckID         string    `json:"check_id"`
	DetectedAt      time.Time `json:"detected_at"`
	CumulativeCount int       `json:"cumulative_count"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Evidence        string    `json:"evidence,omitempty"`
}

// NewThreatEvent builds a ThreatEvent whose risk level is derived from count.
func NewThreatEvent(category Category, checkID, evidence string, count int, at time.Time) *ThreatEvent {
	return &ThreatEvent{
		ID:              uuid.New().String(),
		Type:            category,
		CheckID:         checkID,
		DetectedAt:      at.UTC(),
		CumulativeCount: count,
		RiskLevel:       ScoreRisk(count),
		Evidence:        evidence,
	}
}

// EventKind returns the bus topic a threat of this type is published under.
func (t *ThreatEvent) EventKind() EventKind {
	if t.Type == CategoryIntegrity {
		return KindIntegrityViolation
	}
	return KindThreatDetected
}

// ThreatLog is an append-only ring of the most recent threat events.
type ThreatLog struct {
	mu      sync.RWMutex
	entries []*ThreatEvent
	maxSize int
	pos     int
	full    bool
	total   int
}

// NewThreatLog creates a log that retains up to maxSize events.
func NewThreatLog(maxSize int) *ThreatLog {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &ThreatLog{
		entries: make([]*ThreatEvent, maxSize),
		maxSize: maxSize,
	}
}

// Append records an event. Older events are overwritten once the ring is full.
func (l *ThreatLog) Append(event *ThreatEvent) {
	l.mu.Lock()
	l.entries[l.pos] = event
	l.pos = (l.pos + 1) % l.maxSize
	if l.pos == 0 {
		l.full = true
	}
	l.total++
	l.mu.Unlock()
}

// Recent returns the most recent n events in chronological order.
func (l *ThreatLog) Recent(n int) []*ThreatEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var held int
	if l.full {
		held = l.maxSize
	} else {
		held = l.pos
	}
	if n > held {
		n = held
	}
	if n <= 0 {
		return []*ThreatEvent{}
	}

	result := make([]*ThreatEvent, n)
	start := l.pos - n
	if start < 0 {
		start += l.maxSize
	}
	for i := 0; i < n; i++ {
		result[i] = l.entries[(start+i)%l.maxSize]
	}
	return result
}

// Total returns how many events were ever appended since the last Reset.
func (l *ThreatLog) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Reset clears the log. Only the monitor calls this, on restart.
func (l *ThreatLog) Reset() {
	l.mu.Lock()
	l.entries = make([]*ThreatEvent, l.maxSize)
	l.pos = 0
	l.full = false
	l.total = 0
	l.mu.Unlock()
}

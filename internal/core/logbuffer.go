package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single log line captured from the engine logger.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// LogRingBuffer is a fixed-size ring buffer that captures log output for
// diagnostics reports.
type LogRingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	pos     int
	full    bool
}

// NewLogRingBuffer creates a ring buffer that holds up to maxSize entries.
func NewLogRingBuffer(maxSize int) *LogRingBuffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &LogRingBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Write implements io.Writer so the buffer can be used as a zerolog output.
// JSON lines are decoded for level, component and message.
func (b *LogRingBuffer) Write(p []byte) (n int, err error) {
	line := strings.TrimRight(string(p), "\n")
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Raw:       line,
		Message:   line,
	}

	var fields struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &fields) == nil {
		entry.Level = fields.Level
		entry.Component = fields.Component
		entry.Message = fields.Message
	}

	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % b.maxSize
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()

	return len(p), nil
}

// GetEntries returns the most recent n log entries in chronological order.
func (b *LogRingBuffer) GetEntries(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total int
	if b.full {
		total = b.maxSize
	} else {
		total = b.pos
	}

	if n > total {
		n = total
	}
	if n <= 0 {
		return []LogEntry{}
	}

	result := make([]LogEntry, n)
	start := b.pos - n
	if start < 0 {
		start += b.maxSize
	}
	for i := 0; i < n; i++ {
		result[i] = b.entries[(start+i)%b.maxSize]
	}
	return result
}

package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a security event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// ParseSeverity converts a severity name to a Severity. Unknown names map to INFO.
func ParseSeverity(s string) Severity {
	switch s {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Category classifies a detection check and the threats it produces.
type Category string

const (
	CategoryDebug     Category = "debug"
	CategoryTamper    Category = "tamper"
	CategoryInjection Category = "injection"
	CategoryEmulation Category = "emulation"
	CategoryHooking   Category = "hooking"
	CategoryMemory    Category = "memory"
	CategoryIntegrity Category = "integrity"
	CategoryPrivilege Category = "privilege"
)

// AllCategories returns every known category in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryDebug, CategoryTamper, CategoryInjection, CategoryEmulation,
		CategoryHooking, CategoryMemory, CategoryIntegrity, CategoryPrivilege,
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// EventKind is the topic an Event is published under.
type EventKind string

const (
	KindThreatDetected     EventKind = "threat_detected"
	KindIntegrityViolation EventKind = "integrity_violation"
	KindPinningFailure     EventKind = "pinning_failure"
	KindActionTaken        EventKind = "action_taken"
)

// Event is the envelope published on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Category  Category               `json:"category,omitempty"`
	Severity  Severity               `json:"severity"`
	Summary   string                 `json:"summary"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Threat    *ThreatEvent           `json:"threat,omitempty"`
	Action    *ActionRecord          `json:"action,omitempty"`
}

// NewEvent creates an Event with a generated ID and current timestamp.
func NewEvent(kind EventKind, source string, severity Severity, summary string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Severity:  severity,
		Summary:   summary,
		Details:   make(map[string]interface{}),
	}
}

// Marshal serializes the event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an Event from JSON.
func UnmarshalEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

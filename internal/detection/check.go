// Package detection holds the named runtime checks and the registry that
// runs them with timeouts and panic isolation.
package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1sec-project/shield/internal/core"
)

// ErrCheckExecution marks a check that could not produce a verdict.
var ErrCheckExecution = errors.New("check execution failed")

// Status is the outcome of one check run.
type Status string

const (
	StatusPass         Status = "pass"
	StatusDetected     Status = "detected"
	StatusInconclusive Status = "inconclusive"
)

// CheckDefinition describes a check. It never changes after construction.
type CheckDefinition struct {
	ID          string        `json:"id"`
	Category    core.Category `json:"category"`
	Weight      int           `json:"weight"`
	Description string        `json:"description"`
}

// Finding is what a check reports when it runs to completion.
type Finding struct {
	Detected bool
	Evidence string
}

// Clean is a Finding with nothing detected.
func Clean() Finding { return Finding{} }

// Detected builds a positive Finding.
func Detected(format string, args ...interface{}) Finding {
	return Finding{Detected: true, Evidence: fmt.Sprintf(format, args...)}
}

// Check is one runtime detection. Run must be side-effect free apart from
// the probe queries it makes, and must honour ctx.
type Check interface {
	Definition() CheckDefinition
	Run(ctx context.Context) (Finding, error)
}

// DetectionResult is the outcome of one check on one tick.
type DetectionResult struct {
	CheckID   string        `json:"check_id"`
	Category  core.Category `json:"category"`
	Weight    int           `json:"weight"`
	Status    Status        `json:"status"`
	Passed    bool          `json:"passed"`
	Evidence  string        `json:"evidence,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// IsDetection reports whether the result should be counted as a threat.
func (r DetectionResult) IsDetection() bool { return r.Status == StatusDetected }

// funcCheck adapts a function to Check.
type funcCheck struct {
	def CheckDefinition
	fn  func(ctx context.Context) (Finding, error)
}

// NewCheck builds a Check from a definition and a run function.
func NewCheck(def CheckDefinition, fn func(ctx context.Context) (Finding, error)) Check {
	return &funcCheck{def: def, fn: fn}
}

func (c *funcCheck) Definition() CheckDefinition { return c.def }

func (c *funcCheck) Run(ctx context.Context) (Finding, error) { return c.fn(ctx) }

package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds each check when none is configured.
const DefaultTimeout = 100 * time.Millisecond

// Registry runs checks sequentially in registration order.
type Registry struct {
	mu      sync.RWMutex
	checks  map[string]Check
	order   []string
	logger  zerolog.Logger
	timeout time.Duration

	// Metrics
	metrics *RegistryMetrics
}

// RegistryMetrics tracks check outcomes.
type RegistryMetrics struct {
	mu           sync.Mutex       `json:"-"`
	Runs         int64            `json:"runs"`
	Detections   map[string]int64 `json:"detections"`
	Inconclusive map[string]int64 `json:"inconclusive"`
	Panics       int64            `json:"panics"`
	Timeouts     int64            `json:"timeouts"`
}

// NewRegistry creates an empty registry. A non-positive timeout uses DefaultTimeout.
func NewRegistry(logger zerolog.Logger, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		checks:  make(map[string]Check),
		order:   make([]string, 0),
		logger:  logger.With().Str("component", "detection_registry").Logger(),
		timeout: timeout,
		metrics: &RegistryMetrics{
			Detections:   make(map[string]int64),
			Inconclusive: make(map[string]int64),
		},
	}
}

// Register adds a check. IDs must be unique.
func (r *Registry) Register(check Check) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def := check.Definition()
	if def.ID == "" {
		return fmt.Errorf("check with empty id")
	}
	if !def.Category.Valid() {
		return fmt.Errorf("check %q has unknown category %q", def.ID, def.Category)
	}
	if _, exists := r.checks[def.ID]; exists {
		return fmt.Errorf("check %q already registered", def.ID)
	}

	r.checks[def.ID] = check
	r.order = append(r.order, def.ID)
	r.logger.Debug().Str("check", def.ID).Str("category", string(def.Category)).Msg("check registered")
	return nil
}

// RunAll runs every check once and returns one result per check, in
// registration order. It never fails: errors become inconclusive results.
func (r *Registry) RunAll(ctx context.Context) []DetectionResult {
	checks := r.All()
	results := make([]DetectionResult, 0, len(checks))
	for _, c := range checks {
		results = append(results, r.runCheck(ctx, c))
	}

	r.metrics.mu.Lock()
	r.metrics.Runs++
	r.metrics.mu.Unlock()
	return results
}

// Run runs a single check by ID.
func (r *Registry) Run(ctx context.Context, id string) (DetectionResult, error) {
	c, ok := r.Get(id)
	if !ok {
		return DetectionResult{}, fmt.Errorf("unknown check %q", id)
	}
	return r.runCheck(ctx, c), nil
}

type outcome struct {
	finding Finding
	err     error
}

// runCheck runs c on its own goroutine under the registry timeout. A check
// that overruns is abandoned; its eventual result is discarded.
func (r *Registry) runCheck(parent context.Context, c Check) DetectionResult {
	def := c.Definition()
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("check", def.ID).
					Interface("panic", rec).
					Msg("CHECK PANIC recovered")
				r.metrics.mu.Lock()
				r.metrics.Panics++
				r.metrics.mu.Unlock()
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		f, err := c.Run(ctx)
		done <- outcome{finding: f, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
		r.metrics.mu.Lock()
		r.metrics.Timeouts++
		r.metrics.mu.Unlock()
	}

	res := DetectionResult{
		CheckID:   def.ID,
		Category:  def.Category,
		Weight:    def.Weight,
		Timestamp: start.UTC(),
		Duration:  time.Since(start),
	}
	switch {
	case out.err != nil:
		res.Status = StatusInconclusive
		res.Error = fmt.Errorf("%w: %v", ErrCheckExecution, out.err).Error()
		r.logger.Warn().Err(out.err).Str("check", def.ID).Dur("duration", res.Duration).Msg("check inconclusive")
		r.metrics.mu.Lock()
		r.metrics.Inconclusive[def.ID]++
		r.metrics.mu.Unlock()
	case out.finding.Detected:
		res.Status = StatusDetected
		res.Evidence = out.finding.Evidence
		r.metrics.mu.Lock()
		r.metrics.Detections[def.ID]++
		r.metrics.mu.Unlock()
	default:
		res.Status = StatusPass
		res.Passed = true
	}
	return res
}

// Get returns a check by ID.
func (r *Registry) Get(id string) (Check, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checks[id]
	return c, ok
}

// All returns all checks in registration order.
func (r *Registry) All() []Check {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Check, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.checks[id])
	}
	return result
}

// Definitions returns every check definition in registration order.
func (r *Registry) Definitions() []CheckDefinition {
	checks := r.All()
	defs := make([]CheckDefinition, 0, len(checks))
	for _, c := range checks {
		defs = append(defs, c.Definition())
	}
	return defs
}

// Count returns the number of registered checks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.checks)
}

// Timeout returns the per-check time limit.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// GetMetrics returns a snapshot of registry metrics.
func (r *Registry) GetMetrics() map[string]interface{} {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	det := make(map[string]int64, len(r.metrics.Detections))
	for k, v := range r.metrics.Detections {
		det[k] = v
	}
	inc := make(map[string]int64, len(r.metrics.Inconclusive))
	for k, v := range r.metrics.Inconclusive {
		inc[k] = v
	}
	return map[string]interface{}{
		"runs":         r.metrics.Runs,
		"detections":   det,
		"inconclusive": inc,
		"panics":       r.metrics.Panics,
		"timeouts":     r.metrics.Timeouts,
	}
}

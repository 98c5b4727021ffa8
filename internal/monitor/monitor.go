// Package monitor runs the detection registry on a fixed interval and routes
// every detection through risk scoring, the event bus and the response
// dispatcher.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1sec-project/shield/internal/core"
	"github.com/1sec-project/shield/internal/detection"
	"github.com/rs/zerolog"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = time.Second

// Runner evaluates every check once.
type Runner interface {
	RunAll(ctx context.Context) []detection.DetectionResult
}

// Dispatcher reacts to one threat.
type Dispatcher interface {
	Dispatch(ctx context.Context, threat *core.ThreatEvent) core.DispatchResult
}

// MonitoringState is the monitor's lifecycle and counter snapshot.
type MonitoringState struct {
	Active       bool          `json:"active"`
	TickInterval time.Duration `json:"tick_interval"`
	ThreatCount  int           `json:"threat_count"`
	LastThreatAt time.Time     `json:"last_threat_at,omitempty"`
	Ticks        int64         `json:"ticks"`
	Halted       bool          `json:"halted"`
}

// Report is the diagnostics snapshot. It carries check evidence and must not
// be shown to end users; Warning is the user-facing text.
type Report struct {
	Active        bool                        `json:"active"`
	ThreatCount   int                         `json:"threat_count"`
	LastThreatAt  time.Time                   `json:"last_threat_at,omitempty"`
	RiskLevel     core.RiskLevel              `json:"risk_level"`
	Warning       string                      `json:"warning,omitempty"`
	Mode          string                      `json:"mode,omitempty"`
	Ticks         int64                       `json:"ticks"`
	Results       []detection.DetectionResult `json:"results"`
	RecentThreats []*core.ThreatEvent         `json:"recent_threats"`
}

// Options configures a Monitor.
type Options struct {
	Interval    time.Duration
	HistorySize int
	// Mode reports the application protection mode for Report.
	Mode func() core.ProtectionMode
}

// Monitor owns MonitoringState. All state is guarded by mu; ticks are
// serialised by tickMu.
type Monitor struct {
	logger     zerolog.Logger
	runner     Runner
	dispatcher Dispatcher
	bus        *core.EventBus
	interval   time.Duration
	mode       func() core.ProtectionMode

	tickMu sync.Mutex

	mu           sync.RWMutex
	active       bool
	halted       bool
	threatCount  int
	lastThreatAt time.Time
	ticks        int64
	results      []detection.DetectionResult
	threats      *core.ThreatLog
	stopCh       chan struct{}
	done         chan struct{}
}

// New creates an idle monitor. bus may be nil.
func New(runner Runner, dispatcher Dispatcher, bus *core.EventBus, logger zerolog.Logger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Monitor{
		logger:     logger.With().Str("component", "monitor").Logger(),
		runner:     runner,
		dispatcher: dispatcher,
		bus:        bus,
		interval:   opts.Interval,
		mode:       opts.Mode,
		threats:    core.NewThreatLog(opts.HistorySize),
	}
}

// Start moves Idle→Running, resets counters and schedules ticks. The first
// tick fires one interval after Start. Calling Start while running is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}

	m.active = true
	m.halted = false
	m.threatCount = 0
	m.lastThreatAt = time.Time{}
	m.ticks = 0
	m.results = nil
	m.threats.Reset()
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})

	go m.loop(m.interval, m.stopCh, m.done)
	m.logger.Info().Dur("interval", m.interval).Msg("monitor started")
}

// Stop moves Running→Idle and waits for the scheduling goroutine to exit.
// An in-flight tick completes first. Calling Stop while idle is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info().Msg("monitor stopped")
}

// halt stops scheduling from inside a tick. It must not wait for the loop,
// which may be the caller.
func (m *Monitor) halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = true
	if m.active {
		m.active = false
		close(m.stopCh)
	}
}

// Done is closed when the current scheduling goroutine exits. It returns nil
// if the monitor was never started.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

func (m *Monitor) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Ticks are not cancelled by Stop; this context only ends with the loop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			m.Tick(ctx)
		}
	}
}

// Tick runs one evaluation if the monitor is running and returns the threats
// it recorded. If a response terminates, remaining detections from this tick
// are dropped and the monitor halts.
func (m *Monitor) Tick(ctx context.Context) []*core.ThreatEvent {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()
	if !active {
		return nil
	}

	results := m.runner.RunAll(ctx)

	m.mu.Lock()
	m.ticks++
	m.results = results
	m.mu.Unlock()

	var recorded []*core.ThreatEvent
	for _, r := range debugFirst(results) {
		threat := m.recordThreat(r)
		recorded = append(recorded, threat)
		m.publish(threat, r)

		if m.dispatcher == nil {
			continue
		}
		if res := m.dispatcher.Dispatch(ctx, threat); res.Terminated {
			m.logger.Error().
				Str("check", r.CheckID).
				Str("risk", threat.RiskLevel.String()).
				Msg("process termination requested, monitor halted")
			m.halt()
			break
		}
	}
	return recorded
}

// debugFirst returns the detections in results with debug-category ones
// ahead of the rest. A debugger overrides every other check in the tick.
func debugFirst(results []detection.DetectionResult) []detection.DetectionResult {
	out := make([]detection.DetectionResult, 0, len(results))
	for _, r := range results {
		if r.IsDetection() && r.Category == core.CategoryDebug {
			out = append(out, r)
		}
	}
	for _, r := range results {
		if r.IsDetection() && r.Category != core.CategoryDebug {
			out = append(out, r)
		}
	}
	return out
}

func (m *Monitor) recordThreat(r detection.DetectionResult) *core.ThreatEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threatCount++
	now := time.Now()
	m.lastThreatAt = now
	threat := core.NewThreatEvent(r.Category, r.CheckID, r.Evidence, m.threatCount, now)
	m.threats.Append(threat)

	m.logger.Warn().
		Str("check", r.CheckID).
		Str("category", string(r.Category)).
		Int("threat_count", m.threatCount).
		Str("risk", threat.RiskLevel.String()).
		Msg("threat detected")
	return threat
}

func (m *Monitor) publish(threat *core.ThreatEvent, r detection.DetectionResult) {
	if m.bus == nil {
		return
	}
	event := core.NewEvent(threat.EventKind(), "monitor", threat.RiskLevel.Severity(),
		fmt.Sprintf("%s threat detected", threat.Type))
	event.Category = threat.Type
	event.Threat = threat
	event.Details["check_id"] = r.CheckID
	event.Details["weight"] = r.Weight
	m.bus.Publish(event)
}

// Status returns the current MonitoringState.
func (m *Monitor) Status() MonitoringState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitoringState{
		Active:       m.active,
		TickInterval: m.interval,
		ThreatCount:  m.threatCount,
		LastThreatAt: m.lastThreatAt,
		Ticks:        m.ticks,
		Halted:       m.halted,
	}
}

// RiskLevel returns the risk level for the current threat count.
func (m *Monitor) RiskLevel() core.RiskLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return core.ScoreRisk(m.threatCount)
}

// Threats returns the last n threats in chronological order.
func (m *Monitor) Threats(n int) []*core.ThreatEvent {
	return m.threats.Recent(n)
}

// Report returns a diagnostics snapshot including the last tick's results
// and up to ten recent threats.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	risk := core.ScoreRisk(m.threatCount)
	rep := Report{
		Active:       m.active,
		ThreatCount:  m.threatCount,
		LastThreatAt: m.lastThreatAt,
		RiskLevel:    risk,
		Warning:      core.UserWarning(risk),
		Ticks:        m.ticks,
		Results:      append([]detection.DetectionResult(nil), m.results...),
	}
	m.mu.RUnlock()

	rep.RecentThreats = m.threats.Recent(10)
	if m.mode != nil {
		rep.Mode = m.mode().String()
	}
	return rep
}

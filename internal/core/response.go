package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Response action types
// ---------------------------------------------------------------------------

// ActionType enumerates the kinds of defensive actions.
type ActionType string

const (
	ActionLog              ActionType = "log_only"
	ActionDisableFeatures  ActionType = "disable_features"
	ActionPurgeSecrets     ActionType = "purge_secrets"
	ActionRestrictReadOnly ActionType = "restrict_readonly"
	ActionReloadState      ActionType = "reload_state"
	ActionTerminate        ActionType = "terminate"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionLog, ActionDisableFeatures, ActionPurgeSecrets,
		ActionRestrictReadOnly, ActionReloadState, ActionTerminate:
		return true
	}
	return false
}

// ActionStatus tracks the outcome of a response action.
type ActionStatus string

const (
	ActionStatusExecuting ActionStatus = "EXECUTING"
	ActionStatusSuccess   ActionStatus = "SUCCESS"
	ActionStatusFailed    ActionStatus = "FAILED"
	ActionStatusDryRun    ActionStatus = "DRY_RUN"
	ActionStatusCooldown  ActionStatus = "COOLDOWN"
)

// TerminateExitCode is the exit code used by the terminate action.
const TerminateExitCode = 137

// Policy is the ordered list of actions taken for one threat category.
type Policy struct {
	Category Category      `json:"category"`
	Actions  []ActionType  `json:"actions"`
	Cooldown time.Duration `json:"cooldown"`
}

// ActionRecord is the audit entry for an executed (or skipped) action.
type ActionRecord struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	ThreatID   string       `json:"threat_id"`
	Category   Category     `json:"category"`
	Action     ActionType   `json:"action"`
	Status     ActionStatus `json:"status"`
	Details    string       `json:"details,omitempty"`
	DurationMs int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
}

// DispatchResult summarizes what the dispatcher did for one threat.
type DispatchResult struct {
	Records    []*ActionRecord
	Terminated bool
}

// ActionExecutor performs one kind of defensive action.
type ActionExecutor interface {
	Execute(ctx context.Context, threat *ThreatEvent) (details string, err error)
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher executes the configured defensive actions for each threat.
// Every action is published to the bus before it takes effect and
// termination always runs last.
type Dispatcher struct {
	logger              zerolog.Logger
	bus                 *EventBus
	mu                  sync.RWMutex
	policies            map[Category]*Policy
	executors           map[ActionType]ActionExecutor
	terminateOnCritical bool
	dryRun              bool
	cooldowns           *lru.Cache[string, time.Time]
	records             []*ActionRecord
	maxRecords          int
	flushTimeout        time.Duration
}

// NewDispatcher creates a dispatcher with policies loaded from cfg and the
// given application collaborators.
func NewDispatcher(logger zerolog.Logger, bus *EventBus, cfg *EnforcementConfig, hooks Hooks) *Dispatcher {
	cooldowns, _ := lru.New[string, time.Time](512)
	d := &Dispatcher{
		logger:       logger.With().Str("component", "dispatcher").Logger(),
		bus:          bus,
		policies:     make(map[Category]*Policy),
		executors:    make(map[ActionType]ActionExecutor),
		cooldowns:    cooldowns,
		records:      make([]*ActionRecord, 0, 256),
		maxRecords:   1000,
		flushTimeout: 2 * time.Second,
	}
	hooks = hooks.withDefaults(d.logger)
	d.executors[ActionLog] = &LogOnlyExecutor{logger: d.logger}
	d.executors[ActionDisableFeatures] = &DisableFeaturesExecutor{gate: hooks.Features}
	d.executors[ActionRestrictReadOnly] = &RestrictReadOnlyExecutor{gate: hooks.Features}
	d.executors[ActionPurgeSecrets] = &PurgeSecretsExecutor{store: hooks.Secrets}
	d.executors[ActionReloadState] = &ReloadStateExecutor{loader: hooks.State}
	d.executors[ActionTerminate] = &TerminateExecutor{terminator: hooks.Terminator}

	d.LoadPolicies(cfg)
	return d
}

// LoadPolicies replaces the policy table: the preset first, then user
// overrides on top. Safe to call while dispatching.
func (d *Dispatcher) LoadPolicies(cfg *EnforcementConfig) {
	merged := make(map[string]PolicyYAML)
	terminateOnCritical := false
	presetName := cfg.Preset
	if presetName == "" {
		presetName = PresetStrict
	}
	if preset := GetPreset(presetName); preset != nil {
		for k, v := range preset.Policies {
			merged[k] = v
		}
		terminateOnCritical = preset.TerminateOnCritical
	} else {
		d.logger.Warn().Str("preset", presetName).Msg("unknown enforcement preset, ignoring")
	}
	for k, v := range cfg.Policies {
		merged[k] = v
	}
	if cfg.TerminateOnCritical != nil {
		terminateOnCritical = *cfg.TerminateOnCritical
	}

	policies := make(map[Category]*Policy, len(merged))
	for name, yp := range merged {
		category := Category(name)
		actions := make([]ActionType, 0, len(yp.Actions))
		for _, a := range yp.Actions {
			at := ActionType(a)
			if !at.Valid() {
				d.logger.Warn().Str("category", name).Str("action", a).Msg("unknown action in policy, skipping")
				continue
			}
			actions = append(actions, at)
		}
		policies[category] = &Policy{
			Category: category,
			Actions:  orderActions(actions),
			Cooldown: time.Duration(yp.CooldownSeconds) * time.Second,
		}
	}

	d.mu.Lock()
	d.policies = policies
	d.terminateOnCritical = terminateOnCritical
	d.dryRun = cfg.DryRun
	d.mu.Unlock()

	d.logger.Info().
		Str("preset", presetName).
		Int("policies", len(policies)).
		Bool("terminate_on_critical", terminateOnCritical).
		Bool("dry_run", cfg.DryRun).
		Msg("response policies loaded")
}

// orderActions returns actions with terminate moved to the end and
// duplicates removed.
func orderActions(actions []ActionType) []ActionType {
	seen := make(map[ActionType]bool, len(actions))
	out := make([]ActionType, 0, len(actions))
	for _, a := range actions {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i] != ActionTerminate && out[j] == ActionTerminate
	})
	return out
}

// SetExecutor overrides the executor for an action type.
func (d *Dispatcher) SetExecutor(action ActionType, executor ActionExecutor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[action] = executor
}

// Dispatch runs the policy for threat. It returns once every action has run;
// Terminated is set if the terminate action fired.
func (d *Dispatcher) Dispatch(ctx context.Context, threat *ThreatEvent) DispatchResult {
	d.mu.RLock()
	policy := d.policies[threat.Type]
	terminateOnCritical := d.terminateOnCritical
	dryRun := d.dryRun
	d.mu.RUnlock()

	var actions []ActionType
	var cooldown time.Duration
	if policy != nil {
		actions = append(actions, policy.Actions...)
		cooldown = policy.Cooldown
	}
	if terminateOnCritical && threat.RiskLevel >= RiskCritical {
		actions = orderActions(append(actions, ActionTerminate))
	}

	result := DispatchResult{}
	for _, action := range actions {
		cooldownKey := fmt.Sprintf("%s:%s", threat.Type, action)
		if action != ActionTerminate && d.isOnCooldown(cooldownKey, cooldown) {
			result.Records = append(result.Records, d.record(threat, action, ActionStatusCooldown, "", 0, nil))
			continue
		}

		if dryRun {
			d.logger.Info().
				Str("threat_id", threat.ID).
				Str("category", string(threat.Type)).
				Str("action", string(action)).
				Msg("[DRY RUN] would execute response action")
			result.Records = append(result.Records, d.record(threat, action, ActionStatusDryRun, "dry run, no action taken", 0, nil))
			continue
		}

		d.mu.RLock()
		executor, ok := d.executors[action]
		d.mu.RUnlock()
		if !ok {
			d.logger.Error().Str("action", string(action)).Msg("no executor for action")
			continue
		}

		// The audit event goes out before the action takes effect.
		pending := d.record(threat, action, ActionStatusExecuting, "", 0, nil)
		result.Records = append(result.Records, pending)

		if action == ActionTerminate {
			result.Terminated = true
			d.flushBeforeTerminate(ctx)
		}

		start := time.Now()
		details, err := executor.Execute(ctx, threat)
		d.finish(pending, details, time.Since(start).Milliseconds(), err)
		if err != nil {
			d.logger.Error().Err(err).
				Str("threat_id", threat.ID).
				Str("action", string(action)).
				Msg("response action failed")
		} else {
			d.logger.Info().
				Str("threat_id", threat.ID).
				Str("category", string(threat.Type)).
				Str("action", string(action)).
				Str("risk", threat.RiskLevel.String()).
				Msg("response action executed")
			d.setCooldown(cooldownKey, cooldown)
		}
	}
	return result
}

func (d *Dispatcher) flushBeforeTerminate(ctx context.Context) {
	if d.bus == nil {
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, d.flushTimeout)
	defer cancel()
	if err := d.bus.Flush(flushCtx); err != nil {
		d.logger.Warn().Err(err).Msg("audit flush before terminate failed")
	}
}

func (d *Dispatcher) isOnCooldown(key string, cooldown time.Duration) bool {
	if cooldown == 0 {
		return false
	}
	if last, ok := d.cooldowns.Get(key); ok {
		return time.Since(last) < cooldown
	}
	return false
}

func (d *Dispatcher) setCooldown(key string, cooldown time.Duration) {
	if cooldown == 0 {
		return
	}
	d.cooldowns.Add(key, time.Now())
}

// record stores an ActionRecord and publishes it. The returned record is
// shared with the log, so later updates go through finish.
func (d *Dispatcher) record(threat *ThreatEvent, action ActionType, status ActionStatus, details string, durationMs int64, err error) *ActionRecord {
	rec := &ActionRecord{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		ThreatID:   threat.ID,
		Category:   threat.Type,
		Action:     action,
		Status:     status,
		Details:    details,
		DurationMs: durationMs,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	d.mu.Lock()
	if len(d.records) >= d.maxRecords {
		drop := d.maxRecords / 10
		d.records = d.records[drop:]
	}
	d.records = append(d.records, rec)
	d.mu.Unlock()

	if d.bus != nil {
		snapshot := *rec
		event := NewEvent(KindActionTaken, "dispatcher", threat.RiskLevel.Severity(),
			fmt.Sprintf("response action %s for %s threat", action, threat.Type))
		event.Category = threat.Type
		event.Action = &snapshot
		d.bus.Publish(event)
	}
	return rec
}

func (d *Dispatcher) finish(rec *ActionRecord, details string, durationMs int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec.Details = details
	rec.DurationMs = durationMs
	rec.Status = ActionStatusSuccess
	if err != nil {
		rec.Status = ActionStatusFailed
		rec.Error = err.Error()
	}
}

// Records returns the most recent action records, newest first.
func (d *Dispatcher) Records(limit int) []ActionRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit > len(d.records) {
		limit = len(d.records)
	}
	if limit < 0 {
		limit = 0
	}
	out := make([]ActionRecord, 0, limit)
	for i := len(d.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *d.records[i])
	}
	return out
}

// GetPolicies returns a copy of the loaded policy table.
func (d *Dispatcher) GetPolicies() map[Category]Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[Category]Policy, len(d.policies))
	for k, v := range d.policies {
		p := *v
		p.Actions = append([]ActionType(nil), v.Actions...)
		out[k] = p
	}
	return out
}

// TerminateOnCritical reports whether CRITICAL risk forces termination.
func (d *Dispatcher) TerminateOnCritical() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.terminateOnCritical
}

// Stats returns summary statistics for the dispatcher.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byStatus := make(map[string]int)
	byCategory := make(map[string]int)
	byAction := make(map[string]int)
	for _, r := range d.records {
		byStatus[string(r.Status)]++
		byCategory[string(r.Category)]++
		byAction[string(r.Action)]++
	}

	return map[string]interface{}{
		"total_records":  len(d.records),
		"total_policies": len(d.policies),
		"dry_run":        d.dryRun,
		"by_status":      byStatus,
		"by_category":    byCategory,
		"by_action":      byAction,
	}
}

package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

type fakeTerminator struct {
	mu    sync.Mutex
	codes []int
	onRun func()
}

func (f *fakeTerminator) Terminate(code int) {
	if f.onRun != nil {
		f.onRun()
	}
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.mu.Unlock()
}

func (f *fakeTerminator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes)
}

type fakeSecrets struct {
	purges int
	err    error
}

func (f *fakeSecrets) Purge() (int, error) {
	f.purges++
	return 3, f.err
}

type fakeState struct{ reloads int }

func (f *fakeState) ReloadProtected(context.Context) error {
	f.reloads++
	return nil
}

type dispatchHarness struct {
	d       *Dispatcher
	bus     *EventBus
	gate    *ModeGate
	secrets *fakeSecrets
	state   *fakeState
	term    *fakeTerminator

	mu      sync.Mutex
	actions []ActionRecord
}

func newDispatchHarness(t *testing.T, cfg EnforcementConfig) *dispatchHarness {
	t.Helper()
	h := &dispatchHarness{
		bus:     NewEventBus(zerolog.Nop()),
		gate:    NewModeGate(),
		secrets: &fakeSecrets{},
		state:   &fakeState{},
		term:    &fakeTerminator{},
	}
	h.bus.Subscribe(KindActionTaken, func(e *Event) {
		h.mu.Lock()
		h.actions = append(h.actions, *e.Action)
		h.mu.Unlock()
	})
	h.d = NewDispatcher(zerolog.Nop(), h.bus, &cfg, Hooks{
		Features:   h.gate,
		Secrets:    h.secrets,
		State:      h.state,
		Terminator: h.term,
	})
	return h
}

func threatAt(category Category, count int) *ThreatEvent {
	return NewThreatEvent(category, "check", "evidence", count, time.Now())
}

func boolPtr(b bool) *bool { return &b }

// ─── Policy loading ─────────────────────────────────────────────────────────

func TestDispatcher_DefaultsToStrict(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{})
	policies := h.d.GetPolicies()
	if len(policies) != len(AllCategories()) {
		t.Fatalf("policies = %d, want %d", len(policies), len(AllCategories()))
	}
	if a := policies[CategoryDebug].Actions; len(a) != 1 || a[0] != ActionTerminate {
		t.Errorf("debug policy = %v", a)
	}
	if !h.d.TerminateOnCritical() {
		t.Error("strict default should terminate on critical")
	}
}

func TestDispatcher_UserPoliciesOverridePreset(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{
		Preset:              PresetStrict,
		TerminateOnCritical: boolPtr(false),
		Policies: map[string]PolicyYAML{
			"emulation": {Actions: []string{"log_only", "bogus"}, CooldownSeconds: 5},
		},
	})
	p := h.d.GetPolicies()[CategoryEmulation]
	if len(p.Actions) != 1 || p.Actions[0] != ActionLog {
		t.Errorf("emulation actions = %v, want [log_only]", p.Actions)
	}
	if p.Cooldown != 5*time.Second {
		t.Errorf("cooldown = %v", p.Cooldown)
	}
	if h.d.TerminateOnCritical() {
		t.Error("terminate_on_critical override ignored")
	}
}

func TestOrderActions_TerminateLastAndDeduped(t *testing.T) {
	got := orderActions([]ActionType{ActionTerminate, ActionPurgeSecrets, ActionLog, ActionPurgeSecrets})
	want := []ActionType{ActionPurgeSecrets, ActionLog, ActionTerminate}
	if len(got) != len(want) {
		t.Fatalf("orderActions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("orderActions = %v, want %v", got, want)
		}
	}
}

// ─── Dispatch ───────────────────────────────────────────────────────────────

func TestDispatch_HookingDisablesAndPurges(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetStrict})
	res := h.d.Dispatch(context.Background(), threatAt(CategoryHooking, 1))

	if res.Terminated {
		t.Error("hooking at MEDIUM risk must not terminate")
	}
	if len(res.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(res.Records))
	}
	if h.gate.Mode() != ModeSensitiveDisabled {
		t.Errorf("mode = %s", h.gate.Mode())
	}
	if h.secrets.purges != 1 {
		t.Errorf("purges = %d", h.secrets.purges)
	}
	for _, r := range res.Records {
		if r.Status != ActionStatusSuccess {
			t.Errorf("%s status = %s (%s)", r.Action, r.Status, r.Error)
		}
	}
}

func TestDispatch_MemoryReloadsState(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetStrict})
	h.d.Dispatch(context.Background(), threatAt(CategoryMemory, 1))
	if h.state.reloads != 1 {
		t.Errorf("reloads = %d, want 1", h.state.reloads)
	}
	if h.term.count() != 0 {
		t.Error("memory threat terminated")
	}
}

func TestDispatch_DebugTerminatesAfterAuditEvent(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetStrict})
	var seenBeforeTerminate int
	h.term.onRun = func() {
		h.mu.Lock()
		seenBeforeTerminate = len(h.actions)
		h.mu.Unlock()
	}

	res := h.d.Dispatch(context.Background(), threatAt(CategoryDebug, 1))

	if !res.Terminated || h.term.count() != 1 {
		t.Fatalf("terminated = %v, calls = %d", res.Terminated, h.term.count())
	}
	if h.term.codes[0] != TerminateExitCode {
		t.Errorf("exit code = %d", h.term.codes[0])
	}
	if seenBeforeTerminate != 1 || h.actions[0].Status != ActionStatusExecuting {
		t.Errorf("audit event not published before terminate: %d events", seenBeforeTerminate)
	}
	if rec := h.d.Records(1)[0]; rec.Status != ActionStatusSuccess {
		t.Errorf("final record status = %s", rec.Status)
	}
}

func TestDispatch_CriticalRiskAddsTerminateLast(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetStrict})
	res := h.d.Dispatch(context.Background(), threatAt(CategoryInjection, 5))

	if !res.Terminated {
		t.Fatal("CRITICAL risk should terminate under strict")
	}
	if n := len(res.Records); n != 3 || res.Records[n-1].Action != ActionTerminate {
		t.Errorf("records = %+v, want terminate last", res.Records)
	}
	if h.secrets.purges != 1 {
		t.Error("category actions did not run before terminate")
	}
}

func TestDispatch_ObserveOnlyLogs(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetObserve})
	res := h.d.Dispatch(context.Background(), threatAt(CategoryDebug, 6))

	if res.Terminated || h.term.count() != 0 {
		t.Error("observe preset terminated")
	}
	if len(res.Records) != 1 || res.Records[0].Action != ActionLog {
		t.Errorf("records = %+v", res.Records)
	}
	if h.gate.Mode() != ModeNormal {
		t.Errorf("mode = %s, want normal", h.gate.Mode())
	}
}

func TestDispatch_DryRun(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetStrict, DryRun: true})
	res := h.d.Dispatch(context.Background(), threatAt(CategoryDebug, 5))

	if res.Terminated || h.term.count() != 0 {
		t.Error("dry run terminated the process")
	}
	for _, r := range res.Records {
		if r.Status != ActionStatusDryRun {
			t.Errorf("%s status = %s, want DRY_RUN", r.Action, r.Status)
		}
	}
}

func TestDispatch_Cooldown(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetObserve})
	first := h.d.Dispatch(context.Background(), threatAt(CategoryEmulation, 1))
	second := h.d.Dispatch(context.Background(), threatAt(CategoryEmulation, 2))
	other := h.d.Dispatch(context.Background(), threatAt(CategoryMemory, 3))

	if first.Records[0].Status != ActionStatusSuccess {
		t.Errorf("first = %s", first.Records[0].Status)
	}
	if second.Records[0].Status != ActionStatusCooldown {
		t.Errorf("second = %s, want COOLDOWN", second.Records[0].Status)
	}
	if other.Records[0].Status != ActionStatusSuccess {
		t.Errorf("other category = %s", other.Records[0].Status)
	}
}

func TestDispatch_FailedActionRecorded(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetStrict})
	h.secrets.err = errors.New("keystore locked")

	res := h.d.Dispatch(context.Background(), threatAt(CategoryTamper, 1))
	var failed int
	for _, r := range res.Records {
		if r.Status == ActionStatusFailed {
			failed++
			if r.Error == "" {
				t.Error("failed record has no error")
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed records = %d, want 1", failed)
	}
	if h.gate.Mode() != ModeSensitiveDisabled {
		t.Error("failure in one action stopped the others")
	}
}

type countingExecutor struct{ n int }

func (c *countingExecutor) Execute(context.Context, *ThreatEvent) (string, error) {
	c.n++
	return "counted", nil
}

func TestDispatcher_SetExecutor(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetStrict})
	exec := &countingExecutor{}
	h.d.SetExecutor(ActionRestrictReadOnly, exec)

	h.d.Dispatch(context.Background(), threatAt(CategoryEmulation, 1))
	if exec.n != 1 {
		t.Errorf("custom executor ran %d times", exec.n)
	}
	if h.gate.Mode() != ModeNormal {
		t.Error("default executor still ran")
	}
}

func TestDispatcher_ReloadWhileDispatching(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetObserve})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.d.Dispatch(context.Background(), threatAt(CategoryMemory, 1))
		}()
		go func() {
			defer wg.Done()
			h.d.LoadPolicies(&EnforcementConfig{Preset: PresetObserve})
		}()
	}
	wg.Wait()
}

// ─── Records & stats ────────────────────────────────────────────────────────

func TestDispatcher_RecordsNewestFirst(t *testing.T) {
	h := newDispatchHarness(t, EnforcementConfig{Preset: PresetStrict})
	h.d.Dispatch(context.Background(), threatAt(CategoryEmulation, 1))
	h.d.Dispatch(context.Background(), threatAt(CategoryMemory, 2))

	recs := h.d.Records(10)
	if len(recs) != 2 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].Category != CategoryMemory || recs[1].Category != CategoryEmulation {
		t.Errorf("order = %s, %s", recs[0].Category, recs[1].Category)
	}
	if got := h.d.Records(1); len(got) != 1 {
		t.Errorf("Records(1) = %d", len(got))
	}
	if got := h.d.Records(-1); len(got) != 0 {
		t.Errorf("Records(-1) = %d, want 0", len(got))
	}
	if got := h.d.Records(1 << 30); len(got) != 2 {
		t.Errorf("Records(huge) = %d, want 2", len(got))
	}

	stats := h.d.Stats()
	if stats["total_records"] != 2 {
		t.Errorf("total_records = %v", stats["total_records"])
	}
	if byAction := stats["by_action"].(map[string]int); byAction["reload_state"] != 1 {
		t.Errorf("by_action = %v", byAction)
	}
}

// ─── ModeGate ───────────────────────────────────────────────────────────────

func TestModeGate_OnlyDegrades(t *testing.T) {
	g := NewModeGate()
	g.DisableSensitive("x")
	g.RestrictReadOnly("y")
	if g.Mode() != ModeSensitiveDisabled {
		t.Errorf("mode = %s, want sensitive_disabled", g.Mode())
	}
	g.Reset()
	if g.Mode() != ModeNormal {
		t.Error("Reset did not restore normal mode")
	}
}

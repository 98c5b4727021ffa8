package detection

import (
	"fmt"
	"time"

	"github.com/1sec-project/shield/internal/core"
	"github.com/1sec-project/shield/internal/integrity"
	"github.com/1sec-project/shield/internal/probe"
	"github.com/rs/zerolog"
)

// Deps are the collaborators the built-in checks need.
type Deps struct {
	Probe     probe.Probe
	Integrity *integrity.Validator // nil disables resource_integrity
	Config    *core.Config
	Logger    zerolog.Logger
}

// DefaultChecks builds every built-in check enabled in cfg, in a fixed order.
// Per-check settings extend the built-in lists.
func DefaultChecks(deps Deps) ([]Check, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	p := deps.Probe
	var checks []Check

	if cfg.IsCheckEnabled(core.CheckDebugAttach) {
		checks = append(checks, NewDebugAttachCheck(p))
	}
	if cfg.IsCheckEnabled(core.CheckCodeSignature) {
		checks = append(checks, NewCodeSignatureCheck(p))
	}
	if cfg.IsCheckEnabled(core.CheckHookLibraries) {
		deny := withExtra(DefaultHookLibraries, cfg.GetStringSliceSetting(core.CheckHookLibraries, "deny_list"))
		checks = append(checks, NewHookLibrariesCheck(p, deny))
	}
	if cfg.IsCheckEnabled(core.CheckHookSymbols) {
		symbols := withExtra(DefaultHookSymbols, cfg.GetStringSliceSetting(core.CheckHookSymbols, "symbols"))
		tools := withExtra(DefaultInstrumentationTools, cfg.GetStringSliceSetting(core.CheckHookSymbols, "tools"))
		checks = append(checks, NewHookSymbolsCheck(p, symbols, tools))
	}
	if cfg.IsCheckEnabled(core.CheckEmulator) {
		sigs := withExtra(DefaultEmulatorSignatures, cfg.GetStringSliceSetting(core.CheckEmulator, "signatures"))
		allowVirt := cfg.GetBoolSetting(core.CheckEmulator, "allow_virtualization", false)
		checks = append(checks, NewEmulatorCheck(p, sigs, allowVirt))
	}
	if cfg.IsCheckEnabled(core.CheckMemorySentinel) {
		c, err := NewMemorySentinelCheck(p,
			cfg.GetIntSetting(core.CheckMemorySentinel, "sentinels", 4),
			cfg.GetBoolSetting(core.CheckMemorySentinel, "scan_mappings", true))
		if err != nil {
			return nil, fmt.Errorf("memory sentinel: %w", err)
		}
		checks = append(checks, c)
	}
	if cfg.IsCheckEnabled(core.CheckResourceIntegrity) {
		if deps.Integrity != nil {
			checks = append(checks, NewResourceIntegrityCheck(deps.Integrity))
		} else {
			deps.Logger.Info().Str("check", core.CheckResourceIntegrity).Msg("no manifest configured, check skipped")
		}
	}
	if cfg.IsCheckEnabled(core.CheckRootAccess) {
		artifacts := withExtra(DefaultRootArtifacts, cfg.GetStringSliceSetting(core.CheckRootAccess, "artifacts"))
		allowRoot := cfg.GetBoolSetting(core.CheckRootAccess, "allow_root", false)
		checks = append(checks, NewRootAccessCheck(p, artifacts, allowRoot))
	}
	return checks, nil
}

// NewDefaultRegistry registers DefaultChecks in a Registry using the
// configured per-check timeout.
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	checks, err := DefaultChecks(deps)
	if err != nil {
		return nil, err
	}
	reg := NewRegistry(deps.Logger, time.Duration(cfg.Monitor.CheckTimeoutMs)*time.Millisecond)
	for _, c := range checks {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func withExtra(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

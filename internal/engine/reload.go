package engine

import (
	"fmt"
	"reflect"

	"github.com/1sec-project/shield/internal/core"
	"github.com/rs/zerolog"
)

// Reload re-reads the config file and applies the settings that can change
// at runtime. It returns a list of what changed.
//
// Hot-reloadable:
//   - logging level
//   - enforcement preset, dry_run, terminate_on_critical, policies
//
// Reported but requiring restart:
//   - monitor interval and check timeout
//   - check enable/disable and settings
//   - integrity, pinning, signature and telemetry settings
func (e *Engine) Reload() ([]string, error) {
	if e.ConfigPath == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}
	newCfg, err := core.LoadConfig(e.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.Config
	var changes []string

	if newCfg.LogLevel() != cur.LogLevel() {
		cur.Logging.Level = newCfg.Logging.Level
		zerolog.SetGlobalLevel(core.ParseLogLevel(newCfg.Logging.Level))
		changes = append(changes, "logging.level → "+newCfg.LogLevel())
	}

	if !reflect.DeepEqual(newCfg.Enforcement, cur.Enforcement) {
		if newCfg.Enforcement.Preset != cur.Enforcement.Preset {
			changes = append(changes, "enforcement.preset → "+newCfg.Enforcement.Preset)
		}
		if newCfg.Enforcement.DryRun != cur.Enforcement.DryRun {
			changes = append(changes, fmt.Sprintf("enforcement.dry_run → %v", newCfg.Enforcement.DryRun))
		}
		cur.Enforcement = newCfg.Enforcement
		e.Dispatcher.LoadPolicies(&cur.Enforcement)
		changes = append(changes, "enforcement policies reloaded")
	}

	if newCfg.Monitor != cur.Monitor {
		changes = append(changes, "monitor settings changed (restart required)")
	}
	if !reflect.DeepEqual(newCfg.Checks, cur.Checks) {
		changes = append(changes, "check settings changed (restart required)")
	}
	if newCfg.Integrity != cur.Integrity || newCfg.Signature != cur.Signature ||
		newCfg.Telemetry != cur.Telemetry || !reflect.DeepEqual(newCfg.Pinning, cur.Pinning) {
		changes = append(changes, "integrity/pinning/signature/telemetry changed (restart required)")
	}

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}
	e.Logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}

package core

// ---------------------------------------------------------------------------
// response_presets.go: built-in enforcement presets
//
// Each preset covers every category. Users pick a preset as a starting point
// and can override individual category policies in YAML.
//
//   observe:  log only, never terminates. Safe for initial rollout.
//   balanced: restricts and purges, terminates only on CRITICAL risk.
//   strict:   terminates on debugger attach and on CRITICAL risk.
// ---------------------------------------------------------------------------

// EnforcementPreset names.
const (
	PresetObserve  = "observe"
	PresetBalanced = "balanced"
	PresetStrict   = "strict"
)

// Preset is a complete policy table plus the critical-risk behaviour.
type Preset struct {
	Policies            map[string]PolicyYAML
	TerminateOnCritical bool
}

// GetPreset returns the preset with the given name, or nil if unknown.
func GetPreset(name string) *Preset {
	switch name {
	case PresetObserve:
		return observePreset()
	case PresetBalanced:
		return balancedPreset()
	case PresetStrict:
		return strictPreset()
	default:
		return nil
	}
}

// ValidPresets returns the list of valid preset names.
func ValidPresets() []string {
	return []string{PresetObserve, PresetBalanced, PresetStrict}
}

func strictPreset() *Preset {
	return &Preset{
		TerminateOnCritical: true,
		Policies: map[string]PolicyYAML{
			string(CategoryDebug):     {Actions: []string{string(ActionTerminate)}},
			string(CategoryTamper):    {Actions: []string{string(ActionDisableFeatures), string(ActionPurgeSecrets)}},
			string(CategoryInjection): {Actions: []string{string(ActionDisableFeatures), string(ActionPurgeSecrets)}},
			string(CategoryHooking):   {Actions: []string{string(ActionDisableFeatures), string(ActionPurgeSecrets)}},
			string(CategoryPrivilege): {Actions: []string{string(ActionDisableFeatures), string(ActionPurgeSecrets)}},
			string(CategoryEmulation): {Actions: []string{string(ActionRestrictReadOnly)}},
			string(CategoryMemory):    {Actions: []string{string(ActionReloadState)}},
			string(CategoryIntegrity): {Actions: []string{string(ActionReloadState)}},
		},
	}
}

func balancedPreset() *Preset {
	p := strictPreset()
	p.Policies[string(CategoryDebug)] = PolicyYAML{
		Actions: []string{string(ActionDisableFeatures), string(ActionPurgeSecrets)},
	}
	return p
}

func observePreset() *Preset {
	policies := make(map[string]PolicyYAML, len(AllCategories()))
	for _, c := range AllCategories() {
		policies[string(c)] = PolicyYAML{Actions: []string{string(ActionLog)}, CooldownSeconds: 60}
	}
	return &Preset{Policies: policies, TerminateOnCritical: false}
}

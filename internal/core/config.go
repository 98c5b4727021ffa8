package core

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the entire shield configuration.
type Config struct {
	Monitor     MonitorConfig          `yaml:"monitor"`
	Checks      map[string]CheckConfig `yaml:"checks"`
	Integrity   IntegrityConfig        `yaml:"integrity"`
	Pinning     PinningConfig          `yaml:"pinning"`
	Signature   SignatureConfig        `yaml:"signature"`
	Enforcement EnforcementConfig      `yaml:"enforcement"`
	Telemetry   TelemetryConfig        `yaml:"telemetry"`
	Logging     LoggingConfig          `yaml:"logging"`
}

// MonitorConfig holds periodic monitor settings.
type MonitorConfig struct {
	IntervalMs     int `yaml:"interval_ms"`
	CheckTimeoutMs int `yaml:"check_timeout_ms"`
	HistorySize    int `yaml:"history_size"`
}

// CheckConfig holds per-check configuration.
type CheckConfig struct {
	Enabled  bool                   `yaml:"enabled"`
	Settings map[string]interface{} `yaml:"settings"`
}

// IntegrityConfig points at the bundled resource manifest.
type IntegrityConfig struct {
	ManifestPath string `yaml:"manifest_path"`
	ResourceRoot string `yaml:"resource_root"`
}

// PinningConfig holds pinned certificate fingerprints. Pins in PinsPath and
// Hosts are merged; Hosts is mostly used for small deployments and tests.
type PinningConfig struct {
	PinsPath string              `yaml:"pins_path"`
	Hosts    map[string][]string `yaml:"hosts"`
}

// SignatureConfig configures code-signature verification of the running binary.
type SignatureConfig struct {
	PublicKey     string `yaml:"public_key"` // base64 Ed25519 public key
	SignaturePath string `yaml:"signature_path"`
}

// EnforcementConfig selects the response policy table.
type EnforcementConfig struct {
	Preset              string                `yaml:"preset"`
	DryRun              bool                  `yaml:"dry_run"`
	TerminateOnCritical *bool                 `yaml:"terminate_on_critical,omitempty"`
	Policies            map[string]PolicyYAML `yaml:"policies,omitempty"`
}

// PolicyYAML is the YAML-friendly form of a per-category response policy.
type PolicyYAML struct {
	Actions         []string `yaml:"actions"`
	CooldownSeconds int      `yaml:"cooldown_seconds"`
}

// TelemetryConfig holds the NATS telemetry bridge settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Embedded      bool   `yaml:"embedded"`
	DataDir       string `yaml:"data_dir"`
	Port          int    `yaml:"port"`
	SubjectPrefix string `yaml:"subject_prefix"`
	// DedupWindowSeconds suppresses repeats of an identical threat within
	// the window. 0 forwards every event.
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Check identifiers used as keys in Config.Checks.
const (
	CheckDebugAttach       = "debug_attach"
	CheckCodeSignature     = "code_signature"
	CheckHookLibraries     = "hook_libraries"
	CheckHookSymbols       = "hook_symbols"
	CheckEmulator          = "emulator"
	CheckMemorySentinel    = "memory_sentinel"
	CheckResourceIntegrity = "resource_integrity"
	CheckRootAccess        = "root_access"
)

// DefaultConfig returns a Config with defaults that work without a file.
func DefaultConfig() *Config {
	return &Config{
		Monitor: MonitorConfig{
			IntervalMs:     1000,
			CheckTimeoutMs: 100,
			HistorySize:    256,
		},
		Checks: map[string]CheckConfig{
			CheckDebugAttach:       {Enabled: true, Settings: map[string]interface{}{}},
			CheckCodeSignature:     {Enabled: false, Settings: map[string]interface{}{}},
			CheckHookLibraries:     {Enabled: true, Settings: map[string]interface{}{}},
			CheckHookSymbols:       {Enabled: true, Settings: map[string]interface{}{}},
			CheckEmulator:          {Enabled: true, Settings: map[string]interface{}{}},
			CheckMemorySentinel:    {Enabled: true, Settings: map[string]interface{}{}},
			CheckResourceIntegrity: {Enabled: true, Settings: map[string]interface{}{}},
			CheckRootAccess:        {Enabled: true, Settings: map[string]interface{}{}},
		},
		Enforcement: EnforcementConfig{
			Preset: PresetStrict,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			DataDir:       "./data/nats",
			Port:          4222,
			SubjectPrefix: "shield.events",

			DedupWindowSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when path is empty or missing. Environment overrides apply in every case.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if lvl := os.Getenv("SHIELD_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Monitor.IntervalMs < 10 {
		return fmt.Errorf("monitor.interval_ms must be at least 10, got %d", c.Monitor.IntervalMs)
	}
	if c.Monitor.CheckTimeoutMs <= 0 {
		return fmt.Errorf("monitor.check_timeout_ms must be positive, got %d", c.Monitor.CheckTimeoutMs)
	}
	if c.Telemetry.DedupWindowSeconds < 0 {
		return fmt.Errorf("telemetry.dedup_window_seconds must not be negative, got %d", c.Telemetry.DedupWindowSeconds)
	}
	if c.Enforcement.Preset != "" && GetPreset(c.Enforcement.Preset) == nil {
		return fmt.Errorf("unknown enforcement preset %q (valid: %s)",
			c.Enforcement.Preset, strings.Join(ValidPresets(), ", "))
	}
	for name, p := range c.Enforcement.Policies {
		if !Category(name).Valid() {
			return fmt.Errorf("enforcement policy for unknown category %q", name)
		}
		for _, a := range p.Actions {
			if !ActionType(a).Valid() {
				return fmt.Errorf("enforcement policy %q: unknown action %q", name, a)
			}
		}
	}
	return nil
}

// IsCheckEnabled reports whether a check is enabled. Checks absent from the
// config are enabled.
func (c *Config) IsCheckEnabled(name string) bool {
	chk, ok := c.Checks[name]
	if !ok {
		return true
	}
	return chk.Enabled
}

// GetCheckSettings returns the settings map for a check.
func (c *Config) GetCheckSettings(name string) map[string]interface{} {
	chk, ok := c.Checks[name]
	if !ok || chk.Settings == nil {
		return map[string]interface{}{}
	}
	return chk.Settings
}

// GetCheckSetting returns a specific setting value for a check.
func (c *Config) GetCheckSetting(check, key string, defaultVal interface{}) interface{} {
	settings := c.GetCheckSettings(check)
	if val, ok := settings[key]; ok {
		return val
	}
	return defaultVal
}

// GetStringSliceSetting returns a string list setting. YAML decodes lists
// as []interface{}, so both shapes are accepted.
func (c *Config) GetStringSliceSetting(check, key string) []string {
	switch v := c.GetCheckSetting(check, key, nil).(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// GetBoolSetting returns a boolean setting, or defaultVal if unset or not a bool.
func (c *Config) GetBoolSetting(check, key string, defaultVal bool) bool {
	if b, ok := c.GetCheckSetting(check, key, defaultVal).(bool); ok {
		return b
	}
	return defaultVal
}

// GetIntSetting returns an integer setting, or defaultVal if unset.
func (c *Config) GetIntSetting(check, key string, defaultVal int) int {
	switch v := c.GetCheckSetting(check, key, defaultVal).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return defaultVal
	}
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

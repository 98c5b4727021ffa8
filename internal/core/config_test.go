package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ─── DefaultConfig ──────────────────────────────────────────────────────────

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Monitor.IntervalMs != 1000 {
		t.Errorf("default IntervalMs = %d, want 1000", cfg.Monitor.IntervalMs)
	}
	if cfg.Monitor.CheckTimeoutMs != 100 {
		t.Errorf("default CheckTimeoutMs = %d, want 100", cfg.Monitor.CheckTimeoutMs)
	}
	if cfg.Enforcement.Preset != PresetStrict {
		t.Errorf("default preset = %q, want strict", cfg.Enforcement.Preset)
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry should be disabled by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("default Format = %q, want console", cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestDefaultConfig_ChecksPresent(t *testing.T) {
	cfg := DefaultConfig()
	for _, name := range []string{
		CheckDebugAttach, CheckCodeSignature, CheckHookLibraries, CheckHookSymbols,
		CheckEmulator, CheckMemorySentinel, CheckResourceIntegrity, CheckRootAccess,
	} {
		if _, ok := cfg.Checks[name]; !ok {
			t.Errorf("default config missing check %q", name)
		}
	}
	if cfg.IsCheckEnabled(CheckCodeSignature) {
		t.Error("code_signature needs a key and should be off by default")
	}
}

// ─── LoadConfig ─────────────────────────────────────────────────────────────

func TestLoadConfig_EmptyPath_ReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") error: %v", err)
	}
	if cfg.Monitor.IntervalMs != 1000 {
		t.Error("expected defaults")
	}
}

func TestLoadConfig_NonExistentFile_ReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig on missing file error: %v", err)
	}
	if cfg.Enforcement.Preset != PresetStrict {
		t.Error("expected defaults")
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shield.yaml")
	yaml := `
monitor:
  interval_ms: 250
checks:
  emulator:
    enabled: false
  hook_libraries:
    enabled: true
    settings:
      deny_list: ["evilhook"]
enforcement:
  preset: balanced
  terminate_on_critical: false
  policies:
    emulation:
      actions: [log_only]
      cooldown_seconds: 30
logging:
  level: DEBUG
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Monitor.IntervalMs != 250 {
		t.Errorf("IntervalMs = %d, want 250", cfg.Monitor.IntervalMs)
	}
	if cfg.Monitor.CheckTimeoutMs != 100 {
		t.Errorf("unset CheckTimeoutMs lost its default: %d", cfg.Monitor.CheckTimeoutMs)
	}
	if cfg.IsCheckEnabled(CheckEmulator) {
		t.Error("emulator should be disabled")
	}
	if !cfg.IsCheckEnabled(CheckDebugAttach) {
		t.Error("checks absent from the file keep their defaults")
	}
	if got := cfg.GetStringSliceSetting(CheckHookLibraries, "deny_list"); len(got) != 1 || got[0] != "evilhook" {
		t.Errorf("deny_list = %v", got)
	}
	if cfg.Enforcement.TerminateOnCritical == nil || *cfg.Enforcement.TerminateOnCritical {
		t.Error("terminate_on_critical override not parsed")
	}
	if cfg.Enforcement.Policies["emulation"].CooldownSeconds != 30 {
		t.Errorf("policy = %+v", cfg.Enforcement.Policies["emulation"])
	}
	if cfg.LogLevel() != "debug" {
		t.Errorf("LogLevel() = %q, want debug", cfg.LogLevel())
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("monitor: [unclosed"), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfig_LogLevelFromEnv(t *testing.T) {
	t.Setenv("SHIELD_LOG_LEVEL", "warn")
	path := filepath.Join(t.TempDir(), "shield.yaml")
	os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want env override warn", cfg.Logging.Level)
	}
}

func TestLoadConfig_LogLevelFromEnvWithoutFile(t *testing.T) {
	t.Setenv("SHIELD_LOG_LEVEL", "debug")
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yaml")} {
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig(%q): %v", path, err)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("LoadConfig(%q) level = %q, want env override debug", path, cfg.Logging.Level)
		}
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shield.yaml")
	cfg := DefaultConfig()
	cfg.Enforcement.Preset = PresetObserve
	cfg.Pinning.Hosts = map[string][]string{"api.example.com": {"sha256/abc"}}

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Enforcement.Preset != PresetObserve {
		t.Errorf("Preset = %q", loaded.Enforcement.Preset)
	}
	if pins := loaded.Pinning.Hosts["api.example.com"]; len(pins) != 1 {
		t.Errorf("pins = %v", pins)
	}
}

// ─── Validate ───────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"interval", func(c *Config) { c.Monitor.IntervalMs = 5 }, "interval_ms"},
		{"timeout", func(c *Config) { c.Monitor.CheckTimeoutMs = 0 }, "check_timeout_ms"},
		{"preset", func(c *Config) { c.Enforcement.Preset = "paranoid" }, "unknown enforcement preset"},
		{"dedup", func(c *Config) { c.Telemetry.DedupWindowSeconds = -1 }, "dedup_window_seconds"},
		{"category", func(c *Config) {
			c.Enforcement.Policies = map[string]PolicyYAML{"network": {Actions: []string{"log_only"}}}
		}, "unknown category"},
		{"action", func(c *Config) {
			c.Enforcement.Policies = map[string]PolicyYAML{"debug": {Actions: []string{"reboot"}}}
		}, "unknown action"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

// ─── Settings accessors ─────────────────────────────────────────────────────

func TestCheckSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Checks[CheckMemorySentinel] = CheckConfig{Enabled: true, Settings: map[string]interface{}{
		"sentinels":     8,
		"scan_mappings": false,
		"ratio":         float64(3),
		"names":         []interface{}{"a", 1, "b"},
	}}

	if got := cfg.GetIntSetting(CheckMemorySentinel, "sentinels", 4); got != 8 {
		t.Errorf("GetIntSetting = %d", got)
	}
	if got := cfg.GetIntSetting(CheckMemorySentinel, "ratio", 0); got != 3 {
		t.Errorf("GetIntSetting(float64) = %d", got)
	}
	if got := cfg.GetIntSetting(CheckMemorySentinel, "missing", 4); got != 4 {
		t.Errorf("GetIntSetting default = %d", got)
	}
	if cfg.GetBoolSetting(CheckMemorySentinel, "scan_mappings", true) {
		t.Error("GetBoolSetting ignored explicit false")
	}
	if !cfg.GetBoolSetting(CheckMemorySentinel, "sentinels", true) {
		t.Error("GetBoolSetting on a non-bool should return the default")
	}
	if got := cfg.GetStringSliceSetting(CheckMemorySentinel, "names"); len(got) != 2 {
		t.Errorf("GetStringSliceSetting = %v", got)
	}
	if got := cfg.GetCheckSettings("unknown"); got == nil || len(got) != 0 {
		t.Errorf("GetCheckSettings(unknown) = %v", got)
	}
	if !cfg.IsCheckEnabled("unknown") {
		t.Error("unknown checks are enabled")
	}
}

// ─── Logging ────────────────────────────────────────────────────────────────

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "debug", "WARN": "warn", "error": "error", "info": "info", "verbose": "info", "": "info",
	}
	for in, want := range cases {
		if got := ParseLogLevel(in).String(); got != want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

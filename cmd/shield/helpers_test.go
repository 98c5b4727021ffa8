package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/1sec-project/shield/internal/core"
	"github.com/1sec-project/shield/internal/detection"
	"github.com/1sec-project/shield/internal/integrity"
	"github.com/1sec-project/shield/internal/monitor"
	"github.com/1sec-project/shield/internal/pinning"
)

func init() {
	color.NoColor = true
}

// ─── suggest ──────────────────────────────────────────────────────────────────

func TestSuggest_PrefixMatch(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"ru", "run"},
		{"che", "check"},
		{"rep", "report"},
		{"man", "manifest"},
		{"con", "config"},
		{"ver", "version"},
		{"checks", "check"},
	}
	for _, tc := range tests {
		if got := suggest(tc.input); got != tc.want {
			t.Errorf("suggest(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSuggest_TypoCorrection(t *testing.T) {
	if got := suggest("verzion"); got != "version" {
		t.Errorf("suggest('verzion') = %q, want 'version'", got)
	}
	if got := suggest("CHECK"); got != "check" {
		t.Errorf("suggest('CHECK') = %q, want 'check'", got)
	}
}

func TestSuggest_NoMatch(t *testing.T) {
	for _, in := range []string{"", "zzzzzzzzz"} {
		if got := suggest(in); got != "" {
			t.Errorf("suggest(%q) = %q, want empty", in, got)
		}
	}
}

// ─── config resolution ────────────────────────────────────────────────────────

func TestEnvConfig(t *testing.T) {
	t.Setenv(envConfigVar, "/etc/shield/prod.yaml")
	if got := envConfig(defaultConfigPath); got != "/etc/shield/prod.yaml" {
		t.Errorf("envConfig(default) = %q, want env value", got)
	}
	if got := envConfig("custom.yaml"); got != "custom.yaml" {
		t.Errorf("explicit flag should win over env, got %q", got)
	}
}

func TestHasFlag(t *testing.T) {
	if !hasFlag([]string{"--config", "x", "-h"}, "-h", "--help") {
		t.Error("hasFlag missed -h")
	}
	if hasFlag([]string{"--config", "help.yaml"}, "-h", "--help") {
		t.Error("hasFlag matched a value")
	}
}

// ─── output ───────────────────────────────────────────────────────────────────

func TestParseFormat(t *testing.T) {
	cases := map[string]OutputFormat{"json": FormatJSON, " CSV ": FormatCSV, "table": FormatTable, "yaml": FormatTable}
	for in, want := range cases {
		if got := parseFormat(in); got != want {
			t.Errorf("parseFormat(%q) = %s, want %s", in, formatName(got), formatName(want))
		}
	}
}

func TestTable_Render(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "CHECK", "STATUS")
	tbl.AddRow("debug_attach", "pass")
	tbl.AddRow("emulator") // short row is padded
	tbl.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 6 {
		t.Fatalf("rendered %d lines, want 6:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "┌") || !strings.HasPrefix(lines[5], "└") {
		t.Errorf("missing borders:\n%s", buf.String())
	}
	width := len([]rune(lines[0]))
	for i, l := range lines {
		if n := len([]rune(l)); n != width {
			t.Errorf("line %d width %d, want %d: %q", i, n, width, l)
		}
	}
}

func sampleResults() []detection.DetectionResult {
	now := time.Now()
	return []detection.DetectionResult{
		{CheckID: core.CheckDebugAttach, Category: core.CategoryDebug, Weight: 5, Status: detection.StatusPass, Passed: true, Timestamp: now},
		{CheckID: core.CheckHookLibraries, Category: core.CategoryInjection, Weight: 4, Status: detection.StatusDetected, Evidence: "libfrida-gadget.so", Timestamp: now},
		{CheckID: core.CheckCodeSignature, Category: core.CategoryTamper, Weight: 4, Status: detection.StatusInconclusive, Error: "timeout", Timestamp: now},
	}
}

func TestRenderResults_Formats(t *testing.T) {
	results := sampleResults()

	var js bytes.Buffer
	if err := renderResults(&js, FormatJSON, results); err != nil {
		t.Fatal(err)
	}
	var decoded []map[string]interface{}
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(decoded) != 3 || decoded[1]["status"] != "detected" {
		t.Errorf("decoded = %v", decoded)
	}

	var cs bytes.Buffer
	if err := renderResults(&cs, FormatCSV, results); err != nil {
		t.Fatal(err)
	}
	records, err := csv.NewReader(&cs).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 4 || records[0][0] != "CHECK" {
		t.Fatalf("csv = %v", records)
	}
	if records[3][5] != "timeout" {
		t.Errorf("inconclusive row should carry the error, got %q", records[3][5])
	}

	var tb bytes.Buffer
	renderResults(&tb, FormatTable, results)
	if !strings.Contains(tb.String(), "libfrida-gadget.so") {
		t.Errorf("table missing evidence:\n%s", tb.String())
	}

	if countDetections(results) != 1 {
		t.Errorf("countDetections = %d", countDetections(results))
	}
}

func TestRenderReport(t *testing.T) {
	threat := core.NewThreatEvent(core.CategoryEmulation, core.CheckEmulator, "qemu", 1, time.Now())
	rep := monitor.Report{
		Active:        true,
		ThreatCount:   1,
		LastThreatAt:  threat.DetectedAt,
		RiskLevel:     core.RiskMedium,
		Warning:       core.UserWarning(core.RiskMedium),
		Mode:          core.ModeReadOnly.String(),
		Results:       sampleResults(),
		RecentThreats: []*core.ThreatEvent{threat},
	}
	var buf bytes.Buffer
	renderReport(&buf, rep)
	out := buf.String()
	for _, want := range []string{"MEDIUM", "read_only", "Recent threats", "emulator", "Last tick"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

// ─── config ───────────────────────────────────────────────────────────────────

func TestConfigIssues(t *testing.T) {
	cfg := core.DefaultConfig()
	if issues := configIssues(cfg); len(issues) != 0 {
		t.Errorf("defaults have issues: %v", issues)
	}

	cfg.Logging.Level = "loud"
	cfg.Integrity.ManifestPath = filepath.Join(t.TempDir(), "missing.yaml")
	cfg.Checks[core.CheckCodeSignature] = core.CheckConfig{Enabled: true}
	cfg.Pinning.Hosts = map[string][]string{"api.example.com": {"sha256/bad"}}
	issues := configIssues(cfg)
	if len(issues) != 4 {
		t.Errorf("issues = %d, want 4: %v", len(issues), issues)
	}
}

func TestWriteConfig_YAMLRoundTrip(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Enforcement.Preset = core.PresetBalanced

	path := filepath.Join(t.TempDir(), "shield.yaml")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeConfig(f, cfg, "yaml"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	loaded, err := core.LoadConfig(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if loaded.Enforcement.Preset != core.PresetBalanced {
		t.Errorf("preset = %q", loaded.Enforcement.Preset)
	}
}

// ─── manifest / pin / sign ────────────────────────────────────────────────────

func TestRenderIntegrityReport(t *testing.T) {
	m, err := integrity.NewManifest(map[string][]byte{
		"a.json": bytes.Repeat([]byte{1}, 32),
		"b.json": bytes.Repeat([]byte{2}, 32),
	})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	renderIntegrityReport(&buf, m, integrity.Report{
		Checked:    2,
		Mismatches: []integrity.Mismatch{{Resource: "b.json", Reason: integrity.ReasonMissing}},
	})
	out := buf.String()
	if !strings.Contains(out, "b.json (missing)") || !strings.Contains(out, "0101010101010101") {
		t.Errorf("unexpected report:\n%s", out)
	}
}

func TestWithDefaultPort(t *testing.T) {
	cases := map[string]string{
		"api.example.com":      "api.example.com:443",
		"api.example.com:8443": "api.example.com:8443",
		"[::1]":                "[::1]:443",
	}
	for in, want := range cases {
		if got := withDefaultPort(in); got != want {
			t.Errorf("withDefaultPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderFingerprints_JSON(t *testing.T) {
	var buf bytes.Buffer
	renderFingerprints(&buf, FormatJSON, []pinning.Fingerprint{{Subject: "CN=x", SPKIPin: "sha256/a", CertPin: "sha256/b"}})
	if !strings.Contains(buf.String(), `"spki_pin": "sha256/a"`) {
		t.Errorf("json = %s", buf.String())
	}
}

func TestParsePrivateKey(t *testing.T) {
	seed := "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=" // 32 bytes
	key, err := parsePrivateKey(seed)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(key) != 64 {
		t.Errorf("key length = %d", len(key))
	}
	for _, bad := range []string{"", "!!!", "AAEC"} {
		if _, err := parsePrivateKey(bad); err == nil {
			t.Errorf("parsePrivateKey(%q) should fail", bad)
		}
	}
}

func TestRenderLogs(t *testing.T) {
	buf := core.NewLogRingBuffer(10)
	buf.Write([]byte(`{"level":"warn","component":"monitor","message":"threat detected"}` + "\n"))

	var out bytes.Buffer
	renderLogs(&out, buf.GetEntries(5))
	for _, want := range []string{"warn", "monitor", "threat detected"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("log table missing %q:\n%s", want, out.String())
		}
	}
}

package detection

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/1sec-project/shield/internal/core"
	"github.com/1sec-project/shield/internal/integrity"
	"github.com/1sec-project/shield/internal/probe"
)

// ─── Debug attach ────────────────────────────────────────────────────────────

type debugAttachCheck struct {
	probe probe.Probe
}

// NewDebugAttachCheck detects an attached tracer. A failing attempt to deny
// future attachment also counts as a detection.
func NewDebugAttachCheck(p probe.Probe) Check {
	return &debugAttachCheck{probe: p}
}

func (c *debugAttachCheck) Definition() CheckDefinition {
	return CheckDefinition{
		ID:          core.CheckDebugAttach,
		Category:    core.CategoryDebug,
		Weight:      5,
		Description: "debugger attached to the process",
	}
}

func (c *debugAttachCheck) Run(ctx context.Context) (Finding, error) {
	tracer, tracerErr := c.probe.TracerPID()
	if tracerErr == nil && tracer != 0 {
		return Detected("tracer pid %d", tracer), nil
	}
	if err := c.probe.DenyDebuggerAttach(); err != nil && !errors.Is(err, probe.ErrUnsupported) {
		return Detected("deny attach failed: %v", err), nil
	}
	if tracerErr != nil {
		return Finding{}, fmt.Errorf("reading tracer: %w", tracerErr)
	}
	return Clean(), nil
}

// ─── Code signature ──────────────────────────────────────────────────────────

type codeSignatureCheck struct {
	probe probe.Probe
}

// NewCodeSignatureCheck re-verifies the running binary. Verification errors
// are detections.
func NewCodeSignatureCheck(p probe.Probe) Check {
	return &codeSignatureCheck{probe: p}
}

func (c *codeSignatureCheck) Definition() CheckDefinition {
	return CheckDefinition{
		ID:          core.CheckCodeSignature,
		Category:    core.CategoryTamper,
		Weight:      4,
		Description: "running binary fails code-signature verification",
	}
}

func (c *codeSignatureCheck) Run(ctx context.Context) (Finding, error) {
	err := c.probe.VerifyCodeSignature(ctx)
	if err == nil {
		return Clean(), nil
	}
	if ctx.Err() != nil {
		return Finding{}, ctx.Err()
	}
	return Detected("signature verification failed: %v", err), nil
}

// ─── Hook libraries ──────────────────────────────────────────────────────────

// DefaultHookLibraries are library name fragments of common instrumentation
// and hooking frameworks.
var DefaultHookLibraries = []string{
	"frida-agent", "frida-gadget", "frida", "gum-js-loop",
	"libsubstrate", "substrate", "substitute", "libhooker", "cycript",
	"xposed", "lsposed", "edxposed", "libriru", "riru", "zygisk",
	"libinject", "sslkillswitch",
}

type hookLibrariesCheck struct {
	probe    probe.Probe
	denyList []string
}

// NewHookLibrariesCheck matches loaded libraries against denyList. Matching
// is a case-insensitive substring test on the library file name.
func NewHookLibrariesCheck(p probe.Probe, denyList []string) Check {
	return &hookLibrariesCheck{probe: p, denyList: lowerAll(denyList)}
}

func (c *hookLibrariesCheck) Definition() CheckDefinition {
	return CheckDefinition{
		ID:          core.CheckHookLibraries,
		Category:    core.CategoryInjection,
		Weight:      4,
		Description: "known hooking library loaded into the process",
	}
}

func (c *hookLibrariesCheck) Run(ctx context.Context) (Finding, error) {
	libs, err := c.probe.LoadedLibraries(ctx)
	if err != nil {
		return Finding{}, fmt.Errorf("listing libraries: %w", err)
	}
	var hits []string
	for _, lib := range libs {
		base := strings.ToLower(filepath.Base(lib))
		if matchAny(base, c.denyList) {
			hits = append(hits, filepath.Base(lib))
		}
	}
	if len(hits) > 0 {
		return Detected("hook libraries loaded: %s", strings.Join(hits, ", ")), nil
	}
	return Clean(), nil
}

// ─── Hook symbols ────────────────────────────────────────────────────────────

// DefaultHookSymbols are exported symbols of hooking frameworks.
var DefaultHookSymbols = []string{
	"MSHookFunction", "MSHookMessageEx", "MSFindSymbol",
	"frida_agent_main", "gum_interceptor_attach", "gum_init_embedded",
	"xhook_register", "DobbyHook", "A64HookFunction", "LHookFunction",
}

// DefaultInstrumentationTools are process names of debuggers and tracers.
var DefaultInstrumentationTools = []string{
	"frida-server", "frida", "frida-helper", "gdb", "gdbserver", "lldb",
	"lldb-server", "debugserver", "strace", "ltrace", "objection", "cycript",
	"radare2", "r2", "ida", "ida64", "x64dbg",
}

type hookSymbolsCheck struct {
	probe   probe.Probe
	symbols []string
	tools   map[string]bool
}

// NewHookSymbolsCheck looks up hook symbols in loaded libraries and scans the
// process list for instrumentation tools.
func NewHookSymbolsCheck(p probe.Probe, symbols, tools []string) Check {
	toolSet := make(map[string]bool, len(tools))
	for _, t := range tools {
		toolSet[strings.ToLower(t)] = true
	}
	return &hookSymbolsCheck{probe: p, symbols: symbols, tools: toolSet}
}

func (c *hookSymbolsCheck) Definition() CheckDefinition {
	return CheckDefinition{
		ID:          core.CheckHookSymbols,
		Category:    core.CategoryHooking,
		Weight:      4,
		Description: "hook symbols resolvable or instrumentation tools running",
	}
}

func (c *hookSymbolsCheck) Run(ctx context.Context) (Finding, error) {
	var hits []string
	var errs []error
	attempted := 0

	if len(c.symbols) > 0 {
		attempted++
		for _, sym := range c.symbols {
			found, err := c.probe.LookupSymbol(ctx, sym)
			if err != nil {
				errs = append(errs, fmt.Errorf("symbol lookup: %w", err))
				break
			}
			if found {
				hits = append(hits, "symbol "+sym)
			}
		}
	}

	if len(c.tools) > 0 {
		attempted++
		procs, err := c.probe.Processes(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("process scan: %w", err))
		}
		for _, proc := range procs {
			if c.tools[strings.ToLower(proc.Name)] {
				hits = append(hits, fmt.Sprintf("process %s[%d]", proc.Name, proc.PID))
			}
		}
	}

	if len(hits) > 0 {
		return Detected("%s", strings.Join(hits, ", ")), nil
	}
	if ctx.Err() != nil {
		return Finding{}, ctx.Err()
	}
	if attempted > 0 && len(errs) == attempted {
		return Finding{}, errors.Join(errs...)
	}
	return Clean(), nil
}

// ─── Emulator ────────────────────────────────────────────────────────────────

// DefaultEmulatorSignatures are fingerprint fragments of emulators,
// simulators and common virtual hardware.
var DefaultEmulatorSignatures = []string{
	"goldfish", "ranchu", "sdk_gphone", "sdk_google", "google_sdk",
	"android sdk built for", "generic_x86", "vbox86", "genymotion",
	"simulator", "emulator", "qemu", "bochs", "virtualbox", "bluestacks",
}

type emulatorCheck struct {
	probe               probe.Probe
	signatures          []string
	allowVirtualization bool
}

// NewEmulatorCheck compares fingerprint fields with known emulator
// signatures. A hypervisor guest is also reported unless allowVirtualization.
func NewEmulatorCheck(p probe.Probe, signatures []string, allowVirtualization bool) Check {
	return &emulatorCheck{probe: p, signatures: lowerAll(signatures), allowVirtualization: allowVirtualization}
}

func (c *emulatorCheck) Definition() CheckDefinition {
	return CheckDefinition{
		ID:          core.CheckEmulator,
		Category:    core.CategoryEmulation,
		Weight:      2,
		Description: "running on an emulator or virtual device",
	}
}

func (c *emulatorCheck) Run(ctx context.Context) (Finding, error) {
	fp, err := c.probe.Fingerprint(ctx)
	if err != nil {
		return Finding{}, fmt.Errorf("reading fingerprint: %w", err)
	}

	fields := map[string]string{
		"manufacturer": fp.Manufacturer,
		"model":        fp.Model,
		"hardware":     fp.Hardware,
		"product":      fp.Product,
		"fingerprint":  fp.BuildFingerprint,
	}
	var hits []string
	for name, val := range fields {
		lower := strings.ToLower(val)
		if lower == "" {
			continue
		}
		if sig := firstMatch(lower, c.signatures); sig != "" {
			hits = append(hits, fmt.Sprintf("%s matches %q", name, sig))
		}
	}
	if fp.Props["ro.kernel.qemu"] == "1" || fp.Props["ro.boot.qemu"] == "1" {
		hits = append(hits, "qemu kernel property set")
	}
	if !c.allowVirtualization && fp.VirtualizationRole == "guest" {
		hits = append(hits, fmt.Sprintf("hypervisor guest (%s)", fp.Virtualization))
	}

	if len(hits) > 0 {
		sort.Strings(hits)
		return Detected("%s", strings.Join(hits, "; ")), nil
	}
	return Clean(), nil
}

// ─── Memory sentinel ─────────────────────────────────────────────────────────

const sentinelSize = 64

type sentinel struct {
	region []byte
	digest [sha256.Size]byte
}

type memorySentinelCheck struct {
	probe        probe.Probe
	sentinels    []*sentinel
	scanMappings bool
}

// NewMemorySentinelCheck allocates count canary regions filled with random
// bytes and records their digests. Each run re-hashes them and, when
// scanMappings is set, looks for writable and executable mappings.
func NewMemorySentinelCheck(p probe.Probe, count int, scanMappings bool) (Check, error) {
	if count <= 0 {
		count = 4
	}
	c := &memorySentinelCheck{probe: p, scanMappings: scanMappings}
	for i := 0; i < count; i++ {
		s := &sentinel{region: make([]byte, sentinelSize)}
		if _, err := rand.Read(s.region); err != nil {
			return nil, fmt.Errorf("filling sentinel: %w", err)
		}
		s.digest = sha256.Sum256(s.region)
		c.sentinels = append(c.sentinels, s)
	}
	return c, nil
}

func (c *memorySentinelCheck) Definition() CheckDefinition {
	return CheckDefinition{
		ID:          core.CheckMemorySentinel,
		Category:    core.CategoryMemory,
		Weight:      3,
		Description: "in-process memory modified",
	}
}

func (c *memorySentinelCheck) Run(ctx context.Context) (Finding, error) {
	var hits []string
	for i, s := range c.sentinels {
		sum := sha256.Sum256(s.region)
		if subtle.ConstantTimeCompare(sum[:], s.digest[:]) != 1 {
			hits = append(hits, fmt.Sprintf("sentinel %d modified", i))
		}
	}

	if c.scanMappings {
		maps, err := c.probe.MemoryMappings(ctx)
		switch {
		case err == nil:
			var wx []string
			for _, m := range maps {
				if m.Writable() && m.Executable() {
					wx = append(wx, fmt.Sprintf("%x-%x %s", m.Start, m.End, m.Path))
				}
			}
			if len(wx) > 0 {
				hits = append(hits, fmt.Sprintf("%d writable+executable mappings: %s", len(wx), strings.Join(wx, ", ")))
			}
		case ctx.Err() != nil:
			return Finding{}, ctx.Err()
		case !errors.Is(err, probe.ErrUnsupported):
			return Finding{}, fmt.Errorf("reading mappings: %w", err)
		}
	}

	if len(hits) > 0 {
		return Detected("%s", strings.Join(hits, "; ")), nil
	}
	return Clean(), nil
}

// ─── Resource integrity ──────────────────────────────────────────────────────

type resourceIntegrityCheck struct {
	validator *integrity.Validator
}

// NewResourceIntegrityCheck delegates to the integrity validator.
func NewResourceIntegrityCheck(v *integrity.Validator) Check {
	return &resourceIntegrityCheck{validator: v}
}

func (c *resourceIntegrityCheck) Definition() CheckDefinition {
	return CheckDefinition{
		ID:          core.CheckResourceIntegrity,
		Category:    core.CategoryIntegrity,
		Weight:      4,
		Description: "bundled resources differ from the manifest",
	}
}

func (c *resourceIntegrityCheck) Run(ctx context.Context) (Finding, error) {
	report, err := c.validator.Validate(ctx)
	switch {
	case err == nil:
		return Clean(), nil
	case errors.Is(err, integrity.ErrMismatch):
		return Detected("%s", report.Summary()), nil
	default:
		return Finding{}, err
	}
}

// ─── Root access ─────────────────────────────────────────────────────────────

// DefaultRootArtifacts are filesystem paths left by rooting or jailbreak
// tooling.
var DefaultRootArtifacts = []string{
	"/system/app/Superuser.apk",
	"/system/bin/su",
	"/system/xbin/su",
	"/sbin/su",
	"/data/local/su",
	"/data/local/bin/su",
	"/data/local/xbin/su",
	"/system/sd/xbin/su",
	"/system/bin/failsafe/su",
	"/data/adb/magisk",
	"/sbin/.magisk",
	"/cache/.disable_magisk",
	"/Applications/Cydia.app",
	"/Applications/Sileo.app",
	"/Library/MobileSubstrate/MobileSubstrate.dylib",
	"/private/var/lib/apt",
	"/var/jb",
}

type rootAccessCheck struct {
	probe     probe.Probe
	artifacts []string
	allowRoot bool
}

// NewRootAccessCheck looks for root/jailbreak artefacts and, unless
// allowRoot, for an effective UID of 0.
func NewRootAccessCheck(p probe.Probe, artifacts []string, allowRoot bool) Check {
	return &rootAccessCheck{probe: p, artifacts: artifacts, allowRoot: allowRoot}
}

func (c *rootAccessCheck) Definition() CheckDefinition {
	return CheckDefinition{
		ID:          core.CheckRootAccess,
		Category:    core.CategoryPrivilege,
		Weight:      3,
		Description: "device is rooted or jailbroken",
	}
}

func (c *rootAccessCheck) Run(ctx context.Context) (Finding, error) {
	var hits []string
	if !c.allowRoot && c.probe.EffectiveUID() == 0 {
		hits = append(hits, "effective uid 0")
	}
	for _, path := range c.artifacts {
		if err := ctx.Err(); err != nil {
			return Finding{}, err
		}
		exists, err := c.probe.FileExists(path)
		if err != nil {
			continue
		}
		if exists {
			hits = append(hits, path)
		}
	}
	if len(hits) > 0 {
		return Detected("root artefacts: %s", strings.Join(hits, ", ")), nil
	}
	return Clean(), nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func matchAny(s string, fragments []string) bool {
	return firstMatch(s, fragments) != ""
}

func firstMatch(s string, fragments []string) string {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return f
		}
	}
	return ""
}

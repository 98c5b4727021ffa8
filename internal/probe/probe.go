// Package probe wraps the operating-system queries the detection checks are
// built on. Core logic depends only on the Probe interface; Platform is the
// implementation for the running OS and probetest.Fake substitutes it in tests.
package probe

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	// ErrUnsupported is returned when a query has no implementation on this platform.
	ErrUnsupported = errors.New("probe: not supported on this platform")
	// ErrNoSigningKey is returned when code-signature verification is not configured.
	ErrNoSigningKey = errors.New("probe: no code-signing public key configured")
	// ErrSignatureInvalid is returned when the running binary fails verification.
	ErrSignatureInvalid = errors.New("probe: code signature does not match executable")
)

// Probe is the capability surface the detection checks consume.
type Probe interface {
	// TracerPID returns the PID of the process tracing us, or 0.
	TracerPID() (int, error)
	// DenyDebuggerAttach blocks future debugger attachment.
	DenyDebuggerAttach() error
	// VerifyCodeSignature re-validates the running binary's signature.
	VerifyCodeSignature(ctx context.Context) error
	// LoadedLibraries lists shared objects mapped into the process.
	LoadedLibraries(ctx context.Context) ([]string, error)
	// LookupSymbol reports whether a dynamic symbol is exported by any loaded library.
	LookupSymbol(ctx context.Context, name string) (bool, error)
	// Processes enumerates processes visible to us.
	Processes(ctx context.Context) ([]ProcessInfo, error)
	// Fingerprint describes the device/build.
	Fingerprint(ctx context.Context) (Fingerprint, error)
	// MemoryMappings lists the process's memory mappings.
	MemoryMappings(ctx context.Context) ([]Mapping, error)
	// FileExists reports whether path exists.
	FileExists(path string) (bool, error)
	// EffectiveUID returns the effective user ID, or -1 where not applicable.
	EffectiveUID() int
}

// ProcessInfo is a minimal view of a running process.
type ProcessInfo struct {
	PID  int32
	Name string
}

// Fingerprint holds device and build identification fields.
type Fingerprint struct {
	Platform           string
	PlatformFamily     string
	Kernel             string
	Manufacturer       string
	Model              string
	Hardware           string
	Product            string
	BuildFingerprint   string
	Virtualization     string
	VirtualizationRole string
	Props              map[string]string
}

// Mapping is one region from the process memory map.
type Mapping struct {
	Start uint64
	End   uint64
	Perms string
	Path  string
}

// Writable reports whether the mapping is writable.
func (m Mapping) Writable() bool { return strings.Contains(m.Perms, "w") }

// Executable reports whether the mapping is executable.
func (m Mapping) Executable() bool { return strings.Contains(m.Perms, "x") }

// Options configures a Platform probe.
type Options struct {
	// ExecutablePath overrides the binary whose signature is verified.
	ExecutablePath string
	// SignaturePath is the detached base64 Ed25519 signature over the
	// SHA-256 of the executable. Defaults to ExecutablePath + ".sig".
	SignaturePath string
	// PublicKey verifies SignaturePath.
	PublicKey ed25519.PublicKey
	// ProcRoot is the procfs mount point (Linux only).
	ProcRoot string
	// BuildPropPaths are Android-style property files read into the fingerprint.
	BuildPropPaths []string
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Platform is the Probe implementation for the running operating system.
type Platform struct {
	opts Options

	symMu    sync.Mutex
	symCache map[string]map[string]struct{} // library path → exported dynamic symbols
}

// New creates a Platform probe.
func New(opts Options) *Platform {
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if len(opts.BuildPropPaths) == 0 {
		opts.BuildPropPaths = []string{"/system/build.prop", "/vendor/build.prop"}
	}
	return &Platform{
		opts:     opts,
		symCache: make(map[string]map[string]struct{}),
	}
}

// VerifyCodeSignature hashes the executable and checks the detached
// Ed25519 signature. Any failure to read or verify is an error.
func (p *Platform) VerifyCodeSignature(ctx context.Context) error {
	if len(p.opts.PublicKey) == 0 {
		return ErrNoSigningKey
	}
	exe := p.opts.ExecutablePath
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}
	}
	sigPath := p.opts.SignaturePath
	if sigPath == "" {
		sigPath = exe + ".sig"
	}

	digest, err := hashFile(ctx, exe)
	if err != nil {
		return fmt.Errorf("hashing executable: %w", err)
	}
	encoded, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("reading signature: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	if !ed25519.Verify(p.opts.PublicKey, digest, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignExecutable produces the detached signature VerifyCodeSignature expects.
// It is used at build time, never at runtime.
func SignExecutable(ctx context.Context, path string, key ed25519.PrivateKey) (string, error) {
	digest, err := hashFile(ctx, path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, digest)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

func hashFile(ctx context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: f}); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Processes lists running processes via gopsutil. Processes that exit while
// being read are skipped.
func (p *Platform) Processes(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, ProcessInfo{PID: proc.Pid, Name: name})
	}
	return out, nil
}

// Fingerprint combines gopsutil host information with platform-specific
// build properties.
func (p *Platform) Fingerprint(ctx context.Context) (Fingerprint, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("reading host info: %w", err)
	}
	fp := Fingerprint{
		Platform:           info.Platform,
		PlatformFamily:     info.PlatformFamily,
		Kernel:             info.KernelVersion,
		Virtualization:     info.VirtualizationSystem,
		VirtualizationRole: info.VirtualizationRole,
		Props:              make(map[string]string),
	}
	p.fillPlatformFingerprint(&fp)
	return fp, nil
}

// FileExists reports whether path exists. Permission errors count as present:
// something is there even if we cannot read it.
func (p *Platform) FileExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	case errors.Is(err, os.ErrPermission):
		return true, nil
	default:
		return false, err
	}
}

var _ Probe = (*Platform)(nil)

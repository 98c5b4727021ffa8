// Package probetest provides a scriptable probe.Probe for tests.
package probetest

import (
	"context"
	"sync"

	"github.com/1sec-project/shield/internal/probe"
)

// Fake is an in-memory probe. The zero value reports a clean device.
type Fake struct {
	mu sync.Mutex

	Tracer       int
	TracerErr    error
	DenyErr      error
	SignatureErr error
	Libraries    []string
	LibrariesErr error
	Symbols      map[string]bool
	Procs        []probe.ProcessInfo
	ProcsErr     error
	Print        probe.Fingerprint
	PrintErr     error
	Mappings     []probe.Mapping
	Files        map[string]bool
	UID          int

	calls map[string]int
}

// New returns a clean Fake with a non-root UID.
func New() *Fake {
	return &Fake{UID: 1000}
}

// Update applies fn to the fake under its lock.
func (f *Fake) Update(fn func(f *Fake)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) hit(method string) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
}

func (f *Fake) TracerPID() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("TracerPID")
	return f.Tracer, f.TracerErr
}

func (f *Fake) DenyDebuggerAttach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("DenyDebuggerAttach")
	return f.DenyErr
}

func (f *Fake) VerifyCodeSignature(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("VerifyCodeSignature")
	return f.SignatureErr
}

func (f *Fake) LoadedLibraries(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("LoadedLibraries")
	return append([]string(nil), f.Libraries...), f.LibrariesErr
}

func (f *Fake) LookupSymbol(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("LookupSymbol")
	return f.Symbols[name], nil
}

func (f *Fake) Processes(ctx context.Context) ([]probe.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("Processes")
	return append([]probe.ProcessInfo(nil), f.Procs...), f.ProcsErr
}

func (f *Fake) Fingerprint(ctx context.Context) (probe.Fingerprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("Fingerprint")
	return f.Print, f.PrintErr
}

func (f *Fake) MemoryMappings(ctx context.Context) ([]probe.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("MemoryMappings")
	return append([]probe.Mapping(nil), f.Mappings...), nil
}

func (f *Fake) FileExists(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("FileExists")
	return f.Files[path], nil
}

func (f *Fake) EffectiveUID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("EffectiveUID")
	return f.UID
}

var _ probe.Probe = (*Fake)(nil)

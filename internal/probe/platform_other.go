//go:build !linux

package probe

import (
	"context"
	"os"
)

func (p *Platform) TracerPID() (int, error) { return 0, ErrUnsupported }

func (p *Platform) DenyDebuggerAttach() error { return ErrUnsupported }

func (p *Platform) MemoryMappings(ctx context.Context) ([]Mapping, error) {
	return nil, ErrUnsupported
}

func (p *Platform) LoadedLibraries(ctx context.Context) ([]string, error) {
	return nil, ErrUnsupported
}

func (p *Platform) LookupSymbol(ctx context.Context, name string) (bool, error) {
	return false, ErrUnsupported
}

func (p *Platform) EffectiveUID() int { return os.Geteuid() }

func (p *Platform) fillPlatformFingerprint(fp *Fingerprint) {}

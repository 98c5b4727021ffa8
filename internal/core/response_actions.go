package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Application collaborators. The host application implements these; the
// defaults below keep the core usable on its own.
// ---------------------------------------------------------------------------

// FeatureGate switches the application into a degraded mode.
type FeatureGate interface {
	DisableSensitive(reason string) error
	RestrictReadOnly(reason string) error
}

// SecretStore holds in-memory secrets (session tokens, keys).
type SecretStore interface {
	Purge() (int, error)
}

// StateLoader reloads protected state from a trusted source.
type StateLoader interface {
	ReloadProtected(ctx context.Context) error
}

// Terminator ends the process. Tests substitute a recorder.
type Terminator interface {
	Terminate(code int)
}

// Hooks bundles the collaborators the dispatcher acts through.
type Hooks struct {
	Features   FeatureGate
	Secrets    SecretStore
	State      StateLoader
	Terminator Terminator
}

func (h Hooks) withDefaults(logger zerolog.Logger) Hooks {
	if h.Features == nil {
		h.Features = NewModeGate()
	}
	if h.Secrets == nil {
		h.Secrets = noopSecretStore{logger: logger}
	}
	if h.State == nil {
		h.State = noopStateLoader{logger: logger}
	}
	if h.Terminator == nil {
		h.Terminator = ExitTerminator{}
	}
	return h
}

// ProtectionMode is the degradation level the application runs in.
type ProtectionMode int32

const (
	ModeNormal ProtectionMode = iota
	ModeReadOnly
	ModeSensitiveDisabled
)

func (m ProtectionMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeReadOnly:
		return "read_only"
	case ModeSensitiveDisabled:
		return "sensitive_disabled"
	default:
		return "unknown"
	}
}

// ModeGate is the default FeatureGate: an atomic mode that only ever
// degrades. The application polls Mode() before sensitive operations.
type ModeGate struct {
	mode atomic.Int32
}

// NewModeGate returns a gate in ModeNormal.
func NewModeGate() *ModeGate {
	return &ModeGate{}
}

// Mode returns the current protection mode.
func (g *ModeGate) Mode() ProtectionMode {
	return ProtectionMode(g.mode.Load())
}

func (g *ModeGate) raise(to ProtectionMode) {
	for {
		cur := g.mode.Load()
		if cur >= int32(to) {
			return
		}
		if g.mode.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// DisableSensitive moves the gate to ModeSensitiveDisabled.
func (g *ModeGate) DisableSensitive(string) error {
	g.raise(ModeSensitiveDisabled)
	return nil
}

// RestrictReadOnly moves the gate to at least ModeReadOnly.
func (g *ModeGate) RestrictReadOnly(string) error {
	g.raise(ModeReadOnly)
	return nil
}

// Reset returns the gate to ModeNormal. The engine calls it on every Start.
func (g *ModeGate) Reset() {
	g.mode.Store(int32(ModeNormal))
}

type noopSecretStore struct{ logger zerolog.Logger }

func (s noopSecretStore) Purge() (int, error) {
	s.logger.Debug().Msg("no secret store configured, nothing to purge")
	return 0, nil
}

type noopStateLoader struct{ logger zerolog.Logger }

func (s noopStateLoader) ReloadProtected(context.Context) error {
	s.logger.Debug().Msg("no state loader configured, nothing to reload")
	return nil
}

// ExitTerminator ends the process with os.Exit.
type ExitTerminator struct{}

func (ExitTerminator) Terminate(code int) { os.Exit(code) }

// ErrNoCollaborator is returned when an action has nothing to act on.
var ErrNoCollaborator = errors.New("no collaborator configured for action")

// ---------------------------------------------------------------------------
// Executors
// ---------------------------------------------------------------------------

// LogOnlyExecutor records the threat and does nothing else.
type LogOnlyExecutor struct {
	logger zerolog.Logger
}

func (e *LogOnlyExecutor) Execute(ctx context.Context, threat *ThreatEvent) (string, error) {
	e.logger.Warn().
		Str("threat_id", threat.ID).
		Str("category", string(threat.Type)).
		Str("check", threat.CheckID).
		Int("threat_count", threat.CumulativeCount).
		Str("risk", threat.RiskLevel.String()).
		Msg("threat logged")
	return "logged", nil
}

// DisableFeaturesExecutor switches off sensitive features.
type DisableFeaturesExecutor struct {
	gate FeatureGate
}

func (e *DisableFeaturesExecutor) Execute(ctx context.Context, threat *ThreatEvent) (string, error) {
	if e.gate == nil {
		return "", ErrNoCollaborator
	}
	if err := e.gate.DisableSensitive(string(threat.Type)); err != nil {
		return "", fmt.Errorf("disabling sensitive features: %w", err)
	}
	return "sensitive features disabled", nil
}

// RestrictReadOnlyExecutor limits the application to read-only/demo use.
type RestrictReadOnlyExecutor struct {
	gate FeatureGate
}

func (e *RestrictReadOnlyExecutor) Execute(ctx context.Context, threat *ThreatEvent) (string, error) {
	if e.gate == nil {
		return "", ErrNoCollaborator
	}
	if err := e.gate.RestrictReadOnly(string(threat.Type)); err != nil {
		return "", fmt.Errorf("restricting to read-only: %w", err)
	}
	return "restricted to read-only", nil
}

// PurgeSecretsExecutor wipes in-memory secrets.
type PurgeSecretsExecutor struct {
	store SecretStore
}

func (e *PurgeSecretsExecutor) Execute(ctx context.Context, threat *ThreatEvent) (string, error) {
	if e.store == nil {
		return "", ErrNoCollaborator
	}
	n, err := e.store.Purge()
	if err != nil {
		return "", fmt.Errorf("purging secrets: %w", err)
	}
	return fmt.Sprintf("purged %d secrets", n), nil
}

// ReloadStateExecutor reloads protected state from a trusted source.
type ReloadStateExecutor struct {
	loader StateLoader
}

func (e *ReloadStateExecutor) Execute(ctx context.Context, threat *ThreatEvent) (string, error) {
	if e.loader == nil {
		return "", ErrNoCollaborator
	}
	if err := e.loader.ReloadProtected(ctx); err != nil {
		return "", fmt.Errorf("reloading protected state: %w", err)
	}
	return "protected state reloaded", nil
}

// TerminateExecutor ends the process. The dispatcher flushes the bus first.
type TerminateExecutor struct {
	terminator Terminator
}

func (e *TerminateExecutor) Execute(ctx context.Context, threat *ThreatEvent) (string, error) {
	if e.terminator == nil {
		return "", ErrNoCollaborator
	}
	e.terminator.Terminate(TerminateExitCode)
	return fmt.Sprintf("terminated with code %d", TerminateExitCode), nil
}

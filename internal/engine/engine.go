// Package engine constructs the protection stack once and wires every
// component to its collaborators.
package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/1sec-project/shield/internal/core"
	"github.com/1sec-project/shield/internal/detection"
	"github.com/1sec-project/shield/internal/integrity"
	"github.com/1sec-project/shield/internal/monitor"
	"github.com/1sec-project/shield/internal/pinning"
	"github.com/1sec-project/shield/internal/probe"
	"github.com/rs/zerolog"
)

// Engine owns one instance of every component. It is the only place where
// components are constructed; everything else receives them by injection.
type Engine struct {
	Config     *core.Config
	ConfigPath string
	Logger     zerolog.Logger
	LogBuffer  *core.LogRingBuffer

	Bus        *core.EventBus
	Bridge     *core.NATSBridge
	Probe      probe.Probe
	Integrity  *integrity.Validator
	Pinning    *pinning.Validator
	Registry   *detection.Registry
	Dispatcher *core.Dispatcher
	Monitor    *monitor.Monitor
	Gate       *core.ModeGate

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type options struct {
	probe      probe.Probe
	hooks      core.Hooks
	logger     *zerolog.Logger
	configPath string
	resources  fs.FS
}

// Option customises New.
type Option func(*options)

// WithProbe substitutes the platform probe.
func WithProbe(p probe.Probe) Option { return func(o *options) { o.probe = p } }

// WithHooks supplies the application collaborators the dispatcher acts through.
func WithHooks(h core.Hooks) Option { return func(o *options) { o.hooks = h } }

// WithLogger replaces the configured logger.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = &l } }

// WithConfigPath records where the config was loaded from, enabling Reload.
func WithConfigPath(path string) Option { return func(o *options) { o.configPath = path } }

// WithResourceFS sets the filesystem the integrity manifest is checked against.
func WithResourceFS(fsys fs.FS) Option { return func(o *options) { o.resources = fsys } }

// New builds an engine from cfg. Nothing runs until Start.
func New(cfg *core.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		Config:     cfg,
		ConfigPath: o.configPath,
		LogBuffer:  core.NewLogRingBuffer(1000),
	}
	if o.logger != nil {
		e.Logger = *o.logger
	} else {
		e.Logger = core.NewLogger(cfg.Logging, e.LogBuffer)
	}
	logger := e.Logger

	e.Bus = core.NewEventBus(logger)

	e.Probe = o.probe
	if e.Probe == nil {
		p, err := newPlatformProbe(cfg)
		if err != nil {
			return nil, err
		}
		e.Probe = p
	}

	if cfg.Integrity.ManifestPath != "" {
		v, err := newIntegrityValidator(cfg, o.resources, logger)
		if err != nil {
			return nil, err
		}
		e.Integrity = v
	}

	pins, err := loadPinSet(cfg)
	if err != nil {
		return nil, err
	}
	e.Pinning = pinning.NewValidator(pins, e.Bus, logger)

	e.Registry, err = detection.NewDefaultRegistry(detection.Deps{
		Probe:     e.Probe,
		Integrity: e.Integrity,
		Config:    cfg,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building detection registry: %w", err)
	}

	hooks := o.hooks
	if hooks.Features == nil {
		e.Gate = core.NewModeGate()
		hooks.Features = e.Gate
	} else if g, ok := hooks.Features.(*core.ModeGate); ok {
		e.Gate = g
	}
	e.Dispatcher = core.NewDispatcher(logger, e.Bus, &cfg.Enforcement, hooks)

	monOpts := monitor.Options{
		Interval:    time.Duration(cfg.Monitor.IntervalMs) * time.Millisecond,
		HistorySize: cfg.Monitor.HistorySize,
	}
	if e.Gate != nil {
		monOpts.Mode = e.Gate.Mode
	}
	e.Monitor = monitor.New(e.Registry, e.Dispatcher, e.Bus, logger, monOpts)

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

func newPlatformProbe(cfg *core.Config) (*probe.Platform, error) {
	popts := probe.Options{SignaturePath: cfg.Signature.SignaturePath}
	if cfg.Signature.PublicKey != "" {
		key, err := probe.ParsePublicKey(cfg.Signature.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("signature.public_key: %w", err)
		}
		popts.PublicKey = key
	}
	return probe.New(popts), nil
}

func newIntegrityValidator(cfg *core.Config, resources fs.FS, logger zerolog.Logger) (*integrity.Validator, error) {
	manifest, err := integrity.LoadManifest(cfg.Integrity.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("integrity: %w", err)
	}
	if resources == nil {
		root := cfg.Integrity.ResourceRoot
		if root == "" {
			root = filepath.Dir(cfg.Integrity.ManifestPath)
		}
		resources = os.DirFS(root)
	}
	return integrity.NewValidator(manifest, resources, logger), nil
}

func loadPinSet(cfg *core.Config) (*pinning.PinSet, error) {
	hosts := cfg.Pinning.Hosts
	if cfg.Pinning.PinsPath != "" {
		fromFile, err := pinning.LoadPins(cfg.Pinning.PinsPath)
		if err != nil {
			return nil, fmt.Errorf("pinning: %w", err)
		}
		hosts = pinning.MergePins(fromFile, hosts)
	}
	pins, err := pinning.NewPinSet(hosts)
	if err != nil {
		return nil, fmt.Errorf("pinning: %w", err)
	}
	return pins, nil
}

// Start connects telemetry (if enabled) and starts the monitor. A restart
// after Shutdown begins from a clean slate: a fresh context, an unrestricted
// protection mode and a new telemetry bridge.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if e.ctx.Err() != nil {
		e.ctx, e.cancel = context.WithCancel(context.Background())
	}
	if e.Gate != nil {
		e.Gate.Reset()
	}

	if e.Config.Telemetry.Enabled {
		bridge, err := core.NewNATSBridge(&e.Config.Telemetry, e.Logger)
		if err != nil {
			return fmt.Errorf("starting telemetry bridge: %w", err)
		}
		bridge.Attach(e.Bus)
		e.Bridge = bridge
	}

	e.Monitor.Start()
	e.started = true
	e.Logger.Info().
		Int("checks", e.Registry.Count()).
		Int("pinned_hosts", e.Pinning.Pins().Len()).
		Str("preset", e.Config.Enforcement.Preset).
		Bool("telemetry", e.Bridge != nil).
		Msg("shield engine started")
	return nil
}

// Shutdown stops the monitor, flushes pending events and closes telemetry.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.Logger.Info().Msg("shutting down shield engine")

	e.Monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Bus.Flush(ctx); err != nil {
		e.Logger.Warn().Err(err).Msg("event flush on shutdown failed")
	}
	if e.Bridge != nil {
		if err := e.Bridge.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing telemetry bridge")
		}
		e.Bridge = nil
	}

	e.cancel()
	e.started = false
	e.Logger.Info().Msg("shield engine stopped")
	return nil
}

// Run starts the engine and blocks until a shutdown signal, context
// cancellation, or the monitor halting. SIGHUP reloads the config.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	halted := e.Monitor.Done()
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if _, err := e.Reload(); err != nil {
					e.Logger.Error().Err(err).Msg("config reload failed")
				}
				continue
			}
			e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		case <-halted:
			e.Logger.Warn().Msg("monitor halted")
		case <-e.ctx.Done():
			e.Logger.Info().Msg("context cancelled")
		}
		return e.Shutdown()
	}
}

// CheckOnce runs every check once without touching monitor state.
func (e *Engine) CheckOnce(ctx context.Context) []detection.DetectionResult {
	return e.Registry.RunAll(ctx)
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// Stop cancels the engine context, which makes Run return.
func (e *Engine) Stop() {
	e.cancel()
}

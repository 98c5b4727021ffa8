package main

// ---------------------------------------------------------------------------
// cmd_config.go: show, validate and initialise configuration
// ---------------------------------------------------------------------------

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/1sec-project/shield/internal/core"
	"github.com/1sec-project/shield/internal/pinning"
)

func cmdConfig(args []string) {
	sub := "show"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	switch sub {
	case "show":
		cmdConfigShow(args)
	case "validate":
		cmdConfigValidate(args)
	case "init":
		cmdConfigInit(args)
	default:
		errorf("unknown config subcommand %q (show, validate, init)", sub)
	}
}

func cmdConfigShow(args []string) {
	flags := flag.NewFlagSet("config show", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "Config file path")
	format := flags.String("format", "yaml", "Output format: yaml, json")
	flags.Parse(args)

	cfg, path := loadConfig(*configPath)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "%s\n", dim("# "+path+" not found, showing defaults"))
	}
	if err := writeConfig(os.Stdout, cfg, *format); err != nil {
		errorf("%v", err)
	}
}

func writeConfig(w io.Writer, cfg *core.Config, format string) error {
	if parseFormat(format) == FormatJSON {
		return writeJSON(w, cfg)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func cmdConfigValidate(args []string) {
	flags := flag.NewFlagSet("config validate", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "Config file path")
	flags.Parse(args)

	path := envConfig(*configPath)
	cfg, err := core.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s config invalid: %v\n", red("✗"), err)
		os.Exit(1)
	}

	issues := configIssues(cfg)
	if len(issues) > 0 {
		fmt.Fprintf(os.Stderr, "%s config has %d issue(s):\n", red("✗"), len(issues))
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "  - %s\n", issue)
		}
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "%s %s is valid\n", green("✓"), path)
}

// configIssues reports problems LoadConfig accepts but the engine would
// fail on at startup.
func configIssues(cfg *core.Config) []string {
	var issues []string
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.LogLevel()] {
		issues = append(issues, fmt.Sprintf("logging.level %q is not valid (debug, info, warn, error)", cfg.Logging.Level))
	}
	if cfg.Integrity.ManifestPath != "" {
		if _, err := os.Stat(cfg.Integrity.ManifestPath); err != nil {
			issues = append(issues, fmt.Sprintf("integrity.manifest_path: %v", err))
		}
	}
	if cfg.Pinning.PinsPath != "" {
		if _, err := pinning.LoadPins(cfg.Pinning.PinsPath); err != nil {
			issues = append(issues, fmt.Sprintf("pinning.pins_path: %v", err))
		}
	}
	if _, err := pinning.NewPinSet(cfg.Pinning.Hosts); err != nil {
		issues = append(issues, fmt.Sprintf("pinning.hosts: %v", err))
	}
	if cfg.IsCheckEnabled(core.CheckCodeSignature) && cfg.Signature.PublicKey == "" {
		issues = append(issues, "checks.code_signature is enabled but signature.public_key is empty")
	}
	if cfg.Telemetry.Enabled && !cfg.Telemetry.Embedded && cfg.Telemetry.URL == "" {
		issues = append(issues, "telemetry.url is required when telemetry is enabled without embedded NATS")
	}
	return issues
}

func cmdConfigInit(args []string) {
	flags := flag.NewFlagSet("config init", flag.ExitOnError)
	output := flags.String("output", defaultConfigPath, "File to write")
	preset := flags.String("preset", core.PresetStrict, "Enforcement preset: strict, balanced, observe")
	force := flags.Bool("force", false, "Overwrite an existing file")
	flags.Parse(args)

	if core.GetPreset(*preset) == nil {
		errorf("unknown preset %q (valid: %s)", *preset, strings.Join(core.ValidPresets(), ", "))
	}
	if _, err := os.Stat(*output); err == nil && !*force {
		errorf("%s already exists (use --force to overwrite)", *output)
	}

	cfg := core.DefaultConfig()
	cfg.Enforcement.Preset = *preset
	if err := core.SaveConfig(cfg, *output); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stderr, "%s wrote %s (preset %s)\n", green("✓"), *output, *preset)
}

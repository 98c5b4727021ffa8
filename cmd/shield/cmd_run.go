package main

// ---------------------------------------------------------------------------
// cmd_run.go: start the engine and block until a signal or halt
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/1sec-project/shield/internal/engine"
)

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Override logging.level")
	dryRun := fs.Bool("dry-run", false, "Record response actions without executing them")
	fs.Parse(args)

	cfg, path := loadConfig(*configPath)
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *dryRun {
		cfg.Enforcement.DryRun = true
	}

	eng, err := engine.New(cfg, engine.WithConfigPath(path))
	if err != nil {
		errorf("%v", err)
	}

	fmt.Fprintf(os.Stderr, "%s %s monitoring with %d checks every %dms (preset %s)\n",
		green("▸"), bold("shield"), eng.Registry.Count(), cfg.Monitor.IntervalMs, cfg.Enforcement.Preset)
	if cfg.Enforcement.DryRun {
		warnf("dry run: response actions are recorded but not executed")
	}

	if err := eng.Run(); err != nil {
		errorf("%v", err)
	}
	if st := eng.Monitor.Status(); st.Halted {
		fmt.Fprintf(os.Stderr, "%s monitor halted after %d threats\n", red("✗"), st.ThreatCount)
		os.Exit(3)
	}
}

package main

// ---------------------------------------------------------------------------
// helpers.go: colour, error helpers, env-based config
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/1sec-project/shield/internal/core"
)

const (
	defaultConfigPath = "shield.yaml"
	envConfigVar      = "SHIELD_CONFIG"
)

// ---------------------------------------------------------------------------
// Colour helpers. fatih/color honours NO_COLOR and non-TTY output.
// ---------------------------------------------------------------------------

var (
	colorRed    = color.New(color.FgHiRed, color.Bold)
	colorGreen  = color.New(color.FgGreen)
	colorYellow = color.New(color.FgHiYellow)
	colorCyan   = color.New(color.FgCyan)
	colorDim    = color.New(color.FgHiBlack)
	colorBold   = color.New(color.Bold)
)

func red(s string) string    { return colorRed.Sprint(s) }
func green(s string) string  { return colorGreen.Sprint(s) }
func yellow(s string) string { return colorYellow.Sprint(s) }
func cyan(s string) string   { return colorCyan.Sprint(s) }
func dim(s string) string    { return colorDim.Sprint(s) }
func bold(s string) string   { return colorBold.Sprint(s) }

// riskColor picks the colour for a risk level.
func riskColor(r core.RiskLevel) func(string) string {
	switch r {
	case core.RiskLow:
		return green
	case core.RiskMedium:
		return yellow
	default:
		return red
	}
}

// ---------------------------------------------------------------------------
// Error / warn helpers (always to stderr)
// ---------------------------------------------------------------------------

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, yellow("warning: ")+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Config resolution
// ---------------------------------------------------------------------------

// envConfig returns flagVal unless it is the default and SHIELD_CONFIG is set.
func envConfig(flagVal string) string {
	if flagVal != defaultConfigPath {
		return flagVal
	}
	if v := os.Getenv(envConfigVar); v != "" {
		return v
	}
	return flagVal
}

// loadConfig resolves the path and loads it, exiting on error.
func loadConfig(flagVal string) (*core.Config, string) {
	path := envConfig(flagVal)
	cfg, err := core.LoadConfig(path)
	if err != nil {
		errorf("loading config %s: %v", path, err)
	}
	return cfg, path
}

// ---------------------------------------------------------------------------
// hasFlag checks if any of the given flags appear in args.
// ---------------------------------------------------------------------------

func hasFlag(args []string, flags ...string) bool {
	for _, a := range args {
		for _, f := range flags {
			if a == f {
				return true
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Suggest: typo correction for unknown commands
// ---------------------------------------------------------------------------

func suggest(input string) string {
	input = strings.ToLower(input)
	if input == "" {
		return ""
	}
	for _, c := range commands {
		if strings.HasPrefix(c.name, input) || strings.HasPrefix(input, c.name) {
			return c.name
		}
	}
	for _, c := range commands {
		if len(c.name) == len(input) {
			diff := 0
			for i := range c.name {
				if c.name[i] != input[i] {
					diff++
				}
			}
			if diff <= 1 {
				return c.name
			}
		}
	}
	return ""
}

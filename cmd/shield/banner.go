package main

// ---------------------------------------------------------------------------
// banner.go: usage, version and per-command help text
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "shield v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "%s  %s\n\n", bold("shield"), dim("v"+version+", runtime self-protection"))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  shield <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s  %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path (default: "+defaultConfigPath+", env: "+envConfigVar+")")
	fmt.Fprintf(w, "  %-22s  %s\n", "--format <fmt>", "Output format: table, json, csv (default: table)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--version, -V", "Print version and exit")
	fmt.Fprintf(w, "  %-22s  %s\n", "--help, -h", "Show help")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-22s  %s\n", envConfigVar, "Default config file path")
	fmt.Fprintf(w, "  %-22s  %s\n", "SHIELD_LOG_LEVEL", "Overrides logging.level")
	fmt.Fprintf(w, "  %-22s  %s\n", "NO_COLOR", "Disable coloured output")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Run every check once and print the results"))
	fmt.Fprintf(w, "  shield check\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Hash bundled resources into a manifest"))
	fmt.Fprintf(w, "  shield manifest generate --root ./assets --output manifest.yaml\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Compute pins for a server certificate"))
	fmt.Fprintf(w, "  shield pin fetch api.example.com:443\n\n")
}

type commandHelp struct {
	name    string
	summary string
	usage   string
}

var commands = []commandHelp{
	{"run", "Start the protection engine and monitor until stopped",
		"shield run [--config path]\n\nStarts the periodic monitor. SIGHUP reloads the config, SIGINT/SIGTERM stop."},
	{"check", "Run every detection check once",
		"shield check [--config path] [--format table|json|csv] [--fail-on-detect]\n\nExits 2 with --fail-on-detect when any check reports a detection."},
	{"report", "Run the monitor briefly in dry-run mode and print its report",
		"shield report [--config path] [--duration 3s] [--logs N] [--format table|json] [--output file]"},
	{"manifest", "Generate or verify a resource integrity manifest",
		"shield manifest generate --root <dir> [--output manifest.yaml]\nshield manifest verify --manifest <file> [--root <dir>] [--format table|json]"},
	{"pin", "Compute or verify certificate pins",
		"shield pin show <cert.pem|cert.der>\nshield pin fetch <host[:port]> [--insecure]\nshield pin verify <host[:port]> [--config path]"},
	{"sign", "Generate signing keys or sign an executable",
		"shield sign keygen\nshield sign <binary> --key <base64 private key> [--output binary.sig]"},
	{"config", "Show, validate or initialise configuration",
		"shield config [show] [--config path] [--format yaml|json]\nshield config validate [--config path]\nshield config init [--output shield.yaml] [--preset strict|balanced|observe] [--force]"},
	{"version", "Print version and build info", "shield version"},
	{"help", "Show help for a command", "shield help <command>"},
}

func cmdHelp(name string) {
	for _, c := range commands {
		if c.name == name {
			fmt.Fprintf(os.Stdout, "%s\n\n%s\n\n", bold(c.name)+": "+c.summary, c.usage)
			return
		}
	}
	fmt.Fprintf(os.Stderr, red("error: ")+"no help for %q\n", name)
	if s := suggest(name); s != "" {
		fmt.Fprintf(os.Stderr, "       Did you mean %s?\n", bold(s))
	}
	os.Exit(1)
}

package main

// ---------------------------------------------------------------------------
// cmd_report.go: run the monitor in dry-run mode and print its report
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/shield/internal/core"
	"github.com/1sec-project/shield/internal/engine"
	"github.com/1sec-project/shield/internal/monitor"
)

func cmdReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	duration := fs.Duration("duration", 3*time.Second, "How long to monitor before reporting")
	format := fs.String("format", "table", "Output format: table, json")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	output := fs.String("output", "", "Write output to file")
	logLines := fs.Int("logs", 0, "Include the last N engine log lines")
	fs.Parse(args)

	if *jsonOut {
		*format = "json"
	}
	cfg, _ := loadConfig(*configPath)
	// The CLI must survive its own report.
	cfg.Enforcement.DryRun = true
	cfg.Telemetry.Enabled = false

	logs := core.NewLogRingBuffer(500)
	zerolog.SetGlobalLevel(core.ParseLogLevel(cfg.Logging.Level))
	eng, err := engine.New(cfg, engine.WithLogger(zerolog.New(logs).With().Timestamp().Logger()))
	if err != nil {
		errorf("%v", err)
	}
	if err := eng.Start(); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stderr, "%s monitoring for %s...\n", dim("▸"), *duration)
	time.Sleep(*duration)
	rep := eng.Monitor.Report()
	records := eng.Dispatcher.Records(20)
	var entries []core.LogEntry
	if *logLines > 0 {
		entries = logs.GetEntries(*logLines)
	}
	if err := eng.Shutdown(); err != nil {
		warnf("shutdown: %v", err)
	}

	w, closer := outputWriter(*output)
	defer closer()

	if parseFormat(*format) == FormatJSON {
		if err := writeJSON(w, map[string]interface{}{
			"report":  rep,
			"actions": records,
			"logs":    entries,
		}); err != nil {
			errorf("writing report: %v", err)
		}
		return
	}
	renderReport(w, rep)
	if len(records) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Response actions (dry run)"))
		tbl := NewTable(w, "TIME", "CATEGORY", "ACTION", "STATUS")
		for _, r := range records {
			tbl.AddRow(r.Timestamp.Format(time.TimeOnly), string(r.Category), string(r.Action), string(r.Status))
		}
		tbl.Render()
	}
	if len(entries) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Engine log"))
		renderLogs(w, entries)
	}
}

func renderLogs(w io.Writer, entries []core.LogEntry) {
	tbl := NewTable(w, "TIME", "LEVEL", "COMPONENT", "MESSAGE")
	for _, e := range entries {
		tbl.AddRow(e.Timestamp.Format(time.TimeOnly), e.Level, e.Component, e.Message)
	}
	tbl.Render()
}

func renderReport(w io.Writer, rep monitor.Report) {
	colorize := riskColor(rep.RiskLevel)
	fmt.Fprintf(w, "%s\n\n", bold("Shield report"))
	fmt.Fprintf(w, "  %-14s %s\n", "Risk level:", colorize(rep.RiskLevel.String()))
	fmt.Fprintf(w, "  %-14s %d\n", "Threats:", rep.ThreatCount)
	fmt.Fprintf(w, "  %-14s %d\n", "Ticks:", rep.Ticks)
	if rep.Mode != "" {
		fmt.Fprintf(w, "  %-14s %s\n", "Mode:", cyan(rep.Mode))
	}
	if !rep.LastThreatAt.IsZero() {
		fmt.Fprintf(w, "  %-14s %s\n", "Last threat:", rep.LastThreatAt.Format(time.RFC3339))
	}
	if rep.Warning != "" {
		fmt.Fprintf(w, "  %-14s %s\n", "User warning:", rep.Warning)
	}

	if len(rep.Results) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Last tick"))
		_ = renderResults(w, FormatTable, rep.Results)
	}
	if len(rep.RecentThreats) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Recent threats"))
		tbl := NewTable(w, "#", "TIME", "CHECK", "TYPE", "RISK")
		for _, t := range rep.RecentThreats {
			tbl.AddRow(strconv.Itoa(t.CumulativeCount), t.DetectedAt.Format(time.TimeOnly),
				t.CheckID, string(t.Type), t.RiskLevel.String())
		}
		tbl.Render()
	}
}

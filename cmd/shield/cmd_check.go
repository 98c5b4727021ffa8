package main

// ---------------------------------------------------------------------------
// cmd_check.go: run every detection check once
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/shield/internal/detection"
	"github.com/1sec-project/shield/internal/engine"
)

var checkHeaders = []string{"CHECK", "CATEGORY", "WEIGHT", "STATUS", "DURATION", "EVIDENCE"}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	format := fs.String("format", "table", "Output format: table, json, csv")
	jsonOut := fs.Bool("json", false, "Output results as JSON")
	output := fs.String("output", "", "Write output to file")
	failOnDetect := fs.Bool("fail-on-detect", false, "Exit with status 2 if any check detects a threat")
	fs.Parse(args)

	if *jsonOut {
		*format = "json"
	}
	cfg, _ := loadConfig(*configPath)

	eng, err := engine.New(cfg, engine.WithLogger(zerolog.Nop()))
	if err != nil {
		errorf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	results := eng.CheckOnce(ctx)

	w, closer := outputWriter(*output)
	defer closer()
	if err := renderResults(w, parseFormat(*format), results); err != nil {
		errorf("writing results: %v", err)
	}

	detected := countDetections(results)
	if parseFormat(*format) == FormatTable {
		if detected == 0 {
			fmt.Fprintf(os.Stderr, "%s %d checks, no threats detected\n", green("✓"), len(results))
		} else {
			fmt.Fprintf(os.Stderr, "%s %d of %d checks detected a threat\n", red("✗"), detected, len(results))
		}
	}
	if *failOnDetect && detected > 0 {
		closer()
		os.Exit(2)
	}
}

func countDetections(results []detection.DetectionResult) int {
	n := 0
	for _, r := range results {
		if r.IsDetection() {
			n++
		}
	}
	return n
}

func resultRow(r detection.DetectionResult) []string {
	evidence := r.Evidence
	if r.Error != "" {
		evidence = r.Error
	}
	return []string{
		r.CheckID,
		string(r.Category),
		strconv.Itoa(r.Weight),
		string(r.Status),
		r.Duration.Round(time.Microsecond).String(),
		evidence,
	}
}

// renderResults writes check results in the requested format.
func renderResults(w io.Writer, format OutputFormat, results []detection.DetectionResult) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, results)
	case FormatCSV:
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			rows = append(rows, resultRow(r))
		}
		return writeCSV(w, checkHeaders, rows)
	default:
		tbl := NewTable(w, checkHeaders...)
		for _, r := range results {
			tbl.AddRow(resultRow(r)...)
		}
		tbl.Render()
		return nil
	}
}

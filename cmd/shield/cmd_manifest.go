package main

// ---------------------------------------------------------------------------
// cmd_manifest.go: build-time manifest generation and offline verification
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/1sec-project/shield/internal/integrity"
)

func cmdManifest(args []string) {
	if len(args) == 0 {
		cmdHelp("manifest")
		os.Exit(1)
	}
	switch args[0] {
	case "generate":
		cmdManifestGenerate(args[1:])
	case "verify":
		cmdManifestVerify(args[1:])
	default:
		errorf("unknown manifest subcommand %q (generate, verify)", args[0])
	}
}

func cmdManifestGenerate(args []string) {
	fs := flag.NewFlagSet("manifest generate", flag.ExitOnError)
	root := fs.String("root", "", "Directory of bundled resources")
	output := fs.String("output", "manifest.yaml", "Manifest file to write (- for stdout)")
	fs.Parse(args)

	if *root == "" {
		errorf("--root is required")
	}
	m, err := integrity.GenerateManifest(context.Background(), *root)
	if err != nil {
		errorf("generating manifest: %v", err)
	}

	if *output == "-" {
		data, err := m.Marshal()
		if err != nil {
			errorf("%v", err)
		}
		os.Stdout.Write(data)
		return
	}
	if err := m.Save(*output); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stderr, "%s wrote %d resources to %s\n", green("✓"), m.Len(), *output)
}

func cmdManifestVerify(args []string) {
	fs := flag.NewFlagSet("manifest verify", flag.ExitOnError)
	manifestPath := fs.String("manifest", "manifest.yaml", "Manifest file")
	root := fs.String("root", "", "Resource directory (default: manifest directory)")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	m, err := integrity.LoadManifest(*manifestPath)
	if err != nil {
		errorf("%v", err)
	}
	dir := *root
	if dir == "" {
		dir = filepath.Dir(*manifestPath)
	}

	v := integrity.NewValidator(m, os.DirFS(dir), zerolog.Nop())
	report, verr := v.Validate(context.Background())
	if verr != nil && !errors.Is(verr, integrity.ErrMismatch) {
		errorf("%v", verr)
	}

	if parseFormat(*format) == FormatJSON {
		writeJSON(os.Stdout, report)
	} else {
		renderIntegrityReport(os.Stdout, m, report)
	}
	if !report.OK() {
		os.Exit(2)
	}
}

func renderIntegrityReport(w io.Writer, m *integrity.Manifest, report integrity.Report) {
	failed := make(map[string]string, len(report.Mismatches))
	for _, mm := range report.Mismatches {
		failed[mm.Resource] = mm.Reason
	}
	tbl := NewTable(w, "RESOURCE", "EXPECTED", "RESULT")
	for _, name := range m.Names() {
		want, _ := m.Digest(name)
		result := "ok"
		if reason, bad := failed[name]; bad {
			result = reason
		}
		tbl.AddRow(name, hex.EncodeToString(want)[:16]+"…", result)
	}
	tbl.Render()
	if report.OK() {
		fmt.Fprintf(w, "%s %d resources verified\n", green("✓"), report.Checked)
	} else {
		fmt.Fprintf(w, "%s %s\n", red("✗"), report.Summary())
	}
}

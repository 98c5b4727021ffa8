package main

// ---------------------------------------------------------------------------
// cmd_pin.go: compute and verify certificate pins
// ---------------------------------------------------------------------------

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/shield/internal/engine"
	"github.com/1sec-project/shield/internal/pinning"
)

func cmdPin(args []string) {
	if len(args) == 0 {
		cmdHelp("pin")
		os.Exit(1)
	}
	switch args[0] {
	case "show":
		cmdPinShow(args[1:])
	case "fetch":
		cmdPinFetch(args[1:])
	case "verify":
		cmdPinVerify(args[1:])
	default:
		errorf("unknown pin subcommand %q (show, fetch, verify)", args[0])
	}
}

func cmdPinShow(args []string) {
	fs := flag.NewFlagSet("pin show", flag.ExitOnError)
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)
	if fs.NArg() != 1 {
		errorf("usage: shield pin show <cert.pem|cert.der>")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		errorf("%v", err)
	}
	fps, err := pinning.FingerprintCertificates(data)
	if err != nil {
		errorf("%v", err)
	}
	renderFingerprints(os.Stdout, parseFormat(*format), fps)
}

func cmdPinFetch(args []string) {
	fs := flag.NewFlagSet("pin fetch", flag.ExitOnError)
	insecure := fs.Bool("insecure", false, "Skip CA verification (pins only, never for production)")
	timeout := fs.Duration("timeout", 10*time.Second, "Dial timeout")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)
	if fs.NArg() != 1 {
		errorf("usage: shield pin fetch <host[:port]>")
	}

	addr := withDefaultPort(fs.Arg(0))
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: *timeout}, "tcp", addr, &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: *insecure,
	})
	if err != nil {
		errorf("connecting to %s: %v", addr, err)
	}
	defer conn.Close()

	var fps []pinning.Fingerprint
	for _, cert := range conn.ConnectionState().PeerCertificates {
		fps = append(fps, pinning.Fingerprint{
			Subject:  cert.Subject.String(),
			DNSNames: cert.DNSNames,
			SPKIPin:  pinning.PinForCertificate(cert),
			CertPin:  pinning.CertificatePin(cert),
		})
	}
	renderFingerprints(os.Stdout, parseFormat(*format), fps)
	if parseFormat(*format) == FormatTable && len(fps) > 0 {
		host, _, _ := net.SplitHostPort(addr)
		fmt.Fprintf(os.Stdout, "\n%s\n", dim("# config snippet (leaf SPKI pin)"))
		fmt.Fprintf(os.Stdout, "pinning:\n  hosts:\n    %s:\n      - %q\n", pinning.NormalizeHost(host), fps[0].SPKIPin)
	}
}

func cmdPinVerify(args []string) {
	fs := flag.NewFlagSet("pin verify", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	timeout := fs.Duration("timeout", 10*time.Second, "Dial timeout")
	fs.Parse(args)
	if fs.NArg() != 1 {
		errorf("usage: shield pin verify <host[:port]>")
	}

	cfg, _ := loadConfig(*configPath)
	eng, err := engine.New(cfg, engine.WithLogger(zerolog.Nop()))
	if err != nil {
		errorf("%v", err)
	}

	addr := withDefaultPort(fs.Arg(0))
	host, _, _ := net.SplitHostPort(addr)
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: *timeout}, "tcp", addr, eng.Pinning.TLSConfigForHost(nil, host))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", red("✗"), addr, err)
		os.Exit(2)
	}
	conn.Close()
	fmt.Fprintf(os.Stdout, "%s %s presented a pinned certificate\n", green("✓"), addr)
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), "443")
}

func renderFingerprints(w io.Writer, format OutputFormat, fps []pinning.Fingerprint) {
	if format == FormatJSON {
		writeJSON(w, fps)
		return
	}
	tbl := NewTable(w, "#", "SUBJECT", "SPKI PIN", "CERT PIN")
	for i, fp := range fps {
		tbl.AddRow(fmt.Sprint(i), fp.Subject, fp.SPKIPin, fp.CertPin)
	}
	tbl.Render()
}

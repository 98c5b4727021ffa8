package main

// ---------------------------------------------------------------------------
// cmd_sign.go: build-time Ed25519 signing of the protected executable
// ---------------------------------------------------------------------------

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/1sec-project/shield/internal/probe"
)

func cmdSign(args []string) {
	if len(args) > 0 && args[0] == "keygen" {
		cmdSignKeygen()
		return
	}

	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	key := fs.String("key", "", "Base64 Ed25519 private key (env: SHIELD_SIGNING_KEY)")
	output := fs.String("output", "", "Signature file (default: <binary>.sig)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		errorf("usage: shield sign <binary> --key <base64 private key>")
	}
	if *key == "" {
		*key = os.Getenv("SHIELD_SIGNING_KEY")
	}

	priv, err := parsePrivateKey(*key)
	if err != nil {
		errorf("%v", err)
	}
	binary := fs.Arg(0)
	sig, err := probe.SignExecutable(context.Background(), binary, priv)
	if err != nil {
		errorf("signing %s: %v", binary, err)
	}

	path := *output
	if path == "" {
		path = binary + ".sig"
	}
	if err := os.WriteFile(path, []byte(sig+"\n"), 0o644); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stderr, "%s signature written to %s\n", green("✓"), path)
}

func cmdSignKeygen() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		errorf("generating key: %v", err)
	}
	fmt.Fprintf(os.Stdout, "public_key:  %s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Fprintf(os.Stdout, "private_key: %s\n", base64.StdEncoding.EncodeToString(priv))
	fmt.Fprintf(os.Stderr, "%s\n", dim("# put public_key under signature.public_key; keep private_key out of the repo"))
}

func parsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	if encoded == "" {
		return nil, fmt.Errorf("no signing key given")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// Package pinning restricts TLS peers to a fixed set of certificate
// fingerprints per protected host.
package pinning

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PinPrefix marks a base64 SHA-256 pin, as in "sha256/AbC...=".
const PinPrefix = "sha256/"

type digest [sha256.Size]byte

// PinSet maps normalised hosts to accepted SHA-256 fingerprints. It is
// immutable after construction and safe for concurrent reads.
type PinSet struct {
	hosts map[string]map[digest]struct{}
}

// NewPinSet builds a pin set from host → pin strings.
func NewPinSet(hosts map[string][]string) (*PinSet, error) {
	ps := &PinSet{hosts: make(map[string]map[digest]struct{}, len(hosts))}
	for host, pins := range hosts {
		h := NormalizeHost(host)
		if h == "" {
			return nil, fmt.Errorf("empty host in pin set")
		}
		if len(pins) == 0 {
			return nil, fmt.Errorf("host %s has no pins", h)
		}
		set, ok := ps.hosts[h]
		if !ok {
			set = make(map[digest]struct{}, len(pins))
			ps.hosts[h] = set
		}
		for _, p := range pins {
			d, err := ParsePin(p)
			if err != nil {
				return nil, fmt.Errorf("host %s: %w", h, err)
			}
			set[d] = struct{}{}
		}
	}
	return ps, nil
}

// ParsePin decodes "sha256/<base64>" or a 64-character hex digest.
func ParsePin(pin string) (digest, error) {
	var d digest
	pin = strings.TrimSpace(pin)
	var raw []byte
	var err error
	if strings.HasPrefix(pin, PinPrefix) {
		raw, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(pin, PinPrefix))
	} else {
		raw, err = hex.DecodeString(strings.ReplaceAll(pin, ":", ""))
	}
	if err != nil {
		return d, fmt.Errorf("invalid pin %q: %w", pin, err)
	}
	if len(raw) != sha256.Size {
		return d, fmt.Errorf("invalid pin %q: %d bytes, want %d", pin, len(raw), sha256.Size)
	}
	copy(d[:], raw)
	return d, nil
}

// NormalizeHost lowercases host and strips any port and trailing dot.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// Contains reports whether host is protected.
func (ps *PinSet) Contains(host string) bool {
	_, ok := ps.hosts[NormalizeHost(host)]
	return ok
}

// Hosts returns the protected hosts in sorted order.
func (ps *PinSet) Hosts() []string {
	out := make([]string, 0, len(ps.hosts))
	for h := range ps.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of protected hosts.
func (ps *PinSet) Len() int { return len(ps.hosts) }

func (ps *PinSet) match(host string, d digest) bool {
	_, ok := ps.hosts[host][d]
	return ok
}

// pinFile is the YAML layout of a pins file.
type pinFile struct {
	Pins map[string][]string `yaml:"pins"`
}

// LoadPins reads host → pins from a YAML file.
func LoadPins(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pins: %w", err)
	}
	var pf pinFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing pins: %w", err)
	}
	return pf.Pins, nil
}

// MergePins combines several host → pins maps. Later maps add to earlier ones.
func MergePins(sources ...map[string][]string) map[string][]string {
	out := make(map[string][]string)
	for _, src := range sources {
		for host, pins := range src {
			out[host] = append(out[host], pins...)
		}
	}
	return out
}

// PinForCertificate returns the SPKI pin of cert.
func PinForCertificate(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return PinPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// CertificatePin returns the whole-certificate pin of cert.
func CertificatePin(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return PinPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// Fingerprint holds the two pin forms of one certificate.
type Fingerprint struct {
	Subject  string   `json:"subject"`
	DNSNames []string `json:"dns_names,omitempty"`
	SPKIPin  string   `json:"spki_pin"`
	CertPin  string   `json:"cert_pin"`
}

// FingerprintCertificates computes pins for every certificate in data, which
// may be PEM (one or more blocks) or a single DER certificate.
func FingerprintCertificates(data []byte) ([]Fingerprint, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("no certificate found: %w", err)
		}
		certs = append(certs, cert)
	}

	out := make([]Fingerprint, 0, len(certs))
	for _, c := range certs {
		out = append(out, Fingerprint{
			Subject:  c.Subject.String(),
			DNSNames: c.DNSNames,
			SPKIPin:  PinForCertificate(c),
			CertPin:  CertificatePin(c),
		})
	}
	return out, nil
}

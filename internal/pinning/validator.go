package pinning

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/1sec-project/shield/internal/core"
	"github.com/rs/zerolog"
)

var (
	// ErrHostNotPinned rejects connections to hosts outside the protected set.
	ErrHostNotPinned = errors.New("pinning: host is not in the pinned set")
	// ErrPinMismatch rejects a peer whose leaf matches no pin for the host.
	ErrPinMismatch = errors.New("pinning: certificate does not match any pin")
)

// Validator checks TLS peers against a PinSet. Verify may be called from any
// number of handshakes concurrently.
type Validator struct {
	pins   *PinSet
	bus    *core.EventBus
	logger zerolog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewValidator creates a pinning validator. bus may be nil.
func NewValidator(pins *PinSet, bus *core.EventBus, logger zerolog.Logger) *Validator {
	if pins == nil {
		pins = &PinSet{hosts: map[string]map[digest]struct{}{}}
	}
	return &Validator{
		pins:   pins,
		bus:    bus,
		logger: logger.With().Str("component", "pinning").Logger(),
	}
}

// Pins returns the enforced pin set.
func (v *Validator) Pins() *PinSet { return v.pins }

// Verify accepts rawCerts for host only if the host is pinned and the leaf's
// SPKI or DER SHA-256 is one of its pins.
func (v *Validator) Verify(host string, rawCerts [][]byte) error {
	h := NormalizeHost(host)
	if _, ok := v.pins.hosts[h]; !ok {
		v.reject(h, "host not pinned", "")
		return fmt.Errorf("%w: %s", ErrHostNotPinned, h)
	}
	if len(rawCerts) == 0 {
		v.reject(h, "no peer certificate", "")
		return fmt.Errorf("%w: %s presented no certificate", ErrPinMismatch, h)
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		v.reject(h, "unparseable leaf certificate", "")
		return fmt.Errorf("%w: parsing leaf for %s: %v", ErrPinMismatch, h, err)
	}
	if v.pins.match(h, sha256.Sum256(leaf.RawSubjectPublicKeyInfo)) ||
		v.pins.match(h, sha256.Sum256(leaf.Raw)) {
		v.accepted.Add(1)
		return nil
	}

	v.reject(h, "certificate not pinned", PinForCertificate(leaf))
	return fmt.Errorf("%w: %s", ErrPinMismatch, h)
}

func (v *Validator) reject(host, reason, presented string) {
	v.rejected.Add(1)
	v.logger.Warn().Str("host", host).Str("reason", reason).Msg("TLS peer rejected by pinning")
	if v.bus == nil {
		return
	}
	event := core.NewEvent(core.KindPinningFailure, "pinning", core.SeverityHigh, "certificate pinning failure")
	event.Details["host"] = host
	event.Details["reason"] = reason
	if presented != "" {
		event.Details["presented_pin"] = presented
	}
	v.bus.Publish(event)
}

// TLSConfig returns a clone of base whose VerifyConnection enforces pins.
// Standard chain verification still runs unless base disables it, and any
// VerifyConnection already on base runs first. The host checked is the SNI
// name, or base.ServerName when no SNI was sent (IP literals). Callers that
// dial IP addresses without setting ServerName should use TLSConfigForHost.
func (v *Validator) TLSConfig(base *tls.Config) *tls.Config {
	return v.tlsConfig(base, "")
}

// TLSConfigForHost is TLSConfig bound to the dialled host, which is checked
// whenever the handshake carries no SNI name.
func (v *Validator) TLSConfigForHost(base *tls.Config, host string) *tls.Config {
	return v.tlsConfig(base, host)
}

func (v *Validator) tlsConfig(base *tls.Config, host string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if host == "" {
		host = cfg.ServerName
	}
	prev := cfg.VerifyConnection
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if prev != nil {
			if err := prev(cs); err != nil {
				return err
			}
		}
		raw := make([][]byte, 0, len(cs.PeerCertificates))
		for _, c := range cs.PeerCertificates {
			raw = append(raw, c.Raw)
		}
		name := cs.ServerName
		if name == "" {
			name = host
		}
		return v.Verify(name, raw)
	}
	return cfg
}

// HTTPClient returns a copy of base (or a default client) whose transport
// enforces pins on every TLS connection. TLS dials bind the verifier to the
// dialled host so IP-literal URLs are checked against their own pins.
func (v *Validator) HTTPClient(base *http.Client) *http.Client {
	client := &http.Client{}
	if base != nil {
		*client = *base
	}
	var transport *http.Transport
	if t, ok := client.Transport.(*http.Transport); ok && t != nil {
		transport = t.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	tlsBase := transport.TLSClientConfig
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		cfg := v.TLSConfigForHost(tlsBase, host)
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		td := &tls.Dialer{NetDialer: dialer, Config: cfg}
		return td.DialContext(ctx, network, addr)
	}
	transport.TLSClientConfig = v.TLSConfig(tlsBase)
	client.Transport = transport
	return client
}

// GetMetrics returns accept/reject counters.
func (v *Validator) GetMetrics() map[string]int64 {
	return map[string]int64{
		"accepted": v.accepted.Load(),
		"rejected": v.rejected.Load(),
		"hosts":    int64(v.pins.Len()),
	}
}

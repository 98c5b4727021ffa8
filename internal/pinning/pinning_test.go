package pinning

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/1sec-project/shield/internal/core"
	"github.com/rs/zerolog"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func makeCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert
}

type eventCollector struct {
	mu     sync.Mutex
	events []*core.Event
}

func (c *eventCollector) handle(e *core.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestValidator(t *testing.T, hosts map[string][]string) (*Validator, *eventCollector) {
	t.Helper()
	pins, err := NewPinSet(hosts)
	if err != nil {
		t.Fatalf("NewPinSet: %v", err)
	}
	bus := core.NewEventBus(zerolog.Nop())
	col := &eventCollector{}
	bus.Subscribe(core.KindPinningFailure, col.handle)
	return NewValidator(pins, bus, zerolog.Nop()), col
}

// ─── Verify ──────────────────────────────────────────────────────────────────

func TestVerify_AcceptsPinnedSPKI(t *testing.T) {
	cert := makeCert(t, "api.example.com")
	v, col := newTestValidator(t, map[string][]string{"api.example.com": {PinForCertificate(cert)}})

	if err := v.Verify("api.example.com", [][]byte{cert.Raw}); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if col.count() != 0 {
		t.Errorf("expected no pinning events, got %d", col.count())
	}
}

func TestVerify_AcceptsWholeCertificatePin(t *testing.T) {
	cert := makeCert(t, "api.example.com")
	v, _ := newTestValidator(t, map[string][]string{"api.example.com": {CertificatePin(cert)}})

	if err := v.Verify("api.example.com", [][]byte{cert.Raw}); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestVerify_RejectsOtherCertificate(t *testing.T) {
	pinned := makeCert(t, "api.example.com")
	other := makeCert(t, "api.example.com")
	v, col := newTestValidator(t, map[string][]string{"api.example.com": {PinForCertificate(pinned)}})

	err := v.Verify("api.example.com", [][]byte{other.Raw})
	if !errors.Is(err, ErrPinMismatch) {
		t.Fatalf("Verify() error = %v, want ErrPinMismatch", err)
	}
	if col.count() != 1 {
		t.Fatalf("expected 1 pinning event, got %d", col.count())
	}
	if col.events[0].Details["host"] != "api.example.com" {
		t.Errorf("event host = %v", col.events[0].Details["host"])
	}
}

func TestVerify_RejectsUnprotectedHost(t *testing.T) {
	cert := makeCert(t, "other.example.com")
	v, col := newTestValidator(t, map[string][]string{"api.example.com": {PinForCertificate(cert)}})

	// Even a certificate whose pin is known is refused for a host outside the set.
	err := v.Verify("other.example.com", [][]byte{cert.Raw})
	if !errors.Is(err, ErrHostNotPinned) {
		t.Fatalf("Verify() error = %v, want ErrHostNotPinned", err)
	}
	if col.count() != 1 {
		t.Errorf("expected 1 pinning event, got %d", col.count())
	}
}

func TestVerify_EmptyChain(t *testing.T) {
	cert := makeCert(t, "api.example.com")
	v, _ := newTestValidator(t, map[string][]string{"api.example.com": {PinForCertificate(cert)}})

	if err := v.Verify("api.example.com", nil); !errors.Is(err, ErrPinMismatch) {
		t.Errorf("Verify() error = %v, want ErrPinMismatch", err)
	}
}

func TestVerify_HostNormalization(t *testing.T) {
	cert := makeCert(t, "api.example.com")
	v, _ := newTestValidator(t, map[string][]string{"API.Example.com": {PinForCertificate(cert)}})

	for _, host := range []string{"api.example.com", "API.EXAMPLE.COM", "api.example.com.", "api.example.com:443"} {
		if err := v.Verify(host, [][]byte{cert.Raw}); err != nil {
			t.Errorf("Verify(%q) error = %v", host, err)
		}
	}
}

func TestVerify_Concurrent(t *testing.T) {
	cert := makeCert(t, "api.example.com")
	v, _ := newTestValidator(t, map[string][]string{"api.example.com": {PinForCertificate(cert)}})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := v.Verify("api.example.com", [][]byte{cert.Raw}); err != nil {
				t.Errorf("Verify() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if got := v.GetMetrics()["accepted"]; got != 32 {
		t.Errorf("accepted = %d, want 32", got)
	}
}

// ─── PinSet ──────────────────────────────────────────────────────────────────

func TestNewPinSet_Errors(t *testing.T) {
	tests := []struct {
		name  string
		hosts map[string][]string
	}{
		{"empty host", map[string][]string{"": {"sha256/AAAA"}}},
		{"no pins", map[string][]string{"a.example.com": {}}},
		{"bad base64", map[string][]string{"a.example.com": {"sha256/!!!"}}},
		{"short digest", map[string][]string{"a.example.com": {"sha256/AAAA"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPinSet(tt.hosts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadPins(t *testing.T) {
	cert := makeCert(t, "api.example.com")
	path := filepath.Join(t.TempDir(), "pins.yaml")
	content := "pins:\n  api.example.com:\n    - " + PinForCertificate(cert) + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadPins(path)
	if err != nil {
		t.Fatalf("LoadPins: %v", err)
	}
	merged := MergePins(loaded, map[string][]string{"cdn.example.com": {CertificatePin(cert)}})
	ps, err := NewPinSet(merged)
	if err != nil {
		t.Fatalf("NewPinSet: %v", err)
	}
	hosts := ps.Hosts()
	if len(hosts) != 2 || hosts[0] != "api.example.com" || hosts[1] != "cdn.example.com" {
		t.Errorf("Hosts() = %v", hosts)
	}
}

func TestFingerprintCertificates_PEMAndDER(t *testing.T) {
	cert := makeCert(t, "api.example.com")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	for name, data := range map[string][]byte{"pem": pemData, "der": cert.Raw} {
		fps, err := FingerprintCertificates(data)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(fps) != 1 || fps[0].SPKIPin != PinForCertificate(cert) {
			t.Errorf("%s: unexpected fingerprints %+v", name, fps)
		}
	}

	if _, err := FingerprintCertificates([]byte("garbage")); err == nil {
		t.Error("expected error for garbage input")
	}
}

// ─── TLS integration ─────────────────────────────────────────────────────────

func TestHTTPClient_EnforcesPins(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	base := server.Client()
	base.Transport.(*http.Transport).TLSClientConfig.ServerName = "example.com"

	t.Run("pinned", func(t *testing.T) {
		v, col := newTestValidator(t, map[string][]string{"example.com": {PinForCertificate(server.Certificate())}})
		resp, err := v.HTTPClient(base).Get(server.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if col.count() != 0 {
			t.Errorf("expected no pinning events, got %d", col.count())
		}
	})

	t.Run("wrong pin", func(t *testing.T) {
		other := makeCert(t, "example.com")
		v, col := newTestValidator(t, map[string][]string{"example.com": {PinForCertificate(other)}})
		resp, err := v.HTTPClient(base).Get(server.URL)
		if err == nil {
			resp.Body.Close()
			t.Fatal("expected handshake to fail")
		}
		if col.count() != 1 {
			t.Errorf("expected 1 pinning event, got %d", col.count())
		}
	})

	t.Run("unprotected host", func(t *testing.T) {
		v, _ := newTestValidator(t, map[string][]string{"api.example.com": {PinForCertificate(server.Certificate())}})
		resp, err := v.HTTPClient(base).Get(server.URL)
		if err == nil {
			resp.Body.Close()
			t.Fatal("expected handshake to fail for unpinned host")
		}
	})
}

func TestHTTPClient_IPLiteralHost(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	v, col := newTestValidator(t, map[string][]string{"127.0.0.1": {PinForCertificate(server.Certificate())}})
	resp, err := v.HTTPClient(server.Client()).Get(server.URL)
	if err != nil {
		t.Fatalf("GET %s: %v", server.URL, err)
	}
	resp.Body.Close()
	if col.count() != 0 {
		t.Errorf("expected no pinning events, got %d", col.count())
	}

	other := makeCert(t, "127.0.0.1")
	v, col = newTestValidator(t, map[string][]string{"127.0.0.1": {PinForCertificate(other)}})
	resp, err = v.HTTPClient(server.Client()).Get(server.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected handshake to fail for a wrong pin")
	}
	if !errors.Is(err, ErrPinMismatch) {
		t.Errorf("error = %v, want ErrPinMismatch", err)
	}
	if col.count() != 1 {
		t.Errorf("expected 1 pinning event, got %d", col.count())
	}
}

func TestTLSConfigForHost_IPLiteralDial(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	addr := server.Listener.Addr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	base := server.Client().Transport.(*http.Transport).TLSClientConfig

	v, _ := newTestValidator(t, map[string][]string{host: {PinForCertificate(server.Certificate())}})
	conn, err := tls.Dial("tcp", addr, v.TLSConfigForHost(base, host))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()

	// Without the bound host there is no name to check.
	if conn, err := tls.Dial("tcp", addr, v.TLSConfig(base)); err == nil {
		conn.Close()
		t.Fatal("expected unbound config to reject the IP-literal peer")
	} else if !errors.Is(err, ErrHostNotPinned) {
		t.Errorf("error = %v, want ErrHostNotPinned", err)
	}
}

// Package integrity verifies bundled resources against a build-time manifest
// of SHA-256 digests.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AlgorithmSHA256 is the only supported digest algorithm.
const AlgorithmSHA256 = "sha256"

// manifestFile is the on-disk YAML layout.
type manifestFile struct {
	Algorithm string            `yaml:"algorithm"`
	Resources map[string]string `yaml:"resources"`
}

// Manifest maps resource names to expected digests. It is immutable once
// constructed.
type Manifest struct {
	entries map[string][]byte
}

// NewManifest builds a manifest from name → digest pairs. Digests are copied.
func NewManifest(entries map[string][]byte) (*Manifest, error) {
	m := &Manifest{entries: make(map[string][]byte, len(entries))}
	for name, digest := range entries {
		if name == "" {
			return nil, fmt.Errorf("manifest entry with empty name")
		}
		if len(digest) != sha256.Size {
			return nil, fmt.Errorf("manifest entry %q: digest is %d bytes, want %d", name, len(digest), sha256.Size)
		}
		m.entries[name] = append([]byte(nil), digest...)
	}
	return m, nil
}

// ParseManifest decodes the YAML manifest format.
func ParseManifest(data []byte) (*Manifest, error) {
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	algo := strings.ToLower(strings.TrimSpace(mf.Algorithm))
	if algo == "" {
		algo = AlgorithmSHA256
	}
	if algo != AlgorithmSHA256 {
		return nil, fmt.Errorf("unsupported manifest algorithm %q", mf.Algorithm)
	}

	entries := make(map[string][]byte, len(mf.Resources))
	for name, hexDigest := range mf.Resources {
		digest, err := hex.DecodeString(strings.TrimSpace(hexDigest))
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", name, err)
		}
		entries[name] = digest
	}
	return NewManifest(entries)
}

// LoadManifest reads a YAML manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// Len returns the number of entries.
func (m *Manifest) Len() int { return len(m.entries) }

// Names returns the resource names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Digest returns a copy of the expected digest for name.
func (m *Manifest) Digest(name string) ([]byte, bool) {
	d, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), d...), true
}

// Marshal encodes the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	mf := manifestFile{Algorithm: AlgorithmSHA256, Resources: make(map[string]string, len(m.entries))}
	for name, d := range m.entries {
		mf.Resources[name] = hex.EncodeToString(d)
	}
	return yaml.Marshal(&mf)
}

// Save writes the manifest to path.
func (m *Manifest) Save(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating manifest directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}

// BuildManifest hashes the named resources in fsys.
func BuildManifest(ctx context.Context, fsys fs.FS, names []string) (*Manifest, error) {
	entries := make(map[string][]byte, len(names))
	for _, name := range names {
		digest, err := digestResource(ctx, fsys, name)
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", name, err)
		}
		entries[name] = digest
	}
	return NewManifest(entries)
}

// GenerateManifest hashes every regular file under root. Names are
// slash-separated paths relative to root.
func GenerateManifest(ctx context.Context, root string) (*Manifest, error) {
	fsys := os.DirFS(root)
	var names []string
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type().IsRegular() {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return BuildManifest(ctx, fsys, names)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

func digestResource(ctx context.Context, fsys fs.FS, name string) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: f}); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

package integrity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrMismatch is returned when at least one resource fails verification.
var ErrMismatch = errors.New("integrity: resource does not match manifest")

// Mismatch reasons.
const (
	ReasonMissing    = "missing"
	ReasonUnreadable = "unreadable"
	ReasonDigest     = "digest mismatch"
)

// Mismatch describes one failed resource.
type Mismatch struct {
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

// Report is the outcome of one validation pass.
type Report struct {
	Checked    int           `json:"checked"`
	Mismatches []Mismatch    `json:"mismatches,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// OK reports whether every resource matched.
func (r Report) OK() bool { return len(r.Mismatches) == 0 }

// Summary renders mismatches as "name (reason), ...".
func (r Report) Summary() string {
	parts := make([]string, 0, len(r.Mismatches))
	for _, m := range r.Mismatches {
		parts = append(parts, fmt.Sprintf("%s (%s)", m.Resource, m.Reason))
	}
	return strings.Join(parts, ", ")
}

// Validator checks the resources in fsys against a manifest. Resources not
// listed in the manifest are ignored.
type Validator struct {
	manifest *Manifest
	fsys     fs.FS
	logger   zerolog.Logger
}

// NewValidator creates a validator. A nil manifest is treated as empty.
func NewValidator(manifest *Manifest, fsys fs.FS, logger zerolog.Logger) *Validator {
	if manifest == nil {
		manifest = &Manifest{entries: map[string][]byte{}}
	}
	return &Validator{
		manifest: manifest,
		fsys:     fsys,
		logger:   logger.With().Str("component", "integrity").Logger(),
	}
}

// Manifest returns the manifest being enforced.
func (v *Validator) Manifest() *Manifest { return v.manifest }

// Validate hashes every manifest entry. It returns ErrMismatch (wrapped) when
// any entry is missing, unreadable or differs, and ctx.Err() if cancelled.
func (v *Validator) Validate(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{}

	for _, name := range v.manifest.Names() {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		report.Checked++

		expected := v.manifest.entries[name]
		actual, err := digestResource(ctx, v.fsys, name)
		switch {
		case err == nil:
			if subtle.ConstantTimeCompare(expected, actual) != 1 {
				report.Mismatches = append(report.Mismatches, Mismatch{Resource: name, Reason: ReasonDigest})
			}
		case ctx.Err() != nil:
			report.Duration = time.Since(start)
			return report, ctx.Err()
		case errors.Is(err, fs.ErrNotExist):
			report.Mismatches = append(report.Mismatches, Mismatch{Resource: name, Reason: ReasonMissing})
		default:
			v.logger.Debug().Err(err).Str("resource", name).Msg("resource unreadable")
			report.Mismatches = append(report.Mismatches, Mismatch{Resource: name, Reason: ReasonUnreadable})
		}
	}

	report.Duration = time.Since(start)
	if !report.OK() {
		return report, fmt.Errorf("%w: %d of %d resources", ErrMismatch, len(report.Mismatches), report.Checked)
	}
	return report, nil
}

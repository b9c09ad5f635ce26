// Package artifacts owns the four artifact trees: stable and candidate, one
// pair per kind. Each tree holds one Go source file per id named <id>.go.
package artifacts

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dyluth/kiln/internal/config"
	"github.com/dyluth/kiln/pkg/candidates"
)

// Extension is the source extension of every artifact file.
const Extension = ".go"

// ErrMissingArtifact is returned when an operation needs a file that is absent.
var ErrMissingArtifact = errors.New("missing artifact")

// Repository maps (kind, id) to paths in the stable and candidate trees.
type Repository struct {
	stable    map[candidates.Kind]string
	candidate map[candidates.Kind]string
}

// NewRepository builds a repository from the configured directories.
func NewRepository(cfg config.ArtifactsConfig) *Repository {
	return &Repository{
		stable: map[candidates.Kind]string{
			candidates.KindPlugin:   cfg.StablePlugins,
			candidates.KindPlatform: cfg.StablePlatforms,
		},
		candidate: map[candidates.Kind]string{
			candidates.KindPlugin:   cfg.CandidatePlugins,
			candidates.KindPlatform: cfg.CandidatePlatforms,
		},
	}
}

// StableDir returns the stable tree of a kind.
func (r *Repository) StableDir(kind candidates.Kind) string {
	return r.stable[kind]
}

// CandidateDir returns the candidate tree of a kind.
func (r *Repository) CandidateDir(kind candidates.Kind) string {
	return r.candidate[kind]
}

// CandidatePath returns the candidate file path of (kind, id).
func (r *Repository) CandidatePath(kind candidates.Kind, id string) string {
	return filepath.Join(r.candidate[kind], id+Extension)
}

// StablePath returns the stable file path of (kind, id).
func (r *Repository) StablePath(kind candidates.Kind, id string) string {
	return filepath.Join(r.stable[kind], id+Extension)
}

// WriteCandidate trims text and writes it with exactly one trailing newline.
// The write is atomic: readers see either the old bytes or the new ones.
func (r *Repository) WriteCandidate(kind candidates.Kind, id, text string) (string, error) {
	if err := candidates.ValidateID(id); err != nil {
		return "", err
	}
	path := r.CandidatePath(kind, id)
	body := []byte(strings.TrimSpace(text) + "\n")
	if err := writeAtomic(path, body); err != nil {
		return "", fmt.Errorf("failed to write candidate %s/%s: %w", kind, id, err)
	}
	return path, nil
}

// ReadCandidate returns the candidate source of (kind, id).
func (r *Repository) ReadCandidate(kind candidates.Kind, id string) ([]byte, error) {
	return readArtifact(r.CandidatePath(kind, id))
}

// ReadStable returns the stable source of (kind, id).
func (r *Repository) ReadStable(kind candidates.Kind, id string) ([]byte, error) {
	return readArtifact(r.StablePath(kind, id))
}

// CandidateExists reports whether the candidate file of (kind, id) exists.
func (r *Repository) CandidateExists(kind candidates.Kind, id string) bool {
	return fileExists(r.CandidatePath(kind, id))
}

// StableExists reports whether the stable file of (kind, id) exists.
func (r *Repository) StableExists(kind candidates.Kind, id string) bool {
	return fileExists(r.StablePath(kind, id))
}

// ListStable returns the stable filenames of a kind in lexicographic order.
// A missing tree is an empty listing.
func (r *Repository) ListStable(kind candidates.Kind) ([]string, error) {
	entries, err := os.ReadDir(r.stable[kind])
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list stable %s artifacts: %w", kind, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Extension {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Promote copies the candidate bytes of (kind, id) verbatim to the stable
// tree. The returned restore function puts the stable file back the way it
// was, so a caller can undo the copy when a later step fails.
func (r *Repository) Promote(kind candidates.Kind, id string) (restore func() error, err error) {
	src, err := r.ReadCandidate(kind, id)
	if err != nil {
		return nil, err
	}

	dst := r.StablePath(kind, id)
	prior, err := os.ReadFile(dst)
	hadPrior := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read stable %s/%s: %w", kind, id, err)
	}

	if err := writeAtomic(dst, src); err != nil {
		return nil, fmt.Errorf("failed to promote %s/%s: %w", kind, id, err)
	}

	restore = func() error {
		if hadPrior {
			return writeAtomic(dst, prior)
		}
		if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return restore, nil
}

// SameBytes reports whether the stable and candidate files of (kind, id)
// hold identical content.
func (r *Repository) SameBytes(kind candidates.Kind, id string) (bool, error) {
	a, err := r.ReadCandidate(kind, id)
	if err != nil {
		return false, err
	}
	b, err := r.ReadStable(kind, id)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// writeAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

/**
 * Labelled captcha dataset
 *
 * Labelled images live under <label root>/<variant key>/ and are named after
 * their code: <label><ext>, or <label>_<4 hex><ext> when the plain name is
 * already taken.
 */

package dataset

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/adverant/nexus/captcha-worker/internal/variant"
)

// LabelSeparator splits the label from a uniqueness suffix in file names
const LabelSeparator = "_"

// Sample is one labelled image on disk
type Sample struct {
	Path    string // absolute or root-joined path
	RelPath string // path relative to the store directory
	Label   string
}

// Store reads and writes labelled images for one variant
type Store struct {
	dir     string
	variant *variant.Variant
}

// NewStore creates a label store rooted at <labelRoot>/<variant key>
func NewStore(labelRoot string, v *variant.Variant) *Store {
	return &Store{
		dir:     filepath.Join(labelRoot, v.Key),
		variant: v,
	}
}

// Dir returns the directory holding this variant's labels
func (s *Store) Dir() string {
	return s.dir
}

// Variant returns the variant the store belongs to
func (s *Store) Variant() *variant.Variant {
	return s.variant
}

// Save writes image bytes under the given label and returns the file path.
// Without overwrite, an existing file for the same label gets a random
// suffix instead of being replaced.
func (s *Store) Save(label string, data []byte, overwrite bool) (string, error) {
	if label == "" {
		return "", fmt.Errorf("label is required")
	}
	if strings.ContainsAny(label, `/\`) {
		return "", fmt.Errorf("label %q contains a path separator", label)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create label directory: %w", err)
	}

	path := filepath.Join(s.dir, label+s.variant.Config.ImageExt)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			path = filepath.Join(s.dir, label+LabelSeparator+shortSuffix()+s.variant.Config.ImageExt)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write labelled image: %w", err)
	}

	return path, nil
}

// Samples walks the store directory and returns every image carrying the
// variant's extension, ordered by relative path
func (s *Store) Samples() ([]Sample, error) {
	var samples []Sample

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(d.Name()) != s.variant.Config.ImageExt {
			return nil
		}

		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}

		samples = append(samples, Sample{
			Path:    path,
			RelPath: rel,
			Label:   ParseLabel(d.Name()),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to walk %s: %w", s.dir, err)
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].RelPath < samples[j].RelPath })
	return samples, nil
}

// ParseLabel extracts the label from a labelled image file name
func ParseLabel(filename string) string {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	label, _, _ := strings.Cut(stem, LabelSeparator)
	return label
}

func shortSuffix() string {
	id := uuid.New()
	return hex.EncodeToString(id[:2])
}

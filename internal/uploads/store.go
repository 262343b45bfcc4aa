// Package uploads manages the shared upload area. Every intermediate and
// final asset of a pipeline run lives here under a collision-free name and
// is reachable at a stable public URL, which is how the remote render
// worker fetches its inputs.
package uploads

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SavedFile describes one stored asset.
type SavedFile struct {
	Name string
	Path string
	URL  string
}

// Store is an append-only file area addressable by public URL.
type Store struct {
	dir     string
	baseURL string

	now func() time.Time
}

// New creates the upload directory if needed. baseURL is the externally
// reachable prefix, without the /uploads suffix.
func New(dir, baseURL string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("upload dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// Dir returns the on-disk upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// NewName mints a timestamp-and-uuid qualified file name. Names never
// collide across concurrent requests, which keeps the area append-only.
func (s *Store) NewName(prefix, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s_%d_%s%s", prefix, s.now().UnixMilli(), uuid.NewString()[:8], ext)
}

// Save streams r into a freshly named file.
func (s *Store) Save(prefix, ext string, r io.Reader) (SavedFile, error) {
	name := s.NewName(prefix, ext)
	path := filepath.Join(s.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return SavedFile{}, fmt.Errorf("create %s: %w", name, err)
	}
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(path)
		return SavedFile{}, fmt.Errorf("write %s: %w", name, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return SavedFile{}, fmt.Errorf("close %s: %w", name, closeErr)
	}
	return s.describe(name), nil
}

// WriteFile stores data under a freshly named file.
func (s *Store) WriteFile(prefix, ext string, data []byte) (SavedFile, error) {
	name := s.NewName(prefix, ext)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return SavedFile{}, fmt.Errorf("write %s: %w", name, err)
	}
	return s.describe(name), nil
}

// Path resolves a stored name to its on-disk path.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// PublicURL returns the externally reachable URL for a stored name.
func (s *Store) PublicURL(name string) string {
	return s.baseURL + "/uploads/" + url.PathEscape(filepath.Base(name))
}

// Describe wraps an existing stored name as a SavedFile.
func (s *Store) Describe(name string) SavedFile {
	return s.describe(filepath.Base(name))
}

func (s *Store) describe(name string) SavedFile {
	return SavedFile{
		Name: name,
		Path: filepath.Join(s.dir, name),
		URL:  s.PublicURL(name),
	}
}

// Remove deletes a stored file. Missing files are not an error: consumed
// intermediates are removed eagerly and the janitor may race a request.
func (s *Store) Remove(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep deletes stored files older than retention and reports how many
// were removed.
func (s *Store) Sweep(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read upload dir: %w", err)
	}
	cutoff := s.now().Add(-retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

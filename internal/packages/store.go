// Package packages implements the canonical archive store: one zip per slug
// under <dir>/packages, scratch space under <dir>/tmp, and a fingerprint-keyed
// metadata cache under <dir>/cache. Only Install's atomic rename mutates the
// visible slug-to-archive mapping, which keeps concurrent syncs safe: the last
// writer wins and no partial archive is ever visible.
package packages

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoArchive means no archive exists for the slug.
	ErrNoArchive = errors.New("no archive for package")

	// ErrStructure means an archive violates the single-root-directory layout.
	ErrStructure = errors.New("archive structure invalid")

	// ErrTypeMismatch means the discovered package type differs from the
	// requested one.
	ErrTypeMismatch = errors.New("package type mismatch")
)

// Store is the on-disk archive store.
type Store struct {
	packagesDir string
	tmpDir      string
	cache       *MetadataCache
	cacheTTL    time.Duration
}

// NewStore creates the store layout under dir.
func NewStore(dir string, cacheTTL time.Duration) (*Store, error) {
	packagesDir := filepath.Join(dir, "packages")
	tmpDir := filepath.Join(dir, "tmp")
	cacheDir := filepath.Join(dir, "cache")

	for _, d := range []string{packagesDir, tmpDir, cacheDir} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &Store{
		packagesDir: packagesDir,
		tmpDir:      tmpDir,
		cache:       NewMetadataCache(cacheDir),
		cacheTTL:    cacheTTL,
	}, nil
}

// ArchivePath returns the canonical path of a slug's archive. The file may or
// may not exist.
func (s *Store) ArchivePath(slug string) string {
	return filepath.Join(s.packagesDir, slug+".zip")
}

// TmpDir returns the scratch directory for downloads and normalization.
func (s *Store) TmpDir() string {
	return s.tmpDir
}

// List returns the slugs of every installed archive.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.packagesDir)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	slugs := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && filepath.Ext(name) == ".zip" {
			slugs = append(slugs, name[:len(name)-len(".zip")])
		}
	}
	return slugs, nil
}

// Exists reports whether an archive is installed for the slug.
func (s *Store) Exists(slug string) bool {
	info, err := os.Stat(s.ArchivePath(slug))
	return err == nil && info.Mode().IsRegular()
}

// Open returns a reader over the slug's archive for streaming downloads.
func (s *Store) Open(slug string) (io.ReadSeekCloser, os.FileInfo, error) {
	f, err := os.Open(s.ArchivePath(slug))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNoArchive
		}
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat archive: %w", err)
	}
	return f, info, nil
}

// Install atomically moves a normalized archive into place, replacing any
// prior archive for the slug. src must live on the same filesystem as the
// store, which holds for files created under TmpDir.
func (s *Store) Install(src, slug string) error {
	if err := os.Rename(src, s.ArchivePath(slug)); err != nil {
		return fmt.Errorf("install archive: %w", err)
	}
	return nil
}

// Remove deletes the slug's archive and its metadata cache entry. Removing an
// absent archive is not an error.
func (s *Store) Remove(slug string) error {
	path := s.ArchivePath(slug)

	// The cache key depends on the file's current size and mtime, so it must
	// be computed before the delete.
	if info, err := os.Stat(path); err == nil {
		s.cache.Invalidate(Fingerprint(path, info.Size(), info.ModTime()))
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove archive: %w", err)
	}
	return nil
}

// Metadata returns the parsed metadata for the slug's archive, consulting the
// fingerprint cache first. A replaced archive gets a new fingerprint, so stale
// entries are orphaned rather than served.
func (s *Store) Metadata(slug string) (*Metadata, error) {
	path := s.ArchivePath(slug)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoArchive
		}
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	key := Fingerprint(path, info.Size(), info.ModTime())
	if meta, ok := s.cache.Get(key); ok {
		return meta, nil
	}

	meta, err := ParseArchive(path, slug)
	if err != nil {
		return nil, err
	}
	meta.FileSize = info.Size()
	meta.LastModified = info.ModTime()

	if err := s.cache.Put(key, meta, s.cacheTTL); err != nil {
		// A cache write failure only costs a re-parse next time.
		return meta, nil
	}
	return meta, nil
}

// normalize.go rebuilds a downloaded archive into the canonical layout: a
// single root directory named after the slug. VCS providers name their
// archive roots "owner-repo-sha", so nearly every download needs the rename.
// The whole operation happens in scratch space; the caller installs the
// result with an atomic rename, so a failed normalization never disturbs an
// existing archive.
package packages

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NormalizeArchive unpacks rawZipPath into scratch space, enforces the
// single-root-directory invariant, renames the root to slug, and re-zips
// deterministically. Returns the path of the normalized zip inside tmpDir.
// The caller owns cleanup of both the returned file and rawZipPath.
func NormalizeArchive(rawZipPath, slug, tmpDir string) (string, error) {
	scratch, err := os.MkdirTemp(tmpDir, "normalize-"+slug+"-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	root, err := extractArchive(rawZipPath, scratch)
	if err != nil {
		return "", err
	}

	if root != slug {
		if err := os.Rename(filepath.Join(scratch, root), filepath.Join(scratch, slug)); err != nil {
			return "", fmt.Errorf("rename archive root: %w", err)
		}
	}

	out, err := os.CreateTemp(tmpDir, slug+"-*.zip")
	if err != nil {
		return "", fmt.Errorf("create normalized zip: %w", err)
	}
	outPath := out.Name()

	if err := writeZip(out, scratch, slug); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return "", fmt.Errorf("close normalized zip: %w", err)
	}

	return outPath, nil
}

// extractArchive unpacks the zip into dest and returns the name of its sole
// top-level directory. Zero or multiple top-level entries, or a top-level
// plain file, violate the layout and abort the extraction.
func extractArchive(zipPath, dest string) (string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("%w: not a zip archive: %v", ErrStructure, err)
	}
	defer zr.Close()

	roots := map[string]bool{}
	for _, f := range zr.File {
		name := strings.TrimSuffix(f.Name, "/")
		if name == "" {
			continue
		}
		if err := validateEntryPath(name); err != nil {
			return "", err
		}

		segments := strings.SplitN(name, "/", 2)
		if len(segments) == 1 && !f.FileInfo().IsDir() {
			return "", fmt.Errorf("%w: top-level file %q", ErrStructure, name)
		}
		roots[segments[0]] = true
	}

	if len(roots) != 1 {
		return "", fmt.Errorf("%w: expected exactly one root directory, found %d", ErrStructure, len(roots))
	}

	var root string
	for r := range roots {
		root = r
	}

	for _, f := range zr.File {
		target := filepath.Join(dest, filepath.FromSlash(f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0750); err != nil {
				return "", fmt.Errorf("extract dir: %w", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return "", fmt.Errorf("extract dir: %w", err)
		}
		if err := extractFile(f, target); err != nil {
			return "", err
		}
	}

	return root, nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

// validateEntryPath rejects traversal and absolute paths inside archives.
func validateEntryPath(name string) error {
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: absolute path %q", ErrStructure, name)
	}
	// Windows-style absolute paths appear in archives built on Windows hosts.
	if len(name) >= 3 && name[1] == ':' && (name[2] == '\\' || name[2] == '/') {
		return fmt.Errorf("%w: absolute path %q", ErrStructure, name)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: path traversal in %q", ErrStructure, name)
		}
	}
	return nil
}

// writeZip re-zips the slug directory under scratch into w with entries in
// sorted order, so identical trees produce identical archives.
func writeZip(w io.Writer, scratch, slug string) error {
	rootDir := filepath.Join(scratch, slug)

	var files []string
	err := filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk normalized tree: %w", err)
	}
	sort.Strings(files)

	zw := zip.NewWriter(w)
	for _, path := range files {
		rel, err := filepath.Rel(scratch, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("create zip entry: %w", err)
		}
		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		if _, err := io.Copy(entry, src); err != nil {
			_ = src.Close()
			return fmt.Errorf("write zip entry: %w", err)
		}
		_ = src.Close()
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}

// metadata.go extracts package metadata from a normalized archive. The type
// is inferred from contents: a style.css with a theme header means theme, a
// root-level .php file with a plugin header means plugin, an updatepulse.json
// means generic. Anything else fails structural validation.
package packages

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

// Package types, matching the license and config vocabularies.
const (
	TypePlugin  = "plugin"
	TypeTheme   = "theme"
	TypeGeneric = "generic"
)

// Metadata is the parsed description of an installed archive.
type Metadata struct {
	Slug         string    `json:"slug"`
	Type         string    `json:"type"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Homepage     string    `json:"homepage,omitempty"`
	Author       string    `json:"author,omitempty"`
	Description  string    `json:"description,omitempty"`
	RequiresPHP  string    `json:"requires_php,omitempty"`
	MainFile     string    `json:"main_file,omitempty"`
	FileSize     int64     `json:"file_size,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// headerLimit bounds how much of a file is scanned for headers. Headers live
// in the first comment block.
const headerLimit = 8 * 1024

// ParseArchive reads the metadata of a normalized archive. The archive must
// carry slug as its sole root directory.
func ParseArchive(archivePath, slug string) (*Metadata, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: not a zip archive: %v", ErrStructure, err)
	}
	defer zr.Close()

	prefix := slug + "/"

	// Theme detection first: style.css at the archive root.
	if f := findFile(&zr.Reader, prefix+"style.css"); f != nil {
		head, err := readHead(f)
		if err != nil {
			return nil, err
		}
		headers := ParseHeaders(head)
		if headers["Theme Name"] != "" {
			return &Metadata{
				Slug:        slug,
				Type:        TypeTheme,
				Name:        headers["Theme Name"],
				Version:     headers["Version"],
				Homepage:    headers["Theme URI"],
				Author:      headers["Author"],
				Description: headers["Description"],
				RequiresPHP: headers["Requires PHP"],
			}, nil
		}
	}

	// Plugin detection: any root-level .php file with a plugin header.
	for _, f := range zr.File {
		dir, name := path.Split(f.Name)
		if dir != prefix || !strings.HasSuffix(name, ".php") {
			continue
		}
		head, err := readHead(f)
		if err != nil {
			return nil, err
		}
		headers := ParseHeaders(head)
		if headers["Plugin Name"] == "" {
			continue
		}
		return &Metadata{
			Slug:        slug,
			Type:        TypePlugin,
			Name:        headers["Plugin Name"],
			Version:     headers["Version"],
			Homepage:    headers["Plugin URI"],
			Author:      headers["Author"],
			Description: headers["Description"],
			RequiresPHP: headers["Requires PHP"],
			MainFile:    f.Name,
		}, nil
	}

	// Generic detection: an updatepulse.json manifest.
	if f := findFile(&zr.Reader, prefix+"updatepulse.json"); f != nil {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open manifest: %w", err)
		}
		defer rc.Close()

		var manifest struct {
			Name        string `json:"name"`
			Version     string `json:"version"`
			Homepage    string `json:"homepage"`
			Author      string `json:"author"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(rc).Decode(&manifest); err != nil {
			return nil, fmt.Errorf("%w: malformed updatepulse.json: %v", ErrStructure, err)
		}

		name := manifest.Name
		if name == "" {
			name = slug
		}
		return &Metadata{
			Slug:        slug,
			Type:        TypeGeneric,
			Name:        name,
			Version:     manifest.Version,
			Homepage:    manifest.Homepage,
			Author:      manifest.Author,
			Description: manifest.Description,
		}, nil
	}

	return nil, fmt.Errorf("%w: no recognizable package in archive", ErrStructure)
}

// headerPattern matches "Header Name: value" lines inside the leading comment
// block of a plugin file or style.css.
var headerPattern = regexp.MustCompile(`(?m)^[ \t/*#@]*([A-Za-z ]+?):[ \t]*(.+?)[ \t]*(?:\*/)?$`)

// ParseHeaders extracts "Header Name: value" pairs from a file's leading
// comment block. The first occurrence of a key wins. Also used against remote
// file contents when comparing versions across a branch head.
func ParseHeaders(content []byte) map[string]string {
	headers := map[string]string{}
	for _, m := range headerPattern.FindAllSubmatch(content, -1) {
		key := strings.TrimSpace(string(m[1]))
		if _, seen := headers[key]; !seen {
			headers[key] = strings.TrimSpace(string(m[2]))
		}
	}
	return headers
}

func findFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readHead(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, headerLimit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return data, nil
}

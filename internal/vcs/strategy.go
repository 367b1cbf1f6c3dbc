// strategy.go holds the provider-independent pieces of reference selection:
// version normalization, highest-tag picking, and readme stable-tag parsing.
package vcs

import (
	"regexp"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
)

// TagCandidate is a raw tag as listed by a provider API, before version
// filtering.
type TagCandidate struct {
	Name        string
	DownloadURL string
	Updated     time.Time
}

// NormalizeVersion strips the conventional "v" prefix from a tag name so that
// "v1.2.3" and "1.2.3" compare equal.
func NormalizeVersion(name string) string {
	return strings.TrimPrefix(name, "v")
}

// HighestVersionTag picks the candidate whose name parses as the highest
// semantic version. Tags that do not parse as versions are skipped. Returns
// nil when no candidate qualifies.
func HighestVersionTag(tags []TagCandidate) *Reference {
	var (
		best    *TagCandidate
		bestVer *goversion.Version
	)

	for i := range tags {
		v, err := goversion.NewVersion(NormalizeVersion(tags[i].Name))
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best = &tags[i]
			bestVer = v
		}
	}

	if best == nil {
		return nil
	}
	return &Reference{
		Name:        best.Name,
		Version:     NormalizeVersion(best.Name),
		Updated:     best.Updated,
		DownloadURL: best.DownloadURL,
	}
}

// stableTagPattern matches the "Stable tag:" header carried by plugin readme
// files.
var stableTagPattern = regexp.MustCompile(`(?im)^[ \t]*stable tag:[ \t]*(\S+)`)

// StableTagVersion extracts the version declared in a readme's "Stable tag:"
// header. The placeholder value "trunk" means "use the branch head" and is
// treated as absent.
func StableTagVersion(readme []byte) string {
	m := stableTagPattern.FindSubmatch(readme)
	if m == nil {
		return ""
	}
	version := string(m[1])
	if strings.EqualFold(version, "trunk") {
		return ""
	}
	return version
}

// readmeCandidates are the file names probed by the stable-tag strategy, in
// order.
var readmeCandidates = []string{"readme.txt", "README.txt"}

// StableTagLookup resolves the stable-tag strategy against a resolver: read
// the readme at the branch head, extract the declared version, and confirm a
// matching tag exists. fetchTag is the provider's tag-by-name lookup; it is
// tried with the literal version and with a "v" prefix. Returns (nil, nil)
// when the strategy does not apply.
func StableTagLookup(readme func(path string) ([]byte, error), fetchTag func(name string) (*Reference, error)) (*Reference, error) {
	var content []byte
	for _, name := range readmeCandidates {
		data, err := readme(name)
		if err != nil {
			continue
		}
		content = data
		break
	}
	if content == nil {
		return nil, nil
	}

	version := StableTagVersion(content)
	if version == "" {
		return nil, nil
	}

	for _, tagName := range []string{version, "v" + version} {
		ref, err := fetchTag(tagName)
		if err != nil {
			continue
		}
		if ref != nil {
			ref.Version = NormalizeVersion(ref.Name)
			return ref, nil
		}
	}
	return nil, nil
}

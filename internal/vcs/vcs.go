// Package vcs defines the ReferenceResolver interface used to locate the best
// downloadable version of a package in a remote repository, and the registry
// for instantiating provider implementations. Supported providers include
// GitHub, GitLab, and Bitbucket Cloud. New providers are added by implementing
// the ReferenceResolver interface and registering with the registry.
package vcs

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ProviderKind identifies a VCS provider implementation.
type ProviderKind string

const (
	KindGitHub    ProviderKind = "github"
	KindGitLab    ProviderKind = "gitlab"
	KindBitbucket ProviderKind = "bitbucket"
)

// Valid returns true if the provider kind is known.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindGitHub, KindGitLab, KindBitbucket:
		return true
	default:
		return false
	}
}

// String returns the string representation of the provider kind.
func (k ProviderKind) String() string {
	return string(k)
}

// Reference is a downloadable point in a repository's history: a release, a
// tag, or a branch head. Version is empty for branch heads, where only the
// archive matters and no semantic comparison is possible.
type Reference struct {
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	Updated     time.Time `json:"updated,omitempty"`
	DownloadURL string    `json:"download_url"`
}

// ReferenceResolver selects version references and reads files from a remote
// repository. ChooseReference returns (nil, nil) when the repository has no
// matching reference; a non-nil error means the remote could not be consulted
// at all. GetRemoteFile returns ErrFileNotFound for a missing path.
type ReferenceResolver interface {
	// Platform returns the provider kind.
	Platform() ProviderKind

	// ChooseReference returns the best reference for the configured branch,
	// trying provider strategies in order: stable tag declared in the readme,
	// latest release, highest-version tag, branch head. The tag and release
	// strategies only apply when branch is a mainline branch; a feature
	// branch always resolves to its own head.
	ChooseReference(ctx context.Context, branch string) (*Reference, error)

	// GetRemoteFile fetches the contents of a file at the given ref.
	GetRemoteFile(ctx context.Context, path, ref string) ([]byte, error)
}

// ResolverSettings holds configuration for creating a resolver.
type ResolverSettings struct {
	Kind ProviderKind

	// RepoURL is the browser URL of the repository,
	// e.g. https://github.com/owner/name.
	RepoURL string

	// Token authenticates API calls. Empty means anonymous access.
	Token string

	// SelfHostedURL overrides the provider's hosted API base for self-hosted
	// instances.
	SelfHostedURL string

	// Timeout bounds every remote call made by the resolver.
	Timeout time.Duration
}

// Validate checks if the settings are complete.
func (s *ResolverSettings) Validate() error {
	if !s.Kind.Valid() {
		return ErrUnknownProviderKind
	}
	if s.RepoURL == "" {
		return ErrRepoURLRequired
	}
	if _, _, err := SplitRepoURL(s.RepoURL); err != nil {
		return err
	}
	return nil
}

// SplitRepoURL extracts the owner and repository name from a browser URL.
// Trailing ".git" and slashes are tolerated.
func SplitRepoURL(repoURL string) (owner, name string, err error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrRepoURLInvalid, repoURL)
	}
	path := strings.Trim(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrRepoURLInvalid, repoURL)
	}
	// GitLab subgroups keep everything after the host as the project path.
	return parts[0], strings.Join(parts[1:], "/"), nil
}

// IsMainlineBranch reports whether the branch is one where tag and release
// strategies make sense. Feature branches always resolve to their own head.
func IsMainlineBranch(branch string) bool {
	return branch == "main" || branch == "master"
}

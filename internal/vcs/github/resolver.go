// Package github implements the ReferenceResolver interface for GitHub (both
// github.com and GitHub Enterprise Server) using the REST API v3.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/updatepulse/updatepulse-server/internal/vcs"
)

const defaultAPIURL = "https://api.github.com"

// Resolver implements vcs.ReferenceResolver for GitHub.
type Resolver struct {
	owner  string
	repo   string
	token  string
	apiURL string
	client *http.Client
}

// NewResolver creates a GitHub resolver.
func NewResolver(settings *vcs.ResolverSettings) (*Resolver, error) {
	owner, repo, err := vcs.SplitRepoURL(settings.RepoURL)
	if err != nil {
		return nil, err
	}

	apiURL := defaultAPIURL
	if settings.SelfHostedURL != "" {
		apiURL = settings.SelfHostedURL + "/api/v3"
	}

	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Resolver{
		owner:  owner,
		repo:   repo,
		token:  settings.Token,
		apiURL: apiURL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Platform returns the provider kind.
func (r *Resolver) Platform() vcs.ProviderKind {
	return vcs.KindGitHub
}

// ChooseReference returns the best reference for the configured branch.
func (r *Resolver) ChooseReference(ctx context.Context, branch string) (*vcs.Reference, error) {
	if vcs.IsMainlineBranch(branch) {
		if ref, err := r.stableTag(ctx, branch); err == nil && ref != nil {
			return ref, nil
		}
		if ref, err := r.latestRelease(ctx); err == nil && ref != nil {
			return ref, nil
		}
		if ref, err := r.highestTag(ctx); err == nil && ref != nil {
			return ref, nil
		}
	}
	return r.branchHead(ctx, branch)
}

// GetRemoteFile fetches a file's contents at the given ref via the contents
// API.
func (r *Resolver) GetRemoteFile(ctx context.Context, path, ref string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s", r.apiURL, r.owner, r.repo, path, url.QueryEscape(ref))

	var payload struct {
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	if err := r.apiGet(ctx, endpoint, &payload); err != nil {
		return nil, err
	}

	if payload.Encoding != "base64" {
		return []byte(payload.Content), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload.Content)
	if err != nil {
		return nil, fmt.Errorf("github: decode file contents: %w", err)
	}
	return data, nil
}

// stableTag resolves the version declared in the repository's readme.
func (r *Resolver) stableTag(ctx context.Context, branch string) (*vcs.Reference, error) {
	return vcs.StableTagLookup(
		func(path string) ([]byte, error) {
			return r.GetRemoteFile(ctx, path, branch)
		},
		func(name string) (*vcs.Reference, error) {
			return r.tagByName(ctx, name)
		},
	)
}

// latestRelease returns the newest non-draft, non-prerelease release.
func (r *Resolver) latestRelease(ctx context.Context) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/releases/latest", r.apiURL, r.owner, r.repo)

	var release struct {
		TagName    string    `json:"tag_name"`
		Draft      bool      `json:"draft"`
		Prerelease bool      `json:"prerelease"`
		CreatedAt  time.Time `json:"created_at"`
		ZipballURL string    `json:"zipball_url"`
	}
	if err := r.apiGet(ctx, endpoint, &release); err != nil {
		return nil, err
	}
	if release.TagName == "" || release.Draft || release.Prerelease {
		return nil, nil
	}

	return &vcs.Reference{
		Name:        release.TagName,
		Version:     vcs.NormalizeVersion(release.TagName),
		Updated:     release.CreatedAt,
		DownloadURL: release.ZipballURL,
	}, nil
}

// highestTag returns the tag that looks like the highest version number.
func (r *Resolver) highestTag(ctx context.Context) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/tags?per_page=100", r.apiURL, r.owner, r.repo)

	var ghTags []struct {
		Name       string `json:"name"`
		ZipballURL string `json:"zipball_url"`
	}
	if err := r.apiGet(ctx, endpoint, &ghTags); err != nil {
		return nil, err
	}

	candidates := make([]vcs.TagCandidate, len(ghTags))
	for i, t := range ghTags {
		candidates[i] = vcs.TagCandidate{Name: t.Name, DownloadURL: t.ZipballURL}
	}
	return vcs.HighestVersionTag(candidates), nil
}

// branchHead returns the branch itself as a reference. Version is left empty;
// callers compare archive contents instead.
func (r *Resolver) branchHead(ctx context.Context, branch string) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/branches/%s", r.apiURL, r.owner, r.repo, url.PathEscape(branch))

	var ghBranch struct {
		Name   string `json:"name"`
		Commit struct {
			Commit struct {
				Author struct {
					Date time.Time `json:"date"`
				} `json:"author"`
			} `json:"commit"`
		} `json:"commit"`
	}
	if err := r.apiGet(ctx, endpoint, &ghBranch); err != nil {
		return nil, err
	}
	if ghBranch.Name == "" {
		return nil, vcs.ErrBranchNotFound
	}

	return &vcs.Reference{
		Name:        ghBranch.Name,
		Updated:     ghBranch.Commit.Commit.Author.Date,
		DownloadURL: r.archiveURL(ghBranch.Name),
	}, nil
}

// tagByName confirms a tag exists and returns it as a reference.
func (r *Resolver) tagByName(ctx context.Context, name string) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/git/ref/tags/%s", r.apiURL, r.owner, r.repo, url.PathEscape(name))

	var ref struct {
		Ref string `json:"ref"`
	}
	if err := r.apiGet(ctx, endpoint, &ref); err != nil {
		return nil, err
	}
	if ref.Ref == "" {
		return nil, vcs.ErrTagNotFound
	}

	return &vcs.Reference{
		Name:        name,
		Version:     vcs.NormalizeVersion(name),
		DownloadURL: r.archiveURL(name),
	}, nil
}

func (r *Resolver) archiveURL(ref string) string {
	return fmt.Sprintf("%s/repos/%s/%s/zipball/%s", r.apiURL, r.owner, r.repo, url.PathEscape(ref))
}

func (r *Resolver) apiGet(ctx context.Context, endpoint string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return vcs.WrapRemoteError(0, "github request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return vcs.ErrFileNotFound
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return vcs.ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return vcs.WrapRemoteError(resp.StatusCode, "github API error", fmt.Errorf("%s", body))
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("github: decode response: %w", err)
	}
	return nil
}

func init() {
	vcs.RegisterResolver(vcs.KindGitHub, func(settings *vcs.ResolverSettings) (vcs.ReferenceResolver, error) {
		return NewResolver(settings)
	})
}

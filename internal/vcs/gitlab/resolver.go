// Package gitlab implements the ReferenceResolver interface for GitLab
// (gitlab.com and self-managed instances) using the REST API v4. The project
// is addressed by its URL-encoded full path, which keeps subgroup projects
// working without a numeric project id lookup.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/updatepulse/updatepulse-server/internal/vcs"
)

const defaultAPIURL = "https://gitlab.com/api/v4"

// Resolver implements vcs.ReferenceResolver for GitLab.
type Resolver struct {
	projectPath string // owner/name, URL-encoded on use
	token       string
	apiURL      string
	client      *http.Client
}

// NewResolver creates a GitLab resolver.
func NewResolver(settings *vcs.ResolverSettings) (*Resolver, error) {
	owner, repo, err := vcs.SplitRepoURL(settings.RepoURL)
	if err != nil {
		return nil, err
	}

	apiURL := defaultAPIURL
	if settings.SelfHostedURL != "" {
		apiURL = settings.SelfHostedURL + "/api/v4"
	}

	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Resolver{
		projectPath: owner + "/" + repo,
		token:       settings.Token,
		apiURL:      apiURL,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// Platform returns the provider kind.
func (r *Resolver) Platform() vcs.ProviderKind {
	return vcs.KindGitLab
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

// GetRemoteFile fetches a file's raw contents at the given ref.
func (r *Resolver) GetRemoteFile(ctx context.Context, path, ref string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/repository/files/%s/raw?ref=%s",
		r.apiURL, r.projectID(), url.PathEscape(path), url.QueryEscape(ref))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("gitlab: create request: %w", err)
	}
	r.setAuthHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, vcs.WrapRemoteError(0, "gitlab request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, vcs.ErrFileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, vcs.WrapRemoteError(resp.StatusCode, "gitlab API error", nil)
	}

	return io.ReadAll(resp.Body)
}

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

// latestRelease returns the most recent release. GitLab orders the list by
// released_at descending, so the first entry is the newest.
func (r *Resolver) latestRelease(ctx context.Context) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/releases?per_page=1", r.apiURL, r.projectID())

	var releases []struct {
		TagName         string    `json:"tag_name"`
		ReleasedAt      time.Time `json:"released_at"`
		UpcomingRelease bool      `json:"upcoming_release"`
	}
	if err := r.apiGet(ctx, endpoint, &releases); err != nil {
		return nil, err
	}
	if len(releases) == 0 || releases[0].TagName == "" || releases[0].UpcomingRelease {
		return nil, nil
	}

	rel := releases[0]
	return &vcs.Reference{
		Name:        rel.TagName,
		Version:     vcs.NormalizeVersion(rel.TagName),
		Updated:     rel.ReleasedAt,
		DownloadURL: r.archiveURL(rel.TagName),
	}, nil
}

func (r *Resolver) highestTag(ctx context.Context) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/repository/tags?per_page=100", r.apiURL, r.projectID())

	var glTags []struct {
		Name   string `json:"name"`
		Commit struct {
			CreatedAt time.Time `json:"created_at"`
		} `json:"commit"`
	}
	if err := r.apiGet(ctx, endpoint, &glTags); err != nil {
		return nil, err
	}

	candidates := make([]vcs.TagCandidate, len(glTags))
	for i, t := range glTags {
		candidates[i] = vcs.TagCandidate{
			Name:        t.Name,
			DownloadURL: r.archiveURL(t.Name),
			Updated:     t.Commit.CreatedAt,
		}
	}
	return vcs.HighestVersionTag(candidates), nil
}

func (r *Resolver) branchHead(ctx context.Context, branch string) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/repository/branches/%s", r.apiURL, r.projectID(), url.PathEscape(branch))

	var glBranch struct {
		Name   string `json:"name"`
		Commit struct {
			CommittedDate time.Time `json:"committed_date"`
		} `json:"commit"`
	}
	if err := r.apiGet(ctx, endpoint, &glBranch); err != nil {
		return nil, err
	}
	if glBranch.Name == "" {
		return nil, vcs.ErrBranchNotFound
	}

	return &vcs.Reference{
		Name:        glBranch.Name,
		Updated:     glBranch.Commit.CommittedDate,
		DownloadURL: r.archiveURL(glBranch.Name),
	}, nil
}

func (r *Resolver) tagByName(ctx context.Context, name string) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/repository/tags/%s", r.apiURL, r.projectID(), url.PathEscape(name))

	var glTag struct {
		Name string `json:"name"`
	}
	if err := r.apiGet(ctx, endpoint, &glTag); err != nil {
		return nil, err
	}
	if glTag.Name == "" {
		return nil, vcs.ErrTagNotFound
	}

	return &vcs.Reference{
		Name:        glTag.Name,
		Version:     vcs.NormalizeVersion(glTag.Name),
		DownloadURL: r.archiveURL(glTag.Name),
	}, nil
}

func (r *Resolver) projectID() string {
	return url.PathEscape(r.projectPath)
}

func (r *Resolver) archiveURL(ref string) string {
	return fmt.Sprintf("%s/projects/%s/repository/archive.zip?sha=%s", r.apiURL, r.projectID(), url.QueryEscape(ref))
}

func (r *Resolver) setAuthHeaders(req *http.Request) {
	if r.token != "" {
		req.Header.Set("PRIVATE-TOKEN", r.token)
	}
}

func (r *Resolver) apiGet(ctx context.Context, endpoint string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("gitlab: create request: %w", err)
	}
	r.setAuthHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return vcs.WrapRemoteError(0, "gitlab request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return vcs.ErrFileNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return vcs.ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return vcs.WrapRemoteError(resp.StatusCode, "gitlab API error", fmt.Errorf("%s", body))
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("gitlab: decode response: %w", err)
	}
	return nil
}

func init() {
	vcs.RegisterResolver(vcs.KindGitLab, func(settings *vcs.ResolverSettings) (vcs.ReferenceResolver, error) {
		return NewResolver(settings)
	})
}

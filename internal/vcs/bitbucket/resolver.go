// Package bitbucket implements the ReferenceResolver interface for Bitbucket
// Cloud using the REST API 2.0. Bitbucket has no release concept, so the
// release strategy is skipped and selection goes straight from the readme
// stable tag to the highest-version tag.
package bitbucket

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

const (
	defaultAPIURL      = "https://api.bitbucket.org/2.0"
	defaultDownloadURL = "https://bitbucket.org"
)

// Resolver implements vcs.ReferenceResolver for Bitbucket Cloud.
type Resolver struct {
	workspace string
	repo      string
	token     string
	apiURL    string
	client    *http.Client
}

// NewResolver creates a Bitbucket resolver.
func NewResolver(settings *vcs.ResolverSettings) (*Resolver, error) {
	workspace, repo, err := vcs.SplitRepoURL(settings.RepoURL)
	if err != nil {
		return nil, err
	}

	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	apiURL := defaultAPIURL
	if settings.SelfHostedURL != "" {
		apiURL = settings.SelfHostedURL
	}

	return &Resolver{
		workspace: workspace,
		repo:      repo,
		token:     settings.Token,
		apiURL:    apiURL,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Platform returns the provider kind.
func (r *Resolver) Platform() vcs.ProviderKind {
	return vcs.KindBitbucket
}

// ChooseReference returns the best reference for the configured branch.
func (r *Resolver) ChooseReference(ctx context.Context, branch string) (*vcs.Reference, error) {
	if vcs.IsMainlineBranch(branch) {
		if ref, err := r.stableTag(ctx, branch); err == nil && ref != nil {
			return ref, nil
		}
		if ref, err := r.highestTag(ctx); err == nil && ref != nil {
			return ref, nil
		}
	}
	return r.branchHead(ctx, branch)
}

// GetRemoteFile fetches a file's raw contents at the given ref via the src
// endpoint.
func (r *Resolver) GetRemoteFile(ctx context.Context, path, ref string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/repositories/%s/%s/src/%s/%s",
		r.apiURL, r.workspace, r.repo, url.PathEscape(ref), path)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("bitbucket: create request: %w", err)
	}
	r.setAuthHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, vcs.WrapRemoteError(0, "bitbucket request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, vcs.ErrFileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, vcs.WrapRemoteError(resp.StatusCode, "bitbucket API error", nil)
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

func (r *Resolver) highestTag(ctx context.Context) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/repositories/%s/%s/refs/tags?pagelen=100", r.apiURL, r.workspace, r.repo)

	var page struct {
		Values []struct {
			Name   string `json:"name"`
			Target struct {
				Date time.Time `json:"date"`
			} `json:"target"`
		} `json:"values"`
	}
	if err := r.apiGet(ctx, endpoint, &page); err != nil {
		return nil, err
	}

	candidates := make([]vcs.TagCandidate, len(page.Values))
	for i, t := range page.Values {
		candidates[i] = vcs.TagCandidate{
			Name:        t.Name,
			DownloadURL: r.archiveURL(t.Name),
			Updated:     t.Target.Date,
		}
	}
	return vcs.HighestVersionTag(candidates), nil
}

func (r *Resolver) branchHead(ctx context.Context, branch string) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/repositories/%s/%s/refs/branches/%s", r.apiURL, r.workspace, r.repo, url.PathEscape(branch))

	var bbBranch struct {
		Name   string `json:"name"`
		Target struct {
			Date time.Time `json:"date"`
		} `json:"target"`
	}
	if err := r.apiGet(ctx, endpoint, &bbBranch); err != nil {
		return nil, err
	}
	if bbBranch.Name == "" {
		return nil, vcs.ErrBranchNotFound
	}

	return &vcs.Reference{
		Name:        bbBranch.Name,
		Updated:     bbBranch.Target.Date,
		DownloadURL: r.archiveURL(bbBranch.Name),
	}, nil
}

func (r *Resolver) tagByName(ctx context.Context, name string) (*vcs.Reference, error) {
	endpoint := fmt.Sprintf("%s/repositories/%s/%s/refs/tags/%s", r.apiURL, r.workspace, r.repo, url.PathEscape(name))

	var bbTag struct {
		Name string `json:"name"`
	}
	if err := r.apiGet(ctx, endpoint, &bbTag); err != nil {
		return nil, err
	}
	if bbTag.Name == "" {
		return nil, vcs.ErrTagNotFound
	}

	return &vcs.Reference{
		Name:        bbTag.Name,
		Version:     vcs.NormalizeVersion(bbTag.Name),
		DownloadURL: r.archiveURL(bbTag.Name),
	}, nil
}

// archiveURL builds the get-archive download URL. This lives on the web host,
// not the API host.
func (r *Resolver) archiveURL(ref string) string {
	return fmt.Sprintf("%s/%s/%s/get/%s.zip", defaultDownloadURL, r.workspace, r.repo, url.PathEscape(ref))
}

func (r *Resolver) setAuthHeaders(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}

func (r *Resolver) apiGet(ctx context.Context, endpoint string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("bitbucket: create request: %w", err)
	}
	r.setAuthHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return vcs.WrapRemoteError(0, "bitbucket request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return vcs.ErrFileNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return vcs.ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return vcs.WrapRemoteError(resp.StatusCode, "bitbucket API error", fmt.Errorf("%s", body))
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("bitbucket: decode response: %w", err)
	}
	return nil
}

func init() {
	vcs.RegisterResolver(vcs.KindBitbucket, func(settings *vcs.ResolverSettings) (vcs.ReferenceResolver, error) {
		return NewResolver(settings)
	})
}

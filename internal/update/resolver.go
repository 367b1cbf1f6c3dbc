// Package update orchestrates remote package synchronization: deciding
// whether a slug needs an update, fetching the remote archive exactly once
// under a per-slug lease, normalizing it, and installing it atomically.
// Remote failures never mutate local state; a stale archive beats a missing
// one.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/updatepulse/updatepulse-server/internal/packages"
	"github.com/updatepulse/updatepulse-server/internal/telemetry"
	"github.com/updatepulse/updatepulse-server/internal/vcs"
	"github.com/updatepulse/updatepulse-server/pkg/checksum"
)

var (
	// ErrUnknownPackage means no repository is configured for the slug.
	ErrUnknownPackage = errors.New("no repository configured for package")

	// ErrNoRemoteReference means the remote has no usable reference for the
	// configured branch.
	ErrNoRemoteReference = errors.New("no remote reference found")

	// ErrChecksumMismatch means the downloaded archive did not match the
	// transport-supplied digest.
	ErrChecksumMismatch = errors.New("downloaded archive failed checksum verification")
)

// ArchiveStore is the slice of the packages store the resolver needs.
type ArchiveStore interface {
	Exists(slug string) bool
	Metadata(slug string) (*packages.Metadata, error)
	TmpDir() string
	Install(src, slug string) error
	Remove(slug string) error
}

// Leaser grants per-slug sync leases.
type Leaser interface {
	Acquire(ctx context.Context, slug string) (string, error)
	Release(ctx context.Context, slug, token string) error
}

// RepoBinding ties a slug to its remote repository.
type RepoBinding struct {
	Resolver    vcs.ReferenceResolver
	Branch      string
	PackageType string // expected type; empty skips the check
}

// Resolver drives the check-and-sync pipeline.
type Resolver struct {
	store    ArchiveStore
	lease    Leaser
	repos    map[string]RepoBinding
	client   *http.Client
	failOpen bool
	logger   *slog.Logger
}

// NewResolver creates a resolver. failOpen controls the answer of
// CheckNeedsUpdate when the remote cannot be consulted: false reports "local
// archive is sufficient", true forces a sync attempt.
func NewResolver(store ArchiveStore, lease Leaser, repos map[string]RepoBinding, downloadTimeout time.Duration, failOpen bool, logger *slog.Logger) *Resolver {
	if downloadTimeout <= 0 {
		downloadTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		lease:    lease,
		repos:    repos,
		client:   &http.Client{Timeout: downloadTimeout},
		failOpen: failOpen,
		logger:   logger,
	}
}

// Binding returns the repository binding for slug.
func (r *Resolver) Binding(slug string) (RepoBinding, bool) {
	b, ok := r.repos[slug]
	return b, ok
}

// Slugs returns every configured package slug.
func (r *Resolver) Slugs() []string {
	out := make([]string, 0, len(r.repos))
	for slug := range r.repos {
		out = append(out, slug)
	}
	return out
}

// CheckNeedsUpdate reports whether a newer version exists remotely. A nil
// result means no local archive exists yet, so remote state is unknown until
// the first sync.
func (r *Resolver) CheckNeedsUpdate(ctx context.Context, slug string) (*bool, error) {
	binding, ok := r.repos[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, slug)
	}

	local, err := r.store.Metadata(slug)
	if errors.Is(err, packages.ErrNoArchive) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ref, err := binding.Resolver.ChooseReference(ctx, binding.Branch)
	if err != nil {
		r.logger.Warn("remote reference resolution failed",
			"slug", slug,
			"provider", binding.Resolver.Platform(),
			"error", err)
		answer := r.failOpen
		return &answer, nil
	}
	if ref == nil {
		answer := false
		return &answer, nil
	}

	remoteVersion := ref.Version
	if remoteVersion == "" {
		// Branch heads carry no version; read it from the package's own
		// files at that ref.
		remoteVersion = r.remoteVersion(ctx, binding, ref, local)
	}
	if remoteVersion == "" {
		answer := r.failOpen
		return &answer, nil
	}

	needs, err := versionGreater(remoteVersion, local.Version)
	if err != nil {
		r.logger.Warn("version comparison failed",
			"slug", slug,
			"local", local.Version,
			"remote", remoteVersion,
			"error", err)
		answer := r.failOpen
		return &answer, nil
	}
	return &needs, nil
}

// SyncToLocal downloads, normalizes, and installs the remote archive for
// slug. Returns false without error when another worker holds the lease;
// callers should retry after a short wait.
func (r *Resolver) SyncToLocal(ctx context.Context, slug string) (bool, error) {
	binding, ok := r.repos[slug]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPackage, slug)
	}

	token, err := r.lease.Acquire(ctx, slug)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}
	defer func() {
		if err := r.lease.Release(context.WithoutCancel(ctx), slug, token); err != nil {
			r.logger.Warn("sync lease release failed", "slug", slug, "error", err)
		}
	}()

	start := time.Now()
	if err := r.sync(ctx, slug, binding); err != nil {
		telemetry.PackageSyncErrorsTotal.WithLabelValues(slug).Inc()
		return false, err
	}
	telemetry.PackageSyncDuration.Observe(time.Since(start).Seconds())
	return true, nil
}

func (r *Resolver) sync(ctx context.Context, slug string, binding RepoBinding) error {
	ref, err := binding.Resolver.ChooseReference(ctx, binding.Branch)
	if err != nil {
		return fmt.Errorf("resolve remote reference: %w", err)
	}
	if ref == nil {
		return fmt.Errorf("%w: %s@%s", ErrNoRemoteReference, slug, binding.Branch)
	}

	rawPath, err := r.download(ctx, slug, ref.DownloadURL)
	if err != nil {
		return err
	}
	defer os.Remove(rawPath)

	normalized, err := packages.NormalizeArchive(rawPath, slug, r.store.TmpDir())
	if err != nil {
		return err
	}

	if binding.PackageType != "" {
		meta, err := packages.ParseArchive(normalized, slug)
		if err != nil {
			_ = os.Remove(normalized)
			return err
		}
		if meta.Type != binding.PackageType {
			_ = os.Remove(normalized)
			return fmt.Errorf("%w: expected %s, archive is %s", packages.ErrTypeMismatch, binding.PackageType, meta.Type)
		}
	}

	if err := r.store.Install(normalized, slug); err != nil {
		_ = os.Remove(normalized)
		return err
	}

	r.logger.Info("package synchronized",
		"slug", slug,
		"reference", ref.Name,
		"version", ref.Version)
	return nil
}

// RemovePackage deletes the local archive and its cached metadata.
func (r *Resolver) RemovePackage(slug string) error {
	return r.store.Remove(slug)
}

// download fetches url into a scratch file and verifies the Content-MD5
// digest when the transport supplies one.
func (r *Resolver) download(ctx context.Context, slug, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download archive: unexpected status %d", resp.StatusCode)
	}

	out, err := os.CreateTemp(r.store.TmpDir(), "download-"+slug+"-*.zip")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	path := out.Name()

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write download: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close download: %w", err)
	}

	if digest := resp.Header.Get("Content-MD5"); digest != "" {
		f, err := os.Open(path)
		if err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("reopen download: %w", err)
		}
		ok, err := checksum.VerifyContentMD5(f, digest)
		_ = f.Close()
		if err != nil {
			_ = os.Remove(path)
			return "", err
		}
		if !ok {
			_ = os.Remove(path)
			return "", ErrChecksumMismatch
		}
	}

	return path, nil
}

// remoteVersion reads the version header from the package's own files at the
// given ref: the plugin main file, a theme's style.css, or the generic
// manifest.
func (r *Resolver) remoteVersion(ctx context.Context, binding RepoBinding, ref *vcs.Reference, local *packages.Metadata) string {
	var path string
	switch local.Type {
	case packages.TypeTheme:
		path = "style.css"
	case packages.TypeGeneric:
		path = "updatepulse.json"
	default:
		if local.MainFile == "" {
			return ""
		}
		// MainFile is slug-prefixed inside the archive; the repository holds
		// it at the root.
		path = local.MainFile[len(local.Slug)+1:]
	}

	data, err := binding.Resolver.GetRemoteFile(ctx, path, ref.Name)
	if err != nil {
		return ""
	}

	if local.Type == packages.TypeGeneric {
		var manifest struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(data, &manifest); err != nil {
			return ""
		}
		return manifest.Version
	}
	return packages.ParseHeaders(data)["Version"]
}

func versionGreater(remote, local string) (bool, error) {
	rv, err := goversion.NewVersion(remote)
	if err != nil {
		return false, fmt.Errorf("parse remote version %q: %w", remote, err)
	}
	lv, err := goversion.NewVersion(local)
	if err != nil {
		return false, fmt.Errorf("parse local version %q: %w", local, err)
	}
	return rv.GreaterThan(lv), nil
}

// Package updates implements the update API: get_metadata answers version
// checks with package metadata and a tokenized download URL, download
// validates the token and streams the archive. Both endpoints are public;
// license-gated packages are enforced here by checking the key and signature
// sent by the client.
package updates

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/updatepulse/updatepulse-server/internal/config"
	"github.com/updatepulse/updatepulse-server/internal/db/models"
	"github.com/updatepulse/updatepulse-server/internal/license"
	"github.com/updatepulse/updatepulse-server/internal/packages"
	"github.com/updatepulse/updatepulse-server/internal/telemetry"
	"github.com/updatepulse/updatepulse-server/internal/token"
	"github.com/updatepulse/updatepulse-server/internal/update"
)

// Handlers serves the update API.
type Handlers struct {
	store       *packages.Store
	resolver    *update.Resolver
	engine      *license.Engine
	tokens      token.Authority
	repos       map[string]config.RepoConfig
	baseURL     string
	downloadTTL time.Duration
	licensing   bool
	logger      *slog.Logger
}

// NewHandlers creates the update API handlers.
func NewHandlers(
	store *packages.Store,
	resolver *update.Resolver,
	engine *license.Engine,
	tokens token.Authority,
	cfg *config.Config,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.Tokens.DownloadTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Handlers{
		store:       store,
		resolver:    resolver,
		engine:      engine,
		tokens:      tokens,
		repos:       cfg.VCS.Repos,
		baseURL:     cfg.Server.BaseURL,
		downloadTTL: ttl,
		licensing:   cfg.Licenses.Enabled,
		logger:      logger,
	}
}

type metadataRequest struct {
	PackageID        string `form:"package_id" json:"package_id"`
	LicenseKey       string `form:"license_key" json:"license_key"`
	LicenseSignature string `form:"license_signature" json:"license_signature"`
}

// GetMetadata answers a version check. The response carries the package
// metadata; for license-gated packages a valid key and signature buy a
// tokenized download_url, anything else gets a license_error object.
func (h *Handlers) GetMetadata(c *gin.Context) {
	var req metadataRequest
	_ = c.ShouldBind(&req)
	if req.PackageID == "" {
		req.PackageID = c.Query("package_id")
	}
	if req.LicenseKey == "" {
		req.LicenseKey = c.Query("license_key")
	}
	if req.LicenseSignature == "" {
		req.LicenseSignature = c.Query("license_signature")
	}
	slug := req.PackageID

	repoCfg, hasRepo := h.repos[slug]
	if !hasRepo && !h.store.Exists(slug) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "package_not_found",
			"message": "The requested package is not served by this server.",
		})
		return
	}

	// Opportunistic freshness: an interactive check triggers the sync when
	// the archive is missing or stale. A busy lease or remote failure falls
	// back to whatever is installed.
	if hasRepo {
		h.refresh(c, slug)
	}

	meta, err := h.store.Metadata(slug)
	if errors.Is(err, packages.ErrNoArchive) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "package_not_found",
			"message": "The requested package has no downloadable archive yet.",
		})
		return
	}
	if err != nil {
		h.logger.Error("package metadata read failed", "slug", slug, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}

	response := gin.H{
		"slug":          meta.Slug,
		"type":          meta.Type,
		"name":          meta.Name,
		"version":       meta.Version,
		"homepage":      meta.Homepage,
		"author":        meta.Author,
		"description":   meta.Description,
		"requires_php":  meta.RequiresPHP,
		"file_size":     meta.FileSize,
		"last_updated":  meta.LastModified.UTC().Format(time.RFC3339),
		"file_name":     meta.Slug + ".zip",
		"download_type": "zip",
	}

	if h.licensing && repoCfg.RequireLicense {
		if licErr := h.licenseError(c, slug, req.LicenseKey, req.LicenseSignature); licErr != nil {
			response["license_error"] = licErr
			c.JSON(http.StatusOK, response)
			return
		}
	}

	downloadURL, err := h.mintDownloadURL(c, slug, meta.Type)
	if err != nil {
		h.logger.Error("download token issuance failed", "slug", slug, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}
	response["download_url"] = downloadURL

	c.JSON(http.StatusOK, response)
}

// Download validates the token and streams the archive.
func (h *Handlers) Download(c *gin.Context) {
	tok := c.Query("token")
	slug := c.Query("package_id")

	payload, err := h.tokens.Validate(c.Request.Context(), tok)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "invalid_token",
			"message": "The download token is missing, expired, or invalid.",
		})
		return
	}
	if payload["action"] != "download" || payload["package_id"] != slug {
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "invalid_token",
			"message": "The download token does not match this package.",
		})
		return
	}

	archive, info, err := h.store.Open(slug)
	if errors.Is(err, packages.ErrNoArchive) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "package_not_found",
			"message": "The requested package has no downloadable archive.",
		})
		return
	}
	if err != nil {
		h.logger.Error("archive open failed", "slug", slug, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}
	defer archive.Close()

	telemetry.PackageDownloadsTotal.WithLabelValues(slug, payload["package_type"]).Inc()

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", slug+".zip"))
	http.ServeContent(c.Writer, c.Request, slug+".zip", info.ModTime(), archive)
}

// refresh runs the interactive check-and-sync pipeline, logging failures
// instead of surfacing them: serving a stale archive beats serving an error.
func (h *Handlers) refresh(c *gin.Context, slug string) {
	ctx := c.Request.Context()
	needs, err := h.resolver.CheckNeedsUpdate(ctx, slug)
	if err != nil {
		h.logger.Warn("update check failed", "slug", slug, "error", err)
		return
	}
	if needs != nil && !*needs {
		return
	}
	// Nil means no local archive yet; true means the remote moved ahead.
	if _, err := h.resolver.SyncToLocal(ctx, slug); err != nil {
		h.logger.Warn("package sync failed", "slug", slug, "error", err)
	}
}

// licenseError validates the caller's license and returns nil when the
// download may proceed, or the license_error payload otherwise.
func (h *Handlers) licenseError(c *gin.Context, slug, licenseKey, signature string) gin.H {
	if licenseKey == "" || signature == "" {
		return gin.H{"status": "missing"}
	}

	lic, err := h.engine.Read(c.Request.Context(), 0, licenseKey, "", true)
	if err != nil {
		return gin.H{"status": "invalid"}
	}
	if lic.PackageSlug != slug {
		return gin.H{"status": "invalid"}
	}
	if lic.IsExpired(time.Now()) || lic.Status == models.LicenseStatusExpired {
		out := gin.H{"status": models.LicenseStatusExpired}
		if d := models.FormatDate(lic.DateExpiry); d != "" {
			out["date_expiry"] = d
		}
		return out
	}
	if lic.Status != models.LicenseStatusActivated {
		return gin.H{"status": lic.Status}
	}
	if !h.engine.VerifySignature(lic, signature) {
		return gin.H{"status": "invalid"}
	}
	return nil
}

// mintDownloadURL issues a reusable token scoped to one package and builds
// the public download URL around it.
func (h *Handlers) mintDownloadURL(c *gin.Context, slug, packageType string) (string, error) {
	tok, err := h.tokens.Issue(c.Request.Context(), true, h.downloadTTL, map[string]string{
		"action":       "download",
		"package_id":   slug,
		"package_type": packageType,
	})
	if err != nil {
		return "", err
	}

	base := h.baseURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	return fmt.Sprintf("%s/updatepulse-server-update-api/download?token=%s&package_id=%s",
		base, url.QueryEscape(tok), url.QueryEscape(slug)), nil
}

// Package admin implements the management API: package inventory and sync
// control in packages.go, API key lifecycle in apikeys.go. Every route runs
// behind the API key middleware with a management scope.
package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/updatepulse/updatepulse-server/internal/packages"
	"github.com/updatepulse/updatepulse-server/internal/update"
)

// PackageHandlers serves the package management actions.
type PackageHandlers struct {
	store    *packages.Store
	resolver *update.Resolver
	logger   *slog.Logger
}

// NewPackageHandlers creates the package management handlers.
func NewPackageHandlers(store *packages.Store, resolver *update.Resolver, logger *slog.Logger) *PackageHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PackageHandlers{store: store, resolver: resolver, logger: logger}
}

// packageEntry is one row of the package inventory.
type packageEntry struct {
	Slug      string             `json:"slug"`
	Installed bool               `json:"installed"`
	HasRepo   bool               `json:"has_repo"`
	Metadata  *packages.Metadata `json:"metadata,omitempty"`
}

// List returns every known package: installed archives plus configured
// repositories that have not synced yet.
func (h *PackageHandlers) List(c *gin.Context) {
	installed, err := h.store.List()
	if err != nil {
		h.logger.Error("package inventory failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}

	slugs := map[string]bool{}
	for _, s := range installed {
		slugs[s] = true
	}
	for _, s := range h.resolver.Slugs() {
		slugs[s] = true
	}

	entries := make([]packageEntry, 0, len(slugs))
	for slug := range slugs {
		entry := packageEntry{Slug: slug}
		_, entry.HasRepo = h.resolver.Binding(slug)
		if meta, err := h.store.Metadata(slug); err == nil {
			entry.Installed = true
			entry.Metadata = meta
		} else if !errors.Is(err, packages.ErrNoArchive) {
			h.logger.Warn("package metadata read failed", "slug", slug, "error", err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slug < entries[j].Slug })

	c.JSON(http.StatusOK, gin.H{
		"count":    len(entries),
		"packages": entries,
	})
}

type syncRequest struct {
	Slug string `json:"slug" binding:"required"`
}

// Sync forces a remote synchronization for one package.
func (h *PackageHandlers) Sync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_request",
			"message": "A package slug is required.",
		})
		return
	}

	synced, err := h.resolver.SyncToLocal(c.Request.Context(), req.Slug)
	if errors.Is(err, update.ErrUnknownPackage) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "package_not_found",
			"message": "No repository is configured for this package.",
		})
		return
	}
	if err != nil {
		h.logger.Error("forced package sync failed", "slug", req.Slug, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "sync_failed",
			"message": "The remote package could not be synchronized.",
		})
		return
	}
	if !synced {
		// Another worker holds the sync lease.
		c.JSON(http.StatusConflict, gin.H{
			"code":    "sync_in_progress",
			"message": "A synchronization for this package is already running.",
		})
		return
	}

	meta, err := h.store.Metadata(req.Slug)
	if err != nil {
		h.logger.Error("package metadata read failed after sync", "slug", req.Slug, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": true, "metadata": meta})
}

// Delete removes a package's local archive. The repository configuration, if
// any, is untouched; the next sync reinstalls the package.
func (h *PackageHandlers) Delete(c *gin.Context) {
	slug := c.Param("slug")
	if !h.store.Exists(slug) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "package_not_found",
			"message": "No archive is installed for this package.",
		})
		return
	}
	if err := h.resolver.RemovePackage(slug); err != nil {
		h.logger.Error("package removal failed", "slug", slug, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": slug})
}

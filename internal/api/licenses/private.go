// private.go implements the authenticated license actions: browse, read,
// add, edit, delete. Every handler runs behind the API key middleware; the
// key id becomes the record owner and keys without the "other" scope only
// see their own records.
package licenses

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/updatepulse/updatepulse-server/internal/auth"
	"github.com/updatepulse/updatepulse-server/internal/db/repositories"
	"github.com/updatepulse/updatepulse-server/internal/license"
	"github.com/updatepulse/updatepulse-server/internal/middleware"
)

// PrivateHandlers serves the scoped license management actions.
type PrivateHandlers struct {
	engine *license.Engine
	logger *slog.Logger
}

// NewPrivateHandlers creates the private license handlers.
func NewPrivateHandlers(engine *license.Engine, logger *slog.Logger) *PrivateHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrivateHandlers{engine: engine, logger: logger}
}

// ownership resolves the caller's record visibility from the authenticated
// API key.
func ownership(c *gin.Context) (apiOwner string, canSeeOthers bool) {
	key := middleware.AuthenticatedKey(c)
	if key == nil {
		return "", false
	}
	return key.ID, auth.HasScope(key.Scopes, auth.ScopeOther)
}

// Browse lists licenses matching a filter query.
func (h *PrivateHandlers) Browse(c *gin.Context) {
	var q repositories.BrowseQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    license.CodeInvalidLicenseData,
			"message": "Malformed browse query.",
		})
		return
	}

	apiOwner, canSeeOthers := ownership(c)
	licenses, err := h.engine.Browse(c.Request.Context(), &q, apiOwner, canSeeOthers)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(licenses),
		"licenses": licenses,
	})
}

type readRequest struct {
	ID         int64  `json:"id"`
	LicenseKey string `json:"license_key"`
}

// Read returns the full license record by id or license key.
func (h *PrivateHandlers) Read(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    license.CodeInvalidLicenseData,
			"message": "Malformed read request.",
		})
		return
	}

	apiOwner, canSeeOthers := ownership(c)
	lic, err := h.engine.Read(c.Request.Context(), req.ID, req.LicenseKey, apiOwner, canSeeOthers)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, lic)
}

// Add creates a license owned by the calling API key.
func (h *PrivateHandlers) Add(c *gin.Context) {
	var in license.LicenseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    license.CodeInvalidLicenseData,
			"message": "Malformed license payload.",
		})
		return
	}

	apiOwner, _ := ownership(c)
	lic, err := h.engine.Add(c.Request.Context(), &in, apiOwner)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lic)
}

type editRequest struct {
	ID int64 `json:"id"`
	license.LicenseInput
}

// Edit applies the supplied fields to an existing license, selected by id or
// by the payload's license_key when id is absent.
func (h *PrivateHandlers) Edit(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    license.CodeInvalidLicenseData,
			"message": "Malformed license payload.",
		})
		return
	}

	apiOwner, canSeeOthers := ownership(c)
	lic, err := h.engine.Edit(c.Request.Context(), req.ID, &req.LicenseInput, apiOwner, canSeeOthers)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, lic)
}

type deleteRequest struct {
	ID         int64  `json:"id"`
	LicenseKey string `json:"license_key"`
}

// Delete removes a license selected by id or license key and returns the
// deleted record.
func (h *PrivateHandlers) Delete(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    license.CodeInvalidLicenseData,
			"message": "Malformed delete request.",
		})
		return
	}

	apiOwner, canSeeOthers := ownership(c)
	lic, err := h.engine.Delete(c.Request.Context(), req.ID, req.LicenseKey, apiOwner, canSeeOthers)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, lic)
}

func (h *PrivateHandlers) renderError(c *gin.Context, err error) {
	if rej := license.AsRejection(err); rej != nil {
		body := gin.H{"code": rej.Code, "message": rej.Message}
		if len(rej.Data) > 0 {
			body["data"] = rej.Data
		}
		c.JSON(rej.HTTPStatus, body)
		return
	}
	h.logger.Error("license operation failed", "path", c.FullPath(), "error", err)
	rej := license.RejectUnexpected()
	c.JSON(rej.HTTPStatus, gin.H{"code": rej.Code, "message": rej.Message})
}

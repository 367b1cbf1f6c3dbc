// Package licenses implements the license API handlers. The public actions
// (check, activate, deactivate) are called by installed clients and accept
// both GET and POST; everything else requires a scoped private API key and
// lives in private.go.
package licenses

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/updatepulse/updatepulse-server/internal/license"
)

// PublicHandlers serves the unauthenticated license actions.
type PublicHandlers struct {
	engine *license.Engine
	logger *slog.Logger
}

// NewPublicHandlers creates the public license handlers.
func NewPublicHandlers(engine *license.Engine, logger *slog.Logger) *PublicHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublicHandlers{engine: engine, logger: logger}
}

// publicRequest is the payload of every public action. GET requests carry the
// fields as query parameters, POST as form values or JSON. package_id names
// the package the client is acting for; activation and deactivation refuse
// keys issued for a different package.
type publicRequest struct {
	LicenseKey     string `form:"license_key" json:"license_key"`
	AllowedDomains string `form:"allowed_domains" json:"allowed_domains"`
	PackageID      string `form:"package_id" json:"package_id"`
}

func bindPublic(c *gin.Context) publicRequest {
	var req publicRequest
	// Binding errors surface as empty fields, which the engine rejects with
	// a structured invalid_license_key response.
	_ = c.ShouldBind(&req)
	if req.LicenseKey == "" {
		req.LicenseKey = c.Query("license_key")
	}
	if req.AllowedDomains == "" {
		req.AllowedDomains = c.Query("allowed_domains")
	}
	if req.PackageID == "" {
		req.PackageID = c.Query("package_id")
	}
	return req
}

// Check returns the sanitized license record for a key.
func (h *PublicHandlers) Check(c *gin.Context) {
	req := bindPublic(c)
	result, err := h.engine.Check(c.Request.Context(), req.LicenseKey)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Activate adds a domain to the license's allowed list.
func (h *PublicHandlers) Activate(c *gin.Context) {
	req := bindPublic(c)
	result, err := h.engine.Activate(c.Request.Context(), req.LicenseKey, req.PackageID, req.AllowedDomains)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Deactivate removes a domain from the license's allowed list.
func (h *PublicHandlers) Deactivate(c *gin.Context) {
	req := bindPublic(c)
	result, err := h.engine.Deactivate(c.Request.Context(), req.LicenseKey, req.PackageID, req.AllowedDomains)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// renderError maps engine failures to responses. Rejections carry their own
// status and client-safe payload; anything else is a 500 with the detail kept
// in logs.
func (h *PublicHandlers) renderError(c *gin.Context, err error) {
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

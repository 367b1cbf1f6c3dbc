// apikeys.go implements the API key lifecycle: create, list, revoke. The
// plaintext key is returned exactly once, in the create response; only its
// bcrypt hash and display prefix are stored.
package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/updatepulse/updatepulse-server/internal/auth"
	"github.com/updatepulse/updatepulse-server/internal/db/models"
	"github.com/updatepulse/updatepulse-server/internal/db/repositories"
)

// APIKeyHandlers serves the API key management actions.
type APIKeyHandlers struct {
	repo   *repositories.APIKeyRepository
	logger *slog.Logger
}

// NewAPIKeyHandlers creates the API key management handlers.
func NewAPIKeyHandlers(repo *repositories.APIKeyRepository, logger *slog.Logger) *APIKeyHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyHandlers{repo: repo, logger: logger}
}

type createKeyRequest struct {
	Name        string     `json:"name" binding:"required"`
	Scopes      []string   `json:"scopes"`
	IPAllowlist []string   `json:"ip_allowlist"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// Create mints a new API key. Omitted scopes default to read-only access.
func (h *APIKeyHandlers) Create(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_request",
			"message": "A key name is required.",
		})
		return
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = auth.GetDefaultScopes()
	}
	if err := auth.ValidateScopes(scopes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_request",
			"message": err.Error(),
		})
		return
	}

	plaintext, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		h.logger.Error("api key generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}

	key := &models.APIKey{
		Name:        req.Name,
		KeyHash:     hash,
		KeyPrefix:   prefix,
		Scopes:      models.StringList(scopes),
		IPAllowlist: models.StringList(req.IPAllowlist),
		ExpiresAt:   req.ExpiresAt,
	}
	if err := h.repo.Create(c.Request.Context(), key); err != nil {
		h.logger.Error("api key persistence failed", "name", req.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}

	h.logger.Info("api key created", "id", key.ID, "name", key.Name, "scopes", scopes)
	c.JSON(http.StatusCreated, gin.H{
		"key":     plaintext,
		"api_key": key,
	})
}

// List returns every API key record without hashes.
func (h *APIKeyHandlers) List(c *gin.Context) {
	keys, err := h.repo.List(c.Request.Context())
	if err != nil {
		h.logger.Error("api key listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(keys),
		"api_keys": keys,
	})
}

// Revoke deletes an API key. Requests authenticated with that key stop
// working as soon as the delete commits.
func (h *APIKeyHandlers) Revoke(c *gin.Context) {
	id := c.Param("id")

	key, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("api key lookup failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}
	if key == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "key_not_found",
			"message": "No API key exists with this id.",
		})
		return
	}

	if err := h.repo.Revoke(c.Request.Context(), id); err != nil {
		h.logger.Error("api key revocation failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "unexpected_error",
			"message": "An unexpected error occurred.",
		})
		return
	}

	h.logger.Info("api key revoked", "id", id, "name", key.Name)
	c.JSON(http.StatusOK, gin.H{"revoked": id})
}

// Package middleware provides Gin HTTP middleware for API key authentication,
// rate limiting, request identifiers, and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Metrics → RateLimit → Auth → Handler
//
// Rate limiting runs before auth so brute-force attempts are blocked before
// any bcrypt or DB work. Auth populates the API key identity and scopes;
// handlers read scope decisions from the gin context.
package middleware

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/updatepulse/updatepulse-server/internal/auth"
	"github.com/updatepulse/updatepulse-server/internal/db/models"
	"github.com/updatepulse/updatepulse-server/internal/db/repositories"
)

// Context keys populated by AuthMiddleware.
const (
	APIKeyContextKey   = "api_key"
	APIKeyIDContextKey = "api_key_id"
	ScopesContextKey   = "scopes"
)

// AuthMiddleware validates the Bearer API key on private endpoints. On
// success the key, its id, and its scopes are stored in the gin context.
func AuthMiddleware(apiKeyRepo *repositories.APIKeyRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractAPIKeyFromHeader(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": err.Error(),
			})
			return
		}

		// The raw key is never stored. The clear-text prefix narrows the
		// candidate rows so bcrypt runs on a handful of hashes instead of
		// the whole table.
		keyPrefix := token
		if len(token) > auth.DisplayPrefixLength {
			keyPrefix = token[:auth.DisplayPrefixLength]
		}

		apiKey, err := authenticateAPIKey(c.Request.Context(), token, keyPrefix, apiKeyRepo)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "internal_error",
				"message": "Authentication failed",
			})
			return
		}
		if apiKey == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "Invalid API key",
			})
			return
		}

		if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "API key expired",
			})
			return
		}

		if !ipAllowed(c.ClientIP(), apiKey.IPAllowlist) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "forbidden",
				"message": "API key not allowed from this address",
			})
			return
		}

		// Last-used tracking is best-effort; a failed update never blocks the
		// request.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiKeyRepo.UpdateLastUsed(ctx, apiKey.ID)
		}()

		c.Set(APIKeyContextKey, apiKey)
		c.Set(APIKeyIDContextKey, apiKey.ID)
		c.Set(ScopesContextKey, []string(apiKey.Scopes))

		c.Next()
	}
}

// RequireScope aborts with 403 unless the authenticated key carries scope.
// Must run after AuthMiddleware.
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes, ok := c.Get(ScopesContextKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "Authentication required",
			})
			return
		}
		keyScopes, _ := scopes.([]string)
		if !auth.HasScope(keyScopes, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "forbidden",
				"message": "API key lacks the required scope",
			})
			return
		}
		c.Next()
	}
}

// AuthenticatedKey returns the API key set by AuthMiddleware, or nil.
func AuthenticatedKey(c *gin.Context) *models.APIKey {
	v, ok := c.Get(APIKeyContextKey)
	if !ok {
		return nil
	}
	key, _ := v.(*models.APIKey)
	return key
}

// authenticateAPIKey looks up candidate keys by prefix and bcrypt-compares
// the full key against each. Returns nil, nil when no key matches.
func authenticateAPIKey(ctx context.Context, token, keyPrefix string, repo *repositories.APIKeyRepository) (*models.APIKey, error) {
	candidates, err := repo.GetByPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if auth.ValidateAPIKey(token, candidate.KeyHash) {
			return candidate, nil
		}
	}
	return nil, nil
}

// ipAllowed checks clientIP against the key's CIDR allowlist. An empty
// allowlist means any address.
func ipAllowed(clientIP string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, cidr := range allowlist {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			// A single-address entry without a mask is allowed too.
			if allowed := net.ParseIP(cidr); allowed != nil && allowed.Equal(ip) {
				return true
			}
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

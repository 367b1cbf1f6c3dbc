// Package api assembles the HTTP surface: the public license and update APIs,
// the scoped private license actions, and the admin routes for package and
// API key management.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/updatepulse/updatepulse-server/internal/api/admin"
	"github.com/updatepulse/updatepulse-server/internal/api/licenses"
	"github.com/updatepulse/updatepulse-server/internal/api/updates"
	"github.com/updatepulse/updatepulse-server/internal/auth"
	"github.com/updatepulse/updatepulse-server/internal/config"
	"github.com/updatepulse/updatepulse-server/internal/db/repositories"
	"github.com/updatepulse/updatepulse-server/internal/license"
	"github.com/updatepulse/updatepulse-server/internal/middleware"
	"github.com/updatepulse/updatepulse-server/internal/packages"
	"github.com/updatepulse/updatepulse-server/internal/token"
	"github.com/updatepulse/updatepulse-server/internal/update"
)

// Deps carries everything the router needs.
type Deps struct {
	Cfg        *config.Config
	Engine     *license.Engine
	Store      *packages.Store
	Resolver   *update.Resolver
	Tokens     token.Authority
	APIKeyRepo *repositories.APIKeyRepository
	Redis      *redis.Client
	Logger     *slog.Logger
}

// NewRouter builds the gin engine with every route and middleware wired.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	var publicLimit, privateLimit gin.HandlerFunc
	if d.Cfg.Security.RateLimiting.Enabled && d.Redis != nil {
		publicCfg := middleware.PublicRateLimitConfig()
		if d.Cfg.Security.RateLimiting.RequestsPerMinute > 0 {
			publicCfg.RequestsPerMinute = d.Cfg.Security.RateLimiting.RequestsPerMinute
			publicCfg.Burst = d.Cfg.Security.RateLimiting.Burst
		}
		publicLimit = middleware.RateLimitMiddleware(middleware.NewRateLimiter(d.Redis, publicCfg))
		privateLimit = middleware.RateLimitMiddleware(middleware.NewRateLimiter(d.Redis, middleware.PrivateRateLimitConfig()))
	} else {
		noop := func(c *gin.Context) { c.Next() }
		publicLimit, privateLimit = noop, noop
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// License API. The public actions are called by installed clients and
	// accept GET and POST; the management actions require a scoped key.
	licPublic := licenses.NewPublicHandlers(d.Engine, d.Logger)
	licPrivate := licenses.NewPrivateHandlers(d.Engine, d.Logger)

	licAPI := router.Group("/updatepulse-server-license-api")
	{
		public := licAPI.Group("")
		public.Use(publicLimit)
		public.GET("/check", licPublic.Check)
		public.POST("/check", licPublic.Check)
		public.GET("/activate", licPublic.Activate)
		public.POST("/activate", licPublic.Activate)
		public.GET("/deactivate", licPublic.Deactivate)
		public.POST("/deactivate", licPublic.Deactivate)

		private := licAPI.Group("")
		private.Use(privateLimit, middleware.AuthMiddleware(d.APIKeyRepo))
		private.POST("/browse", middleware.RequireScope(auth.ScopeLicensesBrowse), licPrivate.Browse)
		private.POST("/read", middleware.RequireScope(auth.ScopeLicensesRead), licPrivate.Read)
		private.POST("/add", middleware.RequireScope(auth.ScopeLicensesAdd), licPrivate.Add)
		private.POST("/edit", middleware.RequireScope(auth.ScopeLicensesEdit), licPrivate.Edit)
		private.POST("/delete", middleware.RequireScope(auth.ScopeLicensesDelete), licPrivate.Delete)
	}

	// Update API, fully public: the download token is the gate.
	upd := updates.NewHandlers(d.Store, d.Resolver, d.Engine, d.Tokens, d.Cfg, d.Logger)
	updAPI := router.Group("/updatepulse-server-update-api")
	updAPI.Use(publicLimit)
	{
		updAPI.GET("/get_metadata", upd.GetMetadata)
		updAPI.POST("/get_metadata", upd.GetMetadata)
		updAPI.GET("/download", upd.Download)
	}

	// Admin API.
	pkgAdmin := admin.NewPackageHandlers(d.Store, d.Resolver, d.Logger)
	keyAdmin := admin.NewAPIKeyHandlers(d.APIKeyRepo, d.Logger)

	adminAPI := router.Group("/admin")
	adminAPI.Use(privateLimit, middleware.AuthMiddleware(d.APIKeyRepo))
	{
		adminAPI.GET("/packages", middleware.RequireScope(auth.ScopePackagesBrowse), pkgAdmin.List)
		adminAPI.POST("/packages/sync", middleware.RequireScope(auth.ScopePackagesManage), pkgAdmin.Sync)
		adminAPI.DELETE("/packages/:slug", middleware.RequireScope(auth.ScopePackagesManage), pkgAdmin.Delete)

		adminAPI.POST("/api-keys", middleware.RequireScope(auth.ScopeAll), keyAdmin.Create)
		adminAPI.GET("/api-keys", middleware.RequireScope(auth.ScopeAll), keyAdmin.List)
		adminAPI.DELETE("/api-keys/:id", middleware.RequireScope(auth.ScopeAll), keyAdmin.Revoke)
	}

	return router
}

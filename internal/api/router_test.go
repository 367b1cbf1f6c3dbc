package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/updatepulse/updatepulse-server/internal/config"
	"github.com/updatepulse/updatepulse-server/internal/db/models"
	"github.com/updatepulse/updatepulse-server/internal/db/repositories"
	"github.com/updatepulse/updatepulse-server/internal/license"
	"github.com/updatepulse/updatepulse-server/internal/packages"
	"github.com/updatepulse/updatepulse-server/internal/token"
	"github.com/updatepulse/updatepulse-server/internal/update"
)

// emptyLicStore satisfies license.Store with no records.
type emptyLicStore struct{}

func (emptyLicStore) Create(context.Context, *models.License) error { return nil }
func (emptyLicStore) GetByID(context.Context, int64) (*models.License, error) {
	return nil, nil
}
func (emptyLicStore) GetByKey(context.Context, string) (*models.License, error) {
	return nil, nil
}
func (emptyLicStore) Update(context.Context, *models.License) error { return nil }
func (emptyLicStore) Delete(context.Context, int64) error           { return nil }
func (emptyLicStore) UpdateWithLock(context.Context, string, func(*models.License) error) (*models.License, error) {
	return nil, nil
}
func (emptyLicStore) Browse(context.Context, *repositories.BrowseQuery) ([]models.License, error) {
	return nil, nil
}
func (emptyLicStore) SweepExpired(context.Context, time.Time) ([]models.License, error) {
	return nil, nil
}

type noTokens struct{}

func (noTokens) Issue(context.Context, bool, time.Duration, map[string]string) (string, error) {
	return "tok", nil
}
func (noTokens) Validate(context.Context, string) (map[string]string, error) {
	return nil, token.ErrTokenInvalid
}
func (noTokens) Expiry(context.Context, string) (time.Time, error) {
	return time.Time{}, token.ErrTokenInvalid
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := packages.NewStore(t.TempDir(), time.Minute)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.BaseURL = "http://localhost:8080"
	cfg.Licenses.Enabled = true
	cfg.Security.RateLimiting.Enabled = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(Deps{
		Cfg:        cfg,
		Engine:     license.NewEngine(emptyLicStore{}, cfg.Licenses, nil),
		Store:      store,
		Resolver:   update.NewResolver(store, nil, nil, 0, false, logger),
		Tokens:     noTokens{},
		APIKeyRepo: repositories.NewAPIKeyRepository(db),
		Logger:     logger,
	})
}

func do(t *testing.T, router *gin.Engine, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &body)
	}
	return w, body
}

func TestRouter_Health(t *testing.T) {
	router := newTestRouter(t)
	w, body := do(t, router, "GET", "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_PublicLicenseActionsNeedNoAuth(t *testing.T) {
	router := newTestRouter(t)

	// No Authorization header: the request reaches the engine, which rejects
	// the empty key with a structured error rather than a 401.
	for _, action := range []string{"check", "activate", "deactivate"} {
		for _, method := range []string{"GET", "POST"} {
			w, body := do(t, router, method, "/updatepulse-server-license-api/"+action)
			assert.Equal(t, http.StatusBadRequest, w.Code, "%s %s", method, action)
			assert.Equal(t, "invalid_license_key", body["code"], "%s %s", method, action)
		}
	}
}

func TestRouter_PrivateLicenseActionsRequireAuth(t *testing.T) {
	router := newTestRouter(t)

	for _, action := range []string{"browse", "read", "add", "edit", "delete"} {
		w, body := do(t, router, "POST", "/updatepulse-server-license-api/"+action)
		assert.Equal(t, http.StatusUnauthorized, w.Code, action)
		assert.Equal(t, "unauthorized", body["code"], action)
	}
}

func TestRouter_AdminRequiresAuth(t *testing.T) {
	router := newTestRouter(t)

	for _, route := range []struct{ method, path string }{
		{"GET", "/admin/packages"},
		{"POST", "/admin/packages/sync"},
		{"DELETE", "/admin/packages/some-slug"},
		{"POST", "/admin/api-keys"},
		{"GET", "/admin/api-keys"},
		{"DELETE", "/admin/api-keys/some-id"},
	} {
		w, _ := do(t, router, route.method, route.path)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.path)
	}
}

func TestRouter_UpdateAPIIsPublic(t *testing.T) {
	router := newTestRouter(t)

	w, body := do(t, router, "GET", "/updatepulse-server-update-api/get_metadata?package_id=ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "package_not_found", body["code"])

	w, body = do(t, router, "GET", "/updatepulse-server-update-api/download?token=x&package_id=ghost")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "invalid_token", body["code"])
}

func TestRouter_SetsSecurityHeaders(t *testing.T) {
	router := newTestRouter(t)
	w, _ := do(t, router, "GET", "/healthz")
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

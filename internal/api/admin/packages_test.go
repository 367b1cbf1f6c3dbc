package admin

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/updatepulse/updatepulse-server/internal/packages"
	"github.com/updatepulse/updatepulse-server/internal/update"
	"github.com/updatepulse/updatepulse-server/internal/vcs"
)

// ---------------------------------------------------------------------------
// Fakes and fixtures
// ---------------------------------------------------------------------------

type fakeLease struct {
	busy bool
}

func (l *fakeLease) Acquire(_ context.Context, _ string) (string, error) {
	if l.busy {
		return "", nil
	}
	return "token-1", nil
}

func (l *fakeLease) Release(_ context.Context, _, _ string) error { return nil }

type fakeVCS struct {
	ref    *vcs.Reference
	refErr error
}

func (f *fakeVCS) Platform() vcs.ProviderKind { return vcs.KindGitHub }

func (f *fakeVCS) ChooseReference(context.Context, string) (*vcs.Reference, error) {
	return f.ref, f.refErr
}

func (f *fakeVCS) GetRemoteFile(context.Context, string, string) ([]byte, error) {
	return nil, vcs.ErrFileNotFound
}

const pluginSource = "<?php\n/*\nPlugin Name: My Plugin\nVersion: 1.4.2\n*/\n"

func newStore(t *testing.T) *packages.Store {
	t.Helper()
	s, err := packages.NewStore(t.TempDir(), time.Minute)
	require.NoError(t, err)
	return s
}

func installLocal(t *testing.T, s *packages.Store, slug string) {
	t.Helper()
	path := filepath.Join(s.TmpDir(), slug+"-seed.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create(slug + "/" + slug + ".php")
	require.NoError(t, err)
	_, err = w.Write([]byte(pluginSource))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	require.NoError(t, s.Install(path, slug))
}

func newPackageRouter(t *testing.T, store *packages.Store, lease update.Leaser, repos map[string]update.RepoBinding) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	resolver := update.NewResolver(store, lease, repos, time.Minute, false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := NewPackageHandlers(store, resolver, slog.New(slog.NewTextHandler(io.Discard, nil)))

	router := gin.New()
	router.GET("/packages", h.List)
	router.POST("/packages/sync", h.Sync)
	router.DELETE("/packages/:slug", h.Delete)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, payload any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reqBody *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func TestPackageList_MergesInstalledAndConfigured(t *testing.T) {
	store := newStore(t)
	installLocal(t, store, "installed-only")

	router := newPackageRouter(t, store, &fakeLease{}, map[string]update.RepoBinding{
		"configured-only": {Resolver: &fakeVCS{}, Branch: "main"},
	})

	w, body := doJSON(t, router, "GET", "/packages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])

	pkgs, _ := body["packages"].([]any)
	require.Len(t, pkgs, 2)

	// Sorted by slug: configured-only first.
	first, _ := pkgs[0].(map[string]any)
	assert.Equal(t, "configured-only", first["slug"])
	assert.Equal(t, false, first["installed"])
	assert.Equal(t, true, first["has_repo"])

	second, _ := pkgs[1].(map[string]any)
	assert.Equal(t, "installed-only", second["slug"])
	assert.Equal(t, true, second["installed"])
	assert.Equal(t, false, second["has_repo"])

	meta, _ := second["metadata"].(map[string]any)
	require.NotNil(t, meta)
	assert.Equal(t, "1.4.2", meta["version"])
}

func TestPackageList_Empty(t *testing.T) {
	router := newPackageRouter(t, newStore(t), &fakeLease{}, nil)

	w, body := doJSON(t, router, "GET", "/packages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["count"])
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

func TestPackageSync_InstallsRemoteArchive(t *testing.T) {
	store := newStore(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("acme-my-plugin-f3a9/my-plugin.php")
	require.NoError(t, err)
	_, err = w.Write([]byte("<?php\n/*\nPlugin Name: My Plugin\nVersion: 2.0.0\n*/\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)

	router := newPackageRouter(t, store, &fakeLease{}, map[string]update.RepoBinding{
		"my-plugin": {
			Resolver: &fakeVCS{ref: &vcs.Reference{Name: "v2.0.0", Version: "2.0.0", DownloadURL: srv.URL + "/zipball"}},
			Branch:   "main",
		},
	})

	rec, body := doJSON(t, router, "POST", "/packages/sync", map[string]string{"slug": "my-plugin"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["synced"])

	meta, _ := body["metadata"].(map[string]any)
	require.NotNil(t, meta)
	assert.Equal(t, "2.0.0", meta["version"])
	assert.True(t, store.Exists("my-plugin"))
}

func TestPackageSync_UnknownSlug(t *testing.T) {
	router := newPackageRouter(t, newStore(t), &fakeLease{}, nil)

	w, body := doJSON(t, router, "POST", "/packages/sync", map[string]string{"slug": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "package_not_found", body["code"])
}

func TestPackageSync_MissingSlug(t *testing.T) {
	router := newPackageRouter(t, newStore(t), &fakeLease{}, nil)

	w, body := doJSON(t, router, "POST", "/packages/sync", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["code"])
}

func TestPackageSync_LeaseBusy(t *testing.T) {
	router := newPackageRouter(t, newStore(t), &fakeLease{busy: true}, map[string]update.RepoBinding{
		"my-plugin": {Resolver: &fakeVCS{ref: &vcs.Reference{DownloadURL: "http://127.0.0.1:1/x"}}, Branch: "main"},
	})

	w, body := doJSON(t, router, "POST", "/packages/sync", map[string]string{"slug": "my-plugin"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "sync_in_progress", body["code"])
}

func TestPackageSync_RemoteFailure(t *testing.T) {
	router := newPackageRouter(t, newStore(t), &fakeLease{}, map[string]update.RepoBinding{
		"my-plugin": {Resolver: &fakeVCS{refErr: assert.AnError}, Branch: "main"},
	})

	w, body := doJSON(t, router, "POST", "/packages/sync", map[string]string{"slug": "my-plugin"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "sync_failed", body["code"])
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestPackageDelete(t *testing.T) {
	store := newStore(t)
	installLocal(t, store, "my-plugin")
	router := newPackageRouter(t, store, &fakeLease{}, nil)

	w, body := doJSON(t, router, "DELETE", "/packages/my-plugin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "my-plugin", body["removed"])
	assert.False(t, store.Exists("my-plugin"))
}

func TestPackageDelete_NotInstalled(t *testing.T) {
	router := newPackageRouter(t, newStore(t), &fakeLease{}, nil)

	w, body := doJSON(t, router, "DELETE", "/packages/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "package_not_found", body["code"])
}

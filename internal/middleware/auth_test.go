package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/updatepulse/updatepulse-server/internal/auth"
	"github.com/updatepulse/updatepulse-server/internal/db/repositories"
	"golang.org/x/crypto/bcrypt"
)

var apiKeyCols = []string{
	"id", "name", "key_hash", "key_prefix", "scopes", "ip_allowlist",
	"expires_at", "last_used_at", "created_at",
}

func newAPIKeyRepo(t *testing.T) (*repositories.APIKeyRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repositories.NewAPIKeyRepository(db), mock
}

func testKey(t *testing.T) (rawKey, hash, prefix string) {
	t.Helper()
	raw, h, p, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}
	return raw, h, p
}

func keyRow(t *testing.T, hash, prefix string, scopes, allowlist []string, expiresAt *time.Time) *sqlmock.Rows {
	t.Helper()
	scopesJSON, _ := json.Marshal(scopes)
	allowJSON, _ := json.Marshal(allowlist)
	return sqlmock.NewRows(apiKeyCols).AddRow(
		"key-1", "ci key", hash, prefix, scopesJSON, allowJSON, expiresAt, nil, time.Now(),
	)
}

// newAuthRouter wires AuthMiddleware plus an optional RequireScope in front
// of a handler that reports the authenticated key id.
func newAuthRouter(repo *repositories.APIKeyRepository, scope ...auth.Scope) *gin.Engine {
	r := gin.New()
	handlers := []gin.HandlerFunc{AuthMiddleware(repo)}
	for _, s := range scope {
		handlers = append(handlers, RequireScope(s))
	}
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"api_key_id": c.GetString(APIKeyIDContextKey)})
	})
	r.GET("/private", handlers...)
	return r
}

func doAuthRequest(r *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/private", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_ValidKey(t *testing.T) {
	rawKey, hash, prefix := testKey(t)
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery(`SELECT .* FROM api_keys`).
		WithArgs(prefix).
		WillReturnRows(keyRow(t, hash, prefix, []string{"read"}, nil, nil))
	// The async last-used update may or may not land before the test ends.
	mock.ExpectExec(`UPDATE api_keys`).WillReturnResult(sqlmock.NewResult(0, 1))

	w := doAuthRequest(newAuthRouter(repo), "Bearer "+rawKey)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["api_key_id"] != "key-1" {
		t.Errorf("api_key_id = %q, want %q", body["api_key_id"], "key-1")
	}
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	repo, _ := newAPIKeyRepo(t)
	w := doAuthRequest(newAuthRouter(repo), "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_UnknownKey(t *testing.T) {
	rawKey, _, prefix := testKey(t)
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery(`SELECT .* FROM api_keys`).
		WithArgs(prefix).
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	w := doAuthRequest(newAuthRouter(repo), "Bearer "+rawKey)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongKeySamePrefix(t *testing.T) {
	rawKey, _, prefix := testKey(t)
	// A different key's hash stored under the same prefix must not validate.
	otherHash, err := bcrypt.GenerateFromPassword([]byte("ups_some-other-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt error: %v", err)
	}
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery(`SELECT .* FROM api_keys`).
		WithArgs(prefix).
		WillReturnRows(keyRow(t, string(otherHash), prefix, []string{"read"}, nil, nil))

	w := doAuthRequest(newAuthRouter(repo), "Bearer "+rawKey)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_ExpiredKey(t *testing.T) {
	rawKey, hash, prefix := testKey(t)
	expired := time.Now().Add(-time.Hour)
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery(`SELECT .* FROM api_keys`).
		WithArgs(prefix).
		WillReturnRows(keyRow(t, hash, prefix, []string{"read"}, nil, &expired))

	w := doAuthRequest(newAuthRouter(repo), "Bearer "+rawKey)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_IPAllowlist(t *testing.T) {
	rawKey, hash, prefix := testKey(t)
	repo, mock := newAPIKeyRepo(t)
	// httptest requests come from 192.0.2.1; allow only 10.0.0.0/8.
	mock.ExpectQuery(`SELECT .* FROM api_keys`).
		WithArgs(prefix).
		WillReturnRows(keyRow(t, hash, prefix, []string{"read"}, []string{"10.0.0.0/8"}, nil))

	w := doAuthRequest(newAuthRouter(repo), "Bearer "+rawKey)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name       string
		keyScopes  []string
		required   auth.Scope
		wantStatus int
	}{
		{"scope granted", []string{"read"}, auth.ScopeLicensesRead, http.StatusOK},
		{"wildcard granted", []string{"all"}, auth.ScopeLicensesDelete, http.StatusOK},
		{"scope missing", []string{"browse"}, auth.ScopeLicensesDelete, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawKey, hash, prefix := testKey(t)
			repo, mock := newAPIKeyRepo(t)
			mock.ExpectQuery(`SELECT .* FROM api_keys`).
				WithArgs(prefix).
				WillReturnRows(keyRow(t, hash, prefix, tt.keyScopes, nil, nil))
			mock.ExpectExec(`UPDATE api_keys`).WillReturnResult(sqlmock.NewResult(0, 1))

			w := doAuthRequest(newAuthRouter(repo, tt.required), "Bearer "+rawKey)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequireScope_WithoutAuth(t *testing.T) {
	r := gin.New()
	r.GET("/private", RequireScope(auth.ScopeLicensesRead), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	w := doAuthRequest(r, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestIPAllowed(t *testing.T) {
	tests := []struct {
		name      string
		clientIP  string
		allowlist []string
		want      bool
	}{
		{"empty allowlist", "192.0.2.1", nil, true},
		{"cidr match", "10.1.2.3", []string{"10.0.0.0/8"}, true},
		{"cidr miss", "192.0.2.1", []string{"10.0.0.0/8"}, false},
		{"bare address match", "192.0.2.1", []string{"192.0.2.1"}, true},
		{"bare address miss", "192.0.2.2", []string{"192.0.2.1"}, false},
		{"second entry matches", "172.16.0.9", []string{"10.0.0.0/8", "172.16.0.0/12"}, true},
		{"unparsable client ip", "not-an-ip", []string{"10.0.0.0/8"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ipAllowed(tt.clientIP, tt.allowlist); got != tt.want {
				t.Errorf("ipAllowed(%q, %v) = %v, want %v", tt.clientIP, tt.allowlist, got, tt.want)
			}
		})
	}
}

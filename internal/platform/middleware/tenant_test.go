package middleware_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/middleware"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

func TestTenantContext_SetsContextValue(t *testing.T) {
	var gotTenantID string
	handler := middleware.TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenantID = middleware.GetTenantID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	session := auth.Session{Identity: &auth.Identity{UserID: "user-123"}}.
		WithProfile(auth.LevelAdmin, "tenant-456")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithSession(req.Context(), session))

	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "tenant-456", gotTenantID)
}

func TestTenantContext_UnresolvedSessionHasNoTenant(t *testing.T) {
	var gotTenantID = "unset"
	handler := middleware.TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenantID = middleware.GetTenantID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UserID: "user-123"}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Empty(t, gotTenantID)
}

func TestTenantContext_NoIdentity(t *testing.T) {
	handler := middleware.TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, middleware.GetTenantID(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestTenantContext_TagsRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLogger("info", "json", &buf)

	handler := middleware.TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.FromContext(r.Context()).Info("inside")
	}))

	session := auth.Session{Identity: &auth.Identity{UserID: "user-123"}}.
		WithProfile(auth.LevelUser, "tenant-789")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := telemetry.WithLogger(auth.WithSession(req.Context(), session), logger)
	handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	assert.Contains(t, buf.String(), `"tenant_id":"tenant-789"`)
}

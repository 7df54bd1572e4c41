package rbac_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/rbac"
)

func capabilities(ctx context.Context, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	w := httptest.NewRecorder()
	rbac.NewHandler(rbac.NewChecker(nil)).HandleCapabilities(w, req)
	return w
}

func TestHandleCapabilities(t *testing.T) {
	w := capabilities(sessionCtx(auth.LevelMaster), "/api/v1/capabilities")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Level        string       `json:"level"`
		Capabilities []rbac.Grant `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "master", body.Level)
	assert.Equal(t, []rbac.Grant{{Resource: "*", Action: "*"}}, body.Capabilities)
}

func TestHandleCapabilities_SingleCheck(t *testing.T) {
	w := capabilities(sessionCtx(auth.LevelUser), "/api/v1/capabilities?resource=leads&action=delete")

	var body struct {
		Decision rbac.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Decision.Allowed)
	assert.Equal(t, "user may not delete leads", body.Decision.Reason)
}

func TestHandleCapabilities_States(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, capabilities(context.Background(), "/api/v1/capabilities").Code)

	unresolved := auth.WithIdentity(context.Background(), &auth.Identity{UserID: "u1"})
	w := capabilities(unresolved, "/api/v1/capabilities")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

package roles

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/crmgate/crmgate/internal/auth"
)

// Handler exposes server-verified role answers for the caller.
type Handler struct {
	verifier *Verifier
}

func NewHandler(verifier *Verifier) *Handler {
	return &Handler{verifier: verifier}
}

type rolesResponse struct {
	UserID        string   `json:"user_id"`
	Roles         []string `json:"roles"`
	IsMaster      bool     `json:"is_master"`
	IsTenantAdmin bool     `json:"is_tenant_admin"`
	TenantID      string   `json:"tenant_id,omitempty"`
}

// HandleMe verifies the caller's roles. With ?tenant_id= the tenant admin
// check is scoped to that tenant, otherwise it covers any tenant.
// GET /api/v1/roles/me
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := auth.GetIdentity(ctx)
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID != "" {
		if _, err := uuid.Parse(tenantID); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tenant_id"})
			return
		}
	}

	resp := rolesResponse{UserID: identity.UserID, TenantID: tenantID}
	// Checks fail closed individually, so none of them returns an error.
	var g errgroup.Group
	g.Go(func() error {
		resp.Roles = h.verifier.GetUserRoles(ctx, "")
		return nil
	})
	g.Go(func() error {
		resp.IsMaster = h.verifier.IsMaster(ctx, "")
		return nil
	})
	g.Go(func() error {
		resp.IsTenantAdmin = h.verifier.IsTenantAdmin(ctx, "", tenantID)
		return nil
	})
	_ = g.Wait()

	writeJSON(w, http.StatusOK, resp)
}

// HandleHasRole answers a single role check for the caller.
// GET /api/v1/roles/me/{role}
func (h *Handler) HandleHasRole(w http.ResponseWriter, r *http.Request) {
	if auth.GetIdentity(r.Context()) == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}
	role := r.PathValue("role")
	if !ValidRole(role) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ErrInvalidRole.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":    role,
		"granted": h.verifier.HasRole(r.Context(), "", role),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

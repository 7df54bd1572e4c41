package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/crmgate/crmgate/internal/audit"
	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/metrics"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

// RoleVerifier answers server-verified role questions. An empty userID
// means the request's identity.
type RoleVerifier interface {
	IsMaster(ctx context.Context, userID string) bool
	IsTenantAdmin(ctx context.Context, userID, tenantID string) bool
}

// Handler serves tenant administration and the membership view.
type Handler struct {
	tenants  *Store
	members  *MemberStore
	view     *View
	verifier RoleVerifier
	audit    audit.Logger
}

func NewHandler(tenants *Store, members *MemberStore, view *View, verifier RoleVerifier, auditLogger audit.Logger) *Handler {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Handler{tenants: tenants, members: members, view: view, verifier: verifier, audit: auditLogger}
}

// HandleView returns the tenant, its roster and the caller's role. Callers
// outside the tenant need a verified master role.
// GET /api/v1/tenants/{slug}/view
func (h *Handler) HandleView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.view.Load(ctx, auth.GetSession(ctx), r.PathValue("slug"))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required", "redirect": "/login"})
			return
		}
		telemetry.FromContext(ctx).Error("loading tenant view", "slug", r.PathValue("slug"), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading tenant failed"})
		return
	}
	if res.NotFound {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	if res.CurrentUserRole == nil && !h.verifier.IsMaster(ctx, "") {
		h.deny(w, r, res.Tenant.ID, "not a member")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleCreate creates a tenant. Mount behind a verified master gate.
// POST /api/v1/tenants
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)

	var req NewTenant
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Slug == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and slug are required"})
		return
	}
	if req.MaxUsers < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_users must be positive"})
		return
	}

	t, err := h.tenants.Create(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSlug):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrSlugTaken):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			telemetry.FromContext(r.Context()).Error("creating tenant", "slug", req.Slug, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "tenant creation failed"})
		}
		return
	}

	h.audit.Log(r.Context(), tenantEvent(r.Context(), t.ID, audit.ActionTenantCreated, "tenant", map[string]any{
		"slug": t.Slug,
	}))
	writeJSON(w, http.StatusCreated, t)
}

// HandleList returns all tenants. Mount behind a verified master gate.
// GET /api/v1/tenants
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.tenants.List(r.Context())
	if err != nil {
		telemetry.FromContext(r.Context()).Error("listing tenants", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing tenants failed"})
		return
	}
	if tenants == nil {
		tenants = []Tenant{}
	}
	writeJSON(w, http.StatusOK, tenants)
}

// HandleAddMember adds a user to the tenant.
// POST /api/v1/tenants/{slug}/members
func (h *Handler) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	t, ok := h.authorizeAdmin(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if _, err := uuid.Parse(req.UserID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user_id"})
		return
	}
	if req.Role == "" {
		req.Role = string(RoleMember)
	}
	role, err := ParseMemberRole(req.Role)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role must be owner, admin or member"})
		return
	}

	m, err := h.members.Add(r.Context(), t.ID, req.UserID, role)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyMember):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrTenantFull):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrTenantNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found"})
		default:
			telemetry.FromContext(r.Context()).Error("adding member", "tenant_id", t.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "adding member failed"})
		}
		return
	}

	h.audit.Log(r.Context(), tenantEvent(r.Context(), t.ID, audit.ActionMemberAdded, "tenant_member", map[string]any{
		audit.MetadataTargetUser: m.UserID,
		audit.MetadataRole:       string(m.Role),
	}))
	writeJSON(w, http.StatusCreated, m)
}

// HandleUpdateMember changes a member's role.
// PATCH /api/v1/tenants/{slug}/members/{userID}
func (h *Handler) HandleUpdateMember(w http.ResponseWriter, r *http.Request) {
	t, ok := h.authorizeAdmin(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	role, err := ParseMemberRole(req.Role)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role must be owner, admin or member"})
		return
	}

	userID := r.PathValue("userID")
	if _, err := uuid.Parse(userID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}
	m, err := h.members.UpdateRole(r.Context(), t.ID, userID, role)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "member not found"})
			return
		}
		telemetry.FromContext(r.Context()).Error("updating member", "tenant_id", t.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "updating member failed"})
		return
	}

	h.audit.Log(r.Context(), tenantEvent(r.Context(), t.ID, audit.ActionMemberUpdated, "tenant_member", map[string]any{
		audit.MetadataTargetUser: userID,
		audit.MetadataRole:       string(role),
	}))
	writeJSON(w, http.StatusOK, m)
}

// HandleRemoveMember removes a member.
// DELETE /api/v1/tenants/{slug}/members/{userID}
func (h *Handler) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	t, ok := h.authorizeAdmin(w, r)
	if !ok {
		return
	}

	userID := r.PathValue("userID")
	if _, err := uuid.Parse(userID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}
	if err := h.members.Remove(r.Context(), t.ID, userID); err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "member not found"})
			return
		}
		telemetry.FromContext(r.Context()).Error("removing member", "tenant_id", t.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "removing member failed"})
		return
	}

	h.audit.Log(r.Context(), tenantEvent(r.Context(), t.ID, audit.ActionMemberRemoved, "tenant_member", map[string]any{
		audit.MetadataTargetUser: userID,
	}))
	w.WriteHeader(http.StatusNoContent)
}

// authorizeAdmin resolves the path tenant and requires the caller to be a
// verified master or an admin of that tenant.
func (h *Handler) authorizeAdmin(w http.ResponseWriter, r *http.Request) (*Tenant, bool) {
	ctx := r.Context()
	identity := auth.GetIdentity(ctx)
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required", "redirect": "/login"})
		return nil, false
	}

	t, err := h.tenants.GetBySlug(ctx, r.PathValue("slug"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found"})
			return nil, false
		}
		telemetry.FromContext(ctx).Error("loading tenant", "slug", r.PathValue("slug"), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading tenant failed"})
		return nil, false
	}

	if h.verifier.IsMaster(ctx, identity.UserID) || h.verifier.IsTenantAdmin(ctx, identity.UserID, t.ID) {
		return t, true
	}
	h.deny(w, r, t.ID, "not a tenant admin")
	return nil, false
}

func (h *Handler) deny(w http.ResponseWriter, r *http.Request, tenantID, reason string) {
	metrics.AccessDenied.WithLabelValues("tenant").Inc()
	h.audit.Log(r.Context(), tenantEvent(r.Context(), tenantID, audit.ActionAccessDenied, "tenant", map[string]any{
		audit.MetadataReason: reason,
		audit.MetadataPath:   r.URL.Path,
	}))
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "access denied"})
}

// tenantEvent scopes an audit event to tenantID rather than the caller's
// own tenant.
func tenantEvent(ctx context.Context, tenantID, action, resourceType string, metadata map[string]any) audit.Event {
	e := audit.NewEvent(ctx, action, resourceType, tenantID, metadata)
	if id, err := uuid.Parse(tenantID); err == nil {
		e.TenantID = &id
	}
	return e
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package profile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/crmgate/crmgate/internal/audit"
	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/database"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
	"github.com/crmgate/crmgate/internal/rbac"
)

const maxNameLength = 200

// Handler serves the profile endpoints.
type Handler struct {
	resolver *Resolver
	store    *Store
	levels   *LevelService
	checker  *rbac.Checker
	audit    audit.Logger
}

func NewHandler(resolver *Resolver, store *Store, levels *LevelService, checker *rbac.Checker, auditLogger audit.Logger) *Handler {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Handler{resolver: resolver, store: store, levels: levels, checker: checker, audit: auditLogger}
}

type profileResponse struct {
	*Profile
	Capabilities []rbac.Grant `json:"capabilities"`
}

func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, p *Profile) {
	session := auth.GetSession(ctx).WithProfile(p.Level, p.Tenant())
	caps := h.checker.Capabilities(auth.WithSession(ctx, session))
	writeJSON(w, http.StatusOK, profileResponse{Profile: p, Capabilities: caps})
}

// HandleGet returns the caller's profile, creating it on first access.
// GET /api/v1/profile
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolver.Resolve(r.Context(), auth.GetSession(r.Context()))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		telemetry.FromContext(r.Context()).Error("resolving profile", "error", err)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profile unavailable"})
		return
	}
	h.respond(r.Context(), w, p)
}

// HandleUpdateSelf changes the caller's name and avatar.
// PATCH /api/v1/profile
func (h *Handler) HandleUpdateSelf(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentity(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	var upd ProfileUpdate
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" || len(name) > maxNameLength {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name must be 1-200 characters"})
			return
		}
		upd.Name = &name
	}

	p, err := h.store.UpdateSelf(r.Context(), identity.UserID, upd)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
			return
		}
		telemetry.FromContext(r.Context()).Error("updating profile", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "update failed"})
		return
	}

	h.audit.Log(r.Context(), audit.NewEvent(r.Context(), audit.ActionProfileUpdated, "profile", p.ID, nil))
	h.respond(r.Context(), w, p)
}

// HandleSetLevel changes another user's level. Mount behind a verified
// master gate.
// PUT /api/v1/profiles/{id}/level
func (h *Handler) HandleSetLevel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid profile id"})
		return
	}

	var req struct {
		Level    string  `json:"user_level"`
		TenantID *string `json:"tenant_id"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	level, err := auth.ParseLevel(req.Level)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_level must be master, admin or user"})
		return
	}
	if req.TenantID != nil {
		if *req.TenantID == "" {
			req.TenantID = nil
		} else if _, err := uuid.Parse(*req.TenantID); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tenant_id"})
			return
		}
	}

	p, err := h.levels.SetLevel(r.Context(), id, level, req.TenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
			return
		}
		if database.IsForeignKeyViolation(err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown tenant"})
			return
		}
		telemetry.FromContext(r.Context()).Error("changing level", "profile_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "level change failed"})
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

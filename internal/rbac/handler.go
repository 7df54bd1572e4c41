package rbac

import (
	"net/http"

	"github.com/crmgate/crmgate/internal/auth"
)

// Handler exposes the policy to the SPA so it can hide controls.
type Handler struct {
	checker *Checker
}

func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HandleCapabilities lists the caller's grants. With ?resource=&action= it
// also answers that single check.
// GET /api/v1/capabilities
func (h *Handler) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := auth.GetSession(ctx)
	if !s.Authenticated() {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}
	if !s.Resolved {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profile unavailable"})
		return
	}

	resp := map[string]any{
		"level":        s.Level,
		"capabilities": h.checker.Capabilities(ctx),
	}
	q := r.URL.Query()
	if resource, action := q.Get("resource"), q.Get("action"); resource != "" || action != "" {
		resp["decision"] = h.checker.Authorize(ctx, resource, Action(action))
	}
	writeJSON(w, http.StatusOK, resp)
}

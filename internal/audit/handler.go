package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/crmgate/crmgate/internal/platform/database"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

// Handler serves the audit query endpoint. Mount it behind a master gate.
type Handler struct {
	db    database.Querier
	store *Store
}

func NewHandler(db database.Querier, store *Store) *Handler {
	return &Handler{db: db, store: store}
}

// HandleListEvents returns audit events.
// GET /api/v1/audit/events?tenant_id=&action=&resource_type=&user_id=&after=&before=&limit=
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := ListEventsParams{Limit: 50}

	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			p.Limit = n
		}
	}
	if raw := q.Get("tenant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeAuditJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tenant_id"})
			return
		}
		p.TenantID = &id
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeAuditJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user_id"})
			return
		}
		p.UserID = &id
	}
	if raw := q.Get("action"); raw != "" {
		p.Action = &raw
	}
	if raw := q.Get("resource_type"); raw != "" {
		p.ResourceType = &raw
	}
	if raw := q.Get("after"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			p.After = &t
		}
	}
	if raw := q.Get("before"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			p.Before = &t
		}
	}

	if h.db == nil {
		writeAuditJSON(w, http.StatusOK, map[string]any{"events": []any{}, "count": 0})
		return
	}

	events, err := h.store.List(r.Context(), h.db, p)
	if err != nil {
		telemetry.FromContext(r.Context()).Error("listing audit events", "error", err)
		writeAuditJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	writeAuditJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func writeAuditJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

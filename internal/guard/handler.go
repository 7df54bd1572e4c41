package guard

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// LoadingRetryAfter is the retry hint, in seconds, for loading decisions.
const LoadingRetryAfter = 1

// Handler serves navigation decisions to the SPA.
type Handler struct {
	guard  *Guard
	routes *RouteTable
}

func NewHandler(g *Guard, routes *RouteTable) *Handler {
	return &Handler{guard: g, routes: routes}
}

type navigationResponse struct {
	Decision
	Path       string `json:"path"`
	State      State  `json:"state"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HandleNavigation evaluates one navigation.
// GET /api/v1/navigation?path=/leads
func (h *Handler) HandleNavigation(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" || path[0] != '/' {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path must be an absolute page path"})
		return
	}

	req, ok := h.routes.Lookup(path)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown route"})
		return
	}

	state := StateFromContext(r.Context())
	resp := navigationResponse{
		Decision: h.guard.Evaluate(state, req),
		Path:     path,
		State:    state,
	}
	if resp.Kind == ShowLoading {
		resp.RetryAfter = LoadingRetryAfter
	}
	writeJSON(w, http.StatusOK, resp)
}

// Middleware enforces a requirement on a server-side route: 503 while
// loading, 302 for redirects, 403 when denied.
func Middleware(g *Guard, req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Evaluate(StateFromContext(r.Context()), req)
			switch d.Kind {
			case ShowLoading:
				w.Header().Set("Retry-After", strconv.Itoa(LoadingRetryAfter))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session loading"})
			case Redirect:
				http.Redirect(w, r, d.Location, http.StatusFound)
			case Denied:
				writeJSON(w, http.StatusForbidden, map[string]string{"error": d.Message})
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

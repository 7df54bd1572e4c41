package guard

import (
	"sort"
	"strings"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/rbac"
)

// Route is a CRM page and what it requires.
type Route struct {
	Path        string      `json:"path"`
	Requirement Requirement `json:"requirement"`
}

func level(l auth.Level) *auth.Level { return &l }

func permission(resource string, action rbac.Action) *rbac.Grant {
	return &rbac.Grant{Resource: resource, Action: action}
}

// Routes lists the CRM pages. Lookup matches the longest path prefix on a
// segment boundary, so "/leads/42" uses the "/leads" requirement.
func Routes() []Route {
	return []Route{
		{Path: DashboardRoute},
		{Path: "/leads", Requirement: Requirement{Permission: permission(rbac.ResourceLeads, rbac.ActionRead)}},
		{Path: "/clients", Requirement: Requirement{Permission: permission(rbac.ResourceClients, rbac.ActionRead)}},
		{Path: "/proposals", Requirement: Requirement{Permission: permission(rbac.ResourceProposals, rbac.ActionRead)}},
		{Path: "/contracts", Requirement: Requirement{Permission: permission(rbac.ResourceContracts, rbac.ActionRead)}},
		{Path: "/tasks", Requirement: Requirement{Permission: permission(rbac.ResourceTasks, rbac.ActionRead)}},
		{Path: "/pipelines", Requirement: Requirement{Permission: permission(rbac.ResourcePipelines, rbac.ActionRead)}},
		{Path: "/reports", Requirement: Requirement{Permission: permission(rbac.ResourceReports, rbac.ActionRead)}},
		{Path: "/telephony", Requirement: Requirement{Permission: permission(rbac.ResourceTelephony, rbac.ActionExecute)}},
		{Path: "/chatbot", Requirement: Requirement{Permission: permission(rbac.ResourceChatbot, rbac.ActionExecute)}},
		{Path: "/users", Requirement: Requirement{Permission: permission(rbac.ResourceUsers, rbac.ActionRead)}},
		{Path: AdminRoute, Requirement: Requirement{Level: level(auth.LevelAdmin)}},
		{Path: MasterRoute, Requirement: Requirement{Level: level(auth.LevelMaster)}},
		{Path: "/tenants", Requirement: Requirement{Level: level(auth.LevelMaster)}},
	}
}

// RouteTable resolves paths to requirements.
type RouteTable struct {
	routes []Route // longest path first
}

func NewRouteTable(routes []Route) *RouteTable {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Path) > len(sorted[j].Path)
	})
	return &RouteTable{routes: sorted}
}

// Lookup returns the requirement for path.
func (t *RouteTable) Lookup(path string) (Requirement, bool) {
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	for _, r := range t.routes {
		if path == r.Path || strings.HasPrefix(path, r.Path+"/") {
			return r.Requirement, true
		}
	}
	return Requirement{}, false
}

package rbac

import (
	"context"
	"fmt"
	"sync"

	"github.com/crmgate/crmgate/internal/auth"
)

// Policy maps a role name to its grants.
type Policy map[string][]Grant

func crud(resource string, actions ...Action) []Grant {
	grants := make([]Grant, 0, len(actions))
	for _, a := range actions {
		grants = append(grants, Grant{Resource: resource, Action: a})
	}
	return grants
}

// DefaultPolicy returns the CRM permission table.
func DefaultPolicy() Policy {
	admin := []Grant{}
	for _, r := range []string{
		ResourceLeads, ResourceClients, ResourceProposals, ResourceContracts,
		ResourceTasks, ResourcePipelines, ResourceTelephony, ResourceChatbot,
	} {
		admin = append(admin, Grant{Resource: r, Action: ActionAll})
	}
	admin = append(admin, crud(ResourceTenant, ActionRead, ActionUpdate)...)
	admin = append(admin, crud(ResourceUsers, ActionCreate, ActionRead, ActionUpdate)...)
	admin = append(admin, crud(ResourceReports, ActionRead)...)

	user := []Grant{}
	for _, r := range []string{ResourceLeads, ResourceClients, ResourceProposals, ResourceTasks} {
		user = append(user, crud(r, ActionCreate, ActionRead, ActionUpdate)...)
	}
	for _, r := range []string{ResourceContracts, ResourcePipelines, ResourceReports} {
		user = append(user, crud(r, ActionRead)...)
	}
	user = append(user, crud(ResourceTelephony, ActionExecute)...)
	user = append(user, crud(ResourceChatbot, ActionExecute)...)

	return Policy{
		string(auth.LevelMaster): {{Resource: AnyResource, Action: ActionAll}},
		string(auth.LevelAdmin):  admin,
		string(auth.LevelUser):   user,
	}
}

// HasPermission reports whether role may perform action on resource. A
// grant matches exactly, by wildcard resource, by wildcard action, or both.
// Unknown roles and empty inputs are denied.
func (p Policy) HasPermission(role, resource string, action Action) bool {
	if role == "" || resource == "" || action == "" {
		return false
	}
	for _, g := range p[role] {
		resourceOK := g.Resource == resource || g.Resource == AnyResource
		actionOK := g.Action == action || g.Action == ActionAll
		if resourceOK && actionOK {
			return true
		}
	}
	return false
}

// Capabilities returns a copy of role's grants.
func (p Policy) Capabilities(role string) []Grant {
	grants := p[role]
	out := make([]Grant, len(grants))
	copy(out, grants)
	return out
}

// Checker evaluates permissions for the request session. Its policy can be
// replaced at runtime.
type Checker struct {
	mu     sync.RWMutex
	policy Policy
}

func NewChecker(policy Policy) *Checker {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Checker{policy: policy}
}

// SetPolicy swaps the policy table.
func (c *Checker) SetPolicy(policy Policy) {
	c.mu.Lock()
	c.policy = policy
	c.mu.Unlock()
}

// Policy returns the current table.
func (c *Checker) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// HasPermission evaluates against the level held by the request session.
// Sessions without a resolved profile have no permissions.
func (c *Checker) HasPermission(ctx context.Context, resource string, action Action) bool {
	return c.Authorize(ctx, resource, action).Allowed
}

// Authorize is HasPermission with a reason for denials.
func (c *Checker) Authorize(ctx context.Context, resource string, action Action) Decision {
	s := auth.GetSession(ctx)
	switch {
	case !s.Authenticated():
		return Decision{Reason: "no identity"}
	case !s.Resolved:
		return Decision{Reason: "profile not resolved"}
	}
	if c.Policy().HasPermission(string(s.Level), resource, action) {
		return Decision{Allowed: true}
	}
	return Decision{Reason: fmt.Sprintf("%s may not %s %s", s.Level, action, resource)}
}

// Capabilities lists the grants of the session level.
func (c *Checker) Capabilities(ctx context.Context) []Grant {
	s := auth.GetSession(ctx)
	if !s.Resolved {
		return []Grant{}
	}
	return c.Policy().Capabilities(string(s.Level))
}

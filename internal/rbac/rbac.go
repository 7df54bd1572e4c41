// Package rbac holds the static permission policy for the CRM and the HTTP
// gates built on it. Checks against the session level are a UI
// convenience; RequireVerifiedRole is the server-side enforcement point.
package rbac

import "context"

// Action is an operation on a resource.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionExecute Action = "execute"
	ActionAll     Action = "*"
)

// AnyResource matches every resource in a grant.
const AnyResource = "*"

// Resources named by the default policy.
const (
	ResourceLeads     = "leads"
	ResourceClients   = "clients"
	ResourceProposals = "proposals"
	ResourceContracts = "contracts"
	ResourceTasks     = "tasks"
	ResourcePipelines = "pipelines"
	ResourceTelephony = "telephony"
	ResourceChatbot   = "chatbot"
	ResourceTenant    = "tenant"
	ResourceUsers     = "users"
	ResourceReports   = "reports"
)

// Grant allows Action on Resource. Either may be "*".
type Grant struct {
	Resource string `json:"resource"`
	Action   Action `json:"action"`
}

// Decision represents the result of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// RoleVerifier is the server-verified role source used by
// RequireVerifiedRole.
type RoleVerifier interface {
	IsMaster(ctx context.Context, userID string) bool
	HasRole(ctx context.Context, userID, role string) bool
}

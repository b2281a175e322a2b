package auth

// Action constants for authorization checks
const (
	AccountList   = "account:list"
	AccountCreate = "account:create"
	AccountRead   = "account:read"
	AccountUpdate = "account:update"
	AccountDelete = "account:delete"

	// AccountUpdatePrivileged covers role and quota fields within an update.
	AccountUpdatePrivileged = "account:update-privileged"

	QuotaRead = "quota:read"
	UsageRead = "usage:read"

	SystemRead = "system:read"
	AuditRead  = "audit:read"
)

const (
	// ScopeAny grants an action on every target.
	ScopeAny = "any"
	// ScopeSelf grants an action only when the target is the caller's own account.
	ScopeSelf = "self"
)

// defaultPolicies lists (role, action, scope) grants. Anything absent is denied.
var defaultPolicies = [][]string{
	{"admin", AccountList, ScopeAny},
	{"admin", AccountCreate, ScopeAny},
	{"admin", AccountRead, ScopeAny},
	{"admin", AccountUpdate, ScopeAny},
	{"admin", AccountUpdatePrivileged, ScopeAny},
	{"admin", AccountDelete, ScopeAny},
	{"admin", QuotaRead, ScopeAny},
	{"admin", UsageRead, ScopeAny},
	{"admin", SystemRead, ScopeAny},
	{"admin", AuditRead, ScopeAny},

	{"user", AccountRead, ScopeSelf},
	{"user", AccountUpdate, ScopeSelf},
	{"user", QuotaRead, ScopeSelf},
	{"user", UsageRead, ScopeSelf},
}

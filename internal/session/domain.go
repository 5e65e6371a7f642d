package session

import "time"

// Role is the coarse role tag assigned to a user by the authentication
// backend. Admin and MSP roles implicitly satisfy every permission check.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
	RoleMSP   Role = "msp"
)

// ConnectionState reflects the last health-check result against the
// authentication backend.
type ConnectionState string

const (
	ConnectionUnknown      ConnectionState = "unknown"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// TenantRole ties a user to a role inside one tenant. At most one assignment
// per user is flagged primary.
type TenantRole struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	Primary  bool   `json:"primary"`
}

// User represents an authenticated console user as returned by the
// authentication backend. The record is immutable from this side except for
// the permission defaulting applied when Permissions arrives empty.
type User struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Email       string       `json:"email"`
	AvatarURL   string       `json:"avatar_url,omitempty"`
	Role        Role         `json:"role"`
	Permissions []string     `json:"permissions,omitempty"`
	TenantRoles []TenantRole `json:"tenant_roles,omitempty"`
}

// PrimaryTenantID returns the tenant id of the primary assignment, or ""
// when the user carries none.
func (u *User) PrimaryTenantID() string {
	if u == nil {
		return ""
	}
	for _, tr := range u.TenantRoles {
		if tr.Primary {
			return tr.TenantID
		}
	}
	return ""
}

// Tenant is an organizational partition of the platform. Tenants are created
// and destroyed by the backend; the session only reads and caches them.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Snapshot is a point-in-time copy of the session state handed to callers.
// Mutating a snapshot never affects the manager.
type Snapshot struct {
	User           *User           `json:"user,omitempty"`
	Tenants        []Tenant        `json:"tenants"`
	SelectedTenant *Tenant         `json:"selected_tenant,omitempty"`
	Connection     ConnectionState `json:"connection"`
	Loading        bool            `json:"loading"`
}

// Authenticated reports whether the snapshot carries a user.
func (s Snapshot) Authenticated() bool {
	return s.User != nil
}

// DefaultPermissions is the built-in permission set assigned to users that
// arrive from the backend without an explicit permission list. It covers the
// read surfaces of a development or staging console; production deployments
// are expected to supply permissions from the backend instead.
var DefaultPermissions = []string{
	"view:dashboard",
	"view:tenants",
	"view:environments",
	"view:cloudaccounts",
	"view:catalog",
	"view:deployments",
	"manage:deployments",
}

// FallbackTenantID is the placeholder tenant id used when an authenticated
// user has no accessible tenants and no primary assignment to derive one
// from.
const FallbackTenantID = "default"

package auth

import "time"

// TenantStatus enumerates tenant lifecycle states.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantTrial     TenantStatus = "trial"
)

// UserStatus enumerates account states. A banned or disabled user cannot log
// in and is indistinguishable from bad credentials to the caller.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
	UserBanned   UserStatus = "banned"
)

// ScopeType bounds where a grant's permissions apply.
type ScopeType string

const (
	ScopeGlobal   ScopeType = "global"
	ScopeTenant   ScopeType = "tenant"
	ScopeResource ScopeType = "resource"
)

// Scope is a scope filter supplied with a permission check: a tenant id or a
// specific resource id. A nil *Scope means "anywhere".
type Scope struct {
	Type ScopeType
	ID   string
}

// Tenant is an isolated customer boundary.
type Tenant struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Slug        string       `json:"slug"`
	Domain      string       `json:"domain,omitempty"`
	Status      TenantStatus `json:"status"`
	Settings    string       `json:"settings,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	SuspendedAt *time.Time   `json:"suspended_at,omitempty"`
	TrialEndsAt *time.Time   `json:"trial_ends_at,omitempty"`
}

// User is a human or service account. TenantID is empty for platform users.
type User struct {
	ID           string
	TenantID     string
	Email        string
	PasswordHash string
	DisplayName  string
	Status       UserStatus
	MFAEnabled   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
	BannedAt     *time.Time
	BanReason    string
	BanExpiresAt *time.Time
}

// Permission is a fine-grained capability identified by its key
// (resource.action, e.g. "users.write"). Seeded once, never mutated.
type Permission struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role is a named bundle of permissions. System roles are seeded at bootstrap
// and rejected by every mutation path. TenantID is empty for global roles.
type Role struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id,omitempty"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	IsSystem    bool         `json:"is_system"`
	CreatedAt   time.Time    `json:"created_at"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// ScopedGrant links a user to a role within a scope. ScopeID is empty for
// global grants and required otherwise. A grant whose ExpiresAt has passed is
// inert but stays on record until explicitly revoked.
type ScopedGrant struct {
	ID        string
	UserID    string
	RoleID    string
	ScopeType ScopeType
	ScopeID   string
	GrantedBy string
	GrantedAt time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the grant is inert at the given instant.
func (g ScopedGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// Session is one authenticated login. The Token is the opaque caller-facing
// session id; the refresh token is stored as a SHA-256 hash and the plaintext
// is surfaced exactly once, at issue time.
type Session struct {
	ID                    string
	Token                 string
	UserID                string
	CreatedAt             time.Time
	LastSeenAt            time.Time
	IPAddress             string
	UserAgent             string
	RevokedAt             *time.Time
	RefreshTokenHash      string
	RefreshTokenExpiresAt time.Time
}

// Revoked reports whether the session has been terminated.
func (s Session) Revoked() bool { return s.RevokedAt != nil }

// GrantedPermission is one row of the authorization projection: a permission
// key reachable through a single grant, with the grant's scope and expiry.
// The engine fetches these in one eager query (grants joined through roles to
// permissions) and applies expiry and scope filters at read time.
type GrantedPermission struct {
	Key       string
	ScopeType ScopeType
	ScopeID   string
	ExpiresAt *time.Time
}

package auth

import (
	"context"
	"time"

	"idplane.org/internal/audit"
)

// Store describes the persistence operations required by the identity core.
// WithTx runs fn against a store bound to a single transaction; a grant
// mutation and its audit entry always commit or roll back together.
type Store interface {
	Tenants() TenantStore
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
	Grants() GrantStore
	Sessions() SessionStore
	Audit() audit.Appender

	WithTx(ctx context.Context, fn func(Store) error) error
}

// TenantStore manages tenants.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (*Tenant, error)
	FindBySlug(ctx context.Context, slug string) (*Tenant, error)
	FindByDomain(ctx context.Context, domain string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Tenant, error)
}

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
	CountByTenant(ctx context.Context, tenantID string) (int64, error)
}

// RoleStore manages roles. Find loads the role's permission set eagerly.
// Delete removes the role and, through the schema's cascades, every grant
// that references it.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, tenantID, name string) (*Role, error)
	List(ctx context.Context, tenantID string) ([]*Role, error)
	Update(ctx context.Context, r *Role) error
	SetPermissions(ctx context.Context, roleID string, keys []string) error
	Delete(ctx context.Context, id string) error
}

// PermissionStore manages the static permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
}

// GrantStore manages scoped grants. Create surfaces ErrDuplicateGrant when
// the backing store's unique constraint rejects the tuple, which is the final
// arbiter under concurrent duplicate attempts. EffectivePermissions is the
// eager authorization projection: one query joining the user's grants through
// roles to permission keys, expiry unfiltered (the engine evaluates expiry at
// read time).
type GrantStore interface {
	Create(ctx context.Context, g *ScopedGrant) error
	FindForUser(ctx context.Context, grantID, userID string) (*ScopedGrant, error)
	ListForUser(ctx context.Context, userID string) ([]ScopedGrant, error)
	Delete(ctx context.Context, grantID string) error
	EffectivePermissions(ctx context.Context, userID string) ([]GrantedPermission, error)
	Exists(ctx context.Context, userID, roleID string, scopeType ScopeType, scopeID string) (bool, error)
}

// SessionStore manages authentication sessions. Sessions are only physically
// deleted by the retention sweep; revocation is an update.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	FindByToken(ctx context.Context, token string) (*Session, error)
	FindByRefreshTokenHash(ctx context.Context, hash string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error)
}

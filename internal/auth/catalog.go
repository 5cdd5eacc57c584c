package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"idplane.org/internal/ids"
)

// Built-in permission keys. The catalog is immutable at runtime after
// seeding; authorization decisions reference these keys only.
const (
	PermAdminManage    = "admin.manage"
	PermUsersRead      = "users.read"
	PermUsersWrite     = "users.write"
	PermUsersDelete    = "users.delete"
	PermUsersBan       = "users.ban"
	PermUsersInvite    = "users.invite"
	PermRolesRead      = "roles.read"
	PermRolesWrite     = "roles.write"
	PermRolesAssign    = "roles.assign"
	PermRolesManage    = "roles.manage"
	PermAuditRead      = "audit.read"
	PermAuditExport    = "audit.export"
	PermSessionsRead   = "sessions.read"
	PermSessionsRevoke = "sessions.revoke"
	PermGroupsRead     = "groups.read"
	PermGroupsWrite    = "groups.write"
	PermTenantsRead    = "tenants.read"
	PermTenantsWrite   = "tenants.write"
)

// BuiltinPermissions is the seed catalog.
var BuiltinPermissions = []Permission{
	{Key: PermAdminManage, Description: "Full admin access", Category: "Admin", Resource: "admin", Action: "manage"},
	{Key: PermUsersRead, Description: "View users", Category: "Users", Resource: "users", Action: "read"},
	{Key: PermUsersWrite, Description: "Create and edit users", Category: "Users", Resource: "users", Action: "write"},
	{Key: PermUsersDelete, Description: "Delete users", Category: "Users", Resource: "users", Action: "delete"},
	{Key: PermUsersBan, Description: "Ban users", Category: "Users", Resource: "users", Action: "ban"},
	{Key: PermUsersInvite, Description: "Invite users", Category: "Users", Resource: "users", Action: "invite"},
	{Key: PermRolesRead, Description: "View roles", Category: "Roles", Resource: "roles", Action: "read"},
	{Key: PermRolesWrite, Description: "Create and edit roles", Category: "Roles", Resource: "roles", Action: "write"},
	{Key: PermRolesAssign, Description: "Assign roles", Category: "Roles", Resource: "roles", Action: "assign"},
	{Key: PermRolesManage, Description: "Full role management", Category: "Roles", Resource: "roles", Action: "manage"},
	{Key: PermAuditRead, Description: "View audit logs", Category: "Audit", Resource: "audit", Action: "read"},
	{Key: PermAuditExport, Description: "Export audit logs", Category: "Audit", Resource: "audit", Action: "export"},
	{Key: PermSessionsRead, Description: "View sessions", Category: "Sessions", Resource: "sessions", Action: "read"},
	{Key: PermSessionsRevoke, Description: "Revoke sessions", Category: "Sessions", Resource: "sessions", Action: "revoke"},
	{Key: PermGroupsRead, Description: "View groups", Category: "Groups", Resource: "groups", Action: "read"},
	{Key: PermGroupsWrite, Description: "Create and edit groups", Category: "Groups", Resource: "groups", Action: "write"},
	{Key: PermTenantsRead, Description: "View tenants", Category: "Tenants", Resource: "tenants", Action: "read"},
	{Key: PermTenantsWrite, Description: "Create and edit tenants", Category: "Tenants", Resource: "tenants", Action: "write"},
}

// System role names. These roles are seeded once and immutable thereafter.
const (
	RoleSuperAdmin  = "Super Admin"
	RoleUserManager = "User Manager"
	RoleAuditor     = "Auditor"
)

// BootstrapConfig controls initial seeding.
type BootstrapConfig struct {
	AdminEmail    string
	AdminPassword string
}

// Bootstrap seeds the permission catalog, the three system roles and the
// initial admin user with a self-granted global Super Admin grant. Every step
// is idempotent: existing permissions, roles and the admin user are left
// untouched on subsequent runs.
func Bootstrap(ctx context.Context, store Store, cfg BootstrapConfig) error {
	if err := store.Permissions().Ensure(ctx, BuiltinPermissions); err != nil {
		return fmt.Errorf("seed permissions: %w", err)
	}
	perms, err := store.Permissions().List(ctx)
	if err != nil {
		return err
	}

	all := make([]string, 0, len(perms))
	userManager := make([]string, 0)
	auditor := make([]string, 0)
	for _, p := range perms {
		all = append(all, p.Key)
		if p.Resource == "users" || p.Resource == "sessions" {
			userManager = append(userManager, p.Key)
		}
		if p.Action == "read" {
			auditor = append(auditor, p.Key)
		}
	}

	superAdminID, err := ensureSystemRole(ctx, store, RoleSuperAdmin, "Full system access", all)
	if err != nil {
		return err
	}
	if _, err := ensureSystemRole(ctx, store, RoleUserManager, "Manage users and sessions", userManager); err != nil {
		return err
	}
	if _, err := ensureSystemRole(ctx, store, RoleAuditor, "Read-only access to all resources", auditor); err != nil {
		return err
	}

	if cfg.AdminEmail == "" {
		return nil
	}
	return ensureAdminUser(ctx, store, cfg, superAdminID)
}

func ensureSystemRole(ctx context.Context, store Store, name, description string, keys []string) (string, error) {
	existing, err := store.Roles().FindByName(ctx, "", name)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	role := &Role{
		ID:          ids.New(),
		Name:        name,
		Description: description,
		IsSystem:    true,
	}
	if err := store.Roles().Create(ctx, role); err != nil {
		return "", fmt.Errorf("seed role %s: %w", name, err)
	}
	if err := store.Roles().SetPermissions(ctx, role.ID, keys); err != nil {
		return "", fmt.Errorf("seed role %s permissions: %w", name, err)
	}
	return role.ID, nil
}

func ensureAdminUser(ctx context.Context, store Store, cfg BootstrapConfig, superAdminID string) error {
	if _, err := store.Users().FindByEmail(ctx, cfg.AdminEmail); err == nil {
		return nil
	}
	hash, err := HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	admin := &User{
		ID:           ids.New(),
		Email:        strings.ToLower(strings.TrimSpace(cfg.AdminEmail)),
		PasswordHash: hash,
		DisplayName:  "System Administrator",
		Status:       UserActive,
	}
	if err := store.Users().Create(ctx, admin); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	// Self-granted: there is no other principal to attribute the first grant to.
	grant := &ScopedGrant{
		ID:        ids.New(),
		UserID:    admin.ID,
		RoleID:    superAdminID,
		ScopeType: ScopeGlobal,
		GrantedBy: admin.ID,
	}
	return store.Grants().Create(ctx, grant)
}

package auth

import (
	"context"
	"strings"
	"testing"
)

func TestBootstrapIsIdempotent(t *testing.T) {
	store := NewMemStore()
	cfg := BootstrapConfig{AdminEmail: "admin@example.com", AdminPassword: "bootstrap-secret"}

	if err := Bootstrap(context.Background(), store, cfg); err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}
	if err := Bootstrap(context.Background(), store, cfg); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}

	perms, err := store.Permissions().List(context.Background())
	if err != nil {
		t.Fatalf("List permissions: %v", err)
	}
	if len(perms) != len(BuiltinPermissions) {
		t.Fatalf("catalog has %d permissions after two runs, want %d", len(perms), len(BuiltinPermissions))
	}

	roles, err := store.Roles().List(context.Background(), "")
	if err != nil {
		t.Fatalf("List roles: %v", err)
	}
	if len(roles) != 3 {
		t.Fatalf("got %d system roles after two runs, want 3", len(roles))
	}

	admin, err := store.Users().FindByEmail(context.Background(), "admin@example.com")
	if err != nil {
		t.Fatalf("FindByEmail admin: %v", err)
	}
	grants, err := store.Grants().ListForUser(context.Background(), admin.ID)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("admin has %d grants after two runs, want 1", len(grants))
	}
	if grants[0].ScopeType != ScopeGlobal {
		t.Fatalf("admin grant scope = %s, want global", grants[0].ScopeType)
	}
}

func TestBootstrapRolePartitioning(t *testing.T) {
	store := NewMemStore()
	if err := Bootstrap(context.Background(), store, BootstrapConfig{}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	keysOf := func(name string) map[string]bool {
		t.Helper()
		role, err := store.Roles().FindByName(context.Background(), "", name)
		if err != nil {
			t.Fatalf("FindByName %s: %v", name, err)
		}
		if !role.IsSystem {
			t.Fatalf("%s is not marked as a system role", name)
		}
		full, err := store.Roles().Find(context.Background(), role.ID)
		if err != nil {
			t.Fatalf("Find %s: %v", name, err)
		}
		out := make(map[string]bool, len(full.Permissions))
		for _, p := range full.Permissions {
			out[p.Key] = true
		}
		return out
	}

	super := keysOf(RoleSuperAdmin)
	if len(super) != len(BuiltinPermissions) {
		t.Fatalf("Super Admin holds %d permissions, want the full catalog of %d", len(super), len(BuiltinPermissions))
	}

	manager := keysOf(RoleUserManager)
	for _, p := range BuiltinPermissions {
		want := p.Resource == "users" || p.Resource == "sessions"
		if manager[p.Key] != want {
			t.Fatalf("User Manager: key %s present=%v, want %v", p.Key, manager[p.Key], want)
		}
	}

	auditor := keysOf(RoleAuditor)
	for key := range auditor {
		if !strings.HasSuffix(key, ".read") {
			t.Fatalf("Auditor holds non-read permission %s", key)
		}
	}
	if !auditor[PermAuditRead] || !auditor[PermUsersRead] || !auditor[PermTenantsRead] {
		t.Fatalf("Auditor is missing expected read permissions: %v", auditor)
	}
}

func TestBootstrapAdminCanActAnywhere(t *testing.T) {
	store := NewMemStore()
	cfg := BootstrapConfig{AdminEmail: "root@example.com", AdminPassword: "bootstrap-secret"}
	if err := Bootstrap(context.Background(), store, cfg); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	admin, err := store.Users().FindByEmail(context.Background(), "root@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}

	engine, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	scopes := []*Scope{
		nil,
		{Type: ScopeTenant, ID: "any-tenant"},
		{Type: ScopeResource, ID: "doc-42"},
	}
	for _, scope := range scopes {
		ok, err := engine.HasPermission(context.Background(), admin.ID, PermAdminManage, scope)
		if err != nil {
			t.Fatalf("HasPermission: %v", err)
		}
		if !ok {
			t.Fatalf("admin denied %s in scope %+v", PermAdminManage, scope)
		}
	}
}

func TestBootstrapWithoutAdminSkipsUser(t *testing.T) {
	store := NewMemStore()
	if err := Bootstrap(context.Background(), store, BootstrapConfig{}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	n, err := store.Users().CountByTenant(context.Background(), "")
	if err != nil {
		t.Fatalf("CountByTenant: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no users without AdminEmail, got %d", n)
	}
}

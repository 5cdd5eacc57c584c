package auth

import (
	"context"
	"errors"
	"testing"
)

func newRoleFixture(t *testing.T) (*MemStore, *RoleService) {
	t.Helper()
	store := NewMemStore()
	if err := store.Permissions().Ensure(context.Background(), BuiltinPermissions); err != nil {
		t.Fatalf("ensure permissions: %v", err)
	}
	svc, err := NewRoleService(store)
	if err != nil {
		t.Fatalf("new role service: %v", err)
	}
	return store, svc
}

func TestCreateRoleWithPermissions(t *testing.T) {
	_, svc := newRoleFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "admin", RoleInput{
		Name:           "Support",
		Description:    "Support staff",
		PermissionKeys: []string{PermUsersRead, PermSessionsRead, PermUsersRead},
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if role.IsSystem {
		t.Fatal("created roles must not be system roles")
	}
	if len(role.Permissions) != 2 {
		t.Fatalf("expected deduped permission set of 2, got %d", len(role.Permissions))
	}
}

func TestCreateRoleUnknownPermissionKey(t *testing.T) {
	_, svc := newRoleFixture(t)
	_, err := svc.CreateRole(context.Background(), "admin", RoleInput{
		Name:           "Broken",
		PermissionKeys: []string{"no.such.permission"},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown key, got %v", err)
	}
}

func TestSystemRoleImmutable(t *testing.T) {
	store, svc := newRoleFixture(t)
	ctx := context.Background()
	if err := store.Roles().Create(ctx, &Role{ID: "sys-1", Name: RoleSuperAdmin, IsSystem: true}); err != nil {
		t.Fatalf("create system role: %v", err)
	}

	if _, err := svc.UpdateRole(ctx, "admin", "sys-1", RoleInput{Name: "Renamed"}); !errors.Is(err, ErrSystemRole) {
		t.Fatalf("update: expected ErrSystemRole, got %v", err)
	}
	if _, err := svc.SetRolePermissions(ctx, "admin", "sys-1", []string{PermUsersRead}); !errors.Is(err, ErrSystemRole) {
		t.Fatalf("set permissions: expected ErrSystemRole, got %v", err)
	}
	if err := svc.DeleteRole(ctx, "admin", "sys-1"); !errors.Is(err, ErrSystemRole) {
		t.Fatalf("delete: expected ErrSystemRole, got %v", err)
	}
}

func TestSetRolePermissionsReplacesWholesale(t *testing.T) {
	_, svc := newRoleFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "admin", RoleInput{
		Name:           "Ops",
		PermissionKeys: []string{PermUsersRead, PermUsersWrite},
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	role, err = svc.SetRolePermissions(ctx, "admin", role.ID, []string{PermAuditRead})
	if err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	if len(role.Permissions) != 1 || role.Permissions[0].Key != PermAuditRead {
		t.Fatalf("expected wholesale replace with [audit.read], got %+v", role.Permissions)
	}
}

func TestDeleteRoleCascadesGrants(t *testing.T) {
	store, svc := newRoleFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "admin", RoleInput{Name: "Temp", PermissionKeys: []string{PermUsersRead}})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := store.Users().Create(ctx, &User{ID: "u1", Email: "u1@example.com", Status: UserActive}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := store.Grants().Create(ctx, &ScopedGrant{ID: "g1", UserID: "u1", RoleID: role.ID, ScopeType: ScopeGlobal}); err != nil {
		t.Fatalf("create grant: %v", err)
	}

	if err := svc.DeleteRole(ctx, "admin", role.ID); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	grants, err := store.Grants().ListForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("expected grants removed with the role, got %d", len(grants))
	}

	engine, _ := NewEngine(store)
	ok, err := engine.HasPermission(ctx, "u1", PermUsersRead, nil)
	if err != nil {
		t.Fatalf("has permission: %v", err)
	}
	if ok {
		t.Fatal("permission must vanish when the granting role is deleted")
	}
}

func TestRenamingRoleKeepsDecisions(t *testing.T) {
	store, svc := newRoleFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "admin", RoleInput{Name: "Before", PermissionKeys: []string{PermUsersRead}})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := store.Users().Create(ctx, &User{ID: "u1", Email: "u1@example.com", Status: UserActive}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := store.Grants().Create(ctx, &ScopedGrant{ID: "g1", UserID: "u1", RoleID: role.ID, ScopeType: ScopeGlobal}); err != nil {
		t.Fatalf("create grant: %v", err)
	}
	if _, err := svc.UpdateRole(ctx, "admin", role.ID, RoleInput{Name: "After"}); err != nil {
		t.Fatalf("rename role: %v", err)
	}

	engine, _ := NewEngine(store)
	ok, err := engine.HasPermission(ctx, "u1", PermUsersRead, nil)
	if err != nil || !ok {
		t.Fatalf("decision must survive a role rename, got ok=%v err=%v", ok, err)
	}
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"idplane.org/internal/audit"
	"idplane.org/internal/ids"
)

// RoleService manages roles and their permission sets. System roles are
// rejected by every mutation path.
type RoleService struct {
	store Store
	now   func() time.Time
}

// NewRoleService constructs a RoleService.
func NewRoleService(store Store) (*RoleService, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	return &RoleService{store: store, now: time.Now}, nil
}

// RoleInput describes a role to create or update.
type RoleInput struct {
	Name           string
	Description    string
	TenantID       string
	PermissionKeys []string
}

// CreateRole creates a non-system role, optionally tenant-scoped, with an
// initial permission set.
func (s *RoleService) CreateRole(ctx context.Context, actorID string, in RoleInput) (*Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	in.TenantID = strings.TrimSpace(in.TenantID)
	if in.TenantID != "" {
		if _, err := s.store.Tenants().Find(ctx, in.TenantID); err != nil {
			return nil, err
		}
	}
	role := &Role{
		ID:          ids.New(),
		TenantID:    in.TenantID,
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		IsSystem:    false,
		CreatedAt:   s.now().UTC(),
	}
	keys := dedupeKeys(in.PermissionKeys)
	err := s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Roles().Create(ctx, role); err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := tx.Roles().SetPermissions(ctx, role.ID, keys); err != nil {
				return err
			}
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "ROLE_CREATED", "Role", role.ID, map[string]any{
			"name": role.Name,
		}, actorID))
	})
	if err != nil {
		return nil, err
	}
	return s.store.Roles().Find(ctx, role.ID)
}

// UpdateRole renames or re-describes a role and, when PermissionKeys is
// non-nil, replaces the permission set wholesale. It never merges.
func (s *RoleService) UpdateRole(ctx context.Context, actorID, roleID string, in RoleInput) (*Role, error) {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		role.Name = name
	}
	role.Description = strings.TrimSpace(in.Description)

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Roles().Update(ctx, role); err != nil {
			return err
		}
		if in.PermissionKeys != nil {
			if err := tx.Roles().SetPermissions(ctx, role.ID, dedupeKeys(in.PermissionKeys)); err != nil {
				return err
			}
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "ROLE_UPDATED", "Role", role.ID, map[string]any{
			"name": role.Name,
		}, actorID))
	})
	if err != nil {
		return nil, err
	}
	return s.store.Roles().Find(ctx, role.ID)
}

// SetRolePermissions replaces the role's permission set atomically.
func (s *RoleService) SetRolePermissions(ctx context.Context, actorID, roleID string, keys []string) (*Role, error) {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	keys = dedupeKeys(keys)
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Roles().SetPermissions(ctx, role.ID, keys); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "ROLE_PERMISSIONS_UPDATED", "Role", role.ID, map[string]any{
			"permissionCount": len(keys),
		}, actorID))
	})
	if err != nil {
		return nil, err
	}
	return s.store.Roles().Find(ctx, role.ID)
}

// DeleteRole removes a non-system role. Grants referencing the role are
// deleted with it, so no orphaned grants survive.
func (s *RoleService) DeleteRole(ctx context.Context, actorID, roleID string) error {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Roles().Delete(ctx, role.ID); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "ROLE_DELETED", "Role", role.ID, map[string]any{
			"name": role.Name,
		}, actorID))
	})
}

// GetRole returns a role with its permission set.
func (s *RoleService) GetRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.Roles().Find(ctx, roleID)
}

// ListRoles returns roles visible in the tenant scope; an empty tenant id
// lists global roles.
func (s *RoleService) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	return s.store.Roles().List(ctx, strings.TrimSpace(tenantID))
}

// ListPermissions returns the full permission catalog.
func (s *RoleService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.Permissions().List(ctx)
}

func (s *RoleService) mutableRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.store.Roles().Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, ErrSystemRole
	}
	return role, nil
}

func dedupeKeys(keys []string) []string {
	if len(keys) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(keys))
	result := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		result = append(result, k)
	}
	return result
}

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

// TenantService manages tenant lifecycle: creation, status transitions and
// deletion. Slug and custom domain are unique across the platform.
type TenantService struct {
	store Store
	now   func() time.Time
}

// NewTenantService constructs a TenantService.
func NewTenantService(store Store, opts ...TenantOption) (*TenantService, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	s := &TenantService{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TenantOption configures TenantService.
type TenantOption func(*TenantService)

// WithTenantClock overrides the time source, useful in tests.
func WithTenantClock(fn func() time.Time) TenantOption {
	return func(s *TenantService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// TenantInput carries the fields for creating or updating a tenant.
type TenantInput struct {
	Name     string
	Slug     string
	Domain   string
	Settings string
}

// CreateTenant creates an active tenant. Slug is normalized to lower case.
func (s *TenantService) CreateTenant(ctx context.Context, actorID string, in TenantInput) (*Tenant, error) {
	name := strings.TrimSpace(in.Name)
	slug := strings.TrimSpace(strings.ToLower(in.Slug))
	if name == "" || slug == "" {
		return nil, fmt.Errorf("%w: name and slug are required", ErrInvalidInput)
	}
	if _, err := s.store.Tenants().FindBySlug(ctx, slug); err == nil {
		return nil, fmt.Errorf("%w: slug %s is already taken", ErrInvalidInput, slug)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	domain := strings.TrimSpace(strings.ToLower(in.Domain))
	if domain != "" {
		if _, err := s.store.Tenants().FindByDomain(ctx, domain); err == nil {
			return nil, fmt.Errorf("%w: domain %s is already taken", ErrInvalidInput, domain)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	tenant := &Tenant{
		ID:        ids.New(),
		Name:      name,
		Slug:      slug,
		Domain:    domain,
		Status:    TenantActive,
		Settings:  in.Settings,
		CreatedAt: s.now().UTC(),
	}
	err := s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Tenants().Create(ctx, tenant); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "TENANT_CREATED", "Tenant", tenant.ID, map[string]any{
			"name": tenant.Name,
			"slug": tenant.Slug,
		}, actorID))
	})
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

// GetTenant returns the tenant by id.
func (s *TenantService) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.store.Tenants().Find(ctx, id)
}

// ListTenants returns all tenants.
func (s *TenantService) ListTenants(ctx context.Context) ([]*Tenant, error) {
	return s.store.Tenants().List(ctx)
}

// UpdateTenant changes name, domain or settings. The slug is immutable after
// creation. A domain change re-checks uniqueness against other tenants.
func (s *TenantService) UpdateTenant(ctx context.Context, actorID, id string, in TenantInput) (*Tenant, error) {
	tenant, err := s.store.Tenants().Find(ctx, id)
	if err != nil {
		return nil, err
	}
	diff := map[string]any{}
	if name := strings.TrimSpace(in.Name); name != "" && name != tenant.Name {
		diff["name"] = map[string]string{"old": tenant.Name, "new": name}
		tenant.Name = name
	}
	if domain := strings.TrimSpace(strings.ToLower(in.Domain)); domain != tenant.Domain {
		if domain != "" {
			other, err := s.store.Tenants().FindByDomain(ctx, domain)
			if err == nil && other.ID != tenant.ID {
				return nil, fmt.Errorf("%w: domain %s is already taken", ErrInvalidInput, domain)
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
		diff["domain"] = map[string]string{"old": tenant.Domain, "new": domain}
		tenant.Domain = domain
	}
	if in.Settings != "" && in.Settings != tenant.Settings {
		diff["settings"] = "updated"
		tenant.Settings = in.Settings
	}
	if len(diff) == 0 {
		return tenant, nil
	}
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Tenants().Update(ctx, tenant); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "TENANT_UPDATED", "Tenant", tenant.ID, diff, actorID))
	})
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

// SuspendTenant blocks the tenant. Suspending an already-suspended tenant is
// a conflict.
func (s *TenantService) SuspendTenant(ctx context.Context, actorID, id string) (*Tenant, error) {
	return s.transition(ctx, actorID, id, TenantSuspended, "TENANT_SUSPENDED")
}

// ActivateTenant lifts a suspension or ends a trial.
func (s *TenantService) ActivateTenant(ctx context.Context, actorID, id string) (*Tenant, error) {
	return s.transition(ctx, actorID, id, TenantActive, "TENANT_ACTIVATED")
}

func (s *TenantService) transition(ctx context.Context, actorID, id string, to TenantStatus, action string) (*Tenant, error) {
	tenant, err := s.store.Tenants().Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenant.Status == to {
		return nil, fmt.Errorf("%w: tenant %s is already %s", ErrStateConflict, id, to)
	}
	old := tenant.Status
	now := s.now().UTC()
	tenant.Status = to
	if to == TenantSuspended {
		tenant.SuspendedAt = &now
	} else {
		tenant.SuspendedAt = nil
	}
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Tenants().Update(ctx, tenant); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, action, "Tenant", tenant.ID, map[string]any{
			"old": string(old),
			"new": string(to),
		}, actorID))
	})
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

// DeleteTenant removes an empty tenant. Deletion is blocked while any user
// still belongs to it.
func (s *TenantService) DeleteTenant(ctx context.Context, actorID, id string) error {
	tenant, err := s.store.Tenants().Find(ctx, id)
	if err != nil {
		return err
	}
	n, err := s.store.Users().CountByTenant(ctx, tenant.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: tenant %s still has %d users", ErrStateConflict, id, n)
	}
	return s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Tenants().Delete(ctx, tenant.ID); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "TENANT_DELETED", "Tenant", tenant.ID, map[string]any{
			"slug": tenant.Slug,
		}, actorID))
	})
}

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

// GrantService is the scoped grant ledger: it links users to roles within a
// scope and records every change in the audit trail, atomically with the
// grant write.
type GrantService struct {
	store Store
	now   func() time.Time
}

// NewGrantService constructs a GrantService.
func NewGrantService(store Store) (*GrantService, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	return &GrantService{store: store, now: time.Now}, nil
}

// GrantInput describes a requested grant.
type GrantInput struct {
	UserID    string
	RoleID    string
	ScopeType ScopeType
	ScopeID   string
	ExpiresAt *time.Time
}

// Grant assigns a role to a user at a scope. Global grants must not carry a
// scope id; tenant and resource grants must. A duplicate (user, role,
// scopeType, scopeId) tuple fails with ErrDuplicateGrant, checked before the
// write and enforced again by the store's unique constraint under concurrent
// attempts. The grant and its audit entry commit in one transaction.
func (s *GrantService) Grant(ctx context.Context, actorID string, in GrantInput) (*ScopedGrant, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.RoleID = strings.TrimSpace(in.RoleID)
	in.ScopeID = strings.TrimSpace(in.ScopeID)
	if in.UserID == "" || in.RoleID == "" {
		return nil, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if err := validateScope(in.ScopeType, in.ScopeID); err != nil {
		return nil, err
	}

	if _, err := s.store.Users().Find(ctx, in.UserID); err != nil {
		return nil, err
	}
	role, err := s.store.Roles().Find(ctx, in.RoleID)
	if err != nil {
		return nil, err
	}

	exists, err := s.store.Grants().Exists(ctx, in.UserID, in.RoleID, in.ScopeType, in.ScopeID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateGrant
	}

	grant := &ScopedGrant{
		ID:        ids.New(),
		UserID:    in.UserID,
		RoleID:    role.ID,
		ScopeType: in.ScopeType,
		ScopeID:   in.ScopeID,
		GrantedBy: actorID,
		GrantedAt: s.now().UTC(),
		ExpiresAt: in.ExpiresAt,
	}
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Grants().Create(ctx, grant); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "ROLE_ASSIGNED", "UserRole", grant.ID, map[string]any{
			"userId": grant.UserID,
			"roleId": grant.RoleID,
			"scope":  string(grant.ScopeType),
		}, actorID))
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// Revoke deletes a grant after verifying it belongs to the target user, so a
// guessed grant id cannot remove another user's grant. The delete and its
// audit entry commit together.
func (s *GrantService) Revoke(ctx context.Context, actorID, userID, grantID string) error {
	userID = strings.TrimSpace(userID)
	grantID = strings.TrimSpace(grantID)
	if userID == "" || grantID == "" {
		return fmt.Errorf("%w: user_id and grant_id are required", ErrInvalidInput)
	}
	grant, err := s.store.Grants().FindForUser(ctx, grantID, userID)
	if err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Grants().Delete(ctx, grant.ID); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "ROLE_REMOVED", "UserRole", grant.ID, map[string]any{
			"userId": userID,
		}, actorID))
	})
}

// ListForUser returns all grants on record for the user, expired included.
func (s *GrantService) ListForUser(ctx context.Context, userID string) ([]ScopedGrant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.Grants().ListForUser(ctx, userID)
}

func validateScope(scopeType ScopeType, scopeID string) error {
	switch scopeType {
	case ScopeGlobal:
		if scopeID != "" {
			return fmt.Errorf("%w: global scope must not carry a scope id", ErrInvalidInput)
		}
	case ScopeTenant, ScopeResource:
		if scopeID == "" {
			return fmt.Errorf("%w: %s scope requires a scope id", ErrInvalidInput, scopeType)
		}
	default:
		return fmt.Errorf("%w: unsupported scope type %q", ErrInvalidInput, scopeType)
	}
	return nil
}

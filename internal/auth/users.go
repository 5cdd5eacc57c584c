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

// UserService manages user accounts: creation, bans, status transitions and
// password changes. Every mutation writes exactly one audit entry in the same
// transaction.
type UserService struct {
	store    Store
	verifier CredentialVerifier
	now      func() time.Time
}

// NewUserService constructs a UserService.
func NewUserService(store Store, verifier CredentialVerifier, opts ...UserOption) (*UserService, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if verifier == nil {
		return nil, errors.New("auth: credential verifier is required")
	}
	s := &UserService{store: store, verifier: verifier, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// UserOption configures UserService.
type UserOption func(*UserService)

// WithUserClock overrides the time source, useful in tests.
func WithUserClock(fn func() time.Time) UserOption {
	return func(s *UserService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// UserInput carries the fields for creating a user.
type UserInput struct {
	TenantID    string
	Email       string
	Password    string
	DisplayName string
}

// CreateUser creates an active account. Email is normalized to lower case and
// must be unique across the platform. When TenantID is set the tenant must
// exist and be active.
func (s *UserService) CreateUser(ctx context.Context, actorID string, in UserInput) (*User, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	if in.TenantID != "" {
		tenant, err := s.store.Tenants().Find(ctx, in.TenantID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: tenant %s does not exist", ErrInvalidInput, in.TenantID)
			}
			return nil, err
		}
		if tenant.Status == TenantSuspended {
			return nil, fmt.Errorf("%w: tenant %s is suspended", ErrStateConflict, tenant.ID)
		}
	}
	if _, err := s.store.Users().FindByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("%w: email %s is already registered", ErrInvalidInput, email)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		TenantID:     strings.TrimSpace(in.TenantID),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Status:       UserActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Users().Create(ctx, user); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "USER_CREATED", "User", user.ID, map[string]any{
			"email":    user.Email,
			"tenantId": user.TenantID,
		}, actorID))
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser returns the user by id.
func (s *UserService) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.Users().Find(ctx, id)
}

// BanInput carries the parameters of a ban.
type BanInput struct {
	Reason    string
	ExpiresAt *time.Time
}

// BanUser bans the account. A reason is mandatory; banning an already-banned
// user is a conflict.
func (s *UserService) BanUser(ctx context.Context, actorID, userID string, in BanInput) (*User, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: ban reason is required", ErrInvalidInput)
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status == UserBanned {
		return nil, fmt.Errorf("%w: user %s is already banned", ErrStateConflict, userID)
	}
	now := s.now().UTC()
	old := user.Status
	user.Status = UserBanned
	user.BannedAt = &now
	user.BanReason = reason
	user.BanExpiresAt = in.ExpiresAt
	user.UpdatedAt = now
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		if _, err := tx.Sessions().RevokeAllForUser(ctx, user.ID, now); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "USER_BANNED", "User", user.ID, map[string]any{
			"old":    string(old),
			"new":    string(UserBanned),
			"reason": reason,
		}, actorID))
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateUserStatus transitions the account to a new status. Leaving the
// banned state clears the ban fields. Setting the same status is a no-op.
func (s *UserService) UpdateUserStatus(ctx context.Context, actorID, userID string, status UserStatus) (*User, error) {
	switch status {
	case UserActive, UserDisabled, UserBanned:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status == status {
		return user, nil
	}
	old := user.Status
	now := s.now().UTC()
	if old == UserBanned && status != UserBanned {
		user.BannedAt = nil
		user.BanReason = ""
		user.BanExpiresAt = nil
	}
	user.Status = status
	user.UpdatedAt = now
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "USER_STATUS_CHANGED", "User", user.ID, map[string]any{
			"old": string(old),
			"new": string(status),
		}, actorID))
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ChangePassword lets a user rotate their own password after proving the
// current one. All other sessions of the user are revoked.
func (s *UserService) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.verifier.Verify(user.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	user.PasswordHash = hash
	user.UpdatedAt = now
	return s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		if _, err := tx.Sessions().RevokeAllForUser(ctx, user.ID, now); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "USER_PASSWORD_CHANGED", "User", user.ID, nil, user.ID))
	})
}

// AdminResetPassword sets a new password without the current one and revokes
// every session of the user.
func (s *UserService) AdminResetPassword(ctx context.Context, actorID, userID, next string) error {
	if len(next) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	user.PasswordHash = hash
	user.UpdatedAt = now
	return s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		if _, err := tx.Sessions().RevokeAllForUser(ctx, user.ID, now); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "USER_PASSWORD_RESET", "User", user.ID, nil, actorID))
	})
}

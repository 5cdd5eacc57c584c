package auth

import (
	"context"
	"errors"
	"time"
)

// Engine computes authorization decisions from the grant ledger and role
// store. Decisions are made on permission keys only, never on role identity,
// so renaming a role never breaks a check. There is no cached permission
// state: grant expiry is evaluated lazily at read time.
type Engine struct {
	store Store
	now   func() time.Time
}

// EngineOption configures Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source used for expiry checks.
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine over the given store.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	e := &Engine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EffectivePermissions returns the union of permission keys the user holds
// across all active, unexpired grants. With a nil scope the union spans all
// scopes ("has permission anywhere"); with a scope, tenant- and
// resource-bound grants contribute only when the grant's scope matches.
// Global grants always contribute. A user with no grants gets an empty set:
// deny by default, never an error.
func (e *Engine) EffectivePermissions(ctx context.Context, userID string, scope *Scope) (map[string]struct{}, error) {
	perms := make(map[string]struct{})
	if userID == "" {
		return perms, nil
	}
	rows, err := e.store.Grants().EffectivePermissions(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return perms, nil
		}
		return nil, err
	}
	now := e.now()
	for _, row := range rows {
		if row.ExpiresAt != nil && !row.ExpiresAt.After(now) {
			continue
		}
		if !scopeMatches(row, scope) {
			continue
		}
		perms[row.Key] = struct{}{}
	}
	return perms, nil
}

// HasPermission reports whether the user may perform the permission within
// the given scope. Absent data yields false, not an error.
func (e *Engine) HasPermission(ctx context.Context, userID, key string, scope *Scope) (bool, error) {
	if userID == "" || key == "" {
		return false, nil
	}
	perms, err := e.EffectivePermissions(ctx, userID, scope)
	if err != nil {
		return false, err
	}
	_, ok := perms[key]
	return ok, nil
}

// scopeMatches applies the scope filter to one projection row. Global grants
// apply everywhere. A nil filter means the caller wants the cross-scope
// union, so every unexpired grant contributes.
func scopeMatches(row GrantedPermission, scope *Scope) bool {
	if row.ScopeType == ScopeGlobal {
		return true
	}
	if scope == nil {
		return true
	}
	return row.ScopeType == scope.Type && row.ScopeID == scope.ID
}

package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"idplane.org/internal/audit"
)

// MemStore is an in-memory Store for tests and local development. All
// substores share one lock; WithTx runs fn under the same store, so writes
// are not rolled back on error the way a real transaction would be.
type MemStore struct {
	mu sync.Mutex

	tenants   map[string]*Tenant
	users     map[string]*User
	roles     map[string]*Role
	perms     map[string]*Permission // by key
	grants    map[string]*ScopedGrant
	sessions  map[string]*Session
	auditMem  *audit.MemStore
	rolePerms map[string][]string // roleID -> permission keys
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		tenants:   make(map[string]*Tenant),
		users:     make(map[string]*User),
		roles:     make(map[string]*Role),
		perms:     make(map[string]*Permission),
		grants:    make(map[string]*ScopedGrant),
		sessions:  make(map[string]*Session),
		auditMem:  audit.NewMemStore(),
		rolePerms: make(map[string][]string),
	}
}

func (s *MemStore) Tenants() TenantStore         { return (*memTenants)(s) }
func (s *MemStore) Users() UserStore             { return (*memUsers)(s) }
func (s *MemStore) Roles() RoleStore             { return (*memRoles)(s) }
func (s *MemStore) Permissions() PermissionStore { return (*memPermissions)(s) }
func (s *MemStore) Grants() GrantStore           { return (*memGrants)(s) }
func (s *MemStore) Sessions() SessionStore       { return (*memSessions)(s) }
func (s *MemStore) Audit() audit.Appender        { return s.auditMem }

// AuditStore exposes the backing audit trail for assertions and the Recorder.
func (s *MemStore) AuditStore() *audit.MemStore { return s.auditMem }

func (s *MemStore) WithTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}

// --- tenants ---

type memTenants MemStore

func (s *memTenants) Create(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *memTenants) Find(_ context.Context, id string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memTenants) FindBySlug(_ context.Context, slug string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memTenants) FindByDomain(_ context.Context, domain string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Domain != "" && t.Domain == domain {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memTenants) Update(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *memTenants) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return ErrNotFound
	}
	delete(s.tenants, id)
	return nil
}

func (s *memTenants) List(_ context.Context) ([]*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- users ---

type memUsers MemStore

func (s *memUsers) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.users {
		if other.Email == u.Email {
			return ErrInvalidInput
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUsers) Find(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUsers) Update(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUsers) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *memUsers) CountByTenant(_ context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, u := range s.users {
		if u.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// --- roles ---

type memRoles MemStore

func (s *memRoles) Create(_ context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.roles {
		if other.TenantID == r.TenantID && other.Name == r.Name {
			return ErrInvalidInput
		}
	}
	cp := *r
	s.roles[r.ID] = &cp
	return nil
}

func (s *memRoles) Find(_ context.Context, id string) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleLocked(id)
}

func (s *memRoles) roleLocked(id string) (*Role, error) {
	r, ok := s.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	cp.Permissions = nil
	for _, key := range s.rolePerms[id] {
		if p, ok := s.perms[key]; ok {
			cp.Permissions = append(cp.Permissions, *p)
		}
	}
	return &cp, nil
}

func (s *memRoles) FindByName(_ context.Context, tenantID, name string) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.roles {
		if r.TenantID == tenantID && r.Name == name {
			return s.roleLocked(id)
		}
	}
	return nil, ErrNotFound
}

func (s *memRoles) List(_ context.Context, tenantID string) ([]*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Role
	for id, r := range s.roles {
		if r.TenantID == "" || r.TenantID == tenantID {
			role, _ := s.roleLocked(id)
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memRoles) Update(_ context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.roles[r.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = r.Name
	existing.Description = r.Description
	return nil
}

func (s *memRoles) SetPermissions(_ context.Context, roleID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return ErrNotFound
	}
	for _, key := range keys {
		if _, ok := s.perms[key]; !ok {
			return ErrInvalidInput
		}
	}
	s.rolePerms[roleID] = append([]string(nil), keys...)
	return nil
}

func (s *memRoles) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return ErrNotFound
	}
	delete(s.roles, id)
	delete(s.rolePerms, id)
	for gid, g := range s.grants {
		if g.RoleID == id {
			delete(s.grants, gid)
		}
	}
	return nil
}

// --- permissions ---

type memPermissions MemStore

func (s *memPermissions) Ensure(_ context.Context, perms []Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.perms[p.Key]; ok {
			continue
		}
		cp := p
		s.perms[p.Key] = &cp
	}
	return nil
}

func (s *memPermissions) List(_ context.Context) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// --- grants ---

type memGrants MemStore

func (s *memGrants) Create(_ context.Context, g *ScopedGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.grants {
		if other.UserID == g.UserID && other.RoleID == g.RoleID &&
			other.ScopeType == g.ScopeType && other.ScopeID == g.ScopeID {
			return ErrDuplicateGrant
		}
	}
	cp := *g
	s.grants[g.ID] = &cp
	return nil
}

func (s *memGrants) FindForUser(_ context.Context, grantID, userID string) (*ScopedGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok || g.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *memGrants) ListForUser(_ context.Context, userID string) ([]ScopedGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScopedGrant
	for _, g := range s.grants {
		if g.UserID == userID {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (s *memGrants) Delete(_ context.Context, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[grantID]; !ok {
		return ErrNotFound
	}
	delete(s.grants, grantID)
	return nil
}

func (s *memGrants) EffectivePermissions(_ context.Context, userID string) ([]GrantedPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []GrantedPermission
	for _, g := range s.grants {
		if g.UserID != userID {
			continue
		}
		for _, key := range s.rolePerms[g.RoleID] {
			out = append(out, GrantedPermission{
				Key:       key,
				ScopeType: g.ScopeType,
				ScopeID:   g.ScopeID,
				ExpiresAt: g.ExpiresAt,
			})
		}
	}
	return out, nil
}

func (s *memGrants) Exists(_ context.Context, userID, roleID string, scopeType ScopeType, scopeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.UserID == userID && g.RoleID == roleID && g.ScopeType == scopeType && g.ScopeID == scopeID {
			return true, nil
		}
	}
	return false, nil
}

// --- sessions ---

type memSessions MemStore

func (s *memSessions) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memSessions) FindByToken(_ context.Context, token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Token == token {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memSessions) FindByRefreshTokenHash(_ context.Context, hash string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.RefreshTokenHash == hash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memSessions) Update(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrNotFound
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memSessions) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memSessions) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil {
			ts := at
			sess.RevokedAt = &ts
			n++
		}
	}
	return n, nil
}

func (s *memSessions) DeleteExpired(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.RefreshTokenExpiresAt.Before(olderThan) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

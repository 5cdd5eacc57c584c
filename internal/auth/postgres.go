package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"idplane.org/internal/audit"
)

const pgUniqueViolation = "23505"

// PGStore implements Store over PostgreSQL via database/sql. All substores
// run against the same handle, which is either the pool or, inside WithTx,
// a single transaction.
type PGStore struct {
	db *sql.DB
	q  audit.DBTX
}

var _ Store = (*PGStore)(nil)

// Open connects to PostgreSQL with tuned pool defaults.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db, q: db}, nil
}

// NewPGStore wraps an existing pool, useful with sqlmock in tests.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, q: db}
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Tenants() TenantStore         { return &pgTenants{q: s.q} }
func (s *PGStore) Users() UserStore             { return &pgUsers{q: s.q} }
func (s *PGStore) Roles() RoleStore             { return &pgRoles{q: s.q} }
func (s *PGStore) Permissions() PermissionStore { return &pgPermissions{q: s.q} }
func (s *PGStore) Grants() GrantStore           { return &pgGrants{q: s.q} }
func (s *PGStore) Sessions() SessionStore       { return &pgSessions{q: s.q} }
func (s *PGStore) Audit() audit.Appender        { return audit.NewPGStore(s.q) }

// WithTx runs fn against a store bound to one transaction. Calls nested
// inside an existing transaction reuse it.
func (s *PGStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&PGStore{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// mapUnique converts a unique-constraint violation into the given domain
// error; other errors pass through.
func mapUnique(err, domain error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return domain
	}
	return err
}

// --- tenants ---

type pgTenants struct{ q audit.DBTX }

const tenantColumns = `id, name, slug, coalesce(domain,''), status, coalesce(settings,''), created_at, suspended_at, trial_ends_at`

func (s *pgTenants) Create(ctx context.Context, t *Tenant) error {
	_, err := s.q.ExecContext(ctx, `
		insert into tenants(id, name, slug, domain, status, settings, created_at, trial_ends_at)
		values($1, $2, $3, nullif($4,''), $5, nullif($6,''), $7, $8)`,
		t.ID, t.Name, t.Slug, t.Domain, string(t.Status), t.Settings, t.CreatedAt, t.TrialEndsAt,
	)
	if err != nil {
		return mapUnique(err, fmt.Errorf("%w: tenant slug or domain already taken", ErrInvalidInput))
	}
	return nil
}

func (s *pgTenants) Find(ctx context.Context, id string) (*Tenant, error) {
	return s.one(ctx, `where id=$1`, id)
}

func (s *pgTenants) FindBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return s.one(ctx, `where slug=$1`, slug)
}

func (s *pgTenants) FindByDomain(ctx context.Context, domain string) (*Tenant, error) {
	return s.one(ctx, `where domain=$1`, domain)
}

func (s *pgTenants) one(ctx context.Context, where string, arg any) (*Tenant, error) {
	var (
		t      Tenant
		status string
	)
	err := s.q.QueryRowContext(ctx, `select `+tenantColumns+` from tenants `+where, arg).
		Scan(&t.ID, &t.Name, &t.Slug, &t.Domain, &status, &t.Settings, &t.CreatedAt, &t.SuspendedAt, &t.TrialEndsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = TenantStatus(status)
	return &t, nil
}

func (s *pgTenants) Update(ctx context.Context, t *Tenant) error {
	res, err := s.q.ExecContext(ctx, `
		update tenants
		set name=$2, domain=nullif($3,''), status=$4, settings=nullif($5,''), suspended_at=$6, trial_ends_at=$7
		where id=$1`,
		t.ID, t.Name, t.Domain, string(t.Status), t.Settings, t.SuspendedAt, t.TrialEndsAt,
	)
	if err != nil {
		return mapUnique(err, fmt.Errorf("%w: tenant domain already taken", ErrInvalidInput))
	}
	return requireRow(res)
}

func (s *pgTenants) Delete(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `delete from tenants where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgTenants) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.q.QueryContext(ctx, `select `+tenantColumns+` from tenants order by created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		var (
			t      Tenant
			status string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.Domain, &status, &t.Settings, &t.CreatedAt, &t.SuspendedAt, &t.TrialEndsAt); err != nil {
			return nil, err
		}
		t.Status = TenantStatus(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// --- users ---

type pgUsers struct{ q audit.DBTX }

const userColumns = `id, coalesce(tenant_id,''), email, password_hash, coalesce(display_name,''), status, mfa_enabled, created_at, updated_at, last_login_at, banned_at, coalesce(ban_reason,''), ban_expires_at`

func (s *pgUsers) Create(ctx context.Context, u *User) error {
	_, err := s.q.ExecContext(ctx, `
		insert into users(id, tenant_id, email, password_hash, display_name, status, mfa_enabled, created_at, updated_at)
		values($1, nullif($2,''), $3, $4, nullif($5,''), $6, $7, $8, $9)`,
		u.ID, u.TenantID, u.Email, u.PasswordHash, u.DisplayName, string(u.Status), u.MFAEnabled, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return mapUnique(err, fmt.Errorf("%w: email already registered", ErrInvalidInput))
	}
	return nil
}

func (s *pgUsers) Find(ctx context.Context, id string) (*User, error) {
	return s.one(ctx, `where id=$1`, id)
}

func (s *pgUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.one(ctx, `where email=$1`, email)
}

func (s *pgUsers) one(ctx context.Context, where string, arg any) (*User, error) {
	var (
		u      User
		status string
	)
	err := s.q.QueryRowContext(ctx, `select `+userColumns+` from users `+where, arg).
		Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.DisplayName, &status, &u.MFAEnabled,
			&u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt, &u.BannedAt, &u.BanReason, &u.BanExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Status = UserStatus(status)
	return &u, nil
}

func (s *pgUsers) Update(ctx context.Context, u *User) error {
	res, err := s.q.ExecContext(ctx, `
		update users
		set email=$2, password_hash=$3, display_name=nullif($4,''), status=$5, mfa_enabled=$6,
		    updated_at=$7, last_login_at=$8, banned_at=$9, ban_reason=nullif($10,''), ban_expires_at=$11
		where id=$1`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, string(u.Status), u.MFAEnabled,
		u.UpdatedAt, u.LastLoginAt, u.BannedAt, u.BanReason, u.BanExpiresAt,
	)
	if err != nil {
		return mapUnique(err, fmt.Errorf("%w: email already registered", ErrInvalidInput))
	}
	return requireRow(res)
}

func (s *pgUsers) Delete(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `delete from users where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUsers) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `select count(*) from users where tenant_id=$1`, tenantID).Scan(&n)
	return n, err
}

// --- roles ---

type pgRoles struct{ q audit.DBTX }

func (s *pgRoles) Create(ctx context.Context, r *Role) error {
	_, err := s.q.ExecContext(ctx, `
		insert into roles(id, tenant_id, name, description, is_system, created_at)
		values($1, nullif($2,''), $3, nullif($4,''), $5, $6)`,
		r.ID, r.TenantID, r.Name, r.Description, r.IsSystem, r.CreatedAt,
	)
	if err != nil {
		return mapUnique(err, fmt.Errorf("%w: role name already taken in this tenant", ErrInvalidInput))
	}
	return nil
}

func (s *pgRoles) Find(ctx context.Context, id string) (*Role, error) {
	r, err := s.scanRole(ctx, `where id=$1`, id)
	if err != nil {
		return nil, err
	}
	r.Permissions, err = s.permissionsFor(ctx, r.ID)
	return r, err
}

func (s *pgRoles) FindByName(ctx context.Context, tenantID, name string) (*Role, error) {
	r, err := s.scanRole(ctx, `where coalesce(tenant_id,'')=$1 and name=$2`, tenantID, name)
	if err != nil {
		return nil, err
	}
	r.Permissions, err = s.permissionsFor(ctx, r.ID)
	return r, err
}

func (s *pgRoles) scanRole(ctx context.Context, where string, args ...any) (*Role, error) {
	var r Role
	err := s.q.QueryRowContext(ctx, `
		select id, coalesce(tenant_id,''), name, coalesce(description,''), is_system, created_at
		from roles `+where, args...).
		Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &r.IsSystem, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *pgRoles) permissionsFor(ctx context.Context, roleID string) ([]Permission, error) {
	rows, err := s.q.QueryContext(ctx, `
		select p.id, p.key, coalesce(p.description,''), p.category, p.resource, p.action, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id=$1
		order by p.key`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.Category, &p.Resource, &p.Action, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *pgRoles) List(ctx context.Context, tenantID string) ([]*Role, error) {
	// Tenant roles plus the shared global roles.
	rows, err := s.q.QueryContext(ctx, `
		select id, coalesce(tenant_id,''), name, coalesce(description,''), is_system, created_at
		from roles
		where tenant_id is null or coalesce(tenant_id,'')=$1
		order by name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &r.IsSystem, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *pgRoles) Update(ctx context.Context, r *Role) error {
	res, err := s.q.ExecContext(ctx, `
		update roles set name=$2, description=nullif($3,'') where id=$1`,
		r.ID, r.Name, r.Description,
	)
	if err != nil {
		return mapUnique(err, fmt.Errorf("%w: role name already taken in this tenant", ErrInvalidInput))
	}
	return requireRow(res)
}

func (s *pgRoles) SetPermissions(ctx context.Context, roleID string, keys []string) error {
	if _, err := s.q.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, key := range keys {
		res, err := s.q.ExecContext(ctx, `
			insert into role_permissions(role_id, permission_id)
			select $1, id from permissions where key=$2`, roleID, key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: unknown permission key %q", ErrInvalidInput, key)
		}
	}
	return nil
}

func (s *pgRoles) Delete(ctx context.Context, id string) error {
	// user_grants has on delete cascade on role_id.
	res, err := s.q.ExecContext(ctx, `delete from roles where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- permissions ---

type pgPermissions struct{ q audit.DBTX }

func (s *pgPermissions) Ensure(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if _, err := s.q.ExecContext(ctx, `
			insert into permissions(id, key, description, category, resource, action, created_at)
			values($1, $2, nullif($3,''), $4, $5, $6, $7)
			on conflict (key) do nothing`,
			p.ID, p.Key, p.Description, p.Category, p.Resource, p.Action, p.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgPermissions) List(ctx context.Context) ([]Permission, error) {
	rows, err := s.q.QueryContext(ctx, `
		select id, key, coalesce(description,''), category, resource, action, created_at
		from permissions order by key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.Category, &p.Resource, &p.Action, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// --- grants ---

type pgGrants struct{ q audit.DBTX }

const grantColumns = `id, user_id, role_id, scope_type, coalesce(scope_id,''), coalesce(granted_by,''), granted_at, expires_at`

func (s *pgGrants) Create(ctx context.Context, g *ScopedGrant) error {
	_, err := s.q.ExecContext(ctx, `
		insert into user_grants(id, user_id, role_id, scope_type, scope_id, granted_by, granted_at, expires_at)
		values($1, $2, $3, $4, $5, nullif($6,''), $7, $8)`,
		g.ID, g.UserID, g.RoleID, string(g.ScopeType), g.ScopeID, g.GrantedBy, g.GrantedAt, g.ExpiresAt,
	)
	if err != nil {
		return mapUnique(err, ErrDuplicateGrant)
	}
	return nil
}

func (s *pgGrants) FindForUser(ctx context.Context, grantID, userID string) (*ScopedGrant, error) {
	var (
		g         ScopedGrant
		scopeType string
	)
	err := s.q.QueryRowContext(ctx, `select `+grantColumns+` from user_grants where id=$1 and user_id=$2`, grantID, userID).
		Scan(&g.ID, &g.UserID, &g.RoleID, &scopeType, &g.ScopeID, &g.GrantedBy, &g.GrantedAt, &g.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.ScopeType = ScopeType(scopeType)
	return &g, nil
}

func (s *pgGrants) ListForUser(ctx context.Context, userID string) ([]ScopedGrant, error) {
	rows, err := s.q.QueryContext(ctx, `select `+grantColumns+` from user_grants where user_id=$1 order by granted_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScopedGrant
	for rows.Next() {
		var (
			g         ScopedGrant
			scopeType string
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.RoleID, &scopeType, &g.ScopeID, &g.GrantedBy, &g.GrantedAt, &g.ExpiresAt); err != nil {
			return nil, err
		}
		g.ScopeType = ScopeType(scopeType)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *pgGrants) Delete(ctx context.Context, grantID string) error {
	res, err := s.q.ExecContext(ctx, `delete from user_grants where id=$1`, grantID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// EffectivePermissions joins the user's grants through roles to permission
// keys in one query. Expiry is not filtered here; the engine evaluates it
// against its own clock.
func (s *pgGrants) EffectivePermissions(ctx context.Context, userID string) ([]GrantedPermission, error) {
	rows, err := s.q.QueryContext(ctx, `
		select p.key, g.scope_type, coalesce(g.scope_id,''), g.expires_at
		from user_grants g
		join role_permissions rp on rp.role_id = g.role_id
		join permissions p on p.id = rp.permission_id
		where g.user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GrantedPermission
	for rows.Next() {
		var (
			gp        GrantedPermission
			scopeType string
		)
		if err := rows.Scan(&gp.Key, &scopeType, &gp.ScopeID, &gp.ExpiresAt); err != nil {
			return nil, err
		}
		gp.ScopeType = ScopeType(scopeType)
		out = append(out, gp)
	}
	return out, rows.Err()
}

func (s *pgGrants) Exists(ctx context.Context, userID, roleID string, scopeType ScopeType, scopeID string) (bool, error) {
	var dummy int
	err := s.q.QueryRowContext(ctx, `
		select 1 from user_grants
		where user_id=$1 and role_id=$2 and scope_type=$3 and coalesce(scope_id,'')=$4`,
		userID, roleID, string(scopeType), scopeID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- sessions ---

type pgSessions struct{ q audit.DBTX }

const sessionColumns = `id, token, user_id, created_at, last_seen_at, coalesce(ip_address,''), coalesce(user_agent,''), revoked_at, refresh_token_hash, refresh_expires_at`

func (s *pgSessions) Create(ctx context.Context, sess *Session) error {
	_, err := s.q.ExecContext(ctx, `
		insert into sessions(id, token, user_id, created_at, last_seen_at, ip_address, user_agent, refresh_token_hash, refresh_expires_at)
		values($1, $2, $3, $4, $5, nullif($6,''), nullif($7,''), $8, $9)`,
		sess.ID, sess.Token, sess.UserID, sess.CreatedAt, sess.LastSeenAt, sess.IPAddress, sess.UserAgent,
		sess.RefreshTokenHash, sess.RefreshTokenExpiresAt,
	)
	return err
}

func (s *pgSessions) FindByToken(ctx context.Context, token string) (*Session, error) {
	return s.one(ctx, `where token=$1`, token)
}

func (s *pgSessions) FindByRefreshTokenHash(ctx context.Context, hash string) (*Session, error) {
	return s.one(ctx, `where refresh_token_hash=$1`, hash)
}

func (s *pgSessions) one(ctx context.Context, where string, arg any) (*Session, error) {
	var sess Session
	err := s.q.QueryRowContext(ctx, `select `+sessionColumns+` from sessions `+where, arg).
		Scan(&sess.ID, &sess.Token, &sess.UserID, &sess.CreatedAt, &sess.LastSeenAt, &sess.IPAddress,
			&sess.UserAgent, &sess.RevokedAt, &sess.RefreshTokenHash, &sess.RefreshTokenExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *pgSessions) Update(ctx context.Context, sess *Session) error {
	res, err := s.q.ExecContext(ctx, `
		update sessions
		set last_seen_at=$2, revoked_at=$3, refresh_token_hash=$4, refresh_expires_at=$5
		where id=$1`,
		sess.ID, sess.LastSeenAt, sess.RevokedAt, sess.RefreshTokenHash, sess.RefreshTokenExpiresAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgSessions) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.q.QueryContext(ctx, `select `+sessionColumns+` from sessions where user_id=$1 order by created_at desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Token, &sess.UserID, &sess.CreatedAt, &sess.LastSeenAt, &sess.IPAddress,
			&sess.UserAgent, &sess.RevokedAt, &sess.RefreshTokenHash, &sess.RefreshTokenExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *pgSessions) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		update sessions set revoked_at=$2 where user_id=$1 and revoked_at is null`, userID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *pgSessions) DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `delete from sessions where refresh_expires_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"idplane.org/internal/auth"
)

type createUserRequest struct {
	TenantID    string `json:"tenant_id,omitempty"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type banUserRequest struct {
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password,omitempty"`
	NewPassword     string `json:"new_password"`
}

type roleRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	TenantID       string   `json:"tenant_id,omitempty"`
	PermissionKeys []string `json:"permission_keys,omitempty"`
}

type setPermissionsRequest struct {
	PermissionKeys []string `json:"permission_keys"`
}

type grantRequest struct {
	RoleID    string     `json:"role_id"`
	ScopeType string     `json:"scope_type"`
	ScopeID   string     `json:"scope_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type grantView struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	ScopeType string     `json:"scope_type"`
	ScopeID   string     `json:"scope_id,omitempty"`
	GrantedBy string     `json:"granted_by,omitempty"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func toGrantView(g auth.ScopedGrant) grantView {
	return grantView{
		ID:        g.ID,
		UserID:    g.UserID,
		RoleID:    g.RoleID,
		ScopeType: string(g.ScopeType),
		ScopeID:   g.ScopeID,
		GrantedBy: g.GrantedBy,
		GrantedAt: g.GrantedAt,
		ExpiresAt: g.ExpiresAt,
	}
}

type sessionView struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	IPAddress  string     `json:"ip_address,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func toSessionView(s *auth.Session) sessionView {
	return sessionView{
		ID:         s.Token,
		UserID:     s.UserID,
		CreatedAt:  s.CreatedAt,
		LastSeenAt: s.LastSeenAt,
		IPAddress:  s.IPAddress,
		UserAgent:  s.UserAgent,
		RevokedAt:  s.RevokedAt,
	}
}

// --- permissions ---

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, auth.PermRolesRead, nil) {
		return
	}
	perms, err := a.svc.Roles.ListPermissions(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

// --- roles ---

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !a.ensurePermission(w, r, auth.PermRolesWrite, nil) {
			return
		}
		var req roleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.svc.Roles.CreateRole(r.Context(), actorID(r), auth.RoleInput{
			Name:           req.Name,
			Description:    req.Description,
			TenantID:       req.TenantID,
			PermissionKeys: req.PermissionKeys,
		})
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermRolesRead, nil) {
			return
		}
		roles, err := a.svc.Roles.ListRoles(r.Context(), r.URL.Query().Get("tenant_id"))
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	roleID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			if !a.ensurePermission(w, r, auth.PermRolesRead, nil) {
				return
			}
			role, err := a.svc.Roles.GetRole(r.Context(), roleID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, role)
		case http.MethodPut:
			if !a.ensurePermission(w, r, auth.PermRolesWrite, nil) {
				return
			}
			var req roleRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			role, err := a.svc.Roles.UpdateRole(r.Context(), actorID(r), roleID, auth.RoleInput{
				Name:           req.Name,
				Description:    req.Description,
				PermissionKeys: req.PermissionKeys,
			})
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, role)
		case http.MethodDelete:
			if !a.ensurePermission(w, r, auth.PermRolesManage, nil) {
				return
			}
			if err := a.svc.Roles.DeleteRole(r.Context(), actorID(r), roleID); err != nil {
				handleDomainError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "permissions":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		if !a.ensurePermission(w, r, auth.PermRolesManage, nil) {
			return
		}
		var req setPermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.svc.Roles.SetRolePermissions(r.Context(), actorID(r), roleID, req.PermissionKeys)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- users ---

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, auth.PermUsersWrite, nil) {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Users.CreateUser(r.Context(), actorID(r), auth.UserInput{
		TenantID:    req.TenantID,
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, toUserView(user))
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if !a.ensurePermission(w, r, auth.PermUsersRead, nil) {
			return
		}
		user, err := a.svc.Users.GetUser(r.Context(), userID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toUserView(user))
	case len(parts) == 2 && parts[1] == "ban":
		a.banUser(w, r, userID)
	case len(parts) == 2 && parts[1] == "status":
		a.updateUserStatus(w, r, userID)
	case len(parts) == 2 && parts[1] == "password":
		a.changePassword(w, r, userID)
	case len(parts) == 2 && parts[1] == "grants":
		a.handleUserGrants(w, r, userID)
	case len(parts) == 3 && parts[1] == "grants":
		a.revokeGrant(w, r, userID, parts[2])
	case len(parts) == 2 && parts[1] == "sessions":
		a.listUserSessions(w, r, userID)
	case len(parts) == 3 && parts[1] == "sessions" && parts[2] == "revoke":
		a.revokeUserSessions(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) banUser(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, auth.PermUsersBan, nil) {
		return
	}
	var req banUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Users.BanUser(r.Context(), actorID(r), userID, auth.BanInput{
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserView(user))
}

func (a *API) updateUserStatus(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensurePermission(w, r, auth.PermUsersWrite, nil) {
		return
	}
	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Users.UpdateUserStatus(r.Context(), actorID(r), userID, auth.UserStatus(req.Status))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserView(user))
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Self-service change needs the current password; admins reset without it.
	if userID == actorID(r) {
		if err := a.svc.Users.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !a.ensurePermission(w, r, auth.PermUsersWrite, nil) {
		return
	}
	if err := a.svc.Users.AdminResetPassword(r.Context(), actorID(r), userID, req.NewPassword); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- grants ---

func (a *API) handleUserGrants(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		if !a.ensurePermission(w, r, auth.PermRolesAssign, nil) {
			return
		}
		var req grantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		grant, err := a.svc.Grants.Grant(r.Context(), actorID(r), auth.GrantInput{
			UserID:    userID,
			RoleID:    req.RoleID,
			ScopeType: auth.ScopeType(req.ScopeType),
			ScopeID:   req.ScopeID,
			ExpiresAt: req.ExpiresAt,
		})
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toGrantView(*grant))
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermRolesRead, nil) {
			return
		}
		grants, err := a.svc.Grants.ListForUser(r.Context(), userID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		items := make([]grantView, 0, len(grants))
		for _, g := range grants {
			items = append(items, toGrantView(g))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request, userID, grantID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, auth.PermRolesAssign, nil) {
		return
	}
	if err := a.svc.Grants.Revoke(r.Context(), actorID(r), userID, grantID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- sessions ---

func (a *API) listUserSessions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if userID != actorID(r) && !a.ensurePermission(w, r, auth.PermSessionsRead, nil) {
		return
	}
	sessions, err := a.svc.Sessions.ListForUser(r.Context(), userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, toSessionView(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) revokeUserSessions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, auth.PermSessionsRevoke, nil) {
		return
	}
	n, err := a.svc.Sessions.RevokeAllForUser(r.Context(), actorID(r), userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

// --- tenants ---

type tenantRequest struct {
	Name     string `json:"name"`
	Slug     string `json:"slug,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Settings string `json:"settings,omitempty"`
}

func (a *API) handleTenantsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !a.ensurePermission(w, r, auth.PermTenantsWrite, nil) {
			return
		}
		var req tenantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		tenant, err := a.svc.Tenants.CreateTenant(r.Context(), actorID(r), auth.TenantInput{
			Name:     req.Name,
			Slug:     req.Slug,
			Domain:   req.Domain,
			Settings: req.Settings,
		})
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s", tenant.ID))
		writeJSON(w, http.StatusCreated, tenant)
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermTenantsRead, nil) {
			return
		}
		tenants, err := a.svc.Tenants.ListTenants(r.Context())
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": tenants})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTenantResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/tenants/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	tenantID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			if !a.ensurePermission(w, r, auth.PermTenantsRead, nil) {
				return
			}
			tenant, err := a.svc.Tenants.GetTenant(r.Context(), tenantID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, tenant)
		case http.MethodPut:
			if !a.ensurePermission(w, r, auth.PermTenantsWrite, nil) {
				return
			}
			var req tenantRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			tenant, err := a.svc.Tenants.UpdateTenant(r.Context(), actorID(r), tenantID, auth.TenantInput{
				Name:     req.Name,
				Domain:   req.Domain,
				Settings: req.Settings,
			})
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, tenant)
		case http.MethodDelete:
			if !a.ensurePermission(w, r, auth.PermAdminManage, nil) {
				return
			}
			if err := a.svc.Tenants.DeleteTenant(r.Context(), actorID(r), tenantID); err != nil {
				handleDomainError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "suspend":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !a.ensurePermission(w, r, auth.PermTenantsWrite, nil) {
			return
		}
		tenant, err := a.svc.Tenants.SuspendTenant(r.Context(), actorID(r), tenantID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tenant)
	case len(parts) == 2 && parts[1] == "activate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !a.ensurePermission(w, r, auth.PermTenantsWrite, nil) {
			return
		}
		tenant, err := a.svc.Tenants.ActivateTenant(r.Context(), actorID(r), tenantID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tenant)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

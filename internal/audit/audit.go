// Package audit records every privileged mutation as an immutable,
// append-only trail and serves filtered, paginated queries over it.
//
// Action codes are free-form uppercase verb-noun strings. The diff payload is
// an opaque key/value map serialized to JSON; the expected shape per action:
//
//	USER_LOGIN / USER_LOGOUT            {} (actor and target carry the facts)
//	USER_CREATED                        {"email": ..., "tenantId": ...}
//	USER_BANNED                         {"old": ..., "new": ..., "reason": ...}
//	USER_STATUS_CHANGED                 {"old": ..., "new": ...}
//	USER_PASSWORD_CHANGED               {}
//	USER_PASSWORD_RESET                 {}
//	SESSIONS_REVOKED                    {"count": ...}
//	ROLE_CREATED / ROLE_UPDATED         {"name": ...}
//	ROLE_PERMISSIONS_UPDATED            {"permissionCount": ...}
//	ROLE_DELETED                        {"name": ...}
//	ROLE_ASSIGNED                       {"userId": ..., "roleId": ..., "scope": ...}
//	ROLE_REMOVED                        {"userId": ...}
//	TENANT_CREATED / TENANT_DELETED     {"name": ..., "slug": ...}
//	TENANT_UPDATED                      {"<field>": {"old": ..., "new": ...}}
//	TENANT_SUSPENDED / TENANT_ACTIVATED {"old": ..., "new": ...}
//
// New action kinds require no schema change.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"idplane.org/internal/ids"
)

// Entry is one immutable audit record. Once appended it is never updated;
// only Purge may remove entries, in bulk, by age.
type Entry struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	ActorUserID string         `json:"actor_user_id,omitempty"`
	Action      string         `json:"action"`
	TargetType  string         `json:"target_type"`
	TargetID    string         `json:"target_id"`
	Diff        map[string]any `json:"diff,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Filter narrows a Query. All set fields are combined with AND; From/To bound
// CreatedAt inclusively.
type Filter struct {
	ActorUserID string
	Action      string
	TargetType  string
	TargetID    string
	From        *time.Time
	To          *time.Time
}

// Page bounds a Query result set.
type Page struct {
	Limit  int
	Offset int
}

// Appender is the append-only write side. The auth store exposes a
// transaction-bound Appender so a mutation and its audit entry commit
// atomically.
type Appender interface {
	Append(ctx context.Context, e *Entry) error
}

// Store is the full persistence contract for the audit trail.
type Store interface {
	Appender
	Query(ctx context.Context, f Filter, p Page) ([]Entry, int64, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// NewEntry builds an entry stamped with request metadata from the context.
// Missing actor and missing request metadata are both legitimate
// (system-initiated actions, non-HTTP callers).
func NewEntry(ctx context.Context, action, targetType, targetID string, diff map[string]any, actorUserID string) *Entry {
	meta := RequestMetaFromContext(ctx)
	return &Entry{
		ID:          ids.New(),
		ActorUserID: actorUserID,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
		Diff:        diff,
		IPAddress:   meta.IP,
		UserAgent:   meta.UserAgent,
		CreatedAt:   time.Now().UTC(),
	}
}

// Recorder is the service surface consumed by the transport layer.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder constructs a Recorder over the given store.
func NewRecorder(store Store) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	return &Recorder{store: store, now: time.Now}, nil
}

// Record appends one entry. A missing actor is not an error.
func (r *Recorder) Record(ctx context.Context, action, targetType, targetID string, diff map[string]any, actorUserID string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return errors.New("audit: action is required")
	}
	return r.store.Append(ctx, NewEntry(ctx, action, targetType, targetID, diff, actorUserID))
}

// Query returns matching entries newest-first together with the total count.
func (r *Recorder) Query(ctx context.Context, f Filter, p Page) ([]Entry, int64, error) {
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, errors.New("audit: to precedes from")
	}
	return r.store.Query(ctx, f, p)
}

// Purge bulk-deletes entries older than the threshold. This is the only
// permitted delete path.
func (r *Recorder) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, errors.New("audit: retention must be positive")
	}
	return r.store.Purge(ctx, r.now().UTC().Add(-retention))
}

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"idplane.org/internal/ids"
)

// DBTX is the subset of database/sql satisfied by both *sql.DB and *sql.Tx,
// so the same store can run standalone or inside a caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ Store = (*PGStore)(nil)

// PGStore implements Store over PostgreSQL.
type PGStore struct {
	db DBTX
}

func NewPGStore(db DBTX) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var diff []byte
	if len(e.Diff) > 0 {
		var err error
		diff, err = json.Marshal(e.Diff)
		if err != nil {
			return fmt.Errorf("marshal diff: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs(id, tenant_id, actor_user_id, action, target_type, target_id, diff_json, ip_address, user_agent, created_at)
		values($1, nullif($2,''), nullif($3,''), $4, $5, $6, $7, nullif($8,''), nullif($9,''), $10)`,
		e.ID, e.TenantID, e.ActorUserID, e.Action, e.TargetType, e.TargetID, diff, e.IPAddress, e.UserAgent, e.CreatedAt,
	)
	return err
}

func (s *PGStore) Query(ctx context.Context, f Filter, p Page) ([]Entry, int64, error) {
	where, args := buildFilter(f)

	var total int64
	countQuery := `select count(*) from audit_logs` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		select id, coalesce(tenant_id,''), coalesce(actor_user_id,''), action, target_type, target_id,
		       coalesce(diff_json,''), coalesce(ip_address,''), coalesce(user_agent,''), created_at
		from audit_logs` + where +
		fmt.Sprintf(` order by created_at desc limit $%d offset $%d`, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			diff string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorUserID, &e.Action, &e.TargetType, &e.TargetID,
			&diff, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if diff != "" {
			_ = json.Unmarshal([]byte(diff), &e.Diff)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

func (s *PGStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_logs where created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildFilter(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ActorUserID != "" {
		add("actor_user_id = $%d", f.ActorUserID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.TargetType != "" {
		add("target_type = $%d", f.TargetType)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " where " + strings.Join(clauses, " and "), args
}

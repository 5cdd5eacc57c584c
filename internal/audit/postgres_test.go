package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGStoreAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	mock.ExpectExec("insert into audit_logs").
		WithArgs(sqlmock.AnyArg(), "t1", "u1", "USER_BANNED", "user", "u2", []byte(`{"reason":"abuse"}`), "203.0.113.9", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Append(context.Background(), &Entry{
		TenantID:    "t1",
		ActorUserID: "u1",
		Action:      "USER_BANNED",
		TargetType:  "user",
		TargetID:    "u2",
		Diff:        map[string]any{"reason": "abuse"},
		IPAddress:   "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreQueryFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	created := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select count\\(\\*\\) from audit_logs where actor_user_id = \\$1 and action = \\$2").
		WithArgs("u1", "USER_LOGIN").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("from audit_logs where actor_user_id = \\$1 and action = \\$2 order by created_at desc limit \\$3 offset \\$4").
		WithArgs("u1", "USER_LOGIN", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "actor_user_id", "action", "target_type", "target_id", "diff_json", "ip_address", "user_agent", "created_at"}).
			AddRow("e1", "", "u1", "USER_LOGIN", "user", "u1", `{"k":"v"}`, "", "", created))

	entries, total, err := store.Query(context.Background(), Filter{ActorUserID: "u1", Action: "USER_LOGIN"}, Page{Limit: 50})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("got %d/%d, want 1 entry", len(entries), total)
	}
	if entries[0].Diff["k"] != "v" {
		t.Fatalf("diff not decoded: %+v", entries[0].Diff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStorePurge(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("delete from audit_logs where created_at <").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := store.Purge(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 42 {
		t.Fatalf("purged %d, want 42", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newUserFixture(t *testing.T) (*MemStore, *UserService) {
	t.Helper()
	store := NewMemStore()
	svc, err := NewUserService(store, BcryptVerifier{})
	if err != nil {
		t.Fatalf("new user service: %v", err)
	}
	return store, svc
}

func TestCreateUserNormalizesEmail(t *testing.T) {
	store, svc := newUserFixture(t)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, "admin", UserInput{
		Email:    "  Bob@Example.COM ",
		Password: "supersecret",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Email != "bob@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	if user.Status != UserActive {
		t.Fatalf("expected active status, got %q", user.Status)
	}
	if user.PasswordHash == "supersecret" {
		t.Fatal("password must be stored hashed")
	}

	// Same address with different casing is a duplicate.
	if _, err := svc.CreateUser(ctx, "admin", UserInput{Email: "BOB@example.com", Password: "supersecret"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected duplicate email rejection, got %v", err)
	}

	entries := store.AuditStore().Entries()
	if len(entries) != 1 || entries[0].Action != "USER_CREATED" {
		t.Fatalf("expected one USER_CREATED entry, got %+v", entries)
	}
}

func TestCreateUserValidation(t *testing.T) {
	_, svc := newUserFixture(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "admin", UserInput{Email: "not-an-email", Password: "supersecret"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad email: expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, "admin", UserInput{Email: "ok@example.com", Password: "short"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short password: expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, "admin", UserInput{Email: "ok@example.com", Password: "supersecret", TenantID: "ghost"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown tenant: expected ErrInvalidInput, got %v", err)
	}
}

func TestBanUserRequiresReason(t *testing.T) {
	store, svc := newUserFixture(t)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, "admin", UserInput{Email: "bob@example.com", Password: "supersecret"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	if _, err := svc.BanUser(ctx, "admin", user.ID, BanInput{Reason: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty reason, got %v", err)
	}

	banned, err := svc.BanUser(ctx, "admin", user.ID, BanInput{Reason: "abuse"})
	if err != nil {
		t.Fatalf("ban user: %v", err)
	}
	if banned.Status != UserBanned || banned.BannedAt == nil || banned.BanReason != "abuse" {
		t.Fatalf("ban fields not set: %+v", banned)
	}

	if _, err := svc.BanUser(ctx, "admin", user.ID, BanInput{Reason: "again"}); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("double ban: expected ErrStateConflict, got %v", err)
	}

	var found bool
	for _, e := range store.AuditStore().Entries() {
		if e.Action == "USER_BANNED" {
			found = true
			if e.Diff["reason"] != "abuse" {
				t.Fatalf("ban diff missing reason: %+v", e.Diff)
			}
		}
	}
	if !found {
		t.Fatal("expected USER_BANNED audit entry")
	}
}

func TestBanRevokesSessions(t *testing.T) {
	store, svc := newUserFixture(t)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, "admin", UserInput{Email: "bob@example.com", Password: "supersecret"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := store.Sessions().Create(ctx, &Session{
		ID: "s1", Token: "tok-1", UserID: user.ID,
		RefreshTokenHash: "h1", RefreshTokenExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := svc.BanUser(ctx, "admin", user.ID, BanInput{Reason: "abuse"}); err != nil {
		t.Fatalf("ban user: %v", err)
	}
	sess, _ := store.Sessions().FindByToken(ctx, "tok-1")
	if !sess.Revoked() {
		t.Fatal("ban must revoke all active sessions")
	}
}

func TestUnbanClearsBanFields(t *testing.T) {
	_, svc := newUserFixture(t)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, "admin", UserInput{Email: "bob@example.com", Password: "supersecret"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := svc.BanUser(ctx, "admin", user.ID, BanInput{Reason: "abuse"}); err != nil {
		t.Fatalf("ban user: %v", err)
	}

	restored, err := svc.UpdateUserStatus(ctx, "admin", user.ID, UserActive)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if restored.Status != UserActive {
		t.Fatalf("expected active, got %q", restored.Status)
	}
	if restored.BannedAt != nil || restored.BanReason != "" || restored.BanExpiresAt != nil {
		t.Fatalf("ban fields must be cleared on unban: %+v", restored)
	}
}

func TestChangePasswordVerifiesCurrent(t *testing.T) {
	store, svc := newUserFixture(t)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, "admin", UserInput{Email: "bob@example.com", Password: "supersecret"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := svc.ChangePassword(ctx, user.ID, "wrong", "newpassword1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "supersecret", "newpassword1"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	updated, _ := store.Users().Find(ctx, user.ID)
	if err := (BcryptVerifier{}).Verify(updated.PasswordHash, "newpassword1"); err != nil {
		t.Fatalf("new password not stored: %v", err)
	}
}

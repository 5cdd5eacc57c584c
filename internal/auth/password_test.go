package auth

import "testing"

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "correct horse battery" {
		t.Fatal("hash must not equal the plaintext")
	}

	v := BcryptVerifier{}
	if err := v.Verify(hash, "correct horse battery"); err != nil {
		t.Fatalf("Verify with correct password: %v", err)
	}
	if err := v.Verify(hash, "wrong password"); err == nil {
		t.Fatal("expected verification failure for wrong password")
	}
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestVerifyRejectsEmptyHash(t *testing.T) {
	if err := (BcryptVerifier{}).Verify("", "anything"); err == nil {
		t.Fatal("expected error for empty hash")
	}
}

func TestHashesAreSalted(t *testing.T) {
	a, err := HashPassword("same input")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	b, err := HashPassword("same input")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same password should differ")
	}
}

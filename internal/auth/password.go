package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier checks a plaintext secret against a stored hash. The
// hashing primitive is an external capability of the session manager.
type CredentialVerifier interface {
	Verify(hash, password string) error
}

// BcryptVerifier implements CredentialVerifier with bcrypt.
type BcryptVerifier struct{}

func (BcryptVerifier) Verify(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

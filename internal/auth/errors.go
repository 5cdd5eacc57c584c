package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrDuplicateGrant is a validation failure: the (user, role, scopeType,
	// scopeId) tuple already exists. It matches ErrInvalidInput under errors.Is.
	ErrDuplicateGrant = fmt.Errorf("%w: grant already exists for this scope", ErrInvalidInput)

	// ErrInvalidCredentials covers unknown email, wrong password and
	// non-active accounts alike, so callers cannot enumerate users.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	ErrMFARequired      = errors.New("auth: mfa code required")
	ErrPermissionDenied = errors.New("auth: permission denied")
	ErrSystemRole       = errors.New("auth: system role is immutable")
	ErrStateConflict    = errors.New("auth: state conflict")
	ErrInvalidToken     = errors.New("auth: invalid token")
)

package domain

import "errors"

// Store errors shared by the signup and notification packages.
var (
	ErrSignupNotFound = errors.New("signup not found")
	ErrDuplicateEmail = errors.New("signup with this email already exists")
	ErrNotPending     = errors.New("signup notification is no longer pending")
)

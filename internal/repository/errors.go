// Package repository holds the persistence code for users (MySQL), revoked
// tokens (Redis) and audit entries (MongoDB). The sentinel errors below let
// higher layers tell the failure modes apart without knowing the driver.
package repository

import "errors"

// ErrNotFound is returned when a lookup matches no record, or when a
// single-use token was already consumed.
var ErrNotFound = errors.New("not found")

// ErrEmailExists is returned by Create on a duplicate email.
var ErrEmailExists = errors.New("email already exists")

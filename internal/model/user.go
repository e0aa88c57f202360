package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Role is the closed set of account roles. Values outside the set are
// rejected when read from the database or decoded from JSON.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleSalesStaff Role = "sales_staff"
	RoleEmployee   Role = "employee"
	RoleUser       Role = "user"
)

// Roles lists every valid role.
var Roles = []Role{RoleSuperAdmin, RoleAdmin, RoleManager, RoleSalesStaff, RoleEmployee, RoleUser}

// ParseRole validates s against the role enumeration.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) String() string { return string(r) }

// Scan implements sql.Scanner.
func (r *Role) Scan(src any) error {
	s, err := scanString(src)
	if err != nil {
		return fmt.Errorf("scan role: %w", err)
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Value implements driver.Valuer.
func (r Role) Value() (driver.Value, error) { return string(r), nil }

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Status is the account lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusVerify Status = "verify" // waiting for email confirmation
	StatusBan    Status = "ban"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusVerify, StatusBan:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func (s *Status) Scan(src any) error {
	v, err := scanString(src)
	if err != nil {
		return fmt.Errorf("scan status: %w", err)
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Status) Value() (driver.Value, error) { return string(s), nil }

func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("null value")
	}
	return "", fmt.Errorf("unsupported type %T", src)
}

// User mirrors a row of the `users` table. Secrets never leave the process
// through JSON.
type User struct {
	ID                 uint64     `json:"id"`
	Name               string     `json:"name"`
	Email              string     `json:"email"`
	PasswordHash       string     `json:"-"`
	Role               Role       `json:"role"`
	Status             Status     `json:"active"`
	LoginAttempts      int        `json:"-"`
	LockUntil          *time.Time `json:"-"`
	PasswordChangedAt  *time.Time `json:"-"`
	VerifyTokenHash    *string    `json:"-"`
	VerifyTokenExpires *time.Time `json:"-"`
	ResetTokenHash     *string    `json:"-"`
	ResetTokenExpires  *time.Time `json:"-"`
	Addresses          Addresses  `json:"address"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// IsLocked reports whether a lock window is still open at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockUntil != nil && now.Before(*u.LockUntil)
}

// ChangedPasswordAfter reports whether the password changed after a token
// issued at iat. Token timestamps have second precision.
func (u *User) ChangedPasswordAfter(iat time.Time) bool {
	if u.PasswordChangedAt == nil {
		return false
	}
	return iat.Unix() < u.PasswordChangedAt.Unix()
}

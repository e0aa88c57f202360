// Package auth implements the login guard and the account operations built
// on top of the credential store, the token issuer and the blacklist.
package auth

import (
	"context"
	"time"

	"github.com/iliyamo/storefront-auth/internal/model"
)

// UserStore is the credential store. Implementations return
// repository.ErrNotFound for missing records and consumed single-use
// tokens, and repository.ErrEmailExists on duplicate signups.
type UserStore interface {
	FindByID(ctx context.Context, id uint64) (model.User, error)
	FindByEmail(ctx context.Context, email string) (model.User, error)
	Create(ctx context.Context, u model.User) (uint64, error)
	// IncrementFailedAttempts must be a single atomic store operation.
	IncrementFailedAttempts(ctx context.Context, id uint64, now time.Time, threshold int, lockFor time.Duration) (int, *time.Time, error)
	ResetFailedAttempts(ctx context.Context, id uint64) error
	SetStatus(ctx context.Context, id uint64, status model.Status) error
	UpdatePassword(ctx context.Context, id uint64, hash string, changedAt time.Time) error
	SetVerifyToken(ctx context.Context, id uint64, hash string, expires time.Time) error
	FindByVerifyToken(ctx context.Context, hash string, now time.Time) (model.User, error)
	Activate(ctx context.Context, id uint64, hash string) error
	SetResetToken(ctx context.Context, id uint64, hash string, expires time.Time) error
	FindByResetToken(ctx context.Context, hash string, now time.Time) (model.User, error)
	ResetPassword(ctx context.Context, id uint64, tokenHash, passwordHash string, changedAt time.Time) error
	UpdateAddresses(ctx context.Context, id uint64, addrs model.Addresses) error
}

// Blacklist is the revoked token store.
type Blacklist interface {
	Revoke(ctx context.Context, rt model.RevokedToken) error
	// IsRevoked must answer true when the lookup itself fails.
	IsRevoked(ctx context.Context, raw string) bool
	History(ctx context.Context, userID uint64, limit int) ([]model.RevokedToken, error)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/iliyamo/storefront-auth/internal/model"
	"github.com/iliyamo/storefront-auth/internal/repository"
	"github.com/iliyamo/storefront-auth/internal/utils"
)

const (
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeInvalidPassword    = "INVALID_PASSWORD"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
)

const msgBadCredentials = "Incorrect email or password"

// Guard is the account lockout state machine. The checks run in a fixed
// order: existence, lock, password, ban. Lock expiry is lazy: an elapsed
// lock is cleared by the next attempt, not by a sweeper.
type Guard struct {
	Users     UserStore
	Threshold int
	LockFor   time.Duration
	Cost      int
	Now       func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewGuard(users UserStore, threshold int, lockFor time.Duration, cost int) *Guard {
	return &Guard{Users: users, Threshold: threshold, LockFor: lockFor, Cost: cost, Now: time.Now}
}

// Check authenticates email/password. On success the returned user has its
// counters cleared.
func (g *Guard) Check(ctx context.Context, email, password string) (model.User, error) {
	now := g.Now()

	u, err := g.Users.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		// Spend the same bcrypt time as a real mismatch.
		utils.VerifyPassword(g.dummy(), password)
		return model.User{}, &Error{Kind: ErrInvalidCredentials, Code: CodeInvalidCredentials, Message: msgBadCredentials}
	}
	if err != nil {
		return model.User{}, fmt.Errorf("find user: %w", err)
	}

	if u.IsLocked(now) {
		return model.User{}, lockedError(*u.LockUntil, now)
	}

	if !utils.VerifyPassword(u.PasswordHash, password) {
		attempts, lockUntil, err := g.Users.IncrementFailedAttempts(ctx, u.ID, now, g.Threshold, g.LockFor)
		if err != nil {
			return model.User{}, fmt.Errorf("record failed login: %w", err)
		}
		if lockUntil != nil && now.Before(*lockUntil) {
			return model.User{}, lockedError(*lockUntil, now)
		}
		remaining := g.Threshold - attempts
		if remaining < 0 {
			remaining = 0
		}
		return model.User{}, &Error{
			Kind:    ErrInvalidCredentials,
			Code:    CodeInvalidPassword,
			Message: fmt.Sprintf("Incorrect password. %d attempts remaining.", remaining),
			Fields:  map[string]any{"remainingAttempts": remaining},
		}
	}

	if u.Status == model.StatusBan {
		return model.User{}, Forbidden("Your account has been banned. Please contact an administrator.")
	}

	if u.LoginAttempts > 0 || u.LockUntil != nil {
		if err := g.Users.ResetFailedAttempts(ctx, u.ID); err != nil {
			return model.User{}, fmt.Errorf("reset failed logins: %w", err)
		}
		u.LoginAttempts = 0
		u.LockUntil = nil
	}
	return u, nil
}

func lockedError(until, now time.Time) *Error {
	minutes := int(math.Ceil(until.Sub(now).Minutes()))
	return &Error{
		Kind:    ErrAccountLocked,
		Code:    CodeAccountLocked,
		Message: fmt.Sprintf("Account locked after too many failed logins. Try again in %d minutes.", minutes),
		Fields:  map[string]any{"lockUntilMinutes": minutes, "lockUntil": until.UTC()},
	}
}

func (g *Guard) dummy() string {
	g.dummyOnce.Do(func() {
		h, err := utils.HashPassword("timing-equalizer-password", g.Cost)
		if err == nil {
			g.dummyHash = h
		}
	})
	return g.dummyHash
}

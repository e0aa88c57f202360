// Package authtest provides in-memory stores for tests of the auth flows.
package authtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/storefront-auth/internal/mail"
	"github.com/iliyamo/storefront-auth/internal/model"
	"github.com/iliyamo/storefront-auth/internal/repository"
	"github.com/iliyamo/storefront-auth/internal/utils"
)

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{t: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Users is an in-memory credential store with the same lockout semantics as
// the MySQL repository.
type Users struct {
	mu     sync.Mutex
	byID   map[uint64]model.User
	nextID uint64
}

func NewUsers() *Users { return &Users{byID: map[uint64]model.User{}} }

// Put inserts or replaces u and returns its id.
func (s *Users) Put(u model.User) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		s.nextID++
		u.ID = s.nextID
	} else if u.ID > s.nextID {
		s.nextID = u.ID
	}
	s.byID[u.ID] = u
	return u.ID
}

// Get returns a copy of the stored record.
func (s *Users) Get(id uint64) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	return u, ok
}

func (s *Users) Delete(id uint64) {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
}

func (s *Users) update(id uint64, fn func(*model.User) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok || !fn(&u) {
		return repository.ErrNotFound
	}
	s.byID[id] = u
	return nil
}

func (s *Users) FindByID(_ context.Context, id uint64) (model.User, error) {
	if u, ok := s.Get(id); ok {
		return u, nil
	}
	return model.User{}, repository.ErrNotFound
}

func (s *Users) find(match func(model.User) bool) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.byID {
		if match(u) {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (s *Users) FindByEmail(_ context.Context, email string) (model.User, error) {
	return s.find(func(u model.User) bool { return u.Email == email })
}

func (s *Users) Create(_ context.Context, u model.User) (uint64, error) {
	if _, err := s.find(func(x model.User) bool { return x.Email == u.Email }); err == nil {
		return 0, repository.ErrEmailExists
	}
	u.ID = 0
	return s.Put(u), nil
}

func (s *Users) IncrementFailedAttempts(_ context.Context, id uint64, now time.Time, threshold int, lockFor time.Duration) (int, *time.Time, error) {
	var (
		attempts int
		lock     *time.Time
	)
	err := s.update(id, func(u *model.User) bool {
		expired := u.LockUntil != nil && !now.Before(*u.LockUntil)
		if expired {
			u.LoginAttempts = 1
			u.LockUntil = nil
		} else {
			u.LoginAttempts++
		}
		if u.LoginAttempts >= threshold {
			until := now.Add(lockFor)
			u.LockUntil = &until
		}
		attempts, lock = u.LoginAttempts, u.LockUntil
		return true
	})
	return attempts, lock, err
}

func (s *Users) ResetFailedAttempts(_ context.Context, id uint64) error {
	return s.update(id, func(u *model.User) bool {
		u.LoginAttempts, u.LockUntil = 0, nil
		return true
	})
}

func (s *Users) SetStatus(_ context.Context, id uint64, status model.Status) error {
	return s.update(id, func(u *model.User) bool { u.Status = status; return true })
}

func (s *Users) UpdatePassword(_ context.Context, id uint64, hash string, changedAt time.Time) error {
	return s.update(id, func(u *model.User) bool {
		u.PasswordHash, u.PasswordChangedAt = hash, &changedAt
		return true
	})
}

func (s *Users) SetVerifyToken(_ context.Context, id uint64, hash string, expires time.Time) error {
	return s.update(id, func(u *model.User) bool {
		u.VerifyTokenHash, u.VerifyTokenExpires = &hash, &expires
		return true
	})
}

func (s *Users) FindByVerifyToken(_ context.Context, hash string, now time.Time) (model.User, error) {
	return s.find(func(u model.User) bool {
		return u.VerifyTokenHash != nil && *u.VerifyTokenHash == hash && u.VerifyTokenExpires != nil && now.Before(*u.VerifyTokenExpires)
	})
}

func (s *Users) Activate(_ context.Context, id uint64, hash string) error {
	return s.update(id, func(u *model.User) bool {
		if u.VerifyTokenHash == nil || *u.VerifyTokenHash != hash {
			return false
		}
		u.Status, u.VerifyTokenHash, u.VerifyTokenExpires = model.StatusActive, nil, nil
		return true
	})
}

func (s *Users) SetResetToken(_ context.Context, id uint64, hash string, expires time.Time) error {
	return s.update(id, func(u *model.User) bool {
		u.ResetTokenHash, u.ResetTokenExpires = &hash, &expires
		return true
	})
}

func (s *Users) FindByResetToken(_ context.Context, hash string, now time.Time) (model.User, error) {
	return s.find(func(u model.User) bool {
		return u.ResetTokenHash != nil && *u.ResetTokenHash == hash && u.ResetTokenExpires != nil && now.Before(*u.ResetTokenExpires)
	})
}

func (s *Users) ResetPassword(_ context.Context, id uint64, tokenHash, passwordHash string, changedAt time.Time) error {
	return s.update(id, func(u *model.User) bool {
		if u.ResetTokenHash == nil || *u.ResetTokenHash != tokenHash {
			return false
		}
		u.PasswordHash, u.PasswordChangedAt = passwordHash, &changedAt
		u.ResetTokenHash, u.ResetTokenExpires = nil, nil
		u.LoginAttempts, u.LockUntil = 0, nil
		return true
	})
}

func (s *Users) UpdateAddresses(_ context.Context, id uint64, addrs model.Addresses) error {
	return s.update(id, func(u *model.User) bool { u.Addresses = addrs; return true })
}

// Blacklist is an in-memory revoked token store. Entries disappear once
// the clock passes their expiry. Fail makes every lookup error out, which
// must count as revoked.
type Blacklist struct {
	mu      sync.Mutex
	entries map[string]model.RevokedToken
	Now     func() time.Time
	Fail    bool
}

func NewBlacklist(now func() time.Time) *Blacklist {
	return &Blacklist{entries: map[string]model.RevokedToken{}, Now: now}
}

func (b *Blacklist) Revoke(_ context.Context, rt model.RevokedToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = b.Now()
	}
	b.entries[rt.TokenHash] = rt
	return nil
}

func (b *Blacklist) IsRevoked(_ context.Context, raw string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail {
		return true
	}
	rt, ok := b.entries[utils.HashToken(raw)]
	return ok && b.Now().Before(rt.ExpiresAt)
}

func (b *Blacklist) History(_ context.Context, userID uint64, limit int) ([]model.RevokedToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []model.RevokedToken{}
	for _, rt := range b.entries {
		if rt.UserID == userID && b.Now().Before(rt.ExpiresAt) {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.After(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len counts the stored entries, expired or not.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Mailer records sent messages. Err, when set, is returned from Send.
type Mailer struct {
	mu   sync.Mutex
	Sent []mail.Message
	Err  error
}

func (m *Mailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, msg)
	return m.Err
}

// Last returns the last message sent.
func (m *Mailer) Last() (mail.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return mail.Message{}, false
	}
	return m.Sent[len(m.Sent)-1], true
}

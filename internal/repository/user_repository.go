package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/storefront-auth/internal/model"
)

const userColumns = "id,name,email,password_hash,role,active,login_attempts,lock_until,password_changed_at," +
	"verify_token_hash,verify_token_expires,reset_token_hash,reset_token_expires,addresses,created_at,updated_at"

type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(row rowScanner) (model.User, error) {
	var (
		u                                         model.User
		lockUntil, changedAt, verifyExp, resetExp sql.NullTime
		verifyHash, resetHash                     sql.NullString
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.Status, &u.LoginAttempts,
		&lockUntil, &changedAt, &verifyHash, &verifyExp, &resetHash, &resetExp, &u.Addresses,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.LockUntil = nullTime(lockUntil)
	u.PasswordChangedAt = nullTime(changedAt)
	u.VerifyTokenExpires = nullTime(verifyExp)
	u.ResetTokenExpires = nullTime(resetExp)
	u.VerifyTokenHash = nullString(verifyHash)
	u.ResetTokenHash = nullString(resetHash)
	return u, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

// FindByID fetches a user by id.
func (r *UserRepo) FindByID(ctx context.Context, id uint64) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
}

// FindByEmail matches the email exactly as stored; the column uses a binary
// collation so the comparison is case-sensitive.
func (r *UserRepo) FindByEmail(ctx context.Context, email string) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email))
}

// Create inserts u and returns its ID.
func (r *UserRepo) Create(ctx context.Context, u model.User) (uint64, error) {
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (name,email,password_hash,role,active,verify_token_hash,verify_token_expires,addresses) VALUES (?,?,?,?,?,?,?,?)",
		u.Name, u.Email, u.PasswordHash, u.Role, u.Status, u.VerifyTokenHash, u.VerifyTokenExpires, u.Addresses)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return 0, ErrEmailExists
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// IncrementFailedAttempts records one failed login in a single UPDATE and
// returns the resulting counter and lock. MySQL applies the SET list left to
// right, so the lock_until expression sees the incremented counter. A lock
// that already elapsed restarts the count at 1.
func (r *UserRepo) IncrementFailedAttempts(ctx context.Context, id uint64, now time.Time, threshold int, lockFor time.Duration) (int, *time.Time, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now = now.UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE users SET
			login_attempts = IF(lock_until IS NOT NULL AND lock_until <= ?, 1, login_attempts + 1),
			lock_until = IF(login_attempts >= ?, ?, IF(lock_until IS NOT NULL AND lock_until <= ?, NULL, lock_until))
		WHERE id = ?`,
		now, threshold, now.Add(lockFor), now, id)
	if err != nil {
		return 0, nil, fmt.Errorf("increment attempts: %w", err)
	}

	var (
		attempts  int
		lockUntil sql.NullTime
	)
	err = tx.QueryRowContext(ctx, "SELECT login_attempts, lock_until FROM users WHERE id=?", id).Scan(&attempts, &lockUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read attempts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit: %w", err)
	}
	return attempts, nullTime(lockUntil), nil
}

// ResetFailedAttempts clears the counter and any lock.
func (r *UserRepo) ResetFailedAttempts(ctx context.Context, id uint64) error {
	return r.exec(ctx, "UPDATE users SET login_attempts=0, lock_until=NULL WHERE id=?", id)
}

func (r *UserRepo) SetStatus(ctx context.Context, id uint64, status model.Status) error {
	return r.exec(ctx, "UPDATE users SET active=? WHERE id=?", status, id)
}

// UpdatePassword stores a new hash and the change timestamp.
func (r *UserRepo) UpdatePassword(ctx context.Context, id uint64, hash string, changedAt time.Time) error {
	return r.exec(ctx, "UPDATE users SET password_hash=?, password_changed_at=? WHERE id=?", hash, changedAt.UTC(), id)
}

func (r *UserRepo) SetVerifyToken(ctx context.Context, id uint64, hash string, expires time.Time) error {
	return r.exec(ctx, "UPDATE users SET verify_token_hash=?, verify_token_expires=? WHERE id=?", hash, expires.UTC(), id)
}

// FindByVerifyToken returns the user holding an unexpired verification code.
func (r *UserRepo) FindByVerifyToken(ctx context.Context, hash string, now time.Time) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE verify_token_hash=? AND verify_token_expires>? LIMIT 1", hash, now.UTC()))
}

// Activate consumes the verification code and marks the account active.
// It fails with ErrNotFound when the code was already used.
func (r *UserRepo) Activate(ctx context.Context, id uint64, hash string) error {
	return r.exec(ctx,
		"UPDATE users SET active='active', verify_token_hash=NULL, verify_token_expires=NULL WHERE id=? AND verify_token_hash=?",
		id, hash)
}

func (r *UserRepo) SetResetToken(ctx context.Context, id uint64, hash string, expires time.Time) error {
	return r.exec(ctx, "UPDATE users SET reset_token_hash=?, reset_token_expires=? WHERE id=?", hash, expires.UTC(), id)
}

// FindByResetToken returns the user holding an unexpired reset token.
func (r *UserRepo) FindByResetToken(ctx context.Context, hash string, now time.Time) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE reset_token_hash=? AND reset_token_expires>? LIMIT 1", hash, now.UTC()))
}

// ResetPassword consumes the reset token and stores the new hash in one
// statement.
func (r *UserRepo) ResetPassword(ctx context.Context, id uint64, tokenHash, passwordHash string, changedAt time.Time) error {
	return r.exec(ctx,
		`UPDATE users SET password_hash=?, password_changed_at=?, reset_token_hash=NULL, reset_token_expires=NULL,
			login_attempts=0, lock_until=NULL
		WHERE id=? AND reset_token_hash=?`,
		passwordHash, changedAt.UTC(), id, tokenHash)
}

func (r *UserRepo) UpdateAddresses(ctx context.Context, id uint64, addrs model.Addresses) error {
	return r.exec(ctx, "UPDATE users SET addresses=? WHERE id=?", addrs, id)
}

// exec runs a single-row UPDATE and maps "no row touched" to ErrNotFound.
func (r *UserRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

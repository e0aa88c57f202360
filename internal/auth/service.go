package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iliyamo/storefront-auth/internal/mail"
	"github.com/iliyamo/storefront-auth/internal/model"
	"github.com/iliyamo/storefront-auth/internal/repository"
	"github.com/iliyamo/storefront-auth/internal/token"
	"github.com/iliyamo/storefront-auth/internal/utils"
)

const (
	verifyCodeTTL = 24 * time.Hour
	resetTokenTTL = 10 * time.Minute
	mailTimeout   = 3 * time.Second
)

// Deps wires a Service.
type Deps struct {
	Users     UserStore
	Blacklist Blacklist
	Tokens    *token.Issuer
	Mailer    mail.Sender
	Log       zerolog.Logger

	Threshold  int
	LockFor    time.Duration
	BcryptCost int
	// PublicURL prefixes links placed in emails.
	PublicURL string
	Now       func() time.Time
	// OnLogin receives "success", "invalid", "locked", "banned" or "error".
	OnLogin func(result string)
}

// Service implements the account operations behind the /users routes.
type Service struct {
	users     UserStore
	blacklist Blacklist
	tokens    *token.Issuer
	mailer    mail.Sender
	log       zerolog.Logger
	guard     *Guard
	cost      int
	publicURL string
	now       func() time.Time
	onLogin   func(string)
}

func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.OnLogin == nil {
		d.OnLogin = func(string) {}
	}
	g := NewGuard(d.Users, d.Threshold, d.LockFor, d.BcryptCost)
	g.Now = d.Now
	return &Service{
		users:     d.Users,
		blacklist: d.Blacklist,
		tokens:    d.Tokens,
		mailer:    d.Mailer,
		log:       d.Log,
		guard:     g,
		cost:      d.BcryptCost,
		publicURL: strings.TrimRight(d.PublicURL, "/"),
		now:       d.Now,
		onLogin:   d.OnLogin,
	}
}

// Session is the outcome of any operation that logs the user in.
type Session struct {
	User    model.User
	Access  token.Token
	Refresh token.Token
	// PendingVerification is set when the account still waits for its
	// email code; a fresh code has been sent.
	PendingVerification bool
}

func (s *Service) newSession(u model.User) (Session, error) {
	access, err := s.tokens.IssueAccess(u.ID)
	if err != nil {
		return Session{}, err
	}
	refresh, err := s.tokens.IssueRefresh(u.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{User: u, Access: access, Refresh: refresh}, nil
}

// Login runs the lockout guard and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	if email == "" || password == "" {
		return Session{}, Validation("Please provide email and password")
	}
	if !utils.ValidEmail(email) {
		return Session{}, Validation("Invalid email address")
	}
	u, err := s.guard.Check(ctx, email, password)
	if err != nil {
		s.onLogin(loginResult(err))
		return Session{}, err
	}
	s.onLogin("success")

	sess, err := s.newSession(u)
	if err != nil {
		return Session{}, err
	}
	if u.Status == model.StatusVerify {
		if err := s.sendVerification(ctx, u); err != nil {
			return Session{}, err
		}
		sess.PendingVerification = true
	}
	return sess, nil
}

func loginResult(err error) string {
	switch {
	case errors.Is(err, ErrAccountLocked):
		return "locked"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid"
	case errors.Is(err, ErrForbidden):
		return "banned"
	case errors.Is(err, ErrValidation):
		return "invalid"
	}
	return "error"
}

// SignupInput is the signup form.
type SignupInput struct {
	Name            string
	Email           string
	Password        string
	PasswordConfirm string
}

// Signup creates a user in the verify state and emails a 6 digit code.
func (s *Service) Signup(ctx context.Context, in SignupInput) (Session, error) {
	in.Name = strings.TrimSpace(in.Name)
	if !utils.ValidEmail(in.Email) {
		return Session{}, Validation("Invalid email address")
	}
	if err := s.checkNewPassword(in.Password, in.PasswordConfirm); err != nil {
		return Session{}, err
	}
	hash, err := utils.HashPassword(in.Password, s.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	code, codeHash, expires, err := s.newVerifyCode()
	if err != nil {
		return Session{}, err
	}
	u := model.User{
		Name:               in.Name,
		Email:              in.Email,
		PasswordHash:       hash,
		Role:               model.RoleUser,
		Status:             model.StatusVerify,
		VerifyTokenHash:    &codeHash,
		VerifyTokenExpires: &expires,
		Addresses:          model.Addresses{},
	}
	id, err := s.users.Create(ctx, u)
	if errors.Is(err, repository.ErrEmailExists) {
		return Session{}, &Error{Kind: ErrConflict, Code: "EMAIL_TAKEN", Message: "This email is already registered."}
	}
	if err != nil {
		return Session{}, fmt.Errorf("create user: %w", err)
	}
	u.ID = id
	s.mailVerification(ctx, u, code)

	sess, err := s.newSession(u)
	if err != nil {
		return Session{}, err
	}
	sess.PendingVerification = true
	return sess, nil
}

func (s *Service) checkNewPassword(password, confirm string) error {
	if problem := utils.PasswordProblem(password); problem != "" {
		return Validation(problem)
	}
	if password != confirm {
		return Validation("Passwords do not match")
	}
	return nil
}

func (s *Service) newVerifyCode() (code, hash string, expires time.Time, err error) {
	code, err = utils.RandomDigits(6)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return code, utils.HashToken(code), s.now().Add(verifyCodeTTL), nil
}

func (s *Service) sendVerification(ctx context.Context, u model.User) error {
	code, hash, expires, err := s.newVerifyCode()
	if err != nil {
		return err
	}
	if err := s.users.SetVerifyToken(ctx, u.ID, hash, expires); err != nil {
		return fmt.Errorf("store verify code: %w", err)
	}
	s.mailVerification(ctx, u, code)
	return nil
}

func (s *Service) mailVerification(ctx context.Context, u model.User, code string) {
	s.sendMail(ctx, mail.Message{
		To:      u.Email,
		Subject: "Confirm your account",
		Body:    fmt.Sprintf("Your confirmation code is %s. Enter it at %s/verify within 24 hours.", code, s.publicURL),
	})
}

// sendMail never fails the caller.
func (s *Service) sendMail(ctx context.Context, msg mail.Message) {
	if s.mailer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mailTimeout)
	defer cancel()
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("to", msg.To).Str("subject", msg.Subject).Msg("send mail failed")
	}
}

// Verify consumes an email code and activates the account.
func (s *Service) Verify(ctx context.Context, code string) (Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Session{}, Validation("Verification code is invalid or has expired")
	}
	hash := utils.HashToken(code)
	u, err := s.users.FindByVerifyToken(ctx, hash, s.now())
	if err == nil {
		err = s.users.Activate(ctx, u.ID, hash)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return Session{}, Validation("Verification code is invalid or has expired")
	}
	if err != nil {
		return Session{}, fmt.Errorf("activate user: %w", err)
	}
	u.Status = model.StatusActive
	u.VerifyTokenHash, u.VerifyTokenExpires = nil, nil
	return s.newSession(u)
}

// ResendVerification mails a new code to a user still in the verify state.
func (s *Service) ResendVerification(ctx context.Context, userID uint64) error {
	u, err := s.users.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return NotFound("User not found")
	}
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}
	if u.Status != model.StatusVerify {
		return Validation("Account is already verified")
	}
	return s.sendVerification(ctx, u)
}

// ForgotPassword mails a reset link when the account exists. The answer is
// the same either way.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	if !utils.ValidEmail(email) {
		return Validation("Invalid email address")
	}
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.Error().Err(err).Msg("forgot password lookup")
		}
		return nil
	}
	if u.Status == model.StatusBan {
		return nil
	}
	raw, err := utils.RandomHex(32)
	if err != nil {
		return err
	}
	if err := s.users.SetResetToken(ctx, u.ID, utils.HashToken(raw), s.now().Add(resetTokenTTL)); err != nil {
		s.log.Error().Err(err).Uint64("user_id", u.ID).Msg("store reset token")
		return nil
	}
	s.sendMail(ctx, mail.Message{
		To:      u.Email,
		Subject: "Reset your password (valid for 10 minutes)",
		Body: fmt.Sprintf("Forgot your password? Your reset code is %s.\nSet a new password at %s/api/v1/users/resetPassword/%s\nIf this wasn't you, ignore this email.",
			raw, s.publicURL, raw),
	})
	return nil
}

var errBadResetToken = Validation("Token is invalid or has expired")

// CheckResetToken tells whether raw is a live reset token.
func (s *Service) CheckResetToken(ctx context.Context, raw string) error {
	if raw == "" {
		return errBadResetToken
	}
	_, err := s.users.FindByResetToken(ctx, utils.HashToken(raw), s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return errBadResetToken
	}
	return err
}

// ResetPassword consumes the reset token, sets the password and logs in.
func (s *Service) ResetPassword(ctx context.Context, raw, password, confirm string) (Session, error) {
	if raw == "" {
		return Session{}, errBadResetToken
	}
	hash := utils.HashToken(raw)
	u, err := s.users.FindByResetToken(ctx, hash, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return Session{}, errBadResetToken
	}
	if err != nil {
		return Session{}, fmt.Errorf("find reset token: %w", err)
	}
	if u.Status == model.StatusBan {
		return Session{}, Forbidden("Your account has been banned. Please contact an administrator.")
	}
	if err := s.checkNewPassword(password, confirm); err != nil {
		return Session{}, err
	}
	pwHash, err := utils.HashPassword(password, s.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	changedAt := s.changedAt()
	err = s.users.ResetPassword(ctx, u.ID, hash, pwHash, changedAt)
	if errors.Is(err, repository.ErrNotFound) {
		return Session{}, errBadResetToken
	}
	if err != nil {
		return Session{}, fmt.Errorf("reset password: %w", err)
	}
	u.PasswordHash, u.PasswordChangedAt = pwHash, &changedAt
	u.LoginAttempts, u.LockUntil = 0, nil
	return s.newSession(u)
}

// changedAt is backdated one second so a token issued right after the
// change is not rejected as stale.
func (s *Service) changedAt() time.Time { return s.now().Add(-time.Second) }

// UpdatePasswordInput is the change-password form of a logged in user.
type UpdatePasswordInput struct {
	User            model.User
	Current         string
	Password        string
	PasswordConfirm string
	// PresentedToken is the access token of the request; it is revoked.
	PresentedToken string
	IP             string
	UserAgent      string
}

func (s *Service) UpdatePassword(ctx context.Context, in UpdatePasswordInput) (Session, error) {
	u, err := s.users.FindByID(ctx, in.User.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return Session{}, Unauthenticated("The user belonging to this token no longer exists.")
	}
	if err != nil {
		return Session{}, fmt.Errorf("find user: %w", err)
	}
	if !utils.VerifyPassword(u.PasswordHash, in.Current) {
		return Session{}, Unauthenticated("Your current password is wrong.")
	}
	if err := s.checkNewPassword(in.Password, in.PasswordConfirm); err != nil {
		return Session{}, err
	}
	hash, err := utils.HashPassword(in.Password, s.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	changedAt := s.changedAt()
	if err := s.users.UpdatePassword(ctx, u.ID, hash, changedAt); err != nil {
		return Session{}, fmt.Errorf("update password: %w", err)
	}
	s.revoke(ctx, in.PresentedToken, model.ReasonPasswordChanged, in.IP, in.UserAgent)
	u.PasswordHash, u.PasswordChangedAt = hash, &changedAt
	return s.newSession(u)
}

// Authenticate runs the token checks of a protected request: signature and
// expiry, blacklist, user existence, ban, and password change after issue.
func (s *Service) Authenticate(ctx context.Context, raw string) (model.User, token.Claims, error) {
	claims, err := s.tokens.VerifyAccess(raw)
	if err != nil {
		return model.User{}, token.Claims{}, tokenError(err)
	}
	if s.blacklist.IsRevoked(ctx, raw) {
		return model.User{}, claims, Unauthenticated("Token has been revoked. Please log in again.")
	}
	u, err := s.users.FindByID(ctx, claims.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.User{}, claims, Unauthenticated("The user belonging to this token no longer exists.")
	}
	if err != nil {
		return model.User{}, claims, fmt.Errorf("find user: %w", err)
	}
	if u.Status == model.StatusBan {
		return model.User{}, claims, Forbidden("Your account has been banned. Please contact an administrator.")
	}
	if u.ChangedPasswordAfter(claims.IssuedAt) {
		return model.User{}, claims, Unauthenticated("Password was changed recently. Please log in again.")
	}
	return u, claims, nil
}

func tokenError(err error) *Error {
	if errors.Is(err, token.ErrTokenExpired) {
		return &Error{Kind: ErrTokenExpired, Message: "Your token has expired. Please log in again."}
	}
	return &Error{Kind: ErrInvalidToken, Message: "Invalid token. Please log in again."}
}

// Refresh mints a new access token from a refresh token. The refresh token
// itself is not rotated.
func (s *Service) Refresh(ctx context.Context, raw string) (model.User, token.Token, error) {
	if raw == "" {
		return model.User{}, token.Token{}, Unauthenticated("Refresh token not found. Please login again.")
	}
	claims, err := s.tokens.VerifyRefresh(raw)
	if err != nil {
		e := tokenError(err)
		e.Message = "Refresh token invalid or expired. Please login again."
		return model.User{}, token.Token{}, e
	}
	if s.blacklist.IsRevoked(ctx, raw) {
		return model.User{}, token.Token{}, Unauthenticated("Refresh token has been revoked. Please login again.")
	}
	u, err := s.users.FindByID(ctx, claims.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.User{}, token.Token{}, NotFound("User not found")
	}
	if err != nil {
		return model.User{}, token.Token{}, fmt.Errorf("find user: %w", err)
	}
	if u.Status == model.StatusBan {
		return model.User{}, token.Token{}, Forbidden("Account has been banned")
	}
	if u.ChangedPasswordAfter(claims.IssuedAt) {
		return model.User{}, token.Token{}, Unauthenticated("Password was changed recently. Please login again.")
	}
	access, err := s.tokens.IssueAccess(u.ID)
	if err != nil {
		return model.User{}, token.Token{}, err
	}
	return u, access, nil
}

// LogoutInput carries whatever the client still holds.
type LogoutInput struct {
	AccessToken  string
	RefreshToken string
	IP           string
	UserAgent    string
}

// Logout blacklists the presented tokens, expired or not. It never fails.
func (s *Service) Logout(ctx context.Context, in LogoutInput) {
	s.revoke(ctx, in.AccessToken, model.ReasonUserLogout, in.IP, in.UserAgent)
	s.revoke(ctx, in.RefreshToken, model.ReasonUserLogout, in.IP, in.UserAgent)
}

// revoke blacklists raw when it is a genuine token, expired or not.
func (s *Service) revoke(ctx context.Context, raw string, reason model.RevokeReason, ip, ua string) {
	if raw == "" {
		return
	}
	if err := s.RevokeToken(ctx, raw, reason, ip, ua); err != nil {
		s.log.Warn().Err(err).Str("reason", string(reason)).Msg("revoke token failed")
	}
}

// RevokeToken blacklists raw until its own expiry. Only tokens carrying our
// signature are stored, and never for longer than a refresh token lives.
func (s *Service) RevokeToken(ctx context.Context, raw string, reason model.RevokeReason, ip, ua string) error {
	claims, err := s.tokens.Inspect(raw)
	if err != nil {
		return Validation("Token is not a valid token of this service")
	}
	expires := claims.ExpiresAt
	if limit := s.now().Add(s.tokens.RefreshTTL()); expires.After(limit) {
		expires = limit
	}
	return s.blacklist.Revoke(ctx, model.RevokedToken{
		TokenHash: utils.HashToken(raw),
		UserID:    claims.UserID,
		Reason:    reason,
		ExpiresAt: expires,
		CreatedAt: s.now().UTC(),
		IP:        ip,
		UserAgent: ua,
	})
}

// Revocations lists the live blacklist entries of a user.
func (s *Service) Revocations(ctx context.Context, userID uint64, limit int) ([]model.RevokedToken, error) {
	return s.blacklist.History(ctx, userID, limit)
}

// ChangeState sets the lifecycle state of a user.
func (s *Service) ChangeState(ctx context.Context, userID uint64, status model.Status) (model.User, error) {
	err := s.users.SetStatus(ctx, userID, status)
	if errors.Is(err, repository.ErrNotFound) {
		return model.User{}, NotFound("User not found")
	}
	if err != nil {
		return model.User{}, fmt.Errorf("set status: %w", err)
	}
	return s.users.FindByID(ctx, userID)
}

// Unlock clears the failed login counter and any lock.
func (s *Service) Unlock(ctx context.Context, userID uint64) error {
	err := s.users.ResetFailedAttempts(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return NotFound("User not found")
	}
	return err
}

// DeleteMe bans the caller's own account and revokes the presented token.
func (s *Service) DeleteMe(ctx context.Context, u model.User, presented, ip, ua string) error {
	if err := s.users.SetStatus(ctx, u.ID, model.StatusBan); err != nil {
		return fmt.Errorf("ban self: %w", err)
	}
	s.revoke(ctx, presented, model.ReasonUserLogout, ip, ua)
	return nil
}

// AddressInput is the address form.
type AddressInput struct {
	ID         string
	Name       string
	Phone      string
	Country    string
	Province   string
	Ward       string
	Detail     string
	SetDefault bool
}

func (in AddressInput) address() model.Address {
	return model.Address{
		ID: in.ID, Name: strings.TrimSpace(in.Name), Phone: strings.TrimSpace(in.Phone),
		Country: in.Country, Province: in.Province, Ward: in.Ward, Detail: in.Detail, SetDefault: in.SetDefault,
	}
}

// editAddresses reloads the user, applies fn and stores the result.
func (s *Service) editAddresses(ctx context.Context, userID uint64, fn func(model.Addresses) (model.Addresses, error)) (model.Addresses, error) {
	u, err := s.users.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFound("User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	addrs, err := fn(append(model.Addresses(nil), u.Addresses...))
	if errors.Is(err, model.ErrAddressNotFound) {
		return nil, NotFound("Address not found")
	}
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdateAddresses(ctx, userID, addrs); err != nil {
		return nil, fmt.Errorf("save addresses: %w", err)
	}
	return addrs, nil
}

func (s *Service) AddAddress(ctx context.Context, userID uint64, in AddressInput) (model.Addresses, error) {
	if strings.TrimSpace(in.Detail) == "" || strings.TrimSpace(in.Phone) == "" {
		return nil, Validation("Address detail and phone are required")
	}
	in.ID = uuid.NewString()
	return s.editAddresses(ctx, userID, func(a model.Addresses) (model.Addresses, error) {
		return a.Add(in.address()), nil
	})
}

func (s *Service) UpdateAddress(ctx context.Context, userID uint64, in AddressInput) (model.Addresses, error) {
	if in.ID == "" {
		return nil, Validation("Please choose an address")
	}
	return s.editAddresses(ctx, userID, func(a model.Addresses) (model.Addresses, error) {
		return a.Update(in.address())
	})
}

func (s *Service) DeleteAddress(ctx context.Context, userID uint64, id string) (model.Addresses, error) {
	if id == "" {
		return nil, Validation("Please choose an address")
	}
	return s.editAddresses(ctx, userID, func(a model.Addresses) (model.Addresses, error) {
		return a.Delete(id)
	})
}

func (s *Service) SetDefaultAddress(ctx context.Context, userID uint64, id string) (model.Addresses, error) {
	if id == "" {
		return nil, Validation("Please choose an address")
	}
	return s.editAddresses(ctx, userID, func(a model.Addresses) (model.Addresses, error) {
		return a.SetDefault(id)
	})
}

package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/storefront-auth/internal/auth"
	"github.com/iliyamo/storefront-auth/internal/middleware"
	"github.com/iliyamo/storefront-auth/internal/model"
	"github.com/iliyamo/storefront-auth/internal/permission"
)

const requestTimeout = 5 * time.Second

// UsersHandler serves /api/v1/users.
type UsersHandler struct {
	Svc     *auth.Service
	Cookies middleware.CookiePolicy
	Perms   *permission.Table
}

func NewUsersHandler(svc *auth.Service, cookies middleware.CookiePolicy, perms *permission.Table) *UsersHandler {
	if svc == nil || perms == nil {
		panic("nil dependency passed to NewUsersHandler")
	}
	return &UsersHandler{Svc: svc, Cookies: cookies, Perms: perms}
}

// ----- DTOs -----

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type signupReq struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
}
type codeReq struct {
	Code  string `json:"code"`
	Token string `json:"token"`
}
type emailReq struct {
	Email string `json:"email"`
}
type newPasswordReq struct {
	PasswordCurrent string `json:"passwordCurrent"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
}
type addressReq struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Country    string `json:"country"`
	Province   string `json:"province"`
	Ward       string `json:"ward"`
	Detail     string `json:"detail"`
	SetDefault bool   `json:"setDefault"`
}
type stateReq struct {
	State string `json:"state"`
}
type revokeReq struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

func (r addressReq) input() auth.AddressInput {
	return auth.AddressInput{
		ID: r.ID, Name: r.Name, Phone: r.Phone, Country: r.Country,
		Province: r.Province, Ward: r.Ward, Detail: r.Detail, SetDefault: r.SetDefault,
	}
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return auth.Validation("Invalid request body")
	}
	return nil
}

func reqCtx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}

// current returns the identity Protect resolved. Routes using it are always
// behind Protect.
func current(c echo.Context) (model.User, error) {
	u, ok := middleware.UserFrom(c)
	if !ok {
		return model.User{}, auth.Unauthenticated("You are not logged in! Please log in to get access.")
	}
	return u, nil
}

func pathID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, auth.Validation("Invalid user id")
	}
	return id, nil
}

// sendSession sets both token cookies and returns the access token and user.
// The refresh token only travels in its HttpOnly cookie.
func (h *UsersHandler) sendSession(c echo.Context, status int, sess auth.Session, message string) error {
	h.Cookies.SetAccess(c, sess.Access.Raw, sess.Access.ExpiresAt)
	h.Cookies.SetRefresh(c, sess.Refresh.Raw, sess.Refresh.ExpiresAt)
	middleware.SetIdentity(c, sess.User, sess.Access.Raw)
	body := echo.Map{
		"status":      "success",
		"accessToken": sess.Access.Raw,
		"data":        echo.Map{"user": sess.User},
	}
	if message != "" {
		body["message"] = message
	}
	return c.JSON(status, body)
}

func success(c echo.Context, status int, message string) error {
	return c.JSON(status, echo.Map{"status": "success", "message": message})
}

// ----- public -----

func (h *UsersHandler) Signup(c echo.Context) error {
	var req signupReq
	if err := bind(c, &req); err != nil {
		return err
	}
	middleware.AuditDetails(c, map[string]any{"email": req.Email, "name": req.Name})
	ctx, cancel := reqCtx(c)
	defer cancel()

	sess, err := h.Svc.Signup(ctx, auth.SignupInput{
		Name: req.Name, Email: req.Email, Password: req.Password, PasswordConfirm: req.PasswordConfirm,
	})
	if err != nil {
		return err
	}
	return h.sendSession(c, http.StatusCreated, sess, "Token sent to email!")
}

func (h *UsersHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bind(c, &req); err != nil {
		return err
	}
	middleware.AuditDetails(c, map[string]any{"email": req.Email})
	ctx, cancel := reqCtx(c)
	defer cancel()

	sess, err := h.Svc.Login(ctx, req.Email, req.Password)
	if err != nil {
		return err
	}
	if sess.PendingVerification {
		return h.sendSession(c, http.StatusCreated, sess, "Please verify your account. A new code was sent to your email.")
	}
	return h.sendSession(c, http.StatusOK, sess, "")
}

func (h *UsersHandler) Verify(c echo.Context) error {
	var req codeReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	sess, err := h.Svc.Verify(ctx, req.Code)
	if err != nil {
		return err
	}
	return h.sendSession(c, http.StatusOK, sess, "Account verified")
}

// RefreshToken reads the refresh token from its cookie only.
func (h *UsersHandler) RefreshToken(c echo.Context) error {
	raw := ""
	if ck, err := c.Cookie(middleware.RefreshCookie); err == nil {
		raw = ck.Value
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	_, access, err := h.Svc.Refresh(ctx, raw)
	if err != nil {
		return err
	}
	h.Cookies.SetAccess(c, access.Raw, access.ExpiresAt)
	return c.JSON(http.StatusOK, echo.Map{
		"status":      "success",
		"accessToken": access.Raw,
		"message":     "Access token refreshed successfully",
	})
}

func (h *UsersHandler) ForgotPassword(c echo.Context) error {
	var req emailReq
	if err := bind(c, &req); err != nil {
		return err
	}
	middleware.AuditDetails(c, map[string]any{"email": req.Email})
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Svc.ForgotPassword(ctx, req.Email); err != nil {
		return err
	}
	return success(c, http.StatusOK, "If that email is registered, a reset link has been sent.")
}

func (h *UsersHandler) VerifyResetPass(c echo.Context) error {
	var req codeReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Svc.CheckResetToken(ctx, req.Token); err != nil {
		return err
	}
	return success(c, http.StatusOK, "Token is valid")
}

func (h *UsersHandler) ResetPassword(c echo.Context) error {
	var req newPasswordReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	sess, err := h.Svc.ResetPassword(ctx, c.Param("token"), req.Password, req.PasswordConfirm)
	if err != nil {
		return err
	}
	return h.sendSession(c, http.StatusOK, sess, "Password has been reset")
}

// Logout runs under IsLoggedIn. Whatever tokens the client still presents,
// valid or not, are blacklisted and the cookies cleared.
func (h *UsersHandler) Logout(c echo.Context) error {
	in := auth.LogoutInput{
		AccessToken: middleware.BearerToken(c),
		IP:          c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
	}
	if ck, err := c.Cookie(middleware.RefreshCookie); err == nil {
		in.RefreshToken = ck.Value
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	h.Svc.Logout(ctx, in)
	h.Cookies.Clear(c)
	return success(c, http.StatusOK, "Logged out successfully")
}

// ----- protected -----

func (h *UsersHandler) Me(c echo.Context) error {
	u, err := current(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "success", "data": echo.Map{"user": u}})
}

func (h *UsersHandler) UpdateMyPassword(c echo.Context) error {
	u, err := current(c)
	if err != nil {
		return err
	}
	var req newPasswordReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	sess, err := h.Svc.UpdatePassword(ctx, auth.UpdatePasswordInput{
		User:            u,
		Current:         req.PasswordCurrent,
		Password:        req.Password,
		PasswordConfirm: req.PasswordConfirm,
		PresentedToken:  middleware.TokenFrom(c),
		IP:              c.RealIP(),
		UserAgent:       c.Request().UserAgent(),
	})
	if err != nil {
		return err
	}
	return h.sendSession(c, http.StatusOK, sess, "Password updated")
}

func (h *UsersHandler) DeleteMe(c echo.Context) error {
	u, err := current(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Svc.DeleteMe(ctx, u, middleware.TokenFrom(c), c.RealIP(), c.Request().UserAgent()); err != nil {
		return err
	}
	h.Cookies.Clear(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *UsersHandler) ResendVerify(c echo.Context) error {
	u, err := current(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Svc.ResendVerification(ctx, u.ID); err != nil {
		return err
	}
	return success(c, http.StatusOK, "Token sent to email!")
}

func (h *UsersHandler) MyPermissions(c echo.Context) error {
	u, err := current(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status": "success",
		"data": echo.Map{
			"role":        u.Role,
			"isAdmin":     permission.IsAdminRole(u.Role),
			"permissions": h.Perms.RolePermissions(u.Role),
		},
	})
}

// ----- addresses -----

func addresses(c echo.Context, a model.Addresses) error {
	if a == nil {
		a = model.Addresses{}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "success", "data": echo.Map{"address": a}})
}

func (h *UsersHandler) MyAddresses(c echo.Context) error {
	u, err := current(c)
	if err != nil {
		return err
	}
	return addresses(c, u.Addresses)
}

type addressOp func(ctx context.Context, userID uint64, in addressReq) (model.Addresses, error)

func (h *UsersHandler) editAddress(op addressOp) echo.HandlerFunc {
	return func(c echo.Context) error {
		u, err := current(c)
		if err != nil {
			return err
		}
		var req addressReq
		if err := bind(c, &req); err != nil {
			return err
		}
		ctx, cancel := reqCtx(c)
		defer cancel()

		a, err := op(ctx, u.ID, req)
		if err != nil {
			return err
		}
		return addresses(c, a)
	}
}

func (h *UsersHandler) CreateAddress() echo.HandlerFunc {
	return h.editAddress(func(ctx context.Context, id uint64, r addressReq) (model.Addresses, error) {
		return h.Svc.AddAddress(ctx, id, r.input())
	})
}

func (h *UsersHandler) UpdateAddress() echo.HandlerFunc {
	return h.editAddress(func(ctx context.Context, id uint64, r addressReq) (model.Addresses, error) {
		return h.Svc.UpdateAddress(ctx, id, r.input())
	})
}

func (h *UsersHandler) SetDefaultAddress() echo.HandlerFunc {
	return h.editAddress(func(ctx context.Context, id uint64, r addressReq) (model.Addresses, error) {
		return h.Svc.SetDefaultAddress(ctx, id, r.ID)
	})
}

func (h *UsersHandler) DeleteAddress() echo.HandlerFunc {
	return h.editAddress(func(ctx context.Context, id uint64, r addressReq) (model.Addresses, error) {
		return h.Svc.DeleteAddress(ctx, id, r.ID)
	})
}

// ----- administration -----

func (h *UsersHandler) ChangeState(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req stateReq
	if err := bind(c, &req); err != nil {
		return err
	}
	status, err := model.ParseStatus(req.State)
	if err != nil {
		return auth.Validation("State must be one of active, verify, ban")
	}
	middleware.AuditDetails(c, map[string]any{"state": req.State})
	ctx, cancel := reqCtx(c)
	defer cancel()

	u, err := h.Svc.ChangeState(ctx, id, status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "success", "data": echo.Map{"user": u}, "message": "User state updated"})
}

func (h *UsersHandler) Unlock(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Svc.Unlock(ctx, id); err != nil {
		return err
	}
	return success(c, http.StatusOK, "Account unlocked")
}

func (h *UsersHandler) Revocations(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	ctx, cancel := reqCtx(c)
	defer cancel()

	list, err := h.Svc.Revocations(ctx, id, limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []model.RevokedToken{}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "success", "results": len(list), "data": echo.Map{"revocations": list}})
}

// Revoke blacklists an arbitrary token on behalf of an administrator.
func (h *UsersHandler) Revoke(c echo.Context) error {
	var req revokeReq
	if err := bind(c, &req); err != nil {
		return err
	}
	reason := model.ReasonAdminRevoke
	if req.Reason != "" {
		r, ok := model.ParseRevokeReason(req.Reason)
		if !ok {
			return auth.Validation("Unknown revoke reason")
		}
		reason = r
	}
	if req.Token == "" {
		return auth.Validation("Please provide the token to revoke")
	}
	middleware.AuditDetails(c, map[string]any{"reason": string(reason)})
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Svc.RevokeToken(ctx, req.Token, reason, c.RealIP(), c.Request().UserAgent()); err != nil {
		return err
	}
	return success(c, http.StatusOK, "Token revoked")
}

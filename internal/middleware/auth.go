package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/storefront-auth/internal/auth"
	"github.com/iliyamo/storefront-auth/internal/model"
	"github.com/iliyamo/storefront-auth/internal/token"
)

// AccessCookie and RefreshCookie are the cookie names tokens travel in.
const (
	AccessCookie  = "jwt"
	RefreshCookie = "refreshToken"
)

const authTimeout = 5 * time.Second

// TokenAuthenticator resolves a raw access token to a live user.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, raw string) (model.User, token.Claims, error)
}

// Authenticator builds the Protect and IsLoggedIn middleware.
type Authenticator struct {
	Tokens  TokenAuthenticator
	Cookies CookiePolicy
	Log     zerolog.Logger
}

// BearerToken extracts the access token from the Authorization header,
// falling back to the jwt cookie. Placeholder values some clients send for
// an empty cookie count as absent.
func BearerToken(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		if raw := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); usable(raw) {
			return raw
		}
	}
	if ck, err := c.Cookie(AccessCookie); err == nil && usable(ck.Value) {
		return ck.Value
	}
	return ""
}

func usable(raw string) bool {
	return raw != "" && raw != "undefined" && raw != "null"
}

// Protect rejects the request unless it carries a valid, unrevoked access
// token of an existing, unbanned user whose password has not changed since
// the token was issued.
func (a *Authenticator) Protect() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := BearerToken(c)
			if raw == "" {
				return auth.Unauthenticated("You are not logged in! Please log in to get access.")
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), authTimeout)
			defer cancel()

			u, claims, err := a.Tokens.Authenticate(ctx, raw)
			if err != nil {
				a.logFailure(c, claims, err)
				return err
			}
			SetIdentity(c, u, raw)
			return next(c)
		}
	}
}

// IsLoggedIn resolves the identity when it can and never fails the request.
// A banned user's access cookie is cleared.
func (a *Authenticator) IsLoggedIn() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := BearerToken(c)
			if raw == "" {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), authTimeout)
			u, _, err := a.Tokens.Authenticate(ctx, raw)
			cancel()
			switch {
			case err == nil:
				SetIdentity(c, u, raw)
			case errors.Is(err, auth.ErrForbidden):
				a.Cookies.clear(c, AccessCookie)
			}
			return next(c)
		}
	}
}

func (a *Authenticator) logFailure(c echo.Context, claims token.Claims, err error) {
	kind := "unauthenticated"
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		kind = "expired"
	case errors.Is(err, auth.ErrInvalidToken):
		kind = "invalid"
	case errors.Is(err, auth.ErrForbidden):
		kind = "banned"
	case auth.StatusOf(err) >= 500:
		kind = "error"
	}
	ev := a.Log.Info()
	if kind == "error" {
		ev = a.Log.Error().Err(err)
	}
	ev.Str("kind", kind).Uint64("user_id", claims.UserID).Str("ip", c.RealIP()).
		Str("path", c.Request().URL.Path).Msg("protect rejected request")
}

package middleware

// identity.go holds the accessors for the authenticated user that Protect
// and IsLoggedIn leave behind. Handlers and later middleware read it through
// UserFrom, never through raw context keys.

import (
	"context"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/storefront-auth/internal/model"
)

const (
	userKey  = "auth.user"
	tokenKey = "auth.token"
)

type ctxKey struct{ name string }

var userCtxKey = ctxKey{"user"}

// SetIdentity attaches the user and the token it was resolved from to both
// the echo context and the request context.
func SetIdentity(c echo.Context, u model.User, raw string) {
	c.Set(userKey, u)
	c.Set(tokenKey, raw)
	r := c.Request()
	c.SetRequest(r.WithContext(context.WithValue(r.Context(), userCtxKey, u)))
}

// UserFrom returns the authenticated user, if any.
func UserFrom(c echo.Context) (model.User, bool) {
	u, ok := c.Get(userKey).(model.User)
	return u, ok
}

// TokenFrom returns the raw access token the identity came from.
func TokenFrom(c echo.Context) string {
	s, _ := c.Get(tokenKey).(string)
	return s
}

// UserFromContext is UserFrom for code that only holds a context.Context.
func UserFromContext(ctx context.Context) (model.User, bool) {
	u, ok := ctx.Value(userCtxKey).(model.User)
	return u, ok
}

// userID is the rate limit and log identifier of the caller, "guest" when
// nobody is logged in.
func userID(c echo.Context) string {
	if u, ok := UserFrom(c); ok {
		return strconv.FormatUint(u.ID, 10)
	}
	return "guest"
}

package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/storefront-auth/internal/auth"
	"github.com/iliyamo/storefront-auth/internal/model"
	"github.com/iliyamo/storefront-auth/internal/permission"
)

// RequireRole lets the request through only when Protect resolved a user
// whose role is one of roles. A missing identity is treated as not allowed.
func RequireRole(roles ...model.Role) echo.MiddlewareFunc {
	allowed := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			u, ok := UserFrom(c)
			if !ok || !allowed[u.Role] {
				return auth.Forbidden("You do not have permission to perform this action")
			}
			return next(c)
		}
	}
}

// RequirePermission checks the permission table for the caller's role.
func RequirePermission(t *permission.Table, res permission.Resource, action permission.Action) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			u, ok := UserFrom(c)
			if !ok {
				return auth.Unauthenticated("You are not logged in! Please log in to get access.")
			}
			if !t.HasPermission(u.Role, res, action) {
				return &auth.Error{
					Kind:    auth.ErrForbidden,
					Message: "You do not have permission to " + string(action) + " " + string(res),
					Fields:  map[string]any{"required": string(res) + ":" + string(action)},
				}
			}
			return next(c)
		}
	}
}

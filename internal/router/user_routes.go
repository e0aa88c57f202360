package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/storefront-auth/internal/middleware"
	"github.com/iliyamo/storefront-auth/internal/model"
)

// registerUsers mounts /users. Guards are attached per route so unknown
// paths under /users still answer 404.
func registerUsers(api *echo.Group, d Deps) {
	u := d.Users
	g := api.Group("/users")
	protect := d.Auth.Protect()

	// no session needed
	g.POST("/signup", u.Signup)
	g.POST("/login", u.Login)
	g.POST("/verify", u.Verify)
	g.POST("/refreshToken", u.RefreshToken)
	g.POST("/forgotPassword", u.ForgotPassword)
	g.POST("/verifyResetPass", u.VerifyResetPass)
	g.PATCH("/resetPassword/:token", u.ResetPassword)

	g.POST("/logout", u.Logout, d.Auth.IsLoggedIn())

	// own account
	g.GET("/me", u.Me, protect)
	g.PATCH("/updateMyPassword", u.UpdateMyPassword, protect)
	g.DELETE("/deleteMe", u.DeleteMe, protect)
	g.POST("/resendVerify", u.ResendVerify, protect)
	g.GET("/me/permissions", u.MyPermissions, protect)
	g.GET("/me/address", u.MyAddresses, protect)
	g.PATCH("/createAddress", u.CreateAddress(), protect)
	g.PATCH("/updateAddress", u.UpdateAddress(), protect)
	g.PATCH("/setDefaultAddress", u.SetDefaultAddress(), protect)
	g.PATCH("/deleteAddress", u.DeleteAddress(), protect)

	// administration
	superAdmin := middleware.RequireRole(model.RoleSuperAdmin)
	g.PATCH("/:id/state", u.ChangeState, protect, superAdmin)
	g.PATCH("/:id/unlock", u.Unlock, protect, middleware.RequireRole(model.RoleSuperAdmin, model.RoleAdmin))
	g.GET("/:id/revocations", u.Revocations, protect, superAdmin)
	g.POST("/revoke", u.Revoke, protect, superAdmin)
}

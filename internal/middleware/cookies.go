package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// CookiePolicy holds the attributes shared by the token cookies. Clearing a
// cookie must repeat them exactly or browsers keep the old one.
type CookiePolicy struct {
	Secure   bool
	SameSite http.SameSite
}

// NewCookiePolicy is Secure and SameSite=Strict in production, Lax otherwise.
func NewCookiePolicy(production bool) CookiePolicy {
	if production {
		return CookiePolicy{Secure: true, SameSite: http.SameSiteStrictMode}
	}
	return CookiePolicy{SameSite: http.SameSiteLaxMode}
}

func (p CookiePolicy) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.SameSite,
	}
}

// SetAccess sets the jwt cookie.
func (p CookiePolicy) SetAccess(c echo.Context, raw string, expires time.Time) {
	c.SetCookie(p.cookie(AccessCookie, raw, expires))
}

// SetRefresh sets the refreshToken cookie.
func (p CookiePolicy) SetRefresh(c echo.Context, raw string, expires time.Time) {
	c.SetCookie(p.cookie(RefreshCookie, raw, expires))
}

// Clear expires both token cookies.
func (p CookiePolicy) Clear(c echo.Context) {
	p.clear(c, AccessCookie)
	p.clear(c, RefreshCookie)
}

func (p CookiePolicy) clear(c echo.Context, name string) {
	ck := p.cookie(name, "", time.Unix(0, 0))
	ck.MaxAge = -1
	c.SetCookie(ck)
}

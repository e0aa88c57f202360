// Package router assembles the echo instance: the global middleware chain
// and every route with its guards.
package router

import (
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/storefront-auth/internal/config"
	"github.com/iliyamo/storefront-auth/internal/handler"
	"github.com/iliyamo/storefront-auth/internal/metrics"
	"github.com/iliyamo/storefront-auth/internal/middleware"
	"github.com/iliyamo/storefront-auth/internal/permission"
	"github.com/iliyamo/storefront-auth/internal/token"
	"github.com/iliyamo/storefront-auth/internal/webhook"
)

// Deps is everything the routes need.
type Deps struct {
	Users  *handler.UsersHandler
	Audit  *handler.AuditHandler
	Health *handler.Health
	Auth   *middleware.Authenticator
	Perms  *permission.Table
	Tokens *token.Issuer

	Metrics        *metrics.Metrics
	Recorder       middleware.Recorder
	AuditRetention time.Duration
	RateLimit      config.RateLimitConfig
	Redis          *redis.Client
	WebhookKey     string
	Log            zerolog.Logger
}

var unaudited = []string{"/healthz", "/readyz", "/metrics"}

// New builds the server. Middleware order, outermost first: recover,
// request id, request log, metrics, audit; then per route: rate limit,
// Protect or IsLoggedIn, role or permission guard.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(d.Log)

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLog(d.Log))
	if d.Metrics != nil {
		e.Use(d.Metrics.Middleware())
	}
	e.Use(middleware.Audit(middleware.AuditConfig{
		Recorder:  d.Recorder,
		Retention: d.AuditRetention,
		Skip:      unaudited,
	}))

	e.GET("/healthz", d.Health.Live)
	e.GET("/readyz", d.Health.Ready)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))
	}

	var limitOpts []middleware.BucketOption
	if d.Tokens != nil {
		limitOpts = append(limitOpts, middleware.WithAccessTokens(d.Tokens))
	}
	api := e.Group("/api/v1", middleware.NewTokenBucket(d.RateLimit, d.Redis, d.Log, limitOpts...))
	registerUsers(api, d)
	if d.Audit != nil {
		api.GET("/audit-logs", d.Audit.List,
			d.Auth.Protect(), middleware.RequirePermission(d.Perms, "users", permission.ActionManageRoles))
	}
	api.POST("/payment/payos/webhook", handler.PaymentWebhook(d.Log), webhook.RequireSignature(d.WebhookKey, d.Log))
	return e
}

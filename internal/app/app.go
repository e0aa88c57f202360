// Package app wires the service together and owns its lifecycle.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/iliyamo/storefront-auth/internal/audit"
	"github.com/iliyamo/storefront-auth/internal/auth"
	"github.com/iliyamo/storefront-auth/internal/config"
	"github.com/iliyamo/storefront-auth/internal/database"
	"github.com/iliyamo/storefront-auth/internal/handler"
	"github.com/iliyamo/storefront-auth/internal/mail"
	"github.com/iliyamo/storefront-auth/internal/metrics"
	"github.com/iliyamo/storefront-auth/internal/middleware"
	"github.com/iliyamo/storefront-auth/internal/model"
	"github.com/iliyamo/storefront-auth/internal/permission"
	"github.com/iliyamo/storefront-auth/internal/queue"
	"github.com/iliyamo/storefront-auth/internal/repository"
	"github.com/iliyamo/storefront-auth/internal/router"
	"github.com/iliyamo/storefront-auth/internal/token"
	pkglog "github.com/iliyamo/storefront-auth/pkg/log"
)

type App struct {
	cfg    config.Config
	logger pkglog.Logger

	db        *sql.DB
	rdb       *redis.Client
	mongo     *mongo.Client
	publisher *queue.Publisher
	audit     *audit.Dispatcher
	echo      *echo.Echo

	// stops the audit consumer
	cancel context.CancelFunc
}

func New(ctx context.Context) (*App, error) {
	cfg := config.MustLoad()
	logger := pkglog.New(cfg.Env)
	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	db, err := database.Open(cfg)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	a.db = db
	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Revocation checks cannot run without Redis.
	rdb, err := config.NewRedisClient(cfg.Redis)
	a.rdb = rdb
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	mc, err := database.OpenMongo(cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("open mongo: %w", err)
	}
	a.mongo = mc
	auditRepo := repository.NewAuditRepo(mc.Database(cfg.MongoDB))
	if err := auditRepo.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("audit indexes: %w", err)
	}

	m := metrics.New()

	var (
		sink   audit.Sink  = audit.SinkFunc(auditRepo.Insert)
		mailer mail.Sender = mail.LogSender{Log: logger}
	)
	pub := queue.NewPublisher(cfg.AMQPURL, logger)
	if err := pub.Connect(); err != nil {
		logger.Warn().Err(err).Msg("amqp unavailable: audit entries are written directly and mail is only logged")
	} else {
		a.publisher = pub
		mailer = mail.QueueSender{Pub: pub}
		if cfg.AuditTransport == "amqp" {
			sink = audit.SinkFunc(func(ctx context.Context, e model.AuditEntry) error {
				return pub.Publish(ctx, queue.AuditQueue, e)
			})
			consumerCtx, cancel := context.WithCancel(context.Background())
			a.cancel = cancel
			go func() {
				if err := queue.StartAuditConsumer(consumerCtx, cfg.AMQPURL, auditRepo.Insert, logger); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("audit consumer stopped")
				}
			}()
		}
	}

	a.audit = audit.NewDispatcher(audit.Config{
		BufferSize: cfg.AuditBufferSize,
		Log:        logger,
		OnDrop:     func() { m.AuditDropped.Inc() },
		OnFail:     func(error) { m.AuditFailures.Inc() },
	}, sink)

	blacklist := repository.NewBlacklistRepo(rdb, cfg.BlacklistTimeout, logger)
	blacklist.OnCheckError = func(error) { m.BlacklistErrors.Inc() }

	tokens := token.NewIssuer(cfg.JWTSecret, cfg.RefreshSecret(), cfg.AccessTTL, cfg.RefreshTTL, token.WithIssuer(cfg.JWTIssuer))
	svc := auth.NewService(auth.Deps{
		Users:      repository.NewUserRepo(db),
		Blacklist:  blacklist,
		Tokens:     tokens,
		Mailer:     mailer,
		Log:        logger,
		Threshold:  cfg.LockoutThreshold,
		LockFor:    cfg.LockoutDuration,
		BcryptCost: cfg.BcryptCost,
		PublicURL:  cfg.PublicURL,
		OnLogin:    func(result string) { m.LoginAttempts.WithLabelValues(result).Inc() },
	})

	perms, err := loadPermissions(cfg.PermissionsFile)
	if err != nil {
		return err
	}

	if cfg.WebhookChecksumKey == "" {
		logger.Warn().Msg("PAYOS_CHECKSUM_KEY is empty: payment webhooks will be refused")
	}

	cookies := middleware.NewCookiePolicy(cfg.IsProduction())
	a.echo = router.New(router.Deps{
		Users:  handler.NewUsersHandler(svc, cookies, perms),
		Audit:  &handler.AuditHandler{Audit: auditRepo},
		Health: &handler.Health{Checks: map[string]handler.Check{
			"mysql": db.PingContext,
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"mongo": func(ctx context.Context) error { return mc.Ping(ctx, readpref.Primary()) },
		}},
		Auth:           &middleware.Authenticator{Tokens: svc, Cookies: cookies, Log: logger},
		Perms:          perms,
		Tokens:         tokens,
		Metrics:        m,
		Recorder:       a.audit,
		AuditRetention: cfg.AuditRetention,
		RateLimit:      cfg.RateLimit,
		Redis:          rdb,
		WebhookKey:     cfg.WebhookChecksumKey,
		Log:            logger,
	})
	return nil
}

func loadPermissions(path string) (*permission.Table, error) {
	if path == "" {
		return permission.Default()
	}
	t, err := permission.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	return t, nil
}

// Run serves until ctx is cancelled, then shuts the server down gracefully.
// It returns only after in-flight requests finished or the grace period ran out.
func (a *App) Run(ctx context.Context) error {
	addr := ":" + a.cfg.Port
	a.logger.Info().Str("addr", addr).Str("env", a.cfg.Env).Msg("listening")
	return serve(ctx, a.echo, addr, shutdownGrace)
}

const shutdownGrace = 10 * time.Second

func serve(ctx context.Context, e *echo.Echo, addr string, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(addr) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close flushes pending audit entries and releases every connection.
func (a *App) Close() {
	if a.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.audit.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Uint64("dropped", a.audit.Dropped()).Msg("audit buffer not fully flushed")
		}
		cancel()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.mongo != nil {
		_ = a.mongo.Disconnect(context.Background())
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

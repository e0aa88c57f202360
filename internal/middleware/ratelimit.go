package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/iliyamo/storefront-auth/internal/config"
	"github.com/iliyamo/storefront-auth/internal/token"
)

const tooManyRequests = "Too many requests from this IP, please try again in an hour!"

var limiterScript = redis.NewScript(`
    local key = KEYS[1]
    local now_ms = tonumber(ARGV[1])
    local capacity = tonumber(ARGV[2])
    local refill_tokens = tonumber(ARGV[3])
    local interval_ms = tonumber(ARGV[4])
    local ttl_seconds = tonumber(ARGV[5])

    local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
    local tokens = tonumber(state[1])
    local last_refill = tonumber(state[2])
    if tokens == nil or last_refill == nil then
        tokens = capacity
        last_refill = now_ms
    end

    local elapsed = math.max(0, now_ms - last_refill)
    local intervals = math.floor(elapsed / interval_ms)
    if intervals > 0 then
        tokens = math.min(capacity, tokens + (intervals * refill_tokens))
        last_refill = last_refill + (intervals * interval_ms)
    end

    local allowed = 0
    local retry_after_ms = 0
    if tokens > 0 then
        allowed = 1
        tokens = tokens - 1
    else
        retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
    end

    redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
    redis.call('EXPIRE', key, ttl_seconds)
    return { allowed, tokens, retry_after_ms }
`)

// AccessVerifier checks an access token's signature and expiry.
type AccessVerifier interface {
	VerifyAccess(raw string) (token.Claims, error)
}

// BucketOption customises NewTokenBucket.
type BucketOption func(*bucketOptions)

type bucketOptions struct {
	tokens AccessVerifier
}

// WithAccessTokens lets the user and default key strategies tell callers
// apart. The limiter sits in front of Protect, so it keys on the subject of
// a correctly signed, unexpired access token and leaves revocation to
// Protect. Without it every caller is "guest" and only the ip and route
// parts of the key differ.
func WithAccessTokens(v AccessVerifier) BucketOption {
	return func(o *bucketOptions) { o.tokens = v }
}

// NewTokenBucket limits requests per key. The bucket lives in Redis so every
// instance shares it; without Redis each process keeps its own buckets. A
// Redis failure lets the request through.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, log zerolog.Logger, opts ...BucketOption) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	var o bucketOptions
	for _, opt := range opts {
		opt(&o)
	}
	var take func(c echo.Context, key string) (bool, int64, time.Duration, error)
	if rdb != nil {
		take = redisTake(cfg, rdb)
	} else {
		take = newLocalBuckets(cfg).take
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c, o.caller)
			allowed, remaining, retry, err := take(c, key)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("rate limit check failed")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			if !allowed {
				secs := int(math.Ceil(retry.Seconds()))
				h.Set("Retry-After", strconv.Itoa(secs))
				if cfg.Debug {
					log.Debug().Str("key", key).Dur("retry", retry).Msg("rate limited")
				}
				return c.JSON(http.StatusTooManyRequests, echo.Map{"status": "fail", "message": tooManyRequests})
			}
			if cfg.Debug {
				h.Set("X-RateLimit-Key", key)
			}
			return next(c)
		}
	}
}

func redisTake(cfg config.RateLimitConfig, rdb *redis.Client) func(echo.Context, string) (bool, int64, time.Duration, error) {
	return func(c echo.Context, key string) (bool, int64, time.Duration, error) {
		vals, err := limiterScript.Run(c.Request().Context(), rdb, []string{key},
			time.Now().UnixMilli(),
			cfg.Capacity,
			cfg.RefillTokens,
			cfg.RefillInterval.Milliseconds(),
			int64(cfg.TTL/time.Second),
		).Int64Slice()
		if err != nil {
			return false, 0, 0, err
		}
		if len(vals) != 3 {
			return false, 0, 0, fmt.Errorf("unexpected limiter result %v", vals)
		}
		return vals[0] == 1, vals[1], time.Duration(vals[2]) * time.Millisecond, nil
	}
}

type localBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// localBuckets is the in-process fallback, one x/time/rate limiter per key.
type localBuckets struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	every   rate.Limit
	burst   int
	ttl     time.Duration
	swept   time.Time
	now     func() time.Time
}

func newLocalBuckets(cfg config.RateLimitConfig) *localBuckets {
	return &localBuckets{
		buckets: make(map[string]*localBucket),
		every:   rate.Every(cfg.RefillInterval / time.Duration(cfg.RefillTokens)),
		burst:   cfg.Capacity,
		ttl:     cfg.TTL,
		now:     time.Now,
	}
}

func (l *localBuckets) take(_ echo.Context, key string) (bool, int64, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.swept) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, 0, delay, nil
	}
	return true, int64(b.lim.TokensAt(now)), 0, nil
}

// caller names the user a request belongs to for keying purposes.
func (o bucketOptions) caller(c echo.Context) string {
	if _, ok := UserFrom(c); ok || o.tokens == nil {
		return userID(c)
	}
	raw := BearerToken(c)
	if raw == "" {
		return "guest"
	}
	claims, err := o.tokens.VerifyAccess(raw)
	if err != nil {
		return "guest"
	}
	return strconv.FormatUint(claims.UserID, 10)
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context, caller func(echo.Context) string) string {
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	route := c.Request().Method + " " + c.Path()

	parts := []string{cfg.Prefix}
	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "user":
		parts = append(parts, "user", caller(c))
	case "route":
		parts = append(parts, "route", route)
	case "ip_route":
		parts = append(parts, "ip", ip, "route", route)
	default:
		parts = append(parts, "ip", ip, "user", caller(c), "route", route)
	}
	return strings.Join(parts, ":")
}

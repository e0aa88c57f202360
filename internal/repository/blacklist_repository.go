package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/storefront-auth/internal/model"
	"github.com/iliyamo/storefront-auth/internal/utils"
)

const (
	blacklistPrefix     = "bl:"
	blacklistUserPrefix = "bl:user:"
)

// BlacklistRepo keeps revoked tokens in Redis. Each entry lives under
// bl:<sha256(token)> with a TTL equal to the token's remaining lifetime, so
// Redis purges it once the token would have expired anyway.
type BlacklistRepo struct {
	RDB     *redis.Client
	Timeout time.Duration
	Log     zerolog.Logger
	// OnCheckError is called when a lookup fails and the token is treated
	// as revoked.
	OnCheckError func(error)
	now          func() time.Time
}

func NewBlacklistRepo(rdb *redis.Client, timeout time.Duration, log zerolog.Logger) *BlacklistRepo {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &BlacklistRepo{RDB: rdb, Timeout: timeout, Log: log, now: time.Now}
}

func blacklistKey(tokenHash string) string { return blacklistPrefix + tokenHash }

func userHistoryKey(userID uint64) string {
	return blacklistUserPrefix + strconv.FormatUint(userID, 10)
}

// Revoke stores rt. An already expired token is still written with the
// minimum TTL of one second.
func (r *BlacklistRepo) Revoke(ctx context.Context, rt model.RevokedToken) error {
	if rt.TokenHash == "" {
		return errors.New("revoke: empty token hash")
	}
	now := r.now()
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = now.UTC()
	}
	ttl := rt.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	body, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("marshal revoked token: %w", err)
	}

	hk := userHistoryKey(rt.UserID)
	pipe := r.RDB.TxPipeline()
	pipe.SetEx(ctx, blacklistKey(rt.TokenHash), body, ttl)
	pipe.ZAdd(ctx, hk, redis.Z{Score: float64(rt.ExpiresAt.Unix()), Member: rt.TokenHash})
	last := pipe.ZRevRangeWithScores(ctx, hk, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}

	// The history set lives as long as its longest-lived member.
	if zs := last.Val(); len(zs) == 1 {
		keep := time.Unix(int64(zs[0].Score), 0).Sub(now)
		if keep < ttl {
			keep = ttl
		}
		if err := r.RDB.Expire(ctx, hk, keep).Err(); err != nil {
			r.Log.Warn().Err(err).Uint64("user_id", rt.UserID).Msg("set blacklist history ttl")
		}
	}
	return nil
}

// IsRevoked reports whether raw is on the blacklist. Any error, including a
// timeout, counts as revoked.
func (r *BlacklistRepo) IsRevoked(ctx context.Context, raw string) bool {
	return r.IsHashRevoked(ctx, utils.HashToken(raw))
}

func (r *BlacklistRepo) IsHashRevoked(ctx context.Context, tokenHash string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	n, err := r.RDB.Exists(ctx, blacklistKey(tokenHash)).Result()
	if err != nil {
		r.Log.Error().Err(err).Msg("blacklist lookup failed, denying token")
		if r.OnCheckError != nil {
			r.OnCheckError(err)
		}
		return true
	}
	return n > 0
}

// History lists the unexpired revocations of a user, newest expiry first.
func (r *BlacklistRepo) History(ctx context.Context, userID uint64, limit int) ([]model.RevokedToken, error) {
	if limit <= 0 {
		limit = 50
	}
	hk := userHistoryKey(userID)
	now := strconv.FormatInt(r.now().Unix(), 10)
	if err := r.RDB.ZRemRangeByScore(ctx, hk, "-inf", "("+now).Err(); err != nil {
		return nil, fmt.Errorf("prune history: %w", err)
	}
	hashes, err := r.RDB.ZRevRange(ctx, hk, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(hashes) == 0 {
		return []model.RevokedToken{}, nil
	}
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = blacklistKey(h)
	}
	vals, err := r.RDB.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	out := make([]model.RevokedToken, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // purged between the two reads
		}
		var rt model.RevokedToken
		if err := json.Unmarshal([]byte(s), &rt); err != nil {
			r.Log.Warn().Err(err).Msg("skip malformed blacklist entry")
			continue
		}
		out = append(out, rt)
	}
	return out, nil
}
